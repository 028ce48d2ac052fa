// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: MIT

package fatal

import (
	"errors"
	"strings"
	"testing"
)

func TestAbortCapturesCallSite(t *testing.T) {
	err := Catch(func() {
		Abortf(CodeInvariant, "task %d completed twice", 7)
	})
	if err == nil {
		t.Fatal("Catch returned nil, want *Error")
	}
	if err.Code != CodeInvariant {
		t.Errorf("Code = %v, want %v", err.Code, CodeInvariant)
	}
	if err.File != "fatal_test.go" {
		t.Errorf("File = %q, want fatal_test.go", err.File)
	}
	if err.Line == 0 {
		t.Error("Line = 0, want call-site line")
	}
	if !strings.Contains(err.Function, "TestAbortCapturesCallSite") {
		t.Errorf("Function = %q, want enclosing test function", err.Function)
	}
	if err.Message != "task 7 completed twice" {
		t.Errorf("Message = %q", err.Message)
	}
}

func TestCheckNilIsNoop(t *testing.T) {
	if err := Catch(func() { Check(nil, "submit") }); err != nil {
		t.Fatalf("Check(nil) aborted: %v", err)
	}
}

func TestCheckWrapsError(t *testing.T) {
	err := Catch(func() { Check(errors.New("queue lost"), "submit") })
	if err == nil {
		t.Fatal("Check(err) did not abort")
	}
	if err.Code != CodeBackend {
		t.Errorf("Code = %v, want backend", err.Code)
	}
	if err.Message != "submit: queue lost" {
		t.Errorf("Message = %q", err.Message)
	}
}

func TestSetHandlerReceivesError(t *testing.T) {
	var got *Error
	restore := SetHandler(func(e *Error) { got = e })
	defer restore()

	// A returning handler is still followed by a panic.
	err := Catch(func() { Abort(CodeDeviceLost, "fence timeout") })
	if got == nil || err == nil {
		t.Fatalf("handler got %v, Catch got %v", got, err)
	}
	if got != err {
		t.Error("handler and panic carry different errors")
	}
}

func TestCurrentHandlerWraps(t *testing.T) {
	var calls []string
	restoreInner := SetHandler(func(*Error) { calls = append(calls, "inner") })
	defer restoreInner()

	inner := CurrentHandler()
	restore := SetHandler(func(e *Error) {
		calls = append(calls, "outer")
		inner(e)
	})
	Catch(func() { Abort(CodeBackend, "submit") })
	restore()
	Catch(func() { Abort(CodeBackend, "submit") })

	want := []string{"outer", "inner", "inner"}
	if len(calls) != len(want) {
		t.Fatalf("calls = %v, want %v", calls, want)
	}
	for i := range want {
		if calls[i] != want[i] {
			t.Errorf("calls[%d] = %q, want %q", i, calls[i], want[i])
		}
	}
}

func TestCatchPropagatesForeignPanics(t *testing.T) {
	defer func() {
		if r := recover(); r != "boom" {
			t.Errorf("recovered %v, want boom", r)
		}
	}()
	Catch(func() { panic("boom") })
}

func TestCodeString(t *testing.T) {
	tests := []struct {
		code Code
		want string
	}{
		{CodeUnknown, "unknown"},
		{CodeInvariant, "invariant"},
		{CodeBackend, "backend"},
		{CodeDeviceLost, "device-lost"},
		{CodeSurfaceLost, "surface-lost"},
		{CodeProtocol, "protocol"},
	}
	for _, tt := range tests {
		if got := tt.code.String(); got != tt.want {
			t.Errorf("Code(%d).String() = %q, want %q", tt.code, got, tt.want)
		}
	}
}
