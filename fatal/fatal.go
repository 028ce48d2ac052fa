// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: MIT

// Package fatal reports process-fatal conditions.
//
// A failed GPU call, an internal invariant violation or an unrecoverable
// presentation surface leaves the rendering state untrustworthy. Such
// conditions are reported through Abort, which captures the call site,
// logs the failure and hands it to the installed Handler. Abort never
// returns: the default handler panics with the *Error, and a custom handler
// that returns is followed by the same panic.
package fatal

import (
	"fmt"
	"path"
	"runtime"
	"sync/atomic"

	"github.com/gogpu/vgpu/internal/logging"
)

// Code classifies the reason for an abort.
type Code int

const (
	// CodeUnknown is used when no better classification exists.
	CodeUnknown Code = iota

	// CodeInvariant marks an internal logic bug such as completing a
	// timeline task twice or using a closed registry.
	CodeInvariant

	// CodeBackend marks a GPU API call that reported failure.
	CodeBackend

	// CodeDeviceLost marks a fence that never signaled within its
	// bounded wait.
	CodeDeviceLost

	// CodeSurfaceLost marks a presentation surface that could not be
	// recreated.
	CodeSurfaceLost

	// CodeProtocol marks a guest protocol violation such as an explicit
	// handle colliding with a live resource.
	CodeProtocol
)

// String returns the code name.
func (c Code) String() string {
	switch c {
	case CodeInvariant:
		return "invariant"
	case CodeBackend:
		return "backend"
	case CodeDeviceLost:
		return "device-lost"
	case CodeSurfaceLost:
		return "surface-lost"
	case CodeProtocol:
		return "protocol"
	default:
		return "unknown"
	}
}

// Error describes one fatal condition and where it was raised.
type Error struct {
	File     string
	Function string
	Line     int
	Code     Code
	Message  string
}

func (e *Error) Error() string {
	return fmt.Sprintf("fatal %s at %s:%d (%s): %s", e.Code, e.File, e.Line, e.Function, e.Message)
}

// Handler receives fatal errors. It is expected not to return.
type Handler func(*Error)

func defaultHandler(e *Error) { panic(e) }

var handlerPtr atomic.Pointer[Handler]

func init() {
	h := Handler(defaultHandler)
	handlerPtr.Store(&h)
}

// SetHandler installs h and returns a func restoring the previous handler.
// Nil restores the default panicking handler.
func SetHandler(h Handler) (restore func()) {
	if h == nil {
		h = defaultHandler
	}
	prev := handlerPtr.Swap(&h)
	return func() { handlerPtr.Store(prev) }
}

// CurrentHandler returns the installed handler, so a new handler can wrap
// it.
func CurrentHandler() Handler { return *handlerPtr.Load() }

// Abort reports a fatal condition raised by the caller of Abort.
func Abort(code Code, msg string) {
	abort(2, code, msg)
}

// Abortf reports a fatal condition with a formatted message.
func Abortf(code Code, format string, args ...any) {
	abort(2, code, fmt.Sprintf(format, args...))
}

// Check aborts with CodeBackend when err is non-nil.
func Check(err error, msg string) {
	if err != nil {
		abort(2, CodeBackend, msg+": "+err.Error())
	}
}

func abort(skip int, code Code, msg string) {
	e := &Error{Code: code, Message: msg, Function: "unknown"}
	if pc, file, line, ok := runtime.Caller(skip); ok {
		e.File = path.Base(file)
		e.Line = line
		if fn := runtime.FuncForPC(pc); fn != nil {
			e.Function = fn.Name()
		}
	}

	logging.Logger().Error("vgpu: fatal",
		"code", code.String(),
		"file", e.File,
		"line", e.Line,
		"function", e.Function,
		"msg", msg)

	(*handlerPtr.Load())(e)
	panic(e)
}

// Catch runs fn and returns the *Error it aborted with, or nil when fn
// returned normally. Panics that are not fatal errors propagate.
func Catch(fn func()) (err *Error) {
	defer func() {
		if r := recover(); r != nil {
			fe, ok := r.(*Error)
			if !ok {
				panic(r)
			}
			err = fe
		}
	}()
	fn()
	return nil
}
