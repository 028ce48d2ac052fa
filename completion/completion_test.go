// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: MIT

package completion

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestNewResolvesOnce(t *testing.T) {
	h, resolve := New()
	if h.Ready() {
		t.Fatal("new handle is ready")
	}

	first := errors.New("first")
	resolve(first)
	resolve(errors.New("second"))

	if !h.Ready() {
		t.Fatal("handle not ready after resolve")
	}
	if !errors.Is(h.Err(), first) {
		t.Errorf("Err() = %v, want first", h.Err())
	}
}

func TestResolvedAndFailed(t *testing.T) {
	if err := Resolved().Wait(context.Background()); err != nil {
		t.Errorf("Resolved().Wait() = %v, want nil", err)
	}
	want := errors.New("lost")
	if err := Failed(want).Wait(context.Background()); !errors.Is(err, want) {
		t.Errorf("Failed().Wait() = %v, want %v", err, want)
	}
}

func TestWaitContextCancel(t *testing.T) {
	h, _ := New()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := h.Wait(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("Wait() = %v, want context.Canceled", err)
	}
}

func TestWaitTimeout(t *testing.T) {
	h, resolve := New()
	ok, err := h.WaitTimeout(5 * time.Millisecond)
	if ok || err != nil {
		t.Errorf("WaitTimeout on pending = (%v, %v), want (false, nil)", ok, err)
	}
	resolve(nil)
	ok, err = h.WaitTimeout(time.Second)
	if !ok || err != nil {
		t.Errorf("WaitTimeout on resolved = (%v, %v), want (true, nil)", ok, err)
	}
}

func TestOnDoneOrdering(t *testing.T) {
	h, resolve := New()
	var got []int
	h.OnDone(func(error) { got = append(got, 1) })
	h.OnDone(func(error) { got = append(got, 2) })
	resolve(nil)
	h.OnDone(func(error) { got = append(got, 3) })

	want := []int{1, 2, 3}
	if len(got) != len(want) {
		t.Fatalf("callbacks ran %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("callback[%d] = %d, want %d", i, got[i], want[i])
		}
	}
}

func TestForward(t *testing.T) {
	src, resolve := New()
	fwd := Forward(src)
	if fwd.Ready() {
		t.Fatal("forwarded handle ready before source")
	}
	want := errors.New("gpu fault")
	resolve(want)
	if !fwd.Ready() || !errors.Is(fwd.Err(), want) {
		t.Errorf("forwarded = (ready %v, err %v), want (true, %v)", fwd.Ready(), fwd.Err(), want)
	}

	if !Forward(nil).Ready() {
		t.Error("Forward(nil) not ready")
	}
}

func TestConcurrentResolve(t *testing.T) {
	h, resolve := New()
	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			resolve(nil)
		}()
	}
	wg.Wait()
	select {
	case <-h.Done():
	default:
		t.Fatal("Done channel not closed")
	}
}
