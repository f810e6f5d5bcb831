// Package testutil provides shared helpers for tests across the project.
package testutil

import (
	"context"
	"testing"
	"time"
)

// TestContext returns a context with a generous timeout, cancelled on test
// cleanup so leaked goroutines unblock.
func TestContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// CancelledContext returns an already-cancelled context.
func CancelledContext() context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	return ctx
}

// AssertEventuallyTrue polls cond until it holds or the timeout elapses.
func AssertEventuallyTrue(t *testing.T, cond func() bool, timeout time.Duration, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %v: %s", timeout, msg)
}

// WaitForChannel receives one value with a timeout.
func WaitForChannel[T any](ch <-chan T, timeout time.Duration) (T, bool) {
	select {
	case v := <-ch:
		return v, true
	case <-time.After(timeout):
		var zero T
		return zero, false
	}
}
