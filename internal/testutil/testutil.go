// Package testutil holds helpers shared by package tests.
package testutil

import (
	"testing"
	"time"
)

// WaitTimeout bounds WaitFor.
var WaitTimeout = 10 * time.Second

const pollInterval = 20 * time.Millisecond

// WaitFor polls cond until it holds and fails t once WaitTimeout passes.
func WaitFor(t testing.TB, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(WaitTimeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(pollInterval)
	}
}

// FuzzTimeout is how long a single fuzz input may take to decode.
const FuzzTimeout = 100 * time.Millisecond

// Truncate caps fuzz input at n bytes.
func Truncate(b []byte, n int) []byte {
	if n > 0 && len(b) > n {
		return b[:n]
	}
	return b
}

// Bounded runs fn and fails t if it does not return within d.
func Bounded(t testing.TB, d time.Duration, fn func()) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		defer close(done)
		fn()
	}()
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-done:
	case <-timer.C:
		t.Fatalf("still running after %s", d)
	}
}
