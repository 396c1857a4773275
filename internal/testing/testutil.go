// Package testing provides helpers for concurrency-heavy historian tests.
//
// t.Fatal and t.FailNow must not be called from spawned goroutines: they
// call runtime.Goexit, which terminates only the calling goroutine. The
// helpers here collect goroutine errors over a channel and report them
// from the test goroutine.
package testing

import (
	"fmt"
	"sync"
	"testing"
	"time"
)

// Group runs test workloads in goroutines and collects their errors.
//
//	g := testing.NewGroup(t)
//	for _, tag := range tags {
//	    g.Go(func() error { return ingest(tag) })
//	}
//	g.Wait()
type Group struct {
	t      *testing.T
	wg     sync.WaitGroup
	errors chan error
}

// NewGroup creates a goroutine group bound to the given test.
func NewGroup(t *testing.T) *Group {
	return &Group{
		t:      t,
		errors: make(chan error, 128),
	}
}

// Go runs fn in a goroutine. A non-nil return is reported as a test
// error by Wait.
func (g *Group) Go(fn func() error) {
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		if err := fn(); err != nil {
			select {
			case g.errors <- err:
			default:
				g.t.Logf("error channel full, dropping: %v", err)
			}
		}
	}()
}

// Wait blocks until all goroutines finish and reports collected errors.
func (g *Group) Wait() {
	g.wg.Wait()
	close(g.errors)
	for err := range g.errors {
		g.t.Errorf("goroutine error: %v", err)
	}
}

// Eventually polls cond until it returns true or the deadline passes.
// Rotation and retention workers run on tickers, so tests asserting on
// their side effects need a bounded poll instead of a fixed sleep.
func Eventually(t *testing.T, deadline time.Duration, cond func() bool) {
	t.Helper()
	end := time.Now().Add(deadline)
	for time.Now().Before(end) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

// RunWithTimeout runs fn and fails if it does not return in time. Used
// to catch deadlocks in barrier and shutdown paths.
func RunWithTimeout(timeout time.Duration, fn func()) error {
	done := make(chan struct{})
	go func() {
		fn()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("timeout after %v", timeout)
	}
}
