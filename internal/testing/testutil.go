// Package testing provides test utilities for the radarcache project.
//
// Using t.Fatal or t.FailNow in a goroutine causes the test to hang
// because these functions call runtime.Goexit(), which only exits the
// current goroutine, not the test goroutine. GoroutineTest provides the
// error channel pattern as a safe alternative.
package testing

import (
	"context"
	"sync"
	"testing"
	"time"
)

// GoroutineTest collects errors from test goroutines.
//
// Example usage:
//
//	gt := testing.NewGoroutineTest(t)
//	defer gt.Wait()
//
//	gt.Go(func() error {
//	    result, err := someOperation()
//	    if err != nil {
//	        return fmt.Errorf("operation failed: %w", err)
//	    }
//	    return nil
//	})
type GoroutineTest struct {
	t      *testing.T
	wg     sync.WaitGroup
	errors chan error
	ctx    context.Context
	cancel context.CancelFunc
}

// NewGoroutineTest creates a new GoroutineTest helper.
func NewGoroutineTest(t *testing.T) *GoroutineTest {
	ctx, cancel := context.WithCancel(context.Background())
	return &GoroutineTest{
		t:      t,
		errors: make(chan error, 100), // buffered to avoid blocking
		ctx:    ctx,
		cancel: cancel,
	}
}

// Go runs a function in a goroutine and collects any error it returns.
func (gt *GoroutineTest) Go(fn func() error) {
	gt.wg.Add(1)
	go func() {
		defer gt.wg.Done()
		if err := fn(); err != nil {
			select {
			case gt.errors <- err:
			default:
			}
		}
	}()
}

// GoWithContext runs a context-aware function in a goroutine.
func (gt *GoroutineTest) GoWithContext(fn func(context.Context) error) {
	gt.Go(func() error { return fn(gt.ctx) })
}

// Wait blocks until every goroutine finishes and reports collected
// errors on the test goroutine.
func (gt *GoroutineTest) Wait() {
	gt.wg.Wait()
	gt.cancel()
	close(gt.errors)
	for err := range gt.errors {
		gt.t.Error(err)
	}
}

// Eventually polls cond until it returns true or the timeout elapses.
func Eventually(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
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
