// Package testing holds helpers shared by the feedrec test suites.
//
// Goroutines started by a test must not call t.Fatal: it only exits the
// calling goroutine. GoroutineTest collects their errors instead and fails
// the test from Wait.
package testing

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"sync"
	"testing"
	"time"
)

// =============================================================================
// Goroutine Errors
// =============================================================================

// GoroutineTest runs functions on goroutines and reports their errors.
//
//	gt := testutil.NewGoroutineTest(t)
//	gt.Go(func() error { return writer.Write(rec) })
//	gt.Wait()
type GoroutineTest struct {
	t      *testing.T
	wg     sync.WaitGroup
	errors chan error
	ctx    context.Context
	cancel context.CancelFunc
}

// NewGoroutineTest creates a GoroutineTest.
func NewGoroutineTest(t *testing.T) *GoroutineTest {
	ctx, cancel := context.WithCancel(context.Background())
	return newGoroutineTest(t, ctx, cancel)
}

// NewGoroutineTestWithTimeout creates a GoroutineTest whose context
// expires after timeout.
func NewGoroutineTestWithTimeout(t *testing.T, timeout time.Duration) *GoroutineTest {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	return newGoroutineTest(t, ctx, cancel)
}

func newGoroutineTest(t *testing.T, ctx context.Context, cancel context.CancelFunc) *GoroutineTest {
	return &GoroutineTest{
		t:      t,
		errors: make(chan error, 100),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Go runs fn on a new goroutine.
func (gt *GoroutineTest) Go(fn func() error) {
	gt.wg.Add(1)
	go func() {
		defer gt.wg.Done()
		if err := fn(); err != nil {
			gt.report(err)
		}
	}()
}

func (gt *GoroutineTest) report(err error) {
	select {
	case gt.errors <- err:
	default:
		gt.t.Logf("error channel full, dropping error: %v", err)
	}
}

// Wait blocks until every goroutine returns and fails the test if any
// returned an error.
func (gt *GoroutineTest) Wait() {
	gt.t.Helper()
	gt.wg.Wait()
	gt.cancel()
	close(gt.errors)

	var errs []error
	for err := range gt.errors {
		errs = append(errs, err)
	}
	if len(errs) == 0 {
		return
	}
	gt.t.Errorf("%d goroutine(s) failed:", len(errs))
	for i, err := range errs {
		gt.t.Errorf("  [%d] %v", i+1, err)
	}
	gt.t.FailNow()
}

// Context returns the test context. It is cancelled once Wait returns.
func (gt *GoroutineTest) Context() context.Context {
	return gt.ctx
}

// =============================================================================
// Timing
// =============================================================================

// WithTimeout runs fn and gives up after timeout.
func WithTimeout(timeout time.Duration, fn func() error) error {
	done := make(chan error, 1)
	go func() {
		done <- fn()
	}()

	select {
	case err := <-done:
		return err
	case <-time.After(timeout):
		return fmt.Errorf("operation timed out after %v", timeout)
	}
}

// Eventually polls condition until it holds or timeout elapses.
func Eventually(timeout, interval time.Duration, condition func() bool) error {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return nil
		}
		time.Sleep(interval)
	}
	return fmt.Errorf("condition not met within %v", timeout)
}

// =============================================================================
// Datagrams
// =============================================================================

// SendUDP writes each payload as one datagram to addr.
func SendUDP(t *testing.T, addr netip.AddrPort, payloads ...[]byte) {
	t.Helper()
	conn, err := net.DialUDP("udp4", nil, net.UDPAddrFromAddrPort(addr))
	if err != nil {
		t.Fatalf("DialUDP %s: %v", addr, err)
	}
	defer conn.Close()
	for _, p := range payloads {
		if _, err := conn.Write(p); err != nil {
			t.Fatalf("Write %s: %v", addr, err)
		}
	}
}
