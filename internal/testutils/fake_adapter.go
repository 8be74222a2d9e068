package testutils

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/srg/bleproxy/internal/adapter"
)

// FakeAdapter is an in-memory adapter.Adapter for tests. Advertisements are
// injected with Emit, scan failures with FailScan, and every control call is
// counted so tests can assert on recovery behavior.
type FakeAdapter struct {
	mu       sync.Mutex
	handler  func(adapter.Advertisement)
	scanning bool
	failCh   chan error

	// ScanErr, StopErr and PowerCycleErr are returned by the matching
	// methods when set.
	ScanErr       error
	StopErr       error
	PowerCycleErr error

	// StopDelay simulates a radio that is slow to acknowledge scan
	// cancellation: Scan sleeps this long after its context is done.
	StopDelay time.Duration

	// StateOverride, when set, is returned verbatim by State; StateErr
	// makes State fail instead.
	StateOverride *adapter.State
	StateErr      error

	// StopClearsDiscovering makes StopDiscovery clear the override's
	// discovering flag, simulating a force-stop that actually works.
	StopClearsDiscovering bool

	scanCalls       atomic.Int64
	stopCalls       atomic.Int64
	powerCycleCalls atomic.Int64

	scanStarted chan struct{}
}

// NewFakeAdapter creates an idle fake adapter.
func NewFakeAdapter() *FakeAdapter {
	return &FakeAdapter{
		scanStarted: make(chan struct{}, 16),
	}
}

// Scan blocks delivering injected advertisements to handler until ctx is
// cancelled or FailScan is called.
func (f *FakeAdapter) Scan(ctx context.Context, _ bool, handler func(adapter.Advertisement)) error {
	f.scanCalls.Add(1)

	f.mu.Lock()
	if f.ScanErr != nil {
		err := f.ScanErr
		f.mu.Unlock()
		return err
	}
	f.handler = handler
	f.scanning = true
	failCh := make(chan error, 1)
	f.failCh = failCh
	f.mu.Unlock()

	select {
	case f.scanStarted <- struct{}{}:
	default:
	}

	var err error
	select {
	case <-ctx.Done():
		if f.StopDelay > 0 {
			time.Sleep(f.StopDelay)
		}
	case err = <-failCh:
	}

	f.mu.Lock()
	f.handler = nil
	f.scanning = false
	f.mu.Unlock()
	return err
}

// StopDiscovery records a force-stop request.
func (f *FakeAdapter) StopDiscovery(context.Context) error {
	f.stopCalls.Add(1)
	if f.StopErr != nil {
		return f.StopErr
	}
	f.mu.Lock()
	if f.StopClearsDiscovering && f.StateOverride != nil {
		f.StateOverride.Discovering = false
	}
	f.mu.Unlock()
	return nil
}

// PowerCycle records a power-cycle request.
func (f *FakeAdapter) PowerCycle(context.Context) error {
	f.powerCycleCalls.Add(1)
	return f.PowerCycleErr
}

// State reports powered always and discovering while a Scan call is active,
// unless StateOverride is set.
func (f *FakeAdapter) State(context.Context) (adapter.State, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.StateErr != nil {
		return adapter.State{}, f.StateErr
	}
	if f.StateOverride != nil {
		return *f.StateOverride, nil
	}
	return adapter.State{Powered: true, Discovering: f.scanning}, nil
}

// Address returns a fixed local address.
func (f *FakeAdapter) Address() string { return "11:22:33:44:55:66" }

// Emit delivers one advertisement to the active scan handler. It is a no-op
// while no scan is running.
func (f *FakeAdapter) Emit(adv adapter.Advertisement) {
	f.mu.Lock()
	handler := f.handler
	f.mu.Unlock()
	if handler != nil {
		handler(adv)
	}
}

// FailScan makes the active Scan call return err.
func (f *FakeAdapter) FailScan(err error) {
	f.mu.Lock()
	ch := f.failCh
	f.failCh = nil
	f.mu.Unlock()
	if ch != nil {
		ch <- err
	}
}

// WaitForScan blocks until a Scan call has started or the timeout elapses,
// reporting which.
func (f *FakeAdapter) WaitForScan(timeout time.Duration) bool {
	select {
	case <-f.scanStarted:
		return true
	case <-time.After(timeout):
		return false
	}
}

// Scanning reports whether a Scan call is currently active.
func (f *FakeAdapter) Scanning() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.scanning
}

// ScanCalls returns how many times Scan was invoked.
func (f *FakeAdapter) ScanCalls() int64 { return f.scanCalls.Load() }

// StopCalls returns how many times StopDiscovery was invoked.
func (f *FakeAdapter) StopCalls() int64 { return f.stopCalls.Load() }

// PowerCycleCalls returns how many times PowerCycle was invoked.
func (f *FakeAdapter) PowerCycleCalls() int64 { return f.powerCycleCalls.Load() }
