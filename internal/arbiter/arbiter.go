// Package arbiter serializes access to the single BLE radio between the
// continuous scan loop and exclusive GATT sessions.
//
// Holders pause scanning by acquiring a lease and resume it by releasing;
// the scan loop runs exactly when the set of outstanding leases is empty.
// A holder that fails to release leaves the radio paused forever, so
// callers should prefer WithLease, which guarantees release on every exit
// path.
package arbiter

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/bleproxy/internal/adapter"
	"github.com/srg/bleproxy/internal/groutine"
	"github.com/srg/bleproxy/internal/ringchan"
)

const (
	// DefaultStopTimeout bounds the wait for the scan loop to confirm it
	// stopped during Acquire. Past it the radio hardware, not software, is
	// the limiting factor and the acquire proceeds anyway.
	DefaultStopTimeout = 5 * time.Second

	// DefaultQueueSize is the per-subscriber advertisement queue capacity.
	DefaultQueueSize = 256
)

// Lease is one holder's claim that scanning must stay paused. It is created
// by Acquire and destroyed exactly once by Release; releasing it again is a
// no-op.
type Lease struct {
	id        uint64
	holder    string
	createdAt time.Time
}

// Holder returns the identifier passed to Acquire.
func (l *Lease) Holder() string { return l.holder }

// CreatedAt returns the lease creation time.
func (l *Lease) CreatedAt() time.Time { return l.createdAt }

// Subscription is one consumer of the advertisement fan-out. Delivery order
// matches discovery order; the queue drops its oldest entry on overflow.
type Subscription struct {
	id    uint64
	name  string
	queue *ringchan.Ring[adapter.Advertisement]
}

// C returns the advertisement channel. It is closed by Unsubscribe.
func (s *Subscription) C() <-chan adapter.Advertisement { return s.queue.C() }

// TryReceive pops a queued advertisement without blocking.
func (s *Subscription) TryReceive() (adapter.Advertisement, bool) { return s.queue.TryReceive() }

// Dropped returns how many advertisements were discarded due to overflow.
func (s *Subscription) Dropped() int64 { return s.queue.Dropped() }

// Options tune the arbiter; zero values select defaults.
type Options struct {
	StopTimeout time.Duration
	QueueSize   int
}

// Arbiter owns the scan-loop lifecycle and the pause/resume lease counter.
type Arbiter struct {
	adapter     adapter.Adapter
	logger      *logrus.Logger
	stopTimeout time.Duration
	queueSize   int

	mu          sync.Mutex
	leases      map[uint64]struct{}
	nextLeaseID uint64
	running     bool
	scanCancel  context.CancelFunc
	scanDone    chan struct{}
	closed      bool

	subMu          sync.RWMutex
	subs           map[uint64]*Subscription
	nextSubID      uint64
	stateListeners []func(running bool)

	totalAds     atomic.Uint64
	scanFailures atomic.Uint64
}

// New creates an Arbiter around the shared adapter. The scan loop is not
// started: callers that expect advertisements must call EnsureRunning.
func New(adp adapter.Adapter, logger *logrus.Logger, opts *Options) *Arbiter {
	if logger == nil {
		logger = logrus.New()
	}
	if opts == nil {
		opts = &Options{}
	}
	stopTimeout := opts.StopTimeout
	if stopTimeout <= 0 {
		stopTimeout = DefaultStopTimeout
	}
	queueSize := opts.QueueSize
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}

	return &Arbiter{
		adapter:     adp,
		logger:      logger,
		stopTimeout: stopTimeout,
		queueSize:   queueSize,
		leases:      make(map[uint64]struct{}),
		subs:        make(map[uint64]*Subscription),
	}
}

// Acquire pauses scanning on behalf of holder. If the scan loop is active it
// is asked to stop and the call waits (bounded) for confirmation before
// returning.
func (a *Arbiter) Acquire(holder string) *Lease {
	a.mu.Lock()
	a.nextLeaseID++
	l := &Lease{id: a.nextLeaseID, holder: holder, createdAt: time.Now()}
	a.leases[l.id] = struct{}{}
	count := len(a.leases)

	var done chan struct{}
	if count == 1 && a.running {
		done = a.stopScanLocked("acquire:" + holder)
	}
	a.mu.Unlock()

	if done != nil {
		a.notifyState(false)
		select {
		case <-done:
		case <-time.After(a.stopTimeout):
			a.logger.WithFields(logrus.Fields{
				"holder":  holder,
				"timeout": a.stopTimeout,
			}).Warn("Scan loop did not confirm stop in time; proceeding anyway")
		}
	}

	a.logger.WithFields(logrus.Fields{
		"holder": holder,
		"leases": count,
	}).Debug("Scan pause lease acquired")
	return l
}

// Release destroys a lease. It is idempotent per lease: releasing an
// already-released or nil lease is a no-op, never an error, so duplicate
// cleanup paths stay safe. When the last lease is released the scan loop is
// restarted.
func (a *Arbiter) Release(l *Lease) {
	if l == nil {
		return
	}

	a.mu.Lock()
	if _, ok := a.leases[l.id]; !ok {
		a.mu.Unlock()
		return
	}
	delete(a.leases, l.id)
	count := len(a.leases)
	started := false
	if count == 0 {
		started = a.startScanLocked("release:" + l.holder)
	}
	a.mu.Unlock()

	a.logger.WithFields(logrus.Fields{
		"holder": l.holder,
		"leases": count,
	}).Debug("Scan pause lease released")
	if started {
		a.notifyState(true)
	}
}

// WithLease runs fn while holding a lease for holder, releasing it on every
// exit path. A whole exclusive session must run under one WithLease call,
// not one per sub-operation.
func (a *Arbiter) WithLease(ctx context.Context, holder string, fn func(ctx context.Context) error) error {
	l := a.Acquire(holder)
	defer a.Release(l)
	return fn(ctx)
}

// EnsureRunning (re)starts the scan loop if no leases are outstanding and
// the loop is not already active. It exists because a merely-scheduled loop
// is not presumed running: every code path that expects advertisements must
// call it after initialization.
func (a *Arbiter) EnsureRunning(reason string) {
	a.mu.Lock()
	started := a.startScanLocked(reason)
	a.mu.Unlock()

	if started {
		a.notifyState(true)
	} else {
		a.logger.WithField("reason", reason).Debug("EnsureRunning: no-op")
	}
}

// Close stops the scan loop and refuses further restarts. The wait for the
// loop to exit is bounded by the stop timeout.
func (a *Arbiter) Close() {
	a.mu.Lock()
	a.closed = true
	done := a.stopScanLocked("shutdown")
	a.mu.Unlock()

	if done != nil {
		a.notifyState(false)
		select {
		case <-done:
		case <-time.After(a.stopTimeout):
			a.logger.Warn("Scan loop did not stop within shutdown timeout")
		}
	}

	a.logger.WithFields(logrus.Fields{
		"advertisements": a.totalAds.Load(),
		"scan_failures":  a.scanFailures.Load(),
	}).Info("Arbiter closed")
}

// Subscribe registers a consumer for the advertisement fan-out. It does not
// start the scan loop; callers pair it with EnsureRunning.
func (a *Arbiter) Subscribe(name string) *Subscription {
	a.subMu.Lock()
	defer a.subMu.Unlock()

	a.nextSubID++
	s := &Subscription{
		id:    a.nextSubID,
		name:  name,
		queue: ringchan.New[adapter.Advertisement](a.queueSize),
	}
	a.subs[s.id] = s
	a.logger.WithField("subscriber", name).Info("Advertisement subscriber added")
	return s
}

// Unsubscribe removes a subscription and closes its channel.
func (a *Arbiter) Unsubscribe(s *Subscription) {
	if s == nil {
		return
	}

	a.subMu.Lock()
	defer a.subMu.Unlock()
	if _, ok := a.subs[s.id]; !ok {
		return
	}
	delete(a.subs, s.id)
	s.queue.Close()
	a.logger.WithFields(logrus.Fields{
		"subscriber": s.name,
		"dropped":    s.queue.Dropped(),
	}).Info("Advertisement subscriber removed")
}

// AddStateListener registers a callback invoked when the scan loop starts or
// stops. Callbacks must not block.
func (a *Arbiter) AddStateListener(fn func(running bool)) {
	a.subMu.Lock()
	defer a.subMu.Unlock()
	a.stateListeners = append(a.stateListeners, fn)
}

// LeaseCount returns the number of outstanding leases.
func (a *Arbiter) LeaseCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.leases)
}

// Running reports whether the scan loop is active.
func (a *Arbiter) Running() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.running
}

// TotalAdvertisements returns the number of advertisements observed since
// startup; the watchdog samples it for dead-scanner detection.
func (a *Arbiter) TotalAdvertisements() uint64 { return a.totalAds.Load() }

// ScanFailures returns how many times the scan loop exited with an error.
func (a *Arbiter) ScanFailures() uint64 { return a.scanFailures.Load() }

// SubscriberCount returns the number of active fan-out subscriptions.
func (a *Arbiter) SubscriberCount() int {
	a.subMu.RLock()
	defer a.subMu.RUnlock()
	return len(a.subs)
}

// startScanLocked launches a new scan loop generation. Caller holds a.mu.
func (a *Arbiter) startScanLocked(reason string) bool {
	if a.running || a.closed || len(a.leases) > 0 {
		return false
	}

	a.running = true
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	a.scanCancel = cancel
	a.scanDone = done

	groutine.Go(ctx, "ble-scan-loop", func(ctx context.Context) {
		defer close(done)
		err := a.adapter.Scan(ctx, true, a.handleAdvertisement)

		a.mu.Lock()
		current := a.scanDone == done
		if current {
			a.running = false
		}
		a.mu.Unlock()

		if err != nil {
			// Leave the radio in an unknown state for the watchdog to
			// judge; retrying here in a tight loop would only pile on.
			a.scanFailures.Add(1)
			a.logger.WithError(err).WithField("goroutine", groutine.GetName(ctx)).Error("Scan loop exited with error")
			if current {
				a.notifyState(false)
			}
		}
	})

	a.logger.WithField("reason", reason).Info("Scan loop started")
	return true
}

// stopScanLocked requests the current scan loop to stop and returns its done
// channel, or nil if no loop is active. Caller holds a.mu.
func (a *Arbiter) stopScanLocked(reason string) chan struct{} {
	if !a.running {
		return nil
	}
	a.running = false
	a.scanCancel()
	a.logger.WithField("reason", reason).Info("Scan loop stopping")
	return a.scanDone
}

func (a *Arbiter) handleAdvertisement(adv adapter.Advertisement) {
	a.totalAds.Add(1)

	a.subMu.RLock()
	defer a.subMu.RUnlock()
	for _, s := range a.subs {
		s.queue.Send(adv)
	}
}

func (a *Arbiter) notifyState(running bool) {
	a.subMu.RLock()
	listeners := make([]func(bool), len(a.stateListeners))
	copy(listeners, a.stateListeners)
	a.subMu.RUnlock()

	for _, fn := range listeners {
		fn(running)
	}
}
