// Package watchdog detects and recovers from BLE adapter failure modes the
// rest of the system cannot see: discovery stuck on, a scanner that stopped
// producing, an unresponsive HCI socket.
//
// Recovery actions are rate-limited over a rolling window so a radio with a
// permanent hardware fault degrades to logged detections instead of a reset
// storm.
package watchdog

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/srg/bleproxy/internal/adapter"
	"github.com/srg/bleproxy/internal/groutine"
)

// State is the watchdog's position in the recovery state machine.
type State int

const (
	StateHealthy State = iota
	StateSuspectedStuckDiscovery
	StateSuspectedDeadScanner
	StateRecovering
	StateRateLimited
)

func (s State) String() string {
	switch s {
	case StateHealthy:
		return "healthy"
	case StateSuspectedStuckDiscovery:
		return "suspected-stuck-discovery"
	case StateSuspectedDeadScanner:
		return "suspected-dead-scanner"
	case StateRecovering:
		return "recovering"
	case StateRateLimited:
		return "rate-limited"
	default:
		return "unknown"
	}
}

// ScanController is the slice of the arbiter the watchdog acts on.
type ScanController interface {
	EnsureRunning(reason string)
	Running() bool
	TotalAdvertisements() uint64
	SubscriberCount() int
}

// Config tunes detection thresholds and the recovery rate limit.
type Config struct {
	// SampleInterval is how often the health snapshot is taken.
	SampleInterval time.Duration
	// StuckDiscoveryThreshold is how long discovery may stay on with no
	// advertisement growth before it counts as stuck.
	StuckDiscoveryThreshold time.Duration
	// DeadScannerThreshold is how long advertisements may stay flat while
	// a forwarding subscription exists. It must exceed the stuck
	// threshold: a healthy-but-quiet radio looks identical at first.
	DeadScannerThreshold time.Duration
	// ActionTimeout bounds every individual adapter call.
	ActionTimeout time.Duration
	// RecheckDelay is the settle time between a force-stop and the
	// follow-up state check.
	RecheckDelay time.Duration
	// RateWindow and RateLimit cap recovery actions per rolling window.
	RateWindow time.Duration
	RateLimit  int
}

func (c *Config) applyDefaults() {
	if c.SampleInterval <= 0 {
		c.SampleInterval = 60 * time.Second
	}
	if c.StuckDiscoveryThreshold <= 0 {
		c.StuckDiscoveryThreshold = 120 * time.Second
	}
	if c.DeadScannerThreshold <= 0 {
		c.DeadScannerThreshold = 180 * time.Second
	}
	if c.ActionTimeout <= 0 {
		c.ActionTimeout = 5 * time.Second
	}
	if c.RecheckDelay <= 0 {
		c.RecheckDelay = time.Second
	}
	if c.RateWindow <= 0 {
		c.RateWindow = time.Hour
	}
	if c.RateLimit <= 0 {
		c.RateLimit = 10
	}
}

// Snapshot is the watchdog's externally visible health view.
type Snapshot struct {
	State               State
	LastSample          time.Time
	ConsecutiveFailures int
	ActionsInWindow     int
	TotalRecoveries     uint64
}

// Watchdog samples adapter health on a fixed interval and runs the recovery
// ladder when a failure mode is detected.
type Watchdog struct {
	adapter adapter.Adapter
	scans   ScanController
	logger  *logrus.Logger
	cfg     Config
	now     func() time.Time

	sampling atomic.Bool

	mu               sync.Mutex
	state            State
	lastSample       time.Time
	failures         int
	discoveringSince time.Time
	lastAdCount      uint64
	lastAdChange     time.Time
	deadEnsureTried  bool
	actions          []time.Time
	recoveries       uint64
}

// New builds a watchdog over the shared adapter and the arbiter's
// observability surface.
func New(adp adapter.Adapter, scans ScanController, logger *logrus.Logger, cfg Config) *Watchdog {
	cfg.applyDefaults()
	if logger == nil {
		logger = logrus.New()
	}
	return &Watchdog{
		adapter: adp,
		scans:   scans,
		logger:  logger,
		cfg:     cfg,
		now:     time.Now,
		state:   StateHealthy,
	}
}

// Run samples until ctx is cancelled. A sample that overruns the interval
// causes the next tick to be skipped, never queued.
func (w *Watchdog) Run(ctx context.Context) {
	w.logger.WithFields(logrus.Fields{
		"interval":       w.cfg.SampleInterval,
		"stuck_after":    w.cfg.StuckDiscoveryThreshold,
		"dead_after":     w.cfg.DeadScannerThreshold,
		"actions_per_1h": w.cfg.RateLimit,
	}).Info("Adapter watchdog started")

	ticker := time.NewTicker(w.cfg.SampleInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.logger.WithField("recoveries", w.Snapshot().TotalRecoveries).Info("Adapter watchdog stopped")
			return
		case <-ticker.C:
			if !w.sampling.CompareAndSwap(false, true) {
				w.logger.Warn("Previous health sample still in flight; skipping this tick")
				continue
			}
			groutine.Go(ctx, "watchdog-sample", func(ctx context.Context) {
				defer w.sampling.Store(false)
				w.Sample(ctx)
			})
		}
	}
}

// Sample takes one health snapshot and, when a failure mode is detected,
// runs the matching recovery ladder.
func (w *Watchdog) Sample(ctx context.Context) {
	now := w.now()

	st, err := w.adapterState(ctx)

	w.mu.Lock()
	w.lastSample = now
	if err != nil {
		w.failures++
		failures := w.failures
		w.mu.Unlock()
		w.logger.WithError(err).WithField("consecutive", failures).Warn("Adapter health snapshot failed")
		return
	}
	w.failures = 0

	adCount := w.scans.TotalAdvertisements()
	if adCount != w.lastAdCount || w.lastAdChange.IsZero() {
		w.lastAdCount = adCount
		w.lastAdChange = now
	}

	if st.Discovering {
		if w.discoveringSince.IsZero() {
			w.discoveringSince = now
		}
	} else {
		w.discoveringSince = time.Time{}
	}

	quiet := now.Sub(w.lastAdChange)
	stuck := !w.discoveringSince.IsZero() &&
		now.Sub(w.discoveringSince) > w.cfg.StuckDiscoveryThreshold &&
		quiet > w.cfg.StuckDiscoveryThreshold
	dead := w.scans.SubscriberCount() > 0 && quiet > w.cfg.DeadScannerThreshold

	switch {
	case stuck:
		w.state = StateSuspectedStuckDiscovery
		w.mu.Unlock()
		w.logger.WithField("quiet", quiet.Round(time.Second)).Warn("Discovery appears stuck")
		w.recoverStuckDiscovery(ctx, now)
	case dead:
		w.state = StateSuspectedDeadScanner
		w.mu.Unlock()
		w.logger.WithFields(logrus.Fields{
			"quiet":        quiet.Round(time.Second),
			"loop_running": w.scans.Running(),
		}).Warn("Scanner appears dead: subscribers waiting, no advertisements")
		w.recoverDeadScanner(ctx, now)
	default:
		w.state = StateHealthy
		w.deadEnsureTried = false
		w.mu.Unlock()
	}
}

// Snapshot returns the current health view.
func (w *Watchdog) Snapshot() Snapshot {
	w.mu.Lock()
	defer w.mu.Unlock()
	return Snapshot{
		State:               w.state,
		LastSample:          w.lastSample,
		ConsecutiveFailures: w.failures,
		ActionsInWindow:     len(w.pruneLocked(w.now())),
		TotalRecoveries:     w.recoveries,
	}
}

// recoverStuckDiscovery runs the stuck-discovery ladder: force-stop and
// re-check, then power-cycle.
func (w *Watchdog) recoverStuckDiscovery(ctx context.Context, now time.Time) {
	w.setState(StateRecovering)

	if !w.admitAction(now, "force-stop-discovery") {
		return
	}
	if err := w.forceStopAndRecheck(ctx); err != nil {
		w.logger.WithError(err).Warn("Force-stop did not clear discovery; escalating to power cycle")
	} else {
		w.recovered(now, "force-stop-discovery")
		return
	}

	if !w.admitAction(now, "power-cycle") {
		return
	}
	if err := w.powerCycle(ctx); err != nil {
		w.logger.WithError(err).Error("Power cycle failed; will re-evaluate next sample")
		w.setState(StateSuspectedStuckDiscovery)
		return
	}
	w.scans.EnsureRunning("watchdog:power-cycle")
	w.recovered(now, "power-cycle")
}

// recoverDeadScanner first asks the arbiter to restart its loop; if
// advertisements have not resumed by the next sample it power-cycles.
func (w *Watchdog) recoverDeadScanner(ctx context.Context, now time.Time) {
	w.setState(StateRecovering)

	w.mu.Lock()
	ensureTried := w.deadEnsureTried
	w.mu.Unlock()

	if !ensureTried {
		if !w.admitAction(now, "ensure-running") {
			return
		}
		w.scans.EnsureRunning("watchdog:dead-scanner")
		w.logger.Info("Requested scan loop restart; re-checking next sample")
		w.mu.Lock()
		w.deadEnsureTried = true
		w.state = StateSuspectedDeadScanner
		w.mu.Unlock()
		return
	}

	if !w.admitAction(now, "power-cycle") {
		return
	}
	if err := w.powerCycle(ctx); err != nil {
		w.logger.WithError(err).Error("Power cycle failed; will re-evaluate next sample")
		w.setState(StateSuspectedDeadScanner)
		return
	}
	w.scans.EnsureRunning("watchdog:power-cycle")
	w.mu.Lock()
	w.deadEnsureTried = false
	w.mu.Unlock()
	w.recovered(now, "power-cycle")
}

func (w *Watchdog) forceStopAndRecheck(ctx context.Context) error {
	stopCtx, cancel := context.WithTimeout(ctx, w.cfg.ActionTimeout)
	err := w.adapter.StopDiscovery(stopCtx)
	cancel()
	if err != nil {
		return err
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(w.cfg.RecheckDelay):
	}

	st, err := w.adapterState(ctx)
	if err != nil {
		return err
	}
	if st.Discovering {
		return errStillDiscovering
	}
	return nil
}

func (w *Watchdog) powerCycle(ctx context.Context) error {
	pcCtx, cancel := context.WithTimeout(ctx, w.cfg.ActionTimeout)
	defer cancel()
	return w.adapter.PowerCycle(pcCtx)
}

func (w *Watchdog) adapterState(ctx context.Context) (adapter.State, error) {
	stCtx, cancel := context.WithTimeout(ctx, w.cfg.ActionTimeout)
	defer cancel()
	return w.adapter.State(stCtx)
}

// admitAction checks the rolling-window rate limit and records the action
// when admitted. A refused action parks the watchdog in RateLimited.
func (w *Watchdog) admitAction(now time.Time, action string) bool {
	w.mu.Lock()
	w.actions = w.pruneLocked(now)
	if len(w.actions) >= w.cfg.RateLimit {
		w.state = StateRateLimited
		inWindow := len(w.actions)
		w.mu.Unlock()
		w.logger.WithFields(logrus.Fields{
			"action":    action,
			"in_window": inWindow,
			"window":    w.cfg.RateWindow,
		}).Warn("Recovery action refused: rate limit reached")
		return false
	}
	w.actions = append(w.actions, now)
	w.mu.Unlock()

	w.logger.WithField("action", action).Info("Recovery action")
	return true
}

func (w *Watchdog) pruneLocked(now time.Time) []time.Time {
	cutoff := now.Add(-w.cfg.RateWindow)
	kept := w.actions[:0]
	for _, ts := range w.actions {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	return kept
}

func (w *Watchdog) recovered(now time.Time, action string) {
	w.mu.Lock()
	w.state = StateHealthy
	w.discoveringSince = time.Time{}
	w.lastAdChange = now
	w.recoveries++
	total := w.recoveries
	w.mu.Unlock()

	w.logger.WithFields(logrus.Fields{
		"action":     action,
		"recoveries": total,
	}).Info("Adapter recovered")
}

func (w *Watchdog) setState(s State) {
	w.mu.Lock()
	w.state = s
	w.mu.Unlock()
}

var errStillDiscovering = errors.New("discovery still active after force-stop")
