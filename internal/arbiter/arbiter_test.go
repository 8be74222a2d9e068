package arbiter

import (
	"context"
	"errors"
	"io"
	"math/rand"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/srg/bleproxy/internal/testutils"
)

func newTestLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func newTestArbiter(t *testing.T) (*Arbiter, *testutils.FakeAdapter) {
	t.Helper()
	fake := testutils.NewFakeAdapter()
	a := New(fake, newTestLogger(), &Options{StopTimeout: time.Second, QueueSize: 8})
	t.Cleanup(a.Close)
	return a, fake
}

func TestEnsureRunningIsIdempotent(t *testing.T) {
	a, fake := newTestArbiter(t)

	a.EnsureRunning("startup")
	require.True(t, fake.WaitForScan(time.Second))
	a.EnsureRunning("again")
	a.EnsureRunning("and again")

	assert.True(t, a.Running())
	assert.EqualValues(t, 1, fake.ScanCalls())
}

func TestAcquirePausesAndReleaseResumes(t *testing.T) {
	a, fake := newTestArbiter(t)

	a.EnsureRunning("startup")
	require.True(t, fake.WaitForScan(time.Second))

	l := a.Acquire("gatt-session")
	assert.False(t, a.Running())
	assert.Equal(t, 1, a.LeaseCount())
	require.Eventually(t, func() bool { return !fake.Scanning() },
		time.Second, 10*time.Millisecond)

	a.Release(l)
	assert.True(t, a.Running())
	assert.Equal(t, 0, a.LeaseCount())
	require.True(t, fake.WaitForScan(time.Second))
	assert.EqualValues(t, 2, fake.ScanCalls())
}

func TestReleaseIsIdempotentPerLease(t *testing.T) {
	a, fake := newTestArbiter(t)

	a.EnsureRunning("startup")
	require.True(t, fake.WaitForScan(time.Second))

	l := a.Acquire("holder")
	a.Release(l)
	require.True(t, fake.WaitForScan(time.Second))

	a.Release(l)
	a.Release(l)
	a.Release(nil)

	assert.Equal(t, 0, a.LeaseCount())
	assert.True(t, a.Running())
	assert.EqualValues(t, 2, fake.ScanCalls())
}

func TestNestedLeasesResumeOnlyAtZero(t *testing.T) {
	a, fake := newTestArbiter(t)

	a.EnsureRunning("startup")
	require.True(t, fake.WaitForScan(time.Second))

	l1 := a.Acquire("first")
	l2 := a.Acquire("second")
	assert.Equal(t, 2, a.LeaseCount())
	assert.False(t, a.Running())

	a.Release(l1)
	assert.Equal(t, 1, a.LeaseCount())
	assert.False(t, a.Running())

	a.Release(l2)
	assert.Equal(t, 0, a.LeaseCount())
	assert.True(t, a.Running())
}

// The invariant under test: the scan loop is scheduled to run exactly when
// no leases are outstanding, for every interleaving of acquires and
// releases, including duplicate releases.
func TestRandomizedAcquireReleaseInterleavings(t *testing.T) {
	a, _ := newTestArbiter(t)
	a.EnsureRunning("startup")

	rng := rand.New(rand.NewSource(42))
	var live []*Lease

	for i := 0; i < 500; i++ {
		switch {
		case len(live) == 0 || rng.Intn(2) == 0:
			live = append(live, a.Acquire("holder"))
		default:
			idx := rng.Intn(len(live))
			l := live[idx]
			a.Release(l)
			if rng.Intn(4) == 0 {
				a.Release(l) // duplicate, must be a no-op
			}
			live = append(live[:idx], live[idx+1:]...)
		}

		require.Equal(t, len(live), a.LeaseCount(), "step %d", i)
		require.Equal(t, len(live) == 0, a.Running(), "step %d", i)
	}

	for _, l := range live {
		a.Release(l)
	}
	assert.True(t, a.Running())
}

func TestWithLeaseReleasesOnEveryPath(t *testing.T) {
	a, fake := newTestArbiter(t)
	a.EnsureRunning("startup")
	require.True(t, fake.WaitForScan(time.Second))

	sentinel := errors.New("session failed")
	err := a.WithLease(context.Background(), "polling", func(context.Context) error {
		assert.Equal(t, 1, a.LeaseCount())
		assert.False(t, a.Running())
		return sentinel
	})

	require.ErrorIs(t, err, sentinel)
	assert.Equal(t, 0, a.LeaseCount())
	assert.True(t, a.Running())
}

func TestUnreleasedLeasesKeepRadioPaused(t *testing.T) {
	a, _ := newTestArbiter(t)
	a.EnsureRunning("startup")

	for i := 0; i < 8; i++ {
		a.Acquire("leaky-holder")
	}

	assert.Equal(t, 8, a.LeaseCount())
	assert.False(t, a.Running())

	// A single scoped session over the same adapter restores scanning.
	err := a.WithLease(context.Background(), "scoped", func(context.Context) error { return nil })
	require.NoError(t, err)
	assert.False(t, a.Running(), "leaked leases still outstanding")
}

func TestSubscribeFanOutPreservesOrder(t *testing.T) {
	a, fake := newTestArbiter(t)

	s1 := a.Subscribe("conn-1")
	s2 := a.Subscribe("conn-2")
	assert.Equal(t, 2, a.SubscriberCount())

	a.EnsureRunning("subscriber")
	require.True(t, fake.WaitForScan(time.Second))

	addrs := []string{"AA:00:00:00:00:01", "AA:00:00:00:00:02", "AA:00:00:00:00:03"}
	for _, addr := range addrs {
		fake.Emit(testutils.NewAdvertisementBuilder().WithAddress(addr).Build())
	}

	for _, s := range []*Subscription{s1, s2} {
		for _, want := range addrs {
			select {
			case adv := <-s.C():
				assert.Equal(t, want, adv.Address)
			case <-time.After(time.Second):
				t.Fatalf("timed out waiting for %s", want)
			}
		}
	}

	assert.EqualValues(t, 3, a.TotalAdvertisements())
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	a, _ := newTestArbiter(t)

	s := a.Subscribe("conn")
	a.Unsubscribe(s)
	a.Unsubscribe(s) // no-op

	_, ok := <-s.C()
	assert.False(t, ok)
	assert.Equal(t, 0, a.SubscriberCount())
}

func TestScanErrorMarksLoopNotRunning(t *testing.T) {
	a, fake := newTestArbiter(t)

	states := make(chan bool, 4)
	a.AddStateListener(func(running bool) { states <- running })

	a.EnsureRunning("startup")
	require.True(t, fake.WaitForScan(time.Second))

	fake.FailScan(errors.New("hci: device unplugged"))
	require.Eventually(t, func() bool { return !a.Running() },
		time.Second, 10*time.Millisecond)

	assert.EqualValues(t, 1, a.ScanFailures())
	// No tight restart loop: the scan is attempted exactly once.
	assert.EqualValues(t, 1, fake.ScanCalls())

	assert.True(t, <-states)
	select {
	case running := <-states:
		assert.False(t, running)
	case <-time.After(time.Second):
		t.Fatal("missing scanner-stopped notification")
	}
}

func TestAcquireProceedsAfterStopTimeout(t *testing.T) {
	fake := testutils.NewFakeAdapter()
	fake.StopDelay = 500 * time.Millisecond
	a := New(fake, newTestLogger(), &Options{StopTimeout: 50 * time.Millisecond})

	a.EnsureRunning("startup")
	require.True(t, fake.WaitForScan(time.Second))

	start := time.Now()
	l := a.Acquire("impatient")
	elapsed := time.Since(start)

	assert.Less(t, elapsed, 400*time.Millisecond, "acquire must not wait out the full stop delay")
	assert.Equal(t, 1, a.LeaseCount())
	assert.False(t, a.Running())
	a.Release(l)
}

func TestCloseStopsLoopAndRefusesRestart(t *testing.T) {
	fake := testutils.NewFakeAdapter()
	a := New(fake, newTestLogger(), nil)

	a.EnsureRunning("startup")
	require.True(t, fake.WaitForScan(time.Second))

	a.Close()
	assert.False(t, a.Running())

	a.EnsureRunning("after close")
	assert.False(t, a.Running())
	assert.EqualValues(t, 1, fake.ScanCalls())
}
