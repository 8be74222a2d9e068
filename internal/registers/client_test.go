package registers

import (
	"context"
	"encoding/binary"
	"errors"
	"io"
	"sync/atomic"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/srg/bleproxy/internal/entity"
)

type fakeGate struct {
	leases  atomic.Int64
	current atomic.Int64
	max     atomic.Int64
}

func (g *fakeGate) WithLease(ctx context.Context, _ string, fn func(ctx context.Context) error) error {
	g.leases.Add(1)
	cur := g.current.Add(1)
	if cur > g.max.Load() {
		g.max.Store(cur)
	}
	defer g.current.Add(-1)
	return fn(ctx)
}

type fakeSession struct {
	frames   map[uint16][]byte // keyed by register
	reads    int
	closed   bool
	failOn   uint16
	failWith error
}

func (s *fakeSession) Read(_ context.Context, request []byte) ([]byte, error) {
	s.reads++
	register := binary.BigEndian.Uint16(request[2:4])
	if s.failWith != nil && register == s.failOn {
		return nil, s.failWith
	}
	frame, ok := s.frames[register]
	if !ok {
		return nil, context.DeadlineExceeded
	}
	return frame, nil
}

func (s *fakeSession) Close() error {
	s.closed = true
	return nil
}

type fakeFactory struct {
	session  *fakeSession
	connects int
	err      error
}

func (f *fakeFactory) Connect(context.Context, string) (Session, error) {
	f.connects++
	if f.err != nil {
		return nil, f.err
	}
	return f.session, nil
}

func testFrames(t *testing.T, deviceID byte) map[uint16][]byte {
	t.Helper()

	battery := make([]byte, 12)
	binary.BigEndian.PutUint16(battery[0:], uint16(0xFF6A)) // -1.50 A
	binary.BigEndian.PutUint16(battery[2:], 132)            // 13.2 V
	binary.BigEndian.PutUint32(battery[4:], 50000)
	binary.BigEndian.PutUint32(battery[8:], 100000)

	cells := make([]byte, 2+4)
	binary.BigEndian.PutUint16(cells[0:], 2)
	binary.BigEndian.PutUint16(cells[2:], 3300)
	binary.BigEndian.PutUint16(cells[4:], 3310)

	temps := make([]byte, 2+2)
	binary.BigEndian.PutUint16(temps[0:], 1)
	binary.BigEndian.PutUint16(temps[2:], 215)

	addr := make([]byte, 2)
	binary.BigEndian.PutUint16(addr, uint16(deviceID))

	return map[uint16][]byte{
		5000: buildResponse(deviceID, cells),
		5017: buildResponse(deviceID, temps),
		5042: buildResponse(deviceID, battery),
		5122: buildResponse(deviceID, append([]byte("RBT100LFP12S"), 0, 0, 0, 0)),
		5223: buildResponse(deviceID, addr),
	}
}

func newTestClient(t *testing.T, factory SessionFactory) (*Client, *entity.Registry, *fakeGate) {
	t.Helper()
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	registry := entity.New(logger, nil)
	gate := &fakeGate{}
	c, err := NewClient(gate, factory, registry, logger, Options{
		Address:   "F0:F1:F2:F3:F4:F5",
		Alias:     "batt",
		DeviceIDs: []byte{48},
	})
	require.NoError(t, err)
	return c, registry, gate
}

func TestReadOnceAppliesDecodedFields(t *testing.T) {
	session := &fakeSession{frames: testFrames(t, 48)}
	factory := &fakeFactory{session: session}
	c, registry, gate := newTestClient(t, factory)

	require.NoError(t, c.ReadOnce(context.Background()))

	assert.EqualValues(t, 1, gate.leases.Load())
	assert.Equal(t, 1, factory.connects)
	assert.True(t, session.closed)

	v, ok := registry.Value(entity.SensorKey("batt48_voltage"))
	require.True(t, ok)
	assert.InDelta(t, 13.2, v, 0.001)

	soc, ok := registry.Value(entity.SensorKey("batt48_soc"))
	require.True(t, ok)
	assert.InDelta(t, 50.0, soc, 0.001)

	// Informational sections never become sensors.
	_, ok = registry.Value(entity.SensorKey("batt48_device_address"))
	assert.False(t, ok)

	reads, errs := c.Stats()
	assert.EqualValues(t, 1, reads)
	assert.EqualValues(t, 0, errs)
}

func TestReadOnceHoldsSingleLeasePerSession(t *testing.T) {
	session := &fakeSession{frames: testFrames(t, 48)}
	factory := &fakeFactory{session: session}
	c, _, gate := newTestClient(t, factory)

	require.NoError(t, c.ReadOnce(context.Background()))

	// Five sections, one lease: the whole session runs under one pause.
	assert.Equal(t, 5, session.reads)
	assert.EqualValues(t, 1, gate.leases.Load())
	assert.EqualValues(t, 1, gate.max.Load())
}

func TestReadOnceSurvivesSectionFailure(t *testing.T) {
	session := &fakeSession{
		frames:   testFrames(t, 48),
		failOn:   5000,
		failWith: errors.New("notification timeout"),
	}
	factory := &fakeFactory{session: session}
	c, registry, _ := newTestClient(t, factory)

	require.NoError(t, c.ReadOnce(context.Background()))

	// Later sections still land.
	_, ok := registry.Value(entity.SensorKey("batt48_voltage"))
	assert.True(t, ok)
	_, ok = registry.Value(entity.SensorKey("batt48_cell_1_voltage"))
	assert.False(t, ok)
}

func TestReadOnceConnectFailure(t *testing.T) {
	factory := &fakeFactory{err: errors.New("device unreachable")}
	c, _, gate := newTestClient(t, factory)

	err := c.ReadOnce(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connect")
	// The lease is still taken and released around the failed connect.
	assert.EqualValues(t, 1, gate.leases.Load())
	assert.EqualValues(t, 0, gate.current.Load())
}

func TestNewClientValidation(t *testing.T) {
	_, err := NewClient(&fakeGate{}, &fakeFactory{}, nil, nil, Options{})
	assert.Error(t, err)
}
