package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/srg/bleproxy/internal/adapter"
	"github.com/srg/bleproxy/internal/arbiter"
	"github.com/srg/bleproxy/internal/entity"
	"github.com/srg/bleproxy/internal/groutine"
	"github.com/srg/bleproxy/internal/ringchan"
	"github.com/srg/bleproxy/internal/wire"
)

// Session state machine. ListingEntities is transient within a single
// request, so it has no resting state here.
type sessionState int

const (
	stateConnected sessionState = iota
	stateHelloExchanged
	stateAuthenticated
	stateClosed
)

var (
	errProtocolViolation = errors.New("protocol violation")
	errDisconnect        = errors.New("client disconnect")
	errAuthRejected      = errors.New("authentication rejected")
)

// adBatchLimit caps how many pending advertisements are coalesced into one
// flush.
const adBatchLimit = 16

type session struct {
	id     uint64
	srv    *Server
	conn   net.Conn
	logger *logrus.Entry
	cancel context.CancelFunc

	// writeMu serializes flushes from the reader, the forwarders and
	// scanner-state pushes.
	writeMu sync.Mutex

	state      sessionState
	clientInfo string

	adSub         *arbiter.Subscription
	bleSubscribed atomic.Bool
	statesSubbed  bool
	stateSubID    uint64

	droppedAds atomic.Uint64
	limiter    *rate.Limiter
	closed     atomic.Bool
}

func newSession(id uint64, srv *Server, conn net.Conn) *session {
	return &session{
		id:   id,
		srv:  srv,
		conn: conn,
		logger: srv.logger.WithFields(logrus.Fields{
			"session": id,
			"remote":  conn.RemoteAddr().String(),
		}),
		state:   stateConnected,
		limiter: rate.NewLimiter(rate.Limit(srv.cfg.AdsPerSecond), int(srv.cfg.AdsPerSecond)*2),
	}
}

func (s *session) run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	defer s.teardown()

	s.logger.Info("Client connected")

	var dec wire.Decoder
	buf := make([]byte, 4096)

	for {
		_ = s.conn.SetReadDeadline(time.Now().Add(s.srv.cfg.IdleTimeout))
		n, err := s.conn.Read(buf)
		if err != nil {
			s.logReadEnd(err)
			return
		}
		dec.Feed(buf[:n])

		for {
			frame, ok, err := dec.Next()
			if err != nil {
				s.violation(fmt.Errorf("malformed frame: %w", err))
				return
			}
			if !ok {
				break
			}
			if err := s.handleFrame(ctx, frame); err != nil {
				switch {
				case errors.Is(err, errDisconnect):
					s.logger.Info("Client disconnected")
				case errors.Is(err, errProtocolViolation):
					s.violation(err)
				case errors.Is(err, errAuthRejected):
					s.logger.Warn("Client rejected: invalid password")
				default:
					s.logger.WithError(err).Warn("Closing connection")
				}
				return
			}
		}
	}
}

func (s *session) handleFrame(ctx context.Context, frame wire.Frame) error {
	switch frame.Type {
	case wire.TypeHelloRequest:
		return s.handleHello(frame.Payload)
	case wire.TypeConnectRequest:
		return s.handleConnect(frame.Payload)
	case wire.TypeDisconnectRequest:
		_ = s.writeMessages(wire.DisconnectResponse)
		return errDisconnect
	case wire.TypePingRequest:
		if s.state < stateHelloExchanged {
			return fmt.Errorf("%w: ping before hello", errProtocolViolation)
		}
		return s.writeMessages(wire.PingResponse)
	case wire.TypeDeviceInfoRequest:
		if err := s.requireAuthenticated("device info"); err != nil {
			return err
		}
		return s.writeMessages(s.deviceInfo())
	case wire.TypeListEntitiesRequest:
		if err := s.requireAuthenticated("list entities"); err != nil {
			return err
		}
		return s.listEntities()
	case wire.TypeSubscribeStatesRequest:
		if err := s.requireAuthenticated("subscribe states"); err != nil {
			return err
		}
		return s.subscribeStates(ctx)
	case wire.TypeSubscribeBLEAdvertisements:
		if err := s.requireAuthenticated("subscribe ble advertisements"); err != nil {
			return err
		}
		return s.subscribeAdvertisements(ctx, frame.Payload)
	case wire.TypeUnsubscribeBLEAdvertisement:
		if err := s.requireAuthenticated("unsubscribe ble advertisements"); err != nil {
			return err
		}
		s.unsubscribeAdvertisements()
		return nil
	default:
		// Clients send message types this proxy has no use for
		// (log subscriptions, time sync). Skipping them keeps old
		// proxies compatible with new controllers.
		s.logger.WithField("type", frame.Type).Debug("Ignoring unsupported message")
		return nil
	}
}

func (s *session) handleHello(payload []byte) error {
	if s.state != stateConnected {
		return fmt.Errorf("%w: duplicate hello", errProtocolViolation)
	}
	var req wire.HelloRequest
	if err := req.UnmarshalPayload(payload); err != nil {
		return fmt.Errorf("%w: bad hello payload: %v", errProtocolViolation, err)
	}

	s.clientInfo = req.ClientInfo
	s.state = stateHelloExchanged
	s.logger.WithFields(logrus.Fields{
		"client":      req.ClientInfo,
		"api_version": fmt.Sprintf("%d.%d", req.APIVersionMajor, req.APIVersionMinor),
	}).Info("Hello exchanged")

	return s.writeMessages(&wire.HelloResponse{
		APIVersionMajor: apiVersionMajor,
		APIVersionMinor: apiVersionMinor,
		ServerInfo:      fmt.Sprintf("%s %s", s.srv.cfg.ProjectName, s.srv.cfg.ProjectVersion),
		Name:            s.srv.cfg.DeviceName,
	})
}

func (s *session) handleConnect(payload []byte) error {
	if s.state != stateHelloExchanged {
		return fmt.Errorf("%w: connect in wrong state", errProtocolViolation)
	}
	var req wire.ConnectRequest
	if err := req.UnmarshalPayload(payload); err != nil {
		return fmt.Errorf("%w: bad connect payload: %v", errProtocolViolation, err)
	}

	invalid := s.srv.cfg.Password != "" && req.Password != s.srv.cfg.Password
	if err := s.writeMessages(&wire.ConnectResponse{InvalidPassword: invalid}); err != nil {
		return err
	}
	if invalid {
		return errAuthRejected
	}

	s.state = stateAuthenticated
	s.logger.Info("Client authenticated")
	return nil
}

func (s *session) requireAuthenticated(op string) error {
	if s.state < stateAuthenticated {
		return fmt.Errorf("%w: %s before connect", errProtocolViolation, op)
	}
	return nil
}

func (s *session) deviceInfo() *wire.DeviceInfoResponse {
	cfg := s.srv.cfg
	return &wire.DeviceInfoResponse{
		UsesPassword:   cfg.Password != "",
		Name:           cfg.DeviceName,
		MacAddress:     cfg.MacAddress,
		EsphomeVersion: cfg.EsphomeVersion,
		Model:          cfg.Model,
		Manufacturer:   cfg.Manufacturer,
		FriendlyName:   cfg.FriendlyName,
		ProjectName:    cfg.ProjectName,
		ProjectVersion: cfg.ProjectVersion,
		ProxyFeatures:  bluetoothProxyFeaturePassiveScan,
	}
}

// listEntities streams every registered sensor descriptor followed by the
// done sentinel, all in one flush.
func (s *session) listEntities() error {
	sensors := s.srv.registry.Sensors()
	msgs := make([]wire.Message, 0, len(sensors)+1)
	for _, sn := range sensors {
		msgs = append(msgs, &wire.ListEntitiesSensorResponse{
			ObjectID:         sn.ObjectID,
			Key:              sn.Key,
			Name:             sn.Name,
			UniqueID:         sn.ObjectID,
			Icon:             sn.Icon,
			Unit:             sn.Unit,
			AccuracyDecimals: sn.AccuracyDecimals,
			DeviceClass:      sn.DeviceClass,
			StateClass:       int32(sn.StateClass),
		})
	}
	msgs = append(msgs, wire.ListEntitiesDoneResponse)

	s.logger.WithField("entities", len(sensors)).Debug("Listing entities")
	return s.writeMessages(msgs...)
}

// subscribeStates sends the current value of every sensor, then streams
// further updates in arrival order.
func (s *session) subscribeStates(ctx context.Context) error {
	if s.statesSubbed {
		return nil
	}
	s.statesSubbed = true

	id, q := s.srv.registry.Subscribe(s.srv.cfg.QueueSize)
	s.stateSubID = id

	snapshot := s.srv.registry.Snapshot()
	msgs := make([]wire.Message, 0, len(snapshot))
	for _, u := range snapshot {
		msgs = append(msgs, &wire.SensorStateResponse{Key: u.Key, State: u.State})
	}
	if err := s.writeMessages(msgs...); err != nil {
		return err
	}

	groutine.Go(ctx, fmt.Sprintf("api-states-%d", s.id), func(context.Context) {
		s.streamStates(q)
	})
	s.logger.Info("State streaming started")
	return nil
}

func (s *session) streamStates(q *ringchan.Ring[entity.Update]) {
	for u := range q.C() {
		msgs := []wire.Message{&wire.SensorStateResponse{Key: u.Key, State: u.State}}
		for len(msgs) < adBatchLimit {
			extra, ok := q.TryReceive()
			if !ok {
				break
			}
			msgs = append(msgs, &wire.SensorStateResponse{Key: extra.Key, State: extra.State})
		}
		if err := s.writeMessages(msgs...); err != nil {
			s.closeOnWriteError(err)
			return
		}
	}
}

// subscribeAdvertisements registers against the arbiter fan-out and makes
// sure the scan loop is actually running; a subscription against a loop that
// was scheduled but never started would deliver nothing, silently.
func (s *session) subscribeAdvertisements(ctx context.Context, payload []byte) error {
	var req wire.SubscribeBLEAdvertisementsRequest
	if err := req.UnmarshalPayload(payload); err != nil {
		return fmt.Errorf("%w: bad subscribe payload: %v", errProtocolViolation, err)
	}
	if s.bleSubscribed.Load() {
		return nil
	}

	s.adSub = s.srv.arb.Subscribe(s.conn.RemoteAddr().String())
	s.srv.arb.EnsureRunning("api:subscribe-ble-advertisements")

	state := uint32(wire.ScannerStateIdle)
	if s.srv.arb.Running() {
		state = wire.ScannerStateRunning
	}
	if err := s.writeMessages(&wire.ScannerStateResponse{State: state, Mode: wire.ScannerModePassive}); err != nil {
		return err
	}
	s.bleSubscribed.Store(true)

	sub := s.adSub
	groutine.Go(ctx, fmt.Sprintf("api-ads-%d", s.id), func(context.Context) {
		s.forwardAdvertisements(sub)
	})
	s.logger.WithField("flags", req.Flags).Info("BLE advertisement forwarding started")
	return nil
}

func (s *session) unsubscribeAdvertisements() {
	wasForwarding := s.bleSubscribed.CompareAndSwap(true, false)
	if s.adSub != nil {
		s.srv.arb.Unsubscribe(s.adSub)
		s.adSub = nil
	}
	if wasForwarding {
		s.logger.Info("BLE advertisement forwarding stopped")
	}
}

// forwardAdvertisements drains the fan-out queue, coalescing pending
// advertisements into one flush per pass. Trickling one frame per write was
// observed to stack client-side handshake timeouts.
func (s *session) forwardAdvertisements(sub *arbiter.Subscription) {
	self := s.srv.cfg.SelfAddress
	for adv := range sub.C() {
		batch := s.collectAdBatch(sub, adv, self)
		if len(batch) == 0 {
			continue
		}
		if err := s.writeMessages(batch...); err != nil {
			s.closeOnWriteError(err)
			return
		}
	}
}

func (s *session) collectAdBatch(sub *arbiter.Subscription, first adapter.Advertisement, self string) []wire.Message {
	batch := make([]wire.Message, 0, adBatchLimit)
	adv := first
	for {
		if !strings.EqualFold(adv.Address, self) {
			if s.limiter.Allow() {
				batch = append(batch, advertisementMessage(adv))
			} else {
				s.droppedAds.Add(1)
			}
		}
		if len(batch) >= adBatchLimit {
			return batch
		}
		next, ok := sub.TryReceive()
		if !ok {
			return batch
		}
		adv = next
	}
}

func advertisementMessage(adv adapter.Advertisement) *wire.BLEAdvertisementResponse {
	msg := &wire.BLEAdvertisementResponse{
		Address:      macToUint64(adv.Address),
		Name:         []byte(adv.Name),
		RSSI:         int32(adv.RSSI),
		ServiceUUIDs: adv.ServiceUUIDs,
		AddressType:  uint32(adv.AddressType),
	}
	for _, sd := range adv.ServiceData {
		msg.ServiceData = append(msg.ServiceData, wire.BLEServiceData{UUID: sd.UUID, Data: sd.Data})
	}
	if len(adv.ManufacturerData) >= 2 {
		company := uint16(adv.ManufacturerData[0]) | uint16(adv.ManufacturerData[1])<<8
		msg.ManufacturerData = append(msg.ManufacturerData, wire.BLEServiceData{
			UUID: fmt.Sprintf("0x%04X", company),
			Data: adv.ManufacturerData[2:],
		})
	}
	return msg
}

// macToUint64 packs a colon-separated MAC into the numeric address field.
func macToUint64(mac string) uint64 {
	hex := strings.Map(func(r rune) rune {
		if r == ':' || r == '-' {
			return -1
		}
		return r
	}, mac)
	v, err := strconv.ParseUint(hex, 16, 64)
	if err != nil {
		return 0
	}
	return v
}

func (s *session) pushScannerState(msg *wire.ScannerStateResponse) {
	if !s.bleSubscribed.Load() {
		return
	}
	if err := s.writeMessages(msg); err != nil {
		s.closeOnWriteError(err)
	}
}

// writeMessages encodes a batch and flushes it as one write.
func (s *session) writeMessages(msgs ...wire.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	bufs := make(net.Buffers, 0, len(msgs))
	for _, m := range msgs {
		bufs = append(bufs, wire.EncodeMessage(m))
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(s.srv.cfg.WriteTimeout))
	_, err := bufs.WriteTo(s.conn)
	return err
}

func (s *session) violation(err error) {
	s.srv.violations.Add(1)
	s.logger.WithError(err).Warn("Protocol violation; closing connection")
}

func (s *session) closeOnWriteError(err error) {
	if s.closed.Load() {
		return
	}
	s.logger.WithError(err).Debug("Write failed; closing connection")
	s.close()
}

func (s *session) logReadEnd(err error) {
	switch {
	case s.closed.Load():
	case errors.Is(err, io.EOF):
		s.logger.Info("Connection closed by client")
	case errors.Is(err, os.ErrDeadlineExceeded):
		s.logger.Info("Connection idle; closing")
	default:
		s.logger.WithError(err).Debug("Read failed; closing connection")
	}
}

// close tears the session down from outside the reader goroutine.
func (s *session) close() {
	if !s.closed.CompareAndSwap(false, true) {
		return
	}
	_ = s.conn.Close()
}

func (s *session) teardown() {
	s.closed.Store(true)
	if s.cancel != nil {
		s.cancel()
	}
	_ = s.conn.Close()

	s.unsubscribeAdvertisements()
	if s.statesSubbed {
		s.srv.registry.Unsubscribe(s.stateSubID)
	}
	s.srv.removeSession(s)

	s.state = stateClosed
	if dropped := s.droppedAds.Load(); dropped > 0 {
		s.logger.WithField("dropped_ads", dropped).Info("Session ended")
	} else {
		s.logger.Info("Session ended")
	}
}
