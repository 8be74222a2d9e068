// Package api implements the ESPHome-compatible native API server: the TCP
// surface remote controllers connect to for entity discovery, state
// streaming and forwarded BLE advertisements.
package api

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/srg/bleproxy/internal/arbiter"
	"github.com/srg/bleproxy/internal/entity"
	"github.com/srg/bleproxy/internal/groutine"
	"github.com/srg/bleproxy/internal/wire"
)

// Protocol version advertised in the hello exchange.
const (
	apiVersionMajor = 1
	apiVersionMinor = 10
)

// bluetoothProxyFeaturePassiveScan is the only proxy capability this server
// advertises in device info.
const bluetoothProxyFeaturePassiveScan = 1

// Config describes the server identity and per-connection limits.
type Config struct {
	// ListenAddress is the TCP bind address, e.g. ":6053".
	ListenAddress string

	// DeviceName must contain a literal dot; clients validate the format.
	DeviceName     string
	FriendlyName   string
	MacAddress     string
	Model          string
	Manufacturer   string
	ProjectName    string
	ProjectVersion string
	EsphomeVersion string

	// Password guards the connect step; empty accepts everyone.
	Password string

	// SelfAddress is the proxy's own adapter MAC; its advertisements are
	// never forwarded.
	SelfAddress string

	IdleTimeout  time.Duration
	WriteTimeout time.Duration
	QueueSize    int
	// AdsPerSecond throttles advertisement forwarding per connection;
	// excess advertisements are dropped, not queued.
	AdsPerSecond float64
}

func (c *Config) applyDefaults() {
	if c.ListenAddress == "" {
		c.ListenAddress = ":6053"
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 5 * time.Minute
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 256
	}
	if c.AdsPerSecond <= 0 {
		c.AdsPerSecond = 50
	}
	if c.EsphomeVersion == "" {
		c.EsphomeVersion = "2024.6.0"
	}
}

// Server accepts native API connections and runs one session per client.
type Server struct {
	cfg      Config
	arb      *arbiter.Arbiter
	registry *entity.Registry
	logger   *logrus.Logger

	listener net.Listener
	closed   atomic.Bool

	mu       sync.Mutex
	sessions map[*session]struct{}
	nextID   uint64

	totalSessions atomic.Uint64
	violations    atomic.Uint64
}

// New builds a server; call Listen before Serve.
func New(cfg Config, arb *arbiter.Arbiter, registry *entity.Registry, logger *logrus.Logger) *Server {
	cfg.applyDefaults()
	if logger == nil {
		logger = logrus.New()
	}
	return &Server{
		cfg:      cfg,
		arb:      arb,
		registry: registry,
		logger:   logger,
		sessions: make(map[*session]struct{}),
	}
}

// Listen binds the TCP port. A bind failure is the one startup error the
// process treats as fatal.
func (s *Server) Listen() error {
	ln, err := net.Listen("tcp", s.cfg.ListenAddress)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.cfg.ListenAddress, err)
	}
	s.listener = ln
	s.logger.WithField("address", ln.Addr().String()).Info("API server listening")
	return nil
}

// Port returns the bound TCP port.
func (s *Server) Port() int {
	if s.listener == nil {
		return 0
	}
	return s.listener.Addr().(*net.TCPAddr).Port
}

// Serve accepts connections until Close or ctx cancellation. Scanner state
// flips are pushed to every subscribed session.
func (s *Server) Serve(ctx context.Context) error {
	if s.listener == nil {
		return fmt.Errorf("api: Serve called before Listen")
	}

	s.arb.AddStateListener(s.broadcastScannerState)

	groutine.Go(ctx, "api-ctx-watch", func(ctx context.Context) {
		<-ctx.Done()
		s.Close()
	})

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if s.closed.Load() || ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}

		sess := s.newSession(conn)
		s.totalSessions.Add(1)
		groutine.Go(ctx, fmt.Sprintf("api-conn-%d", sess.id), sess.run)
	}
}

// Close stops accepting and tears down every active session.
func (s *Server) Close() {
	if !s.closed.CompareAndSwap(false, true) {
		return
	}
	if s.listener != nil {
		_ = s.listener.Close()
	}

	s.mu.Lock()
	active := make([]*session, 0, len(s.sessions))
	for sess := range s.sessions {
		active = append(active, sess)
	}
	s.mu.Unlock()

	for _, sess := range active {
		sess.close()
	}

	s.logger.WithFields(logrus.Fields{
		"sessions":   s.totalSessions.Load(),
		"violations": s.violations.Load(),
	}).Info("API server closed")
}

// SessionCount returns the number of live sessions.
func (s *Server) SessionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

func (s *Server) newSession(conn net.Conn) *session {
	s.mu.Lock()
	s.nextID++
	sess := newSession(s.nextID, s, conn)
	s.sessions[sess] = struct{}{}
	s.mu.Unlock()
	return sess
}

func (s *Server) removeSession(sess *session) {
	s.mu.Lock()
	delete(s.sessions, sess)
	s.mu.Unlock()
}

func (s *Server) broadcastScannerState(running bool) {
	state := uint32(wire.ScannerStateIdle)
	if running {
		state = wire.ScannerStateRunning
	}
	msg := &wire.ScannerStateResponse{State: state, Mode: wire.ScannerModePassive}

	s.mu.Lock()
	active := make([]*session, 0, len(s.sessions))
	for sess := range s.sessions {
		active = append(active, sess)
	}
	s.mu.Unlock()

	for _, sess := range active {
		sess.pushScannerState(msg)
	}
}
