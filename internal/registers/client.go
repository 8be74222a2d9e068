package registers

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/srg/bleproxy/internal/entity"
)

// GATT timeouts mirror the BT module's observed behavior: connections can
// take most of 20s on a congested radio, individual register responses
// arrive within 8s or not at all.
const (
	DefaultConnectTimeout  = 20 * time.Second
	DefaultResponseTimeout = 8 * time.Second
	DefaultPollInterval    = 60 * time.Second

	// interReadDelay paces sequential register reads; the BT module
	// drops requests that arrive back to back.
	interReadDelay = 200 * time.Millisecond
)

// DefaultDeviceIDs covers a four-battery bank on one BT module.
var DefaultDeviceIDs = []byte{48, 49, 50, 51}

// Session is one established GATT exchange channel to the BT module.
// Read sends a request frame and returns the raw notification frame.
type Session interface {
	Read(ctx context.Context, request []byte) ([]byte, error)
	Close() error
}

// SessionFactory dials the BT module. Implementations own characteristic
// discovery and notification plumbing.
type SessionFactory interface {
	Connect(ctx context.Context, address string) (Session, error)
}

// RadioGate pauses scanning for the duration of an exclusive radio session.
type RadioGate interface {
	WithLease(ctx context.Context, holder string, fn func(ctx context.Context) error) error
}

type section struct {
	register uint16
	words    uint16
	name     string
	decode   func([]byte) (decoded, error)
	expose   bool
}

// sections are read sequentially per device id; concurrent reads interfere
// with each other on the module.
var sections = []section{
	{5000, 17, "cell_voltage", decodeCellVoltages, true},
	{5017, 17, "cell_temperature", decodeCellTemperatures, true},
	{5042, 6, "battery_info", decodeBatteryInfo, true},
	{5122, 8, "device_info", decodeDeviceInfo, false},
	{5223, 1, "device_address", decodeDeviceAddress, false},
}

// Options configure a register polling client.
type Options struct {
	// Address is the BT module's MAC address.
	Address string
	// Alias prefixes sensor object ids, e.g. "batt" yields batt48_voltage.
	Alias string
	// DeviceIDs are the Modbus ids polled per session; defaults to 48..51.
	DeviceIDs []byte

	PollInterval    time.Duration
	ConnectTimeout  time.Duration
	ResponseTimeout time.Duration
}

// Client periodically reads all register sections from every configured
// device id and applies the decoded fields to the registry. Each poll is one
// radio lease: acquired before connecting, released when the session ends,
// whatever the outcome.
type Client struct {
	gate     RadioGate
	factory  SessionFactory
	registry *entity.Registry
	logger   *logrus.Logger
	opts     Options

	readCount  atomic.Uint64
	errorCount atomic.Uint64
}

// NewClient validates the options and builds a polling client.
func NewClient(gate RadioGate, factory SessionFactory, registry *entity.Registry, logger *logrus.Logger, opts Options) (*Client, error) {
	if opts.Address == "" {
		return nil, fmt.Errorf("registers: device address is required")
	}
	if opts.Alias == "" {
		opts.Alias = "batt"
	}
	if len(opts.DeviceIDs) == 0 {
		opts.DeviceIDs = DefaultDeviceIDs
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = DefaultConnectTimeout
	}
	if opts.ResponseTimeout <= 0 {
		opts.ResponseTimeout = DefaultResponseTimeout
	}
	if logger == nil {
		logger = logrus.New()
	}

	return &Client{
		gate:     gate,
		factory:  factory,
		registry: registry,
		logger:   logger,
		opts:     opts,
	}, nil
}

// Run polls on the configured interval until ctx is cancelled. A failed poll
// is logged and retried on the next tick; a recovery action that kills the
// session mid-read lands here as an ordinary connection error.
func (c *Client) Run(ctx context.Context) {
	ticker := time.NewTicker(c.opts.PollInterval)
	defer ticker.Stop()

	c.logger.WithFields(logrus.Fields{
		"address":  c.opts.Address,
		"interval": c.opts.PollInterval,
		"devices":  c.opts.DeviceIDs,
	}).Info("Register polling started")

	for {
		if err := c.ReadOnce(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			c.errorCount.Add(1)
			c.logger.WithError(err).Warn("Register poll failed; retrying next interval")
		}

		select {
		case <-ctx.Done():
			c.logger.WithFields(logrus.Fields{
				"reads":  c.readCount.Load(),
				"errors": c.errorCount.Load(),
			}).Info("Register polling stopped")
			return
		case <-ticker.C:
		}
	}
}

// ReadOnce performs one complete poll session under a single radio lease.
func (c *Client) ReadOnce(ctx context.Context) error {
	return c.gate.WithLease(ctx, "registers:"+c.opts.Alias, func(ctx context.Context) error {
		connectCtx, cancel := context.WithTimeout(ctx, c.opts.ConnectTimeout)
		sess, err := c.factory.Connect(connectCtx, c.opts.Address)
		cancel()
		if err != nil {
			return fmt.Errorf("connect %s: %w", c.opts.Address, err)
		}
		defer func() { _ = sess.Close() }()

		start := time.Now()
		applied := 0
		for _, deviceID := range c.opts.DeviceIDs {
			n, err := c.readDevice(ctx, sess, deviceID)
			if err != nil {
				return err
			}
			applied += n
		}

		c.readCount.Add(1)
		c.logger.WithFields(logrus.Fields{
			"fields":  applied,
			"elapsed": time.Since(start).Round(time.Millisecond),
		}).Info("Register poll complete")
		return nil
	})
}

// Stats returns completed polls and failed polls.
func (c *Client) Stats() (reads, errors uint64) {
	return c.readCount.Load(), c.errorCount.Load()
}

func (c *Client) readDevice(ctx context.Context, sess Session, deviceID byte) (int, error) {
	alias := fmt.Sprintf("%s%d", c.opts.Alias, deviceID)
	applied := 0

	for _, sec := range sections {
		if err := ctx.Err(); err != nil {
			return applied, err
		}

		payload, err := c.readSection(ctx, sess, deviceID, sec)
		if err != nil {
			// One bad section must not sink the ones after it.
			c.logger.WithError(err).WithFields(logrus.Fields{
				"device":   deviceID,
				"register": sec.register,
				"section":  sec.name,
			}).Warn("Register section read failed")
			continue
		}

		dec, err := sec.decode(payload)
		if err != nil {
			c.logger.WithError(err).WithFields(logrus.Fields{
				"device":  deviceID,
				"section": sec.name,
			}).Warn("Register section decode failed")
			continue
		}

		if dec.model != "" {
			c.logger.WithFields(logrus.Fields{
				"device": deviceID,
				"model":  dec.model,
			}).Debug("Device model")
		}
		if sec.expose {
			for field, value := range dec.fields {
				c.registry.Apply(alias, field, value)
				applied++
			}
		}

		select {
		case <-ctx.Done():
			return applied, ctx.Err()
		case <-time.After(interReadDelay):
		}
	}

	return applied, nil
}

func (c *Client) readSection(ctx context.Context, sess Session, deviceID byte, sec section) ([]byte, error) {
	readCtx, cancel := context.WithTimeout(ctx, c.opts.ResponseTimeout)
	defer cancel()

	frame, err := sess.Read(readCtx, BuildReadRequest(deviceID, sec.register, sec.words))
	if err != nil {
		return nil, fmt.Errorf("read register %d: %w", sec.register, err)
	}
	payload, err := ParseReadResponse(frame)
	if err != nil {
		return nil, fmt.Errorf("register %d: %w", sec.register, err)
	}
	return payload, nil
}
