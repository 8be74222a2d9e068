//go:build linux

package registers

import (
	"context"
	"fmt"

	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"

	"github.com/srg/bleproxy/internal/adapter"
)

// Renogy BT module GATT layout.
var (
	writeServiceUUID = ble.MustParse("0000ffd0-0000-1000-8000-00805f9b34fb")
	writeCharUUID    = ble.MustParse("0000ffd1-0000-1000-8000-00805f9b34fb")
	notifyCharUUID   = ble.MustParse("0000fff1-0000-1000-8000-00805f9b34fb")
)

// GATTSessionFactory dials the BT module through the shared HCI adapter.
// Callers must hold a radio lease across Connect and the session's lifetime.
type GATTSessionFactory struct {
	adapter *adapter.HCIAdapter
	logger  *logrus.Logger
}

// NewGATTSessionFactory wraps the adapter for register sessions.
func NewGATTSessionFactory(adp *adapter.HCIAdapter, logger *logrus.Logger) *GATTSessionFactory {
	return &GATTSessionFactory{adapter: adp, logger: logger}
}

// Connect dials the module, discovers the Modbus characteristics and
// subscribes to response notifications.
func (f *GATTSessionFactory) Connect(ctx context.Context, address string) (Session, error) {
	client, err := f.adapter.Dial(ctx, address)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", address, err)
	}

	profile, err := client.DiscoverProfile(true)
	if err != nil {
		_ = client.CancelConnection()
		return nil, fmt.Errorf("discover profile: %w", err)
	}

	writeChar, notifyChar := findModbusChars(profile)
	if writeChar == nil || notifyChar == nil {
		_ = client.CancelConnection()
		return nil, fmt.Errorf("device %s does not expose the expected characteristics (write=%v notify=%v)",
			address, writeChar != nil, notifyChar != nil)
	}

	s := &gattSession{
		client:    client,
		writeChar: writeChar,
		logger:    f.logger,
		frames:    make(chan []byte, 8),
	}
	if err := client.Subscribe(notifyChar, false, s.handleNotification); err != nil {
		_ = client.CancelConnection()
		return nil, fmt.Errorf("subscribe notifications: %w", err)
	}

	f.logger.WithField("address", address).Info("GATT session established")
	return s, nil
}

// findModbusChars picks the request and response characteristics out of a
// discovered profile. The write characteristic UUID appears under other
// services on some firmware revisions; only the ffd0 service instance
// accepts Modbus requests, so the write match is scoped to that service.
func findModbusChars(profile *ble.Profile) (writeChar, notifyChar *ble.Characteristic) {
	for _, service := range profile.Services {
		for _, char := range service.Characteristics {
			switch {
			case char.UUID.Equal(writeCharUUID) && service.UUID.Equal(writeServiceUUID):
				writeChar = char
			case char.UUID.Equal(notifyCharUUID):
				notifyChar = char
			}
		}
	}
	return writeChar, notifyChar
}

type gattSession struct {
	client    ble.Client
	writeChar *ble.Characteristic
	logger    *logrus.Logger
	frames    chan []byte
}

func (s *gattSession) handleNotification(data []byte) {
	frame := make([]byte, len(data))
	copy(frame, data)
	select {
	case s.frames <- frame:
	default:
		s.logger.Warn("Dropping GATT notification: response queue full")
	}
}

// Read writes one request and waits for the next notification frame.
func (s *gattSession) Read(ctx context.Context, request []byte) ([]byte, error) {
	// Drain responses from earlier timed-out requests so a stale frame is
	// not taken for this one.
	for {
		select {
		case <-s.frames:
			continue
		default:
		}
		break
	}

	if err := s.client.WriteCharacteristic(s.writeChar, request, true); err != nil {
		return nil, fmt.Errorf("write request: %w", err)
	}

	select {
	case frame := <-s.frames:
		return frame, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *gattSession) Close() error {
	return s.client.CancelConnection()
}
