// Package adapter abstracts the Bluetooth hardware behind a small surface:
// scanning for advertisements and the recovery actions the watchdog issues.
// Exactly one adapter instance exists per process; all access to it is
// mediated by the radio arbiter.
package adapter

import (
	"context"
	"errors"
	"time"
)

// ErrUnsupportedPlatform is returned by New on platforms without a BLE
// backend.
var ErrUnsupportedPlatform = errors.New("adapter: unsupported platform")

// ServiceData is one advertised service-data entry.
type ServiceData struct {
	UUID string
	Data []byte
}

// Advertisement is one observed BLE advertisement. Records are ephemeral:
// produced by the scan loop, fanned out to subscribers, never persisted.
type Advertisement struct {
	Address          string
	AddressType      uint32 // 0 public, 1 random
	Name             string
	RSSI             int
	ServiceUUIDs     []string
	ServiceData      []ServiceData
	ManufacturerData []byte
	ReceivedAt       time.Time
}

// State is a point-in-time view of the adapter hardware.
type State struct {
	Powered     bool
	Discovering bool
}

// Adapter is the shared BLE radio.
//
// Scan blocks until ctx is cancelled or the underlying stack fails; it is
// the caller's (the arbiter's) job to serialize Scan against exclusive GATT
// sessions. StopDiscovery and PowerCycle are recovery actions; both must
// honor ctx deadlines because the dominant failure mode in this domain is a
// stack call that hangs forever.
type Adapter interface {
	Scan(ctx context.Context, allowDup bool, h func(Advertisement)) error
	StopDiscovery(ctx context.Context) error
	PowerCycle(ctx context.Context) error
	State(ctx context.Context) (State, error)
	Address() string
}
