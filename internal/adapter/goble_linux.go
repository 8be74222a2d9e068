//go:build linux

package adapter

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/go-ble/ble"
	"github.com/go-ble/ble/linux"
	"github.com/go-ble/ble/linux/hci"
	"github.com/go-ble/ble/linux/hci/cmd"
	"github.com/sirupsen/logrus"
)

// maxAdvertisedNameLen bounds the display name carried in an advertisement
// record before fan-out.
const maxAdvertisedNameLen = 64

// HCIAdapter drives a local Bluetooth controller through go-ble's HCI
// backend, scanning passively so the controller never transmits scan
// requests.
type HCIAdapter struct {
	dev    *linux.Device
	logger *logrus.Logger

	powered     atomic.Bool
	discovering atomic.Bool
}

// New opens the default HCI device and configures passive scanning.
func New(logger *logrus.Logger) (Adapter, error) {
	if logger == nil {
		logger = logrus.New()
	}

	dev, err := linux.NewDevice()
	if err != nil {
		return nil, fmt.Errorf("failed to open HCI device: %w", err)
	}

	a := &HCIAdapter{dev: dev, logger: logger}
	if err := a.setScanParameters(); err != nil {
		return nil, err
	}
	a.powered.Store(true)

	logger.WithField("address", a.Address()).Info("Bluetooth adapter ready")
	return a, nil
}

// setScanParameters configures passive scanning with a wide window so no
// advertisement is missed between scan intervals.
func (a *HCIAdapter) setScanParameters() error {
	err := a.dev.HCI.Send(&cmd.LESetScanParameters{
		LEScanType:           0x00,   // passive
		LEScanInterval:       0x4000, // N * 0.625ms
		LEScanWindow:         0x4000,
		OwnAddressType:       0x00, // public
		ScanningFilterPolicy: 0x00, // accept all
	}, nil)
	if err != nil {
		return fmt.Errorf("failed to set scan parameters: %w", err)
	}
	return nil
}

// Scan blocks delivering advertisements to h until ctx is cancelled or the
// HCI stack fails. Context cancellation is a normal stop, not an error.
func (a *HCIAdapter) Scan(ctx context.Context, allowDup bool, h func(Advertisement)) error {
	a.discovering.Store(true)
	defer a.discovering.Store(false)

	err := a.dev.Scan(ctx, allowDup, func(adv ble.Advertisement) {
		h(convertAdvertisement(adv))
	})
	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("scan failed: %w", err)
	}
	return nil
}

// StopDiscovery force-disables LE scanning at the controller, used when the
// adapter reports discovering after the scan loop has stopped.
func (a *HCIAdapter) StopDiscovery(ctx context.Context) error {
	err := a.send(ctx, &cmd.LESetScanEnable{LEScanEnable: 0x00})
	if err != nil {
		return fmt.Errorf("failed to stop discovery: %w", err)
	}
	a.discovering.Store(false)
	return nil
}

// PowerCycle issues an HCI Reset and reapplies scan parameters. An in-flight
// scan loop or GATT session errors out; callers treat that as an abrupt
// state reset and recover through the arbiter.
func (a *HCIAdapter) PowerCycle(ctx context.Context) error {
	a.powered.Store(false)

	if err := a.send(ctx, &cmd.Reset{}); err != nil {
		return fmt.Errorf("failed to reset controller: %w", err)
	}

	// Give the controller a moment to settle before reconfiguring.
	select {
	case <-time.After(time.Second):
	case <-ctx.Done():
		return ctx.Err()
	}

	if err := a.setScanParameters(); err != nil {
		return err
	}
	a.powered.Store(true)
	a.discovering.Store(false)
	a.logger.Info("Adapter power cycle complete")
	return nil
}

// State reports the adapter view this backend can observe without BlueZ:
// powered tracks reset/init success, discovering tracks LE scan enablement.
func (a *HCIAdapter) State(_ context.Context) (State, error) {
	return State{
		Powered:     a.powered.Load(),
		Discovering: a.discovering.Load(),
	}, nil
}

// Address returns the controller's own MAC address.
func (a *HCIAdapter) Address() string {
	return a.dev.HCI.Addr().String()
}

// Dial opens a GATT connection to the given peer. Callers must hold an
// arbiter lease for the whole session: discovery and connections cannot
// coexist on most controllers.
func (a *HCIAdapter) Dial(ctx context.Context, addr string) (ble.Client, error) {
	cln, err := a.dev.Dial(ctx, ble.NewAddr(addr))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", addr, err)
	}
	return cln, nil
}

// send issues an HCI command bounded by ctx; the raw Send can hang when the
// controller firmware wedges.
func (a *HCIAdapter) send(ctx context.Context, c hci.Command) error {
	done := make(chan error, 1)
	go func() {
		done <- a.dev.HCI.Send(c, nil)
	}()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return fmt.Errorf("hci command timed out: %w", ctx.Err())
	}
}

// convertAdvertisement maps a go-ble advertisement into the transport-neutral
// record the arbiter fans out.
func convertAdvertisement(adv ble.Advertisement) Advertisement {
	rec := Advertisement{
		Address:          adv.Addr().String(),
		Name:             truncateName(adv.LocalName()),
		RSSI:             adv.RSSI(),
		ManufacturerData: adv.ManufacturerData(),
		ReceivedAt:       time.Now(),
	}

	// Random static addresses have the two most significant bits set.
	if b, err := firstAddrOctet(rec.Address); err == nil && b&0xC0 == 0xC0 {
		rec.AddressType = 1
	}

	for _, svc := range adv.Services() {
		rec.ServiceUUIDs = append(rec.ServiceUUIDs, svc.String())
	}
	for _, sd := range adv.ServiceData() {
		rec.ServiceData = append(rec.ServiceData, ServiceData{
			UUID: sd.UUID.String(),
			Data: sd.Data,
		})
	}
	return rec
}

func truncateName(name string) string {
	if len(name) > maxAdvertisedNameLen {
		return name[:maxAdvertisedNameLen]
	}
	return name
}

func firstAddrOctet(addr string) (byte, error) {
	var b byte
	if _, err := fmt.Sscanf(addr, "%02x", &b); err != nil {
		return 0, err
	}
	return b, nil
}
