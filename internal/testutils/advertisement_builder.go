package testutils

import (
	"time"

	"github.com/srg/bleproxy/internal/adapter"
)

// AdvertisementBuilder builds adapter.Advertisement values for testing.
// It provides a fluent API so tests only spell out the fields they care
// about.
type AdvertisementBuilder struct {
	adv adapter.Advertisement
}

// NewAdvertisementBuilder creates a builder with a plausible public address
// and RSSI so minimal tests stay short.
func NewAdvertisementBuilder() *AdvertisementBuilder {
	return &AdvertisementBuilder{
		adv: adapter.Advertisement{
			Address:    "AA:BB:CC:DD:EE:FF",
			RSSI:       -60,
			ReceivedAt: time.Now(),
		},
	}
}

// WithAddress sets the device address.
func (b *AdvertisementBuilder) WithAddress(addr string) *AdvertisementBuilder {
	b.adv.Address = addr
	return b
}

// WithAddressType sets the address type (0 public, 1 random).
func (b *AdvertisementBuilder) WithAddressType(t uint32) *AdvertisementBuilder {
	b.adv.AddressType = t
	return b
}

// WithName sets the local name.
func (b *AdvertisementBuilder) WithName(name string) *AdvertisementBuilder {
	b.adv.Name = name
	return b
}

// WithRSSI sets the signal strength.
func (b *AdvertisementBuilder) WithRSSI(rssi int) *AdvertisementBuilder {
	b.adv.RSSI = rssi
	return b
}

// WithServiceUUIDs sets the advertised service UUIDs.
func (b *AdvertisementBuilder) WithServiceUUIDs(uuids ...string) *AdvertisementBuilder {
	b.adv.ServiceUUIDs = uuids
	return b
}

// WithServiceData appends one service data record.
func (b *AdvertisementBuilder) WithServiceData(uuid string, data []byte) *AdvertisementBuilder {
	b.adv.ServiceData = append(b.adv.ServiceData, adapter.ServiceData{UUID: uuid, Data: data})
	return b
}

// WithManufacturerData sets the manufacturer data payload.
func (b *AdvertisementBuilder) WithManufacturerData(data []byte) *AdvertisementBuilder {
	b.adv.ManufacturerData = data
	return b
}

// WithReceivedAt sets the reception timestamp.
func (b *AdvertisementBuilder) WithReceivedAt(t time.Time) *AdvertisementBuilder {
	b.adv.ReceivedAt = t
	return b
}

// Build returns the assembled advertisement.
func (b *AdvertisementBuilder) Build() adapter.Advertisement {
	return b.adv
}
