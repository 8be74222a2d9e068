package testutils

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAdvertisementBuilderDefaults(t *testing.T) {
	adv := NewAdvertisementBuilder().Build()

	assert.Equal(t, "AA:BB:CC:DD:EE:FF", adv.Address)
	assert.Equal(t, -60, adv.RSSI)
	assert.False(t, adv.ReceivedAt.IsZero())
}

func TestAdvertisementBuilderSetsEveryField(t *testing.T) {
	adv := NewAdvertisementBuilder().
		WithAddress("F0:F1:F2:F3:F4:F5").
		WithAddressType(1).
		WithName("BT-TH-F0F1F2F3").
		WithRSSI(-42).
		WithServiceUUIDs("ffd0").
		WithServiceData("fff1", []byte{0x01}).
		WithManufacturerData([]byte{0x4C, 0x00}).
		Build()

	assert.Equal(t, "F0:F1:F2:F3:F4:F5", adv.Address)
	assert.Equal(t, uint32(1), adv.AddressType)
	assert.Equal(t, "BT-TH-F0F1F2F3", adv.Name)
	assert.Equal(t, -42, adv.RSSI)
	assert.Equal(t, []string{"ffd0"}, adv.ServiceUUIDs)
	assert.Len(t, adv.ServiceData, 1)
	assert.Equal(t, []byte{0x4C, 0x00}, adv.ManufacturerData)
}
