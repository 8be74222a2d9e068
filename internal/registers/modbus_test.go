package registers

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func buildResponse(deviceID byte, payload []byte) []byte {
	frame := append([]byte{deviceID, FuncReadHoldingRegisters, byte(len(payload))}, payload...)
	crc := make([]byte, 2)
	binary.LittleEndian.PutUint16(crc, CRC16(frame))
	return append(frame, crc...)
}

func TestCRC16KnownVector(t *testing.T) {
	// Standard Modbus check value for the ASCII string "123456789".
	assert.Equal(t, uint16(0x4B37), CRC16([]byte("123456789")))
}

func TestBuildReadRequest(t *testing.T) {
	req := BuildReadRequest(48, 5042, 6)

	require.Len(t, req, 8)
	assert.Equal(t, byte(48), req[0])
	assert.Equal(t, byte(FuncReadHoldingRegisters), req[1])
	assert.Equal(t, uint16(5042), binary.BigEndian.Uint16(req[2:4]))
	assert.Equal(t, uint16(6), binary.BigEndian.Uint16(req[4:6]))
	assert.Equal(t, CRC16(req[:6]), binary.LittleEndian.Uint16(req[6:8]))
}

func TestParseReadResponse(t *testing.T) {
	payload := []byte{0x00, 0x84, 0x01, 0x02}
	frame := buildResponse(48, payload)

	got, err := ParseReadResponse(frame)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

func TestParseReadResponseErrors(t *testing.T) {
	t.Run("too short", func(t *testing.T) {
		_, err := ParseReadResponse([]byte{48, 0x03, 0x02})
		assert.ErrorIs(t, err, ErrResponseTooShort)
	})

	t.Run("crc mismatch", func(t *testing.T) {
		frame := buildResponse(48, []byte{0x00, 0x84})
		frame[len(frame)-1] ^= 0xFF
		_, err := ParseReadResponse(frame)
		assert.ErrorIs(t, err, ErrCRCMismatch)
	})

	t.Run("exception response", func(t *testing.T) {
		_, err := ParseReadResponse([]byte{48, 0x83, 0x02, 0x00, 0x00})
		var exc *ExceptionError
		require.ErrorAs(t, err, &exc)
		assert.Equal(t, byte(0x83), exc.Function)
		assert.Equal(t, byte(0x02), exc.Code)
	})

	t.Run("wrong function", func(t *testing.T) {
		frame := buildResponse(48, []byte{0x00, 0x84})
		frame[1] = 0x06
		_, err := ParseReadResponse(frame)
		assert.ErrorIs(t, err, ErrBadFunction)
	})

	t.Run("truncated payload", func(t *testing.T) {
		frame := buildResponse(48, []byte{0x00, 0x84, 0x01, 0x02})
		_, err := ParseReadResponse(frame[:6])
		assert.ErrorIs(t, err, ErrResponseTooShort)
	})
}

func TestDecodeBatteryInfo(t *testing.T) {
	payload := make([]byte, 12)
	binary.BigEndian.PutUint16(payload[0:], uint16(0xFF6A)) // -150 -> -1.50 A
	binary.BigEndian.PutUint16(payload[2:], 132)            // 13.2 V
	binary.BigEndian.PutUint32(payload[4:], 50000)          // 50.0 Ah
	binary.BigEndian.PutUint32(payload[8:], 100000)         // 100.0 Ah

	dec, err := decodeBatteryInfo(payload)
	require.NoError(t, err)
	assert.InDelta(t, -1.5, dec.fields["current"], 0.001)
	assert.InDelta(t, 13.2, dec.fields["voltage"], 0.001)
	assert.InDelta(t, 50.0, dec.fields["remaining_charge"], 0.001)
	assert.InDelta(t, 100.0, dec.fields["capacity"], 0.001)
	assert.InDelta(t, 50.0, dec.fields["soc"], 0.001)
}

func TestDecodeBatteryInfoZeroCapacity(t *testing.T) {
	dec, err := decodeBatteryInfo(make([]byte, 12))
	require.NoError(t, err)
	_, ok := dec.fields["soc"]
	assert.False(t, ok)
}

func TestDecodeCellVoltages(t *testing.T) {
	payload := make([]byte, 2+8)
	binary.BigEndian.PutUint16(payload[0:], 4)
	for i, mv := range []uint16{3300, 3310, 3290, 3305} {
		binary.BigEndian.PutUint16(payload[2+i*2:], mv)
	}

	dec, err := decodeCellVoltages(payload)
	require.NoError(t, err)
	assert.InDelta(t, 4, dec.fields["cell_count"], 0.001)
	assert.InDelta(t, 3.30, dec.fields["cell_1_voltage"], 0.0001)
	assert.InDelta(t, 3.29, dec.fields["cell_voltage_min"], 0.0001)
	assert.InDelta(t, 3.31, dec.fields["cell_voltage_max"], 0.0001)
	assert.InDelta(t, 0.02, dec.fields["cell_voltage_delta"], 0.0001)
}

func TestDecodeCellVoltagesClampsCount(t *testing.T) {
	payload := make([]byte, 4)
	binary.BigEndian.PutUint16(payload[0:], 16) // claims 16 cells, carries 1
	binary.BigEndian.PutUint16(payload[2:], 3300)

	dec, err := decodeCellVoltages(payload)
	require.NoError(t, err)
	assert.InDelta(t, 1, dec.fields["cell_count"], 0.001)
}

func TestDecodeCellTemperatures(t *testing.T) {
	payload := make([]byte, 2+4)
	binary.BigEndian.PutUint16(payload[0:], 2)
	binary.BigEndian.PutUint16(payload[2:], 215)            // 21.5 C
	binary.BigEndian.PutUint16(payload[4:], uint16(0xFFDD)) // -35 -> -3.5 C

	dec, err := decodeCellTemperatures(payload)
	require.NoError(t, err)
	assert.InDelta(t, 2, dec.fields["temp_sensor_count"], 0.001)
	assert.InDelta(t, -3.5, dec.fields["temperature_min"], 0.001)
	assert.InDelta(t, 21.5, dec.fields["temperature_max"], 0.001)
	assert.InDelta(t, 25.0, dec.fields["temperature_delta"], 0.001)
}

func TestDecodeDeviceInfo(t *testing.T) {
	payload := append([]byte("RBT100LFP12S"), 0, 0, 0, 0)
	dec, err := decodeDeviceInfo(payload)
	require.NoError(t, err)
	assert.Equal(t, "RBT100LFP12S", dec.model)
}
