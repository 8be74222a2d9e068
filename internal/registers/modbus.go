// Package registers polls Renogy battery registers over Modbus-framed GATT
// and feeds the decoded fields into the sensor registry.
package registers

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Modbus function codes used by the BT module.
const (
	FuncReadHoldingRegisters = 0x03

	// exceptionFlag is set on the function byte of error responses
	// (0x83 for failed reads).
	exceptionFlag = 0x80
)

var (
	ErrResponseTooShort = errors.New("modbus: response too short")
	ErrCRCMismatch      = errors.New("modbus: crc mismatch")
	ErrBadFunction      = errors.New("modbus: unexpected function code")
)

// ExceptionError is a Modbus exception response from the device.
type ExceptionError struct {
	Function byte
	Code     byte
}

func (e *ExceptionError) Error() string {
	return fmt.Sprintf("modbus: exception response (function=0x%02x code=0x%02x)", e.Function, e.Code)
}

// CRC16 computes the Modbus CRC (polynomial 0xA001, init 0xFFFF).
func CRC16(data []byte) uint16 {
	crc := uint16(0xFFFF)
	for _, b := range data {
		crc ^= uint16(b)
		for i := 0; i < 8; i++ {
			if crc&1 != 0 {
				crc = (crc >> 1) ^ 0xA001
			} else {
				crc >>= 1
			}
		}
	}
	return crc
}

// BuildReadRequest assembles a read-holding-registers request for the given
// device id. The CRC trailer is little-endian per Modbus RTU.
func BuildReadRequest(deviceID byte, register, words uint16) []byte {
	req := make([]byte, 8)
	req[0] = deviceID
	req[1] = FuncReadHoldingRegisters
	binary.BigEndian.PutUint16(req[2:], register)
	binary.BigEndian.PutUint16(req[4:], words)
	binary.LittleEndian.PutUint16(req[6:], CRC16(req[:6]))
	return req
}

// ParseReadResponse validates a read response frame and returns its register
// payload (big-endian words).
func ParseReadResponse(frame []byte) ([]byte, error) {
	if len(frame) < 5 {
		return nil, ErrResponseTooShort
	}

	function := frame[1]
	if function&exceptionFlag != 0 {
		return nil, &ExceptionError{Function: function, Code: frame[2]}
	}
	if function != FuncReadHoldingRegisters {
		return nil, fmt.Errorf("%w: 0x%02x", ErrBadFunction, function)
	}

	byteCount := int(frame[2])
	total := 3 + byteCount + 2
	if len(frame) < total {
		return nil, fmt.Errorf("%w: have %d bytes, need %d", ErrResponseTooShort, len(frame), total)
	}

	want := binary.LittleEndian.Uint16(frame[3+byteCount : total])
	if got := CRC16(frame[:3+byteCount]); got != want {
		return nil, fmt.Errorf("%w: computed 0x%04x, frame carries 0x%04x", ErrCRCMismatch, got, want)
	}

	return frame[3 : 3+byteCount], nil
}

func wordAt(payload []byte, i int) uint16 {
	return binary.BigEndian.Uint16(payload[i:])
}

func dwordAt(payload []byte, i int) uint32 {
	return binary.BigEndian.Uint32(payload[i:])
}
