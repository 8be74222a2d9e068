package wire

import (
	"fmt"
	"math"

	"google.golang.org/protobuf/encoding/protowire"
)

// Message type identifiers, matching the ESPHome native API numbering so
// stock Home Assistant clients can talk to the proxy.
const (
	TypeHelloRequest                = 1
	TypeHelloResponse               = 2
	TypeConnectRequest              = 3
	TypeConnectResponse             = 4
	TypeDisconnectRequest           = 5
	TypeDisconnectResponse          = 6
	TypePingRequest                 = 7
	TypePingResponse                = 8
	TypeDeviceInfoRequest           = 9
	TypeDeviceInfoResponse          = 10
	TypeListEntitiesRequest         = 11
	TypeListEntitiesSensorResponse  = 16
	TypeListEntitiesDoneResponse    = 19
	TypeSubscribeStatesRequest      = 20
	TypeSensorStateResponse         = 25
	TypeSubscribeBLEAdvertisements  = 66
	TypeBLEAdvertisementResponse    = 67
	TypeUnsubscribeBLEAdvertisement = 87
	TypeScannerStateResponse        = 126
)

// Scanner state values pushed in ScannerStateResponse.
const (
	ScannerStateIdle    = 0
	ScannerStateRunning = 2
	ScannerStateFailed  = 3
	ScannerStateStopped = 5
)

// ScannerModePassive is the only mode this proxy implements.
const ScannerModePassive = 0

// Message is a payload that knows its frame type.
type Message interface {
	ID() uint64
	MarshalPayload() []byte
}

// EncodeMessage frames a message for the wire.
func EncodeMessage(m Message) []byte {
	return EncodeFrame(m.ID(), m.MarshalPayload())
}

// ---------------------------------------------------------------------------
// Handshake
// ---------------------------------------------------------------------------

// HelloRequest opens the protocol; it must be the first message on a
// connection.
type HelloRequest struct {
	ClientInfo      string
	APIVersionMajor uint32
	APIVersionMinor uint32
}

func (*HelloRequest) ID() uint64 { return TypeHelloRequest }

func (m *HelloRequest) MarshalPayload() []byte {
	var b []byte
	b = appendString(b, 1, m.ClientInfo)
	b = appendUint(b, 2, uint64(m.APIVersionMajor))
	b = appendUint(b, 3, uint64(m.APIVersionMinor))
	return b
}

func (m *HelloRequest) UnmarshalPayload(b []byte) error {
	return walkFields(b, func(num protowire.Number, typ protowire.Type, f fieldReader) error {
		switch num {
		case 1:
			m.ClientInfo = f.str()
		case 2:
			m.APIVersionMajor = uint32(f.uint())
		case 3:
			m.APIVersionMinor = uint32(f.uint())
		}
		return f.err()
	})
}

// HelloResponse carries the server identity and protocol version.
type HelloResponse struct {
	APIVersionMajor uint32
	APIVersionMinor uint32
	ServerInfo      string
	Name            string
}

func (*HelloResponse) ID() uint64 { return TypeHelloResponse }

func (m *HelloResponse) MarshalPayload() []byte {
	var b []byte
	b = appendUint(b, 1, uint64(m.APIVersionMajor))
	b = appendUint(b, 2, uint64(m.APIVersionMinor))
	b = appendString(b, 3, m.ServerInfo)
	b = appendString(b, 4, m.Name)
	return b
}

func (m *HelloResponse) UnmarshalPayload(b []byte) error {
	return walkFields(b, func(num protowire.Number, typ protowire.Type, f fieldReader) error {
		switch num {
		case 1:
			m.APIVersionMajor = uint32(f.uint())
		case 2:
			m.APIVersionMinor = uint32(f.uint())
		case 3:
			m.ServerInfo = f.str()
		case 4:
			m.Name = f.str()
		}
		return f.err()
	})
}

// ConnectRequest carries the (unused) password; authentication is a no-op.
type ConnectRequest struct {
	Password string
}

func (*ConnectRequest) ID() uint64 { return TypeConnectRequest }

func (m *ConnectRequest) MarshalPayload() []byte {
	var b []byte
	b = appendString(b, 1, m.Password)
	return b
}

func (m *ConnectRequest) UnmarshalPayload(b []byte) error {
	return walkFields(b, func(num protowire.Number, typ protowire.Type, f fieldReader) error {
		if num == 1 {
			m.Password = f.str()
		}
		return f.err()
	})
}

// ConnectResponse acknowledges authentication with an explicit rejected flag.
type ConnectResponse struct {
	InvalidPassword bool
}

func (*ConnectResponse) ID() uint64 { return TypeConnectResponse }

func (m *ConnectResponse) MarshalPayload() []byte {
	var b []byte
	if m.InvalidPassword {
		b = appendUint(b, 1, 1)
	}
	return b
}

func (m *ConnectResponse) UnmarshalPayload(b []byte) error {
	return walkFields(b, func(num protowire.Number, typ protowire.Type, f fieldReader) error {
		if num == 1 {
			m.InvalidPassword = f.uint() != 0
		}
		return f.err()
	})
}

// ---------------------------------------------------------------------------
// Device info
// ---------------------------------------------------------------------------

// DeviceInfoResponse describes the proxy to the client.
type DeviceInfoResponse struct {
	UsesPassword   bool
	Name           string
	MacAddress     string
	EsphomeVersion string
	Model          string
	Manufacturer   string
	FriendlyName   string
	ProjectName    string
	ProjectVersion string
	ProxyFeatures  uint32
}

func (*DeviceInfoResponse) ID() uint64 { return TypeDeviceInfoResponse }

func (m *DeviceInfoResponse) MarshalPayload() []byte {
	var b []byte
	if m.UsesPassword {
		b = appendUint(b, 1, 1)
	}
	b = appendString(b, 2, m.Name)
	b = appendString(b, 3, m.MacAddress)
	b = appendString(b, 4, m.EsphomeVersion)
	b = appendString(b, 6, m.Model)
	b = appendString(b, 8, m.ProjectName)
	b = appendString(b, 9, m.ProjectVersion)
	b = appendString(b, 12, m.Manufacturer)
	b = appendString(b, 13, m.FriendlyName)
	b = appendUint(b, 15, uint64(m.ProxyFeatures))
	return b
}

func (m *DeviceInfoResponse) UnmarshalPayload(b []byte) error {
	return walkFields(b, func(num protowire.Number, typ protowire.Type, f fieldReader) error {
		switch num {
		case 1:
			m.UsesPassword = f.uint() != 0
		case 2:
			m.Name = f.str()
		case 3:
			m.MacAddress = f.str()
		case 4:
			m.EsphomeVersion = f.str()
		case 6:
			m.Model = f.str()
		case 8:
			m.ProjectName = f.str()
		case 9:
			m.ProjectVersion = f.str()
		case 12:
			m.Manufacturer = f.str()
		case 13:
			m.FriendlyName = f.str()
		case 15:
			m.ProxyFeatures = uint32(f.uint())
		}
		return f.err()
	})
}

// ---------------------------------------------------------------------------
// Entities and states
// ---------------------------------------------------------------------------

// ListEntitiesSensorResponse is one sensor descriptor in the entity listing.
type ListEntitiesSensorResponse struct {
	ObjectID         string
	Key              uint32
	Name             string
	UniqueID         string
	Icon             string
	Unit             string
	AccuracyDecimals int32
	DeviceClass      string
	StateClass       int32
}

func (*ListEntitiesSensorResponse) ID() uint64 { return TypeListEntitiesSensorResponse }

func (m *ListEntitiesSensorResponse) MarshalPayload() []byte {
	var b []byte
	b = appendString(b, 1, m.ObjectID)
	b = protowire.AppendTag(b, 2, protowire.Fixed32Type)
	b = protowire.AppendFixed32(b, m.Key)
	b = appendString(b, 3, m.Name)
	b = appendString(b, 4, m.UniqueID)
	b = appendString(b, 5, m.Icon)
	b = appendString(b, 6, m.Unit)
	b = appendUint(b, 7, uint64(uint32(m.AccuracyDecimals)))
	b = appendString(b, 9, m.DeviceClass)
	b = appendUint(b, 10, uint64(uint32(m.StateClass)))
	return b
}

func (m *ListEntitiesSensorResponse) UnmarshalPayload(b []byte) error {
	return walkFields(b, func(num protowire.Number, typ protowire.Type, f fieldReader) error {
		switch num {
		case 1:
			m.ObjectID = f.str()
		case 2:
			m.Key = f.fixed32()
		case 3:
			m.Name = f.str()
		case 4:
			m.UniqueID = f.str()
		case 5:
			m.Icon = f.str()
		case 6:
			m.Unit = f.str()
		case 7:
			m.AccuracyDecimals = int32(f.uint())
		case 9:
			m.DeviceClass = f.str()
		case 10:
			m.StateClass = int32(f.uint())
		}
		return f.err()
	})
}

// SensorStateResponse pushes one sensor value.
type SensorStateResponse struct {
	Key          uint32
	State        float32
	MissingState bool
}

func (*SensorStateResponse) ID() uint64 { return TypeSensorStateResponse }

func (m *SensorStateResponse) MarshalPayload() []byte {
	var b []byte
	b = protowire.AppendTag(b, 1, protowire.Fixed32Type)
	b = protowire.AppendFixed32(b, m.Key)
	b = protowire.AppendTag(b, 2, protowire.Fixed32Type)
	b = protowire.AppendFixed32(b, math.Float32bits(m.State))
	if m.MissingState {
		b = appendUint(b, 3, 1)
	}
	return b
}

func (m *SensorStateResponse) UnmarshalPayload(b []byte) error {
	return walkFields(b, func(num protowire.Number, typ protowire.Type, f fieldReader) error {
		switch num {
		case 1:
			m.Key = f.fixed32()
		case 2:
			m.State = math.Float32frombits(f.fixed32())
		case 3:
			m.MissingState = f.uint() != 0
		}
		return f.err()
	})
}

// ---------------------------------------------------------------------------
// Bluetooth advertisements
// ---------------------------------------------------------------------------

// SubscribeBLEAdvertisementsRequest registers the connection for raw
// advertisement forwarding.
type SubscribeBLEAdvertisementsRequest struct {
	Flags uint32
}

func (*SubscribeBLEAdvertisementsRequest) ID() uint64 { return TypeSubscribeBLEAdvertisements }

func (m *SubscribeBLEAdvertisementsRequest) MarshalPayload() []byte {
	var b []byte
	b = appendUint(b, 1, uint64(m.Flags))
	return b
}

func (m *SubscribeBLEAdvertisementsRequest) UnmarshalPayload(b []byte) error {
	return walkFields(b, func(num protowire.Number, typ protowire.Type, f fieldReader) error {
		if num == 1 {
			m.Flags = uint32(f.uint())
		}
		return f.err()
	})
}

// BLEServiceData is one service-data or manufacturer-data entry.
type BLEServiceData struct {
	UUID string
	Data []byte
}

func (d *BLEServiceData) marshal() []byte {
	var b []byte
	b = appendString(b, 1, d.UUID)
	b = protowire.AppendTag(b, 3, protowire.BytesType)
	b = protowire.AppendBytes(b, d.Data)
	return b
}

func (d *BLEServiceData) unmarshal(b []byte) error {
	return walkFields(b, func(num protowire.Number, typ protowire.Type, f fieldReader) error {
		switch num {
		case 1:
			d.UUID = f.str()
		case 3:
			d.Data = f.bytes()
		}
		return f.err()
	})
}

// BLEAdvertisementResponse forwards one observed advertisement.
type BLEAdvertisementResponse struct {
	Address          uint64
	Name             []byte
	RSSI             int32
	ServiceUUIDs     []string
	ServiceData      []BLEServiceData
	ManufacturerData []BLEServiceData
	AddressType      uint32
}

func (*BLEAdvertisementResponse) ID() uint64 { return TypeBLEAdvertisementResponse }

func (m *BLEAdvertisementResponse) MarshalPayload() []byte {
	var b []byte
	b = appendUint(b, 1, m.Address)
	if len(m.Name) > 0 {
		b = protowire.AppendTag(b, 2, protowire.BytesType)
		b = protowire.AppendBytes(b, m.Name)
	}
	b = protowire.AppendTag(b, 3, protowire.VarintType)
	b = protowire.AppendVarint(b, protowire.EncodeZigZag(int64(m.RSSI)))
	for _, u := range m.ServiceUUIDs {
		b = appendString(b, 4, u)
	}
	for i := range m.ServiceData {
		b = protowire.AppendTag(b, 5, protowire.BytesType)
		b = protowire.AppendBytes(b, m.ServiceData[i].marshal())
	}
	for i := range m.ManufacturerData {
		b = protowire.AppendTag(b, 6, protowire.BytesType)
		b = protowire.AppendBytes(b, m.ManufacturerData[i].marshal())
	}
	b = appendUint(b, 7, uint64(m.AddressType))
	return b
}

func (m *BLEAdvertisementResponse) UnmarshalPayload(b []byte) error {
	return walkFields(b, func(num protowire.Number, typ protowire.Type, f fieldReader) error {
		switch num {
		case 1:
			m.Address = f.uint()
		case 2:
			m.Name = f.bytes()
		case 3:
			m.RSSI = int32(protowire.DecodeZigZag(f.uint()))
		case 4:
			m.ServiceUUIDs = append(m.ServiceUUIDs, f.str())
		case 5:
			var sd BLEServiceData
			if err := sd.unmarshal(f.bytes()); err != nil {
				return err
			}
			m.ServiceData = append(m.ServiceData, sd)
		case 6:
			var md BLEServiceData
			if err := md.unmarshal(f.bytes()); err != nil {
				return err
			}
			m.ManufacturerData = append(m.ManufacturerData, md)
		case 7:
			m.AddressType = uint32(f.uint())
		}
		return f.err()
	})
}

// ScannerStateResponse reports the proxy scanner state to subscribers.
type ScannerStateResponse struct {
	State uint32
	Mode  uint32
}

func (*ScannerStateResponse) ID() uint64 { return TypeScannerStateResponse }

func (m *ScannerStateResponse) MarshalPayload() []byte {
	var b []byte
	b = appendUint(b, 1, uint64(m.State))
	b = appendUint(b, 2, uint64(m.Mode))
	return b
}

func (m *ScannerStateResponse) UnmarshalPayload(b []byte) error {
	return walkFields(b, func(num protowire.Number, typ protowire.Type, f fieldReader) error {
		switch num {
		case 1:
			m.State = uint32(f.uint())
		case 2:
			m.Mode = uint32(f.uint())
		}
		return f.err()
	})
}

// ---------------------------------------------------------------------------
// Empty-payload messages
// ---------------------------------------------------------------------------

type emptyMessage uint64

func (e emptyMessage) ID() uint64           { return uint64(e) }
func (emptyMessage) MarshalPayload() []byte { return nil }

// Singletons for the messages that carry no payload.
var (
	DisconnectRequest            Message = emptyMessage(TypeDisconnectRequest)
	DisconnectResponse           Message = emptyMessage(TypeDisconnectResponse)
	PingRequest                  Message = emptyMessage(TypePingRequest)
	PingResponse                 Message = emptyMessage(TypePingResponse)
	DeviceInfoRequest            Message = emptyMessage(TypeDeviceInfoRequest)
	ListEntitiesRequest          Message = emptyMessage(TypeListEntitiesRequest)
	ListEntitiesDoneResponse     Message = emptyMessage(TypeListEntitiesDoneResponse)
	SubscribeStatesRequest       Message = emptyMessage(TypeSubscribeStatesRequest)
	UnsubscribeBLEAdvertisements Message = emptyMessage(TypeUnsubscribeBLEAdvertisement)
)

// ---------------------------------------------------------------------------
// Field helpers
// ---------------------------------------------------------------------------

func appendString(b []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func appendUint(b []byte, num protowire.Number, v uint64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

// fieldReader decodes the current field value. Accessors record a decode
// error instead of returning it so message switch bodies stay flat.
type fieldReader struct {
	typ     protowire.Type
	data    []byte
	n       *int
	decodeE *error
}

func (f fieldReader) uint() uint64 {
	if f.typ != protowire.VarintType {
		*f.decodeE = fmt.Errorf("wire: expected varint, got type %d", f.typ)
		return 0
	}
	v, n := protowire.ConsumeVarint(f.data)
	if n < 0 {
		*f.decodeE = protowire.ParseError(n)
		return 0
	}
	*f.n = n
	return v
}

func (f fieldReader) fixed32() uint32 {
	if f.typ != protowire.Fixed32Type {
		*f.decodeE = fmt.Errorf("wire: expected fixed32, got type %d", f.typ)
		return 0
	}
	v, n := protowire.ConsumeFixed32(f.data)
	if n < 0 {
		*f.decodeE = protowire.ParseError(n)
		return 0
	}
	*f.n = n
	return v
}

func (f fieldReader) bytes() []byte {
	if f.typ != protowire.BytesType {
		*f.decodeE = fmt.Errorf("wire: expected bytes, got type %d", f.typ)
		return nil
	}
	v, n := protowire.ConsumeBytes(f.data)
	if n < 0 {
		*f.decodeE = protowire.ParseError(n)
		return nil
	}
	*f.n = n
	out := make([]byte, len(v))
	copy(out, v)
	return out
}

func (f fieldReader) str() string {
	return string(f.bytes())
}

func (f fieldReader) err() error { return *f.decodeE }

// walkFields iterates the fields of a payload, invoking fn for each one.
// Fields fn does not read are skipped by wire type.
func walkFields(b []byte, fn func(num protowire.Number, typ protowire.Type, f fieldReader) error) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]

		consumed := 0
		var decodeErr error
		if err := fn(num, typ, fieldReader{typ: typ, data: b, n: &consumed, decodeE: &decodeErr}); err != nil {
			return err
		}
		if consumed == 0 {
			// Field was not read by fn; skip its value.
			consumed = protowire.ConsumeFieldValue(num, typ, b)
			if consumed < 0 {
				return protowire.ParseError(consumed)
			}
		}
		b = b[consumed:]
	}
	return nil
}
