package wisp

//
// Packet
//
// Parsing and serializing wisp v1 packets.
//

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// PacketType is a wisp packet type.
type PacketType byte

// Wisp packet types.
const (
	TypeConnect  = PacketType(0x01)
	TypeData     = PacketType(0x02)
	TypeContinue = PacketType(0x03)
	TypeClose    = PacketType(0x04)
)

// String returns the packet type string representation.
func (pt PacketType) String() string {
	switch pt {
	case TypeConnect:
		return "CONNECT"
	case TypeData:
		return "DATA"
	case TypeContinue:
		return "CONTINUE"
	case TypeClose:
		return "CLOSE"
	default:
		return "UNKNOWN"
	}
}

// StreamType is the transport requested by a CONNECT packet.
type StreamType byte

// Wisp stream types.
const (
	StreamTCP = StreamType(0x01)
	StreamUDP = StreamType(0x02)
)

// CloseReason is the reason carried by a CLOSE packet.
type CloseReason byte

// Wisp close reasons.
const (
	CloseUnknown      = CloseReason(0x01)
	CloseVoluntary    = CloseReason(0x02)
	CloseNetworkError = CloseReason(0x03)
	CloseInvalidInfo  = CloseReason(0x41)
	CloseUnreachable  = CloseReason(0x42)
	CloseConnTimeout  = CloseReason(0x43)
	CloseConnRefused  = CloseReason(0x44)
	CloseTCPTimeout   = CloseReason(0x47)
	CloseBlocked      = CloseReason(0x48)
	CloseThrottled    = CloseReason(0x49)
	CloseClientError  = CloseReason(0x81)
)

// String returns the close reason string representation.
func (r CloseReason) String() string {
	switch r {
	case CloseUnknown:
		return "unknown"
	case CloseVoluntary:
		return "voluntary"
	case CloseNetworkError:
		return "network error"
	case CloseInvalidInfo:
		return "invalid connection info"
	case CloseUnreachable:
		return "host unreachable"
	case CloseConnTimeout:
		return "connection timeout"
	case CloseConnRefused:
		return "connection refused"
	case CloseTCPTimeout:
		return "tcp timeout"
	case CloseBlocked:
		return "blocked"
	case CloseThrottled:
		return "throttled"
	case CloseClientError:
		return "client error"
	default:
		return fmt.Sprintf("reason 0x%02x", byte(r))
	}
}

// headerLength is the length of the common packet header.
const headerLength = 5

// ErrPacketTooShort indicates that a packet is too short.
var ErrPacketTooShort = errors.New("wisp: packet too short")

// ErrParsePacket is a generic packet parse error which may be further qualified.
var ErrParsePacket = errors.New("wisp: packet parse error")

// Packet is a wisp packet.
type Packet struct {
	// Type is the packet type.
	Type PacketType

	// StreamID is the stream this packet belongs to. Stream zero is
	// reserved for connection-level messages.
	StreamID uint32

	// Payload is the type-specific payload.
	Payload []byte
}

// ParsePacket parses a packet from a single websocket message.
func ParsePacket(buf []byte) (*Packet, error) {
	if len(buf) < headerLength {
		return nil, ErrPacketTooShort
	}
	p := &Packet{
		Type:     PacketType(buf[0]),
		StreamID: binary.LittleEndian.Uint32(buf[1:5]),
		Payload:  buf[headerLength:],
	}
	switch p.Type {
	case TypeConnect:
		if len(p.Payload) < 3 {
			return nil, fmt.Errorf("%w: short CONNECT", ErrParsePacket)
		}
	case TypeContinue:
		if len(p.Payload) < 4 {
			return nil, fmt.Errorf("%w: short CONTINUE", ErrParsePacket)
		}
	case TypeClose:
		if len(p.Payload) < 1 {
			return nil, fmt.Errorf("%w: short CLOSE", ErrParsePacket)
		}
	case TypeData:
	default:
		return nil, fmt.Errorf("%w: unknown type 0x%02x", ErrParsePacket, byte(p.Type))
	}
	return p, nil
}

// Bytes returns a byte array that is ready to be sent on the wire.
func (p *Packet) Bytes() []byte {
	out := make([]byte, headerLength+len(p.Payload))
	out[0] = byte(p.Type)
	binary.LittleEndian.PutUint32(out[1:5], p.StreamID)
	copy(out[headerLength:], p.Payload)
	return out
}

// NewConnectPacket returns a CONNECT packet opening id towards host:port.
func NewConnectPacket(id uint32, st StreamType, host string, port uint16) *Packet {
	payload := make([]byte, 3+len(host))
	payload[0] = byte(st)
	binary.LittleEndian.PutUint16(payload[1:3], port)
	copy(payload[3:], host)
	return &Packet{Type: TypeConnect, StreamID: id, Payload: payload}
}

// NewDataPacket returns a DATA packet.
func NewDataPacket(id uint32, data []byte) *Packet {
	return &Packet{Type: TypeData, StreamID: id, Payload: data}
}

// NewContinuePacket returns a CONTINUE packet granting buffer units.
func NewContinuePacket(id uint32, buffer uint32) *Packet {
	payload := make([]byte, 4)
	binary.LittleEndian.PutUint32(payload, buffer)
	return &Packet{Type: TypeContinue, StreamID: id, Payload: payload}
}

// NewClosePacket returns a CLOSE packet.
func NewClosePacket(id uint32, reason CloseReason) *Packet {
	return &Packet{Type: TypeClose, StreamID: id, Payload: []byte{byte(reason)}}
}

// Connect returns the fields of a CONNECT packet.
func (p *Packet) Connect() (StreamType, string, uint16) {
	return StreamType(p.Payload[0]), string(p.Payload[3:]), binary.LittleEndian.Uint16(p.Payload[1:3])
}

// Buffer returns the buffer size of a CONTINUE packet.
func (p *Packet) Buffer() uint32 {
	return binary.LittleEndian.Uint32(p.Payload[:4])
}

// Reason returns the reason of a CLOSE packet.
func (p *Packet) Reason() CloseReason {
	return CloseReason(p.Payload[0])
}
