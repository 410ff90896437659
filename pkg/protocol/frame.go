package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"
)

// Wire constants. All multi-byte integers are little-endian on the wire.
const (
	Magic   uint32 = 0x464B4348 // "FKCH"
	Version uint16 = 1

	// HeaderSize is the fixed size of the frame header in bytes.
	HeaderSize = 24

	// MaxBodySize caps the frame body at 1 MiB.
	MaxBodySize = 1 << 20
)

// MessageType identifies the frame payload.
type MessageType uint16

const (
	AuthRequest        MessageType = 1
	AuthResponse       MessageType = 2
	Heartbeat          MessageType = 3
	ChatMessage        MessageType = 4
	SystemNotification MessageType = 5
	ErrorMessage       MessageType = 6
)

func (t MessageType) String() string {
	switch t {
	case AuthRequest:
		return "AUTH_REQUEST"
	case AuthResponse:
		return "AUTH_RESPONSE"
	case Heartbeat:
		return "HEARTBEAT"
	case ChatMessage:
		return "CHAT_MESSAGE"
	case SystemNotification:
		return "SYSTEM_NOTIFICATION"
	case ErrorMessage:
		return "ERROR_MESSAGE"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", uint16(t))
	}
}

// Header is the decoded frame header.
type Header struct {
	Magic     uint32
	Version   uint16
	Type      MessageType
	Length    uint32
	Timestamp uint64 // seconds since epoch
	Reserved  uint32
}

// Protocol errors surfaced by the codec and parser.
var (
	ErrBadMagic     = errors.New("invalid frame magic")
	ErrBadVersion   = errors.New("unsupported frame version")
	ErrBodyTooLarge = errors.New("frame body exceeds maximum size")
	ErrShortHeader  = errors.New("header truncated")
)

// Validate checks the header invariants. Length is checked against
// MaxBodySize; magic and version must match the protocol constants.
func (h *Header) Validate() error {
	if h.Magic != Magic {
		return ErrBadMagic
	}
	if h.Version != Version {
		return ErrBadVersion
	}
	if h.Length > MaxBodySize {
		return ErrBodyTooLarge
	}
	return nil
}

// DecodeHeader parses a header from the first HeaderSize bytes of buf.
func DecodeHeader(buf []byte) (Header, error) {
	if len(buf) < HeaderSize {
		return Header{}, ErrShortHeader
	}
	h := Header{
		Magic:     binary.LittleEndian.Uint32(buf[0:4]),
		Version:   binary.LittleEndian.Uint16(buf[4:6]),
		Type:      MessageType(binary.LittleEndian.Uint16(buf[6:8])),
		Length:    binary.LittleEndian.Uint32(buf[8:12]),
		Timestamp: binary.LittleEndian.Uint64(buf[12:20]),
		Reserved:  binary.LittleEndian.Uint32(buf[20:24]),
	}
	return h, nil
}

// EncodeFrame builds a complete frame (header plus body) in a single
// allocation. The body may be nil for empty payloads.
func EncodeFrame(msgType MessageType, body []byte) ([]byte, error) {
	if len(body) > MaxBodySize {
		return nil, ErrBodyTooLarge
	}
	frame := make([]byte, HeaderSize+len(body))
	binary.LittleEndian.PutUint32(frame[0:4], Magic)
	binary.LittleEndian.PutUint16(frame[4:6], Version)
	binary.LittleEndian.PutUint16(frame[6:8], uint16(msgType))
	binary.LittleEndian.PutUint32(frame[8:12], uint32(len(body)))
	binary.LittleEndian.PutUint64(frame[12:20], uint64(time.Now().Unix()))
	binary.LittleEndian.PutUint32(frame[20:24], 0)
	copy(frame[HeaderSize:], body)
	return frame, nil
}
