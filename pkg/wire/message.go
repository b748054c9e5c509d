// Package wire implements the star-overlay packet format: a fixed 21-byte
// header shared by every message, followed by a type-specific payload.
package wire

import (
	"fmt"

	"github.com/pkg/errors"
)

// Type codes, one byte each, matching the protocol's five message kinds.
const (
	TypeDiscovery = byte('D')
	TypeHeartbeat = byte('H')
	TypeRTT       = byte('R')
	TypeApp       = byte('A')
	TypeAck       = byte('K')
)

// NameSize is the fixed width of the sender-name field on the wire.
const NameSize = 16

// UUIDSize is the fixed width of the decimal message-sequence field on the wire.
const UUIDSize = 4

// HeaderSize is the combined width of type-code + sender-name + uuid.
const HeaderSize = 1 + NameSize + UUIDSize

// UUIDModulus is the wraparound point for the 4-digit wire uuid field (see
// SPEC_FULL.md §9 on the widened internal counter vs. the fixed wire width).
const UUIDModulus = 10000

var ErrShortPacket = errors.New("wire: packet shorter than header")
var ErrUnknownType = errors.New("wire: unknown type code")
var ErrMalformedPayload = errors.New("wire: malformed payload")

// Header carries the fields common to every message.
type Header struct {
	Type   byte
	Sender string // already trimmed of padding
	UUID   uint32 // 0..9999, the wire projection of the sender's counter
}

// MessageID returns the 20-byte sender-name+uuid identity used for ACK
// matching and dedup, per SPEC_FULL.md §3.
func (h Header) MessageID() string {
	return PadName(h.Sender) + FormatUUID(h.UUID)
}

// Message is a decoded packet: a header plus one typed payload.
type Message struct {
	Header
	Payload Payload
}

// Payload is implemented by each of the five typed payload structs.
type Payload interface {
	typeCode() byte
	encode() []byte
}

// PadName right-justifies name into the fixed 16-byte field, matching the
// original implementation's format(name, '>16').
func PadName(name string) string {
	if len(name) >= NameSize {
		return name[len(name)-NameSize:]
	}
	return fmt.Sprintf("%*s", NameSize, name)
}

// FormatUUID renders a wire uuid as 4 zero-padded decimal digits.
func FormatUUID(u uint32) string {
	return fmt.Sprintf("%04d", u%UUIDModulus)
}

// TypeCodeOf returns a payload's wire type code without exposing the
// typeCode/encode methods themselves outside the package.
func TypeCodeOf(p Payload) byte {
	return p.typeCode()
}

// Encode serializes a complete message: header + payload.
func Encode(sender string, uuid uint32, payload Payload) []byte {
	buf := make([]byte, 0, HeaderSize+32)
	buf = append(buf, payload.typeCode())
	buf = append(buf, []byte(PadName(sender))...)
	buf = append(buf, []byte(FormatUUID(uuid))...)
	buf = append(buf, payload.encode()...)
	return buf
}

// Decode parses a raw UDP datagram into a Message.
func Decode(data []byte) (*Message, error) {
	if len(data) < HeaderSize {
		return nil, ErrShortPacket
	}
	typeCode := data[0]
	sender := string(data[1 : 1+NameSize])
	uuidField := string(data[1+NameSize : HeaderSize])
	var uuid uint32
	if _, err := fmt.Sscanf(uuidField, "%04d", &uuid); err != nil {
		return nil, errors.Wrap(ErrMalformedPayload, "uuid field")
	}
	body := data[HeaderSize:]

	decodeFn, ok := decoders[typeCode]
	if !ok {
		return nil, errors.Wrapf(ErrUnknownType, "code %q", typeCode)
	}
	payload, err := decodeFn(body)
	if err != nil {
		return nil, err
	}

	trimmedSender := trimName(sender)
	return &Message{
		Header: Header{
			Type:   typeCode,
			Sender: trimmedSender,
			UUID:   uuid,
		},
		Payload: payload,
	}, nil
}

func trimName(padded string) string {
	i := 0
	for i < len(padded) && padded[i] == ' ' {
		i++
	}
	return padded[i:]
}

// decodeFunc dispatch table keyed by type-code, replacing per-type virtual
// dispatch with a plain map lookup.
type decodeFunc func(body []byte) (Payload, error)

var decoders = map[byte]decodeFunc{
	TypeDiscovery: decodeDiscovery,
	TypeHeartbeat: decodeHeartbeat,
	TypeRTT:       decodeRTT,
	TypeApp:       decodeApp,
	TypeAck:       decodeAck,
}
