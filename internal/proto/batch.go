package proto

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

const (
	VersionLegacy byte = 0x01
	VersionBatch  byte = 0x02
	VersionTagged byte = 0x03

	// DefaultVersion is what outbound batches are encoded with.
	DefaultVersion = VersionTagged

	// MaxPacketSize is the hard ceiling for one framed packet.
	MaxPacketSize = 4096
	// BatchHeaderLen covers the version and count bytes of a batch packet.
	BatchHeaderLen = 2
	// MaxBatchCount is the most entries a count byte can describe.
	MaxBatchCount = math.MaxUint8
	// MaxPayloadLen is the most a two-byte length field can describe.
	MaxPayloadLen = math.MaxUint16
)

var (
	ErrBadProto  = errors.New("unsupported protocol version")
	ErrTruncated = errors.New("declared length overruns packet")
	ErrTooLarge  = errors.New("packet exceeds size ceiling")
	ErrTooMany   = errors.New("too many commands for one packet")
)

// Batch is a decoded packet.
type Batch struct {
	Version  byte
	Commands []Command
}

// SupportedVersion reports whether v can be decoded.
func SupportedVersion(v byte) bool {
	return v == VersionLegacy || v == VersionBatch || v == VersionTagged
}

// EntrySize is the number of bytes one command with a payload of payloadLen
// occupies inside a packet of the given version.
func EntrySize(version byte, payloadLen int) int {
	switch version {
	case VersionLegacy:
		return 1 + payloadLen
	case VersionBatch:
		return 1 + 2 + payloadLen
	default:
		return 1 + 2 + 2 + payloadLen
	}
}

// EncodeBatch frames cmds as one packet. Legacy packets hold exactly one
// command.
func EncodeBatch(version byte, cmds []Command) ([]byte, error) {
	if !SupportedVersion(version) {
		return nil, fmt.Errorf("%w: 0x%02x", ErrBadProto, version)
	}
	if version == VersionLegacy {
		if len(cmds) != 1 {
			return nil, fmt.Errorf("legacy packet needs exactly one command, got %d", len(cmds))
		}
		return EncodeLegacy(cmds[0])
	}
	if len(cmds) == 0 {
		return nil, fmt.Errorf("empty batch")
	}
	if len(cmds) > MaxBatchCount {
		return nil, fmt.Errorf("%w: %d", ErrTooMany, len(cmds))
	}
	size := BatchHeaderLen
	for _, c := range cmds {
		if len(c.Payload) > MaxPayloadLen {
			return nil, fmt.Errorf("%w: payload %d bytes", ErrTooLarge, len(c.Payload))
		}
		size += EntrySize(version, len(c.Payload))
	}
	if size > MaxPacketSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrTooLarge, size)
	}
	out := make([]byte, 0, size)
	out = append(out, version, byte(len(cmds)))
	for _, c := range cmds {
		out = append(out, byte(c.Kind))
		if version == VersionTagged {
			out = binary.BigEndian.AppendUint16(out, c.Tag)
		}
		out = binary.BigEndian.AppendUint16(out, uint16(len(c.Payload)))
		out = append(out, c.Payload...)
	}
	return out, nil
}

func EncodeLegacy(c Command) ([]byte, error) {
	if 2+len(c.Payload) > MaxPacketSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrTooLarge, 2+len(c.Payload))
	}
	out := make([]byte, 0, 2+len(c.Payload))
	out = append(out, VersionLegacy, byte(c.Kind))
	out = append(out, c.Payload...)
	return out, nil
}

// DecodeBatch parses a packet. An unsupported leading byte yields ErrBadProto
// and no commands. A length that overruns the buffer yields ErrTruncated
// together with every command decoded before it. Unknown ordinals are kept as
// placeholders so that replies stay positional.
func DecodeBatch(data []byte) (Batch, error) {
	if len(data) == 0 {
		return Batch{}, fmt.Errorf("%w: empty packet", ErrBadProto)
	}
	b := Batch{Version: data[0]}
	switch b.Version {
	case VersionLegacy:
		if len(data) < 2 {
			return b, fmt.Errorf("%w: legacy packet without command", ErrTruncated)
		}
		b.Commands = []Command{{Kind: Kind(data[1]), Payload: clone(data[2:])}}
		return b, nil
	case VersionBatch, VersionTagged:
	default:
		return Batch{Version: b.Version}, fmt.Errorf("%w: 0x%02x", ErrBadProto, b.Version)
	}
	if len(data) < BatchHeaderLen {
		return b, fmt.Errorf("%w: missing count", ErrTruncated)
	}
	count := int(data[1])
	off := BatchHeaderLen
	hdr := 3
	if b.Version == VersionTagged {
		hdr = 5
	}
	b.Commands = make([]Command, 0, count)
	for i := 0; i < count; i++ {
		if off+hdr > len(data) {
			return b, fmt.Errorf("%w: entry %d header", ErrTruncated, i)
		}
		c := Command{Kind: Kind(data[off])}
		p := off + 1
		if b.Version == VersionTagged {
			c.Tag = binary.BigEndian.Uint16(data[p:])
			p += 2
		}
		n := int(binary.BigEndian.Uint16(data[p:]))
		p += 2
		if p+n > len(data) {
			return b, fmt.Errorf("%w: entry %d declares %d bytes, %d left", ErrTruncated, i, n, len(data)-p)
		}
		c.Payload = clone(data[p : p+n])
		b.Commands = append(b.Commands, c)
		off = p + n
	}
	return b, nil
}

// EncodeReplies frames each reply as its own packet so a reader that loses
// the stream part way through still holds a positional prefix.
func EncodeReplies(version byte, cmds []Command) ([][]byte, error) {
	out := make([][]byte, 0, len(cmds))
	for _, c := range cmds {
		pkt, err := EncodeBatch(version, []Command{c})
		if err != nil {
			return nil, err
		}
		out = append(out, pkt)
	}
	return out, nil
}

// ReplyVersion picks the version a reply to a request of version v uses.
func ReplyVersion(v byte) byte {
	if SupportedVersion(v) {
		return v
	}
	return DefaultVersion
}

// BadProtoPacket is the single-command reply to an undecodable packet.
func BadProtoPacket() []byte {
	return []byte{VersionLegacy, byte(KindBadProto)}
}

func clone(b []byte) []byte {
	if len(b) == 0 {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
