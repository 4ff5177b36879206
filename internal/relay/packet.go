// Package relay implements the datagram relay transport: a client that
// registers with a relay server and exchanges duelnet packets with other
// devices through it, and the server itself.
//
// Every datagram is version:1 | kind:1 | seq:4 | body, where body is CBOR.
package relay

import (
	"encoding/binary"
	"errors"
	"fmt"

	cbor "github.com/fxamacker/cbor/v2"
)

const (
	Version   byte = 1
	headerLen      = 6
	// MaxDatagram bounds relay datagrams; a full duelnet packet plus the
	// envelope fits comfortably.
	MaxDatagram = 8192
)

var (
	ErrBadVersion = errors.New("relay: unsupported version")
	ErrShort      = errors.New("relay: short datagram")
)

type Kind uint8

const (
	KindRegister Kind = iota + 1
	KindRegistered
	KindBadIdentity
	KindDeliver
	KindAck
	KindKeepAlive
	KindFetch
)

func (k Kind) String() string {
	switch k {
	case KindRegister:
		return "REGISTER"
	case KindRegistered:
		return "REGISTERED"
	case KindBadIdentity:
		return "BAD_IDENTITY"
	case KindDeliver:
		return "DELIVER"
	case KindAck:
		return "ACK"
	case KindKeepAlive:
		return "KEEP_ALIVE"
	case KindFetch:
		return "FETCH"
	default:
		return fmt.Sprintf("KIND_%d", uint8(k))
	}
}

// RequiresAck reports whether the receiver must acknowledge a packet of this
// kind. ACK never does.
func (k Kind) RequiresAck() bool {
	return k == KindDeliver || k == KindFetch
}

type RegisterBody struct {
	// Identity is the previously assigned identity, empty on first contact.
	Identity   string `cbor:"1,keyasint,omitempty"`
	FallbackID string `cbor:"2,keyasint"`
	Name       string `cbor:"3,keyasint,omitempty"`
	Version    string `cbor:"4,keyasint,omitempty"`
	Platform   string `cbor:"5,keyasint,omitempty"`
}

type RegisteredBody struct {
	Identity string `cbor:"1,keyasint"`
	// KeepAliveSec is the interval the client should ping at.
	KeepAliveSec uint32 `cbor:"2,keyasint"`
}

type BadIdentityBody struct {
	Identity string `cbor:"1,keyasint"`
}

// DeliverBody carries one duelnet packet between devices. ID names the
// exchange on the sender; a reply sets ReplyTo to the request's ID.
type DeliverBody struct {
	From    string `cbor:"1,keyasint"`
	To      string `cbor:"2,keyasint"`
	ID      uint32 `cbor:"3,keyasint,omitempty"`
	ReplyTo uint32 `cbor:"4,keyasint,omitempty"`
	Packet  []byte `cbor:"5,keyasint"`
}

type AckBody struct {
	Seq uint32 `cbor:"1,keyasint"`
}

type IdentityBody struct {
	Identity string `cbor:"1,keyasint"`
}

// Header is the fixed part of a datagram.
type Header struct {
	Kind Kind
	Seq  uint32
}

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	if encMode, err = cbor.CanonicalEncOptions().EncMode(); err != nil {
		panic(err)
	}
	if decMode, err = (cbor.DecOptions{}).DecMode(); err != nil {
		panic(err)
	}
}

// Encode renders a datagram.
func Encode(kind Kind, seq uint32, body any) ([]byte, error) {
	var payload []byte
	if body != nil {
		var err error
		if payload, err = encMode.Marshal(body); err != nil {
			return nil, fmt.Errorf("relay: encode %s: %w", kind, err)
		}
	}
	out := make([]byte, headerLen, headerLen+len(payload))
	out[0] = Version
	out[1] = byte(kind)
	binary.BigEndian.PutUint32(out[2:], seq)
	out = append(out, payload...)
	if len(out) > MaxDatagram {
		return nil, fmt.Errorf("relay: %s datagram %d bytes exceeds %d", kind, len(out), MaxDatagram)
	}
	return out, nil
}

// Decode splits a datagram into its header and raw CBOR body.
func Decode(data []byte) (Header, []byte, error) {
	if len(data) < headerLen {
		return Header{}, nil, ErrShort
	}
	if data[0] != Version {
		return Header{}, nil, fmt.Errorf("%w: %d", ErrBadVersion, data[0])
	}
	h := Header{Kind: Kind(data[1]), Seq: binary.BigEndian.Uint32(data[2:])}
	return h, data[headerLen:], nil
}

// DecodeBody unmarshals a CBOR body into v.
func DecodeBody(raw []byte, v any) error {
	if err := decMode.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("relay: decode body: %w", err)
	}
	return nil
}
