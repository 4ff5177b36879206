package outbox

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/sha3"

	"duelnet/internal/proto"
)

const (
	TransportQUIC  = "quic"
	TransportRelay = "relay"
)

// Destination identifies a peer on one transport. It is comparable and is
// used directly as a map key.
type Destination struct {
	Transport string
	Addr      string
}

func (d Destination) String() string {
	return d.Transport + "://" + d.Addr
}

func (d Destination) IsZero() bool {
	return d.Transport == "" && d.Addr == ""
}

// ParseDestination accepts the form produced by Destination.String.
func ParseDestination(s string) (Destination, error) {
	s = strings.TrimSpace(s)
	scheme, addr, ok := strings.Cut(s, "://")
	if !ok || addr == "" {
		return Destination{}, fmt.Errorf("invalid destination %q", s)
	}
	switch scheme {
	case TransportQUIC, TransportRelay:
	default:
		return Destination{}, fmt.Errorf("unknown transport %q", scheme)
	}
	return Destination{Transport: scheme, Addr: addr}, nil
}

// PendingMessage is one queued outbound command. It is never mutated after
// creation.
type PendingMessage struct {
	Kind          proto.Kind
	GameID        uint32
	CorrelationID string
	Payload       []byte
	Seq           uint64
	EnqueuedAt    time.Time
	// MessageID travels with MESSAGE commands and stays the same across
	// resends.
	MessageID uuid.UUID
}

// WirePayload is the command payload as it appears in the packet.
func (m PendingMessage) WirePayload() []byte {
	switch {
	case m.Kind == proto.KindMessage:
		return proto.MessagePayload(m.GameID, m.MessageID, m.Payload)
	case m.Kind.GameScoped():
		return proto.GamePayload(m.GameID, m.Payload)
	}
	return m.Payload
}

// EncodedSize is the number of bytes m occupies in an outbound batch.
func (m PendingMessage) EncodedSize() int {
	n := len(m.Payload)
	if m.Kind.GameScoped() {
		n += 4
	}
	if m.Kind == proto.KindMessage {
		n += proto.MessageIDLen
	}
	return proto.EntrySize(proto.DefaultVersion, n)
}

// Tag is the correlation tag carried on the wire for m.
func (m PendingMessage) Tag() uint16 {
	return uint16(m.Seq)
}

// Command renders m for the codec.
func (m PendingMessage) Command() proto.Command {
	return proto.Command{Kind: m.Kind, Tag: m.Tag(), Payload: m.WirePayload()}
}

// SameContent is the dedup equality: kind, game id and payload. The
// correlation id does not take part.
func (m PendingMessage) SameContent(o PendingMessage) bool {
	return m.Kind == o.Kind && m.GameID == o.GameID && bytes.Equal(m.Payload, o.Payload)
}

func fingerprint(kind proto.Kind, gameID uint32, payload []byte) [32]byte {
	h := sha3.New256()
	var hdr [5]byte
	hdr[0] = byte(kind)
	binary.BigEndian.PutUint32(hdr[1:], gameID)
	h.Write(hdr[:])
	h.Write(payload)
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}
