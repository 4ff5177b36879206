// Package proto defines the duelnet command set and its binary framing.
//
// Every framed packet starts with a protocol version byte. Version 1 carries
// exactly one command whose payload runs to the end of the packet. Versions 2
// and 3 carry a counted batch; version 3 additionally tags each entry so a
// reply can be matched to its request without relying on position alone.
package proto

import (
	"encoding/binary"
	"fmt"
)

// Kind is the one-byte command ordinal on the wire.
type Kind uint8

const (
	KindPing Kind = iota + 1
	KindPong
	KindInvite
	KindInviteAccepted
	KindInviteDuplicate
	KindMessage
	KindMessageAccepted
	KindMessageNoSuchGame
	KindIdentityQuery
	KindIdentityReply
	KindBadProto
	KindGameGone
	KindGameGoneAck
)

var kindNames = map[Kind]string{
	KindPing:              "PING",
	KindPong:              "PONG",
	KindInvite:            "INVITE",
	KindInviteAccepted:    "INVITE_ACCEPTED",
	KindInviteDuplicate:   "INVITE_DUPLICATE",
	KindMessage:           "MESSAGE",
	KindMessageAccepted:   "MESSAGE_ACCEPTED",
	KindMessageNoSuchGame: "MESSAGE_NO_SUCH_GAME",
	KindIdentityQuery:     "IDENTITY_QUERY",
	KindIdentityReply:     "IDENTITY_REPLY",
	KindBadProto:          "BAD_PROTO",
	KindGameGone:          "GAME_GONE",
	KindGameGoneAck:       "GAME_GONE_ACK",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("KIND(%d)", uint8(k))
}

// Known reports whether k is part of the command enumeration.
func (k Kind) Known() bool {
	_, ok := kindNames[k]
	return ok
}

// IsRequest reports whether k originates a request/reply exchange.
func (k Kind) IsRequest() bool {
	switch k {
	case KindPing, KindInvite, KindMessage, KindIdentityQuery, KindGameGone:
		return true
	}
	return false
}

// GameScoped reports whether the payload of k starts with a 4-byte game id.
func (k Kind) GameScoped() bool {
	switch k {
	case KindPing, KindInvite, KindMessage, KindGameGone:
		return true
	}
	return false
}

// ValidReply reports whether reply is an acceptable answer to request.
// BAD_PROTO is a valid answer to anything.
func ValidReply(request, reply Kind) bool {
	if reply == KindBadProto {
		return true
	}
	switch request {
	case KindPing:
		return reply == KindPong
	case KindInvite:
		return reply == KindInviteAccepted || reply == KindInviteDuplicate
	case KindMessage:
		return reply == KindMessageAccepted || reply == KindMessageNoSuchGame
	case KindIdentityQuery:
		return reply == KindIdentityReply
	case KindGameGone:
		return reply == KindGameGoneAck
	}
	return false
}

// Command is one decoded entry of a framed packet.
type Command struct {
	Kind    Kind
	Tag     uint16
	Payload []byte
}

// GamePayload prefixes body with the big-endian game id.
func GamePayload(gameID uint32, body []byte) []byte {
	out := make([]byte, 4+len(body))
	binary.BigEndian.PutUint32(out[:4], gameID)
	copy(out[4:], body)
	return out
}

// SplitGamePayload is the inverse of GamePayload.
func SplitGamePayload(p []byte) (uint32, []byte, error) {
	if len(p) < 4 {
		return 0, nil, fmt.Errorf("%w: game payload %d bytes", ErrTruncated, len(p))
	}
	return binary.BigEndian.Uint32(p[:4]), p[4:], nil
}

// MessageIDLen is the size of the sender-chosen id leading a MESSAGE body.
// The receiver records each id once so a resent MESSAGE is not stored twice.
const MessageIDLen = 16

// MessagePayload lays out a MESSAGE request: game id, message id, body.
func MessagePayload(gameID uint32, id [MessageIDLen]byte, body []byte) []byte {
	out := make([]byte, 4+MessageIDLen+len(body))
	binary.BigEndian.PutUint32(out[:4], gameID)
	copy(out[4:], id[:])
	copy(out[4+MessageIDLen:], body)
	return out
}

// SplitMessageBody splits what SplitGamePayload left of a MESSAGE into the
// message id and the text.
func SplitMessageBody(p []byte) ([MessageIDLen]byte, []byte, error) {
	var id [MessageIDLen]byte
	if len(p) < MessageIDLen {
		return id, nil, fmt.Errorf("%w: message body %d bytes", ErrTruncated, len(p))
	}
	copy(id[:], p)
	return id, p[MessageIDLen:], nil
}
