package daemon

import (
	"fmt"

	"duelnet/internal/outbox"
)

type EventKind int

const (
	EventMessageAccepted EventKind = iota + 1
	EventMessageNoSuchGame
	EventInviteAccepted
	EventInviteDuplicate
	EventInviteFailed
	EventBadProtocol
	EventIdentityResolved
	EventPong
	EventGameGoneAcked
	// EventUnreachable is raised once per failing streak, and when a
	// liveness probe expires unanswered.
	EventUnreachable
)

var eventNames = map[EventKind]string{
	EventMessageAccepted:   "message_accepted",
	EventMessageNoSuchGame: "message_no_such_game",
	EventInviteAccepted:    "invite_accepted",
	EventInviteDuplicate:   "invite_duplicate",
	EventInviteFailed:      "invite_failed",
	EventBadProtocol:       "bad_protocol",
	EventIdentityResolved:  "identity_resolved",
	EventPong:              "pong",
	EventGameGoneAcked:     "game_gone_acked",
	EventUnreachable:       "unreachable",
}

func (k EventKind) String() string {
	if name, ok := eventNames[k]; ok {
		return name
	}
	return fmt.Sprintf("event(%d)", int(k))
}

// Event reports the outcome of a delivery to the collaborator.
type Event struct {
	Kind          EventKind
	Dest          outbox.Destination
	GameID        uint32
	CorrelationID string
	// Identity is set on EventIdentityResolved.
	Identity string
}

// EventFunc receives events on worker goroutines. It must not block.
type EventFunc func(Event)
