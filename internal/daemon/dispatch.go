package daemon

import (
	"encoding/hex"
	"errors"
	"net"
	"time"

	"go.uber.org/zap"

	"duelnet/internal/logging"
	"duelnet/internal/metrics"
	"duelnet/internal/network"
	"duelnet/internal/outbox"
	"duelnet/internal/proto"
	"duelnet/internal/relay"
)

// Host is the local game state the dispatcher consults and updates. Every
// method must tolerate being called again with the same arguments.
type Host interface {
	HasGame(gameID uint32) bool
	// DeliverMessage records a message once per (from, gameID, messageID).
	DeliverMessage(from string, gameID uint32, messageID string, body []byte) error
	// ReceiveInvite reports duplicate when the game already exists.
	ReceiveInvite(from string, gameID uint32, body []byte) (duplicate bool, err error)
	TearDownGame(gameID uint32) error
}

// Dispatcher answers inbound request packets.
type Dispatcher struct {
	host    Host
	log     *zap.Logger
	noisy   *logging.Limiter
	metrics *metrics.Metrics
}

func NewDispatcher(host Host, log *zap.Logger, m *metrics.Metrics) *Dispatcher {
	log = logging.OrNop(log).Named("dispatch")
	if m == nil {
		m = metrics.New()
	}
	return &Dispatcher{
		host:    host,
		log:     log,
		noisy:   logging.NewLimiter(log, 10*time.Second),
		metrics: m,
	}
}

// Handle decodes packet and returns the replies in request order together
// with the version they should be encoded with. An unsupported version gets a
// single BAD_PROTO. If a handler cannot complete (local storage failed) the
// replies stop there so the sender keeps the rest queued.
func (d *Dispatcher) Handle(from outbox.Destination, packet []byte) (byte, []proto.Command) {
	batch, err := proto.DecodeBatch(packet)
	if errors.Is(err, proto.ErrBadProto) {
		d.metrics.IncBadProto()
		d.noisy.Warn("bad-proto:"+from.String(), "unsupported packet", zap.Stringer("from", from), zap.Error(err))
		return proto.VersionLegacy, []proto.Command{{Kind: proto.KindBadProto}}
	}
	if err != nil {
		d.metrics.IncDrop("truncated")
		d.noisy.Warn("truncated:"+from.String(), "truncated packet, answering decoded prefix",
			zap.Stringer("from", from), zap.Int("decoded", len(batch.Commands)), zap.Error(err))
	}
	replies := make([]proto.Command, 0, len(batch.Commands))
	for _, c := range batch.Commands {
		d.metrics.IncInbound(c.Kind.String())
		reply, ok := d.handle(from, c)
		if !ok {
			break
		}
		reply.Tag = c.Tag
		replies = append(replies, reply)
	}
	return batch.Version, replies
}

func (d *Dispatcher) handle(from outbox.Destination, c proto.Command) (proto.Command, bool) {
	if !c.Kind.IsRequest() {
		d.noisy.Debug("not-request:"+c.Kind.String(), "non-request command", zap.Stringer("kind", c.Kind), zap.Stringer("from", from))
		return badProto(), true
	}
	if c.Kind == proto.KindIdentityQuery {
		return proto.Command{Kind: proto.KindIdentityReply, Payload: []byte(observedIdentity(from))}, true
	}
	gameID, body, err := proto.SplitGamePayload(c.Payload)
	if err != nil {
		d.noisy.Debug("short:"+from.String(), "game payload too short", zap.Stringer("kind", c.Kind), zap.Error(err))
		return badProto(), true
	}
	ack := proto.GamePayload(gameID, nil)
	switch c.Kind {
	case proto.KindPing:
		return proto.Command{Kind: proto.KindPong, Payload: ack}, true
	case proto.KindInvite:
		dup, err := d.host.ReceiveInvite(from.String(), gameID, body)
		if err != nil {
			d.log.Error("record invite failed", zap.Uint32("game", gameID), zap.Error(err))
			return proto.Command{}, false
		}
		if dup {
			return proto.Command{Kind: proto.KindInviteDuplicate, Payload: ack}, true
		}
		d.log.Info("invite received", zap.Stringer("from", from), zap.Uint32("game", gameID))
		return proto.Command{Kind: proto.KindInviteAccepted, Payload: ack}, true
	case proto.KindMessage:
		msgID, text, err := proto.SplitMessageBody(body)
		if err != nil {
			d.noisy.Debug("short:"+from.String(), "message without id", zap.Error(err))
			return badProto(), true
		}
		if !d.host.HasGame(gameID) {
			return proto.Command{Kind: proto.KindMessageNoSuchGame, Payload: ack}, true
		}
		if err := d.host.DeliverMessage(observedIdentity(from), gameID, hex.EncodeToString(msgID[:]), text); err != nil {
			d.log.Error("deliver message failed", zap.Uint32("game", gameID), zap.Error(err))
			return proto.Command{}, false
		}
		return proto.Command{Kind: proto.KindMessageAccepted, Payload: ack}, true
	case proto.KindGameGone:
		if err := d.host.TearDownGame(gameID); err != nil {
			d.log.Error("tear down failed", zap.Uint32("game", gameID), zap.Error(err))
			return proto.Command{}, false
		}
		return proto.Command{Kind: proto.KindGameGoneAck, Payload: ack}, true
	}
	return badProto(), true
}

// QUICHandler adapts the dispatcher to the QUIC listener: one frame per reply.
func (d *Dispatcher) QUICHandler() network.Handler {
	return func(remote net.Addr, packet []byte) [][]byte {
		from := outbox.Destination{Transport: outbox.TransportQUIC, Addr: remote.String()}
		version, replies := d.Handle(from, packet)
		if len(replies) == 0 {
			return nil
		}
		out, err := proto.EncodeReplies(proto.ReplyVersion(version), replies)
		if err != nil {
			d.metrics.IncDrop("encode")
			d.log.Warn("replies dropped", zap.Stringer("from", from), zap.Error(err))
			return nil
		}
		return out
	}
}

// RelayHandler adapts the dispatcher to the relay client: all replies travel
// in one packet.
func (d *Dispatcher) RelayHandler(seen func(outbox.Destination)) relay.RequestHandler {
	return func(identity string, packet []byte) []byte {
		from := outbox.Destination{Transport: outbox.TransportRelay, Addr: identity}
		if seen != nil {
			seen(from)
		}
		version, replies := d.Handle(from, packet)
		if len(replies) == 0 {
			return nil
		}
		version = proto.ReplyVersion(version)
		fit := fitReplies(version, replies)
		if len(fit) < len(replies) {
			// the sender keeps the unanswered suffix queued and resends it
			d.metrics.IncDrop("reply-overflow")
			d.noisy.Warn("overflow:"+from.String(), "replies exceed one packet, answering a prefix",
				zap.Stringer("from", from), zap.Int("replies", len(replies)), zap.Int("sent", len(fit)))
		}
		if len(fit) == 0 {
			return nil
		}
		out, err := proto.EncodeBatch(version, fit)
		if err != nil {
			d.metrics.IncDrop("encode")
			d.log.Warn("replies dropped", zap.Stringer("from", from), zap.Error(err))
			return nil
		}
		return out
	}
}

// fitReplies is the longest prefix of replies that one packet of the given
// version can carry.
func fitReplies(version byte, replies []proto.Command) []proto.Command {
	if version == proto.VersionLegacy {
		return replies[:min(1, len(replies))]
	}
	size := proto.BatchHeaderLen
	for i, c := range replies {
		size += proto.EntrySize(version, len(c.Payload))
		if i == proto.MaxBatchCount || size >= proto.MaxPacketSize || len(c.Payload) > proto.MaxPayloadLen {
			return replies[:i]
		}
	}
	return replies
}

// observedIdentity is how this node sees the requester: the relay identity,
// or the remote host for direct links (the port is ephemeral).
func observedIdentity(from outbox.Destination) string {
	if from.Transport == outbox.TransportQUIC {
		if host, _, err := net.SplitHostPort(from.Addr); err == nil {
			return outbox.Destination{Transport: from.Transport, Addr: host}.String()
		}
	}
	return from.String()
}

func badProto() proto.Command {
	return proto.Command{Kind: proto.KindBadProto}
}
