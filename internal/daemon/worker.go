package daemon

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"go.uber.org/zap"

	"duelnet/internal/metrics"
	"duelnet/internal/network"
	"duelnet/internal/outbox"
	"duelnet/internal/proto"
)

// worker drains one accumulator: wait for data or backoff, open a channel,
// send the whole queue as one batch, read one reply per message, acknowledge
// the answered prefix.
type worker struct {
	acc          *outbox.Accumulator
	dialer       network.Dialer
	release      func(*outbox.Accumulator) bool
	idleExit     time.Duration
	replyTimeout time.Duration
	reach        *reachTracker
	emit         EventFunc
	onIdentity   func(dest outbox.Destination, identity string)
	log          *zap.Logger
	metrics      *metrics.Metrics
}

type reply struct {
	cmd    proto.Command
	tagged bool
}

// run returns when the exit policy fires, the queue stays empty for idleExit
// and the registry lets go of it, or ctx ends. interrupted is true only in
// the last case.
func (w *worker) run(ctx context.Context) (interrupted bool) {
	w.metrics.WorkerStarted()
	defer w.metrics.WorkerStopped()
	for {
		if ctx.Err() != nil {
			return true
		}
		if w.acc.Done() {
			w.finish()
			return false
		}
		wait := w.acc.Wait()
		if wait == 0 {
			w.cycle(ctx)
			continue
		}
		idle := wait == outbox.Forever
		if idle {
			wait = w.idleExit
		}
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return true
		case <-w.acc.Wake():
			t.Stop()
			continue
		case <-t.C:
		}
		if idle && w.acc.Len() == 0 && w.release(w.acc) {
			w.log.Debug("worker idle, exiting")
			return false
		}
	}
}

func (w *worker) finish() {
	if !w.acc.Expired() || w.acc.Len() == 0 {
		return
	}
	dest := w.acc.Destination()
	w.log.Info("lifetime elapsed with messages unacknowledged", zap.Int("pending", w.acc.Len()))
	if w.reach.flag(dest) {
		w.raise(Event{Kind: EventUnreachable, Dest: dest})
	}
}

func (w *worker) cycle(ctx context.Context) {
	msgs := w.acc.Snapshot()
	if len(msgs) == 0 {
		return
	}
	dest := w.acc.Destination()
	// a lifetime deadline bounds the open and the reply wait too
	replyTimeout := w.replyTimeout
	if deadline := w.acc.Deadline(); !deadline.IsZero() {
		var cancel context.CancelFunc
		ctx, cancel = context.WithDeadline(ctx, deadline)
		defer cancel()
		if left := time.Until(deadline); left < replyTimeout {
			replyTimeout = max(left, 0)
		}
	}
	ch, err := w.dialer.Open(ctx, dest.Addr)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		w.metrics.IncOpenFailures()
		w.log.Debug("open failed", zap.Int("failures", w.acc.Failures()+1), zap.Error(err))
		w.fail(msgs)
		return
	}
	defer ch.Close()

	cmds := make([]proto.Command, len(msgs))
	for i, m := range msgs {
		cmds[i] = m.Command()
	}
	packet, err := proto.EncodeBatch(proto.DefaultVersion, cmds)
	if err != nil {
		// the accumulator enforces the packet ceiling on enqueue
		panic(fmt.Sprintf("encode batch for %s: %v", dest, err))
	}

	watchdog := time.AfterFunc(replyTimeout, func() { _ = ch.Close() })
	defer watchdog.Stop()

	if err := ch.Send(ctx, packet); err != nil {
		if ctx.Err() != nil {
			return
		}
		w.metrics.IncSendFailures()
		w.log.Debug("send failed", zap.Error(err))
		w.fail(msgs)
		return
	}
	w.metrics.IncSentBatches()
	replies := w.collect(ctx, ch, len(msgs))
	if !watchdog.Stop() {
		w.metrics.IncWatchdog()
		w.log.Debug("reply watchdog fired", zap.Int("sent", len(msgs)), zap.Int("replies", len(replies)))
	}
	acked := w.match(dest, msgs, replies)
	w.metrics.Recent().Add(metrics.Delivery{
		Dest:    dest.String(),
		Sent:    len(msgs),
		Acked:   acked,
		Version: proto.DefaultVersion,
		At:      time.Now(),
	})
	if acked == 0 {
		if ctx.Err() != nil {
			return
		}
		w.metrics.IncSendFailures()
		w.fail(msgs)
		return
	}
	w.acc.Acknowledge(acked)
	w.metrics.AddAcked(acked)
	if acked < len(msgs) {
		w.metrics.IncPartialAcks()
		w.log.Debug("partial acknowledgement", zap.Int("sent", len(msgs)), zap.Int("acked", acked))
	}
	w.reach.success(dest)
}

// collect reads reply packets until want commands arrived or the channel
// ends.
func (w *worker) collect(ctx context.Context, ch network.Channel, want int) []reply {
	var out []reply
	for len(out) < want {
		pkt, err := ch.Recv(ctx)
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, network.ErrClosed) {
				w.log.Debug("reply read ended", zap.Int("replies", len(out)), zap.Error(err))
			}
			break
		}
		b, err := proto.DecodeBatch(pkt)
		for _, c := range b.Commands {
			out = append(out, reply{cmd: c, tagged: b.Version == proto.VersionTagged})
		}
		if err != nil {
			w.log.Warn("malformed reply packet", zap.Error(err))
			break
		}
	}
	return out
}

// match pairs replies with the sent messages by position and stops at the
// first reply that does not answer its request. It returns how many were
// answered.
func (w *worker) match(dest outbox.Destination, msgs []outbox.PendingMessage, replies []reply) int {
	acked := 0
	for i, r := range replies {
		if i >= len(msgs) {
			w.log.Debug("surplus replies ignored", zap.Int("extra", len(replies)-len(msgs)))
			break
		}
		m := msgs[i]
		if r.cmd.Kind == proto.KindBadProto {
			w.metrics.IncBadProto()
			w.log.Warn("peer rejected batch", zap.Int("position", i), zap.Stringer("kind", m.Kind))
			w.raise(Event{Kind: EventBadProtocol, Dest: dest, GameID: m.GameID, CorrelationID: m.CorrelationID})
			break
		}
		if r.tagged && r.cmd.Tag != m.Tag() {
			w.log.Warn("reply tag mismatch", zap.Int("position", i), zap.Uint16("want", m.Tag()), zap.Uint16("got", r.cmd.Tag))
			break
		}
		if !proto.ValidReply(m.Kind, r.cmd.Kind) {
			w.log.Warn("reply does not answer request", zap.Int("position", i),
				zap.Stringer("request", m.Kind), zap.Stringer("reply", r.cmd.Kind))
			break
		}
		w.answered(dest, m, r.cmd)
		acked++
	}
	return acked
}

func (w *worker) answered(dest outbox.Destination, m outbox.PendingMessage, c proto.Command) {
	ev := Event{Dest: dest, GameID: m.GameID, CorrelationID: m.CorrelationID}
	switch c.Kind {
	case proto.KindPong:
		ev.Kind = EventPong
	case proto.KindInviteAccepted:
		ev.Kind = EventInviteAccepted
	case proto.KindInviteDuplicate:
		ev.Kind = EventInviteDuplicate
	case proto.KindMessageAccepted:
		ev.Kind = EventMessageAccepted
	case proto.KindMessageNoSuchGame:
		ev.Kind = EventMessageNoSuchGame
	case proto.KindGameGoneAck:
		ev.Kind = EventGameGoneAcked
	case proto.KindIdentityReply:
		ev.Kind = EventIdentityResolved
		ev.Identity = string(c.Payload)
		if w.onIdentity != nil {
			w.onIdentity(dest, ev.Identity)
		}
	default:
		return
	}
	w.raise(ev)
}

func (w *worker) fail(msgs []outbox.PendingMessage) {
	w.acc.NoteFailure()
	dest := w.acc.Destination()
	if !w.reach.failure(dest) {
		return
	}
	w.log.Warn("destination unreachable", zap.Duration("failing_for", w.acc.FailingFor()), zap.Int("pending", len(msgs)))
	w.raise(Event{Kind: EventUnreachable, Dest: dest})
	for _, m := range msgs {
		if m.Kind == proto.KindInvite {
			w.raise(Event{Kind: EventInviteFailed, Dest: dest, GameID: m.GameID, CorrelationID: m.CorrelationID})
		}
	}
}

func (w *worker) raise(ev Event) {
	if w.emit != nil {
		w.emit(ev)
	}
}
