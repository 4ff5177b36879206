package daemon

import (
	"encoding/binary"
	"errors"
	"net"
	"sync"
	"testing"

	"duelnet/internal/outbox"
	"duelnet/internal/proto"
	"duelnet/internal/store"
)

type fakeHost struct {
	mu         sync.Mutex
	games      map[uint32]bool
	delivered  [][]byte
	deliverErr error
	gone       []uint32
}

func newFakeHost(games ...uint32) *fakeHost {
	h := &fakeHost{games: make(map[uint32]bool)}
	for _, g := range games {
		h.games[g] = true
	}
	return h
}

func (h *fakeHost) HasGame(id uint32) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.games[id]
}

func (h *fakeHost) DeliverMessage(from string, id uint32, msgID string, body []byte) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.deliverErr != nil {
		return h.deliverErr
	}
	h.delivered = append(h.delivered, body)
	return nil
}

func (h *fakeHost) ReceiveInvite(from string, id uint32, body []byte) (bool, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.games[id] {
		return true, nil
	}
	h.games[id] = true
	return false, nil
}

func (h *fakeHost) TearDownGame(id uint32) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.games, id)
	h.gone = append(h.gone, id)
	return nil
}

var peerA = outbox.Destination{Transport: outbox.TransportQUIC, Addr: "192.0.2.10:50123"}

// cmd builds a request. MESSAGE ids are derived from the tag.
func cmd(kind proto.Kind, tag uint16, gameID uint32, body string) proto.Command {
	if kind == proto.KindMessage {
		var id [proto.MessageIDLen]byte
		binary.BigEndian.PutUint16(id[:], tag)
		return proto.Command{Kind: kind, Tag: tag, Payload: proto.MessagePayload(gameID, id, []byte(body))}
	}
	return proto.Command{Kind: kind, Tag: tag, Payload: proto.GamePayload(gameID, []byte(body))}
}

func mustBatch(t *testing.T, cmds ...proto.Command) []byte {
	t.Helper()
	pkt, err := proto.EncodeBatch(proto.VersionTagged, cmds)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	return pkt
}

func TestDispatchRoutesByKind(t *testing.T) {
	host := newFakeHost(1)
	d := NewDispatcher(host, nil, nil)
	pkt := mustBatch(t,
		cmd(proto.KindPing, 10, 1, ""),
		cmd(proto.KindInvite, 11, 5, "white"),
		cmd(proto.KindInvite, 12, 5, "white"),
		cmd(proto.KindMessage, 13, 5, "e2e4"),
		cmd(proto.KindMessage, 14, 9, "e7e5"),
		cmd(proto.KindGameGone, 15, 5, ""),
		proto.Command{Kind: proto.KindIdentityQuery, Tag: 16},
	)
	version, replies := d.Handle(peerA, pkt)
	if version != proto.VersionTagged {
		t.Fatalf("unexpected version %d", version)
	}
	want := []proto.Kind{
		proto.KindPong,
		proto.KindInviteAccepted,
		proto.KindInviteDuplicate,
		proto.KindMessageAccepted,
		proto.KindMessageNoSuchGame,
		proto.KindGameGoneAck,
		proto.KindIdentityReply,
	}
	if len(replies) != len(want) {
		t.Fatalf("expected %d replies, got %d", len(want), len(replies))
	}
	for i, k := range want {
		if replies[i].Kind != k {
			t.Fatalf("reply %d: want %s got %s", i, k, replies[i].Kind)
		}
		if replies[i].Tag != uint16(10+i) {
			t.Fatalf("reply %d: tag %d not echoed", i, replies[i].Tag)
		}
	}
	if string(replies[6].Payload) != "quic://192.0.2.10" {
		t.Fatalf("unexpected identity reply %q", replies[6].Payload)
	}
	if len(host.delivered) != 1 || string(host.delivered[0]) != "e2e4" {
		t.Fatalf("unexpected deliveries %q", host.delivered)
	}
	if host.HasGame(5) || len(host.gone) != 1 {
		t.Fatalf("game 5 should be torn down")
	}
}

func TestDispatchBadVersion(t *testing.T) {
	d := NewDispatcher(newFakeHost(), nil, nil)
	version, replies := d.Handle(peerA, []byte{0x7f, 1, 2})
	if version != proto.VersionLegacy || len(replies) != 1 || replies[0].Kind != proto.KindBadProto {
		t.Fatalf("expected single BAD_PROTO, got %d %+v", version, replies)
	}
	out := d.QUICHandler()(&net.UDPAddr{IP: net.IPv4(192, 0, 2, 10), Port: 1}, []byte{0x7f})
	if len(out) != 1 || string(out[0]) != string(proto.BadProtoPacket()) {
		t.Fatalf("unexpected quic reply %v", out)
	}
}

func TestDispatchTruncatedAnswersPrefix(t *testing.T) {
	d := NewDispatcher(newFakeHost(3), nil, nil)
	pkt := mustBatch(t, cmd(proto.KindMessage, 1, 3, "a"), cmd(proto.KindMessage, 2, 3, "b"))
	_, replies := d.Handle(peerA, pkt[:len(pkt)-1])
	if len(replies) != 1 || replies[0].Kind != proto.KindMessageAccepted {
		t.Fatalf("expected one reply for the decoded prefix, got %+v", replies)
	}
}

func TestDispatchUnknownOrdinalKeepsPosition(t *testing.T) {
	d := NewDispatcher(newFakeHost(3), nil, nil)
	pkt := mustBatch(t,
		proto.Command{Kind: proto.Kind(200), Tag: 1, Payload: []byte{9, 9}},
		cmd(proto.KindMessage, 2, 3, "a"),
		cmd(proto.KindPong, 3, 3, ""),
		proto.Command{Kind: proto.KindPing, Tag: 4, Payload: []byte{1}},
	)
	_, replies := d.Handle(peerA, pkt)
	want := []proto.Kind{proto.KindBadProto, proto.KindMessageAccepted, proto.KindBadProto, proto.KindBadProto}
	if len(replies) != len(want) {
		t.Fatalf("expected %d replies, got %d", len(want), len(replies))
	}
	for i, k := range want {
		if replies[i].Kind != k {
			t.Fatalf("reply %d: want %s got %s", i, k, replies[i].Kind)
		}
	}
}

func TestDispatchStopsOnHostFailure(t *testing.T) {
	host := newFakeHost(3)
	d := NewDispatcher(host, nil, nil)
	host.deliverErr = errors.New("disk full")
	pkt := mustBatch(t, cmd(proto.KindPing, 1, 3, ""), cmd(proto.KindMessage, 2, 3, "a"), cmd(proto.KindPing, 3, 3, ""))
	_, replies := d.Handle(peerA, pkt)
	if len(replies) != 1 || replies[0].Kind != proto.KindPong {
		t.Fatalf("replies should stop before the failed message, got %+v", replies)
	}
}

func TestRelayHandlerSinglePacket(t *testing.T) {
	d := NewDispatcher(newFakeHost(3), nil, nil)
	var seen []outbox.Destination
	handle := d.RelayHandler(func(dest outbox.Destination) { seen = append(seen, dest) })
	out := handle("dev-9", mustBatch(t, cmd(proto.KindPing, 1, 3, ""), proto.Command{Kind: proto.KindIdentityQuery, Tag: 2}))
	b, err := proto.DecodeBatch(out)
	if err != nil {
		t.Fatalf("decode reply: %v", err)
	}
	if len(b.Commands) != 2 || b.Commands[0].Kind != proto.KindPong || b.Commands[1].Kind != proto.KindIdentityReply {
		t.Fatalf("unexpected relay reply %+v", b.Commands)
	}
	if string(b.Commands[1].Payload) != "relay://dev-9" {
		t.Fatalf("unexpected identity %q", b.Commands[1].Payload)
	}
	if len(seen) != 1 || seen[0].Addr != "dev-9" || seen[0].Transport != outbox.TransportRelay {
		t.Fatalf("sender not reported: %v", seen)
	}
}

func TestDispatchMessageWithoutIDIsBadProto(t *testing.T) {
	host := newFakeHost(3)
	d := NewDispatcher(host, nil, nil)
	short := proto.Command{Kind: proto.KindMessage, Tag: 1, Payload: proto.GamePayload(3, []byte("e2e4"))}
	_, replies := d.Handle(peerA, mustBatch(t, short))
	if len(replies) != 1 || replies[0].Kind != proto.KindBadProto {
		t.Fatalf("expected BAD_PROTO, got %+v", replies)
	}
	if len(host.delivered) != 0 {
		t.Fatalf("malformed message was delivered")
	}
}

func TestResendFromNewPortStoredOnce(t *testing.T) {
	st, err := store.Open(t.TempDir())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	if err := st.AddGame(7, "quic://192.0.2.10"); err != nil {
		t.Fatalf("add game: %v", err)
	}
	d := NewDispatcher(st, nil, nil)
	pkt := mustBatch(t, cmd(proto.KindMessage, 1, 7, "\x01\x02\x03"))
	for _, port := range []string{"50001", "50002"} {
		from := outbox.Destination{Transport: outbox.TransportQUIC, Addr: "127.0.0.1:" + port}
		_, replies := d.Handle(from, pkt)
		if len(replies) != 1 || replies[0].Kind != proto.KindMessageAccepted {
			t.Fatalf("resend from port %s not accepted: %+v", port, replies)
		}
	}
	other := mustBatch(t, cmd(proto.KindMessage, 2, 7, "\x01\x02\x03"))
	if _, replies := d.Handle(outbox.Destination{Transport: outbox.TransportQUIC, Addr: "127.0.0.1:50003"}, other); len(replies) != 1 {
		t.Fatalf("second message not answered")
	}
	inbox, err := st.Inbox(7)
	if err != nil {
		t.Fatalf("inbox: %v", err)
	}
	if len(inbox) != 2 {
		t.Fatalf("expected the resend stored once and the new message kept, got %d entries", len(inbox))
	}
	if inbox[0].From != "quic://127.0.0.1" {
		t.Fatalf("sender recorded with its ephemeral port: %q", inbox[0].From)
	}
}

func TestRelayRepliesFitOnePacket(t *testing.T) {
	d := NewDispatcher(newFakeHost(), nil, nil)
	handle := d.RelayHandler(nil)
	queries := make([]proto.Command, proto.MaxBatchCount)
	for i := range queries {
		queries[i] = proto.Command{Kind: proto.KindIdentityQuery, Tag: uint16(i)}
	}
	req := mustBatch(t, queries...)
	if len(req) >= proto.MaxPacketSize {
		t.Fatalf("request should fit the ceiling, got %d bytes", len(req))
	}

	out := handle("a-device-identity-long-enough-to-overflow", req)
	if len(out) == 0 || len(out) >= proto.MaxPacketSize {
		t.Fatalf("reply packet is %d bytes", len(out))
	}
	b, err := proto.DecodeBatch(out)
	if err != nil {
		t.Fatalf("decode reply: %v", err)
	}
	if n := len(b.Commands); n == 0 || n >= len(queries) {
		t.Fatalf("expected a strict prefix of replies, got %d", n)
	}
	for i, c := range b.Commands {
		if c.Kind != proto.KindIdentityReply || c.Tag != uint16(i) {
			t.Fatalf("reply %d out of place: %+v", i, c)
		}
	}
	if d.metrics.Snapshot().Inbound.DropByReason["reply-overflow"] != 1 {
		t.Fatalf("overflow not counted")
	}
}
