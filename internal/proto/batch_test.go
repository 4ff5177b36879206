package proto

import (
	"bytes"
	"errors"
	"testing"
)

func TestBatchRoundTripTagged(t *testing.T) {
	cmds := []Command{
		{Kind: KindMessage, Tag: 7, Payload: GamePayload(7, []byte{1, 2, 3})},
		{Kind: KindPing, Tag: 8, Payload: GamePayload(9, nil)},
	}
	pkt, err := EncodeBatch(VersionTagged, cmds)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if pkt[0] != VersionTagged || pkt[1] != 2 {
		t.Fatalf("unexpected header % x", pkt[:2])
	}
	b, err := DecodeBatch(pkt)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(b.Commands) != 2 {
		t.Fatalf("expected 2 commands, got %d", len(b.Commands))
	}
	for i := range cmds {
		if b.Commands[i].Kind != cmds[i].Kind || b.Commands[i].Tag != cmds[i].Tag || !bytes.Equal(b.Commands[i].Payload, cmds[i].Payload) {
			t.Fatalf("command %d mismatch: %+v", i, b.Commands[i])
		}
	}
	gameID, body, err := SplitGamePayload(b.Commands[0].Payload)
	if err != nil || gameID != 7 || !bytes.Equal(body, []byte{1, 2, 3}) {
		t.Fatalf("split game payload: id=%d body=%v err=%v", gameID, body, err)
	}
}

func TestBatchUntaggedLayout(t *testing.T) {
	pkt, err := EncodeBatch(VersionBatch, []Command{{Kind: KindIdentityQuery, Payload: []byte{0xaa}}})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	want := []byte{VersionBatch, 1, byte(KindIdentityQuery), 0, 1, 0xaa}
	if !bytes.Equal(pkt, want) {
		t.Fatalf("got % x want % x", pkt, want)
	}
	if len(pkt) != BatchHeaderLen+EntrySize(VersionBatch, 1) {
		t.Fatalf("EntrySize disagrees with encoder")
	}
}

func TestDecodeUnknownVersion(t *testing.T) {
	b, err := DecodeBatch([]byte{0x7f, 1, 2, 3})
	if !errors.Is(err, ErrBadProto) {
		t.Fatalf("expected ErrBadProto, got %v", err)
	}
	if len(b.Commands) != 0 {
		t.Fatalf("expected no commands after bad version")
	}
}

func TestDecodeOverrunKeepsPrefix(t *testing.T) {
	pkt, err := EncodeBatch(VersionBatch, []Command{
		{Kind: KindMessage, Payload: []byte{1}},
		{Kind: KindMessage, Payload: []byte{2, 2}},
	})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	pkt = pkt[:len(pkt)-1]
	b, err := DecodeBatch(pkt)
	if !errors.Is(err, ErrTruncated) {
		t.Fatalf("expected ErrTruncated, got %v", err)
	}
	if len(b.Commands) != 1 || b.Commands[0].Payload[0] != 1 {
		t.Fatalf("expected first command only, got %+v", b.Commands)
	}
}

func TestDecodeUnknownOrdinalIsSkippedInPlace(t *testing.T) {
	pkt := []byte{VersionBatch, 2, 0xee, 0, 2, 9, 9, byte(KindPing), 0, 4, 0, 0, 0, 1}
	b, err := DecodeBatch(pkt)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(b.Commands) != 2 {
		t.Fatalf("expected placeholder plus ping, got %d", len(b.Commands))
	}
	if b.Commands[0].Kind.Known() {
		t.Fatalf("expected unknown placeholder first")
	}
	if b.Commands[1].Kind != KindPing {
		t.Fatalf("expected ping after placeholder, got %s", b.Commands[1].Kind)
	}
}

func TestLegacyRoundTrip(t *testing.T) {
	pkt, err := EncodeBatch(VersionLegacy, []Command{{Kind: KindInvite, Payload: []byte("hi")}})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	b, err := DecodeBatch(pkt)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if b.Version != VersionLegacy || len(b.Commands) != 1 || string(b.Commands[0].Payload) != "hi" {
		t.Fatalf("unexpected legacy decode: %+v", b)
	}
	if _, err := EncodeBatch(VersionLegacy, []Command{{Kind: KindPing}, {Kind: KindPing}}); err == nil {
		t.Fatalf("expected legacy encode of two commands to fail")
	}
}

func TestEncodeRejectsOversize(t *testing.T) {
	big := make([]byte, MaxPacketSize)
	if _, err := EncodeBatch(VersionTagged, []Command{{Kind: KindMessage, Payload: big}}); !errors.Is(err, ErrTooLarge) {
		t.Fatalf("expected ErrTooLarge, got %v", err)
	}
}

func TestValidReply(t *testing.T) {
	cases := []struct {
		req, rep Kind
		ok       bool
	}{
		{KindPing, KindPong, true},
		{KindMessage, KindMessageNoSuchGame, true},
		{KindMessage, KindInviteAccepted, false},
		{KindInvite, KindInviteDuplicate, true},
		{KindIdentityQuery, KindIdentityReply, true},
		{KindGameGone, KindGameGoneAck, true},
		{KindGameGone, KindBadProto, true},
	}
	for _, tc := range cases {
		if got := ValidReply(tc.req, tc.rep); got != tc.ok {
			t.Fatalf("ValidReply(%s, %s) = %v", tc.req, tc.rep, got)
		}
	}
}

func TestEncodeRepliesOnePacketEach(t *testing.T) {
	cmds := []Command{
		{Kind: KindMessageAccepted, Tag: 7},
		{Kind: KindPong, Tag: 8, Payload: []byte{1}},
	}
	pkts, err := EncodeReplies(VersionTagged, cmds)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if len(pkts) != 2 {
		t.Fatalf("expected 2 packets, got %d", len(pkts))
	}
	for i, pkt := range pkts {
		b, err := DecodeBatch(pkt)
		if err != nil {
			t.Fatalf("decode %d: %v", i, err)
		}
		if len(b.Commands) != 1 || b.Commands[0].Kind != cmds[i].Kind || b.Commands[0].Tag != cmds[i].Tag {
			t.Fatalf("packet %d: %+v", i, b)
		}
	}
	legacy, err := EncodeReplies(VersionLegacy, []Command{{Kind: KindBadProto}})
	if err != nil || len(legacy) != 1 || !bytes.Equal(legacy[0], BadProtoPacket()) {
		t.Fatalf("legacy bad proto reply: %v %v", legacy, err)
	}
}

func TestMessagePayloadLayout(t *testing.T) {
	id := [MessageIDLen]byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16}
	p := MessagePayload(7, id, []byte("e2e4"))
	if len(p) != 4+MessageIDLen+4 {
		t.Fatalf("unexpected length %d", len(p))
	}
	gameID, rest, err := SplitGamePayload(p)
	if err != nil || gameID != 7 {
		t.Fatalf("split game payload: id=%d err=%v", gameID, err)
	}
	got, body, err := SplitMessageBody(rest)
	if err != nil || got != id || string(body) != "e2e4" {
		t.Fatalf("split message body: id=%x body=%q err=%v", got, body, err)
	}
	if _, _, err := SplitMessageBody(rest[:MessageIDLen-1]); !errors.Is(err, ErrTruncated) {
		t.Fatalf("short body should be truncated, got %v", err)
	}
}
