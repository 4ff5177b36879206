package proto

import (
	"bytes"
	"errors"
	"testing"
)

func TestEnvelopeRoundTrip(t *testing.T) {
	payload := []byte{VersionTagged, 1, byte(KindPing), 0, 1, 0, 4, 0, 0, 0, 7}
	frame, err := EncodeFrame(payload)
	if err != nil {
		t.Fatalf("EncodeFrame failed: %v", err)
	}
	got, err := ReadFrame(bytes.NewReader(frame))
	if err != nil {
		t.Fatalf("ReadFrame failed: %v", err)
	}
	if !bytes.Equal(payload, got) {
		t.Fatalf("payload mismatch")
	}
}

func TestReadFrameRejectsOversize(t *testing.T) {
	hdr := []byte{0, 0, 0x40, 0}
	if _, err := ReadFrame(bytes.NewReader(hdr)); !errors.Is(err, ErrFrameSize) {
		t.Fatalf("expected ErrFrameSize, got %v", err)
	}
}

func TestWriteFrameThenRead(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteFrame(&buf, []byte("one")); err != nil {
		t.Fatalf("write one: %v", err)
	}
	if err := WriteFrame(&buf, []byte("two")); err != nil {
		t.Fatalf("write two: %v", err)
	}
	for _, want := range []string{"one", "two"} {
		got, err := ReadFrame(&buf)
		if err != nil {
			t.Fatalf("read %s: %v", want, err)
		}
		if string(got) != want {
			t.Fatalf("got %q want %q", got, want)
		}
	}
}
