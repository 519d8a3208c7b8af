package frame

import (
	"bytes"
	"errors"
	"io"
	"testing"

	"github.com/danmuck/bcnet/internal/testutil/testlog"
)

func TestReadWriteFrameRoundTrip(t *testing.T) {
	testlog.Start(t)
	in := Frame{
		Header:  Header{Channel: 3, Flags: FlagIsResponse, Status: 0},
		Payload: []byte{0x02},
	}
	var buf bytes.Buffer
	if err := WriteFrame(&buf, in, DefaultLimits()); err != nil {
		t.Fatalf("write frame: %v", err)
	}
	if got := buf.Bytes(); !bytes.Equal(got, []byte{0x00, 0x01, 0x03, 0x01, 0x00, 0x02}) {
		t.Fatalf("wire bytes got=%x", got)
	}
	out, err := ReadFrame(&buf, DefaultLimits())
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	if out.Header.Channel != 3 || !out.IsResponse() || out.Header.PayloadLen != 1 {
		t.Fatalf("header mismatch: %+v", out.Header)
	}
	if !bytes.Equal(out.Payload, in.Payload) {
		t.Fatalf("payload mismatch")
	}
}

func TestReadFrameEmptyPayload(t *testing.T) {
	testlog.Start(t)
	var buf bytes.Buffer
	if err := WriteFrame(&buf, Frame{Header: Header{Channel: 2, Status: 4}}, DefaultLimits()); err != nil {
		t.Fatalf("write frame: %v", err)
	}
	out, err := ReadFrame(&buf, DefaultLimits())
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	if out.Header.Status != 4 || len(out.Payload) != 0 {
		t.Fatalf("unexpected frame: %+v", out)
	}
}

func TestReadFrameMalformedHeaderIsDeterministic(t *testing.T) {
	testlog.Start(t)
	_, err := ReadFrame(bytes.NewReader([]byte{1, 2, 3}), DefaultLimits())
	if !errors.Is(err, ErrShortHeader) {
		t.Fatalf("expected ErrShortHeader, got %v", err)
	}
	_, err = ReadFrame(bytes.NewReader(nil), DefaultLimits())
	if !errors.Is(err, io.EOF) {
		t.Fatalf("expected io.EOF on clean close, got %v", err)
	}
}

func TestReadFrameShortPayload(t *testing.T) {
	testlog.Start(t)
	raw := append(EncodeHeader(Header{PayloadLen: 4, Channel: 1}), 0xaa)
	_, err := ReadFrame(bytes.NewReader(raw), DefaultLimits())
	if !errors.Is(err, ErrShortPayload) {
		t.Fatalf("expected ErrShortPayload, got %v", err)
	}
}

func TestLimitsEnforced(t *testing.T) {
	testlog.Start(t)
	limits := Limits{MaxPayloadBytes: 2}
	err := WriteFrame(io.Discard, Frame{Payload: []byte{1, 2, 3}}, limits)
	if !errors.Is(err, ErrPayloadTooLarge) {
		t.Fatalf("expected ErrPayloadTooLarge on write, got %v", err)
	}
	raw := EncodeHeader(Header{PayloadLen: 3, Channel: 1})
	_, err = ReadFrame(bytes.NewReader(raw), limits)
	if !errors.Is(err, ErrPayloadTooLarge) {
		t.Fatalf("expected ErrPayloadTooLarge on read, got %v", err)
	}
}
