package transport

import (
	"bytes"
	"errors"
	"testing"

	"github.com/dtn7/cboring"
)

// TestDisconnectReasonConstants checks all reasons are distinct.
func TestDisconnectReasonConstants(t *testing.T) {
	reasons := []DisconnectReason{
		ReasonUnknown,
		ReasonNetworkError,
		ReasonTimeout,
		ReasonClosedClean,
		ReasonProtocol,
	}

	seen := make(map[string]bool)
	for _, r := range reasons {
		if seen[r.String()] {
			t.Errorf("duplicate DisconnectReason name: %s", r)
		}
		seen[r.String()] = true
	}
}

func TestSignalDeliversOnce(t *testing.T) {
	ch := make(chan DisconnectEvent, 1)

	Signal(ch, DisconnectEvent{Reason: ReasonNetworkError, Err: ErrTransportClosed})
	Signal(ch, DisconnectEvent{Reason: ReasonClosedClean})

	ev := <-ch
	if ev.Reason != ReasonNetworkError {
		t.Errorf("expected the first event to win, got %s", ev)
	}
	select {
	case extra := <-ch:
		t.Errorf("expected exactly one event, got second: %s", extra)
	default:
	}
}

// TestFrameStream checks that several frames written back to back on one
// stream come out in order with every field intact.
func TestFrameStream(t *testing.T) {
	frames := []Frame{
		{Kind: FrameHandshake, Payload: []byte{0x01, 0x02}},
		{Kind: FrameData, Seq: 1, Ack: 0, Payload: []byte("hello")},
		{Kind: FrameData, Seq: 2, Ack: 7, Payload: nil},
		{Kind: FrameAck, Ack: 1 << 40},
	}

	var buf bytes.Buffer
	for i := range frames {
		if err := cboring.Marshal(&frames[i], &buf); err != nil {
			t.Fatalf("marshal %d failed: %v", i, err)
		}
	}

	for i, want := range frames {
		var got Frame
		if err := cboring.Unmarshal(&got, &buf); err != nil {
			t.Fatalf("unmarshal %d failed: %v", i, err)
		}
		if got.Kind != want.Kind || got.Seq != want.Seq || got.Ack != want.Ack {
			t.Errorf("frame %d: expected %s, got %s", i, want, got)
		}
		if !bytes.Equal(got.Payload, want.Payload) {
			t.Errorf("frame %d: expected payload %q, got %q", i, want.Payload, got.Payload)
		}
	}
	if buf.Len() != 0 {
		t.Errorf("expected stream fully consumed, %d bytes left", buf.Len())
	}
}

func TestDecodeFrameRejectsUnknownKind(t *testing.T) {
	var buf bytes.Buffer
	cboring.WriteArrayLength(4, &buf)
	cboring.WriteUInt(9, &buf)
	cboring.WriteUInt(0, &buf)
	cboring.WriteUInt(0, &buf)
	cboring.WriteByteString(nil, &buf)

	if _, err := DecodeFrame(buf.Bytes()); err == nil {
		t.Error("expected error for undefined frame kind")
	}
}

func TestDecodeFrameRejectsOversizedPayload(t *testing.T) {
	var buf bytes.Buffer
	cboring.WriteArrayLength(4, &buf)
	cboring.WriteUInt(uint64(FrameData), &buf)
	cboring.WriteUInt(1, &buf)
	cboring.WriteUInt(0, &buf)
	cboring.WriteByteStringLen(MaxPayload+1, &buf)

	_, err := DecodeFrame(buf.Bytes())
	if !errors.Is(err, ErrFrameTooLarge) {
		t.Errorf("expected ErrFrameTooLarge, got %v", err)
	}
}

func TestDecodeFrameTruncated(t *testing.T) {
	data, err := EncodeFrame(Frame{Kind: FrameData, Seq: 3, Payload: []byte("truncated")})
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	if _, err := DecodeFrame(data[:len(data)-2]); err == nil {
		t.Error("expected error for truncated frame")
	}
}
