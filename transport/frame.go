package transport

import (
	"bytes"
	"fmt"
	"io"

	"github.com/dtn7/cboring"
)

// MaxPayload bounds the payload of a single frame on the wire.
const MaxPayload = 16 << 20

// FrameKind discriminates what a frame carries.
type FrameKind uint64

const (
	// FrameData carries an application payload with its sequence number and
	// a piggybacked acknowledgement.
	FrameData FrameKind = iota

	// FrameAck is a standalone acknowledgement, sent when no data flows back.
	FrameAck

	// FrameHandshake carries a handshake message, exactly once per direction
	// before any data.
	FrameHandshake
)

func (k FrameKind) String() string {
	switch k {
	case FrameData:
		return "data"
	case FrameAck:
		return "ack"
	case FrameHandshake:
		return "handshake"
	default:
		return fmt.Sprintf("FrameKind(%d)", uint64(k))
	}
}

// Frame is the message envelope. Seq is zero for anything but data. Ack is
// the highest sequence number the sender has delivered from the peer.
type Frame struct {
	Kind    FrameKind
	Seq     uint64
	Ack     uint64
	Payload []byte
}

func (f Frame) String() string {
	return fmt.Sprintf("Frame(%s seq=%d ack=%d len=%d)", f.Kind, f.Seq, f.Ack, len(f.Payload))
}

// MarshalCbor writes the frame as a CBOR array of four elements.
func (f *Frame) MarshalCbor(w io.Writer) error {
	if len(f.Payload) > MaxPayload {
		return fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(f.Payload))
	}
	if err := cboring.WriteArrayLength(4, w); err != nil {
		return err
	}
	for _, field := range []uint64{uint64(f.Kind), f.Seq, f.Ack} {
		if err := cboring.WriteUInt(field, w); err != nil {
			return err
		}
	}
	return cboring.WriteByteString(f.Payload, w)
}

// UnmarshalCbor reads a frame written by MarshalCbor.
func (f *Frame) UnmarshalCbor(r io.Reader) error {
	if n, err := cboring.ReadArrayLength(r); err != nil {
		return err
	} else if n != 4 {
		return fmt.Errorf("Frame expected array of length 4, got %d", n)
	}

	kind, err := cboring.ReadUInt(r)
	if err != nil {
		return err
	}
	if kind > uint64(FrameHandshake) {
		return fmt.Errorf("Frame kind %d is undefined", kind)
	}
	f.Kind = FrameKind(kind)

	if f.Seq, err = cboring.ReadUInt(r); err != nil {
		return err
	}
	if f.Ack, err = cboring.ReadUInt(r); err != nil {
		return err
	}

	n, err := cboring.ReadByteStringLen(r)
	if err != nil {
		return err
	}
	if n > MaxPayload {
		return fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, n)
	}
	f.Payload = make([]byte, n)
	_, err = io.ReadFull(r, f.Payload)
	return err
}

// EncodeFrame returns the CBOR encoding of f, for message-oriented
// transports.
func EncodeFrame(f Frame) ([]byte, error) {
	var buf bytes.Buffer
	if err := cboring.Marshal(&f, &buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// DecodeFrame is the inverse of EncodeFrame.
func DecodeFrame(data []byte) (Frame, error) {
	var f Frame
	err := cboring.Unmarshal(&f, bytes.NewReader(data))
	return f, err
}
