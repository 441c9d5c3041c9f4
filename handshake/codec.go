package handshake

import (
	"bytes"
	"fmt"
	"io"

	"github.com/dtn7/cboring"

	"github.com/risa-org/nodelink/transport"
)

// MarshalCbor writes the hello as a CBOR array of eight elements.
func (h *Hello) MarshalCbor(w io.Writer) error {
	if h.ConnIdx < 0 {
		return fmt.Errorf("Hello has negative connection index %d", h.ConnIdx)
	}
	if err := cboring.WriteArrayLength(8, w); err != nil {
		return err
	}
	for _, s := range []string{h.NodeID, h.Incarnation, h.PeerIncarnation} {
		if err := cboring.WriteTextString(s, w); err != nil {
			return err
		}
	}
	for _, n := range []uint64{uint64(h.ConnIdx), h.LastReceived, h.HighestSent, h.Epoch} {
		if err := cboring.WriteUInt(n, w); err != nil {
			return err
		}
	}
	return cboring.WriteTextString(h.Token, w)
}

// UnmarshalCbor reads a hello written by MarshalCbor.
func (h *Hello) UnmarshalCbor(r io.Reader) (err error) {
	if n, arrErr := cboring.ReadArrayLength(r); arrErr != nil {
		return arrErr
	} else if n != 8 {
		return fmt.Errorf("Hello expected array of length 8, got %d", n)
	}

	for _, s := range []*string{&h.NodeID, &h.Incarnation, &h.PeerIncarnation} {
		if *s, err = cboring.ReadTextString(r); err != nil {
			return
		}
	}

	idx, err := cboring.ReadUInt(r)
	if err != nil {
		return
	}
	if idx > maxConnIdx {
		return fmt.Errorf("Hello connection index %d out of range", idx)
	}
	h.ConnIdx = int(idx)

	for _, n := range []*uint64{&h.LastReceived, &h.HighestSent, &h.Epoch} {
		if *n, err = cboring.ReadUInt(r); err != nil {
			return
		}
	}

	h.Token, err = cboring.ReadTextString(r)
	return
}

const maxConnIdx = 1 << 16

// MarshalCbor writes the reply as a CBOR array of the hello and the reason.
func (rp *Reply) MarshalCbor(w io.Writer) error {
	if err := cboring.WriteArrayLength(2, w); err != nil {
		return err
	}
	if err := cboring.Marshal(&rp.Hello, w); err != nil {
		return err
	}
	return cboring.WriteTextString(rp.Reason, w)
}

// UnmarshalCbor reads a reply written by MarshalCbor.
func (rp *Reply) UnmarshalCbor(r io.Reader) (err error) {
	if n, arrErr := cboring.ReadArrayLength(r); arrErr != nil {
		return arrErr
	} else if n != 2 {
		return fmt.Errorf("Reply expected array of length 2, got %d", n)
	}
	if err = cboring.Unmarshal(&rp.Hello, r); err != nil {
		return
	}
	rp.Reason, err = cboring.ReadTextString(r)
	return
}

func toFrame(m cboring.CborMarshaler) (transport.Frame, error) {
	var buf bytes.Buffer
	if err := cboring.Marshal(m, &buf); err != nil {
		return transport.Frame{}, err
	}
	return transport.Frame{Kind: transport.FrameHandshake, Payload: buf.Bytes()}, nil
}

func fromFrame(f transport.Frame, m cboring.CborMarshaler) error {
	if f.Kind != transport.FrameHandshake {
		return fmt.Errorf("%w: got %s frame", ErrUnexpectedFrame, f.Kind)
	}
	return cboring.Unmarshal(m, bytes.NewReader(f.Payload))
}
