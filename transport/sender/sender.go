// Package sender is the single place where outgoing messages are sequenced,
// recorded for recovery and written to a session.
package sender

import (
	"github.com/risa-org/nodelink/recovery"
	"github.com/risa-org/nodelink/transport"
)

// Sender wraps a recovery descriptor and a session.
//
// Every data frame carries the highest sequence number we delivered from the
// peer, so acknowledgements ride along with traffic and only fall back to a
// standalone ack frame when nothing flows back.
//
// A message is recorded in the descriptor before it is written. If the write
// fails the message stays unacknowledged and is replayed on the next session;
// it is never lost and never needs a second sequence number.
//
// Sender does not serialize callers. Whoever owns the session must make sure
// sequence assignment and the write happen in the same order, or frames can
// reach the wire out of order.
type Sender struct {
	desc *recovery.Descriptor
	sess transport.Session
}

// New creates a Sender writing frames for desc to sess.
func New(desc *recovery.Descriptor, sess transport.Session) *Sender {
	return &Sender{desc: desc, sess: sess}
}

// Send records payload under the next sequence number and writes it.
// done is handed to the descriptor and fires once the peer acknowledges the
// message or the descriptor is invalidated.
//
// A non-nil error with a non-zero seq means the message was recorded but the
// write failed; it will be replayed. A zero seq means it was never recorded.
func (s *Sender) Send(payload []byte, done func(error)) (uint64, error) {
	seq, err := s.desc.OnSend(payload, done)
	if err != nil {
		return 0, err
	}
	return seq, s.write(recovery.Message{Seq: seq, Payload: payload})
}

// Replay writes previously recorded messages again, in order, stopping at
// the first failure. Returns how many were written.
func (s *Sender) Replay(msgs []recovery.Message) (int, error) {
	for i, m := range msgs {
		if err := s.write(m); err != nil {
			return i, err
		}
	}
	return len(msgs), nil
}

// Ack writes a standalone acknowledgement if the peer has not been told
// about everything we delivered. Reports whether a frame was written.
func (s *Sender) Ack() (bool, error) {
	ack, due := s.desc.PendingAck()
	if !due {
		return false, nil
	}
	if err := s.sess.Send(transport.Frame{Kind: transport.FrameAck, Ack: ack}); err != nil {
		return false, err
	}
	s.desc.MarkAckSent(ack)
	return true, nil
}

func (s *Sender) write(m recovery.Message) error {
	ack := s.desc.Received()
	err := s.sess.Send(transport.Frame{
		Kind:    transport.FrameData,
		Seq:     m.Seq,
		Ack:     ack,
		Payload: m.Payload,
	})
	if err != nil {
		return err
	}
	s.desc.MarkAckSent(ack)
	return nil
}

// Descriptor returns the underlying recovery descriptor.
func (s *Sender) Descriptor() *recovery.Descriptor {
	return s.desc
}

// Session returns the underlying session.
func (s *Sender) Session() transport.Session {
	return s.sess
}
