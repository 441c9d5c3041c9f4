package sender

import (
	"errors"
	"testing"

	"github.com/risa-org/nodelink/recovery"
	"github.com/risa-org/nodelink/transport"
)

// mockSession is a minimal transport.Session for testing.
// It records sent frames and can be configured to fail.
type mockSession struct {
	sent      []transport.Frame
	failAfter int // fail on every send after the Nth, -1 means never fail
	calls     int
}

func newMockSession() *mockSession {
	return &mockSession{failAfter: -1}
}

func (m *mockSession) Send(f transport.Frame) error {
	m.calls++
	if m.failAfter >= 0 && m.calls > m.failAfter {
		return transport.ErrTransportClosed
	}
	m.sent = append(m.sent, f)
	return nil
}

func (m *mockSession) Receive() <-chan transport.Frame {
	return make(chan transport.Frame)
}

func (m *mockSession) Disconnected() <-chan transport.DisconnectEvent {
	return make(chan transport.DisconnectEvent)
}

func (m *mockSession) Close() error { return nil }

func newTestSender() (*Sender, *recovery.Descriptor, *mockSession) {
	desc := recovery.NewDescriptor(recovery.Identity{Node: "node-b"})
	sess := newMockSession()
	return New(desc, sess), desc, sess
}

func TestSendAssignsSequenceNumbers(t *testing.T) {
	s, _, _ := newTestSender()

	seqNum, err := s.Send([]byte("hello"), nil)
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
	if seqNum != 1 {
		t.Errorf("expected seq 1, got %d", seqNum)
	}

	seqNum2, _ := s.Send([]byte("world"), nil)
	if seqNum2 != 2 {
		t.Errorf("expected seq 2, got %d", seqNum2)
	}
}

func TestSendDeliversToSession(t *testing.T) {
	s, _, sess := newTestSender()

	s.Send([]byte("hello"), nil)
	s.Send([]byte("world"), nil)

	if len(sess.sent) != 2 {
		t.Fatalf("expected 2 frames delivered, got %d", len(sess.sent))
	}
	if sess.sent[0].Kind != transport.FrameData || string(sess.sent[0].Payload) != "hello" {
		t.Errorf("expected data frame 'hello', got %s", sess.sent[0])
	}
	if string(sess.sent[1].Payload) != "world" {
		t.Errorf("expected second payload 'world', got '%s'", sess.sent[1].Payload)
	}
}

func TestSendPiggybacksAck(t *testing.T) {
	s, desc, sess := newTestSender()

	desc.OnReceive(1)
	desc.OnReceive(2)
	s.Send([]byte("reply"), nil)

	if sess.sent[0].Ack != 2 {
		t.Errorf("expected piggybacked ack 2, got %d", sess.sent[0].Ack)
	}
	if _, due := desc.PendingAck(); due {
		t.Error("a piggybacked ack must clear the pending ack")
	}
}

// TestSendRecordsBeforeWrite checks that a failed write leaves the message
// in the unacknowledged queue so it is replayed later.
func TestSendRecordsBeforeWrite(t *testing.T) {
	s, desc, sess := newTestSender()
	sess.failAfter = 1

	s.Send([]byte("msg1"), nil)
	seq, err := s.Send([]byte("msg2"), nil)

	if !errors.Is(err, transport.ErrTransportClosed) {
		t.Fatalf("expected ErrTransportClosed, got %v", err)
	}
	if seq != 2 {
		t.Errorf("expected failed write to still carry seq 2, got %d", seq)
	}

	tail := desc.UnacknowledgedTail()
	if len(tail) != 2 {
		t.Fatalf("expected 2 recorded messages, got %d", len(tail))
	}
	if string(tail[1].Payload) != "msg2" {
		t.Errorf("expected msg2 recorded, got %s", tail[1].Payload)
	}
}

func TestSendOnInvalidDescriptor(t *testing.T) {
	s, desc, sess := newTestSender()
	desc.Invalidate(nil)

	seq, err := s.Send([]byte("late"), nil)
	if !errors.Is(err, recovery.ErrInvalidated) {
		t.Errorf("expected ErrInvalidated, got %v", err)
	}
	if seq != 0 {
		t.Errorf("expected seq 0 for an unrecorded message, got %d", seq)
	}
	if len(sess.sent) != 0 {
		t.Error("nothing should reach the session")
	}
}

func TestReplayInOrder(t *testing.T) {
	s, desc, sess := newTestSender()
	for _, p := range []string{"A", "B", "C"} {
		s.Send([]byte(p), nil)
	}
	desc.OnAck(1)
	sess.sent = nil

	n, err := s.Replay(desc.UnacknowledgedTail())
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 replayed, got %d", n)
	}
	if sess.sent[0].Seq != 2 || sess.sent[1].Seq != 3 {
		t.Errorf("expected replay of seq 2,3, got %d,%d", sess.sent[0].Seq, sess.sent[1].Seq)
	}
	if desc.Sent() != 3 {
		t.Errorf("replay must not assign new sequence numbers, sent = %d", desc.Sent())
	}
}

func TestReplayStopsAtFailure(t *testing.T) {
	s, desc, sess := newTestSender()
	for i := 0; i < 4; i++ {
		s.Send([]byte("m"), nil)
	}
	sess.calls = 0
	sess.failAfter = 2

	n, err := s.Replay(desc.UnacknowledgedTail())
	if err == nil {
		t.Fatal("expected replay to fail")
	}
	if n != 2 {
		t.Errorf("expected 2 written before failure, got %d", n)
	}
}

func TestAckOnlyWhenDue(t *testing.T) {
	s, desc, sess := newTestSender()

	if sent, _ := s.Ack(); sent {
		t.Error("no ack should be sent before anything is received")
	}

	desc.OnReceive(1)
	sent, err := s.Ack()
	if err != nil || !sent {
		t.Fatalf("expected ack to be sent, got sent=%t err=%v", sent, err)
	}
	f := sess.sent[len(sess.sent)-1]
	if f.Kind != transport.FrameAck || f.Ack != 1 {
		t.Errorf("expected standalone ack 1, got %s", f)
	}

	if sent, _ := s.Ack(); sent {
		t.Error("ack already sent, nothing should be due")
	}
}

func TestAccessors(t *testing.T) {
	s, desc, sess := newTestSender()

	if s.Descriptor() != desc {
		t.Error("expected Descriptor() to return the underlying descriptor")
	}
	if s.Session() != sess {
		t.Error("expected Session() to return the underlying session")
	}
}
