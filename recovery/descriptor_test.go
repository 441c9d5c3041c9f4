package recovery

import (
	"errors"
	"sync"
	"testing"
)

func newTestDescriptor() *Descriptor {
	return NewDescriptor(Identity{Node: "node-b", ConnIdx: 0})
}

func TestOnSendStartsAtOne(t *testing.T) {
	d := newTestDescriptor()

	first, err := d.OnSend([]byte("a"), nil)
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
	if first != 1 {
		t.Errorf("expected first sequence number to be 1, got %d", first)
	}

	second, _ := d.OnSend([]byte("b"), nil)
	if second != 2 {
		t.Errorf("expected second sequence number to be 2, got %d", second)
	}
}

func TestOnSendStrictlyIncreasingNoGaps(t *testing.T) {
	d := newTestDescriptor()

	prev := uint64(0)
	for i := 0; i < 500; i++ {
		seq, err := d.OnSend([]byte("x"), nil)
		if err != nil {
			t.Fatalf("send %d failed: %v", i, err)
		}
		if seq != prev+1 {
			t.Fatalf("expected seq %d, got %d", prev+1, seq)
		}
		prev = seq
	}
	if d.Unacked() != 500 {
		t.Errorf("expected 500 unacked, got %d", d.Unacked())
	}
}

func TestOnSendConcurrentNoReuse(t *testing.T) {
	d := newTestDescriptor()

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		seen = make(map[uint64]bool)
	)
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				seq, _ := d.OnSend(nil, nil)
				mu.Lock()
				if seen[seq] {
					t.Errorf("sequence %d assigned twice", seq)
				}
				seen[seq] = true
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if d.Sent() != 800 {
		t.Errorf("expected 800 sent, got %d", d.Sent())
	}
	tail := d.UnacknowledgedTail()
	for i := 1; i < len(tail); i++ {
		if tail[i].Seq <= tail[i-1].Seq {
			t.Fatalf("unacked queue not sorted at %d: %d then %d", i, tail[i-1].Seq, tail[i].Seq)
		}
	}
}

func TestOnSendCopiesPayload(t *testing.T) {
	d := newTestDescriptor()

	buf := []byte("original")
	d.OnSend(buf, nil)
	copy(buf, "mutated!")

	tail := d.UnacknowledgedTail()
	if string(tail[0].Payload) != "original" {
		t.Errorf("expected buffered payload to be a copy, got %q", tail[0].Payload)
	}
}

func TestOnAckTrimsAndCompletes(t *testing.T) {
	d := newTestDescriptor()

	results := make(map[uint64]error)
	for i := 0; i < 3; i++ {
		var seq uint64
		seq, _ = d.OnSend([]byte("m"), func(err error) { results[seq] = err })
	}

	n, err := d.OnAck(2)
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
	if n != 2 {
		t.Errorf("expected 2 trimmed, got %d", n)
	}
	if len(results) != 2 {
		t.Fatalf("expected 2 completions, got %d", len(results))
	}
	for seq, err := range results {
		if err != nil {
			t.Errorf("expected seq %d to complete with nil, got %v", seq, err)
		}
	}

	tail := d.UnacknowledgedTail()
	if len(tail) != 1 || tail[0].Seq != 3 {
		t.Errorf("expected tail [3], got %v", tail)
	}
}

func TestOnAckStaleIsNoop(t *testing.T) {
	d := newTestDescriptor()
	for i := 0; i < 5; i++ {
		d.OnSend([]byte("m"), nil)
	}

	d.OnAck(4)
	before := d.UnacknowledgedTail()

	n, err := d.OnAck(2)
	if err != nil {
		t.Fatalf("stale ack should not error, got: %v", err)
	}
	if n != 0 {
		t.Errorf("stale ack should trim nothing, trimmed %d", n)
	}

	after := d.UnacknowledgedTail()
	if len(before) != len(after) || after[0].Seq != before[0].Seq {
		t.Errorf("stale ack changed the queue: before %v after %v", before, after)
	}
	if d.Acked() != 4 {
		t.Errorf("expected acked to stay 4, got %d", d.Acked())
	}
}

func TestOnAckAheadRejected(t *testing.T) {
	d := newTestDescriptor()
	d.OnSend([]byte("m"), nil)

	_, err := d.OnAck(7)
	if !errors.Is(err, ErrAckAhead) {
		t.Fatalf("expected ErrAckAhead, got %v", err)
	}
	if d.Acked() != 0 {
		t.Errorf("expected acked to stay 0, got %d", d.Acked())
	}
	if d.Unacked() != 1 {
		t.Errorf("expected queue untouched, got depth %d", d.Unacked())
	}
}

func TestOnReceiveDeliver(t *testing.T) {
	d := newTestDescriptor()

	if v := d.OnReceive(1); v != Deliver {
		t.Errorf("expected Deliver for seq 1, got %v", v)
	}
	if d.Received() != 1 {
		t.Errorf("expected received 1, got %d", d.Received())
	}
}

func TestOnReceiveDropDuplicate(t *testing.T) {
	d := newTestDescriptor()
	for seq := uint64(1); seq <= 5; seq++ {
		d.OnReceive(seq)
	}

	for _, old := range []uint64{1, 2, 3, 4, 5} {
		if v := d.OnReceive(old); v != DropDuplicate {
			t.Errorf("expected DropDuplicate for seq %d, got %v", old, v)
		}
	}
}

func TestOnReceiveGapIsViolation(t *testing.T) {
	d := newTestDescriptor()
	d.OnReceive(1)

	if v := d.OnReceive(3); v != DropViolation {
		t.Errorf("expected DropViolation for seq 3 after 1, got %v", v)
	}
	if d.Received() != 1 {
		t.Errorf("a violation must not advance received, got %d", d.Received())
	}
}

func TestOnReceiveNeverAcceptsTwice(t *testing.T) {
	d := newTestDescriptor()

	// replay overlapping ranges as a reconnect would
	stream := []uint64{1, 2, 3, 2, 3, 4, 1, 4, 5, 5, 6}
	accepted := make(map[uint64]int)
	for _, seq := range stream {
		if d.OnReceive(seq) == Deliver {
			accepted[seq]++
		}
	}

	for seq := uint64(1); seq <= 6; seq++ {
		if accepted[seq] != 1 {
			t.Errorf("seq %d accepted %d times, want 1", seq, accepted[seq])
		}
	}
}

func TestReserveExclusive(t *testing.T) {
	d := newTestDescriptor()

	if err := d.Reserve(); err != nil {
		t.Fatalf("first reserve should succeed, got: %v", err)
	}
	if err := d.Reserve(); !errors.Is(err, ErrReserved) {
		t.Errorf("second reserve should fail with ErrReserved, got: %v", err)
	}

	d.Release()
	if err := d.Reserve(); err != nil {
		t.Errorf("reserve after release should succeed, got: %v", err)
	}
}

func TestInvalidateFailsPending(t *testing.T) {
	d := newTestDescriptor()
	cause := errors.New("node left")

	var failed []error
	for i := 0; i < 3; i++ {
		d.OnSend([]byte("m"), func(err error) { failed = append(failed, err) })
	}

	if n := d.Invalidate(cause); n != 3 {
		t.Errorf("expected 3 failed, got %d", n)
	}
	for _, err := range failed {
		if !errors.Is(err, cause) {
			t.Errorf("expected cause %v, got %v", cause, err)
		}
	}

	if _, err := d.OnSend([]byte("late"), nil); !errors.Is(err, cause) {
		t.Errorf("send on invalid descriptor should fail with cause, got %v", err)
	}
	if err := d.Reserve(); err == nil {
		t.Error("reserve on invalid descriptor should fail")
	}
	if n := d.Invalidate(cause); n != 0 {
		t.Errorf("second invalidate should be a no-op, failed %d", n)
	}
}

func TestPendingAckTracking(t *testing.T) {
	d := newTestDescriptor()

	if _, ok := d.PendingAck(); ok {
		t.Error("nothing received, no ack should be pending")
	}

	d.OnReceive(1)
	d.OnReceive(2)
	seq, ok := d.PendingAck()
	if !ok || seq != 2 {
		t.Errorf("expected pending ack 2, got %d ok=%t", seq, ok)
	}

	d.MarkAckSent(2)
	if _, ok := d.PendingAck(); ok {
		t.Error("ack 2 was sent, nothing should be pending")
	}
}

func TestAdoptEpochNeverRegresses(t *testing.T) {
	d := newTestDescriptor()

	d.Adopt("inc-1", 3)
	d.Adopt("inc-1", 2)

	if d.Epoch() != 3 {
		t.Errorf("expected epoch 3, got %d", d.Epoch())
	}
	if d.PeerIncarnation() != "inc-1" {
		t.Errorf("expected peer incarnation inc-1, got %q", d.PeerIncarnation())
	}
}

// TestAckScenario walks the end-to-end example: send A,B,C, peer acks 2,
// reconnect reports last-received 2, replay is [C], ack 3 empties the queue.
func TestAckScenario(t *testing.T) {
	d := newTestDescriptor()

	for _, p := range []string{"A", "B", "C"} {
		d.OnSend([]byte(p), nil)
	}

	d.OnAck(2)
	tail := d.UnacknowledgedTail()
	if len(tail) != 1 || string(tail[0].Payload) != "C" || tail[0].Seq != 3 {
		t.Fatalf("expected tail [C(3)], got %v", tail)
	}

	// reconnect: peer reports last-received 2, trimming is idempotent
	d.OnAck(2)
	replay := d.UnacknowledgedTail()
	if len(replay) != 1 || replay[0].Seq != 3 {
		t.Fatalf("expected replay [C(3)], got %v", replay)
	}

	d.OnAck(3)
	if tail := d.UnacknowledgedTail(); len(tail) != 0 {
		t.Errorf("expected empty tail, got %v", tail)
	}
}

func TestIdentityString(t *testing.T) {
	id := Identity{Node: "10.0.0.1:47100", ConnIdx: 3}
	if got := id.String(); got != "10.0.0.1:47100/3" {
		t.Errorf("expected 10.0.0.1:47100/3, got %q", got)
	}
}
