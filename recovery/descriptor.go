// Package recovery holds the per-connection state that makes delivery
// resumable: what we sent and the peer has not confirmed, what we received,
// and which acknowledgements are owed in each direction.
//
// A Descriptor does no I/O. It is driven by the connection manager on the
// send/receive path and by reconnect attempts on the recovery path.
package recovery

import (
	"fmt"
	"sync"
)

// DeliveryVerdict is what the descriptor returns when asked whether an
// incoming message should be handed to the application.
type DeliveryVerdict int

const (
	Deliver       DeliveryVerdict = iota // next expected seq, deliver it
	DropDuplicate                        // already delivered this one, discard
	DropViolation                        // a gap, the stream is broken
)

func (v DeliveryVerdict) String() string {
	switch v {
	case Deliver:
		return "deliver"
	case DropDuplicate:
		return "duplicate"
	case DropViolation:
		return "violation"
	default:
		return fmt.Sprintf("DeliveryVerdict(%d)", int(v))
	}
}

// Message is a sent message still waiting for the peer's acknowledgement.
// Returned by UnacknowledgedTail so it can be replayed after reconnect.
type Message struct {
	Seq     uint64
	Payload []byte
}

// pending is an unacknowledged message plus the completion that fires once
// it is confirmed (nil) or given up on (the cause).
type pending struct {
	Message
	done func(error)
}

// Descriptor tracks the recovery state of one Identity.
//
// Sequence numbers start at 1, 0 means "nothing yet". Sent numbers are never
// reused while the descriptor is valid; a divergent peer gets a brand new
// descriptor instead.
type Descriptor struct {
	id Identity

	mu       sync.Mutex
	sent     uint64    // highest seq assigned to an outgoing message
	received uint64    // highest seq delivered to the application
	acked    uint64    // highest seq the peer confirmed
	ackSent  uint64    // highest received seq we told the peer about
	unacked  []pending // sent but unconfirmed, ascending by seq
	reserved bool
	invalid  error

	peerIncarnation string
	epoch           uint64
}

// NewDescriptor creates an empty descriptor for id.
func NewDescriptor(id Identity) *Descriptor {
	return &Descriptor{id: id}
}

// Identity returns the logical connection this descriptor belongs to.
func (d *Descriptor) Identity() Identity {
	return d.id
}

// OnSend assigns the next sequence number to payload and records it as
// unacknowledged. done, if non-nil, is called exactly once: with nil when
// the peer acknowledges the message, or with the cause when the descriptor
// is invalidated first.
func (d *Descriptor) OnSend(payload []byte, done func(error)) (uint64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.invalid != nil {
		return 0, d.invalid
	}

	d.sent++
	p := make([]byte, len(payload))
	copy(p, payload)
	d.unacked = append(d.unacked, pending{
		Message: Message{Seq: d.sent, Payload: p},
		done:    done,
	})
	return d.sent, nil
}

// OnAck trims every unacknowledged message with seq <= upTo and returns how
// many were removed. Stale acknowledgements are a no-op. Acknowledging a seq
// that was never sent returns ErrAckAhead and changes nothing.
func (d *Descriptor) OnAck(upTo uint64) (int, error) {
	d.mu.Lock()
	if upTo > d.sent {
		sent := d.sent
		d.mu.Unlock()
		return 0, fmt.Errorf("%w: ack %d, sent %d", ErrAckAhead, upTo, sent)
	}
	if upTo <= d.acked {
		d.mu.Unlock()
		return 0, nil
	}
	d.acked = upTo

	n := 0
	for n < len(d.unacked) && d.unacked[n].Seq <= upTo {
		n++
	}
	trimmed := d.unacked[:n]
	d.unacked = append([]pending(nil), d.unacked[n:]...)
	d.mu.Unlock()

	for _, m := range trimmed {
		if m.done != nil {
			m.done(nil)
		}
	}
	return n, nil
}

// OnReceive decides whether an incoming message with the given seq should be
// delivered. Only the next expected seq is delivered; anything at or below
// what was already delivered is a duplicate, and anything beyond is a gap.
func (d *Descriptor) OnReceive(seq uint64) DeliveryVerdict {
	d.mu.Lock()
	defer d.mu.Unlock()

	if seq <= d.received {
		return DropDuplicate
	}
	if seq != d.received+1 {
		return DropViolation
	}
	d.received = seq
	return Deliver
}

// UnacknowledgedTail returns the messages to replay, in send order.
func (d *Descriptor) UnacknowledgedTail() []Message {
	d.mu.Lock()
	defer d.mu.Unlock()

	out := make([]Message, len(d.unacked))
	for i, m := range d.unacked {
		out[i] = m.Message
	}
	return out
}

// Reserve claims the descriptor exclusively for one reconnect attempt or one
// bound session. It fails with ErrReserved if someone else holds it.
func (d *Descriptor) Reserve() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.invalid != nil {
		return d.invalid
	}
	if d.reserved {
		return ErrReserved
	}
	d.reserved = true
	return nil
}

// Release drops the claim taken by Reserve.
func (d *Descriptor) Release() {
	d.mu.Lock()
	d.reserved = false
	d.mu.Unlock()
}

// Reserved reports whether the descriptor is currently claimed.
func (d *Descriptor) Reserved() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.reserved
}

// Invalidate marks the descriptor unusable and fails every unacknowledged
// message with cause. Returns how many messages were failed. Calling it
// again is a no-op.
func (d *Descriptor) Invalidate(cause error) int {
	if cause == nil {
		cause = ErrInvalidated
	}

	d.mu.Lock()
	if d.invalid != nil {
		d.mu.Unlock()
		return 0
	}
	d.invalid = cause
	failed := d.unacked
	d.unacked = nil
	d.reserved = false
	d.mu.Unlock()

	for _, m := range failed {
		if m.done != nil {
			m.done(cause)
		}
	}
	return len(failed)
}

// Valid reports whether the descriptor can still be used.
func (d *Descriptor) Valid() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.invalid == nil
}

// Err returns the invalidation cause, or nil.
func (d *Descriptor) Err() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.invalid
}

// Sent returns the highest sequence number assigned so far.
func (d *Descriptor) Sent() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.sent
}

// Received returns the highest sequence number delivered so far.
func (d *Descriptor) Received() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.received
}

// Acked returns the highest sequence number the peer has confirmed.
func (d *Descriptor) Acked() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.acked
}

// Unacked returns the depth of the unacknowledged queue.
func (d *Descriptor) Unacked() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.unacked)
}

// PendingAck returns the received seq the peer has not been told about yet.
// ok is false when there is nothing new to acknowledge.
func (d *Descriptor) PendingAck() (seq uint64, ok bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.received, d.received > d.ackSent
}

// MarkAckSent records that the peer was told about everything up to seq.
func (d *Descriptor) MarkAckSent(seq uint64) {
	d.mu.Lock()
	if seq > d.ackSent {
		d.ackSent = seq
	}
	d.mu.Unlock()
}

// PeerIncarnation returns the incarnation of the peer this descriptor last
// exchanged a handshake with, or "" if it never did.
func (d *Descriptor) PeerIncarnation() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.peerIncarnation
}

// Epoch counts successful handshakes on this identity.
func (d *Descriptor) Epoch() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.epoch
}

// Adopt records the outcome of a handshake: the peer's incarnation and the
// epoch both sides agreed on. The epoch never goes backwards.
func (d *Descriptor) Adopt(peerIncarnation string, epoch uint64) {
	d.mu.Lock()
	d.peerIncarnation = peerIncarnation
	if epoch > d.epoch {
		d.epoch = epoch
	}
	// the handshake already carried our last-received seq
	d.ackSent = d.received
	d.mu.Unlock()
}

func (d *Descriptor) String() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return fmt.Sprintf("Descriptor(%s sent=%d acked=%d received=%d unacked=%d reserved=%t)",
		d.id, d.sent, d.acked, d.received, len(d.unacked), d.reserved)
}
