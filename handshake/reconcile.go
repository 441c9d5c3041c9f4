package handshake

import (
	"fmt"

	"github.com/risa-org/nodelink/recovery"
)

// Local builds the hello describing desc. desc may be nil for a logical
// connection without recovery state.
func Local(self, incarnation string, connIdx int, desc *recovery.Descriptor) Hello {
	h := Hello{NodeID: self, Incarnation: incarnation, ConnIdx: connIdx}
	if desc != nil {
		h.PeerIncarnation = desc.PeerIncarnation()
		h.LastReceived = desc.Received()
		h.HighestSent = desc.Sent()
		h.Epoch = desc.Epoch()
	}
	return h
}

// Diverged reports whether two hellos for the same logical connection cannot
// both be right. It is symmetric, so both ends reach the same verdict
// without another round trip.
//
// Either side claiming to have received more than the other ever sent means
// the other lost its state. Either side remembering an incarnation of the
// other that is not the current one means the other restarted, even if it
// happens to report matching numbers. Finally, a side with no memory of the
// other while the other remembers it and has sent beyond what it reports
// received means it dropped its state without restarting.
func Diverged(a, b Hello) bool {
	switch {
	case a.LastReceived > b.HighestSent, b.LastReceived > a.HighestSent:
		return true
	case a.PeerIncarnation != "" && a.PeerIncarnation != b.Incarnation:
		return true
	case b.PeerIncarnation != "" && b.PeerIncarnation != a.Incarnation:
		return true
	case forgot(a, b), forgot(b, a):
		return true
	}
	return false
}

// forgot reports whether a lost its state for b while b still holds
// messages a never received.
func forgot(a, b Hello) bool {
	return a.PeerIncarnation == "" && b.PeerIncarnation == a.Incarnation && b.HighestSent > a.LastReceived
}

// Outcome is what Reconcile decided.
type Outcome struct {
	// Descriptor to bind the new session to. It is the input descriptor on
	// resume and a fresh one after divergence. Either way it is reserved.
	Descriptor *recovery.Descriptor

	// Replay holds the messages the peer has not received, in send order.
	// They go out before any new traffic.
	Replay []recovery.Message

	// Trimmed counts messages the peer reported receiving that were still
	// waiting for an acknowledgement here.
	Trimmed int

	// Diverged is set when the histories could not be reconciled. Failed
	// counts the in-flight messages reported lost because of it.
	Diverged bool
	Failed   int

	Epoch uint64
}

// Reconcile applies a completed exchange to desc. local must be the hello
// this side sent (or replied with), built from desc before the exchange.
// desc must be reserved by the caller; nil means no recovery state exists.
//
// On resume, everything the peer reports received is trimmed and the rest
// becomes the replay set. On divergence desc is invalidated with
// ErrSequenceDivergence, failing its in-flight messages, and a fresh
// descriptor starting at zero takes its place.
func Reconcile(id recovery.Identity, desc *recovery.Descriptor, local, peer Hello) (Outcome, error) {
	epoch := max(local.Epoch, peer.Epoch) + 1

	if desc == nil {
		desc = recovery.NewDescriptor(id)
		if err := desc.Reserve(); err != nil {
			return Outcome{}, err
		}
	}

	if Diverged(local, peer) {
		failed := desc.Invalidate(fmt.Errorf("%w: local %s, peer %s", ErrSequenceDivergence, local, peer))

		fresh := recovery.NewDescriptor(id)
		if err := fresh.Reserve(); err != nil {
			return Outcome{}, err
		}
		fresh.Adopt(peer.Incarnation, epoch)
		return Outcome{Descriptor: fresh, Diverged: true, Failed: failed, Epoch: epoch}, nil
	}

	trimmed, err := desc.OnAck(peer.LastReceived)
	if err != nil {
		return Outcome{}, err
	}
	desc.Adopt(peer.Incarnation, epoch)

	return Outcome{
		Descriptor: desc,
		Replay:     desc.UnacknowledgedTail(),
		Trimmed:    trimmed,
		Epoch:      epoch,
	}, nil
}
