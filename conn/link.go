package conn

import (
	"errors"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/risa-org/nodelink/handshake"
	"github.com/risa-org/nodelink/recovery"
	"github.com/risa-org/nodelink/transport"
	"github.com/risa-org/nodelink/transport/sender"
)

type queued struct {
	payload []byte
	fut     *Future
}

// link is one logical connection.
//
// Lock order is sendMu, then mu. sendMu serializes sequence assignment with
// the write that carries it, and with replay, so frames reach the wire in
// sequence order. mu guards everything else.
//
// While connected the link owns the descriptor (reserved). While not, the
// descriptor is parked in the registry or held by a reconnect attempt.
type link struct {
	m   *Manager
	id  recovery.Identity
	log *log.Entry

	sendMu sync.Mutex

	mu         sync.Mutex
	state      State
	initiator  bool // we dialed the current or last session
	desc       *recovery.Descriptor
	sess       transport.Session
	snd        *sender.Sender
	gen        uint64        // bumped on every bind
	stop       chan struct{} // closed when the bound session is detached
	attempt    *attempt
	accepting  bool // an inbound session is being admitted
	queue      []queued
	grace      *time.Timer
	abandoned  error
	reconnects int
	bound      bool // has ever been connected

	ackSignal chan struct{}
}

func newLink(m *Manager, id recovery.Identity) *link {
	return &link{
		m:         m,
		id:        id,
		log:       m.log.WithFields(log.Fields{"peer": id.Node, "conn": id.ConnIdx}),
		state:     StateDisconnected,
		ackSignal: make(chan struct{}, 1),
	}
}

// setState must be called with mu held.
func (l *link) setState(to State) {
	from := l.state
	if from == to {
		return
	}
	if !CanTransition(from, to) {
		l.log.WithFields(log.Fields{"from": from, "to": to}).Error("Illegal connection state transition")
		return
	}
	l.state = to
	l.m.obs.StateChanged(l.id, from, to)
	l.log.WithFields(log.Fields{"from": from, "to": to}).Debug("Connection state changed")
}

func (l *link) send(payload []byte, fut *Future) {
	l.sendMu.Lock()
	defer l.sendMu.Unlock()

	l.mu.Lock()
	if l.abandoned != nil {
		cause := l.abandoned
		l.mu.Unlock()
		fut.resolve(cause)
		return
	}

	if l.state == StateConnected {
		if n := l.desc.Unacked(); n >= l.m.opts.MaxUnacked {
			l.mu.Unlock()
			fut.resolve(fmt.Errorf("%w: %d unacknowledged on %s", ErrBackpressure, n, l.id))
			return
		}
		snd, sess := l.snd, l.sess
		l.mu.Unlock()

		seq, err := snd.Send(payload, fut.resolve)
		switch {
		case err != nil && seq == 0:
			fut.resolve(err)
		case err != nil:
			// recorded; the next session replays it
			l.log.WithError(err).WithField("seq", seq).Debug("Write failed, dropping session")
			sess.Close()
		}
		return
	}

	if len(l.queue) >= l.m.opts.MaxQueued {
		l.mu.Unlock()
		fut.resolve(fmt.Errorf("%w: %d queued for %s", ErrBackpressure, l.m.opts.MaxQueued, l.id))
		return
	}
	p := make([]byte, len(payload))
	copy(p, payload)
	l.queue = append(l.queue, queued{payload: p, fut: fut})

	if l.state == StateDisconnected && l.attempt == nil && !l.accepting && l.grace == nil {
		l.startAttempt()
	}
	l.mu.Unlock()
}

// bind makes sess the live session of the link. out comes from a completed
// handshake. initiator is true when we dialed sess. a is the attempt that
// produced sess, or nil on the accepting side.
//
// The replay set goes out first, then everything queued while the link was
// down, and only then may new sends proceed.
func (l *link) bind(sess transport.Session, out handshake.Outcome, initiator bool, a *attempt) error {
	l.sendMu.Lock()
	defer l.sendMu.Unlock()

	l.mu.Lock()
	if l.abandoned != nil {
		cause := l.abandoned
		l.mu.Unlock()
		sess.Close()
		if n := out.Descriptor.Invalidate(cause); n > 0 {
			l.m.obs.MessagesFailed(l.id, n, cause)
		}
		return cause
	}
	if a != nil && l.attempt != a {
		// preempted while finishing the handshake
		l.park(out.Descriptor)
		l.mu.Unlock()
		sess.Close()
		return errPreempted
	}

	desc := out.Descriptor
	l.gen++
	gen := l.gen
	l.sess = sess
	l.desc = desc
	l.snd = sender.New(desc, sess)
	l.initiator = initiator
	l.stop = make(chan struct{})
	l.attempt = nil
	l.accepting = false
	if l.grace != nil {
		l.grace.Stop()
		l.grace = nil
	}
	if l.bound {
		l.reconnects++
	}
	l.bound = true
	if l.state == StateDisconnected {
		l.setState(StateReconnecting)
	}
	l.setState(StateConnected)
	queue := l.queue
	l.queue = nil
	snd, stop := l.snd, l.stop
	l.m.registry.Release(l.id)
	l.mu.Unlock()

	go l.consume(gen, sess, desc)
	go l.ackLoop(gen, snd, stop)

	if n, err := snd.Replay(out.Replay); err != nil {
		l.log.WithError(err).WithField("written", n).Debug("Replay interrupted")
		sess.Close()
	}
	if len(out.Replay) > 0 {
		l.m.obs.Replayed(l.id, len(out.Replay))
	}

	for _, q := range queue {
		seq, err := snd.Send(q.payload, q.fut.resolve)
		if err != nil && seq == 0 {
			q.fut.resolve(err)
		}
	}

	l.log.WithFields(log.Fields{
		"initiator": initiator,
		"epoch":     out.Epoch,
		"replayed":  len(out.Replay),
		"flushed":   len(queue),
		"diverged":  out.Diverged,
	}).Info("Connection established")
	return nil
}

// consume runs the read path of one bound session until it closes.
func (l *link) consume(gen uint64, sess transport.Session, desc *recovery.Descriptor) {
	threshold := l.m.opts.AckThreshold
	sinceAck := 0

	for f := range sess.Receive() {
		switch f.Kind {
		case transport.FrameData:
			switch desc.OnReceive(f.Seq) {
			case recovery.Deliver:
				l.m.deliver(l.id, f.Payload)
				sinceAck++
				if sinceAck >= threshold {
					sinceAck = 0
					select {
					case l.ackSignal <- struct{}{}:
					default:
					}
				}
			case recovery.DropDuplicate:
				l.m.obs.Duplicate(l.id)
			case recovery.DropViolation:
				l.log.WithFields(log.Fields{
					"seq":      f.Seq,
					"expected": desc.Received() + 1,
				}).Warn("Sequence gap, dropping session")
				sess.Close()
			}
			l.onAck(sess, desc, f.Ack)

		case transport.FrameAck:
			l.onAck(sess, desc, f.Ack)

		default:
			l.log.WithField("frame", f).Warn("Unexpected frame on bound session, dropping it")
			sess.Close()
		}
	}

	ev := transport.DisconnectEvent{Reason: transport.ReasonUnknown}
	select {
	case ev = <-sess.Disconnected():
	default:
	}
	l.detach(gen, ev)
}

func (l *link) onAck(sess transport.Session, desc *recovery.Descriptor, upTo uint64) {
	if upTo == 0 {
		return
	}
	if _, err := desc.OnAck(upTo); err != nil {
		l.log.WithError(err).Warn("Bad acknowledgement, dropping session")
		sess.Close()
	}
}

// ackLoop sends standalone acks for the session bound at gen until stop.
func (l *link) ackLoop(gen uint64, snd *sender.Sender, stop <-chan struct{}) {
	ticker := time.NewTicker(l.m.opts.AckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
		case <-l.ackSignal:
		case <-stop:
			return
		}

		l.sendMu.Lock()
		l.mu.Lock()
		current := l.gen == gen && l.state == StateConnected
		l.mu.Unlock()
		if current {
			if _, err := snd.Ack(); err != nil {
				snd.Session().Close()
			}
		}
		l.sendMu.Unlock()
	}
}

// detach handles the end of the session bound at gen: the descriptor goes
// to the registry and, depending on who dialed, a reconnect starts now or
// after the accept grace period.
func (l *link) detach(gen uint64, ev transport.DisconnectEvent) {
	l.sendMu.Lock()
	defer l.sendMu.Unlock()

	l.mu.Lock()
	if l.gen != gen || l.state != StateConnected {
		l.mu.Unlock()
		return
	}
	sess := l.unbind()

	switch {
	case l.abandoned != nil || l.m.isClosed():
	case l.initiator:
		l.startAttempt()
	default:
		l.armGrace()
	}
	l.mu.Unlock()

	sess.Close()
	l.log.WithField("reason", ev.String()).Info("Session lost")
}

// unbind parks the bound descriptor and moves to Disconnected. Must be
// called with sendMu and mu held while connected. Returns the old session
// for the caller to close.
func (l *link) unbind() transport.Session {
	sess, desc := l.sess, l.desc
	l.sess, l.desc, l.snd = nil, nil, nil
	close(l.stop)
	l.stop = nil
	l.setState(StateDisconnected)
	l.park(desc)
	return sess
}

// park returns a descriptor to the registry, dropping the claim on it.
// Must be called with mu held; after abandonment it does nothing, since the
// registry entry is gone and the identity may already belong to a new link.
func (l *link) park(desc *recovery.Descriptor) {
	if l.abandoned != nil {
		return
	}
	if desc == nil {
		l.m.registry.Release(l.id)
		return
	}
	if err := l.m.registry.Record(desc); err != nil {
		if !errors.Is(err, recovery.ErrInvalidated) {
			l.log.WithError(err).Warn("Could not park recovery state")
		}
		l.m.registry.Release(l.id)
		if n := desc.Invalidate(err); n > 0 {
			l.m.obs.MessagesFailed(l.id, n, err)
		}
	}
}

// armGrace waits for the peer to reconnect before dialing ourselves. Must be
// called with mu held.
func (l *link) armGrace() {
	var t *time.Timer
	t = time.AfterFunc(l.m.opts.AcceptGrace, func() { l.graceExpired(t) })
	l.grace = t
}

func (l *link) graceExpired(t *time.Timer) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.grace != t {
		return
	}
	l.grace = nil
	if l.state != StateDisconnected || l.attempt != nil || l.accepting || l.abandoned != nil {
		return
	}

	st, parked := l.m.registry.Peek(l.id)
	if len(l.queue) == 0 && (!parked || st.Unacked == 0) {
		l.log.Debug("Peer did not reconnect, nothing pending")
		return
	}
	l.log.Debug("Peer did not reconnect, dialing")
	l.startAttempt()
}

// abandon fails everything the link holds with cause and makes it terminal.
// Returns how many messages failed and the error from closing the session.
func (l *link) abandon(cause error) (int, error) {
	l.mu.Lock()
	if l.abandoned != nil {
		l.mu.Unlock()
		return 0, nil
	}
	l.abandoned = cause
	if l.attempt != nil {
		l.attempt.cancel(cause)
		l.attempt = nil
	}
	if l.grace != nil {
		l.grace.Stop()
		l.grace = nil
	}
	sess, desc := l.sess, l.desc
	l.sess, l.desc, l.snd = nil, nil, nil
	if l.stop != nil {
		close(l.stop)
		l.stop = nil
	}
	queue := l.queue
	l.queue = nil
	l.setState(StateFailed)
	l.mu.Unlock()

	failed := len(queue)
	for _, q := range queue {
		q.fut.resolve(cause)
	}
	if desc != nil {
		failed += desc.Invalidate(cause)
	}
	if failed > 0 {
		l.m.obs.MessagesFailed(l.id, failed, cause)
	}

	var err error
	if sess != nil {
		err = sess.Close()
	}
	return failed, err
}

func (l *link) stat() LinkStat {
	l.mu.Lock()
	st := LinkStat{
		Identity:   l.id,
		State:      l.state,
		Queued:     len(l.queue),
		Reconnects: l.reconnects,
		Initiator:  l.initiator,
	}
	desc := l.desc
	l.mu.Unlock()

	if desc != nil {
		st.Sent = desc.Sent()
		st.Acked = desc.Acked()
		st.Received = desc.Received()
		st.Unacked = desc.Unacked()
		st.Epoch = desc.Epoch()
	} else if p, ok := l.m.registry.Peek(l.id); ok {
		st.Sent = p.Sent
		st.Acked = p.Acked
		st.Received = p.Received
		st.Unacked = p.Unacked
	}
	return st
}
