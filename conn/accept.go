package conn

import (
	"context"
	"errors"

	log "github.com/sirupsen/logrus"

	"github.com/risa-org/nodelink/handshake"
	"github.com/risa-org/nodelink/recovery"
	"github.com/risa-org/nodelink/registry"
	"github.com/risa-org/nodelink/transport"
)

// Accept admits an inbound session. It reads the dialer's hello, decides
// whether this session may carry the logical connection it names, and binds
// it. The manager owns sess from here on; a rejected session is closed.
//
// Accept blocks until the handshake is done, so listeners call it on the
// goroutine they hand the session to.
func (m *Manager) Accept(sess transport.Session) {
	ctx, cancel := m.acceptContext()
	defer cancel()

	hello, err := handshake.ReadHello(ctx, sess)
	if err != nil {
		m.log.WithError(err).Debug("Inbound session without a hello, dropping it")
		sess.Close()
		return
	}
	id := recovery.Identity{Node: hello.NodeID, ConnIdx: hello.ConnIdx}

	if reason := m.validator.Validate(hello); reason != "" {
		m.reject(sess, id, reason)
		return
	}
	l := m.link(id)
	if l == nil {
		m.reject(sess, id, handshake.ReasonShuttingDown)
		return
	}

	if err := l.accept(ctx, sess, hello); err != nil {
		var rej *handshake.RejectedError
		if !errors.As(err, &rej) {
			l.log.WithError(err).Debug("Inbound session not admitted")
		}
	}
}

func (m *Manager) acceptContext() (context.Context, context.CancelFunc) {
	if t := m.Policy().AttemptTimeout(); t > 0 {
		return context.WithTimeout(m.ctx, t)
	}
	return context.WithCancel(m.ctx)
}

// reject turns sess away with reason and closes it.
func (m *Manager) reject(sess transport.Session, id recovery.Identity, reason string) error {
	m.obs.Rejected(id, reason)
	m.log.WithFields(log.Fields{
		"peer":   id.Node,
		"conn":   id.ConnIdx,
		"reason": reason,
	}).Debug("Inbound session rejected")

	if err := handshake.Reject(sess, reason); err != nil {
		m.log.WithError(err).Debug("Could not send rejection")
	}
	sess.Close()
	return &handshake.RejectedError{Reason: reason}
}

func (l *link) accept(ctx context.Context, sess transport.Session, hello handshake.Hello) error {
	reason, wait, old := l.admit(hello)
	if old != nil {
		old.Close()
	}
	if reason != "" {
		return l.m.reject(sess, l.id, reason)
	}

	if wait != nil {
		select {
		case <-wait:
		case <-ctx.Done():
			l.endAccept(false, nil)
			sess.Close()
			return context.Cause(ctx)
		}
	}

	info, err := l.acceptClaim()
	if err != nil {
		l.endAccept(false, nil)
		return l.m.reject(sess, l.id, handshake.ReasonBusy)
	}
	desc := info.Descriptor

	local := l.m.hello(l.id, desc)
	if err := handshake.Respond(sess, handshake.Reply{Hello: local}); err != nil {
		sess.Close()
		l.endAccept(true, desc)
		return err
	}

	out, err := handshake.Reconcile(l.id, desc, local, hello)
	if err != nil {
		sess.Close()
		l.endAccept(true, desc)
		return err
	}
	if out.Diverged {
		l.m.obs.Diverged(l.id)
		if out.Failed > 0 {
			l.m.obs.MessagesFailed(l.id, out.Failed, ErrSequenceDivergence)
		}
		l.log.WithFields(log.Fields{
			"local":  local.String(),
			"peer":   hello.String(),
			"failed": out.Failed,
		}).Warn("Sequence divergence, recovery state reset")
	}

	return l.bind(sess, out, false, nil)
}

// admit decides what an inbound hello does to the link. It returns a
// rejection reason, or a channel to wait on before claiming (our own
// preempted attempt), and a replaced session for the caller to close.
//
// A dial in flight on both sides is settled by node ID: the lower ID's dial
// wins. A hello while connected replaces the session, since the peer only
// dials when it thinks the old one is gone, unless it comes from an older
// epoch of the same peer run.
func (l *link) admit(hello handshake.Hello) (reason string, wait <-chan struct{}, old transport.Session) {
	l.sendMu.Lock()
	defer l.sendMu.Unlock()
	l.mu.Lock()
	defer l.mu.Unlock()

	switch {
	case l.abandoned != nil, l.accepting:
		return handshake.ReasonBusy, nil, nil

	case l.attempt != nil:
		if l.m.opts.NodeID < hello.NodeID {
			return handshake.ReasonConcurrentConnect, nil, nil
		}
		a := l.attempt
		l.attempt = nil
		a.cancel(errPreempted)
		wait = a.done

	case l.state == StateConnected:
		if hello.Incarnation == l.desc.PeerIncarnation() && hello.Epoch < l.desc.Epoch() {
			return handshake.ReasonStaleConnection, nil, nil
		}
		l.log.WithField("hello", hello.String()).Debug("Peer redialed, replacing session")
		old = l.unbind()
	}

	if l.grace != nil {
		l.grace.Stop()
		l.grace = nil
	}
	l.accepting = true
	l.setState(StateReconnecting)
	return "", wait, old
}

func (l *link) acceptClaim() (registry.Info, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.abandoned != nil {
		return registry.Info{}, l.abandoned
	}
	return l.m.registry.Claim(l.id)
}

// endAccept backs out of a failed admission. claimed says whether the
// registry hold was taken, in which case desc goes back to it. Anything
// still pending is left to the grace timer.
func (l *link) endAccept(claimed bool, desc *recovery.Descriptor) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.accepting = false
	if claimed {
		l.park(desc)
	}
	if l.abandoned != nil || l.state != StateReconnecting || l.attempt != nil {
		return
	}
	l.setState(StateDisconnected)
	if l.grace == nil {
		l.armGrace()
	}
}
