package conn

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
	log "github.com/sirupsen/logrus"

	"github.com/risa-org/nodelink/handshake"
	"github.com/risa-org/nodelink/recovery"
	"github.com/risa-org/nodelink/registry"
)

// attempt is one reconnect run: up to Policy.MaxAttempts dials of the same
// identity. At most one is current per link.
type attempt struct {
	id     string
	cancel context.CancelCauseFunc
	done   chan struct{}
}

// startAttempt begins reconnecting in the background. Must be called with mu
// held while Disconnected and no attempt is current.
func (l *link) startAttempt() {
	ctx, cancel := context.WithCancelCause(l.m.ctx)
	a := &attempt{
		id:     ulid.Make().String(),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	l.attempt = a
	l.setState(StateReconnecting)

	l.m.wg.Add(1)
	go l.reconnect(ctx, a, l.m.Policy())
}

func (l *link) reconnect(ctx context.Context, a *attempt, p Policy) {
	defer l.m.wg.Done()
	defer close(a.done)
	defer a.cancel(nil)

	alog := l.log.WithField("attempt", a.id)
	alog.Debug("Reconnecting")

	err := l.retry(ctx, a, p, alog)
	if err == nil {
		return
	}
	if ctx.Err() != nil {
		err = context.Cause(ctx)
	}
	l.settle(a, err, alog)
}

// retry dials until one handshake completes, the budget runs out or ctx is
// cancelled. A permanent rejection stops it early.
func (l *link) retry(ctx context.Context, a *attempt, p Policy, alog *log.Entry) error {
	var lastErr error
	limit := p.MaxAttempts()

	for n := 1; limit <= 0 || n <= limit; n++ {
		if n > 1 {
			t := time.NewTimer(p.Delay(n - 1))
			select {
			case <-t.C:
			case <-ctx.Done():
				t.Stop()
				return context.Cause(ctx)
			}
		}

		err := l.dialOnce(ctx, a, p.AttemptTimeout())
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return context.Cause(ctx)
		}
		if errors.Is(err, errPreempted) {
			return err
		}

		lastErr = err
		l.m.obs.AttemptFailed(l.id, n, err)
		alog.WithError(err).WithField("try", n).Debug("Reconnect attempt failed")

		var rej *handshake.RejectedError
		if errors.As(err, &rej) {
			switch rej.Reason {
			case handshake.ReasonConcurrentConnect:
				return err
			case handshake.ReasonInvalidNode, handshake.ReasonSelfConnect,
				handshake.ReasonInvalidIndex, handshake.ReasonInvalidToken:
				return fmt.Errorf("%w: %w", ErrRetryBudgetExhausted, err)
			}
		}
		if errors.Is(err, registry.ErrClosed) {
			return err
		}
	}
	return fmt.Errorf("%w after %d attempts: %w", ErrRetryBudgetExhausted, limit, lastErr)
}

// dialOnce dials, claims the identity, runs the handshake and binds. On any
// failure the claim is returned to the registry and the session closed.
func (l *link) dialOnce(ctx context.Context, a *attempt, timeout time.Duration) error {
	if err := l.m.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("dial limiter: %w", err)
	}

	actx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		actx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	sess, err := l.m.opts.Dialer.Dial(actx, l.id.Node, l.id.ConnIdx)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}

	info, err := l.claim(a)
	if err != nil {
		sess.Close()
		return err
	}
	desc := info.Descriptor

	local := l.m.hello(l.id, desc)
	peer, err := handshake.Exchange(actx, sess, local)
	if err == nil && (peer.NodeID != l.id.Node || peer.ConnIdx != l.id.ConnIdx) {
		err = fmt.Errorf("handshake: dialed %s but %s/%d answered", l.id, peer.NodeID, peer.ConnIdx)
	}
	if err == nil && ctx.Err() != nil {
		// cancelled during the exchange, do not complete a stale handshake
		err = context.Cause(ctx)
	}
	if err != nil {
		sess.Close()
		l.parkLocked(desc)
		return err
	}

	out, err := handshake.Reconcile(l.id, desc, local, peer)
	if err != nil {
		sess.Close()
		l.parkLocked(desc)
		return fmt.Errorf("reconcile: %w", err)
	}
	if out.Diverged {
		l.m.obs.Diverged(l.id)
		if out.Failed > 0 {
			l.m.obs.MessagesFailed(l.id, out.Failed, ErrSequenceDivergence)
		}
		l.log.WithFields(log.Fields{
			"local":  local.String(),
			"peer":   peer.String(),
			"failed": out.Failed,
		}).Warn("Sequence divergence, recovery state reset")
	}

	return l.bind(sess, out, true, a)
}

// claim takes the registry hold for a. It refuses once the link is
// abandoned or a is no longer current, so a late attempt cannot take an
// identity that a newer link owns.
func (l *link) claim(a *attempt) (registry.Info, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.abandoned != nil {
		return registry.Info{}, l.abandoned
	}
	if l.attempt != a {
		return registry.Info{}, errPreempted
	}
	return l.m.registry.Claim(l.id)
}

func (l *link) parkLocked(desc *recovery.Descriptor) {
	l.mu.Lock()
	l.park(desc)
	l.mu.Unlock()
}

// settle handles an attempt that ended without binding.
func (l *link) settle(a *attempt, err error, alog *log.Entry) {
	l.mu.Lock()
	if l.attempt != a {
		// preempted by an inbound session, or abandoned
		l.mu.Unlock()
		return
	}
	l.attempt = nil

	var rej *handshake.RejectedError
	if errors.As(err, &rej) && rej.Reason == handshake.ReasonConcurrentConnect {
		l.setState(StateDisconnected)
		l.armGrace()
		l.mu.Unlock()
		alog.Debug("Peer is dialing us, waiting for it")
		return
	}
	l.mu.Unlock()

	l.fail(err)
}

// fail gives up on the link: everything queued, bound or parked fails with
// cause, and the identity starts over on the next send.
func (l *link) fail(cause error) {
	n, _ := l.abandon(cause)
	if parked := l.m.registry.Abandon(l.id, cause); parked > 0 {
		l.m.obs.MessagesFailed(l.id, parked, cause)
		n += parked
	}
	l.m.forget(l)

	l.log.WithError(cause).WithField("failed", n).Warn("Connection failed")
}
