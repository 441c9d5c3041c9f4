// Package conn is the connection manager: it owns every logical connection
// to other nodes, binds each to a physical session, and when a session
// drops it reconnects, runs the handshake and replays what the peer missed.
//
// A logical connection is identified by (remote node, connection index).
// Each index has its own sequence numbers and ordering; nothing is ordered
// across indices.
package conn

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/hashicorp/go-multierror"
	"github.com/oklog/ulid/v2"
	log "github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/risa-org/nodelink/handshake"
	"github.com/risa-org/nodelink/recovery"
	"github.com/risa-org/nodelink/registry"
	"github.com/risa-org/nodelink/transport"
)

// Manager owns the logical connections of one node.
type Manager struct {
	opts        Options
	incarnation string
	log         *log.Entry
	registry    *registry.Registry
	limiter     *rate.Limiter
	validator   *handshake.Handler
	obs         Observer

	ctx    context.Context
	cancel context.CancelCauseFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	links  map[recovery.Identity]*link
	policy Policy
	closed bool
}

// New creates a manager. It dials nothing until the first send; inbound
// sessions are handed to Accept by whatever listens for them.
func New(opts Options) (*Manager, error) {
	if opts.NodeID == "" {
		return nil, errors.New("conn: NodeID is required")
	}
	if opts.Dialer == nil {
		return nil, errors.New("conn: Dialer is required")
	}
	opts.setDefaults()

	ctx, cancel := context.WithCancelCause(context.Background())
	m := &Manager{
		opts:        opts,
		incarnation: ulid.Make().String(),
		registry:    registry.New(),
		limiter:     rate.NewLimiter(rate.Limit(opts.DialRate), opts.DialBurst),
		validator: &handshake.Handler{
			Self:               opts.NodeID,
			ConnectionsPerNode: opts.ConnectionsPerNode,
			Tokens:             opts.Tokens,
		},
		obs:    opts.Observer,
		ctx:    ctx,
		cancel: cancel,
		links:  make(map[recovery.Identity]*link),
		policy: opts.Policy,
	}
	m.log = log.WithFields(log.Fields{
		"node":        opts.NodeID,
		"incarnation": m.incarnation,
	})
	m.log.Info("Connection manager started")
	return m, nil
}

// NodeID returns the local node ID.
func (m *Manager) NodeID() string {
	return m.opts.NodeID
}

// Incarnation identifies this run of the manager. It changes on restart.
func (m *Manager) Incarnation() string {
	return m.incarnation
}

// Policy returns the current reconnect policy.
func (m *Manager) Policy() Policy {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.policy
}

// SetPolicy replaces the reconnect policy. Attempts already running keep the
// policy they started with.
func (m *Manager) SetPolicy(p Policy) {
	if p == nil {
		return
	}
	m.mu.Lock()
	m.policy = p
	m.mu.Unlock()
	m.log.Info("Reconnect policy updated")
}

// SendMessage sends payload on the logical connection (node, connIdx).
// The returned future resolves nil once the peer acknowledges the message.
//
// While the connection is down the message waits in a bounded queue and a
// reconnect is started if nobody is working on one; a full queue fails the
// future with ErrBackpressure right away. Payloads over transport.MaxPayload
// fail with ErrPayloadTooLarge before anything is recorded.
func (m *Manager) SendMessage(node string, connIdx int, payload []byte) *Future {
	if node == "" || node == m.opts.NodeID {
		return failedFuture(fmt.Errorf("%w: %q", ErrInvalidNode, node))
	}
	if connIdx < 0 || connIdx >= m.opts.ConnectionsPerNode {
		return failedFuture(fmt.Errorf("%w: %d", ErrInvalidIndex, connIdx))
	}
	if len(payload) > transport.MaxPayload {
		return failedFuture(fmt.Errorf("%w: %d bytes, limit %d", ErrPayloadTooLarge, len(payload), transport.MaxPayload))
	}

	l := m.link(recovery.Identity{Node: node, ConnIdx: connIdx})
	if l == nil {
		return failedFuture(ErrManagerClosed)
	}

	fut := newFuture()
	l.send(payload, fut)
	return fut
}

// NotifyNodeLeft abandons every connection index of node: reconnects in
// flight are cancelled, live sessions closed, and every unacknowledged or
// queued message fails with ErrAbandoned. A later send to node starts over
// from scratch.
func (m *Manager) NotifyNodeLeft(node string) {
	m.mu.Lock()
	var victims []*link
	for id, l := range m.links {
		if id.Node == node {
			victims = append(victims, l)
			delete(m.links, id)
		}
	}
	m.mu.Unlock()

	// Parked state goes before the sessions close, so a redial that follows
	// the close claims a clean registry.
	failed := m.registry.AbandonNode(node, ErrAbandoned)
	for _, l := range victims {
		n, _ := l.abandon(ErrAbandoned)
		failed += n
	}

	m.log.WithFields(log.Fields{
		"peer":   node,
		"links":  len(victims),
		"failed": failed,
	}).Info("Remote node left, connections abandoned")
}

// CloseSessions drops the live physical sessions to node without touching
// recovery state, as if the network had failed. Returns how many were closed.
func (m *Manager) CloseSessions(node string) int {
	var sessions []interface{ Close() error }
	for _, l := range m.linksOf(node) {
		l.mu.Lock()
		if l.sess != nil {
			sessions = append(sessions, l.sess)
		}
		l.mu.Unlock()
	}
	for _, s := range sessions {
		s.Close()
	}
	return len(sessions)
}

// Close abandons every connection with ErrManagerClosed and waits for
// reconnect attempts to finish.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	links := make([]*link, 0, len(m.links))
	for _, l := range m.links {
		links = append(links, l)
	}
	m.links = make(map[recovery.Identity]*link)
	m.mu.Unlock()

	m.cancel(ErrManagerClosed)

	var result *multierror.Error
	failed := 0
	for _, l := range links {
		n, err := l.abandon(ErrManagerClosed)
		failed += n
		if err != nil {
			result = multierror.Append(result, fmt.Errorf("close %s: %w", l.id, err))
		}
	}
	failed += m.registry.Close(ErrManagerClosed)
	m.wg.Wait()

	m.log.WithField("failed", failed).Info("Connection manager closed")
	return result.ErrorOrNil()
}

// LinkStat describes one logical connection for introspection.
type LinkStat struct {
	Identity   recovery.Identity
	State      State
	Sent       uint64
	Acked      uint64
	Received   uint64
	Unacked    int
	Queued     int
	Epoch      uint64
	Reconnects int
	Initiator  bool
}

// Snapshot lists every logical connection the manager knows, sorted by
// identity.
func (m *Manager) Snapshot() []LinkStat {
	m.mu.Lock()
	links := make([]*link, 0, len(m.links))
	for _, l := range m.links {
		links = append(links, l)
	}
	m.mu.Unlock()

	out := make([]LinkStat, 0, len(links))
	for _, l := range links {
		out = append(out, l.stat())
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].Identity, out[j].Identity
		if a.Node != b.Node {
			return a.Node < b.Node
		}
		return a.ConnIdx < b.ConnIdx
	})
	return out
}

// Disconnected lists the recovery state parked in the registry.
func (m *Manager) Disconnected() []registry.Stat {
	return m.registry.Snapshot()
}

// link returns the logical connection for id, creating it on first use.
// Returns nil once the manager is closed.
func (m *Manager) link(id recovery.Identity) *link {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil
	}
	l, ok := m.links[id]
	if !ok {
		l = newLink(m, id)
		m.links[id] = l
	}
	return l
}

// forget removes l from the map if it is still the link for its identity.
func (m *Manager) forget(l *link) {
	m.mu.Lock()
	if m.links[l.id] == l {
		delete(m.links, l.id)
	}
	m.mu.Unlock()
}

func (m *Manager) linksOf(node string) []*link {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*link
	for id, l := range m.links {
		if id.Node == node {
			out = append(out, l)
		}
	}
	return out
}

func (m *Manager) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// hello builds our handshake message for id from desc.
func (m *Manager) hello(id recovery.Identity, desc *recovery.Descriptor) handshake.Hello {
	h := handshake.Local(m.opts.NodeID, m.incarnation, id.ConnIdx, desc)
	if m.opts.Tokens != nil {
		h.Token = m.opts.Tokens.Issue(h.NodeID, h.Incarnation, h.ConnIdx)
	}
	return h
}

func (m *Manager) deliver(id recovery.Identity, payload []byte) {
	if m.opts.Handler == nil {
		return
	}
	m.opts.Handler(id.Node, id.ConnIdx, payload)
}
