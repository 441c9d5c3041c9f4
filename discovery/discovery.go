// Package discovery tracks cluster membership over gossip.
//
// Every node advertises the address its transport listens on in its
// memberlist metadata. Membership turns that into an address book for the
// dialers and reports departed nodes so their connections can be abandoned.
package discovery

import (
	"errors"
	"fmt"
	"net"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/memberlist"
	log "github.com/sirupsen/logrus"
)

// Config configures a Membership.
type Config struct {
	// NodeID is the memberlist node name. It must match the connection
	// manager's node ID.
	NodeID string

	// BindAddr and BindPort are where gossip listens. Port 0 picks one.
	BindAddr string
	BindPort int

	// Advertise is the transport address other nodes dial.
	Advertise string

	// Seeds are existing members to join. Empty starts a new cluster.
	Seeds []string

	// OnLeave is called when a node leaves or is declared dead. It runs on
	// the gossip goroutine and must not block for long.
	OnLeave func(node string)

	// Fallback resolves nodes not (yet) seen through gossip.
	Fallback AddressBook
}

// AddressBook resolves a node ID to a dialable address.
type AddressBook interface {
	Address(node string) (string, bool)
}

// Membership is a gossip view of the cluster.
type Membership struct {
	cfg Config
	ml  *memberlist.Memberlist
	log *log.Entry

	mu    sync.RWMutex
	addrs map[string]string

	closeOnce sync.Once
}

// New starts gossiping and joins cfg.Seeds if any.
func New(cfg Config) (*Membership, error) {
	if cfg.NodeID == "" {
		return nil, errors.New("discovery: NodeID is required")
	}

	m := &Membership{
		cfg:   cfg,
		log:   log.WithFields(log.Fields{"node": cfg.NodeID, "component": "discovery"}),
		addrs: make(map[string]string),
	}

	mlc := memberlist.DefaultLANConfig()
	mlc.Name = cfg.NodeID
	if cfg.BindAddr != "" {
		mlc.BindAddr = cfg.BindAddr
	}
	mlc.BindPort = cfg.BindPort
	mlc.AdvertisePort = cfg.BindPort
	mlc.Delegate = &meta{addr: []byte(cfg.Advertise)}
	mlc.Events = &events{m: m}
	mlc.LogOutput = &logWriter{entry: m.log}

	ml, err := memberlist.Create(mlc)
	if err != nil {
		return nil, fmt.Errorf("create memberlist: %w", err)
	}
	m.ml = ml

	if len(cfg.Seeds) > 0 {
		n, err := ml.Join(cfg.Seeds)
		if err != nil {
			ml.Shutdown()
			return nil, fmt.Errorf("join %v: %w", cfg.Seeds, err)
		}
		m.log.WithFields(log.Fields{"seeds": cfg.Seeds, "contacted": n}).Info("Joined cluster")
	} else {
		m.log.Info("Started a new cluster")
	}
	return m, nil
}

// Address implements the transport dialers' address book.
func (m *Membership) Address(node string) (string, bool) {
	m.mu.RLock()
	addr, ok := m.addrs[node]
	m.mu.RUnlock()
	if ok {
		return addr, true
	}
	if m.cfg.Fallback != nil {
		return m.cfg.Fallback.Address(node)
	}
	return "", false
}

// Members lists the node IDs currently alive, ourselves included, sorted.
func (m *Membership) Members() []string {
	var out []string
	for _, n := range m.ml.Members() {
		out = append(out, n.Name)
	}
	sort.Strings(out)
	return out
}

// GossipAddr is where other nodes can join us.
func (m *Membership) GossipAddr() string {
	n := m.ml.LocalNode()
	return net.JoinHostPort(n.Addr.String(), strconv.Itoa(int(n.Port)))
}

// Leave announces our departure and stops gossiping.
func (m *Membership) Leave(timeout time.Duration) error {
	err := m.ml.Leave(timeout)
	if cerr := m.Close(); err == nil {
		err = cerr
	}
	return err
}

// Close stops gossiping without announcing anything.
func (m *Membership) Close() error {
	var err error
	m.closeOnce.Do(func() {
		err = m.ml.Shutdown()
	})
	return err
}

func (m *Membership) joined(n *memberlist.Node) {
	if n.Name == m.cfg.NodeID {
		return
	}
	addr := string(n.Meta)
	if addr == "" {
		m.log.WithField("peer", n.Name).Warn("Member advertises no transport address")
		return
	}
	m.mu.Lock()
	m.addrs[n.Name] = addr
	m.mu.Unlock()
}

func (m *Membership) left(n *memberlist.Node) {
	if n.Name == m.cfg.NodeID {
		return
	}
	m.mu.Lock()
	delete(m.addrs, n.Name)
	m.mu.Unlock()

	m.log.WithField("peer", n.Name).Info("Member left")
	if m.cfg.OnLeave != nil {
		m.cfg.OnLeave(n.Name)
	}
}

// events implements memberlist.EventDelegate.
type events struct {
	m *Membership
}

func (e *events) NotifyJoin(n *memberlist.Node) {
	e.m.log.WithFields(log.Fields{"peer": n.Name, "addr": string(n.Meta)}).Info("Member joined")
	e.m.joined(n)
}

func (e *events) NotifyLeave(n *memberlist.Node) {
	e.m.left(n)
}

func (e *events) NotifyUpdate(n *memberlist.Node) {
	e.m.log.WithField("peer", n.Name).Debug("Member updated")
	e.m.joined(n)
}

// meta implements memberlist.Delegate, only to carry our address.
type meta struct {
	addr []byte
}

func (d *meta) NodeMeta(limit int) []byte {
	if len(d.addr) > limit {
		return d.addr[:limit]
	}
	return d.addr
}

func (d *meta) NotifyMsg([]byte)                           {}
func (d *meta) GetBroadcasts(overhead, limit int) [][]byte { return nil }
func (d *meta) LocalState(join bool) []byte                { return nil }
func (d *meta) MergeRemoteState(buf []byte, join bool)     {}

// logWriter routes memberlist's log lines to logrus at debug level.
type logWriter struct {
	entry *log.Entry
}

func (w *logWriter) Write(p []byte) (int, error) {
	w.entry.Debug(strings.TrimSpace(string(p)))
	return len(p), nil
}
