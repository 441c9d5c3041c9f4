// Package pipe is an in-process network for demos and tests. Nodes register
// an accept callback, dial each other by node ID, and the network can cut
// live links or take a node down to simulate failures.
//
// Sessions are tcp adapters over net.Pipe, so the wire format is the same as
// on a real socket.
package pipe

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/risa-org/nodelink/transport"
	"github.com/risa-org/nodelink/transport/tcp"
)

var (
	// ErrUnreachable is returned when dialing a node that is not listening
	// or has been taken down.
	ErrUnreachable = errors.New("node unreachable")
)

type link struct {
	from, to string
	a, b     transport.Session
}

// Network connects in-process nodes.
type Network struct {
	mu      sync.Mutex
	accepts map[string]func(transport.Session)
	down    map[string]bool
	links   map[*link]struct{}
	dials   int
}

// New creates an empty network.
func New() *Network {
	return &Network{
		accepts: make(map[string]func(transport.Session)),
		down:    make(map[string]bool),
		links:   make(map[*link]struct{}),
	}
}

// Listen registers accept as node's inbound handler. Each accepted session
// is handed over on its own goroutine.
func (n *Network) Listen(node string, accept func(transport.Session)) {
	n.mu.Lock()
	n.accepts[node] = accept
	n.mu.Unlock()
}

// Unlisten removes node's inbound handler.
func (n *Network) Unlisten(node string) {
	n.mu.Lock()
	delete(n.accepts, node)
	n.mu.Unlock()
}

// Dialer returns a dialer that connects from node.
func (n *Network) Dialer(from string) *Dialer {
	return &Dialer{net: n, from: from}
}

// Cut closes every session between a and b, in both directions. Links that
// already died on their own are counted too.
// Returns how many links were cut.
func (n *Network) Cut(a, b string) int {
	return n.closeWhere(func(l *link) bool {
		return (l.from == a && l.to == b) || (l.from == b && l.to == a)
	})
}

// CutAll closes every live session touching node.
func (n *Network) CutAll(node string) int {
	return n.closeWhere(func(l *link) bool { return l.from == node || l.to == node })
}

// Down cuts node's links and makes dials to and from it fail until Up.
func (n *Network) Down(node string) {
	n.mu.Lock()
	n.down[node] = true
	n.mu.Unlock()
	n.CutAll(node)
}

// Up reverses Down.
func (n *Network) Up(node string) {
	n.mu.Lock()
	delete(n.down, node)
	n.mu.Unlock()
}

// Dials returns how many dials succeeded so far.
func (n *Network) Dials() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.dials
}

func (n *Network) closeWhere(match func(*link) bool) int {
	n.mu.Lock()
	var victims []*link
	for l := range n.links {
		if match(l) {
			victims = append(victims, l)
			delete(n.links, l)
		}
	}
	n.mu.Unlock()

	for _, l := range victims {
		l.a.Close()
		l.b.Close()
	}
	return len(victims)
}

// Dialer dials other nodes on a Network.
type Dialer struct {
	net  *Network
	from string
}

// Dial connects to node.
func (d *Dialer) Dial(ctx context.Context, node string, connIdx int) (transport.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	n := d.net
	n.mu.Lock()
	accept, ok := n.accepts[node]
	if !ok || n.down[node] || n.down[d.from] {
		n.mu.Unlock()
		return nil, fmt.Errorf("dial %s from %s: %w", node, d.from, ErrUnreachable)
	}
	c1, c2 := net.Pipe()
	l := &link{from: d.from, to: node, a: tcp.New(c1), b: tcp.New(c2)}
	n.links[l] = struct{}{}
	n.dials++
	n.mu.Unlock()

	go accept(l.b)

	return l.a, nil
}
