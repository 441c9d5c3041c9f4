package tcp

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/risa-org/nodelink/transport"
)

// ErrUnknownNode is returned when the address book has no address for a node.
var ErrUnknownNode = errors.New("no address known for node")

// AddressBook resolves a node ID to a dialable address.
type AddressBook interface {
	Address(node string) (string, bool)
}

// AddressBookFunc adapts a function to an AddressBook.
type AddressBookFunc func(node string) (string, bool)

// Address implements AddressBook.
func (f AddressBookFunc) Address(node string) (string, bool) {
	return f(node)
}

// StaticAddresses is an AddressBook backed by a fixed map, for static
// cluster configuration and tests.
type StaticAddresses struct {
	mu    sync.RWMutex
	addrs map[string]string
}

// NewStaticAddresses copies addrs into a new StaticAddresses.
func NewStaticAddresses(addrs map[string]string) *StaticAddresses {
	s := &StaticAddresses{addrs: make(map[string]string, len(addrs))}
	for node, addr := range addrs {
		s.addrs[node] = addr
	}
	return s
}

// Address implements AddressBook.
func (s *StaticAddresses) Address(node string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	addr, ok := s.addrs[node]
	return addr, ok
}

// Set adds or replaces the address of node.
func (s *StaticAddresses) Set(node, addr string) {
	s.mu.Lock()
	s.addrs[node] = addr
	s.mu.Unlock()
}

// Dialer opens TCP sessions to nodes resolved through an AddressBook.
type Dialer struct {
	Book         AddressBook
	KeepAlive    time.Duration // zero uses the net package default
	WriteTimeout time.Duration // zero uses DefaultWriteTimeout
}

// Dial connects to node. The connection index does not change where we dial;
// it is carried by the handshake.
func (d *Dialer) Dial(ctx context.Context, node string, connIdx int) (transport.Session, error) {
	addr, ok := d.Book.Address(node)
	if !ok {
		return nil, fmt.Errorf("dial %s: %w", node, ErrUnknownNode)
	}

	nd := net.Dialer{KeepAlive: d.KeepAlive}
	c, err := nd.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s at %s: %w", node, addr, err)
	}

	log.WithFields(log.Fields{
		"peer": node,
		"conn": connIdx,
		"addr": addr,
	}).Debug("TCP session dialed")

	return New(c, d.options()...), nil
}

func (d *Dialer) options() []Option {
	if d.WriteTimeout > 0 {
		return []Option{WithWriteTimeout(d.WriteTimeout)}
	}
	return nil
}
