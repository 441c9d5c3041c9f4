// Package registry holds recovery descriptors of logical connections whose
// physical session is gone, between "session observed closed" and "reconnect
// completed or abandoned".
//
// The registry is owned by one connection manager. It is created when the
// manager starts and torn down by Close when it stops.
package registry

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/spaolacci/murmur3"

	"github.com/risa-org/nodelink/recovery"
)

const shardCount = 32

var (
	// ErrReservationConflict is returned by Claim when another attempt
	// already holds the identity.
	ErrReservationConflict = errors.New("identity already claimed by another reconnect attempt")

	// ErrDowngrade is returned by Record when the descriptor has sent less
	// than the one already registered for the same identity.
	ErrDowngrade = errors.New("refusing to downgrade recovery state")

	// ErrSuperseded is the cause handed to a descriptor replaced by a newer
	// one for the same identity.
	ErrSuperseded = errors.New("recovery descriptor superseded")

	// ErrClosed is returned by every operation after Close.
	ErrClosed = errors.New("registry closed")
)

// Info is what Claim hands a reconnect attempt. Descriptor is nil when no
// recovery state exists for the identity and the connection starts fresh.
type Info struct {
	Descriptor *recovery.Descriptor
	ConnIdx    int
}

// Stat describes one registry entry for introspection.
type Stat struct {
	Identity recovery.Identity
	Sent     uint64
	Acked    uint64
	Received uint64
	Unacked  int
	Held     bool
	Since    time.Time
}

type entry struct {
	desc  *recovery.Descriptor
	held  bool
	since time.Time
}

type shard struct {
	mu      sync.Mutex
	entries map[recovery.Identity]*entry
	closed  bool
}

// Registry is a sharded map from identity to parked recovery descriptor.
// All connection indices of a node live in the same shard, so every
// operation is atomic per identity and per node.
type Registry struct {
	shards [shardCount]*shard
	now    func() time.Time
}

// New creates an empty registry.
func New() *Registry {
	r := &Registry{now: time.Now}
	for i := range r.shards {
		r.shards[i] = &shard{entries: make(map[recovery.Identity]*entry)}
	}
	return r
}

func (r *Registry) shardFor(node string) *shard {
	return r.shards[murmur3.Sum32([]byte(node))%shardCount]
}

// Record parks desc under its identity and drops any claim on it.
//
// An existing valid descriptor for the same identity is only replaced by one
// that has sent at least as much; the replaced descriptor is invalidated with
// ErrSuperseded. Recording an invalidated descriptor fails with its cause.
func (r *Registry) Record(desc *recovery.Descriptor) error {
	if err := desc.Err(); err != nil {
		return fmt.Errorf("record %s: %w", desc.Identity(), err)
	}

	id := desc.Identity()
	s := r.shardFor(id.Node)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	var old *recovery.Descriptor
	if e, ok := s.entries[id]; ok && e.desc != nil && e.desc != desc && e.desc.Valid() {
		if desc.Sent() < e.desc.Sent() {
			sent := e.desc.Sent()
			s.mu.Unlock()
			return fmt.Errorf("record %s: %w: sent %d, registered %d", id, ErrDowngrade, desc.Sent(), sent)
		}
		old = e.desc
	}
	desc.Release()
	s.entries[id] = &entry{desc: desc, since: r.now()}
	s.mu.Unlock()

	if old != nil {
		old.Invalidate(ErrSuperseded)
	}
	return nil
}

// Claim hands the identity to exactly one reconnect attempt. While held, a
// second Claim fails with ErrReservationConflict and changes nothing. An
// unknown identity is held too and comes back with a nil Descriptor.
//
// The holder finishes with Record (keep the state for a later attempt) or
// Release (the state now lives elsewhere, or there was none).
func (r *Registry) Claim(id recovery.Identity) (Info, error) {
	s := r.shardFor(id.Node)

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return Info{}, ErrClosed
	}
	e, ok := s.entries[id]
	if !ok {
		s.entries[id] = &entry{held: true, since: r.now()}
		return Info{ConnIdx: id.ConnIdx}, nil
	}
	if e.held {
		return Info{}, fmt.Errorf("claim %s: %w", id, ErrReservationConflict)
	}
	if e.desc != nil {
		if err := e.desc.Reserve(); err != nil {
			if errors.Is(err, recovery.ErrReserved) {
				return Info{}, fmt.Errorf("claim %s: %w", id, ErrReservationConflict)
			}
			// invalidated behind our back, nothing left to recover
			e.desc = nil
		}
	}
	e.held = true
	return Info{Descriptor: e.desc, ConnIdx: id.ConnIdx}, nil
}

// Release forgets the identity and drops the claim. It does not touch the
// descriptor, which the caller keeps using or has already discarded.
func (r *Registry) Release(id recovery.Identity) {
	s := r.shardFor(id.Node)
	s.mu.Lock()
	delete(s.entries, id)
	s.mu.Unlock()
}

// Abandon drops the identity, held or not, and invalidates its descriptor
// with cause so that every unacknowledged message is reported failed.
// Returns how many messages were failed. An attempt holding the identity
// finds its descriptor invalid and must not record it again.
func (r *Registry) Abandon(id recovery.Identity, cause error) int {
	s := r.shardFor(id.Node)

	s.mu.Lock()
	e, ok := s.entries[id]
	delete(s.entries, id)
	s.mu.Unlock()

	if !ok || e.desc == nil {
		return 0
	}
	return e.desc.Invalidate(cause)
}

// AbandonNode abandons every connection index of node.
func (r *Registry) AbandonNode(node string, cause error) int {
	s := r.shardFor(node)

	var victims []*recovery.Descriptor
	s.mu.Lock()
	for id, e := range s.entries {
		if id.Node != node {
			continue
		}
		delete(s.entries, id)
		if e.desc != nil {
			victims = append(victims, e.desc)
		}
	}
	s.mu.Unlock()

	failed := 0
	for _, d := range victims {
		failed += d.Invalidate(cause)
	}
	return failed
}

// Peek returns the entry for id without claiming it.
func (r *Registry) Peek(id recovery.Identity) (Stat, bool) {
	s := r.shardFor(id.Node)
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[id]
	if !ok {
		return Stat{}, false
	}
	return stat(id, e), true
}

// Snapshot lists every entry, sorted by identity.
func (r *Registry) Snapshot() []Stat {
	var out []Stat
	for _, s := range r.shards {
		s.mu.Lock()
		for id, e := range s.entries {
			out = append(out, stat(id, e))
		}
		s.mu.Unlock()
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

// Len returns the number of parked descriptors. Claims on identities without
// recovery state are not counted.
func (r *Registry) Len() int {
	n := 0
	for _, s := range r.shards {
		s.mu.Lock()
		for _, e := range s.entries {
			if e.desc != nil {
				n++
			}
		}
		s.mu.Unlock()
	}
	return n
}

// Close invalidates every descriptor with cause and refuses further use.
// Returns how many messages were failed.
func (r *Registry) Close(cause error) int {
	var victims []*recovery.Descriptor
	for _, s := range r.shards {
		s.mu.Lock()
		s.closed = true
		for _, e := range s.entries {
			if e.desc != nil {
				victims = append(victims, e.desc)
			}
		}
		s.entries = make(map[recovery.Identity]*entry)
		s.mu.Unlock()
	}

	failed := 0
	for _, d := range victims {
		failed += d.Invalidate(cause)
	}
	return failed
}

func stat(id recovery.Identity, e *entry) Stat {
	st := Stat{Identity: id, Held: e.held, Since: e.since}
	if e.desc != nil {
		st.Sent = e.desc.Sent()
		st.Acked = e.desc.Acked()
		st.Received = e.desc.Received()
		st.Unacked = e.desc.Unacked()
	}
	return st
}
