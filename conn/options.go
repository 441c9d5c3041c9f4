package conn

import (
	"context"
	"time"

	"github.com/risa-org/nodelink/handshake"
	"github.com/risa-org/nodelink/recovery"
	"github.com/risa-org/nodelink/transport"
)

// Dialer opens a physical session to a node. The tcp, websocket and pipe
// transports all provide one.
type Dialer interface {
	Dial(ctx context.Context, node string, connIdx int) (transport.Session, error)
}

// Handler receives application messages, at most once per sequence number
// and in order per connection index. It runs on the session's read path, so
// a slow handler slows that connection down.
type Handler func(node string, connIdx int, payload []byte)

// Observer is told about everything worth counting. Methods must not block.
type Observer interface {
	StateChanged(id recovery.Identity, from, to State)
	Replayed(id recovery.Identity, n int)
	Duplicate(id recovery.Identity)
	MessagesFailed(id recovery.Identity, n int, cause error)
	Rejected(id recovery.Identity, reason string)
	AttemptFailed(id recovery.Identity, attempt int, err error)
	Diverged(id recovery.Identity)
}

// NopObserver ignores everything.
type NopObserver struct{}

func (NopObserver) StateChanged(recovery.Identity, State, State) {}
func (NopObserver) Replayed(recovery.Identity, int)              {}
func (NopObserver) Duplicate(recovery.Identity)                  {}
func (NopObserver) MessagesFailed(recovery.Identity, int, error) {}
func (NopObserver) Rejected(recovery.Identity, string)           {}
func (NopObserver) AttemptFailed(recovery.Identity, int, error)  {}
func (NopObserver) Diverged(recovery.Identity)                   {}

// Defaults for Options fields left zero.
const (
	DefaultConnectionsPerNode = 1
	DefaultMaxQueued          = 1024
	DefaultMaxUnacked         = 8192
	DefaultAckInterval        = 20 * time.Millisecond
	DefaultAckThreshold       = 32
	DefaultAcceptGrace        = 2 * time.Second
	DefaultDialRate           = 50
	DefaultDialBurst          = 10
)

// Options configures a Manager. NodeID and Dialer are required.
type Options struct {
	NodeID  string
	Dialer  Dialer
	Handler Handler

	// Policy governs reconnects. Nil uses DefaultBackoff.
	Policy Policy

	// ConnectionsPerNode bounds connection indices to [0, n).
	ConnectionsPerNode int

	// MaxQueued bounds sends waiting for a session per connection.
	MaxQueued int

	// MaxUnacked bounds messages written but not yet acknowledged per
	// connection. A send while connected and at the bound fails with
	// ErrBackpressure. Queued sends flushed on reconnect may exceed it by
	// up to MaxQueued.
	MaxUnacked int

	// AckInterval is how often a standalone ack goes out when data only
	// flows one way. AckThreshold deliveries trigger one sooner.
	AckInterval  time.Duration
	AckThreshold int

	// AcceptGrace is how long the accepting side of a dropped session
	// leaves reconnecting to the side that dialed it.
	AcceptGrace time.Duration

	// DialRate and DialBurst bound dials per second across all connections.
	DialRate  float64
	DialBurst int

	// Tokens signs outbound hellos and verifies inbound ones. Nil disables
	// authentication.
	Tokens *handshake.TokenIssuer

	Observer Observer
}

func (o *Options) setDefaults() {
	if o.Policy == nil {
		o.Policy = DefaultBackoff()
	}
	if o.ConnectionsPerNode <= 0 {
		o.ConnectionsPerNode = DefaultConnectionsPerNode
	}
	if o.MaxQueued <= 0 {
		o.MaxQueued = DefaultMaxQueued
	}
	if o.MaxUnacked <= 0 {
		o.MaxUnacked = DefaultMaxUnacked
	}
	if o.AckInterval <= 0 {
		o.AckInterval = DefaultAckInterval
	}
	if o.AckThreshold <= 0 {
		o.AckThreshold = DefaultAckThreshold
	}
	if o.AcceptGrace <= 0 {
		o.AcceptGrace = DefaultAcceptGrace
	}
	if o.DialRate <= 0 {
		o.DialRate = DefaultDialRate
	}
	if o.DialBurst <= 0 {
		o.DialBurst = DefaultDialBurst
	}
	if o.Observer == nil {
		o.Observer = NopObserver{}
	}
}
