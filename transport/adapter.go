// Package transport defines the physical session the connection manager
// drives. A Session moves frames and reports when it dies; it keeps no
// recovery state of its own. Concrete sessions live in the tcp, websocket
// and pipe subpackages.
package transport

import (
	"errors"
	"fmt"
)

var (
	// ErrTransportClosed is returned when you try to send on a closed session.
	ErrTransportClosed = errors.New("transport closed")

	// ErrFrameTooLarge is returned when a frame payload exceeds MaxPayload.
	ErrFrameTooLarge = errors.New("frame payload too large")
)

// DisconnectReason tells the connection manager why a session closed.
type DisconnectReason int

const (
	ReasonUnknown      DisconnectReason = iota // catch-all, should be rare
	ReasonNetworkError                         // underlying connection failed
	ReasonTimeout                              // no activity within deadline
	ReasonClosedClean                          // graceful shutdown by either side
	ReasonProtocol                             // peer sent something undecodable
)

func (r DisconnectReason) String() string {
	switch r {
	case ReasonNetworkError:
		return "network_error"
	case ReasonTimeout:
		return "timeout"
	case ReasonClosedClean:
		return "closed"
	case ReasonProtocol:
		return "protocol_error"
	default:
		return "unknown"
	}
}

// DisconnectEvent is sent on the channel returned by Disconnected().
type DisconnectEvent struct {
	Reason DisconnectReason
	Err    error // nil on clean close
}

func (e DisconnectEvent) String() string {
	if e.Err == nil {
		return e.Reason.String()
	}
	return fmt.Sprintf("%s: %v", e.Reason, e.Err)
}

// Session is the contract every transport must satisfy. The connection
// manager only ever talks to this interface.
type Session interface {
	// Send writes one frame to the remote side. The underlying transport
	// must be reliable and ordered while it lives; recovery across
	// sessions is the manager's job.
	// Returns ErrTransportClosed if the session is no longer active.
	Send(f Frame) error

	// Receive returns a channel of incoming frames. The channel is closed
	// when the session closes.
	Receive() <-chan Frame

	// Disconnected emits exactly one DisconnectEvent when the session
	// closes, for any reason.
	Disconnected() <-chan DisconnectEvent

	// Close shuts the session down. Safe to call multiple times.
	Close() error
}

// Signal sends ev on ch without blocking. ch must be buffered(1); a second
// event after the first is dropped.
func Signal(ch chan DisconnectEvent, ev DisconnectEvent) {
	select {
	case ch <- ev:
	default:
	}
}
