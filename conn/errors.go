package conn

import (
	"errors"

	"github.com/risa-org/nodelink/handshake"
	"github.com/risa-org/nodelink/registry"
	"github.com/risa-org/nodelink/transport"
)

// Errors a Future can resolve with. Transient connection loss is never
// surfaced; it is retried up to the policy's budget.
var (
	// ErrBackpressure means the connection's queue of waiting sends is full,
	// or too many written messages are still unacknowledged.
	ErrBackpressure = errors.New("outstanding message budget exhausted")

	// ErrRetryBudgetExhausted means reconnecting was given up.
	ErrRetryBudgetExhausted = errors.New("reconnect retry budget exhausted")

	// ErrAbandoned means the remote node left the cluster.
	ErrAbandoned = errors.New("remote node abandoned")

	// ErrManagerClosed means the manager was shut down.
	ErrManagerClosed = errors.New("connection manager closed")

	// ErrInvalidIndex means the connection index is out of range.
	ErrInvalidIndex = errors.New("invalid connection index")

	// ErrInvalidNode means the node ID is empty or our own.
	ErrInvalidNode = errors.New("invalid remote node")

	// ErrSequenceDivergence means in-flight messages were lost because the
	// peer's history did not match ours, usually after a restart.
	ErrSequenceDivergence = handshake.ErrSequenceDivergence

	// ErrPayloadTooLarge means the payload cannot fit in one frame. Nothing
	// was recorded, so the connection is unaffected.
	ErrPayloadTooLarge = transport.ErrFrameTooLarge

	// ErrReservationConflict means another attempt holds the connection.
	// It is retried internally.
	ErrReservationConflict = registry.ErrReservationConflict
)

// errPreempted cancels our own dial when the peer's dial wins.
var errPreempted = errors.New("reconnect preempted by inbound session")
