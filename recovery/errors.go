package recovery

import "errors"

var (
	// ErrReserved is returned by Reserve when another party already holds
	// the descriptor. Callers treat it as a reservation conflict and retry later.
	ErrReserved = errors.New("recovery descriptor already reserved")

	// ErrInvalidated is returned by operations on a descriptor that has been
	// invalidated, and is the default cause handed to pending completions.
	ErrInvalidated = errors.New("recovery descriptor invalidated")

	// ErrAckAhead means the peer acknowledged a sequence number we never sent.
	ErrAckAhead = errors.New("acknowledgement ahead of highest sent sequence")
)
