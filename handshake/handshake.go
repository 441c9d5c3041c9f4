// Package handshake implements the exchange that opens every physical
// session: each side states who it is and how far its view of the logical
// connection got, and both sides decide the same way whether to resume or
// start over.
package handshake

import (
	"context"
	"errors"
	"fmt"

	"github.com/risa-org/nodelink/transport"
)

// Rejection reasons carried in Reply.Reason. Empty means accepted.
const (
	ReasonInvalidNode       = "invalid_node"
	ReasonSelfConnect       = "self_connect"
	ReasonInvalidIndex      = "invalid_index"
	ReasonInvalidToken      = "invalid_token"
	ReasonStaleConnection   = "stale_connection"
	ReasonConcurrentConnect = "concurrent_connect"
	ReasonBusy              = "busy"
	ReasonShuttingDown      = "shutting_down"
)

var (
	// ErrRejected matches every *RejectedError.
	ErrRejected = errors.New("handshake rejected")

	// ErrSequenceDivergence means the two sides' histories of the logical
	// connection cannot be reconciled, usually because one side restarted.
	ErrSequenceDivergence = errors.New("sequence divergence")

	// ErrUnexpectedFrame is returned when something other than a handshake
	// arrives first on a session.
	ErrUnexpectedFrame = errors.New("unexpected frame during handshake")
)

// RejectedError is returned by Exchange when the peer refused the session.
type RejectedError struct {
	Reason string
}

func (e *RejectedError) Error() string {
	return "handshake rejected: " + e.Reason
}

func (e *RejectedError) Is(target error) bool {
	return target == ErrRejected
}

// Hello is sent by each side exactly once per physical session, before any
// data. Sequence numbers describe the sender's view of the logical
// connection ConnIdx between NodeID and the receiver.
type Hello struct {
	NodeID string

	// Incarnation identifies one run of the sending node. It changes on
	// every restart.
	Incarnation string

	// PeerIncarnation is the receiver's incarnation as the sender last saw
	// it on this logical connection, or empty if it never completed a
	// handshake with it.
	PeerIncarnation string

	ConnIdx      int
	LastReceived uint64 // highest seq delivered to the application
	HighestSent  uint64 // highest seq ever assigned

	// Epoch counts completed handshakes on this logical connection. A hello
	// from an older epoch than the live session's is stale.
	Epoch uint64

	Token string
}

func (h Hello) String() string {
	return fmt.Sprintf("Hello(%s/%d inc=%s recv=%d sent=%d epoch=%d)",
		h.NodeID, h.ConnIdx, h.Incarnation, h.LastReceived, h.HighestSent, h.Epoch)
}

// Reply answers a Hello. On acceptance Hello is the acceptor's own view; on
// rejection only Reason matters.
type Reply struct {
	Hello  Hello
	Reason string
}

// Accepted reports whether the reply accepts the session.
func (r Reply) Accepted() bool {
	return r.Reason == ""
}

// Exchange is the dialing side: send hello, wait for the reply.
// Returns the peer's hello, a *RejectedError, or a transport/context error.
func Exchange(ctx context.Context, sess transport.Session, hello Hello) (Hello, error) {
	f, err := toFrame(&hello)
	if err != nil {
		return Hello{}, err
	}
	if err := sess.Send(f); err != nil {
		return Hello{}, fmt.Errorf("send hello: %w", err)
	}

	f, err = receive(ctx, sess)
	if err != nil {
		return Hello{}, fmt.Errorf("await reply: %w", err)
	}
	var reply Reply
	if err := fromFrame(f, &reply); err != nil {
		return Hello{}, fmt.Errorf("decode reply: %w", err)
	}
	if !reply.Accepted() {
		return Hello{}, &RejectedError{Reason: reply.Reason}
	}
	return reply.Hello, nil
}

// ReadHello is the accepting side's first step: wait for the dialer's hello.
func ReadHello(ctx context.Context, sess transport.Session) (Hello, error) {
	f, err := receive(ctx, sess)
	if err != nil {
		return Hello{}, fmt.Errorf("await hello: %w", err)
	}
	var hello Hello
	if err := fromFrame(f, &hello); err != nil {
		return Hello{}, fmt.Errorf("decode hello: %w", err)
	}
	return hello, nil
}

// Respond sends the accepting side's reply.
func Respond(sess transport.Session, reply Reply) error {
	f, err := toFrame(&reply)
	if err != nil {
		return err
	}
	return sess.Send(f)
}

// Reject is a shorthand for Respond with a rejection reason.
func Reject(sess transport.Session, reason string) error {
	return Respond(sess, Reply{Reason: reason})
}

func receive(ctx context.Context, sess transport.Session) (transport.Frame, error) {
	select {
	case f, ok := <-sess.Receive():
		if !ok {
			return transport.Frame{}, transport.ErrTransportClosed
		}
		return f, nil
	case <-ctx.Done():
		return transport.Frame{}, context.Cause(ctx)
	}
}

// Handler checks inbound hellos before any recovery state is touched.
type Handler struct {
	// Self is the local node ID.
	Self string

	// ConnectionsPerNode bounds valid connection indices.
	ConnectionsPerNode int

	// Tokens verifies hello tokens. Nil disables the check.
	Tokens *TokenIssuer
}

// Validate returns a rejection reason, or "" if the hello is acceptable.
func (h *Handler) Validate(hello Hello) string {
	switch {
	case hello.NodeID == "" || hello.Incarnation == "":
		return ReasonInvalidNode
	case hello.NodeID == h.Self:
		return ReasonSelfConnect
	case hello.ConnIdx < 0 || hello.ConnIdx >= h.ConnectionsPerNode:
		return ReasonInvalidIndex
	}
	if h.Tokens != nil {
		if err := h.Tokens.Verify(hello.NodeID, hello.Incarnation, hello.ConnIdx, hello.Token); err != nil {
			return ReasonInvalidToken
		}
	}
	return ""
}
