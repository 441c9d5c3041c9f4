// Package websocket implements transport.Session over a WebSocket
// connection, for nodes that can only reach each other through HTTP
// infrastructure.
package websocket

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"nhooyr.io/websocket"

	"github.com/risa-org/nodelink/transport"
)

// DefaultWriteTimeout bounds a single frame write.
const DefaultWriteTimeout = time.Second

// Adapter implements transport.Session over a *websocket.Conn.
// Each frame travels as one binary message holding its CBOR encoding.
// WebSocket already has message boundaries, so no framing of our own.
type Adapter struct {
	conn         *websocket.Conn
	writeTimeout time.Duration
	incoming     chan transport.Frame
	disconnect   chan transport.DisconnectEvent
	closeOnce    sync.Once
	ctx          context.Context
	cancel       context.CancelFunc
}

// New wraps an existing *websocket.Conn and starts its read loop.
func New(conn *websocket.Conn) *Adapter {
	ctx, cancel := context.WithCancel(context.Background())
	conn.SetReadLimit(transport.MaxPayload + 64)
	a := &Adapter{
		conn:         conn,
		writeTimeout: DefaultWriteTimeout,
		incoming:     make(chan transport.Frame, 256),
		disconnect:   make(chan transport.DisconnectEvent, 1),
		ctx:          ctx,
		cancel:       cancel,
	}
	go a.readLoop()
	return a
}

func (a *Adapter) Send(f transport.Frame) error {
	data, err := transport.EncodeFrame(f)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(a.ctx, a.writeTimeout)
	defer cancel()

	if err := a.conn.Write(ctx, websocket.MessageBinary, data); err != nil {
		a.signalDisconnect(err)
		a.Close()
		return transport.ErrTransportClosed
	}
	return nil
}

func (a *Adapter) Receive() <-chan transport.Frame {
	return a.incoming
}

func (a *Adapter) Disconnected() <-chan transport.DisconnectEvent {
	return a.disconnect
}

func (a *Adapter) Close() error {
	var err error
	a.closeOnce.Do(func() {
		transport.Signal(a.disconnect, transport.DisconnectEvent{Reason: transport.ReasonClosedClean})
		a.cancel()
		err = a.conn.Close(websocket.StatusNormalClosure, "closed")
	})
	return err
}

func (a *Adapter) readLoop() {
	defer func() {
		close(a.incoming)
		a.Close()
	}()

	for {
		typ, data, err := a.conn.Read(a.ctx)
		if err != nil {
			a.signalDisconnect(err)
			return
		}
		if typ != websocket.MessageBinary {
			a.signalDisconnect(fmt.Errorf("unexpected %s message", typ))
			return
		}
		f, err := transport.DecodeFrame(data)
		if err != nil {
			transport.Signal(a.disconnect, transport.DisconnectEvent{Reason: transport.ReasonProtocol, Err: err})
			return
		}
		select {
		case a.incoming <- f:
		case <-a.ctx.Done():
			return
		}
	}
}

// signalDisconnect sends exactly one disconnect event.
// StatusNormalClosure (1000) and StatusGoingAway (1001) are both clean closes;
// different implementations and shutdown timing produce either code.
// Context cancellation means we closed it ourselves, also clean.
func (a *Adapter) signalDisconnect(err error) {
	event := transport.DisconnectEvent{}

	status := websocket.CloseStatus(err)
	switch {
	case status == websocket.StatusNormalClosure,
		status == websocket.StatusGoingAway,
		a.ctx.Err() != nil:
		event.Reason = transport.ReasonClosedClean
	case errors.Is(err, context.DeadlineExceeded):
		event.Reason = transport.ReasonTimeout
		event.Err = err
	default:
		event.Reason = transport.ReasonNetworkError
		event.Err = err
	}

	transport.Signal(a.disconnect, event)
}

// Dialer opens WebSocket sessions. URL maps a node ID to its ws:// or wss://
// endpoint.
type Dialer struct {
	URL     func(node string) (string, bool)
	Options *websocket.DialOptions
}

// Dial connects to node.
func (d *Dialer) Dial(ctx context.Context, node string, connIdx int) (transport.Session, error) {
	url, ok := d.URL(node)
	if !ok {
		return nil, fmt.Errorf("dial %s: no websocket endpoint known", node)
	}
	c, _, err := websocket.Dial(ctx, url, d.Options)
	if err != nil {
		return nil, fmt.Errorf("dial %s at %s: %w", node, url, err)
	}
	log.WithFields(log.Fields{
		"peer": node,
		"conn": connIdx,
		"url":  url,
	}).Debug("WebSocket session dialed")
	return New(c), nil
}

// Handler upgrades requests and hands each session to Accept. It keeps the
// request open until the session closes.
type Handler struct {
	Accept  func(transport.Session)
	Options *websocket.AcceptOptions
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	c, err := websocket.Accept(w, r, h.Options)
	if err != nil {
		log.WithError(err).WithField("remote", r.RemoteAddr).Warn("WebSocket upgrade failed")
		return
	}
	a := New(c)
	h.Accept(a)
	<-a.ctx.Done()
}
