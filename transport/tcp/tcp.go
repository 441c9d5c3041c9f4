// Package tcp implements transport.Session over a stream connection.
package tcp

import (
	"bufio"
	"errors"
	"io"
	"net"
	"os"
	"sync"
	"time"

	"github.com/dtn7/cboring"

	"github.com/risa-org/nodelink/transport"
)

// DefaultWriteTimeout bounds a single frame write. A peer that stops reading
// for longer than this is treated as gone.
const DefaultWriteTimeout = time.Second

// Adapter implements transport.Session over a net.Conn.
//
// Each frame is one CBOR array (see transport.Frame), written back to back.
// CBOR is self-delimiting, so the stream needs no extra length prefix.
type Adapter struct {
	conn         net.Conn
	writeTimeout time.Duration
	incoming     chan transport.Frame
	disconnect   chan transport.DisconnectEvent
	closed       chan struct{}
	closeOnce    sync.Once
	writeMu      sync.Mutex // net.Conn writes of one frame must not interleave
	w            *bufio.Writer
}

// Option tunes an Adapter.
type Option func(*Adapter)

// WithWriteTimeout sets the per-frame write deadline. Zero disables it.
func WithWriteTimeout(d time.Duration) Option {
	return func(a *Adapter) { a.writeTimeout = d }
}

// New wraps an established net.Conn and starts its read loop.
func New(conn net.Conn, opts ...Option) *Adapter {
	a := &Adapter{
		conn:         conn,
		writeTimeout: DefaultWriteTimeout,
		incoming:     make(chan transport.Frame, 256),
		disconnect:   make(chan transport.DisconnectEvent, 1),
		closed:       make(chan struct{}),
		w:            bufio.NewWriter(conn),
	}
	for _, opt := range opts {
		opt(a)
	}

	go a.readLoop()
	return a
}

// Send encodes f and writes it under the write deadline.
func (a *Adapter) Send(f transport.Frame) error {
	a.writeMu.Lock()
	defer a.writeMu.Unlock()

	if a.writeTimeout > 0 {
		a.conn.SetWriteDeadline(time.Now().Add(a.writeTimeout))
	}
	if err := cboring.Marshal(&f, a.w); err != nil {
		if errors.Is(err, transport.ErrFrameTooLarge) {
			return err
		}
		a.fail(err)
		return transport.ErrTransportClosed
	}
	if err := a.w.Flush(); err != nil {
		a.fail(err)
		return transport.ErrTransportClosed
	}
	return nil
}

// Receive returns the channel of incoming frames.
func (a *Adapter) Receive() <-chan transport.Frame {
	return a.incoming
}

// Disconnected returns a channel that emits exactly one event when the
// connection closes, for any reason.
func (a *Adapter) Disconnected() <-chan transport.DisconnectEvent {
	return a.disconnect
}

// Close shuts down the connection. Safe to call multiple times.
func (a *Adapter) Close() error {
	var err error
	a.closeOnce.Do(func() {
		transport.Signal(a.disconnect, transport.DisconnectEvent{Reason: transport.ReasonClosedClean})
		close(a.closed)
		err = a.conn.Close()
	})
	return err
}

// RemoteAddr is the peer's network address.
func (a *Adapter) RemoteAddr() net.Addr {
	return a.conn.RemoteAddr()
}

func (a *Adapter) String() string {
	return "tcp(" + a.conn.RemoteAddr().String() + ")"
}

// fail records the first error as the disconnect reason and tears the
// connection down, which also ends the read loop.
func (a *Adapter) fail(err error) {
	transport.Signal(a.disconnect, eventFor(err))
	a.Close()
}

func (a *Adapter) readLoop() {
	defer func() {
		close(a.incoming)
		a.Close()
	}()

	r := bufio.NewReader(a.conn)
	for {
		var f transport.Frame
		if err := cboring.Unmarshal(&f, r); err != nil {
			transport.Signal(a.disconnect, eventFor(err))
			return
		}
		select {
		case a.incoming <- f:
		case <-a.closed:
			return
		}
	}
}

func eventFor(err error) transport.DisconnectEvent {
	switch {
	case err == nil, errors.Is(err, io.EOF), errors.Is(err, net.ErrClosed), errors.Is(err, io.ErrClosedPipe):
		return transport.DisconnectEvent{Reason: transport.ReasonClosedClean}
	case errors.Is(err, os.ErrDeadlineExceeded):
		return transport.DisconnectEvent{Reason: transport.ReasonTimeout, Err: err}
	case errors.Is(err, transport.ErrFrameTooLarge), errors.Is(err, io.ErrUnexpectedEOF):
		return transport.DisconnectEvent{Reason: transport.ReasonProtocol, Err: err}
	default:
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			return transport.DisconnectEvent{Reason: transport.ReasonTimeout, Err: err}
		}
		return transport.DisconnectEvent{Reason: transport.ReasonNetworkError, Err: err}
	}
}
