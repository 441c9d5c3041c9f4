package tcp

import (
	"context"
	"errors"
	"net"

	log "github.com/sirupsen/logrus"

	"github.com/risa-org/nodelink/transport"
)

// Serve accepts connections on ln until ctx is cancelled or ln fails, and
// hands each one to accept as a Session. accept runs on its own goroutine
// and owns the session from then on.
func Serve(ctx context.Context, ln net.Listener, accept func(transport.Session), opts ...Option) error {
	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		c, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				log.WithError(err).Warn("TCP accept timed out, retrying")
				continue
			}
			return err
		}

		log.WithField("remote", c.RemoteAddr().String()).Debug("TCP session accepted")
		go accept(New(c, opts...))
	}
}
