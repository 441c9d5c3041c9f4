package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hashicorp/go-multierror"
	log "github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"

	"github.com/risa-org/nodelink/config"
	"github.com/risa-org/nodelink/conn"
	"github.com/risa-org/nodelink/discovery"
	"github.com/risa-org/nodelink/metrics"
	"github.com/risa-org/nodelink/transport/tcp"
	"github.com/risa-org/nodelink/transport/websocket"
)

const shutdownTimeout = 10 * time.Second

func runCommand() *cli.Command {
	return &cli.Command{
		Name:  "run",
		Usage: "Run a node until interrupted",
		Flags: []cli.Flag{
			&cli.DurationFlag{
				Name:  "announce",
				Usage: "Send a message to every known peer at this interval (0 disables)",
			},
		},
		Action: runNode,
	}
}

// node is one running daemon and everything that has to be shut down with it.
type node struct {
	cfg  config.Config
	book *tcp.StaticAddresses
	mgr  *conn.Manager
	rec  *metrics.Recorder

	membership *discovery.Membership
	watcher    *config.Watcher
	servers    []*http.Server
	log        *log.Entry
}

func runNode(c *cli.Context) error {
	path := c.String("config")
	cfg, err := config.Load(path)
	if err != nil {
		return err
	}
	if err := cfg.Verify(); err != nil {
		return fmt.Errorf("invalid configuration:\n%w", err)
	}
	if err := config.SetupLogging(cfg.Log); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	n, err := start(ctx, cfg, path)
	if err != nil {
		return err
	}
	n.log.WithFields(log.Fields{
		"version":   version,
		"transport": cfg.Transport.Kind,
		"listen":    cfg.Node.Listen,
	}).Info("Node started")

	if every := c.Duration("announce"); every > 0 {
		go n.announce(ctx, every)
	}

	<-ctx.Done()
	n.log.Info("Shutting down")
	if err := n.shutdown(); err != nil {
		n.log.WithError(err).Error("Shutdown finished with errors")
		return err
	}
	n.log.Info("Node stopped")
	return nil
}

func start(ctx context.Context, cfg config.Config, path string) (*node, error) {
	peers := make(map[string]string, len(cfg.Peers))
	for _, p := range cfg.Peers {
		peers[p.ID] = p.Address
	}

	n := &node{
		cfg:  cfg,
		book: tcp.NewStaticAddresses(peers),
		rec:  metrics.New(),
		log:  log.WithField("node", cfg.Node.ID),
	}

	// Gossip, when enabled, resolves peers first and falls back to the
	// static list. It is wired in before anything can dial.
	var resolver tcp.AddressBook = n.book
	opts := cfg.Options()
	opts.Observer = n.rec
	opts.Handler = n.received
	opts.Dialer = n.dialer(func(node string) (string, bool) { return resolver.Address(node) })

	mgr, err := conn.New(opts)
	if err != nil {
		return nil, err
	}
	n.mgr = mgr

	if cfg.Discovery.Enabled {
		ms, err := discovery.New(discovery.Config{
			NodeID:    cfg.Node.ID,
			BindAddr:  cfg.Discovery.Bind,
			BindPort:  cfg.Discovery.Port,
			Advertise: cfg.Node.Advertise,
			Seeds:     cfg.Discovery.Join,
			OnLeave:   mgr.NotifyNodeLeft,
			Fallback:  n.book,
		})
		if err != nil {
			n.shutdown()
			return nil, err
		}
		n.membership = ms
		resolver = ms
	}

	if err := n.listen(ctx); err != nil {
		n.shutdown()
		return nil, err
	}

	if cfg.Metrics.Listen != "" {
		if err := n.rec.Watch(mgr); err != nil {
			n.shutdown()
			return nil, fmt.Errorf("register collector: %w", err)
		}
		mux := http.NewServeMux()
		mux.Handle("/metrics", n.rec.Handler())
		n.serveHTTP(cfg.Metrics.Listen, mux)
	}

	if path != "" {
		w, err := config.NewWatcher(path, n.reload)
		if err != nil {
			n.shutdown()
			return nil, fmt.Errorf("watch %s: %w", path, err)
		}
		n.watcher = w
	}
	return n, nil
}

func (n *node) dialer(resolve func(string) (string, bool)) conn.Dialer {
	t := n.cfg.Transport
	if t.Kind == config.TransportWebSocket {
		return &websocket.Dialer{
			URL: func(node string) (string, bool) {
				addr, ok := resolve(node)
				if !ok {
					return "", false
				}
				return "ws://" + addr + t.Path, true
			},
		}
	}
	return &tcp.Dialer{
		Book:         tcp.AddressBookFunc(resolve),
		KeepAlive:    t.KeepAlive,
		WriteTimeout: t.WriteTimeout,
	}
}

func (n *node) listen(ctx context.Context) error {
	if n.cfg.Transport.Kind == config.TransportWebSocket {
		mux := http.NewServeMux()
		mux.Handle(n.cfg.Transport.Path, &websocket.Handler{Accept: n.mgr.Accept})
		n.serveHTTP(n.cfg.Node.Listen, mux)
		return nil
	}

	ln, err := net.Listen("tcp", n.cfg.Node.Listen)
	if err != nil {
		return fmt.Errorf("listen %s: %w", n.cfg.Node.Listen, err)
	}
	go func() {
		if err := tcp.Serve(ctx, ln, n.mgr.Accept, tcp.WithWriteTimeout(n.cfg.Transport.WriteTimeout)); err != nil {
			n.log.WithError(err).Error("TCP listener failed")
		}
	}()
	return nil
}

func (n *node) serveHTTP(addr string, h http.Handler) {
	srv := &http.Server{Addr: addr, Handler: h, ReadHeaderTimeout: 5 * time.Second}
	n.servers = append(n.servers, srv)
	go func() {
		n.log.WithField("addr", addr).Info("HTTP server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			n.log.WithError(err).WithField("addr", addr).Error("HTTP server failed")
		}
	}()
}

func (n *node) received(peer string, connIdx int, payload []byte) {
	n.log.WithFields(log.Fields{
		"peer":  peer,
		"conn":  connIdx,
		"bytes": len(payload),
	}).Debug("Message received")
}

// reload applies the parts of a changed configuration that can change at
// runtime: the reconnect policy, logging, and static peer addresses.
func (n *node) reload(cfg config.Config) {
	n.mgr.SetPolicy(cfg.Reconnect.Policy())
	if err := config.SetupLogging(cfg.Log); err != nil {
		n.log.WithError(err).Warn("Keeping previous logging settings")
	}
	for _, p := range cfg.Peers {
		n.book.Set(p.ID, p.Address)
	}
}

func (n *node) peers() []string {
	seen := make(map[string]bool)
	var out []string
	for _, p := range n.cfg.Peers {
		if !seen[p.ID] {
			seen[p.ID] = true
			out = append(out, p.ID)
		}
	}
	if n.membership != nil {
		for _, id := range n.membership.Members() {
			if id != n.cfg.Node.ID && !seen[id] {
				seen[id] = true
				out = append(out, id)
			}
		}
	}
	return out
}

func (n *node) announce(ctx context.Context, every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()

	var seq uint64
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
		seq++
		for _, peer := range n.peers() {
			f := n.mgr.SendMessage(peer, 0, fmt.Appendf(nil, "announce %s %d", n.cfg.Node.ID, seq))
			go func(peer string, f *conn.Future) {
				if err := f.Wait(ctx); err != nil && ctx.Err() == nil {
					n.log.WithError(err).WithField("peer", peer).Warn("Announcement lost")
				}
			}(peer, f)
		}
	}
}

func (n *node) shutdown() error {
	var result *multierror.Error

	if n.watcher != nil {
		if err := n.watcher.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("config watcher: %w", err))
		}
	}
	if n.membership != nil {
		if err := n.membership.Leave(time.Second); err != nil {
			result = multierror.Append(result, fmt.Errorf("leave cluster: %w", err))
		}
	}

	if n.mgr != nil {
		if err := n.mgr.Close(); err != nil {
			result = multierror.Append(result, err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	for _, srv := range n.servers {
		if err := srv.Shutdown(ctx); err != nil {
			result = multierror.Append(result, fmt.Errorf("http %s: %w", srv.Addr, err))
		}
	}
	return result.ErrorOrNil()
}
