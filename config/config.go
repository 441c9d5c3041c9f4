// Package config loads the nodelink daemon configuration.
//
// Sources are applied in order, later ones winning: built-in defaults, a
// YAML file, then NODELINK_ environment variables. Nested keys in variable
// names are separated by a double underscore, so NODELINK_CONN__ACCEPT_GRACE
// sets conn.accept_grace.
package config

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	log "github.com/sirupsen/logrus"

	"github.com/risa-org/nodelink/conn"
	"github.com/risa-org/nodelink/handshake"
)

// EnvPrefix prefixes every environment variable the loader reads.
const EnvPrefix = "NODELINK_"

// Transport kinds.
const (
	TransportTCP       = "tcp"
	TransportWebSocket = "websocket"
)

// Config is the complete daemon configuration.
type Config struct {
	Node      Node      `koanf:"node"`
	Transport Transport `koanf:"transport"`
	Conn      Conn      `koanf:"conn"`
	Reconnect Reconnect `koanf:"reconnect"`
	Peers     []Peer    `koanf:"peers"`
	Discovery Discovery `koanf:"discovery"`
	Metrics   Metrics   `koanf:"metrics"`
	Log       Log       `koanf:"log"`
}

// Node identifies this process in the cluster.
type Node struct {
	ID string `koanf:"id"`

	// Listen is where peers connect to us.
	Listen string `koanf:"listen"`

	// Advertise is the address other nodes are told to dial. Defaults to
	// Listen.
	Advertise string `koanf:"advertise"`
}

// Transport selects and tunes the physical session layer.
type Transport struct {
	Kind         string        `koanf:"kind"`
	WriteTimeout time.Duration `koanf:"write_timeout"`
	KeepAlive    time.Duration `koanf:"keep_alive"`

	// Path is the websocket endpoint path.
	Path string `koanf:"path"`
}

// Conn tunes the connection manager.
type Conn struct {
	ConnectionsPerNode int           `koanf:"connections_per_node"`
	MaxQueued          int           `koanf:"max_queued"`
	MaxUnacked         int           `koanf:"max_unacked"`
	AckInterval        time.Duration `koanf:"ack_interval"`
	AckThreshold       int           `koanf:"ack_threshold"`
	AcceptGrace        time.Duration `koanf:"accept_grace"`
	DialRate           float64       `koanf:"dial_rate"`
	DialBurst          int           `koanf:"dial_burst"`

	// Secret signs handshake tokens. Empty disables authentication.
	Secret string `koanf:"secret"`
}

// Reconnect is the exponential backoff policy.
type Reconnect struct {
	Attempts   int           `koanf:"attempts"`
	Initial    time.Duration `koanf:"initial"`
	Max        time.Duration `koanf:"max"`
	Multiplier float64       `koanf:"multiplier"`
	Jitter     float64       `koanf:"jitter"`
	Timeout    time.Duration `koanf:"timeout"`
}

// Peer is a static address book entry.
type Peer struct {
	ID      string `koanf:"id"`
	Address string `koanf:"address"`
}

// Discovery configures gossip membership. When enabled, peer addresses come
// from the cluster and a departed node is abandoned.
type Discovery struct {
	Enabled bool     `koanf:"enabled"`
	Bind    string   `koanf:"bind"`
	Port    int      `koanf:"port"`
	Join    []string `koanf:"join"`
}

// Metrics configures the Prometheus endpoint. Empty Listen disables it.
type Metrics struct {
	Listen string `koanf:"listen"`
}

// Log configures logrus.
type Log struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// Default returns the configuration used for anything not set elsewhere.
func Default() Config {
	b := conn.DefaultBackoff()
	return Config{
		Node: Node{
			Listen: "0.0.0.0:7400",
		},
		Transport: Transport{
			Kind:         TransportTCP,
			WriteTimeout: time.Second,
			KeepAlive:    15 * time.Second,
			Path:         "/nodelink",
		},
		Conn: Conn{
			ConnectionsPerNode: conn.DefaultConnectionsPerNode,
			MaxQueued:          conn.DefaultMaxQueued,
			MaxUnacked:         conn.DefaultMaxUnacked,
			AckInterval:        conn.DefaultAckInterval,
			AckThreshold:       conn.DefaultAckThreshold,
			AcceptGrace:        conn.DefaultAcceptGrace,
			DialRate:           conn.DefaultDialRate,
			DialBurst:          conn.DefaultDialBurst,
		},
		Reconnect: Reconnect{
			Attempts:   b.Attempts,
			Initial:    b.Initial,
			Max:        b.Max,
			Multiplier: b.Multiplier,
			Jitter:     b.Jitter,
			Timeout:    b.Timeout,
		},
		Discovery: Discovery{
			Bind: "0.0.0.0",
			Port: 7946,
		},
		Log: Log{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads path (may be empty) and the environment over the defaults.
func Load(path string) (Config, error) {
	k := koanf.New(".")

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return Config{}, fmt.Errorf("load config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return Config{}, fmt.Errorf("load env: %w", err)
	}

	cfg := Default()
	if err := k.Unmarshal("", &cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	if cfg.Node.Advertise == "" {
		cfg.Node.Advertise = cfg.Node.Listen
	}
	return cfg, nil
}

// envKey maps NODELINK_CONN__ACCEPT_GRACE to conn.accept_grace.
func envKey(s string) string {
	s = strings.TrimPrefix(s, EnvPrefix)
	s = strings.ToLower(s)
	return strings.ReplaceAll(s, "__", ".")
}

// Verify reports every problem with the configuration at once.
func (c Config) Verify() error {
	var result *multierror.Error
	fail := func(format string, args ...any) {
		result = multierror.Append(result, fmt.Errorf(format, args...))
	}

	if c.Node.ID == "" {
		fail("node.id is required")
	}
	if _, _, err := net.SplitHostPort(c.Node.Listen); err != nil {
		fail("node.listen %q: %v", c.Node.Listen, err)
	}

	switch c.Transport.Kind {
	case TransportTCP, TransportWebSocket:
	default:
		fail("transport.kind %q: want %q or %q", c.Transport.Kind, TransportTCP, TransportWebSocket)
	}
	if c.Transport.WriteTimeout <= 0 {
		fail("transport.write_timeout must be positive")
	}
	if c.Transport.Kind == TransportWebSocket && !strings.HasPrefix(c.Transport.Path, "/") {
		fail("transport.path %q must start with /", c.Transport.Path)
	}

	if c.Conn.ConnectionsPerNode < 1 || c.Conn.ConnectionsPerNode > 1<<16 {
		fail("conn.connections_per_node %d out of range", c.Conn.ConnectionsPerNode)
	}
	if c.Conn.MaxQueued < 1 {
		fail("conn.max_queued must be at least 1")
	}
	if c.Conn.MaxUnacked < 1 {
		fail("conn.max_unacked must be at least 1")
	}
	if c.Conn.AckInterval <= 0 || c.Conn.AcceptGrace <= 0 {
		fail("conn.ack_interval and conn.accept_grace must be positive")
	}
	if c.Conn.DialRate <= 0 || c.Conn.DialBurst < 1 {
		fail("conn.dial_rate and conn.dial_burst must be positive")
	}

	if err := c.Reconnect.verify(); err != nil {
		result = multierror.Append(result, err)
	}

	seen := make(map[string]bool)
	for i, p := range c.Peers {
		switch {
		case p.ID == "":
			fail("peers[%d]: id is required", i)
		case p.ID == c.Node.ID:
			fail("peers[%d]: %q is this node", i, p.ID)
		case seen[p.ID]:
			fail("peers[%d]: duplicate id %q", i, p.ID)
		}
		seen[p.ID] = true
		if p.Address == "" {
			fail("peers[%d]: address is required", i)
		}
	}

	if c.Discovery.Enabled && (c.Discovery.Port < 1 || c.Discovery.Port > 65535) {
		fail("discovery.port %d out of range", c.Discovery.Port)
	}

	if _, err := log.ParseLevel(c.Log.Level); err != nil {
		fail("log.level: %v", err)
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		fail("log.format %q: want text or json", c.Log.Format)
	}

	return result.ErrorOrNil()
}

func (r Reconnect) verify() error {
	var result *multierror.Error
	if r.Attempts < 1 {
		result = multierror.Append(result, errors.New("reconnect.attempts must be at least 1"))
	}
	if r.Initial <= 0 || r.Max < r.Initial {
		result = multierror.Append(result, fmt.Errorf("reconnect.initial %v and max %v: want 0 < initial <= max", r.Initial, r.Max))
	}
	if r.Multiplier < 1 {
		result = multierror.Append(result, errors.New("reconnect.multiplier must be at least 1"))
	}
	if r.Jitter < 0 || r.Jitter >= 1 {
		result = multierror.Append(result, errors.New("reconnect.jitter must be in [0, 1)"))
	}
	if r.Timeout <= 0 {
		result = multierror.Append(result, errors.New("reconnect.timeout must be positive"))
	}
	return result.ErrorOrNil()
}

// Policy returns the reconnect policy for conn.Manager.
func (r Reconnect) Policy() conn.Backoff {
	return conn.Backoff{
		Attempts:   r.Attempts,
		Initial:    r.Initial,
		Max:        r.Max,
		Multiplier: r.Multiplier,
		Jitter:     r.Jitter,
		Timeout:    r.Timeout,
	}
}

// Options fills the connection manager options this configuration covers.
// Dialer, Handler and Observer are left to the caller.
func (c Config) Options() conn.Options {
	o := conn.Options{
		NodeID:             c.Node.ID,
		Policy:             c.Reconnect.Policy(),
		ConnectionsPerNode: c.Conn.ConnectionsPerNode,
		MaxQueued:          c.Conn.MaxQueued,
		MaxUnacked:         c.Conn.MaxUnacked,
		AckInterval:        c.Conn.AckInterval,
		AckThreshold:       c.Conn.AckThreshold,
		AcceptGrace:        c.Conn.AcceptGrace,
		DialRate:           c.Conn.DialRate,
		DialBurst:          c.Conn.DialBurst,
	}
	if c.Conn.Secret != "" {
		o.Tokens = handshake.NewTokenIssuer([]byte(c.Conn.Secret))
	}
	return o
}

// SetupLogging applies the log level and format to the standard logrus
// logger.
func SetupLogging(l Log) error {
	level, err := log.ParseLevel(l.Level)
	if err != nil {
		return err
	}
	log.SetLevel(level)

	switch l.Format {
	case "json":
		log.SetFormatter(&log.JSONFormatter{})
	default:
		log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	}
	return nil
}
