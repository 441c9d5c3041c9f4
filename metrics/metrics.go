// Package metrics exports connection manager activity in Prometheus format.
//
// A Recorder is passed to the manager as its conn.Observer and counts events
// as they happen. Watch adds gauges read from the manager on every scrape.
package metrics

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/risa-org/nodelink/conn"
	"github.com/risa-org/nodelink/recovery"
	"github.com/risa-org/nodelink/registry"
)

const namespace = "nodelink"

// Recorder counts connection events. It implements conn.Observer.
type Recorder struct {
	registry *prometheus.Registry

	StateChanges *prometheus.CounterVec
	Replays      prometheus.Counter
	Duplicates   prometheus.Counter
	Failures     *prometheus.CounterVec
	Rejections   *prometheus.CounterVec
	AttemptFails prometheus.Counter
	Divergences  prometheus.Counter
}

var _ conn.Observer = (*Recorder)(nil)

// New creates a Recorder with its own registry, which also carries the Go
// runtime and process collectors.
func New() *Recorder {
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		StateChanges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "state_changes_total",
			Help:      "Logical connection state transitions.",
		}, []string{"from", "to"}),
		Replays: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "replayed_messages_total",
			Help:      "Unacknowledged messages resent after a reconnect.",
		}),
		Duplicates: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "duplicate_messages_total",
			Help:      "Inbound messages dropped as already delivered.",
		}),
		Failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "failed_messages_total",
			Help:      "Sends that will never be acknowledged, by cause.",
		}, []string{"cause"}),
		Rejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handshake_rejections_total",
			Help:      "Inbound sessions turned away during the handshake, by reason.",
		}, []string{"reason"}),
		AttemptFails: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconnect_attempts_failed_total",
			Help:      "Failed dial or handshake attempts while reconnecting.",
		}),
		Divergences: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sequence_divergences_total",
			Help:      "Handshakes that found the histories could not be reconciled.",
		}),
	}

	r.registry.MustRegister(
		r.StateChanges,
		r.Replays,
		r.Duplicates,
		r.Failures,
		r.Rejections,
		r.AttemptFails,
		r.Divergences,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return r
}

// Registry returns the underlying Prometheus registry.
func (r *Recorder) Registry() *prometheus.Registry {
	return r.registry
}

// Handler serves the registry on /metrics.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

// Watch registers gauges that read src on every scrape.
func (r *Recorder) Watch(src Source) error {
	return r.registry.Register(NewCollector(src))
}

func (r *Recorder) StateChanged(_ recovery.Identity, from, to conn.State) {
	r.StateChanges.WithLabelValues(from.String(), to.String()).Inc()
}

func (r *Recorder) Replayed(_ recovery.Identity, n int) {
	r.Replays.Add(float64(n))
}

func (r *Recorder) Duplicate(recovery.Identity) {
	r.Duplicates.Inc()
}

func (r *Recorder) MessagesFailed(_ recovery.Identity, n int, cause error) {
	r.Failures.WithLabelValues(causeLabel(cause)).Add(float64(n))
}

func (r *Recorder) Rejected(_ recovery.Identity, reason string) {
	r.Rejections.WithLabelValues(reason).Inc()
}

func (r *Recorder) AttemptFailed(recovery.Identity, int, error) {
	r.AttemptFails.Inc()
}

func (r *Recorder) Diverged(recovery.Identity) {
	r.Divergences.Inc()
}

// causeLabel keeps the cause label to a fixed set of values.
func causeLabel(err error) string {
	switch {
	case errors.Is(err, conn.ErrSequenceDivergence):
		return "divergence"
	case errors.Is(err, conn.ErrRetryBudgetExhausted):
		return "retry_exhausted"
	case errors.Is(err, conn.ErrAbandoned):
		return "abandoned"
	case errors.Is(err, conn.ErrManagerClosed):
		return "closed"
	case errors.Is(err, conn.ErrBackpressure):
		return "backpressure"
	case errors.Is(err, registry.ErrDowngrade), errors.Is(err, registry.ErrSuperseded):
		return "registry"
	default:
		return "other"
	}
}

// Source is what the collector reads. *conn.Manager implements it.
type Source interface {
	Snapshot() []conn.LinkStat
	Disconnected() []registry.Stat
}

// Collector exports the live state of a Source as gauges.
type Collector struct {
	src Source

	links    *prometheus.Desc
	unacked  *prometheus.Desc
	queued   *prometheus.Desc
	epoch    *prometheus.Desc
	parked   *prometheus.Desc
	parkedUn *prometheus.Desc
}

// NewCollector creates a collector over src.
func NewCollector(src Source) *Collector {
	return &Collector{
		src: src,
		links: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "links"),
			"Logical connections by state.",
			[]string{"state"}, nil),
		unacked: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "link", "unacked_messages"),
			"Sent messages waiting for an acknowledgement.",
			[]string{"peer", "conn"}, nil),
		queued: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "link", "queued_messages"),
			"Sends waiting for a session.",
			[]string{"peer", "conn"}, nil),
		epoch: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "link", "epoch"),
			"Handshake epoch of the connection.",
			[]string{"peer", "conn"}, nil),
		parked: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "registry", "entries"),
			"Identities with recovery state parked in the registry.",
			nil, nil),
		parkedUn: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "registry", "unacked_messages"),
			"Unacknowledged messages held by parked recovery state.",
			nil, nil),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.links
	ch <- c.unacked
	ch <- c.queued
	ch <- c.epoch
	ch <- c.parked
	ch <- c.parkedUn
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	byState := map[conn.State]int{
		conn.StateConnected:    0,
		conn.StateDisconnected: 0,
		conn.StateReconnecting: 0,
		conn.StateFailed:       0,
	}
	for _, s := range c.src.Snapshot() {
		byState[s.State]++
		peer, idx := s.Identity.Node, strconv.Itoa(s.Identity.ConnIdx)
		ch <- prometheus.MustNewConstMetric(c.unacked, prometheus.GaugeValue, float64(s.Unacked), peer, idx)
		ch <- prometheus.MustNewConstMetric(c.queued, prometheus.GaugeValue, float64(s.Queued), peer, idx)
		ch <- prometheus.MustNewConstMetric(c.epoch, prometheus.GaugeValue, float64(s.Epoch), peer, idx)
	}
	for state, n := range byState {
		ch <- prometheus.MustNewConstMetric(c.links, prometheus.GaugeValue, float64(n), state.String())
	}

	parked, unacked := 0, 0
	for _, s := range c.src.Disconnected() {
		if s.Held && s.Sent == 0 && s.Unacked == 0 {
			// a claim on a fresh identity, nothing parked yet
			continue
		}
		parked++
		unacked += s.Unacked
	}
	ch <- prometheus.MustNewConstMetric(c.parked, prometheus.GaugeValue, float64(parked))
	ch <- prometheus.MustNewConstMetric(c.parkedUn, prometheus.GaugeValue, float64(unacked))
}
