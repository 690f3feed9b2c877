// Package metrics adapts the MetricsSink interfaces used across the chat
// packages onto Prometheus collectors.
package metrics

import (
	"net/http"
	"sort"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "ephemeral_chat"

var help = map[string]string{
	"sessions_created_total":        "Sessions created.",
	"sessions_ended_total":          "Sessions ended, by reason.",
	"session_joins_total":           "Successful session joins.",
	"session_joins_rejected_total":  "Rejected session joins, by reason.",
	"session_keys_set_total":        "Session keys installed, by whether they rotated an existing key.",
	"messages_relayed_total":        "Encrypted messages relayed to session participants.",
	"ratelimit_rejected_total":      "Requests rejected by the rate limiter, by scope.",
	"ratelimit_blocks_total":        "Blocks imposed by the rate limiter, by scope and tier.",
	"events_total":                  "Inbound events handled, by event and outcome.",
	"notifications_published_total": "Notifications queued for delivery, by event.",
	"notifications_failed_total":    "Notifications that could not be queued, by event.",
	"connections_closed_total":      "Connections torn down.",
	"session_duration_seconds":      "Lifetime of ended sessions.",
	"event_duration_seconds":        "Time spent handling an inbound event.",
}

// Sink implements IncCounter and ObserveHistogram by lazily creating one
// vector per metric name. The label set of a name is fixed by its first use;
// later calls with different tag keys are dropped.
type Sink struct {
	reg *prometheus.Registry

	mu         sync.Mutex
	counters   map[string]*prometheus.CounterVec
	histograms map[string]*prometheus.HistogramVec
}

// New returns a Sink backed by a fresh registry that also carries the Go
// runtime and process collectors.
func New() *Sink {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return &Sink{
		reg:        reg,
		counters:   make(map[string]*prometheus.CounterVec),
		histograms: make(map[string]*prometheus.HistogramVec),
	}
}

// Registry exposes the underlying registry for extra collectors.
func (s *Sink) Registry() *prometheus.Registry { return s.reg }

// Handler serves the registry in the Prometheus exposition format.
func (s *Sink) Handler() http.Handler {
	return promhttp.HandlerFor(s.reg, promhttp.HandlerOpts{})
}

// Gauge registers a gauge whose value is read from fn at scrape time.
func (s *Sink) Gauge(name, helpText string, fn func() float64) {
	s.reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      name,
		Help:      helpText,
	}, fn))
}

func (s *Sink) IncCounter(name string, tags map[string]string) {
	s.mu.Lock()
	vec, ok := s.counters[name]
	if !ok {
		vec = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      name,
			Help:      helpFor(name),
		}, labelNames(tags))
		if err := s.reg.Register(vec); err != nil {
			s.mu.Unlock()
			return
		}
		s.counters[name] = vec
	}
	s.mu.Unlock()
	if c, err := vec.GetMetricWith(prometheus.Labels(tags)); err == nil {
		c.Inc()
	}
}

func (s *Sink) ObserveHistogram(name string, value float64, tags map[string]string) {
	s.mu.Lock()
	vec, ok := s.histograms[name]
	if !ok {
		buckets := prometheus.DefBuckets
		if strings.HasPrefix(name, "session_") {
			buckets = prometheus.ExponentialBuckets(15, 2, 8)
		}
		vec = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      name,
			Help:      helpFor(name),
			Buckets:   buckets,
		}, labelNames(tags))
		if err := s.reg.Register(vec); err != nil {
			s.mu.Unlock()
			return
		}
		s.histograms[name] = vec
	}
	s.mu.Unlock()
	if o, err := vec.GetMetricWith(prometheus.Labels(tags)); err == nil {
		o.Observe(value)
	}
}

func helpFor(name string) string {
	if h, ok := help[name]; ok {
		return h
	}
	return strings.ReplaceAll(name, "_", " ")
}

func labelNames(tags map[string]string) []string {
	names := make([]string, 0, len(tags))
	for k := range tags {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}
