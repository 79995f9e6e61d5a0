package metrics

import (
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// routeStat holds the per-route hit counter. Distinct routes never share a
// routeStat, so increments on different routes do not contend.
type routeStat struct {
	hits    atomic.Int64
	lastHit atomic.Int64 // unix nanos, 0 = never
}

// RouteHits is one row of a metrics snapshot.
type RouteHits struct {
	RouteID string  `json:"routeId"`
	Hits    int64   `json:"hits"`
	LastHit *string `json:"lastHit"`
}

type Config struct {
	// Namespace prefixes exported metric names.
	Namespace      string
	LatencyBuckets []float64
	// Now is overridable for tests.
	Now func() time.Time
}

func DefaultConfig() Config {
	return Config{
		Namespace:      "rulegate",
		LatencyBuckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0},
	}
}

// Registry records dispatched hits per route and exports them, together
// with dispatch outcomes and upstream latency, in Prometheus format.
type Registry struct {
	stats sync.Map // route id -> *routeStat
	now   func() time.Time

	reg              *prometheus.Registry
	hitsTotal        *prometheus.CounterVec
	outcomesTotal    *prometheus.CounterVec
	upstreamDuration *prometheus.HistogramVec
	inFlight         *prometheus.GaugeVec
}

func New(cfg Config) *Registry {
	def := DefaultConfig()
	if cfg.Namespace == "" {
		cfg.Namespace = def.Namespace
	}
	if len(cfg.LatencyBuckets) == 0 {
		cfg.LatencyBuckets = def.LatencyBuckets
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	m := &Registry{
		now: cfg.Now,
		reg: prometheus.NewRegistry(),
		hitsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Name:      "route_hits_total",
			Help:      "Requests dispatched to a backend, per route.",
		}, []string{"route"}),
		outcomesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Name:      "dispatch_outcomes_total",
			Help:      "Terminal dispatch outcomes, per route and outcome.",
		}, []string{"route", "outcome"}),
		upstreamDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: cfg.Namespace,
			Name:      "upstream_duration_seconds",
			Help:      "Time from forwarding a request until its response body is fully relayed.",
			Buckets:   cfg.LatencyBuckets,
		}, []string{"route"}),
		inFlight: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: cfg.Namespace,
			Name:      "requests_in_flight",
			Help:      "Requests currently being forwarded, per route.",
		}, []string{"route"}),
	}

	m.reg.MustRegister(
		m.hitsTotal,
		m.outcomesTotal,
		m.upstreamDuration,
		m.inFlight,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

func (m *Registry) stat(routeID string) *routeStat {
	if v, ok := m.stats.Load(routeID); ok {
		return v.(*routeStat)
	}
	v, _ := m.stats.LoadOrStore(routeID, &routeStat{})
	return v.(*routeStat)
}

// RecordHit counts one dispatched request for routeID and stamps its last
// hit time.
func (m *Registry) RecordHit(routeID string) {
	s := m.stat(routeID)
	s.hits.Add(1)
	s.lastHit.Store(m.now().UnixNano())
	m.hitsTotal.WithLabelValues(routeID).Inc()
}

// RecordOutcome counts a terminal dispatch outcome. routeID may be empty
// when no rule was selected.
func (m *Registry) RecordOutcome(routeID, outcome string) {
	m.outcomesTotal.WithLabelValues(routeID, outcome).Inc()
}

func (m *Registry) ObserveUpstream(routeID string, d time.Duration) {
	m.upstreamDuration.WithLabelValues(routeID).Observe(d.Seconds())
}

// InFlight marks a request as in flight and returns the func that clears it.
func (m *Registry) InFlight(routeID string) func() {
	g := m.inFlight.WithLabelValues(routeID)
	g.Inc()
	return g.Dec
}

// Snapshot returns per-route hit counts ordered by route id. It is not
// atomic across routes.
func (m *Registry) Snapshot() []RouteHits {
	out := make([]RouteHits, 0)
	m.stats.Range(func(k, v any) bool {
		s := v.(*routeStat)
		row := RouteHits{RouteID: k.(string), Hits: s.hits.Load()}
		if ns := s.lastHit.Load(); ns != 0 {
			ts := time.Unix(0, ns).UTC().Format(time.RFC3339Nano)
			row.LastHit = &ts
		}
		out = append(out, row)
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].RouteID < out[j].RouteID })
	return out
}

// Handler returns an HTTP handler that serves the metrics in Prometheus format
func (m *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}

// JSONHandler serves the hit snapshot as JSON.
func (m *Registry) JSONHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(m.Snapshot())
	})
}

// Gatherer exposes the underlying registry, mainly for tests.
func (m *Registry) Gatherer() prometheus.Gatherer {
	return m.reg
}
