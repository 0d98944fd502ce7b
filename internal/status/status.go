// Package status publishes liveness and counters for long-running
// workers (C10): each component holds a Publisher, calls Add* as it
// does work, and the Publisher writes a service_status row on a bounded
// interval exactly like gpufeeder.HealthChecker.MonitorContinuous's
// ticker/select loop. Counters also drive a set of Prometheus
// collectors registered on a caller-supplied registry, never the global
// default one, so a process hosting several Publishers doesn't collide
// on metric names and a test can inspect its own registry in isolation.
package status

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/foiacquire/foiacquire/internal/catalog"
)

// Counters tracks the per-worker figures named in the heartbeat row's
// counters_json blob: documents fetched, bytes stored, pages analyzed.
type Counters struct {
	DocsFetched   atomic.Int64
	BytesStored   atomic.Int64
	PagesAnalyzed atomic.Int64
}

func (c *Counters) json() string {
	b, _ := json.Marshal(struct {
		DocsFetched   int64 `json:"docs_fetched"`
		BytesStored   int64 `json:"bytes_stored"`
		PagesAnalyzed int64 `json:"pages_analyzed"`
	}{c.DocsFetched.Load(), c.BytesStored.Load(), c.PagesAnalyzed.Load()})
	return string(b)
}

// Config configures a Publisher.
type Config struct {
	ServiceType string
	Host        string
	Interval    time.Duration // heartbeat period; default 5s
	Registry    *prometheus.Registry
	Logger      *slog.Logger
}

func (c *Config) defaults() {
	if c.Interval <= 0 {
		c.Interval = 5 * time.Second
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Publisher owns one (service_type, host) heartbeat row and its
// counters. Safe for concurrent use; Add* methods may be called from
// any goroutine.
type Publisher struct {
	counters Counters
	cfg      Config

	catalog *catalog.Catalog

	mu            sync.Mutex
	state         string
	currentSource string
	lastError     string
	errorCount    int
	startedAt     time.Time

	metrics *promMetrics
}

type promMetrics struct {
	docsFetched   prometheus.Counter
	bytesStored   prometheus.Counter
	pagesAnalyzed prometheus.Counter
	errors        prometheus.Counter
	state         *prometheus.GaugeVec
}

func newPromMetrics(reg *prometheus.Registry, serviceType string) *promMetrics {
	if reg == nil {
		return nil
	}
	labels := prometheus.Labels{"service_type": serviceType}
	m := &promMetrics{
		docsFetched: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "foiacquire_docs_fetched_total",
			Help:        "Total documents fetched.",
			ConstLabels: labels,
		}),
		bytesStored: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "foiacquire_bytes_stored_total",
			Help:        "Total bytes written to the content store.",
			ConstLabels: labels,
		}),
		pagesAnalyzed: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "foiacquire_pages_analyzed_total",
			Help:        "Total pages run through an analysis backend.",
			ConstLabels: labels,
		}),
		errors: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "foiacquire_worker_errors_total",
			Help:        "Total errors recorded by this worker.",
			ConstLabels: labels,
		}),
		state: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "foiacquire_worker_state",
			Help: "1 for the worker's current state, 0 otherwise, labeled by service_type/host/state.",
		}, []string{"service_type", "host", "state"}),
	}
	reg.MustRegister(m.docsFetched, m.bytesStored, m.pagesAnalyzed, m.errors, m.state)
	return m
}

// New creates a Publisher. cat may be nil for a Publisher used only to
// drive Prometheus metrics in a test, with heartbeat rows skipped.
func New(cat *catalog.Catalog, cfg Config) *Publisher {
	cfg.defaults()
	return &Publisher{
		cfg:       cfg,
		catalog:   cat,
		state:     catalog.ServiceStateStarting,
		startedAt: time.Now().UTC(),
		metrics:   newPromMetrics(cfg.Registry, cfg.ServiceType),
	}
}

// AddDocsFetched increments the documents-fetched counter.
func (p *Publisher) AddDocsFetched(n int64) {
	p.counters.DocsFetched.Add(n)
	if p.metrics != nil {
		p.metrics.docsFetched.Add(float64(n))
	}
}

// AddBytesStored increments the bytes-stored counter.
func (p *Publisher) AddBytesStored(n int64) {
	p.counters.BytesStored.Add(n)
	if p.metrics != nil {
		p.metrics.bytesStored.Add(float64(n))
	}
}

// AddPagesAnalyzed increments the pages-analyzed counter.
func (p *Publisher) AddPagesAnalyzed(n int64) {
	p.counters.PagesAnalyzed.Add(n)
	if p.metrics != nil {
		p.metrics.pagesAnalyzed.Add(float64(n))
	}
}

// SetState records the worker's current lifecycle state and, for
// ServiceStateRunning, the source currently being worked.
func (p *Publisher) SetState(state, currentSource string) {
	p.mu.Lock()
	p.state, p.currentSource = state, currentSource
	p.mu.Unlock()
}

// RecordError records a worker-level error. Counted in error_count and
// surfaced verbatim as last_error until the next call.
func (p *Publisher) RecordError(err error) {
	p.mu.Lock()
	p.errorCount++
	p.lastError = err.Error()
	p.mu.Unlock()
	if p.metrics != nil {
		p.metrics.errors.Inc()
	}
}

// PublishOnce writes one heartbeat row immediately.
func (p *Publisher) PublishOnce(ctx context.Context) error {
	if p.catalog == nil {
		return nil
	}
	p.mu.Lock()
	s := catalog.ServiceStatus{
		ServiceType:   p.cfg.ServiceType,
		Host:          p.cfg.Host,
		State:         p.state,
		CurrentSource: p.currentSource,
		StartedAt:     p.startedAt,
		LastHeartbeat: time.Now().UTC(),
		CountersJSON:  p.counters.json(),
		LastError:     p.lastError,
		ErrorCount:    p.errorCount,
	}
	state := p.state
	p.mu.Unlock()

	if p.metrics != nil {
		for _, st := range []string{
			catalog.ServiceStateStarting, catalog.ServiceStateRunning, catalog.ServiceStateIdle,
			catalog.ServiceStateError, catalog.ServiceStateStopped,
		} {
			v := 0.0
			if st == state {
				v = 1
			}
			p.metrics.state.WithLabelValues(p.cfg.ServiceType, p.cfg.Host, st).Set(v)
		}
	}

	if err := p.catalog.UpsertServiceStatus(ctx, s); err != nil {
		return fmt.Errorf("status: publish heartbeat: %w", err)
	}
	return nil
}

// Run publishes a heartbeat on cfg.Interval until ctx is cancelled. A
// stale heartbeat (one a reader sees as older than some threshold) is
// never cause for this loop to delete or skip a row — only to stop
// updating it, which happens naturally once ctx is done.
func (p *Publisher) Run(ctx context.Context) error {
	p.SetState(catalog.ServiceStateRunning, p.currentSource)
	if err := p.PublishOnce(ctx); err != nil {
		p.cfg.Logger.Warn("status: initial publish failed", "error", err)
	}

	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			p.SetState(catalog.ServiceStateStopped, "")
			_ = p.PublishOnce(context.Background())
			return ctx.Err()
		case <-ticker.C:
			if err := p.PublishOnce(ctx); err != nil {
				p.cfg.Logger.Warn("status: publish failed", "error", err)
			}
		}
	}
}
