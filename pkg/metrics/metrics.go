// Package metrics keeps in-process counters and gauges on a Prometheus
// registry and periodically hands a snapshot to reporters. Collection and
// flushing are driven by the status loop.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

// Namespace prefixes every exported metric name.
const Namespace = "clawgate"

// labelName is the single label carried by counters, usually an event kind.
const labelName = "label"
// Counter names used by clawgate.
const (
	EventsDispatched  = "events_dispatched"
	EventsIntercepted = "events_intercepted"
	EventsHandled     = "events_handled"
	EventsFailed      = "events_failed"
	EventsDropped     = "events_dropped"
	Escalations       = "escalations"
	StatusUpdates     = "status_updates"
)

// Collector refreshes gauges on the registry.
type Collector interface {
	Name() string
	Collect(ctx context.Context, r *Registry) error
}

// Reporter ships a snapshot somewhere.
type Reporter interface {
	Name() string
	Report(ctx context.Context, snap Snapshot) error
}

// Snapshot is a point-in-time copy of all metrics.
type Snapshot struct {
	Timestamp time.Time                    `json:"timestamp"`
	Counters  map[string]map[string]uint64 `json:"counters"`
	Gauges    map[string]float64           `json:"gauges"`
	Error     string                       `json:"error,omitempty"`
}

// Total sums a counter over all labels.
func (s Snapshot) Total(name string) uint64 {
	var n uint64
	for _, v := range s.Counters[name] {
		n += v
	}
	return n
}

// Registry is safe for concurrent use. A nil *Registry ignores all updates.
//
// Counters are exported as clawgate_<name>_total with one "label" label,
// gauges as clawgate_<name>.
type Registry struct {
	prom *prometheus.Registry

	mu         sync.RWMutex
	counters   map[string]*prometheus.CounterVec
	gauges     map[string]prometheus.Gauge
	names      map[string]string // exported name -> short name
	collectors []Collector
	reporters  []Reporter
	last       Snapshot
}

func NewRegistry() *Registry {
	return &Registry{
		prom:     prometheus.NewRegistry(),
		counters: make(map[string]*prometheus.CounterVec),
		gauges:   make(map[string]prometheus.Gauge),
		names:    make(map[string]string),
	}
}

// Gatherer exposes the underlying registry, e.g. for promhttp.
func (r *Registry) Gatherer() prometheus.Gatherer { return r.prom }

// Inc adds one to the counter name for label (usually an event kind).
func (r *Registry) Inc(name, label string) {
	if r == nil {
		return
	}
	r.counter(name).WithLabelValues(label).Inc()
}

func (r *Registry) SetGauge(name string, v float64) {
	if r == nil {
		return
	}
	r.gauge(name).Set(v)
}

func (r *Registry) counter(name string) *prometheus.CounterVec {
	r.mu.RLock()
	vec, ok := r.counters[name]
	r.mu.RUnlock()
	if ok {
		return vec
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if vec, ok := r.counters[name]; ok {
		return vec
	}
	vec = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: Namespace,
		Name:      name + "_total",
		Help:      "clawgate counter " + name + ".",
	}, []string{labelName})
	r.prom.MustRegister(vec)
	r.counters[name] = vec
	r.names[prometheus.BuildFQName(Namespace, "", name+"_total")] = name
	return vec
}

func (r *Registry) gauge(name string) prometheus.Gauge {
	r.mu.RLock()
	g, ok := r.gauges[name]
	r.mu.RUnlock()
	if ok {
		return g
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if g, ok := r.gauges[name]; ok {
		return g
	}
	g = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: Namespace,
		Name:      name,
		Help:      "clawgate gauge " + name + ".",
	})
	r.prom.MustRegister(g)
	r.gauges[name] = g
	r.names[prometheus.BuildFQName(Namespace, "", name)] = name
	return g
}

func (r *Registry) AddCollector(c Collector) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.collectors = append(r.collectors, c)
}

func (r *Registry) AddReporter(rep Reporter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reporters = append(r.reporters, rep)
}

// Snapshot gathers the current values from the Prometheus registry.
func (r *Registry) Snapshot() Snapshot {
	snap := Snapshot{
		Timestamp: time.Now().UTC(),
		Counters:  make(map[string]map[string]uint64),
		Gauges:    make(map[string]float64),
	}

	families, err := r.prom.Gather()
	if err != nil {
		// Gather returns what it could collect alongside the error.
		snap.Error = err.Error()
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, mf := range families {
		name, ok := r.names[mf.GetName()]
		if !ok {
			continue
		}
		switch mf.GetType() {
		case dto.MetricType_COUNTER:
			byLabel := make(map[string]uint64, len(mf.GetMetric()))
			for _, m := range mf.GetMetric() {
				byLabel[labelValue(m)] = uint64(m.GetCounter().GetValue())
			}
			snap.Counters[name] = byLabel
		case dto.MetricType_GAUGE:
			for _, m := range mf.GetMetric() {
				snap.Gauges[name] = m.GetGauge().GetValue()
			}
		}
	}
	return snap
}

func labelValue(m *dto.Metric) string {
	for _, lp := range m.GetLabel() {
		if lp.GetName() == labelName {
			return lp.GetValue()
		}
	}
	return ""
}

// Collect runs every collector. One failing collector does not stop the others.
func (r *Registry) Collect(ctx context.Context) error {
	r.mu.RLock()
	collectors := append([]Collector(nil), r.collectors...)
	r.mu.RUnlock()

	var errs []error
	for _, c := range collectors {
		if err := c.Collect(ctx, r); err != nil {
			errs = append(errs, fmt.Errorf("collector %s: %w", c.Name(), err))
		}
	}
	return errors.Join(errs...)
}

// Flush snapshots the registry, remembers it as the last flushed snapshot and
// hands it to every reporter.
func (r *Registry) Flush(ctx context.Context) error {
	snap := r.Snapshot()

	r.mu.Lock()
	r.last = snap
	reporters := append([]Reporter(nil), r.reporters...)
	r.mu.Unlock()

	var errs []error
	for _, rep := range reporters {
		if err := rep.Report(ctx, snap); err != nil {
			errs = append(errs, fmt.Errorf("reporter %s: %w", rep.Name(), err))
		}
	}
	return errors.Join(errs...)
}

// Last returns the most recently flushed snapshot.
func (r *Registry) Last() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.last
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
