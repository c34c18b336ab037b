package metrics

import (
	"io"
	"maps"
	"slices"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
)

// Registry is a Collector backed by a prometheus registry. A metric's label
// names are fixed by its first use; later calls with other names are dropped.
type Registry struct {
	reg *prometheus.Registry

	mu         sync.Mutex
	counters   map[string]*prometheus.CounterVec
	gauges     map[string]*prometheus.GaugeVec
	histograms map[string]*prometheus.HistogramVec
}

func NewRegistry() *Registry {
	return &Registry{
		reg:        prometheus.NewRegistry(),
		counters:   make(map[string]*prometheus.CounterVec),
		gauges:     make(map[string]*prometheus.GaugeVec),
		histograms: make(map[string]*prometheus.HistogramVec),
	}
}

// Prometheus exposes the underlying registry, e.g. for promhttp.
func (r *Registry) Prometheus() *prometheus.Registry { return r.reg }

func (r *Registry) IncCounter(name string, labels map[string]string, delta float64) {
	if delta < 0 {
		return
	}
	vec, ok := lookup(r, r.counters, name, func() *prometheus.CounterVec {
		return prometheus.NewCounterVec(prometheus.CounterOpts{Name: name, Help: name}, labelNames(labels))
	})
	if !ok {
		return
	}
	if c, err := vec.GetMetricWith(labels); err == nil {
		c.Add(delta)
	}
}

func (r *Registry) SetGauge(name string, labels map[string]string, value float64) {
	vec, ok := lookup(r, r.gauges, name, func() *prometheus.GaugeVec {
		return prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: name, Help: name}, labelNames(labels))
	})
	if !ok {
		return
	}
	if g, err := vec.GetMetricWith(labels); err == nil {
		g.Set(value)
	}
}

func (r *Registry) ObserveHistogram(name string, labels map[string]string, value float64) {
	vec, ok := lookup(r, r.histograms, name, func() *prometheus.HistogramVec {
		return prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    name,
			Help:    name,
			Buckets: prometheus.DefBuckets,
		}, labelNames(labels))
	})
	if !ok {
		return
	}
	if h, err := vec.GetMetricWith(labels); err == nil {
		h.Observe(value)
	}
}

// Counter returns the current value of a counter series, 0 if unknown.
func (r *Registry) Counter(name string, labels map[string]string) float64 {
	return r.find(name, labels).GetCounter().GetValue()
}

// Gauge returns the current value of a gauge series, 0 if unknown.
func (r *Registry) Gauge(name string, labels map[string]string) float64 {
	return r.find(name, labels).GetGauge().GetValue()
}

// WriteText writes every metric family in the prometheus text format.
func (r *Registry) WriteText(w io.Writer) error {
	families, err := r.reg.Gather()
	if err != nil {
		return err
	}
	for _, mf := range families {
		if _, err := expfmt.MetricFamilyToText(w, mf); err != nil {
			return err
		}
	}
	return nil
}

// lookup returns the vector registered under name, building and registering
// it on first use.
func lookup[V prometheus.Collector](r *Registry, m map[string]V, name string, build func() V) (V, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if v, ok := m[name]; ok {
		return v, true
	}
	v := build()
	if err := r.reg.Register(v); err != nil {
		var zero V
		return zero, false
	}
	m[name] = v
	return v, true
}

// find reads a series without creating it.
func (r *Registry) find(name string, labels map[string]string) *dto.Metric {
	families, err := r.reg.Gather()
	if err != nil {
		return nil
	}
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.GetMetric() {
			if sameLabels(m.GetLabel(), labels) {
				return m
			}
		}
	}
	return nil
}

func sameLabels(pairs []*dto.LabelPair, labels map[string]string) bool {
	if len(pairs) != len(labels) {
		return false
	}
	for _, p := range pairs {
		if v, ok := labels[p.GetName()]; !ok || v != p.GetValue() {
			return false
		}
	}
	return true
}

func labelNames(labels map[string]string) []string {
	return slices.Sorted(maps.Keys(labels))
}
