package coord

import (
	"sort"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusRecorder exports recorder calls as Prometheus counters and
// histograms. Metric names have '.' replaced with '_'; the label set of a name
// is fixed by its first use.
type PrometheusRecorder struct {
	reg       prometheus.Registerer
	namespace string

	mu         sync.Mutex
	counters   map[string]*prometheus.CounterVec
	histograms map[string]*prometheus.HistogramVec
}

// NewPrometheusRecorder registers collectors lazily on reg. A nil reg uses
// prometheus.DefaultRegisterer.
func NewPrometheusRecorder(reg prometheus.Registerer, namespace string) *PrometheusRecorder {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	return &PrometheusRecorder{
		reg:        reg,
		namespace:  namespace,
		counters:   make(map[string]*prometheus.CounterVec),
		histograms: make(map[string]*prometheus.HistogramVec),
	}
}

func (p *PrometheusRecorder) Add(name string, value float64, tags map[string]string) {
	vec := p.counter(name, tags)
	if vec == nil {
		return
	}
	if c, err := vec.GetMetricWith(prometheus.Labels(tags)); err == nil {
		c.Add(value)
	}
}

func (p *PrometheusRecorder) Observe(name string, value float64, tags map[string]string) {
	vec := p.histogram(name, tags)
	if vec == nil {
		return
	}
	if h, err := vec.GetMetricWith(prometheus.Labels(tags)); err == nil {
		h.Observe(value)
	}
}

func (p *PrometheusRecorder) counter(name string, tags map[string]string) *prometheus.CounterVec {
	p.mu.Lock()
	defer p.mu.Unlock()
	if vec, ok := p.counters[name]; ok {
		return vec
	}
	vec := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: p.namespace,
		Name:      metricName(name) + "_total",
		Help:      "Total " + name + " events by label",
	}, labelNames(tags))
	if err := p.reg.Register(vec); err != nil {
		are, ok := err.(prometheus.AlreadyRegisteredError)
		if !ok {
			return nil
		}
		existing, ok := are.ExistingCollector.(*prometheus.CounterVec)
		if !ok {
			return nil
		}
		vec = existing
	}
	p.counters[name] = vec
	return vec
}

func (p *PrometheusRecorder) histogram(name string, tags map[string]string) *prometheus.HistogramVec {
	p.mu.Lock()
	defer p.mu.Unlock()
	if vec, ok := p.histograms[name]; ok {
		return vec
	}
	vec := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: p.namespace,
		Name:      metricName(name),
		Help:      "Distribution of " + name,
		Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 14), // 0.5ms .. ~4s
	}, labelNames(tags))
	if err := p.reg.Register(vec); err != nil {
		are, ok := err.(prometheus.AlreadyRegisteredError)
		if !ok {
			return nil
		}
		existing, ok := are.ExistingCollector.(*prometheus.HistogramVec)
		if !ok {
			return nil
		}
		vec = existing
	}
	p.histograms[name] = vec
	return vec
}

func metricName(name string) string {
	return strings.NewReplacer(".", "_", "-", "_").Replace(name)
}

func labelNames(tags map[string]string) []string {
	names := make([]string, 0, len(tags))
	for k := range tags {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}
