package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// PluginMetrics hands out counters, histograms and gauges scoped to one
// (pipeline, plugin) pair. Instruments are created lazily and cached so a
// plugin can ask for the same name repeatedly.
type PluginMetrics struct {
	registerer   prometheus.Registerer
	pipelineName string
	pluginName   string
	mu           sync.Mutex
	counters     map[string]prometheus.Counter
	histograms   map[string]prometheus.Histogram
	gauges       map[string]prometheus.Gauge
}

func NewPluginMetrics(registerer prometheus.Registerer, pipelineName string, pluginName string) *PluginMetrics {
	return &PluginMetrics{
		registerer:   registerer,
		pipelineName: pipelineName,
		pluginName:   pluginName,
		counters:     map[string]prometheus.Counter{},
		histograms:   map[string]prometheus.Histogram{},
		gauges:       map[string]prometheus.Gauge{},
	}
}

func (pm *PluginMetrics) constLabels() prometheus.Labels {
	return prometheus.Labels{
		"pipeline": pm.pipelineName,
		"plugin":   pm.pluginName,
	}
}

func (pm *PluginMetrics) Counter(name string) prometheus.Counter {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	if counter, ok := pm.counters[name]; ok {
		return counter
	}
	counter := prometheus.NewCounter(prometheus.CounterOpts{
		Name:        name,
		ConstLabels: pm.constLabels(),
	})
	pm.registerer.MustRegister(counter)
	pm.counters[name] = counter
	return counter
}

func (pm *PluginMetrics) Histogram(name string) prometheus.Histogram {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	if histogram, ok := pm.histograms[name]; ok {
		return histogram
	}
	histogram := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:        name,
		ConstLabels: pm.constLabels(),
	})
	pm.registerer.MustRegister(histogram)
	pm.histograms[name] = histogram
	return histogram
}

func (pm *PluginMetrics) Gauge(name string) prometheus.Gauge {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	if gauge, ok := pm.gauges[name]; ok {
		return gauge
	}
	gauge := prometheus.NewGauge(prometheus.GaugeOpts{
		Name:        name,
		ConstLabels: pm.constLabels(),
	})
	pm.registerer.MustRegister(gauge)
	pm.gauges[name] = gauge
	return gauge
}

// Time records the duration of fn into the named histogram in seconds.
func (pm *PluginMetrics) Time(name string, fn func()) {
	start := time.Now()
	fn()
	pm.Histogram(name).Observe(time.Since(start).Seconds())
}
