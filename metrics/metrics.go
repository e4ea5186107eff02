// Package metrics holds prometheus metrics of the store.
// All methods are safe to call on nil *Metrics, which is how
// metrics are turned off.
package metrics

import (
	"sort"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "kvstore"

type Metrics struct {
	sets            prometheus.Counter
	setErrors       *prometheus.CounterVec
	gets            prometheus.Counter
	getMisses       prometheus.Counter
	appendDuration  prometheus.Histogram
	replayedRecords prometheus.Counter
	skippedLines    prometheus.Counter
	keys            prometheus.Gauge
	logSize         prometheus.Gauge
}

// New creates metrics registered in reg
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		sets: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sets_total",
			Help:      "Number of successful Set calls",
		}),
		setErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "set_errors_total",
			Help:      "Number of failed Set calls by error kind",
		}, []string{"kind"}),
		gets: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "gets_total",
			Help:      "Number of Get calls",
		}),
		getMisses: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "get_misses_total",
			Help:      "Number of Get calls for keys that don't exist",
		}),
		appendDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "append_duration_seconds",
			Help:      "Duration of durable log appends",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 8),
		}),
		replayedRecords: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "replayed_records_total",
			Help:      "Number of records recovered from the log",
		}),
		skippedLines: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "replay_skipped_lines_total",
			Help:      "Number of malformed log lines skipped during replay",
		}),
		keys: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "keys",
			Help:      "Number of keys in the table",
		}),
		logSize: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "log_size_bytes",
			Help:      "Size of the log file",
		}),
	}
}

// ObserveSet records the outcome of Set. kind is "" on success
func (m *Metrics) ObserveSet(kind string, appendDur time.Duration) {
	if m == nil {
		return
	}
	if kind != "" {
		m.setErrors.WithLabelValues(kind).Inc()
		return
	}
	m.sets.Inc()
	m.appendDuration.Observe(appendDur.Seconds())
}

func (m *Metrics) ObserveGet(found bool) {
	if m == nil {
		return
	}
	m.gets.Inc()
	if !found {
		m.getMisses.Inc()
	}
}

func (m *Metrics) ObserveReplay(records int, skipped int) {
	if m == nil {
		return
	}
	m.replayedRecords.Add(float64(records))
	m.skippedLines.Add(float64(skipped))
}

func (m *Metrics) SetKeys(n int) {
	if m == nil {
		return
	}
	m.keys.Set(float64(n))
}

func (m *Metrics) SetLogSize(n int64) {
	if m == nil {
		return
	}
	m.logSize.Set(float64(n))
}

// Values flattens current values of metrics in g into a map
// e.g. "kvstore_set_errors_total{kind=io}" => 1.
// For histograms the value is the number of observations
func Values(g prometheus.Gatherer) (map[string]float64, error) {
	families, err := g.Gather()
	if err != nil {
		return nil, err
	}
	res := map[string]float64{}
	for _, mf := range families {
		for _, m := range mf.GetMetric() {
			name := mf.GetName()
			var labels []string
			for _, lp := range m.GetLabel() {
				labels = append(labels, lp.GetName()+"="+lp.GetValue())
			}
			if len(labels) > 0 {
				sort.Strings(labels)
				name += "{" + strings.Join(labels, ",") + "}"
			}
			switch {
			case m.GetCounter() != nil:
				res[name] = m.GetCounter().GetValue()
			case m.GetGauge() != nil:
				res[name] = m.GetGauge().GetValue()
			case m.GetHistogram() != nil:
				res[name] = float64(m.GetHistogram().GetSampleCount())
			}
		}
	}
	return res, nil
}
