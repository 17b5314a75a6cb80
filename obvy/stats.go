package tessitura

import (
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "tessitura"

// StatsInternal is a private prometheus registry for internal stats,
// nothing here is registered on the default registry.
type StatsInternal struct {
	Registry    *prometheus.Registry
	WWW         *prometheus.CounterVec
	Alarms      *prometheus.CounterVec
	LogRows     prometheus.Counter
	LogErrors   prometheus.Counter
	LogFlush    prometheus.Histogram
	EngineState prometheus.Gauge
}

func NewStatsInternal() *StatsInternal {
	reg := prometheus.NewRegistry()

	s := &StatsInternal{
		Registry: reg,
		WWW: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "API requests served, by status code and method",
		}, []string{"code", "method"}),
		Alarms: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alarm_transitions_total",
			Help:      "Alarm level changes, by the level entered",
		}, []string{"level"}),
		LogRows: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "log_rows_total",
			Help:      "Rows written to the data log",
		}),
		LogErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "log_write_errors_total",
			Help:      "Data log flushes that failed",
		}),
		LogFlush: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "log_flush_seconds",
			Help:      "Time to write and sync one data log batch",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 12),
		}),
		EngineState: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "engine_state",
			Help:      "Acquisition state: 0 idle, 1 connecting, 2 streaming, 3 paused, 4 backoff, 5 stopped",
		}),
	}

	reg.MustRegister(
		s.WWW, s.Alarms, s.LogRows, s.LogErrors, s.LogFlush, s.EngineState,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return s
}

// Handler serves the private registry
func (s *StatsInternal) Handler() http.Handler {
	return promhttp.HandlerFor(s.Registry, promhttp.HandlerOpts{Registry: s.Registry})
}

// CounterFunc exposes a monotonic value owned elsewhere, e.g. an engine counter
func (s *StatsInternal) CounterFunc(name, help string, fn func() float64) {
	c := prometheus.NewCounterFunc(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      name,
		Help:      help,
	}, fn)
	if err := s.Registry.Register(c); err != nil {
		slog.Error("Could not register counter", slog.String("name", name), slog.Any("Error", err))
	}
}

func (s *StatsInternal) RecWWW(code, method string) {
	s.WWW.WithLabelValues(code, method).Inc()
}

func (s *StatsInternal) RecAlarm(level string) {
	s.Alarms.WithLabelValues(level).Inc()
}

// RecLogFlush records one batch, failed batches count as errors only
func (s *StatsInternal) RecLogFlush(rows int, seconds float64, err error) {
	s.LogFlush.Observe(seconds)
	if err != nil {
		s.LogErrors.Inc()
		return
	}
	s.LogRows.Add(float64(rows))
}

func (s *StatsInternal) RecEngineState(state int) {
	s.EngineState.Set(float64(state))
}
