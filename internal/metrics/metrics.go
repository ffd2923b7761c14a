// Package metrics exports scheduler, browser pool and run counters in the
// Prometheus exposition format.
package metrics

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kalambet/klwatch/internal/browser"
	"github.com/kalambet/klwatch/internal/runner"
	"github.com/kalambet/klwatch/internal/storage"
)

const namespace = "klwatch"

// Metric names read back by the status command.
const (
	ArmedJobsName       = namespace + "_scheduler_armed_jobs"
	PoolInUseName       = namespace + "_browser_sessions_in_use"
	PoolIdleName        = namespace + "_browser_sessions_idle"
	PoolMaxSessionsName = namespace + "_browser_sessions_max"
)

// ArmedCounter reports how many jobs have a live timer. *scheduler.Scheduler
// satisfies it.
type ArmedCounter interface {
	Armed() int
}

// PoolStats reports browser pool counters. *browser.Pool satisfies it.
type PoolStats interface {
	Stats() browser.Stats
}

// Metrics owns a private registry. It is also a run listener: hand it to the
// scheduler so every finished run is counted.
type Metrics struct {
	registry    *prometheus.Registry
	runs        *prometheus.CounterVec
	runDuration *prometheus.HistogramVec
	listings    *prometheus.CounterVec
	enriched    prometheus.Counter
}

// New registers the run counters and, when pool is not nil, the browser
// pool gauges.
func New(pool PoolStats) *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_total",
			Help:      "Finished scrape runs by outcome.",
		}, []string{"status"}),
		runDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "run_duration_seconds",
			Help:      "Wall time of scrape runs.",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600},
		}, []string{"status"}),
		listings: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "listings_reconciled_total",
			Help:      "Listings touched by reconciliation, by change.",
		}, []string{"change"}),
		enriched: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "listings_enriched_total",
			Help:      "New listings enriched with their detail page.",
		}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.runs, m.runDuration, m.listings, m.enriched,
	)
	if pool != nil {
		m.registerPool(pool)
	}
	return m
}

// WatchJobs exports the armed job count of jobs.
func (m *Metrics) WatchJobs(jobs ArmedCounter) {
	m.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: ArmedJobsName,
		Help: "Active jobs with a live timer.",
	}, func() float64 { return float64(jobs.Armed()) }))
}

func (m *Metrics) registerPool(pool PoolStats) {
	gauge := func(name, help string, read func(browser.Stats) int) prometheus.Collector {
		return prometheus.NewGaugeFunc(prometheus.GaugeOpts{Name: name, Help: help},
			func() float64 { return float64(read(pool.Stats())) })
	}
	counter := func(name, help string, read func(browser.Stats) int64) prometheus.Collector {
		return prometheus.NewCounterFunc(prometheus.CounterOpts{Name: name, Help: help},
			func() float64 { return float64(read(pool.Stats())) })
	}
	m.registry.MustRegister(
		gauge(PoolInUseName, "Browser sessions checked out.", func(s browser.Stats) int { return s.InUse }),
		gauge(PoolIdleName, "Browser sessions idle in the pool.", func(s browser.Stats) int { return s.Idle }),
		gauge(PoolMaxSessionsName, "Upper bound on concurrent browser sessions.", func(s browser.Stats) int { return s.MaxSessions }),
		counter(namespace+"_browser_sessions_created_total", "Browser sessions opened.", func(s browser.Stats) int64 { return s.Created }),
		counter(namespace+"_browser_sessions_reused_total", "Acquisitions served from the idle set.", func(s browser.Stats) int64 { return s.Reused }),
		counter(namespace+"_browser_sessions_discarded_total", "Sessions closed after failing.", func(s browser.Stats) int64 { return s.Discarded }),
	)
}

// RunFinished counts one finished run.
func (m *Metrics) RunFinished(_ context.Context, _ storage.Job, out runner.Outcome) {
	status := string(out.Status)
	m.runs.WithLabelValues(status).Inc()
	m.runDuration.WithLabelValues(status).Observe(out.Duration.Seconds())
	m.listings.WithLabelValues("inserted").Add(float64(out.Result.Inserted))
	m.listings.WithLabelValues("updated").Add(float64(out.Result.Updated))
	m.listings.WithLabelValues("unchanged").Add(float64(out.Result.Unchanged))
	m.listings.WithLabelValues("deleted").Add(float64(out.Result.MarkedDeleted))
	m.enriched.Add(float64(out.Enriched))
}

// Handler serves the registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
