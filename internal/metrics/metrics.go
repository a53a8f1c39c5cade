package metrics

import (
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// API
	HTTPRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "http_requests_total", Help: "Count of HTTP requests."},
		[]string{"handler", "method", "code"},
	)
	HTTPDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Duration of HTTP requests.",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12), // 5ms..~10s
		},
		[]string{"handler", "method"},
	)
	TriggerTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "trigger_requests_total", Help: "Trigger endpoint results."},
		[]string{"result"}, // ok | invalid | error
	)

	// Campaign runs
	CampaignRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "campaign_runs_total", Help: "Finished campaign runs."},
		[]string{"mode", "status"}, // bulk|personalized, completed|failed
	)
	CampaignRunDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "campaign_run_duration_seconds",
			Help:    "Wall time of a campaign run from gate to finalization.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 14), // 50ms..~7min
		},
		[]string{"mode"},
	)
	InFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{Name: "campaign_runs_inflight", Help: "Campaign runs in progress in this process."},
	)
	TokenLookupErrors = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "token_lookup_errors_total", Help: "Failed token lookup groups."},
	)

	// Gateway
	GatewayCalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "gateway_calls_total", Help: "Gateway calls by mode and result."},
		[]string{"mode", "result"}, // bulk|personalized, ok|error
	)
	GatewayDestinations = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "gateway_destinations_total", Help: "Per-destination outcomes."},
		[]string{"outcome"}, // success | invalid | failure
	)
	GatewayDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "gateway_call_duration_seconds",
			Help:    "Gateway call latency.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12), // 10ms..~40s
		},
		[]string{"mode"},
	)

	// Scheduler
	SweepTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "scheduler_sweep_total", Help: "Sweep attempts."},
		[]string{"result"}, // ok | empty | error
	)
	SweepBatchSize = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "scheduler_sweep_batch_size",
			Help:    "Due campaigns returned per sweep.",
			Buckets: prometheus.LinearBuckets(0, 5, 11), // 0,5,...,50
		},
	)
)

var registerOnce sync.Once

// MustRegister registers the service collectors on the default registry once
// per process. The default registry already carries the Go and process
// collectors.
func MustRegister() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			HTTPRequests, HTTPDuration, TriggerTotal,
			CampaignRuns, CampaignRunDuration, InFlight, TokenLookupErrors,
			GatewayCalls, GatewayDestinations, GatewayDuration,
			SweepTotal, SweepBatchSize,
		)
	})
}

// PGXPoolStats exports pgxpool statistics as gauges.
type PGXPoolStats struct {
	pool *pgxpool.Pool

	conns        prometheus.Gauge
	idle         prometheus.Gauge
	acquired     prometheus.Gauge
	acquireCount prometheus.Gauge
	acquireSecs  prometheus.Gauge
}

func NewPGXPoolStats(pool *pgxpool.Pool, reg prometheus.Registerer) *PGXPoolStats {
	m := &PGXPoolStats{
		pool: pool,
		conns: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "db_pool_conns", Help: "Total connections in pool.",
		}),
		idle: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "db_pool_idle_conns", Help: "Idle connections in pool.",
		}),
		acquired: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "db_pool_acquired_conns", Help: "Connections currently checked out.",
		}),
		acquireCount: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "db_pool_acquires", Help: "Cumulative pool acquires.",
		}),
		acquireSecs: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "db_pool_acquire_seconds", Help: "Cumulative acquire latency.",
		}),
	}
	reg.MustRegister(m.conns, m.idle, m.acquired, m.acquireCount, m.acquireSecs)
	return m
}

// Start samples the pool every interval until stop is closed. pgxpool
// reports cumulative values, so they are exported as gauges.
func (m *PGXPoolStats) Start(interval time.Duration, stop <-chan struct{}) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-stop:
			return
		case <-t.C:
			s := m.pool.Stat()
			m.conns.Set(float64(s.TotalConns()))
			m.idle.Set(float64(s.IdleConns()))
			m.acquired.Set(float64(s.AcquiredConns()))
			m.acquireCount.Set(float64(s.AcquireCount()))
			m.acquireSecs.Set(s.AcquireDuration().Seconds())
		}
	}
}
