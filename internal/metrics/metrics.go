package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry 持有 tradelab 的全部 Prometheus 指标。所有方法对 nil 安全。
type Registry struct {
	reg *prometheus.Registry

	CacheRequests  *prometheus.CounterVec
	CachedCandles  *prometheus.GaugeVec
	FetchPages     *prometheus.CounterVec
	FetchedCandles *prometheus.CounterVec
	FetchLatency   *prometheus.HistogramVec
	BreakerState   *prometheus.GaugeVec
	BacktestRuns   *prometheus.CounterVec
	BacktestTime   prometheus.Histogram
	SchedulerRuns  *prometheus.CounterVec
}

func NewRegistry() *Registry {
	r := &Registry{
		reg: prometheus.NewRegistry(),
		CacheRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tradelab_cache_requests_total",
			Help: "Range queries served by the candle cache, by outcome",
		}, []string{"outcome"}),
		CachedCandles: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "tradelab_cache_candles",
			Help: "Candles held per symbol/interval",
		}, []string{"symbol", "interval"}),
		FetchPages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tradelab_fetch_pages_total",
			Help: "Provider pages requested, by source and result",
		}, []string{"source", "result"}),
		FetchedCandles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tradelab_fetch_candles_total",
			Help: "Candles returned by the provider",
		}, []string{"source"}),
		FetchLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "tradelab_fetch_page_seconds",
			Help:    "Latency of a single provider page request",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}, []string{"source"}),
		BreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "tradelab_fetch_breaker_state",
			Help: "Circuit breaker state (0 closed, 1 half-open, 2 open)",
		}, []string{"name"}),
		BacktestRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tradelab_backtest_runs_total",
			Help: "Finalized backtest runs, by status",
		}, []string{"status"}),
		BacktestTime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "tradelab_backtest_seconds",
			Help:    "Wall time of a backtest simulation",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
		}),
		SchedulerRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tradelab_scheduler_runs_total",
			Help: "Scheduled maintenance task executions",
		}, []string{"task", "result"}),
	}
	r.reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		r.CacheRequests, r.CachedCandles,
		r.FetchPages, r.FetchedCandles, r.FetchLatency, r.BreakerState,
		r.BacktestRuns, r.BacktestTime, r.SchedulerRuns,
	)
	return r
}

// Handler 暴露 /metrics。
func (r *Registry) Handler() http.Handler {
	if r == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{Registry: r.reg})
}

// Gatherer is used by tests to read values back.
func (r *Registry) Gatherer() prometheus.Gatherer {
	if r == nil {
		return prometheus.NewRegistry()
	}
	return r.reg
}

func (r *Registry) ObserveCacheRequest(outcome string) {
	if r == nil {
		return
	}
	r.CacheRequests.WithLabelValues(outcome).Inc()
}

func (r *Registry) SetCachedCandles(symbol, interval string, n int) {
	if r == nil {
		return
	}
	r.CachedCandles.WithLabelValues(symbol, interval).Set(float64(n))
}

func (r *Registry) DropCachedCandles(symbol, interval string) {
	if r == nil {
		return
	}
	r.CachedCandles.DeleteLabelValues(symbol, interval)
}

func (r *Registry) ObserveFetchPage(source string, took time.Duration, candles int, err error) {
	if r == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	r.FetchPages.WithLabelValues(source, result).Inc()
	r.FetchLatency.WithLabelValues(source).Observe(took.Seconds())
	if candles > 0 {
		r.FetchedCandles.WithLabelValues(source).Add(float64(candles))
	}
}

func (r *Registry) SetBreakerState(name string, state int) {
	if r == nil {
		return
	}
	r.BreakerState.WithLabelValues(name).Set(float64(state))
}

func (r *Registry) ObserveBacktest(status string, took time.Duration) {
	if r == nil {
		return
	}
	r.BacktestRuns.WithLabelValues(status).Inc()
	r.BacktestTime.Observe(took.Seconds())
}

func (r *Registry) ObserveSchedulerRun(task string, err error) {
	if r == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	r.SchedulerRuns.WithLabelValues(task, result).Inc()
}
