package observability

import (
	"context"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"

	"github.com/isoforge/isoforge-backend/internal/platform/logger"
)

// Metrics wraps a private prometheus registry. All methods are safe on a nil
// receiver so call sites never need to check METRICS_ENABLED themselves.
type Metrics struct {
	registry *prometheus.Registry

	apiRequests *prometheus.CounterVec
	apiLatency  *prometheus.HistogramVec
	apiInflight prometheus.Gauge

	tasksTotal   *prometheus.CounterVec
	taskDuration *prometheus.HistogramVec

	llmRequests *prometheus.CounterVec
	llmLatency  *prometheus.HistogramVec
	llmTokens   *prometheus.CounterVec
	llmCost     *prometheus.CounterVec

	streamPending *prometheus.GaugeVec
	wsConnections *prometheus.GaugeVec
	pgStats       *prometheus.GaugeVec
}

var (
	initOnce sync.Once
	instance *Metrics
)

func Enabled() bool {
	v := strings.TrimSpace(os.Getenv("METRICS_ENABLED"))
	if v == "" {
		return true
	}
	return strings.EqualFold(v, "true") || v == "1" || strings.EqualFold(v, "yes")
}

func Current() *Metrics {
	return instance
}

func scrapeInterval() time.Duration {
	v := strings.TrimSpace(os.Getenv("METRICS_SCRAPE_INTERVAL_SECONDS"))
	if v == "" {
		return 10 * time.Second
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return 10 * time.Second
	}
	return time.Duration(n) * time.Second
}

func Init(log *logger.Logger) *Metrics {
	if !Enabled() {
		return nil
	}
	initOnce.Do(func() {
		reg := prometheus.NewRegistry()
		m := &Metrics{
			registry: reg,
			apiRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "isoforge_api_requests_total",
				Help: "Total API requests by method/route/status.",
			}, []string{"method", "route", "status"}),
			apiLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Name:    "isoforge_api_request_duration_seconds",
				Help:    "API request latency in seconds by method/route/status.",
				Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
			}, []string{"method", "route", "status"}),
			apiInflight: prometheus.NewGauge(prometheus.GaugeOpts{
				Name: "isoforge_api_inflight_requests",
				Help: "In-flight API requests.",
			}),
			tasksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "isoforge_tasks_total",
				Help: "Finished tasks by kind/status.",
			}, []string{"kind", "status"}),
			taskDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Name:    "isoforge_task_duration_seconds",
				Help:    "Task duration in seconds by kind/status.",
				Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600, 1200, 1800},
			}, []string{"kind", "status"}),
			llmRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "isoforge_llm_requests_total",
				Help: "LLM requests by model/purpose/status.",
			}, []string{"model", "purpose", "status"}),
			llmLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Name:    "isoforge_llm_request_duration_seconds",
				Help:    "LLM request latency in seconds by model/purpose/status.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60, 120},
			}, []string{"model", "purpose", "status"}),
			llmTokens: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "isoforge_llm_tokens_total",
				Help: "LLM tokens by model/direction.",
			}, []string{"model", "direction"}),
			llmCost: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "isoforge_llm_cost_usd_total",
				Help: "LLM cost (USD) by model.",
			}, []string{"model"}),
			streamPending: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Name: "isoforge_stream_pending",
				Help: "Pending stream entries by stream/group.",
			}, []string{"stream", "group"}),
			wsConnections: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Name: "isoforge_ws_connections",
				Help: "Open WebSocket connections by endpoint.",
			}, []string{"endpoint"}),
			pgStats: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Name: "isoforge_postgres_stats",
				Help: "Postgres connection pool stats.",
			}, []string{"metric"}),
		}
		reg.MustRegister(
			collectors.NewGoCollector(),
			m.apiRequests, m.apiLatency, m.apiInflight,
			m.tasksTotal, m.taskDuration,
			m.llmRequests, m.llmLatency, m.llmTokens, m.llmCost,
			m.streamPending, m.wsConnections, m.pgStats,
		)
		instance = m
		if log != nil {
			log.Info("Observability metrics enabled")
		}
	})
	return instance
}

// Handler serves the registry in prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
		})
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) ObserveAPI(method, route, status string, dur time.Duration) {
	if m == nil {
		return
	}
	if method == "" {
		method = "UNKNOWN"
	}
	if route == "" {
		route = "unknown"
	}
	if status == "" {
		status = "0"
	}
	m.apiRequests.WithLabelValues(method, route, status).Inc()
	m.apiLatency.WithLabelValues(method, route, status).Observe(dur.Seconds())
}

func (m *Metrics) ApiInflightInc() {
	if m == nil {
		return
	}
	m.apiInflight.Inc()
}

func (m *Metrics) ApiInflightDec() {
	if m == nil {
		return
	}
	m.apiInflight.Dec()
}

func (m *Metrics) ObserveTask(kind, status string, dur time.Duration) {
	if m == nil {
		return
	}
	if kind == "" {
		kind = "unknown"
	}
	if status == "" {
		status = "unknown"
	}
	m.tasksTotal.WithLabelValues(kind, status).Inc()
	if dur > 0 {
		m.taskDuration.WithLabelValues(kind, status).Observe(dur.Seconds())
	}
}

func (m *Metrics) ObserveLLMRequest(model, purpose, status string, dur time.Duration, inputTokens, outputTokens int, costUSD float64) {
	if m == nil {
		return
	}
	model = strings.TrimSpace(model)
	if model == "" {
		model = "unknown"
	}
	purpose = strings.TrimSpace(purpose)
	if purpose == "" {
		purpose = "unknown"
	}
	status = strings.TrimSpace(status)
	if status == "" {
		status = "0"
	}
	m.llmRequests.WithLabelValues(model, purpose, status).Inc()
	if dur > 0 {
		m.llmLatency.WithLabelValues(model, purpose, status).Observe(dur.Seconds())
	}
	if inputTokens > 0 {
		m.llmTokens.WithLabelValues(model, "input").Add(float64(inputTokens))
	}
	if outputTokens > 0 {
		m.llmTokens.WithLabelValues(model, "output").Add(float64(outputTokens))
	}
	if costUSD > 0 {
		m.llmCost.WithLabelValues(model).Add(costUSD)
	}
}

func (m *Metrics) WSConnInc(endpoint string) {
	if m == nil {
		return
	}
	if endpoint == "" {
		endpoint = "unknown"
	}
	m.wsConnections.WithLabelValues(endpoint).Inc()
}

func (m *Metrics) WSConnDec(endpoint string) {
	if m == nil {
		return
	}
	if endpoint == "" {
		endpoint = "unknown"
	}
	m.wsConnections.WithLabelValues(endpoint).Dec()
}

func (m *Metrics) SetStreamPending(stream, group string, n int64) {
	if m == nil {
		return
	}
	m.streamPending.WithLabelValues(stream, group).Set(float64(n))
}

// StartStreamCollector samples XPENDING for the work log consumer group.
func (m *Metrics) StartStreamCollector(ctx context.Context, log *logger.Logger, rdb *redis.Client, stream, group string) {
	if m == nil || rdb == nil {
		return
	}
	interval := scrapeInterval()
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				pending, err := rdb.XPending(ctx, stream, group).Result()
				if err != nil {
					if log != nil && ctx.Err() == nil {
						log.Warn("metrics: stream pending query failed", "stream", stream, "error", err)
					}
					continue
				}
				m.SetStreamPending(stream, group, pending.Count)
			}
		}
	}()
}

func (m *Metrics) StartPostgresCollector(ctx context.Context, log *logger.Logger, db *gorm.DB) {
	if m == nil || db == nil {
		return
	}
	interval := scrapeInterval()
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				sqlDB, err := db.DB()
				if err != nil {
					if log != nil {
						log.Warn("metrics: postgres stats unavailable", "error", err)
					}
					continue
				}
				stats := sqlDB.Stats()
				m.pgStats.WithLabelValues("open_connections").Set(float64(stats.OpenConnections))
				m.pgStats.WithLabelValues("in_use").Set(float64(stats.InUse))
				m.pgStats.WithLabelValues("idle").Set(float64(stats.Idle))
				m.pgStats.WithLabelValues("wait_count").Set(float64(stats.WaitCount))
				m.pgStats.WithLabelValues("wait_duration_seconds").Set(stats.WaitDuration.Seconds())
				m.pgStats.WithLabelValues("max_open_connections").Set(float64(stats.MaxOpenConnections))
			}
		}
	}()
}
