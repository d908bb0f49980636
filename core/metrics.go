package core

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"llm-relay/models"
)

const metricsNamespace = "llm_relay"

// Metrics 调度与凭证池指标，nil 接收者上的方法为空操作
type Metrics struct {
	registry *prometheus.Registry

	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	attemptsTotal   *prometheus.CounterVec
	credentials     *prometheus.GaugeVec
	inFlight        *prometheus.GaugeVec
}

// NewMetrics 创建并注册指标；registry 为 nil 时使用独立的新 registry
func NewMetrics(registry *prometheus.Registry) *Metrics {
	if registry == nil {
		registry = prometheus.NewRegistry()
	}
	m := &Metrics{
		registry: registry,
		requestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "requests_total",
				Help:      "Client requests by endpoint, provider and response status",
			},
			[]string{"endpoint", "provider", "status"},
		),
		requestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Name:      "request_duration_seconds",
				Help:      "End-to-end duration of client requests including retries",
				// LLM 请求耗时跨度大（100ms - 5min）
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 300},
			},
			[]string{"endpoint"},
		),
		attemptsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "upstream_attempts_total",
				Help:      "Upstream attempts by provider and classified outcome",
			},
			[]string{"provider", "outcome"},
		),
		credentials: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: "pool",
				Name:      "credentials",
				Help:      "Credentials in the pool by kind and health state",
			},
			[]string{"kind", "state"},
		),
		inFlight: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: "pool",
				Name:      "in_flight",
				Help:      "Reserved credentials by kind",
			},
			[]string{"kind"},
		),
	}
	registry.MustRegister(m.requestsTotal, m.requestDuration, m.attemptsTotal, m.credentials, m.inFlight)
	return m
}

// Handler /metrics 端点
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
		ErrorHandling:     promhttp.ContinueOnError,
	})
}

// ObserveRequest 记录一次客户端请求的最终结果
func (m *Metrics) ObserveRequest(endpoint string, provider models.ProviderKind, status int, d time.Duration) {
	if m == nil {
		return
	}
	m.requestsTotal.WithLabelValues(endpoint, string(provider), strconv.Itoa(status)).Inc()
	m.requestDuration.WithLabelValues(endpoint).Observe(d.Seconds())
}

// ObserveAttempt 记录一次上游尝试的分类结果
func (m *Metrics) ObserveAttempt(provider models.ProviderKind, outcome OutcomeKind) {
	if m == nil {
		return
	}
	m.attemptsTotal.WithLabelValues(string(provider), outcome.String()).Inc()
}

// ObservePool 用池统计刷新仪表
func (m *Metrics) ObservePool(stats []PoolStat) {
	if m == nil {
		return
	}
	m.credentials.Reset()
	m.inFlight.Reset()
	for _, s := range stats {
		m.credentials.WithLabelValues(string(s.Kind), s.State.String()).Add(float64(s.Count))
		m.inFlight.WithLabelValues(string(s.Kind)).Add(float64(s.InFlight))
	}
}

// WatchPool 订阅池事件，每次变化后刷新仪表，直到 ctx 结束或池关闭
func (m *Metrics) WatchPool(ctx context.Context, pool *Pool) {
	if m == nil {
		return
	}
	events, cancel := pool.Subscribe()
	defer cancel()

	m.ObservePool(pool.Stats())
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-events:
			if !ok {
				return
			}
			m.ObservePool(pool.Stats())
		}
	}
}
