// Package metrics 提供 Prometheus 指标。
// Collector 实现 reconnect.Observer，按连接名称打标签。
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"exchange-gateway/internal/reconnect"
)

const namespace = "gateway"

var _ reconnect.Observer = (*Collector)(nil)

// Collector 网关指标集合
type Collector struct {
	ReconnectAttempts    *prometheus.CounterVec
	ReconnectFailures    *prometheus.CounterVec
	Reconnects           *prometheus.CounterVec
	ResubscribeFailures  *prometheus.CounterVec
	GiveUps              *prometheus.CounterVec
	Reconnecting         *prometheus.GaugeVec
	ReconnectDelay       *prometheus.HistogramVec
	BookEvents           *prometheus.CounterVec
	OutputDroppedRecords *prometheus.CounterVec

	gatherer prometheus.Gatherer
}

// New 创建指标并注册到 reg；reg 为 nil 时使用独立的 Registry
func New(reg *prometheus.Registry) *Collector {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	c := &Collector{
		ReconnectAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconnect_attempts_total",
			Help:      "Total number of reconnect attempts",
		}, []string{"conn"}),
		ReconnectFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconnect_attempt_failures_total",
			Help:      "Total number of failed reconnect attempts",
		}, []string{"conn"}),
		Reconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconnects_total",
			Help:      "Total number of recovered connections",
		}, []string{"conn"}),
		ResubscribeFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "resubscribe_failures_total",
			Help:      "Total number of failed resubscriptions after recovery",
		}, []string{"conn"}),
		GiveUps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconnect_give_ups_total",
			Help:      "Total number of reconnect sequences that exhausted their retries",
		}, []string{"conn"}),
		Reconnecting: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "reconnecting",
			Help:      "Whether a reconnect sequence is running (1) or not (0)",
		}, []string{"conn"}),
		ReconnectDelay: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "reconnect_delay_seconds",
			Help:      "Backoff delay waited before each reconnect attempt",
			Buckets:   []float64{0.5, 1, 2, 4, 8, 16, 30, 60},
		}, []string{"conn"}),
		BookEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "book_events_total",
			Help:      "Total number of normalised order book events",
		}, []string{"exchange"}),
		OutputDroppedRecords: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "output_dropped_records_total",
			Help:      "Total number of records dropped by a full output buffer",
		}, []string{"sink"}),
		gatherer: reg,
	}

	reg.MustRegister(
		c.ReconnectAttempts,
		c.ReconnectFailures,
		c.Reconnects,
		c.ResubscribeFailures,
		c.GiveUps,
		c.Reconnecting,
		c.ReconnectDelay,
		c.BookEvents,
		c.OutputDroppedRecords,
	)
	return c
}

// Handler 返回 /metrics 处理器
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.gatherer, promhttp.HandlerOpts{})
}

func (c *Collector) AttemptStarted(name string, _ int, delay time.Duration) {
	c.ReconnectAttempts.WithLabelValues(name).Inc()
	c.ReconnectDelay.WithLabelValues(name).Observe(delay.Seconds())
}

func (c *Collector) AttemptFailed(name string, _ int, _ error) {
	c.ReconnectFailures.WithLabelValues(name).Inc()
}

func (c *Collector) Reconnected(name string) {
	c.Reconnects.WithLabelValues(name).Inc()
}

func (c *Collector) ResubscribeFailed(name string, _ error) {
	c.ResubscribeFailures.WithLabelValues(name).Inc()
}

func (c *Collector) GaveUp(name string, _ int) {
	c.GiveUps.WithLabelValues(name).Inc()
}

func (c *Collector) StateChanged(name string, reconnecting bool) {
	v := 0.0
	if reconnecting {
		v = 1
	}
	c.Reconnecting.WithLabelValues(name).Set(v)
}
