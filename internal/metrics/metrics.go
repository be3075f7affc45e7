// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// リモート呼び出しの結果ラベル
const (
	OutcomeSuccess      = "success"
	OutcomeStatusError  = "status_error"
	OutcomePayloadError = "payload_error"
	OutcomeNetworkError = "network_error"
)

// MetricsCollector はメトリクス収集のインターフェース。
// リモートクライアントやビジット管理から利用する。
type MetricsCollector interface {
	RecordUpstreamRequest(service, operation, outcome string)
	RecordUpstreamLatency(service, operation string, duration time.Duration)
	RecordAuthEvent(event string)
	RecordAlert(source string)
	SetActiveVisits(count int)
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	upstreamRequests *prometheus.CounterVec
	upstreamLatency  *prometheus.HistogramVec
	authEvents       *prometheus.CounterVec
	alerts           *prometheus.CounterVec
	activeVisits     prometheus.Gauge
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		upstreamRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gossip_upstream_requests_total",
			Help: "リモートサービス呼び出しの結果別合計数",
		}, []string{"service", "operation", "outcome"}),
		upstreamLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "gossip_upstream_latency_seconds",
			Help:    "リモートサービス呼び出しのレイテンシ（秒）",
			Buckets: prometheus.DefBuckets,
		}, []string{"service", "operation"}),
		authEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gossip_auth_events_total",
			Help: "セッション変更通知の種別ごとの合計数",
		}, []string{"event"}),
		alerts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gossip_alerts_total",
			Help: "ユーザーに表示したアラートの合計数",
		}, []string{"source"}),
		activeVisits: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gossip_active_visits",
			Help: "現在保持しているビジット数",
		}),
	}

	reg.MustRegister(
		c.upstreamRequests,
		c.upstreamLatency,
		c.authEvents,
		c.alerts,
		c.activeVisits,
	)

	return c
}

// RecordUpstreamRequest はリモート呼び出しの結果を記録する。
func (c *Collector) RecordUpstreamRequest(service, operation, outcome string) {
	c.upstreamRequests.WithLabelValues(service, operation, outcome).Inc()
}

// RecordUpstreamLatency はリモート呼び出しのレイテンシを記録する。
func (c *Collector) RecordUpstreamLatency(service, operation string, duration time.Duration) {
	c.upstreamLatency.WithLabelValues(service, operation).Observe(duration.Seconds())
}

// RecordAuthEvent はセッション変更通知を記録する。
func (c *Collector) RecordAuthEvent(event string) {
	c.authEvents.WithLabelValues(event).Inc()
}

// RecordAlert はアラート表示を記録する。
func (c *Collector) RecordAlert(source string) {
	c.alerts.WithLabelValues(source).Inc()
}

// SetActiveVisits は保持中のビジット数を設定する。
func (c *Collector) SetActiveVisits(count int) {
	c.activeVisits.Set(float64(count))
}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// NopCollector は何も記録しないMetricsCollector。
type NopCollector struct{}

func (NopCollector) RecordUpstreamRequest(string, string, string)        {}
func (NopCollector) RecordUpstreamLatency(string, string, time.Duration) {}
func (NopCollector) RecordAuthEvent(string)                              {}
func (NopCollector) RecordAlert(string)                                  {}
func (NopCollector) SetActiveVisits(int)                                 {}

var (
	_ MetricsCollector = (*Collector)(nil)
	_ MetricsCollector = NopCollector{}
)
