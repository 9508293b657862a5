// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector はPrometheusメトリクスを収集する実装。
// ゲートの判定結果、レート制限の拒否、デバイスAPI呼び出しを記録する。
type Collector struct {
	gateDecisions   *prometheus.CounterVec
	rateLimitDenied *prometheus.CounterVec
	deviceRequests  *prometheus.CounterVec
	deviceLatency   prometheus.Histogram
	deviceRetries   prometheus.Counter
	httpStatus      *prometheus.CounterVec
	codesCleaned    prometheus.Counter
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		gateDecisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "garagegate_gate_decisions_total",
			Help: "アクセスゲートの判定結果の合計数",
		}, []string{"action", "outcome", "code"}),
		rateLimitDenied: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "garagegate_rate_limit_denied_total",
			Help: "レート制限で拒否された試行の合計数",
		}, []string{"scope"}),
		deviceRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "garagegate_device_requests_total",
			Help: "デバイスAPI呼び出しの合計数",
		}, []string{"operation", "status_code"}),
		deviceLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "garagegate_device_request_latency_seconds",
			Help:    "デバイスAPI呼び出しのレイテンシ（秒）",
			Buckets: prometheus.DefBuckets,
		}),
		deviceRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "garagegate_device_retries_total",
			Help: "デバイスコマンドの再試行の合計数",
		}),
		httpStatus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "garagegate_http_responses_total",
			Help: "HTTPステータスコード別のレスポンス数",
		}, []string{"status_code"}),
		codesCleaned: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "garagegate_codes_cleaned_total",
			Help: "クリーンアップで削除されたアクセスコードの合計数",
		}),
	}

	reg.MustRegister(
		c.gateDecisions,
		c.rateLimitDenied,
		c.deviceRequests,
		c.deviceLatency,
		c.deviceRetries,
		c.httpStatus,
		c.codesCleaned,
	)

	return c
}

// RecordGateDecision はゲートの判定結果を記録する。codeは拒否時のエラーコード（成功時は空）。
func (c *Collector) RecordGateDecision(action, outcome, code string) {
	c.gateDecisions.WithLabelValues(action, outcome, code).Inc()
}

// RecordRateLimitDenied はレート制限による拒否を記録する。
func (c *Collector) RecordRateLimitDenied(scope string) {
	c.rateLimitDenied.WithLabelValues(scope).Inc()
}

// RecordDeviceRequest はデバイスAPI呼び出しを記録する。通信失敗時のstatusCodeは0。
func (c *Collector) RecordDeviceRequest(operation string, statusCode int, duration time.Duration) {
	c.deviceRequests.WithLabelValues(operation, strconv.Itoa(statusCode)).Inc()
	c.deviceLatency.Observe(duration.Seconds())
}

// RecordDeviceRetry はデバイスコマンドの再試行を記録する。
func (c *Collector) RecordDeviceRetry() {
	c.deviceRetries.Inc()
}

// RecordHTTPStatus はHTTPステータスコードを記録する。
func (c *Collector) RecordHTTPStatus(statusCode int) {
	c.httpStatus.WithLabelValues(strconv.Itoa(statusCode)).Inc()
}

// RecordCodesCleaned はクリーンアップで削除したコード数を記録する。
func (c *Collector) RecordCodesCleaned(count int) {
	c.codesCleaned.Add(float64(count))
}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}
