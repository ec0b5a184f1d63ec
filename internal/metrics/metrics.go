// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// ログイン結果のラベル値
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
	OutcomeCreated = "created"
	OutcomeLinked  = "linked"
)

// MetricsCollector はメトリクス収集のインターフェース。
// 認証サービスやミドルウェアから利用する。
type MetricsCollector interface {
	RecordLogin(provider, outcome string)
	RecordSessionCreated()
	RecordBackendRetry(op string)
	RecordTrustToken(audience, outcome string)
	RecordHTTPStatus(statusCode int)
	ObserveStoreOp(kind string, duration time.Duration, err error)
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	logins          *prometheus.CounterVec
	sessionsCreated prometheus.Counter
	backendRetries  *prometheus.CounterVec
	trustTokens     *prometheus.CounterVec
	httpStatus      *prometheus.CounterVec
	storeOpLatency  *prometheus.HistogramVec
	storeOpErrors   *prometheus.CounterVec
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		logins: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "courseauth_logins_total",
			Help: "プロバイダー・結果別のログイン試行数",
		}, []string{"provider", "outcome"}),
		sessionsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "courseauth_sessions_created_total",
			Help: "発行したセッションの合計数",
		}),
		backendRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "courseauth_backend_retries_total",
			Help: "ストア到達不能によるリトライ数",
		}, []string{"op"}),
		trustTokens: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "courseauth_trust_tokens_total",
			Help: "トラストトークンの発行・検証数",
		}, []string{"audience", "outcome"}),
		httpStatus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "courseauth_http_status_total",
			Help: "HTTPステータスコード別のレスポンス数",
		}, []string{"status_code"}),
		storeOpLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "courseauth_store_op_latency_seconds",
			Help:    "トランザクション境界で実行した操作のレイテンシ（秒）",
			Buckets: prometheus.DefBuckets,
		}, []string{"kind"}),
		storeOpErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "courseauth_store_op_errors_total",
			Help: "トランザクション境界で失敗した操作数",
		}, []string{"kind"}),
	}

	reg.MustRegister(
		c.logins,
		c.sessionsCreated,
		c.backendRetries,
		c.trustTokens,
		c.httpStatus,
		c.storeOpLatency,
		c.storeOpErrors,
	)

	return c
}

// RecordLogin はログイン試行を記録する。
func (c *Collector) RecordLogin(provider, outcome string) {
	c.logins.WithLabelValues(provider, outcome).Inc()
}

// RecordSessionCreated はセッション発行を記録する。
func (c *Collector) RecordSessionCreated() {
	c.sessionsCreated.Inc()
}

// RecordBackendRetry はストア操作のリトライを記録する。
func (c *Collector) RecordBackendRetry(op string) {
	c.backendRetries.WithLabelValues(op).Inc()
}

// RecordTrustToken はトラストトークンの発行・検証結果を記録する。
func (c *Collector) RecordTrustToken(audience, outcome string) {
	c.trustTokens.WithLabelValues(audience, outcome).Inc()
}

// RecordHTTPStatus はHTTPステータスコードを記録する。
func (c *Collector) RecordHTTPStatus(statusCode int) {
	c.httpStatus.WithLabelValues(strconv.Itoa(statusCode)).Inc()
}

// ObserveStoreOp はトランザクション境界で実行した操作を記録する。
func (c *Collector) ObserveStoreOp(kind string, duration time.Duration, err error) {
	c.storeOpLatency.WithLabelValues(kind).Observe(duration.Seconds())
	if err != nil {
		c.storeOpErrors.WithLabelValues(kind).Inc()
	}
}

// NopCollector は何も記録しないMetricsCollector。
type NopCollector struct{}

func (NopCollector) RecordLogin(string, string) {}
func (NopCollector) RecordSessionCreated() {}
func (NopCollector) RecordBackendRetry(string) {}
func (NopCollector) RecordTrustToken(string, string) {}
func (NopCollector) RecordHTTPStatus(int) {}
func (NopCollector) ObserveStoreOp(string, time.Duration, error) {}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// SetupMetricsRoute は/metricsエンドポイントを提供するHTTPハンドラーを返す。
// Prometheusスクレイプに対応する。
func SetupMetricsRoute(gatherer prometheus.Gatherer) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler(gatherer))
	return mux
}

// compile-time interface check
var (
	_ MetricsCollector = (*Collector)(nil)
	_ MetricsCollector = NopCollector{}
)
