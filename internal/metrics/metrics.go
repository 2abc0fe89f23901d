// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsCollector はメトリクス収集のインターフェース。
// 取り込み処理、分類、投稿ワーカー、HTTP層から利用する。
type MetricsCollector interface {
	RecordPipelineItem(status string)
	ObservePipelineRun(d time.Duration)
	RecordClassification(model, outcome string, latency time.Duration)
	RecordProviderCooldown(provider string)
	RecordPublish(result string)
	RecordHTTPStatus(statusCode int)
}

// 投稿結果のラベル。
const (
	PublishSuccess = "success"
	PublishFailure = "failure"
	PublishSkipped = "skipped"
)

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	pipelineItems   *prometheus.CounterVec
	pipelineRuns    prometheus.Histogram
	classifications *prometheus.CounterVec
	modelLatency    *prometheus.HistogramVec
	cooldowns       *prometheus.CounterVec
	publishes       *prometheus.CounterVec
	httpStatus      *prometheus.CounterVec
}

var _ MetricsCollector = (*Collector)(nil)

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		pipelineItems: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "curator_pipeline_items_total",
			Help: "取り込み処理で扱った投稿数（処理結果別）",
		}, []string{"status"}),
		pipelineRuns: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "curator_pipeline_run_duration_seconds",
			Help:    "取り込み処理1回あたりの所要時間（秒）",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600},
		}),
		classifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "curator_classifications_total",
			Help: "モデル呼び出しの合計数（モデル・結果別）",
		}, []string{"model", "outcome"}),
		modelLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "curator_model_latency_seconds",
			Help:    "モデル呼び出しのレイテンシ（秒）",
			Buckets: prometheus.DefBuckets,
		}, []string{"model"}),
		cooldowns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "curator_provider_cooldowns_total",
			Help: "レート制限によりクールダウンに入った回数（プロバイダー別）",
		}, []string{"provider"}),
		publishes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "curator_publish_total",
			Help: "投稿の試行回数（結果別）",
		}, []string{"result"}),
		httpStatus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "curator_http_responses_total",
			Help: "HTTPステータスコード別のレスポンス数",
		}, []string{"status_code"}),
	}

	reg.MustRegister(
		c.pipelineItems,
		c.pipelineRuns,
		c.classifications,
		c.modelLatency,
		c.cooldowns,
		c.publishes,
		c.httpStatus,
	)

	return c
}

// RecordPipelineItem は取り込み処理の1件の結果を記録する。
func (c *Collector) RecordPipelineItem(status string) {
	c.pipelineItems.WithLabelValues(status).Inc()
}

// ObservePipelineRun は取り込み処理1回の所要時間を記録する。
func (c *Collector) ObservePipelineRun(d time.Duration) {
	c.pipelineRuns.Observe(d.Seconds())
}

// RecordClassification はモデル呼び出しの結果とレイテンシを記録する。
func (c *Collector) RecordClassification(model, outcome string, latency time.Duration) {
	c.classifications.WithLabelValues(model, outcome).Inc()
	c.modelLatency.WithLabelValues(model).Observe(latency.Seconds())
}

// RecordProviderCooldown はプロバイダーがクールダウンに入ったことを記録する。
func (c *Collector) RecordProviderCooldown(provider string) {
	c.cooldowns.WithLabelValues(provider).Inc()
}

// RecordPublish は投稿の試行結果を記録する。
func (c *Collector) RecordPublish(result string) {
	c.publishes.WithLabelValues(result).Inc()
}

// RecordHTTPStatus はHTTPステータスコードを記録する。
func (c *Collector) RecordHTTPStatus(statusCode int) {
	c.httpStatus.WithLabelValues(strconv.Itoa(statusCode)).Inc()
}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}
