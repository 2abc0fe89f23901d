package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

// family はレジストリから指定名のメトリクスファミリーを取得する。
func family(t *testing.T, reg *prometheus.Registry, name string) *dto.MetricFamily {
	t.Helper()
	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("failed to gather metrics: %v", err)
	}
	for _, mf := range mfs {
		if mf.GetName() == name {
			return mf
		}
	}
	t.Fatalf("%s metric not found", name)
	return nil
}

// labeled はラベル値でメトリクスを引く。
func labeled(mf *dto.MetricFamily, values ...string) *dto.Metric {
	for _, m := range mf.GetMetric() {
		labels := m.GetLabel()
		if len(labels) != len(values) {
			continue
		}
		match := true
		for i, l := range labels {
			if l.GetValue() != values[i] {
				match = false
			}
		}
		if match {
			return m
		}
	}
	return nil
}

func TestNewCollector_ReturnsNonNil(t *testing.T) {
	reg := prometheus.NewRegistry()
	if c := NewCollector(reg); c == nil {
		t.Fatal("expected non-nil Collector")
	}
}

func TestRecordPipelineItem_CountsByStatus(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordPipelineItem("approved")
	c.RecordPipelineItem("approved")
	c.RecordPipelineItem("duplicate")

	mf := family(t, reg, "curator_pipeline_items_total")
	if m := labeled(mf, "approved"); m == nil || m.GetCounter().GetValue() != 2 {
		t.Errorf("pipeline_items_total{status=approved} = %v, want 2", m)
	}
	if m := labeled(mf, "duplicate"); m == nil || m.GetCounter().GetValue() != 1 {
		t.Errorf("pipeline_items_total{status=duplicate} = %v, want 1", m)
	}
}

func TestObservePipelineRun(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.ObservePipelineRun(30 * time.Second)
	c.ObservePipelineRun(90 * time.Second)

	h := family(t, reg, "curator_pipeline_run_duration_seconds").GetMetric()[0].GetHistogram()
	if h.GetSampleCount() != 2 || h.GetSampleSum() != 120 {
		t.Errorf("count = %d, sum = %v, want 2 and 120", h.GetSampleCount(), h.GetSampleSum())
	}
}

func TestRecordClassification_CountsAndLatency(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordClassification("llama-3.3-70b-versatile", "success", 100*time.Millisecond)
	c.RecordClassification("llama-3.3-70b-versatile", "rate_limited", 2*time.Second)

	mf := family(t, reg, "curator_classifications_total")
	if m := labeled(mf, "llama-3.3-70b-versatile", "success"); m == nil || m.GetCounter().GetValue() != 1 {
		t.Errorf("success count = %v, want 1", m)
	}

	h := family(t, reg, "curator_model_latency_seconds").GetMetric()[0].GetHistogram()
	if h.GetSampleCount() != 2 {
		t.Errorf("sample_count = %d, want 2", h.GetSampleCount())
	}
	// 合計は0.1 + 2.0 = 2.1秒
	if h.GetSampleSum() < 2.0 || h.GetSampleSum() > 2.2 {
		t.Errorf("sample_sum = %v, want ~2.1", h.GetSampleSum())
	}
}

func TestRecordProviderCooldown(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordProviderCooldown("groq")

	mf := family(t, reg, "curator_provider_cooldowns_total")
	if m := labeled(mf, "groq"); m == nil || m.GetCounter().GetValue() != 1 {
		t.Errorf("cooldowns_total{provider=groq} = %v, want 1", m)
	}
}

func TestRecordPublish(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordPublish(PublishSuccess)
	c.RecordPublish(PublishFailure)
	c.RecordPublish(PublishFailure)

	mf := family(t, reg, "curator_publish_total")
	if m := labeled(mf, PublishFailure); m == nil || m.GetCounter().GetValue() != 2 {
		t.Errorf("publish_total{result=failure} = %v, want 2", m)
	}
}

func TestRecordHTTPStatus_IncrementsCounterWithLabel(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordHTTPStatus(200)
	c.RecordHTTPStatus(200)
	c.RecordHTTPStatus(404)

	mf := family(t, reg, "curator_http_responses_total")
	if len(mf.GetMetric()) != 2 {
		t.Fatalf("expected 2 label combinations, got %d", len(mf.GetMetric()))
	}
	if m := labeled(mf, "200"); m == nil || m.GetCounter().GetValue() != 2 {
		t.Errorf("http_responses_total{status_code=200} = %v, want 2", m)
	}
}

func TestMetricsHandler_ReturnsPrometheusFormat(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordPipelineItem("approved")
	c.RecordClassification("claude-3-5-haiku-latest", "success", 500*time.Millisecond)
	c.RecordPublish(PublishSuccess)
	c.ObservePipelineRun(time.Second)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	w := httptest.NewRecorder()
	Handler(reg).ServeHTTP(w, req)

	resp := w.Result()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusOK)
	}

	body, _ := io.ReadAll(resp.Body)
	for _, metric := range []string{
		"curator_pipeline_items_total",
		"curator_classifications_total",
		"curator_model_latency_seconds",
		"curator_publish_total",
		"curator_pipeline_run_duration_seconds",
	} {
		if !strings.Contains(string(body), metric) {
			t.Errorf("response body does not contain %q", metric)
		}
	}
}

func TestMultipleCollectors_IndependentRegistries(t *testing.T) {
	reg1 := prometheus.NewRegistry()
	reg2 := prometheus.NewRegistry()
	c1 := NewCollector(reg1)
	c2 := NewCollector(reg2)

	c1.RecordPublish(PublishSuccess)
	c2.RecordPublish(PublishSuccess)
	c2.RecordPublish(PublishSuccess)

	v1 := labeled(family(t, reg1, "curator_publish_total"), PublishSuccess).GetCounter().GetValue()
	v2 := labeled(family(t, reg2, "curator_publish_total"), PublishSuccess).GetCounter().GetValue()
	if v1 != 1 || v2 != 2 {
		t.Errorf("reg1 = %v, reg2 = %v, want 1 and 2", v1, v2)
	}
}
