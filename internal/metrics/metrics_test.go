package metrics

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

// findMetric は名前が一致するメトリクスファミリーを返す。
func findMetric(t *testing.T, reg *prometheus.Registry, name string) *dto.MetricFamily {
	t.Helper()
	metrics, err := reg.Gather()
	if err != nil {
		t.Fatalf("failed to gather metrics: %v", err)
	}
	for _, mf := range metrics {
		if mf.GetName() == name {
			return mf
		}
	}
	t.Fatalf("%s metric not found", name)
	return nil
}

// labelValue は指定ラベルの値を返す。
func labelValue(m *dto.Metric, name string) string {
	for _, l := range m.GetLabel() {
		if l.GetName() == name {
			return l.GetValue()
		}
	}
	return ""
}

// TestNewCollector_ReturnsNonNil はCollectorが正常に生成されることを検証する。
func TestNewCollector_ReturnsNonNil(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	if c == nil {
		t.Fatal("expected non-nil Collector")
	}
}

// TestRecordLogin_IncrementsCounterWithLabels はログインカウンタがラベル付きで増加することを検証する。
func TestRecordLogin_IncrementsCounterWithLabels(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordLogin("google", OutcomeSuccess)
	c.RecordLogin("google", OutcomeSuccess)
	c.RecordLogin("institutional-sso", OutcomeFailure)

	mf := findMetric(t, reg, "courseauth_logins_total")
	if len(mf.GetMetric()) != 2 {
		t.Fatalf("expected 2 label combinations, got %d", len(mf.GetMetric()))
	}
	for _, m := range mf.GetMetric() {
		provider := labelValue(m, "provider")
		outcome := labelValue(m, "outcome")
		val := m.GetCounter().GetValue()
		switch {
		case provider == "google" && outcome == OutcomeSuccess:
			if val != 2 {
				t.Errorf("logins_total{google,success} = %v, want 2", val)
			}
		case provider == "institutional-sso" && outcome == OutcomeFailure:
			if val != 1 {
				t.Errorf("logins_total{institutional-sso,failure} = %v, want 1", val)
			}
		default:
			t.Errorf("unexpected labels: %s/%s", provider, outcome)
		}
	}
}

// TestRecordSessionCreated_IncrementsCounter はセッション発行カウンタが増加することを検証する。
func TestRecordSessionCreated_IncrementsCounter(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordSessionCreated()
	c.RecordSessionCreated()
	c.RecordSessionCreated()

	mf := findMetric(t, reg, "courseauth_sessions_created_total")
	if val := mf.GetMetric()[0].GetCounter().GetValue(); val != 3 {
		t.Errorf("sessions_created_total = %v, want 3", val)
	}
}

// TestRecordBackendRetry_IncrementsCounter はリトライカウンタが操作別に増加することを検証する。
func TestRecordBackendRetry_IncrementsCounter(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordBackendRetry("resolve_user")

	mf := findMetric(t, reg, "courseauth_backend_retries_total")
	m := mf.GetMetric()[0]
	if labelValue(m, "op") != "resolve_user" || m.GetCounter().GetValue() != 1 {
		t.Errorf("backend_retries_total = %v", m)
	}
}

// TestRecordTrustToken_IncrementsCounter はトラストトークンカウンタが増加することを検証する。
func TestRecordTrustToken_IncrementsCounter(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordTrustToken("admin", "issued")
	c.RecordTrustToken("admin", "rejected")

	mf := findMetric(t, reg, "courseauth_trust_tokens_total")
	if len(mf.GetMetric()) != 2 {
		t.Errorf("expected 2 label combinations, got %d", len(mf.GetMetric()))
	}
}

// TestRecordHTTPStatus_IncrementsCounterWithLabel はHTTPステータスカウンタがラベル付きで増加することを検証する。
func TestRecordHTTPStatus_IncrementsCounterWithLabel(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordHTTPStatus(200)
	c.RecordHTTPStatus(200)
	c.RecordHTTPStatus(404)

	mf := findMetric(t, reg, "courseauth_http_status_total")
	if len(mf.GetMetric()) != 2 {
		t.Fatalf("expected 2 label combinations, got %d", len(mf.GetMetric()))
	}
	for _, m := range mf.GetMetric() {
		label := labelValue(m, "status_code")
		val := m.GetCounter().GetValue()
		switch label {
		case "200":
			if val != 2 {
				t.Errorf("http_status_total{status_code=200} = %v, want 2", val)
			}
		case "404":
			if val != 1 {
				t.Errorf("http_status_total{status_code=404} = %v, want 1", val)
			}
		default:
			t.Errorf("unexpected label value: %s", label)
		}
	}
}

// TestObserveStoreOp_RecordsLatencyAndErrors はストア操作のレイテンシとエラーが記録されることを検証する。
func TestObserveStoreOp_RecordsLatencyAndErrors(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.ObserveStoreOp("insert", 100*time.Millisecond, nil)
	c.ObserveStoreOp("insert", 2*time.Second, errors.New("boom"))

	h := findMetric(t, reg, "courseauth_store_op_latency_seconds").GetMetric()[0].GetHistogram()
	if h.GetSampleCount() != 2 {
		t.Errorf("sample_count = %d, want 2", h.GetSampleCount())
	}
	// 合計は0.1 + 2.0 = 2.1秒
	if h.GetSampleSum() < 2.0 || h.GetSampleSum() > 2.2 {
		t.Errorf("sample_sum = %v, want ~2.1", h.GetSampleSum())
	}

	errs := findMetric(t, reg, "courseauth_store_op_errors_total").GetMetric()[0]
	if errs.GetCounter().GetValue() != 1 {
		t.Errorf("store_op_errors_total = %v, want 1", errs.GetCounter().GetValue())
	}
}

// TestMetricsHandler_ReturnsPrometheusFormat は/metricsエンドポイントがPrometheus形式で返すことを検証する。
func TestMetricsHandler_ReturnsPrometheusFormat(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordLogin("google", OutcomeSuccess)
	c.RecordSessionCreated()
	c.RecordHTTPStatus(200)
	c.ObserveStoreOp("get", 5*time.Millisecond, nil)

	handler := Handler(reg)
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	w := httptest.NewRecorder()

	handler.ServeHTTP(w, req)

	resp := w.Result()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusOK)
	}

	body, _ := io.ReadAll(resp.Body)
	bodyStr := string(body)

	expectedMetrics := []string{
		"courseauth_logins_total",
		"courseauth_sessions_created_total",
		"courseauth_http_status_total",
		"courseauth_store_op_latency_seconds",
	}
	for _, metric := range expectedMetrics {
		if !strings.Contains(bodyStr, metric) {
			t.Errorf("response body does not contain %q", metric)
		}
	}
}

// TestMultipleCollectors_IndependentRegistries は異なるレジストリで独立に動作することを検証する。
func TestMultipleCollectors_IndependentRegistries(t *testing.T) {
	reg1 := prometheus.NewRegistry()
	reg2 := prometheus.NewRegistry()
	c1 := NewCollector(reg1)
	c2 := NewCollector(reg2)

	c1.RecordSessionCreated()
	c2.RecordSessionCreated()
	c2.RecordSessionCreated()

	val1 := findMetric(t, reg1, "courseauth_sessions_created_total").GetMetric()[0].GetCounter().GetValue()
	val2 := findMetric(t, reg2, "courseauth_sessions_created_total").GetMetric()[0].GetCounter().GetValue()

	if val1 != 1 {
		t.Errorf("reg1 sessions_created = %v, want 1", val1)
	}
	if val2 != 2 {
		t.Errorf("reg2 sessions_created = %v, want 2", val2)
	}
}
