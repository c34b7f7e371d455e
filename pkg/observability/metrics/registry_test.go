package metrics

import (
	"bytes"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

func scrape(t *testing.T, registry *Registry) string {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	registry.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rec.Code)
	}
	return rec.Body.String()
}

func TestNewRegistry(t *testing.T) {
	registry := NewRegistry()
	if registry == nil || registry.registry == nil {
		t.Fatal("NewRegistry returned an unusable registry")
	}
}

func TestRegistry_StoreMetricsExposed(t *testing.T) {
	registry := NewRegistry()

	RecordPoolAcquire("test-exposed", nil, 3*time.Millisecond)
	RecordPoolAcquire("test-exposed", errors.New("exhausted"), time.Millisecond)
	RecordPoolDial("test-exposed", nil)
	SetPoolConns("test-exposed", 2, 1)
	RecordOperation("test-exposed", "find", nil, 5*time.Millisecond)

	body := scrape(t, registry)
	for _, metric := range []string{
		`tenantstore_pool_acquire_total{pool="test-exposed",result="ok"}`,
		`tenantstore_pool_acquire_total{pool="test-exposed",result="error"}`,
		`tenantstore_pool_acquire_wait_seconds`,
		`tenantstore_pool_dials_total{pool="test-exposed",result="ok"}`,
		`tenantstore_pool_in_use{pool="test-exposed"} 2`,
		`tenantstore_pool_idle{pool="test-exposed"} 1`,
		`tenantstore_operation_duration_seconds_count{operation="find",provider="test-exposed",result="ok"}`,
	} {
		if !strings.Contains(body, metric) {
			t.Errorf("expected metric %s not found in output", metric)
		}
	}
}

func TestRegistry_GoRuntimeMetricsExposed(t *testing.T) {
	body := scrape(t, NewRegistry())
	for _, metric := range []string{"go_goroutines", "go_gc_duration_seconds"} {
		if !strings.Contains(body, metric) {
			t.Errorf("expected Go runtime metric %s not found in output", metric)
		}
	}
}

func TestRegistry_RegisterCustomMetric(t *testing.T) {
	registry := NewRegistry()

	customCounter := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "test_custom_counter",
		Help: "A test custom counter",
	})
	if err := registry.Register(customCounter); err != nil {
		t.Fatalf("failed to register custom metric: %v", err)
	}
	customCounter.Inc()

	if body := scrape(t, registry); !strings.Contains(body, "test_custom_counter 1") {
		t.Error("custom metric value not correct")
	}

	if !registry.Unregister(customCounter) {
		t.Fatal("expected Unregister to remove the collector")
	}
}

func TestRegistry_WriteTextFiltersByPrefix(t *testing.T) {
	registry := NewRegistry()
	RecordOperation("test-write-text", "insert", nil, time.Millisecond)

	var buf bytes.Buffer
	if err := registry.WriteText(&buf, "tenantstore_operation"); err != nil {
		t.Fatalf("WriteText() error = %v", err)
	}
	out := buf.String()
	if !strings.Contains(out, "tenantstore_operation_duration_seconds") {
		t.Fatalf("expected operation metrics, got %q", out)
	}
	if strings.Contains(out, "go_goroutines") {
		t.Fatal("expected runtime metrics to be filtered out")
	}
}
