package observability

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetricsHandler_Smoke(t *testing.T) {
	ObserveHTTP("GET", "/query", 200, 0.001)
	ObserveStatement("count", "ok", 0.02)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rr := httptest.NewRecorder()
	promhttp.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("status=%d want 200", rr.Code)
	}
	body := rr.Body.String()
	for _, name := range []string{"http_requests_total", "featureserver_statement_duration_seconds"} {
		if !strings.Contains(body, name) {
			t.Fatalf("metrics payload missing %s; got:\n%s", name, body)
		}
	}
}

func TestCounters_Increment(t *testing.T) {
	before := testutil.ToFloat64(metadataLookups.WithLabelValues("hit"))
	IncMetadata("hit")
	if got := testutil.ToFloat64(metadataLookups.WithLabelValues("hit")); got != before+1 {
		t.Fatalf("hit counter=%v want %v", got, before+1)
	}

	rl := testutil.ToFloat64(rateLimited)
	IncRateLimited()
	if got := testutil.ToFloat64(rateLimited); got != rl+1 {
		t.Fatalf("rate limited=%v want %v", got, rl+1)
	}

	ObserveCacheOp("get", errors.New("boom"), 0.001)
	if n := testutil.CollectAndCount(cacheOpDuration); n == 0 {
		t.Fatalf("expected cache op samples")
	}
}

func TestInit_RegistersOnCustomRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	if err := Init(reg); err != nil {
		t.Fatalf("Init: %v", err)
	}
	// second call is a no-op
	if err := Init(reg); err != nil {
		t.Fatalf("Init again: %v", err)
	}
	IncWhereSuspicious()
	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	found := false
	for _, mf := range mfs {
		if mf.GetName() == "featureserver_where_suspicious_total" {
			found = true
		}
	}
	if !found {
		t.Fatalf("custom registry missing featureserver_where_suspicious_total")
	}
}
