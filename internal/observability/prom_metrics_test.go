package observability

import (
	"errors"
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"go-pixel-quality/internal/ports"
)

var _ ports.Metrics = (*PromMetrics)(nil)

func TestPromMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewPromMetrics(reg)

	m.UnitProcessed("tag")
	m.UnitProcessed("tag")
	if got := testutil.ToFloat64(m.units.WithLabelValues("tag")); got != 2 {
		t.Fatalf("expected 2 units, got %f", got)
	}

	m.LuminosityAdded("tag", 0.5)
	m.LuminosityAdded("tag", 0)
	if got := testutil.ToFloat64(m.luminosity.WithLabelValues("tag")); got != 0.5 {
		t.Fatalf("expected 0.5/fb, got %f", got)
	}

	m.WarningRecorded("luminosity_missing")
	if got := testutil.ToFloat64(m.warnings.WithLabelValues("luminosity_missing")); got != 1 {
		t.Fatalf("expected one warning, got %f", got)
	}

	m.FetchObserved(0.01, nil)
	m.FetchObserved(0.02, errors.New("timeout"))
	if n := testutil.CollectAndCount(m.fetches); n != 2 {
		t.Fatalf("expected two fetch series, got %d", n)
	}

	m.BoundaryDetected("tag")
	m.ArtifactEmitted("csv")
	m.TraversalFinished("completed")
	if got := testutil.ToFloat64(m.traversals.WithLabelValues("completed")); got != 1 {
		t.Fatalf("expected one completed traversal, got %f", got)
	}
}

func TestPromMetricsHandler(t *testing.T) {
	m := NewPromMetrics(prometheus.NewRegistry())
	m.ArtifactEmitted("json")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	if !strings.Contains(string(body), `pixelquality_artifacts_emitted_total{format="json"} 1`) {
		t.Fatalf("metric missing from exposition:\n%s", body)
	}
}
