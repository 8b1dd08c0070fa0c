package monitoring

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPrometheusRecorder_Counters(t *testing.T) {
	reg := prom.NewRegistry()
	rec := NewPrometheusRecorder(reg)

	rec.IncMoveCommands(3)
	rec.IncMoveCommands(3)
	rec.IncMoveCommands(4)
	rec.IncMoveRetries()
	rec.IncUnreached(4)
	rec.IncScanPoints("FP")
	rec.ObserveCount("TIME", 2*time.Second)
	rec.IncFitOutcome("gaussian", false)
	rec.IncOperation("find_peak", "ok")

	assert.Equal(t, 2.0, testutil.ToFloat64(rec.moves.WithLabelValues("3")))
	assert.Equal(t, 1.0, testutil.ToFloat64(rec.moves.WithLabelValues("4")))
	assert.Equal(t, 1.0, testutil.ToFloat64(rec.retries))
	assert.Equal(t, 1.0, testutil.ToFloat64(rec.unreached.WithLabelValues("4")))
	assert.Equal(t, 1.0, testutil.ToFloat64(rec.fitOutcomes.WithLabelValues("gaussian", "failed")))
}

func TestMetricsHandler_Exposes(t *testing.T) {
	reg := prom.NewRegistry()
	rec := NewPrometheusRecorder(reg)
	rec.IncScanPoints("SCAN")

	w := httptest.NewRecorder()
	MetricsHandler(reg).ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, strings.Contains(w.Body.String(), `pyrecs_scan_points_total{scan_type="SCAN"} 1`), w.Body.String())
}

func TestNoopRecorder(t *testing.T) {
	var r Recorder = NoopRecorder{}
	r.IncMoveCommands(1)
	r.ObserveCount("NEUT", time.Second)
}
