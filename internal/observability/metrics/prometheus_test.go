package metrics

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPrometheusMetricsRecording(t *testing.T) {
	pm, err := NewPrometheusMetrics(nil, logrus.New())
	require.NoError(t, err)

	pm.RecordBatch("train")
	pm.RecordBatch("train")
	pm.RecordBatch("validation")
	pm.RecordEpoch(3, 12.5, 14.25, 1e-3, 2*time.Second)
	pm.RecordCheckpoint("ok")
	pm.RecordImageScored("MEL", 10*time.Millisecond)
	pm.SetAUC("iwae", "MEL", 0.81)

	assert.Equal(t, 2.0, testutil.ToFloat64(pm.batchesTotal.WithLabelValues("train")))
	assert.Equal(t, 1.0, testutil.ToFloat64(pm.batchesTotal.WithLabelValues("validation")))
	assert.Equal(t, 3.0, testutil.ToFloat64(pm.epoch))
	assert.Equal(t, 14.25, testutil.ToFloat64(pm.validationLoss))
	assert.Equal(t, 1.0, testutil.ToFloat64(pm.checkpointsTotal.WithLabelValues("ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(pm.imagesScoredTotal.WithLabelValues("MEL")))
	assert.Equal(t, 0.81, testutil.ToFloat64(pm.auc.WithLabelValues("iwae", "MEL")))

	families, err := pm.registry.Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)
}

func TestNilPrometheusMetricsIsNoop(t *testing.T) {
	var pm *PrometheusMetrics

	assert.NotPanics(t, func() {
		pm.RecordBatch("train")
		pm.RecordEpoch(1, 1, 1, 1, time.Second)
		pm.RecordCheckpoint("error")
		pm.RecordImageScored("NV", time.Millisecond)
		pm.SetAUC("vae", "ALL", 0.5)
		pm.RecordError("scoring", "numeric")
	})
	assert.NoError(t, pm.Stop(context.Background()))
}

func TestRouter(t *testing.T) {
	pm, err := NewPrometheusMetrics(nil, logrus.New())
	require.NoError(t, err)
	pm.RecordCheckpoint("ok")
	pm.Handle("/healthz", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	router := pm.Router()

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "checkpoints_total")

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusTeapot, rec.Code)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/metrics", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}
