package metrics

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestInit(t *testing.T) {
	// Call Init multiple times to test idempotency.
	Init()
	Init()

	require.NotNil(t, fetchAttemptsTotal)
	require.NotNil(t, checkpointFlushesTotal)
	require.NotNil(t, httpRequestsTotal)
	require.NotNil(t, rateLimitDelaySeconds)
}

func TestObserveHelpers(t *testing.T) {
	Init()

	before := testutil.ToFloat64(fetchAttemptsTotal.WithLabelValues("retry"))
	ObserveFetch("retry", 120*time.Millisecond)
	require.InDelta(t, before+1, testutil.ToFloat64(fetchAttemptsTotal.WithLabelValues("retry")), 0.001)

	okBefore := testutil.ToFloat64(checkpointFlushesTotal.WithLabelValues("ok"))
	errBefore := testutil.ToFloat64(checkpointFlushesTotal.WithLabelValues("error"))
	ObserveFlush(nil, time.Millisecond)
	ObserveFlush(errors.New("disk full"), time.Millisecond)
	require.InDelta(t, okBefore+1, testutil.ToFloat64(checkpointFlushesTotal.WithLabelValues("ok")), 0.001)
	require.InDelta(t, errBefore+1, testutil.ToFloat64(checkpointFlushesTotal.WithLabelValues("error")), 0.001)

	resBefore := testutil.ToFloat64(resultsTotal.WithLabelValues("success", "none"))
	ObserveResult("success", "")
	require.InDelta(t, resBefore+1, testutil.ToFloat64(resultsTotal.WithLabelValues("success", "none")), 0.001)

	gauge := testutil.ToFloat64(activeWorkers)
	IncActiveWorkers()
	require.InDelta(t, gauge+1, testutil.ToFloat64(activeWorkers), 0.001)
	DecActiveWorkers()
	require.InDelta(t, gauge, testutil.ToFloat64(activeWorkers), 0.001)
}

func TestMiddlewareRecordsRoutePattern(t *testing.T) {
	r := chi.NewRouter()
	r.Use(Middleware)
	r.Get("/v1/items/{id}", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})

	before := testutil.ToFloat64(httpRequestsTotal.WithLabelValues(http.MethodGet, "418"))
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/items/42", nil))

	require.Equal(t, http.StatusTeapot, rec.Code)
	require.InDelta(t, before+1, testutil.ToFloat64(httpRequestsTotal.WithLabelValues(http.MethodGet, "418")), 0.001)
}
