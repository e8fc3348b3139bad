package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestMiddlewareLabelsByRoutePattern(t *testing.T) {
	r := chi.NewRouter()
	r.Use(Middleware)
	r.Get("/v1/status", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	r.Get("/readyz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})

	before503 := testutil.ToFloat64(httpRequestsTotal.WithLabelValues(http.MethodGet, "503"))
	for _, path := range []string{"/v1/status", "/readyz", "/readyz"} {
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	}

	require.GreaterOrEqual(t, testutil.ToFloat64(httpRequestsTotal.WithLabelValues(http.MethodGet, "200")), 1.0)
	require.InDelta(t, before503+2, testutil.ToFloat64(httpRequestsTotal.WithLabelValues(http.MethodGet, "503")), 1e-9)
	require.Positive(t, testutil.CollectAndCount(httpRequestDurationSeconds, "examscan_http_request_duration_seconds"))
}

func TestMiddlewareUnknownRoute(t *testing.T) {
	handler := Middleware(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/outside-chi", nil))

	require.Equal(t, http.StatusNoContent, rec.Code)
	require.GreaterOrEqual(t, testutil.ToFloat64(httpRequestsTotal.WithLabelValues(http.MethodPost, "204")), 1.0)
}
