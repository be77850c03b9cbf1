package middleware

import (
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/suokelife/messagebus/internal/infrastructure/observability"
)

func metricsRouter(m *observability.Metrics, status int) *chi.Mux {
	r := chi.NewRouter()
	r.Use(Metrics(m))
	reply := func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(status)
		w.Write([]byte("ok"))
	}
	r.Get("/api/v1/topics/{name}", reply)
	r.Post("/api/v1/topics/{name}/messages", reply)
	r.Delete("/api/v1/dlq/{id}", reply)
	return r
}

func TestMetrics_LabelsByRoutePattern(t *testing.T) {
	m := observability.NewMetrics("test", prometheus.NewRegistry())
	r := metricsRouter(m, http.StatusOK)

	for _, name := range []string{"orders", "payments", "audit"} {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/topics/"+name, nil))
		require.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "ok", w.Body.String())
	}

	// One series for every topic name.
	assert.Equal(t, 3.0, testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues("GET", "/api/v1/topics/{name}", "200")))
	assert.Equal(t, 1, testutil.CollectAndCount(m.HTTPRequestsTotal))
	assert.Equal(t, 1, testutil.CollectAndCount(m.HTTPRequestDuration))
}

func TestMetrics_RecordsStatusAndMethod(t *testing.T) {
	tests := []struct {
		method string
		path   string
		route  string
		status int
	}{
		{http.MethodPost, "/api/v1/topics/orders/messages", "/api/v1/topics/{name}/messages", http.StatusCreated},
		{http.MethodPost, "/api/v1/topics/orders/messages", "/api/v1/topics/{name}/messages", http.StatusAccepted},
		{http.MethodDelete, "/api/v1/dlq/abc", "/api/v1/dlq/{id}", http.StatusNotFound},
		{http.MethodGet, "/api/v1/topics/orders", "/api/v1/topics/{name}", http.StatusServiceUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.method+" "+http.StatusText(tt.status), func(t *testing.T) {
			m := observability.NewMetrics("test", prometheus.NewRegistry())
			r := metricsRouter(m, tt.status)

			w := httptest.NewRecorder()
			r.ServeHTTP(w, httptest.NewRequest(tt.method, tt.path, nil))

			assert.Equal(t, tt.status, w.Code)
			assert.Equal(t, 1.0, testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues(tt.method, tt.route, strconv.Itoa(tt.status))))
		})
	}
}

func TestMetrics_UnmatchedRoute(t *testing.T) {
	m := observability.NewMetrics("test", prometheus.NewRegistry())
	handler := Metrics(m)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	for _, path := range []string{"/api/v1/topics/orders/messages/abc", "/favicon.ico"} {
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
		assert.Equal(t, http.StatusOK, w.Code)
	}

	assert.Equal(t, 2.0, testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues("GET", unmatchedRoute, "200")))
}

func TestMetrics_ObservesDuration(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := observability.NewMetrics("test", reg)

	r := chi.NewRouter()
	r.Use(Metrics(m))
	r.Get("/slow", func(w http.ResponseWriter, _ *http.Request) {
		time.Sleep(5 * time.Millisecond)
		w.WriteHeader(http.StatusOK)
	})
	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/slow", nil))

	families, err := reg.Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() != "test_http_request_duration_seconds" {
			continue
		}
		h := mf.GetMetric()[0].GetHistogram()
		assert.Equal(t, uint64(1), h.GetSampleCount())
		assert.GreaterOrEqual(t, h.GetSampleSum(), 0.005)
		return
	}
	t.Fatal("http_request_duration_seconds not gathered")
}

func TestStatusWriter(t *testing.T) {
	w := httptest.NewRecorder()
	sw := &statusWriter{ResponseWriter: w, statusCode: http.StatusOK}

	sw.Write([]byte("body"))
	assert.Equal(t, http.StatusOK, sw.statusCode, "implicit 200 when WriteHeader is not called")

	w = httptest.NewRecorder()
	sw = &statusWriter{ResponseWriter: w, statusCode: http.StatusOK}
	sw.WriteHeader(http.StatusAccepted)
	assert.Equal(t, http.StatusAccepted, sw.statusCode)
	assert.Equal(t, http.StatusAccepted, w.Code)
}
