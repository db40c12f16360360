package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestObserve(t *testing.T) {
	m := New()
	m.ObserveInvocation("ok", 2*time.Second)
	m.ObserveInvocation("ok", time.Second)
	m.ObserveInvocation("RATE_LIMITED", time.Second)
	m.ObserveToolCall("search", "success", time.Millisecond)
	m.ObserveHTTP("/invocations", http.MethodPost, 200, time.Millisecond)
	m.ObserveHTTP("", http.MethodGet, 404, time.Millisecond)

	require.Equal(t, 2.0, testutil.ToFloat64(m.InvocationsTotal.WithLabelValues("ok")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.InvocationsTotal.WithLabelValues("RATE_LIMITED")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.ToolCallsTotal.WithLabelValues("search", "success")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues("/invocations", "POST", "200")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues("unmatched", "GET", "404")))
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.ObserveInvocation("ok", time.Second)
	m.ObserveToolCall("x", "error", time.Second)
	m.ObserveHTTP("/", "GET", 200, time.Second)
	require.Nil(t, m.Registry())

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandlerExposesCollectors(t *testing.T) {
	m := New()
	m.ObserveInvocation("ok", time.Second)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `healthcare_agent_invocations_total{outcome="ok"} 1`)
	require.Contains(t, rec.Body.String(), "go_goroutines")
}

func TestNewInstancesAreIndependent(t *testing.T) {
	a, b := New(), New()
	a.ObserveInvocation("ok", time.Second)
	require.Equal(t, 0.0, testutil.ToFloat64(b.InvocationsTotal.WithLabelValues("ok")))
}
