package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"healthcare-agent/internal/domain"
	"healthcare-agent/internal/metrics"
	"healthcare-agent/internal/usecase"
)

type stubUseCase struct {
	out usecase.InvokeOutput
	err error
	in  usecase.InvokeInput
}

func (s *stubUseCase) Invoke(_ context.Context, in usecase.InvokeInput) (usecase.InvokeOutput, error) {
	s.in = in
	return s.out, s.err
}

func makeRequest(body string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/invocations", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	return req
}

func serve(t *testing.T, h *Handler, req *http.Request) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.Routes().ServeHTTP(rec, req)
	return rec
}

func parseBody[T any](t *testing.T, body string) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal([]byte(body), &v))
	return v
}

func TestNewHandler_ValidatesDependency(t *testing.T) {
	_, err := NewHandler(nil)
	require.Error(t, err)
}

func TestInvoke_HappyPath(t *testing.T) {
	uc := &stubUseCase{out: usecase.InvokeOutput{
		Response:       "hello",
		SessionID:      "sess-1",
		PatientContext: domain.PatientContext{PatientID: "p-1", Source: domain.PatientSourceExplicit, Namespace: "p-1"},
		ToolCalls:      []string{"get_patient_records"},
	}}
	h, err := NewHandler(uc)
	require.NoError(t, err)

	rec := serve(t, h, makeRequest(`{"prompt":"Summarise labs","session_id":"sess-1","patient_id":"p-1"}`))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, usecase.InvokeInput{Prompt: "Summarise labs", SessionID: "sess-1", PatientID: "p-1"}, uc.in)

	out := parseBody[invokeResponse](t, rec.Body.String())
	require.Equal(t, "hello", out.Response)
	require.Equal(t, "sess-1", out.SessionID)
	require.Equal(t, "p-1", out.PatientContext.PatientID)
	require.Equal(t, []string{"get_patient_records"}, out.ToolCalls)
	require.NotEmpty(t, rec.Header().Get("X-Correlation-Id"))
	require.Equal(t, "sess-1", rec.Header().Get(sessionHeader))
	require.Equal(t, "application/json", rec.Header().Get("Content-Type"))
}

func TestInvoke_SessionHeaderFallback(t *testing.T) {
	uc := &stubUseCase{out: usecase.InvokeOutput{Response: "ok", SessionID: "from-header"}}
	h, err := NewHandler(uc)
	require.NoError(t, err)

	req := makeRequest(`{"prompt":"hi"}`)
	req.Header.Set(sessionHeader, "from-header")
	rec := serve(t, h, req)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "from-header", uc.in.SessionID)
	require.Contains(t, rec.Body.String(), `"tool_calls":[]`)

	req = makeRequest(`{"prompt":"hi","session_id":"from-body"}`)
	req.Header.Set(sessionHeader, "from-header")
	serve(t, h, req)
	require.Equal(t, "from-body", uc.in.SessionID)
}

func TestInvoke_InvalidBody(t *testing.T) {
	cases := []struct {
		name   string
		body   string
		status int
		reason string
	}{
		{name: "malformed", body: `not-json`, status: http.StatusBadRequest, reason: "invalid_json"},
		{name: "missing prompt", body: `{"session_id":"s"}`, status: http.StatusBadRequest, reason: "invalid_request"},
		{name: "session too long", body: `{"prompt":"x","session_id":"` + strings.Repeat("s", 300) + `"}`, status: http.StatusBadRequest, reason: "invalid_request"},
		{name: "too large", body: `{"prompt":"` + strings.Repeat("a", maxBodyBytes) + `"}`, status: http.StatusRequestEntityTooLarge, reason: "body_too_large"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			uc := &stubUseCase{}
			h, err := NewHandler(uc)
			require.NoError(t, err)

			rec := serve(t, h, makeRequest(tc.body))
			require.Equal(t, tc.status, rec.Code)
			out := parseBody[errorResponse](t, rec.Body.String())
			require.Equal(t, string(usecase.ErrorInvalidInput), out.Error)
			require.Equal(t, tc.reason, out.Reason)
			require.NotEmpty(t, out.CorrelationID)
			require.Empty(t, uc.in.Prompt)
		})
	}
}

func TestInvoke_MapsUseCaseErrors(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{name: "invalid input", err: &usecase.Error{Code: usecase.ErrorInvalidInput, Reason: "empty_prompt"}, status: http.StatusBadRequest, code: string(usecase.ErrorInvalidInput)},
		{name: "invalid session id", err: &usecase.Error{Code: usecase.ErrorInvalidInput, Reason: usecase.ReasonInvalidSessionID}, status: http.StatusBadRequest, code: string(usecase.ErrorInvalidInput)},
		{name: "invalid question", err: &usecase.Error{Code: usecase.ErrorInvalidQuestion, Reason: "guardrail_intervened"}, status: http.StatusBadRequest, code: string(usecase.ErrorInvalidQuestion)},
		{name: "rate limited", err: &usecase.Error{Code: usecase.ErrorRateLimited, Reason: "model_rate_limited"}, status: http.StatusTooManyRequests, code: string(usecase.ErrorRateLimited)},
		{name: "upstream", err: &usecase.Error{Code: usecase.ErrorUpstream, Reason: "model_error"}, status: http.StatusBadGateway, code: string(usecase.ErrorUpstream)},
		{name: "internal", err: &usecase.Error{Code: usecase.ErrorInternal, Reason: "session_write_error"}, status: http.StatusInternalServerError, code: string(usecase.ErrorInternal)},
		{name: "unexpected", err: errors.New("boom"), status: http.StatusInternalServerError, code: string(usecase.ErrorInternal)},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h, err := NewHandler(&stubUseCase{err: tc.err})
			require.NoError(t, err)

			rec := serve(t, h, makeRequest(`{"prompt":"What changed?"}`))
			require.Equal(t, tc.status, rec.Code)

			out := parseBody[errorResponse](t, rec.Body.String())
			require.Equal(t, tc.code, out.Error)
		})
	}
}

func TestInvoke_UsesProvidedCorrelationID_CaseInsensitive(t *testing.T) {
	h, err := NewHandler(&stubUseCase{out: usecase.InvokeOutput{Response: "ok", SessionID: "s"}})
	require.NoError(t, err)

	req := makeRequest(`{"prompt":"hi"}`)
	req.Header.Set("x-correlation-id", "corr-123")
	rec := serve(t, h, req)
	require.Equal(t, "corr-123", rec.Header().Get("x-correlation-id"))
}

func TestPing(t *testing.T) {
	h, err := NewHandler(&stubUseCase{})
	require.NoError(t, err)

	rec := serve(t, h, httptest.NewRequest(http.MethodGet, "/ping", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	out := parseBody[pingResponse](t, rec.Body.String())
	require.Equal(t, "Healthy", out.Status)
	require.Equal(t, h.started.Unix(), out.TimeOfLastUpdate)
}

func TestMetrics_RecordsRoutesAndOutcomes(t *testing.T) {
	m := metrics.New()
	h, err := NewHandler(&stubUseCase{err: &usecase.Error{Code: usecase.ErrorRateLimited, Reason: "model_rate_limited"}}, WithMetrics(m))
	require.NoError(t, err)

	serve(t, h, makeRequest(`{"prompt":"hi"}`))
	serve(t, h, httptest.NewRequest(http.MethodGet, "/ping", nil))

	require.Equal(t, 1.0, testutil.ToFloat64(m.InvocationsTotal.WithLabelValues("RATE_LIMITED")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues("/invocations", "POST", "429")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues("/ping", "GET", "200")))

	rec := serve(t, h, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "healthcare_agent_http_requests_total")
}

func TestMetrics_DisabledReturnsNotFound(t *testing.T) {
	h, err := NewHandler(&stubUseCase{})
	require.NoError(t, err)
	rec := serve(t, h, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusNotFound, rec.Code)
}
