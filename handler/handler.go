// Package handler exposes the agent over the AgentCore runtime HTTP contract.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"healthcare-agent/internal/domain"
	"healthcare-agent/internal/metrics"
	"healthcare-agent/internal/usecase"
)

const (
	correlationHeader = "X-Correlation-Id"
	sessionHeader     = "X-Amzn-Bedrock-AgentCore-Runtime-Session-Id"
	maxBodyBytes      = 1 << 20
)

type Invoker interface {
	Invoke(ctx context.Context, in usecase.InvokeInput) (usecase.InvokeOutput, error)
}

type invokeRequest struct {
	Prompt    string `json:"prompt" validate:"required"`
	SessionID string `json:"session_id,omitempty" validate:"omitempty,max=256"`
	PatientID string `json:"patient_id,omitempty" validate:"omitempty,max=128"`
}

type invokeResponse struct {
	Response       string                `json:"response"`
	SessionID      string                `json:"session_id"`
	PatientContext domain.PatientContext `json:"patient_context"`
	ToolCalls      []string              `json:"tool_calls"`
}

type errorResponse struct {
	Error         string `json:"error"`
	Reason        string `json:"reason,omitempty"`
	CorrelationID string `json:"correlation_id"`
}

type pingResponse struct {
	Status           string `json:"status"`
	TimeOfLastUpdate int64  `json:"time_of_last_update"`
}

type Handler struct {
	uc       Invoker
	validate *validator.Validate
	metrics  *metrics.Metrics
	logger   *slog.Logger
	started  time.Time
}

type Option func(*Handler)

func WithMetrics(m *metrics.Metrics) Option {
	return func(h *Handler) { h.metrics = m }
}

func WithLogger(l *slog.Logger) Option {
	return func(h *Handler) {
		if l != nil {
			h.logger = l
		}
	}
}

func NewHandler(uc Invoker, opts ...Option) (*Handler, error) {
	if uc == nil {
		return nil, errors.New("handler: use case must not be nil")
	}
	h := &Handler{
		uc:       uc,
		validate: validator.New(),
		logger:   slog.Default(),
		started:  time.Now(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h, nil
}

// Routes builds the HTTP router.
func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(h.correlation)
	r.Use(h.observe)

	r.Post("/invocations", h.invoke)
	r.Get("/ping", h.ping)
	r.Method(http.MethodGet, "/metrics", h.metrics.Handler())
	return r
}

type ctxKey struct{}

func correlationID(ctx context.Context) string {
	id, _ := ctx.Value(ctxKey{}).(string)
	return id
}

// correlation propagates X-Correlation-Id, minting one when absent.
func (h *Handler) correlation(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(r.Header.Get(correlationHeader))
		if id == "" {
			id = newUUID()
		}
		w.Header().Set(correlationHeader, id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxKey{}, id)))
	})
}

// observe records request metrics under the matched chi route pattern.
func (h *Handler) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		route := ""
		if rc := chi.RouteContext(r.Context()); rc != nil {
			route = rc.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		h.metrics.ObserveHTTP(route, r.Method, status, time.Since(start))
	})
}

func (h *Handler) invoke(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	corrID := correlationID(r.Context())

	var req invokeRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			h.fail(w, corrID, http.StatusRequestEntityTooLarge, usecase.ErrorInvalidInput, "body_too_large", start)
			return
		}
		h.fail(w, corrID, http.StatusBadRequest, usecase.ErrorInvalidInput, "invalid_json", start)
		return
	}
	if err := h.validate.Struct(req); err != nil {
		h.fail(w, corrID, http.StatusBadRequest, usecase.ErrorInvalidInput, "invalid_request", start)
		return
	}
	if req.SessionID == "" {
		req.SessionID = strings.TrimSpace(r.Header.Get(sessionHeader))
	}

	out, err := h.uc.Invoke(r.Context(), usecase.InvokeInput{
		Prompt:    req.Prompt,
		SessionID: req.SessionID,
		PatientID: req.PatientID,
	})
	if err != nil {
		h.fromUseCaseError(w, corrID, err, start)
		return
	}

	toolCalls := out.ToolCalls
	if toolCalls == nil {
		toolCalls = []string{}
	}
	w.Header().Set(sessionHeader, out.SessionID)
	h.metrics.ObserveInvocation("ok", time.Since(start))
	writeJSON(w, http.StatusOK, invokeResponse{
		Response:       out.Response,
		SessionID:      out.SessionID,
		PatientContext: out.PatientContext,
		ToolCalls:      toolCalls,
	})
}

func (h *Handler) ping(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, pingResponse{Status: "Healthy", TimeOfLastUpdate: h.started.Unix()})
}

func (h *Handler) fromUseCaseError(w http.ResponseWriter, corrID string, err error, start time.Time) {
	ucErr, ok := usecase.AsError(err)
	if !ok {
		h.logger.Error("unexpected invocation error", "err", err, "correlation_id", corrID)
		h.fail(w, corrID, http.StatusInternalServerError, usecase.ErrorInternal, "unexpected_error", start)
		return
	}
	status := statusFor(ucErr.Code)
	if ucErr.ClientFault() {
		h.logger.Info("invocation rejected", "code", ucErr.Code, "reason", ucErr.Reason, "correlation_id", corrID)
	} else {
		h.logger.Error("invocation failed", "code", ucErr.Code, "reason", ucErr.Reason, "err", ucErr.Err, "correlation_id", corrID)
	}
	h.fail(w, corrID, status, ucErr.Code, ucErr.Reason, start)
}

func (h *Handler) fail(w http.ResponseWriter, corrID string, status int, code usecase.ErrorCode, reason string, start time.Time) {
	h.metrics.ObserveInvocation(string(code), time.Since(start))
	writeJSON(w, status, errorResponse{Error: string(code), Reason: reason, CorrelationID: corrID})
}

func statusFor(code usecase.ErrorCode) int {
	switch code {
	case usecase.ErrorInvalidInput, usecase.ErrorInvalidQuestion:
		return http.StatusBadRequest
	case usecase.ErrorRateLimited:
		return http.StatusTooManyRequests
	case usecase.ErrorUpstream:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

var newUUID = func() string {
	return uuid.NewString()
}
