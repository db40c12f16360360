package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"

	"github.com/google/uuid"

	"healthcare-agent/internal/agent"
	"healthcare-agent/internal/domain"
	"healthcare-agent/internal/integrations/paramstore"
	"healthcare-agent/internal/patient"
)

const (
	defaultMaxPrompt  = 4000
	defaultMaxHistory = 20
	defaultMaxTurns   = 50
	paramSystemPrompt = "/system_prompt"
	paramModelID      = "/config/model_id"
)

type ParamGetter interface {
	GetParameter(ctx context.Context, name string) (string, error)
}

type Guardrail interface {
	CheckInput(ctx context.Context, text string) (bool, error)
}

type AgentRunner interface {
	Run(ctx context.Context, req agent.Request) (*agent.Result, error)
}

type PatientResolver interface {
	Resolve(ctx context.Context, explicit, text, sessionPatient string) domain.PatientContext
}

type HistoryStore interface {
	Load(ctx context.Context, key domain.SessionKey, limit int) ([]domain.ChatMessage, error)
	Append(ctx context.Context, key domain.SessionKey, msgs ...domain.ChatMessage) error
}

type SessionMetaStore interface {
	GetSession(ctx context.Context, sessionID string) (domain.SessionMeta, error)
	SaveSession(ctx context.Context, meta domain.SessionMeta) error
	NextTurn(prev domain.SessionMeta, patientID string) domain.SessionMeta
}

type httpStatusCoder interface {
	HTTPStatusCode() int
}

// Config holds the limits and env fallbacks of InvokeService.
type Config struct {
	// ParamPrefix enables SSM-backed prompt config; empty uses the fallbacks.
	ParamPrefix        string
	ModelID            string
	SystemPrompt       string
	MaxPromptLength    int
	MaxHistoryMessages int
	MaxSessionTurns    int
}

// Deps are the collaborators of InvokeService. Params, Guardrail and
// Patients are optional.
type Deps struct {
	Params    ParamGetter
	Guardrail Guardrail
	Agent     AgentRunner
	Patients  PatientResolver
	History   HistoryStore
	Sessions  SessionMetaStore
	Logger    *slog.Logger
}

type InvokeService struct {
	deps Deps
	cfg  Config

	cacheMu      sync.RWMutex
	cacheLoaded  bool
	systemPrompt string
	modelID      string
}

type InvokeInput struct {
	Prompt    string
	SessionID string
	PatientID string
}

type InvokeOutput struct {
	Response       string
	SessionID      string
	PatientContext domain.PatientContext
	ToolCalls      []string
}

func NewInvokeService(deps Deps, cfg Config) (*InvokeService, error) {
	if deps.Agent == nil {
		return nil, errors.New("usecase: agent must not be nil")
	}
	if deps.History == nil {
		return nil, errors.New("usecase: history store must not be nil")
	}
	if deps.Sessions == nil {
		return nil, errors.New("usecase: session store must not be nil")
	}
	if deps.Patients == nil {
		deps.Patients = patient.NewExtractor(nil, nil)
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	cfg.ParamPrefix = strings.TrimRight(strings.TrimSpace(cfg.ParamPrefix), "/")
	if cfg.ParamPrefix != "" && deps.Params == nil {
		return nil, errors.New("usecase: param getter must not be nil when a parameter prefix is set")
	}
	if cfg.MaxPromptLength <= 0 {
		cfg.MaxPromptLength = defaultMaxPrompt
	}
	if cfg.MaxHistoryMessages <= 0 {
		cfg.MaxHistoryMessages = defaultMaxHistory
	}
	if cfg.MaxSessionTurns <= 0 {
		cfg.MaxSessionTurns = defaultMaxTurns
	}
	return &InvokeService{deps: deps, cfg: cfg}, nil
}

func (s *InvokeService) Invoke(ctx context.Context, in InvokeInput) (InvokeOutput, error) {
	prompt := strings.TrimSpace(in.Prompt)
	if prompt == "" {
		return InvokeOutput{}, newError(ErrorInvalidInput, ReasonEmptyPrompt, nil)
	}
	if len([]rune(prompt)) > s.cfg.MaxPromptLength {
		return InvokeOutput{}, newError(ErrorInvalidInput, ReasonPromptTooLong, nil)
	}
	sessionID := strings.TrimSpace(in.SessionID)
	if sessionID == "" {
		sessionID = newUUID()
	} else if !validSessionID(sessionID) {
		return InvokeOutput{}, newError(ErrorInvalidInput, ReasonInvalidSessionID, nil)
	}
	systemPrompt, model, err := s.ensureConfig(ctx)
	if err != nil {
		return InvokeOutput{}, newError(ErrorInternal, ReasonConfigLoad, err)
	}

	meta, err := s.deps.Sessions.GetSession(ctx, sessionID)
	if err != nil {
		return InvokeOutput{}, newError(ErrorInternal, ReasonSessionMeta, err)
	}
	if meta.Turns >= s.cfg.MaxSessionTurns {
		return InvokeOutput{}, newError(ErrorInvalidInput, ReasonSessionTurnLimit, nil)
	}

	if s.deps.Guardrail != nil {
		blocked, err := s.deps.Guardrail.CheckInput(ctx, prompt)
		if err != nil {
			if status, ok := upstreamStatusCode(err); ok && status == 429 {
				return InvokeOutput{}, newError(ErrorRateLimited, ReasonGuardrailRateLimited, err)
			}
			return InvokeOutput{}, newError(ErrorUpstream, ReasonGuardrail, err)
		}
		if blocked {
			return InvokeOutput{}, newError(ErrorInvalidQuestion, ReasonGuardrailIntervened, nil)
		}
	}

	pc := s.deps.Patients.Resolve(ctx, in.PatientID, prompt, meta.PatientID)
	key := domain.SessionKey{PatientNamespace: pc.Namespace, SessionID: sessionID}

	history, err := s.deps.History.Load(ctx, key, s.cfg.MaxHistoryMessages)
	if err != nil {
		return InvokeOutput{}, newError(ErrorInternal, ReasonSessionRead, err)
	}

	res, err := s.deps.Agent.Run(ctx, agent.Request{
		Model:     model,
		System:    buildSystemPrompt(systemPrompt, pc),
		History:   history,
		Prompt:    prompt,
		PatientID: pc.PatientID,
	})
	if err != nil {
		if errors.Is(err, agent.ErrToolLoopLimit) {
			return InvokeOutput{}, newError(ErrorUpstream, ReasonToolLoopLimit, err)
		}
		if status, ok := upstreamStatusCode(err); ok && status == 429 {
			return InvokeOutput{}, newError(ErrorRateLimited, ReasonModelRateLimited, err)
		}
		return InvokeOutput{}, newError(ErrorUpstream, ReasonModel, err)
	}
	answer := strings.TrimSpace(res.Text)
	if answer == "" {
		return InvokeOutput{}, newError(ErrorUpstream, ReasonModelEmptyResponse, nil)
	}

	if err := s.deps.History.Append(ctx, key,
		domain.ChatMessage{Role: domain.RoleUser, Content: prompt},
		domain.ChatMessage{Role: domain.RoleAssistant, Content: answer},
	); err != nil {
		return InvokeOutput{}, newError(ErrorInternal, ReasonSessionWrite, err)
	}
	if err := s.deps.Sessions.SaveSession(ctx, s.deps.Sessions.NextTurn(meta, pc.PatientID)); err != nil {
		return InvokeOutput{}, newError(ErrorInternal, ReasonSessionMetaWrite, err)
	}

	s.deps.Logger.Info("invocation completed",
		"session_id", sessionID,
		"patient_source", pc.Source,
		"namespace", pc.Namespace,
		"prompt_len", len(prompt),
		"history_len", len(history),
		"tool_calls", len(res.ToolCalls),
	)
	return InvokeOutput{
		Response:       answer,
		SessionID:      sessionID,
		PatientContext: pc,
		ToolCalls:      res.ToolCalls,
	}, nil
}

// ModelID returns the model currently in effect, for components that need
// it outside an invocation (the patient fallback).
func (s *InvokeService) ModelID() string {
	_, model := s.runtimeConfig()
	return model
}

func (s *InvokeService) runtimeConfig() (string, string) {
	s.cacheMu.RLock()
	defer s.cacheMu.RUnlock()
	if !s.cacheLoaded {
		return s.cfg.SystemPrompt, s.cfg.ModelID
	}
	return s.systemPrompt, s.modelID
}

// ensureConfig reads the prompt config on every request; freshness is
// governed by the parameter store cache TTL. The last good values stay in
// effect for ModelID.
func (s *InvokeService) ensureConfig(ctx context.Context) (systemPrompt, model string, err error) {
	systemPrompt, model, err = s.loadRuntimeConfig(ctx)
	if err != nil {
		return "", "", err
	}
	s.cacheMu.Lock()
	s.systemPrompt, s.modelID, s.cacheLoaded = systemPrompt, model, true
	s.cacheMu.Unlock()
	return systemPrompt, model, nil
}

func (s *InvokeService) loadRuntimeConfig(ctx context.Context) (systemPrompt, model string, err error) {
	systemPrompt, model = s.cfg.SystemPrompt, s.cfg.ModelID
	if s.cfg.ParamPrefix != "" {
		if systemPrompt, err = s.param(ctx, paramSystemPrompt, systemPrompt); err != nil {
			return "", "", fmt.Errorf("usecase: load system prompt: %w", err)
		}
		if model, err = s.param(ctx, paramModelID, model); err != nil {
			return "", "", fmt.Errorf("usecase: load model id: %w", err)
		}
	}
	if strings.TrimSpace(model) == "" {
		return "", "", errors.New("usecase: model id is not configured")
	}
	return systemPrompt, strings.TrimSpace(model), nil
}

// param reads prefix+name, using fallback when the parameter does not exist.
func (s *InvokeService) param(ctx context.Context, name, fallback string) (string, error) {
	v, err := s.deps.Params.GetParameter(ctx, s.cfg.ParamPrefix+name)
	if err != nil {
		if paramstore.IsNotFound(err) && fallback != "" {
			s.deps.Logger.Warn("parameter not found, using environment fallback", "name", s.cfg.ParamPrefix+name)
			return fallback, nil
		}
		return "", err
	}
	return v, nil
}

// sessionIDPattern admits UUIDs and runtime session ids; anything that could
// break out of an S3 key segment is rejected.
var sessionIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._:-]{0,255}$`)

func validSessionID(id string) bool {
	return sessionIDPattern.MatchString(id)
}

func upstreamStatusCode(err error) (int, bool) {
	var statusErr httpStatusCoder
	if !errors.As(err, &statusErr) {
		return 0, false
	}
	return statusErr.HTTPStatusCode(), true
}

var newUUID = func() string {
	return uuid.NewString()
}
