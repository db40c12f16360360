package usecase

import (
	"errors"
	"fmt"
)

type ErrorCode string

const (
	ErrorInvalidInput    ErrorCode = "INVALID_INPUT"
	ErrorInvalidQuestion ErrorCode = "INVALID_QUESTION"
	ErrorRateLimited     ErrorCode = "RATE_LIMITED"
	ErrorUpstream        ErrorCode = "UPSTREAM_ERROR"
	ErrorInternal        ErrorCode = "INTERNAL_ERROR"
)

// Reasons reported alongside an ErrorCode.
const (
	ReasonEmptyPrompt          = "empty_prompt"
	ReasonPromptTooLong        = "prompt_too_long"
	ReasonInvalidSessionID     = "invalid_session_id"
	ReasonConfigLoad           = "ssm_load_error"
	ReasonSessionMeta          = "session_meta_error"
	ReasonSessionTurnLimit     = "session_turn_limit"
	ReasonGuardrailRateLimited = "guardrail_rate_limited"
	ReasonGuardrail            = "guardrail_error"
	ReasonGuardrailIntervened  = "guardrail_intervened"
	ReasonSessionRead          = "session_read_error"
	ReasonToolLoopLimit        = "tool_loop_limit"
	ReasonModelRateLimited     = "model_rate_limited"
	ReasonModel                = "model_error"
	ReasonModelEmptyResponse   = "model_empty_response"
	ReasonSessionWrite         = "session_write_error"
	ReasonSessionMetaWrite     = "meta_write_error"
)

// Error is returned by InvokeService for every failed invocation.
type Error struct {
	Code   ErrorCode
	Reason string
	Err    error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Err == nil {
		return fmt.Sprintf("usecase: %s/%s", e.Code, e.Reason)
	}
	return fmt.Sprintf("usecase: %s/%s: %v", e.Code, e.Reason, e.Err)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// ClientFault reports whether the caller can fix the request.
func (e *Error) ClientFault() bool {
	return e != nil && (e.Code == ErrorInvalidInput || e.Code == ErrorInvalidQuestion)
}

// AsError extracts the *Error from err's chain.
func AsError(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) && e != nil {
		return e, true
	}
	return nil, false
}

func newError(code ErrorCode, reason string, err error) *Error {
	return &Error{Code: code, Reason: reason, Err: err}
}
