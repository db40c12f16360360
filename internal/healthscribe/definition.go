package healthscribe

import (
	"encoding/json"
	"errors"
	"fmt"
)

// DefaultWaitSeconds is the polling interval between status checks.
const DefaultWaitSeconds = 30

var retryableLambdaErrors = []string{
	"Lambda.ServiceException",
	"Lambda.AWSLambdaException",
	"Lambda.SdkClientException",
	"Lambda.TooManyRequestsException",
}

type stateMachine struct {
	Comment string           `json:"Comment"`
	StartAt string           `json:"StartAt"`
	States  map[string]state `json:"States"`
}

type state struct {
	Type       string         `json:"Type"`
	Resource   string         `json:"Resource,omitempty"`
	Parameters map[string]any `json:"Parameters,omitempty"`
	OutputPath string         `json:"OutputPath,omitempty"`
	Retry      []retrier      `json:"Retry,omitempty"`
	Seconds    int            `json:"Seconds,omitempty"`
	Choices    []choice       `json:"Choices,omitempty"`
	Default    string         `json:"Default,omitempty"`
	Next       string         `json:"Next,omitempty"`
	End        bool           `json:"End,omitempty"`
	Error      string         `json:"Error,omitempty"`
	CausePath  string         `json:"CausePath,omitempty"`
}

type retrier struct {
	ErrorEquals     []string `json:"ErrorEquals"`
	IntervalSeconds int      `json:"IntervalSeconds"`
	MaxAttempts     int      `json:"MaxAttempts"`
	BackoffRate     float64  `json:"BackoffRate"`
}

type choice struct {
	Variable     string `json:"Variable"`
	StringEquals string `json:"StringEquals"`
	Next         string `json:"Next"`
}

func task(lambdaARN, action, next string) state {
	return state{
		Type:     "Task",
		Resource: "arn:aws:states:::lambda:invoke",
		Parameters: map[string]any{
			"FunctionName": lambdaARN,
			"Payload": map[string]any{
				"action":  action,
				"state.$": "$",
			},
		},
		OutputPath: "$.Payload",
		Retry: []retrier{{
			ErrorEquals:     retryableLambdaErrors,
			IntervalSeconds: 2,
			MaxAttempts:     6,
			BackoffRate:     2,
		}},
		Next: next,
	}
}

// Definition renders the HealthScribe workflow in Amazon States Language.
// The Lambda identified by lambdaARN serves every task through Tasks.Handle.
func Definition(lambdaARN string, waitSeconds int) (string, error) {
	if lambdaARN == "" {
		return "", errors.New("healthscribe: lambda ARN is required")
	}
	if waitSeconds <= 0 {
		waitSeconds = DefaultWaitSeconds
	}
	sm := stateMachine{
		Comment: "HealthScribe medical notes workflow",
		StartAt: "StartJob",
		States: map[string]state{
			"StartJob":    task(lambdaARN, ActionStart, "Wait"),
			"Wait":        {Type: "Wait", Seconds: waitSeconds, Next: "CheckStatus"},
			"CheckStatus": task(lambdaARN, ActionStatus, "JobComplete"),
			"JobComplete": {
				Type: "Choice",
				Choices: []choice{
					{Variable: "$.status", StringEquals: "COMPLETED", Next: "CopyOutput"},
					{Variable: "$.status", StringEquals: "FAILED", Next: "JobFailed"},
				},
				Default: "Wait",
			},
			"CopyOutput": task(lambdaARN, ActionCopy, "Cleanup"),
			"Cleanup":    task(lambdaARN, ActionCleanup, "StoreNotes"),
			"StoreNotes": task(lambdaARN, ActionStore, "Done"),
			"Done":       {Type: "Succeed"},
			"JobFailed":  {Type: "Fail", Error: "HealthScribeJobFailed", CausePath: "$.failure_reason"},
		},
	}
	out, err := json.MarshalIndent(sm, "", "  ")
	if err != nil {
		return "", fmt.Errorf("healthscribe: encode definition: %w", err)
	}
	return string(out), nil
}
