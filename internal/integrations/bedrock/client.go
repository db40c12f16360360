// Package bedrock wraps the Bedrock runtime Converse and ApplyGuardrail APIs.
package bedrock

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	"github.com/aws/smithy-go"
)

// runtimeAPI is the subset of *bedrockruntime.Client used here.
type runtimeAPI interface {
	Converse(ctx context.Context, in *bedrockruntime.ConverseInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseOutput, error)
	ApplyGuardrail(ctx context.Context, in *bedrockruntime.ApplyGuardrailInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.ApplyGuardrailOutput, error)
}

var throttlingCodes = map[string]bool{
	"ThrottlingException":           true,
	"TooManyRequestsException":      true,
	"ServiceQuotaExceededException": true,
	"ServiceUnavailableException":   false,
}

// StatusError carries the upstream HTTP status of a failed Bedrock call.
type StatusError struct {
	Op         string
	StatusCode int
	Code       string
	Err        error
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("bedrock: %s failed (status %d, %s): %v", e.Op, e.StatusCode, e.Code, e.Err)
}

func (e *StatusError) Unwrap() error { return e.Err }

func (e *StatusError) HTTPStatusCode() int { return e.StatusCode }

// Inference holds generation limits applied to every Converse call.
type Inference struct {
	MaxTokens   int
	Temperature float64
}

// Client is a thin Bedrock runtime client with error classification.
type Client struct {
	api              runtimeAPI
	inference        Inference
	guardrailID      string
	guardrailVersion string
}

type Option func(*Client)

func WithInference(inf Inference) Option {
	return func(c *Client) { c.inference = inf }
}

// WithGuardrail enables input screening through CheckInput.
func WithGuardrail(id, version string) Option {
	return func(c *Client) {
		c.guardrailID = strings.TrimSpace(id)
		c.guardrailVersion = strings.TrimSpace(version)
	}
}

func NewClient(api runtimeAPI, opts ...Option) (*Client, error) {
	if api == nil {
		return nil, errors.New("bedrock: runtime api must not be nil")
	}
	c := &Client{api: api, inference: Inference{MaxTokens: 2048, Temperature: 0.2}, guardrailVersion: "DRAFT"}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Converse sends a prepared request, filling in inference limits when the
// caller left them unset.
func (c *Client) Converse(ctx context.Context, in *bedrockruntime.ConverseInput) (*bedrockruntime.ConverseOutput, error) {
	if in == nil || aws.ToString(in.ModelId) == "" {
		return nil, errors.New("bedrock: model id must not be empty")
	}
	if in.InferenceConfig == nil {
		in.InferenceConfig = c.inferenceConfig()
	}
	out, err := c.api.Converse(ctx, in)
	if err != nil {
		return nil, classify("converse", err)
	}
	return out, nil
}

// Complete runs a single-turn, tool-free exchange and returns the text reply.
func (c *Client) Complete(ctx context.Context, model, system, prompt string) (string, error) {
	in := &bedrockruntime.ConverseInput{
		ModelId: aws.String(model),
		Messages: []types.Message{{
			Role:    types.ConversationRoleUser,
			Content: []types.ContentBlock{&types.ContentBlockMemberText{Value: prompt}},
		}},
	}
	if strings.TrimSpace(system) != "" {
		in.System = []types.SystemContentBlock{&types.SystemContentBlockMemberText{Value: system}}
	}
	out, err := c.Converse(ctx, in)
	if err != nil {
		return "", err
	}
	return OutputText(out), nil
}

// GuardrailEnabled reports whether CheckInput screens anything.
func (c *Client) GuardrailEnabled() bool {
	return c.guardrailID != ""
}

// CheckInput returns true when the configured guardrail intervenes on text.
// Without a guardrail it always passes.
func (c *Client) CheckInput(ctx context.Context, text string) (bool, error) {
	if !c.GuardrailEnabled() {
		return false, nil
	}
	out, err := c.api.ApplyGuardrail(ctx, &bedrockruntime.ApplyGuardrailInput{
		GuardrailIdentifier: aws.String(c.guardrailID),
		GuardrailVersion:    aws.String(c.guardrailVersion),
		Source:              types.GuardrailContentSourceInput,
		Content: []types.GuardrailContentBlock{
			&types.GuardrailContentBlockMemberText{Value: types.GuardrailTextBlock{Text: aws.String(text)}},
		},
	})
	if err != nil {
		return false, classify("apply guardrail", err)
	}
	return out.Action == types.GuardrailActionGuardrailIntervened, nil
}

func (c *Client) inferenceConfig() *types.InferenceConfiguration {
	cfg := &types.InferenceConfiguration{}
	if c.inference.MaxTokens > 0 {
		cfg.MaxTokens = aws.Int32(int32(c.inference.MaxTokens))
	}
	if c.inference.Temperature >= 0 {
		cfg.Temperature = aws.Float32(float32(c.inference.Temperature))
	}
	return cfg
}

// OutputText concatenates the text blocks of a Converse reply.
func OutputText(out *bedrockruntime.ConverseOutput) string {
	msg, ok := OutputMessage(out)
	if !ok {
		return ""
	}
	var b strings.Builder
	for _, block := range msg.Content {
		if text, ok := block.(*types.ContentBlockMemberText); ok {
			if b.Len() > 0 {
				b.WriteString("\n")
			}
			b.WriteString(text.Value)
		}
	}
	return strings.TrimSpace(b.String())
}

// OutputMessage extracts the assistant message from a Converse reply.
func OutputMessage(out *bedrockruntime.ConverseOutput) (types.Message, bool) {
	if out == nil {
		return types.Message{}, false
	}
	msg, ok := out.Output.(*types.ConverseOutputMemberMessage)
	if !ok {
		return types.Message{}, false
	}
	return msg.Value, true
}

func classify(op string, err error) error {
	status := 0
	var respErr *awshttp.ResponseError
	if errors.As(err, &respErr) {
		status = respErr.HTTPStatusCode()
	}
	code := ""
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		code = apiErr.ErrorCode()
		if throttlingCodes[code] {
			status = 429
		}
	}
	if status == 0 {
		status = 502
	}
	return &StatusError{Op: op, StatusCode: status, Code: code, Err: err}
}
