// Package agent runs the model tool-use loop over gateway and local tools.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/document"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	"golang.org/x/sync/errgroup"

	"healthcare-agent/internal/domain"
	"healthcare-agent/internal/integrations/bedrock"
	"healthcare-agent/internal/metrics"
)

// ErrToolLoopLimit is returned when the model keeps requesting tools past
// the configured iteration limit.
var ErrToolLoopLimit = errors.New("agent: tool iteration limit reached")

const (
	defaultMaxIterations = 8
	defaultConcurrency   = 4
)

type converser interface {
	Converse(ctx context.Context, in *bedrockruntime.ConverseInput) (*bedrockruntime.ConverseOutput, error)
}

type Agent struct {
	llm           converser
	registry      *Registry
	maxIterations int
	concurrency   int
	metrics       *metrics.Metrics
	logger        *slog.Logger
}

type Option func(*Agent)

func WithMaxIterations(n int) Option {
	return func(a *Agent) {
		if n > 0 {
			a.maxIterations = n
		}
	}
}

func WithConcurrency(n int) Option {
	return func(a *Agent) {
		if n > 0 {
			a.concurrency = n
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(a *Agent) { a.metrics = m }
}

func WithLogger(l *slog.Logger) Option {
	return func(a *Agent) {
		if l != nil {
			a.logger = l
		}
	}
}

func New(llm converser, registry *Registry, opts ...Option) (*Agent, error) {
	if llm == nil {
		return nil, errors.New("agent: llm must not be nil")
	}
	if registry == nil {
		registry = NewRegistry(nil, nil)
	}
	a := &Agent{
		llm:           llm,
		registry:      registry,
		maxIterations: defaultMaxIterations,
		concurrency:   defaultConcurrency,
		logger:        slog.Default(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

// Request is one agent turn.
type Request struct {
	Model     string
	System    string
	History   []domain.ChatMessage
	Prompt    string
	PatientID string
}

// Result is the final answer plus the tools invoked to produce it.
type Result struct {
	Text       string
	ToolCalls  []string
	Iterations int
}

// Run converses with the model, executing requested tools until the model
// produces a final answer.
func (a *Agent) Run(ctx context.Context, req Request) (*Result, error) {
	tools := a.registry.Tools(ctx)
	in := &bedrockruntime.ConverseInput{
		ModelId:  aws.String(req.Model),
		Messages: historyMessages(req.History, req.Prompt),
	}
	if strings.TrimSpace(req.System) != "" {
		in.System = []types.SystemContentBlock{&types.SystemContentBlockMemberText{Value: req.System}}
	}
	if len(tools) > 0 {
		in.ToolConfig = toolConfig(tools)
	}

	res := &Result{}
	for {
		out, err := a.llm.Converse(ctx, in)
		if err != nil {
			return nil, err
		}
		msg, ok := bedrock.OutputMessage(out)
		if !ok {
			return nil, errors.New("agent: model returned no message")
		}
		uses := toolUses(msg)
		if out.StopReason != types.StopReasonToolUse || len(uses) == 0 {
			res.Text = bedrock.OutputText(out)
			return res, nil
		}
		if res.Iterations >= a.maxIterations {
			return nil, fmt.Errorf("%w (%d)", ErrToolLoopLimit, a.maxIterations)
		}
		res.Iterations++

		in.Messages = append(in.Messages, msg)
		results := a.runTools(ctx, tools, uses, req.PatientID)
		in.Messages = append(in.Messages, types.Message{Role: types.ConversationRoleUser, Content: results})
		for _, u := range uses {
			res.ToolCalls = append(res.ToolCalls, aws.ToString(u.Name))
		}
	}
}

// runTools executes every requested tool with bounded concurrency. Failures
// are reported back to the model as error results.
func (a *Agent) runTools(ctx context.Context, tools []Tool, uses []types.ToolUseBlock, patientID string) []types.ContentBlock {
	results := make([]types.ContentBlock, len(uses))
	var g errgroup.Group
	g.SetLimit(a.concurrency)
	for i, use := range uses {
		g.Go(func() error {
			results[i] = a.runTool(ctx, tools, use, patientID)
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func (a *Agent) runTool(ctx context.Context, tools []Tool, use types.ToolUseBlock, patientID string) types.ContentBlock {
	name := aws.ToString(use.Name)
	start := time.Now()
	text, err := a.invoke(ctx, tools, name, use.Input, patientID)
	status := types.ToolResultStatusSuccess
	if err != nil {
		status = types.ToolResultStatusError
		text = err.Error()
		a.logger.Warn("tool call failed", "tool", name, "err", err)
	}
	a.metrics.ObserveToolCall(name, string(status), time.Since(start))
	if text == "" {
		text = "(no output)"
	}
	return &types.ContentBlockMemberToolResult{Value: types.ToolResultBlock{
		ToolUseId: use.ToolUseId,
		Status:    status,
		Content:   []types.ToolResultContentBlock{&types.ToolResultContentBlockMemberText{Value: text}},
	}}
}

func (a *Agent) invoke(ctx context.Context, tools []Tool, name string, input document.Interface, patientID string) (string, error) {
	tool, err := lookup(tools, name)
	if err != nil {
		return "", err
	}
	args := map[string]any{}
	if input != nil {
		if err := input.UnmarshalSmithyDocument(&args); err != nil {
			return "", fmt.Errorf("agent: decode %s arguments: %w", name, err)
		}
	}
	if args == nil {
		args = map[string]any{}
	}
	return tool.Invoke(ctx, patientID, args)
}

func toolUses(msg types.Message) []types.ToolUseBlock {
	var uses []types.ToolUseBlock
	for _, block := range msg.Content {
		if u, ok := block.(*types.ContentBlockMemberToolUse); ok {
			uses = append(uses, u.Value)
		}
	}
	return uses
}

func toolConfig(tools []Tool) *types.ToolConfiguration {
	specs := make([]types.Tool, 0, len(tools))
	for _, t := range tools {
		desc := t.Description
		if desc == "" {
			desc = t.Name
		}
		specs = append(specs, &types.ToolMemberToolSpec{Value: types.ToolSpecification{
			Name:        aws.String(t.Name),
			Description: aws.String(desc),
			InputSchema: &types.ToolInputSchemaMemberJson{Value: document.NewLazyDocument(t.Schema)},
		}})
	}
	return &types.ToolConfiguration{Tools: specs}
}

// historyMessages converts stored history plus the new prompt into model
// messages, merging consecutive same-role entries.
func historyMessages(history []domain.ChatMessage, prompt string) []types.Message {
	all := append(append([]domain.ChatMessage{}, history...), domain.ChatMessage{Role: domain.RoleUser, Content: prompt})
	var out []types.Message
	var texts []string
	role := types.ConversationRole("")
	flush := func() {
		if len(texts) > 0 {
			out = append(out, types.Message{
				Role:    role,
				Content: []types.ContentBlock{&types.ContentBlockMemberText{Value: strings.Join(texts, "\n\n")}},
			})
		}
		texts = nil
	}
	for _, m := range all {
		if strings.TrimSpace(m.Content) == "" {
			continue
		}
		r := types.ConversationRoleUser
		if m.Role == domain.RoleAssistant {
			r = types.ConversationRoleAssistant
		}
		if r != role {
			flush()
			role = r
		}
		texts = append(texts, m.Content)
	}
	flush()
	return out
}
