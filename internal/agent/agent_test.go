package agent

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/document"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/require"

	"healthcare-agent/internal/domain"
	"healthcare-agent/internal/integrations/mcpgateway"
	"healthcare-agent/internal/metrics"
)

type scriptedLLM struct {
	mu      sync.Mutex
	outputs []*bedrockruntime.ConverseOutput
	err     error
	inputs  []*bedrockruntime.ConverseInput
}

func (s *scriptedLLM) Converse(_ context.Context, in *bedrockruntime.ConverseInput) (*bedrockruntime.ConverseOutput, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *in
	cp.Messages = append([]types.Message(nil), in.Messages...)
	s.inputs = append(s.inputs, &cp)
	if s.err != nil {
		return nil, s.err
	}
	if len(s.outputs) == 0 {
		return nil, errors.New("no scripted output")
	}
	out := s.outputs[0]
	s.outputs = s.outputs[1:]
	return out, nil
}

func textReply(text string) *bedrockruntime.ConverseOutput {
	return &bedrockruntime.ConverseOutput{
		StopReason: types.StopReasonEndTurn,
		Output: &types.ConverseOutputMemberMessage{Value: types.Message{
			Role:    types.ConversationRoleAssistant,
			Content: []types.ContentBlock{&types.ContentBlockMemberText{Value: text}},
		}},
	}
}

type call struct {
	id   string
	name string
	args map[string]any
}

func toolReply(calls ...call) *bedrockruntime.ConverseOutput {
	var blocks []types.ContentBlock
	for _, c := range calls {
		blocks = append(blocks, &types.ContentBlockMemberToolUse{Value: types.ToolUseBlock{
			ToolUseId: aws.String(c.id),
			Name:      aws.String(c.name),
			Input:     document.NewLazyDocument(c.args),
		}})
	}
	return &bedrockruntime.ConverseOutput{
		StopReason: types.StopReasonToolUse,
		Output: &types.ConverseOutputMemberMessage{Value: types.Message{
			Role:    types.ConversationRoleAssistant,
			Content: blocks,
		}},
	}
}

type fakeGateway struct {
	mu        sync.Mutex
	tools     []mcp.Tool
	listErr   error
	listCalls int
	called    []string
	callErr   error
}

func (f *fakeGateway) ListTools(context.Context) ([]mcp.Tool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listCalls++
	if f.listErr != nil {
		return nil, f.listErr
	}
	return f.tools, nil
}

func (f *fakeGateway) CallTool(_ context.Context, name string, args map[string]any) (*mcpgateway.ToolResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.called = append(f.called, name)
	if f.callErr != nil {
		return nil, f.callErr
	}
	q, _ := args["q"].(string)
	return &mcpgateway.ToolResult{Content: []mcpgateway.ContentItem{{Type: "text", Text: "result for " + q}}}, nil
}

func toolResults(t *testing.T, msg types.Message) []types.ToolResultBlock {
	t.Helper()
	var out []types.ToolResultBlock
	for _, b := range msg.Content {
		r, ok := b.(*types.ContentBlockMemberToolResult)
		require.True(t, ok, "expected tool result block, got %T", b)
		out = append(out, r.Value)
	}
	return out
}

func resultText(t *testing.T, r types.ToolResultBlock) string {
	t.Helper()
	require.Len(t, r.Content, 1)
	txt, ok := r.Content[0].(*types.ToolResultContentBlockMemberText)
	require.True(t, ok)
	return txt.Value
}

func TestRun_NoTools(t *testing.T) {
	llm := &scriptedLLM{outputs: []*bedrockruntime.ConverseOutput{textReply("hello")}}
	a, err := New(llm, nil)
	require.NoError(t, err)

	res, err := a.Run(context.Background(), Request{
		Model:  "model-x",
		System: "be brief",
		History: []domain.ChatMessage{
			{Role: domain.RoleUser, Content: "q1"},
			{Role: domain.RoleAssistant, Content: "a1"},
		},
		Prompt: "q2",
	})
	require.NoError(t, err)
	require.Equal(t, "hello", res.Text)
	require.Empty(t, res.ToolCalls)

	in := llm.inputs[0]
	require.Equal(t, "model-x", aws.ToString(in.ModelId))
	require.Nil(t, in.ToolConfig)
	require.Len(t, in.System, 1)
	require.Len(t, in.Messages, 3)
	require.Equal(t, types.ConversationRoleUser, in.Messages[2].Role)
}

func TestRun_ExecutesGatewayAndLocalToolsConcurrently(t *testing.T) {
	gw := &fakeGateway{tools: []mcp.Tool{{Name: "fhir___search.patients", Description: "search"}}}
	local := Tool{
		Name: "echo_patient", CallName: "echo_patient", Description: "echo",
		Schema: map[string]any{"type": "object"},
		Invoke: func(_ context.Context, patientID string, _ map[string]any) (string, error) {
			return "patient=" + patientID, nil
		},
	}
	m := metrics.New()
	llm := &scriptedLLM{outputs: []*bedrockruntime.ConverseOutput{
		toolReply(
			call{id: "t1", name: "fhir___search_patients", args: map[string]any{"q": "doe"}},
			call{id: "t2", name: "echo_patient", args: map[string]any{}},
		),
		textReply("done"),
	}}
	a, err := New(llm, NewRegistry(gw, nil, local), WithMetrics(m))
	require.NoError(t, err)

	res, err := a.Run(context.Background(), Request{Model: "m", Prompt: "find doe", PatientID: "p-1"})
	require.NoError(t, err)
	require.Equal(t, "done", res.Text)
	require.Equal(t, []string{"fhir___search_patients", "echo_patient"}, res.ToolCalls)
	require.Equal(t, 1, res.Iterations)
	require.Equal(t, []string{"fhir___search.patients"}, gw.called)

	second := llm.inputs[1]
	require.NotNil(t, second.ToolConfig)
	require.Len(t, second.ToolConfig.Tools, 2)
	results := toolResults(t, second.Messages[len(second.Messages)-1])
	require.Len(t, results, 2)
	require.Equal(t, "t1", aws.ToString(results[0].ToolUseId))
	require.Equal(t, "result for doe", resultText(t, results[0]))
	require.Equal(t, "patient=p-1", resultText(t, results[1]))
	require.Equal(t, types.ToolResultStatusSuccess, results[1].Status)
}

func TestRun_ToolErrorsBecomeErrorResults(t *testing.T) {
	gw := &fakeGateway{
		tools:   []mcp.Tool{{Name: "lookup"}},
		callErr: &mcpgateway.ToolError{Tool: "lookup", Message: "not found"},
	}
	llm := &scriptedLLM{outputs: []*bedrockruntime.ConverseOutput{
		toolReply(call{id: "a", name: "lookup"}, call{id: "b", name: "missing_tool"}),
		textReply("sorry"),
	}}
	a, err := New(llm, NewRegistry(gw, nil))
	require.NoError(t, err)

	res, err := a.Run(context.Background(), Request{Model: "m", Prompt: "x"})
	require.NoError(t, err)
	require.Equal(t, "sorry", res.Text)

	results := toolResults(t, llm.inputs[1].Messages[len(llm.inputs[1].Messages)-1])
	require.Equal(t, types.ToolResultStatusError, results[0].Status)
	require.Contains(t, resultText(t, results[0]), "not found")
	require.Equal(t, types.ToolResultStatusError, results[1].Status)
	require.Contains(t, resultText(t, results[1]), "unknown tool")
}

func TestRun_ToolLoopLimit(t *testing.T) {
	loop := toolReply(call{id: "x", name: "noop"})
	llm := &scriptedLLM{outputs: []*bedrockruntime.ConverseOutput{loop, loop, loop}}
	noop := Tool{Name: "noop", Invoke: func(context.Context, string, map[string]any) (string, error) { return "ok", nil }}
	a, err := New(llm, NewRegistry(nil, nil, noop), WithMaxIterations(2))
	require.NoError(t, err)

	_, err = a.Run(context.Background(), Request{Model: "m", Prompt: "x"})
	require.ErrorIs(t, err, ErrToolLoopLimit)
	require.Len(t, llm.inputs, 3)
}

func TestRun_ConverseErrorPropagates(t *testing.T) {
	boom := errors.New("throttled")
	a, err := New(&scriptedLLM{err: boom}, nil)
	require.NoError(t, err)
	_, err = a.Run(context.Background(), Request{Model: "m", Prompt: "x"})
	require.ErrorIs(t, err, boom)
}

func TestNew_RequiresLLM(t *testing.T) {
	_, err := New(nil, nil)
	require.Error(t, err)
}

func TestRegistry_CachesGatewayToolsAfterSuccess(t *testing.T) {
	gw := &fakeGateway{listErr: errors.New("down")}
	r := NewRegistry(gw, nil, Tool{Name: "local"})

	tools := r.Tools(context.Background())
	require.Len(t, tools, 1)

	gw.listErr = nil
	gw.tools = []mcp.Tool{{Name: "remote"}}
	require.Len(t, r.Tools(context.Background()), 2)
	require.Len(t, r.Tools(context.Background()), 2)
	require.Equal(t, 2, gw.listCalls)
}

func TestSanitizeName(t *testing.T) {
	require.Equal(t, "target___get_patient", SanitizeName("target___get.patient"))
	require.Equal(t, "tool", SanitizeName(""))
	require.Len(t, SanitizeName(strings.Repeat("a", 80)), 64)
}

func TestUniqueNames(t *testing.T) {
	tools := uniqueNames([]Tool{{Name: "a.b"}, {Name: "a_b"}, {Name: "a_b"}})
	require.Equal(t, "a.b", tools[0].Name)
	require.Equal(t, "a_b", tools[1].Name)
	require.Equal(t, "a_b_2", tools[2].Name)
}

func TestHistoryMessages_MergesAndSkipsEmpty(t *testing.T) {
	msgs := historyMessages([]domain.ChatMessage{
		{Role: domain.RoleUser, Content: "a"},
		{Role: domain.RoleUser, Content: "b"},
		{Role: domain.RoleAssistant, Content: " "},
		{Role: domain.RoleAssistant, Content: "c"},
	}, "d")
	require.Len(t, msgs, 3)
	require.Equal(t, "a\n\nb", msgs[0].Content[0].(*types.ContentBlockMemberText).Value)
	require.Equal(t, types.ConversationRoleAssistant, msgs[1].Role)
	require.Equal(t, "d", msgs[2].Content[0].(*types.ContentBlockMemberText).Value)
}

type fakeS3List struct {
	in  *s3.ListObjectsV2Input
	out *s3.ListObjectsV2Output
}

func (f *fakeS3List) ListObjectsV2(_ context.Context, in *s3.ListObjectsV2Input, _ ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	f.in = in
	return f.out, nil
}

func TestDocumentListTool(t *testing.T) {
	ts := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	api := &fakeS3List{out: &s3.ListObjectsV2Output{Contents: []s3types.Object{
		{Key: aws.String("p-1/labs/"), Size: aws.Int64(0)},
		{Key: aws.String("p-1/labs/cbc.pdf"), Size: aws.Int64(42), LastModified: &ts},
	}}}
	tool := NewDocumentListTool(api, "docs")

	out, err := tool.Invoke(context.Background(), "P-1", map[string]any{"category": "Labs"})
	require.NoError(t, err)
	require.Equal(t, "p-1/labs/", aws.ToString(api.in.Prefix))
	require.Equal(t, "docs", aws.ToString(api.in.Bucket))
	require.JSONEq(t, `{"patient_id":"p-1","documents":[{"key":"p-1/labs/cbc.pdf","category":"labs","size":42,"last_modified":"2026-01-01T00:00:00Z"}]}`, out)

	_, err = tool.Invoke(context.Background(), "general", map[string]any{})
	require.ErrorContains(t, err, "patient_id is required")
}

type fakeRecords struct {
	patient string
	limit   int
}

func (f *fakeRecords) ListByPatient(_ context.Context, patientID string, limit int) ([]domain.DocumentRecord, error) {
	f.patient, f.limit = patientID, limit
	return []domain.DocumentRecord{{DocumentID: "d1", PatientID: patientID, Category: "labs", Summary: "CBC normal"}}, nil
}

func TestRecordsTool(t *testing.T) {
	recs := &fakeRecords{}
	tool := NewRecordsTool(recs)

	out, err := tool.Invoke(context.Background(), "p-1", map[string]any{"patient_id": "p-2", "limit": float64(500)})
	require.NoError(t, err)
	require.Equal(t, "p-2", recs.patient)
	require.Equal(t, maxRecordLimit, recs.limit)
	require.Contains(t, out, `"summary":"CBC normal"`)

	_, err = tool.Invoke(context.Background(), "p-1", map[string]any{})
	require.NoError(t, err)
	require.Equal(t, defaultRecordLimit, recs.limit)
}
