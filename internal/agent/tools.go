package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"sync"

	"github.com/mark3labs/mcp-go/mcp"

	"healthcare-agent/internal/integrations/mcpgateway"
)

const maxToolNameLen = 64

var invalidToolChars = regexp.MustCompile(`[^a-zA-Z0-9_-]`)

// InvokeFunc executes a tool. patientID is the resolved patient of the
// current invocation and may be empty.
type InvokeFunc func(ctx context.Context, patientID string, args map[string]any) (string, error)

// Tool is one capability offered to the model.
type Tool struct {
	// Name is the model-facing name, restricted to [a-zA-Z0-9_-]{1,64}.
	Name string
	// CallName is the name used when invoking the backing implementation.
	CallName    string
	Description string
	Schema      map[string]any
	Invoke      InvokeFunc
}

// GatewayClient is the part of the MCP gateway client used by the registry.
type GatewayClient interface {
	ListTools(ctx context.Context) ([]mcp.Tool, error)
	CallTool(ctx context.Context, name string, args map[string]any) (*mcpgateway.ToolResult, error)
}

// Registry merges gateway tools with local ones. Gateway tools are discovered
// once and cached after the first successful listing.
type Registry struct {
	gateway GatewayClient
	local   []Tool
	logger  *slog.Logger

	mu      sync.RWMutex
	remote  []Tool
	fetched bool
}

// NewRegistry builds a registry. gateway may be nil when no gateway is
// configured.
func NewRegistry(gateway GatewayClient, logger *slog.Logger, local ...Tool) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{gateway: gateway, local: local, logger: logger}
}

// Tools returns the current tool set with unique sanitized names. A failed
// gateway listing degrades to local tools only and is retried on the next
// call.
func (r *Registry) Tools(ctx context.Context) []Tool {
	remote, err := r.gatewayTools(ctx)
	if err != nil {
		r.logger.Warn("gateway tool discovery failed", "err", err)
	}
	all := make([]Tool, 0, len(r.local)+len(remote))
	all = append(all, r.local...)
	all = append(all, remote...)
	return uniqueNames(all)
}

func (r *Registry) gatewayTools(ctx context.Context) ([]Tool, error) {
	if r.gateway == nil {
		return nil, nil
	}
	r.mu.RLock()
	if r.fetched {
		tools := r.remote
		r.mu.RUnlock()
		return tools, nil
	}
	r.mu.RUnlock()

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fetched {
		return r.remote, nil
	}
	listed, err := r.gateway.ListTools(ctx)
	if err != nil {
		return nil, err
	}
	tools := make([]Tool, 0, len(listed))
	for _, t := range listed {
		tools = append(tools, r.gatewayTool(t))
	}
	r.remote = tools
	r.fetched = true
	r.logger.Info("gateway tools discovered", "count", len(tools))
	return tools, nil
}

func (r *Registry) gatewayTool(t mcp.Tool) Tool {
	callName := t.Name
	gw := r.gateway
	return Tool{
		Name:        SanitizeName(t.Name),
		CallName:    callName,
		Description: t.Description,
		Schema:      schemaMap(t.InputSchema),
		Invoke: func(ctx context.Context, _ string, args map[string]any) (string, error) {
			res, err := gw.CallTool(ctx, callName, args)
			if err != nil {
				return "", err
			}
			return res.Text(), nil
		},
	}
}

// SanitizeName maps a tool name onto the characters and length the model
// API accepts.
func SanitizeName(name string) string {
	s := invalidToolChars.ReplaceAllString(name, "_")
	if len(s) > maxToolNameLen {
		s = s[:maxToolNameLen]
	}
	if s == "" {
		s = "tool"
	}
	return s
}

func uniqueNames(tools []Tool) []Tool {
	seen := make(map[string]bool, len(tools))
	out := make([]Tool, 0, len(tools))
	for _, t := range tools {
		name := t.Name
		for i := 2; seen[name]; i++ {
			suffix := "_" + strconv.Itoa(i)
			base := t.Name
			if len(base)+len(suffix) > maxToolNameLen {
				base = base[:maxToolNameLen-len(suffix)]
			}
			name = base + suffix
		}
		seen[name] = true
		t.Name = name
		out = append(out, t)
	}
	return out
}

// schemaMap converts an MCP input schema to the generic JSON object the
// model API expects.
func schemaMap(schema mcp.ToolInputSchema) map[string]any {
	out := map[string]any{}
	if data, err := json.Marshal(schema); err == nil {
		_ = json.Unmarshal(data, &out)
	}
	if _, ok := out["type"]; !ok {
		out["type"] = "object"
	}
	if _, ok := out["properties"]; !ok {
		out["properties"] = map[string]any{}
	}
	return out
}

var errUnknownTool = errors.New("agent: unknown tool")

func lookup(tools []Tool, name string) (Tool, error) {
	for _, t := range tools {
		if t.Name == name {
			return t, nil
		}
	}
	return Tool{}, fmt.Errorf("%w %q", errUnknownTool, name)
}
