package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/spf13/cobra"

	"healthcare-agent/internal/integrations/mcpgateway"
)

type toolGateway interface {
	ListTools(ctx context.Context) ([]mcp.Tool, error)
	CallTool(ctx context.Context, name string, args map[string]any) (*mcpgateway.ToolResult, error)
}

func newToolsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tools",
		Short: "Inspect and call tools behind the MCP gateway",
	}
	cmd.PersistentFlags().String("gateway-url", "", "Gateway MCP endpoint (env GATEWAY_URL)")
	cmd.PersistentFlags().String("service", mcpgateway.DefaultService, "SigV4 signing service name")

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List gateway tools",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			gw, err := gatewayFromFlags(cmd)
			if err != nil {
				return err
			}
			return listTools(cmd.Context(), gw, cmd.OutOrStdout())
		},
	})

	var rawArgs string
	call := &cobra.Command{
		Use:   "call NAME",
		Short: "Call one gateway tool with JSON arguments",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			gw, err := gatewayFromFlags(cmd)
			if err != nil {
				return err
			}
			return callTool(cmd.Context(), gw, args[0], rawArgs, cmd.OutOrStdout())
		},
	}
	call.Flags().StringVar(&rawArgs, "args", "{}", "Tool arguments as a JSON object")
	cmd.AddCommand(call)
	return cmd
}

func gatewayFromFlags(cmd *cobra.Command) (*mcpgateway.Client, error) {
	url, err := requiredSetting(cmd, "gateway-url", "GATEWAY_URL")
	if err != nil {
		return nil, err
	}
	service, err := cmd.Flags().GetString("service")
	if err != nil {
		return nil, err
	}
	awsCfg, err := config.LoadDefaultConfig(cmd.Context())
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}
	return mcpgateway.NewClient(mcpgateway.Config{URL: url, Region: awsCfg.Region, Service: service, MaxRetries: 2}, awsCfg.Credentials)
}

func listTools(ctx context.Context, gw toolGateway, out io.Writer) error {
	tools, err := gw.ListTools(ctx)
	if err != nil {
		return err
	}
	for _, t := range tools {
		desc := strings.Join(strings.Fields(t.Description), " ")
		if r := []rune(desc); len(r) > 100 {
			desc = string(r[:97]) + "..."
		}
		if _, err := fmt.Fprintf(out, "%-48s %s\n", t.Name, desc); err != nil {
			return err
		}
	}
	return nil
}

func callTool(ctx context.Context, gw toolGateway, name, rawArgs string, out io.Writer) error {
	args := map[string]any{}
	if strings.TrimSpace(rawArgs) != "" {
		if err := json.Unmarshal([]byte(rawArgs), &args); err != nil {
			return fmt.Errorf("--args must be a JSON object: %w", err)
		}
	}
	res, err := gw.CallTool(ctx, name, args)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintln(out, res.Text()); err != nil {
		return err
	}
	if res.IsError {
		return fmt.Errorf("tool %s reported an error", name)
	}
	return nil
}
