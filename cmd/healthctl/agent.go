package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

const sessionHeader = "X-Amzn-Bedrock-AgentCore-Runtime-Session-Id"

type invokeRequest struct {
	Prompt    string `json:"prompt"`
	SessionID string `json:"session_id,omitempty"`
	PatientID string `json:"patient_id,omitempty"`
}

func newInvokeCommand() *cobra.Command {
	var req invokeRequest
	var raw bool
	cmd := &cobra.Command{
		Use:   "invoke",
		Short: "Send one prompt to the agent",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			url, err := requiredSetting(cmd, "url", "AGENT_URL")
			if err != nil {
				return err
			}
			client := &http.Client{Timeout: 5 * time.Minute}
			return invoke(cmd.Context(), client, url, req, raw, cmd.OutOrStdout())
		},
	}
	cmd.Flags().String("url", "", "Agent base URL (env AGENT_URL)")
	cmd.Flags().StringVar(&req.Prompt, "prompt", "", "Prompt text")
	cmd.Flags().StringVar(&req.SessionID, "session", "", "Session ID to continue")
	cmd.Flags().StringVar(&req.PatientID, "patient", "", "Explicit patient ID")
	cmd.Flags().BoolVar(&raw, "json", false, "Print the raw JSON response")
	_ = cmd.MarkFlagRequired("prompt")
	return cmd
}

func newPingCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ping",
		Short: "Check agent health",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			url, err := requiredSetting(cmd, "url", "AGENT_URL")
			if err != nil {
				return err
			}
			return ping(cmd.Context(), &http.Client{Timeout: 10 * time.Second}, url, cmd.OutOrStdout())
		},
	}
	cmd.Flags().String("url", "", "Agent base URL (env AGENT_URL)")
	return cmd
}

type invokeResponse struct {
	Response       string   `json:"response"`
	SessionID      string   `json:"session_id"`
	ToolCalls      []string `json:"tool_calls"`
	PatientContext struct {
		PatientID string `json:"patient_id"`
		Source    string `json:"source"`
	} `json:"patient_context"`
}

func invoke(ctx context.Context, client *http.Client, baseURL string, in invokeRequest, raw bool, out io.Writer) error {
	body, err := json.Marshal(in)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint(baseURL, "/invocations"), bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Correlation-Id", uuid.NewString())
	if in.SessionID != "" {
		req.Header.Set(sessionHeader, in.SessionID)
	}
	respBody, err := do(client, req)
	if err != nil {
		return err
	}
	if raw {
		_, err := fmt.Fprintln(out, strings.TrimSpace(string(respBody)))
		return err
	}
	var resp invokeResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	fmt.Fprintln(out, resp.Response)
	fmt.Fprintf(out, "\nsession: %s\n", resp.SessionID)
	if resp.PatientContext.PatientID != "" {
		fmt.Fprintf(out, "patient: %s (%s)\n", resp.PatientContext.PatientID, resp.PatientContext.Source)
	}
	if len(resp.ToolCalls) > 0 {
		fmt.Fprintf(out, "tools:   %s\n", strings.Join(resp.ToolCalls, ", "))
	}
	return nil
}

func ping(ctx context.Context, client *http.Client, baseURL string, out io.Writer) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint(baseURL, "/ping"), nil)
	if err != nil {
		return err
	}
	body, err := do(client, req)
	if err != nil {
		return err
	}
	var resp struct {
		Status     string `json:"status"`
		LastUpdate int64  `json:"time_of_last_update"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	_, err = fmt.Fprintf(out, "%s (since %s)\n", resp.Status, time.Unix(resp.LastUpdate, 0).UTC().Format(time.RFC3339))
	return err
}

func do(client *http.Client, req *http.Request) ([]byte, error) {
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%s %s: %s: %s", req.Method, req.URL.Path, resp.Status, strings.TrimSpace(string(body)))
	}
	return body, nil
}

func endpoint(baseURL, path string) string {
	return strings.TrimRight(baseURL, "/") + path
}
