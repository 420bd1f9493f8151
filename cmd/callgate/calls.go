package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/harunnryd/callgate/internal/store"
	"github.com/harunnryd/callgate/internal/voice"

	"github.com/spf13/cobra"
)

const defaultAPITimeout = 30 * time.Second

var callsCmd = &cobra.Command{
	Use:   "calls",
	Short: "Inspect and control calls",
	Long:  `List call history and live calls from the workspace call log, or dial and hang up through a running daemon.`,
}

var callsHistoryCmd = &cobra.Command{
	Use:   "history",
	Short: "List recent calls",
	Long:  `Replay the call log and its rotated backups, most recent call first. Works while the daemon is running.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		output, _ := cmd.Flags().GetString("output")

		logPath, err := callLogPath()
		if err != nil {
			return err
		}
		records, err := store.ReadHistory(logPath, limit)
		if err != nil {
			return fmt.Errorf("failed to read call history: %w", err)
		}
		return NewCallFormatter().Write(cmd.OutOrStdout(), records, output)
	},
}

var callsActiveCmd = &cobra.Command{
	Use:   "active",
	Short: "List calls that have not ended",
	RunE: func(cmd *cobra.Command, args []string) error {
		output, _ := cmd.Flags().GetString("output")

		logPath, err := callLogPath()
		if err != nil {
			return err
		}
		records, err := store.ReadActive(logPath)
		if err != nil {
			return fmt.Errorf("failed to read active calls: %w", err)
		}
		return NewCallFormatter().Write(cmd.OutOrStdout(), records, output)
	},
}

var callsShowCmd = &cobra.Command{
	Use:   "show <callId>",
	Short: "Show one call with its transcript",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		output, _ := cmd.Flags().GetString("output")

		logPath, err := callLogPath()
		if err != nil {
			return err
		}
		records, err := store.ReadHistory(logPath, 0)
		if err != nil {
			return fmt.Errorf("failed to read call history: %w", err)
		}
		for _, rec := range records {
			if rec.CallID == args[0] {
				return NewCallFormatter().WriteCall(cmd.OutOrStdout(), rec, output)
			}
		}
		return fmt.Errorf("call %s not found", args[0])
	},
}

var callsDialCmd = &cobra.Command{
	Use:   "dial",
	Short: "Place an outbound call through the running daemon",
	RunE: func(cmd *cobra.Command, args []string) error {
		to, _ := cmd.Flags().GetString("to")
		message, _ := cmd.Flags().GetString("message")
		mode, _ := cmd.Flags().GetString("mode")
		if strings.TrimSpace(to) == "" {
			return fmt.Errorf("--to is required")
		}

		client, err := newAPIClient(cmd)
		if err != nil {
			return err
		}

		var res struct {
			apiResult
			CallID string `json:"callId"`
		}
		body := map[string]string{"to": to, "message": message, "mode": mode}
		if err := client.post(cmd.Context(), "/api/calls", body, &res); err != nil {
			return err
		}
		if !res.Success {
			return res.err("dial failed")
		}

		fmt.Fprintf(cmd.OutOrStdout(), "✓ Call initiated: %s\n", res.CallID)
		return nil
	},
}

var callsEndCmd = &cobra.Command{
	Use:   "end <callId>",
	Short: "Hang up a call through the running daemon",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		reason, _ := cmd.Flags().GetString("reason")

		client, err := newAPIClient(cmd)
		if err != nil {
			return err
		}

		var res apiResult
		path := "/api/calls/" + url.PathEscape(args[0]) + "/end"
		if err := client.post(cmd.Context(), path, map[string]string{"reason": reason}, &res); err != nil {
			return err
		}
		if !res.Success {
			return res.err("end failed")
		}

		fmt.Fprintf(cmd.OutOrStdout(), "✓ Call ended: %s\n", args[0])
		return nil
	},
}

func callLogPath() (string, error) {
	if cfg == nil {
		return "", fmt.Errorf("config not loaded")
	}
	path, err := store.GetCallLogPath(cfg.Daemon.WorkspacePath)
	if err != nil {
		return "", fmt.Errorf("failed to resolve call log path: %w", err)
	}
	return path, nil
}

type apiResult struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
	Code    string `json:"code"`
}

func (r apiResult) err(prefix string) error {
	if r.Code != "" {
		return fmt.Errorf("%s: %s (%s)", prefix, r.Error, r.Code)
	}
	return fmt.Errorf("%s: %s", prefix, r.Error)
}

// apiClient talks to the daemon's call API.
type apiClient struct {
	baseURL string
	token   string
	http    *http.Client
}

func newAPIClient(cmd *cobra.Command) (*apiClient, error) {
	addr, _ := cmd.Flags().GetString("addr")
	token, _ := cmd.Flags().GetString("token")

	if strings.TrimSpace(addr) == "" {
		if cfg == nil {
			return nil, fmt.Errorf("config not loaded")
		}
		addr = fmt.Sprintf("http://127.0.0.1:%d", cfg.Server.Port)
	}
	if !strings.Contains(addr, "://") {
		addr = "http://" + addr
	}
	if token == "" && cfg != nil {
		token = cfg.Server.APIToken
	}

	return &apiClient{
		baseURL: strings.TrimRight(addr, "/"),
		token:   token,
		http:    &http.Client{Timeout: defaultAPITimeout},
	}, nil
}

// post sends body as JSON and decodes the reply into out. Non-2xx replies
// still carry a result body, so they are decoded rather than treated as
// transport errors.
func (c *apiClient) post(ctx context.Context, path string, body, out interface{}) error {
	if ctx == nil {
		ctx = context.Background()
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("daemon not reachable at %s: %w", c.baseURL, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("unexpected response (HTTP %d): %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}
	return nil
}

func init() {
	for _, c := range []*cobra.Command{callsHistoryCmd, callsActiveCmd, callsShowCmd} {
		c.Flags().StringP("output", "o", outputTable, "output format (table, json, yaml)")
	}
	callsHistoryCmd.Flags().IntP("limit", "n", 20, "maximum number of calls to list (0 for all)")

	for _, c := range []*cobra.Command{callsDialCmd, callsEndCmd} {
		c.Flags().String("addr", "", "daemon address (default is http://127.0.0.1:<server.port>)")
		c.Flags().String("token", "", "API bearer token (default is server.api_token)")
	}
	callsDialCmd.Flags().String("to", "", "number to call in E.164 format")
	callsDialCmd.Flags().StringP("message", "m", "", "message to speak when the call connects")
	callsDialCmd.Flags().String("mode", "", "call mode (notify, conversation); default is voice.outbound.default_mode")
	callsEndCmd.Flags().String("reason", string(voice.EndReasonHangupBot), "end reason")

	callsCmd.AddCommand(callsHistoryCmd)
	callsCmd.AddCommand(callsActiveCmd)
	callsCmd.AddCommand(callsShowCmd)
	callsCmd.AddCommand(callsDialCmd)
	callsCmd.AddCommand(callsEndCmd)
	rootCmd.AddCommand(callsCmd)
}
