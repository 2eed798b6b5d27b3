// Package main implements the sessionctl CLI for manual operations
// against the sessiond HTTP server.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

var (
	// serverURL is the base URL for the sessiond HTTP server
	serverURL string
	// version information
	version = "dev"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "sessionctl",
	Short: "CLI for sessiond HTTP server operations",
	Long: `sessionctl is a command-line interface for interacting with the sessiond
HTTP server. It provides commands for inspecting sessions, driving turns,
and managing checkpoints.`,
	Version: version,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "http://localhost:8085", "sessiond server URL")
	rootCmd.AddCommand(healthCmd)
	rootCmd.AddCommand(sessionCmd)
	rootCmd.AddCommand(checkpointCmd)
}

// healthCmd checks server health
var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check sessiond server health",
	Long: `Check the health status of the sessiond HTTP server.

Examples:
  # Check health
  sessionctl health

  # Check health on a different server
  sessionctl health --server http://localhost:9000`,
	RunE: runHealth,
}

var sessionCmd = &cobra.Command{
	Use:   "session",
	Short: "Inspect and manage conversation sessions",
}

var sessionGetCmd = &cobra.Command{
	Use:   "get <conversation-id>",
	Short: "Show the current session record",
	Args:  cobra.ExactArgs(1),
	RunE:  runSessionGet,
}

var sessionTurnCmd = &cobra.Command{
	Use:   "turn <conversation-id> <target-state>",
	Short: "Drive one conversation turn",
	Long: `Drive one conversation turn, requesting a transition to the target state.

Examples:
  # Move a conversation into PROCESSING
  sessionctl session turn teams-abc123 PROCESSING

  # Attach a sensitive field with the turn
  sessionctl session turn teams-abc123 AWAITING_INPUT --field userToken=tok-123`,
	Args: cobra.ExactArgs(2),
	RunE: runSessionTurn,
}

var sessionTerminateCmd = &cobra.Command{
	Use:   "terminate <conversation-id>",
	Short: "Explicitly end a session and remove its record",
	Args:  cobra.ExactArgs(1),
	RunE:  runSessionTerminate,
}

var checkpointCmd = &cobra.Command{
	Use:   "checkpoint",
	Short: "Manage session checkpoints",
}

var checkpointSaveCmd = &cobra.Command{
	Use:   "save <conversation-id>",
	Short: "Capture a manual checkpoint of the session",
	Args:  cobra.ExactArgs(1),
	RunE:  runCheckpointSave,
}

var checkpointListCmd = &cobra.Command{
	Use:   "list <conversation-id>",
	Short: "List a conversation's checkpoints, newest first",
	Args:  cobra.ExactArgs(1),
	RunE:  runCheckpointList,
}

var checkpointRestoreCmd = &cobra.Command{
	Use:   "restore <checkpoint-id>",
	Short: "Restore a session from a checkpoint",
	Args:  cobra.ExactArgs(1),
	RunE:  runCheckpointRestore,
}

var turnFields []string

func init() {
	sessionTurnCmd.Flags().StringArrayVar(&turnFields, "field", nil, "sensitive field as name=value (repeatable)")
	sessionCmd.AddCommand(sessionGetCmd)
	sessionCmd.AddCommand(sessionTurnCmd)
	sessionCmd.AddCommand(sessionTerminateCmd)
	checkpointCmd.AddCommand(checkpointSaveCmd)
	checkpointCmd.AddCommand(checkpointListCmd)
	checkpointCmd.AddCommand(checkpointRestoreCmd)
}

// Response types match internal/http/types.go.

type healthResponse struct {
	Status string `json:"status"`
}

type turnRequest struct {
	TargetState string            `json:"targetState"`
	Fields      map[string]string `json:"fields,omitempty"`
}

type turnError struct {
	Kind        string `json:"kind"`
	Notice      string `json:"notice"`
	ReferenceID string `json:"referenceId"`
}

type sessionView struct {
	ConversationID  string            `json:"conversationId"`
	CurrentState    string            `json:"currentState"`
	LastActivity    time.Time         `json:"lastActivity"`
	ErrorCount      int               `json:"errorCount"`
	SensitiveFields []string          `json:"sensitiveFields"`
	Unreadable      map[string]string `json:"unreadableFields"`
	Version         int64             `json:"version"`
	Standing        string            `json:"standing"`
}

type turnResponse struct {
	Session *sessionView `json:"session"`
	Error   *turnError   `json:"error"`
}

type checkpointView struct {
	ID              string    `json:"id"`
	ConversationID  string    `json:"conversationId"`
	Reason          string    `json:"reason"`
	CapturedAt      time.Time `json:"capturedAt"`
	CapturedState   string    `json:"capturedState"`
	CapturedVersion int64     `json:"capturedVersion"`
}

type listCheckpointsResponse struct {
	Checkpoints []checkpointView `json:"checkpoints"`
}

func httpClient() *http.Client {
	return &http.Client{Timeout: 30 * time.Second}
}

// doJSON issues a request and decodes the JSON response into out when
// the status matches. Non-matching statuses become errors carrying the
// response body.
func doJSON(method, path string, body any, wantStatus int, out any) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequest(method, serverURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := httpClient().Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request to %s: %w", serverURL+path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != wantStatus {
		raw, readErr := io.ReadAll(resp.Body)
		if readErr != nil {
			return fmt.Errorf("server returned status %d (failed to read response body: %w)", resp.StatusCode, readErr)
		}
		return fmt.Errorf("server returned status %d: %s", resp.StatusCode, string(raw))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// runHealth handles the health command
func runHealth(cmd *cobra.Command, args []string) error {
	var resp healthResponse
	if err := doJSON(http.MethodGet, "/health", nil, http.StatusOK, &resp); err != nil {
		return err
	}
	fmt.Printf("Server Status: %s\n", resp.Status)
	fmt.Printf("Server URL: %s\n", serverURL)
	return nil
}

func runSessionGet(cmd *cobra.Command, args []string) error {
	var view sessionView
	path := "/api/v1/conversations/" + url.PathEscape(args[0])
	if err := doJSON(http.MethodGet, path, nil, http.StatusOK, &view); err != nil {
		return err
	}
	printSession(&view)
	return nil
}

func runSessionTurn(cmd *cobra.Command, args []string) error {
	req := turnRequest{TargetState: args[1]}
	if len(turnFields) > 0 {
		req.Fields = make(map[string]string, len(turnFields))
		for _, f := range turnFields {
			name, value, ok := splitField(f)
			if !ok {
				return fmt.Errorf("invalid --field %q, expected name=value", f)
			}
			req.Fields[name] = value
		}
	}

	path := "/api/v1/conversations/" + url.PathEscape(args[0]) + "/turn"

	// Turn failures still carry a session body; decode whatever comes
	// back and report both halves.
	raw, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}
	httpReq, err := http.NewRequest(http.MethodPost, serverURL+path, bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := httpClient().Do(httpReq)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	var tr turnResponse
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		return fmt.Errorf("server returned status %d with undecodable body", resp.StatusCode)
	}

	if tr.Session != nil {
		printSession(tr.Session)
	}
	if tr.Error != nil {
		fmt.Fprintf(os.Stderr, "Turn failed: %s (%s, ref %s)\n", tr.Error.Notice, tr.Error.Kind, tr.Error.ReferenceID)
		return fmt.Errorf("turn failed with status %d", resp.StatusCode)
	}
	return nil
}

func runSessionTerminate(cmd *cobra.Command, args []string) error {
	path := "/api/v1/conversations/" + url.PathEscape(args[0])
	if err := doJSON(http.MethodDelete, path, nil, http.StatusNoContent, nil); err != nil {
		return err
	}
	fmt.Printf("Session %s terminated\n", args[0])
	return nil
}

func runCheckpointSave(cmd *cobra.Command, args []string) error {
	var view checkpointView
	path := "/api/v1/conversations/" + url.PathEscape(args[0]) + "/checkpoints"
	if err := doJSON(http.MethodPost, path, struct{}{}, http.StatusCreated, &view); err != nil {
		return err
	}
	printCheckpoint(&view)
	return nil
}

func runCheckpointList(cmd *cobra.Command, args []string) error {
	var resp listCheckpointsResponse
	path := "/api/v1/conversations/" + url.PathEscape(args[0]) + "/checkpoints"
	if err := doJSON(http.MethodGet, path, nil, http.StatusOK, &resp); err != nil {
		return err
	}
	if len(resp.Checkpoints) == 0 {
		fmt.Println("No checkpoints found")
		return nil
	}
	for i := range resp.Checkpoints {
		printCheckpoint(&resp.Checkpoints[i])
		if i < len(resp.Checkpoints)-1 {
			fmt.Println()
		}
	}
	return nil
}

func runCheckpointRestore(cmd *cobra.Command, args []string) error {
	var view sessionView
	path := "/api/v1/checkpoints/" + url.PathEscape(args[0]) + "/restore"
	if err := doJSON(http.MethodPost, path, nil, http.StatusOK, &view); err != nil {
		return err
	}
	fmt.Println("Session restored:")
	printSession(&view)
	return nil
}

func printSession(v *sessionView) {
	fmt.Printf("Conversation: %s\n", v.ConversationID)
	fmt.Printf("State:        %s\n", v.CurrentState)
	fmt.Printf("Version:      %d\n", v.Version)
	fmt.Printf("Standing:     %s (%d consecutive errors)\n", v.Standing, v.ErrorCount)
	fmt.Printf("LastActivity: %s\n", v.LastActivity.Format(time.RFC3339))
	if len(v.SensitiveFields) > 0 {
		fmt.Printf("Fields:       %v\n", v.SensitiveFields)
	}
	for name, reason := range v.Unreadable {
		fmt.Printf("Unreadable:   %s (%s)\n", name, reason)
	}
}

func printCheckpoint(v *checkpointView) {
	fmt.Printf("Checkpoint:   %s\n", v.ID)
	fmt.Printf("Conversation: %s\n", v.ConversationID)
	fmt.Printf("Reason:       %s\n", v.Reason)
	fmt.Printf("Captured:     %s (state %s, version %d)\n",
		v.CapturedAt.Format(time.RFC3339), v.CapturedState, v.CapturedVersion)
}

func splitField(s string) (string, string, bool) {
	name, value, ok := strings.Cut(s, "=")
	if !ok || name == "" {
		return "", "", false
	}
	return name, value, true
}
