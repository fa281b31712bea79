package cli

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/spf13/cobra"
)

// NewPublishCmd creates the "publish" subcommand, a small client for pushing
// one event to a running broker.
func NewPublishCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "publish <topic> <kind>",
		Short: "Publish an event to a running broker",
		Args:  cobra.ExactArgs(2),
		RunE:  runPublish,
	}

	cmd.Flags().String("addr", "http://localhost:8089", "Broker base URL")
	cmd.Flags().String("token", "", "Bearer token")
	cmd.Flags().String("job", "", "Job ID to attach to the event")
	cmd.Flags().String("payload", "", "JSON payload object")
	cmd.Flags().Duration("timeout", 10*time.Second, "Request timeout")

	return cmd
}

func runPublish(cmd *cobra.Command, args []string) error {
	addr, _ := cmd.Flags().GetString("addr")
	token, _ := cmd.Flags().GetString("token")
	jobID, _ := cmd.Flags().GetString("job")
	payloadRaw, _ := cmd.Flags().GetString("payload")
	timeout, _ := cmd.Flags().GetDuration("timeout")

	body := map[string]any{"kind": args[1]}
	if jobID != "" {
		body["job_id"] = jobID
	}
	if payloadRaw != "" {
		var payload map[string]any
		if err := json.Unmarshal([]byte(payloadRaw), &payload); err != nil {
			return exitError(exitConfig, "invalid --payload: %v", err)
		}
		body["payload"] = payload
	}

	data, err := json.Marshal(body)
	if err != nil {
		return err
	}

	url := fmt.Sprintf("%s/api/topics/%s/events", addr, args[0])
	req, err := http.NewRequestWithContext(cmd.Context(), http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	client := &http.Client{Timeout: timeout}
	resp, err := client.Do(req)
	if err != nil {
		return exitError(exitRuntime, "publish failed: %v", err)
	}
	defer resp.Body.Close()

	out, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusAccepted {
		return exitError(exitRuntime, "broker returned %d: %s", resp.StatusCode, bytes.TrimSpace(out))
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(bytes.TrimSpace(out)))
	return nil
}
