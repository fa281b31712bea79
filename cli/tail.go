package cli

import (
	"bufio"
	"fmt"
	"net/http"
	"strings"

	"github.com/spf13/cobra"
)

// NewTailCmd creates the "tail" subcommand, which follows a topic's SSE
// stream and prints each event as a line of JSON.
func NewTailCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tail <topic>",
		Short: "Follow a topic's event stream",
		Args:  cobra.ExactArgs(1),
		RunE:  runTail,
	}

	cmd.Flags().String("addr", "http://localhost:8089", "Broker base URL")
	cmd.Flags().String("token", "", "Bearer token")
	cmd.Flags().Uint64("after", 0, "Replay events after this sequence number")

	return cmd
}

func runTail(cmd *cobra.Command, args []string) error {
	addr, _ := cmd.Flags().GetString("addr")
	token, _ := cmd.Flags().GetString("token")
	after, _ := cmd.Flags().GetUint64("after")

	url := fmt.Sprintf("%s/api/topics/%s/stream", addr, args[0])
	if after > 0 {
		url = fmt.Sprintf("%s?after=%d", url, after)
	}
	req, err := http.NewRequestWithContext(cmd.Context(), http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return exitError(exitRuntime, "connect failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return exitError(exitRuntime, "broker returned %d", resp.StatusCode)
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if data, ok := strings.CutPrefix(line, "data: "); ok {
			fmt.Fprintln(cmd.OutOrStdout(), data)
		}
	}
	if err := scanner.Err(); err != nil && cmd.Context().Err() == nil {
		return exitError(exitRuntime, "stream closed: %v", err)
	}
	return nil
}
