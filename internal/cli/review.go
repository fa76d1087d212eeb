package cli

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

var (
	reviewRequestFlag string
	serverURLFlag     string
)

var reviewCmd = &cobra.Command{
	Use:   "review <owner>/<repo> <pr-number>",
	Short: "Submit a pull request for review",
	Long: `Submit a pull request to the running daemon for an asynchronous
review session. The daemon fetches the changed files from GitHub, so a
github token must be configured.

Examples:
  openrabbit review acme/widgets 42
  openrabbit review acme/widgets 42 --request "focus on error handling"`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		owner, repo, ok := strings.Cut(args[0], "/")
		if !ok || owner == "" || repo == "" {
			return fmt.Errorf("expected <owner>/<repo>, got %q", args[0])
		}
		prNumber, err := strconv.Atoi(args[1])
		if err != nil || prNumber <= 0 {
			return fmt.Errorf("invalid PR number %q", args[1])
		}

		body := map[string]any{
			"owner":     owner,
			"repo":      repo,
			"pr_number": prNumber,
		}
		if reviewRequestFlag != "" {
			body["user_request"] = reviewRequestFlag
		}

		var resp struct {
			TaskID    string `json:"task_id"`
			SessionID string `json:"session_id"`
			Status    string `json:"status"`
		}
		if err := callDaemon(cmd, http.MethodPost, "/bot/review", body, &resp); err != nil {
			return err
		}

		fmt.Fprintf(cmd.OutOrStdout(), "review accepted\n")
		fmt.Fprintf(cmd.OutOrStdout(), "task:    %s\n", resp.TaskID)
		fmt.Fprintf(cmd.OutOrStdout(), "session: %s\n", resp.SessionID)
		fmt.Fprintf(cmd.OutOrStdout(), "check progress with: openrabbit tasks status %s\n", resp.TaskID)
		return nil
	},
}

func init() {
	reviewCmd.Flags().StringVar(&reviewRequestFlag, "request", "", "Free-form instruction for the review (e.g. \"tests only\")")
	reviewCmd.PersistentFlags().StringVar(&serverURLFlag, "server", "", "Daemon base URL (default http://localhost:<config port>)")
	tasksCmd.PersistentFlags().StringVar(&serverURLFlag, "server", "", "Daemon base URL (default http://localhost:<config port>)")
}

// callDaemon performs one JSON request against the daemon API.
func callDaemon(cmd *cobra.Command, method, path string, body any, out any) error {
	base := serverURLFlag
	if base == "" {
		port := appConfig.Server.Port
		if port == 0 {
			port = 8080
		}
		base = fmt.Sprintf("http://localhost:%d", port)
	}

	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(cmd.Context(), method, base+path, reqBody)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	client := &http.Client{Timeout: 30 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("calling daemon (is it running? try: openrabbit server start): %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("daemon returned %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
