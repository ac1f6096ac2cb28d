// agentqctl is the operator CLI for the agentq gateway.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/MoonLadderStudios/MoonMind-sub003/pkg/queueapi"
)

var (
	flagURL   string
	flagToken string
)

func main() {
	root := &cobra.Command{
		Use:           "agentqctl",
		Short:         "Operate the agentq job queue",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&flagURL, "url", envOr("AGENTQ_GATEWAY_URL", "http://127.0.0.1:8080"), "gateway base URL")
	root.PersistentFlags().StringVar(&flagToken, "token", os.Getenv("AGENTQ_API_TOKEN"), "API token")

	root.AddCommand(
		newEnqueueCmd(),
		newGetCmd(),
		newListCmd(),
		newEventsCmd(),
		newControlCmd(),
		newControlEventsCmd(),
		newMessageCmd(),
		newSystemCmd(),
		newDeadLetterCmd(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newEnqueueCmd() *cobra.Command {
	var (
		jobType      string
		priority     int
		payload      string
		payloadFile  string
		capabilities []string
		maxAttempts  int
	)
	cmd := &cobra.Command{
		Use:   "enqueue",
		Short: "Submit a job to the queue",
		RunE: func(cmd *cobra.Command, _ []string) error {
			raw := payload
			if payloadFile != "" {
				b, err := os.ReadFile(payloadFile)
				if err != nil {
					return fmt.Errorf("read payload file: %w", err)
				}
				raw = string(b)
			}
			req := queueapi.SubmitJobRequest{
				Type:                 jobType,
				Priority:             priority,
				RequiredCapabilities: capabilities,
				MaxAttempts:          maxAttempts,
			}
			if strings.TrimSpace(raw) != "" {
				req.Payload = json.RawMessage(raw)
			}
			return doJSON(cmd, http.MethodPost, "/v1/jobs", req)
		},
	}
	cmd.Flags().StringVar(&jobType, "type", "", "job type (required)")
	cmd.Flags().IntVar(&priority, "priority", 0, "job priority, higher first")
	cmd.Flags().StringVar(&payload, "payload", "", "inline JSON payload")
	cmd.Flags().StringVar(&payloadFile, "payload-file", "", "path to JSON payload file")
	cmd.Flags().StringArrayVar(&capabilities, "capability", nil, "required worker capability (repeatable)")
	cmd.Flags().IntVar(&maxAttempts, "max-attempts", 0, "max queue-level attempts")
	_ = cmd.MarkFlagRequired("type")
	return cmd
}

func newGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <job-id>",
		Short: "Show a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return doJSON(cmd, http.MethodGet, "/v1/jobs/"+args[0], nil)
		},
	}
}

func newListCmd() *cobra.Command {
	var (
		status string
		typ    string
		limit  int
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List jobs",
		RunE: func(cmd *cobra.Command, _ []string) error {
			path := fmt.Sprintf("/v1/jobs?limit=%d", limit)
			if status != "" {
				path += "&status=" + status
			}
			if typ != "" {
				path += "&type=" + typ
			}
			return doJSON(cmd, http.MethodGet, path, nil)
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "filter by status")
	cmd.Flags().StringVar(&typ, "type", "", "filter by job type")
	cmd.Flags().IntVar(&limit, "limit", 50, "max jobs to return")
	return cmd
}

func newEventsCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "events <job-id>",
		Short: "Show a job's event log",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return doJSON(cmd, http.MethodGet, fmt.Sprintf("/v1/jobs/%s/events?limit=%d", args[0], limit), nil)
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 100, "max events to return")
	return cmd
}

func newControlCmd() *cobra.Command {
	var (
		action   string
		stepID   string
		strategy string
		reason   string
	)
	cmd := &cobra.Command{
		Use:   "control <job-id>",
		Short: "Send a live control action to a running job",
		Long:  "Actions: pause, resume, takeover, cancel, retry_step, hard_reset_step, resume_from_step.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return doJSON(cmd, http.MethodPost, "/v1/jobs/"+args[0]+"/control", queueapi.ControlRequest{
				Action:   action,
				StepID:   stepID,
				Strategy: strategy,
				Reason:   reason,
			})
		},
	}
	cmd.Flags().StringVar(&action, "action", "", "control action (required)")
	cmd.Flags().StringVar(&stepID, "step", "", "target step id for recovery actions")
	cmd.Flags().StringVar(&strategy, "strategy", "", "recovery strategy override")
	cmd.Flags().StringVar(&reason, "reason", "", "operator reason, recorded in the control event")
	_ = cmd.MarkFlagRequired("action")
	return cmd
}

func newControlEventsCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "control-events [job-id]",
		Short: "Show the hash-chained control event log",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 1 {
				return doJSON(cmd, http.MethodGet, fmt.Sprintf("/v1/jobs/%s/control-events?limit=%d", args[0], limit), nil)
			}
			return doJSON(cmd, http.MethodGet, fmt.Sprintf("/v1/admin/control-events?limit=%d", limit), nil)
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 100, "max events to return")
	return cmd
}

func newMessageCmd() *cobra.Command {
	var text string
	cmd := &cobra.Command{
		Use:   "message <job-id>",
		Short: "Append an operator message to a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return doJSON(cmd, http.MethodPost, "/v1/jobs/"+args[0]+"/messages", queueapi.OperatorMessageRequest{Text: text})
		},
	}
	cmd.Flags().StringVar(&text, "text", "", "message text (required)")
	_ = cmd.MarkFlagRequired("text")
	return cmd
}

func newSystemCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "system",
		Short: "Inspect or pause the whole queue",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "state",
		Short: "Show system pause state",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return doJSON(cmd, http.MethodGet, "/v1/system/state", nil)
		},
	})
	var reason string
	pause := &cobra.Command{
		Use:   "pause",
		Short: "Pause claiming across the whole queue",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return doJSON(cmd, http.MethodPost, "/v1/admin/system/pause", queueapi.SystemPauseRequest{Paused: true, Reason: reason})
		},
	}
	pause.Flags().StringVar(&reason, "reason", "", "why the queue is being paused")
	resume := &cobra.Command{
		Use:   "resume",
		Short: "Resume claiming",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return doJSON(cmd, http.MethodPost, "/v1/admin/system/pause", queueapi.SystemPauseRequest{Paused: false})
		},
	}
	cmd.AddCommand(pause, resume)
	return cmd
}

func newDeadLetterCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dead-letter",
		Short: "Inspect and requeue dead-lettered jobs",
	}
	var limit int
	list := &cobra.Command{
		Use:   "list",
		Short: "List dead-lettered jobs",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return doJSON(cmd, http.MethodGet, fmt.Sprintf("/v1/admin/queue/dead-letter?limit=%d", limit), nil)
		},
	}
	list.Flags().IntVar(&limit, "limit", 100, "max jobs to return")

	var (
		ids          []string
		dryRun       bool
		confirmToken string
	)
	requeue := &cobra.Command{
		Use:   "requeue",
		Short: "Requeue dead-lettered jobs with a fresh attempt budget",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return doJSON(cmd, http.MethodPost, "/v1/admin/queue/dead-letter", queueapi.RequeueDeadLettersRequest{
				JobIDs:       ids,
				DryRun:       dryRun,
				ConfirmToken: confirmToken,
			})
		},
	}
	requeue.Flags().StringArrayVar(&ids, "id", nil, "job id to requeue (repeatable)")
	requeue.Flags().BoolVar(&dryRun, "dry-run", false, "validate without requeueing")
	requeue.Flags().StringVar(&confirmToken, "confirm-token", "", "confirm token for large batches")
	_ = requeue.MarkFlagRequired("id")
	cmd.AddCommand(list, requeue)
	return cmd
}

func doJSON(cmd *cobra.Command, method, path string, body any) error {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(cmd.Context(), method, strings.TrimRight(flagURL, "/")+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if flagToken != "" {
		req.Header.Set("X-AgentQ-Token", flagToken)
	}
	client := &http.Client{Timeout: 30 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	var pretty bytes.Buffer
	if json.Indent(&pretty, raw, "", "  ") == nil {
		fmt.Fprintln(cmd.OutOrStdout(), pretty.String())
	} else {
		fmt.Fprintln(cmd.OutOrStdout(), string(raw))
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("%s %s returned %s", method, path, resp.Status)
	}
	return nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
