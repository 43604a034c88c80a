package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"
)

var (
	serverURL string
	userID    string
	token     string
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rootCmd := newRootCommand()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "bulkctl: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "bulkctl",
		Short: "Command line client for the membership bulk upload API",
		Long: `bulkctl submits member spreadsheets to the bulk upload service and inspects,
cancels and retries the resulting jobs.`,
		SilenceUsage: true,
	}
	cmd.PersistentFlags().StringVar(&serverURL, "server", envOr("BULKCTL_SERVER", "http://localhost:8080"), "API base URL")
	cmd.PersistentFlags().StringVar(&userID, "user", envOr("BULKCTL_USER", ""), "User id sent as X-User-ID")
	cmd.PersistentFlags().StringVar(&token, "token", envOr("BULKCTL_TOKEN", ""), "Bearer token")
	cmd.AddCommand(
		newUploadCmd(),
		newJobCmd("status", "Show a job", http.MethodGet, "/status/"),
		newJobCmd("cancel", "Cancel a queued or running job", http.MethodPost, "/cancel/"),
		newJobCmd("retry", "Resume a rate limited job or resubmit a failed one", http.MethodPost, "/retry/"),
		newHistoryCmd(),
		newStatsCmd(),
		newSimpleCmd("queue", "Show queue counters", "/queue/stats"),
		newSimpleCmd("rate-limit", "Show the IEC verification budget", "/rate-limit"),
		newReportCmd(),
	)
	return cmd
}

func apiClient() *client {
	return newClient(serverURL, userID, token)
}

func newUploadCmd() *cobra.Command {
	var wait bool
	var every time.Duration
	cmd := &cobra.Command{
		Use:   "upload FILE",
		Short: "Upload a member spreadsheet",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			c := apiClient()
			resp, err := c.upload(ctx, args[0])
			if err != nil {
				return err
			}
			if !wait {
				return printJSON(cmd.OutOrStdout(), resp)
			}
			jobID, _ := resp["job_id"].(string)
			fmt.Fprintf(cmd.OutOrStdout(), "job %s queued\n", jobID)
			st, err := c.wait(ctx, jobID, every, func(s jobStatus) {
				fmt.Fprintf(cmd.OutOrStdout(), "%-12s %-22s %3d%%  rows %d ok / %d failed of %d\n",
					s.Status, s.Stage, s.Progress, s.RowsSuccess, s.RowsFailed, s.RowsTotal)
			})
			if err != nil {
				return err
			}
			if st.Status == "failed" && st.ErrorMessage != nil {
				return fmt.Errorf("job %s failed: %s", jobID, *st.ErrorMessage)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&wait, "wait", false, "Follow the job until it finishes")
	cmd.Flags().DurationVar(&every, "interval", 2*time.Second, "Polling interval with --wait")
	return cmd
}

func newJobCmd(use, short, method, prefix string) *cobra.Command {
	return &cobra.Command{
		Use:   use + " JOB_ID",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var out map[string]any
			if err := apiClient().call(cmd.Context(), method, prefix+url.PathEscape(args[0]), nil, &out); err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), out)
		},
	}
}

func newSimpleCmd(use, short, path string) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var out map[string]any
			if err := apiClient().call(cmd.Context(), http.MethodGet, path, nil, &out); err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), out)
		},
	}
}

func newHistoryCmd() *cobra.Command {
	var page, limit int
	var all bool
	var status string
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List previous uploads",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			q := url.Values{}
			q.Set("page", strconv.Itoa(page))
			q.Set("limit", strconv.Itoa(limit))
			if all {
				q.Set("scope", "all")
			}
			if status != "" {
				q.Set("status", status)
			}
			var out map[string]any
			if err := apiClient().call(cmd.Context(), http.MethodGet, "/history?"+q.Encode(), nil, &out); err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), out)
		},
	}
	cmd.Flags().IntVar(&page, "page", 1, "Page number")
	cmd.Flags().IntVar(&limit, "limit", 20, "Jobs per page")
	cmd.Flags().BoolVar(&all, "all", false, "Include uploads of every user")
	cmd.Flags().StringVar(&status, "status", "", "Only jobs in this status")
	return cmd
}

func newStatsCmd() *cobra.Command {
	var from, to string
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show upload statistics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			q := url.Values{}
			if from != "" {
				q.Set("from", from)
			}
			if to != "" {
				q.Set("to", to)
			}
			path := "/stats"
			if len(q) > 0 {
				path += "?" + q.Encode()
			}
			var out map[string]any
			if err := apiClient().call(cmd.Context(), http.MethodGet, path, nil, &out); err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), out)
		},
	}
	cmd.Flags().StringVar(&from, "from", "", "Start date (YYYY-MM-DD or RFC3339)")
	cmd.Flags().StringVar(&to, "to", "", "End date (YYYY-MM-DD or RFC3339)")
	return cmd
}

func newReportCmd() *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "report JOB_ID",
		Short: "Download the xlsx report of a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dst := output
			if dst == "" {
				dst = "bulk_upload_report_" + args[0] + ".xlsx"
			}
			n, err := apiClient().download(cmd.Context(), args[0], dst)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s (%d bytes)\n", dst, n)
			return nil
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "", "Destination file")
	return cmd
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
