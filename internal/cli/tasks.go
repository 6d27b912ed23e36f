package cli

import (
	"fmt"
	"net/url"
	"strconv"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/me/ledispatch/pkg/model"
)

func newTasksCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "tasks",
		Aliases: []string{"task"},
		Short:   "Queue, claim and inspect analysis tasks",
	}
	cmd.AddCommand(
		newTasksListCmd(),
		newTasksGetCmd(),
		newTasksAddCmd(),
		newTasksClaimCmd(),
		newTasksCompleteCmd(),
		newTasksFailCmd(),
	)
	return cmd
}

func newTasksListCmd() *cobra.Command {
	var status, slot, analysisType string
	var limit, offset int

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks, oldest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			q := url.Values{}
			if status != "" {
				q.Set("status", status)
			}
			if slot != "" {
				q.Set("slot_key", slot)
			}
			if analysisType != "" {
				q.Set("analysis_type", analysisType)
			}
			if limit > 0 {
				q.Set("limit", strconv.Itoa(limit))
			}
			if offset > 0 {
				q.Set("offset", strconv.Itoa(offset))
			}

			resp, err := client.Get("/api/v1/tasks/", q)
			if err != nil {
				return fmt.Errorf("list tasks: %w", err)
			}
			out := cmd.OutOrStdout()
			if flagJSON {
				return printJSON(out, resp)
			}

			var tasks []model.AnalysisTask
			if err := resp.decode(&tasks); err != nil {
				return err
			}
			if len(tasks) == 0 {
				fmt.Fprintln(out, "No tasks found.")
				return nil
			}

			fmt.Fprintf(out, "%-40s  %-20s  %-18s  %-8s  %6s  %5s  %s\n", "ID", "SLOT", "TYPE", "STATUS", "MINUTE", "RETRY", "UPDATED")
			for _, t := range tasks {
				fmt.Fprintf(out, "%-40s  %-20s  %-18s  %-8s  %6d  %5d  %s\n",
					t.ID, t.SlotKey, t.AnalysisType, t.Status, t.AnalysisMinute, t.RetryCount, ago(t.UpdatedAt))
			}

			if resp.Pagination != nil && resp.Pagination.HasMore {
				fmt.Fprintf(out, "\n(%d of %s shown)\n", len(tasks), humanize.Comma(int64(resp.Pagination.Total)))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "Filter by status (QUEUED, RUNNING, SUCCESS, FAILED)")
	cmd.Flags().StringVar(&slot, "slot", "", "Filter by slot key")
	cmd.Flags().StringVar(&analysisType, "type", "", "Filter by analysis type")
	cmd.Flags().IntVar(&limit, "limit", 0, "Maximum number of tasks (server default 20, max 100)")
	cmd.Flags().IntVar(&offset, "offset", 0, "Number of tasks to skip")
	return cmd
}

func newTasksGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <task_id>",
		Short: "Show one task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := client.Get("/api/v1/tasks/"+url.PathEscape(args[0]), nil)
			if err != nil {
				return fmt.Errorf("get task: %w", err)
			}
			out := cmd.OutOrStdout()
			if flagJSON {
				return printJSON(out, resp)
			}

			var t model.AnalysisTask
			if err := resp.decode(&t); err != nil {
				return err
			}
			fmt.Fprintf(out, "Task: %s\n", t.ID)
			fmt.Fprintf(out, "  Slot:        %s (attempt %d)\n", t.SlotKey, t.Attempt)
			fmt.Fprintf(out, "  Execution:   %s\n", t.WorkflowExecutionID)
			fmt.Fprintf(out, "  Type:        %s (level %d)\n", t.AnalysisType, t.Level())
			fmt.Fprintf(out, "  Minute:      %d\n", t.AnalysisMinute)
			fmt.Fprintf(out, "  Status:      %s\n", t.Status)
			fmt.Fprintf(out, "  Retries:     %d\n", t.RetryCount)
			fmt.Fprintf(out, "  Backoff:     %d\n", t.BackoffCount)
			fmt.Fprintf(out, "  Priority:    %s\n", optInt(t.Priority))
			fmt.Fprintf(out, "  API version: %s\n", t.APIVersion)
			if t.IsContinuous {
				fmt.Fprintf(out, "  CV config:   %s\n", t.CVConfigID)
			}
			if t.LastError != "" {
				fmt.Fprintf(out, "  Last error:  %s\n", t.LastError)
			}
			fmt.Fprintf(out, "  Created:     %s\n", ago(t.CreatedAt))
			fmt.Fprintf(out, "  Updated:     %s\n", ago(t.UpdatedAt))
			return nil
		},
	}
}

func newTasksAddCmd() *cobra.Command {
	var task model.AnalysisTask
	var analysisType, priority, clusterLevel string

	cmd := &cobra.Command{
		Use:   "add",
		Short: "Queue a new analysis task",
		RunE: func(cmd *cobra.Command, args []string) error {
			task.AnalysisType = model.AnalysisType(analysisType)
			var err error
			if task.Priority, err = parseOptInt(priority, "priority"); err != nil {
				return err
			}
			if task.ClusterLevel, err = parseOptInt(clusterLevel, "cluster-level"); err != nil {
				return err
			}

			resp, err := client.Post("/api/v1/tasks/", task)
			if err != nil {
				return fmt.Errorf("add task: %w", err)
			}
			out := cmd.OutOrStdout()
			if flagJSON {
				return printJSON(out, resp)
			}
			var created model.AnalysisTask
			if err := resp.decode(&created); err != nil {
				return err
			}
			fmt.Fprintf(out, "Queued %s (%s, slot %s)\n", created.ID, created.AnalysisType, created.SlotKey)
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVar(&task.SlotKey, "slot", "", "Slot key (required)")
	f.StringVar(&task.WorkflowExecutionID, "execution", "", "Workflow execution ID (required)")
	f.StringVar(&task.AppID, "app", "", "Application ID")
	f.IntVar(&task.AnalysisMinute, "minute", 0, "Analysis minute")
	f.StringVar(&analysisType, "type", "", "Analysis type (required)")
	f.StringVar(&task.APIVersion, "api-version", "", "Analyzer API version (required)")
	f.StringVar(&task.CVConfigID, "cv-config", "", "Continuous verification config ID")
	f.BoolVar(&task.IsContinuous, "continuous", false, "Task belongs to a continuous slot")
	f.StringVar(&task.Tag, "tag", "", "Free-form tag")
	f.StringVar(&priority, "priority", "", "Dispatch priority (lower is more urgent)")
	f.StringVar(&clusterLevel, "cluster-level", "", "Cluster level for LOG_CLUSTER tasks")
	return cmd
}

func newTasksClaimCmd() *cobra.Command {
	var apiVersion, types, continuous string

	cmd := &cobra.Command{
		Use:   "claim",
		Short: "Claim the next eligible task",
		RunE: func(cmd *cobra.Command, args []string) error {
			q := url.Values{"api_version": {apiVersion}}
			if types != "" {
				q.Set("types", types)
			}
			if continuous != "" {
				q.Set("continuous", continuous)
			}
			resp, err := client.Get("/api/v1/tasks/next", q)
			if err != nil {
				return fmt.Errorf("claim task: %w", err)
			}
			out := cmd.OutOrStdout()
			if resp.StatusCode == 204 {
				fmt.Fprintln(out, "No eligible task.")
				return nil
			}
			if flagJSON {
				return printJSON(out, resp)
			}
			var t model.AnalysisTask
			if err := resp.decode(&t); err != nil {
				return err
			}
			fmt.Fprintf(out, "Claimed %s (%s, slot %s, minute %d)\n", t.ID, t.AnalysisType, t.SlotKey, t.AnalysisMinute)
			return nil
		},
	}
	cmd.Flags().StringVar(&apiVersion, "api-version", "v1", "Analyzer API version")
	cmd.Flags().StringVar(&types, "types", "", "Comma-separated analysis types")
	cmd.Flags().StringVar(&continuous, "continuous", "", "Restrict to continuous (true) or one-shot (false) slots")
	return cmd
}

func newTasksCompleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "complete <task_id>",
		Short: "Mark an active task as SUCCESS",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := client.Put("/api/v1/tasks/"+url.PathEscape(args[0])+"/complete", nil)
			if err != nil {
				return fmt.Errorf("complete task: %w", err)
			}
			if flagJSON {
				return printJSON(cmd.OutOrStdout(), resp)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Task %s: %s\n", args[0], model.TaskStatusSuccess)
			return nil
		},
	}
}

func newTasksFailCmd() *cobra.Command {
	var report model.FailureReport

	cmd := &cobra.Command{
		Use:   "fail <task_id>",
		Short: "Report a failure for a running task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := client.Post("/api/v1/tasks/"+url.PathEscape(args[0])+"/failure", report)
			if err != nil {
				return fmt.Errorf("report failure: %w", err)
			}
			out := cmd.OutOrStdout()
			if flagJSON {
				return printJSON(out, resp)
			}
			var t model.AnalysisTask
			if err := resp.decode(&t); err != nil {
				return err
			}
			fmt.Fprintf(out, "Task %s: %s (retry %d, minute %d)\n", t.ID, t.Status, t.RetryCount, t.AnalysisMinute)
			return nil
		},
	}
	cmd.Flags().IntVar(&report.AnalysisMinute, "minute", 0, "Minute the failed analysis reached")
	cmd.Flags().StringVar(&report.Message, "message", "", "Failure message")
	return cmd
}

// parseOptInt parses an optional integer flag; empty means unset.
func parseOptInt(raw, name string) (*int, error) {
	if raw == "" {
		return nil, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid --%s %q", name, raw)
	}
	return &v, nil
}
