package cli

import (
	"fmt"
	"io"
	"net/url"
	"strconv"

	"github.com/spf13/cobra"
)

func newSlotsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "slots",
		Short: "Query dispatch state of a slot",
	}
	cmd.AddCommand(
		newSlotsActiveCmd(),
		newSlotsEligibleCmd(),
		newSlotsBackoffCmd(),
		newSlotsTimedOutCmd(),
		newSlotsServiceCmd(),
		newSupervisedCmd(),
	)
	return cmd
}

// slotQuery runs a GET against a slot endpoint and prints the named fields.
func slotQuery(out io.Writer, path string, q url.Values, fields ...string) error {
	resp, err := client.Get(path, q)
	if err != nil {
		return err
	}
	if flagJSON {
		return printJSON(out, resp)
	}
	var data map[string]any
	if err := resp.decode(&data); err != nil {
		return err
	}
	for _, f := range fields {
		fmt.Fprintf(out, "%s: %v\n", f, data[f])
	}
	return nil
}

func slotPath(slot, leaf string) string {
	return "/api/v1/slots/" + url.PathEscape(slot) + "/" + leaf
}

func newSlotsActiveCmd() *cobra.Command {
	var minMinute int
	cmd := &cobra.Command{
		Use:   "active <cv_config_id>",
		Short: "Report whether a verification config has unfinished tasks",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			q := url.Values{"cv_config_id": {args[0]}}
			if cmd.Flags().Changed("min-minute") {
				q.Set("min_minute", strconv.Itoa(minMinute))
			}
			return slotQuery(cmd.OutOrStdout(), "/api/v1/slots/active", q, "cv_config_id", "active")
		},
	}
	cmd.Flags().IntVar(&minMinute, "min-minute", 0, "Only count tasks at or after this minute")
	return cmd
}

func newSlotsEligibleCmd() *cobra.Command {
	var analysisType, cvConfig string
	var minute int
	cmd := &cobra.Command{
		Use:   "eligible <slot_key>",
		Short: "Report whether a new analysis may be queued for a slot",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			q := url.Values{
				"analysis_type": {analysisType},
				"minute":        {strconv.Itoa(minute)},
			}
			if cvConfig != "" {
				q.Set("cv_config_id", cvConfig)
			}
			return slotQuery(cmd.OutOrStdout(), slotPath(args[0], "eligible"), q, "slot_key", "analysis_type", "eligible")
		},
	}
	cmd.Flags().StringVar(&analysisType, "type", "", "Analysis type (required)")
	cmd.Flags().StringVar(&cvConfig, "cv-config", "", "Continuous verification config ID")
	cmd.Flags().IntVar(&minute, "minute", 0, "Candidate analysis minute")
	return cmd
}

func newSlotsBackoffCmd() *cobra.Command {
	var analysisType string
	cmd := &cobra.Command{
		Use:   "backoff <slot_key>",
		Short: "Show the backoff count the next attempt would carry",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			q := url.Values{"analysis_type": {analysisType}}
			return slotQuery(cmd.OutOrStdout(), slotPath(args[0], "backoff"), q, "slot_key", "analysis_type", "backoff_count")
		},
	}
	cmd.Flags().StringVar(&analysisType, "type", "", "Analysis type (required)")
	return cmd
}

func newSlotsTimedOutCmd() *cobra.Command {
	var appID, execution string
	cmd := &cobra.Command{
		Use:   "timed-out <slot_key>",
		Short: "Report whether a slot's analysis has timed out",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			q := url.Values{"app_id": {appID}, "workflow_execution_id": {execution}}
			return slotQuery(cmd.OutOrStdout(), slotPath(args[0], "timed-out"), q, "slot_key", "timed_out")
		},
	}
	cmd.Flags().StringVar(&appID, "app", "", "Application ID")
	cmd.Flags().StringVar(&execution, "execution", "", "Workflow execution ID")
	return cmd
}

func newSlotsServiceCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "service <slot_key>",
		Short: "Resolve the service a slot belongs to",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return slotQuery(cmd.OutOrStdout(), slotPath(args[0], "service"), nil, "slot_key", "service_id")
		},
	}
}

func newSupervisedCmd() *cobra.Command {
	var key, value string
	cmd := &cobra.Command{
		Use:   "supervised",
		Short: "Report whether supervised training is ready for a key",
		RunE: func(cmd *cobra.Command, args []string) error {
			q := url.Values{"key": {key}, "value": {value}}
			return slotQuery(cmd.OutOrStdout(), "/api/v1/supervised", q, "key", "value", "supervised")
		},
	}
	cmd.Flags().StringVar(&key, "key", "", "Lookup key (serviceId or stateExecutionId)")
	cmd.Flags().StringVar(&value, "value", "", "Training status value")
	return cmd
}
