package cli

import (
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

func newHealthCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Show server health and queue depth",
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := client.Get("/api/v1/health", nil)
			if err != nil {
				return fmt.Errorf("health: %w", err)
			}
			out := cmd.OutOrStdout()
			if flagJSON {
				return printJSON(out, resp)
			}

			var h struct {
				Status    string `json:"status"`
				Version   string `json:"version"`
				Uptime    string `json:"uptime"`
				Scheduler string `json:"scheduler"`
				Store     string `json:"store"`
				Queued    int    `json:"queued"`
				Running   int    `json:"running"`
			}
			if err := resp.decode(&h); err != nil {
				return err
			}
			fmt.Fprintf(out, "Server:    %s (%s)\n", h.Status, h.Version)
			fmt.Fprintf(out, "  Uptime:    %s\n", h.Uptime)
			fmt.Fprintf(out, "  Store:     %s\n", h.Store)
			fmt.Fprintf(out, "  Scheduler: %s\n", h.Scheduler)
			fmt.Fprintf(out, "  Queued:    %s\n", humanize.Comma(int64(h.Queued)))
			fmt.Fprintf(out, "  Running:   %s\n", humanize.Comma(int64(h.Running)))
			return nil
		},
	}
}
