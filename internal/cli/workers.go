package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/me/ledispatch/pkg/model"
)

func newWorkersCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "workers",
		Short: "List registered workers",
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := client.Get("/api/v1/workers/", nil)
			if err != nil {
				return fmt.Errorf("list workers: %w", err)
			}
			out := cmd.OutOrStdout()
			if flagJSON {
				return printJSON(out, resp)
			}

			var workers []model.Worker
			if err := resp.decode(&workers); err != nil {
				return err
			}
			if len(workers) == 0 {
				fmt.Fprintln(out, "No workers registered.")
				return nil
			}

			fmt.Fprintf(out, "%-40s  %-16s  %-8s  %-4s  %-24s  %-40s  %s\n", "ID", "NAME", "STATE", "API", "TYPES", "TASK", "LAST SEEN")
			for _, w := range workers {
				types := make([]string, len(w.AnalysisTypes))
				for i, t := range w.AnalysisTypes {
					types[i] = string(t)
				}
				typeList := strings.Join(types, ",")
				if typeList == "" {
					typeList = "*"
				}
				if w.IsExperimental() {
					typeList += " [" + w.ExperimentName + "]"
				}
				task := w.CurrentTask
				if task == "" {
					task = "-"
				}
				fmt.Fprintf(out, "%-40s  %-16s  %-8s  %-4s  %-24s  %-40s  %s\n",
					w.ID, w.Name, w.State, w.APIVersion, typeList, task, ago(w.LastSeen))
			}
			return nil
		},
	}
}
