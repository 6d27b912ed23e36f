package cli

import (
	"log/slog"
	"os"

	"github.com/me/ledispatch/internal/logging"
	"github.com/spf13/cobra"
)

var (
	flagServer    string
	flagWorkerKey string
	flagDebug     bool
	flagLogLevel  string
	flagLogFormat string
	flagJSON      bool

	logger *slog.Logger
	client *Client
)

// defaultServer returns the default server URL, checking LEDISPATCH_SERVER env var first.
func defaultServer() string {
	if s := os.Getenv("LEDISPATCH_SERVER"); s != "" {
		return s
	}
	return "http://localhost:8080"
}

// NewRootCmd creates the root cobra command for the lectl CLI.
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "lectl",
		Short: "lectl inspects and drives a ledispatch server",
		Long:  "lectl queues, claims, completes and inspects analysis tasks on a ledispatch server.",
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if flagDebug {
				flagLogLevel = "debug"
			}
			logger = logging.NewLogger(logging.ParseLevel(flagLogLevel), flagLogFormat)
			client = NewClient(flagServer, logger)
			client.WorkerKey = flagWorkerKey
		},
		SilenceUsage: true,
	}

	root.PersistentFlags().StringVar(&flagServer, "server", defaultServer(), "ledispatch server URL (or LEDISPATCH_SERVER env)")
	root.PersistentFlags().StringVar(&flagWorkerKey, "worker-key", os.Getenv("LEDISPATCH_WORKER_KEY"), "Worker key for claim and completion routes (or LEDISPATCH_WORKER_KEY env)")
	root.PersistentFlags().BoolVar(&flagDebug, "debug", false, "Enable debug logging")
	root.PersistentFlags().StringVar(&flagLogLevel, "log-level", "warn", "Log level (debug, info, warn, error)")
	root.PersistentFlags().StringVar(&flagLogFormat, "log-format", "text", "Log format (text, json)")
	root.PersistentFlags().BoolVar(&flagJSON, "json", false, "Print raw JSON data instead of tables")

	root.AddCommand(
		newHealthCmd(),
		newTasksCmd(),
		newSlotsCmd(),
		newWorkersCmd(),
	)

	return root
}
