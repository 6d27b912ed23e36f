package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/me/ledispatch/internal/logging"
	"github.com/me/ledispatch/internal/worker"
	"github.com/me/ledispatch/pkg/model"
)

// commandFlags collects repeated -cmd TYPE=COMMAND flags.
type commandFlags map[model.AnalysisType][]string

func (c commandFlags) String() string {
	var parts []string
	for t, argv := range c {
		parts = append(parts, string(t)+"="+strings.Join(argv, " "))
	}
	return strings.Join(parts, ",")
}

func (c commandFlags) Set(v string) error {
	name, command, ok := strings.Cut(v, "=")
	if !ok {
		return fmt.Errorf("expected TYPE=COMMAND, got %q", v)
	}
	t := model.AnalysisType(strings.ToUpper(strings.TrimSpace(name)))
	if !t.Valid() {
		return fmt.Errorf("unknown analysis type %q", name)
	}
	argv := strings.Fields(command)
	if len(argv) == 0 {
		return fmt.Errorf("empty command for %s", t)
	}
	c[t] = argv
	return nil
}

func main() {
	var cfg worker.Config
	commands := commandFlags{}

	// Server connection flags.
	flag.StringVar(&cfg.ServerURL, "server", "http://localhost:8080", "ledispatch server URL")
	flag.StringVar(&cfg.WorkerKey, "worker-key", os.Getenv("LEDISPATCH_WORKER_KEY"), "Worker key (default $LEDISPATCH_WORKER_KEY)")
	flag.StringVar(&cfg.Name, "name", "", "Worker name (default: hostname)")

	// Claim filters.
	flag.StringVar(&cfg.APIVersion, "api-version", "v1", "Analyzer API version this worker serves")
	types := flag.String("types", "", "Comma-separated analysis types to claim (default: types with a -cmd)")
	continuous := flag.String("continuous", "", "Only claim continuous (true) or one-shot (false) slots")
	flag.StringVar(&cfg.ExperimentName, "experiment", "", "Serve experimental tasks of this experiment only")

	// Execution flags.
	flag.Var(commands, "cmd", "Analyzer command as TYPE=COMMAND (repeatable)")
	flag.StringVar(&cfg.Runtime, "runtime", "none", "Container runtime (docker, none)")
	flag.StringVar(&cfg.Image, "image", "", "Container image for the docker runtime")
	flag.StringVar(&cfg.WorkDir, "workdir", "", "Local working directory (default: $TMPDIR/ledispatch-worker)")
	flag.DurationVar(&cfg.Poll, "poll", 5*time.Second, "Poll interval")

	// Logging flags.
	logLevel := flag.String("log-level", "info", "Log level (debug, info, warn, error)")
	logFormat := flag.String("log-format", "text", "Log format (text, json)")
	debug := flag.Bool("debug", false, "Shorthand for --log-level=debug")
	flag.Parse()

	if *debug {
		*logLevel = "debug"
	}

	logger := logging.ForService("ledispatch-worker", *logLevel, *logFormat)

	cfg.Commands = commands
	for _, raw := range strings.Split(*types, ",") {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		t := model.AnalysisType(strings.ToUpper(raw))
		if !t.Valid() {
			fmt.Fprintf(os.Stderr, "unknown analysis type %q\n", raw)
			os.Exit(2)
		}
		cfg.AnalysisTypes = append(cfg.AnalysisTypes, t)
	}
	switch strings.ToLower(*continuous) {
	case "":
	case "true", "yes", "1":
		v := true
		cfg.Continuous = &v
	case "false", "no", "0":
		v := false
		cfg.Continuous = &v
	default:
		fmt.Fprintf(os.Stderr, "invalid -continuous value %q\n", *continuous)
		os.Exit(2)
	}

	// Default worker name to hostname.
	if cfg.Name == "" {
		h, err := os.Hostname()
		if err != nil {
			cfg.Name = "worker"
		} else {
			cfg.Name = h
		}
	}

	// Resolve hostname for registration.
	cfg.Hostname, _ = os.Hostname()

	w, err := worker.New(cfg, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "init worker: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("starting worker",
		"server", cfg.ServerURL,
		"api_version", cfg.APIVersion,
		"commands", commands.String(),
		"runtime", cfg.Runtime,
		"workdir", cfg.WorkDir,
		"poll", cfg.Poll,
	)

	if err := w.Run(ctx, cfg); err != nil {
		fmt.Fprintf(os.Stderr, "worker error: %v\n", err)
		os.Exit(1)
	}

	logger.Info("worker stopped")
}
