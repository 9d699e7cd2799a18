package main

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"runtime/debug"
	"strconv"

	"github.com/samber/lo"
	"github.com/spf13/cobra"

	"github.com/forkpool/forkpool/internal/batch"
	"github.com/forkpool/forkpool/internal/config"
	"github.com/forkpool/forkpool/internal/log"
	"github.com/forkpool/forkpool/internal/wire"
	"github.com/forkpool/forkpool/internal/worker"
)

var (
	cfg config.Config

	flagVerbose bool // value of --verbose flag
	flagJobs    int  // value of --jobs flag
)

func main() {
	rootCmd.PersistentFlags().BoolVar(&flagVerbose, "verbose", false, "verbose logging")
	runCmd.Flags().IntVarP(&flagJobs, "jobs", "j", 0, "maximum number of commands running at once (default twice the CPU count)")

	// never print messages
	rootCmd.SilenceErrors = true

	// resolve environment defaults, setup logging
	rootCmd.PersistentPreRunE = initForkpool

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(workerCmd)
	rootCmd.AddCommand(versionCmd)

	if err := rootCmd.Execute(); err != nil {
		slog.Error("forkpool failed", "err", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:          "forkpool",
	Short:        "Runs many commands through a low footprint process pool",
	SilenceUsage: true,
}

var runCmd = &cobra.Command{
	Use:   "run <taskfile>",
	Short: "run executes every task in a line delimited JSON file and streams results to stdout",
	Args:  cobra.ExactArgs(1),
	RunE:  doRun,
}

var workerCmd = &cobra.Command{
	Use:    "_worker <taskfile> [concurrency]",
	Short:  "internal command",
	Args:   cobra.RangeArgs(1, 2),
	RunE:   doWorker,
	Hidden: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "version provides version of forkpool",
	Run: func(cmd *cobra.Command, args []string) {
		info, ok := debug.ReadBuildInfo()
		if !ok {
			fmt.Println("forkpool: version info not available")
			return
		}
		fmt.Printf("forkpool: %s\n", info.Main.Version)
		fmt.Printf("go:       %s\n", info.GoVersion)
		for _, s := range info.Settings {
			switch s.Key {
			case "vcs.revision":
				fmt.Printf("commit:   %s\n", s.Value)
			case "vcs.time":
				fmt.Printf("date:     %s\n", s.Value)
			}
		}
	},
}

// doWorker is the sidecar entrypoint: it hosts the pool in this minimal
// process and reports results on stdout, one JSON line per finished task.
func doWorker(cmd *cobra.Command, args []string) error {
	ctx := log.WithAttrs(cmd.Context(),
		slog.String("cmd", "_worker"),
		slog.Int("pid", os.Getpid()),
	)

	limit := cfg.Concurrency
	if len(args) == 2 {
		n, err := strconv.Atoi(args[1])
		if err != nil || n < 1 {
			return worker.Fail(os.Stdout, fmt.Errorf("concurrency must be a positive integer, got %q", args[1]))
		}
		limit = n
	}
	return worker.Run(ctx, args[0], limit, os.Stdout)
}

// doRun drives a whole session from the command line: buffer the task file
// into a batch, spawn this very binary as the worker and re-emit results.
func doRun(cmd *cobra.Command, args []string) error {
	ctx := log.WithAttrs(cmd.Context(),
		slog.String("cmd", "run"),
		slog.Int("pid", os.Getpid()),
	)

	limit := lo.Ternary(flagJobs > 0, flagJobs, cfg.Concurrency)
	var opts []batch.Option
	if cfg.Worker != "" {
		opts = append(opts, batch.WithWorker(cfg.Worker, "_worker"))
	}
	b := batch.New(limit, opts...)

	path := args[0]
	for line, err := range wire.Lines(path) {
		if err != nil {
			return fmt.Errorf("reading %s: %w", path, err)
		}
		task, err := wire.DecodeTask(line.Text)
		if err != nil {
			return fmt.Errorf("%s:%d: %w", path, line.N, err)
		}
		if err := b.Add(task.ID, task.Cmd); err != nil {
			return err
		}
	}

	enc := json.NewEncoder(os.Stdout)
	var emitErr error
	err := b.Run(ctx, func(res wire.Result, completed, total int) {
		if emitErr == nil {
			emitErr = enc.Encode(res)
		}
	})
	if err != nil {
		return err
	}
	return emitErr
}

func initForkpool(cmd *cobra.Command, _ []string) error {
	var err error
	cfg, err = config.FromEnv()
	if err != nil {
		return err
	}

	// --verbose has a precedence over the environment
	if flagVerbose {
		cfg.Verbose = true
	}
	slog.SetDefault(log.New(os.Stderr, cfg.Verbose))

	slog.Debug("forkpool starting", "concurrency", cfg.Concurrency, "worker", cfg.Worker)
	return nil
}
