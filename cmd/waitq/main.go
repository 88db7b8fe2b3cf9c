package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/vk/workgrid/internal/backend"
	"github.com/vk/workgrid/internal/backend/slurm"
	"github.com/vk/workgrid/internal/cli"
	"github.com/vk/workgrid/internal/ctxlog"
	"github.com/vk/workgrid/internal/statuscache"
	"github.com/vk/workgrid/internal/watcher"
)

// main is the entrypoint for the waitq tool. Job scripts call it to submit
// their batch job once and block until it finishes; killing and restarting
// the script reattaches to the recorded job instead of resubmitting.
func main() {
	// Use a minimal logger until the full one is configured.
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})))

	// The real main function handles errors and exit codes.
	if err := run(os.Stdout, os.Args[1:]); err != nil {
		if exitErr, ok := err.(*cli.ExitError); ok {
			fmt.Fprintln(os.Stderr, exitErr.Message)
			os.Exit(exitErr.Code)
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// run encapsulates the main application logic for easier testing and error
// handling.
func run(outW io.Writer, args []string) error {
	config, shouldExit, err := cli.ParseWait(args, outW)
	if err != nil {
		return err
	}
	if shouldExit {
		return nil
	}

	logger := cli.NewLogger(config.LogLevel, config.LogFormat, os.Stderr)
	ctx := ctxlog.With(context.Background(), logger)

	cache, err := statuscache.New(config.CachePath, config.CacheTimeout)
	if err != nil {
		return err
	}

	w := watcher.New(slurm.New(config.SbatchArgs), cache, watcher.Config{
		PollInterval: config.PollInterval,
		PollJitter:   config.PollJitter,
		LogName:      config.WaitLogName,
	})

	status, err := w.Await(ctx, config.JobDir)
	if err != nil {
		return err
	}

	fmt.Fprintln(outW, status)
	switch status {
	case backend.StatusCompleted:
		return nil
	case backend.StatusUnknown:
		// The scheduler forgot the job, which happens to any job given
		// enough time. The script decides from its output files whether
		// the work actually finished.
		logger.Warn("Job is unknown to the scheduler, assuming it finished.", "dir", config.JobDir)
		return nil
	default:
		return &cli.ExitError{Code: 1, Message: fmt.Sprintf("job in %s finished with status %s", config.JobDir, status)}
	}
}
