package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/vk/workgrid/internal/cli"
	"github.com/vk/workgrid/internal/ctxlog"
	"github.com/vk/workgrid/internal/fsutil"
	"github.com/vk/workgrid/internal/jobstore"
)

// main is the entrypoint for the cleanjobs tool. It removes job directories
// without a result so interrupted jobs rerun from scratch on the next
// workflow execution, instead of tripping over half-written records.
func main() {
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})))

	if err := run(os.Stdout, os.Args[1:]); err != nil {
		if exitErr, ok := err.(*cli.ExitError); ok {
			fmt.Fprintln(os.Stderr, exitErr.Message)
			os.Exit(exitErr.Code)
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(outW io.Writer, args []string) error {
	config, shouldExit, err := cli.ParseClean(args, outW)
	if err != nil {
		return err
	}
	if shouldExit {
		return nil
	}

	logger := cli.NewLogger(config.LogLevel, config.LogFormat, os.Stderr)
	ctx := ctxlog.With(context.Background(), logger)

	removed, err := clean(ctx, outW, config.Root, config.DryRun)
	if err != nil {
		return err
	}
	logger.Info("Clean finished.", "root", config.Root, "removed", removed, "dry_run", config.DryRun)
	return nil
}

// clean walks the tree under root and removes every job directory that has
// kwargs.json but no result.json. It returns the number of directories
// removed (or, in a dry run, that would have been removed).
func clean(ctx context.Context, outW io.Writer, root string, dryRun bool) (int, error) {
	dirs, err := fsutil.FindDirsWithFile(root, jobstore.FileKwargs)
	if err != nil {
		return 0, fmt.Errorf("scanning %s: %w", root, err)
	}

	logger := ctxlog.From(ctx)
	removed := 0
	for _, dir := range dirs {
		if _, err := os.Stat(filepath.Join(dir, jobstore.FileResult)); err == nil {
			continue
		}
		if dryRun {
			fmt.Fprintln(outW, dir)
			removed++
			continue
		}
		if err := os.RemoveAll(dir); err != nil {
			return removed, fmt.Errorf("removing %s: %w", dir, err)
		}
		logger.Info("Removed unfinished job directory.", "dir", dir)
		removed++
	}
	return removed, nil
}
