// Package cli parses command-line arguments for the workgrid tools and
// holds the pieces they share: the exit-code error type and the logger
// construction.
package cli

import (
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/vk/workgrid/internal/statuscache"
	"github.com/vk/workgrid/internal/watcher"
)

// ExitError is a custom error type that includes a specific exit code.
type ExitError struct {
	Code    int
	Message string
}

// Error implements the error interface for ExitError.
func (e *ExitError) Error() string {
	return e.Message
}

// WaitConfig is the parsed configuration of the waitq command.
type WaitConfig struct {
	SbatchArgs   []string
	JobDir       string
	CachePath    string
	CacheTimeout time.Duration
	PollInterval time.Duration
	PollJitter   time.Duration
	WaitLogName  string
	LogFormat    string
	LogLevel     string
}

// ParseWait processes the waitq command line. It returns a populated
// WaitConfig, a boolean indicating if the program should exit cleanly, or
// an ExitError.
func ParseWait(args []string, output io.Writer) (*WaitConfig, bool, error) {
	flagSet := flag.NewFlagSet("waitq", flag.ContinueOnError)
	flagSet.SetOutput(output)

	flagSet.Usage = func() {
		fmt.Fprint(output, `
waitq - submit a batch job once and wait for it to finish.

Usage:
  waitq [options] [SBATCH_ARG ...]

Arguments:
  SBATCH_ARG
    Arguments passed to sbatch, typically the batch script name. Ignored
    when the job directory already records a submitted job id.

Options:
`)
		flagSet.PrintDefaults()
	}

	jobDirFlag := flagSet.String("dir", ".", "Job directory holding the job id file and wait log.")
	cacheFlag := flagSet.String("cache", defaultCachePath(), "Path of the shared status cache file.")
	cacheTimeoutFlag := flagSet.Duration("cache-timeout", envSeconds("WORKGRID_CACHE_TIMEOUT", statuscache.DefaultRefreshInterval), "Minimum age of a cache entry before the scheduler is queried again.")
	pollFlag := flagSet.Duration("poll-interval", envSeconds("WORKGRID_POLL_INTERVAL", watcher.DefaultPollInterval), "Base pause between status polls.")
	jitterFlag := flagSet.Duration("poll-jitter", envSeconds("WORKGRID_POLL_JITTER", watcher.DefaultPollJitter), "Random extension added to every pause.")
	waitLogFlag := flagSet.String("waitlog", "waitlog", "Name of the journal file inside the job directory.")
	logFormatFlag := flagSet.String("log-format", "text", "Log output format. Options: 'text' or 'json'.")
	logLevelFlag := flagSet.String("log-level", "info", "Set the logging level. Options: 'debug', 'info', 'warn', 'error'.")

	if err := flagSet.Parse(args); err != nil {
		if err == flag.ErrHelp {
			return nil, true, nil
		}
		return nil, false, &ExitError{Code: 2, Message: err.Error()}
	}

	logFormat, logLevel, err := validateLogFlags(*logFormatFlag, *logLevelFlag)
	if err != nil {
		return nil, false, err
	}

	return &WaitConfig{
		SbatchArgs:   flagSet.Args(),
		JobDir:       *jobDirFlag,
		CachePath:    *cacheFlag,
		CacheTimeout: *cacheTimeoutFlag,
		PollInterval: *pollFlag,
		PollJitter:   *jitterFlag,
		WaitLogName:  *waitLogFlag,
		LogFormat:    logFormat,
		LogLevel:     logLevel,
	}, false, nil
}

// CleanConfig is the parsed configuration of the cleanjobs command.
type CleanConfig struct {
	Root      string
	DryRun    bool
	LogFormat string
	LogLevel  string
}

// ParseClean processes the cleanjobs command line.
func ParseClean(args []string, output io.Writer) (*CleanConfig, bool, error) {
	flagSet := flag.NewFlagSet("cleanjobs", flag.ContinueOnError)
	flagSet.SetOutput(output)

	flagSet.Usage = func() {
		fmt.Fprint(output, `
cleanjobs - remove job directories that hold no result.

A job directory is recognized by its kwargs.json file; it is removed when
no result.json exists next to it, so the corresponding jobs rerun cleanly
on the next workflow execution.

Usage:
  cleanjobs [options] [ROOT]

Options:
`)
		flagSet.PrintDefaults()
	}

	dryRunFlag := flagSet.Bool("n", false, "Only print the directories that would be removed.")
	logFormatFlag := flagSet.String("log-format", "text", "Log output format. Options: 'text' or 'json'.")
	logLevelFlag := flagSet.String("log-level", "info", "Set the logging level. Options: 'debug', 'info', 'warn', 'error'.")

	if err := flagSet.Parse(args); err != nil {
		if err == flag.ErrHelp {
			return nil, true, nil
		}
		return nil, false, &ExitError{Code: 2, Message: err.Error()}
	}

	root := "."
	switch flagSet.NArg() {
	case 0:
	case 1:
		root = flagSet.Arg(0)
	default:
		return nil, false, &ExitError{Code: 2, Message: "at most one root directory may be given"}
	}

	logFormat, logLevel, err := validateLogFlags(*logFormatFlag, *logLevelFlag)
	if err != nil {
		return nil, false, err
	}

	return &CleanConfig{
		Root:      root,
		DryRun:    *dryRunFlag,
		LogFormat: logFormat,
		LogLevel:  logLevel,
	}, false, nil
}

func validateLogFlags(format, level string) (string, string, error) {
	format = strings.ToLower(format)
	if format != "text" && format != "json" {
		return "", "", &ExitError{Code: 2, Message: "invalid log-format: must be 'text' or 'json'"}
	}
	level = strings.ToLower(level)
	switch level {
	case "debug", "info", "warn", "error":
	default:
		return "", "", &ExitError{Code: 2, Message: "invalid log-level: must be 'debug', 'info', 'warn', or 'error'"}
	}
	return format, level, nil
}

// envSeconds reads a duration in whole seconds from the environment,
// falling back when the variable is unset or malformed.
func envSeconds(name string, fallback time.Duration) time.Duration {
	raw, ok := os.LookupEnv(name)
	if !ok {
		return fallback
	}
	seconds, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil || seconds < 0 {
		return fallback
	}
	return time.Duration(seconds) * time.Second
}

// defaultCachePath places the shared status cache in the user cache
// directory, falling back to the working directory when none is known.
func defaultCachePath() string {
	base, err := os.UserCacheDir()
	if err != nil {
		return ".workgrid-status.json"
	}
	return filepath.Join(base, "workgrid", "status.json")
}
