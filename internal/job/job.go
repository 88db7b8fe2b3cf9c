// Package job implements the task contract for directory-backed job
// scripts.
//
// A job template is a directory holding a jobinfo.hcl manifest, an
// executable script and any auxiliary files the script needs. Running a job
// instantiates the template into a job directory, records the keyword
// arguments through the jobstore consistency protocol and executes the
// script there. The script reads kwargs.json, does the work (possibly by
// submitting a cluster job and waiting on it) and writes result.json.
package job

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"

	"github.com/vk/workgrid/internal/ctxlog"
	"github.com/vk/workgrid/internal/fsutil"
	"github.com/vk/workgrid/internal/jobspec"
	"github.com/vk/workgrid/internal/jobstore"
)

// ManifestName is the manifest file every job template must contain.
const ManifestName = "jobinfo.hcl"

// EnvFileName is the file holding the job's environment, written into the
// job directory so the script (and humans re-running it by hand) can source
// it.
const EnvFileName = "jobenv.sh"

const stderrTailBytes = 2048

// Job executes one job template. It implements task.Task; the positional
// argument of each call is the job directory, the keyword arguments are the
// script inputs declared in the manifest.
type Job struct {
	// Template is the directory the job directory is instantiated from.
	Template string
	// Script is the executable inside the template, relative to it.
	Script string
	// Env holds extra environment variables for the script.
	Env map[string]string
	// Clerk selects where the script runs. Nil runs it in the job
	// directory itself.
	Clerk Clerk

	spec *jobspec.Spec
}

// FromTemplate loads the manifest of a template directory and returns a Job
// running its script. An empty script name defaults to "run".
func FromTemplate(template, script string, env map[string]string) (*Job, error) {
	if script == "" {
		script = "run"
	}
	spec, err := jobspec.Load(filepath.Join(template, ManifestName))
	if err != nil {
		return nil, err
	}
	if _, err := os.Stat(filepath.Join(template, script)); err != nil {
		return nil, fmt.Errorf("job: template %s has no script %s: %w", template, script, err)
	}
	return &Job{Template: template, Script: script, Env: env, spec: spec}, nil
}

// Spec returns the parsed manifest.
func (j *Job) Spec() *jobspec.Spec { return j.spec }

// Describe implements task.Task. Jobs are identified by their directory.
func (j *Job) Describe(args []any, _ map[string]any) string {
	if len(args) == 1 {
		if dir, ok := args[0].(string); ok {
			return dir
		}
	}
	return j.Template
}

// ValidateParams implements task.Task.
func (j *Job) ValidateParams(args []any, kwargs map[string]any) error {
	if len(args) != 1 {
		return fmt.Errorf("expected exactly one positional argument (the job directory), got %d", len(args))
	}
	if _, ok := args[0].(string); !ok {
		return fmt.Errorf("job directory must be a string, got %T", args[0])
	}
	return j.spec.ValidateKwargs(j.merged(kwargs))
}

// ResultSpec implements task.Task.
func (j *Job) ResultSpec(_ []any, _ map[string]any) (any, error) {
	return j.spec.ResultSpec(), nil
}

// Resources implements task.Task.
func (j *Job) Resources() map[string]any { return j.spec.Resources }

// CanResume implements task.Task.
func (j *Job) CanResume() bool { return j.spec.CanResume }

// Call implements task.Task. When the job directory already holds a result
// consistent with the kwargs, the script is skipped and the stored result
// returned.
func (j *Job) Call(ctx context.Context, args []any, kwargs map[string]any) (any, error) {
	if err := j.ValidateParams(args, kwargs); err != nil {
		return nil, err
	}
	jobDir := args[0].(string)
	merged := j.merged(kwargs)

	store, err := jobstore.New(jobDir)
	if err != nil {
		return nil, err
	}
	decision, err := store.Prepare(merged, j.spec.CanResume)
	if err != nil {
		return nil, err
	}

	logger := ctxlog.From(ctx).With("dir", jobDir)
	if decision == jobstore.UseCached {
		logger.Debug("Reusing cached result.")
		return j.loadResult(ctx, store)
	}

	logger.Info("Running job script.", "template", j.Template, "decision", decision.String())
	if err := j.instantiate(jobDir); err != nil {
		return nil, err
	}

	clerk := j.Clerk
	if clerk == nil {
		clerk = InPlaceClerk{}
	}
	workDir, err := clerk.Acquire(jobDir)
	if err != nil {
		return nil, err
	}
	if err := j.runScript(ctx, workDir); err != nil {
		return nil, err
	}
	if err := clerk.Release(jobDir, workDir); err != nil {
		return nil, err
	}
	return j.loadResult(ctx, store)
}

// merged overlays the call kwargs on the manifest defaults.
func (j *Job) merged(kwargs map[string]any) map[string]any {
	merged := j.spec.Defaults()
	for name, value := range kwargs {
		merged[name] = value
	}
	return merged
}

// instantiate copies the template into the job directory and writes the
// environment file. Record files written by the store are never part of a
// template, so the copy cannot clobber them.
func (j *Job) instantiate(jobDir string) error {
	if err := fsutil.CopyTree(j.Template, jobDir); err != nil {
		return fmt.Errorf("job: instantiating %s from %s: %w", jobDir, j.Template, err)
	}
	return j.writeEnvFile(jobDir)
}

// writeEnvFile stores the extra environment as a sourceable shell file.
func (j *Job) writeEnvFile(jobDir string) error {
	var b strings.Builder
	names := make([]string, 0, len(j.Env))
	for name := range j.Env {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(&b, "export %s='%s'\n", name, strings.ReplaceAll(j.Env[name], "'", `'\''`))
	}
	if err := fsutil.WriteAtomic(filepath.Join(jobDir, EnvFileName), []byte(b.String()), 0o644); err != nil {
		return fmt.Errorf("job: %w", err)
	}
	return nil
}

// runScript executes the job script in the job directory, capturing stdout
// and stderr next to it as <script>.out and <script>.err.
func (j *Job) runScript(ctx context.Context, jobDir string) error {
	stdout, err := os.Create(filepath.Join(jobDir, j.Script+".out"))
	if err != nil {
		return fmt.Errorf("job: %w", err)
	}
	defer stdout.Close()
	stderr, err := os.Create(filepath.Join(jobDir, j.Script+".err"))
	if err != nil {
		return fmt.Errorf("job: %w", err)
	}
	defer stderr.Close()

	absDir, err := filepath.Abs(jobDir)
	if err != nil {
		return fmt.Errorf("job: %w", err)
	}

	cmd := exec.CommandContext(ctx, "./"+j.Script)
	cmd.Dir = jobDir
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.Env = append(os.Environ(), "WORKGRID_JOBDIR="+absDir)
	for name, value := range j.Env {
		cmd.Env = append(cmd.Env, name+"="+value)
	}

	if err := cmd.Run(); err != nil {
		tail := stderrTail(filepath.Join(jobDir, j.Script+".err"))
		if tail != "" {
			return fmt.Errorf("job: script %s in %s failed: %w\n%s", j.Script, jobDir, err, tail)
		}
		return fmt.Errorf("job: script %s in %s failed: %w", j.Script, jobDir, err)
	}
	return nil
}

// loadResult reads result.json, checks it against the declared outputs and
// warns about missing extra artifacts.
func (j *Job) loadResult(ctx context.Context, store *jobstore.Store) (any, error) {
	result, err := store.ReadResult()
	if err != nil {
		return nil, fmt.Errorf("job: script finished without writing %s: %w", jobstore.FileResult, err)
	}
	if err := j.checkOutputs(result); err != nil {
		return nil, fmt.Errorf("job: %s: %w", store.Dir(), err)
	}

	extras, err := store.ExtraFiles()
	if err != nil {
		return nil, err
	}
	logger := ctxlog.From(ctx)
	for _, name := range extras {
		if _, err := os.Stat(store.Path(name)); err != nil {
			logger.Warn("Extra artifact listed in result.extra is missing.", "dir", store.Dir(), "file", name)
		}
	}
	return result, nil
}

// checkOutputs validates the result against the manifest's output
// declarations. A manifest without outputs accepts any result.
func (j *Job) checkOutputs(result any) error {
	if len(j.spec.Outputs) == 0 {
		return nil
	}
	fields, ok := result.(map[string]any)
	if !ok {
		return fmt.Errorf("result must be an object with the declared outputs, got %T", result)
	}
	for _, output := range j.spec.Outputs {
		value, ok := fields[output.Name]
		if !ok {
			return fmt.Errorf("result lacks declared output %q", output.Name)
		}
		if err := jobspec.Conforms(value, output.Type); err != nil {
			return fmt.Errorf("output %q: %w", output.Name, err)
		}
	}
	return nil
}

func stderrTail(path string) string {
	raw, err := os.ReadFile(path)
	if err != nil || len(raw) == 0 {
		return ""
	}
	if len(raw) > stderrTailBytes {
		raw = raw[len(raw)-stderrTailBytes:]
	}
	return strings.TrimRight(string(raw), "\n")
}
