package job

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vk/workgrid/internal/future"
	"github.com/vk/workgrid/internal/jobstore"
	"github.com/vk/workgrid/internal/runner"
)

const testManifest = `
input "molecule" {
  type = string
}

input "temperature" {
  type    = number
  default = 300
}

output "energy" {
  type = number
}
`

// newTemplate creates a template directory whose script counts its runs and
// writes the given result.json content.
func newTemplate(t *testing.T, resultJSON string) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, ManifestName), []byte(testManifest), 0o644))
	script := "#!/bin/sh\necho run >> runs\nprintf '%s' '" + resultJSON + "' > result.json\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "run"), []byte(script), 0o755))
	return dir
}

func runCount(t *testing.T, jobDir string) int {
	t.Helper()
	raw, err := os.ReadFile(filepath.Join(jobDir, "runs"))
	if os.IsNotExist(err) {
		return 0
	}
	require.NoError(t, err)
	return strings.Count(string(raw), "run")
}

func TestFromTemplate(t *testing.T) {
	template := newTemplate(t, `{"energy": -1.5}`)

	j, err := FromTemplate(template, "", nil)
	require.NoError(t, err)
	assert.Equal(t, "run", j.Script)
	assert.False(t, j.CanResume())
	require.Len(t, j.Spec().Inputs, 2)

	t.Run("missing script", func(t *testing.T) {
		_, err := FromTemplate(template, "absent.sh", nil)
		assert.Error(t, err)
	})

	t.Run("missing manifest", func(t *testing.T) {
		_, err := FromTemplate(t.TempDir(), "", nil)
		assert.Error(t, err)
	})
}

func TestCallRunsScriptAndReturnsResult(t *testing.T) {
	template := newTemplate(t, `{"energy": -1.5}`)
	j, err := FromTemplate(template, "", nil)
	require.NoError(t, err)
	jobDir := filepath.Join(t.TempDir(), "water")

	result, err := j.Call(context.Background(), []any{jobDir}, map[string]any{"molecule": "water"})

	require.NoError(t, err)
	assert.Equal(t, map[string]any{"energy": -1.5}, result)
	assert.Equal(t, 1, runCount(t, jobDir))
	assert.FileExists(t, filepath.Join(jobDir, jobstore.FileKwargs))
	assert.FileExists(t, filepath.Join(jobDir, EnvFileName))
}

func TestCallReusesCachedResult(t *testing.T) {
	template := newTemplate(t, `{"energy": -1.5}`)
	j, err := FromTemplate(template, "", nil)
	require.NoError(t, err)
	jobDir := filepath.Join(t.TempDir(), "water")
	kwargs := map[string]any{"molecule": "water"}

	_, err = j.Call(context.Background(), []any{jobDir}, kwargs)
	require.NoError(t, err)
	result, err := j.Call(context.Background(), []any{jobDir}, kwargs)
	require.NoError(t, err)

	assert.Equal(t, map[string]any{"energy": -1.5}, result)
	assert.Equal(t, 1, runCount(t, jobDir), "unchanged kwargs must not rerun the script")
}

func TestCallRerunsWhenKwargsChange(t *testing.T) {
	template := newTemplate(t, `{"energy": -1.5}`)
	j, err := FromTemplate(template, "", nil)
	require.NoError(t, err)
	jobDir := filepath.Join(t.TempDir(), "water")

	_, err = j.Call(context.Background(), []any{jobDir}, map[string]any{"molecule": "water"})
	require.NoError(t, err)
	_, err = j.Call(context.Background(), []any{jobDir}, map[string]any{"molecule": "water", "temperature": 350.0})
	require.NoError(t, err)

	assert.Equal(t, 2, runCount(t, jobDir))
}

func TestCallValidatesArguments(t *testing.T) {
	template := newTemplate(t, `{"energy": -1.5}`)
	j, err := FromTemplate(template, "", nil)
	require.NoError(t, err)

	t.Run("missing job directory", func(t *testing.T) {
		_, err := j.Call(context.Background(), nil, map[string]any{"molecule": "water"})
		assert.Error(t, err)
	})

	t.Run("missing required kwarg", func(t *testing.T) {
		_, err := j.Call(context.Background(), []any{t.TempDir()}, nil)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "molecule")
	})

	t.Run("undeclared kwarg", func(t *testing.T) {
		_, err := j.Call(context.Background(), []any{t.TempDir()}, map[string]any{"molecule": "water", "typo": 1})
		assert.Error(t, err)
	})
}

func TestCallRejectsNonConformingResult(t *testing.T) {
	template := newTemplate(t, `{"energy": "not a number"}`)
	j, err := FromTemplate(template, "", nil)
	require.NoError(t, err)

	_, err = j.Call(context.Background(), []any{filepath.Join(t.TempDir(), "bad")}, map[string]any{"molecule": "water"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "energy")
}

func TestCallFailingScriptSurfacesStderr(t *testing.T) {
	template := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(template, ManifestName), []byte(""), 0o644))
	script := "#!/bin/sh\necho 'convergence failure' >&2\nexit 1\n"
	require.NoError(t, os.WriteFile(filepath.Join(template, "run"), []byte(script), 0o755))
	j, err := FromTemplate(template, "", nil)
	require.NoError(t, err)

	_, err = j.Call(context.Background(), []any{filepath.Join(t.TempDir(), "doomed")}, nil)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "convergence failure")
}

func TestEnvironmentReachesScript(t *testing.T) {
	template := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(template, ManifestName), []byte(""), 0o644))
	script := "#!/bin/sh\nprintf '{\"dir\": \"%s\", \"token\": \"%s\"}' \"$WORKGRID_JOBDIR\" \"$WG_TOKEN\" > result.json\n"
	require.NoError(t, os.WriteFile(filepath.Join(template, "run"), []byte(script), 0o755))
	j, err := FromTemplate(template, "", map[string]string{"WG_TOKEN": "s3cret"})
	require.NoError(t, err)
	jobDir := filepath.Join(t.TempDir(), "env")

	result, err := j.Call(context.Background(), []any{jobDir}, nil)

	require.NoError(t, err)
	fields := result.(map[string]any)
	absDir, _ := filepath.Abs(jobDir)
	assert.Equal(t, absDir, fields["dir"])
	assert.Equal(t, "s3cret", fields["token"])

	env, err := os.ReadFile(filepath.Join(jobDir, EnvFileName))
	require.NoError(t, err)
	assert.Contains(t, string(env), "export WG_TOKEN='s3cret'")
}

func TestScratchClerkStagesAndPushesBack(t *testing.T) {
	template := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(template, ManifestName), []byte(""), 0o644))
	script := "#!/bin/sh\npwd > where.txt\necho data > wavefunction.chk\nprintf '{\"energy\": -1.5}' > result.json\n"
	require.NoError(t, os.WriteFile(filepath.Join(template, "run"), []byte(script), 0o755))
	j, err := FromTemplate(template, "", nil)
	require.NoError(t, err)
	scratch := t.TempDir()
	j.Clerk = ScratchClerk{Root: scratch}
	jobDir := filepath.Join(t.TempDir(), "staged")

	result, err := j.Call(context.Background(), []any{jobDir}, nil)

	require.NoError(t, err)
	assert.Equal(t, map[string]any{"energy": -1.5}, result)
	// Outputs the script never declared are pushed back too.
	assert.FileExists(t, filepath.Join(jobDir, "wavefunction.chk"))

	where, err := os.ReadFile(filepath.Join(jobDir, "where.txt"))
	require.NoError(t, err)
	absDir, _ := filepath.Abs(jobDir)
	assert.NotEqual(t, absDir, strings.TrimSpace(string(where)), "the script must run in scratch space")

	entries, err := os.ReadDir(scratch)
	require.NoError(t, err)
	assert.Empty(t, entries, "scratch space is removed after the push back")
}

func TestScratchClerkKeepsScratchOnFailure(t *testing.T) {
	template := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(template, ManifestName), []byte(""), 0o644))
	script := "#!/bin/sh\necho partial > checkpoint.chk\nexit 1\n"
	require.NoError(t, os.WriteFile(filepath.Join(template, "run"), []byte(script), 0o755))
	j, err := FromTemplate(template, "", nil)
	require.NoError(t, err)
	scratch := t.TempDir()
	j.Clerk = ScratchClerk{Root: scratch}

	_, err = j.Call(context.Background(), []any{filepath.Join(t.TempDir(), "doomed")}, nil)

	require.Error(t, err)
	entries, err := os.ReadDir(scratch)
	require.NoError(t, err)
	assert.Len(t, entries, 1, "a failed run keeps its scratch directory for inspection")
}

func TestDescribe(t *testing.T) {
	template := newTemplate(t, `{"energy": -1.5}`)
	j, err := FromTemplate(template, "", nil)
	require.NoError(t, err)

	assert.Equal(t, "jobs/0001", j.Describe([]any{"jobs/0001"}, nil))
	assert.Equal(t, template, j.Describe(nil, nil))
}

func TestWorkflowRerunSkipsAllJobs(t *testing.T) {
	produceManifest := `
output "value" {
  type = number
}
`
	consumeManifest := `
input "value" {
  type = number
}

output "total" {
  type = number
}
`
	templateA := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(templateA, ManifestName), []byte(produceManifest), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(templateA, "run"),
		[]byte("#!/bin/sh\necho run >> runs\nprintf '{\"value\": 5}' > result.json\n"), 0o755))
	templateB := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(templateB, ManifestName), []byte(consumeManifest), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(templateB, "run"),
		[]byte("#!/bin/sh\necho run >> runs\nprintf '{\"total\": 8}' > result.json\n"), 0o755))

	base := t.TempDir()
	dirA := filepath.Join(base, "a")
	dirB := filepath.Join(base, "b")
	ctx := context.Background()
	factory := NewFactory("", nil)

	runWorkflow := func() float64 {
		r := runner.NewPoolRunner(ctx, 2)
		clA, err := factory.Closure(templateA, dirA, nil)
		require.NoError(t, err)
		aOut, err := r.Run(ctx, clA)
		require.NoError(t, err)

		// The consumer is submitted on the producer's promised value.
		clB, err := factory.Closure(templateB, dirB, map[string]any{"value": aOut.(map[string]any)["value"]})
		require.NoError(t, err)
		bOut, err := r.Run(ctx, clB)
		require.NoError(t, err)

		total, err := bOut.(map[string]any)["total"].(*future.Future).Result(ctx)
		require.NoError(t, err)
		require.NoError(t, r.Shutdown(ctx))
		return total.(float64)
	}

	assert.Equal(t, 8.0, runWorkflow())
	require.Equal(t, 1, runCount(t, dirA))
	require.Equal(t, 1, runCount(t, dirB))
	raw, err := os.ReadFile(filepath.Join(dirB, jobstore.FileKwargs))
	require.NoError(t, err)
	assert.Contains(t, string(raw), "5", "the produced value flows into the consumer's record")

	assert.Equal(t, 8.0, runWorkflow())
	assert.Equal(t, 1, runCount(t, dirA), "the second run must be served from the job records")
	assert.Equal(t, 1, runCount(t, dirB), "the second run must be served from the job records")
}

func TestFactory(t *testing.T) {
	template := newTemplate(t, `{"energy": -1.5}`)
	f := NewFactory("", nil)

	first, err := f.Job(template)
	require.NoError(t, err)
	second, err := f.Job(template)
	require.NoError(t, err)
	assert.Same(t, first, second, "manifests are parsed once per template")

	cl, err := f.Closure(template, "jobs/0001", map[string]any{"molecule": "water"})
	require.NoError(t, err)
	assert.True(t, cl.Schedule)
	assert.Equal(t, "jobs/0001", cl.Describe())

	_, err = f.Closure(t.TempDir(), "jobs/0002", nil)
	assert.Error(t, err)
}
