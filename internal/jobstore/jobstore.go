// Package jobstore decides, for a directory-backed job, whether previously
// computed output may be reused or must be (re)computed, and enforces it.
//
// Each executed job owns one directory with these files:
//
//	kwargs.json   serialized input arguments, written before dispatch
//	kwargs.sha256 content hash of kwargs.json
//	result.json   serialized return value, written by the backend on success
//	result.extra  extra artifact filenames worth keeping
//	jobid         the remote scheduler's job id, written by the watcher
//
// A record is immutable once kwargs.json and result.json exist and are
// mutually consistent. A refresh of the record is requested by nulling
// kwargs.json, never by editing result.json. A missing kwargs.sha256 is
// recomputed from the kwargs already on disk.
package jobstore

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/vk/workgrid/internal/fsutil"
)

// File names inside a job directory.
const (
	FileKwargs = "kwargs.json"
	FileHash   = "kwargs.sha256"
	FileResult = "result.json"
	FileExtra  = "result.extra"
	FileJobID  = "jobid"
)

// ErrHashMismatch reports that kwargs.json changed while no result exists
// and the job is not resumable. The store must not guess whether a remote
// job is already running, so this is fatal for the workflow.
var ErrHashMismatch = errors.New("kwargs changed without a result and the job is not resumable")

// ErrMissingResult reports a record whose kwargs are unchanged but whose
// result never appeared, for a job that cannot resume. Resubmitting might
// duplicate work still running remotely, so this too is surfaced.
var ErrMissingResult = errors.New("kwargs present without a result and the job is not resumable")

// Decision is the outcome of Prepare.
type Decision int

const (
	// UseCached means result.json is valid for the current kwargs and the
	// job must not run again.
	UseCached Decision = iota
	// Execute means the job must run from scratch.
	Execute
	// Resume means the job must run, and its script is expected to detect
	// and reattach to an in-flight remote computation.
	Resume
)

// String returns the lowercase name of the decision.
func (d Decision) String() string {
	switch d {
	case UseCached:
		return "cached"
	case Execute:
		return "execute"
	case Resume:
		return "resume"
	default:
		return fmt.Sprintf("decision(%d)", int(d))
	}
}

// Store manages the job record of a single job directory. At most one
// writer per directory is allowed at a time; this is a contract with the
// caller's workflow structure, not enforced here.
type Store struct {
	dir string
}

// New creates a store for the given job directory, creating it if needed.
func New(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("jobstore: %w", err)
	}
	return &Store{dir: dir}, nil
}

// Dir returns the job directory.
func (s *Store) Dir() string { return s.dir }

// Path returns the absolute path of a file inside the job directory.
func (s *Store) Path(name string) string { return filepath.Join(s.dir, name) }

// Prepare runs the consistency protocol for a dispatch with the given kwargs
// and returns what the caller must do. On Execute and Resume, kwargs.json
// and kwargs.sha256 are already rewritten to match the new kwargs when
// Prepare returns.
func (s *Store) Prepare(kwargs map[string]any, canResume bool) (Decision, error) {
	serialized, err := Canonical(kwargs)
	if err != nil {
		// A value that cannot be serialized would corrupt the consistency
		// protocol if skipped, so it is fatal.
		return Execute, fmt.Errorf("jobstore: cannot serialize kwargs for %s: %w", s.dir, err)
	}
	newHash := hashHex(serialized)

	existing, err := os.ReadFile(s.Path(FileKwargs))
	switch {
	case errors.Is(err, os.ErrNotExist):
		// Fresh record. A result without kwargs indicates a broken state.
		if s.hasResult() {
			return Execute, fmt.Errorf("jobstore: found %s in %s while %s is absent", FileResult, s.dir, FileKwargs)
		}
		if err := s.writeRecord(serialized, newHash); err != nil {
			return Execute, err
		}
		return Execute, nil
	case err != nil:
		return Execute, fmt.Errorf("jobstore: %w", err)
	}

	if nullified(existing) {
		// The old kwargs were manually flagged as outdated. Refresh the
		// record and trust an existing result as-is, without verifying it
		// against the new kwargs. This asymmetry is deliberate: it supports
		// workflow refactors that change inputs without changing semantics.
		return s.refresh(serialized, newHash, canResume)
	}

	storedHash, err := s.readHash()
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return Execute, err
	}
	if errors.Is(err, os.ErrNotExist) {
		// A missing kwargs.sha256 is recomputed from the kwargs already on
		// disk, with the same refresh semantics as nulling kwargs.json. It
		// never rebinds the record to different kwargs: those fall through
		// to the mismatch handling below.
		if bytes.Equal(bytes.TrimSpace(existing), serialized) {
			return s.refresh(serialized, newHash, canResume)
		}
	} else if newHash == storedHash {
		if s.hasResult() {
			return UseCached, nil
		}
		if canResume {
			return Resume, nil
		}
		return Execute, fmt.Errorf("jobstore: %s: %w", s.dir, ErrMissingResult)
	}

	// The kwargs changed. With a result present the record is invalid and
	// the job needs a re-run; the stale result is kept aside for inspection.
	if s.hasResult() {
		if err := os.Rename(s.Path(FileResult), s.Path(FileResult+".stale")); err != nil {
			return Execute, fmt.Errorf("jobstore: %w", err)
		}
		if err := s.writeRecord(serialized, newHash); err != nil {
			return Execute, err
		}
		return Execute, nil
	}

	// No result. Without resumability the store cannot know whether a
	// remote job is still running, so it must not resubmit. The new kwargs
	// are stored next to the old ones for comparison.
	if !canResume {
		if err := writeFileAtomic(s.Path("kwargs-new.json"), serialized); err != nil {
			return Execute, err
		}
		return Execute, fmt.Errorf("jobstore: %s: %w (wrote kwargs-new.json for comparison)", s.dir, ErrHashMismatch)
	}
	if err := s.writeRecord(serialized, newHash); err != nil {
		return Execute, err
	}
	return Resume, nil
}

// refresh rewrites the record for the new kwargs and reports what to do
// with it: an existing result is trusted as-is.
func (s *Store) refresh(serialized []byte, hash string, canResume bool) (Decision, error) {
	if err := s.writeRecord(serialized, hash); err != nil {
		return Execute, err
	}
	if s.hasResult() {
		return UseCached, nil
	}
	if canResume {
		return Resume, nil
	}
	return Execute, fmt.Errorf("jobstore: %s: %w", s.dir, ErrMissingResult)
}

func (s *Store) readHash() (string, error) {
	raw, err := os.ReadFile(s.Path(FileHash))
	if errors.Is(err, os.ErrNotExist) {
		return "", err
	}
	if err != nil {
		return "", fmt.Errorf("jobstore: %w", err)
	}
	return strings.TrimSpace(string(raw)), nil
}

// writeRecord stores kwargs.json and kwargs.sha256. The old hash is removed
// before kwargs.json is touched and the new hash written last, so a crash at
// any point leaves either the old record intact or a hashless record that
// the next Prepare recomputes, never new kwargs beside a stale hash.
func (s *Store) writeRecord(serialized []byte, hash string) error {
	if err := os.Remove(s.Path(FileHash)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("jobstore: %w", err)
	}
	if err := writeFileAtomic(s.Path(FileKwargs), serialized); err != nil {
		return err
	}
	return writeFileAtomic(s.Path(FileHash), []byte(hash+"\n"))
}

// hasResult reports whether result.json exists.
func (s *Store) hasResult() bool {
	_, err := os.Stat(s.Path(FileResult))
	return err == nil
}

// ReadResult loads and deserializes result.json.
func (s *Store) ReadResult() (any, error) {
	raw, err := os.ReadFile(s.Path(FileResult))
	if err != nil {
		return nil, fmt.Errorf("jobstore: no result in %s: %w", s.dir, err)
	}
	var value any
	if err := json.Unmarshal(raw, &value); err != nil {
		return nil, fmt.Errorf("jobstore: malformed %s in %s: %w", FileResult, s.dir, err)
	}
	return value, nil
}

// WriteResult serializes and stores result.json. Used by the local backend;
// cluster job scripts write the file themselves.
func (s *Store) WriteResult(value any) error {
	serialized, err := Canonical(value)
	if err != nil {
		return fmt.Errorf("jobstore: cannot serialize result for %s: %w", s.dir, err)
	}
	return writeFileAtomic(s.Path(FileResult), serialized)
}

// ExtraFiles returns the artifact names listed in result.extra, with blank
// lines and #-comments stripped. A missing file yields an empty list.
func (s *Store) ExtraFiles() ([]string, error) {
	raw, err := os.ReadFile(s.Path(FileExtra))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("jobstore: %w", err)
	}
	var names []string
	for _, line := range strings.Split(string(raw), "\n") {
		if idx := strings.IndexByte(line, '#'); idx >= 0 {
			line = line[:idx]
		}
		line = strings.TrimSpace(line)
		if line != "" {
			names = append(names, line)
		}
	}
	return names, nil
}

// Canonical serializes a value to deterministic JSON. Map keys are emitted
// in sorted order by encoding/json, so equal values hash equally.
func Canonical(value any) ([]byte, error) {
	var buf bytes.Buffer
	encoder := json.NewEncoder(&buf)
	encoder.SetEscapeHTML(false)
	if err := encoder.Encode(value); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// nullified reports whether kwargs.json was manually flagged as outdated:
// an empty file or a JSON null.
func nullified(content []byte) bool {
	trimmed := bytes.TrimSpace(content)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))
}

func hashHex(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}

func writeFileAtomic(path string, data []byte) error {
	if err := fsutil.WriteAtomic(path, data, 0o644); err != nil {
		return fmt.Errorf("jobstore: %w", err)
	}
	return nil
}
