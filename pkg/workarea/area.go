// Package workarea manages the per-job local working directories used by the
// dispatch worker and the annotation process.
package workarea

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"time"
)

const (
	launchFile = "launch.json"
	stdoutFile = "annotator.stdout.log"
	stderrFile = "annotator.stderr.log"
)

// ErrNoLaunch indicates the job directory has no launch marker.
var ErrNoLaunch = fmt.Errorf("launch marker not found: %w", fs.ErrNotExist)

// Area is a directory holding one subdirectory per job.
//
// Directory layout:
//
//	<root>/<job_id>/<input_file_name>
//	<root>/<job_id>/launch.json
//	<root>/<job_id>/annotator.stdout.log
//	<root>/<job_id>/annotator.stderr.log
type Area struct {
	root string
}

func New(root string) *Area {
	return &Area{root: strings.TrimSpace(root)}
}

func (a *Area) Root() string {
	return a.root
}

func (a *Area) JobDir(jobID string) string {
	return filepath.Join(a.root, jobID)
}

func (a *Area) LaunchPath(jobID string) string {
	return filepath.Join(a.JobDir(jobID), launchFile)
}

func (a *Area) StdoutPath(jobID string) string {
	return filepath.Join(a.JobDir(jobID), stdoutFile)
}

func (a *Area) StderrPath(jobID string) string {
	return filepath.Join(a.JobDir(jobID), stderrFile)
}

func (a *Area) ensureRoot() error {
	if a.root == "" {
		return errors.New("work area root dir is empty")
	}
	return os.MkdirAll(a.root, 0o755)
}

func validJobID(jobID string) error {
	if jobID == "" || jobID == "." || jobID == ".." || strings.ContainsAny(jobID, `/\`) {
		return fmt.Errorf("invalid job_id %q", jobID)
	}
	return nil
}

// Claim creates the job directory exclusively.
//
// claimed is false when the directory already existed; the caller then
// inspects the launch marker to decide whether a previous attempt finished.
func (a *Area) Claim(jobID string) (dir string, claimed bool, err error) {
	if err := validJobID(jobID); err != nil {
		return "", false, err
	}
	if err := a.ensureRoot(); err != nil {
		return "", false, err
	}
	dir = a.JobDir(jobID)
	if err := os.Mkdir(dir, 0o755); err != nil {
		if errors.Is(err, fs.ErrExist) {
			return dir, false, nil
		}
		return "", false, fmt.Errorf("claim job dir: %w", err)
	}
	return dir, true, nil
}

// ClaimedAt returns the modification time of the job directory.
func (a *Area) ClaimedAt(jobID string) (time.Time, error) {
	if err := validJobID(jobID); err != nil {
		return time.Time{}, err
	}
	info, err := os.Stat(a.JobDir(jobID))
	if err != nil {
		return time.Time{}, err
	}
	return info.ModTime(), nil
}

// WriteLaunch persists the launch marker atomically.
func (a *Area) WriteLaunch(l *Launch) error {
	if l == nil {
		return errors.New("launch is nil")
	}
	if err := validJobID(l.JobID); err != nil {
		return err
	}
	jobDir := a.JobDir(l.JobID)

	b, err := json.MarshalIndent(l, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal launch marker: %w", err)
	}
	b = append(b, '\n')

	tmp, err := os.CreateTemp(jobDir, launchFile+".tmp.*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := tmp.Write(b); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write temp launch file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp launch file: %w", err)
	}
	if err := os.Rename(tmpName, a.LaunchPath(l.JobID)); err != nil {
		return fmt.Errorf("rename launch file: %w", err)
	}
	return nil
}

// ReadLaunch loads the launch marker. It returns ErrNoLaunch when absent.
func (a *Area) ReadLaunch(jobID string) (*Launch, error) {
	if err := validJobID(jobID); err != nil {
		return nil, err
	}
	b, err := os.ReadFile(a.LaunchPath(jobID))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNoLaunch
		}
		return nil, err
	}
	var l Launch
	if err := json.Unmarshal(b, &l); err != nil {
		return nil, fmt.Errorf("parse %s: %w", launchFile, err)
	}
	l.Alive = isProcessAlive(l.PID)
	return &l, nil
}

// Launched reports whether the job has a launch marker.
func (a *Area) Launched(jobID string) bool {
	_, err := a.ReadLaunch(jobID)
	return err == nil
}

// Release removes the job directory. A missing directory is not an error.
func (a *Area) Release(jobID string) error {
	if err := validJobID(jobID); err != nil {
		return err
	}
	if err := os.RemoveAll(a.JobDir(jobID)); err != nil {
		return fmt.Errorf("remove job dir: %w", err)
	}
	return nil
}

// List returns the launch markers under root, newest first. Directories
// without a readable marker are skipped.
func (a *Area) List() ([]Launch, error) {
	entries, err := os.ReadDir(a.root)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read work root: %w", err)
	}

	out := make([]Launch, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		l, err := a.ReadLaunch(entry.Name())
		if err != nil {
			continue
		}
		out = append(out, *l)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].StartedAt.After(out[j].StartedAt)
	})
	return out, nil
}

func isProcessAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	p, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	// signal 0 checks for existence without delivering a signal.
	return p.Signal(syscall.Signal(0)) == nil
}
