package workarea

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"time"
)

// LaunchRequest describes one annotation run.
type LaunchRequest struct {
	JobID         string
	UserID        string
	InputFileName string
	InputPath     string
}

// Launcher starts the annotation process for a job and returns once it is
// running. It does not wait for completion.
type Launcher interface {
	Launch(ctx context.Context, req LaunchRequest) (*Launch, error)
}

// ProcessLauncher runs Command as a child process with the arguments
// (input_path, job_id, user_id, input_file_name) appended.
//
// The child runs in the job directory with stdout and stderr captured to the
// job's log files. The process outlives the context passed to Launch.
type ProcessLauncher struct {
	Area    *Area
	Command []string
	Env     []string

	// OnExit is called from the reaping goroutine after the child exits.
	OnExit func(jobID string, err error)
}

// Launch implements Launcher.
func (l *ProcessLauncher) Launch(ctx context.Context, req LaunchRequest) (*Launch, error) {
	if l == nil || l.Area == nil {
		return nil, errors.New("launcher is not initialized")
	}
	if len(l.Command) == 0 || l.Command[0] == "" {
		return nil, errors.New("annotator command is not configured")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	stdout, err := os.Create(l.Area.StdoutPath(req.JobID))
	if err != nil {
		return nil, fmt.Errorf("create stdout log: %w", err)
	}
	stderr, err := os.Create(l.Area.StderrPath(req.JobID))
	if err != nil {
		_ = stdout.Close()
		return nil, fmt.Errorf("create stderr log: %w", err)
	}

	args := append(append([]string{}, l.Command[1:]...), req.InputPath, req.JobID, req.UserID, req.InputFileName)
	cmd := exec.Command(l.Command[0], args...)
	cmd.Dir = l.Area.JobDir(req.JobID)
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.Env = append(os.Environ(), l.Env...)
	cmd.Env = append(cmd.Env, "ANNOFLOW_WORK_DIR="+cmd.Dir)

	if err := cmd.Start(); err != nil {
		_ = stdout.Close()
		_ = stderr.Close()
		return nil, fmt.Errorf("start annotator: %w", err)
	}

	launch := &Launch{
		JobID:         req.JobID,
		UserID:        req.UserID,
		InputFileName: req.InputFileName,
		InputPath:     req.InputPath,
		Command:       append([]string{l.Command[0]}, args...),
		PID:           cmd.Process.Pid,
		StartedAt:     time.Now().UTC(),
		StdoutPath:    stdout.Name(),
		StderrPath:    stderr.Name(),
		Alive:         true,
	}

	go func() {
		waitErr := cmd.Wait()
		_ = stdout.Close()
		_ = stderr.Close()
		if l.OnExit != nil {
			l.OnExit(req.JobID, waitErr)
		}
	}()

	return launch, nil
}
