package workarea

import "time"

// Launch is the marker persisted to launch.json once the annotation process
// has started for a job.
//
// A present marker means the job must not be launched again.
type Launch struct {
	JobID         string    `json:"job_id"`
	UserID        string    `json:"user_id"`
	InputFileName string    `json:"input_file_name"`
	InputPath     string    `json:"input_path"`
	Command       []string  `json:"command,omitempty"`
	PID           int       `json:"pid,omitempty"`
	StartedAt     time.Time `json:"started_at"`
	StdoutPath    string    `json:"stdout_path,omitempty"`
	StderrPath    string    `json:"stderr_path,omitempty"`

	// Alive is computed on read and never persisted.
	Alive bool `json:"-"`
}
