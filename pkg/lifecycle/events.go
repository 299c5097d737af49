package lifecycle

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/3leaps/annoflow/pkg/jobrecord"
	"github.com/3leaps/annoflow/pkg/queue"
)

// Message subjects.
const (
	SubjectSubmitted = "job.submitted"
	SubjectCompleted = "job.completed"
	SubjectRestore   = "job.restore"
	SubjectThaw      = "job.thaw"
)

// Submission is the event that asks the dispatch worker to run a job.
type Submission struct {
	JobID                string `json:"job_id"`
	UserID               string `json:"user_id"`
	UserEmail            string `json:"user_email,omitempty"`
	InputFileName        string `json:"input_file_name"`
	InputStorageLocation string `json:"input_storage_location"`
	SubmitTime           int64  `json:"submit_time"`
}

// SubmissionFor returns the submission event for a new record.
func SubmissionFor(rec *jobrecord.Record) Submission {
	return Submission{
		JobID:                rec.JobID,
		UserID:               rec.UserID,
		UserEmail:            rec.UserEmail,
		InputFileName:        rec.InputFileName,
		InputStorageLocation: rec.InputStorageLocation,
		SubmitTime:           rec.SubmitTime,
	}
}

func (s *Submission) validate() error {
	switch {
	case strings.TrimSpace(s.JobID) == "":
		return fmt.Errorf("%w: submission missing job_id", ErrMalformed)
	case strings.TrimSpace(s.UserID) == "":
		return fmt.Errorf("%w: submission missing user_id", ErrMalformed)
	case strings.TrimSpace(s.InputFileName) == "":
		return fmt.Errorf("%w: submission missing input_file_name", ErrMalformed)
	case strings.TrimSpace(s.InputStorageLocation) == "":
		return fmt.Errorf("%w: submission missing input_storage_location", ErrMalformed)
	}
	return nil
}

// Completion, restore and thaw events all carry a record snapshot; they
// differ in which handle fields must be present.

func decodeSubmission(msg queue.Message) (*Submission, error) {
	var s Submission
	if err := decode(msg, &s); err != nil {
		return nil, err
	}
	if err := s.validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

func decodeCompletion(msg queue.Message) (*jobrecord.Record, error) {
	rec, err := decodeSnapshot(msg)
	if err != nil {
		return nil, err
	}
	if rec.ResultStorageLocation == "" {
		return nil, fmt.Errorf("%w: completion for %s missing result_storage_location", ErrMalformed, rec.JobID)
	}
	return rec, nil
}

// decodeRestore requires result_archive_handle: a request is only issued for
// an archived result. The record stays authoritative for which archive is
// retrieved.
func decodeRestore(msg queue.Message) (*jobrecord.Record, error) {
	rec, err := decodeSnapshot(msg)
	if err != nil {
		return nil, err
	}
	if rec.ResultArchiveHandle == "" {
		return nil, fmt.Errorf("%w: restore request for %s missing result_archive_handle", ErrMalformed, rec.JobID)
	}
	return rec, nil
}

func decodeThaw(msg queue.Message) (*jobrecord.Record, error) {
	rec, err := decodeSnapshot(msg)
	if err != nil {
		return nil, err
	}
	if rec.RetrievalJobHandle == "" {
		return nil, fmt.Errorf("%w: thaw for %s missing retrieval_job_handle", ErrMalformed, rec.JobID)
	}
	return rec, nil
}

func decodeSnapshot(msg queue.Message) (*jobrecord.Record, error) {
	var rec jobrecord.Record
	if err := decode(msg, &rec); err != nil {
		return nil, err
	}
	if strings.TrimSpace(rec.JobID) == "" {
		return nil, fmt.Errorf("%w: event missing job_id", ErrMalformed)
	}
	if strings.TrimSpace(rec.UserID) == "" {
		return nil, fmt.Errorf("%w: event for %s missing user_id", ErrMalformed, rec.JobID)
	}
	return &rec, nil
}

func decode(msg queue.Message, v any) error {
	payload, _ := queue.Unwrap(msg.Body)
	if err := json.Unmarshal(payload, v); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return nil
}

func encode(subject string, v any) (queue.Outbound, error) {
	body, err := json.Marshal(v)
	if err != nil {
		return queue.Outbound{}, fmt.Errorf("encode %s: %w", subject, err)
	}
	return queue.Outbound{Subject: subject, Body: body}, nil
}
