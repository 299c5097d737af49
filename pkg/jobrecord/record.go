// Package jobrecord defines the annotation job record and the store contract
// every lifecycle stage uses to move a job through its states.
//
// Status changes are compare-and-swap transitions guarded by the expected
// prior status. The archive and retrieval handles live outside the status
// machine and use set-if-absent / remove-if-present semantics.
package jobrecord

import "strings"

// Status is the lifecycle status of a job.
//
// NOTE: These values are persisted in the record store and carried in queue
// messages; they are part of the stable wire contract.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusRunning   Status = "RUNNING"
	StatusCompleted Status = "COMPLETED"
)

// String returns the string representation of the status.
func (s Status) String() string {
	return string(s)
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusRunning, StatusCompleted:
		return true
	}
	return false
}

// ParseStatus parses a status name case-insensitively.
func ParseStatus(v string) (Status, bool) {
	s := Status(strings.ToUpper(strings.TrimSpace(v)))
	return s, s.Valid()
}

var transitions = map[Status]Status{
	StatusPending: StatusRunning,
	StatusRunning: StatusCompleted,
}

// CanTransition reports whether from -> to is an edge of the status machine.
// Only single forward steps are allowed.
func CanTransition(from, to Status) bool {
	next, ok := transitions[from]
	return ok && next == to
}

// Record is the persisted state of one annotation job.
//
// Storage locations are object URIs (s3://bucket/key). Epoch times are
// integer seconds.
type Record struct {
	JobID                string `json:"job_id" dynamodbav:"job_id"`
	UserID               string `json:"user_id" dynamodbav:"user_id"`
	UserEmail            string `json:"user_email,omitempty" dynamodbav:"user_email,omitempty"`
	InputFileName        string `json:"input_file_name" dynamodbav:"input_file_name"`
	InputStorageLocation string `json:"input_storage_location" dynamodbav:"input_storage_location"`
	SubmitTime           int64  `json:"submit_time" dynamodbav:"submit_time"`
	Status               Status `json:"job_status" dynamodbav:"job_status"`

	CompleteTime          int64  `json:"complete_time,omitempty" dynamodbav:"complete_time,omitempty"`
	ResultStorageLocation string `json:"result_storage_location,omitempty" dynamodbav:"result_storage_location,omitempty"`
	LogStorageLocation    string `json:"log_storage_location,omitempty" dynamodbav:"log_storage_location,omitempty"`

	ResultArchiveHandle string `json:"result_archive_handle,omitempty" dynamodbav:"result_archive_handle,omitempty"`
	RetrievalJobHandle  string `json:"retrieval_job_handle,omitempty" dynamodbav:"retrieval_job_handle,omitempty"`
}

// Archived reports whether the result currently lives in cold storage.
func (r *Record) Archived() bool {
	return r.ResultArchiveHandle != ""
}

// Restoring reports whether a cold storage retrieval is in flight.
func (r *Record) Restoring() bool {
	return r.RetrievalJobHandle != ""
}

// Clone returns a copy of r.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	c := *r
	return &c
}

// Validate checks the fields required to create a record.
func (r *Record) Validate() error {
	switch {
	case strings.TrimSpace(r.JobID) == "":
		return &ValidationError{Field: "job_id", Message: "is required"}
	case strings.TrimSpace(r.UserID) == "":
		return &ValidationError{Field: "user_id", Message: "is required"}
	case strings.TrimSpace(r.InputFileName) == "":
		return &ValidationError{Field: "input_file_name", Message: "is required"}
	case strings.TrimSpace(r.InputStorageLocation) == "":
		return &ValidationError{Field: "input_storage_location", Message: "is required"}
	case r.Status != StatusPending:
		return &ValidationError{Field: "job_status", Message: "new records must be PENDING"}
	}
	return nil
}

// Fields are the non-status attributes written atomically with a transition.
// Zero values are left untouched.
type Fields struct {
	CompleteTime          int64
	ResultStorageLocation string
	LogStorageLocation    string
}

// Apply copies the non-zero fields onto r.
func (f Fields) Apply(r *Record) {
	if f.CompleteTime != 0 {
		r.CompleteTime = f.CompleteTime
	}
	if f.ResultStorageLocation != "" {
		r.ResultStorageLocation = f.ResultStorageLocation
	}
	if f.LogStorageLocation != "" {
		r.LogStorageLocation = f.LogStorageLocation
	}
}
