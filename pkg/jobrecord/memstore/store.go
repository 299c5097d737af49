// Package memstore implements jobrecord.Store in process memory.
//
// It is used by tests and by single-process local runs (worker all).
package memstore

import (
	"context"
	"sort"
	"sync"

	"github.com/3leaps/annoflow/pkg/jobrecord"
)

const backend = "memory"

// Store is a mutex-guarded map of job records.
type Store struct {
	mu      sync.Mutex
	records map[string]*jobrecord.Record
}

var _ jobrecord.Store = (*Store)(nil)

// New returns an empty store.
func New() *Store {
	return &Store{records: make(map[string]*jobrecord.Record)}
}

func (s *Store) Create(_ context.Context, rec *jobrecord.Record) error {
	if err := rec.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[rec.JobID]; ok {
		return fail("Create", rec.JobID, jobrecord.ErrAlreadyExists)
	}
	s.records[rec.JobID] = rec.Clone()
	return nil
}

func (s *Store) Get(_ context.Context, jobID string) (*jobrecord.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[jobID]
	if !ok {
		return nil, fail("Get", jobID, jobrecord.ErrNotFound)
	}
	return rec.Clone(), nil
}

func (s *Store) Transition(_ context.Context, jobID string, from, to jobrecord.Status, fields jobrecord.Fields) (*jobrecord.Record, error) {
	if err := jobrecord.CheckTransition(from, to); err != nil {
		return nil, fail("Transition", jobID, err)
	}
	return s.update("Transition", jobID, func(rec *jobrecord.Record) bool {
		if rec.Status != from {
			return false
		}
		rec.Status = to
		fields.Apply(rec)
		return true
	})
}

func (s *Store) SetArchiveHandle(_ context.Context, jobID, handle string) (*jobrecord.Record, error) {
	return s.update("SetArchiveHandle", jobID, func(rec *jobrecord.Record) bool {
		if rec.ResultArchiveHandle != "" && rec.ResultArchiveHandle != handle {
			return false
		}
		rec.ResultArchiveHandle = handle
		return true
	})
}

func (s *Store) SetRetrievalHandle(_ context.Context, jobID, handle string) (*jobrecord.Record, error) {
	return s.update("SetRetrievalHandle", jobID, func(rec *jobrecord.Record) bool {
		if rec.ResultArchiveHandle == "" {
			return false
		}
		if rec.RetrievalJobHandle != "" && rec.RetrievalJobHandle != handle {
			return false
		}
		rec.RetrievalJobHandle = handle
		return true
	})
}

func (s *Store) ClearHandles(_ context.Context, jobID string) (*jobrecord.Record, error) {
	return s.update("ClearHandles", jobID, func(rec *jobrecord.Record) bool {
		rec.ResultArchiveHandle = ""
		rec.RetrievalJobHandle = ""
		return true
	})
}

func (s *Store) ListByUser(_ context.Context, userID string) ([]jobrecord.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []jobrecord.Record
	for _, rec := range s.records {
		if rec.UserID == userID {
			out = append(out, *rec)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].SubmitTime != out[j].SubmitTime {
			return out[i].SubmitTime < out[j].SubmitTime
		}
		return out[i].JobID < out[j].JobID
	})
	return out, nil
}

func (s *Store) Close() error {
	return nil
}

// update applies mutate to a copy of the record and commits it only when
// mutate reports the condition held.
func (s *Store) update(op, jobID string, mutate func(*jobrecord.Record) bool) (*jobrecord.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.records[jobID]
	if !ok {
		return nil, fail(op, jobID, jobrecord.ErrNotFound)
	}
	next := cur.Clone()
	if !mutate(next) {
		return nil, fail(op, jobID, jobrecord.ErrConditionFailed)
	}
	s.records[jobID] = next
	return next.Clone(), nil
}

func fail(op, jobID string, err error) error {
	return &jobrecord.StoreError{Op: op, Backend: backend, JobID: jobID, Err: err}
}
