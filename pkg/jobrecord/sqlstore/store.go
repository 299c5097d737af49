package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/3leaps/annoflow/pkg/jobrecord"
)

const (
	backend       = "sqlite"
	schemaVersion = 1
)

const selectColumns = `job_id, user_id, user_email, input_file_name, input_storage_location,
	submit_time, job_status, complete_time, result_storage_location, log_storage_location,
	result_archive_handle, retrieval_job_handle`

// Store is a SQLite-backed jobrecord.Store.
type Store struct {
	db *sql.DB
}

var _ jobrecord.Store = (*Store)(nil)

// Open opens (and creates if needed) the job database and ensures its schema.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	db, err := openDB(ctx, cfg)
	if err != nil {
		return nil, err
	}
	s := &Store{db: db}
	if err := s.ensureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Ping verifies the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) ensureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS job_meta (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			schema_version INTEGER NOT NULL
		);`,
		`INSERT OR IGNORE INTO job_meta (id, schema_version) VALUES (1, ?);`,
		`CREATE TABLE IF NOT EXISTS jobs (
			job_id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			user_email TEXT NOT NULL DEFAULT '',
			input_file_name TEXT NOT NULL,
			input_storage_location TEXT NOT NULL,
			submit_time INTEGER NOT NULL,
			job_status TEXT NOT NULL,
			complete_time INTEGER NOT NULL DEFAULT 0,
			result_storage_location TEXT NOT NULL DEFAULT '',
			log_storage_location TEXT NOT NULL DEFAULT '',
			result_archive_handle TEXT NOT NULL DEFAULT '',
			retrieval_job_handle TEXT NOT NULL DEFAULT ''
		);`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_user_id ON jobs(user_id);`,
	}
	for _, stmt := range stmts {
		var err error
		if strings.Contains(stmt, "?") {
			_, err = s.db.ExecContext(ctx, stmt, schemaVersion)
		} else {
			_, err = s.db.ExecContext(ctx, stmt)
		}
		if err != nil {
			return fmt.Errorf("ensure job store schema: %w", err)
		}
	}
	return nil
}

func (s *Store) Create(ctx context.Context, rec *jobrecord.Record) error {
	if err := rec.Validate(); err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `INSERT OR IGNORE INTO jobs (
			job_id, user_id, user_email, input_file_name, input_storage_location,
			submit_time, job_status, complete_time, result_storage_location, log_storage_location,
			result_archive_handle, retrieval_job_handle
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.JobID, rec.UserID, rec.UserEmail, rec.InputFileName, rec.InputStorageLocation,
		rec.SubmitTime, string(rec.Status), rec.CompleteTime, rec.ResultStorageLocation, rec.LogStorageLocation,
		rec.ResultArchiveHandle, rec.RetrievalJobHandle,
	)
	if err != nil {
		return fail("Create", rec.JobID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fail("Create", rec.JobID, err)
	}
	if n == 0 {
		return fail("Create", rec.JobID, jobrecord.ErrAlreadyExists)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, jobID string) (*jobrecord.Record, error) {
	rec, err := scanRecord(s.db.QueryRowContext(ctx, `SELECT `+selectColumns+` FROM jobs WHERE job_id = ?`, jobID))
	if err != nil {
		return nil, fail("Get", jobID, err)
	}
	return rec, nil
}

func (s *Store) Transition(ctx context.Context, jobID string, from, to jobrecord.Status, fields jobrecord.Fields) (*jobrecord.Record, error) {
	if err := jobrecord.CheckTransition(from, to); err != nil {
		return nil, fail("Transition", jobID, err)
	}
	return s.conditionalUpdate(ctx, "Transition", jobID, `UPDATE jobs SET
			job_status = ?,
			complete_time = CASE WHEN ? != 0 THEN ? ELSE complete_time END,
			result_storage_location = CASE WHEN ? != '' THEN ? ELSE result_storage_location END,
			log_storage_location = CASE WHEN ? != '' THEN ? ELSE log_storage_location END
		WHERE job_id = ? AND job_status = ?`,
		string(to),
		fields.CompleteTime, fields.CompleteTime,
		fields.ResultStorageLocation, fields.ResultStorageLocation,
		fields.LogStorageLocation, fields.LogStorageLocation,
		jobID, string(from),
	)
}

func (s *Store) SetArchiveHandle(ctx context.Context, jobID, handle string) (*jobrecord.Record, error) {
	return s.conditionalUpdate(ctx, "SetArchiveHandle", jobID, `UPDATE jobs SET result_archive_handle = ?
		WHERE job_id = ? AND (result_archive_handle = '' OR result_archive_handle = ?)`,
		handle, jobID, handle,
	)
}

func (s *Store) SetRetrievalHandle(ctx context.Context, jobID, handle string) (*jobrecord.Record, error) {
	return s.conditionalUpdate(ctx, "SetRetrievalHandle", jobID, `UPDATE jobs SET retrieval_job_handle = ?
		WHERE job_id = ? AND result_archive_handle != ''
		AND (retrieval_job_handle = '' OR retrieval_job_handle = ?)`,
		handle, jobID, handle,
	)
}

func (s *Store) ClearHandles(ctx context.Context, jobID string) (*jobrecord.Record, error) {
	return s.conditionalUpdate(ctx, "ClearHandles", jobID, `UPDATE jobs SET
			result_archive_handle = '', retrieval_job_handle = ''
		WHERE job_id = ?`,
		jobID,
	)
}

func (s *Store) ListByUser(ctx context.Context, userID string) ([]jobrecord.Record, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+selectColumns+` FROM jobs WHERE user_id = ?
		ORDER BY submit_time, job_id`, userID)
	if err != nil {
		return nil, fail("ListByUser", "", err)
	}
	defer func() { _ = rows.Close() }()

	var out []jobrecord.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fail("ListByUser", "", err)
		}
		out = append(out, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fail("ListByUser", "", err)
	}
	return out, nil
}

// conditionalUpdate runs a guarded UPDATE and reads the row back in the same
// transaction. Zero affected rows is ErrNotFound or ErrConditionFailed
// depending on whether the row exists.
func (s *Store) conditionalUpdate(ctx context.Context, op, jobID, query string, args ...any) (*jobrecord.Record, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fail(op, jobID, err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return nil, fail(op, jobID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, fail(op, jobID, err)
	}

	rec, err := scanRecord(tx.QueryRowContext(ctx, `SELECT `+selectColumns+` FROM jobs WHERE job_id = ?`, jobID))
	if err != nil {
		return nil, fail(op, jobID, err)
	}
	if n == 0 {
		return nil, fail(op, jobID, jobrecord.ErrConditionFailed)
	}
	if err := tx.Commit(); err != nil {
		return nil, fail(op, jobID, err)
	}
	return rec, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*jobrecord.Record, error) {
	var rec jobrecord.Record
	var status string
	err := row.Scan(
		&rec.JobID, &rec.UserID, &rec.UserEmail, &rec.InputFileName, &rec.InputStorageLocation,
		&rec.SubmitTime, &status, &rec.CompleteTime, &rec.ResultStorageLocation, &rec.LogStorageLocation,
		&rec.ResultArchiveHandle, &rec.RetrievalJobHandle,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, jobrecord.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	rec.Status = jobrecord.Status(status)
	return &rec, nil
}

func fail(op, jobID string, err error) error {
	var se *jobrecord.StoreError
	if errors.As(err, &se) {
		return err
	}
	return &jobrecord.StoreError{Op: op, Backend: backend, JobID: jobID, Err: err}
}
