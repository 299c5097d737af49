package lifecycle

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/3leaps/annoflow/pkg/jobrecord"
	"github.com/3leaps/annoflow/pkg/profile"
	"github.com/3leaps/annoflow/pkg/provider"
	"github.com/3leaps/annoflow/pkg/queue"
)

// SubmitRequest describes a new annotation job.
type SubmitRequest struct {
	UserID               string
	UserEmail            string
	InputStorageLocation string

	// InputFileName defaults to the last element of the input location.
	InputFileName string
}

// Submitter creates PENDING job records and publishes submission events.
type Submitter struct {
	Records  jobrecord.Store
	Requests queue.Publisher
	Logger   *zap.Logger

	Now   func() time.Time
	NewID func() string
}

// Submit creates the job and publishes its submission event. If publishing
// fails the PENDING record remains and the error is returned.
func (s *Submitter) Submit(ctx context.Context, req SubmitRequest) (*jobrecord.Record, error) {
	loc, err := provider.ParseLocation(strings.TrimSpace(req.InputStorageLocation))
	if err != nil {
		return nil, fmt.Errorf("input location: %w", err)
	}
	name := strings.TrimSpace(req.InputFileName)
	if name == "" {
		name = loc.Base()
	}
	if _, err := localName(name); err != nil {
		return nil, err
	}

	newID := s.NewID
	if newID == nil {
		newID = uuid.NewString
	}
	rec := &jobrecord.Record{
		JobID:                newID(),
		UserID:               strings.TrimSpace(req.UserID),
		UserEmail:            strings.TrimSpace(req.UserEmail),
		InputFileName:        name,
		InputStorageLocation: loc.String(),
		SubmitTime:           nowOr(s.Now).Unix(),
		Status:               jobrecord.StatusPending,
	}
	if err := s.Records.Create(ctx, rec); err != nil {
		return nil, err
	}

	out, err := encode(SubjectSubmitted, SubmissionFor(rec))
	if err != nil {
		return rec, err
	}
	if err := s.Requests.Publish(ctx, out); err != nil {
		return rec, fmt.Errorf("publish submission: %w", err)
	}
	s.logger().Info("Job submitted", zap.String("job_id", rec.JobID), zap.String("user_id", rec.UserID))
	return rec, nil
}

func (s *Submitter) logger() *zap.Logger {
	if s.Logger == nil {
		return zap.NewNop()
	}
	return s.Logger
}

// Upgrader moves a user to the paid tier and requests restores for every
// archived result.
type Upgrader struct {
	Records jobrecord.Store
	Restore queue.Publisher
	Logger  *zap.Logger

	// Profiles, when set, records the new tier before restores are requested.
	Profiles profile.Updater
}

// Upgrade returns the number of restore requests published.
func (u *Upgrader) Upgrade(ctx context.Context, userID string) (int, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return 0, fmt.Errorf("%w: user_id is required", ErrMalformed)
	}
	log := u.logger().With(zap.String("user_id", userID))

	if u.Profiles != nil {
		if err := u.Profiles.SetTier(ctx, userID, profile.TierPaid); err != nil {
			return 0, fmt.Errorf("set tier: %w", err)
		}
	}

	recs, err := u.Records.ListByUser(ctx, userID)
	if err != nil {
		return 0, err
	}
	published := 0
	for i := range recs {
		rec := &recs[i]
		if !rec.Archived() || rec.Restoring() {
			continue
		}
		out, err := encode(SubjectRestore, rec)
		if err != nil {
			return published, err
		}
		if err := u.Restore.Publish(ctx, out); err != nil {
			return published, fmt.Errorf("publish restore for %s: %w", rec.JobID, err)
		}
		published++
		log.Info("Restore requested", zap.String("job_id", rec.JobID))
	}
	return published, nil
}

func (u *Upgrader) logger() *zap.Logger {
	if u.Logger == nil {
		return zap.NewNop()
	}
	return u.Logger
}
