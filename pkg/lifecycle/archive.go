package lifecycle

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/3leaps/annoflow/pkg/coldstore"
	"github.com/3leaps/annoflow/pkg/jobrecord"
	"github.com/3leaps/annoflow/pkg/profile"
	"github.com/3leaps/annoflow/pkg/provider"
	"github.com/3leaps/annoflow/pkg/queue"
	"github.com/3leaps/annoflow/pkg/transfer"
)

// DefaultFreeRetention is how long free-tier results stay in hot storage
// after completion.
const DefaultFreeRetention = 5 * time.Minute

// Archiver consumes completion events and moves free-tier results from hot
// storage to the cold archive.
//
// The three steps (archive upload, handle write, hot delete) are each safe to
// repeat. The hot copy is deleted only after the handle is on the record.
type Archiver struct {
	Records  jobrecord.Store
	Profiles profile.Lookup
	Hot      ObjectResolver
	Vault    coldstore.Vault
	Logger   *zap.Logger

	// FreeRetention delays archiving until this long after complete_time.
	FreeRetention time.Duration

	RetryBufferMaxMemoryBytes int64

	Now func() time.Time
}

// Handle implements Handler.
func (a *Archiver) Handle(ctx context.Context, msg queue.Message) error {
	ev, err := decodeCompletion(msg)
	if err != nil {
		return err
	}
	log := a.logger().With(zap.String("job_id", ev.JobID), zap.String("user_id", ev.UserID))

	tier, err := a.Profiles.Tier(ctx, ev.UserID)
	if err != nil {
		return fmt.Errorf("tier lookup for %s: %w", ev.UserID, err)
	}
	if tier != profile.TierFree {
		log.Debug("Paid tier; result stays in hot storage")
		return nil
	}

	if a.FreeRetention > 0 && ev.CompleteTime > 0 {
		elapsed := nowOr(a.Now).Sub(time.Unix(ev.CompleteTime, 0))
		if remaining := a.FreeRetention - elapsed; remaining > 0 {
			return RetryAfter(remaining, "free retention window for %s", ev.JobID)
		}
	}

	rec, err := a.Records.Get(ctx, ev.JobID)
	if err != nil {
		return err
	}
	if rec.Status != jobrecord.StatusCompleted {
		return fmt.Errorf("%w: completion event for %s which is %s", ErrInvariant, rec.JobID, rec.Status)
	}
	if rec.Restoring() {
		log.Info("Restore in flight; skipping archive")
		return nil
	}

	loc, err := provider.ParseLocation(rec.ResultStorageLocation)
	if err != nil {
		return fmt.Errorf("%w: result location: %v", ErrInvariant, err)
	}
	hot, err := a.Hot.For(ctx, loc)
	if err != nil {
		return err
	}

	if !rec.Archived() {
		if rec, err = a.archive(ctx, log, rec, hot, loc); err != nil {
			return err
		}
	} else {
		log.Debug("Archive handle already recorded; skipping upload")
	}

	if err := hot.DeleteObject(ctx, loc.Key); err != nil {
		return fmt.Errorf("delete hot copy %s: %w", loc, err)
	}
	log.Info("Result archived", zap.String("archive_handle", rec.ResultArchiveHandle))
	return nil
}

// archive uploads the hot copy and records the handle set-if-absent.
//
// Our upload is deleted only when the record provably holds a different
// handle. Any other failure of the handle write may have committed, so the
// archive is kept and the error returned.
func (a *Archiver) archive(ctx context.Context, log *zap.Logger, rec *jobrecord.Record, hot provider.ObjectStore, loc provider.Location) (*jobrecord.Record, error) {
	archiveID, err := transfer.ArchiveObject(ctx, hot, loc.Key, a.Vault, rec.JobID, a.RetryBufferMaxMemoryBytes)
	if err != nil {
		if provider.IsNotFound(err) {
			// A concurrent consumer may have archived and deleted it since
			// our read of the record.
			latest, gerr := a.Records.Get(ctx, rec.JobID)
			if gerr != nil {
				return nil, gerr
			}
			if latest.Archived() {
				return latest, nil
			}
			return nil, fmt.Errorf("%w: result %s missing and no archive handle recorded", ErrInvariant, loc)
		}
		return nil, fmt.Errorf("archive %s: %w", loc, err)
	}

	updated, err := a.Records.SetArchiveHandle(ctx, rec.JobID, archiveID)
	if err == nil {
		return updated, nil
	}
	if !jobrecord.IsConditionFailed(err) {
		log.Warn("Archive handle write failed; keeping uploaded archive",
			zap.String("archive_id", archiveID), zap.Error(err))
		return nil, fmt.Errorf("record archive handle: %w", err)
	}

	latest, gerr := a.Records.Get(ctx, rec.JobID)
	if gerr != nil {
		return nil, gerr
	}
	switch latest.ResultArchiveHandle {
	case archiveID:
		return latest, nil
	case "":
		return nil, fmt.Errorf("%w: archive handle rejected for %s but none recorded", ErrInvariant, rec.JobID)
	}
	a.deleteOrphan(ctx, log, archiveID)
	log.Info("Another consumer archived first", zap.String("archive_handle", latest.ResultArchiveHandle))
	return latest, nil
}

func (a *Archiver) deleteOrphan(ctx context.Context, log *zap.Logger, archiveID string) {
	if err := a.Vault.DeleteArchive(ctx, archiveID); err != nil {
		log.Warn("Failed to delete orphaned archive", zap.String("archive_id", archiveID), zap.Error(err))
	}
}

func (a *Archiver) logger() *zap.Logger {
	if a.Logger == nil {
		return zap.NewNop()
	}
	return a.Logger
}
