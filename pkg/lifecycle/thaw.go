package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/3leaps/annoflow/pkg/coldstore"
	"github.com/3leaps/annoflow/pkg/jobrecord"
	"github.com/3leaps/annoflow/pkg/provider"
	"github.com/3leaps/annoflow/pkg/queue"
	"github.com/3leaps/annoflow/pkg/transfer"
)

// DefaultThawPollInterval is the redelivery delay while a retrieval is in
// progress.
const DefaultThawPollInterval = 5 * time.Minute

// Thawer consumes thaw events. Each delivery polls the retrieval once; when
// it is ready the result is written back to hot storage, the archive is
// deleted and both handles are removed from the record.
//
// Every step is safe to repeat after a crash: the hot write overwrites, the
// archive delete tolerates a missing archive and clearing handles tolerates
// absent fields.
type Thawer struct {
	Records jobrecord.Store
	Hot     ObjectResolver
	Vault   coldstore.Vault
	Logger  *zap.Logger

	// PollInterval is the visibility applied while the retrieval is not ready.
	PollInterval time.Duration

	RetryBufferMaxMemoryBytes int64
}

// Handle implements Handler.
func (t *Thawer) Handle(ctx context.Context, msg queue.Message) error {
	ev, err := decodeThaw(msg)
	if err != nil {
		return err
	}
	log := t.logger().With(zap.String("job_id", ev.JobID), zap.String("retrieval_job_handle", ev.RetrievalJobHandle))

	rec, err := t.Records.Get(ctx, ev.JobID)
	if err != nil {
		return err
	}
	if !rec.Archived() && !rec.Restoring() {
		log.Info("Result already restored; dropping thaw event")
		return nil
	}
	if rec.RetrievalJobHandle != ev.RetrievalJobHandle {
		log.Info("Thaw event does not match the recorded retrieval; dropping",
			zap.String("record_handle", rec.RetrievalJobHandle))
		return nil
	}

	loc, err := provider.ParseLocation(rec.ResultStorageLocation)
	if err != nil {
		return fmt.Errorf("%w: result location: %v", ErrInvariant, err)
	}
	hot, err := t.Hot.For(ctx, loc)
	if err != nil {
		return err
	}

	present, err := provider.Exists(ctx, hot, loc.Key)
	if err != nil {
		return err
	}
	if !present {
		r, err := t.Vault.DescribeRetrieval(ctx, ev.RetrievalJobHandle)
		if err != nil {
			if coldstore.IsNotFound(err) {
				return fmt.Errorf("%w: retrieval %s no longer exists: %w", ErrPermanent, ev.RetrievalJobHandle, err)
			}
			return fmt.Errorf("describe retrieval: %w", err)
		}
		switch r.Status {
		case coldstore.RetrievalFailed:
			return fmt.Errorf("%w: retrieval %s failed: %s", ErrPermanent, r.ID, r.StatusMessage)
		case coldstore.RetrievalSucceeded:
		default:
			return RetryAfter(t.pollInterval(), "retrieval %s is %s", ev.RetrievalJobHandle, r.Status)
		}

		n, err := transfer.RestoreObject(ctx, t.Vault, ev.RetrievalJobHandle, hot, loc.Key, t.RetryBufferMaxMemoryBytes)
		if errors.Is(err, coldstore.ErrNotReady) {
			return RetryAfter(t.pollInterval(), "retrieval %s output not yet available", ev.RetrievalJobHandle)
		}
		if err != nil {
			return fmt.Errorf("restore %s: %w", loc, err)
		}
		log.Debug("Result written to hot storage", zap.String("location", loc.String()), zap.Int64("bytes", n))
	} else {
		log.Debug("Hot copy already present; skipping fetch")
	}

	if rec.ResultArchiveHandle != "" {
		if err := t.Vault.DeleteArchive(ctx, rec.ResultArchiveHandle); err != nil {
			return fmt.Errorf("delete archive: %w", err)
		}
	}
	if _, err := t.Records.ClearHandles(ctx, rec.JobID); err != nil {
		return err
	}

	log.Info("Result restored", zap.String("location", loc.String()))
	return nil
}

func (t *Thawer) pollInterval() time.Duration {
	if t.PollInterval <= 0 {
		return DefaultThawPollInterval
	}
	return t.PollInterval
}

func (t *Thawer) logger() *zap.Logger {
	if t.Logger == nil {
		return zap.NewNop()
	}
	return t.Logger
}
