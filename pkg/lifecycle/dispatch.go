package lifecycle

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/3leaps/annoflow/pkg/jobrecord"
	"github.com/3leaps/annoflow/pkg/provider"
	"github.com/3leaps/annoflow/pkg/queue"
	"github.com/3leaps/annoflow/pkg/transfer"
	"github.com/3leaps/annoflow/pkg/workarea"
)

// DefaultStaleClaimAfter is how long a claimed job directory without a launch
// marker is treated as an attempt in progress.
const DefaultStaleClaimAfter = 10 * time.Minute

// Dispatcher consumes submission events and launches the annotation process.
//
// Launch is idempotent per job ID within one work area: the job directory is
// claimed with an exclusive mkdir and a launch marker is written once the
// process has started.
type Dispatcher struct {
	Records  jobrecord.Store
	Inputs   ObjectResolver
	Area     *workarea.Area
	Launcher workarea.Launcher
	Logger   *zap.Logger

	// StaleClaimAfter bounds how long an unmarked claim blocks redelivery.
	StaleClaimAfter time.Duration

	Now func() time.Time
}

// Handle implements Handler.
func (d *Dispatcher) Handle(ctx context.Context, msg queue.Message) error {
	sub, err := decodeSubmission(msg)
	if err != nil {
		return err
	}
	log := d.logger().With(zap.String("job_id", sub.JobID), zap.String("user_id", sub.UserID))

	loc, err := provider.ParseLocation(sub.InputStorageLocation)
	if err != nil {
		return fmt.Errorf("%w: input location: %v", ErrMalformed, err)
	}
	inputName, err := localName(sub.InputFileName)
	if err != nil {
		return err
	}

	rec, err := d.Records.Get(ctx, sub.JobID)
	if err != nil {
		if jobrecord.IsNotFound(err) {
			return fmt.Errorf("%w: submission for unknown job %s", ErrInvariant, sub.JobID)
		}
		return err
	}
	if rec.Status == jobrecord.StatusCompleted {
		log.Info("Job already completed; dropping submission")
		return nil
	}

	if d.Area.Launched(sub.JobID) {
		log.Info("Job already launched; skipping launch")
		return d.markRunning(ctx, log, sub.JobID)
	}

	dir, claimed, err := d.Area.Claim(sub.JobID)
	if err != nil {
		return err
	}
	if !claimed {
		if err := d.reclaim(sub.JobID); err != nil {
			return err
		}
		if dir, claimed, err = d.Area.Claim(sub.JobID); err != nil {
			return err
		}
		if !claimed {
			return RetryAfter(time.Minute, "job directory for %s claimed concurrently", sub.JobID)
		}
	}

	launched := false
	defer func() {
		if !launched {
			if rerr := d.Area.Release(sub.JobID); rerr != nil {
				log.Warn("Failed to release job directory", zap.Error(rerr))
			}
		}
	}()

	store, err := d.Inputs.For(ctx, loc)
	if err != nil {
		return err
	}
	inputPath := filepath.Join(dir, inputName)
	size, err := transfer.DownloadFile(ctx, store, loc.Key, inputPath)
	if err != nil {
		return fmt.Errorf("download input %s: %w", loc, err)
	}
	log.Debug("Input downloaded", zap.String("path", inputPath), zap.Int64("bytes", size))

	if err := d.markRunning(ctx, log, sub.JobID); err != nil {
		return err
	}

	launch, err := d.Launcher.Launch(ctx, workarea.LaunchRequest{
		JobID:         sub.JobID,
		UserID:        sub.UserID,
		InputFileName: sub.InputFileName,
		InputPath:     inputPath,
	})
	if err != nil {
		return fmt.Errorf("launch annotator: %w", err)
	}
	launched = true

	if err := d.Area.WriteLaunch(launch); err != nil {
		// The process is running; redelivery finds an unmarked claim and
		// waits for it to go stale.
		log.Error("Annotator started but launch marker write failed", zap.Int("pid", launch.PID), zap.Error(err))
		return err
	}

	log.Info("Annotator launched", zap.Int("pid", launch.PID))
	return nil
}

// markRunning performs PENDING -> RUNNING. A record already past PENDING is a
// duplicate delivery and not an error.
func (d *Dispatcher) markRunning(ctx context.Context, log *zap.Logger, jobID string) error {
	_, err := d.Records.Transition(ctx, jobID, jobrecord.StatusPending, jobrecord.StatusRunning, jobrecord.Fields{})
	if jobrecord.IsConditionFailed(err) {
		log.Debug("Job no longer PENDING; status unchanged")
		return nil
	}
	return err
}

// reclaim releases a claim left behind by a crashed attempt. A recent claim
// is assumed to belong to an attempt still in progress.
func (d *Dispatcher) reclaim(jobID string) error {
	at, err := d.Area.ClaimedAt(jobID)
	if err != nil {
		return err
	}
	stale := d.StaleClaimAfter
	if stale <= 0 {
		stale = DefaultStaleClaimAfter
	}
	if age := nowOr(d.Now).Sub(at); age < stale {
		return RetryAfter(stale-age, "launch of %s in progress", jobID)
	}
	d.logger().Warn("Releasing stale job directory", zap.String("job_id", jobID), zap.Time("claimed_at", at))
	return d.Area.Release(jobID)
}

func (d *Dispatcher) logger() *zap.Logger {
	if d.Logger == nil {
		return zap.NewNop()
	}
	return d.Logger
}

// localName returns the file name used for the downloaded input.
func localName(name string) (string, error) {
	base := filepath.Base(strings.TrimSpace(name))
	if base == "." || base == ".." || base == string(filepath.Separator) || base == "" {
		return "", fmt.Errorf("%w: invalid input_file_name %q", ErrMalformed, name)
	}
	return base, nil
}
