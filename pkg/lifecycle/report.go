package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"go.uber.org/zap"

	"github.com/3leaps/annoflow/pkg/jobrecord"
	"github.com/3leaps/annoflow/pkg/provider"
	"github.com/3leaps/annoflow/pkg/queue"
	"github.com/3leaps/annoflow/pkg/transfer"
	"github.com/3leaps/annoflow/pkg/workarea"
)

// Default artifact patterns, relative to the job directory. {stem} is the
// input file name without its extension.
const (
	DefaultResultPattern = "{stem}.annot.vcf"
	DefaultLogPattern    = "{stem}.vcf.count.log"
)

// ErrArtifactMissing indicates an expected output file was not produced.
var ErrArtifactMissing = errors.New("artifact not found")

// ErrPublish indicates the completion event could not be published.
var ErrPublish = errors.New("publish completion event")

// Report identifies a finished annotation run.
type Report struct {
	JobID         string
	UserID        string
	InputFileName string

	// Republish re-sends the completion event for a job this reporter already
	// completed, without touching the record or the working area. It exists
	// for operators recovering from a failed publish.
	Republish bool
}

type Reporter struct {
	Records jobrecord.Store
	Area    *workarea.Area

	// Results receives the artifacts under <ResultsPrefix>/<user_id>/<job_id>/.
	Results       provider.ObjectPutter
	ResultsScheme provider.ProviderType
	ResultsBucket string
	ResultsPrefix string

	ResultPattern string
	LogPattern    string

	// Notify and Archive receive the completion event.
	Notify  queue.Publisher
	Archive queue.Publisher

	Logger *zap.Logger
	Now    func() time.Time
}

// Report runs the completion stage. The returned record is the snapshot that
// was published.
//
// A job that is not RUNNING, or that stops being RUNNING before the
// conditional update, is an invariant violation: nothing is cleaned up and
// nothing is published.
func (r *Reporter) Report(ctx context.Context, rep Report) (*jobrecord.Record, error) {
	if rep.JobID == "" || rep.UserID == "" || rep.InputFileName == "" {
		return nil, fmt.Errorf("%w: job_id, user_id and input_file_name are required", ErrMalformed)
	}
	log := r.logger().With(zap.String("job_id", rep.JobID), zap.String("user_id", rep.UserID))

	resultKey := func(file string) provider.Location {
		return provider.Join(r.ResultsScheme, r.ResultsBucket, r.ResultsPrefix, rep.UserID, rep.JobID, file)
	}

	cur, err := r.Records.Get(ctx, rep.JobID)
	if err != nil {
		return nil, err
	}
	if cur.UserID != rep.UserID {
		return nil, fmt.Errorf("%w: job %s belongs to %s, reported by %s", ErrInvariant, rep.JobID, cur.UserID, rep.UserID)
	}
	if rep.Republish {
		if !r.alreadyCompleted(cur, resultKey("")) {
			return nil, fmt.Errorf("%w: job %s is %s, republish needs a completed job", ErrInvariant, rep.JobID, cur.Status)
		}
		log.Info("Republishing completion event")
		return cur, r.publish(ctx, cur)
	}
	if cur.Status != jobrecord.StatusRunning {
		return nil, fmt.Errorf("%w: job %s is %s, expected RUNNING", ErrInvariant, rep.JobID, cur.Status)
	}

	resultPath, err := r.findArtifact(rep, r.ResultPattern, DefaultResultPattern)
	if err != nil {
		return nil, err
	}
	logPath, err := r.findArtifact(rep, r.LogPattern, DefaultLogPattern)
	if err != nil {
		return nil, err
	}

	resultLoc := resultKey(filepath.Base(resultPath))
	logLoc := resultKey(filepath.Base(logPath))
	for _, up := range []struct {
		path string
		loc  provider.Location
	}{{resultPath, resultLoc}, {logPath, logLoc}} {
		n, err := transfer.UploadFile(ctx, r.Results, up.path, up.loc.Key)
		if err != nil {
			return nil, fmt.Errorf("upload %s: %w", up.loc, err)
		}
		log.Debug("Artifact uploaded", zap.String("location", up.loc.String()), zap.Int64("bytes", n))
	}

	rec, err := r.Records.Transition(ctx, rep.JobID, jobrecord.StatusRunning, jobrecord.StatusCompleted, jobrecord.Fields{
		CompleteTime:          nowOr(r.Now).Unix(),
		ResultStorageLocation: resultLoc.String(),
		LogStorageLocation:    logLoc.String(),
	})
	if jobrecord.IsConditionFailed(err) {
		return nil, fmt.Errorf("%w: job %s left RUNNING before completion: %w", ErrInvariant, rep.JobID, err)
	}
	if err != nil {
		return nil, err
	}
	log.Info("Job completed", zap.String("result", rec.ResultStorageLocation))

	if err := r.Area.Release(rep.JobID); err != nil {
		log.Warn("Failed to remove working area", zap.Error(err))
	}

	if err := r.publish(ctx, rec); err != nil {
		log.Error("Completion event not published", zap.Error(err))
		return rec, err
	}
	return rec, nil
}

// alreadyCompleted reports whether cur is COMPLETED with results under the
// prefix this reporter writes.
func (r *Reporter) alreadyCompleted(cur *jobrecord.Record, prefix provider.Location) bool {
	if cur.Status != jobrecord.StatusCompleted {
		return false
	}
	return strings.HasPrefix(cur.ResultStorageLocation, prefix.String()+"/")
}

func (r *Reporter) publish(ctx context.Context, rec *jobrecord.Record) error {
	out, err := encode(SubjectCompleted, rec)
	if err != nil {
		return err
	}
	var errs []error
	for name, pub := range map[string]queue.Publisher{"notify": r.Notify, "archive": r.Archive} {
		if pub == nil {
			continue
		}
		if err := pub.Publish(ctx, out); err != nil {
			errs = append(errs, fmt.Errorf("%w to %s: %w", ErrPublish, name, err))
		}
	}
	return errors.Join(errs...)
}

// findArtifact returns the first file in the job directory matching pattern.
func (r *Reporter) findArtifact(rep Report, pattern, def string) (string, error) {
	if pattern == "" {
		pattern = def
	}
	name := filepath.Base(rep.InputFileName)
	stem := strings.TrimSuffix(name, path.Ext(name))
	pattern = strings.ReplaceAll(pattern, "{stem}", escapeGlob(stem))

	dir := r.Area.JobDir(rep.JobID)
	matches, err := doublestar.Glob(os.DirFS(dir), pattern, doublestar.WithFilesOnly())
	if err != nil {
		return "", fmt.Errorf("match %q: %w", pattern, err)
	}
	if len(matches) == 0 {
		return "", fmt.Errorf("%w: %s in %s", ErrArtifactMissing, pattern, dir)
	}
	sort.Strings(matches)
	return filepath.Join(dir, filepath.FromSlash(matches[0])), nil
}

func (r *Reporter) logger() *zap.Logger {
	if r.Logger == nil {
		return zap.NewNop()
	}
	return r.Logger
}

func escapeGlob(s string) string {
	var b strings.Builder
	for _, c := range s {
		switch c {
		case '*', '?', '[', ']', '{', '}', '\\', ',':
			b.WriteByte('\\')
		}
		b.WriteRune(c)
	}
	return b.String()
}
