package lifecycle

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/3leaps/annoflow/pkg/coldstore"
	"github.com/3leaps/annoflow/pkg/jobrecord"
	"github.com/3leaps/annoflow/pkg/queue"
)

// RestoreInitiator consumes restore requests, starts a cold storage
// retrieval and hands the retrieval to the thaw stage.
type RestoreInitiator struct {
	Records jobrecord.Store
	Vault   coldstore.Vault
	Thaw    queue.Publisher
	Logger  *zap.Logger
}

// Handle implements Handler.
func (ri *RestoreInitiator) Handle(ctx context.Context, msg queue.Message) error {
	ev, err := decodeRestore(msg)
	if err != nil {
		return err
	}
	log := ri.logger().With(zap.String("job_id", ev.JobID))

	rec, err := ri.Records.Get(ctx, ev.JobID)
	if err != nil {
		return err
	}
	if !rec.Archived() {
		log.Info("Result not archived; dropping stale restore request")
		return nil
	}
	if rec.Restoring() {
		log.Info("Retrieval already in flight; republishing thaw event", zap.String("retrieval_job_handle", rec.RetrievalJobHandle))
		return ri.publish(ctx, rec)
	}
	if ev.ResultArchiveHandle != "" && ev.ResultArchiveHandle != rec.ResultArchiveHandle {
		log.Warn("Restore request carries a different archive handle; using the recorded one",
			zap.String("event_handle", ev.ResultArchiveHandle),
			zap.String("record_handle", rec.ResultArchiveHandle))
	}

	retrievalID, tier, err := ri.initiate(ctx, log, rec)
	if err != nil {
		return err
	}

	updated, err := ri.Records.SetRetrievalHandle(ctx, rec.JobID, retrievalID)
	if jobrecord.IsConditionFailed(err) {
		latest, gerr := ri.Records.Get(ctx, rec.JobID)
		if gerr != nil {
			return gerr
		}
		switch {
		case latest.Restoring():
			log.Info("Another consumer started a retrieval first",
				zap.String("retrieval_job_handle", latest.RetrievalJobHandle),
				zap.String("unused_retrieval", retrievalID))
			return ri.publish(ctx, latest)
		case !latest.Archived():
			log.Info("Result restored concurrently; dropping restore request")
			return nil
		}
		return fmt.Errorf("%w: retrieval handle rejected for %s", ErrInvariant, rec.JobID)
	}
	if err != nil {
		return err
	}

	log.Info("Retrieval initiated", zap.String("retrieval_job_handle", retrievalID), zap.String("tier", tier.String()))
	return ri.publish(ctx, updated)
}

// initiate requests an Expedited retrieval and falls back to Standard exactly
// once when the Expedited tier is rejected for capacity or policy reasons.
// Any other error is returned as-is.
func (ri *RestoreInitiator) initiate(ctx context.Context, log *zap.Logger, rec *jobrecord.Record) (string, coldstore.Tier, error) {
	req := coldstore.RetrievalRequest{
		ArchiveID:   rec.ResultArchiveHandle,
		Tier:        coldstore.TierExpedited,
		Description: rec.JobID,
	}
	id, err := ri.Vault.InitiateRetrieval(ctx, req)
	if err == nil {
		return id, req.Tier, nil
	}
	if !coldstore.IsTierUnavailable(err) {
		return "", "", fmt.Errorf("initiate retrieval: %w", err)
	}

	log.Info("Expedited retrieval rejected; falling back to Standard", zap.Error(err))
	req.Tier = coldstore.TierStandard
	id, err = ri.Vault.InitiateRetrieval(ctx, req)
	if err != nil {
		if coldstore.IsTierUnavailable(err) {
			return "", "", fmt.Errorf("%w: standard retrieval rejected: %w", ErrPermanent, err)
		}
		return "", "", fmt.Errorf("initiate standard retrieval: %w", err)
	}
	return id, req.Tier, nil
}

func (ri *RestoreInitiator) publish(ctx context.Context, rec *jobrecord.Record) error {
	out, err := encode(SubjectThaw, rec)
	if err != nil {
		return err
	}
	if err := ri.Thaw.Publish(ctx, out); err != nil {
		return fmt.Errorf("publish thaw event: %w", err)
	}
	return nil
}

func (ri *RestoreInitiator) logger() *zap.Logger {
	if ri.Logger == nil {
		return zap.NewNop()
	}
	return ri.Logger
}
