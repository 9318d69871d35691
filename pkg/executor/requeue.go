package executor

import (
	"context"

	"github.com/pkg/errors"
	"github.com/speedrun-hq/bridge-relayer/pkg/dedup"
	"github.com/speedrun-hq/bridge-relayer/pkg/models"
	"github.com/speedrun-hq/bridge-relayer/pkg/queue"
)

// ErrRequeueRefused is returned when the dedup record of a dead letter rules out another attempt
var ErrRequeueRefused = errors.New("dead letter cannot be requeued")

// DeadLetters is the queue surface RequeueDead needs. *queue.Queue implements it.
type DeadLetters interface {
	Dead(ctx context.Context, id string) (*queue.DeadLetter, error)
	RequeueDead(ctx context.Context, id string) error
}

// RequeueDead moves dead letter id back to its ready queue. A failed
// operation is reopened for the job first, since the claim would otherwise
// discard it; a confirmed operation, or one pending under another job, is
// refused.
func RequeueDead(ctx context.Context, q DeadLetters, store dedup.Store, id string) error {
	letter, err := q.Dead(ctx, id)
	if err != nil {
		return err
	}
	job := letter.Job
	key := job.DedupKey()

	record, err := store.Lookup(ctx, key)
	switch {
	case errors.Is(err, dedup.ErrNotFound):
		// never claimed
	case err != nil:
		return errors.Wrapf(err, "failed to look up %s", key)
	case record.Status == models.StatusConfirmed:
		return errors.Wrapf(ErrRequeueRefused, "%s is already confirmed by %s", key, record.TxHash)
	case record.Status == models.StatusPending && record.Owner != job.ID:
		return errors.Wrapf(ErrRequeueRefused, "%s is pending under job %s", key, record.Owner)
	case record.Status == models.StatusFailed:
		if err := store.Reopen(ctx, key, job.ID); err != nil {
			return errors.Wrapf(err, "failed to reopen %s", key)
		}
	}

	return q.RequeueDead(ctx, id)
}
