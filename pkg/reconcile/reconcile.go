package reconcile

import (
	"context"
	"time"

	"github.com/bsm/redislock"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/speedrun-hq/bridge-relayer/pkg/dedup"
	"github.com/speedrun-hq/bridge-relayer/pkg/finality"
	"github.com/speedrun-hq/bridge-relayer/pkg/logger"
	"github.com/speedrun-hq/bridge-relayer/pkg/metrics"
	"github.com/speedrun-hq/bridge-relayer/pkg/models"
)

const (
	lockKey = "reconcile:lock"
	lockTTL = 5 * time.Minute
)

// Chain is the read surface of the chain a record's transaction was sent to
type Chain interface {
	BlockNumber(ctx context.Context) (uint64, error)
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	RequiredConfirmations() uint64
}

// Report counts what one reconciliation pass did
type Report struct {
	Checked   int
	Confirmed int
	Failed    int
	Left      int
	Skipped   bool
}

// Reconciler resolves records left pending by a previous run, using the chain
// as the source of truth. Records it cannot settle stay with their queue job.
type Reconciler struct {
	store  dedup.Store
	chains map[models.JobKind]Chain
	locker *redislock.Client
	logger logger.Logger
}

// New creates a reconciler. client may be nil, in which case no lock is taken.
func New(store dedup.Store, chains map[models.JobKind]Chain, client *redis.Client, log logger.Logger) *Reconciler {
	r := &Reconciler{
		store:  store,
		chains: chains,
		logger: log,
	}
	if client != nil {
		r.locker = redislock.New(client)
	}
	return r
}

// Run checks every pending record once. Another process already reconciling
// makes Run return a skipped report.
func (r *Reconciler) Run(ctx context.Context) (Report, error) {
	var report Report

	if r.locker != nil {
		lock, err := r.locker.Obtain(ctx, lockKey, lockTTL, nil)
		if err == redislock.ErrNotObtained {
			r.logger.Notice("Reconciliation already running elsewhere, skipping")
			report.Skipped = true
			return report, nil
		} else if err != nil {
			return report, errors.Wrap(err, "failed to obtain reconcile lock")
		}
		defer func() {
			_ = lock.Release(context.WithoutCancel(ctx))
		}()
	}

	pending, err := r.store.ListPending(ctx)
	if err != nil {
		return report, errors.Wrap(err, "failed to list pending records")
	}
	r.logger.Info("Reconciling %d pending records", len(pending))

	for _, p := range pending {
		if ctx.Err() != nil {
			return report, ctx.Err()
		}
		report.Checked++

		result, err := r.reconcile(ctx, p)
		if err != nil {
			r.logger.Error("Failed to reconcile %s: %v", p.Key, err)
			result = "error"
		}
		metrics.Reconciled.WithLabelValues(result).Inc()

		switch result {
		case "confirmed":
			report.Confirmed++
		case "failed":
			report.Failed++
		default:
			report.Left++
		}
	}

	r.logger.Info("Reconciliation done: %d checked, %d confirmed, %d failed, %d left pending",
		report.Checked, report.Confirmed, report.Failed, report.Left)
	return report, nil
}

// reconcile settles one record and names the result
func (r *Reconciler) reconcile(ctx context.Context, p dedup.PendingRecord) (string, error) {
	if p.Record.TxHash == "" {
		r.logger.Debug("%s has no submitted transaction, leaving it to job %s", p.Key, p.Record.Owner)
		return "unsubmitted", nil
	}
	if p.Record.Reopened {
		r.logger.Debug("%s was reopened by an operator, leaving it to job %s", p.Key, p.Record.Owner)
		return "reopened", nil
	}

	kind := models.KindFromKey(p.Key)
	chain, ok := r.chains[kind]
	if !ok {
		return "", errors.Errorf("no chain for %s records", kind)
	}

	txHash := common.HexToHash(p.Record.TxHash)
	receipt, err := chain.TransactionReceipt(ctx, txHash)
	if errors.Is(err, ethereum.NotFound) {
		r.logger.Debug("%s transaction %s is not mined, leaving it to job %s", p.Key, txHash.Hex(), p.Record.Owner)
		return "unmined", nil
	}
	if err != nil {
		return "", errors.Wrapf(err, "failed to fetch receipt of %s", txHash.Hex())
	}

	if receipt.Status != types.ReceiptStatusSuccessful {
		reason := "reverted: " + txHash.Hex()
		if err := r.record(ctx, p.Key, models.Failed(reason)); err != nil {
			return "", err
		}
		r.logger.Notice("%s transaction %s reverted, marked failed", p.Key, txHash.Hex())
		return "failed", nil
	}

	head, err := chain.BlockNumber(ctx)
	if err != nil {
		return "", errors.Wrap(err, "failed to read chain height")
	}
	if !finality.IsFinal(head, receipt.BlockNumber.Uint64(), chain.RequiredConfirmations()) {
		r.logger.Debug("%s transaction %s in block %d is not final at %d", p.Key, txHash.Hex(), receipt.BlockNumber, head)
		return "not_final", nil
	}

	if err := r.record(ctx, p.Key, models.Confirmed(txHash)); err != nil {
		return "", err
	}
	r.logger.Info("%s confirmed by %s in block %d", p.Key, txHash.Hex(), receipt.BlockNumber)
	return "confirmed", nil
}

// record writes an outcome; a record settled meanwhile by its job is left as is
func (r *Reconciler) record(ctx context.Context, key string, outcome models.Outcome) error {
	err := r.store.RecordOutcome(ctx, key, outcome)
	if errors.Is(err, dedup.ErrNotPending) {
		return nil
	}
	return err
}
