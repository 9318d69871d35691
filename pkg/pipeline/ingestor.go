package pipeline

import (
	"context"
	"fmt"
	"math/big"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/pkg/errors"
	"github.com/speedrun-hq/bridge-relayer/pkg/dedup"
	"github.com/speedrun-hq/bridge-relayer/pkg/finality"
	"github.com/speedrun-hq/bridge-relayer/pkg/logger"
	"github.com/speedrun-hq/bridge-relayer/pkg/metrics"
	"github.com/speedrun-hq/bridge-relayer/pkg/models"
)

// Source yields raw logs until ctx is done. Done tells it a log of block was
// queued or dropped for good. *watcher.Watcher implements it.
type Source interface {
	Watch(ctx context.Context) <-chan types.Log
	Done(block uint64)
}

// Enqueuer accepts jobs. *queue.Queue implements it.
type Enqueuer interface {
	Enqueue(ctx context.Context, job *models.Job) error
}

// ReceiptSource fetches receipts of the watched chain
type ReceiptSource interface {
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

// Config holds ingestion settings for one event stream
type Config struct {
	Kind    models.JobKind
	ChainID int
	// TargetChainID is the chain the events must name; nil accepts any
	TargetChainID *big.Int
	// VerifyReceipt re-reads the event's receipt once it is final
	VerifyReceipt bool
	RetryInterval time.Duration
}

// Ingestor moves final events from a watcher to a job queue. Every event waits
// for finality in its own goroutine so a slow block never holds back others.
type Ingestor struct {
	cfg      Config
	source   Source
	decode   Decoder
	gate     *finality.Gate
	receipts ReceiptSource
	queue    Enqueuer
	store    dedup.Store
	logger   logger.Logger

	wg      sync.WaitGroup
	waiting atomic.Int64
}

// New creates an ingestor. receipts may be nil when VerifyReceipt is off.
func New(cfg Config, source Source, gate *finality.Gate, receipts ReceiptSource, q Enqueuer, store dedup.Store, log logger.Logger) *Ingestor {
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = time.Second
	}
	decode := DecodeDeposit
	if cfg.Kind == models.JobKindPurchase {
		decode = DecodePurchase
	}
	return &Ingestor{
		cfg:      cfg,
		source:   source,
		decode:   decode,
		gate:     gate,
		receipts: receipts,
		queue:    q,
		store:    store,
		logger:   log,
	}
}

// Waiting returns the number of events waiting for finality or enqueue
func (i *Ingestor) Waiting() int64 {
	return i.waiting.Load()
}

// Run consumes the source until ctx is done, then waits for pending events to
// give up. Events not queued by then are never passed to Done, so the watcher
// replays them after a restart.
func (i *Ingestor) Run(ctx context.Context) {
	i.logger.InfoWithChain(i.cfg.ChainID, "Ingesting %s events with %d confirmations", i.cfg.Kind, i.gate.Confirmations())

	for lg := range i.source.Watch(ctx) {
		job, err := i.decode(lg)
		if err != nil {
			i.logger.ErrorWithChain(i.cfg.ChainID, "Skipping log %d of tx %s: %v", lg.Index, lg.TxHash.Hex(), err)
			i.recordError(ctx, logKey(i.cfg.Kind, lg), "invalid_job: "+err.Error())
			i.source.Done(lg.BlockNumber)
			continue
		}
		if !i.viable(job) {
			i.source.Done(lg.BlockNumber)
			continue
		}

		i.wg.Add(1)
		i.waiting.Add(1)
		go func(job *models.Job, block uint64) {
			defer i.wg.Done()
			defer i.waiting.Add(-1)
			if i.admit(ctx, job) {
				i.source.Done(block)
			}
		}(job, lg.BlockNumber)
	}

	i.wg.Wait()
	i.logger.InfoWithChain(i.cfg.ChainID, "Stopped ingesting %s events", i.cfg.Kind)
}

// viable filters events addressed to another chain
func (i *Ingestor) viable(job *models.Job) bool {
	if i.cfg.TargetChainID == nil {
		return true
	}
	target := eventTarget(job)
	if target != nil && target.Cmp(i.cfg.TargetChainID) != 0 {
		i.logger.NoticeWithChain(i.cfg.ChainID, "Skipping %s: addressed to chain %s, relaying to %s", job.DedupKey(), target, i.cfg.TargetChainID)
		return false
	}
	return true
}

// admit waits for the event to be final, re-checks it and enqueues its job.
// It returns false when ctx ended first.
func (i *Ingestor) admit(ctx context.Context, job *models.Job) bool {
	key := job.DedupKey()
	block := job.SourceBlock()

	for {
		res, err := i.gate.AwaitFinality(ctx, block)
		if err != nil {
			return false
		}
		if res == finality.TimedOut {
			i.logger.ErrorWithChain(i.cfg.ChainID, "Dropping %s: block %d not final in time", key, block)
			i.recordError(ctx, key, fmt.Sprintf("finality_timeout: source block %d not final in time", block))
			return true
		}
		if !i.cfg.VerifyReceipt || i.receipts == nil {
			break
		}

		moved, ok := i.verify(ctx, job)
		if !ok {
			return ctx.Err() == nil
		}
		if moved == 0 {
			break
		}
		block = moved
	}

	return i.enqueue(ctx, job)
}

// verify re-reads the event receipt. It returns the new block when the
// transaction was re-mined elsewhere, and false when the event is gone.
func (i *Ingestor) verify(ctx context.Context, job *models.Job) (uint64, bool) {
	key := job.DedupKey()
	txHash, blockHash := eventTx(job)

	var receipt *types.Receipt
	err := backoff.RetryNotify(func() error {
		r, err := i.receipts.TransactionReceipt(ctx, txHash)
		if errors.Is(err, ethereum.NotFound) {
			return backoff.Permanent(err)
		}
		if err != nil {
			return err
		}
		receipt = r
		return nil
	}, backoff.WithContext(i.newBackOff(), ctx), func(err error, wait time.Duration) {
		i.logger.DebugWithChain(i.cfg.ChainID, "Receipt check of %s failed, retrying in %v: %v", key, wait, err)
	})
	if ctx.Err() != nil {
		return 0, false
	}
	if err != nil || receipt.Status != types.ReceiptStatusSuccessful {
		metrics.EventsReorged.WithLabelValues(strconv.Itoa(i.cfg.ChainID)).Inc()
		i.logger.NoticeWithChain(i.cfg.ChainID, "Dropping %s: transaction %s left the canonical chain", key, txHash.Hex())
		i.recordError(ctx, key, fmt.Sprintf("reorged: source transaction %s no longer canonical", txHash.Hex()))
		return 0, false
	}

	if receipt.BlockHash != blockHash {
		block := receipt.BlockNumber.Uint64()
		i.logger.NoticeWithChain(i.cfg.ChainID, "Transaction %s of %s moved to block %d, waiting again", txHash.Hex(), key, block)
		setEventBlock(job, block, receipt.BlockHash)
		return block, true
	}
	return 0, true
}

// enqueue retries until the job is stored or ctx is done
func (i *Ingestor) enqueue(ctx context.Context, job *models.Job) bool {
	key := job.DedupKey()
	err := backoff.RetryNotify(func() error {
		return i.queue.Enqueue(ctx, job)
	}, backoff.WithContext(i.newBackOff(), ctx), func(err error, wait time.Duration) {
		i.logger.ErrorWithChain(i.cfg.ChainID, "Failed to enqueue %s, retrying in %v: %v", key, wait, err)
	})
	if err != nil {
		i.logger.NoticeWithChain(i.cfg.ChainID, "Gave up enqueueing %s on shutdown", key)
		return false
	}
	i.logger.InfoWithChain(i.cfg.ChainID, "Queued job %s for %s from block %d", job.ID, key, job.SourceBlock())
	return true
}

func (i *Ingestor) recordError(ctx context.Context, key, detail string) {
	if i.store == nil || ctx.Err() != nil {
		return
	}
	if err := i.store.RecordError(ctx, key, detail); err != nil {
		i.logger.ErrorWithChain(i.cfg.ChainID, "Failed to record error of %s: %v", key, err)
	}
}

func (i *Ingestor) newBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = i.cfg.RetryInterval
	b.MaxInterval = time.Minute
	b.MaxElapsedTime = 0
	return b
}

func eventTarget(job *models.Job) *big.Int {
	switch {
	case job.Deposit != nil:
		return job.Deposit.DestinationChainID
	case job.Purchase != nil:
		return job.Purchase.TargetChainID
	}
	return nil
}

func eventTx(job *models.Job) (common.Hash, common.Hash) {
	switch {
	case job.Deposit != nil:
		return job.Deposit.TxHash, job.Deposit.BlockHash
	case job.Purchase != nil:
		return job.Purchase.TxHash, job.Purchase.BlockHash
	}
	return common.Hash{}, common.Hash{}
}

func setEventBlock(job *models.Job, block uint64, hash common.Hash) {
	switch {
	case job.Deposit != nil:
		job.Deposit.BlockNumber = block
		job.Deposit.BlockHash = hash
	case job.Purchase != nil:
		job.Purchase.BlockNumber = block
		job.Purchase.BlockHash = hash
	}
}
