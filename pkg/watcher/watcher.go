package watcher

import (
	"context"
	"math/big"
	"strconv"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/pkg/errors"
	"github.com/speedrun-hq/bridge-relayer/pkg/logger"
	"github.com/speedrun-hq/bridge-relayer/pkg/metrics"
)

// DefaultMaxRange bounds the block span of one FilterLogs call
const DefaultMaxRange = 1000

// LogSource is the chain surface the watcher reads from
type LogSource interface {
	BlockNumber(ctx context.Context) (uint64, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
	SubscribeFilterLogs(ctx context.Context, q ethereum.FilterQuery, ch chan<- types.Log) (ethereum.Subscription, error)
}

// Config describes the event stream of one contract
type Config struct {
	Name         string
	ChainID      int
	Address      common.Address
	Topic        common.Hash
	StartBlock   uint64
	PollInterval time.Duration
	Subscribe    bool
	MaxRange     uint64
	// RetryInterval is the first reconnect delay, doubled up to a minute
	RetryInterval time.Duration
	// Rewind is the number of blocks replayed below a loaded checkpoint, so
	// events still waiting downstream when the process stopped are seen again
	Rewind uint64
	// HoldCheckpoint keeps the saved checkpoint below every emitted log the
	// consumer has not passed to Done yet
	HoldCheckpoint bool
}

// Watcher turns a contract's event stream into a channel of logs. Delivery is
// at least once: after a restart or reconnect the last blocks may be replayed.
type Watcher struct {
	cfg        Config
	source     LogSource
	checkpoint Checkpoint
	logger     logger.Logger

	mu     sync.Mutex
	cursor uint64 // last block whose logs were all delivered
	held   map[uint64]int
}

// New creates a watcher. checkpoint may be nil.
func New(cfg Config, source LogSource, checkpoint Checkpoint, log logger.Logger) *Watcher {
	if cfg.MaxRange == 0 {
		cfg.MaxRange = DefaultMaxRange
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = time.Second
	}
	return &Watcher{
		cfg:        cfg,
		source:     source,
		checkpoint: checkpoint,
		logger:     log,
		held:       make(map[uint64]int),
	}
}

// Cursor returns the last block fully delivered
func (w *Watcher) Cursor() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.cursor
}

// Watch starts delivering logs. The channel is closed once ctx is done.
func (w *Watcher) Watch(ctx context.Context) <-chan types.Log {
	out := make(chan types.Log, 64)

	go func() {
		defer close(out)

		if err := w.initCursor(ctx); err != nil {
			if ctx.Err() == nil {
				w.logger.ErrorWithChain(w.cfg.ChainID, "Watcher %s could not start: %v", w.cfg.Name, err)
			}
			return
		}

		w.logger.InfoWithChain(w.cfg.ChainID, "Watcher %s started at block %d (subscribe: %v)", w.cfg.Name, w.Cursor()+1, w.cfg.Subscribe)
		if w.cfg.Subscribe {
			w.runSubscription(ctx, out)
		} else {
			w.runPolling(ctx, out)
		}
		w.logger.InfoWithChain(w.cfg.ChainID, "Watcher %s stopped at block %d", w.cfg.Name, w.Cursor())
	}()

	return out
}

// initCursor resumes from the checkpoint, else the start block, else the head
func (w *Watcher) initCursor(ctx context.Context) error {
	if w.checkpoint != nil {
		saved, ok, err := w.checkpoint.Load(ctx, w.cfg.Name)
		if err != nil {
			w.logger.ErrorWithChain(w.cfg.ChainID, "Failed to load checkpoint for %s: %v", w.cfg.Name, err)
		} else if ok {
			if saved > w.cfg.Rewind {
				saved -= w.cfg.Rewind
			} else {
				saved = 0
			}
			w.setCursor(saved)
			return nil
		}
	}

	if w.cfg.StartBlock > 0 {
		w.setCursor(w.cfg.StartBlock - 1)
		return nil
	}

	var head uint64
	err := backoff.Retry(func() error {
		var err error
		head, err = w.source.BlockNumber(ctx)
		return err
	}, backoff.WithContext(newBackOff(w.cfg.RetryInterval), ctx))
	if err != nil {
		return errors.Wrap(err, "failed to read chain head")
	}
	if head > 0 {
		head--
	}
	w.setCursor(head)
	return nil
}

func (w *Watcher) runPolling(ctx context.Context, out chan<- types.Log) {
	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	for {
		if err := w.catchUp(ctx, out); err != nil && ctx.Err() == nil {
			w.logger.ErrorWithChain(w.cfg.ChainID, "Watcher %s poll failed: %v", w.cfg.Name, err)
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// catchUp delivers every log between the cursor and the current head
func (w *Watcher) catchUp(ctx context.Context, out chan<- types.Log) error {
	head, err := w.source.BlockNumber(ctx)
	if err != nil {
		return errors.Wrap(err, "failed to read chain head")
	}

	for from := w.Cursor() + 1; from <= head; {
		to := min(from+w.cfg.MaxRange-1, head)

		logs, err := w.source.FilterLogs(ctx, w.query(from, to))
		if err != nil {
			return errors.Wrapf(err, "failed to filter logs %d-%d", from, to)
		}
		for _, lg := range logs {
			if !w.emit(ctx, out, lg) {
				return ctx.Err()
			}
		}

		w.advance(ctx, to)
		from = to + 1
	}
	return nil
}

func (w *Watcher) runSubscription(ctx context.Context, out chan<- types.Log) {
	b := backoff.WithContext(newBackOff(w.cfg.RetryInterval), ctx)

	_ = backoff.RetryNotify(func() error {
		healthy, err := w.subscribeOnce(ctx, out)
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		if healthy {
			b.Reset()
		}
		metrics.WatcherReconnects.WithLabelValues(strconv.Itoa(w.cfg.ChainID)).Inc()
		return err
	}, b, func(err error, wait time.Duration) {
		w.logger.NoticeWithChain(w.cfg.ChainID, "Watcher %s subscription lost (%v), reconnecting in %v", w.cfg.Name, err, wait)
	})
}

// subscribeOnce subscribes, backfills from the cursor and forwards pushed logs
// until the subscription fails. healthy is true when logs flowed.
func (w *Watcher) subscribeOnce(ctx context.Context, out chan<- types.Log) (bool, error) {
	subCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	ch := make(chan types.Log, 128)
	sub, err := w.source.SubscribeFilterLogs(subCtx, w.filter(), ch)
	if err != nil {
		return false, errors.Wrap(err, "failed to subscribe")
	}
	defer sub.Unsubscribe()

	// Subscribing before the backfill leaves no gap; the overlap is replayed.
	if err := w.catchUp(ctx, out); err != nil {
		return false, err
	}

	healthy := false
	for {
		select {
		case <-ctx.Done():
			return healthy, ctx.Err()
		case err := <-sub.Err():
			if err == nil {
				err = errors.New("subscription closed")
			}
			return healthy, err
		case lg := <-ch:
			if lg.Removed {
				w.logger.NoticeWithChain(w.cfg.ChainID, "Watcher %s saw log of tx %s removed by a reorg", w.cfg.Name, lg.TxHash.Hex())
				continue
			}
			healthy = true
			if !w.emit(ctx, out, lg) {
				return healthy, ctx.Err()
			}
			if lg.BlockNumber > 0 && lg.BlockNumber-1 > w.Cursor() {
				w.advance(ctx, lg.BlockNumber-1)
			}
		}
	}
}

func (w *Watcher) emit(ctx context.Context, out chan<- types.Log, lg types.Log) bool {
	w.hold(lg.BlockNumber)
	select {
	case out <- lg:
		metrics.EventsObserved.WithLabelValues(strconv.Itoa(w.cfg.ChainID), w.cfg.Name).Inc()
		return true
	case <-ctx.Done():
		return false
	}
}

// Done releases a log emitted in block once it no longer needs a replay
func (w *Watcher) Done(block uint64) {
	if !w.cfg.HoldCheckpoint {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.held[block] > 1 {
		w.held[block]--
		return
	}
	delete(w.held, block)
}

func (w *Watcher) hold(block uint64) {
	if !w.cfg.HoldCheckpoint {
		return
	}
	w.mu.Lock()
	w.held[block]++
	w.mu.Unlock()
}

// saveable caps block below the lowest held log
func (w *Watcher) saveable(block uint64) uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	for held := range w.held {
		if held <= block {
			if held == 0 {
				return 0
			}
			block = held - 1
		}
	}
	return block
}

func (w *Watcher) advance(ctx context.Context, block uint64) {
	w.setCursor(block)
	if w.checkpoint == nil {
		return
	}
	if saved := w.saveable(block); saved < block {
		w.logger.DebugWithChain(w.cfg.ChainID, "Holding checkpoint of %s at %d for unfinished events", w.cfg.Name, saved)
		block = saved
	}
	if err := w.checkpoint.Save(ctx, w.cfg.Name, block); err != nil && ctx.Err() == nil {
		w.logger.ErrorWithChain(w.cfg.ChainID, "Failed to save checkpoint for %s: %v", w.cfg.Name, err)
	}
}

func (w *Watcher) setCursor(block uint64) {
	w.mu.Lock()
	w.cursor = block
	w.mu.Unlock()
}

func (w *Watcher) filter() ethereum.FilterQuery {
	return ethereum.FilterQuery{
		Addresses: []common.Address{w.cfg.Address},
		Topics:    [][]common.Hash{{w.cfg.Topic}},
	}
}

func (w *Watcher) query(from, to uint64) ethereum.FilterQuery {
	q := w.filter()
	q.FromBlock = new(big.Int).SetUint64(from)
	q.ToBlock = new(big.Int).SetUint64(to)
	return q
}

func newBackOff(initial time.Duration) *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = initial
	b.MaxInterval = time.Minute
	b.MaxElapsedTime = 0
	return b
}
