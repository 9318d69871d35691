package queue

import (
	"context"
	"sync"
	"time"

	"github.com/bsm/redislock"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/speedrun-hq/bridge-relayer/pkg/logger"
)

const sweeperLockKey = "queue:sweeper:lock"

// Sweeper returns expired leases to their queues. Several relayer processes may
// share one Redis; the lock keeps a single sweeper active per interval.
type Sweeper struct {
	locker   *redislock.Client
	queues   []*Queue
	interval time.Duration
	logger   logger.Logger

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewSweeper creates a sweeper over queues
func NewSweeper(client *redis.Client, interval time.Duration, log logger.Logger, queues ...*Queue) *Sweeper {
	return &Sweeper{
		locker:   redislock.New(client),
		queues:   queues,
		interval: interval,
		logger:   log,
	}
}

// SweepOnce requeues expired leases on every queue. It returns the number of
// jobs requeued, or zero when another process holds the sweep lock.
func (s *Sweeper) SweepOnce(ctx context.Context) (int, error) {
	lock, err := s.locker.Obtain(ctx, sweeperLockKey, s.interval, nil)
	if err == redislock.ErrNotObtained {
		s.logger.Debug("Sweep lock held elsewhere, skipping")
		return 0, nil
	} else if err != nil {
		return 0, errors.Wrap(err, "failed to obtain sweep lock")
	}
	defer func() {
		_ = lock.Release(ctx)
	}()

	total := 0
	for _, q := range s.queues {
		n, err := q.RequeueExpired(ctx)
		if err != nil {
			return total, err
		}
		total += n
		if _, err := q.Stats(ctx); err != nil {
			s.logger.Debug("Failed to refresh depth of %s: %v", q.Name(), err)
		}
	}
	return total, nil
}

// Start runs SweepOnce every interval until Stop or ctx is done
func (s *Sweeper) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	s.running = true
	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})

	go s.loop(ctx, s.stopCh, s.doneCh)
}

// Stop halts the sweeper and waits for the current sweep to finish
func (s *Sweeper) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.stopCh)
	done := s.doneCh
	s.mu.Unlock()

	<-done
}

func (s *Sweeper) loop(ctx context.Context, stop, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
			if _, err := s.SweepOnce(ctx); err != nil {
				s.logger.Error("Lease sweep failed: %v", err)
			}
		}
	}
}
