package executor

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/speedrun-hq/bridge-relayer/pkg/circuitbreaker"
	"github.com/speedrun-hq/bridge-relayer/pkg/dedup"
	"github.com/speedrun-hq/bridge-relayer/pkg/logger"
	"github.com/speedrun-hq/bridge-relayer/pkg/metrics"
	"github.com/speedrun-hq/bridge-relayer/pkg/models"
	"github.com/speedrun-hq/bridge-relayer/pkg/queue"
)

// bookkeepingTimeout bounds queue and store writes made after processing
const bookkeepingTimeout = 10 * time.Second

// JobQueue is the queue surface a pool consumes. *queue.Queue implements it.
type JobQueue interface {
	Name() string
	LeaseTimeout() time.Duration
	Consume(ctx context.Context) (*queue.Lease, error)
	Ack(ctx context.Context, lease *queue.Lease) error
	Retry(ctx context.Context, lease *queue.Lease, delay time.Duration, reason string) error
	DeadLetter(ctx context.Context, lease *queue.Lease, reason string) error
	Extend(ctx context.Context, lease *queue.Lease) error
}

// PoolConfig holds worker pool tuning
type PoolConfig struct {
	Workers      int
	MaxAttempts  int
	BackoffBase  time.Duration
	BackoffMax   time.Duration
	PollInterval time.Duration
}

// Pool runs a fixed number of workers consuming one queue
type Pool struct {
	cfg     PoolConfig
	queue   JobQueue
	exec    *Executor
	breaker *circuitbreaker.CircuitBreaker
	logger  logger.Logger

	wg       sync.WaitGroup
	quit     chan struct{}
	quitOnce sync.Once
}

// NewPool creates a pool. breaker may be nil.
func NewPool(cfg PoolConfig, q JobQueue, exec *Executor, breaker *circuitbreaker.CircuitBreaker, log logger.Logger) *Pool {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	return &Pool{
		cfg:     cfg,
		queue:   q,
		exec:    exec,
		breaker: breaker,
		logger:  log,
		quit:    make(chan struct{}),
	}
}

// Start launches the workers. Cancelling ctx abandons in-flight jobs, whose
// leases then expire and are redelivered.
func (p *Pool) Start(ctx context.Context) {
	for i := 1; i <= p.cfg.Workers; i++ {
		p.wg.Add(1)
		go p.worker(ctx, i)
	}
}

// Stop makes workers exit once their current job is done
func (p *Pool) Stop() {
	p.quitOnce.Do(func() { close(p.quit) })
}

// Wait blocks until every worker has exited
func (p *Pool) Wait() {
	p.wg.Wait()
}

// worker processes jobs from the queue
func (p *Pool) worker(ctx context.Context, id int) {
	defer p.wg.Done()
	name := p.queue.Name()
	p.logger.Info("Starting %s worker %d", name, id)

	for {
		select {
		case <-ctx.Done():
			p.logger.Info("%s worker %d shutting down", name, id)
			return
		case <-p.quit:
			p.logger.Info("%s worker %d drained", name, id)
			return
		default:
		}

		// An open breaker leaves jobs queued instead of burning their attempts
		if p.breaker != nil && p.breaker.IsOpen() {
			p.logger.Debug("%s worker %d idle: circuit breaker open", name, id)
			p.idle(ctx)
			continue
		}

		lease, err := p.queue.Consume(ctx)
		if err != nil {
			if ctx.Err() == nil {
				p.logger.Error("%s worker %d failed to consume: %v", name, id, err)
			}
			p.idle(ctx)
			continue
		}
		if lease == nil {
			p.idle(ctx)
			continue
		}

		p.handle(ctx, id, lease)
	}
}

func (p *Pool) idle(ctx context.Context) {
	t := time.NewTimer(p.cfg.PollInterval)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-p.quit:
	case <-t.C:
	}
}

// handle processes one lease and settles it with ack, retry or dead letter
func (p *Pool) handle(ctx context.Context, workerID int, lease *queue.Lease) {
	job := lease.Job
	name := p.queue.Name()
	key := job.DedupKey()
	settle, cancelSettle := context.WithTimeout(context.WithoutCancel(ctx), bookkeepingTimeout)
	defer cancelSettle()

	if lease.Attempt > p.cfg.MaxAttempts {
		p.fail(settle, lease, "exhausted", fmt.Sprintf("attempts exhausted after lease expiry: %s", lease.LastError))
		return
	}

	p.logger.Info("%s worker %d processing job %s for %s (attempt %d/%d, amount %s)",
		name, workerID, job.ID, key, lease.Attempt, p.cfg.MaxAttempts, formatAmount(job))

	procCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go p.heartbeat(procCtx, cancel, lease)

	start := time.Now()
	res, err := p.exec.Process(procCtx, job)
	metrics.JobProcessingTime.WithLabelValues(name).Observe(time.Since(start).Seconds())

	if err == nil {
		if p.breaker != nil {
			p.breaker.RecordSuccess()
		}
		p.ack(settle, lease, res.Status.String())
		return
	}

	if ctx.Err() != nil {
		p.logger.Notice("Abandoning job %s on shutdown, it is redelivered after its lease expires", job.ID)
		return
	}
	if procCtx.Err() != nil {
		p.logger.Notice("Lost the lease of job %s, leaving it to the new holder", job.ID)
		return
	}

	// Classify error to determine if retry is needed
	retryable, errorType := ClassifyError(err)
	metrics.JobErrors.WithLabelValues(name, errorType).Inc()
	detail := errorType + ": " + err.Error()
	p.logger.Error("Job %s attempt %d failed, classified as %s (retry: %v): %v", job.ID, lease.Attempt, errorType, retryable, err)

	if rerr := p.exec.Store().RecordError(settle, key, detail); rerr != nil {
		p.logger.Error("Failed to record error detail of %s: %v", key, rerr)
	}

	if errorType == ErrorTypeAlreadyProcessed {
		p.alreadyProcessed(settle, lease)
		return
	}

	if countsAgainstChain(errorType) && p.breaker != nil && p.breaker.RecordFailure() {
		p.logger.Error("Circuit breaker open for %s after job %s", name, job.ID)
	}

	if !retryable || lease.Attempt >= p.cfg.MaxAttempts {
		p.fail(settle, lease, errorType, detail)
		return
	}

	backoff := Backoff(lease.Attempt, p.cfg.BackoffBase, p.cfg.BackoffMax)
	if err := p.queue.Retry(settle, lease, backoff, detail); err != nil {
		p.logger.Error("Failed to schedule retry of job %s, it is redelivered after its lease expires: %v", job.ID, err)
		return
	}
	metrics.JobsProcessed.WithLabelValues(name, "retry").Inc()
	p.logger.Info("Scheduling retry for job %s in %v (error: %s)", job.ID, backoff, errorType)
}

func (p *Pool) heartbeat(ctx context.Context, lost context.CancelFunc, lease *queue.Lease) {
	interval := p.queue.LeaseTimeout() / 3
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := p.queue.Extend(ctx, lease)
			if errors.Is(err, queue.ErrLeaseLost) {
				lost()
				return
			}
			if err != nil && ctx.Err() == nil {
				p.logger.Error("Failed to extend lease of job %s: %v", lease.Job.ID, err)
			}
		}
	}
}

func (p *Pool) ack(ctx context.Context, lease *queue.Lease, outcome string) {
	name := p.queue.Name()
	if err := p.queue.Ack(ctx, lease); err != nil {
		// not acked: the job is redelivered and resolved again through its dedup record
		p.logger.Error("Failed to ack job %s: %v", lease.Job.ID, err)
		return
	}
	metrics.JobsProcessed.WithLabelValues(name, outcome).Inc()
	p.logger.Info("Job %s done: %s", lease.Job.ID, outcome)
}

// alreadyProcessed settles a job the target contract reports as done
func (p *Pool) alreadyProcessed(ctx context.Context, lease *queue.Lease) {
	key := lease.Job.DedupKey()
	if record, ok := p.ownsPending(ctx, lease.Job); ok {
		// keep the hash of a transaction submitted before the contract reported the operation done
		outcome := models.Outcome{Status: models.StatusConfirmed, TxHash: record.TxHash, Reason: "already processed on chain"}
		if err := p.exec.Store().RecordOutcome(ctx, key, outcome); err != nil && !errors.Is(err, dedup.ErrNotPending) {
			p.logger.Error("Failed to record outcome of %s: %v", key, err)
			return
		}
	}
	p.ack(ctx, lease, StatusAlreadyProcessed.String())
}

// fail marks the job's record failed and moves the job to the dead letters
func (p *Pool) fail(ctx context.Context, lease *queue.Lease, errorType, reason string) {
	name := p.queue.Name()
	key := lease.Job.DedupKey()

	if _, ok := p.ownsPending(ctx, lease.Job); ok {
		if err := p.exec.Store().RecordOutcome(ctx, key, models.Failed(reason)); err != nil && !errors.Is(err, dedup.ErrNotPending) {
			p.logger.Error("Failed to mark %s failed: %v", key, err)
		}
	}

	if err := p.queue.DeadLetter(ctx, lease, reason); err != nil {
		p.logger.Error("Failed to dead-letter job %s: %v", lease.Job.ID, err)
		return
	}
	metrics.DeadLetters.WithLabelValues(name, errorType).Inc()
	metrics.JobsProcessed.WithLabelValues(name, "dead").Inc()
	p.logger.Error("Job %s for %s moved to dead letters after %d attempts: %s", lease.Job.ID, key, lease.Attempt, reason)
}

// ownsPending returns the record of job's operation when job holds its pending claim
func (p *Pool) ownsPending(ctx context.Context, job *models.Job) (*models.DedupRecord, bool) {
	record, err := p.exec.Store().Lookup(ctx, job.DedupKey())
	if err != nil {
		if !errors.Is(err, dedup.ErrNotFound) {
			p.logger.Error("Failed to look up %s: %v", job.DedupKey(), err)
		}
		return nil, false
	}
	return record, record.Status == models.StatusPending && record.Owner == job.ID
}

// formatAmount renders the job's token amount in whole units of 18 decimals
func formatAmount(job *models.Job) string {
	var amount *big.Int
	switch {
	case job.Deposit != nil:
		amount = job.Deposit.Amount
	case job.Purchase != nil:
		amount = job.Purchase.Amount
	}
	if amount == nil {
		return "n/a"
	}
	return decimal.NewFromBigInt(amount, -18).String()
}
