package queue

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/speedrun-hq/bridge-relayer/pkg/logger"
	"github.com/speedrun-hq/bridge-relayer/pkg/metrics"
	"github.com/speedrun-hq/bridge-relayer/pkg/models"
)

// Queue names
const (
	DepositQueue  = "deposits"
	PurchaseQueue = "purchases"
)

var (
	// ErrLeaseLost is returned when a lease was requeued or acked by someone else
	ErrLeaseLost = errors.New("lease lost")
	// ErrNotFound is returned when a dead-lettered job does not exist
	ErrNotFound = errors.New("job not found")
)

// Lease is one delivery of a job to a consumer
type Lease struct {
	Job       *models.Job
	Token     string
	Attempt   int
	LastError string
	Expires   time.Time
}

// Stats is a snapshot of queue depth
type Stats struct {
	Ready    int64 `json:"ready"`
	Delayed  int64 `json:"delayed"`
	InFlight int64 `json:"in_flight"`
	Dead     int64 `json:"dead"`
}

// DeadLetter is a job that exhausted its attempts or failed permanently
type DeadLetter struct {
	Job       *models.Job `json:"job"`
	Attempts  int         `json:"attempts"`
	LastError string      `json:"last_error"`
	DeadAt    time.Time   `json:"dead_at"`
}

type keys struct {
	jobs, ready, inflight, dead, leases, attempts, errors string
}

// Queue is a durable at-least-once job queue kept in Redis.
// A consumed job is leased until acked, retried or dead-lettered; a lease that
// expires is put back by RequeueExpired.
type Queue struct {
	client       *redis.Client
	name         string
	keys         keys
	leaseTimeout time.Duration
	logger       logger.Logger
	now          func() time.Time
}

// New creates a queue named name on client
func New(client *redis.Client, name string, leaseTimeout time.Duration, log logger.Logger) *Queue {
	prefix := "queue:" + name + ":"
	return &Queue{
		client: client,
		name:   name,
		keys: keys{
			jobs:     prefix + "jobs",
			ready:    prefix + "ready",
			inflight: prefix + "inflight",
			dead:     prefix + "dead",
			leases:   prefix + "leases",
			attempts: prefix + "attempts",
			errors:   prefix + "errors",
		},
		leaseTimeout: leaseTimeout,
		logger:       log,
		now:          time.Now,
	}
}

// Name returns the queue name
func (q *Queue) Name() string {
	return q.name
}

// LeaseTimeout returns how long a consumed job stays leased without Extend
func (q *Queue) LeaseTimeout() time.Duration {
	return q.leaseTimeout
}

// Enqueue stores a job and makes it ready immediately. A job with no ID gets a
// fresh one. Enqueueing an ID that is already queued is a no-op.
func (q *Queue) Enqueue(ctx context.Context, job *models.Job) error {
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	payload, err := json.Marshal(job)
	if err != nil {
		return errors.Wrap(err, "failed to encode job")
	}

	added, err := enqueueScript.Run(ctx, q.client,
		[]string{q.keys.jobs, q.keys.ready},
		job.ID, payload, millis(q.now())).Int()
	if err != nil {
		return errors.Wrapf(err, "failed to enqueue job %s on %s", job.ID, q.name)
	}
	if added == 0 {
		q.logger.Debug("Job %s already queued on %s", job.ID, q.name)
		return nil
	}

	metrics.JobsEnqueued.WithLabelValues(q.name).Inc()
	return nil
}

// Consume leases the next eligible job, or returns nil when none is ready
func (q *Queue) Consume(ctx context.Context) (*Lease, error) {
	now := q.now()
	expires := now.Add(q.leaseTimeout)
	token := uuid.NewString()

	res, err := consumeScript.Run(ctx, q.client,
		[]string{q.keys.ready, q.keys.inflight, q.keys.leases, q.keys.attempts, q.keys.jobs, q.keys.errors},
		millis(now), millis(expires), token).Slice()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to consume from %s", q.name)
	}
	if len(res) != 4 {
		return nil, errors.Errorf("unexpected consume reply of length %d", len(res))
	}

	id, _ := res[0].(string)
	payload, _ := res[1].(string)
	attempt, _ := res[2].(int64)
	lastError, _ := res[3].(string)

	if payload == "" {
		q.logger.Error("Dropped ready entry %s on %s without a payload", id, q.name)
		return nil, nil
	}

	var job models.Job
	if err := json.Unmarshal([]byte(payload), &job); err != nil {
		corrupt := &Lease{Job: &models.Job{ID: id}, Token: token}
		if dlErr := q.DeadLetter(ctx, corrupt, "corrupt payload: "+err.Error()); dlErr != nil {
			q.logger.Error("Failed to dead-letter corrupt job %s on %s: %v", id, q.name, dlErr)
		}
		return nil, errors.Wrapf(err, "corrupt job %s on %s", id, q.name)
	}
	job.Attempts = int(attempt)
	job.LastError = lastError

	return &Lease{
		Job:       &job,
		Token:     token,
		Attempt:   int(attempt),
		LastError: lastError,
		Expires:   expires,
	}, nil
}

// Ack removes a processed job
func (q *Queue) Ack(ctx context.Context, lease *Lease) error {
	ok, err := ackScript.Run(ctx, q.client,
		[]string{q.keys.leases, q.keys.inflight, q.keys.jobs, q.keys.attempts, q.keys.errors},
		lease.Job.ID, lease.Token).Int()
	return q.fenced(err, ok, "ack", lease)
}

// Retry schedules the job again after delay
func (q *Queue) Retry(ctx context.Context, lease *Lease, delay time.Duration, reason string) error {
	ok, err := releaseScript.Run(ctx, q.client,
		[]string{q.keys.leases, q.keys.inflight, q.keys.ready, q.keys.errors},
		lease.Job.ID, lease.Token, millis(q.now().Add(delay)), reason).Int()
	if err := q.fenced(err, ok, "retry", lease); err != nil {
		return err
	}
	metrics.RetryCount.WithLabelValues(q.name).Inc()
	return nil
}

// DeadLetter parks the job until an operator requeues it
func (q *Queue) DeadLetter(ctx context.Context, lease *Lease, reason string) error {
	ok, err := releaseScript.Run(ctx, q.client,
		[]string{q.keys.leases, q.keys.inflight, q.keys.dead, q.keys.errors},
		lease.Job.ID, lease.Token, millis(q.now()), reason).Int()
	return q.fenced(err, ok, "dead-letter", lease)
}

// Extend renews a lease for another lease timeout
func (q *Queue) Extend(ctx context.Context, lease *Lease) error {
	expires := q.now().Add(q.leaseTimeout)
	ok, err := extendScript.Run(ctx, q.client,
		[]string{q.keys.leases, q.keys.inflight},
		lease.Job.ID, lease.Token, millis(expires)).Int()
	if err := q.fenced(err, ok, "extend", lease); err != nil {
		return err
	}
	lease.Expires = expires
	return nil
}

// RequeueExpired makes every job whose lease expired ready again
func (q *Queue) RequeueExpired(ctx context.Context) (int, error) {
	n, err := requeueExpiredScript.Run(ctx, q.client,
		[]string{q.keys.inflight, q.keys.leases, q.keys.ready},
		millis(q.now())).Int()
	if err != nil {
		return 0, errors.Wrapf(err, "failed to requeue expired leases on %s", q.name)
	}
	if n > 0 {
		metrics.LeasesRequeued.WithLabelValues(q.name).Add(float64(n))
		q.logger.Notice("Requeued %d jobs with expired leases on %s", n, q.name)
	}
	return n, nil
}

// Stats returns the queue depth by state
func (q *Queue) Stats(ctx context.Context) (Stats, error) {
	now := strconv.FormatInt(millis(q.now()), 10)

	pipe := q.client.Pipeline()
	ready := pipe.ZCount(ctx, q.keys.ready, "-inf", now)
	delayed := pipe.ZCount(ctx, q.keys.ready, "("+now, "+inf")
	inflight := pipe.ZCard(ctx, q.keys.inflight)
	dead := pipe.ZCard(ctx, q.keys.dead)
	if _, err := pipe.Exec(ctx); err != nil {
		return Stats{}, errors.Wrapf(err, "failed to read stats of %s", q.name)
	}

	stats := Stats{
		Ready:    ready.Val(),
		Delayed:  delayed.Val(),
		InFlight: inflight.Val(),
		Dead:     dead.Val(),
	}
	metrics.QueueDepth.WithLabelValues(q.name, "ready").Set(float64(stats.Ready))
	metrics.QueueDepth.WithLabelValues(q.name, "delayed").Set(float64(stats.Delayed))
	metrics.QueueDepth.WithLabelValues(q.name, "in_flight").Set(float64(stats.InFlight))
	metrics.QueueDepth.WithLabelValues(q.name, "dead").Set(float64(stats.Dead))
	return stats, nil
}

// ListDead returns up to limit dead-lettered jobs, oldest first
func (q *Queue) ListDead(ctx context.Context, limit int64) ([]DeadLetter, error) {
	if limit <= 0 {
		limit = 100
	}
	entries, err := q.client.ZRangeWithScores(ctx, q.keys.dead, 0, limit-1).Result()
	if err != nil {
		return nil, errors.Wrapf(err, "failed to list dead letters of %s", q.name)
	}
	if len(entries) == 0 {
		return nil, nil
	}

	ids := make([]string, len(entries))
	for i, entry := range entries {
		ids[i], _ = entry.Member.(string)
	}

	pipe := q.client.Pipeline()
	payloads := pipe.HMGet(ctx, q.keys.jobs, ids...)
	attempts := pipe.HMGet(ctx, q.keys.attempts, ids...)
	reasons := pipe.HMGet(ctx, q.keys.errors, ids...)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, errors.Wrapf(err, "failed to load dead letters of %s", q.name)
	}

	letters := make([]DeadLetter, 0, len(ids))
	for i, id := range ids {
		raw, _ := payloads.Val()[i].(string)
		if raw == "" {
			q.logger.Error("Dead letter %s on %s has no payload", id, q.name)
			continue
		}
		count, _ := attempts.Val()[i].(string)
		reason, _ := reasons.Val()[i].(string)
		letters = append(letters, deadLetter(id, raw, count, reason, entries[i].Score))
	}
	return letters, nil
}

// Dead returns the dead-lettered job id, or ErrNotFound
func (q *Queue) Dead(ctx context.Context, id string) (*DeadLetter, error) {
	pipe := q.client.Pipeline()
	score := pipe.ZScore(ctx, q.keys.dead, id)
	payload := pipe.HGet(ctx, q.keys.jobs, id)
	attempts := pipe.HGet(ctx, q.keys.attempts, id)
	reason := pipe.HGet(ctx, q.keys.errors, id)
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, errors.Wrapf(err, "failed to load dead letter %s of %s", id, q.name)
	}
	if score.Err() != nil || payload.Val() == "" {
		return nil, ErrNotFound
	}

	letter := deadLetter(id, payload.Val(), attempts.Val(), reason.Val(), score.Val())
	return &letter, nil
}

func deadLetter(id, raw, count, reason string, deadAt float64) DeadLetter {
	n, _ := strconv.Atoi(count)
	var job models.Job
	if err := json.Unmarshal([]byte(raw), &job); err != nil {
		job = models.Job{ID: id}
	}
	job.Attempts = n
	job.LastError = reason
	return DeadLetter{
		Job:       &job,
		Attempts:  n,
		LastError: reason,
		DeadAt:    time.UnixMilli(int64(deadAt)),
	}
}

// RequeueDead moves a dead-lettered job back to ready with a fresh attempt count
func (q *Queue) RequeueDead(ctx context.Context, id string) error {
	ok, err := requeueDeadScript.Run(ctx, q.client,
		[]string{q.keys.dead, q.keys.ready, q.keys.attempts},
		id, millis(q.now())).Int()
	if err != nil {
		return errors.Wrapf(err, "failed to requeue dead letter %s on %s", id, q.name)
	}
	if ok == 0 {
		return ErrNotFound
	}
	q.logger.Notice("Requeued dead letter %s on %s", id, q.name)
	return nil
}

func (q *Queue) fenced(err error, ok int, op string, lease *Lease) error {
	if err != nil {
		return errors.Wrapf(err, "failed to %s job %s on %s", op, lease.Job.ID, q.name)
	}
	if ok == 0 {
		return errors.Wrapf(ErrLeaseLost, "%s job %s on %s", op, lease.Job.ID, q.name)
	}
	return nil
}

func millis(t time.Time) int64 {
	return t.UnixMilli()
}
