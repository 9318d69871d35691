package queue

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/redis/go-redis/v9"
	"github.com/speedrun-hq/bridge-relayer/pkg/logger"
	"github.com/speedrun-hq/bridge-relayer/pkg/models"
	"github.com/speedrun-hq/bridge-relayer/pkg/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testClock struct {
	now time.Time
}

func (c *testClock) Now() time.Time { return c.now }

func (c *testClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newTestQueue(t *testing.T) (*Queue, *redis.Client, *testClock) {
	_, client := testutil.SetupRedis(t)
	clock := &testClock{now: time.Unix(1_700_000_000, 0)}
	q := New(client, DepositQueue, time.Minute, &logger.EmptyLogger{})
	q.now = clock.Now
	return q, client, clock
}

func depositJob(id byte) *models.Job {
	return models.NewDepositJob("", &models.DepositEvent{
		DepositID:          common.BytesToHash([]byte{id}),
		User:               testutil.GenerateAddress(),
		Token:              testutil.GenerateAddress(),
		Amount:             testutil.CreateBigInt("1000000000000000000"),
		DestinationChainID: big.NewInt(336699),
		BlockNumber:        100,
	})
}

func TestEnqueueConsumeAck(t *testing.T) {
	q, _, _ := newTestQueue(t)
	ctx := context.Background()

	job := depositJob(0xaa)
	require.NoError(t, q.Enqueue(ctx, job))
	require.NotEmpty(t, job.ID)

	lease, err := q.Consume(ctx)
	require.NoError(t, err)
	require.NotNil(t, lease)
	assert.Equal(t, job.ID, lease.Job.ID)
	assert.Equal(t, 1, lease.Attempt)
	assert.Equal(t, job.Deposit.DepositID, lease.Job.Deposit.DepositID)
	testutil.AssertBigIntEqual(t, job.Deposit.Amount, lease.Job.Deposit.Amount)

	empty, err := q.Consume(ctx)
	require.NoError(t, err)
	assert.Nil(t, empty, "a leased job is delivered to one consumer at a time")

	require.NoError(t, q.Ack(ctx, lease))
	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, Stats{}, stats)
}

func TestEnqueueSameIDIsNoop(t *testing.T) {
	q, _, _ := newTestQueue(t)
	ctx := context.Background()

	job := depositJob(0xaa)
	require.NoError(t, q.Enqueue(ctx, job))
	require.NoError(t, q.Enqueue(ctx, job))

	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Ready)
}

func TestRetryDelaysRedelivery(t *testing.T) {
	q, _, clock := newTestQueue(t)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, depositJob(0xaa)))
	lease, err := q.Consume(ctx)
	require.NoError(t, err)

	require.NoError(t, q.Retry(ctx, lease, 10*time.Second, "network_error: timeout"))

	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Delayed)
	assert.Equal(t, int64(0), stats.Ready)

	none, err := q.Consume(ctx)
	require.NoError(t, err)
	assert.Nil(t, none)

	clock.Advance(10 * time.Second)
	again, err := q.Consume(ctx)
	require.NoError(t, err)
	require.NotNil(t, again)
	assert.Equal(t, 2, again.Attempt)
	assert.Equal(t, "network_error: timeout", again.LastError)
	assert.Equal(t, 2, again.Job.Attempts)
}

func TestStaleLeaseIsFenced(t *testing.T) {
	q, _, clock := newTestQueue(t)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, depositJob(0xaa)))
	first, err := q.Consume(ctx)
	require.NoError(t, err)

	clock.Advance(2 * time.Minute)
	n, err := q.RequeueExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	second, err := q.Consume(ctx)
	require.NoError(t, err)
	require.NotNil(t, second)
	assert.Equal(t, first.Job.ID, second.Job.ID)
	assert.Equal(t, 2, second.Attempt)

	assert.ErrorIs(t, q.Ack(ctx, first), ErrLeaseLost)
	assert.ErrorIs(t, q.Extend(ctx, first), ErrLeaseLost)
	assert.ErrorIs(t, q.Retry(ctx, first, time.Second, "late"), ErrLeaseLost)

	require.NoError(t, q.Ack(ctx, second))
}

func TestExtendKeepsLease(t *testing.T) {
	q, _, clock := newTestQueue(t)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, depositJob(0xaa)))
	lease, err := q.Consume(ctx)
	require.NoError(t, err)

	clock.Advance(50 * time.Second)
	require.NoError(t, q.Extend(ctx, lease))
	clock.Advance(50 * time.Second)

	n, err := q.RequeueExpired(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, clock.now.Add(10*time.Second), lease.Expires)
}

func TestDeadLetterAndRequeue(t *testing.T) {
	q, _, _ := newTestQueue(t)
	ctx := context.Background()

	job := depositJob(0xaa)
	require.NoError(t, q.Enqueue(ctx, job))
	lease, err := q.Consume(ctx)
	require.NoError(t, err)
	require.NoError(t, q.DeadLetter(ctx, lease, "contract_error: execution reverted"))

	dead, err := q.ListDead(ctx, 10)
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Equal(t, job.ID, dead[0].Job.ID)
	assert.Equal(t, 1, dead[0].Attempts)
	assert.Equal(t, "contract_error: execution reverted", dead[0].LastError)

	letter, err := q.Dead(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, job.DedupKey(), letter.Job.DedupKey())
	assert.Equal(t, dead[0].DeadAt, letter.DeadAt)
	assert.Equal(t, "contract_error: execution reverted", letter.LastError)
	_, err = q.Dead(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	assert.ErrorIs(t, q.RequeueDead(ctx, "missing"), ErrNotFound)
	require.NoError(t, q.RequeueDead(ctx, job.ID))

	_, err = q.Dead(ctx, job.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	again, err := q.Consume(ctx)
	require.NoError(t, err)
	require.NotNil(t, again)
	assert.Equal(t, 1, again.Attempt, "requeued dead letters start a fresh attempt count")

	dead, err = q.ListDead(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, dead)
}

func TestCorruptPayloadIsDeadLettered(t *testing.T) {
	q, client, _ := newTestQueue(t)
	ctx := context.Background()

	require.NoError(t, client.HSet(ctx, q.keys.jobs, "bad", "{not json").Err())
	require.NoError(t, client.ZAdd(ctx, q.keys.ready, redis.Z{Score: 0, Member: "bad"}).Err())

	lease, err := q.Consume(ctx)
	assert.Error(t, err)
	assert.Nil(t, lease)

	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Dead)
	assert.Equal(t, int64(0), stats.InFlight)
}

func TestSweeperRequeuesExpiredLeases(t *testing.T) {
	q, client, clock := newTestQueue(t)
	ctx := context.Background()
	purchases := New(client, PurchaseQueue, time.Minute, &logger.EmptyLogger{})
	purchases.now = clock.Now

	require.NoError(t, q.Enqueue(ctx, depositJob(0xaa)))
	_, err := q.Consume(ctx)
	require.NoError(t, err)

	sweeper := NewSweeper(client, time.Second, &logger.EmptyLogger{}, q, purchases)

	n, err := sweeper.SweepOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	clock.Advance(time.Minute + time.Second)
	n, err = sweeper.SweepOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestSweeperSkipsWhenLocked(t *testing.T) {
	q, client, clock := newTestQueue(t)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, depositJob(0xaa)))
	_, err := q.Consume(ctx)
	require.NoError(t, err)
	clock.Advance(2 * time.Minute)

	require.NoError(t, client.Set(ctx, sweeperLockKey, "other-process", time.Minute).Err())

	sweeper := NewSweeper(client, time.Second, &logger.EmptyLogger{}, q)
	n, err := sweeper.SweepOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.InFlight)
}

func TestSweeperStartStop(t *testing.T) {
	q, client, _ := newTestQueue(t)
	sweeper := NewSweeper(client, 10*time.Millisecond, &logger.EmptyLogger{}, q)

	sweeper.Start(context.Background())
	sweeper.Start(context.Background())
	sweeper.Stop()
	sweeper.Stop()
}
