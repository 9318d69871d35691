package reconcile

import (
	"context"
	"testing"
	"time"

	"github.com/bsm/redislock"
	"github.com/ethereum/go-ethereum/common"
	"github.com/speedrun-hq/bridge-relayer/pkg/dedup"
	"github.com/speedrun-hq/bridge-relayer/pkg/logger"
	"github.com/speedrun-hq/bridge-relayer/pkg/models"
	"github.com/speedrun-hq/bridge-relayer/pkg/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	store      dedup.Store
	settlement *testutil.FakeChain
	dest       *testutil.FakeChain
	reconciler *Reconciler
}

func newFixture(t *testing.T) (*fixture, func() context.Context) {
	_, client := testutil.SetupRedis(t)
	log := &logger.EmptyLogger{}
	store := dedup.NewRedisStore(client, log)

	settlement := testutil.NewFakeChain(t, 500, 2)
	settlement.AutoAdvance = false
	dest := testutil.NewFakeChain(t, 900, 2)
	dest.AutoAdvance = false

	r := New(store, map[models.JobKind]Chain{
		models.JobKindDeposit:  settlement,
		models.JobKindPurchase: dest,
	}, client, log)

	return &fixture{store: store, settlement: settlement, dest: dest, reconciler: r},
		func() context.Context { return testutil.SetupTestWithTimeout(t) }
}

// submitted leaves a pending record holding txHash, as a stopped job would
func (f *fixture) submitted(t *testing.T, key string, txHash common.Hash) {
	ctx := context.Background()
	_, err := f.store.Claim(ctx, key, "job-1")
	require.NoError(t, err)
	require.NoError(t, f.store.MarkSubmitted(ctx, key, "job-1", dedup.Submission{TxHash: txHash}))
}

func (f *fixture) status(t *testing.T, key string) *models.DedupRecord {
	record, err := f.store.Lookup(context.Background(), key)
	require.NoError(t, err)
	return record
}

func TestReconcileConfirmsFinalTransaction(t *testing.T) {
	f, ctx := newFixture(t)
	key := models.DedupKey(models.JobKindDeposit, common.HexToHash("0xaa"))
	tx := common.HexToHash("0x01")
	f.submitted(t, key, tx)
	f.settlement.Mine(tx)
	f.settlement.SetHead(503)

	report, err := f.reconciler.Run(ctx())
	require.NoError(t, err)
	assert.Equal(t, Report{Checked: 1, Confirmed: 1}, report)

	record := f.status(t, key)
	assert.Equal(t, models.StatusConfirmed, record.Status)
	assert.Equal(t, tx.Hex(), record.TxHash)
}

func TestReconcileMarksRevertedFailed(t *testing.T) {
	f, ctx := newFixture(t)
	key := models.DedupKey(models.JobKindPurchase, common.HexToHash("0xbb"))
	tx := common.HexToHash("0x02")
	f.submitted(t, key, tx)
	f.dest.Revert = true
	f.dest.Mine(tx)

	report, err := f.reconciler.Run(ctx())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Failed)

	record := f.status(t, key)
	assert.Equal(t, models.StatusFailed, record.Status)
	assert.Contains(t, record.Reason, "reverted")
}

func TestReconcileLeavesReopenedRecordToItsJob(t *testing.T) {
	f, ctx := newFixture(t)
	key := models.DedupKey(models.JobKindPurchase, common.HexToHash("0xbb"))
	tx := common.HexToHash("0x02")
	f.submitted(t, key, tx)
	f.dest.Revert = true
	f.dest.Mine(tx)
	require.NoError(t, f.store.RecordOutcome(context.Background(), key, models.Failed("reverted: "+tx.Hex())))
	require.NoError(t, f.store.Reopen(context.Background(), key, "job-2"))

	report, err := f.reconciler.Run(ctx())
	require.NoError(t, err)
	assert.Equal(t, Report{Checked: 1, Left: 1}, report)
	assert.Equal(t, models.StatusPending, f.status(t, key).Status)
}

func TestReconcileLeavesUnresolvedRecords(t *testing.T) {
	f, ctx := newFixture(t)

	unsubmitted := models.DedupKey(models.JobKindDeposit, common.HexToHash("0x01"))
	_, err := f.store.Claim(context.Background(), unsubmitted, "job-1")
	require.NoError(t, err)

	unmined := models.DedupKey(models.JobKindDeposit, common.HexToHash("0x02"))
	f.submitted(t, unmined, common.HexToHash("0xf2"))

	shallow := models.DedupKey(models.JobKindDeposit, common.HexToHash("0x03"))
	f.submitted(t, shallow, common.HexToHash("0xf3"))
	f.settlement.Mine(common.HexToHash("0xf3"))

	report, err := f.reconciler.Run(ctx())
	require.NoError(t, err)
	assert.Equal(t, Report{Checked: 3, Left: 3}, report)

	for _, key := range []string{unsubmitted, unmined, shallow} {
		assert.Equal(t, models.StatusPending, f.status(t, key).Status, key)
	}
}

func TestReconcileLeavesTerminalRecordsAlone(t *testing.T) {
	f, ctx := newFixture(t)
	key := models.DedupKey(models.JobKindDeposit, common.HexToHash("0xaa"))
	f.submitted(t, key, common.HexToHash("0x01"))
	require.NoError(t, f.store.RecordOutcome(context.Background(), key, models.Confirmed(common.HexToHash("0x01"))))

	report, err := f.reconciler.Run(ctx())
	require.NoError(t, err)
	assert.Zero(t, report.Checked)
}

func TestReconcileSkipsWhenLocked(t *testing.T) {
	_, client := testutil.SetupRedis(t)
	log := &logger.EmptyLogger{}
	store := dedup.NewRedisStore(client, log)
	r := New(store, nil, client, log)

	lock, err := redislock.New(client).Obtain(context.Background(), lockKey, time.Minute, nil)
	require.NoError(t, err)
	defer lock.Release(context.Background())

	report, err := r.Run(context.Background())
	require.NoError(t, err)
	assert.True(t, report.Skipped)
}

func TestReconcileUnknownKindIsLeft(t *testing.T) {
	_, client := testutil.SetupRedis(t)
	log := &logger.EmptyLogger{}
	store := dedup.NewRedisStore(client, log)
	r := New(store, map[models.JobKind]Chain{}, nil, log)

	key := models.DedupKey(models.JobKindDeposit, common.HexToHash("0xaa"))
	_, err := store.Claim(context.Background(), key, "job-1")
	require.NoError(t, err)
	require.NoError(t, store.MarkSubmitted(context.Background(), key, "job-1", dedup.Submission{TxHash: common.HexToHash("0x01")}))

	report, err := r.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Left)
}
