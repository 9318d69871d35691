package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/ethereum/go-ethereum/common"
	"github.com/speedrun-hq/bridge-relayer/pkg/circuitbreaker"
	"github.com/speedrun-hq/bridge-relayer/pkg/config"
	"github.com/speedrun-hq/bridge-relayer/pkg/dedup"
	"github.com/speedrun-hq/bridge-relayer/pkg/logger"
	"github.com/speedrun-hq/bridge-relayer/pkg/models"
	"github.com/speedrun-hq/bridge-relayer/pkg/queue"
	"github.com/speedrun-hq/bridge-relayer/pkg/relayer"
	"github.com/speedrun-hq/bridge-relayer/pkg/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// idleRuntime runs nothing and reports fixed heights
type idleRuntime struct {
	done chan struct{}
}

func (r *idleRuntime) Start(ctx context.Context) {
	r.done = make(chan struct{})
	go func() {
		<-ctx.Done()
		close(r.done)
	}()
}
func (r *idleRuntime) Drain(ctx context.Context) error { return nil }
func (r *idleRuntime) Wait()                           { <-r.done }
func (r *idleRuntime) Close()                          {}
func (r *idleRuntime) Heights(ctx context.Context) map[config.Role]uint64 {
	return map[config.Role]uint64{config.RoleSource: 120}
}
func (r *idleRuntime) Waiting() map[models.JobKind]int64 {
	return map[models.JobKind]int64{models.JobKindDeposit: 2}
}

type fixture struct {
	server   *Server
	redis    *miniredis.Miniredis
	store    dedup.Store
	deposits *queue.Queue
	breaker  *circuitbreaker.CircuitBreaker
}

func newFixture(t *testing.T, buildErr error) *fixture {
	srv, client := testutil.SetupRedis(t)
	log := &logger.EmptyLogger{}
	store := dedup.NewRedisStore(client, log)
	deposits := queue.New(client, queue.DepositQueue, time.Minute, log)
	purchases := queue.New(client, queue.PurchaseQueue, time.Minute, log)
	breaker := circuitbreaker.NewCircuitBreaker(336699, true, 1, time.Minute, time.Minute, log)

	controller := relayer.NewController(func(ctx context.Context) (relayer.Runtime, error) {
		if buildErr != nil {
			return nil, buildErr
		}
		return &idleRuntime{}, nil
	}, time.Second, log)

	server := NewServer(Options{
		Port:          "0",
		MetricsAPIKey: "metrics-key",
		ControlAPIKey: "control-key",
		Chains: map[config.Role]config.ChainEndpoint{
			config.RoleSource:     {Role: config.RoleSource, ChainID: 11155111, Confirmations: 3},
			config.RoleSettlement: {Role: config.RoleSettlement, ChainID: 336699, Confirmations: 2},
		},
		Breakers:   map[int]*circuitbreaker.CircuitBreaker{336699: breaker},
		Queues:     []*queue.Queue{deposits, purchases},
		Store:      store,
		Controller: controller,
		Logger:     log,
	})
	t.Cleanup(func() {
		_, _ = controller.Stop(context.Background())
	})
	return &fixture{server: server, redis: srv, store: store, deposits: deposits, breaker: breaker}
}

func (f *fixture) do(method, path, key string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	if key != "" {
		req.Header.Set("Authorization", "Bearer "+key)
	}
	rec := httptest.NewRecorder()
	f.server.Router().ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body
}

func TestHealthAndReady(t *testing.T) {
	f := newFixture(t, nil)

	rec := f.do(http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "OK", rec.Body.String())

	rec = f.do(http.MethodGet, "/ready", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	f.redis.Close()
	rec = f.do(http.MethodGet, "/ready", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestMetricsRequiresKey(t *testing.T) {
	f := newFixture(t, nil)

	assert.Equal(t, http.StatusUnauthorized, f.do(http.MethodGet, "/metrics", "").Code)
	assert.Equal(t, http.StatusUnauthorized, f.do(http.MethodGet, "/metrics", "wrong").Code)
	assert.Equal(t, http.StatusOK, f.do(http.MethodGet, "/metrics", "metrics-key").Code)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	req.Header.Set("Authorization", "Token metrics-key")
	rec := httptest.NewRecorder()
	f.server.Router().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestControlRoutesRequireKey(t *testing.T) {
	f := newFixture(t, nil)
	assert.Equal(t, http.StatusUnauthorized, f.do(http.MethodGet, "/relayer/status", "").Code)
	assert.Equal(t, http.StatusUnauthorized, f.do(http.MethodPost, "/relayer/start", "metrics-key").Code)
}

func TestRelayerLifecycleRoutes(t *testing.T) {
	f := newFixture(t, nil)

	rec := f.do(http.MethodGet, "/relayer/status", "control-key")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, true, body["success"])
	assert.Equal(t, false, body["isRunning"])
	assert.Equal(t, "stopped", body["status"])
	assert.Nil(t, body["startTime"])
	assert.Equal(t, float64(0), body["uptime"])

	rec = f.do(http.MethodPost, "/relayer/start", "control-key")
	require.Equal(t, http.StatusOK, rec.Code)
	body = decode(t, rec)
	assert.Equal(t, true, body["success"])
	assert.Equal(t, "started", body["status"])
	assert.NotEmpty(t, body["startTime"])

	rec = f.do(http.MethodPost, "/relayer/start", "control-key")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	body = decode(t, rec)
	assert.Equal(t, false, body["success"])
	assert.Equal(t, "already_running", body["status"])

	rec = f.do(http.MethodGet, "/relayer/status", "control-key")
	body = decode(t, rec)
	assert.Equal(t, true, body["isRunning"])
	assert.Equal(t, "running", body["status"])
	assert.NotNil(t, body["startTime"])

	rec = f.do(http.MethodPost, "/relayer/stop", "control-key")
	require.Equal(t, http.StatusOK, rec.Code)
	body = decode(t, rec)
	assert.Equal(t, "stopped", body["status"])
	assert.NotEmpty(t, body["stopTime"])

	rec = f.do(http.MethodPost, "/relayer/stop", "control-key")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "not_running", decode(t, rec)["status"])
}

func TestStartFailureReportsError(t *testing.T) {
	f := newFixture(t, errors.New("DESTINATION_PRIVATE_KEY environment variable is required"))

	rec := f.do(http.MethodPost, "/relayer/start", "control-key")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, false, body["success"])
	assert.Contains(t, body["error"], "DESTINATION_PRIVATE_KEY")

	rec = f.do(http.MethodGet, "/relayer/status", "control-key")
	assert.Equal(t, "stopped", decode(t, rec)["status"])
}

func TestStatusReportsChainsAndQueues(t *testing.T) {
	f := newFixture(t, nil)
	require.Equal(t, http.StatusOK, f.do(http.MethodPost, "/relayer/start", "control-key").Code)
	f.breaker.RecordFailure()

	rec := f.do(http.MethodGet, "/status", "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)

	chains := body["chains"].(map[string]interface{})
	source := chains["source"].(map[string]interface{})
	assert.Equal(t, float64(120), source["latest_block"])
	assert.Equal(t, "closed", source["circuit"])
	assert.Equal(t, "open", chains["settlement"].(map[string]interface{})["circuit"])

	queues := body["queues"].(map[string]interface{})
	assert.Contains(t, queues, queue.DepositQueue)
	assert.Contains(t, queues, queue.PurchaseQueue)

	rel := body["relayer"].(map[string]interface{})
	assert.Equal(t, "running", rel["status"])
	assert.Equal(t, float64(2), rel["waiting"].(map[string]interface{})["deposit"])
}

func TestCircuitReset(t *testing.T) {
	f := newFixture(t, nil)
	f.breaker.RecordFailure()
	require.True(t, f.breaker.IsOpen())

	assert.Equal(t, http.StatusBadRequest, f.do(http.MethodPost, "/circuit/reset", "control-key").Code)
	assert.Equal(t, http.StatusBadRequest, f.do(http.MethodPost, "/circuit/reset?chain=abc", "control-key").Code)
	assert.Equal(t, http.StatusNotFound, f.do(http.MethodPost, "/circuit/reset?chain=1", "control-key").Code)
	assert.Equal(t, http.StatusMethodNotAllowed, f.do(http.MethodGet, "/circuit/reset?chain=336699", "control-key").Code)

	rec := f.do(http.MethodPost, "/circuit/reset?chain=336699", "control-key")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, f.breaker.IsOpen())
}

func TestDeadLetterRoutes(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	job := models.NewDepositJob("job-1", &models.DepositEvent{
		DepositID:          common.HexToHash("0xaa"),
		User:               common.HexToAddress("0x01"),
		Token:              common.HexToAddress("0x02"),
		Amount:             testutil.CreateBigInt("1000000000000000000"),
		DestinationChainID: testutil.CreateBigInt("336699"),
		BlockNumber:        100,
	})
	require.NoError(t, f.deposits.Enqueue(ctx, job))
	lease, err := f.deposits.Consume(ctx)
	require.NoError(t, err)
	require.NotNil(t, lease)
	require.NoError(t, f.deposits.DeadLetter(ctx, lease, "reverted: paused"))

	rec := f.do(http.MethodGet, "/deadletters/deposits", "control-key")
	require.Equal(t, http.StatusOK, rec.Code)
	var letters []queue.DeadLetter
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &letters))
	require.Len(t, letters, 1)
	assert.Equal(t, "job-1", letters[0].Job.ID)
	assert.Equal(t, "reverted: paused", letters[0].LastError)

	assert.Equal(t, http.StatusBadRequest, f.do(http.MethodGet, "/deadletters/deposits?limit=0", "control-key").Code)
	assert.Equal(t, http.StatusNotFound, f.do(http.MethodGet, "/deadletters/unknown", "control-key").Code)

	rec = f.do(http.MethodPost, "/deadletters/deposits/job-1/requeue", "control-key")
	assert.Equal(t, http.StatusOK, rec.Code)
	rec = f.do(http.MethodPost, "/deadletters/deposits/job-1/requeue", "control-key")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	stats, err := f.deposits.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Ready)
	assert.Zero(t, stats.Dead)

	rec = f.do(http.MethodGet, "/deadletters/purchases", "control-key")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, "[]", rec.Body.String())
}

func TestDeadLetterRequeueReopensFailedRecord(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	job := models.NewDepositJob("job-1", &models.DepositEvent{
		DepositID:          common.HexToHash("0xaa"),
		User:               common.HexToAddress("0x01"),
		Token:              common.HexToAddress("0x02"),
		Amount:             testutil.CreateBigInt("1000000000000000000"),
		DestinationChainID: testutil.CreateBigInt("336699"),
		BlockNumber:        100,
	})
	require.NoError(t, f.deposits.Enqueue(ctx, job))
	lease, err := f.deposits.Consume(ctx)
	require.NoError(t, err)
	require.NotNil(t, lease)
	require.NoError(t, f.deposits.DeadLetter(ctx, lease, "reverted: paused"))
	_, err = f.store.Claim(ctx, job.DedupKey(), job.ID)
	require.NoError(t, err)
	require.NoError(t, f.store.RecordOutcome(ctx, job.DedupKey(), models.Failed("reverted: paused")))

	rec := f.do(http.MethodPost, "/deadletters/deposits/job-1/requeue", "control-key")
	require.Equal(t, http.StatusOK, rec.Code)
	record, err := f.store.Lookup(ctx, job.DedupKey())
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, record.Status)
	assert.True(t, record.Reopened)

	// once confirmed, a dead letter of the same operation is refused
	lease, err = f.deposits.Consume(ctx)
	require.NoError(t, err)
	require.NotNil(t, lease)
	require.NoError(t, f.store.RecordOutcome(ctx, job.DedupKey(), models.Confirmed(common.HexToHash("0xbeef"))))
	require.NoError(t, f.deposits.DeadLetter(ctx, lease, "finality_timeout"))

	rec = f.do(http.MethodPost, "/deadletters/deposits/job-1/requeue", "control-key")
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Contains(t, rec.Body.String(), "already confirmed")

	stats, err := f.deposits.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Dead)
	assert.Zero(t, stats.Ready)
}

func TestRecordRoute(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	key := models.DedupKey(models.JobKindDeposit, common.HexToHash("0xaa"))

	assert.Equal(t, http.StatusNotFound, f.do(http.MethodGet, "/records/"+key, "control-key").Code)

	_, err := f.store.Claim(ctx, key, "job-1")
	require.NoError(t, err)
	require.NoError(t, f.store.RecordError(ctx, key, "network_error: connection refused"))

	rec := f.do(http.MethodGet, "/records/"+key, "control-key")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, key, body["key"])
	assert.Equal(t, "pending", body["record"].(map[string]interface{})["status"])
	assert.Equal(t, "network_error: connection refused", body["lastError"].(map[string]interface{})["error"])
}
