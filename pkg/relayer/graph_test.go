package relayer

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/speedrun-hq/bridge-relayer/pkg/chainclient"
	"github.com/speedrun-hq/bridge-relayer/pkg/circuitbreaker"
	"github.com/speedrun-hq/bridge-relayer/pkg/config"
	"github.com/speedrun-hq/bridge-relayer/pkg/dedup"
	"github.com/speedrun-hq/bridge-relayer/pkg/logger"
	"github.com/speedrun-hq/bridge-relayer/pkg/models"
	"github.com/speedrun-hq/bridge-relayer/pkg/queue"
	"github.com/speedrun-hq/bridge-relayer/pkg/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testDeps(t *testing.T, key string) Deps {
	_, client := testutil.SetupRedis(t)
	log := &logger.EmptyLogger{}

	chains := make(map[config.Role]config.ChainEndpoint, len(config.Roles))
	for _, role := range config.Roles {
		chains[role] = config.ChainEndpoint{
			Role:            role,
			ChainID:         testutil.SimulatedChainID,
			ContractAddress: testutil.GenerateAddress(),
			Confirmations:   2,
		}
	}

	return Deps{
		Config: &config.Config{
			Chains:          chains,
			SettlementKey:   key,
			DestinationKey:  key,
			PollingInterval: 10 * time.Millisecond,
			WorkerCount:     1,
			Queue: config.QueueConfig{
				MaxAttempts:  5,
				BackoffBase:  time.Millisecond,
				BackoffMax:   10 * time.Millisecond,
				LeaseTimeout: time.Minute,
				PollInterval: 10 * time.Millisecond,
			},
			GasLimit:           500000,
			VerifyEventReceipt: true,
		},
		Redis:     client,
		Store:     dedup.NewRedisStore(client, log),
		Deposits:  queue.New(client, queue.DepositQueue, time.Minute, log),
		Purchases: queue.New(client, queue.PurchaseQueue, time.Minute, log),
		Breakers: map[int]*circuitbreaker.CircuitBreaker{
			testutil.SimulatedChainID: circuitbreaker.NewCircuitBreaker(testutil.SimulatedChainID, true, 5, time.Minute, time.Minute, log),
		},
		Logger: log,
	}
}

func TestBuildRequiresSigningKeys(t *testing.T) {
	deps := testDeps(t, "")
	dialed := false
	deps.Dial = func(ctx context.Context, endpoint config.ChainEndpoint, key string) (*chainclient.Client, error) {
		dialed = true
		return nil, errors.New("unexpected dial")
	}

	_, err := Build(context.Background(), deps)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "SETTLEMENT_PRIVATE_KEY")
	assert.False(t, dialed)
}

func TestBuildFailsOnUnreachableChain(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping test in short mode")
	}
	sim := testutil.SetupSimulation(t)
	deps := testDeps(t, sim.KeyHex())
	deps.Dial = func(ctx context.Context, endpoint config.ChainEndpoint, key string) (*chainclient.Client, error) {
		if endpoint.Role == config.RoleDestination {
			return nil, errors.New("connection refused")
		}
		return chainclient.NewWithBackend(ctx, endpoint, sim.Backend.Client(), key, chainclient.Options{}, &logger.EmptyLogger{})
	}

	_, err := Build(context.Background(), deps)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "destination")
}

func TestGraphLifecycle(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping test in short mode")
	}
	sim := testutil.SetupSimulation(t)
	sim.Mine(3)
	deps := testDeps(t, sim.KeyHex())
	deps.Dial = func(ctx context.Context, endpoint config.ChainEndpoint, key string) (*chainclient.Client, error) {
		return chainclient.NewWithBackend(ctx, endpoint, sim.Backend.Client(), key, chainclient.Options{GasLimit: 500000}, &logger.EmptyLogger{})
	}

	g, err := Build(context.Background(), deps)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	g.Start(ctx)

	heights := g.Heights(context.Background())
	assert.Len(t, heights, len(config.Roles))
	assert.Equal(t, map[models.JobKind]int64{models.JobKindDeposit: 0, models.JobKindPurchase: 0}, g.Waiting())

	drainCtx, drainCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer drainCancel()
	require.NoError(t, g.Drain(drainCtx))

	cancel()
	done := make(chan struct{})
	go func() {
		g.Wait()
		g.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("graph did not stop after cancel")
	}
}

func TestControllerRunsGraph(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping test in short mode")
	}
	sim := testutil.SetupSimulation(t)
	deps := testDeps(t, sim.KeyHex())
	deps.Dial = func(ctx context.Context, endpoint config.ChainEndpoint, key string) (*chainclient.Client, error) {
		return chainclient.NewWithBackend(ctx, endpoint, sim.Backend.Client(), key, chainclient.Options{}, &logger.EmptyLogger{})
	}

	c := NewController(NewFactory(deps), time.Second, &logger.EmptyLogger{})
	_, err := c.Start(context.Background())
	require.NoError(t, err)
	_, ok := c.Runtime().(*Graph)
	assert.True(t, ok)

	_, err = c.Stop(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StateStopped, c.State())

	// a second start builds a fresh graph
	_, err = c.Start(context.Background())
	require.NoError(t, err)
	_, err = c.Stop(context.Background())
	require.NoError(t, err)
}
