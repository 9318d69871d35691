package relayer

import (
	"context"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/speedrun-hq/bridge-relayer/pkg/chainclient"
	"github.com/speedrun-hq/bridge-relayer/pkg/circuitbreaker"
	"github.com/speedrun-hq/bridge-relayer/pkg/config"
	"github.com/speedrun-hq/bridge-relayer/pkg/contracts"
	"github.com/speedrun-hq/bridge-relayer/pkg/dedup"
	"github.com/speedrun-hq/bridge-relayer/pkg/executor"
	"github.com/speedrun-hq/bridge-relayer/pkg/finality"
	"github.com/speedrun-hq/bridge-relayer/pkg/logger"
	"github.com/speedrun-hq/bridge-relayer/pkg/models"
	"github.com/speedrun-hq/bridge-relayer/pkg/pipeline"
	"github.com/speedrun-hq/bridge-relayer/pkg/queue"
	"github.com/speedrun-hq/bridge-relayer/pkg/reconcile"
	"github.com/speedrun-hq/bridge-relayer/pkg/watcher"
)

// rewindMargin is added to a chain's finality depth when replaying below a checkpoint
const rewindMargin = 64

// DialFunc creates the client of one chain
type DialFunc func(ctx context.Context, endpoint config.ChainEndpoint, privateKey string) (*chainclient.Client, error)

// Deps are the long lived resources shared by every start of the relayer.
// They outlive the graph so the control plane can inspect queues and records
// while the relayer is stopped.
type Deps struct {
	Config    *config.Config
	Redis     *redis.Client
	Store     dedup.Store
	Deposits  *queue.Queue
	Purchases *queue.Queue
	Breakers  map[int]*circuitbreaker.CircuitBreaker
	Logger    logger.Logger
	// Dial defaults to dialing the configured RPC endpoints
	Dial DialFunc
}

// Graph is the running relay: two watcher to queue ingestors, two executor
// pools, the lease sweeper, gas price refreshers and the startup reconciler.
type Graph struct {
	clients    map[config.Role]*chainclient.Client
	ingestors  []*pipeline.Ingestor
	pools      []*executor.Pool
	sweeper    *queue.Sweeper
	fees       []*chainclient.FeeUpdateRoutine
	reconciler *reconcile.Reconciler
	logger     logger.Logger

	wg       sync.WaitGroup
	launched chan struct{}
}

// NewFactory returns the factory the controller calls on every start
func NewFactory(deps Deps) Factory {
	return func(ctx context.Context) (Runtime, error) {
		return Build(ctx, deps)
	}
}

// Build validates keys, dials the three chains and wires the pipeline
func Build(ctx context.Context, deps Deps) (*Graph, error) {
	cfg := deps.Config
	if err := cfg.ValidateSigningKeys(); err != nil {
		return nil, err
	}

	dial := deps.Dial
	if dial == nil {
		opts := chainclient.Options{
			GasLimit:    cfg.GasLimit,
			MaxGasPrice: cfg.MaxGasPrice,
			RateLimit:   cfg.RPCRateLimit,
		}
		dial = func(ctx context.Context, endpoint config.ChainEndpoint, key string) (*chainclient.Client, error) {
			return chainclient.New(ctx, endpoint, key, opts, deps.Logger)
		}
	}

	keys := map[config.Role]string{
		config.RoleSettlement:  cfg.SettlementKey,
		config.RoleDestination: cfg.DestinationKey,
	}
	g := &Graph{
		clients:  make(map[config.Role]*chainclient.Client, len(config.Roles)),
		logger:   deps.Logger,
		launched: make(chan struct{}),
	}
	for _, role := range config.Roles {
		client, err := dial(ctx, cfg.Endpoint(role), keys[role])
		if err != nil {
			g.Close()
			return nil, errors.Wrapf(err, "failed to connect %s chain", role)
		}
		g.clients[role] = client
	}

	source := g.clients[config.RoleSource]
	settlement := g.clients[config.RoleSettlement]
	destination := g.clients[config.RoleDestination]
	checkpoint := watcher.NewRedisCheckpoint(deps.Redis)

	g.ingestors = []*pipeline.Ingestor{
		g.ingestor(deps, checkpoint, source, "source-deposits", contracts.TokensDepositedTopic(),
			models.JobKindDeposit, settlement.ChainID, deps.Deposits),
		g.ingestor(deps, checkpoint, settlement, "settlement-purchases", contracts.PurchaseInitiatedTopic(),
			models.JobKindPurchase, destination.ChainID, deps.Purchases),
	}

	confirm := executor.ConfirmDeposit(contracts.NewSettlementBridge(settlement.ContractAddress, settlement.Backend()))
	purchase := executor.ExecutePurchase(contracts.NewDestinationReceiver(destination.ContractAddress, destination.Backend()))
	g.pools = []*executor.Pool{
		g.pool(deps, settlement, models.JobKindDeposit, confirm, deps.Deposits),
		g.pool(deps, destination, models.JobKindPurchase, purchase, deps.Purchases),
	}

	g.sweeper = queue.NewSweeper(deps.Redis, cfg.Queue.LeaseTimeout/2, deps.Logger, deps.Deposits, deps.Purchases)
	g.fees = []*chainclient.FeeUpdateRoutine{
		chainclient.NewFeeUpdateRoutine(settlement, chainclient.DefaultGasPriceInterval),
		chainclient.NewFeeUpdateRoutine(destination, chainclient.DefaultGasPriceInterval),
	}
	g.reconciler = reconcile.New(deps.Store, map[models.JobKind]reconcile.Chain{
		models.JobKindDeposit:  settlement,
		models.JobKindPurchase: destination,
	}, deps.Redis, deps.Logger)

	return g, nil
}

func (g *Graph) ingestor(deps Deps, checkpoint watcher.Checkpoint, client *chainclient.Client, name string,
	topic common.Hash, kind models.JobKind, target int, q *queue.Queue) *pipeline.Ingestor {
	cfg := deps.Config
	w := watcher.New(watcher.Config{
		Name:           name,
		ChainID:        client.ChainID,
		Address:        client.ContractAddress,
		Topic:          topic,
		StartBlock:     cfg.Endpoint(client.Role).StartBlock,
		PollInterval:   cfg.PollingInterval,
		Subscribe:      config.IsWebsocketURL(client.RPCURL),
		Rewind:         client.RequiredConfirmations() + rewindMargin,
		HoldCheckpoint: true,
	}, client, checkpoint, deps.Logger)

	gate := finality.NewGate(client, client.ChainID, client.RequiredConfirmations(), cfg.PollingInterval, cfg.FinalityMaxWait, deps.Logger)

	var targetChain *big.Int
	if cfg.FilterTargetChain {
		targetChain = big.NewInt(int64(target))
	}
	return pipeline.New(pipeline.Config{
		Kind:          kind,
		ChainID:       client.ChainID,
		TargetChainID: targetChain,
		VerifyReceipt: cfg.VerifyEventReceipt,
		RetryInterval: time.Second,
	}, w, gate, client, q, deps.Store, deps.Logger)
}

func (g *Graph) pool(deps Deps, client *chainclient.Client, kind models.JobKind, build executor.TxBuilder, q *queue.Queue) *executor.Pool {
	cfg := deps.Config
	exec := executor.New(executor.Config{
		Kind:            kind,
		ChainID:         client.ChainID,
		PollInterval:    cfg.PollingInterval,
		ReceiptTimeout:  cfg.ReceiptTimeout,
		FinalityMaxWait: cfg.FinalityMaxWait,
	}, client, deps.Store, build, deps.Logger)

	return executor.NewPool(executor.PoolConfig{
		Workers:      cfg.WorkerCount,
		MaxAttempts:  cfg.Queue.MaxAttempts,
		BackoffBase:  cfg.Queue.BackoffBase,
		BackoffMax:   cfg.Queue.BackoffMax,
		PollInterval: cfg.Queue.PollInterval,
	}, q, exec, deps.Breakers[client.ChainID], deps.Logger)
}

// Start launches ingestion at once and the worker pools after reconciliation
func (g *Graph) Start(ctx context.Context) {
	for _, f := range g.fees {
		f.Start(ctx)
	}
	g.sweeper.Start(ctx)

	for _, ing := range g.ingestors {
		g.wg.Add(1)
		go func(ing *pipeline.Ingestor) {
			defer g.wg.Done()
			ing.Run(ctx)
		}(ing)
	}

	go func() {
		defer close(g.launched)
		if _, err := g.reconciler.Run(ctx); err != nil && ctx.Err() == nil {
			g.logger.Error("Reconciliation failed, pending records stay with their jobs: %v", err)
		}
		if ctx.Err() != nil {
			return
		}
		for _, p := range g.pools {
			p.Start(ctx)
		}
	}()
}

// Drain stops the worker pools and waits for in-flight jobs
func (g *Graph) Drain(ctx context.Context) error {
	for _, p := range g.pools {
		p.Stop()
	}

	done := make(chan struct{})
	go func() {
		<-g.launched
		for _, p := range g.pools {
			p.Wait()
		}
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Wait blocks until every goroutine of the graph has exited
func (g *Graph) Wait() {
	<-g.launched
	for _, p := range g.pools {
		p.Wait()
	}
	g.wg.Wait()
	g.sweeper.Stop()
	for _, f := range g.fees {
		f.Stop()
	}
}

// Close disconnects the chain clients
func (g *Graph) Close() {
	for _, c := range g.clients {
		c.Close()
	}
}

// Heights reads the head of every chain
func (g *Graph) Heights(ctx context.Context) map[config.Role]uint64 {
	heights := make(map[config.Role]uint64, len(g.clients))
	for role, c := range g.clients {
		if h, err := c.BlockNumber(ctx); err == nil {
			heights[role] = h
		}
	}
	return heights
}

// Waiting returns the number of events waiting for finality per ingestor kind
func (g *Graph) Waiting() map[models.JobKind]int64 {
	return map[models.JobKind]int64{
		models.JobKindDeposit:  g.ingestors[0].Waiting(),
		models.JobKindPurchase: g.ingestors[1].Waiting(),
	}
}
