package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/fatih/color"
	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/speedrun-hq/bridge-relayer/pkg/circuitbreaker"
	"github.com/speedrun-hq/bridge-relayer/pkg/config"
	"github.com/speedrun-hq/bridge-relayer/pkg/dedup"
	"github.com/speedrun-hq/bridge-relayer/pkg/executor"
	"github.com/speedrun-hq/bridge-relayer/pkg/health"
	"github.com/speedrun-hq/bridge-relayer/pkg/logger"
	"github.com/speedrun-hq/bridge-relayer/pkg/models"
	"github.com/speedrun-hq/bridge-relayer/pkg/queue"
	"github.com/speedrun-hq/bridge-relayer/pkg/relayer"
	"github.com/spf13/cobra"
)

var deadLetterLimit int64

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Serve the control plane and run the relayer",
	Args:  cobra.NoArgs,
	RunE:  runRelayer,
}

var lookupCmd = &cobra.Command{
	Use:   "lookup <deposit|purchase> <id>",
	Short: "Print the dedup record and last error of an operation",
	Args:  cobra.ExactArgs(2),
	RunE:  runLookup,
}

var deadLettersCmd = &cobra.Command{
	Use:   "deadletters",
	Short: "Inspect and requeue dead-lettered jobs",
}

var deadLettersListCmd = &cobra.Command{
	Use:   "list <deposits|purchases>",
	Short: "List dead-lettered jobs, oldest first",
	Args:  cobra.ExactArgs(1),
	RunE:  runListDeadLetters,
}

var deadLettersRequeueCmd = &cobra.Command{
	Use:   "requeue <deposits|purchases> <jobID>",
	Short: "Move a dead-lettered job back to the ready queue, reopening its failed operation",
	Args:  cobra.ExactArgs(2),
	RunE:  runRequeueDeadLetter,
}

func init() {
	deadLettersListCmd.Flags().Int64Var(&deadLetterLimit, "limit", 100, "maximum number of jobs to list")
	deadLettersCmd.AddCommand(deadLettersListCmd)
	deadLettersCmd.AddCommand(deadLettersRequeueCmd)
}

func runRelayer(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return errors.Wrap(err, "failed to load configuration")
	}

	log := logger.New(cfg.LoggerConfig.Format, cfg.LoggerConfig.Coloring, cfg.LoggerConfig.Level)
	for _, role := range config.Roles {
		logger.RegisterChain(cfg.Endpoint(role).ChainID, config.LogTag(role))
	}

	// Set up context with cancellation on SIGINT/SIGTERM
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	redisOpts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return errors.Wrap(err, "invalid REDIS_URL")
	}
	client := redis.NewClient(redisOpts)
	defer client.Close()

	store, err := dedup.Open(ctx, cfg.DedupStoreURL, log)
	if err != nil {
		return errors.Wrap(err, "failed to open dedup store")
	}
	defer store.Close()

	deposits := queue.New(client, queue.DepositQueue, cfg.Queue.LeaseTimeout, log)
	purchases := queue.New(client, queue.PurchaseQueue, cfg.Queue.LeaseTimeout, log)

	breakers := make(map[int]*circuitbreaker.CircuitBreaker)
	for _, role := range []config.Role{config.RoleSettlement, config.RoleDestination} {
		chainID := cfg.Endpoint(role).ChainID
		breakers[chainID] = circuitbreaker.NewCircuitBreaker(
			chainID,
			cfg.CircuitBreaker.Enabled,
			cfg.CircuitBreaker.Threshold,
			cfg.CircuitBreaker.WindowDuration,
			cfg.CircuitBreaker.ResetTimeout,
			log,
		)
	}

	controller := relayer.NewController(relayer.NewFactory(relayer.Deps{
		Config:    cfg,
		Redis:     client,
		Store:     store,
		Deposits:  deposits,
		Purchases: purchases,
		Breakers:  breakers,
		Logger:    log,
	}), cfg.DrainTimeout, log)

	server := health.NewServer(health.Options{
		Port:          cfg.MetricsPort,
		MetricsAPIKey: cfg.MetricsAPIKey,
		ControlAPIKey: cfg.ControlAPIKey,
		Chains:        cfg.Chains,
		Breakers:      breakers,
		Queues:        []*queue.Queue{deposits, purchases},
		Store:         store,
		Controller:    controller,
		Logger:        log,
	})
	serverErr := make(chan error, 1)
	go func() {
		serverErr <- server.Start()
	}()

	if cfg.AutoStart {
		if _, err := controller.Start(ctx); err != nil {
			shutdownServer(server, log)
			return err
		}
	} else {
		log.Info("AUTO_START is off, waiting for POST /relayer/start")
	}

	select {
	case <-ctx.Done():
		log.Info("Received termination signal, shutting down gracefully...")
	case err := <-serverErr:
		if err != nil {
			log.Error("Health server error: %v", err)
		}
	}

	if _, err := controller.Stop(context.Background()); err != nil && !errors.Is(err, relayer.ErrNotRunning) {
		log.Error("Failed to stop relayer: %v", err)
	}
	shutdownServer(server, log)
	return nil
}

func shutdownServer(server *health.Server, log logger.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		log.Error("Failed to shut down health server: %v", err)
	}
}

func runLookup(cmd *cobra.Command, args []string) error {
	kind := models.JobKind(args[0])
	if kind != models.JobKindDeposit && kind != models.JobKindPurchase {
		return fmt.Errorf("unknown kind %q, must be deposit or purchase", args[0])
	}
	raw, err := hexutil.Decode(args[1])
	if err != nil || len(raw) != common.HashLength {
		return fmt.Errorf("invalid id %q, must be 32 bytes of 0x-prefixed hex", args[1])
	}
	key := models.DedupKey(kind, common.BytesToHash(raw))

	ctx := cmd.Context()
	store, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	out := cmd.OutOrStdout()
	record, err := store.Lookup(ctx, key)
	switch {
	case errors.Is(err, dedup.ErrNotFound):
		fmt.Fprintf(out, "%s: %s\n", key, color.YellowString("not found"))
	case err != nil:
		return err
	default:
		fmt.Fprintf(out, "%s: %s\n", key, statusColor(record.Status))
		printJSON(out, record)
	}

	detail, err := store.LastError(ctx, key)
	switch {
	case errors.Is(err, dedup.ErrNotFound):
	case err != nil:
		return err
	default:
		fmt.Fprintf(out, "last error at %s: %s\n", time.UnixMilli(detail.Timestamp).UTC().Format(time.RFC3339), detail.Error)
	}
	return nil
}

func runListDeadLetters(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	q, client, err := openQueue(args[0])
	if err != nil {
		return err
	}
	defer client.Close()

	letters, err := q.ListDead(ctx, deadLetterLimit)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if len(letters) == 0 {
		fmt.Fprintf(out, "no dead letters on %s\n", q.Name())
		return nil
	}
	for _, l := range letters {
		fmt.Fprintf(out, "%s  %s  attempts=%d  dead_at=%s  %s\n",
			l.Job.ID, l.Job.DedupKey(), l.Attempts, l.DeadAt.UTC().Format(time.RFC3339), color.RedString(l.LastError))
	}
	return nil
}

func runRequeueDeadLetter(cmd *cobra.Command, args []string) error {
	q, client, err := openQueue(args[0])
	if err != nil {
		return err
	}
	defer client.Close()

	store, err := openStore(cmd.Context())
	if err != nil {
		return err
	}
	defer store.Close()

	if err := executor.RequeueDead(cmd.Context(), q, store, args[1]); err != nil {
		return errors.Wrapf(err, "failed to requeue %s", args[1])
	}
	fmt.Fprintf(cmd.OutOrStdout(), "requeued %s on %s\n", args[1], q.Name())
	return nil
}

// openStore connects to the dedup store without requiring chain configuration
func openStore(ctx context.Context) (dedup.Store, error) {
	_ = godotenv.Load()
	redisURL, err := config.GetEnvRedisURL()
	if err != nil {
		return nil, err
	}
	storeURL, err := config.GetEnvDedupStoreURL(redisURL)
	if err != nil {
		return nil, err
	}
	return dedup.Open(ctx, storeURL, &logger.EmptyLogger{})
}

func openQueue(name string) (*queue.Queue, *redis.Client, error) {
	if name != queue.DepositQueue && name != queue.PurchaseQueue {
		return nil, nil, fmt.Errorf("unknown queue %q, must be %s or %s", name, queue.DepositQueue, queue.PurchaseQueue)
	}
	_ = godotenv.Load()
	redisURL, err := config.GetEnvRedisURL()
	if err != nil {
		return nil, nil, err
	}
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, nil, errors.Wrap(err, "invalid REDIS_URL")
	}
	leaseTimeout, err := config.GetEnvDuration("LEASE_TIMEOUT", config.DefaultLeaseTimeout)
	if err != nil {
		return nil, nil, err
	}
	client := redis.NewClient(opts)
	return queue.New(client, name, leaseTimeout, &logger.EmptyLogger{}), client, nil
}

func statusColor(status models.RecordStatus) string {
	switch status {
	case models.StatusConfirmed:
		return color.GreenString(string(status))
	case models.StatusFailed:
		return color.RedString(string(status))
	default:
		return color.YellowString(string(status))
	}
}

func printJSON(out interface{ Write([]byte) (int, error) }, v interface{}) {
	raw, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return
	}
	_, _ = out.Write(append(raw, '\n'))
}
