package config

import (
	"fmt"
	"log"
	"math/big"
	"os"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/joho/godotenv"
	"github.com/speedrun-hq/bridge-relayer/pkg/logger"
)

// Config holds the configuration for the relayer service
type Config struct {
	Chains             map[Role]ChainEndpoint
	SettlementKey      string
	DestinationKey     string
	RedisURL           string
	DedupStoreURL      string
	PollingInterval    time.Duration
	WorkerCount        int
	Queue              QueueConfig
	FinalityMaxWait    time.Duration
	ReceiptTimeout     time.Duration
	GasLimit           uint64
	MaxGasPrice        *big.Int
	RPCRateLimit       int
	VerifyEventReceipt bool
	FilterTargetChain  bool
	MetricsPort        string
	MetricsAPIKey      string
	ControlAPIKey      string
	AutoStart          bool
	DrainTimeout       time.Duration
	CircuitBreaker     CircuitBreakerConfig
	LoggerConfig       LoggerConfig
}

// ChainEndpoint holds the static configuration of one participating chain
type ChainEndpoint struct {
	Role            Role
	ChainID         int
	RPCURL          string
	ContractAddress common.Address
	Confirmations   uint64
	StartBlock      uint64
}

// QueueConfig holds job queue tuning
type QueueConfig struct {
	MaxAttempts  int
	BackoffBase  time.Duration
	BackoffMax   time.Duration
	LeaseTimeout time.Duration
	PollInterval time.Duration
}

// CircuitBreakerConfig holds circuit breaker configuration
type CircuitBreakerConfig struct {
	Enabled        bool
	Threshold      int
	WindowDuration time.Duration
	ResetTimeout   time.Duration
}

// LoggerConfig holds the configuration for logging
type LoggerConfig struct {
	Level    logger.Level
	Coloring bool
	Format   string
}

// Endpoint returns the endpoint of a role
func (c *Config) Endpoint(role Role) ChainEndpoint {
	return c.Chains[role]
}

// LoadConfig loads the configuration from environment variables
func LoadConfig() (*Config, error) {
	// Load environment variables from .env file
	if err := godotenv.Load(); err != nil {
		log.Printf("Warning: .env file not found, using environment variables")
	}

	chains := make(map[Role]ChainEndpoint, len(Roles))
	for _, role := range Roles {
		endpoint, err := GetEnvChainEndpoint(role)
		if err != nil {
			return nil, err
		}
		chains[role] = endpoint
	}

	pollingInterval, err := GetEnvPollingInterval()
	if err != nil {
		return nil, err
	}

	workerCount, err := GetEnvWorkerCount()
	if err != nil {
		return nil, err
	}

	redisURL, err := GetEnvRedisURL()
	if err != nil {
		return nil, err
	}

	dedupURL, err := GetEnvDedupStoreURL(redisURL)
	if err != nil {
		return nil, err
	}

	maxAttempts, err := GetEnvMaxAttempts()
	if err != nil {
		return nil, err
	}

	backoffBase, err := GetEnvDuration("RETRY_BACKOFF_BASE", DefaultRetryBackoffBase)
	if err != nil {
		return nil, err
	}

	backoffMax, err := GetEnvDuration("RETRY_BACKOFF_MAX", DefaultRetryBackoffMax)
	if err != nil {
		return nil, err
	}

	leaseTimeout, err := GetEnvDuration("LEASE_TIMEOUT", DefaultLeaseTimeout)
	if err != nil {
		return nil, err
	}

	queuePoll, err := GetEnvDuration("QUEUE_POLL_INTERVAL", DefaultQueuePollInterval)
	if err != nil {
		return nil, err
	}

	finalityMaxWait, err := GetEnvDuration("FINALITY_MAX_WAIT", 0)
	if err != nil {
		return nil, err
	}

	receiptTimeout, err := GetEnvDuration("RECEIPT_TIMEOUT", DefaultReceiptTimeout)
	if err != nil {
		return nil, err
	}

	drainTimeout, err := GetEnvDuration("DRAIN_TIMEOUT", DefaultDrainTimeout)
	if err != nil {
		return nil, err
	}

	gasLimit, err := GetEnvGasLimit()
	if err != nil {
		return nil, err
	}

	maxGasPrice, err := GetEnvMaxGasPrice()
	if err != nil {
		return nil, err
	}

	rateLimit, err := GetEnvRPCRateLimit()
	if err != nil {
		return nil, err
	}

	verifyReceipt, err := GetEnvBool("VERIFY_EVENT_RECEIPT", true)
	if err != nil {
		return nil, err
	}

	filterTarget, err := GetEnvBool("FILTER_TARGET_CHAIN", false)
	if err != nil {
		return nil, err
	}

	metricsPort, err := GetEnvMetricsPort()
	if err != nil {
		return nil, err
	}

	autoStart, err := GetEnvBool("AUTO_START", true)
	if err != nil {
		return nil, err
	}

	cbEnabled, err := GetEnvBool("CIRCUIT_BREAKER_ENABLED", DefaultCircuitBreakerEnabled)
	if err != nil {
		return nil, err
	}

	cbThreshold, err := GetEnvCircuitBreakerThreshold()
	if err != nil {
		return nil, err
	}

	cbWindow, err := GetEnvDuration("CIRCUIT_BREAKER_WINDOW", DefaultCircuitBreakerWindow*time.Minute)
	if err != nil {
		return nil, err
	}

	cbReset, err := GetEnvDuration("CIRCUIT_BREAKER_RESET", DefaultCircuitBreakerReset*time.Minute)
	if err != nil {
		return nil, err
	}

	logLevel, err := GetEnvLogLevel()
	if err != nil {
		return nil, err
	}

	logColoring, err := GetEnvBool("LOG_COLORING", true)
	if err != nil {
		return nil, err
	}

	logFormat, err := GetEnvLogFormat()
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		Chains:          chains,
		SettlementKey:   os.Getenv("SETTLEMENT_PRIVATE_KEY"),
		DestinationKey:  os.Getenv("DESTINATION_PRIVATE_KEY"),
		RedisURL:        redisURL,
		DedupStoreURL:   dedupURL,
		PollingInterval: pollingInterval,
		WorkerCount:     workerCount,
		Queue: QueueConfig{
			MaxAttempts:  maxAttempts,
			BackoffBase:  backoffBase,
			BackoffMax:   backoffMax,
			LeaseTimeout: leaseTimeout,
			PollInterval: queuePoll,
		},
		FinalityMaxWait:    finalityMaxWait,
		ReceiptTimeout:     receiptTimeout,
		GasLimit:           gasLimit,
		MaxGasPrice:        maxGasPrice,
		RPCRateLimit:       rateLimit,
		VerifyEventReceipt: verifyReceipt,
		FilterTargetChain:  filterTarget,
		MetricsPort:        metricsPort,
		MetricsAPIKey:      os.Getenv("METRICS_API_KEY"),
		ControlAPIKey:      os.Getenv("CONTROL_API_KEY"),
		AutoStart:          autoStart,
		DrainTimeout:       drainTimeout,
		CircuitBreaker: CircuitBreakerConfig{
			Enabled:        cbEnabled,
			Threshold:      cbThreshold,
			WindowDuration: cbWindow,
			ResetTimeout:   cbReset,
		},
		LoggerConfig: LoggerConfig{
			Level:    logLevel,
			Coloring: logColoring,
			Format:   logFormat,
		},
	}

	if err := validateConfig(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// validateConfig validates the configuration
func validateConfig(cfg *Config) error {
	if len(cfg.Chains) != len(Roles) {
		return fmt.Errorf("source, settlement and destination chains are all required")
	}
	seen := make(map[int]Role)
	for _, role := range Roles {
		endpoint := cfg.Chains[role]
		if other, ok := seen[endpoint.ChainID]; ok {
			return fmt.Errorf("%s and %s chains share chain id %d", other, role, endpoint.ChainID)
		}
		seen[endpoint.ChainID] = role
	}
	if cfg.Queue.BackoffMax < cfg.Queue.BackoffBase {
		return fmt.Errorf("RETRY_BACKOFF_MAX must not be lower than RETRY_BACKOFF_BASE")
	}
	if cfg.Queue.LeaseTimeout <= 0 {
		return fmt.Errorf("LEASE_TIMEOUT must be greater than 0")
	}
	return nil
}

// ValidateSigningKeys checks the key material needed to submit transactions.
// It runs at relayer start rather than load so the control plane can boot without keys.
func (c *Config) ValidateSigningKeys() error {
	if c.SettlementKey == "" {
		return fmt.Errorf("SETTLEMENT_PRIVATE_KEY environment variable is required")
	}
	if c.DestinationKey == "" {
		return fmt.Errorf("DESTINATION_PRIVATE_KEY environment variable is required")
	}
	return nil
}
