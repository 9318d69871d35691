package config

import (
	"fmt"
	"math/big"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/speedrun-hq/bridge-relayer/pkg/logger"
)

const (
	// DefaultPollingInterval defines the default watcher and finality polling interval in seconds
	DefaultPollingInterval = 5

	// DefaultWorkerCount defines the default number of workers per queue
	DefaultWorkerCount = 5

	// DefaultMetricsPort defines the default port for the metrics and control server
	DefaultMetricsPort = "8080"

	// DefaultRedisURL defines the default job queue persistence
	DefaultRedisURL = "redis://localhost:6379/0"

	// DefaultMaxAttempts defines the number of attempts before a job is dead-lettered
	DefaultMaxAttempts = 5

	// DefaultRetryBackoffBase defines the delay before the first retry
	DefaultRetryBackoffBase = 5 * time.Second

	// DefaultRetryBackoffMax caps the retry delay
	DefaultRetryBackoffMax = 10 * time.Minute

	// DefaultLeaseTimeout defines how long a consumed job stays leased without a heartbeat
	DefaultLeaseTimeout = 2 * time.Minute

	// DefaultQueuePollInterval defines how often idle workers poll the queue
	DefaultQueuePollInterval = time.Second

	// DefaultReceiptTimeout defines how long to wait for a submitted transaction to be mined
	DefaultReceiptTimeout = 5 * time.Minute

	// DefaultDrainTimeout defines how long stop waits for in-flight jobs
	DefaultDrainTimeout = 30 * time.Second

	// DefaultGasLimit defines the gas limit for confirm and execute transactions
	DefaultGasLimit = 500000

	// DefaultMaxGasPrice defines the maximum gas price in wei, 0 disables the cap
	DefaultMaxGasPrice = "0"

	// DefaultRPCRateLimit defines the number of RPC calls per second per chain
	DefaultRPCRateLimit = 10

	// DefaultCircuitBreakerEnabled defines whether the circuit breaker is enabled
	DefaultCircuitBreakerEnabled = true

	// DefaultCircuitBreakerThreshold defines the number of failures before the circuit breaker trips
	DefaultCircuitBreakerThreshold = 5

	// DefaultCircuitBreakerWindow defines the time window for the circuit breaker
	DefaultCircuitBreakerWindow = 5

	// DefaultCircuitBreakerReset defines the reset timeout for the circuit breaker
	DefaultCircuitBreakerReset = 15

	// Network specific defaults, taken from the deployed bridge setup

	DefaultSourceChainID      = 11155111
	DefaultSettlementChainID  = 336699
	DefaultDestinationChainID = 421614

	DefaultSourceConfirmations      = 3
	DefaultSettlementConfirmations  = 2
	DefaultDestinationConfirmations = 2
)

var defaultChainIDs = map[Role]int{
	RoleSource:      DefaultSourceChainID,
	RoleSettlement:  DefaultSettlementChainID,
	RoleDestination: DefaultDestinationChainID,
}

var defaultConfirmations = map[Role]uint64{
	RoleSource:      DefaultSourceConfirmations,
	RoleSettlement:  DefaultSettlementConfirmations,
	RoleDestination: DefaultDestinationConfirmations,
}

// contract address variable per role, the destination chain hosts a receiver instead of a bridge
var addressVars = map[Role]string{
	RoleSource:      "SOURCE_BRIDGE_ADDRESS",
	RoleSettlement:  "SETTLEMENT_BRIDGE_ADDRESS",
	RoleDestination: "DESTINATION_RECEIVER_ADDRESS",
}

// GetEnvPollingInterval returns the polling interval in seconds from environment variables
func GetEnvPollingInterval() (time.Duration, error) {
	pollingInterval := os.Getenv("POLLING_INTERVAL")
	if pollingInterval == "" {
		return time.Duration(DefaultPollingInterval) * time.Second, nil
	}

	interval, err := strconv.Atoi(pollingInterval)
	if err != nil {
		return 0, fmt.Errorf("invalid POLLING_INTERVAL value: %s, must be an integer", pollingInterval)
	}
	if interval <= 0 {
		return 0, fmt.Errorf("POLLING_INTERVAL must be greater than 0")
	}
	return time.Duration(interval) * time.Second, nil
}

// GetEnvWorkerCount returns the number of workers per queue from environment variables
func GetEnvWorkerCount() (int, error) {
	return getEnvPositiveInt("WORKER_COUNT", DefaultWorkerCount)
}

// GetEnvMaxAttempts returns the maximum number of attempts per job
func GetEnvMaxAttempts() (int, error) {
	return getEnvPositiveInt("MAX_ATTEMPTS", DefaultMaxAttempts)
}

// GetEnvGasLimit returns the gas limit used for relay transactions
func GetEnvGasLimit() (uint64, error) {
	limit, err := getEnvPositiveInt("GAS_LIMIT", DefaultGasLimit)
	if err != nil {
		return 0, err
	}
	return uint64(limit), nil
}

// GetEnvRPCRateLimit returns the number of RPC calls per second allowed per chain
func GetEnvRPCRateLimit() (int, error) {
	return getEnvPositiveInt("RPC_RATE_LIMIT", DefaultRPCRateLimit)
}

// GetEnvMetricsPort returns the metrics server port from environment variables
func GetEnvMetricsPort() (string, error) {
	metricsPort := os.Getenv("METRICS_PORT")
	if metricsPort == "" {
		return DefaultMetricsPort, nil
	}

	if _, err := strconv.Atoi(metricsPort); err != nil {
		return "", fmt.Errorf("invalid METRICS_PORT value: %s, must be a valid integer", metricsPort)
	}
	return metricsPort, nil
}

// GetEnvRedisURL returns the job queue persistence URL
func GetEnvRedisURL() (string, error) {
	redisURL := os.Getenv("REDIS_URL")
	if redisURL == "" {
		return DefaultRedisURL, nil
	}

	u, err := url.Parse(redisURL)
	if err != nil || (u.Scheme != "redis" && u.Scheme != "rediss") {
		return "", fmt.Errorf("invalid REDIS_URL value: %s, must be a redis:// or rediss:// URL", redisURL)
	}
	return redisURL, nil
}

// GetEnvDedupStoreURL returns the dedup store URL, defaulting to the queue's Redis
func GetEnvDedupStoreURL(redisURL string) (string, error) {
	storeURL := os.Getenv("DEDUP_STORE_URL")
	if storeURL == "" {
		return redisURL, nil
	}

	u, err := url.Parse(storeURL)
	if err != nil {
		return "", fmt.Errorf("invalid DEDUP_STORE_URL value: %s", storeURL)
	}
	switch u.Scheme {
	case "redis", "rediss", "postgres", "postgresql":
		return storeURL, nil
	}
	return "", fmt.Errorf("invalid DEDUP_STORE_URL scheme: %s, must be redis or postgres", u.Scheme)
}

// GetEnvDuration returns a duration string variable or its default
func GetEnvDuration(name string, def time.Duration) (time.Duration, error) {
	value := os.Getenv(name)
	if value == "" {
		return def, nil
	}

	parsed, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s value: %s, must be a valid duration string", name, value)
	}
	if parsed < 0 {
		return 0, fmt.Errorf("%s must not be negative", name)
	}
	return parsed, nil
}

// GetEnvBool returns a boolean variable or its default
func GetEnvBool(name string, def bool) (bool, error) {
	value := os.Getenv(name)
	if value == "" {
		return def, nil
	}

	if value == "true" {
		return true, nil
	} else if value == "false" {
		return false, nil
	}

	return false, fmt.Errorf("invalid %s value: %s, must be 'true' or 'false'", name, value)
}

// GetEnvCircuitBreakerThreshold returns the circuit breaker threshold from environment variables
func GetEnvCircuitBreakerThreshold() (int, error) {
	return getEnvPositiveInt("CIRCUIT_BREAKER_THRESHOLD", DefaultCircuitBreakerThreshold)
}

// GetEnvMaxGasPrice returns the maximum gas price from environment variables
func GetEnvMaxGasPrice() (*big.Int, error) {
	maxGasPrice := os.Getenv("MAX_GAS_PRICE")
	if maxGasPrice == "" {
		maxGasPrice = DefaultMaxGasPrice
	}

	maxGasPriceBig := new(big.Int)
	if _, ok := maxGasPriceBig.SetString(maxGasPrice, 10); !ok {
		return nil, fmt.Errorf("invalid MAX_GAS_PRICE value: %s, must be a valid integer string", maxGasPrice)
	}

	if maxGasPriceBig.Sign() < 0 {
		return nil, fmt.Errorf("MAX_GAS_PRICE must be greater than or equal to 0")
	}
	return maxGasPriceBig, nil
}

// GetEnvLogLevel returns the log level from environment variables
func GetEnvLogLevel() (logger.Level, error) {
	level, err := logger.ParseLevel(os.Getenv("LOG_LEVEL"))
	if err != nil {
		return logger.InfoLevel, fmt.Errorf("invalid LOG_LEVEL value: %v", err)
	}
	return level, nil
}

// GetEnvLogFormat returns the log backend format
func GetEnvLogFormat() (string, error) {
	format := strings.ToLower(os.Getenv("LOG_FORMAT"))
	switch format {
	case "":
		return "text", nil
	case "text", "json", "logrus":
		return format, nil
	}
	return "", fmt.Errorf("invalid LOG_FORMAT value: %s, must be 'text', 'logrus' or 'json'", format)
}

// GetEnvChainEndpoint returns the endpoint configuration of one relay hop
func GetEnvChainEndpoint(role Role) (ChainEndpoint, error) {
	prefix := EnvPrefix(role)
	endpoint := ChainEndpoint{Role: role}

	endpoint.RPCURL = os.Getenv(prefix + "_RPC_URL")
	if endpoint.RPCURL == "" {
		return endpoint, fmt.Errorf("%s_RPC_URL environment variable is required", prefix)
	}

	addressVar := addressVars[role]
	address := os.Getenv(addressVar)
	if address == "" {
		return endpoint, fmt.Errorf("%s environment variable is required", addressVar)
	}
	if !common.IsHexAddress(address) {
		return endpoint, fmt.Errorf("invalid %s value: %s, must be a valid Ethereum address", addressVar, address)
	}
	endpoint.ContractAddress = common.HexToAddress(address)

	chainID, err := getEnvPositiveInt(prefix+"_CHAIN_ID", defaultChainIDs[role])
	if err != nil {
		return endpoint, err
	}
	endpoint.ChainID = chainID

	confirmations, err := getEnvUint(prefix+"_CONFIRMATIONS", defaultConfirmations[role])
	if err != nil {
		return endpoint, err
	}
	endpoint.Confirmations = confirmations

	startBlock, err := getEnvUint(prefix+"_START_BLOCK", 0)
	if err != nil {
		return endpoint, err
	}
	endpoint.StartBlock = startBlock

	return endpoint, nil
}

func getEnvPositiveInt(name string, def int) (int, error) {
	value := os.Getenv(name)
	if value == "" {
		return def, nil
	}

	parsed, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s value: %s, must be an integer", name, value)
	}
	if parsed <= 0 {
		return 0, fmt.Errorf("%s must be greater than 0", name)
	}
	return parsed, nil
}

func getEnvUint(name string, def uint64) (uint64, error) {
	value := os.Getenv(name)
	if value == "" {
		return def, nil
	}

	parsed, err := strconv.ParseUint(value, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s value: %s, must be a non-negative integer", name, value)
	}
	return parsed, nil
}
