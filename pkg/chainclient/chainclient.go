package chainclient

import (
	"context"
	"fmt"
	"math/big"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/speedrun-hq/bridge-relayer/pkg/blockchain"
	"github.com/speedrun-hq/bridge-relayer/pkg/config"
	"github.com/speedrun-hq/bridge-relayer/pkg/logger"
	"github.com/speedrun-hq/bridge-relayer/pkg/metrics"
	"golang.org/x/time/rate"
)

// Backend is the RPC surface the relayer needs from a chain.
// Both *ethclient.Client and the simulated backend client satisfy it.
type Backend interface {
	bind.ContractBackend
	ethereum.BlockNumberReader
	ethereum.ChainIDReader
	ethereum.TransactionReader
}

// Options tunes transaction building and RPC usage
type Options struct {
	GasLimit      uint64
	MaxGasPrice   *big.Int
	GasMultiplier float64
	RateLimit     int
}

// Client contains client and config information for a specific blockchain
type Client struct {
	Role            config.Role
	ChainID         int
	RPCURL          string
	ContractAddress common.Address
	Confirmations   uint64

	backend Backend
	closer  func()
	auth    *bind.TransactOpts
	nonces  *blockchain.NonceManager
	limiter *rate.Limiter
	logger  logger.Logger

	gasLimit      uint64
	maxGasPrice   *big.Int
	gasMultiplier float64

	mu              sync.RWMutex
	currentGasPrice *big.Int
}

// New dials the endpoint and creates a new client
func New(ctx context.Context, endpoint config.ChainEndpoint, privateKey string, opts Options, log logger.Logger) (*Client, error) {
	eth, err := ethclient.DialContext(ctx, endpoint.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to chain %d: %v", endpoint.ChainID, err)
	}

	client, err := NewWithBackend(ctx, endpoint, eth, privateKey, opts, log)
	if err != nil {
		eth.Close()
		return nil, err
	}
	client.closer = eth.Close
	return client, nil
}

// NewWithBackend creates a client over an existing backend
func NewWithBackend(ctx context.Context, endpoint config.ChainEndpoint, backend Backend, privateKey string, opts Options, log logger.Logger) (*Client, error) {
	remoteID, err := backend.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get chain ID: %v", err)
	}
	if remoteID.Int64() != int64(endpoint.ChainID) {
		return nil, fmt.Errorf("chain id mismatch for %s: configured %d, endpoint reports %s", endpoint.Role, endpoint.ChainID, remoteID)
	}

	if opts.GasMultiplier <= 0 {
		opts.GasMultiplier = gasMultiplierFromEnv(endpoint.ChainID)
	}
	limit := rate.Inf
	if opts.RateLimit > 0 {
		limit = rate.Limit(opts.RateLimit)
	}

	client := &Client{
		Role:            endpoint.Role,
		ChainID:         endpoint.ChainID,
		RPCURL:          endpoint.RPCURL,
		ContractAddress: endpoint.ContractAddress,
		Confirmations:   endpoint.Confirmations,
		backend:         backend,
		closer:          func() {},
		limiter:         rate.NewLimiter(limit, max(opts.RateLimit, 1)),
		logger:          log,
		gasLimit:        opts.GasLimit,
		maxGasPrice:     opts.MaxGasPrice,
		gasMultiplier:   opts.GasMultiplier,
	}

	if privateKey != "" {
		auth, err := createAuthenticator(remoteID, privateKey)
		if err != nil {
			return nil, fmt.Errorf("failed to create authenticator for %s: %v", endpoint.Role, err)
		}
		client.auth = auth
		client.nonces = blockchain.NewNonceManager(endpoint.ChainID, auth.From, backend, log)
	}

	return client, nil
}

// Backend returns the underlying RPC backend
func (c *Client) Backend() Backend {
	return c.backend
}

// CanSign reports whether the client holds signing keys
func (c *Client) CanSign() bool {
	return c.auth != nil
}

// From returns the signing address
func (c *Client) From() common.Address {
	if c.auth == nil {
		return common.Address{}
	}
	return c.auth.From
}

// RequiredConfirmations returns the finality depth of the chain
func (c *Client) RequiredConfirmations() uint64 {
	return c.Confirmations
}

// Limiter returns the rate limiter shared by all RPC reads of this chain
func (c *Client) Limiter() *rate.Limiter {
	return c.limiter
}

// BlockNumber returns the latest block number of the chain
func (c *Client) BlockNumber(ctx context.Context) (uint64, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return 0, err
	}
	height, err := c.backend.BlockNumber(ctx)
	if err != nil {
		return 0, err
	}
	metrics.ChainHeight.WithLabelValues(strconv.Itoa(c.ChainID)).Set(float64(height))
	return height, nil
}

// TransactionReceipt returns the receipt of a mined transaction, or ethereum.NotFound
func (c *Client) TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	return c.backend.TransactionReceipt(ctx, txHash)
}

// FilterLogs executes a log filter query
func (c *Client) FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	return c.backend.FilterLogs(ctx, q)
}

// SubscribeFilterLogs opens a push subscription for logs
func (c *Client) SubscribeFilterLogs(ctx context.Context, q ethereum.FilterQuery, ch chan<- types.Log) (ethereum.Subscription, error) {
	return c.backend.SubscribeFilterLogs(ctx, q, ch)
}

// SendTransaction broadcasts a signed transaction
func (c *Client) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	return c.backend.SendTransaction(ctx, tx)
}

// Transactor returns signing options for one transaction. The transaction is
// signed but not broadcast so its hash can be persisted before sending.
func (c *Client) Transactor(ctx context.Context) (*bind.TransactOpts, error) {
	if c.auth == nil {
		return nil, fmt.Errorf("chain %d has no signing key", c.ChainID)
	}

	gasPrice, err := c.GasPrice(ctx)
	if err != nil {
		return nil, err
	}

	nonce, err := c.nonces.Reserve(ctx)
	if err != nil {
		return nil, err
	}

	return &bind.TransactOpts{
		From:     c.auth.From,
		Signer:   c.auth.Signer,
		Nonce:    new(big.Int).SetUint64(nonce),
		GasPrice: gasPrice,
		GasLimit: c.gasLimit,
		Context:  ctx,
		NoSend:   true,
	}, nil
}

// TrackTransaction records a signed transaction against its nonce
func (c *Client) TrackTransaction(tx *types.Transaction) {
	if c.nonces != nil {
		c.nonces.Track(tx.Nonce(), tx.Hash())
	}
}

// TransactionMined releases the nonce bookkeeping of a mined transaction
func (c *Client) TransactionMined(tx *types.Transaction) {
	if c.nonces != nil {
		c.nonces.Confirm(tx.Nonce())
	}
}

// TransactionNotSent gives back the nonce of a transaction that never reached the network
func (c *Client) TransactionNotSent(tx *types.Transaction, err error) {
	if c.nonces == nil {
		return
	}
	c.nonces.Release(tx.Nonce())
	if err != nil && isNonceError(err) {
		c.nonces.Invalidate()
	}
}

// ReleaseTransactor returns the nonce of options whose transaction was never signed
func (c *Client) ReleaseTransactor(opts *bind.TransactOpts) {
	if c.nonces != nil && opts != nil && opts.Nonce != nil {
		c.nonces.Release(opts.Nonce.Uint64())
	}
}

// GasPrice returns the cached gas price, refreshing it when nothing is cached yet
func (c *Client) GasPrice(ctx context.Context) (*big.Int, error) {
	c.mu.RLock()
	price := c.currentGasPrice
	c.mu.RUnlock()
	if price != nil {
		return new(big.Int).Set(price), nil
	}
	return c.UpdateGasPrice(ctx)
}

// UpdateGasPrice updates the gas price based on current network conditions
func (c *Client) UpdateGasPrice(ctx context.Context) (*big.Int, error) {
	timeoutCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	gasPrice, err := c.backend.SuggestGasPrice(timeoutCtx)
	if err != nil {
		return nil, fmt.Errorf("failed to get gas price: %v", err)
	}

	// Apply gas multiplier (e.g. 1.1 = 10% buffer)
	multipliedGasPrice := new(big.Float).Mul(
		new(big.Float).SetInt(gasPrice),
		big.NewFloat(c.gasMultiplier),
	)
	finalGasPrice := new(big.Int)
	multipliedGasPrice.Int(finalGasPrice)

	if c.maxGasPrice != nil && c.maxGasPrice.Sign() > 0 && finalGasPrice.Cmp(c.maxGasPrice) > 0 {
		c.logger.NoticeWithChain(c.ChainID, "Suggested gas price %s wei above cap, using %s wei", finalGasPrice, c.maxGasPrice)
		finalGasPrice = new(big.Int).Set(c.maxGasPrice)
	}

	c.mu.Lock()
	c.currentGasPrice = finalGasPrice
	c.mu.Unlock()

	gwei, _ := new(big.Float).Quo(new(big.Float).SetInt(finalGasPrice), big.NewFloat(1e9)).Float64()
	metrics.GasPrice.WithLabelValues(strconv.Itoa(c.ChainID)).Set(gwei)

	return new(big.Int).Set(finalGasPrice), nil
}

// Close releases the RPC connection
func (c *Client) Close() {
	c.closer()
}

// Helper function to create authenticator
func createAuthenticator(chainID *big.Int, privateKeyHex string) (*bind.TransactOpts, error) {
	privateKey, err := crypto.HexToECDSA(strings.TrimPrefix(privateKeyHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %v", err)
	}

	auth, err := bind.NewKeyedTransactorWithChainID(privateKey, chainID)
	if err != nil {
		return nil, fmt.Errorf("failed to create transactor: %v", err)
	}

	return auth, nil
}

func gasMultiplierFromEnv(chainID int) float64 {
	// Get gas multiplier from environment, default to 1.1
	gasMultiplierStr := os.Getenv(fmt.Sprintf("CHAIN_%d_GAS_MULTIPLIER", chainID))
	gasMultiplier := 1.1 // default gas multiplier (10% buffer)
	if gasMultiplierStr != "" {
		parsedMultiplier, err := strconv.ParseFloat(gasMultiplierStr, 64)
		if err == nil && parsedMultiplier > 0 {
			gasMultiplier = parsedMultiplier
		}
	}
	return gasMultiplier
}

func isNonceError(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "nonce too low") ||
		strings.Contains(msg, "nonce too high") ||
		strings.Contains(msg, "replacement transaction underpriced")
}
