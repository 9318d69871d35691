package blockchain

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/speedrun-hq/bridge-relayer/pkg/logger"
)

// TransactionStatus represents the status of a transaction
type TransactionStatus int

const (
	// TxPending indicates transaction is pending
	TxPending TransactionStatus = iota
	// TxConfirmed indicates transaction is confirmed
	TxConfirmed
	// TxFailed indicates transaction has failed
	TxFailed
)

// DefaultSyncInterval is how long a locally tracked nonce is trusted before re-reading the chain
const DefaultSyncInterval = 5 * time.Minute

// NonceSource reads the pending nonce of an account
type NonceSource interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
}

// TransactionRecord tracks details about a transaction
type TransactionRecord struct {
	Hash      common.Hash
	Nonce     uint64
	CreatedAt time.Time
	UpdatedAt time.Time
	Status    TransactionStatus
}

// NonceManager allocates nonces for one signing account on one chain.
// Jobs run concurrently against the same wallet, so nonces are reserved locally
// and only re-read from the chain periodically or after a nonce error.
type NonceManager struct {
	chainID      int
	address      common.Address
	source       NonceSource
	logger       logger.Logger
	syncInterval time.Duration

	mu           sync.Mutex
	currentNonce uint64
	lastSync     time.Time
	pendingTxs   map[uint64]*TransactionRecord
}

// NewNonceManager creates a new nonce manager
func NewNonceManager(chainID int, address common.Address, source NonceSource, log logger.Logger) *NonceManager {
	return &NonceManager{
		chainID:      chainID,
		address:      address,
		source:       source,
		logger:       log,
		syncInterval: DefaultSyncInterval,
		pendingTxs:   make(map[uint64]*TransactionRecord),
	}
}

// Address returns the managed account
func (nm *NonceManager) Address() common.Address {
	return nm.address
}

// Reserve allocates the next nonce
func (nm *NonceManager) Reserve(ctx context.Context) (uint64, error) {
	nm.mu.Lock()
	defer nm.mu.Unlock()

	if nm.lastSync.IsZero() || time.Since(nm.lastSync) > nm.syncInterval {
		if err := nm.syncLocked(ctx); err != nil {
			return 0, err
		}
	}

	nonce := nm.currentNonce
	nm.currentNonce++
	return nonce, nil
}

// Track records a signed transaction. A rebroadcast transaction may carry a
// nonce this manager never handed out, which is then skipped by Reserve.
func (nm *NonceManager) Track(nonce uint64, txHash common.Hash) {
	nm.mu.Lock()
	defer nm.mu.Unlock()

	if nonce >= nm.currentNonce {
		nm.currentNonce = nonce + 1
	}

	now := time.Now()
	nm.pendingTxs[nonce] = &TransactionRecord{
		Hash:      txHash,
		Nonce:     nonce,
		CreatedAt: now,
		UpdatedAt: now,
		Status:    TxPending,
	}
	nm.logger.DebugWithChain(nm.chainID, "Tracking transaction with nonce %d: %s", nonce, txHash.Hex())
}

// Confirm removes a mined transaction from the pending set
func (nm *NonceManager) Confirm(nonce uint64) bool {
	nm.mu.Lock()
	defer nm.mu.Unlock()

	tx, exists := nm.pendingTxs[nonce]
	if !exists {
		return false
	}
	tx.Status = TxConfirmed
	delete(nm.pendingTxs, nonce)
	return true
}

// Release gives back a nonce whose transaction never reached the network.
// The nonce is reused only when nothing above it was handed out since.
func (nm *NonceManager) Release(nonce uint64) {
	nm.mu.Lock()
	defer nm.mu.Unlock()

	delete(nm.pendingTxs, nonce)
	if nonce+1 == nm.currentNonce {
		nm.currentNonce = nonce
		nm.logger.DebugWithChain(nm.chainID, "Reusing nonce %d after failed submission", nonce)
	}
}

// Invalidate forces the next reservation to re-read the pending nonce from the chain
func (nm *NonceManager) Invalidate() {
	nm.mu.Lock()
	defer nm.mu.Unlock()
	nm.lastSync = time.Time{}
	nm.currentNonce = 0
}

// PendingCount returns the number of tracked, unconfirmed transactions
func (nm *NonceManager) PendingCount() int {
	nm.mu.Lock()
	defer nm.mu.Unlock()
	return len(nm.pendingTxs)
}

func (nm *NonceManager) syncLocked(ctx context.Context) error {
	nonce, err := nm.source.PendingNonceAt(ctx, nm.address)
	if err != nil {
		return fmt.Errorf("failed to get pending nonce: %v", err)
	}

	// never below a nonce tracked locally; Invalidate resets currentNonce first
	if nonce > nm.currentNonce {
		nm.logger.InfoWithChain(nm.chainID, "Updating nonce for %s: %d -> %d", nm.address.Hex(), nm.currentNonce, nonce)
		nm.currentNonce = nonce
	}
	nm.lastSync = time.Now()
	return nil
}
