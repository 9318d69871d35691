package testutil

import (
	"context"
	"crypto/ecdsa"
	"math/big"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"
)

// FakeChain is an in-memory target chain. Broadcast transactions are mined in
// the next block, and with AutoAdvance every height query moves the head by one.
type FakeChain struct {
	mu            sync.Mutex
	key           *ecdsa.PrivateKey
	head          uint64
	nonce         uint64
	confirmations uint64

	// SendErrs are returned by successive SendTransaction calls
	SendErrs []error
	// Revert mines transactions with a failed status
	Revert bool
	// NoMine leaves broadcast transactions unmined
	NoMine bool
	// AutoAdvance moves the head on every BlockNumber call
	AutoAdvance bool
	// OnSend runs before SendTransaction returns, with the call count
	OnSend func(n int)

	sends    int
	sent     []*types.Transaction
	receipts map[common.Hash]*types.Receipt
	released []uint64
	notSent  int
}

// NewFakeChain creates a chain at head with the given finality depth
func NewFakeChain(t *testing.T, head, confirmations uint64) *FakeChain {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	return &FakeChain{
		key:           key,
		head:          head,
		confirmations: confirmations,
		AutoAdvance:   true,
		receipts:      make(map[common.Hash]*types.Receipt),
	}
}

// Transactor returns no-send signing options with the next nonce
func (f *FakeChain) Transactor(ctx context.Context) (*bind.TransactOpts, error) {
	auth, err := bind.NewKeyedTransactorWithChainID(f.key, big.NewInt(SimulatedChainID))
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	nonce := f.nonce
	f.nonce++
	f.mu.Unlock()

	auth.Nonce = new(big.Int).SetUint64(nonce)
	auth.GasPrice = big.NewInt(1_000_000_000)
	auth.GasLimit = 100_000
	auth.NoSend = true
	auth.Context = ctx
	return auth, nil
}

// ReleaseTransactor records the released nonce
func (f *FakeChain) ReleaseTransactor(opts *bind.TransactOpts) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.released = append(f.released, opts.Nonce.Uint64())
}

// SendTransaction fails with the next queued error or mines tx
func (f *FakeChain) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	f.mu.Lock()
	f.sends++
	n := f.sends
	var err error
	if len(f.SendErrs) > 0 {
		err = f.SendErrs[0]
		f.SendErrs = f.SendErrs[1:]
	}
	hook := f.OnSend
	f.mu.Unlock()

	if hook != nil {
		hook(n)
	}
	if err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, tx)
	if !f.NoMine {
		f.mineLocked(tx.Hash())
	}
	return nil
}

// SetRevert changes Revert while the chain is in use
func (f *FakeChain) SetRevert(revert bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Revert = revert
}

// Mine includes hash in a new block
func (f *FakeChain) Mine(hash common.Hash) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.mineLocked(hash)
}

func (f *FakeChain) mineLocked(hash common.Hash) {
	f.head++
	status := types.ReceiptStatusSuccessful
	if f.Revert {
		status = types.ReceiptStatusFailed
	}
	f.receipts[hash] = &types.Receipt{
		Status:      status,
		TxHash:      hash,
		GasUsed:     50_000,
		BlockNumber: new(big.Int).SetUint64(f.head),
		BlockHash:   common.BigToHash(new(big.Int).SetUint64(f.head)),
	}
}

// Drop removes the receipt of hash, as a reorg would
func (f *FakeChain) Drop(hash common.Hash) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.receipts, hash)
}

// TransactionReceipt returns the receipt of a mined transaction or ethereum.NotFound
func (f *FakeChain) TransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if r, ok := f.receipts[hash]; ok {
		return r, nil
	}
	return nil, ethereum.NotFound
}

// BlockNumber returns the head
func (f *FakeChain) BlockNumber(ctx context.Context) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.AutoAdvance {
		f.head++
	}
	return f.head, nil
}

// SetHead moves the head
func (f *FakeChain) SetHead(head uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.head = head
}

func (f *FakeChain) TrackTransaction(tx *types.Transaction) {}
func (f *FakeChain) TransactionMined(tx *types.Transaction) {}

// TransactionNotSent counts transactions given back unsent
func (f *FakeChain) TransactionNotSent(tx *types.Transaction, _ error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.notSent++
}

// RequiredConfirmations returns the finality depth
func (f *FakeChain) RequiredConfirmations() uint64 {
	return f.confirmations
}

// SendCount returns the number of SendTransaction calls, failed ones included
func (f *FakeChain) SendCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sends
}

// Sent returns the successfully broadcast transactions
func (f *FakeChain) Sent() []*types.Transaction {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*types.Transaction(nil), f.sent...)
}

// Released returns the nonces given back before signing
func (f *FakeChain) Released() []uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]uint64(nil), f.released...)
}

// NotSentCount returns the number of transactions given back unsent
func (f *FakeChain) NotSentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.notSent
}

// SignCall signs a plain transaction to target carrying data
func SignCall(opts *bind.TransactOpts, target common.Address, data []byte) (*types.Transaction, error) {
	tx := types.NewTransaction(opts.Nonce.Uint64(), target, big.NewInt(0), opts.GasLimit, opts.GasPrice, data)
	return opts.Signer(opts.From, tx)
}
