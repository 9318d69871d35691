package testutil

import (
	"context"
	"crypto/ecdsa"
	"encoding/hex"
	"math/big"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient/simulated"
	"github.com/redis/go-redis/v9"
	"github.com/speedrun-hq/bridge-relayer/pkg/contracts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Constants for testing
const (
	DefaultTestTimeout = 5 * time.Second

	// SimulatedChainID is the chain id reported by the simulated backend
	SimulatedChainID = 1337
)

// Simulation bundles a simulated chain with a funded signer
type Simulation struct {
	Backend *simulated.Backend
	Key     *ecdsa.PrivateKey
	Auth    *bind.TransactOpts
}

// KeyHex returns the funded signer's private key in hex
func (s *Simulation) KeyHex() string {
	return hex.EncodeToString(crypto.FromECDSA(s.Key))
}

// Mine commits n empty blocks
func (s *Simulation) Mine(n int) {
	for i := 0; i < n; i++ {
		s.Backend.Commit()
	}
}

// SetupSimulation creates a simulated blockchain environment for testing
func SetupSimulation(t *testing.T) *Simulation {
	privateKey, err := crypto.GenerateKey()
	require.NoError(t, err, "Failed to generate private key")

	auth, err := bind.NewKeyedTransactorWithChainID(privateKey, big.NewInt(SimulatedChainID))
	require.NoError(t, err, "Failed to create transactor")

	balance := new(big.Int)
	balance.SetString("10000000000000000000", 10) // 10 ETH

	sim := simulated.NewBackend(types.GenesisAlloc{
		auth.From: {Balance: balance},
	})
	t.Cleanup(func() {
		_ = sim.Close()
	})

	return &Simulation{Backend: sim, Key: privateKey, Auth: auth}
}

// SetupRedis starts an in-memory redis server
func SetupRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	server := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: server.Addr()})
	t.Cleanup(func() {
		_ = client.Close()
	})
	return server, client
}

// GenerateAddress creates a random address for testing
func GenerateAddress() common.Address {
	privateKey, _ := crypto.GenerateKey()
	return crypto.PubkeyToAddress(privateKey.PublicKey)
}

// CreateBigInt parses a string into a big.Int
func CreateBigInt(value string) *big.Int {
	result := new(big.Int)
	result.SetString(value, 10)
	return result
}

// AssertBigIntEqual compares two big.Int values for equality in tests
func AssertBigIntEqual(t *testing.T, expected, actual *big.Int, msgAndArgs ...interface{}) {
	if expected == nil && actual == nil {
		return
	}

	if (expected == nil && actual != nil) || (expected != nil && actual == nil) {
		assert.Fail(t, "Values not equal", msgAndArgs...)
		return
	}

	assert.Equal(t, 0, expected.Cmp(actual), msgAndArgs...)
}

// DepositLog builds a TokensDeposited log as the source bridge would emit it
func DepositLog(t *testing.T, bridge common.Address, user, token common.Address, amount *big.Int, depositID common.Hash, block uint64) types.Log {
	data, err := contracts.PackTokensDepositedData(amount, big.NewInt(336699), depositID)
	require.NoError(t, err)
	return types.Log{
		Address:     bridge,
		Topics:      []common.Hash{contracts.TokensDepositedTopic(), common.BytesToHash(user.Bytes()), common.BytesToHash(token.Bytes())},
		Data:        data,
		BlockNumber: block,
		BlockHash:   common.BigToHash(new(big.Int).SetUint64(block)),
		TxHash:      crypto.Keccak256Hash(depositID.Bytes(), []byte("deposit")),
	}
}

// PurchaseLog builds a PurchaseInitiated log as the settlement bridge would emit it
func PurchaseLog(t *testing.T, bridge common.Address, user, nft common.Address, nftID, price *big.Int, purchaseID common.Hash, block uint64) types.Log {
	token := common.HexToAddress("0x00000000000000000000000000000000000000ee")
	data, err := contracts.PackPurchaseInitiatedData(price, big.NewInt(421614), nft, nftID, purchaseID)
	require.NoError(t, err)
	return types.Log{
		Address:     bridge,
		Topics:      []common.Hash{contracts.PurchaseInitiatedTopic(), common.BytesToHash(user.Bytes()), common.BytesToHash(token.Bytes())},
		Data:        data,
		BlockNumber: block,
		BlockHash:   common.BigToHash(new(big.Int).SetUint64(block)),
		TxHash:      crypto.Keccak256Hash(purchaseID.Bytes(), []byte("purchase")),
	}
}

// SetupTestWithTimeout creates a context bounded by DefaultTestTimeout
func SetupTestWithTimeout(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), DefaultTestTimeout)
	t.Cleanup(cancel)
	return ctx
}
