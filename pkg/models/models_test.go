package models

import (
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
)

func validDeposit() *DepositEvent {
	return &DepositEvent{
		DepositID:          common.HexToHash("0xaa"),
		User:               common.HexToAddress("0x01"),
		Token:              common.HexToAddress("0x02"),
		Amount:             big.NewInt(1),
		DestinationChainID: big.NewInt(336699),
		BlockNumber:        100,
	}
}

func TestDedupKey(t *testing.T) {
	job := NewDepositJob("job-1", validDeposit())
	assert.Equal(t, "deposit:0x00000000000000000000000000000000000000000000000000000000000000aa", job.DedupKey())
	assert.Equal(t, JobKindDeposit, KindFromKey(job.DedupKey()))
	assert.Equal(t, job.DedupKey()+":error", ErrorKey(job.DedupKey()))
	assert.Equal(t, uint64(100), job.SourceBlock())
}

func TestJobValidate(t *testing.T) {
	t.Run("valid deposit", func(t *testing.T) {
		assert.NoError(t, NewDepositJob("a", validDeposit()).Validate())
	})

	t.Run("zero amount", func(t *testing.T) {
		d := validDeposit()
		d.Amount = big.NewInt(0)
		err := NewDepositJob("a", d).Validate()
		assert.True(t, errors.Is(err, ErrInvalidJob))
	})

	t.Run("missing purchase payload", func(t *testing.T) {
		err := (&Job{ID: "b", Kind: JobKindPurchase}).Validate()
		assert.True(t, errors.Is(err, ErrInvalidJob))
	})

	t.Run("valid purchase", func(t *testing.T) {
		job := NewPurchaseJob("c", &PurchaseIntent{
			PurchaseID:  common.HexToHash("0xbb"),
			User:        common.HexToAddress("0x01"),
			NFTContract: common.HexToAddress("0x03"),
			NFTID:       big.NewInt(7),
			Amount:      big.NewInt(5),
		})
		assert.NoError(t, job.Validate())
		assert.Equal(t, common.HexToHash("0xbb"), job.OperationID())
	})

	t.Run("unknown kind", func(t *testing.T) {
		err := (&Job{ID: "d", Kind: "swap"}).Validate()
		assert.True(t, errors.Is(err, ErrInvalidJob))
	})
}

func TestRecordStatusTerminal(t *testing.T) {
	assert.False(t, StatusPending.IsTerminal())
	assert.True(t, StatusConfirmed.IsTerminal())
	assert.True(t, StatusFailed.IsTerminal())
}
