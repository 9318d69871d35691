package models

import (
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// JobKind names the relay hop a job belongs to
type JobKind string

const (
	JobKindDeposit  JobKind = "deposit"
	JobKindPurchase JobKind = "purchase"
)

// ErrInvalidJob is returned when a job payload cannot be relayed
var ErrInvalidJob = errors.New("invalid job")

// Job is a queued unit of work wrapping a deposit or a purchase
type Job struct {
	ID         string          `json:"id"`
	Kind       JobKind         `json:"kind"`
	Deposit    *DepositEvent   `json:"deposit,omitempty"`
	Purchase   *PurchaseIntent `json:"purchase,omitempty"`
	EnqueuedAt time.Time       `json:"enqueued_at"`

	// Attempts is the delivery count, set by the queue when the job is leased
	Attempts int `json:"-"`
	// LastError is the failure recorded by the previous attempt, if any
	LastError string `json:"-"`
}

// NewDepositJob wraps a deposit event
func NewDepositJob(id string, event *DepositEvent) *Job {
	return &Job{ID: id, Kind: JobKindDeposit, Deposit: event, EnqueuedAt: time.Now()}
}

// NewPurchaseJob wraps a purchase intent
func NewPurchaseJob(id string, intent *PurchaseIntent) *Job {
	return &Job{ID: id, Kind: JobKindPurchase, Purchase: intent, EnqueuedAt: time.Now()}
}

// OperationID returns the deposit or purchase identifier
func (j *Job) OperationID() common.Hash {
	switch j.Kind {
	case JobKindDeposit:
		if j.Deposit != nil {
			return j.Deposit.DepositID
		}
	case JobKindPurchase:
		if j.Purchase != nil {
			return j.Purchase.PurchaseID
		}
	}
	return common.Hash{}
}

// DedupKey returns the dedup store key of the job's operation
func (j *Job) DedupKey() string {
	return DedupKey(j.Kind, j.OperationID())
}

// SourceBlock returns the block the wrapped event was observed in
func (j *Job) SourceBlock() uint64 {
	if j.Deposit != nil {
		return j.Deposit.BlockNumber
	}
	if j.Purchase != nil {
		return j.Purchase.BlockNumber
	}
	return 0
}

// Validate checks that the payload carries everything the target contract needs
func (j *Job) Validate() error {
	switch j.Kind {
	case JobKindDeposit:
		d := j.Deposit
		if d == nil {
			return fmt.Errorf("%w: deposit payload missing", ErrInvalidJob)
		}
		if d.DepositID == (common.Hash{}) {
			return fmt.Errorf("%w: empty deposit id", ErrInvalidJob)
		}
		if d.User == (common.Address{}) {
			return fmt.Errorf("%w: zero user address", ErrInvalidJob)
		}
		if d.Token == (common.Address{}) {
			return fmt.Errorf("%w: zero token address", ErrInvalidJob)
		}
		if d.Amount == nil || d.Amount.Sign() <= 0 {
			return fmt.Errorf("%w: non-positive amount", ErrInvalidJob)
		}
	case JobKindPurchase:
		p := j.Purchase
		if p == nil {
			return fmt.Errorf("%w: purchase payload missing", ErrInvalidJob)
		}
		if p.PurchaseID == (common.Hash{}) {
			return fmt.Errorf("%w: empty purchase id", ErrInvalidJob)
		}
		if p.User == (common.Address{}) {
			return fmt.Errorf("%w: zero user address", ErrInvalidJob)
		}
		if p.NFTContract == (common.Address{}) {
			return fmt.Errorf("%w: zero nft contract", ErrInvalidJob)
		}
		if p.NFTID == nil || p.Amount == nil || p.Amount.Sign() < 0 {
			return fmt.Errorf("%w: missing nft id or price", ErrInvalidJob)
		}
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidJob, j.Kind)
	}
	return nil
}
