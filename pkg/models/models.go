package models

import (
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// RecordStatus is the state of an operation in the dedup store
type RecordStatus string

const (
	StatusPending   RecordStatus = "pending"
	StatusConfirmed RecordStatus = "confirmed"
	StatusFailed    RecordStatus = "failed"
)

// IsTerminal reports whether no further transition is allowed
func (s RecordStatus) IsTerminal() bool {
	return s == StatusConfirmed || s == StatusFailed
}

// DedupRecord is the persisted state of one deposit or purchase identifier
type DedupRecord struct {
	Status RecordStatus `json:"status"`
	// Owner is the id of the job holding the claim
	Owner string `json:"owner,omitempty"`
	// TxHash is the submitted transaction, set while pending and kept once confirmed
	TxHash string `json:"txHash,omitempty"`
	// RawTx is the signed TxHash transaction, rebroadcast when a retry finds it unmined
	RawTx  string `json:"rawTx,omitempty"`
	Reason string `json:"reason,omitempty"`
	// Reopened is set when an operator requeued a failed operation
	Reopened  bool  `json:"reopened,omitempty"`
	Timestamp int64 `json:"timestamp"`
}

// ErrorDetail is the last failure recorded for an operation
type ErrorDetail struct {
	Error     string `json:"error"`
	Timestamp int64  `json:"timestamp"`
}

// Outcome is a terminal result written for a claimed operation
type Outcome struct {
	Status RecordStatus
	TxHash string
	Reason string
}

// Confirmed builds a confirmed outcome
func Confirmed(txHash common.Hash) Outcome {
	return Outcome{Status: StatusConfirmed, TxHash: txHash.Hex()}
}

// Failed builds a failed outcome
func Failed(reason string) Outcome {
	return Outcome{Status: StatusFailed, Reason: reason}
}

// DedupKey formats the store key of an operation, e.g. deposit:0xaa..
func DedupKey(kind JobKind, id common.Hash) string {
	return string(kind) + ":" + id.Hex()
}

// ErrorKey formats the diagnostics key kept next to a dedup record
func ErrorKey(key string) string {
	return key + ":error"
}

// KindFromKey returns the job kind encoded in a dedup key
func KindFromKey(key string) JobKind {
	kind, _, _ := strings.Cut(key, ":")
	return JobKind(kind)
}

// NowMillis returns the record timestamp format
func NowMillis() int64 {
	return time.Now().UnixMilli()
}
