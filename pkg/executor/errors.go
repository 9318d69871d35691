package executor

import (
	"context"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/speedrun-hq/bridge-relayer/pkg/dedup"
	"github.com/speedrun-hq/bridge-relayer/pkg/models"
)

var (
	// ErrInvalidJob marks payloads the target contract cannot accept
	ErrInvalidJob = models.ErrInvalidJob
	// ErrReverted is returned when the relay transaction was mined with a failed status
	ErrReverted = errors.New("transaction reverted")
	// ErrReceiptTimeout is returned when the relay transaction was not mined in time
	ErrReceiptTimeout = errors.New("transaction not mined before receipt timeout")
	// ErrFinalityTimeout is returned when the relay transaction did not reach finality in time
	ErrFinalityTimeout = errors.New("transaction not final before finality timeout")
	// ErrDroppedByReorg is returned when a mined relay transaction left the canonical chain
	ErrDroppedByReorg = errors.New("transaction dropped by reorg")
	// ErrUnknownSubmission is returned when a stored transaction hash has no raw transaction to rebroadcast
	ErrUnknownSubmission = errors.New("submitted transaction cannot be rebroadcast")
)

// Error types reported in metrics, logs and dead letters
const (
	ErrorTypeAlreadyProcessed    = "already_processed"
	ErrorTypeNetwork             = "network_error"
	ErrorTypeNodeState           = "node_state_error"
	ErrorTypeGas                 = "gas_error"
	ErrorTypeNonce               = "nonce_error"
	ErrorTypeInsufficientBalance = "insufficient_balance"
	ErrorTypeContract            = "contract_error"
	ErrorTypeReverted            = "reverted"
	ErrorTypeInvalidJob          = "invalid_job"
	ErrorTypeStoreUnavailable    = "store_unavailable"
	ErrorTypeSuperseded          = "superseded"
	ErrorTypeFinalityTimeout     = "finality_timeout"
	ErrorTypeUnknown             = "unknown_error"
)

// ClassifyError classifies errors to determine if a retry should be attempted
// Returns (shouldRetry, errorType)
func ClassifyError(err error) (bool, string) {
	switch {
	case errors.Is(err, ErrInvalidJob):
		return false, ErrorTypeInvalidJob
	case errors.Is(err, ErrReverted):
		return false, ErrorTypeReverted
	case errors.Is(err, ErrUnknownSubmission):
		return false, ErrorTypeInvalidJob
	case errors.Is(err, dedup.ErrStoreUnavailable):
		return true, ErrorTypeStoreUnavailable
	case errors.Is(err, dedup.ErrSuperseded):
		return true, ErrorTypeSuperseded
	case errors.Is(err, ErrReceiptTimeout), errors.Is(err, ErrFinalityTimeout), errors.Is(err, ErrDroppedByReorg):
		return true, ErrorTypeFinalityTimeout
	case errors.Is(err, context.DeadlineExceeded):
		return true, ErrorTypeNetwork
	}

	errStr := err.Error()

	// Check for "already processed" errors - no retry needed
	if strings.Contains(errStr, "already confirmed") ||
		strings.Contains(errStr, "already processed") ||
		strings.Contains(errStr, "already executed") ||
		strings.Contains(errStr, "Deposit already") ||
		strings.Contains(errStr, "Purchase already") {
		return false, ErrorTypeAlreadyProcessed
	}

	// Network/RPC errors - retry is appropriate
	if strings.Contains(errStr, "connection refused") ||
		strings.Contains(errStr, "timeout") ||
		strings.Contains(errStr, "context deadline exceeded") ||
		strings.Contains(errStr, "timed out") ||
		strings.Contains(errStr, "no response") ||
		strings.Contains(errStr, "EOF") {
		return true, ErrorTypeNetwork
	}

	// RPC node state errors - retry with longer backoff
	if strings.Contains(errStr, "missing trie node") ||
		strings.Contains(errStr, "layer stale") ||
		strings.Contains(errStr, "state inconsistency") ||
		strings.Contains(errStr, "header not found") ||
		strings.Contains(errStr, "block not found") {
		return true, ErrorTypeNodeState
	}

	// Balance-related errors - permanent failures, "insufficient funds for gas" included
	if strings.Contains(errStr, "insufficient balance") ||
		strings.Contains(errStr, "insufficient funds") {
		return false, ErrorTypeInsufficientBalance
	}

	// Gas-related errors - retry may help if gas prices change
	if strings.Contains(errStr, "gas required exceeds allowance") ||
		strings.Contains(errStr, "gas price too low") ||
		strings.Contains(errStr, "transaction underpriced") && !strings.Contains(errStr, "replacement") {
		return true, ErrorTypeGas
	}

	// Nonce-related errors - retry may help after nonce is corrected
	if strings.Contains(errStr, "nonce too low") ||
		strings.Contains(errStr, "nonce too high") ||
		strings.Contains(errStr, "replacement transaction underpriced") {
		return true, ErrorTypeNonce
	}

	// Contract-related errors - permanent failures
	if strings.Contains(errStr, "execution reverted") ||
		strings.Contains(errStr, "invalid opcode") ||
		strings.Contains(errStr, "out of gas") {
		return false, ErrorTypeContract
	}

	// Unknown errors - retry with caution
	return true, ErrorTypeUnknown
}

// countsAgainstChain reports whether an error type says something about the
// health of the target chain, as opposed to local state or the job itself.
func countsAgainstChain(errorType string) bool {
	switch errorType {
	case ErrorTypeNetwork, ErrorTypeNodeState, ErrorTypeGas, ErrorTypeNonce, ErrorTypeUnknown:
		return true
	}
	return false
}

// Backoff returns the delay before the attempt following attempt:
// base * 2^(attempt-1), capped at max.
func Backoff(attempt int, base, max time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := base
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= max || delay <= 0 {
			return max
		}
	}
	if delay > max {
		return max
	}
	return delay
}
