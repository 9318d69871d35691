package executor

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/speedrun-hq/bridge-relayer/pkg/dedup"
	"github.com/stretchr/testify/assert"
)

func TestClassifyError(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		wantRetry bool
		wantType  string
	}{
		{"invalid job", errors.Wrap(ErrInvalidJob, "zero amount"), false, ErrorTypeInvalidJob},
		{"reverted", errors.Wrap(ErrReverted, "0xabc"), false, ErrorTypeReverted},
		{"store unavailable", errors.WithMessage(dedup.ErrStoreUnavailable, "dial tcp"), true, ErrorTypeStoreUnavailable},
		{"receipt timeout", ErrReceiptTimeout, true, ErrorTypeFinalityTimeout},
		{"finality timeout", ErrFinalityTimeout, true, ErrorTypeFinalityTimeout},
		{"dropped by reorg", ErrDroppedByReorg, true, ErrorTypeFinalityTimeout},
		{"deadline", fmt.Errorf("call: %w", context.DeadlineExceeded), true, ErrorTypeNetwork},
		{"already confirmed", errors.New("execution reverted: Deposit already confirmed"), false, ErrorTypeAlreadyProcessed},
		{"purchase executed", errors.New("execution reverted: Purchase already executed"), false, ErrorTypeAlreadyProcessed},
		{"connection refused", errors.New("dial tcp 127.0.0.1:8545: connection refused"), true, ErrorTypeNetwork},
		{"eof", errors.New("unexpected EOF"), true, ErrorTypeNetwork},
		{"missing trie node", errors.New("missing trie node 0x01"), true, ErrorTypeNodeState},
		{"underpriced", errors.New("transaction underpriced"), true, ErrorTypeGas},
		{"replacement underpriced", errors.New("replacement transaction underpriced"), true, ErrorTypeNonce},
		{"nonce too low", errors.New("nonce too low"), true, ErrorTypeNonce},
		{"insufficient funds", errors.New("insufficient funds for transfer"), false, ErrorTypeInsufficientBalance},
		{"insufficient funds for gas", errors.New("insufficient funds for gas * price + value: have 0 want 21000"), false, ErrorTypeInsufficientBalance},
		{"gas allowance", errors.New("gas required exceeds allowance (30000000)"), true, ErrorTypeGas},
		{"superseded", errors.Wrap(dedup.ErrSuperseded, "failed to record transaction"), true, ErrorTypeSuperseded},
		{"unknown submission", errors.Wrap(ErrUnknownSubmission, "0xabc"), false, ErrorTypeInvalidJob},
		{"execution reverted", errors.New("execution reverted: paused"), false, ErrorTypeContract},
		{"unknown", errors.New("something odd"), true, ErrorTypeUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			retry, errType := ClassifyError(tt.err)
			assert.Equal(t, tt.wantRetry, retry)
			assert.Equal(t, tt.wantType, errType)
		})
	}
}

func TestCountsAgainstChain(t *testing.T) {
	assert.True(t, countsAgainstChain(ErrorTypeNetwork))
	assert.True(t, countsAgainstChain(ErrorTypeNonce))
	assert.False(t, countsAgainstChain(ErrorTypeInvalidJob))
	assert.False(t, countsAgainstChain(ErrorTypeStoreUnavailable))
	assert.False(t, countsAgainstChain(ErrorTypeSuperseded))
	assert.False(t, countsAgainstChain(ErrorTypeAlreadyProcessed))
}

func TestBackoff(t *testing.T) {
	base, max := 5*time.Second, 10*time.Minute

	assert.Equal(t, 5*time.Second, Backoff(0, base, max))
	assert.Equal(t, 5*time.Second, Backoff(1, base, max))
	assert.Equal(t, 10*time.Second, Backoff(2, base, max))
	assert.Equal(t, 20*time.Second, Backoff(3, base, max))
	assert.Equal(t, 40*time.Second, Backoff(4, base, max))
	assert.Equal(t, max, Backoff(8, base, max))
	assert.Equal(t, max, Backoff(200, base, max))
}
