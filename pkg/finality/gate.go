package finality

import (
	"context"
	"strconv"
	"time"

	"github.com/speedrun-hq/bridge-relayer/pkg/logger"
	"github.com/speedrun-hq/bridge-relayer/pkg/metrics"
)

// Result is the outcome of a finality wait
type Result int

const (
	Confirmed Result = iota
	TimedOut
)

func (r Result) String() string {
	if r == Confirmed {
		return "confirmed"
	}
	return "timeout"
}

// HeightSource reports the current head of a chain
type HeightSource interface {
	BlockNumber(ctx context.Context) (uint64, error)
}

// Gate waits for blocks of one chain to reach its confirmation depth
type Gate struct {
	source        HeightSource
	chainID       int
	confirmations uint64
	interval      time.Duration
	maxWait       time.Duration
	logger        logger.Logger
}

// NewGate creates a gate. A zero maxWait waits without limit.
func NewGate(source HeightSource, chainID int, confirmations uint64, interval, maxWait time.Duration, log logger.Logger) *Gate {
	return &Gate{
		source:        source,
		chainID:       chainID,
		confirmations: confirmations,
		interval:      interval,
		maxWait:       maxWait,
		logger:        log,
	}
}

// Confirmations returns the required depth
func (g *Gate) Confirmations() uint64 {
	return g.confirmations
}

// IsFinal reports whether block has the required depth at head
func IsFinal(head, block, confirmations uint64) bool {
	return head >= block && head-block >= confirmations
}

// AwaitFinality polls the chain head until block is final. It returns an error
// only when ctx is cancelled; RPC failures are logged and polling continues.
func (g *Gate) AwaitFinality(ctx context.Context, block uint64) (Result, error) {
	start := time.Now()
	chain := strconv.Itoa(g.chainID)

	var deadline <-chan time.Time
	if g.maxWait > 0 {
		timer := time.NewTimer(g.maxWait)
		defer timer.Stop()
		deadline = timer.C
	}

	ticker := time.NewTicker(g.interval)
	defer ticker.Stop()

	for {
		head, err := g.source.BlockNumber(ctx)
		switch {
		case err != nil && ctx.Err() != nil:
			return TimedOut, ctx.Err()
		case err != nil:
			g.logger.ErrorWithChain(g.chainID, "Failed to read chain height while waiting on block %d: %v", block, err)
		case IsFinal(head, block, g.confirmations):
			metrics.FinalityWaitTime.WithLabelValues(chain).Observe(time.Since(start).Seconds())
			g.logger.DebugWithChain(g.chainID, "Block %d final at height %d", block, head)
			return Confirmed, nil
		}

		select {
		case <-ctx.Done():
			return TimedOut, ctx.Err()
		case <-deadline:
			metrics.FinalityTimeouts.WithLabelValues(chain).Inc()
			g.logger.NoticeWithChain(g.chainID, "Block %d not final after %v", block, g.maxWait)
			return TimedOut, nil
		case <-ticker.C:
		}
	}
}
