package chainclient

import (
	"context"
	"sync"
	"time"
)

// DefaultGasPriceInterval is how often the cached gas price is refreshed
const DefaultGasPriceInterval = 30 * time.Second

// FeeUpdateRoutine periodically refreshes the gas price used when signing relay transactions
type FeeUpdateRoutine struct {
	client   *Client
	interval time.Duration
	mu       sync.Mutex
	cancel   context.CancelFunc
	done     chan struct{}
}

// NewFeeUpdateRoutine creates a new fee update routine
func NewFeeUpdateRoutine(client *Client, interval time.Duration) *FeeUpdateRoutine {
	if interval <= 0 {
		interval = DefaultGasPriceInterval
	}
	return &FeeUpdateRoutine{
		client:   client,
		interval: interval,
	}
}

// Start begins the periodic updates until Stop is called or ctx is cancelled
func (r *FeeUpdateRoutine) Start(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.cancel != nil {
		return // Already running
	}

	ctx, r.cancel = context.WithCancel(ctx)
	r.done = make(chan struct{})
	go r.run(ctx, r.done)
}

// Stop halts the periodic updates and waits for the goroutine to exit
func (r *FeeUpdateRoutine) Stop() {
	r.mu.Lock()
	cancel, done := r.cancel, r.done
	r.cancel, r.done = nil, nil
	r.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// IsRunning returns whether the routine is currently running
func (r *FeeUpdateRoutine) IsRunning() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cancel != nil
}

func (r *FeeUpdateRoutine) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.update(ctx)
	for {
		select {
		case <-ticker.C:
			r.update(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (r *FeeUpdateRoutine) update(ctx context.Context) {
	gasPrice, err := r.client.UpdateGasPrice(ctx)
	if err != nil {
		r.client.logger.ErrorWithChain(r.client.ChainID, "Failed to update gas price: %v", err)
		return
	}
	r.client.logger.DebugWithChain(r.client.ChainID, "Updated gas price: %s wei", gasPrice)
}
