package finality

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/speedrun-hq/bridge-relayer/pkg/logger"
	"github.com/speedrun-hq/bridge-relayer/pkg/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeHeights struct {
	mu     sync.Mutex
	height uint64
	err    error
	calls  int
}

func (f *fakeHeights) BlockNumber(ctx context.Context) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.height, f.err
}

func (f *fakeHeights) set(height uint64, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.height = height
	f.err = err
}

func TestIsFinal(t *testing.T) {
	tests := []struct {
		name          string
		head, block   uint64
		confirmations uint64
		want          bool
	}{
		{name: "below depth", head: 102, block: 100, confirmations: 3, want: false},
		{name: "exact depth", head: 103, block: 100, confirmations: 3, want: true},
		{name: "beyond depth", head: 110, block: 100, confirmations: 3, want: true},
		{name: "head behind block", head: 90, block: 100, confirmations: 3, want: false},
		{name: "zero depth same block", head: 100, block: 100, confirmations: 0, want: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsFinal(tt.head, tt.block, tt.confirmations))
		})
	}
}

func TestAwaitFinalityResolvesAtDepth(t *testing.T) {
	heights := &fakeHeights{height: 100}
	gate := NewGate(heights, 1, 3, 5*time.Millisecond, 0, &logger.EmptyLogger{})

	done := make(chan Result, 1)
	go func() {
		res, err := gate.AwaitFinality(context.Background(), 100)
		assert.NoError(t, err)
		done <- res
	}()

	for _, h := range []uint64{101, 102} {
		heights.set(h, nil)
		select {
		case <-done:
			t.Fatalf("resolved at height %d", h)
		case <-time.After(30 * time.Millisecond):
		}
	}

	heights.set(103, nil)
	select {
	case res := <-done:
		assert.Equal(t, Confirmed, res)
	case <-time.After(time.Second):
		t.Fatal("gate did not resolve at height 103")
	}
}

func TestAwaitFinalityKeepsPollingThroughErrors(t *testing.T) {
	heights := &fakeHeights{err: errors.New("connection refused")}
	gate := NewGate(heights, 1, 2, 5*time.Millisecond, 0, &logger.EmptyLogger{})

	go func() {
		time.Sleep(30 * time.Millisecond)
		heights.set(12, nil)
	}()

	ctx := testutil.SetupTestWithTimeout(t)
	res, err := gate.AwaitFinality(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, Confirmed, res)
	heights.mu.Lock()
	assert.Greater(t, heights.calls, 1)
	heights.mu.Unlock()
}

func TestAwaitFinalityMaxWait(t *testing.T) {
	heights := &fakeHeights{height: 100}
	gate := NewGate(heights, 1, 3, 5*time.Millisecond, 30*time.Millisecond, &logger.EmptyLogger{})

	res, err := gate.AwaitFinality(context.Background(), 100)
	require.NoError(t, err)
	assert.Equal(t, TimedOut, res)
}

func TestAwaitFinalityCancelled(t *testing.T) {
	heights := &fakeHeights{height: 100}
	gate := NewGate(heights, 1, 3, 5*time.Millisecond, 0, &logger.EmptyLogger{})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, err := gate.AwaitFinality(ctx, 100)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestAwaitFinalitySimulatedChain(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping test in short mode")
	}
	sim := testutil.SetupSimulation(t)
	client := sim.Backend.Client()
	ctx := testutil.SetupTestWithTimeout(t)

	sim.Mine(1)
	block, err := client.BlockNumber(ctx)
	require.NoError(t, err)

	gate := NewGate(client, testutil.SimulatedChainID, 2, 5*time.Millisecond, 50*time.Millisecond, &logger.EmptyLogger{})
	res, err := gate.AwaitFinality(ctx, block)
	require.NoError(t, err)
	assert.Equal(t, TimedOut, res)

	sim.Mine(2)
	res, err = gate.AwaitFinality(ctx, block)
	require.NoError(t, err)
	assert.Equal(t, Confirmed, res)
}
