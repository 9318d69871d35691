package blockchain

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/speedrun-hq/bridge-relayer/pkg/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockNonceSource struct {
	mu    sync.Mutex
	nonce uint64
	err   error
	calls int
}

func (m *mockNonceSource) PendingNonceAt(_ context.Context, _ common.Address) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	return m.nonce, m.err
}

func TestNonceManagerReserve(t *testing.T) {
	source := &mockNonceSource{nonce: 7}
	nm := NewNonceManager(1, common.HexToAddress("0x01"), source, &logger.EmptyLogger{})

	first, err := nm.Reserve(context.Background())
	require.NoError(t, err)
	second, err := nm.Reserve(context.Background())
	require.NoError(t, err)

	assert.Equal(t, uint64(7), first)
	assert.Equal(t, uint64(8), second)
	assert.Equal(t, 1, source.calls, "chain is read once per sync interval")
}

func TestNonceManagerConcurrentReserve(t *testing.T) {
	nm := NewNonceManager(1, common.HexToAddress("0x01"), &mockNonceSource{}, &logger.EmptyLogger{})

	const n = 50
	var wg sync.WaitGroup
	results := make(chan uint64, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			nonce, err := nm.Reserve(context.Background())
			assert.NoError(t, err)
			results <- nonce
		}()
	}
	wg.Wait()
	close(results)

	seen := make(map[uint64]bool)
	for nonce := range results {
		assert.False(t, seen[nonce], "nonce %d handed out twice", nonce)
		seen[nonce] = true
	}
	assert.Len(t, seen, n)
}

func TestNonceManagerRelease(t *testing.T) {
	nm := NewNonceManager(1, common.HexToAddress("0x01"), &mockNonceSource{nonce: 3}, &logger.EmptyLogger{})

	nonce, err := nm.Reserve(context.Background())
	require.NoError(t, err)
	nm.Track(nonce, common.HexToHash("0x01"))
	assert.Equal(t, 1, nm.PendingCount())

	nm.Release(nonce)
	assert.Equal(t, 0, nm.PendingCount())

	again, err := nm.Reserve(context.Background())
	require.NoError(t, err)
	assert.Equal(t, nonce, again)

	// a later reservation blocks reuse of the earlier one
	next, err := nm.Reserve(context.Background())
	require.NoError(t, err)
	nm.Release(again)
	after, err := nm.Reserve(context.Background())
	require.NoError(t, err)
	assert.Equal(t, next+1, after)
}

func TestNonceManagerConfirmAndInvalidate(t *testing.T) {
	source := &mockNonceSource{nonce: 10}
	nm := NewNonceManager(1, common.HexToAddress("0x01"), source, &logger.EmptyLogger{})

	nonce, err := nm.Reserve(context.Background())
	require.NoError(t, err)
	nm.Track(nonce, common.HexToHash("0x02"))
	assert.True(t, nm.Confirm(nonce))
	assert.False(t, nm.Confirm(nonce))

	source.nonce = 4
	nm.Invalidate()
	resynced, err := nm.Reserve(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(4), resynced, "invalidate trusts the chain even when it is lower")
}

func TestNonceManagerSourceError(t *testing.T) {
	nm := NewNonceManager(1, common.HexToAddress("0x01"), &mockNonceSource{err: errors.New("connection refused")}, &logger.EmptyLogger{})
	_, err := nm.Reserve(context.Background())
	assert.Error(t, err)
}

func TestNonceManagerTrackSkipsRebroadcastNonce(t *testing.T) {
	// after a restart the node no longer holds the stored transaction, so the
	// pending nonce still points at it
	source := &mockNonceSource{nonce: 5}
	nm := NewNonceManager(1, common.HexToAddress("0x01"), source, &logger.EmptyLogger{})

	nm.Track(5, common.HexToHash("0x05"))
	next, err := nm.Reserve(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(6), next)

	// tracking below the current nonce leaves reservations alone
	nm.Track(2, common.HexToHash("0x02"))
	after, err := nm.Reserve(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(7), after)
}
