package relayer

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/speedrun-hq/bridge-relayer/pkg/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeRuntime records lifecycle calls; a blocked drain never finishes on its own
type fakeRuntime struct {
	started   atomic.Bool
	cancelled atomic.Bool
	closed    atomic.Bool
	blocked   bool

	ctx  context.Context
	done chan struct{}
}

func (r *fakeRuntime) Start(ctx context.Context) {
	r.started.Store(true)
	r.ctx = ctx
	r.done = make(chan struct{})
	go func() {
		<-ctx.Done()
		r.cancelled.Store(true)
		close(r.done)
	}()
}

func (r *fakeRuntime) Drain(ctx context.Context) error {
	if !r.blocked {
		return nil
	}
	<-ctx.Done()
	return ctx.Err()
}

func (r *fakeRuntime) Wait()  { <-r.done }
func (r *fakeRuntime) Close() { r.closed.Store(true) }

func newTestController(rt *fakeRuntime, buildErr error) (*Controller, *atomic.Int32) {
	var builds atomic.Int32
	factory := func(ctx context.Context) (Runtime, error) {
		builds.Add(1)
		if buildErr != nil {
			return nil, buildErr
		}
		return rt, nil
	}
	return NewController(factory, 50*time.Millisecond, &logger.EmptyLogger{}), &builds
}

func TestControllerStartStop(t *testing.T) {
	rt := &fakeRuntime{}
	c, _ := newTestController(rt, nil)
	assert.Equal(t, StateStopped, c.State())

	res, err := c.Start(context.Background())
	require.NoError(t, err)
	assert.False(t, res.StartTime.IsZero())
	assert.True(t, rt.started.Load())
	assert.Equal(t, StateRunning, c.State())

	status := c.Status()
	assert.True(t, status.IsRunning())
	assert.Equal(t, res.StartTime, status.StartTime)
	assert.Equal(t, "running", status.State.String())

	_, err = c.Start(context.Background())
	assert.True(t, errors.Is(err, ErrAlreadyRunning))

	stop, err := c.Stop(context.Background())
	require.NoError(t, err)
	assert.True(t, stop.Drained)
	assert.True(t, rt.cancelled.Load())
	assert.True(t, rt.closed.Load())
	assert.Equal(t, StateStopped, c.State())
	assert.Zero(t, c.Status().Uptime)
	assert.Nil(t, c.Runtime())

	_, err = c.Stop(context.Background())
	assert.True(t, errors.Is(err, ErrNotRunning))
}

func TestControllerBuildFailureStaysStopped(t *testing.T) {
	c, builds := newTestController(nil, errors.New("SETTLEMENT_PRIVATE_KEY environment variable is required"))

	_, err := c.Start(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "SETTLEMENT_PRIVATE_KEY")
	assert.Equal(t, StateStopped, c.State())

	_, err = c.Start(context.Background())
	require.Error(t, err)
	assert.Equal(t, int32(2), builds.Load())
}

func TestControllerDrainTimeoutCancels(t *testing.T) {
	rt := &fakeRuntime{blocked: true}
	c, _ := newTestController(rt, nil)
	_, err := c.Start(context.Background())
	require.NoError(t, err)

	stop, err := c.Stop(context.Background())
	require.NoError(t, err)
	assert.False(t, stop.Drained)
	assert.True(t, rt.cancelled.Load())
	assert.Equal(t, StateStopped, c.State())
}

func TestControllerConcurrentStartBuildsOnce(t *testing.T) {
	rt := &fakeRuntime{}
	release := make(chan struct{})
	var builds atomic.Int32
	c := NewController(func(ctx context.Context) (Runtime, error) {
		builds.Add(1)
		<-release
		return rt, nil
	}, time.Second, &logger.EmptyLogger{})

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := c.Start(context.Background())
			errs <- err
		}()
	}

	require.Eventually(t, func() bool { return builds.Load() == 1 }, time.Second, time.Millisecond)
	require.Eventually(t, func() bool { return len(errs) == 7 }, time.Second, time.Millisecond)
	close(release)
	wg.Wait()
	close(errs)

	var ok, busy int
	for err := range errs {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, ErrTransitionInProgress):
			busy++
		}
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, 7, busy)
	assert.Equal(t, int32(1), builds.Load())

	_, err := c.Stop(context.Background())
	require.NoError(t, err)
}

func TestControllerStopDuringStartIsRejected(t *testing.T) {
	release := make(chan struct{})
	c := NewController(func(ctx context.Context) (Runtime, error) {
		<-release
		return &fakeRuntime{}, nil
	}, time.Second, &logger.EmptyLogger{})

	started := make(chan error, 1)
	go func() {
		_, err := c.Start(context.Background())
		started <- err
	}()
	require.Eventually(t, func() bool { return c.State() == StateStarting }, time.Second, time.Millisecond)

	_, err := c.Stop(context.Background())
	assert.True(t, errors.Is(err, ErrTransitionInProgress))

	close(release)
	require.NoError(t, <-started)
	_, err = c.Stop(context.Background())
	require.NoError(t, err)
}
