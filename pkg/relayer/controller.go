package relayer

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/speedrun-hq/bridge-relayer/pkg/logger"
	"github.com/speedrun-hq/bridge-relayer/pkg/metrics"
)

var (
	ErrAlreadyRunning       = errors.New("relayer already running")
	ErrNotRunning           = errors.New("relayer not running")
	ErrTransitionInProgress = errors.New("relayer is starting or stopping")
)

// State is the lifecycle state of the relayer
type State int32

const (
	StateStopped State = iota
	StateStarting
	StateRunning
	StateStopping
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	default:
		return "stopped"
	}
}

// Runtime is one started component graph
type Runtime interface {
	// Start launches every component; it must not block
	Start(ctx context.Context)
	// Drain asks workers to exit once their current job is done and blocks
	// until they have, or ctx is done
	Drain(ctx context.Context) error
	// Wait blocks until every component has exited after cancellation
	Wait()
	// Close releases connections held by the graph
	Close()
}

// Factory builds a fresh runtime for each start
type Factory func(ctx context.Context) (Runtime, error)

// StartResult is returned by a successful Start
type StartResult struct {
	StartTime time.Time
}

// StopResult is returned by a successful Stop
type StopResult struct {
	StopTime time.Time
	// Drained is false when the drain timeout cancelled in-flight jobs
	Drained bool
}

// Status is a point in time view of the lifecycle
type Status struct {
	State     State
	StartTime time.Time
	Uptime    time.Duration
}

// IsRunning reports whether the relayer is running
func (s Status) IsRunning() bool {
	return s.State == StateRunning
}

// Controller owns the relayer lifecycle. Transitions are compare-and-swap on
// the state, so concurrent start and stop requests never both win.
type Controller struct {
	factory      Factory
	drainTimeout time.Duration
	logger       logger.Logger

	state atomic.Int32

	mu        sync.Mutex
	runtime   Runtime
	cancel    context.CancelFunc
	startTime time.Time
}

// NewController creates a stopped controller
func NewController(factory Factory, drainTimeout time.Duration, log logger.Logger) *Controller {
	return &Controller{
		factory:      factory,
		drainTimeout: drainTimeout,
		logger:       log,
	}
}

// State returns the current lifecycle state
func (c *Controller) State() State {
	return State(c.state.Load())
}

// Runtime returns the running graph, or nil
func (c *Controller) Runtime() Runtime {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.runtime
}

// Start builds and launches the pipeline. ctx bounds the build only; the
// pipeline runs until Stop.
func (c *Controller) Start(ctx context.Context) (StartResult, error) {
	if !c.state.CompareAndSwap(int32(StateStopped), int32(StateStarting)) {
		if c.State() == StateRunning {
			return StartResult{}, ErrAlreadyRunning
		}
		return StartResult{}, ErrTransitionInProgress
	}

	c.logger.Info("Starting relayer")
	rt, err := c.factory(ctx)
	if err != nil {
		c.state.Store(int32(StateStopped))
		c.logger.Error("Relayer failed to start: %v", err)
		return StartResult{}, errors.Wrap(err, "failed to build relayer")
	}

	runCtx, cancel := context.WithCancel(context.Background())
	rt.Start(runCtx)

	c.mu.Lock()
	c.runtime = rt
	c.cancel = cancel
	c.startTime = time.Now()
	start := c.startTime
	c.mu.Unlock()

	c.state.Store(int32(StateRunning))
	metrics.Running.Set(1)
	c.logger.Info("Relayer running since %s", start.Format(time.RFC3339))
	return StartResult{StartTime: start}, nil
}

// Stop drains workers, cancels what remains after the drain timeout or when
// ctx is done, and releases the graph.
func (c *Controller) Stop(ctx context.Context) (StopResult, error) {
	if !c.state.CompareAndSwap(int32(StateRunning), int32(StateStopping)) {
		if c.State() == StateStopped {
			return StopResult{}, ErrNotRunning
		}
		return StopResult{}, ErrTransitionInProgress
	}

	c.mu.Lock()
	rt, cancel := c.runtime, c.cancel
	c.mu.Unlock()

	c.logger.Info("Stopping relayer, draining for up to %v", c.drainTimeout)
	drainCtx, drainCancel := context.WithTimeout(ctx, c.drainTimeout)
	drained := rt.Drain(drainCtx) == nil
	drainCancel()

	// watchers, ingestors and stragglers stop on cancel
	cancel()
	rt.Wait()
	rt.Close()

	c.mu.Lock()
	c.runtime = nil
	c.cancel = nil
	c.startTime = time.Time{}
	c.mu.Unlock()

	c.state.Store(int32(StateStopped))
	metrics.Running.Set(0)

	if !drained {
		c.logger.Notice("Drain timed out, in-flight jobs were abandoned to lease expiry")
	}
	c.logger.Info("Relayer stopped")
	return StopResult{StopTime: time.Now(), Drained: drained}, nil
}

// Status reports the lifecycle state and uptime
func (c *Controller) Status() Status {
	c.mu.Lock()
	start := c.startTime
	c.mu.Unlock()

	s := Status{State: c.State(), StartTime: start}
	if s.State == StateRunning && !start.IsZero() {
		s.Uptime = time.Since(start)
	}
	return s
}
