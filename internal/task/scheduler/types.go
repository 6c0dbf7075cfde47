package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"guildbot/internal/eventbus"
	rtsup "guildbot/internal/runtime/supervisor"
	"guildbot/internal/task/clock"
	"guildbot/internal/task/engine"
	"guildbot/internal/task/job"
	logx "guildbot/pkg/logx"
)

var (
	ErrStopped      = errors.New("scheduler stopped")
	ErrInvalidEntry = errors.New("scheduler: invalid entry")
)

const defaultMaxIdle = time.Minute

// Config controls the dispatch loop.
type Config struct {
	// Strict panics on a queue invariant violation instead of logging and
	// skipping the entry. Meant for development builds and tests.
	Strict bool
	// MaxIdle caps a single sleep so the loop heartbeat stays fresh.
	MaxIdle time.Duration
}

// Executor runs dispatched tasks. *engine.Service implements it.
type Executor interface {
	Submit(ctx context.Context, t engine.Task) error
}

type Option func(*Service)

func WithClock(c clock.Clock) Option {
	return func(s *Service) {
		if c != nil {
			s.clock = c
		}
	}
}

type Service struct {
	mu     sync.Mutex
	cfg    Config
	q      *queue
	seq    uint64
	wakeCh chan struct{}
	closed bool

	// ready holds popped entries not yet accepted by the executor.
	ready   []*Entry
	readyCh chan struct{}

	clock    clock.Clock
	log      logx.Logger
	bus      eventbus.Bus
	exec     Executor
	provider job.Provider

	sup *rtsup.Supervisor

	heartbeat  atomic.Int64 // wall clock unix nanos of the last loop cycle
	dispatched atomic.Uint64
	violations atomic.Uint64

	enqMu       sync.Mutex
	lastEnqWarn map[string]time.Time
}

// Snapshot is a point-in-time view for the /jobs command and health checks.
type Snapshot struct {
	Running    bool
	Pending    int
	Ready      int
	Dispatched uint64
	Violations uint64
	Heartbeat  time.Time
	Upcoming   []EntryInfo
}
