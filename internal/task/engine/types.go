package engine

import (
	"context"
	"time"
)

// Config controls the execution engine.
//
// There is no per-task timeout: a task bounds its own external calls.
// WatchdogAfter only reports tasks that run longer than it.
type Config struct {
	Enabled   bool
	Workers   int
	QueueSize int

	HistorySize   int
	WatchdogAfter time.Duration
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 64
	}
	if c.HistorySize <= 0 {
		c.HistorySize = 200
	}
	return c
}

// Task is one execution handed to the engine.
// ID is the scheduler entry id and Name the job kind.
type Task struct {
	ID   string
	Name string
	Run  func(ctx context.Context) error
}

type HistoryItem struct {
	ID         string
	Name       string
	Started    time.Time
	QueueDelay time.Duration
	Duration   time.Duration
	Error      string
}

// TaskEvent is the payload of job.* bus events.
type TaskEvent struct {
	ID         string        `json:"id"`
	Name       string        `json:"name"`
	Started    time.Time     `json:"started"`
	QueueDelay time.Duration `json:"queue_delay"`
	Duration   time.Duration `json:"duration"`
	Error      string        `json:"error,omitempty"`
}

// Snapshot is a lightweight view for diagnostics.
type Snapshot struct {
	Enabled  bool
	Workers  int
	QueueLen int
	QueueCap int
	InFlight int

	Completed uint64
	Failed    uint64
	Panicked  uint64
	Overdue   uint64

	WatchdogAfter time.Duration

	History []HistoryItem
}
