package scheduler

import (
	"time"

	"guildbot/internal/task/job"
)

// Entry pairs a job with its due time. It lives in the queue from Enqueue
// until it is popped for execution or cancelled.
type Entry struct {
	ID    string
	DueAt time.Time
	Job   job.Job

	seq   uint64 // insertion order, breaks DueAt ties
	index int    // heap position, -1 once removed
}

// EntryInfo is a read-only view of a pending entry.
type EntryInfo struct {
	ID          string    `json:"id"`
	Kind        string    `json:"kind"`
	Description string    `json:"description"`
	DueAt       time.Time `json:"due_at"`
}

func (e *Entry) info() EntryInfo {
	return EntryInfo{ID: e.ID, Kind: e.Job.Kind(), Description: job.Describe(e.Job), DueAt: e.DueAt}
}

// EntryEvent is the payload of entry.* bus events.
type EntryEvent struct {
	ID       string    `json:"id"`
	Kind     string    `json:"kind"`
	DueAt    time.Time `json:"due_at"`
	Replaced bool      `json:"replaced,omitempty"`
}
