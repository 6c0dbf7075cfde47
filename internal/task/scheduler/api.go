package scheduler

import (
	"fmt"
	"strings"
	"time"

	"guildbot/internal/eventbus"
	"guildbot/internal/task/job"
	logx "guildbot/pkg/logx"

	"github.com/google/uuid"
)

// Enqueue schedules j at dueAt and returns the entry id. Jobs with a domain
// key use it as the id, so re-enqueueing replaces the pending entry. A due
// time in the past runs on the next loop cycle.
func (s *Service) Enqueue(j job.Job, dueAt time.Time) (string, error) {
	if j == nil {
		return "", fmt.Errorf("%w: nil job", ErrInvalidEntry)
	}
	if dueAt.IsZero() {
		return "", fmt.Errorf("%w: zero due time for %s", ErrInvalidEntry, j.Kind())
	}
	id := strings.TrimSpace(j.Key())
	if id == "" {
		id = j.Kind() + ":" + uuid.NewString()
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return "", ErrStopped
	}
	s.seq++
	e := &Entry{ID: id, DueAt: dueAt, Job: j, seq: s.seq, index: -1}
	replaced := s.q.Insert(e)
	isHead := s.q.Peek() == e
	s.mu.Unlock()

	if isHead {
		s.wake()
	}
	s.log.Debug("entry enqueued", logx.String("entry", id), logx.String("kind", j.Kind()), logx.Time("due_at", dueAt), logx.Bool("replaced", replaced))
	s.bus.Publish(eventbus.Event{Type: eventbus.EntryEnqueued, Data: EntryEvent{ID: id, Kind: j.Kind(), DueAt: dueAt, Replaced: replaced}})
	return id, nil
}

// Cancel removes a pending entry, or a popped one the executor has not
// accepted yet. It reports false when the entry is unknown or already
// handed to a worker.
func (s *Service) Cancel(id string) bool {
	s.mu.Lock()
	e, ok := s.q.Get(id)
	if ok {
		s.q.Remove(id)
	} else {
		e, ok = s.takeReady(id)
	}
	s.mu.Unlock()
	if !ok {
		return false
	}
	s.log.Debug("entry cancelled", logx.String("entry", id))
	s.bus.Publish(eventbus.Event{Type: eventbus.EntryCancelled, Data: EntryEvent{ID: id, Kind: e.Job.Kind(), DueAt: e.DueAt}})
	return true
}

func (s *Service) Lookup(id string) (EntryInfo, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.q.Get(id)
	if !ok {
		return EntryInfo{}, false
	}
	return e.info(), true
}

func (s *Service) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.q.Len()
}

func (s *Service) wake() {
	select {
	case s.wakeCh <- struct{}{}:
	default:
	}
}

// takeReady removes a popped entry the executor has not accepted yet.
// Callers hold s.mu.
func (s *Service) takeReady(id string) (*Entry, bool) {
	for i, e := range s.ready {
		if e.ID == id {
			s.ready = append(s.ready[:i], s.ready[i+1:]...)
			return e, true
		}
	}
	return nil, false
}
