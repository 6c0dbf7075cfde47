package scheduler

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"guildbot/internal/storage"
	kit "guildbot/internal/transport"
	"guildbot/internal/task/engine"
	"guildbot/internal/task/job"
)

// recordingExec records dispatch order and optionally runs tasks inline on
// the loop goroutine.
type recordingExec struct {
	mu  sync.Mutex
	ids []string
	run bool
	err error
}

func (r *recordingExec) Submit(ctx context.Context, t engine.Task) error {
	r.mu.Lock()
	r.ids = append(r.ids, t.ID)
	err := r.err
	r.mu.Unlock()
	if err != nil {
		return err
	}
	if r.run {
		_ = t.Run(ctx)
	}
	return nil
}

func (r *recordingExec) dispatched() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.ids...)
}

// reminderStore is a shared in-memory reminder table. Each acquired session
// is a distinct handle over it.
type reminderStore struct {
	mu        sync.Mutex
	reminders map[int64]storage.Reminder
	appts     []storage.Appointment
	acquired  atomic.Int32
	released  atomic.Int32
}

func newReminderStore(rows ...storage.Reminder) *reminderStore {
	s := &reminderStore{reminders: map[int64]storage.Reminder{}}
	for _, r := range rows {
		s.reminders[r.ID] = r
	}
	return s
}

func (s *reminderStore) get(id int64) storage.Reminder {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reminders[id]
}

func (s *reminderStore) acquire(context.Context) (job.Session, func() error, error) {
	s.acquired.Add(1)
	h := &reminderSession{store: s}
	return h, func() error {
		s.released.Add(1)
		return nil
	}, nil
}

func (s *reminderStore) PendingReminders(context.Context) ([]storage.Reminder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []storage.Reminder
	for _, r := range s.reminders {
		if !r.IsExecuted {
			out = append(out, r)
		}
	}
	return out, nil
}

func (s *reminderStore) PendingAppointments(context.Context) ([]storage.Appointment, error) {
	return s.appts, nil
}

type reminderSession struct {
	store *reminderStore
}

func (h *reminderSession) GetReminder(_ context.Context, id int64) (storage.Reminder, error) {
	h.store.mu.Lock()
	defer h.store.mu.Unlock()
	r, ok := h.store.reminders[id]
	if !ok {
		return storage.Reminder{}, fmt.Errorf("reminder %d: %w", id, storage.ErrNotFound)
	}
	return r, nil
}

func (h *reminderSession) MarkReminderExecuted(_ context.Context, id int64, at time.Time) error {
	h.store.mu.Lock()
	defer h.store.mu.Unlock()
	r, ok := h.store.reminders[id]
	if !ok {
		return storage.ErrNotFound
	}
	r.IsExecuted, r.ExecutedAt = true, at
	h.store.reminders[id] = r
	return nil
}

func (h *reminderSession) GetAppointment(context.Context, int64) (storage.Appointment, error) {
	return storage.Appointment{}, storage.ErrNotFound
}

func (h *reminderSession) AppointmentsStartingBetween(context.Context, time.Time, time.Time) ([]storage.Appointment, error) {
	return nil, nil
}

func (h *reminderSession) SetAppointmentSchedule(context.Context, int64, time.Time, time.Time) error {
	return storage.ErrNotFound
}

func (h *reminderSession) SetAppointmentPosted(context.Context, int64, int) error {
	return storage.ErrNotFound
}

func (h *reminderSession) MarkAppointmentRetracted(context.Context, int64) error {
	return storage.ErrNotFound
}

func (h *reminderSession) AttendanceCounts(context.Context, time.Time) ([]storage.AttendanceCount, error) {
	return nil, nil
}

func (h *reminderSession) ReplaceRanks(context.Context, []storage.MemberRank) error { return nil }

func (h *reminderSession) LatestImportedAt(context.Context) (time.Time, bool, error) {
	return time.Time{}, false, nil
}

func (h *reminderSession) UpsertReport(context.Context, storage.LogReport) error { return nil }

type sentText struct {
	To   kit.ChatTarget
	Text string
}

// chatRecorder panics on any text containing "explode".
type chatRecorder struct {
	mu   sync.Mutex
	sent []sentText
}

func (c *chatRecorder) SendText(_ context.Context, to kit.ChatTarget, text string, _ *kit.SendOptions) (kit.MessageRef, error) {
	if strings.Contains(text, "explode") {
		panic("chat client exploded")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, sentText{To: to, Text: text})
	return kit.MessageRef{ChatID: to.ChatID, ThreadID: to.ThreadID, MessageID: len(c.sent)}, nil
}

func (c *chatRecorder) DeleteMessage(context.Context, kit.MessageRef) error { return nil }

func (c *chatRecorder) texts() []sentText {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]sentText(nil), c.sent...)
}
