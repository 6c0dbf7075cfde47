package job

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"guildbot/internal/storage"
	kit "guildbot/internal/transport"
	"guildbot/internal/task/clock"
)

type memSession struct {
	mu           sync.Mutex
	reminders    map[int64]storage.Reminder
	appointments map[int64]storage.Appointment
	counts       []storage.AttendanceCount
	ranks        []storage.MemberRank
	reports      []storage.LogReport
	latest       time.Time
}

func newMemSession() *memSession {
	return &memSession{reminders: map[int64]storage.Reminder{}, appointments: map[int64]storage.Appointment{}}
}

func (m *memSession) GetReminder(_ context.Context, id int64) (storage.Reminder, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.reminders[id]
	if !ok {
		return storage.Reminder{}, fmt.Errorf("reminder %d: %w", id, storage.ErrNotFound)
	}
	return r, nil
}

func (m *memSession) MarkReminderExecuted(_ context.Context, id int64, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.reminders[id]
	if !ok {
		return storage.ErrNotFound
	}
	r.IsExecuted, r.ExecutedAt = true, at
	m.reminders[id] = r
	return nil
}

func (m *memSession) GetAppointment(_ context.Context, id int64) (storage.Appointment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.appointments[id]
	if !ok {
		return storage.Appointment{}, storage.ErrNotFound
	}
	return a, nil
}

func (m *memSession) AppointmentsStartingBetween(_ context.Context, from, to time.Time) ([]storage.Appointment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []storage.Appointment
	for _, a := range m.appointments {
		if !a.StartsAt.Before(from) && a.StartsAt.Before(to) && !a.IsRetracted {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *memSession) update(id int64, fn func(*storage.Appointment)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.appointments[id]
	if !ok {
		return storage.ErrNotFound
	}
	fn(&a)
	m.appointments[id] = a
	return nil
}

func (m *memSession) SetAppointmentSchedule(_ context.Context, id int64, notifyAt, retractAt time.Time) error {
	return m.update(id, func(a *storage.Appointment) { a.NotifyAt, a.RetractAt = notifyAt, retractAt })
}

func (m *memSession) SetAppointmentPosted(_ context.Context, id int64, messageID int) error {
	return m.update(id, func(a *storage.Appointment) { a.IsPosted, a.MessageID = true, messageID })
}

func (m *memSession) MarkAppointmentRetracted(_ context.Context, id int64) error {
	return m.update(id, func(a *storage.Appointment) { a.IsRetracted = true })
}

func (m *memSession) AttendanceCounts(context.Context, time.Time) ([]storage.AttendanceCount, error) {
	return m.counts, nil
}

func (m *memSession) ReplaceRanks(_ context.Context, ranks []storage.MemberRank) error {
	m.ranks = ranks
	return nil
}

func (m *memSession) LatestImportedAt(context.Context) (time.Time, bool, error) {
	return m.latest, !m.latest.IsZero(), nil
}

func (m *memSession) UpsertReport(_ context.Context, r storage.LogReport) error {
	m.reports = append(m.reports, r)
	return nil
}

type sent struct {
	To   kit.ChatTarget
	Text string
}

type fakeChat struct {
	mu      sync.Mutex
	sent    []sent
	deleted []kit.MessageRef
	sendErr error
	nextID  int
}

func (c *fakeChat) SendText(_ context.Context, to kit.ChatTarget, text string, _ *kit.SendOptions) (kit.MessageRef, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sendErr != nil {
		return kit.MessageRef{}, c.sendErr
	}
	c.nextID++
	c.sent = append(c.sent, sent{To: to, Text: text})
	return kit.MessageRef{ChatID: to.ChatID, ThreadID: to.ThreadID, MessageID: 100 + c.nextID}, nil
}

func (c *fakeChat) DeleteMessage(_ context.Context, ref kit.MessageRef) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.deleted = append(c.deleted, ref)
	return nil
}

type armed struct {
	Job   Job
	DueAt time.Time
}

type fakeEnqueuer struct {
	mu      sync.Mutex
	entries []armed
	err     error
}

func (e *fakeEnqueuer) Enqueue(j Job, dueAt time.Time) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.err != nil {
		return "", e.err
	}
	e.entries = append(e.entries, armed{Job: j, DueAt: dueAt})
	return j.Key(), nil
}

func (e *fakeEnqueuer) Cancel(string) bool { return false }

type fixedPlanner struct{ every time.Duration }

func (p fixedPlanner) Next(_ RefreshKind, after time.Time) (time.Time, bool) {
	return after.Add(p.every), true
}

type fakeConnector struct {
	since   time.Time
	reports []storage.LogReport
	err     error
}

func (c *fakeConnector) FetchReports(_ context.Context, since time.Time) ([]storage.LogReport, error) {
	c.since = since
	return c.reports, c.err
}

var errBoom = errors.New("boom")

var t0 = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

func newScope(sess *memSession, chat *fakeChat, enq *fakeEnqueuer) *Scope {
	return &Scope{
		Session:  sess,
		Chat:     chat,
		Enqueuer: enq,
		Planner:  fixedPlanner{every: 24 * time.Hour},
		Settings: Settings{
			CalendarHorizon: 24 * time.Hour,
			NotifyLead:      30 * time.Minute,
			RetractAfter:    2 * time.Hour,
			RankWindow:      30 * 24 * time.Hour,
			ImportLookback:  7 * 24 * time.Hour,
		},
		Clock: clock.NewManual(t0),
	}
}
