package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"guildbot/internal/storage"
	"guildbot/internal/task/clock"
	"guildbot/internal/task/engine"
	"guildbot/internal/task/job"
	logx "guildbot/pkg/logx"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

func newScheduler(t *testing.T, exec Executor, provider job.Provider, clk clock.Clock) *Service {
	t.Helper()
	return New(Config{Strict: true, MaxIdle: time.Hour}, exec, provider, logx.Nop(), nil, WithClock(clk))
}

func start(t *testing.T, s *Service) {
	t.Helper()
	s.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = s.Stop(ctx)
	})
}

// waitIdle blocks until the loop sleeps on an armed timer.
func waitIdle(t *testing.T, clk *clock.Manual) {
	t.Helper()
	require.Eventually(t, func() bool { return clk.Pending() > 0 }, waitFor, tick)
}

func startEngine(t *testing.T) *engine.Service {
	t.Helper()
	e := engine.New(engine.Config{Enabled: true, Workers: 2}, logx.Nop(), nil)
	e.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		e.Stop(ctx)
	})
	return e
}

func TestDispatchOrder(t *testing.T) {
	clk := clock.NewManual(t0)
	exec := &recordingExec{}
	s := newScheduler(t, exec, nil, clk)

	for _, c := range []struct {
		id  int64
		due time.Duration
	}{{5, 5 * time.Minute}, {1, time.Minute}, {3, 3 * time.Minute}, {2, 2 * time.Minute}, {4, 4 * time.Minute}} {
		_, err := s.Enqueue(job.Reminder{ReminderID: c.id}, t0.Add(c.due))
		require.NoError(t, err)
	}
	start(t, s)
	waitIdle(t, clk)
	clk.Advance(10 * time.Minute)

	require.Eventually(t, func() bool { return len(exec.dispatched()) == 5 }, waitFor, tick)
	assert.Equal(t, []string{"reminder:1", "reminder:2", "reminder:3", "reminder:4", "reminder:5"}, exec.dispatched())
	assert.Equal(t, 0, s.Len())
}

func TestEqualDueTimesDispatchInInsertionOrder(t *testing.T) {
	clk := clock.NewManual(t0)
	exec := &recordingExec{}
	s := newScheduler(t, exec, nil, clk)
	start(t, s)
	waitIdle(t, clk)

	due := t0.Add(time.Second)
	x, err := s.Enqueue(job.Reminder{ReminderID: 7}, due)
	require.NoError(t, err)
	y, err := s.Enqueue(job.Reminder{ReminderID: 3}, due)
	require.NoError(t, err)
	clk.Advance(time.Second)

	require.Eventually(t, func() bool { return len(exec.dispatched()) == 2 }, waitFor, tick)
	assert.Equal(t, []string{x, y}, exec.dispatched())
}

func TestEarlierInsertWakesSleepingLoop(t *testing.T) {
	clk := clock.NewManual(t0)
	exec := &recordingExec{}
	s := newScheduler(t, exec, nil, clk)
	start(t, s)
	waitIdle(t, clk)

	// Due now while the loop sleeps for MaxIdle: only the wake can run it.
	_, err := s.Enqueue(job.Reminder{ReminderID: 1}, clk.Now())
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(exec.dispatched()) == 1 }, waitFor, tick)

	_, err = s.Enqueue(job.Reminder{ReminderID: 2}, t0.Add(10*time.Minute))
	require.NoError(t, err)
	_, err = s.Enqueue(job.Reminder{ReminderID: 3}, t0.Add(time.Minute))
	require.NoError(t, err)
	clk.Advance(time.Minute)

	require.Eventually(t, func() bool { return len(exec.dispatched()) == 2 }, waitFor, tick)
	assert.Equal(t, []string{"reminder:1", "reminder:3"}, exec.dispatched())
	assert.Never(t, func() bool { return len(exec.dispatched()) > 2 }, 50*time.Millisecond, tick)
}

func TestCancelBeforeDue(t *testing.T) {
	clk := clock.NewManual(t0)
	exec := &recordingExec{}
	s := newScheduler(t, exec, nil, clk)
	start(t, s)
	waitIdle(t, clk)

	id, err := s.Enqueue(job.Reminder{ReminderID: 1}, t0.Add(time.Minute))
	require.NoError(t, err)
	assert.True(t, s.Cancel(id))
	assert.False(t, s.Cancel(id))
	_, ok := s.Lookup(id)
	assert.False(t, ok)

	clk.Advance(2 * time.Minute)
	_, err = s.Enqueue(job.Reminder{ReminderID: 2}, clk.Now())
	require.NoError(t, err)

	require.Eventually(t, func() bool { return len(exec.dispatched()) == 1 }, waitFor, tick)
	assert.Equal(t, []string{"reminder:2"}, exec.dispatched())
}

func TestReenqueueReplacesPendingEntry(t *testing.T) {
	clk := clock.NewManual(t0)
	s := newScheduler(t, &recordingExec{}, nil, clk)

	id1, err := s.Enqueue(job.Refresh{Driver: job.RefreshRanks}, t0.Add(time.Hour))
	require.NoError(t, err)
	id2, err := s.Enqueue(job.Refresh{Driver: job.RefreshRanks}, t0.Add(2*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, id1, id2)
	assert.Equal(t, 1, s.Len())

	info, ok := s.Lookup(id1)
	require.True(t, ok)
	assert.Equal(t, t0.Add(2*time.Hour), info.DueAt)
	assert.Equal(t, "refresh.ranks", info.Kind)

	// Manual runs get their own id and never replace the armed tick.
	m1, err := s.Enqueue(job.Refresh{Driver: job.RefreshRanks, Manual: true}, t0)
	require.NoError(t, err)
	m2, err := s.Enqueue(job.Refresh{Driver: job.RefreshRanks, Manual: true}, t0)
	require.NoError(t, err)
	assert.NotEqual(t, m1, m2)
	assert.Equal(t, 3, s.Len())
}

func TestEnqueueValidation(t *testing.T) {
	s := newScheduler(t, &recordingExec{}, nil, clock.NewManual(t0))

	_, err := s.Enqueue(nil, t0)
	assert.ErrorIs(t, err, ErrInvalidEntry)
	_, err = s.Enqueue(job.Reminder{ReminderID: 1}, time.Time{})
	assert.ErrorIs(t, err, ErrInvalidEntry)

	require.NoError(t, s.Stop(context.Background()))
	_, err = s.Enqueue(job.Reminder{ReminderID: 1}, t0)
	assert.ErrorIs(t, err, ErrStopped)
}

func TestReminderFiresAfterClockAdvance(t *testing.T) {
	clk := clock.NewManual(t0)
	store := newReminderStore(storage.Reminder{
		ID: 1, DueAt: t0.Add(2 * time.Second), Chat: storage.ChatRef{ChatID: 42, ThreadID: 7},
		UserID: 9, Username: "ana", Message: "raid at nine",
	})
	chat := &chatRecorder{}
	provider := job.NewProvider(job.Deps{Acquire: store.acquire, Chat: chat, Clock: clk})
	s := newScheduler(t, startEngine(t), provider, clk)
	start(t, s)

	_, err := s.Enqueue(job.Reminder{ReminderID: 1}, t0.Add(2*time.Second))
	require.NoError(t, err)
	assert.Never(t, func() bool { return len(chat.texts()) > 0 }, 50*time.Millisecond, tick)

	clk.Advance(2 * time.Second)
	require.Eventually(t, func() bool { return store.get(1).IsExecuted }, waitFor, tick)

	sent := chat.texts()
	require.Len(t, sent, 1)
	assert.Equal(t, int64(42), sent[0].To.ChatID)
	assert.Equal(t, 7, sent[0].To.ThreadID)
	assert.Contains(t, sent[0].Text, "raid at nine")
	assert.Contains(t, sent[0].Text, "@ana")
	assert.Equal(t, t0.Add(2*time.Second), store.get(1).ExecutedAt)
}

func TestFailuresStayIsolated(t *testing.T) {
	clk := clock.NewManual(t0)
	store := newReminderStore(
		storage.Reminder{ID: 1, DueAt: t0, Chat: storage.ChatRef{ChatID: 1}, Message: "first"},
		storage.Reminder{ID: 3, DueAt: t0, Chat: storage.ChatRef{ChatID: 1}, Message: "explode"},
		storage.Reminder{ID: 4, DueAt: t0, Chat: storage.ChatRef{ChatID: 1}, Message: "last"},
	)
	chat := &chatRecorder{}
	provider := job.NewProvider(job.Deps{Acquire: store.acquire, Chat: chat, Clock: clk})
	s := newScheduler(t, startEngine(t), provider, clk)

	// 2 has no row, 3 panics in the chat client.
	for _, id := range []int64{1, 2, 3, 4} {
		_, err := s.Enqueue(job.Reminder{ReminderID: id}, t0)
		require.NoError(t, err)
	}
	start(t, s)

	require.Eventually(t, func() bool { return store.get(1).IsExecuted && store.get(4).IsExecuted }, waitFor, tick)
	require.Eventually(t, func() bool { return store.released.Load() == 4 }, waitFor, tick)
	assert.Equal(t, int32(4), store.acquired.Load())
	assert.False(t, store.get(3).IsExecuted)
	assert.Len(t, chat.texts(), 2)
}

func TestRecoveredOverdueReminderFiresWithoutWaiting(t *testing.T) {
	clk := clock.NewManual(t0)
	store := newReminderStore(storage.Reminder{ID: 5, DueAt: t0.Add(-time.Hour), Chat: storage.ChatRef{ChatID: 3}, Message: "missed"})
	chat := &chatRecorder{}
	provider := job.NewProvider(job.Deps{Acquire: store.acquire, Chat: chat, Clock: clk})
	s := newScheduler(t, startEngine(t), provider, clk)

	rep, err := s.Recover(context.Background(), store)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Reminders)
	assert.Equal(t, 1, rep.Overdue)

	info, ok := s.Lookup("reminder:5")
	require.True(t, ok)
	assert.Equal(t, t0, info.DueAt)

	start(t, s)
	require.Eventually(t, func() bool { return store.get(5).IsExecuted }, waitFor, tick)
	assert.Len(t, chat.texts(), 1)
}

func TestRecoverIsIdempotent(t *testing.T) {
	clk := clock.NewManual(t0)
	store := newReminderStore(
		storage.Reminder{ID: 1, DueAt: t0.Add(-time.Minute)},
		storage.Reminder{ID: 2, DueAt: t0.Add(time.Hour)},
		storage.Reminder{ID: 3, DueAt: t0, IsExecuted: true},
	)
	s := newScheduler(t, &recordingExec{}, nil, clk)

	_, err := s.Recover(context.Background(), store)
	require.NoError(t, err)
	_, err = s.Recover(context.Background(), store)
	require.NoError(t, err)
	assert.Equal(t, 2, s.Len())
}

func TestRecoverAppointments(t *testing.T) {
	clk := clock.NewManual(t0)
	store := newReminderStore()
	store.appts = []storage.Appointment{
		// Upcoming: post and retract.
		{ID: 1, NotifyAt: t0.Add(time.Hour), RetractAt: t0.Add(3 * time.Hour)},
		// Post is overdue but the window is still open.
		{ID: 2, NotifyAt: t0.Add(-time.Minute), RetractAt: t0.Add(time.Hour)},
		// Already posted: retract only.
		{ID: 3, NotifyAt: t0.Add(-time.Hour), RetractAt: t0.Add(time.Hour), IsPosted: true, MessageID: 55},
		// Window elapsed while down: retract only, right away.
		{ID: 4, NotifyAt: t0.Add(-3 * time.Hour), RetractAt: t0.Add(-time.Hour)},
		{ID: 5, NotifyAt: t0, RetractAt: t0.Add(time.Hour), IsRetracted: true},
	}
	s := newScheduler(t, &recordingExec{}, nil, clk)

	rep, err := s.Recover(context.Background(), store)
	require.NoError(t, err)
	assert.Equal(t, 2, rep.Posts)
	assert.Equal(t, 4, rep.Retracts)

	due := func(id string) time.Time {
		info, ok := s.Lookup(id)
		require.True(t, ok, id)
		return info.DueAt
	}
	assert.Equal(t, t0.Add(time.Hour), due("appointment:1:post"))
	assert.Equal(t, t0, due("appointment:2:post"))
	assert.Equal(t, t0, due("appointment:4:retract"))
	assert.Equal(t, t0.Add(time.Hour), due("appointment:3:retract"))

	for _, id := range []string{"appointment:3:post", "appointment:4:post", "appointment:5:post", "appointment:5:retract"} {
		_, ok := s.Lookup(id)
		assert.False(t, ok, id)
	}
}

func TestCorruptEntryIsSkipped(t *testing.T) {
	clk := clock.NewManual(t0)
	exec := &recordingExec{}
	s := New(Config{}, exec, nil, logx.Nop(), nil, WithClock(clk))

	_, err := s.Enqueue(job.Reminder{ReminderID: 1}, t0.Add(-time.Second))
	require.NoError(t, err)
	_, err = s.Enqueue(job.Reminder{ReminderID: 2}, t0)
	require.NoError(t, err)
	delete(s.q.index, "reminder:1")

	s.drain(context.Background())
	snap := s.Snapshot(0)
	assert.Equal(t, uint64(1), snap.Violations)
	assert.Equal(t, uint64(1), snap.Dispatched)
	require.Equal(t, 1, snap.Ready)
	assert.Equal(t, "reminder:2", s.ready[0].ID)
	assert.Empty(t, exec.dispatched(), "nothing is submitted without the feeder")
}

func TestSaturatedExecutorDoesNotStallLoop(t *testing.T) {
	clk := clock.NewManual(t0)
	release := make(chan struct{})
	stuck := job.ProviderFunc(func(ctx context.Context, _ job.Meta) (*job.Scope, error) {
		select {
		case <-release:
		case <-ctx.Done():
		}
		return nil, errors.New("released")
	})

	e := engine.New(engine.Config{Enabled: true, Workers: 1, QueueSize: 1}, logx.Nop(), nil)
	e.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		e.Stop(ctx)
	})
	s := New(Config{Strict: true, MaxIdle: time.Minute}, e, stuck, logx.Nop(), nil, WithClock(clk))
	for id := int64(1); id <= 4; id++ {
		_, err := s.Enqueue(job.Reminder{ReminderID: id}, t0)
		require.NoError(t, err)
	}
	start(t, s)
	t.Cleanup(func() { close(release) })

	// One task runs, one waits in the engine queue, one is held in Submit.
	require.Eventually(t, func() bool { return s.Snapshot(0).Dispatched == 4 }, waitFor, tick)
	waitIdle(t, clk)

	before := s.Heartbeat()
	clk.Advance(5 * time.Minute)
	require.Eventually(t, func() bool { return s.Heartbeat().After(before) }, waitFor, tick)

	_, err := s.Enqueue(job.Reminder{ReminderID: 99}, clk.Now())
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		snap := s.Snapshot(0)
		return snap.Dispatched == 5 && snap.Pending == 0 && snap.Ready == 2
	}, waitFor, tick)

	// Not yet accepted by the executor, so still cancellable.
	assert.True(t, s.Cancel("reminder:99"))
	assert.Equal(t, 1, s.Snapshot(0).Ready)
}

func TestStrictModePanicsOnViolation(t *testing.T) {
	s := newScheduler(t, &recordingExec{}, nil, clock.NewManual(t0))
	assert.Panics(t, func() { s.violation("test", nil) })
}

func TestSnapshot(t *testing.T) {
	clk := clock.NewManual(t0)
	s := newScheduler(t, &recordingExec{}, nil, clk)
	_, _ = s.Enqueue(job.NotificationRetract{AppointmentID: 9}, t0.Add(2*time.Hour))
	_, _ = s.Enqueue(job.Reminder{ReminderID: 1}, t0.Add(time.Hour))
	_, _ = s.Enqueue(job.Refresh{Driver: job.RefreshCalendar}, t0.Add(3*time.Hour))

	snap := s.Snapshot(2)
	assert.False(t, snap.Running)
	assert.Equal(t, 3, snap.Pending)
	require.Len(t, snap.Upcoming, 2)
	assert.Equal(t, "reminder:1", snap.Upcoming[0].ID)
	assert.Equal(t, "notification.retract", snap.Upcoming[1].Kind)
	assert.NotEmpty(t, snap.Upcoming[1].Description)

	start(t, s)
	assert.True(t, s.Snapshot(0).Running)
}
