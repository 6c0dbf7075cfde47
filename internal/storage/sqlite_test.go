package storage

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	logx "guildbot/pkg/logx"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	st, err := Open(Config{Path: filepath.Join(t.TempDir(), "bot.db")}, logx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func acquire(t *testing.T, st *Store) *Session {
	t.Helper()
	sess, err := st.Acquire(context.Background())
	require.NoError(t, err)
	t.Cleanup(func() { _ = sess.Close() })
	return sess
}

func TestReminderLifecycle(t *testing.T) {
	ctx := context.Background()
	st := openTestStore(t)
	sess := acquire(t, st)

	due := time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC)
	id, err := sess.CreateReminder(ctx, Reminder{
		DueAt:    due,
		Chat:     ChatRef{ChatID: -100, ThreadID: 7},
		UserID:   42,
		Username: "alice",
		Message:  "raid tonight",
	})
	require.NoError(t, err)

	r, err := sess.GetReminder(ctx, id)
	require.NoError(t, err)
	assert.True(t, r.DueAt.Equal(due))
	assert.Equal(t, ChatRef{ChatID: -100, ThreadID: 7}, r.Chat)
	assert.Equal(t, "raid tonight", r.Message)
	assert.False(t, r.IsExecuted)

	pending, err := st.PendingReminders(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)

	at := due.Add(time.Second)
	require.NoError(t, sess.MarkReminderExecuted(ctx, id, at))
	// A second mark is a no-op, not an error.
	require.NoError(t, sess.MarkReminderExecuted(ctx, id, at.Add(time.Hour)))

	r, err = sess.GetReminder(ctx, id)
	require.NoError(t, err)
	assert.True(t, r.IsExecuted)
	assert.True(t, r.ExecutedAt.Equal(at))

	pending, err = st.PendingReminders(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestMissingRowsReportNotFound(t *testing.T) {
	ctx := context.Background()
	sess := acquire(t, openTestStore(t))

	_, err := sess.GetReminder(ctx, 99)
	assert.True(t, errors.Is(err, ErrNotFound), "got %v", err)
	assert.True(t, errors.Is(sess.MarkReminderExecuted(ctx, 99, time.Now()), ErrNotFound))

	_, err = sess.GetAppointment(ctx, 5)
	assert.True(t, errors.Is(err, ErrNotFound))
	assert.True(t, errors.Is(sess.SetAppointmentPosted(ctx, 5, 1), ErrNotFound))
}

func TestListPendingRemindersByUser(t *testing.T) {
	ctx := context.Background()
	sess := acquire(t, openTestStore(t))
	base := time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC)

	for i, uid := range []int64{1, 2, 1} {
		_, err := sess.CreateReminder(ctx, Reminder{DueAt: base.Add(time.Duration(3-i) * time.Minute), UserID: uid, Message: "m"})
		require.NoError(t, err)
	}

	mine, err := sess.ListPendingReminders(ctx, 1)
	require.NoError(t, err)
	require.Len(t, mine, 2)
	assert.True(t, mine[0].DueAt.Before(mine[1].DueAt))

	all, err := sess.ListPendingReminders(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestAppointmentScheduleAndRecovery(t *testing.T) {
	ctx := context.Background()
	st := openTestStore(t)
	sess := acquire(t, st)
	start := time.Date(2024, 6, 1, 20, 0, 0, 0, time.UTC)

	inWindow, err := sess.CreateAppointment(ctx, Appointment{Title: "Raid", StartsAt: start, Chat: ChatRef{ChatID: 1}})
	require.NoError(t, err)
	_, err = sess.CreateAppointment(ctx, Appointment{Title: "Later", StartsAt: start.Add(48 * time.Hour), Chat: ChatRef{ChatID: 1}})
	require.NoError(t, err)

	got, err := sess.AppointmentsStartingBetween(ctx, start.Add(-time.Hour), start.Add(24*time.Hour))
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, inWindow, got[0].ID)

	// Nothing to recover before the schedule is derived.
	pending, err := st.PendingAppointments(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)

	notify, retract := start.Add(-30*time.Minute), start.Add(2*time.Hour)
	require.NoError(t, sess.SetAppointmentSchedule(ctx, inWindow, notify, retract))

	pending, err = st.PendingAppointments(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.True(t, pending[0].NotifyAt.Equal(notify))
	assert.True(t, pending[0].RetractAt.Equal(retract))

	require.NoError(t, sess.SetAppointmentPosted(ctx, inWindow, 555))
	a, err := sess.GetAppointment(ctx, inWindow)
	require.NoError(t, err)
	assert.True(t, a.IsPosted)
	assert.Equal(t, 555, a.MessageID)

	require.NoError(t, sess.MarkAppointmentRetracted(ctx, inWindow))
	pending, err = st.PendingAppointments(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)

	got, err = sess.AppointmentsStartingBetween(ctx, start.Add(-time.Hour), start.Add(24*time.Hour))
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestReportsAttendanceAndRanks(t *testing.T) {
	ctx := context.Background()
	sess := acquire(t, openTestStore(t))
	base := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)

	_, ok, err := sess.LatestImportedAt(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, sess.UpsertReport(ctx, LogReport{ReportID: "a", StartedAt: base, Attendees: []string{"bob", "carol"}}))
	require.NoError(t, sess.UpsertReport(ctx, LogReport{ReportID: "b", StartedAt: base.Add(time.Hour), Attendees: []string{"bob", "bob", " "}}))
	// Re-importing replaces attendance instead of duplicating it.
	require.NoError(t, sess.UpsertReport(ctx, LogReport{ReportID: "a", StartedAt: base, Attendees: []string{"bob", "carol"}}))

	latest, ok, err := sess.LatestImportedAt(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, latest.Equal(base.Add(time.Hour)))

	counts, err := sess.AttendanceCounts(ctx, base)
	require.NoError(t, err)
	byMember := map[string]int{}
	for _, c := range counts {
		byMember[c.Member] = c.Count
	}
	assert.Equal(t, map[string]int{"bob": 2, "carol": 1}, byMember)

	counts, err = sess.AttendanceCounts(ctx, base.Add(30*time.Minute))
	require.NoError(t, err)
	require.Len(t, counts, 1)
	assert.Equal(t, "bob", counts[0].Member)

	require.NoError(t, sess.ReplaceRanks(ctx, []MemberRank{
		{Member: "bob", Attendance: 2, Rank: 1, ComputedAt: base},
		{Member: "carol", Attendance: 1, Rank: 2, ComputedAt: base},
	}))
	require.NoError(t, sess.ReplaceRanks(ctx, []MemberRank{{Member: "carol", Attendance: 3, Rank: 1, ComputedAt: base}}))

	ranks, err := sess.ListRanks(ctx, 0)
	require.NoError(t, err)
	require.Len(t, ranks, 1)
	assert.Equal(t, "carol", ranks[0].Member)
}

func TestAcquireAfterClose(t *testing.T) {
	st := openTestStore(t)
	require.NoError(t, st.Close())
	_, err := st.Acquire(context.Background())
	assert.True(t, errors.Is(err, ErrClosed))
}
