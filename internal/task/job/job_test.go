package job

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"guildbot/internal/storage"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeysKindsAndDescribe(t *testing.T) {
	cases := []struct {
		job  Job
		key  string
		kind string
		desc string
	}{
		{Reminder{ReminderID: 7}, "reminder:7", "reminder", "reminder #7"},
		{Refresh{Driver: RefreshRanks}, "refresh:ranks", "refresh.ranks", "ranks refresh"},
		{NotificationPost{AppointmentID: 3}, "appointment:3:post", "notification.post", "post notice for appointment #3"},
		{NotificationRetract{AppointmentID: 3}, "appointment:3:retract", "notification.retract", "retract notice for appointment #3"},
		{Refresh{Driver: RefreshCalendar, Manual: true}, "", "refresh.calendar", "calendar refresh (manual)"},
	}
	for _, c := range cases {
		assert.Equal(t, c.key, c.job.Key(), "%T key", c.job)
		assert.Equal(t, c.kind, c.job.Kind(), "%T kind", c.job)
		assert.Equal(t, c.desc, Describe(c.job), "%T describe", c.job)
	}
}

func TestParseRefreshKind(t *testing.T) {
	for _, k := range RefreshKinds() {
		got, err := ParseRefreshKind(string(k))
		require.NoError(t, err)
		assert.Equal(t, k, got)
	}
	_, err := ParseRefreshKind("weather")
	assert.True(t, errors.Is(err, ErrUnknownKind))
}

func TestReminderSendsThenMarks(t *testing.T) {
	sess := newMemSession()
	sess.reminders[1] = storage.Reminder{ID: 1, Chat: storage.ChatRef{ChatID: -5, ThreadID: 2}, Username: "alice", Message: "feed the cat"}
	chat := &fakeChat{}
	sc := newScope(sess, chat, &fakeEnqueuer{})

	require.NoError(t, Reminder{ReminderID: 1}.Execute(context.Background(), sc))

	require.Len(t, chat.sent, 1)
	assert.Equal(t, int64(-5), chat.sent[0].To.ChatID)
	assert.Equal(t, 2, chat.sent[0].To.ThreadID)
	assert.Contains(t, chat.sent[0].Text, "feed the cat")
	assert.Contains(t, chat.sent[0].Text, "@alice")
	assert.True(t, sess.reminders[1].IsExecuted)
	assert.True(t, sess.reminders[1].ExecutedAt.Equal(t0))

	// Running again is a no-op.
	require.NoError(t, Reminder{ReminderID: 1}.Execute(context.Background(), sc))
	assert.Len(t, chat.sent, 1)
}

func TestReminderSendFailureLeavesRowPending(t *testing.T) {
	sess := newMemSession()
	sess.reminders[1] = storage.Reminder{ID: 1, Message: "x"}
	sc := newScope(sess, &fakeChat{sendErr: errBoom}, &fakeEnqueuer{})

	err := Reminder{ReminderID: 1}.Execute(context.Background(), sc)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errBoom))
	assert.False(t, sess.reminders[1].IsExecuted)
}

func TestReminderMissingRow(t *testing.T) {
	sc := newScope(newMemSession(), &fakeChat{}, &fakeEnqueuer{})
	err := Reminder{ReminderID: 42}.Execute(context.Background(), sc)
	assert.True(t, errors.Is(err, storage.ErrNotFound), "got %v", err)
}

func TestMissingCollaborator(t *testing.T) {
	sc := &Scope{}
	assert.True(t, errors.Is(Reminder{ReminderID: 1}.Execute(context.Background(), sc), ErrUnavailable))
	assert.True(t, errors.Is(NotificationPost{AppointmentID: 1}.Execute(context.Background(), sc), ErrUnavailable))
	assert.True(t, errors.Is(Refresh{Driver: RefreshRanks}.Execute(context.Background(), sc), ErrUnavailable))
	assert.True(t, errors.Is(Refresh{Driver: "bogus"}.Execute(context.Background(), sc), ErrUnknownKind))
}

func TestNotificationPostAndRetract(t *testing.T) {
	sess := newMemSession()
	sess.appointments[9] = storage.Appointment{
		ID: 9, Title: "Raid <night>", StartsAt: t0.Add(30 * time.Minute),
		Chat: storage.ChatRef{ChatID: 11}, RetractAt: t0.Add(3 * time.Hour),
	}
	chat := &fakeChat{}
	sc := newScope(sess, chat, &fakeEnqueuer{})
	ctx := context.Background()

	require.NoError(t, NotificationPost{AppointmentID: 9}.Execute(ctx, sc))
	require.Len(t, chat.sent, 1)
	assert.Contains(t, chat.sent[0].Text, "Raid &lt;night&gt;")
	assert.Contains(t, chat.sent[0].Text, "in 30m0s")
	a := sess.appointments[9]
	assert.True(t, a.IsPosted)
	assert.Equal(t, 101, a.MessageID)

	// Already posted.
	require.NoError(t, NotificationPost{AppointmentID: 9}.Execute(ctx, sc))
	assert.Len(t, chat.sent, 1)

	require.NoError(t, NotificationRetract{AppointmentID: 9}.Execute(ctx, sc))
	require.Len(t, chat.deleted, 1)
	assert.Equal(t, 101, chat.deleted[0].MessageID)
	assert.True(t, sess.appointments[9].IsRetracted)

	require.NoError(t, NotificationRetract{AppointmentID: 9}.Execute(ctx, sc))
	assert.Len(t, chat.deleted, 1)
}

func TestNotificationPostSkippedAfterRetractInstant(t *testing.T) {
	sess := newMemSession()
	sess.appointments[1] = storage.Appointment{ID: 1, Title: "Old", StartsAt: t0.Add(-3 * time.Hour), RetractAt: t0.Add(-time.Hour)}
	chat := &fakeChat{}
	sc := newScope(sess, chat, &fakeEnqueuer{})

	require.NoError(t, NotificationPost{AppointmentID: 1}.Execute(context.Background(), sc))
	assert.Empty(t, chat.sent)
	assert.True(t, sess.appointments[1].IsPosted)
	assert.Zero(t, sess.appointments[1].MessageID)

	// Nothing to delete either.
	require.NoError(t, NotificationRetract{AppointmentID: 1}.Execute(context.Background(), sc))
	assert.Empty(t, chat.deleted)
	assert.True(t, sess.appointments[1].IsRetracted)
}

func TestCalendarRefreshArmsEntriesAndItself(t *testing.T) {
	sess := newMemSession()
	sess.appointments[1] = storage.Appointment{ID: 1, Title: "A", StartsAt: t0.Add(2 * time.Hour)}
	sess.appointments[2] = storage.Appointment{ID: 2, Title: "B", StartsAt: t0.Add(5 * time.Hour), IsPosted: true, MessageID: 77}
	sess.appointments[3] = storage.Appointment{ID: 3, Title: "C", StartsAt: t0.Add(48 * time.Hour)}
	sess.appointments[4] = storage.Appointment{ID: 4, Title: "D", StartsAt: t0.Add(-time.Hour)}
	enq := &fakeEnqueuer{}
	sc := newScope(sess, &fakeChat{}, enq)

	require.NoError(t, Refresh{Driver: RefreshCalendar}.Execute(context.Background(), sc))

	keys := map[string]time.Time{}
	for _, e := range enq.entries {
		keys[e.Job.Key()] = e.DueAt
	}
	assert.Equal(t, map[string]time.Time{
		"refresh:calendar":      t0.Add(24 * time.Hour),
		"appointment:1:post":    t0.Add(90 * time.Minute),
		"appointment:1:retract": t0.Add(4 * time.Hour),
		"appointment:2:retract": t0.Add(7 * time.Hour),
	}, keys)
	assert.Len(t, enq.entries, 4)
	// The re-arm comes first.
	assert.Equal(t, "refresh:calendar", enq.entries[0].Job.Key())

	assert.True(t, sess.appointments[1].NotifyAt.Equal(t0.Add(90*time.Minute)))
	assert.True(t, sess.appointments[2].RetractAt.Equal(t0.Add(7*time.Hour)))
	assert.True(t, sess.appointments[3].NotifyAt.IsZero())
}

func TestRefreshRearmsEvenWhenWorkFails(t *testing.T) {
	enq := &fakeEnqueuer{}
	sc := newScope(newMemSession(), &fakeChat{}, enq)
	sc.Connector = &fakeConnector{err: errBoom}

	err := Refresh{Driver: RefreshLogImport}.Execute(context.Background(), sc)
	require.True(t, errors.Is(err, errBoom))
	require.Len(t, enq.entries, 1)
	assert.Equal(t, "refresh:logimport", enq.entries[0].Job.Key())
}

func TestManualRefreshDoesNotRearm(t *testing.T) {
	sess := newMemSession()
	sess.counts = []storage.AttendanceCount{{Member: "a", Count: 1}}
	enq := &fakeEnqueuer{}
	sc := newScope(sess, &fakeChat{}, enq)

	require.NoError(t, Refresh{Driver: RefreshRanks, Manual: true}.Execute(context.Background(), sc))
	assert.Empty(t, enq.entries)
	assert.Len(t, sess.ranks, 1)
}

func TestRankMembersOrdering(t *testing.T) {
	ranks := RankMembers([]storage.AttendanceCount{
		{Member: "zed", Count: 3},
		{Member: "amy", Count: 1},
		{Member: "bob", Count: 3},
	}, t0)
	got := make([]string, 0, len(ranks))
	for _, r := range ranks {
		got = append(got, r.Member)
	}
	assert.Equal(t, []string{"bob", "zed", "amy"}, got)
	assert.Equal(t, 1, ranks[0].Rank)
	assert.Equal(t, 3, ranks[2].Rank)
}

func TestRanksRefreshReplacesTable(t *testing.T) {
	sess := newMemSession()
	sess.counts = []storage.AttendanceCount{{Member: "a", Count: 1}, {Member: "b", Count: 2}}
	sc := newScope(sess, &fakeChat{}, &fakeEnqueuer{})

	require.NoError(t, Refresh{Driver: RefreshRanks}.Execute(context.Background(), sc))
	require.Len(t, sess.ranks, 2)
	assert.Equal(t, "b", sess.ranks[0].Member)
}

func TestLogImportUsesLookbackThenLatest(t *testing.T) {
	sess := newMemSession()
	conn := &fakeConnector{reports: []storage.LogReport{{ReportID: "r1"}, {ReportID: "r2"}}}
	sc := newScope(sess, &fakeChat{}, &fakeEnqueuer{})
	sc.Connector = conn

	require.NoError(t, Refresh{Driver: RefreshLogImport}.Execute(context.Background(), sc))
	assert.True(t, conn.since.Equal(t0.Add(-7*24*time.Hour)))
	assert.Len(t, sess.reports, 2)

	sess.latest = t0.Add(-time.Hour)
	require.NoError(t, Refresh{Driver: RefreshLogImport}.Execute(context.Background(), sc))
	assert.True(t, conn.since.Equal(t0.Add(-time.Hour)))
}

func TestScopeCloseRunsReleasersOnce(t *testing.T) {
	var order []string
	sc := &Scope{}
	sc.OnClose(func() error { order = append(order, "first"); return nil })
	sc.OnClose(func() error { order = append(order, "second"); return errBoom })

	err := sc.Close()
	assert.True(t, errors.Is(err, errBoom))
	assert.Equal(t, []string{"second", "first"}, order)
	assert.NoError(t, sc.Close())
	assert.True(t, sc.Closed())

	// Registering after close releases immediately.
	sc.OnClose(func() error { order = append(order, "late"); return nil })
	assert.Equal(t, "late", order[len(order)-1])
}

func TestProviderAcquiresSessionPerScope(t *testing.T) {
	acquired, released := 0, 0
	p := NewProvider(Deps{
		Acquire: func(context.Context) (Session, func() error, error) {
			acquired++
			return newMemSession(), func() error { released++; return nil }, nil
		},
		Settings: func() Settings { return Settings{NotifyLead: time.Minute} },
	})

	a, err := p.Open(context.Background(), Meta{EntryID: "reminder:1", Kind: "reminder"})
	require.NoError(t, err)
	b, err := p.Open(context.Background(), Meta{EntryID: "reminder:2", Kind: "reminder"})
	require.NoError(t, err)
	assert.NotSame(t, a, b)
	assert.Equal(t, time.Minute, a.Settings.NotifyLead)

	require.NoError(t, a.Close())
	require.NoError(t, b.Close())
	assert.Equal(t, 2, acquired)
	assert.Equal(t, 2, released)
}

func TestProviderAcquireError(t *testing.T) {
	p := NewProvider(Deps{Acquire: func(context.Context) (Session, func() error, error) {
		return nil, nil, errBoom
	}})
	_, err := p.Open(context.Background(), Meta{})
	assert.True(t, errors.Is(err, errBoom))
}

func TestFormatReminderWithoutUsername(t *testing.T) {
	got := FormatReminder(storage.Reminder{Message: "hi"})
	assert.True(t, strings.HasSuffix(got, ": hi"), got)
	assert.NotContains(t, got, "@")
}
