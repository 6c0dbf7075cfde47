package app

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"guildbot/internal/storage"
	"guildbot/internal/task/job"
	"guildbot/internal/transport/telegram/router"
	logx "guildbot/pkg/logx"
	"guildbot/pkg/tgui"
)

const (
	timeLayout   = "Mon 02 Jan 15:04 MST"
	defaultRanks = 10
	maxRanks     = 50
)

func (a *App) commands() []router.Command {
	return []router.Command{
		{
			Name:        "remind",
			Description: "set a one-time reminder",
			Usage:       "/remind <90m|2d|15:04|RFC3339> <text>",
			Handle:      a.cmdRemind,
		},
		{
			Name:        "reminders",
			Description: "list your pending reminders",
			Usage:       "/reminders",
			Handle:      a.cmdReminders,
		},
		{
			Name:        "unremind",
			Description: "cancel a pending reminder",
			Usage:       "/unremind <id>",
			Handle:      a.cmdUnremind,
		},
		{
			Name:        "event",
			Description: "add a calendar appointment for this chat",
			Usage:       "/event <RFC3339> <title>",
			Access:      router.AccessOwnerOnly,
			Handle:      a.cmdEvent,
		},
		{
			Name:        "jobs",
			Description: "scheduler and engine status",
			Usage:       "/jobs",
			Access:      router.AccessOwnerOnly,
			Handle:      a.cmdJobs,
		},
		{
			Name:        "refresh",
			Description: "run a recurring driver now",
			Usage:       "/refresh <calendar|ranks|logimport>",
			Access:      router.AccessOwnerOnly,
			Handle:      a.cmdRefresh,
		},
		{
			Name:        "ranks",
			Description: "show attendance ranks",
			Usage:       "/ranks [n]",
			Handle:      a.cmdRanks,
		},
	}
}

// withSession runs fn on a dedicated connection that is released afterwards.
func (a *App) withSession(ctx context.Context, fn func(*storage.Session) error) error {
	sess, err := a.store.Acquire(ctx)
	if err != nil {
		return err
	}
	defer sess.Close()
	return fn(sess)
}

func (a *App) formatTime(t time.Time) string {
	return t.In(a.plan.Location()).Format(timeLayout)
}

func (a *App) cmdRemind(ctx context.Context, req *router.Request) error {
	when, text, _ := strings.Cut(req.ArgText, " ")
	text = strings.TrimSpace(text)
	if when == "" || text == "" {
		return req.Reply(ctx, "usage: /remind <90m|2d|15:04|RFC3339> <text>", nil)
	}
	now := a.clock.Now()
	dueAt, err := parseWhen(when, now, a.plan.Location())
	if err != nil {
		return req.Reply(ctx, err.Error(), nil)
	}

	r := storage.Reminder{
		DueAt:     dueAt,
		Chat:      storage.ChatRef{ChatID: req.Chat.ChatID, ThreadID: req.Chat.ThreadID},
		UserID:    req.FromID,
		Username:  req.FromUsername,
		Message:   text,
		CreatedAt: now,
	}
	err = a.withSession(ctx, func(sess *storage.Session) error {
		r.ID, err = sess.CreateReminder(ctx, r)
		return err
	})
	if err != nil {
		return fmt.Errorf("save reminder: %w", err)
	}
	// The row is durable now; a failed enqueue is picked up by recovery on restart.
	if _, err := a.sched.Enqueue(job.Reminder{ReminderID: r.ID}, dueAt); err != nil {
		return fmt.Errorf("schedule reminder %d: %w", r.ID, err)
	}
	req.Logger.Info("reminder created", logx.Int64("reminder", r.ID), logx.Time("due_at", dueAt))

	b := tgui.New().
		Title("⏰", fmt.Sprintf("Reminder #%d set", r.ID)).
		KV("due", a.formatTime(dueAt)).
		KV("in", dueAt.Sub(now).Round(time.Second).String())
	return req.ReplyHTML(ctx, b.String())
}

func (a *App) cmdReminders(ctx context.Context, req *router.Request) error {
	var list []storage.Reminder
	err := a.withSession(ctx, func(sess *storage.Session) (err error) {
		list, err = sess.ListPendingReminders(ctx, req.FromID)
		return err
	})
	if err != nil {
		return fmt.Errorf("list reminders: %w", err)
	}
	if len(list) == 0 {
		return req.ReplyHTML(ctx, tgui.I("no pending reminders").String())
	}
	b := tgui.New().Title("⏰", fmt.Sprintf("Pending reminders (%d)", len(list)))
	for _, r := range list {
		b.Item(tgui.JoinH(" ",
			tgui.Code("#"+strconv.FormatInt(r.ID, 10)),
			tgui.Esc(a.formatTime(r.DueAt)),
			tgui.Esc("· "+tgui.TruncRunes(r.Message, 80)),
		))
	}
	return req.ReplyHTML(ctx, b.String())
}

func (a *App) cmdUnremind(ctx context.Context, req *router.Request) error {
	if len(req.Args) != 1 {
		return req.Reply(ctx, "usage: /unremind <id>", nil)
	}
	id, err := strconv.ParseInt(strings.TrimPrefix(req.Args[0], "#"), 10, 64)
	if err != nil || id <= 0 {
		return req.Reply(ctx, "invalid reminder id", nil)
	}

	var reply string
	err = a.withSession(ctx, func(sess *storage.Session) error {
		r, err := sess.GetReminder(ctx, id)
		if err != nil {
			return err
		}
		if r.UserID != req.FromID && !req.Owner {
			reply = "that reminder belongs to someone else"
			return nil
		}
		if r.IsExecuted {
			reply = fmt.Sprintf("reminder #%d already fired or was cancelled", id)
			return nil
		}
		removed := a.sched.Cancel(job.Reminder{ReminderID: id}.Key())
		// Cancelled rows stay as history and are skipped by recovery.
		if err := sess.MarkReminderExecuted(ctx, id, a.clock.Now()); err != nil {
			return err
		}
		if !removed {
			// Already handed to a worker; the send may still go out.
			reply = fmt.Sprintf("reminder #%d is already due and may still be delivered; it will not fire again", id)
			return nil
		}
		reply = fmt.Sprintf("reminder #%d cancelled", id)
		return nil
	})
	if errors.Is(err, storage.ErrNotFound) {
		return req.Reply(ctx, fmt.Sprintf("reminder #%d not found", id), nil)
	}
	if err != nil {
		return fmt.Errorf("cancel reminder %d: %w", id, err)
	}
	return req.Reply(ctx, reply, nil)
}

func (a *App) cmdEvent(ctx context.Context, req *router.Request) error {
	when, title, _ := strings.Cut(req.ArgText, " ")
	title = strings.TrimSpace(title)
	if when == "" || title == "" {
		return req.Reply(ctx, "usage: /event <RFC3339> <title>", nil)
	}
	startsAt, err := time.Parse(time.RFC3339, when)
	if err != nil {
		return req.Reply(ctx, "start time must be RFC 3339, e.g. 2024-06-01T20:00:00+07:00", nil)
	}
	if !startsAt.After(a.clock.Now()) {
		return req.Reply(ctx, errPastTime.Error(), nil)
	}

	appt := storage.Appointment{
		Title:     title,
		StartsAt:  startsAt,
		Chat:      storage.ChatRef{ChatID: req.Chat.ChatID, ThreadID: req.Chat.ThreadID},
		CreatedBy: req.FromID,
	}
	err = a.withSession(ctx, func(sess *storage.Session) error {
		appt.ID, err = sess.CreateAppointment(ctx, appt)
		return err
	})
	if err != nil {
		return fmt.Errorf("save appointment: %w", err)
	}
	// A manual calendar run arms the notice now instead of at the next tick.
	if _, err := a.sched.Enqueue(job.Refresh{Driver: job.RefreshCalendar, Manual: true}, a.clock.Now()); err != nil {
		req.Logger.Warn("calendar refresh not queued; notice waits for the next tick", logx.Err(err))
	}

	b := tgui.New().
		Title("📅", fmt.Sprintf("Appointment #%d added", appt.ID)).
		KV("title", title).
		KV("starts", a.formatTime(startsAt))
	return req.ReplyHTML(ctx, b.String())
}

func (a *App) cmdJobs(ctx context.Context, req *router.Request) error {
	now := a.clock.Now()
	ss := a.sched.Snapshot(10)
	es := a.engine.Snapshot()

	b := tgui.New().Title("🗓", "Jobs")
	b.KV("scheduler", fmt.Sprintf("running=%t pending=%d ready=%d dispatched=%d violations=%d", ss.Running, ss.Pending, ss.Ready, ss.Dispatched, ss.Violations))
	if !ss.Heartbeat.IsZero() {
		b.KV("heartbeat", time.Since(ss.Heartbeat).Round(time.Second).String()+" ago")
	}
	b.KV("engine", fmt.Sprintf("workers=%d queue=%d/%d in_flight=%d", es.Workers, es.QueueLen, es.QueueCap, es.InFlight))
	b.KV("results", fmt.Sprintf("ok=%d failed=%d panicked=%d overdue=%d", es.Completed, es.Failed, es.Panicked, es.Overdue))
	gc := a.sup.Counters()
	b.KV("goroutines", fmt.Sprintf("active=%d restarts=%d", gc.Active, gc.Restarts))

	if len(ss.Upcoming) > 0 {
		b.Blank().Raw(tgui.B("Upcoming"))
		for _, e := range ss.Upcoming {
			b.Item(tgui.JoinH(" ",
				tgui.Esc(a.formatTime(e.DueAt)),
				tgui.Esc("(in "+e.DueAt.Sub(now).Round(time.Second).String()+")"),
				tgui.Esc(e.Description),
			))
		}
	}
	if n := len(es.History); n > 0 {
		b.Blank().Raw(tgui.B("Recent"))
		for i := n - 1; i >= 0 && i >= n-5; i-- {
			h := es.History[i]
			status := "ok"
			if h.Error != "" {
				status = "failed: " + tgui.TruncRunes(h.Error, 60)
			}
			b.Item(tgui.JoinH(" ",
				tgui.Code(h.Name),
				tgui.Esc(h.Duration.Round(time.Millisecond).String()),
				tgui.Esc(status),
			))
		}
	}
	return req.ReplyHTML(ctx, b.String())
}

func (a *App) cmdRefresh(ctx context.Context, req *router.Request) error {
	if len(req.Args) != 1 {
		return req.Reply(ctx, "usage: /refresh <calendar|ranks|logimport>", nil)
	}
	kind, err := job.ParseRefreshKind(strings.ToLower(req.Args[0]))
	if err != nil {
		return req.Reply(ctx, "unknown driver; use calendar, ranks or logimport", nil)
	}
	// Manual runs get a fresh id, so the armed tick stays in place.
	id, err := a.sched.Enqueue(job.Refresh{Driver: kind, Manual: true}, a.clock.Now())
	if err != nil {
		return fmt.Errorf("queue %s refresh: %w", kind, err)
	}
	return req.ReplyHTML(ctx, tgui.JoinH(" ", tgui.Esc(string(kind)+" refresh queued"), tgui.Code(id)).String())
}

func (a *App) cmdRanks(ctx context.Context, req *router.Request) error {
	n := defaultRanks
	if len(req.Args) > 0 {
		v, err := strconv.Atoi(req.Args[0])
		if err != nil || v <= 0 {
			return req.Reply(ctx, "usage: /ranks [n]", nil)
		}
		n = min(v, maxRanks)
	}
	var ranks []storage.MemberRank
	err := a.withSession(ctx, func(sess *storage.Session) (err error) {
		ranks, err = sess.ListRanks(ctx, n)
		return err
	})
	if err != nil {
		return fmt.Errorf("list ranks: %w", err)
	}
	if len(ranks) == 0 {
		return req.ReplyHTML(ctx, tgui.I("no ranks yet").String())
	}
	b := tgui.New().Title("🏆", fmt.Sprintf("Top %d by attendance", len(ranks)))
	for _, r := range ranks {
		b.Item(tgui.JoinH(" ",
			tgui.B(strconv.Itoa(r.Rank)+"."),
			tgui.Esc(r.Member),
			tgui.Esc(fmt.Sprintf("(%d)", r.Attendance)),
		))
	}
	b.Line("as of " + a.formatTime(ranks[0].ComputedAt))
	return req.ReplyHTML(ctx, b.String())
}
