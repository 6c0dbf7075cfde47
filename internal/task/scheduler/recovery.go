package scheduler

import (
	"context"
	"fmt"
	"time"

	"guildbot/internal/storage"
	"guildbot/internal/task/job"
	logx "guildbot/pkg/logx"
)

// RecoverySource lists persisted triggers that still need an entry.
// *storage.Store implements it.
type RecoverySource interface {
	PendingReminders(ctx context.Context) ([]storage.Reminder, error)
	PendingAppointments(ctx context.Context) ([]storage.Appointment, error)
}

// RecoveryReport counts the entries Recover enqueued.
type RecoveryReport struct {
	Reminders int
	Posts     int
	Retracts  int
	Overdue   int
}

func (r RecoveryReport) Total() int { return r.Reminders + r.Posts + r.Retracts }

// Recover rebuilds entries for persisted triggers. Past-due triggers are
// clamped to now and fire on the next loop cycle. Entry ids are derived from
// the rows, so running it twice leaves one entry per trigger.
func (s *Service) Recover(ctx context.Context, src RecoverySource) (RecoveryReport, error) {
	var rep RecoveryReport
	now := s.clock.Now()
	clamp := func(t time.Time) time.Time {
		if t.Before(now) {
			rep.Overdue++
			return now
		}
		return t
	}

	reminders, err := src.PendingReminders(ctx)
	if err != nil {
		return rep, fmt.Errorf("load reminders: %w", err)
	}
	for _, r := range reminders {
		if r.IsExecuted {
			continue
		}
		if _, err := s.Enqueue(job.Reminder{ReminderID: r.ID}, clamp(r.DueAt)); err != nil {
			return rep, fmt.Errorf("recover reminder %d: %w", r.ID, err)
		}
		rep.Reminders++
	}

	appts, err := src.PendingAppointments(ctx)
	if err != nil {
		return rep, fmt.Errorf("load appointments: %w", err)
	}
	for _, a := range appts {
		if a.IsRetracted {
			continue
		}
		windowOver := !a.RetractAt.IsZero() && !a.RetractAt.After(now)
		if !a.IsPosted && !a.NotifyAt.IsZero() && !windowOver {
			if _, err := s.Enqueue(job.NotificationPost{AppointmentID: a.ID}, clamp(a.NotifyAt)); err != nil {
				return rep, fmt.Errorf("recover appointment %d post: %w", a.ID, err)
			}
			rep.Posts++
		}
		if !a.RetractAt.IsZero() {
			if _, err := s.Enqueue(job.NotificationRetract{AppointmentID: a.ID}, clamp(a.RetractAt)); err != nil {
				return rep, fmt.Errorf("recover appointment %d retract: %w", a.ID, err)
			}
			rep.Retracts++
		}
	}

	s.log.Info("recovery done",
		logx.Int("reminders", rep.Reminders),
		logx.Int("posts", rep.Posts),
		logx.Int("retracts", rep.Retracts),
		logx.Int("overdue", rep.Overdue),
	)
	return rep, nil
}
