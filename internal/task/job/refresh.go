package job

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"guildbot/internal/storage"
	logx "guildbot/pkg/logx"
)

// Execute re-arms the driver for its next tick first, so a failing run still
// fires next period, then does the driver's own work. Manual runs skip the re-arm.
func (j Refresh) Execute(ctx context.Context, sc *Scope) error {
	if !j.Driver.Valid() {
		return fmt.Errorf("%w: refresh %q", ErrUnknownKind, j.Driver)
	}
	if !j.Manual {
		j.rearm(sc)
	}

	if sc.Session == nil {
		return fmt.Errorf("refresh %s: %w", j.Driver, ErrUnavailable)
	}
	switch j.Driver {
	case RefreshCalendar:
		return refreshCalendar(ctx, sc)
	case RefreshRanks:
		return refreshRanks(ctx, sc)
	case RefreshLogImport:
		return importLogs(ctx, sc)
	}
	return nil
}

func (j Refresh) rearm(sc *Scope) {
	if sc.Planner == nil || sc.Enqueuer == nil {
		return
	}
	next, ok := sc.Planner.Next(j.Driver, sc.Now())
	if !ok {
		return
	}
	if _, err := sc.Enqueuer.Enqueue(j, next); err != nil {
		sc.Log.Warn("re-arm failed", logx.String("driver", string(j.Driver)), logx.Err(err))
		return
	}
	sc.Log.Debug("driver re-armed", logx.String("driver", string(j.Driver)), logx.Time("next", next))
}

// refreshCalendar derives the notice schedule for appointments inside the
// horizon and arms one post and one retract entry per appointment.
func refreshCalendar(ctx context.Context, sc *Scope) error {
	if sc.Enqueuer == nil {
		return fmt.Errorf("calendar refresh: %w", ErrUnavailable)
	}
	now := sc.Now()
	cfg := sc.Settings
	appts, err := sc.Session.AppointmentsStartingBetween(ctx, now, now.Add(cfg.CalendarHorizon))
	if err != nil {
		return fmt.Errorf("list appointments: %w", err)
	}

	var errs []error
	armed := 0
	for _, a := range appts {
		notifyAt := a.StartsAt.Add(-cfg.NotifyLead)
		retractAt := a.StartsAt.Add(cfg.RetractAfter)
		if err := sc.Session.SetAppointmentSchedule(ctx, a.ID, notifyAt, retractAt); err != nil {
			errs = append(errs, fmt.Errorf("appointment %d: %w", a.ID, err))
			continue
		}
		if !a.IsPosted {
			if _, err := sc.Enqueuer.Enqueue(NotificationPost{AppointmentID: a.ID}, notifyAt); err != nil {
				errs = append(errs, err)
				continue
			}
			armed++
		}
		if _, err := sc.Enqueuer.Enqueue(NotificationRetract{AppointmentID: a.ID}, retractAt); err != nil {
			errs = append(errs, err)
			continue
		}
		armed++
	}
	sc.Log.Info("calendar refreshed", logx.Int("appointments", len(appts)), logx.Int("armed", armed))
	return errors.Join(errs...)
}

// refreshRanks ranks members by attendance inside the window, most
// attended first and ties by name.
func refreshRanks(ctx context.Context, sc *Scope) error {
	now := sc.Now()
	counts, err := sc.Session.AttendanceCounts(ctx, now.Add(-sc.Settings.RankWindow))
	if err != nil {
		return fmt.Errorf("attendance counts: %w", err)
	}
	ranks := RankMembers(counts, now)
	if err := sc.Session.ReplaceRanks(ctx, ranks); err != nil {
		return fmt.Errorf("replace ranks: %w", err)
	}
	sc.Log.Info("ranks recomputed", logx.Int("members", len(ranks)))
	return nil
}

// RankMembers orders counts and assigns 1-based ranks.
func RankMembers(counts []storage.AttendanceCount, at time.Time) []storage.MemberRank {
	sorted := append([]storage.AttendanceCount(nil), counts...)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].Count != sorted[j].Count {
			return sorted[i].Count > sorted[j].Count
		}
		return sorted[i].Member < sorted[j].Member
	})
	out := make([]storage.MemberRank, 0, len(sorted))
	for i, c := range sorted {
		out = append(out, storage.MemberRank{Member: c.Member, Attendance: c.Count, Rank: i + 1, ComputedAt: at})
	}
	return out
}

// importLogs pulls reports newer than the latest stored one.
func importLogs(ctx context.Context, sc *Scope) error {
	if sc.Connector == nil {
		return fmt.Errorf("log import: %w", ErrUnavailable)
	}
	since, ok, err := sc.Session.LatestImportedAt(ctx)
	if err != nil {
		return fmt.Errorf("latest import: %w", err)
	}
	if !ok {
		since = sc.Now().Add(-sc.Settings.ImportLookback)
	}
	reports, err := sc.Connector.FetchReports(ctx, since)
	if err != nil {
		return fmt.Errorf("fetch reports: %w", err)
	}
	var errs []error
	for _, r := range reports {
		if err := sc.Session.UpsertReport(ctx, r); err != nil {
			errs = append(errs, fmt.Errorf("report %s: %w", r.ReportID, err))
		}
	}
	sc.Log.Info("logs imported", logx.Int("reports", len(reports)), logx.Time("since", since))
	return errors.Join(errs...)
}
