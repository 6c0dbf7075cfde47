package job

import (
	"context"
	"fmt"
	"html"
	"time"

	"guildbot/internal/storage"
	kit "guildbot/internal/transport"
	logx "guildbot/pkg/logx"
)

// Execute posts the appointment notice. Once the retract instant has passed
// the post is skipped and the appointment is only marked posted.
func (j NotificationPost) Execute(ctx context.Context, sc *Scope) error {
	if sc.Session == nil || sc.Chat == nil {
		return fmt.Errorf("appointment %d: %w", j.AppointmentID, ErrUnavailable)
	}
	a, err := sc.Session.GetAppointment(ctx, j.AppointmentID)
	if err != nil {
		return fmt.Errorf("load appointment: %w", err)
	}
	if a.IsPosted || a.IsRetracted {
		return nil
	}

	now := sc.Now()
	if !a.RetractAt.IsZero() && !now.Before(a.RetractAt) {
		sc.Log.Info("notice window elapsed, skipping post", logx.Int64("appointment", a.ID), logx.Time("retract_at", a.RetractAt))
		return sc.Session.SetAppointmentPosted(ctx, a.ID, 0)
	}

	to := kit.ChatTarget{ChatID: a.Chat.ChatID, ThreadID: a.Chat.ThreadID}
	ref, err := sc.Chat.SendText(ctx, to, FormatAppointment(a, now), &kit.SendOptions{ParseMode: "HTML", DisablePreview: true})
	if err != nil {
		return fmt.Errorf("post appointment %d: %w", a.ID, err)
	}
	if err := sc.Session.SetAppointmentPosted(ctx, a.ID, ref.MessageID); err != nil {
		return fmt.Errorf("mark appointment %d posted: %w", a.ID, err)
	}
	sc.Log.Info("appointment notice posted", logx.Int64("appointment", a.ID), logx.Int("message", ref.MessageID))
	return nil
}

// Execute deletes the posted notice (if any) and marks the appointment retracted.
func (j NotificationRetract) Execute(ctx context.Context, sc *Scope) error {
	if sc.Session == nil || sc.Chat == nil {
		return fmt.Errorf("appointment %d: %w", j.AppointmentID, ErrUnavailable)
	}
	a, err := sc.Session.GetAppointment(ctx, j.AppointmentID)
	if err != nil {
		return fmt.Errorf("load appointment: %w", err)
	}
	if a.IsRetracted {
		return nil
	}
	if a.MessageID != 0 {
		ref := kit.MessageRef{ChatID: a.Chat.ChatID, ThreadID: a.Chat.ThreadID, MessageID: a.MessageID}
		if err := sc.Chat.DeleteMessage(ctx, ref); err != nil {
			return fmt.Errorf("delete notice for appointment %d: %w", a.ID, err)
		}
	}
	if err := sc.Session.MarkAppointmentRetracted(ctx, a.ID); err != nil {
		return fmt.Errorf("mark appointment %d retracted: %w", a.ID, err)
	}
	sc.Log.Info("appointment notice retracted", logx.Int64("appointment", a.ID))
	return nil
}

// FormatAppointment renders the HTML notice for an appointment.
func FormatAppointment(a storage.Appointment, now time.Time) string {
	in := a.StartsAt.Sub(now).Round(time.Minute)
	when := "now"
	if in > 0 {
		when = "in " + in.String()
	}
	return fmt.Sprintf("📅 <b>%s</b> starts %s (%s UTC)",
		html.EscapeString(a.Title), when, a.StartsAt.UTC().Format("Mon 02 Jan 15:04"))
}
