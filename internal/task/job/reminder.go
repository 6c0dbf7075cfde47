package job

import (
	"context"
	"fmt"
	"strings"

	"guildbot/internal/storage"
	kit "guildbot/internal/transport"
	logx "guildbot/pkg/logx"
)

// Execute sends the reminder and then marks the row executed. A crash between
// the two steps re-sends on the next boot.
func (j Reminder) Execute(ctx context.Context, sc *Scope) error {
	if sc.Session == nil || sc.Chat == nil {
		return fmt.Errorf("reminder %d: %w", j.ReminderID, ErrUnavailable)
	}
	r, err := sc.Session.GetReminder(ctx, j.ReminderID)
	if err != nil {
		return fmt.Errorf("load reminder: %w", err)
	}
	if r.IsExecuted {
		sc.Log.Debug("reminder already executed", logx.Int64("reminder", r.ID))
		return nil
	}

	to := kit.ChatTarget{ChatID: r.Chat.ChatID, ThreadID: r.Chat.ThreadID}
	if _, err := sc.Chat.SendText(ctx, to, FormatReminder(r), nil); err != nil {
		return fmt.Errorf("send reminder %d: %w", r.ID, err)
	}
	if err := sc.Session.MarkReminderExecuted(ctx, r.ID, sc.Now()); err != nil {
		return fmt.Errorf("mark reminder %d executed: %w", r.ID, err)
	}
	sc.Log.Info("reminder sent", logx.Int64("reminder", r.ID), logx.Int64("chat", r.Chat.ChatID))
	return nil
}

// FormatReminder renders the chat text for a reminder.
func FormatReminder(r storage.Reminder) string {
	var b strings.Builder
	b.WriteString("⏰ Reminder")
	if u := strings.TrimSpace(r.Username); u != "" {
		b.WriteString(" for @")
		b.WriteString(strings.TrimPrefix(u, "@"))
	}
	b.WriteString(": ")
	b.WriteString(r.Message)
	return b.String()
}
