package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
)

// Session is a set of repositories bound to one dedicated connection.
// It is not safe for concurrent use.
type Session struct {
	conn *sql.Conn
	once sync.Once
	err  error
}

// Close returns the connection to the pool. It is idempotent.
func (s *Session) Close() error {
	if s == nil || s.conn == nil {
		return nil
	}
	s.once.Do(func() { s.err = s.conn.Close() })
	return s.err
}

// reminders

const reminderCols = `id, due_at, chat_id, thread_id, user_id, username, message, is_executed, created_at, executed_at`

func scanReminder(sc interface{ Scan(...any) error }) (Reminder, error) {
	var (
		r        Reminder
		due, cr  int64
		executed int
		exAt     sql.NullInt64
	)
	if err := sc.Scan(&r.ID, &due, &r.Chat.ChatID, &r.Chat.ThreadID, &r.UserID, &r.Username, &r.Message, &executed, &cr, &exAt); err != nil {
		return Reminder{}, err
	}
	r.DueAt = fromMilli(due)
	r.CreatedAt = fromMilli(cr)
	r.IsExecuted = executed != 0
	r.ExecutedAt = fromNullMilli(exAt)
	return r, nil
}

func (s *Session) CreateReminder(ctx context.Context, r Reminder) (int64, error) {
	if strings.TrimSpace(r.Message) == "" {
		return 0, errors.New("reminder message is empty")
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now()
	}
	res, err := s.conn.ExecContext(ctx,
		`INSERT INTO reminders(due_at, chat_id, thread_id, user_id, username, message, is_executed, created_at)
		 VALUES(?,?,?,?,?,?,0,?)`,
		unixMilli(r.DueAt), r.Chat.ChatID, r.Chat.ThreadID, r.UserID, r.Username, r.Message, unixMilli(r.CreatedAt),
	)
	if err != nil {
		return 0, fmt.Errorf("insert reminder: %w", err)
	}
	return res.LastInsertId()
}

func (s *Session) GetReminder(ctx context.Context, id int64) (Reminder, error) {
	row := s.conn.QueryRowContext(ctx, `SELECT `+reminderCols+` FROM reminders WHERE id = ?`, id)
	r, err := scanReminder(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Reminder{}, fmt.Errorf("reminder %d: %w", id, ErrNotFound)
	}
	return r, err
}

// ListPendingReminders lists unexecuted reminders ordered by due time.
// userID 0 lists every user.
func (s *Session) ListPendingReminders(ctx context.Context, userID int64) ([]Reminder, error) {
	q := `SELECT ` + reminderCols + ` FROM reminders WHERE is_executed = 0`
	args := []any{}
	if userID != 0 {
		q += ` AND user_id = ?`
		args = append(args, userID)
	}
	q += ` ORDER BY due_at, id`
	rows, err := s.conn.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Reminder
	for rows.Next() {
		r, err := scanReminder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// MarkReminderExecuted flips is_executed. Marking an executed row again is a no-op.
func (s *Session) MarkReminderExecuted(ctx context.Context, id int64, at time.Time) error {
	res, err := s.conn.ExecContext(ctx,
		`UPDATE reminders SET is_executed = 1, executed_at = ? WHERE id = ? AND is_executed = 0`,
		unixMilli(at), id,
	)
	if err != nil {
		return fmt.Errorf("mark reminder %d: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}
	return s.exists(ctx, "reminders", "id", id)
}

// appointments

const appointmentCols = `id, title, starts_at, chat_id, thread_id, created_by, notify_at, retract_at, message_id, is_posted, is_retracted`

func scanAppointment(sc interface{ Scan(...any) error }) (Appointment, error) {
	var (
		a                 Appointment
		starts            int64
		notify, retract   sql.NullInt64
		posted, retracted int
	)
	if err := sc.Scan(&a.ID, &a.Title, &starts, &a.Chat.ChatID, &a.Chat.ThreadID, &a.CreatedBy, &notify, &retract, &a.MessageID, &posted, &retracted); err != nil {
		return Appointment{}, err
	}
	a.StartsAt = fromMilli(starts)
	a.NotifyAt = fromNullMilli(notify)
	a.RetractAt = fromNullMilli(retract)
	a.IsPosted = posted != 0
	a.IsRetracted = retracted != 0
	return a, nil
}

func (s *Session) queryAppointments(ctx context.Context, q string, args ...any) ([]Appointment, error) {
	rows, err := s.conn.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Appointment
	for rows.Next() {
		a, err := scanAppointment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *Session) CreateAppointment(ctx context.Context, a Appointment) (int64, error) {
	if strings.TrimSpace(a.Title) == "" {
		return 0, errors.New("appointment title is empty")
	}
	res, err := s.conn.ExecContext(ctx,
		`INSERT INTO appointments(title, starts_at, chat_id, thread_id, created_by, notify_at, retract_at, message_id, is_posted, is_retracted)
		 VALUES(?,?,?,?,?,?,?,?,?,?)`,
		a.Title, unixMilli(a.StartsAt), a.Chat.ChatID, a.Chat.ThreadID, a.CreatedBy,
		nullTime(a.NotifyAt), nullTime(a.RetractAt), a.MessageID, boolInt(a.IsPosted), boolInt(a.IsRetracted),
	)
	if err != nil {
		return 0, fmt.Errorf("insert appointment: %w", err)
	}
	return res.LastInsertId()
}

func (s *Session) GetAppointment(ctx context.Context, id int64) (Appointment, error) {
	row := s.conn.QueryRowContext(ctx, `SELECT `+appointmentCols+` FROM appointments WHERE id = ?`, id)
	a, err := scanAppointment(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Appointment{}, fmt.Errorf("appointment %d: %w", id, ErrNotFound)
	}
	return a, err
}

// AppointmentsStartingBetween lists unretracted appointments with from <= starts_at < to.
func (s *Session) AppointmentsStartingBetween(ctx context.Context, from, to time.Time) ([]Appointment, error) {
	return s.queryAppointments(ctx,
		`SELECT `+appointmentCols+` FROM appointments
		 WHERE starts_at >= ? AND starts_at < ? AND is_retracted = 0
		 ORDER BY starts_at, id`,
		unixMilli(from), unixMilli(to),
	)
}

// PendingAppointments lists unretracted appointments whose notification
// schedule has already been derived.
func (s *Session) PendingAppointments(ctx context.Context) ([]Appointment, error) {
	return s.queryAppointments(ctx,
		`SELECT `+appointmentCols+` FROM appointments
		 WHERE is_retracted = 0 AND (retract_at IS NOT NULL OR (notify_at IS NOT NULL AND is_posted = 0))
		 ORDER BY id`,
	)
}

func (s *Session) SetAppointmentSchedule(ctx context.Context, id int64, notifyAt, retractAt time.Time) error {
	return s.updateOne(ctx, "appointments", id,
		`UPDATE appointments SET notify_at = ?, retract_at = ? WHERE id = ?`,
		nullTime(notifyAt), nullTime(retractAt), id,
	)
}

func (s *Session) SetAppointmentPosted(ctx context.Context, id int64, messageID int) error {
	return s.updateOne(ctx, "appointments", id,
		`UPDATE appointments SET is_posted = 1, message_id = ? WHERE id = ?`,
		messageID, id,
	)
}

func (s *Session) MarkAppointmentRetracted(ctx context.Context, id int64) error {
	return s.updateOne(ctx, "appointments", id,
		`UPDATE appointments SET is_retracted = 1 WHERE id = ?`,
		id,
	)
}

// ranks and logs

// AttendanceCounts counts attended logs per member for logs started at or after since.
func (s *Session) AttendanceCounts(ctx context.Context, since time.Time) ([]AttendanceCount, error) {
	rows, err := s.conn.QueryContext(ctx,
		`SELECT a.member, COUNT(*) FROM log_attendance a
		 JOIN imported_logs l ON l.report_id = a.report_id
		 WHERE l.started_at >= ?
		 GROUP BY a.member`,
		unixMilli(since),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []AttendanceCount
	for rows.Next() {
		var c AttendanceCount
		if err := rows.Scan(&c.Member, &c.Count); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// ReplaceRanks swaps the whole rank table in one transaction.
func (s *Session) ReplaceRanks(ctx context.Context, ranks []MemberRank) error {
	return s.tx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM member_ranks`); err != nil {
			return err
		}
		for _, r := range ranks {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO member_ranks(member, attendance, rank, computed_at) VALUES(?,?,?,?)`,
				r.Member, r.Attendance, r.Rank, unixMilli(r.ComputedAt),
			); err != nil {
				return fmt.Errorf("insert rank %q: %w", r.Member, err)
			}
		}
		return nil
	})
}

// ListRanks returns ranks in rank order. limit <= 0 returns all.
func (s *Session) ListRanks(ctx context.Context, limit int) ([]MemberRank, error) {
	q := `SELECT member, attendance, rank, computed_at FROM member_ranks ORDER BY rank, member`
	args := []any{}
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.conn.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []MemberRank
	for rows.Next() {
		var (
			r  MemberRank
			at int64
		)
		if err := rows.Scan(&r.Member, &r.Attendance, &r.Rank, &at); err != nil {
			return nil, err
		}
		r.ComputedAt = fromMilli(at)
		out = append(out, r)
	}
	return out, rows.Err()
}

// LatestImportedAt reports the start time of the newest imported log.
func (s *Session) LatestImportedAt(ctx context.Context) (time.Time, bool, error) {
	var ms sql.NullInt64
	if err := s.conn.QueryRowContext(ctx, `SELECT MAX(started_at) FROM imported_logs`).Scan(&ms); err != nil {
		return time.Time{}, false, err
	}
	if !ms.Valid {
		return time.Time{}, false, nil
	}
	return fromMilli(ms.Int64), true, nil
}

// UpsertReport stores a log and replaces its attendance rows.
func (s *Session) UpsertReport(ctx context.Context, r LogReport) error {
	id := strings.TrimSpace(r.ReportID)
	if id == "" {
		return errors.New("report id is empty")
	}
	return s.tx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO imported_logs(report_id, title, started_at, imported_at) VALUES(?,?,?,?)
			 ON CONFLICT(report_id) DO UPDATE SET title = excluded.title, started_at = excluded.started_at, imported_at = excluded.imported_at`,
			id, r.Title, unixMilli(r.StartedAt), unixMilli(time.Now()),
		); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM log_attendance WHERE report_id = ?`, id); err != nil {
			return err
		}
		for _, m := range r.Attendees {
			m = strings.TrimSpace(m)
			if m == "" {
				continue
			}
			if _, err := tx.ExecContext(ctx,
				`INSERT OR IGNORE INTO log_attendance(report_id, member) VALUES(?,?)`, id, m,
			); err != nil {
				return err
			}
		}
		return nil
	})
}

// helpers

func (s *Session) tx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func (s *Session) updateOne(ctx context.Context, table string, id int64, q string, args ...any) error {
	res, err := s.conn.ExecContext(ctx, q, args...)
	if err != nil {
		return fmt.Errorf("update %s %d: %w", table, id, err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}
	return s.exists(ctx, table, "id", id)
}

func (s *Session) exists(ctx context.Context, table, col string, id int64) error {
	var one int
	err := s.conn.QueryRowContext(ctx, `SELECT 1 FROM `+table+` WHERE `+col+` = ?`, id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s %d: %w", strings.TrimSuffix(table, "s"), id, ErrNotFound)
	}
	return err
}
