package storage

import (
	"context"
	"database/sql"
	"fmt"
	"sync/atomic"

	logx "guildbot/pkg/logx"
)

// Store owns the connection pool. It is safe for concurrent use.
type Store struct {
	db     *sql.DB
	log    logx.Logger
	closed atomic.Bool
}

// Open opens (and migrates) the SQLite database at cfg.Path.
func Open(cfg Config, log logx.Logger) (*Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	db, err := openSQLite(cfg, log)
	if err != nil {
		return nil, err
	}
	return &Store{db: db, log: log}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil || !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	return s.db.Close()
}

// Acquire reserves one pooled connection for the caller. The caller must
// Close the session to hand the connection back.
func (s *Store) Acquire(ctx context.Context) (*Session, error) {
	if s == nil || s.db == nil || s.closed.Load() {
		return nil, ErrClosed
	}
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire conn: %w", err)
	}
	return &Session{conn: conn}, nil
}

// PendingReminders returns every reminder not yet executed, past-due rows included.
func (s *Store) PendingReminders(ctx context.Context) ([]Reminder, error) {
	sess, err := s.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer sess.Close()
	return sess.ListPendingReminders(ctx, 0)
}

// PendingAppointments returns appointments with a derived schedule that are
// not retracted yet.
func (s *Store) PendingAppointments(ctx context.Context) ([]Appointment, error) {
	sess, err := s.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer sess.Close()
	return sess.PendingAppointments(ctx)
}
