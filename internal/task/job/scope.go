package job

import (
	"context"
	"errors"
	"sync"
	"time"

	"guildbot/internal/storage"
	kit "guildbot/internal/transport"
	"guildbot/internal/task/clock"
	logx "guildbot/pkg/logx"
)

// Session is the repository surface a job may use. It is bound to one
// connection for the lifetime of a scope.
type Session interface {
	GetReminder(ctx context.Context, id int64) (storage.Reminder, error)
	MarkReminderExecuted(ctx context.Context, id int64, at time.Time) error

	GetAppointment(ctx context.Context, id int64) (storage.Appointment, error)
	AppointmentsStartingBetween(ctx context.Context, from, to time.Time) ([]storage.Appointment, error)
	SetAppointmentSchedule(ctx context.Context, id int64, notifyAt, retractAt time.Time) error
	SetAppointmentPosted(ctx context.Context, id int64, messageID int) error
	MarkAppointmentRetracted(ctx context.Context, id int64) error

	AttendanceCounts(ctx context.Context, since time.Time) ([]storage.AttendanceCount, error)
	ReplaceRanks(ctx context.Context, ranks []storage.MemberRank) error

	LatestImportedAt(ctx context.Context) (time.Time, bool, error)
	UpsertReport(ctx context.Context, r storage.LogReport) error
}

type Chat interface {
	SendText(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error)
	DeleteMessage(ctx context.Context, ref kit.MessageRef) error
}

type Connector interface {
	FetchReports(ctx context.Context, since time.Time) ([]storage.LogReport, error)
}

// Enqueuer is the scheduler surface jobs use to arm further entries.
type Enqueuer interface {
	Enqueue(j Job, dueAt time.Time) (string, error)
	Cancel(id string) bool
}

// Planner answers when a recurring driver should next run.
type Planner interface {
	Next(kind RefreshKind, after time.Time) (time.Time, bool)
}

// Settings are the driver knobs read at execution time.
type Settings struct {
	CalendarHorizon time.Duration
	NotifyLead      time.Duration
	RetractAfter    time.Duration
	RankWindow      time.Duration
	ImportLookback  time.Duration
}

// Scope holds the collaborators for one execution. It is never shared
// between executions and must be closed when the job returns.
type Scope struct {
	Session   Session
	Chat      Chat
	Connector Connector
	Enqueuer  Enqueuer
	Planner   Planner
	Settings  Settings
	Clock     clock.Clock
	Log       logx.Logger

	mu      sync.Mutex
	closers []func() error
	closed  bool
}

func (s *Scope) Now() time.Time {
	if s.Clock == nil {
		return time.Now()
	}
	return s.Clock.Now()
}

// OnClose registers fn to run on Close, in reverse registration order.
func (s *Scope) OnClose(fn func() error) {
	if fn == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		_ = fn()
		return
	}
	s.closers = append(s.closers, fn)
}

// Close releases everything the scope acquired. It is idempotent.
func (s *Scope) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	closers := s.closers
	s.closers = nil
	s.mu.Unlock()

	var errs []error
	for i := len(closers) - 1; i >= 0; i-- {
		if err := closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (s *Scope) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Meta identifies the execution a scope is opened for.
type Meta struct {
	EntryID string
	Kind    string
	DueAt   time.Time
}

// Provider opens a fresh scope per execution.
type Provider interface {
	Open(ctx context.Context, meta Meta) (*Scope, error)
}

type ProviderFunc func(ctx context.Context, meta Meta) (*Scope, error)

func (f ProviderFunc) Open(ctx context.Context, meta Meta) (*Scope, error) { return f(ctx, meta) }

// Deps are the long-lived collaborators a Provider hands out.
// Acquire is called once per scope; the returned release runs on Close.
type Deps struct {
	Acquire   func(ctx context.Context) (Session, func() error, error)
	Chat      Chat
	Connector Connector
	Enqueuer  Enqueuer
	Planner   Planner
	Settings  func() Settings
	Clock     clock.Clock
	Log       logx.Logger
}

// NewProvider builds a Provider that acquires a dedicated session per scope.
func NewProvider(d Deps) Provider {
	if d.Clock == nil {
		d.Clock = clock.Real()
	}
	if d.Log.IsZero() {
		d.Log = logx.Nop()
	}
	return ProviderFunc(func(ctx context.Context, meta Meta) (*Scope, error) {
		sc := &Scope{
			Chat:      d.Chat,
			Connector: d.Connector,
			Enqueuer:  d.Enqueuer,
			Planner:   d.Planner,
			Clock:     d.Clock,
			Log:       d.Log.With(logx.String("entry", meta.EntryID), logx.String("kind", meta.Kind)),
		}
		if d.Settings != nil {
			sc.Settings = d.Settings()
		}
		if d.Acquire != nil {
			sess, release, err := d.Acquire(ctx)
			if err != nil {
				return nil, err
			}
			sc.Session = sess
			sc.OnClose(release)
		}
		return sc, nil
	})
}
