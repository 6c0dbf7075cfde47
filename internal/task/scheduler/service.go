package scheduler

import (
	"context"
	"fmt"
	"time"

	"guildbot/internal/eventbus"
	rtsup "guildbot/internal/runtime/supervisor"
	"guildbot/internal/task/clock"
	"guildbot/internal/task/engine"
	"guildbot/internal/task/job"
	logx "guildbot/pkg/logx"
)

func New(cfg Config, exec Executor, provider job.Provider, log logx.Logger, bus eventbus.Bus, opts ...Option) *Service {
	if cfg.MaxIdle <= 0 {
		cfg.MaxIdle = defaultMaxIdle
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	if bus == nil {
		bus = eventbus.Nop()
	}
	s := &Service{
		cfg:         cfg,
		q:           newQueue(),
		wakeCh:      make(chan struct{}, 1),
		readyCh:     make(chan struct{}, 1),
		clock:       clock.Real(),
		log:         log,
		bus:         bus,
		exec:        exec,
		provider:    provider,
		lastEnqWarn: map[string]time.Time{},
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Start launches the dispatch loop and the feeder that hands ready entries to
// the executor. A panicking goroutine is restarted by the supervisor; the
// queue survives the restart.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	if s.sup != nil || s.closed {
		s.mu.Unlock()
		return
	}
	s.sup = rtsup.New(ctx, rtsup.WithLogger(s.log))
	sup := s.sup
	pending := s.q.Len()
	s.mu.Unlock()

	sup.GoRestart("dispatch", s.run, rtsup.WithRestartBackoff(100*time.Millisecond, 5*time.Second))
	sup.GoRestart("dispatch.feed", s.feed, rtsup.WithRestartBackoff(100*time.Millisecond, 5*time.Second))
	s.log.Info("scheduler started", logx.Int("pending", pending), logx.Duration("max_idle", s.cfg.MaxIdle), logx.Bool("strict", s.cfg.Strict))
}

// Stop ends the loop. Pending entries are dropped from memory; persisted
// triggers come back through recovery on the next boot.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	sup := s.sup
	pending := s.q.Len()
	s.mu.Unlock()

	if sup == nil {
		return nil
	}
	err := sup.Stop(ctx)
	s.mu.Lock()
	unsent := len(s.ready)
	s.ready = nil
	s.mu.Unlock()
	s.log.Info("scheduler stopped", logx.Int("pending", pending), logx.Int("unsent", unsent))
	return err
}

// Heartbeat reports when the loop last completed a cycle.
func (s *Service) Heartbeat() time.Time {
	ns := s.heartbeat.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

func (s *Service) run(ctx context.Context) error {
	for {
		s.heartbeat.Store(time.Now().UnixNano())
		s.drain(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		s.mu.Lock()
		now := s.clock.Now()
		wakeAt := now.Add(s.cfg.MaxIdle)
		if head := s.q.Peek(); head != nil && head.DueAt.Before(wakeAt) {
			wakeAt = head.DueAt
		}
		s.mu.Unlock()

		// An Insert after the unlock that becomes the new head leaves a
		// token in wakeCh, so it cannot be missed here.
		t := s.clock.TimerAt(wakeAt)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-s.wakeCh:
			t.Stop()
		case <-t.C():
		}
	}
}

// drain dispatches every entry due at the current time, in order.
func (s *Service) drain(ctx context.Context) {
	for ctx.Err() == nil {
		s.mu.Lock()
		e, err := s.q.PopDue(s.clock.Now())
		s.mu.Unlock()

		if err != nil {
			s.violation(err.Error(), e)
			continue
		}
		if e == nil {
			return
		}
		if e.Job == nil {
			s.violation("entry without a job", e)
			continue
		}
		s.dispatch(e)
	}
}

// dispatch moves a popped entry onto the ready list. It never blocks, so the
// loop keeps its heartbeat while the executor is saturated.
func (s *Service) dispatch(e *Entry) {
	s.dispatched.Add(1)
	kind := e.Job.Kind()
	s.log.Debug("entry dispatched", logx.String("entry", e.ID), logx.String("kind", kind), logx.Time("due_at", e.DueAt))
	s.bus.Publish(eventbus.Event{Type: eventbus.EntryDispatched, Data: EntryEvent{ID: e.ID, Kind: kind, DueAt: e.DueAt}})

	s.mu.Lock()
	s.ready = append(s.ready, e)
	s.mu.Unlock()
	select {
	case s.readyCh <- struct{}{}:
	default:
	}
}

// feed hands ready entries to the executor in dispatch order. Submit blocks
// while the pool is saturated and never drops; only this goroutine waits on it.
func (s *Service) feed(ctx context.Context) error {
	for {
		s.mu.Lock()
		var e *Entry
		if len(s.ready) > 0 {
			e = s.ready[0]
			s.ready[0] = nil
			s.ready = s.ready[1:]
		}
		s.mu.Unlock()

		if e == nil {
			// An append after the unlock leaves a token in readyCh.
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-s.readyCh:
			}
			continue
		}
		s.submit(ctx, e)
	}
}

func (s *Service) submit(ctx context.Context, e *Entry) {
	kind := e.Job.Kind()
	if s.exec == nil {
		s.reportSubmitError(kind, e.ID, fmt.Errorf("no executor"))
		return
	}
	if err := s.exec.Submit(ctx, engine.Task{ID: e.ID, Name: kind, Run: s.execution(e)}); err != nil {
		s.reportSubmitError(kind, e.ID, err)
	}
}

// execution wraps the job in a fresh scope that is closed on every exit path.
func (s *Service) execution(e *Entry) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		if s.provider == nil {
			return fmt.Errorf("open scope: %w", job.ErrUnavailable)
		}
		sc, err := s.provider.Open(ctx, job.Meta{EntryID: e.ID, Kind: e.Job.Kind(), DueAt: e.DueAt})
		if err != nil {
			return fmt.Errorf("open scope: %w", err)
		}
		defer func() {
			if err := sc.Close(); err != nil {
				s.log.Warn("scope close failed", logx.String("entry", e.ID), logx.Err(err))
			}
		}()
		if sc.Enqueuer == nil {
			sc.Enqueuer = s
		}
		if sc.Clock == nil {
			sc.Clock = s.clock
		}
		if sc.Log.IsZero() {
			sc.Log = s.log.With(logx.String("entry", e.ID), logx.String("kind", e.Job.Kind()))
		}
		return e.Job.Execute(ctx, sc)
	}
}

// violation fails loudly in strict mode; otherwise the entry is logged and skipped.
func (s *Service) violation(msg string, e *Entry) {
	s.violations.Add(1)
	fields := []logx.Field{logx.String("violation", msg)}
	if e != nil {
		fields = append(fields, logx.String("entry", e.ID), logx.Time("due_at", e.DueAt))
	}
	if s.cfg.Strict {
		panic("scheduler: " + msg)
	}
	s.log.Error("queue invariant violated; entry skipped", fields...)
}
