package engine

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"guildbot/internal/eventbus"
	logx "guildbot/pkg/logx"
)

func (s *Service) worker(ctx context.Context, stopCh <-chan struct{}, queue chan queuedTask) {
	for {
		// A closed stopCh wins over queued work.
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		default:
		}

		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case t := <-queue:
			s.inFlight.Add(1)
			s.execOne(ctx, t)
			s.inFlight.Add(-1)
		}
	}
}

func (s *Service) execOne(ctx context.Context, qt queuedTask) {
	start := time.Now()
	queueDelay := max(start.Sub(qt.enqueuedAt), 0)

	s.mu.Lock()
	cfg := s.cfg
	s.mu.Unlock()

	t := qt.task
	log := s.log.With(logx.String("entry", t.ID), logx.String("kind", t.Name))
	log.Debug("job.started", logx.Duration("queue_delay", queueDelay))
	s.publish(eventbus.JobStarted, start, TaskEvent{ID: t.ID, Name: t.Name, Started: start, QueueDelay: queueDelay})

	if cfg.WatchdogAfter > 0 {
		wd := time.AfterFunc(cfg.WatchdogAfter, func() {
			s.overdue.Add(1)
			log.Warn("job still running", logx.Duration("running", time.Since(start)), logx.Duration("watchdog", cfg.WatchdogAfter))
		})
		defer wd.Stop()
	}

	err := s.runGuarded(ctx, t)

	dur := time.Since(start)
	item := HistoryItem{ID: t.ID, Name: t.Name, Started: start, QueueDelay: queueDelay, Duration: dur}
	if err != nil {
		item.Error = err.Error()
		s.failed.Add(1)
		var pe *PanicError
		if errors.As(err, &pe) {
			s.panicked.Add(1)
			log.Error("job.panicked", logx.Any("panic", pe.Value), logx.Stack(pe.Stack), logx.Duration("dur", dur))
		} else {
			log.Error("job.failed", logx.Err(err), logx.Duration("dur", dur))
		}
		s.publish(eventbus.JobFailed, time.Now(), TaskEvent{ID: t.ID, Name: t.Name, Started: start, QueueDelay: queueDelay, Duration: dur, Error: item.Error})
	} else {
		s.completed.Add(1)
		if dur >= 750*time.Millisecond {
			log.Info("job.finished", logx.Duration("queue_delay", queueDelay), logx.Duration("dur", dur))
		} else {
			log.Debug("job.finished", logx.Duration("queue_delay", queueDelay), logx.Duration("dur", dur))
		}
		s.publish(eventbus.JobFinished, time.Now(), TaskEvent{ID: t.ID, Name: t.Name, Started: start, QueueDelay: queueDelay, Duration: dur})
	}
	s.record(item, cfg.HistorySize)
}

// runGuarded turns a panic into a *PanicError so one bad task can't kill a worker.
func (s *Service) runGuarded(ctx context.Context, t Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Value: r, Stack: string(debug.Stack())}
		}
	}()
	return t.Run(ctx)
}

func formatPanic(v any) string {
	if err, ok := v.(error); ok {
		return err.Error()
	}
	return fmt.Sprint(v)
}
