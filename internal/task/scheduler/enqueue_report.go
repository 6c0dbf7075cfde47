package scheduler

import (
	"context"
	"errors"
	"time"

	"guildbot/internal/task/engine"
	logx "guildbot/pkg/logx"
)

const submitWarnThrottle = 5 * time.Second

// reportSubmitError logs an entry the engine refused. Warnings are throttled
// per kind because a stopping engine refuses everything at once.
func (s *Service) reportSubmitError(kind, id string, err error) {
	if err == nil {
		return
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, engine.ErrStopping) || errors.Is(err, engine.ErrStopped) {
		s.log.Debug("entry dropped during shutdown", logx.String("entry", id), logx.String("kind", kind), logx.Err(err))
		return
	}

	now := time.Now()
	s.enqMu.Lock()
	last := s.lastEnqWarn[kind]
	if !last.IsZero() && now.Sub(last) < submitWarnThrottle {
		s.enqMu.Unlock()
		return
	}
	s.lastEnqWarn[kind] = now
	s.enqMu.Unlock()

	s.log.Warn("entry could not be submitted", logx.String("entry", id), logx.String("kind", kind), logx.Err(err))
}
