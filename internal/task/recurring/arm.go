package recurring

import (
	"fmt"
	"time"

	"guildbot/internal/task/job"
	logx "guildbot/pkg/logx"
)

// Arm enqueues the next natural tick of every enabled driver. Ticks missed
// while the process was down are not caught up.
func Arm(enq job.Enqueuer, p *Plan, now time.Time, log logx.Logger) ([]string, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	var ids []string
	for _, kind := range p.Enabled() {
		next, ok := p.Next(kind, now)
		if !ok {
			continue
		}
		id, err := enq.Enqueue(job.Refresh{Driver: kind}, next)
		if err != nil {
			return ids, fmt.Errorf("arm %s: %w", kind, err)
		}
		ids = append(ids, id)
		raw, _ := p.Schedule(kind)
		log.Info("driver armed",
			logx.String("driver", string(kind)),
			logx.String("schedule", raw),
			logx.String("next", p.Preview(kind, now, 3)),
		)
	}
	return ids, nil
}
