// Package recurring maps each recurring driver to its schedule and arms the
// first occurrence at boot. Later occurrences are armed by the drivers
// themselves when they run.
package recurring

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"guildbot/internal/task/job"

	"github.com/robfig/cron/v3"
)

var parser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

type schedule struct {
	raw  string
	spec ParsedSpec
	next cron.Schedule
}

// Plan answers when each enabled driver next runs. It is immutable once
// built; a config change builds a new Plan.
type Plan struct {
	loc   *time.Location
	kinds map[job.RefreshKind]schedule
}

// NewPlan parses one schedule per driver. An empty schedule disables that
// driver. tz names the zone cron fields are read in ("" means local).
func NewPlan(schedules map[job.RefreshKind]string, tz string) (*Plan, error) {
	loc := time.Local
	if tz = strings.TrimSpace(tz); tz != "" {
		l, err := time.LoadLocation(tz)
		if err != nil {
			return nil, fmt.Errorf("timezone %q: %w", tz, err)
		}
		loc = l
	}
	p := &Plan{loc: loc, kinds: map[job.RefreshKind]schedule{}}
	for kind, raw := range schedules {
		if !kind.Valid() {
			return nil, fmt.Errorf("%w: %q", job.ErrUnknownKind, kind)
		}
		if strings.TrimSpace(raw) == "" {
			continue
		}
		ps, err := ParseSchedule(raw)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", kind, err)
		}
		sc := schedule{raw: raw, spec: ps}
		switch ps.Kind {
		case SpecInterval:
			sc.next = cron.Every(ps.Every)
		default:
			cs, err := parser.Parse(ps.Cron)
			if err != nil {
				return nil, fmt.Errorf("%s: cron %q: %w", kind, ps.Cron, err)
			}
			sc.next = cs
		}
		p.kinds[kind] = sc
	}
	return p, nil
}

func (p *Plan) Location() *time.Location { return p.loc }

// Next returns the first run of kind strictly after after. ok is false when
// the driver is disabled.
func (p *Plan) Next(kind job.RefreshKind, after time.Time) (time.Time, bool) {
	if p == nil {
		return time.Time{}, false
	}
	sc, ok := p.kinds[kind]
	if !ok {
		return time.Time{}, false
	}
	next := sc.next.Next(after.In(p.loc))
	if next.IsZero() {
		return time.Time{}, false
	}
	return next, true
}

// Enabled lists the enabled drivers in a stable order.
func (p *Plan) Enabled() []job.RefreshKind {
	out := make([]job.RefreshKind, 0, len(p.kinds))
	for _, k := range job.RefreshKinds() {
		if _, ok := p.kinds[k]; ok {
			out = append(out, k)
		}
	}
	return out
}

func (p *Plan) Schedule(kind job.RefreshKind) (string, bool) {
	sc, ok := p.kinds[kind]
	return sc.raw, ok
}

// Preview formats the next n runs after from, for logs and /jobs.
func (p *Plan) Preview(kind job.RefreshKind, from time.Time, n int) string {
	var runs []string
	t := from
	for i := 0; i < n; i++ {
		next, ok := p.Next(kind, t)
		if !ok {
			break
		}
		runs = append(runs, next.Format("2006-01-02 15:04"))
		t = next
	}
	return strings.Join(runs, ", ")
}

// Describe lists "kind: schedule" pairs, sorted by kind.
func (p *Plan) Describe() []string {
	out := make([]string, 0, len(p.kinds))
	for k, sc := range p.kinds {
		out = append(out, fmt.Sprintf("%s: %s (%s)", k, sc.raw, sc.spec.Kind))
	}
	sort.Strings(out)
	return out
}
