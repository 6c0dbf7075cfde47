package app

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"guildbot/internal/config"
)

var errPastTime = errors.New("time is in the past")

// parseWhen reads a reminder time: a duration from now ("90m", "2d"), an
// RFC 3339 instant, a local "2006-01-02T15:04", or a local "15:04" (the next
// occurrence of that wall time).
func parseWhen(raw string, now time.Time, loc *time.Location) (time.Time, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return time.Time{}, errors.New("missing time")
	}
	if loc == nil {
		loc = time.UTC
	}

	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return future(t, now)
	}
	if t, err := time.ParseInLocation("2006-01-02T15:04", s, loc); err == nil {
		return future(t, now)
	}
	if t, err := time.ParseInLocation("15:04", s, loc); err == nil {
		local := now.In(loc)
		at := time.Date(local.Year(), local.Month(), local.Day(), t.Hour(), t.Minute(), 0, 0, loc)
		if !at.After(now) {
			at = at.AddDate(0, 0, 1)
		}
		return at, nil
	}
	d, err := config.ParseDurationField("time", s)
	if err != nil {
		return time.Time{}, fmt.Errorf("unrecognised time %q (use 90m, 2d, 15:04 or RFC 3339)", s)
	}
	if d <= 0 {
		return time.Time{}, errPastTime
	}
	return now.Add(d), nil
}

func future(t, now time.Time) (time.Time, error) {
	if !t.After(now) {
		return time.Time{}, errPastTime
	}
	return t, nil
}
