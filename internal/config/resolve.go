package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Defaults applied by Resolve.
const (
	DefaultStoragePath     = "./guildbot.db"
	DefaultPollTimeout     = 10 * time.Second
	DefaultCalendarHorizon = 24 * time.Hour
	DefaultNotifyLead      = 30 * time.Minute
	DefaultRetractAfter    = 2 * time.Hour
	DefaultRankWindow      = 30 * 24 * time.Hour
	DefaultImportLookback  = 7 * 24 * time.Hour
)

// Resolved is Config with durations parsed and defaults filled in.
type Resolved struct {
	PollTimeout time.Duration
	BusyTimeout time.Duration

	MaxIdle       time.Duration
	WatchdogAfter time.Duration

	CalendarHorizon time.Duration
	NotifyLead      time.Duration
	RetractAfter    time.Duration
	RankWindow      time.Duration
	ImportLookback  time.Duration

	ConnectorTimeout time.Duration
}

// Resolve validates cfg and parses its durations. Every error is reported,
// joined, with the offending key path.
func Resolve(cfg *Config) (Resolved, error) {
	if cfg == nil {
		return Resolved{}, errors.New("config is nil")
	}
	var (
		r    Resolved
		errs []error
	)
	dur := func(dst *time.Duration, path, raw string, def time.Duration) {
		d, err := ParseDurationOrDefault(path, raw, def)
		if err != nil {
			errs = append(errs, err)
			return
		}
		*dst = d
	}

	if strings.TrimSpace(cfg.Telegram.Token) == "" {
		errs = append(errs, errors.New("telegram.token: required"))
	}
	dur(&r.PollTimeout, "telegram.poll_timeout", cfg.Telegram.PollTimeout, DefaultPollTimeout)
	dur(&r.BusyTimeout, "storage.busy_timeout", cfg.Storage.BusyTimeout, 0)
	dur(&r.MaxIdle, "scheduler.max_idle", cfg.Scheduler.MaxIdle, 0)
	dur(&r.WatchdogAfter, "engine.watchdog_after", cfg.Engine.WatchdogAfter, 0)
	dur(&r.CalendarHorizon, "drivers.calendar.horizon", cfg.Drivers.Calendar.Horizon, DefaultCalendarHorizon)
	dur(&r.NotifyLead, "drivers.calendar.notify_lead", cfg.Drivers.Calendar.NotifyLead, DefaultNotifyLead)
	dur(&r.RetractAfter, "drivers.calendar.retract_after", cfg.Drivers.Calendar.RetractAfter, DefaultRetractAfter)
	dur(&r.RankWindow, "drivers.ranks.window", cfg.Drivers.Ranks.Window, DefaultRankWindow)
	dur(&r.ImportLookback, "drivers.logimport.lookback", cfg.Drivers.LogImport.Lookback, DefaultImportLookback)
	dur(&r.ConnectorTimeout, "connector.timeout", cfg.Connector.Timeout, 0)

	if tz := strings.TrimSpace(cfg.Scheduler.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			errs = append(errs, fmt.Errorf("scheduler.timezone: %w", err))
		}
	}
	if cfg.Engine.Workers < 0 || cfg.Engine.QueueSize < 0 || cfg.Engine.HistorySize < 0 {
		errs = append(errs, errors.New("engine: sizes must be >= 0"))
	}
	if cfg.Connector.RatePerSec < 0 || cfg.Connector.Burst < 0 {
		errs = append(errs, errors.New("connector: rate_per_sec and burst must be >= 0"))
	}
	if cfg.Drivers.LogImport.Schedule != "" && strings.TrimSpace(cfg.Connector.BaseURL) == "" {
		errs = append(errs, errors.New("drivers.logimport: connector.base_url required"))
	}
	return r, errors.Join(errs...)
}

// StoragePath returns the database path with the default applied.
func (c *Config) StoragePath() string {
	if p := strings.TrimSpace(c.Storage.Path); p != "" {
		return p
	}
	return DefaultStoragePath
}

// IsOwner reports whether userID may run owner commands.
func (c *Config) IsOwner(userID int64) bool {
	for _, id := range c.Telegram.OwnerUserIDs {
		if id == userID {
			return true
		}
	}
	return false
}
