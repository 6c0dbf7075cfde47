package config

import (
	"reflect"
	"sort"
	"strings"

	logx "guildbot/pkg/logx"
)

// Change summarizes a reload.
type Change struct {
	// Sections lists every top-level section that differs.
	Sections []string
	// Restart lists the sections whose changes only take effect after a
	// restart. Logging and engine.watchdog_after apply live.
	Restart []string
	// Attrs are log fields for the new values. Secrets are reduced to
	// "is set" flags.
	Attrs []logx.Field
}

func (c Change) Empty() bool { return len(c.Sections) == 0 }

func SummarizeChange(oldCfg, newCfg *Config) Change {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	var ch Change
	mark := func(section string, restart bool, attrs ...logx.Field) {
		ch.Sections = append(ch.Sections, section)
		if restart {
			ch.Restart = append(ch.Restart, section)
		}
		ch.Attrs = append(ch.Attrs, attrs...)
	}

	o, n := oldCfg.Telegram, newCfg.Telegram
	if o.Token != n.Token || strings.TrimSpace(o.PollTimeout) != strings.TrimSpace(n.PollTimeout) ||
		!reflect.DeepEqual(o.OwnerUserIDs, n.OwnerUserIDs) {
		// Owner ids are read per command, so only token and poll changes need a restart.
		restart := o.Token != n.Token || strings.TrimSpace(o.PollTimeout) != strings.TrimSpace(n.PollTimeout)
		mark("telegram", restart,
			logx.Bool("telegram.token_changed", o.Token != n.Token),
			logx.Int("telegram.owner_count", len(n.OwnerUserIDs)),
		)
	}

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		mark("logging", false,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file", newCfg.Logging.File.Enabled),
			logx.Bool("logging.chat", newCfg.Logging.Chat.Enabled),
		)
	}

	if !reflect.DeepEqual(oldCfg.Storage, newCfg.Storage) {
		mark("storage", true, logx.String("storage.path", newCfg.Storage.Path))
	}

	if !reflect.DeepEqual(oldCfg.Scheduler, newCfg.Scheduler) {
		mark("scheduler", true,
			logx.Bool("scheduler.strict", newCfg.Scheduler.Strict),
			logx.String("scheduler.timezone", newCfg.Scheduler.Timezone),
		)
	}

	oe, ne := oldCfg.Engine, newCfg.Engine
	if !reflect.DeepEqual(oe, ne) {
		oe.WatchdogAfter, ne.WatchdogAfter = "", ""
		mark("engine", !reflect.DeepEqual(oe, ne),
			logx.Int("engine.workers", newCfg.Engine.Workers),
			logx.String("engine.watchdog_after", newCfg.Engine.WatchdogAfter),
		)
	}

	od, nd := oldCfg.Drivers, newCfg.Drivers
	if !reflect.DeepEqual(od, nd) {
		// Horizons and windows are read per run; only schedules are armed at boot.
		restart := od.Calendar.Schedule != nd.Calendar.Schedule ||
			od.Ranks.Schedule != nd.Ranks.Schedule ||
			od.LogImport.Schedule != nd.LogImport.Schedule
		mark("drivers", restart,
			logx.String("drivers.calendar", newCfg.Drivers.Calendar.Schedule),
			logx.String("drivers.ranks", newCfg.Drivers.Ranks.Schedule),
			logx.String("drivers.logimport", newCfg.Drivers.LogImport.Schedule),
		)
	}

	if !reflect.DeepEqual(oldCfg.Connector, newCfg.Connector) {
		mark("connector", true,
			logx.String("connector.base_url", newCfg.Connector.BaseURL),
			logx.Bool("connector.token_set", strings.TrimSpace(newCfg.Connector.Token) != ""),
		)
	}

	sort.Strings(ch.Sections)
	sort.Strings(ch.Restart)
	return ch
}
