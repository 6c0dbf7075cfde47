package app

import (
	"guildbot/internal/config"
	"guildbot/internal/connector"
	"guildbot/internal/storage"
	"guildbot/internal/task/engine"
	"guildbot/internal/task/job"
	"guildbot/internal/task/recurring"
	logx "guildbot/pkg/logx"
)

func mapLogConfig(cfg *config.Config) logx.Config {
	lc := cfg.Logging
	return logx.Config{
		Level:   lc.Level,
		Console: lc.Console,
		File: logx.FileConfig{
			Enabled: lc.File.Enabled,
			Path:    lc.File.Path,
		},
		Chat: logx.ChatConfig{
			Enabled:    lc.Chat.Enabled,
			ChatID:     lc.Chat.ChatID,
			ThreadID:   lc.Chat.ThreadID,
			MinLevel:   lc.Chat.MinLevel,
			RatePerSec: lc.Chat.RatePerSec,
		},
	}
}

func mapStorageConfig(cfg *config.Config, res config.Resolved) storage.Config {
	return storage.Config{
		Path:         cfg.StoragePath(),
		BusyTimeout:  res.BusyTimeout,
		MaxOpenConns: cfg.Storage.MaxOpenConns,
	}
}

func mapEngineConfig(cfg *config.Config, res config.Resolved) engine.Config {
	return engine.Config{
		Enabled:       true,
		Workers:       cfg.Engine.Workers,
		QueueSize:     cfg.Engine.QueueSize,
		HistorySize:   cfg.Engine.HistorySize,
		WatchdogAfter: res.WatchdogAfter,
	}
}

func mapConnectorConfig(cfg *config.Config, res config.Resolved) connector.Config {
	return connector.Config{
		BaseURL:  cfg.Connector.BaseURL,
		Token:    cfg.Connector.Token,
		Timeout:  res.ConnectorTimeout,
		RatePerS: cfg.Connector.RatePerSec,
		Burst:    cfg.Connector.Burst,
	}
}

func mapSettings(res config.Resolved) job.Settings {
	return job.Settings{
		CalendarHorizon: res.CalendarHorizon,
		NotifyLead:      res.NotifyLead,
		RetractAfter:    res.RetractAfter,
		RankWindow:      res.RankWindow,
		ImportLookback:  res.ImportLookback,
	}
}

func buildPlan(cfg *config.Config) (*recurring.Plan, error) {
	return recurring.NewPlan(map[job.RefreshKind]string{
		job.RefreshCalendar:  cfg.Drivers.Calendar.Schedule,
		job.RefreshRanks:     cfg.Drivers.Ranks.Schedule,
		job.RefreshLogImport: cfg.Drivers.LogImport.Schedule,
	}, cfg.Scheduler.Timezone)
}

// validateConfig rejects a reload that would not survive a restart.
func validateConfig(cfg *config.Config) error {
	if _, err := config.Resolve(cfg); err != nil {
		return err
	}
	_, err := buildPlan(cfg)
	return err
}
