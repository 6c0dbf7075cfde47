package config

// Config is the on-disk configuration. Durations are Go duration strings,
// with an extra "d" suffix for days ("30d").
type Config struct {
	Telegram  TelegramConfig  `json:"telegram"`
	Logging   LoggingConfig   `json:"logging"`
	Storage   StorageConfig   `json:"storage"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Engine    EngineConfig    `json:"engine"`
	Drivers   DriversConfig   `json:"drivers"`
	Connector ConnectorConfig `json:"connector"`
}

type TelegramConfig struct {
	Token        string  `json:"token"`
	OwnerUserIDs []int64 `json:"owner_user_ids"`
	PollTimeout  string  `json:"poll_timeout,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
	Chat    LoggingChat `json:"chat"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// LoggingChat forwards warn-and-above lines to an operator chat.
type LoggingChat struct {
	Enabled    bool   `json:"enabled"`
	ChatID     int64  `json:"chat_id"`
	ThreadID   int    `json:"thread_id,omitempty"`
	MinLevel   string `json:"min_level,omitempty"`
	RatePerSec int    `json:"rate_per_sec,omitempty"`
}

type StorageConfig struct {
	Path         string `json:"path"`
	BusyTimeout  string `json:"busy_timeout,omitempty"`
	MaxOpenConns int    `json:"max_open_conns,omitempty"`
}

// SchedulerConfig controls the dispatch loop.
//
// Strict turns queue invariant violations into panics; leave it off in
// production. MaxIdle caps one sleep of the loop (default 1m).
type SchedulerConfig struct {
	Strict   bool   `json:"strict,omitempty"`
	MaxIdle  string `json:"max_idle,omitempty"`
	Timezone string `json:"timezone,omitempty"`
}

// EngineConfig sizes the worker pool. WatchdogAfter only logs; jobs are never
// cancelled by the engine.
type EngineConfig struct {
	Workers       int    `json:"workers,omitempty"`
	QueueSize     int    `json:"queue_size,omitempty"`
	HistorySize   int    `json:"history_size,omitempty"`
	WatchdogAfter string `json:"watchdog_after,omitempty"`
}

// DriversConfig holds one block per recurring driver. An empty schedule
// disables the driver.
type DriversConfig struct {
	Calendar  CalendarDriver  `json:"calendar"`
	Ranks     RanksDriver     `json:"ranks"`
	LogImport LogImportDriver `json:"logimport"`
}

type CalendarDriver struct {
	Schedule     string `json:"schedule"`
	Horizon      string `json:"horizon,omitempty"`
	NotifyLead   string `json:"notify_lead,omitempty"`
	RetractAfter string `json:"retract_after,omitempty"`
}

type RanksDriver struct {
	Schedule string `json:"schedule"`
	Window   string `json:"window,omitempty"`
}

type LogImportDriver struct {
	Schedule string `json:"schedule"`
	Lookback string `json:"lookback,omitempty"`
}

// ConnectorConfig points at the external log report API. Token is never logged.
type ConnectorConfig struct {
	BaseURL    string  `json:"base_url,omitempty"`
	Token      string  `json:"token,omitempty"`
	Timeout    string  `json:"timeout,omitempty"`
	RatePerSec float64 `json:"rate_per_sec,omitempty"`
	Burst      int     `json:"burst,omitempty"`
}
