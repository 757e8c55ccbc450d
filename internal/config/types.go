package config

// Config is the full file schema. YAML and JSON are both accepted; YAML is
// coerced to JSON so one strict decoder validates both (see yaml.go).
//
// All duration fields are Go duration strings (e.g. "30s", "5m", "1h").
type Config struct {
	Monitor MonitorConfig  `json:"monitor"`
	Notify  NotifyConfig   `json:"notify,omitempty"`
	Report  ReportConfig   `json:"report,omitempty"`
	Storage *StorageConfig `json:"storage,omitempty"`
	Logging LoggingConfig  `json:"logging,omitempty"`
	Pprof   PprofConfig    `json:"pprof,omitempty"`
}

// MonitorConfig controls the check loop.
//
// Example:
//
//	"monitor": { "app_ids": ["ABCD1234"], "check_interval": "5m", "cache_ttl": "5m" }
type MonitorConfig struct {
	// AppIDs are the TestFlight invite codes to watch. At least one is
	// required; each must be at least 5 characters after trimming.
	AppIDs []string `json:"app_ids"`

	CheckInterval  string `json:"check_interval,omitempty"`  // default "5m"; warn below "1m"
	CacheTTL       string `json:"cache_ttl,omitempty"`       // default "5m"; must be >= "1m"
	NotifyCooldown string `json:"notify_cooldown,omitempty"` // default "10m"
	MaxBackoff     string `json:"max_backoff,omitempty"`     // default "10m"; must be >= check_interval
	FetchTimeout   string `json:"fetch_timeout,omitempty"`   // default "30s"

	// JitterFraction bounds the random jitter added to backoff delays,
	// in [0,1]. Omitted means 0.2; an explicit 0 disables jitter.
	JitterFraction *float64 `json:"jitter_fraction,omitempty"`

	// RatePerSec caps outbound fetches across all codes (politeness).
	RatePerSec float64 `json:"rate_per_sec,omitempty"` // default 1.0

	// BaseURL overrides the TestFlight endpoint (tests, proxies).
	BaseURL string `json:"base_url,omitempty"`
}

// NotifyConfig controls delivery channels and the dispatcher.
// A channel is active when its settings are present and non-empty.
type NotifyConfig struct {
	DiscordWebhookURL string          `json:"discord_webhook_url,omitempty"`
	SlackWebhookURL   string          `json:"slack_webhook_url,omitempty"`
	Telegram          *TelegramConfig `json:"telegram,omitempty"`
	Email             *EmailConfig    `json:"email,omitempty"`

	RatePerSec float64 `json:"rate_per_sec,omitempty"` // default 2.0

	// RetryMax is per-channel retries after the first attempt.
	// Omitted means 2; an explicit 0 disables retries.
	RetryMax      *int   `json:"retry_max,omitempty"`
	RetryBase     string `json:"retry_base,omitempty"`      // default "500ms"
	RetryMaxDelay string `json:"retry_max_delay,omitempty"` // default "10s"
	SendTimeout   string `json:"send_timeout,omitempty"`    // default "10s"
}

type TelegramConfig struct {
	Token  string `json:"token"`
	ChatID int64  `json:"chat_id"`
}

type EmailConfig struct {
	SMTPServer string   `json:"smtp_server"`
	SMTPPort   int      `json:"smtp_port,omitempty"` // default 587
	Username   string   `json:"username,omitempty"`
	Password   string   `json:"password,omitempty"`
	From       string   `json:"from,omitempty"` // defaults to username
	Recipients []string `json:"recipients"`
}

// ReportConfig controls the scheduled status digest.
//
// Example:
//
//	"report": { "enabled": true, "schedule": "0 9 * * *" }
type ReportConfig struct {
	Enabled bool `json:"enabled"`
	// Schedule is a standard 5-field cron spec. Default "0 9 * * *".
	Schedule string `json:"schedule,omitempty"`
	Timezone string `json:"timezone,omitempty"`
}

// StorageConfig controls the optional persistence layer.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./tfmon.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`                 // none|file|sqlite
	Path        string `json:"path"`                   // required for file/sqlite
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite; default "5s"
	Retention   string `json:"retention,omitempty"`    // detection retention; default "720h"
}

type LoggingConfig struct {
	Level   string        `json:"level,omitempty"` // trace|debug|info|warn|error
	Console bool          `json:"console"`
	File    LoggingFile   `json:"file,omitempty"`
	Alerts  LoggingAlerts `json:"alerts,omitempty"`
}

type LoggingFile struct {
	Enabled    bool   `json:"enabled"`
	Path       string `json:"path,omitempty"`
	MaxSizeMB  int    `json:"max_size_mb,omitempty"`  // default 10
	MaxBackups int    `json:"max_backups,omitempty"`  // default 5
	MaxAgeDays int    `json:"max_age_days,omitempty"` // default 0 (keep)
	Compress   bool   `json:"compress,omitempty"`
}

// LoggingAlerts forwards WARN+ log lines through the notification
// dispatcher so the operator hears about monitor trouble.
type LoggingAlerts struct {
	Enabled    bool   `json:"enabled"`
	MinLevel   string `json:"min_level,omitempty"`    // default "warn"
	RatePerMin int    `json:"rate_per_min,omitempty"` // default 6
}

// PprofConfig controls the optional pprof HTTP server.
//
// Security note:
//   - Prefer binding to localhost (e.g. "127.0.0.1:6060").
//   - If you bind to a non-loopback address, set a token or explicitly allow_insecure.
type PprofConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`   // default "127.0.0.1:6060"
	Prefix        string `json:"prefix,omitempty"` // default "/debug/pprof/"
	Token         string `json:"token,omitempty"`  // optional bearer token (do not log)
	AllowInsecure bool   `json:"allow_insecure,omitempty"`

	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`
}
