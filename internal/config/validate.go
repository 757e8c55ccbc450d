package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// reportParser matches the parser the digest scheduler runs with, so a
// spec accepted here is guaranteed to register there.
var reportParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Validate checks every section. The returned error is fatal at startup
// (and rejects a hot reload); warnings are operator hints only, matching
// the original's warn-but-run behavior for a sub-minute interval or a
// run with no notification channel.
func (c *Config) Validate() (warnings []string, err error) {
	if c == nil {
		return nil, fmt.Errorf("config is nil")
	}

	// monitor
	ids := map[string]bool{}
	count := 0
	for _, raw := range c.Monitor.AppIDs {
		id := strings.TrimSpace(raw)
		if id == "" {
			continue
		}
		count++
		if len(id) < 5 {
			return warnings, fmt.Errorf("monitor.app_ids: invalid app id %q (need at least 5 characters)", id)
		}
		if ids[id] {
			return warnings, fmt.Errorf("monitor.app_ids: duplicate app id %q", id)
		}
		ids[id] = true
	}
	if count == 0 {
		return warnings, fmt.Errorf("monitor.app_ids: no app ids configured (set monitor.app_ids or TESTFLIGHT_APP_IDS)")
	}

	interval, err := ParseDurationOrDefault("monitor.check_interval", c.Monitor.CheckInterval, DefaultCheckInterval)
	if err != nil {
		return warnings, err
	}
	if interval < time.Minute {
		warnings = append(warnings, fmt.Sprintf("monitor.check_interval %s is below 1m; the endpoint may rate-limit", interval))
	}

	ttl, err := ParseDurationOrDefault("monitor.cache_ttl", c.Monitor.CacheTTL, DefaultCacheTTL)
	if err != nil {
		return warnings, err
	}
	if ttl < time.Minute {
		return warnings, fmt.Errorf("monitor.cache_ttl: must be at least 1m, got %s", ttl)
	}

	if _, err := ParseDurationField("monitor.notify_cooldown", c.Monitor.NotifyCooldown); err != nil {
		return warnings, err
	}
	maxBackoff, err := ParseDurationOrDefault("monitor.max_backoff", c.Monitor.MaxBackoff, DefaultMaxBackoff)
	if err != nil {
		return warnings, err
	}
	if maxBackoff < interval {
		return warnings, fmt.Errorf("monitor.max_backoff: %s is below check_interval %s", maxBackoff, interval)
	}
	if _, err := ParseDurationField("monitor.fetch_timeout", c.Monitor.FetchTimeout); err != nil {
		return warnings, err
	}
	if j := c.Monitor.JitterFraction; j != nil && (*j < 0 || *j > 1) {
		return warnings, fmt.Errorf("monitor.jitter_fraction: must be within [0,1], got %v", *j)
	}
	if c.Monitor.RatePerSec < 0 {
		return warnings, fmt.Errorf("monitor.rate_per_sec: must be positive, got %v", c.Monitor.RatePerSec)
	}

	// notify
	if c.Notify.RatePerSec < 0 {
		return warnings, fmt.Errorf("notify.rate_per_sec: must be positive, got %v", c.Notify.RatePerSec)
	}
	if c.Notify.RetryMax != nil && *c.Notify.RetryMax < 0 {
		return warnings, fmt.Errorf("notify.retry_max: must be >= 0, got %d", *c.Notify.RetryMax)
	}
	for field, raw := range map[string]string{
		"notify.retry_base":      c.Notify.RetryBase,
		"notify.retry_max_delay": c.Notify.RetryMaxDelay,
		"notify.send_timeout":    c.Notify.SendTimeout,
	} {
		if _, err := ParseDurationField(field, raw); err != nil {
			return warnings, err
		}
	}
	if tg := c.Notify.Telegram; tg != nil {
		if strings.TrimSpace(tg.Token) == "" {
			return warnings, fmt.Errorf("notify.telegram.token: required when telegram is configured")
		}
		if tg.ChatID == 0 {
			return warnings, fmt.Errorf("notify.telegram.chat_id: required when telegram is configured")
		}
	}
	if em := c.Notify.Email; em != nil {
		if strings.TrimSpace(em.SMTPServer) == "" {
			return warnings, fmt.Errorf("notify.email.smtp_server: required when email is configured")
		}
		if len(em.Recipients) == 0 {
			return warnings, fmt.Errorf("notify.email.recipients: required when email is configured")
		}
		if strings.TrimSpace(em.From) == "" && strings.TrimSpace(em.Username) == "" {
			return warnings, fmt.Errorf("notify.email: set from or username")
		}
	}
	if !c.Notify.Configured() {
		warnings = append(warnings, "no notification channel configured; detections will only be logged")
	}

	// report
	if c.Report.Enabled {
		spec := strings.TrimSpace(c.Report.Schedule)
		if spec == "" {
			spec = DefaultReportSchedule
		}
		if _, err := reportParser.Parse(spec); err != nil {
			return warnings, fmt.Errorf("report.schedule: invalid cron spec %q: %w", spec, err)
		}
		if tz := strings.TrimSpace(c.Report.Timezone); tz != "" {
			if _, err := time.LoadLocation(tz); err != nil {
				return warnings, fmt.Errorf("report.timezone: invalid %q: %w", tz, err)
			}
		}
	}

	// storage
	if s := c.Storage; s != nil {
		switch d := strings.ToLower(strings.TrimSpace(s.Driver)); d {
		case "", "none":
		case "file", "sqlite", "sqlite3":
			if strings.TrimSpace(s.Path) == "" {
				return warnings, fmt.Errorf("storage.path: required for driver %q", d)
			}
		default:
			return warnings, fmt.Errorf("storage.driver: unknown driver %q", s.Driver)
		}
		if _, err := ParseDurationField("storage.busy_timeout", s.BusyTimeout); err != nil {
			return warnings, err
		}
		if _, err := ParseDurationField("storage.retention", s.Retention); err != nil {
			return warnings, err
		}
	}

	// logging
	if c.Logging.Alerts.RatePerMin < 0 {
		return warnings, fmt.Errorf("logging.alerts.rate_per_min: must be positive, got %d", c.Logging.Alerts.RatePerMin)
	}
	if c.Logging.File.MaxSizeMB < 0 || c.Logging.File.MaxBackups < 0 || c.Logging.File.MaxAgeDays < 0 {
		return warnings, fmt.Errorf("logging.file: sizes and counts must be >= 0")
	}

	// pprof
	for field, raw := range map[string]string{
		"pprof.read_timeout":  c.Pprof.ReadTimeout,
		"pprof.write_timeout": c.Pprof.WriteTimeout,
		"pprof.idle_timeout":  c.Pprof.IdleTimeout,
	} {
		if _, err := ParseDurationField(field, raw); err != nil {
			return warnings, err
		}
	}

	return warnings, nil
}

// AppIDs returns the trimmed, non-empty target list in file order.
func (c *Config) AppIDs() []string {
	out := make([]string, 0, len(c.Monitor.AppIDs))
	for _, raw := range c.Monitor.AppIDs {
		if id := strings.TrimSpace(raw); id != "" {
			out = append(out, id)
		}
	}
	return out
}

// Configured reports whether at least one notification channel is set.
func (n NotifyConfig) Configured() bool {
	return strings.TrimSpace(n.DiscordWebhookURL) != "" ||
		strings.TrimSpace(n.SlackWebhookURL) != "" ||
		n.Telegram != nil ||
		n.Email != nil
}

// Defaults shared by validation, mapping, and the -validate summary.
const (
	DefaultCheckInterval  = 5 * time.Minute
	DefaultCacheTTL       = 5 * time.Minute
	DefaultNotifyCooldown = 10 * time.Minute
	DefaultMaxBackoff     = 10 * time.Minute
	DefaultFetchTimeout   = 30 * time.Second
	DefaultJitterFraction = 0.2
	DefaultReportSchedule = "0 9 * * *"
)
