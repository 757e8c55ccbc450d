package app

import (
	"fmt"
	"net"
	"strings"
	"time"

	"tfmon/internal/config"
	"tfmon/internal/fetch"
	"tfmon/internal/monitor"
	"tfmon/internal/notify"
	"tfmon/internal/observability/pprof"
	"tfmon/internal/report"
	"tfmon/internal/storage"
	logx "tfmon/pkg/logx"
)

// The map* helpers convert the JSON/YAML config into per-service configs
// (parsed durations, applied defaults). They never start anything, so the
// same functions back both startup and the -validate summary.

func mapLoggingConfig(cfg *config.Config) logx.Config {
	if cfg == nil {
		return logx.Config{Console: true}
	}
	l := cfg.Logging
	return logx.Config{
		Level:   l.Level,
		Console: l.Console,
		File: logx.FileConfig{
			Enabled:    l.File.Enabled,
			Path:       l.File.Path,
			MaxSizeMB:  l.File.MaxSizeMB,
			MaxBackups: l.File.MaxBackups,
			MaxAgeDays: l.File.MaxAgeDays,
			Compress:   l.File.Compress,
		},
		Alerts: logx.AlertConfig{
			Enabled:    l.Alerts.Enabled,
			MinLevel:   l.Alerts.MinLevel,
			RatePerMin: l.Alerts.RatePerMin,
		},
	}
}

func mapMonitorConfig(cfg *config.Config) (monitor.Config, error) {
	var out monitor.Config
	if cfg == nil {
		return out, fmt.Errorf("config is nil")
	}
	m := cfg.Monitor

	var err error
	out.CheckInterval, err = config.ParseDurationOrDefault("monitor.check_interval", m.CheckInterval, config.DefaultCheckInterval)
	if err != nil {
		return out, err
	}
	out.CacheTTL, err = config.ParseDurationOrDefault("monitor.cache_ttl", m.CacheTTL, config.DefaultCacheTTL)
	if err != nil {
		return out, err
	}
	out.NotifyCooldown, err = config.ParseDurationOrDefault("monitor.notify_cooldown", m.NotifyCooldown, config.DefaultNotifyCooldown)
	if err != nil {
		return out, err
	}
	out.MaxBackoff, err = config.ParseDurationOrDefault("monitor.max_backoff", m.MaxBackoff, config.DefaultMaxBackoff)
	if err != nil {
		return out, err
	}
	out.FetchTimeout, err = config.ParseDurationOrDefault("monitor.fetch_timeout", m.FetchTimeout, config.DefaultFetchTimeout)
	if err != nil {
		return out, err
	}

	// Omitted jitter means the default; an explicit 0 stays 0.
	out.JitterFraction = config.DefaultJitterFraction
	if m.JitterFraction != nil {
		out.JitterFraction = *m.JitterFraction
	}
	return out, nil
}

func mapFetchConfig(cfg *config.Config) (fetch.Config, error) {
	var out fetch.Config
	if cfg == nil {
		return out, nil
	}
	m := cfg.Monitor

	timeout, err := config.ParseDurationOrDefault("monitor.fetch_timeout", m.FetchTimeout, config.DefaultFetchTimeout)
	if err != nil {
		return out, err
	}
	out.BaseURL = strings.TrimSpace(m.BaseURL)
	out.Timeout = timeout
	out.RatePerSec = m.RatePerSec
	return out, nil
}

func mapNotifyConfig(cfg *config.Config) (notify.Config, error) {
	// Defaults match the dispatcher's own normalize().
	out := notify.Config{
		RatePerSec: 2,
		RetryMax:   2,
	}
	if cfg == nil {
		return out, nil
	}
	n := cfg.Notify

	if n.RatePerSec != 0 {
		out.RatePerSec = n.RatePerSec
	}
	if n.RetryMax != nil {
		out.RetryMax = *n.RetryMax
	}

	var err error
	out.RetryBase, err = config.ParseDurationOrDefault("notify.retry_base", n.RetryBase, 500*time.Millisecond)
	if err != nil {
		return notify.Config{}, err
	}
	out.RetryMaxDelay, err = config.ParseDurationOrDefault("notify.retry_max_delay", n.RetryMaxDelay, 10*time.Second)
	if err != nil {
		return notify.Config{}, err
	}
	out.SendTimeout, err = config.ParseDurationOrDefault("notify.send_timeout", n.SendTimeout, 10*time.Second)
	if err != nil {
		return notify.Config{}, err
	}
	out.JoinBaseURL = strings.TrimSpace(cfg.Monitor.BaseURL)
	return out, nil
}

// buildChannels constructs one Channel per configured section, in a fixed
// order so log output and fan-out order are stable across restarts.
func buildChannels(cfg *config.Config) ([]notify.Channel, error) {
	if cfg == nil {
		return nil, nil
	}
	n := cfg.Notify

	var channels []notify.Channel
	if url := strings.TrimSpace(n.DiscordWebhookURL); url != "" {
		ch, err := notify.NewDiscord(url)
		if err != nil {
			return nil, fmt.Errorf("notify.discord_webhook_url: %w", err)
		}
		channels = append(channels, ch)
	}
	if url := strings.TrimSpace(n.SlackWebhookURL); url != "" {
		ch, err := notify.NewSlack(url)
		if err != nil {
			return nil, fmt.Errorf("notify.slack_webhook_url: %w", err)
		}
		channels = append(channels, ch)
	}
	if tg := n.Telegram; tg != nil {
		ch, err := notify.NewTelegram(tg.Token, tg.ChatID)
		if err != nil {
			return nil, fmt.Errorf("notify.telegram: %w", err)
		}
		channels = append(channels, ch)
	}
	if em := n.Email; em != nil {
		ch, err := notify.NewEmail(notify.EmailConfig{
			SMTPServer: em.SMTPServer,
			SMTPPort:   em.SMTPPort,
			Username:   em.Username,
			Password:   em.Password,
			From:       em.From,
			Recipients: em.Recipients,
		})
		if err != nil {
			return nil, fmt.Errorf("notify.email: %w", err)
		}
		channels = append(channels, ch)
	}
	return channels, nil
}

func mapStorageConfig(cfg *config.Config) (storage.Config, bool, error) {
	if cfg == nil || cfg.Storage == nil {
		return storage.Config{}, false, nil
	}
	sc := cfg.Storage

	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	switch driver {
	case "", "none":
		return storage.Config{}, false, nil
	case "file", "sqlite", "sqlite3":
	default:
		return storage.Config{}, false, fmt.Errorf("storage.driver: unknown driver %q", sc.Driver)
	}
	path := strings.TrimSpace(sc.Path)
	if path == "" {
		return storage.Config{}, false, fmt.Errorf("storage.path: required for driver %q", driver)
	}

	busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, 5*time.Second)
	if err != nil {
		return storage.Config{}, false, err
	}
	retention, err := config.ParseDurationOrDefault("storage.retention", sc.Retention, 720*time.Hour)
	if err != nil {
		return storage.Config{}, false, err
	}
	return storage.Config{Driver: driver, Path: path, BusyTimeout: busy, Retention: retention}, true, nil
}

func mapReportConfig(cfg *config.Config) report.Config {
	if cfg == nil {
		return report.Config{}
	}
	return report.Config{
		Enabled:  cfg.Report.Enabled,
		Schedule: cfg.Report.Schedule,
		Timezone: cfg.Report.Timezone,
	}
}

// mapPprofConfig validates and converts the pprof section. It never starts
// the server.
func mapPprofConfig(cfg *config.Config) (pprof.Config, error) {
	var out pprof.Config
	if cfg == nil {
		return out, nil
	}
	pc := cfg.Pprof

	out.Enabled = pc.Enabled
	out.AllowInsecure = pc.AllowInsecure
	out.Token = strings.TrimSpace(pc.Token)
	out.Addr = strings.TrimSpace(pc.Addr)
	out.Prefix = strings.TrimSpace(pc.Prefix)
	if out.Addr == "" {
		out.Addr = "127.0.0.1:6060"
	}
	if out.Prefix == "" {
		out.Prefix = "/debug/pprof/"
	}

	var err error
	out.ReadTimeout, err = config.ParseDurationOrDefault("pprof.read_timeout", pc.ReadTimeout, 5*time.Second)
	if err != nil {
		return out, err
	}
	out.WriteTimeout, err = config.ParseDurationField("pprof.write_timeout", pc.WriteTimeout)
	if err != nil {
		return out, err
	}
	out.IdleTimeout, err = config.ParseDurationOrDefault("pprof.idle_timeout", pc.IdleTimeout, 120*time.Second)
	if err != nil {
		return out, err
	}

	if out.Enabled {
		if _, _, err := net.SplitHostPort(out.Addr); err != nil {
			return out, fmt.Errorf("pprof.addr: invalid %q (expected host:port): %w", out.Addr, err)
		}
		// Refuse a public bind without explicit opt-in.
		if !out.AllowInsecure && out.Token == "" && !isLoopback(out.Addr) {
			return out, fmt.Errorf("pprof: binding to non-loopback addr requires token or allow_insecure=true")
		}
	}
	return out, nil
}

func isLoopback(addr string) bool {
	h, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	h = strings.TrimSpace(h)
	if h == "" {
		return false
	}
	if strings.EqualFold(h, "localhost") {
		return true
	}
	ip := net.ParseIP(h)
	if ip == nil {
		return false
	}
	return ip.IsLoopback()
}
