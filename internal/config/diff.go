package config

import (
	"reflect"
	"sort"
	"strings"

	logx "tfmon/pkg/logx"
)

// changeSet accumulates changed section names alongside the structured
// attrs that describe them.
type changeSet struct {
	sections []string
	attrs    []logx.Field
}

func (c *changeSet) add(section string, fields ...logx.Field) {
	c.sections = append(c.sections, section)
	c.attrs = append(c.attrs, fields...)
}

// SummarizeChange compares two configs and returns the changed section
// names (sorted) plus log attrs safe to emit. Secret values (tokens,
// passwords, webhook URLs) never appear in the attrs; only their
// presence does, as *_set booleans.
func SummarizeChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	var cs changeSet

	if !reflect.DeepEqual(oldCfg.Monitor, newCfg.Monitor) {
		cs.add("monitor",
			logx.Int("monitor.app_ids", len(newCfg.Monitor.AppIDs)),
			logx.String("monitor.check_interval", strings.TrimSpace(newCfg.Monitor.CheckInterval)),
			logx.String("monitor.cache_ttl", strings.TrimSpace(newCfg.Monitor.CacheTTL)),
			logx.String("monitor.notify_cooldown", strings.TrimSpace(newCfg.Monitor.NotifyCooldown)),
			logx.String("monitor.max_backoff", strings.TrimSpace(newCfg.Monitor.MaxBackoff)),
		)
	}

	if !reflect.DeepEqual(normNotify(&oldCfg.Notify), normNotify(&newCfg.Notify)) {
		cs.add("notify",
			logx.Bool("notify.discord_set", strings.TrimSpace(newCfg.Notify.DiscordWebhookURL) != ""),
			logx.Bool("notify.slack_set", strings.TrimSpace(newCfg.Notify.SlackWebhookURL) != ""),
			logx.Bool("notify.telegram_set", newCfg.Notify.Telegram != nil),
			logx.Bool("notify.email_set", newCfg.Notify.Email != nil),
		)
	}

	if oldCfg.Report != newCfg.Report {
		cs.add("report",
			logx.Bool("report.enabled", newCfg.Report.Enabled),
			logx.String("report.schedule", strings.TrimSpace(newCfg.Report.Schedule)),
		)
	}

	oldView, newView := storageView(oldCfg.Storage), storageView(newCfg.Storage)
	bothSet := oldCfg.Storage != nil && newCfg.Storage != nil
	if oldView != newView || (bothSet && *oldCfg.Storage != *newCfg.Storage) {
		cs.add("storage",
			logx.String("storage.driver", newView.driver),
			logx.Bool("storage.path_set", newView.pathSet),
		)
	}

	if oldCfg.Logging != newCfg.Logging {
		cs.add("logging",
			logx.String("logx.level", newCfg.Logging.Level),
			logx.Bool("logx.console", newCfg.Logging.Console),
			logx.Bool("logx.file_enabled", newCfg.Logging.File.Enabled),
			logx.Bool("logx.alerts_enabled", newCfg.Logging.Alerts.Enabled),
		)
	}

	if pprofView(oldCfg.Pprof) != pprofView(newCfg.Pprof) {
		cs.add("pprof",
			logx.Bool("pprof.enabled", newCfg.Pprof.Enabled),
			logx.String("pprof.addr", strings.TrimSpace(newCfg.Pprof.Addr)),
			logx.Bool("pprof.token_set", strings.TrimSpace(newCfg.Pprof.Token) != ""),
			logx.Bool("pprof.allow_insecure", newCfg.Pprof.AllowInsecure),
		)
	}

	sort.Strings(cs.sections)
	return cs.sections, cs.attrs
}

// hotSections reconfigure in place on reload. Everything else is wired
// at startup and a change there only takes effect after a restart.
var hotSections = map[string]bool{
	"logging": true,
	"pprof":   true,
}

// RestartRequired filters the changed section list down to those that
// cannot be applied live.
func RestartRequired(changed []string) []string {
	var cold []string
	for _, name := range changed {
		if !hotSections[name] {
			cold = append(cold, name)
		}
	}
	return cold
}

// normNotify returns a copy with the free-form strings trimmed so pure
// whitespace edits do not count as changes. Pointer members (telegram,
// email, retry_max) are left alone; reflect.DeepEqual follows them.
func normNotify(c *NotifyConfig) NotifyConfig {
	out := *c
	out.DiscordWebhookURL = strings.TrimSpace(out.DiscordWebhookURL)
	out.SlackWebhookURL = strings.TrimSpace(out.SlackWebhookURL)
	out.RetryBase = strings.TrimSpace(out.RetryBase)
	out.RetryMaxDelay = strings.TrimSpace(out.RetryMaxDelay)
	out.SendTimeout = strings.TrimSpace(out.SendTimeout)
	return out
}

// storageKey is the comparable shape of a storage section for the
// summary. A nil section and one with an empty driver look the same,
// which matches how the storage opener treats them. The path itself is
// reduced to set-ness so it never reaches the log.
type storageKey struct {
	driver  string
	pathSet bool
}

func storageView(c *StorageConfig) storageKey {
	if c == nil {
		return storageKey{}
	}
	return storageKey{
		driver:  strings.TrimSpace(c.Driver),
		pathSet: strings.TrimSpace(c.Path) != "",
	}
}

// pprofKey carries the token as set-ness only. The debug server itself
// compares token values when deciding whether to restart; the summary
// just must not leak them.
type pprofKey struct {
	enabled  bool
	insecure bool
	tokenSet bool
	addr     string
	prefix   string
	read     string
	write    string
	idle     string
}

func pprofView(c PprofConfig) pprofKey {
	return pprofKey{
		enabled:  c.Enabled,
		insecure: c.AllowInsecure,
		tokenSet: strings.TrimSpace(c.Token) != "",
		addr:     strings.TrimSpace(c.Addr),
		prefix:   strings.TrimSpace(c.Prefix),
		read:     strings.TrimSpace(c.ReadTimeout),
		write:    strings.TrimSpace(c.WriteTimeout),
		idle:     strings.TrimSpace(c.IdleTimeout),
	}
}
