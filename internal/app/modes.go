package app

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"tfmon/internal/config"
	"tfmon/internal/eventbus"
	"tfmon/internal/fetch"
	"tfmon/internal/monitor"
	"tfmon/internal/notify"
	logx "tfmon/pkg/logx"
)

// Close releases resources without a full Stop. One-shot modes that never
// Start the supervisor use this instead.
func (a *App) Close() error {
	var err error
	if a.store != nil {
		err = a.store.Close()
	}
	a.logs.Close()
	return err
}

// CheckOnce runs exactly one cycle and prints a status line per target.
// Detections are still journaled and notified, so a cron-driven one-shot
// deployment behaves like one iteration of the continuous loop.
func (a *App) CheckOnce(ctx context.Context, w io.Writer) error {
	res, err := a.mon.RunOnce(ctx)
	if err != nil {
		return err
	}
	for _, d := range res.Detections {
		switch d.Kind {
		case monitor.FetchFailed:
			fmt.Fprintf(w, "%s: check failed: %s\n", d.Target, d.Err)
		default:
			fmt.Fprintf(w, "%s: %s\n", d.Target, d.Current)
		}
	}
	fmt.Fprintf(w, "checked %d target(s): %d cache hit(s), %d failure(s), %d notified\n",
		len(res.Detections), res.CacheHits, res.Failures, res.Notified)
	if res.Failures > 0 {
		return fmt.Errorf("%d of %d checks failed", res.Failures, len(res.Detections))
	}
	return nil
}

// ValidateConfig loads and validates the config file, then prints a summary
// of what a run would do. It builds no channels and opens no storage, so it
// is safe to run anywhere (no network, no file writes).
func ValidateConfig(cfgPath string, w io.Writer) error {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Parse()
	if err != nil {
		return err
	}
	warnings, err := cfg.Validate()
	if err != nil {
		return err
	}

	mcfg, err := mapMonitorConfig(cfg)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "config %s: OK\n", cfgm.Path())
	fmt.Fprintf(w, "  targets:  %s\n", strings.Join(cfg.AppIDs(), ", "))
	fmt.Fprintf(w, "  interval: %s (cache ttl %s, cooldown %s, max backoff %s)\n",
		mcfg.CheckInterval, mcfg.CacheTTL, mcfg.NotifyCooldown, mcfg.MaxBackoff)

	names := configuredChannels(cfg)
	if len(names) == 0 {
		fmt.Fprintf(w, "  channels: (none; detections will only be logged)\n")
	} else {
		fmt.Fprintf(w, "  channels: %s\n", strings.Join(names, ", "))
	}

	if sc, enabled, err := mapStorageConfig(cfg); err != nil {
		return err
	} else if enabled {
		fmt.Fprintf(w, "  storage:  %s (%s)\n", sc.Driver, sc.Path)
	} else {
		fmt.Fprintf(w, "  storage:  none\n")
	}

	if cfg.Report.Enabled {
		spec := strings.TrimSpace(cfg.Report.Schedule)
		if spec == "" {
			spec = config.DefaultReportSchedule
		}
		fmt.Fprintf(w, "  report:   %q\n", spec)
	} else {
		fmt.Fprintf(w, "  report:   disabled\n")
	}

	for _, warn := range warnings {
		fmt.Fprintf(w, "  warning:  %s\n", warn)
	}
	return nil
}

// configuredChannels names the channels a run would build, without
// constructing them (the Telegram constructor dials getMe).
func configuredChannels(cfg *config.Config) []string {
	var names []string
	n := cfg.Notify
	if strings.TrimSpace(n.DiscordWebhookURL) != "" {
		names = append(names, "discord")
	}
	if strings.TrimSpace(n.SlackWebhookURL) != "" {
		names = append(names, "slack")
	}
	if n.Telegram != nil {
		names = append(names, "telegram")
	}
	if n.Email != nil {
		names = append(names, "email")
	}
	return names
}

// SelfTest drives the full pipeline against scripted fetch outcomes and a
// dry-run channel: no network, no config file. One cycle per scripted step,
// then the accumulated counters are checked against what the script must
// produce (one announced opening, one suppressed flap, one fetch failure).
func SelfTest(ctx context.Context, w io.Writer) error {
	logSvc, log := logx.New(logx.Config{Level: "info", Console: true})
	defer logSvc.Close()
	log = log.With(logx.String("comp", "selftest"))

	bus := eventbus.New()
	script := fetch.SelfTestScript()
	disp := notify.New(notify.Config{}, []notify.Channel{notify.NewDryRun(log)}, log, bus)

	reg := monitor.NewRegistry()
	const target = "SELFTEST"
	if err := reg.Register(target); err != nil {
		return err
	}

	base := time.Second
	mon, err := monitor.New(monitor.Config{
		CheckInterval:  base,
		CacheTTL:       0, // every cycle fetches, so the script advances
		NotifyCooldown: time.Hour,
		MaxBackoff:     4 * base,
		JitterFraction: 0,
	}, reg, monitor.Deps{
		Fetcher:  script,
		Notifier: disp,
		Bus:      bus,
		Log:      log,
	})
	if err != nil {
		return err
	}

	var (
		notified, failures, sendErrs int
		kinds                        []monitor.DetectionKind
		delays                       []time.Duration
	)
	for i := 0; i < script.Len(); i++ {
		res, err := mon.RunOnce(ctx)
		if err != nil {
			return err
		}
		notified += res.Notified
		failures += res.Failures
		sendErrs += res.SendErrs
		for _, d := range res.Detections {
			kinds = append(kinds, d.Kind)
		}
		delays = append(delays, res.NextDelay)
		fmt.Fprintf(w, "cycle %d: detections=%d notified=%d failures=%d next=%s\n",
			i+1, len(res.Detections), res.Notified, res.Failures, res.NextDelay)
	}

	want := []monitor.DetectionKind{
		monitor.Unchanged,
		monitor.BecameAvailable,
		monitor.BecameUnavailable,
		monitor.BecameAvailable,
		monitor.FetchFailed,
		monitor.BecameUnavailable,
	}
	if len(kinds) != len(want) {
		return fmt.Errorf("self-test: saw %d detections, want %d", len(kinds), len(want))
	}
	for i := range want {
		if kinds[i] != want[i] {
			return fmt.Errorf("self-test: cycle %d detected %s, want %s", i+1, kinds[i], want[i])
		}
	}
	if notified != 1 {
		return fmt.Errorf("self-test: %d notifications sent, want exactly 1 (flap must be cooldown-suppressed)", notified)
	}
	if sendErrs != 0 {
		return fmt.Errorf("self-test: %d send errors, want 0", sendErrs)
	}
	if failures != 1 {
		return fmt.Errorf("self-test: %d fetch failures, want exactly 1", failures)
	}
	if got := delays[4]; got != 2*base {
		return fmt.Errorf("self-test: delay after failed cycle = %s, want %s", got, 2*base)
	}
	if got := delays[5]; got != base {
		return fmt.Errorf("self-test: delay after recovery = %s, want %s (backoff must reset)", got, base)
	}

	fmt.Fprintln(w, "self-test passed")
	return nil
}
