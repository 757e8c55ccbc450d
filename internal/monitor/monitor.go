package monitor

import (
	"context"
	"errors"
	"time"

	"tfmon/internal/eventbus"
	logx "tfmon/pkg/logx"
)

// Config carries the loop knobs. All values are fixed for a process run.
type Config struct {
	CheckInterval  time.Duration
	CacheTTL       time.Duration
	NotifyCooldown time.Duration
	MaxBackoff     time.Duration
	JitterFraction float64
	FetchTimeout   time.Duration
}

func (c *Config) normalize() {
	if c.CheckInterval <= 0 {
		c.CheckInterval = 5 * time.Minute
	}
	if c.FetchTimeout <= 0 {
		c.FetchTimeout = 30 * time.Second
	}
	if c.MaxBackoff < c.CheckInterval {
		c.MaxBackoff = c.CheckInterval
	}
}

// Deps are the loop's collaborators. Fetcher and Notifier are required;
// Journal and Bus may be nil (no persistence, no event fanout).
type Deps struct {
	Fetcher  Fetcher
	Notifier Notifier
	Journal  Journal
	Bus      eventbus.Bus
	Log      logx.Logger
}

// CycleResult summarizes one pass over all targets.
type CycleResult struct {
	Started    time.Time
	Elapsed    time.Duration
	Detections []Detection
	CacheHits  int
	Failures   int
	Notified   int
	SendErrs   int
	NextDelay  time.Duration
	Stopped    bool
}

// Monitor drives the check loop over a fixed target set.
type Monitor struct {
	cfg      Config
	log      logx.Logger
	reg      *Registry
	cache    *ResultCache
	gate     *CooldownGate
	backoff  *BackoffController
	fetcher  Fetcher
	notifier Notifier
	journal  Journal
	bus      eventbus.Bus

	now func() time.Time
}

func New(cfg Config, reg *Registry, deps Deps) (*Monitor, error) {
	cfg.normalize()
	if reg == nil || reg.Len() == 0 {
		return nil, errors.New("no targets registered")
	}
	if deps.Fetcher == nil {
		return nil, errors.New("fetcher is required")
	}
	if deps.Notifier == nil {
		return nil, errors.New("notifier is required")
	}
	log := deps.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	journal := deps.Journal
	if journal == nil {
		journal = nopJournal{}
	}
	return &Monitor{
		cfg:      cfg,
		log:      log,
		reg:      reg,
		cache:    NewResultCache(cfg.CacheTTL),
		gate:     NewCooldownGate(cfg.NotifyCooldown),
		backoff:  NewBackoffController(cfg.CheckInterval, cfg.MaxBackoff, cfg.JitterFraction),
		fetcher:  deps.Fetcher,
		notifier: deps.Notifier,
		journal:  journal,
		bus:      deps.Bus,
		now:      time.Now,
	}, nil
}

// SeedCooldown restores a persisted cooldown mark before the loop starts,
// so a restart inside the window does not re-alert.
func (m *Monitor) SeedCooldown(target string, at time.Time) {
	m.gate.Seed(target, at)
}

// Targets returns the monitored target set in check order.
func (m *Monitor) Targets() []string { return m.reg.Targets() }

// Run checks all targets, sleeps the backoff-computed delay, and repeats
// until ctx is cancelled. The first cycle starts immediately.
func (m *Monitor) Run(ctx context.Context) error {
	m.log.Info("monitor started",
		logx.Int("targets", m.reg.Len()),
		logx.Duration("interval", m.cfg.CheckInterval),
		logx.Duration("cache_ttl", m.cfg.CacheTTL),
		logx.Duration("cooldown", m.cfg.NotifyCooldown),
	)

	for {
		res := m.runCycle(ctx)
		if res.Stopped {
			m.publishCycle(res)
			m.log.Info("monitor stopped mid-cycle")
			return nil
		}

		res.NextDelay = m.backoff.OnCycleResult(res.Failures > 0)
		m.publishCycle(res)

		fields := []logx.Field{
			logx.Int("checked", len(res.Detections)),
			logx.Int("cache_hits", res.CacheHits),
			logx.Int("failures", res.Failures),
			logx.Int("notified", res.Notified),
			logx.Duration("elapsed", res.Elapsed),
			logx.Duration("next_check_in", res.NextDelay),
		}
		if streak := m.backoff.ConsecutiveFailures(); streak > 0 {
			fields = append(fields, logx.Int("failure_streak", streak))
			m.log.Warn("cycle had failures, backing off", fields...)
		} else {
			m.log.Info("cycle complete", fields...)
		}

		if !m.sleepFor(ctx, res.NextDelay) {
			m.log.Info("monitor stopped")
			return nil
		}
	}
}

// RunOnce performs exactly one cycle (single-shot mode). The returned
// error is non-nil only when the cycle was cut short by ctx.
func (m *Monitor) RunOnce(ctx context.Context) (CycleResult, error) {
	res := m.runCycle(ctx)
	res.NextDelay = m.backoff.OnCycleResult(res.Failures > 0)
	m.publishCycle(res)
	if res.Stopped {
		return res, ctx.Err()
	}
	return res, nil
}

func (m *Monitor) runCycle(ctx context.Context) CycleResult {
	res := CycleResult{Started: m.now()}
	for _, target := range m.reg.Targets() {
		if ctx.Err() != nil {
			res.Stopped = true
			break
		}
		d, ok := m.checkTarget(ctx, target, &res)
		if !ok {
			// Cancelled mid-fetch; no state was mutated for this target.
			res.Stopped = true
			break
		}
		res.Detections = append(res.Detections, d)
		if d.Kind == FetchFailed {
			res.Failures++
		}
	}
	res.Elapsed = m.now().Sub(res.Started)
	return res
}

// checkTarget runs the fetch/classify/cache/notify sequence for one target.
// The sequence completes atomically once a result is in hand; a false
// return means shutdown interrupted the fetch before any mutation.
func (m *Monitor) checkTarget(ctx context.Context, target string, res *CycleResult) (Detection, bool) {
	now := m.now()
	log := m.log.With(logx.String("target", target))

	previous := Unknown
	if prev, ok := m.cache.Get(target); ok {
		previous = prev.Availability
	}

	var (
		current  Availability
		fetchErr error
	)
	cached := m.cache.Fresh(target, now)
	if cached {
		current = previous
		res.CacheHits++
		log.Debug("cache fresh, skipping fetch", logx.String("availability", current.String()))
	} else {
		fctx, cancel := context.WithTimeout(ctx, m.cfg.FetchTimeout)
		current, fetchErr = m.fetcher.Fetch(fctx, target)
		cancel()
		if fetchErr != nil && ctx.Err() != nil {
			return Detection{}, false
		}
	}

	d := Classify(target, previous, current, fetchErr, now)

	if fetchErr == nil && !cached {
		m.cache.Put(target, current, now)
	}

	switch d.Kind {
	case FetchFailed:
		log.Warn("check failed", logx.String("err", d.Err))
	case BecameAvailable:
		log.Info("slot opened", logx.String("previous", d.Previous.String()))
	case BecameUnavailable:
		log.Info("slot closed")
	default:
		log.Debug("availability unchanged",
			logx.String("availability", current.String()),
			logx.Bool("cached", cached),
		)
	}

	if d.Notifiable() {
		m.notify(ctx, d, res, log)
	}

	if d.Kind != Unchanged {
		if err := m.journal.AppendDetection(ctx, d); err != nil {
			log.Warn("journal append failed", logx.Err(err))
		}
	}
	if m.bus != nil {
		m.bus.Publish(eventbus.Event{Type: "monitor.detection", Time: d.At, Data: d})
	}
	return d, true
}

// notify pushes a detection through the cooldown gate and, on a confirmed
// send, records the mark. A failed send leaves the gate untouched so the
// next cycle may try again.
func (m *Monitor) notify(ctx context.Context, d Detection, res *CycleResult, log logx.Logger) {
	if !m.gate.ShouldNotify(d.Target, d.At) {
		last, _ := m.gate.Last(d.Target)
		log.Info("notification suppressed by cooldown",
			logx.Time("last_notified", last),
			logx.Duration("window", m.gate.Window()),
		)
		return
	}

	if err := m.notifier.Send(ctx, d); err != nil {
		res.SendErrs++
		log.Warn("notification failed, cooldown untouched", logx.Err(err))
		return
	}

	res.Notified++
	m.gate.RecordNotified(d.Target, d.At)
	if err := m.journal.PutCooldown(ctx, d.Target, d.At); err != nil {
		log.Warn("cooldown persist failed", logx.Err(err))
	}
	log.Info("notification sent")
}

func (m *Monitor) publishCycle(res CycleResult) {
	if m.bus == nil {
		return
	}
	m.bus.Publish(eventbus.Event{Type: "monitor.cycle", Time: res.Started, Data: res})
}

func (m *Monitor) sleepFor(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
