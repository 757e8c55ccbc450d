// Package report emits a scheduled status digest so operators see the
// monitor is alive even on quiet days.
package report

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"tfmon/internal/eventbus"
	"tfmon/internal/monitor"
	"tfmon/internal/notify"
	logx "tfmon/pkg/logx"
)

const DefaultSchedule = "0 9 * * *"

type Config struct {
	Enabled  bool
	Schedule string // standard 5-field cron spec; default DefaultSchedule
	Timezone string // IANA TZ; empty means local
}

// Sender is the digest's delivery seam, satisfied by notify.Dispatcher.
type Sender interface {
	SendText(ctx context.Context, title, body string) error
}

// stats accumulates bus events between digests.
type stats struct {
	since         time.Time
	cycles        int
	checks        int
	cacheHits     int
	fetchFailures int
	transitions   int
	sent          int
	failed        int
	availability  map[string]monitor.Availability
}

// Service subscribes to the event bus, accumulates counters, and sends a
// plain-text digest on a cron schedule, resetting afterwards.
type Service struct {
	cfg    Config
	log    logx.Logger
	bus    eventbus.Bus
	sender Sender

	parser cron.Parser

	mu    sync.Mutex
	c     *cron.Cron
	unsub func()
	agg   stats

	now func() time.Time
}

func New(cfg Config, sender Sender, bus eventbus.Bus, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:    cfg,
		log:    log,
		bus:    bus,
		sender: sender,
		parser: cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		agg:    stats{availability: map[string]monitor.Availability{}},
		now:    time.Now,
	}
}

func (s *Service) Enabled() bool { return s.cfg.Enabled }

// Start registers the cron entry and begins consuming bus events.
// No-op when the digest is disabled.
func (s *Service) Start(ctx context.Context) error {
	if !s.cfg.Enabled {
		return nil
	}
	if s.sender == nil {
		return errors.New("report: sender is required")
	}
	if s.bus == nil {
		return errors.New("report: event bus is required")
	}

	spec := strings.TrimSpace(s.cfg.Schedule)
	if spec == "" {
		spec = DefaultSchedule
	}
	loc := time.Local
	if tz := strings.TrimSpace(s.cfg.Timezone); tz != "" {
		l, err := time.LoadLocation(tz)
		if err != nil {
			return fmt.Errorf("report: timezone %q: %w", tz, err)
		}
		loc = l
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return errors.New("report: already started")
	}

	c := cron.New(cron.WithParser(s.parser), cron.WithLocation(loc))
	if _, err := c.AddFunc(spec, func() { s.emit(ctx) }); err != nil {
		return fmt.Errorf("report: schedule %q: %w", spec, err)
	}

	ch, unsub := s.bus.Subscribe(64)
	go s.consume(ctx, ch)

	s.agg = stats{since: s.now(), availability: map[string]monitor.Availability{}}
	s.c = c
	s.unsub = unsub
	c.Start()

	next := time.Time{}
	if entries := c.Entries(); len(entries) > 0 {
		next = entries[0].Next
	}
	s.log.Info("report digest scheduled",
		logx.String("schedule", spec),
		logx.String("tz", loc.String()),
		logx.Time("next", next),
	)
	return nil
}

func (s *Service) Stop() {
	s.mu.Lock()
	c := s.c
	unsub := s.unsub
	s.c = nil
	s.unsub = nil
	s.mu.Unlock()

	if c != nil {
		<-c.Stop().Done()
	}
	if unsub != nil {
		unsub()
	}
}

func (s *Service) consume(ctx context.Context, ch <-chan eventbus.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			s.handle(ev)
		}
	}
}

func (s *Service) handle(ev eventbus.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch ev.Type {
	case "monitor.cycle":
		res, ok := ev.Data.(monitor.CycleResult)
		if !ok {
			return
		}
		s.agg.cycles++
		s.agg.checks += len(res.Detections)
		s.agg.cacheHits += res.CacheHits
		s.agg.fetchFailures += res.Failures
	case "monitor.detection":
		d, ok := ev.Data.(monitor.Detection)
		if !ok {
			return
		}
		if d.Kind == monitor.BecameAvailable || d.Kind == monitor.BecameUnavailable {
			s.agg.transitions++
		}
		s.agg.availability[d.Target] = d.Current
	case "notify.sent":
		if ne, ok := ev.Data.(notify.NotificationEvent); ok && ne.Kind != "operational" {
			s.agg.sent++
		}
	case "notify.failed":
		if ne, ok := ev.Data.(notify.NotificationEvent); ok && ne.Kind != "operational" {
			s.agg.failed++
		}
	}
}

// emit sends the digest and resets the window. Send failures keep the
// counters so the next scheduled run reports the full span.
func (s *Service) emit(ctx context.Context) {
	s.mu.Lock()
	snapshot := s.agg
	// Copy the map so consume can keep mutating the live one while we render.
	snapshot.availability = make(map[string]monitor.Availability, len(s.agg.availability))
	for t, av := range s.agg.availability {
		snapshot.availability[t] = av
	}
	s.mu.Unlock()

	title, body := renderDigest(snapshot, s.now())

	sctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	err := s.sender.SendText(sctx, title, body)
	cancel()
	if err != nil {
		s.log.Warn("report digest send failed", logx.Err(err))
		return
	}

	s.mu.Lock()
	s.agg = stats{since: s.now(), availability: map[string]monitor.Availability{}}
	s.mu.Unlock()
	s.log.Info("report digest sent")
}

func renderDigest(agg stats, now time.Time) (title, body string) {
	title = "TestFlight Monitor Status"

	var b strings.Builder
	if !agg.since.IsZero() {
		fmt.Fprintf(&b, "window: %s to %s\n",
			agg.since.Format("2006-01-02 15:04"), now.Format("2006-01-02 15:04"))
	}
	fmt.Fprintf(&b, "cycles: %d, checks: %d, cache hits: %d\n", agg.cycles, agg.checks, agg.cacheHits)
	fmt.Fprintf(&b, "fetch failures: %d, transitions: %d\n", agg.fetchFailures, agg.transitions)
	fmt.Fprintf(&b, "notifications: %d sent, %d failed\n", agg.sent, agg.failed)

	if len(agg.availability) > 0 {
		targets := make([]string, 0, len(agg.availability))
		for t := range agg.availability {
			targets = append(targets, t)
		}
		sort.Strings(targets)
		b.WriteString("targets:\n")
		for _, t := range targets {
			fmt.Fprintf(&b, "  %s: %s\n", t, agg.availability[t])
		}
	}
	return title, strings.TrimRight(b.String(), "\n")
}
