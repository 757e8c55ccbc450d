package monitor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"tfmon/internal/eventbus"
	logx "tfmon/pkg/logx"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type fetchStep struct {
	av  Availability
	err error
}

// fakeFetcher replays a per-target script; the last step repeats.
type fakeFetcher struct {
	mu     sync.Mutex
	script map[string][]fetchStep
	calls  map[string]int
}

func newFakeFetcher() *fakeFetcher {
	return &fakeFetcher{script: map[string][]fetchStep{}, calls: map[string]int{}}
}

func (f *fakeFetcher) add(target string, steps ...fetchStep) {
	f.script[target] = append(f.script[target], steps...)
}

func (f *fakeFetcher) Fetch(_ context.Context, target string) (Availability, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[target]++
	q := f.script[target]
	if len(q) == 0 {
		return Unavailable, nil
	}
	step := q[0]
	if len(q) > 1 {
		f.script[target] = q[1:]
	}
	return step.av, step.err
}

func (f *fakeFetcher) callCount(target string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[target]
}

type fetcherFunc func(ctx context.Context, target string) (Availability, error)

func (fn fetcherFunc) Fetch(ctx context.Context, target string) (Availability, error) {
	return fn(ctx, target)
}

// fakeNotifier fails the first failFirst sends, then accepts.
type fakeNotifier struct {
	mu        sync.Mutex
	sent      []Detection
	attempts  int
	failFirst int
}

func (f *fakeNotifier) Send(_ context.Context, d Detection) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attempts++
	if f.attempts <= f.failFirst {
		return errors.New("all channels failed")
	}
	f.sent = append(f.sent, d)
	return nil
}

func (f *fakeNotifier) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

type fakeJournal struct {
	mu        sync.Mutex
	appended  []Detection
	cooldowns map[string]time.Time
}

func newFakeJournal() *fakeJournal {
	return &fakeJournal{cooldowns: map[string]time.Time{}}
}

func (j *fakeJournal) AppendDetection(_ context.Context, d Detection) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.appended = append(j.appended, d)
	return nil
}

func (j *fakeJournal) PutCooldown(_ context.Context, target string, at time.Time) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.cooldowns[target] = at
	return nil
}

func newTestMonitor(t *testing.T, cfg Config, targets []string, deps Deps) (*Monitor, *fakeClock) {
	t.Helper()
	reg := NewRegistry()
	for _, id := range targets {
		if err := reg.Register(id); err != nil {
			t.Fatalf("Register(%q) error: %v", id, err)
		}
	}
	if deps.Log.IsZero() {
		deps.Log = logx.Nop()
	}
	m, err := New(cfg, reg, deps)
	if err != nil {
		t.Fatalf("New error: %v", err)
	}
	clk := &fakeClock{t: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	m.now = clk.Now
	return m, clk
}

func TestMonitorFirstAvailableNotifies(t *testing.T) {
	t.Parallel()
	fetcher := newFakeFetcher()
	fetcher.add("CODE12345", fetchStep{av: Available})
	notifier := &fakeNotifier{}

	m, _ := newTestMonitor(t,
		Config{CheckInterval: time.Minute, NotifyCooldown: 10 * time.Minute},
		[]string{"CODE12345"},
		Deps{Fetcher: fetcher, Notifier: notifier},
	)

	res, err := m.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce error: %v", err)
	}
	if len(res.Detections) != 1 {
		t.Fatalf("detections = %d, want 1", len(res.Detections))
	}
	if res.Detections[0].Kind != BecameAvailable {
		t.Fatalf("Kind = %s, want %s", res.Detections[0].Kind, BecameAvailable)
	}
	if notifier.sentCount() != 1 {
		t.Fatalf("sent = %d, want 1", notifier.sentCount())
	}
	if res.Notified != 1 {
		t.Fatalf("Notified = %d, want 1", res.Notified)
	}
	if res.NextDelay != time.Minute {
		t.Fatalf("NextDelay = %v, want base interval", res.NextDelay)
	}
}

// Full suppression timeline: notify at t=0, flap back available at t=400
// is suppressed, flap at t=900 notifies again (900s >= 600s window).
func TestMonitorCooldownTimeline(t *testing.T) {
	t.Parallel()
	fetcher := newFakeFetcher()
	fetcher.add("CODE12345",
		fetchStep{av: Available},   // t=0    became_available, notify
		fetchStep{av: Unavailable}, // t=300  became_unavailable
		fetchStep{av: Available},   // t=400  became_available, suppressed
		fetchStep{av: Unavailable}, // t=500  became_unavailable
		fetchStep{av: Available},   // t=900  became_available, permitted
	)
	notifier := &fakeNotifier{}
	journal := newFakeJournal()

	m, clk := newTestMonitor(t,
		Config{CheckInterval: time.Minute, NotifyCooldown: 600 * time.Second},
		[]string{"CODE12345"},
		Deps{Fetcher: fetcher, Notifier: notifier, Journal: journal},
	)

	steps := []struct {
		advance  time.Duration
		wantKind DetectionKind
		wantSent int
	}{
		{advance: 0, wantKind: BecameAvailable, wantSent: 1},
		{advance: 300 * time.Second, wantKind: BecameUnavailable, wantSent: 1},
		{advance: 100 * time.Second, wantKind: BecameAvailable, wantSent: 1}, // suppressed
		{advance: 100 * time.Second, wantKind: BecameUnavailable, wantSent: 1},
		{advance: 400 * time.Second, wantKind: BecameAvailable, wantSent: 2},
	}

	for i, step := range steps {
		clk.Advance(step.advance)
		res, err := m.RunOnce(context.Background())
		if err != nil {
			t.Fatalf("cycle %d: RunOnce error: %v", i, err)
		}
		if got := res.Detections[0].Kind; got != step.wantKind {
			t.Fatalf("cycle %d: Kind = %s, want %s", i, got, step.wantKind)
		}
		if got := notifier.sentCount(); got != step.wantSent {
			t.Fatalf("cycle %d: sent = %d, want %d", i, got, step.wantSent)
		}
	}

	// Confirmed sends persisted their cooldown marks.
	if at, ok := journal.cooldowns["CODE12345"]; !ok || at.IsZero() {
		t.Fatal("cooldown mark not journaled")
	}
}

func TestMonitorFailedSendDoesNotConsumeCooldown(t *testing.T) {
	t.Parallel()
	fetcher := newFakeFetcher()
	fetcher.add("CODE12345",
		fetchStep{av: Available},   // send fails
		fetchStep{av: Unavailable}, //
		fetchStep{av: Available},   // send succeeds immediately, no suppression
	)
	notifier := &fakeNotifier{failFirst: 1}
	journal := newFakeJournal()

	m, clk := newTestMonitor(t,
		Config{CheckInterval: time.Minute, NotifyCooldown: time.Hour},
		[]string{"CODE12345"},
		Deps{Fetcher: fetcher, Notifier: notifier, Journal: journal},
	)

	res, _ := m.RunOnce(context.Background())
	if res.SendErrs != 1 || res.Notified != 0 {
		t.Fatalf("SendErrs = %d, Notified = %d, want 1, 0", res.SendErrs, res.Notified)
	}
	if _, ok := journal.cooldowns["CODE12345"]; ok {
		t.Fatal("failed send must not persist a cooldown mark")
	}

	clk.Advance(time.Minute)
	m.RunOnce(context.Background()) // became_unavailable

	clk.Advance(time.Minute)
	res, _ = m.RunOnce(context.Background())
	if res.Notified != 1 {
		t.Fatalf("Notified = %d, want 1 (gate must still be open)", res.Notified)
	}
	if notifier.sentCount() != 1 {
		t.Fatalf("sent = %d, want 1", notifier.sentCount())
	}
}

func TestMonitorCacheShortCircuitsFetch(t *testing.T) {
	t.Parallel()
	fetcher := newFakeFetcher()
	fetcher.add("CODE12345", fetchStep{av: Available})
	notifier := &fakeNotifier{}

	m, clk := newTestMonitor(t,
		Config{CheckInterval: time.Minute, CacheTTL: 10 * time.Minute, NotifyCooldown: time.Hour},
		[]string{"CODE12345"},
		Deps{Fetcher: fetcher, Notifier: notifier},
	)

	m.RunOnce(context.Background())
	if got := fetcher.callCount("CODE12345"); got != 1 {
		t.Fatalf("calls = %d, want 1", got)
	}

	// Within TTL: served from cache, classified unchanged.
	clk.Advance(time.Minute)
	res, _ := m.RunOnce(context.Background())
	if got := fetcher.callCount("CODE12345"); got != 1 {
		t.Fatalf("calls = %d, want 1 (cache must short-circuit)", got)
	}
	if res.CacheHits != 1 {
		t.Fatalf("CacheHits = %d, want 1", res.CacheHits)
	}
	if res.Detections[0].Kind != Unchanged {
		t.Fatalf("Kind = %s, want %s", res.Detections[0].Kind, Unchanged)
	}

	// Past TTL: fetches again.
	clk.Advance(10 * time.Minute)
	m.RunOnce(context.Background())
	if got := fetcher.callCount("CODE12345"); got != 2 {
		t.Fatalf("calls = %d, want 2 (stale entry must refetch)", got)
	}
}

func TestMonitorFetchFailurePreservesState(t *testing.T) {
	t.Parallel()
	fetcher := newFakeFetcher()
	fetcher.add("CODE12345",
		fetchStep{av: Available},
		fetchStep{err: errors.New("connect refused")},
		fetchStep{av: Unavailable},
	)
	notifier := &fakeNotifier{}
	journal := newFakeJournal()

	m, clk := newTestMonitor(t,
		Config{CheckInterval: time.Minute, NotifyCooldown: time.Hour},
		[]string{"CODE12345"},
		Deps{Fetcher: fetcher, Notifier: notifier, Journal: journal},
	)

	m.RunOnce(context.Background())

	clk.Advance(time.Minute)
	res, _ := m.RunOnce(context.Background())
	if res.Failures != 1 {
		t.Fatalf("Failures = %d, want 1", res.Failures)
	}
	d := res.Detections[0]
	if d.Kind != FetchFailed || d.Previous != Available || d.Current != Available {
		t.Fatalf("detection = %+v, want fetch_failed keeping available", d)
	}
	if e, _ := m.cache.Get("CODE12345"); e.Availability != Available {
		t.Fatalf("cache = %s, want available (failure must not clobber)", e.Availability)
	}

	// The preserved state makes the next real observation a clean edge.
	clk.Advance(time.Minute)
	res, _ = m.RunOnce(context.Background())
	if res.Detections[0].Kind != BecameUnavailable {
		t.Fatalf("Kind = %s, want %s", res.Detections[0].Kind, BecameUnavailable)
	}

	// All three cycles produced journal entries (none were unchanged).
	journal.mu.Lock()
	defer journal.mu.Unlock()
	if len(journal.appended) != 3 {
		t.Fatalf("journaled = %d, want 3", len(journal.appended))
	}
}

func TestMonitorPartialFailureIsolation(t *testing.T) {
	t.Parallel()
	fetcher := newFakeFetcher()
	fetcher.add("BADCODE99", fetchStep{err: errors.New("timeout")})
	fetcher.add("GOODCODE1", fetchStep{av: Available})
	notifier := &fakeNotifier{}

	m, _ := newTestMonitor(t,
		Config{CheckInterval: time.Minute, NotifyCooldown: time.Hour},
		[]string{"BADCODE99", "GOODCODE1"},
		Deps{Fetcher: fetcher, Notifier: notifier},
	)

	res, err := m.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce error: %v", err)
	}
	if len(res.Detections) != 2 {
		t.Fatalf("detections = %d, want 2 (one bad target must not abort the cycle)", len(res.Detections))
	}
	if res.Detections[0].Kind != FetchFailed {
		t.Fatalf("first Kind = %s, want %s", res.Detections[0].Kind, FetchFailed)
	}
	if res.Detections[1].Kind != BecameAvailable {
		t.Fatalf("second Kind = %s, want %s", res.Detections[1].Kind, BecameAvailable)
	}
	if res.Failures != 1 || res.Notified != 1 {
		t.Fatalf("Failures = %d, Notified = %d, want 1, 1", res.Failures, res.Notified)
	}
}

func TestMonitorStopsBetweenTargets(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	fetcher := fetcherFunc(func(_ context.Context, _ string) (Availability, error) {
		cancel() // stop requested while the first target is in flight
		return Unavailable, nil
	})
	notifier := &fakeNotifier{}

	m, _ := newTestMonitor(t,
		Config{CheckInterval: time.Minute},
		[]string{"ALPHA1234", "BRAVO5678", "CHARLIE99"},
		Deps{Fetcher: fetcher, Notifier: notifier},
	)

	res, err := m.RunOnce(ctx)
	if !res.Stopped {
		t.Fatal("cycle not marked stopped")
	}
	if len(res.Detections) != 1 {
		t.Fatalf("detections = %d, want 1 (in-flight target completes, rest skipped)", len(res.Detections))
	}
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}

func TestMonitorAbandonedFetchMutatesNothing(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	fetcher := fetcherFunc(func(fctx context.Context, _ string) (Availability, error) {
		cancel()
		<-fctx.Done()
		return Unknown, fctx.Err()
	})
	journal := newFakeJournal()

	m, _ := newTestMonitor(t,
		Config{CheckInterval: time.Minute},
		[]string{"CODE12345"},
		Deps{Fetcher: fetcher, Notifier: &fakeNotifier{}, Journal: journal},
	)

	res, _ := m.RunOnce(ctx)
	if !res.Stopped {
		t.Fatal("cycle not marked stopped")
	}
	if len(res.Detections) != 0 {
		t.Fatalf("detections = %d, want 0", len(res.Detections))
	}
	if m.cache.Len() != 0 {
		t.Fatal("cache mutated by abandoned fetch")
	}
	journal.mu.Lock()
	defer journal.mu.Unlock()
	if len(journal.appended) != 0 {
		t.Fatal("journal mutated by abandoned fetch")
	}
}

func TestMonitorPublishesEvents(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	ch, unsub := bus.Subscribe(16)
	defer unsub()

	fetcher := newFakeFetcher()
	fetcher.add("CODE12345", fetchStep{av: Available})

	m, _ := newTestMonitor(t,
		Config{CheckInterval: time.Minute},
		[]string{"CODE12345"},
		Deps{Fetcher: fetcher, Notifier: &fakeNotifier{}, Bus: bus},
	)
	m.RunOnce(context.Background())

	var detections, cycles int
	for i := 0; i < 2; i++ {
		select {
		case e := <-ch:
			switch e.Type {
			case "monitor.detection":
				detections++
			case "monitor.cycle":
				cycles++
			default:
				t.Fatalf("unexpected event type %q", e.Type)
			}
		case <-time.After(time.Second):
			t.Fatal("bus events not published")
		}
	}
	if detections != 1 || cycles != 1 {
		t.Fatalf("detections = %d, cycles = %d, want 1, 1", detections, cycles)
	}
}

func TestMonitorSeedCooldownSuppressesAcrossRestart(t *testing.T) {
	t.Parallel()
	fetcher := newFakeFetcher()
	fetcher.add("CODE12345", fetchStep{av: Available})
	notifier := &fakeNotifier{}

	m, clk := newTestMonitor(t,
		Config{CheckInterval: time.Minute, NotifyCooldown: 10 * time.Minute},
		[]string{"CODE12345"},
		Deps{Fetcher: fetcher, Notifier: notifier},
	)
	// As if the previous process notified one minute before this run.
	m.SeedCooldown("CODE12345", clk.Now().Add(-time.Minute))

	res, _ := m.RunOnce(context.Background())
	if res.Detections[0].Kind != BecameAvailable {
		t.Fatalf("Kind = %s, want %s", res.Detections[0].Kind, BecameAvailable)
	}
	if notifier.sentCount() != 0 {
		t.Fatalf("sent = %d, want 0 (seeded cooldown must suppress)", notifier.sentCount())
	}
}

func TestMonitorRunHonorsCancel(t *testing.T) {
	t.Parallel()
	reg := NewRegistry()
	if err := reg.Register("CODE12345"); err != nil {
		t.Fatalf("Register error: %v", err)
	}
	m, err := New(
		Config{CheckInterval: 20 * time.Millisecond, MaxBackoff: 40 * time.Millisecond},
		reg,
		Deps{
			Fetcher:  fetcherFunc(func(context.Context, string) (Availability, error) { return Unavailable, nil }),
			Notifier: &fakeNotifier{},
			Log:      logx.Nop(),
		},
	)
	if err != nil {
		t.Fatalf("New error: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run = %v, want nil on cancel", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop after cancel")
	}
}

func TestMonitorNewValidation(t *testing.T) {
	t.Parallel()
	reg := NewRegistry()
	if err := reg.Register("CODE12345"); err != nil {
		t.Fatalf("Register error: %v", err)
	}
	fetcher := newFakeFetcher()

	if _, err := New(Config{}, NewRegistry(), Deps{Fetcher: fetcher, Notifier: &fakeNotifier{}}); err == nil {
		t.Fatal("expected error for empty registry")
	}
	if _, err := New(Config{}, reg, Deps{Notifier: &fakeNotifier{}}); err == nil {
		t.Fatal("expected error for nil fetcher")
	}
	if _, err := New(Config{}, reg, Deps{Fetcher: fetcher}); err == nil {
		t.Fatal("expected error for nil notifier")
	}
}
