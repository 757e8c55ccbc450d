package report

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"tfmon/internal/eventbus"
	"tfmon/internal/monitor"
	"tfmon/internal/notify"
	logx "tfmon/pkg/logx"
)

type fakeSender struct {
	mu     sync.Mutex
	titles []string
	bodies []string
	fail   bool
}

func (f *fakeSender) SendText(_ context.Context, title, body string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return errors.New("boom")
	}
	f.titles = append(f.titles, title)
	f.bodies = append(f.bodies, body)
	return nil
}

func (f *fakeSender) last() (string, string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.bodies) == 0 {
		return "", ""
	}
	return f.titles[len(f.titles)-1], f.bodies[len(f.bodies)-1]
}

func detection(target string, kind monitor.DetectionKind, cur monitor.Availability) eventbus.Event {
	return eventbus.Event{
		Type: "monitor.detection",
		Data: monitor.Detection{Target: target, Kind: kind, Current: cur, At: time.Now()},
	}
}

func TestHandleAccumulatesAndEmit(t *testing.T) {
	t.Parallel()
	sender := &fakeSender{}
	s := New(Config{Enabled: true}, sender, eventbus.New(), logx.Nop())

	s.handle(eventbus.Event{Type: "monitor.cycle", Data: monitor.CycleResult{
		Detections: make([]monitor.Detection, 3), CacheHits: 2, Failures: 1,
	}})
	s.handle(detection("ABCD1234", monitor.BecameAvailable, monitor.Available))
	s.handle(detection("EFGH5678", monitor.Unchanged, monitor.Unavailable))
	s.handle(eventbus.Event{Type: "notify.sent", Data: notify.NotificationEvent{Channel: "slack", Kind: "became_available"}})
	s.handle(eventbus.Event{Type: "notify.failed", Data: notify.NotificationEvent{Channel: "discord", Kind: "became_available", Error: "500"}})

	s.emit(context.Background())

	title, body := sender.last()
	if title != "TestFlight Monitor Status" {
		t.Fatalf("title = %q", title)
	}
	for _, want := range []string{
		"cycles: 1, checks: 3, cache hits: 2",
		"fetch failures: 1, transitions: 1",
		"notifications: 1 sent, 1 failed",
		"ABCD1234: available",
		"EFGH5678: unavailable",
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("digest missing %q:\n%s", want, body)
		}
	}
}

func TestEmitResetsWindow(t *testing.T) {
	t.Parallel()
	sender := &fakeSender{}
	s := New(Config{Enabled: true}, sender, eventbus.New(), logx.Nop())

	s.handle(detection("ABCD1234", monitor.BecameAvailable, monitor.Available))
	s.emit(context.Background())
	s.emit(context.Background())

	_, body := sender.last()
	if !strings.Contains(body, "notifications: 0 sent, 0 failed") {
		t.Fatalf("second digest not reset:\n%s", body)
	}
	if strings.Contains(body, "ABCD1234") {
		t.Fatalf("per-target state kept across reset:\n%s", body)
	}
}

func TestEmitKeepsCountersOnSendFailure(t *testing.T) {
	t.Parallel()
	sender := &fakeSender{fail: true}
	s := New(Config{Enabled: true}, sender, eventbus.New(), logx.Nop())

	s.handle(detection("ABCD1234", monitor.BecameAvailable, monitor.Available))
	s.emit(context.Background())

	s.mu.Lock()
	transitions := s.agg.transitions
	s.mu.Unlock()
	if transitions != 1 {
		t.Fatalf("transitions after failed emit = %d, want 1", transitions)
	}
}

func TestOperationalSendsNotCounted(t *testing.T) {
	t.Parallel()
	s := New(Config{Enabled: true}, &fakeSender{}, eventbus.New(), logx.Nop())
	s.handle(eventbus.Event{Type: "notify.sent", Data: notify.NotificationEvent{Channel: "slack", Kind: "operational"}})

	s.mu.Lock()
	sent := s.agg.sent
	s.mu.Unlock()
	if sent != 0 {
		t.Fatalf("operational send counted: %d", sent)
	}
}

func TestStartDisabledIsNoop(t *testing.T) {
	t.Parallel()
	s := New(Config{}, &fakeSender{}, eventbus.New(), logx.Nop())
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start error: %v", err)
	}
	if s.c != nil {
		t.Fatal("cron started for disabled digest")
	}
}

func TestStartRejectsBadSchedule(t *testing.T) {
	t.Parallel()
	s := New(Config{Enabled: true, Schedule: "not a cron"}, &fakeSender{}, eventbus.New(), logx.Nop())
	if err := s.Start(context.Background()); err == nil {
		t.Fatal("expected error for invalid schedule")
	}
}

func TestBusEventsReachAggregator(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bus := eventbus.New()
	s := New(Config{Enabled: true, Schedule: "0 9 * * *"}, &fakeSender{}, bus, logx.Nop())
	if err := s.Start(ctx); err != nil {
		t.Fatalf("Start error: %v", err)
	}
	defer s.Stop()

	bus.Publish(detection("ABCD1234", monitor.BecameAvailable, monitor.Available))

	deadline := time.Now().Add(2 * time.Second)
	for {
		s.mu.Lock()
		n := s.agg.transitions
		s.mu.Unlock()
		if n == 1 {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("transition never aggregated (got %d)", n)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestStartTwiceFails(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s := New(Config{Enabled: true}, &fakeSender{}, eventbus.New(), logx.Nop())
	if err := s.Start(ctx); err != nil {
		t.Fatalf("Start error: %v", err)
	}
	defer s.Stop()
	if err := s.Start(ctx); err == nil {
		t.Fatal("expected error for double start")
	}
}
