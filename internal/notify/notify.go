// Package notify fans detections out to the configured channels
// (Discord, Slack, Telegram, email). Delivery is synchronous so the
// caller knows whether anything actually went out: the monitor loop
// only burns a cooldown window on a confirmed send.
package notify

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"golang.org/x/time/rate"

	"tfmon/internal/eventbus"
	"tfmon/internal/fetch"
	"tfmon/internal/monitor"
	logx "tfmon/pkg/logx"
)

var ErrNoChannels = errors.New("no notification channels configured")

// Message is one rendered notification, channel-agnostic.
type Message struct {
	Title  string
	Body   string
	Target string // invite code; empty for operational messages
	Kind   string
	At     time.Time
}

// Channel delivers a rendered message to one destination.
type Channel interface {
	Name() string
	Send(ctx context.Context, msg Message) error
}

// NotificationEvent is the bus payload for notify.sent / notify.failed.
type NotificationEvent struct {
	Channel string    `json:"channel"`
	Target  string    `json:"target,omitempty"`
	Kind    string    `json:"kind"`
	At      time.Time `json:"at"`
	Error   string    `json:"error,omitempty"`
}

type Config struct {
	RatePerSec    float64
	RetryMax      int
	RetryBase     time.Duration
	RetryMaxDelay time.Duration
	SendTimeout   time.Duration
	JoinBaseURL   string
}

func (c *Config) normalize() {
	if c.RatePerSec <= 0 {
		c.RatePerSec = 2
	}
	if c.RetryMax < 0 {
		c.RetryMax = 0
	}
	if c.RetryBase <= 0 {
		c.RetryBase = 500 * time.Millisecond
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = 10 * time.Second
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = 10 * time.Second
	}
}

// Dispatcher pushes messages through every channel with a shared rate
// limit and bounded per-channel retry. A dispatch is acked (nil error)
// when at least one channel confirmed delivery.
//
// It implements monitor.Notifier and logx.AlertSender.
type Dispatcher struct {
	cfg      Config
	log      logx.Logger
	bus      eventbus.Bus
	channels []Channel
	limiter  *rate.Limiter
}

func New(cfg Config, channels []Channel, log logx.Logger, bus eventbus.Bus) *Dispatcher {
	cfg.normalize()
	if log.IsZero() {
		log = logx.Nop()
	}
	burst := int(cfg.RatePerSec)
	if burst < 1 {
		burst = 1
	}
	return &Dispatcher{
		cfg:      cfg,
		log:      log,
		bus:      bus,
		channels: channels,
		limiter:  rate.NewLimiter(rate.Limit(cfg.RatePerSec), burst),
	}
}

// ChannelNames returns the configured channel names, for startup logs.
func (d *Dispatcher) ChannelNames() []string {
	names := make([]string, 0, len(d.channels))
	for _, ch := range d.channels {
		names = append(names, ch.Name())
	}
	return names
}

// Send renders a detection and delivers it. Implements monitor.Notifier.
func (d *Dispatcher) Send(ctx context.Context, det monitor.Detection) error {
	return d.deliver(ctx, d.render(det))
}

// SendText delivers an operational message (status digest and the like).
func (d *Dispatcher) SendText(ctx context.Context, title, body string) error {
	return d.deliver(ctx, Message{Title: title, Body: body, Kind: "operational", At: time.Now()})
}

// SendAlert forwards a high-severity log line. Implements logx.AlertSender.
func (d *Dispatcher) SendAlert(ctx context.Context, text string) error {
	return d.deliver(ctx, Message{Title: "tfmon alert", Body: text, Kind: "alert", At: time.Now()})
}

func (d *Dispatcher) deliver(ctx context.Context, msg Message) error {
	if len(d.channels) == 0 {
		return ErrNoChannels
	}
	if msg.At.IsZero() {
		msg.At = time.Now()
	}

	var (
		delivered int
		errs      []error
	)
	for _, ch := range d.channels {
		if err := d.sendWithRetry(ctx, ch, msg); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", ch.Name(), err))
			d.publish("notify.failed", ch.Name(), msg, err)
			d.log.Warn("channel delivery failed",
				logx.String("channel", ch.Name()),
				logx.String("kind", msg.Kind),
				logx.Err(err),
			)
			continue
		}
		delivered++
		d.publish("notify.sent", ch.Name(), msg, nil)
		d.log.Debug("channel delivered",
			logx.String("channel", ch.Name()),
			logx.String("kind", msg.Kind),
		)
	}

	if delivered == 0 {
		return fmt.Errorf("all channels failed: %w", errors.Join(errs...))
	}
	return nil
}

func (d *Dispatcher) sendWithRetry(ctx context.Context, ch Channel, msg Message) error {
	maxAttempts := 1 + d.cfg.RetryMax

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := d.limiter.Wait(ctx); err != nil {
			return err
		}

		// Bound per-send call. Keep tight to avoid hanging the loop.
		callCtx, cancel := context.WithTimeout(ctx, d.cfg.SendTimeout)
		err := ch.Send(callCtx, msg)
		cancel()
		if err == nil {
			return nil
		}
		lastErr = err
		d.log.Debug("send attempt failed",
			logx.String("channel", ch.Name()),
			logx.Int("attempt", attempt),
			logx.Int("max", maxAttempts),
			logx.Err(err),
		)

		if attempt >= maxAttempts {
			break
		}

		delay := retryDelay(d.cfg, attempt)
		if delay <= 0 {
			continue
		}
		t := time.NewTimer(delay)
		select {
		case <-t.C:
		case <-ctx.Done():
			if !t.Stop() {
				<-t.C
			}
			return ctx.Err()
		}
	}
	return lastErr
}

func (d *Dispatcher) publish(typ, channel string, msg Message, err error) {
	if d.bus == nil {
		return
	}
	ev := NotificationEvent{Channel: channel, Target: msg.Target, Kind: msg.Kind, At: time.Now()}
	if err != nil {
		ev.Error = err.Error()
	}
	d.bus.Publish(eventbus.Event{Type: typ, Time: ev.At, Data: ev})
}

func (d *Dispatcher) render(det monitor.Detection) Message {
	var title, body string
	switch det.Kind {
	case monitor.BecameAvailable:
		title = "TestFlight Slot Available: " + det.Target
		body = "An open slot was detected for " + det.Target + "\n" + fetch.JoinURL(d.cfg.JoinBaseURL, det.Target)
	case monitor.BecameUnavailable:
		title = "TestFlight Beta Full: " + det.Target
		body = "The beta for " + det.Target + " is no longer accepting testers"
	case monitor.FetchFailed:
		title = "TestFlight Check Failed: " + det.Target
		body = "Checking " + det.Target + " failed: " + det.Err
	default:
		title = "TestFlight Update: " + det.Target
		body = "Availability for " + det.Target + " is " + det.Current.String()
	}
	return Message{Title: title, Body: body, Target: det.Target, Kind: string(det.Kind), At: det.At}
}

func retryDelay(cfg Config, attempt int) time.Duration {
	// attempt starts at 1 (first attempt), delay is for the NEXT attempt.
	base := cfg.RetryBase
	maxD := cfg.RetryMaxDelay

	// Exponential backoff: base * 2^(attempt-1)
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= maxD {
			d = maxD
			break
		}
	}
	// Jitter 0.7..1.3
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	j := 0.7 + rng.Float64()*0.6
	d = time.Duration(float64(d) * j)
	if d < 0 {
		return 0
	}
	if d > maxD {
		d = maxD
	}
	return d
}
