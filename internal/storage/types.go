package storage

import (
	"context"
	"errors"
	"time"

	"tfmon/internal/monitor"
)

// ErrDisabled is returned by a store whose backing handle is gone, for
// example after Close.
var ErrDisabled = errors.New("storage disabled")

// Config selects and tunes the persistence backend. An empty Driver (or
// "none") disables persistence entirely.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite lock wait; 0 takes the driver default
	Retention   time.Duration // detection history horizon; 0 keeps everything
}

// Store persists detection history and notification cooldown marks so a
// restart does not re-alert inside the cooldown window.
//
// Store satisfies monitor.Journal; GetCooldown exists on top of that so
// the gate can be re-seeded at startup.
type Store interface {
	AppendDetection(ctx context.Context, d monitor.Detection) error
	PutCooldown(ctx context.Context, target string, at time.Time) error
	GetCooldown(ctx context.Context, target string) (time.Time, bool, error)
	Close() error
}
