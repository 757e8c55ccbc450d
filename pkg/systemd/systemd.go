// Package systemd wraps sd_notify(3) for Type=notify units. Outside
// systemd (no NOTIFY_SOCKET) every call is a no-op, so the same binary
// runs unchanged in a terminal or container.
package systemd

import (
	"context"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	logx "tfmon/pkg/logx"
)

// Ready signals the unit finished starting up.
func Ready(log logx.Logger) {
	notify(log, daemon.SdNotifyReady)
}

// Stopping signals the unit began shutting down.
func Stopping(log logx.Logger) {
	notify(log, daemon.SdNotifyStopping)
}

func notify(log logx.Logger, state string) {
	if log.IsZero() {
		log = logx.Nop()
	}
	sent, err := daemon.SdNotify(false, state)
	if err != nil {
		log.Warn("sd_notify failed", logx.String("state", state), logx.Err(err))
		return
	}
	if sent {
		log.Debug("sd_notify sent", logx.String("state", state))
	}
}

// Watchdog pings the systemd watchdog at half the WatchdogSec interval
// until ctx is done. It returns immediately when no watchdog is
// configured, so it is safe to always run under the supervisor.
func Watchdog(ctx context.Context, log logx.Logger) {
	if log.IsZero() {
		log = logx.Nop()
	}
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil {
		log.Warn("watchdog query failed", logx.Err(err))
		return
	}
	if interval <= 0 {
		return
	}

	tick := interval / 2
	log.Info("systemd watchdog enabled",
		logx.Duration("interval", interval),
		logx.Duration("ping_every", tick),
	)

	t := time.NewTicker(tick)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if _, err := daemon.SdNotify(false, daemon.SdNotifyWatchdog); err != nil {
				log.Warn("watchdog ping failed", logx.Err(err))
			}
		}
	}
}
