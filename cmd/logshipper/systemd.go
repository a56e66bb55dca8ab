package main

import (
	"context"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	logx "logshipper/pkg/logx"
)

// Outside a systemd unit NOTIFY_SOCKET is unset and every call is a no-op.

func notifyReady(log logx.Logger) { sdNotify(log, daemon.SdNotifyReady) }

func notifyStopping(log logx.Logger) { sdNotify(log, daemon.SdNotifyStopping) }

func sdNotify(log logx.Logger, state string) {
	if _, err := daemon.SdNotify(false, state); err != nil {
		log.Warn("systemd.notify_failed", logx.String("state", state), logx.Err(err))
	}
}

// startWatchdog pings systemd at half the unit's WatchdogSec.
func startWatchdog(ctx context.Context, log logx.Logger) (stop func()) {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil || interval <= 0 {
		return func() {}
	}
	ctx, cancel := context.WithCancel(ctx)
	go func() {
		t := time.NewTicker(interval / 2)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				sdNotify(log, daemon.SdNotifyWatchdog)
			}
		}
	}()
	log.Debug("systemd.watchdog_enabled", logx.Duration("interval", interval))
	return cancel
}
