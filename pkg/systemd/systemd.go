// Package systemd speaks the sd_notify protocol: readiness, status text and
// watchdog pings. Every call is a no-op when not started by systemd.
package systemd

import (
	"context"
	"time"

	logx "pushclient/pkg/logx"

	"github.com/coreos/go-systemd/v22/daemon"
)

// Ready reports startup completion. sent is false outside systemd.
func Ready() (sent bool, err error) {
	return daemon.SdNotify(false, daemon.SdNotifyReady)
}

func Stopping() (bool, error) {
	return daemon.SdNotify(false, daemon.SdNotifyStopping)
}

func Reloading() (bool, error) {
	return daemon.SdNotify(false, daemon.SdNotifyReloading)
}

// Status sets the free-form status line shown by systemctl status.
func Status(msg string) (bool, error) {
	return daemon.SdNotify(false, "STATUS="+msg)
}

// RunWatchdog pings the watchdog at half the configured interval until ctx
// ends. A ping is skipped while healthy returns an error, so systemd kills
// a wedged process. It returns immediately when the watchdog is off.
func RunWatchdog(ctx context.Context, healthy func() error, log logx.Logger) error {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil || interval <= 0 {
		return err
	}
	every := interval / 2
	if every <= 0 {
		every = time.Second
	}
	log.Info("systemd watchdog enabled", logx.Duration("interval", interval))

	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			if healthy != nil {
				if err := healthy(); err != nil {
					log.Warn("watchdog ping skipped", logx.Err(err))
					continue
				}
			}
			if _, err := daemon.SdNotify(false, daemon.SdNotifyWatchdog); err != nil {
				log.Debug("watchdog ping failed", logx.Err(err))
			}
		}
	}
}
