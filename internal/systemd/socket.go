package systemd

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/coreos/go-systemd/v22/activation"
	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/rs/zerolog"
)

// File descriptor names expected in greengpt.socket (FileDescriptorName=)
const (
	NameProxy   = "proxy"
	NameWeb     = "web"
	NameMetrics = "metrics"
)

// Listeners holds all systemd-activated listeners
type Listeners struct {
	Proxy     net.Listener
	Web       net.Listener
	Metrics   net.Listener
	Activated bool
}

// GetListeners retrieves systemd socket-activated file descriptors.
// Returns nil listeners if not running under socket activation.
func GetListeners() (*Listeners, error) {
	// Named listeners require systemd 227+
	named, err := activation.ListenersWithNames()
	if err != nil {
		return nil, fmt.Errorf("failed to get systemd listeners: %w", err)
	}
	return fromNamed(named), nil
}

// fromNamed maps named file descriptors onto Listeners
func fromNamed(named map[string][]net.Listener) *Listeners {
	listeners := &Listeners{}
	if len(named) == 0 {
		return listeners
	}
	listeners.Activated = true

	first := func(name string) net.Listener {
		if lns := named[name]; len(lns) > 0 {
			return lns[0]
		}
		return nil
	}

	listeners.Proxy = first(NameProxy)
	listeners.Web = first(NameWeb)
	listeners.Metrics = first(NameMetrics)

	return listeners
}

// NotifyReady sends READY=1 notification to systemd.
// Outside systemd this is a no-op.
func NotifyReady() error {
	if _, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		return fmt.Errorf("failed to send sd_notify: %w", err)
	}
	return nil
}

// NotifyStopping sends STOPPING=1 notification to systemd
func NotifyStopping() error {
	if _, err := daemon.SdNotify(false, daemon.SdNotifyStopping); err != nil {
		return fmt.Errorf("failed to send sd_notify stopping: %w", err)
	}
	return nil
}

// NotifyStatus publishes a one-line status shown by systemctl status
func NotifyStatus(status string) error {
	if _, err := daemon.SdNotify(false, "STATUS="+status); err != nil {
		return fmt.Errorf("failed to send sd_notify status: %w", err)
	}
	return nil
}

// NotifyWatchdog sends WATCHDOG=1 notification to systemd
func NotifyWatchdog() error {
	if _, err := daemon.SdNotify(false, daemon.SdNotifyWatchdog); err != nil {
		return fmt.Errorf("failed to send sd_notify watchdog: %w", err)
	}
	return nil
}

// StartWatchdog pings the systemd watchdog at half its interval until ctx is
// done. It does nothing when the unit has no WatchdogSec.
func StartWatchdog(ctx context.Context, logger zerolog.Logger) {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil {
		logger.Warn().Err(err).Msg("Invalid systemd watchdog settings")
		return
	}
	if interval <= 0 {
		return
	}

	logger.Debug().Dur("interval", interval).Msg("Systemd watchdog enabled")

	go func() {
		ticker := time.NewTicker(interval / 2)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := NotifyWatchdog(); err != nil {
					logger.Warn().Err(err).Msg("Watchdog notification failed")
				}
			}
		}
	}()
}
