package app

import (
	"context"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	logx "guildbot/pkg/logx"
)

// sdNotifier reports readiness to systemd and pets the watchdog while the
// dispatch loop is alive. Outside systemd every call is a no-op.
type sdNotifier struct {
	log        logx.Logger
	heartbeat  func() time.Time
	staleAfter time.Duration
}

func newSDNotifier(log logx.Logger, heartbeat func() time.Time, maxIdle time.Duration) *sdNotifier {
	if maxIdle <= 0 {
		maxIdle = time.Minute
	}
	return &sdNotifier{log: log, heartbeat: heartbeat, staleAfter: 2 * maxIdle}
}

func (n *sdNotifier) notify(state string) bool {
	sent, err := daemon.SdNotify(false, state)
	if err != nil {
		n.log.Warn("sd_notify failed", logx.String("state", state), logx.Err(err))
		return false
	}
	return sent
}

func (n *sdNotifier) Ready() {
	if n.notify(daemon.SdNotifyReady) {
		n.log.Info("systemd notified ready")
	}
}

func (n *sdNotifier) Stopping() { n.notify(daemon.SdNotifyStopping) }

// Watchdog sends WATCHDOG=1 at half the unit's WatchdogSec. A stale loop
// heartbeat withholds the ping so systemd restarts the unit.
func (n *sdNotifier) Watchdog(ctx context.Context) {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil {
		n.log.Warn("systemd watchdog check failed", logx.Err(err))
		return
	}
	if interval <= 0 {
		return
	}
	n.log.Info("systemd watchdog enabled", logx.Duration("interval", interval), logx.Duration("stale_after", n.staleAfter))

	t := time.NewTicker(interval / 2)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if !n.alive(time.Now()) {
				n.log.Error("dispatch loop heartbeat stale; withholding watchdog ping", logx.Time("heartbeat", n.heartbeat()))
				continue
			}
			n.notify(daemon.SdNotifyWatchdog)
		}
	}
}

func (n *sdNotifier) alive(now time.Time) bool {
	hb := n.heartbeat()
	return !hb.IsZero() && now.Sub(hb) <= n.staleAfter
}
