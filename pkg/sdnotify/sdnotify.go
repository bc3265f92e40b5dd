// Package sdnotify reports service state to systemd. All calls are no-ops
// when not running under a systemd unit with NotifyAccess.
package sdnotify

import (
	"github.com/coreos/go-systemd/v22/daemon"
)

// Ready signals that startup is complete and the service accepts traffic.
// Under Type=notify, systemd holds dependent units until this fires.
func Ready() bool {
	ok, _ := daemon.SdNotify(false, daemon.SdNotifyReady)
	return ok
}

// Stopping signals that shutdown has begun.
func Stopping() {
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)
}

// Status sets the free-form status line shown by systemctl status.
func Status(s string) {
	_, _ = daemon.SdNotify(false, "STATUS="+s)
}
