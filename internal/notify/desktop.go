// Package notify surfaces session notices on the desktop.
package notify

import (
	"context"
	log "log/slog"
	"os/exec"
	"time"

	"yara/internal/session"
)

const AppName = "Yara"

type runner func(ctx context.Context, name string, args ...string) error

func execRun(ctx context.Context, name string, args ...string) error {
	return exec.CommandContext(ctx, name, args...).Run()
}

// Desktop shows session notices through notify-send.
type Desktop struct {
	run     runner
	timeout time.Duration
}

func NewDesktop() *Desktop {
	return &Desktop{run: execRun, timeout: 2 * time.Second}
}

func (d *Desktop) Send(level session.NoticeLevel, msg string) error {
	ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
	defer cancel()

	return d.run(ctx, "notify-send", notifyArgs(level, msg)...)
}

func notifyArgs(level session.NoticeLevel, msg string) []string {
	urgency := "normal"
	switch level {
	case session.NoticeError:
		urgency = "critical"
	case session.NoticeInfo:
		urgency = "low"
	}
	return []string{"-a", AppName, "-u", urgency, "-t", "3000", AppName, msg}
}

func (d *Desktop) Notice(level session.NoticeLevel, msg string) {
	go func() {
		if err := d.Send(level, msg); err != nil {
			log.Debug("notify-send failed", "err", err)
		}
	}()
}

func (d *Desktop) StateChanged(_, _ session.State) {}
func (d *Desktop) EntryAdded(session.Entry)        {}
func (d *Desktop) HistoryCleared()                 {}
