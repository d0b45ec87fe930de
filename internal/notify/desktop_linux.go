//go:build linux

package notify

import (
	"context"
	"fmt"
	"os/exec"
)

type desktopSender struct {
	bin string
}

// NewDesktopSender uses notify-send from libnotify. It returns nil when
// notify-send is not installed.
func NewDesktopSender() Sender {
	bin, err := exec.LookPath("notify-send")
	if err != nil {
		return nil
	}
	return &desktopSender{bin: bin}
}

func (s *desktopSender) Name() string {
	return "desktop"
}

func (s *desktopSender) Send(ctx context.Context, payload Payload) error {
	body := payload.Title
	if payload.WorkBranch != "" {
		body = fmt.Sprintf("%s (%s)", payload.Title, payload.WorkBranch)
	}
	urgency := "normal"
	if payload.Event == TriggerFailed {
		urgency = "critical"
	}
	cmd := exec.CommandContext(ctx, s.bin, "--app-name=prbot", "--urgency="+urgency, "prbot: "+EventLabel(payload.Event), body)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("desktop notification failed: %w: %s", err, out)
	}
	return nil
}
