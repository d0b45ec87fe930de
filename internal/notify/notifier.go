package notify

import (
	"context"
	"log/slog"
	"time"

	"prbot/internal/db"
)

const defaultSendTimeout = 4 * time.Second

// Notifier sends a job's final outcome to every configured channel. Send
// failures are logged and otherwise ignored.
type Notifier struct {
	senders     []Sender
	triggers    map[string]struct{}
	sendTimeout time.Duration
}

func NewNotifier(senders []Sender, triggers []string) *Notifier {
	return &Notifier{
		senders:     senders,
		triggers:    TriggerSet(triggers),
		sendTimeout: defaultSendTimeout,
	}
}

// Enabled reports whether any channel is configured.
func (n *Notifier) Enabled() bool {
	return n != nil && len(n.senders) > 0
}

// JobFinished notifies about job if its status is an enabled trigger.
func (n *Notifier) JobFinished(ctx context.Context, job db.Job) {
	if !n.Enabled() {
		return
	}
	if _, ok := n.triggers[job.Status]; !ok {
		return
	}

	results := SendAll(ctx, n.senders, PayloadForJob(job), n.sendTimeout)
	for _, result := range results {
		if !result.Success {
			slog.Warn("notify: channel send failed", "channel", result.Channel, "job", db.ShortID(job.ID), "event", job.Status, "err", result.Error)
		}
	}
	if successCount(results) > 0 {
		slog.Debug("notify: sent", "job", db.ShortID(job.ID), "event", job.Status, "channels", successCount(results))
	}
}
