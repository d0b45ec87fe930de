package notify

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"prbot/internal/config"
)

func TestSanitizeChannelErrorRedactsURLs(t *testing.T) {
	t.Parallel()
	err := errors.New(`Post "https://hooks.slack.com/services/T000/B000/SECRET": context deadline exceeded`)
	msg := sanitizeChannelError(err)
	if strings.Contains(msg, "SECRET") {
		t.Fatalf("expected webhook URL secret to be redacted, got %q", msg)
	}
	if !strings.Contains(msg, "https://hooks.slack.com/REDACTED") {
		t.Fatalf("expected redacted host marker, got %q", msg)
	}
}

func TestBuildSendersPerChannel(t *testing.T) {
	t.Parallel()
	senders := BuildSenders(config.NotificationsConfig{
		WebhookURL:   "https://example.com/hook",
		SlackWebhook: " https://hooks.slack.com/services/T/B/X ",
	}, nil)
	if len(senders) != 2 || senders[0].Name() != "webhook" || senders[1].Name() != "slack" {
		t.Fatalf("unexpected senders %#v", senders)
	}
	if got := BuildSenders(config.NotificationsConfig{WebhookURL: "   "}, nil); len(got) != 0 {
		t.Fatalf("expected blank url to configure nothing, got %d", len(got))
	}
}

type slowSender struct {
	name  string
	delay time.Duration
}

func (s slowSender) Name() string { return s.name }

func (s slowSender) Send(ctx context.Context, _ Payload) error {
	select {
	case <-time.After(s.delay):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func TestSendAllRunsChannelsConcurrentlyInOrder(t *testing.T) {
	t.Parallel()
	start := time.Now()
	results := SendAll(context.Background(), []Sender{
		slowSender{name: "first", delay: 200 * time.Millisecond},
		slowSender{name: "second", delay: 200 * time.Millisecond},
		slowSender{name: "stuck", delay: time.Hour},
	}, TestPayload(), 300*time.Millisecond)

	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("expected channels to send concurrently, took %s", elapsed)
	}
	if len(results) != 3 {
		t.Fatalf("expected 3 results, got %+v", results)
	}
	for i, name := range []string{"first", "second", "stuck"} {
		if results[i].Channel != name {
			t.Fatalf("result %d: expected %s, got %s", i, name, results[i].Channel)
		}
	}
	if !results[0].Success || !results[1].Success || results[2].Success {
		t.Fatalf("unexpected results %+v", results)
	}
}
