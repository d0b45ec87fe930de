package notify

import (
	"context"
	"errors"
	"sync"
	"testing"

	"prbot/internal/db"
)

type recordingSender struct {
	name string
	err  error

	mu   sync.Mutex
	sent []Payload
}

func (s *recordingSender) Name() string { return s.name }

func (s *recordingSender) Send(_ context.Context, p Payload) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, p)
	return s.err
}

func TestNotifierSendsEnabledTriggersOnly(t *testing.T) {
	t.Parallel()

	ok := &recordingSender{name: "ok"}
	broken := &recordingSender{name: "broken", err: errors.New("boom")}
	n := NewNotifier([]Sender{ok, broken}, []string{TriggerFailed})

	n.JobFinished(context.Background(), db.Job{ID: "job-1", Status: db.StatusDone})
	if len(ok.sent) != 0 {
		t.Fatalf("expected done to be skipped, got %d sends", len(ok.sent))
	}

	n.JobFinished(context.Background(), db.Job{ID: "job-2", Status: db.StatusFailed, ErrorLog: "x", RetryCount: 3})
	if len(ok.sent) != 1 || len(broken.sent) != 1 {
		t.Fatalf("expected one send per channel, got %d and %d", len(ok.sent), len(broken.sent))
	}
	if got := ok.sent[0]; got.Event != TriggerFailed || got.JobID != "job-2" || got.RetryCount != 3 {
		t.Fatalf("unexpected payload %+v", got)
	}
}

func TestNotifierWithoutSendersIsDisabled(t *testing.T) {
	t.Parallel()

	var nilNotifier *Notifier
	if nilNotifier.Enabled() {
		t.Fatalf("nil notifier must be disabled")
	}
	nilNotifier.JobFinished(context.Background(), db.Job{Status: db.StatusDone})

	if NewNotifier(nil, nil).Enabled() {
		t.Fatalf("notifier without senders must be disabled")
	}
}

func TestTriggerSetDefaultsToAll(t *testing.T) {
	t.Parallel()
	set := TriggerSet(nil)
	if _, ok := set[TriggerDone]; !ok {
		t.Fatalf("expected done in default set")
	}
	if _, ok := set[TriggerFailed]; !ok {
		t.Fatalf("expected failed in default set")
	}
	if len(TriggerSet([]string{" DONE ", "pr_merged"})) != 1 {
		t.Fatalf("expected unknown triggers dropped")
	}
}

func TestSendAllCollectsResults(t *testing.T) {
	t.Parallel()
	results := SendAll(context.Background(), []Sender{
		&recordingSender{name: "a"},
		nil,
		&recordingSender{name: "b", err: errors.New(`Post "https://hooks.slack.com/services/T/B/SECRET": timeout`)},
	}, TestPayload(), 0)
	if len(results) != 2 || !results[0].Success || results[1].Success {
		t.Fatalf("unexpected results %+v", results)
	}
	if got := SummarizeFailures(results); got != "b=Post \"https://hooks.slack.com/REDACTED\": timeout" {
		t.Fatalf("unexpected summary %q", got)
	}
}
