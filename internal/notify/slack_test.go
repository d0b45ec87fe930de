package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"testing"
)

func TestSlackSenderPostsBlocksWithFallbackText(t *testing.T) {
	t.Parallel()

	var body slackMessage
	client := &http.Client{
		Transport: roundTripFunc(func(r *http.Request) (*http.Response, error) {
			defer r.Body.Close()
			if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
				t.Fatalf("decode payload: %v", err)
			}
			return okResponse(), nil
		}),
	}

	sender := NewSlackSender("https://hooks.slack.com/services/T000/B000/XXX", client)
	payload := TestPayload()
	payload.Title = "KeyError: 'user'"
	payload.WorkBranch = "fix/abcdef12"

	if err := sender.Send(context.Background(), payload); err != nil {
		t.Fatalf("send slack: %v", err)
	}

	for _, want := range []string{"prbot: Fix Pushed", payload.Title, "Branch: fix/abcdef12"} {
		if !strings.Contains(body.Text, want) {
			t.Fatalf("expected %q in fallback text, got %q", want, body.Text)
		}
	}
	if len(body.Blocks) != 2 {
		t.Fatalf("expected title and fields blocks, got %d", len(body.Blocks))
	}
	if got := body.Blocks[0].Text.Text; got != "*Fix Pushed*: KeyError: 'user'" {
		t.Fatalf("unexpected title block %q", got)
	}
	if len(body.Blocks[1].Fields) != 3 || !strings.Contains(body.Blocks[1].Fields[2].Text, "fix/abcdef12") {
		t.Fatalf("expected job, issue and branch fields, got %+v", body.Blocks[1].Fields)
	}
}

func TestSlackMessageForFailure(t *testing.T) {
	t.Parallel()
	payload := Payload{Event: TriggerFailed, JobID: "abcdef1234", Title: "boom", Source: "sentry", SourceIssueID: "9", Error: "agent exceeded max turns (30)\nmore", RetryCount: 3}

	text := SlackText(payload)
	if !strings.Contains(text, "Job Failed") {
		t.Fatalf("expected Job Failed label, got %q", text)
	}
	if !strings.Contains(text, "Error (after 3 attempts): agent exceeded max turns (30)") || strings.Contains(text, "more") {
		t.Fatalf("expected first error line, got %q", text)
	}
	if !strings.Contains(text, "Job: abcdef12") {
		t.Fatalf("expected short job id, got %q", text)
	}

	msg := slackBody(payload)
	if len(msg.Blocks) != 3 {
		t.Fatalf("expected an error block, got %d blocks", len(msg.Blocks))
	}
	if got := msg.Blocks[2].Text.Text; got != "```agent exceeded max turns (30)```" {
		t.Fatalf("unexpected error block %q", got)
	}
	if fields := msg.Blocks[1].Fields; len(fields) != 3 || fields[2].Text != "*Retries*\n3" {
		t.Fatalf("unexpected fields %+v", fields)
	}
}
