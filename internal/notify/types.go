// Package notify announces finished jobs on the configured channels.
package notify

import (
	"context"
	"fmt"
	"strings"
	"time"

	"prbot/internal/db"
)

const (
	TriggerDone   = db.StatusDone
	TriggerFailed = db.StatusFailed
)

var AllTriggers = []string{TriggerDone, TriggerFailed}

// Payload is the JSON body posted to generic webhooks.
type Payload struct {
	Event         string `json:"event"`
	JobID         string `json:"job_id"`
	Title         string `json:"title"`
	Source        string `json:"source"`
	SourceIssueID string `json:"source_issue_id"`
	WorkBranch    string `json:"work_branch,omitempty"`
	Error         string `json:"error,omitempty"`
	RetryCount    int    `json:"retry_count"`
	Timestamp     string `json:"timestamp"`
}

type Sender interface {
	Name() string
	Send(ctx context.Context, payload Payload) error
}

type ChannelResult struct {
	Channel string `json:"channel"`
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

func IsValidTrigger(trigger string) bool {
	return trigger == TriggerDone || trigger == TriggerFailed
}

// TriggerSet normalizes triggers into a lookup set. Nil means all.
func TriggerSet(triggers []string) map[string]struct{} {
	if triggers == nil {
		triggers = AllTriggers
	}
	out := make(map[string]struct{}, len(triggers))
	for _, trigger := range triggers {
		normalized := strings.ToLower(strings.TrimSpace(trigger))
		if IsValidTrigger(normalized) {
			out[normalized] = struct{}{}
		}
	}
	return out
}

func EventLabel(event string) string {
	if event == TriggerDone {
		return "Fix Pushed"
	}
	return "Job Failed"
}

// PayloadForJob builds the notification for a job in a terminal status.
func PayloadForJob(job db.Job) Payload {
	return Payload{
		Event:         job.Status,
		JobID:         job.ID,
		Title:         job.Title,
		Source:        job.Source,
		SourceIssueID: job.SourceIssueID,
		WorkBranch:    job.WorkBranch,
		Error:         job.ErrorLog,
		RetryCount:    job.RetryCount,
		Timestamp:     time.Now().UTC().Format(time.RFC3339),
	}
}

// TestPayload is sent by `prbot notify test`.
func TestPayload() Payload {
	return Payload{
		Event:         TriggerDone,
		JobID:         "00000000-test-0000-0000-000000000000",
		Title:         "Test notification from prbot",
		Source:        db.SourceSentry,
		SourceIssueID: "0",
		WorkBranch:    "fix/00000000",
		Timestamp:     time.Now().UTC().Format(time.RFC3339),
	}
}

func SlackText(payload Payload) string {
	text := fmt.Sprintf("prbot: %s\nJob: %s\nIssue: %s (%s %s)",
		EventLabel(payload.Event), db.ShortID(payload.JobID), payload.Title, payload.Source, payload.SourceIssueID)
	if payload.WorkBranch != "" {
		text += "\nBranch: " + payload.WorkBranch
	}
	if payload.Error != "" {
		text += fmt.Sprintf("\nError (after %d attempts): %s", payload.RetryCount, firstLine(payload.Error))
	}
	return text
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
