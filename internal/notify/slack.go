package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"prbot/internal/db"
)

// SlackSender posts a Block Kit message to an incoming-webhook URL. The
// plain SlackText is sent alongside as the notification fallback.
type SlackSender struct {
	url    string
	client *http.Client
}

func NewSlackSender(webhookURL string, client *http.Client) *SlackSender {
	return &SlackSender{
		url:    strings.TrimSpace(webhookURL),
		client: client,
	}
}

func (s *SlackSender) Name() string {
	return "slack"
}

type slackText struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type slackBlock struct {
	Type   string      `json:"type"`
	Text   *slackText  `json:"text,omitempty"`
	Fields []slackText `json:"fields,omitempty"`
}

type slackMessage struct {
	Text        string       `json:"text"`
	Blocks      []slackBlock `json:"blocks"`
	UnfurlLinks bool         `json:"unfurl_links"`
}

func (s *SlackSender) Send(ctx context.Context, payload Payload) error {
	encoded, err := json.Marshal(slackBody(payload))
	if err != nil {
		return fmt.Errorf("marshal slack payload: %w", err)
	}
	return postJSON(ctx, s.client, s.url, encoded, s.Name(), nil)
}

// slackBody builds the Block Kit body for payload.
func slackBody(payload Payload) slackMessage {
	mrkdwn := func(s string) slackText { return slackText{Type: "mrkdwn", Text: s} }

	fields := []slackText{
		mrkdwn("*Job*\n`" + db.ShortID(payload.JobID) + "`"),
		mrkdwn(fmt.Sprintf("*Issue*\n%s %s", payload.Source, payload.SourceIssueID)),
	}
	if payload.WorkBranch != "" {
		fields = append(fields, mrkdwn("*Branch*\n`"+payload.WorkBranch+"`"))
	}
	if payload.RetryCount > 0 {
		fields = append(fields, mrkdwn(fmt.Sprintf("*Retries*\n%d", payload.RetryCount)))
	}

	blocks := []slackBlock{
		{Type: "section", Text: &slackText{Type: "mrkdwn", Text: fmt.Sprintf("*%s*: %s", EventLabel(payload.Event), payload.Title)}},
		{Type: "section", Fields: fields},
	}
	if payload.Error != "" {
		blocks = append(blocks, slackBlock{Type: "section", Text: &slackText{Type: "mrkdwn", Text: "```" + firstLine(payload.Error) + "```"}})
	}
	return slackMessage{Text: SlackText(payload), Blocks: blocks}
}
