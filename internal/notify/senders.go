package notify

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"prbot/internal/config"
)

var urlPattern = regexp.MustCompile(`https?://[^\s"'` + "`" + `]+`)

// BuildSenders returns one sender per configured channel.
func BuildSenders(cfg config.NotificationsConfig, client *http.Client) []Sender {
	senders := make([]Sender, 0, 3)
	if strings.TrimSpace(cfg.WebhookURL) != "" {
		senders = append(senders, NewWebhookSender(cfg.WebhookURL, cfg.WebhookSecret, client))
	}
	if strings.TrimSpace(cfg.SlackWebhook) != "" {
		senders = append(senders, NewSlackSender(cfg.SlackWebhook, client))
	}
	if cfg.Desktop {
		if sender := NewDesktopSender(); sender != nil {
			senders = append(senders, sender)
		}
	}
	return senders
}

// SendAll sends payload on every channel concurrently, each bounded by
// timeout. Results keep the order of senders.
func SendAll(ctx context.Context, senders []Sender, payload Payload, timeout time.Duration) []ChannelResult {
	slots := make([]*ChannelResult, len(senders))
	var g errgroup.Group
	for i, sender := range senders {
		if sender == nil {
			continue
		}
		g.Go(func() error {
			sendCtx := ctx
			if timeout > 0 {
				var cancel context.CancelFunc
				sendCtx, cancel = context.WithTimeout(ctx, timeout)
				defer cancel()
			}
			err := sender.Send(sendCtx, payload)
			result := ChannelResult{Channel: sender.Name(), Success: err == nil}
			if err != nil {
				result.Error = sanitizeChannelError(err)
			}
			slots[i] = &result
			return nil
		})
	}
	_ = g.Wait()

	results := make([]ChannelResult, 0, len(senders))
	for _, r := range slots {
		if r != nil {
			results = append(results, *r)
		}
	}
	return results
}

// SummarizeFailures joins the failed channel results for display.
func SummarizeFailures(results []ChannelResult) string {
	parts := make([]string, 0, len(results))
	for _, result := range results {
		if result.Success {
			continue
		}
		if result.Error == "" {
			parts = append(parts, result.Channel)
			continue
		}
		parts = append(parts, fmt.Sprintf("%s=%s", result.Channel, result.Error))
	}
	return strings.Join(parts, ", ")
}

func successCount(results []ChannelResult) int {
	count := 0
	for _, result := range results {
		if result.Success {
			count++
		}
	}
	return count
}

func sanitizeChannelError(err error) string {
	if err == nil {
		return ""
	}
	msg := strings.TrimSpace(err.Error())
	msg = redactURLs(msg)
	if len(msg) > 512 {
		msg = msg[:512]
	}
	return msg
}

func redactURLs(msg string) string {
	return urlPattern.ReplaceAllStringFunc(msg, func(match string) string {
		parsed, err := url.Parse(match)
		if err != nil || parsed.Host == "" {
			return "[redacted-url]"
		}
		return parsed.Scheme + "://" + parsed.Host + "/REDACTED"
	})
}
