package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"prbot/internal/config"
	"prbot/internal/httputil"
)

const (
	maxErrorBodyBytes = 1024

	headerEvent     = "X-Prbot-Event"
	headerSignature = "X-Prbot-Signature"
)

// sendRetry keeps a flaky receiver from eating a notification without
// letting one channel hold up the worker.
var sendRetry = httputil.RetryConfig{
	MaxAttempts:  2,
	BaseDelay:    250 * time.Millisecond,
	MaxDelay:     time.Second,
	JitterFactor: 0.25,
}

// WebhookSender posts the JSON Payload to an arbitrary endpoint. The event
// name is repeated in the X-Prbot-Event header for routing. With a secret,
// X-Prbot-Signature carries "sha256=" and the hex HMAC of the body.
type WebhookSender struct {
	url    string
	secret string
	client *http.Client
}

func NewWebhookSender(webhookURL, secret string, client *http.Client) *WebhookSender {
	return &WebhookSender{
		url:    strings.TrimSpace(webhookURL),
		secret: secret,
		client: client,
	}
}

func (s *WebhookSender) Name() string {
	return "webhook"
}

func (s *WebhookSender) Send(ctx context.Context, payload Payload) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal webhook payload: %w", err)
	}
	header := http.Header{headerEvent: {payload.Event}}
	if s.secret != "" {
		header.Set(headerSignature, Sign(s.secret, body))
	}
	return postJSON(ctx, s.client, s.url, body, s.Name(), header)
}

// Sign returns the signature header value for body.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func postJSON(ctx context.Context, client *http.Client, endpoint string, body []byte, channel string, extra http.Header) error {
	if endpoint == "" {
		return fmt.Errorf("%s endpoint is empty", channel)
	}

	retry := sendRetry
	retry.Client = client
	resp, err := httputil.Do(ctx, func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		for k, v := range extra {
			req.Header[k] = v
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("User-Agent", "prbot/"+config.Version)
		return req, nil
	}, retry)
	if err != nil {
		return fmt.Errorf("send %s request: %w", channel, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
		msg := strings.TrimSpace(string(respBody))
		if msg == "" {
			msg = http.StatusText(resp.StatusCode)
		}
		return fmt.Errorf("%s request failed with status %d: %s", channel, resp.StatusCode, msg)
	}
	return nil
}
