package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const maxErrorBody = 512

// Channel delivers rendered content.
type Channel interface {
	Send(ctx context.Context, content string) error
}

// Chat-bot text message accepted by DingTalk, WeCom and Slack-compatible hooks.
type webhookPayload struct {
	MsgType string      `json:"msgtype"`
	Text    webhookText `json:"text"`
}

type webhookText struct {
	Content string `json:"content"`
}

// WebhookChannel posts rendered alarm text to a chat-bot endpoint.
type WebhookChannel struct {
	url     string
	client  *http.Client
	headers http.Header
}

// WebhookOption configures the webhook channel.
type WebhookOption func(*WebhookChannel)

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(client *http.Client) WebhookOption {
	return func(ch *WebhookChannel) {
		if client != nil {
			ch.client = client
		}
	}
}

// WithHeader adds a static request header, such as an Authorization token.
func WithHeader(key, value string) WebhookOption {
	return func(ch *WebhookChannel) {
		if key != "" && value != "" {
			ch.headers.Set(key, value)
		}
	}
}

// NewWebhookChannel constructs a webhook channel.
func NewWebhookChannel(url string, opts ...WebhookOption) (*WebhookChannel, error) {
	if strings.TrimSpace(url) == "" {
		return nil, errors.New("webhook channel: empty url")
	}
	channel := &WebhookChannel{
		url:     url,
		client:  &http.Client{Timeout: 10 * time.Second},
		headers: make(http.Header),
	}
	for _, opt := range opts {
		opt(channel)
	}
	return channel, nil
}

// Send posts content. Non-2xx answers are returned as errors carrying the
// start of the response body.
func (w *WebhookChannel) Send(ctx context.Context, content string) error {
	if w == nil || w.url == "" {
		return errors.New("webhook channel: empty url")
	}
	body, err := json.Marshal(webhookPayload{
		MsgType: "text",
		Text:    webhookText{Content: content},
	})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	for key, values := range w.headers {
		req.Header[key] = values
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook channel: %w", err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return fmt.Errorf("webhook channel: status %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}
	return nil
}
