// Package notify holds the boundary contracts for push and email delivery.
// Both are fire-and-forget from the core's perspective: a failed send is
// logged by the caller and never fails a job run.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// Notification is one push message.
type Notification struct {
	Title    string
	Message  string
	Priority string
	Tags     []string
}

// Notifier is the push-notification sink.
type Notifier interface {
	Send(ctx context.Context, n Notification) error
	Close() error
}

// Mailer is the email sink, accepting a rendered subject/HTML/text triple.
type Mailer interface {
	Send(ctx context.Context, subject, html, text string) error
	Close() error
}

type nopNotifier struct{}

func (nopNotifier) Send(context.Context, Notification) error { return nil }
func (nopNotifier) Close() error                             { return nil }

func NopNotifier() Notifier { return nopNotifier{} }

type nopMailer struct{}

func (nopMailer) Send(context.Context, string, string, string) error { return nil }
func (nopMailer) Close() error                                       { return nil }

func NopMailer() Mailer { return nopMailer{} }

// PushClient posts notifications to an ntfy-style topic endpoint. Construct
// once at process start and inject into the scheduler and engine.
type PushClient struct {
	url    string
	topic  string
	client *http.Client
}

func NewPushClient(url, topic string) *PushClient {
	return &PushClient{
		url:    strings.TrimRight(url, "/"),
		topic:  topic,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

func (c *PushClient) Send(ctx context.Context, n Notification) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.url+"/"+c.topic, strings.NewReader(n.Message))
	if err != nil {
		return err
	}
	req.Header.Set("Title", n.Title)
	if n.Priority != "" {
		req.Header.Set("Priority", n.Priority)
	}
	if len(n.Tags) > 0 {
		req.Header.Set("Tags", strings.Join(n.Tags, ","))
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("push notification: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("push notification: unexpected status %d", resp.StatusCode)
	}
	return nil
}

func (c *PushClient) Close() error {
	c.client.CloseIdleConnections()
	return nil
}

// WebhookMailer posts rendered email payloads to a delivery webhook.
type WebhookMailer struct {
	url    string
	client *http.Client
}

func NewWebhookMailer(url string) *WebhookMailer {
	return &WebhookMailer{url: url, client: &http.Client{Timeout: 15 * time.Second}}
}

func (m *WebhookMailer) Send(ctx context.Context, subject, html, text string) error {
	payload, err := json.Marshal(map[string]string{
		"subject": subject,
		"html":    html,
		"text":    text,
	})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := m.client.Do(req)
	if err != nil {
		return fmt.Errorf("email webhook: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("email webhook: unexpected status %d", resp.StatusCode)
	}
	return nil
}

func (m *WebhookMailer) Close() error {
	m.client.CloseIdleConnections()
	return nil
}
