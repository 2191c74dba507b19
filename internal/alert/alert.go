// Package alert notifies operators when a DAG exhausts its retries.
package alert

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"
)

// Alert describes a DAG run that failed every attempt.
type Alert struct {
	DAG      string    `json:"dag"`
	RunID    string    `json:"run_id"`
	Attempts int       `json:"attempts"`
	Error    string    `json:"error"`
	At       time.Time `json:"at"`
}

// Alerter delivers alerts.
type Alerter interface {
	Send(ctx context.Context, a Alert) error
}

// LogAlerter writes alerts to the runtime log.
type LogAlerter struct{}

// Send logs the alert.
func (LogAlerter) Send(_ context.Context, a Alert) error {
	log.Printf("alert: dag %s failed after %d attempts (run %s): %s", a.DAG, a.Attempts, a.RunID, a.Error)
	return nil
}

// WebhookAlerter posts alerts as JSON.
type WebhookAlerter struct {
	URL    string
	Client *http.Client
}

// NewWebhook creates a webhook alerter with a 10s timeout.
func NewWebhook(url string) *WebhookAlerter {
	return &WebhookAlerter{URL: url, Client: &http.Client{Timeout: 10 * time.Second}}
}

// Send posts the alert; a non-2xx response is an error.
func (w *WebhookAlerter) Send(ctx context.Context, a Alert) error {
	body, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("encode alert: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build alert request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	client := w.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("post alert: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("post alert: webhook returned %s", resp.Status)
	}
	return nil
}

// Multi fans an alert out to every alerter and joins their errors.
type Multi []Alerter

// Send delivers to all alerters even when some fail.
func (m Multi) Send(ctx context.Context, a Alert) error {
	var errs []error
	for _, al := range m {
		if al == nil {
			continue
		}
		if err := al.Send(ctx, a); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
