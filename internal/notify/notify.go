// Package notify delivers deployment and batch events to outside systems.
// Delivery is best effort: callers go through Send, which only logs.
package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	c "github.com/pvik/fleetd/internal/config"
	log "github.com/sirupsen/logrus"
)

const DeployStarted = "deploy_started"
const DeploySuccess = "deploy_success"
const DeployFailed = "deploy_failed"
const BatchStarted = "batch_started"
const BatchCompleted = "batch_completed"
const BatchFailed = "batch_failed"
const BatchCancelled = "batch_cancelled"

// SignatureHeader carries the hex HMAC-SHA256 of the request body
const SignatureHeader = "X-Fleetd-Signature"

type Event struct {
	Name         string                 `json:"event"`
	Timestamp    time.Time              `json:"timestamp"`
	InstanceID   string                 `json:"instance-id,omitempty"`
	InstanceCode string                 `json:"instance-code,omitempty"`
	DeploymentID string                 `json:"deployment-id,omitempty"`
	BatchID      string                 `json:"batch-id,omitempty"`
	Context      map[string]interface{} `json:"context,omitempty"`
}

type Notifier interface {
	Notify(ctx context.Context, ev Event) error
}

// Send delivers ev and logs any failure. It never returns an error.
func Send(ctx context.Context, n Notifier, ev Event) {
	if n == nil {
		return
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}

	defer func() {
		if r := recover(); r != nil {
			log.WithFields(log.Fields{
				"event": ev.Name,
				"error": r,
			}).Error("Recovering from Panic in notifier")
		}
	}()

	if err := n.Notify(ctx, ev); err != nil {
		log.WithFields(log.Fields{
			"event":    ev.Name,
			"instance": ev.InstanceID,
			"batch":    ev.BatchID,
			"error":    err,
		}).Warn("notification failed")
	}
}

// Nop discards every event
type Nop struct{}

func (Nop) Notify(context.Context, Event) error { return nil }

// Multi delivers to every notifier and joins their errors
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, ev Event) error {
	var errs []error
	for _, n := range m {
		if err := n.Notify(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Webhook POSTs events as JSON to URL
type Webhook struct {
	URL    string
	Secret string
	Client *http.Client
}

func (w *Webhook) Notify(ctx context.Context, ev Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.URL, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if w.Secret != "" {
		req.Header.Set(SignatureHeader, Sign(w.Secret, payload))
	}

	client := w.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook %s: %w", w.URL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook %s: status %d", w.URL, resp.StatusCode)
	}

	log.WithFields(log.Fields{
		"event": ev.Name,
		"url":   w.URL,
	}).Debug("webhook notified")
	return nil
}

// Sign returns the hex HMAC-SHA256 of body under secret
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// FromConfig returns a Multi of webhooks, or Nop when none are configured
func FromConfig(cfg c.NotifyConfig) Notifier {
	if len(cfg.WebhookURLs) == 0 {
		return Nop{}
	}
	client := &http.Client{Timeout: cfg.Timeout.Duration}
	m := make(Multi, 0, len(cfg.WebhookURLs))
	for _, u := range cfg.WebhookURLs {
		m = append(m, &Webhook{URL: u, Secret: cfg.Secret, Client: client})
	}
	return m
}
