package sinks

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
	"time"

	"github.com/dj-oyu/home-monitor/internal/circuitbreaker"
)

// Webhook headers.
const (
	HeaderSignature = "X-HomeMonitor-Signature"
	HeaderKind      = "X-HomeMonitor-Kind"
)

// Payload kinds.
const (
	KindWindow = "window"
	KindDigest = "digest"
)

// Digest is a periodic summary of the event log.
type Digest struct {
	Summary    string    `json:"summary"`
	Start      time.Time `json:"start"`
	End        time.Time `json:"end"`
	EventCount int       `json:"event_count"`
}

type webhookPayload struct {
	Kind   string   `json:"kind"`
	Window *Message `json:"window,omitempty"`
	Digest *Digest  `json:"digest,omitempty"`
}

// WebhookSink posts signed JSON notifications.
type WebhookSink struct {
	url     string
	secret  string
	notify  map[string]struct{}
	client  *http.Client
	breaker *circuitbreaker.CircuitBreaker
}

// NewWebhookSink posts to url. Windows are only sent when one of their labels
// is in notifyLabels; an empty list sends every non-empty window. breaker may be nil.
func NewWebhookSink(url, secret string, notifyLabels []string, client *http.Client, breaker *circuitbreaker.CircuitBreaker) *WebhookSink {
	if client == nil {
		client = &http.Client{}
	}
	notify := make(map[string]struct{}, len(notifyLabels))
	for _, l := range notifyLabels {
		notify[l] = struct{}{}
	}
	return &WebhookSink{
		url:     url,
		secret:  secret,
		notify:  notify,
		client:  client,
		breaker: breaker,
	}
}

func (s *WebhookSink) Name() string { return "webhook" }

// Wants reports whether a window with labels would be sent.
func (s *WebhookSink) Wants(labels []string) bool {
	if len(labels) == 0 {
		return false
	}
	if len(s.notify) == 0 {
		return true
	}
	for _, l := range labels {
		if _, ok := s.notify[l]; ok {
			return true
		}
	}
	return false
}

// Deliver posts the window when it matches the notify filter.
func (s *WebhookSink) Deliver(ctx context.Context, msg Message) error {
	if !s.Wants(msg.Labels) {
		return ErrSkipped
	}
	return s.post(ctx, webhookPayload{Kind: KindWindow, Window: &msg})
}

// SendDigest posts a digest regardless of the label filter.
func (s *WebhookSink) SendDigest(ctx context.Context, d Digest) error {
	return s.post(ctx, webhookPayload{Kind: KindDigest, Digest: &d})
}

func (s *WebhookSink) post(ctx context.Context, payload webhookPayload) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	if err := s.breaker.Allow(s.url); err != nil {
		return err
	}

	// Every path after Allow records an outcome, or a half-open key never settles.
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		s.breaker.RecordFailure(s.url)
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderKind, payload.Kind)
	if s.secret != "" {
		req.Header.Set(HeaderSignature, Sign(s.secret, body))
	}

	resp, err := s.client.Do(req)
	if err != nil {
		s.breaker.RecordFailure(s.url)
		return fmt.Errorf("send: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		s.breaker.RecordFailure(s.url)
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	s.breaker.RecordSuccess(s.url)
	return nil
}

// Sign returns the hex HMAC-SHA256 of body.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature is for receivers to check incoming notifications.
func VerifySignature(secret string, body []byte, signature string) bool {
	return hmac.Equal([]byte(Sign(secret, body)), []byte(signature))
}
