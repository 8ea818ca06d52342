package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"secmon/internal/config"
	"secmon/internal/models"
)

type SlackPayload struct {
	Channel     string            `json:"channel,omitempty"`
	Username    string            `json:"username,omitempty"`
	IconEmoji   string            `json:"icon_emoji,omitempty"`
	Text        string            `json:"text"`
	Attachments []SlackAttachment `json:"attachments,omitempty"`
}

type SlackAttachment struct {
	Color     string       `json:"color,omitempty"`
	Title     string       `json:"title,omitempty"`
	Text      string       `json:"text,omitempty"`
	Fields    []SlackField `json:"fields,omitempty"`
	Timestamp int64        `json:"ts,omitempty"`
}

type SlackField struct {
	Title string `json:"title"`
	Value string `json:"value"`
	Short bool   `json:"short"`
}

// WebhookChannel posts Slack-compatible payloads. Sends are paced by a rate
// limiter and stop for OpenInterval after MaxFailures consecutive failures.
type WebhookChannel struct {
	cfg     config.WebhookConfig
	client  *http.Client
	breaker *gobreaker.CircuitBreaker
	limiter *rate.Limiter
}

func NewWebhookChannel(cfg config.WebhookConfig, client *http.Client) *WebhookChannel {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	maxFailures := cfg.MaxFailures
	if maxFailures == 0 {
		maxFailures = 5
	}

	limit := rate.Inf
	if cfg.RatePerSec > 0 {
		limit = rate.Limit(cfg.RatePerSec)
	}

	return &WebhookChannel{
		cfg:    cfg,
		client: client,
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "alert-webhook",
			MaxRequests: 1,
			Timeout:     cfg.OpenInterval,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= maxFailures
			},
		}),
		limiter: rate.NewLimiter(limit, 1),
	}
}

func (w *WebhookChannel) Name() string { return WebhookChannelName }

func (w *WebhookChannel) Enabled() bool { return w.cfg.Enabled }

func (w *WebhookChannel) Probe(_ context.Context) error {
	if w.cfg.URL == "" {
		return fmt.Errorf("%w: no webhook url configured", ErrChannelUnavailable)
	}
	u, err := url.Parse(w.cfg.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%w: invalid webhook url", ErrChannelUnavailable)
	}
	if w.breaker.State() == gobreaker.StateOpen {
		return fmt.Errorf("%w: webhook circuit open", ErrChannelUnavailable)
	}
	return nil
}

func (w *WebhookChannel) Deliver(ctx context.Context, n Notification) error {
	body, err := json.Marshal(w.payload(n))
	if err != nil {
		return fmt.Errorf("encode webhook payload: %w", err)
	}
	if err := w.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("webhook rate limit: %w", err)
	}

	_, err = w.breaker.Execute(func() (interface{}, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.cfg.URL, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := w.client.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return nil, fmt.Errorf("webhook returned %s", resp.Status)
		}
		return nil, nil
	})
	if err != nil {
		return fmt.Errorf("webhook delivery: %w", err)
	}
	return nil
}

func (w *WebhookChannel) payload(n Notification) SlackPayload {
	fields := []SlackField{
		{Title: "Severity", Value: string(n.Severity), Short: true},
		{Title: "Component", Value: n.Component, Short: true},
		{Title: "Alert type", Value: n.AlertType, Short: true},
	}
	for _, k := range sortedKeys(n.Metadata) {
		fields = append(fields, SlackField{Title: k, Value: fmt.Sprint(n.Metadata[k]), Short: true})
	}

	return SlackPayload{
		Channel:   w.cfg.Channel,
		Username:  w.cfg.Username,
		IconEmoji: w.cfg.IconEmoji,
		Text:      fmt.Sprintf("%s alert from %s: %s", strings.ToUpper(string(n.Severity)), n.Component, n.Message),
		Attachments: []SlackAttachment{{
			Color:     SeverityColor(n.Severity),
			Title:     n.Subject(),
			Text:      n.Message,
			Fields:    fields,
			Timestamp: n.CreatedAt.Unix(),
		}},
	}
}

// SeverityColor maps a severity to the Slack attachment colour.
func SeverityColor(s models.Severity) string {
	switch s {
	case models.SeverityCritical:
		return "danger"
	case models.SeverityWarning:
		return "warning"
	default:
		return "good"
	}
}
