// Package notify delivers alerts to the configured mail relay and chat webhook.
package notify

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"secmon/internal/models"
)

const (
	MailChannelName    = "mail"
	WebhookChannelName = "webhook"
)

// ErrChannelUnavailable marks a channel that is disabled or cannot reach its
// backend. Callers log it; it never fails an alert.
var ErrChannelUnavailable = errors.New("channel unavailable")

// Notification is one alert as seen by a delivery channel.
type Notification struct {
	AlertID    string
	Component  string
	Severity   models.Severity
	AlertType  string
	Message    string
	Metadata   models.Metadata
	Recipients []string
	CreatedAt  time.Time
}

// Subject is the one-line summary shared by every channel.
func (n Notification) Subject() string {
	return fmt.Sprintf("[%s] %s: %s", strings.ToUpper(string(n.Severity)), n.Component, n.AlertType)
}

// Body renders the message followed by sorted metadata lines.
func (n Notification) Body() string {
	var b strings.Builder
	b.WriteString(n.Message)
	b.WriteString("\n")
	if len(n.Metadata) > 0 {
		b.WriteString("\n")
		for _, k := range sortedKeys(n.Metadata) {
			fmt.Fprintf(&b, "%s: %v\n", k, n.Metadata[k])
		}
	}
	fmt.Fprintf(&b, "\nalert id: %s\ntime: %s\n", n.AlertID, n.CreatedAt.UTC().Format(time.RFC3339))
	return b.String()
}

type NotificationChannel interface {
	Name() string
	// Enabled reports the configured state without touching the network.
	Enabled() bool
	// Probe checks the backend is reachable, returning ErrChannelUnavailable
	// when it is not.
	Probe(ctx context.Context) error
	Deliver(ctx context.Context, n Notification) error
}

func sortedKeys(m models.Metadata) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
