package models

import (
	"fmt"
	"strings"
)

type EventType string

const (
	EventRateLimitExceeded EventType = "rate_limit_exceeded"
	EventDDoSSuspected     EventType = "ddos_suspected"
	EventAbuseDetected     EventType = "abuse_detected"
	EventBlocked           EventType = "blocked"
	EventUnblocked         EventType = "unblocked"
	// EventRequest marks one admitted request; the limiter counts these.
	EventRequest EventType = "request"
)

func (t EventType) Valid() bool {
	switch t {
	case EventRateLimitExceeded, EventDDoSSuspected, EventAbuseDetected,
		EventBlocked, EventUnblocked, EventRequest:
		return true
	}
	return false
}

func ParseEventType(s string) (EventType, error) {
	t := EventType(strings.ToLower(strings.TrimSpace(s)))
	if !t.Valid() {
		return "", fmt.Errorf("unknown event type %q", s)
	}
	return t, nil
}

type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityWarning  Severity = "warning"
	SeverityInfo     Severity = "info"
)

func (s Severity) Valid() bool {
	switch s {
	case SeverityCritical, SeverityWarning, SeverityInfo:
		return true
	}
	return false
}

func ParseSeverity(s string) (Severity, error) {
	sev := Severity(strings.ToLower(strings.TrimSpace(s)))
	if !sev.Valid() {
		return "", fmt.Errorf("unknown severity %q", s)
	}
	return sev, nil
}

type ListType string

const (
	ListAllow ListType = "allow"
	ListBlock ListType = "block"
)

func (l ListType) Valid() bool {
	return l == ListAllow || l == ListBlock
}

func ParseListType(s string) (ListType, error) {
	l := ListType(strings.ToLower(strings.TrimSpace(s)))
	if !l.Valid() {
		return "", fmt.Errorf("unknown list type %q", s)
	}
	return l, nil
}

type BlockType string

const (
	BlockTemporary BlockType = "temporary"
	BlockPermanent BlockType = "permanent"
)

func (b BlockType) Valid() bool {
	return b == BlockTemporary || b == BlockPermanent
}

func ParseBlockType(s string) (BlockType, error) {
	b := BlockType(strings.ToLower(strings.TrimSpace(s)))
	if !b.Valid() {
		return "", fmt.Errorf("unknown block type %q", s)
	}
	return b, nil
}
