package models

import "time"

// SecurityEvent is append-only. OccurredAt is assigned by the repository.
type SecurityEvent struct {
	ID         string    `gorm:"primaryKey;size:36" json:"id"`
	EventType  EventType `gorm:"size:32;not null;index:idx_security_events_lookup,priority:2" json:"event_type"`
	SourceIP   string    `gorm:"size:45;not null;index:idx_security_events_lookup,priority:1" json:"source_ip"`
	Endpoint   string    `gorm:"size:255" json:"endpoint,omitempty"`
	APIKey     string    `gorm:"size:255" json:"api_key,omitempty"`
	OccurredAt time.Time `gorm:"not null;index:idx_security_events_lookup,priority:3" json:"occurred_at"`
	Metadata   Metadata  `json:"metadata,omitempty"`
	Detail     string    `gorm:"type:text" json:"detail,omitempty"`
}

func (SecurityEvent) TableName() string {
	return "security_events"
}

// EventFilter matches events by exact equality on its non-empty fields.
type EventFilter struct {
	SourceIP  string    `json:"source_ip,omitempty"`
	EventType EventType `json:"event_type,omitempty"`
	Endpoint  string    `json:"endpoint,omitempty"`
	APIKey    string    `json:"api_key,omitempty"`
}
