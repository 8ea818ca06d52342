package models

import "time"

// AlertRecord is persisted for every Send, including suppressed duplicates.
type AlertRecord struct {
	ID         string    `gorm:"primaryKey;size:36" json:"id"`
	Component  string    `gorm:"size:128;not null;index:idx_alert_records_dedup,priority:1" json:"component"`
	Severity   Severity  `gorm:"size:16;not null" json:"severity"`
	AlertType  string    `gorm:"size:128;not null;index:idx_alert_records_dedup,priority:2" json:"alert_type"`
	Message    string    `gorm:"type:text;not null" json:"message"`
	Metadata   Metadata  `json:"metadata,omitempty"`
	Suppressed bool      `gorm:"not null;default:false" json:"suppressed"`
	CreatedAt  time.Time `gorm:"not null;index:idx_alert_records_dedup,priority:3" json:"created_at"`
}

func (AlertRecord) TableName() string {
	return "alert_records"
}
