package models

import "time"

// IPListEntry is the single row for an (address, list type) pair. Writes
// overwrite the row; it stops being active once ExpiresAt has passed.
type IPListEntry struct {
	ID        uint       `gorm:"primaryKey" json:"-"`
	Address   string     `gorm:"size:45;not null;uniqueIndex:idx_ip_list_address_type,priority:1" json:"address"`
	ListType  ListType   `gorm:"size:8;not null;uniqueIndex:idx_ip_list_address_type,priority:2" json:"list_type"`
	BlockType BlockType  `gorm:"size:16" json:"block_type,omitempty"`
	Reason    string     `gorm:"type:text" json:"reason"`
	CreatedAt time.Time  `gorm:"not null" json:"created_at"`
	ExpiresAt *time.Time `gorm:"index" json:"expires_at,omitempty"`
}

func (IPListEntry) TableName() string {
	return "ip_list_entries"
}

// Active reports whether the entry is in force at now.
func (e *IPListEntry) Active(now time.Time) bool {
	return e.ExpiresAt == nil || e.ExpiresAt.After(now)
}
