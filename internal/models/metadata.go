package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
)

// Metadata is an opaque string-keyed map stored as JSON text.
type Metadata map[string]interface{}

func (m Metadata) Value() (driver.Value, error) {
	if m == nil {
		return nil, nil
	}
	b, err := json.Marshal(map[string]interface{}(m))
	if err != nil {
		return nil, fmt.Errorf("marshal metadata: %w", err)
	}
	return string(b), nil
}

func (m *Metadata) Scan(src interface{}) error {
	var raw []byte
	switch v := src.(type) {
	case nil:
		*m = nil
		return nil
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		return fmt.Errorf("unsupported metadata column type %T", src)
	}
	if len(raw) == 0 || string(raw) == "null" {
		*m = nil
		return nil
	}
	out := make(Metadata)
	if err := json.Unmarshal(raw, &out); err != nil {
		return fmt.Errorf("unmarshal metadata: %w", err)
	}
	*m = out
	return nil
}

// GormDataType keeps the column portable between postgres and sqlite.
func (Metadata) GormDataType() string {
	return "text"
}

// String returns the JSON form, or "{}" for an empty map.
func (m Metadata) String() string {
	if len(m) == 0 {
		return "{}"
	}
	b, err := json.Marshal(map[string]interface{}(m))
	if err != nil {
		return "{}"
	}
	return string(b)
}
