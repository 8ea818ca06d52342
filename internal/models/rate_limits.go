package models

import "time"

// ScopeSource names the rule a RateLimitScope was resolved from.
type ScopeSource string

const (
	ScopeEndpoint ScopeSource = "endpoint"
	ScopeAPIKey   ScopeSource = "api_key"
	ScopeIP       ScopeSource = "ip"
)

// RateLimitScope is derived per request and never persisted.
type RateLimitScope struct {
	Window time.Duration `json:"window"`
	Limit  int           `json:"limit"`
	Burst  int           `json:"burst"`
	Source ScopeSource   `json:"source"`
}

// Ceiling is the count at which requests start being denied.
func (s RateLimitScope) Ceiling() int64 {
	return int64(s.Limit) + int64(s.Burst)
}

// RequestStats aggregates request markers for one source.
type RequestStats struct {
	Count     int64      `json:"count"`
	FirstSeen *time.Time `json:"first_seen,omitempty"`
	LastSeen  *time.Time `json:"last_seen,omitempty"`
}
