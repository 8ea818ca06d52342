package service

import (
	"context"
	"fmt"
	"time"

	"secmon/internal/clock"
	"secmon/internal/metrics"
	"secmon/internal/models"
	"secmon/internal/util"

	"go.uber.org/zap"
)

// IPListStore is the persistence contract of the allow and block lists.
type IPListStore interface {
	FindActive(ctx context.Context, address string, listType models.ListType) (*models.IPListEntry, error)
	Upsert(ctx context.Context, entry *models.IPListEntry) error
	Expire(ctx context.Context, address string, listType models.ListType) (int64, error)
	ListActive(ctx context.Context, listType models.ListType) ([]models.IPListEntry, error)
}

// EventRecorder appends security events.
type EventRecorder interface {
	Record(ctx context.Context, in EventInput) (*models.SecurityEvent, error)
}

// BlockRequest represents a block-list write
type BlockRequest struct {
	Address   string           `json:"address"`
	BlockType models.BlockType `json:"block_type"`
	Reason    string           `json:"reason"`
	ExpiresAt *time.Time       `json:"expires_at,omitempty"`
}

// AllowRequest represents an allow-list write
type AllowRequest struct {
	Address   string     `json:"address"`
	Reason    string     `json:"reason"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// IPReputationList answers allow/block questions and maintains both lists.
type IPReputationList struct {
	store        IPListStore
	events       EventRecorder
	clock        clock.Clock
	defaultBlock time.Duration
	logger       *zap.Logger
	metrics      *metrics.Recorder
}

// NewIPReputationList creates a new reputation list service
func NewIPReputationList(
	store IPListStore,
	events EventRecorder,
	clk clock.Clock,
	defaultBlock time.Duration,
	logger *zap.Logger,
	rec *metrics.Recorder,
) *IPReputationList {
	if defaultBlock <= 0 {
		defaultBlock = time.Hour
	}
	return &IPReputationList{
		store:        store,
		events:       events,
		clock:        clock.OrReal(clk),
		defaultBlock: defaultBlock,
		logger:       util.OrNop(logger),
		metrics:      rec,
	}
}

// IsAllowed reports whether address has an active allow entry.
func (l *IPReputationList) IsAllowed(ctx context.Context, address string) bool {
	return l.active(ctx, address, models.ListAllow)
}

// IsBlocked reports whether address has an active block entry.
func (l *IPReputationList) IsBlocked(ctx context.Context, address string) bool {
	return l.active(ctx, address, models.ListBlock)
}

func (l *IPReputationList) active(ctx context.Context, address string, listType models.ListType) bool {
	entry, err := l.store.FindActive(ctx, normalizeAddress(address), listType)
	if err != nil {
		l.logger.Warn("IP list lookup failed, treating as absent",
			util.IP(address),
			zap.String("list_type", string(listType)),
			zap.Error(err))
		l.metrics.FailOpen("iplist_" + string(listType))
		return false
	}
	return entry != nil
}

// Block adds or replaces the block entry for an address and logs a blocked event.
func (l *IPReputationList) Block(ctx context.Context, req BlockRequest) (*models.IPListEntry, error) {
	address, err := ValidateAddress(req.Address)
	if err != nil {
		return nil, err
	}
	if !req.BlockType.Valid() {
		return nil, fmt.Errorf("%w: unknown block type %q", ErrValidation, req.BlockType)
	}

	now := l.clock.Now()
	entry := &models.IPListEntry{
		Address:   address,
		ListType:  models.ListBlock,
		BlockType: req.BlockType,
		Reason:    util.SanitizeInput(req.Reason),
	}

	if req.BlockType == models.BlockTemporary {
		expires := now.Add(l.defaultBlock)
		if req.ExpiresAt != nil {
			if !req.ExpiresAt.After(now) {
				return nil, fmt.Errorf("%w: expires_at must be in the future", ErrValidation)
			}
			expires = *req.ExpiresAt
		}
		expires = expires.UTC()
		entry.ExpiresAt = &expires
	}

	if err := l.store.Upsert(ctx, entry); err != nil {
		return nil, fmt.Errorf("%w: block %s: %v", ErrStore, address, err)
	}
	l.metrics.ListWrite("block")

	meta := models.Metadata{"block_type": string(entry.BlockType)}
	if entry.ExpiresAt != nil {
		meta["expires_at"] = entry.ExpiresAt.Format(time.RFC3339)
	}
	l.recordListEvent(ctx, models.EventBlocked, address, entry.Reason, meta)

	l.logger.Info("IP blocked",
		util.IP(address),
		zap.String("block_type", string(entry.BlockType)),
		zap.Timep("expires_at", entry.ExpiresAt))
	return entry, nil
}

// Unblock deactivates the block entry for an address. Nothing active is not an error.
func (l *IPReputationList) Unblock(ctx context.Context, address string) error {
	canonical, err := ValidateAddress(address)
	if err != nil {
		return err
	}

	n, err := l.store.Expire(ctx, canonical, models.ListBlock)
	if err != nil {
		return fmt.Errorf("%w: unblock %s: %v", ErrStore, canonical, err)
	}
	l.metrics.ListWrite("unblock")

	l.recordListEvent(ctx, models.EventUnblocked, canonical, "", models.Metadata{"deactivated": n > 0})
	l.logger.Info("IP unblocked", util.IP(canonical), zap.Int64("deactivated", n))
	return nil
}

// Allow adds or replaces the allow entry for an address.
func (l *IPReputationList) Allow(ctx context.Context, req AllowRequest) (*models.IPListEntry, error) {
	address, err := ValidateAddress(req.Address)
	if err != nil {
		return nil, err
	}

	entry := &models.IPListEntry{
		Address:  address,
		ListType: models.ListAllow,
		Reason:   util.SanitizeInput(req.Reason),
	}
	if req.ExpiresAt != nil {
		if !req.ExpiresAt.After(l.clock.Now()) {
			return nil, fmt.Errorf("%w: expires_at must be in the future", ErrValidation)
		}
		expires := req.ExpiresAt.UTC()
		entry.ExpiresAt = &expires
	}

	if err := l.store.Upsert(ctx, entry); err != nil {
		return nil, fmt.Errorf("%w: allow %s: %v", ErrStore, address, err)
	}
	l.metrics.ListWrite("allow")
	l.logger.Info("IP allow-listed", util.IP(address), zap.Timep("expires_at", entry.ExpiresAt))
	return entry, nil
}

// ListActive returns the active entries of one list.
func (l *IPReputationList) ListActive(ctx context.Context, listType models.ListType) ([]models.IPListEntry, error) {
	if !listType.Valid() {
		return nil, fmt.Errorf("%w: unknown list type %q", ErrValidation, listType)
	}
	entries, err := l.store.ListActive(ctx, listType)
	if err != nil {
		return nil, fmt.Errorf("%w: list %s entries: %v", ErrStore, listType, err)
	}
	return entries, nil
}

// recordListEvent logs rather than fails: the list write has already landed.
func (l *IPReputationList) recordListEvent(ctx context.Context, eventType models.EventType, address, detail string, meta models.Metadata) {
	if l.events == nil {
		return
	}
	if _, err := l.events.Record(ctx, EventInput{
		EventType: eventType,
		SourceIP:  address,
		Detail:    detail,
		Metadata:  meta,
	}); err != nil {
		l.logger.Error("Failed to record IP list event",
			util.IP(address),
			zap.String("event_type", string(eventType)),
			zap.Error(err))
		l.metrics.ListEventFailed(string(eventType))
	}
}
