package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"secmon/internal/clock"
	"secmon/internal/models"
)

const activeEntry = "(expires_at IS NULL OR expires_at > ?)"

type IPListRepository struct {
	db      *gorm.DB
	clock   clock.Clock
	timeout time.Duration
}

func NewIPListRepository(db *gorm.DB, clk clock.Clock, timeout time.Duration) *IPListRepository {
	return &IPListRepository{db: db, clock: clock.OrReal(clk), timeout: timeout}
}

// FindActive returns the entry in force for (address, listType), or nil.
func (r *IPListRepository) FindActive(ctx context.Context, address string, listType models.ListType) (*models.IPListEntry, error) {
	ctx, cancel := withTimeout(ctx, r.timeout)
	defer cancel()

	var entry models.IPListEntry
	err := r.db.WithContext(ctx).
		Where("address = ? AND list_type = ?", address, listType).
		Where(activeEntry, r.clock.Now()).
		Take(&entry).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find %s entry for %s: %w", listType, address, err)
	}
	return &entry, nil
}

// Upsert overwrites the single row for (address, listType). CreatedAt is
// stamped from the repository clock.
func (r *IPListRepository) Upsert(ctx context.Context, entry *models.IPListEntry) error {
	ctx, cancel := withTimeout(ctx, r.timeout)
	defer cancel()

	entry.CreatedAt = r.clock.Now()
	if entry.ExpiresAt != nil {
		utc := entry.ExpiresAt.UTC()
		entry.ExpiresAt = &utc
	}

	err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "address"}, {Name: "list_type"}},
		DoUpdates: clause.AssignmentColumns([]string{"block_type", "reason", "created_at", "expires_at"}),
	}).Create(entry).Error
	if err != nil {
		return fmt.Errorf("upsert %s entry for %s: %w", entry.ListType, entry.Address, err)
	}
	return nil
}

// Expire ends the active entry for (address, listType) now. It returns the
// number of rows changed, zero when nothing was active.
func (r *IPListRepository) Expire(ctx context.Context, address string, listType models.ListType) (int64, error) {
	ctx, cancel := withTimeout(ctx, r.timeout)
	defer cancel()

	now := r.clock.Now()
	res := r.db.WithContext(ctx).Model(&models.IPListEntry{}).
		Where("address = ? AND list_type = ?", address, listType).
		Where(activeEntry, now).
		Update("expires_at", now)
	if res.Error != nil {
		return 0, fmt.Errorf("expire %s entry for %s: %w", listType, address, res.Error)
	}
	return res.RowsAffected, nil
}

// ListActive returns every entry of listType in force, newest first.
func (r *IPListRepository) ListActive(ctx context.Context, listType models.ListType) ([]models.IPListEntry, error) {
	ctx, cancel := withTimeout(ctx, r.timeout)
	defer cancel()

	var entries []models.IPListEntry
	err := r.db.WithContext(ctx).
		Where("list_type = ?", listType).
		Where(activeEntry, r.clock.Now()).
		Order("created_at DESC").
		Find(&entries).Error
	if err != nil {
		return nil, fmt.Errorf("list active %s entries: %w", listType, err)
	}
	return entries, nil
}
