package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"secmon/internal/clock"
	"secmon/internal/models"
)

type AlertRepository struct {
	db      *gorm.DB
	clock   clock.Clock
	timeout time.Duration
}

func NewAlertRepository(db *gorm.DB, clk clock.Clock, timeout time.Duration) *AlertRepository {
	return &AlertRepository{db: db, clock: clock.OrReal(clk), timeout: timeout}
}

// Insert assigns ID and CreatedAt and stores the record.
func (r *AlertRepository) Insert(ctx context.Context, rec *models.AlertRecord) error {
	ctx, cancel := withTimeout(ctx, r.timeout)
	defer cancel()

	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	rec.CreatedAt = r.clock.Now()

	if err := r.db.WithContext(ctx).Create(rec).Error; err != nil {
		return fmt.Errorf("insert alert %s/%s: %w", rec.Component, rec.AlertType, err)
	}
	return nil
}

// FiredWithin reports whether any record for (component, alertType), suppressed
// or not, was created in the trailing window.
func (r *AlertRepository) FiredWithin(ctx context.Context, component, alertType string, window time.Duration) (bool, error) {
	ctx, cancel := withTimeout(ctx, r.timeout)
	defer cancel()

	since := r.clock.Now().Add(-window)
	var n int64
	err := r.db.WithContext(ctx).Model(&models.AlertRecord{}).
		Where("component = ? AND alert_type = ?", component, alertType).
		Where("created_at >= ?", since).
		Count(&n).Error
	if err != nil {
		return false, fmt.Errorf("dedup lookup %s/%s: %w", component, alertType, err)
	}
	return n > 0, nil
}

// Recent returns the newest records, optionally for one component.
func (r *AlertRepository) Recent(ctx context.Context, component string, limit int) ([]models.AlertRecord, error) {
	ctx, cancel := withTimeout(ctx, r.timeout)
	defer cancel()

	q := r.db.WithContext(ctx).Model(&models.AlertRecord{})
	if component != "" {
		q = q.Where("component = ?", component)
	}
	var records []models.AlertRecord
	if err := q.Order("created_at DESC").Limit(limit).Find(&records).Error; err != nil {
		return nil, fmt.Errorf("list alerts: %w", err)
	}
	return records, nil
}
