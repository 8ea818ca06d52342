package postgres_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"secmon/internal/clock"
	"secmon/internal/models"
	"secmon/internal/repository/postgres"
	"secmon/internal/repository/postgres/pgtest"
)

func TestAlertFiredWithinCountsSuppressedRecords(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewManual(epoch)
	repo := postgres.NewAlertRepository(pgtest.NewDB(t), clk, time.Second)

	fired, err := repo.FiredWithin(ctx, "ingestion", "health_down", 5*time.Minute)
	require.NoError(t, err)
	assert.False(t, fired)

	require.NoError(t, repo.Insert(ctx, &models.AlertRecord{
		Component: "ingestion", Severity: models.SeverityCritical,
		AlertType: "health_down", Message: "db unreachable",
	}))

	clk.Advance(4 * time.Minute)
	require.NoError(t, repo.Insert(ctx, &models.AlertRecord{
		Component: "ingestion", Severity: models.SeverityCritical,
		AlertType: "health_down", Message: "still down", Suppressed: true,
	}))

	fired, err = repo.FiredWithin(ctx, "ingestion", "health_down", 5*time.Minute)
	require.NoError(t, err)
	assert.True(t, fired)

	fired, err = repo.FiredWithin(ctx, "ingestion", "disk_full", 5*time.Minute)
	require.NoError(t, err)
	assert.False(t, fired)

	// The delivered record at t=0 has aged out; the suppressed one at t=4m has not.
	clk.Advance(2 * time.Minute)
	fired, err = repo.FiredWithin(ctx, "ingestion", "health_down", 5*time.Minute)
	require.NoError(t, err)
	assert.True(t, fired)

	clk.Advance(4 * time.Minute)
	fired, err = repo.FiredWithin(ctx, "ingestion", "health_down", 5*time.Minute)
	require.NoError(t, err)
	assert.False(t, fired)

	records, err := repo.Recent(ctx, "ingestion", 10)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.True(t, records[0].Suppressed)
	assert.NotEmpty(t, records[0].ID)
}
