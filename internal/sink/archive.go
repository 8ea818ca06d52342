package sink

import (
	"context"

	"secmon/internal/models"
)

// Archiver is satisfied by scylla.EventArchive.
type Archiver interface {
	ArchiveEvent(ctx context.Context, ev *models.SecurityEvent) error
	ArchiveAlert(ctx context.Context, rec *models.AlertRecord) error
}

type ArchiveSink struct {
	archive Archiver
}

func NewArchiveSink(archive Archiver) *ArchiveSink {
	return &ArchiveSink{archive: archive}
}

func (a *ArchiveSink) Name() string { return "scylla" }

func (a *ArchiveSink) PublishEvent(ctx context.Context, ev *models.SecurityEvent) error {
	return a.archive.ArchiveEvent(ctx, ev)
}

func (a *ArchiveSink) PublishAlert(ctx context.Context, rec *models.AlertRecord) error {
	return a.archive.ArchiveAlert(ctx, rec)
}
