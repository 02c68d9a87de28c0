package storage

import (
	"context"
	"errors"

	"github.com/bdougie/vigil/internal/models"
	"github.com/google/uuid"
)

var (
	// ErrNotFound is returned when a requested row does not exist
	ErrNotFound = errors.New("not found")
	// ErrDuplicateEmbedding is returned when a vector row already exists for a record
	ErrDuplicateEmbedding = errors.New("embedding already exists for record")
)

// StatusStore persists one ProcessingStatus row per video
type StatusStore interface {
	// GetStatus returns ErrNotFound when the video has never been seen
	GetStatus(ctx context.Context, videoID string) (*models.ProcessingStatus, error)

	// MutateStatus loads the row for videoID, creating a pending row if none exists,
	// applies fn and writes the result back, all in one transaction.
	// If fn returns an error nothing is written.
	MutateStatus(ctx context.Context, videoID string, fn func(*models.ProcessingStatus) error) (*models.ProcessingStatus, error)

	// ListStatuses returns rows with the given status, or all rows if status is empty
	ListStatuses(ctx context.Context, status models.Status) ([]models.ProcessingStatus, error)

	// DeleteStatus removes the row so the video is treated as never seen
	DeleteStatus(ctx context.Context, videoID string) error
}

// DetectionStore persists per-frame detection rows
type DetectionStore interface {
	// InsertDetection assigns ID and CreatedAt when they are zero
	InsertDetection(ctx context.Context, obj *models.DetectedObject) error
	// BestDetection returns the highest-confidence row for a track
	BestDetection(ctx context.Context, videoID string, trackID int) (*models.DetectedObject, error)
	UpdateDetectionFields(ctx context.Context, id uuid.UUID, fields models.DetectionFields) error
	CountDetections(ctx context.Context, videoID string) (int, error)
}

// EventStore persists track events. Only Attributes and Text may change after insert.
type EventStore interface {
	InsertEvent(ctx context.Context, ev *models.TrackEvent) error
	// ListEvents returns events ordered by track id, then first seen, then insertion
	ListEvents(ctx context.Context, videoID string) ([]models.TrackEvent, error)
	UpdateEventText(ctx context.Context, id uuid.UUID, attributes map[string]any, text string) error
}

// EmbeddingStore holds at most one vector per (kind, record)
type EmbeddingStore interface {
	// GetEmbedding returns ErrNotFound when the record has no vector
	GetEmbedding(ctx context.Context, kind models.RecordKind, recordID uuid.UUID) (*models.Embedding, error)
	// InsertEmbedding returns ErrDuplicateEmbedding if the record already has a vector
	InsertEmbedding(ctx context.Context, emb *models.Embedding) error
	DeleteEmbedding(ctx context.Context, kind models.RecordKind, recordID uuid.UUID) error

	// UnindexedDetections returns detections with text and no vector
	UnindexedDetections(ctx context.Context) ([]models.DetectedObject, error)
	// UnindexedEvents returns events with text and no vector
	UnindexedEvents(ctx context.Context) ([]models.TrackEvent, error)
}

// Store is the write side of the relational store the pipeline depends on
type Store interface {
	StatusStore
	DetectionStore
	EventStore
	EmbeddingStore

	// PurgeVideo deletes every detection and event of a video together with their vectors.
	// The status row is untouched.
	PurgeVideo(ctx context.Context, videoID string) error

	Close()
}
