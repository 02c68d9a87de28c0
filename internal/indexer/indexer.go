// Package indexer attaches embedding vectors to detections and track events.
package indexer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/bdougie/vigil/internal/embeddings"
	"github.com/bdougie/vigil/internal/metrics"
	"github.com/bdougie/vigil/internal/models"
	"github.com/bdougie/vigil/internal/storage"
	"github.com/google/uuid"
)

// Indexer keeps at most one vector per record
type Indexer struct {
	store    storage.EmbeddingStore
	embedder embeddings.Embedder
	metrics  *metrics.Metrics
	logger   *slog.Logger
}

// New creates an indexer. m may be nil.
func New(store storage.EmbeddingStore, embedder embeddings.Embedder, m *metrics.Metrics, logger *slog.Logger) *Indexer {
	return &Indexer{
		store:    store,
		embedder: embedder,
		metrics:  m,
		logger:   logger.With("component", "indexer"),
	}
}

// Index returns the existing vector for the record, or embeds text and stores a new one.
// Empty text is skipped and returns nil without error.
func (ix *Indexer) Index(ctx context.Context, kind models.RecordKind, id uuid.UUID, text string) (*models.Embedding, error) {
	existing, err := ix.store.GetEmbedding(ctx, kind, id)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return nil, err
	}

	emb, err := ix.embed(ctx, kind, id, text)
	if err != nil || emb == nil {
		return nil, err
	}

	err = ix.store.InsertEmbedding(ctx, emb)
	if errors.Is(err, storage.ErrDuplicateEmbedding) {
		// another writer got there first
		return ix.store.GetEmbedding(ctx, kind, id)
	}
	if err != nil {
		return nil, err
	}
	return emb, nil
}

// Unindex deletes the record's vector. A record without one is not an error.
func (ix *Indexer) Unindex(ctx context.Context, kind models.RecordKind, id uuid.UUID) error {
	return ix.store.DeleteEmbedding(ctx, kind, id)
}

// Reindex replaces the record's vector with one computed from text. The old row is
// deleted before embedding, so a failure leaves the record unindexed rather than stale.
func (ix *Indexer) Reindex(ctx context.Context, kind models.RecordKind, id uuid.UUID, text string) (*models.Embedding, error) {
	if err := ix.store.DeleteEmbedding(ctx, kind, id); err != nil {
		return nil, err
	}

	emb, err := ix.embed(ctx, kind, id, text)
	if err != nil || emb == nil {
		return nil, err
	}

	if err := ix.store.InsertEmbedding(ctx, emb); err != nil {
		return nil, err
	}
	return emb, nil
}

func (ix *Indexer) embed(ctx context.Context, kind models.RecordKind, id uuid.UUID, text string) (*models.Embedding, error) {
	if text == "" {
		ix.logger.Warn("skipping record without text", "kind", kind, "id", id)
		return nil, nil
	}

	vec, err := ix.embedder.Embed(ctx, text)
	ix.metrics.RecordEmbedding(string(kind), err)
	if err != nil {
		return nil, fmt.Errorf("failed to embed %s %s: %w", kind, id, err)
	}

	return &models.Embedding{
		Kind:     kind,
		RecordID: id,
		Vector:   vec,
		Model:    ix.embedder.Model(),
	}, nil
}

// IndexUnindexed embeds every detection and event that has text and no vector.
// Records are handled one at a time and a failed record does not stop the sweep.
// It returns the number of vectors written.
func (ix *Indexer) IndexUnindexed(ctx context.Context) (int, error) {
	detections, err := ix.store.UnindexedDetections(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list unindexed detections: %w", err)
	}
	events, err := ix.store.UnindexedEvents(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list unindexed events: %w", err)
	}

	ix.logger.Info("indexing sweep started", "detections", len(detections), "events", len(events))

	indexed, failed := 0, 0
	try := func(kind models.RecordKind, id uuid.UUID, text string) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, err := ix.Index(ctx, kind, id, text); err != nil {
			ix.logger.Warn("failed to index record", "kind", kind, "id", id, "error", err)
			failed++
			return nil
		}
		indexed++
		return nil
	}

	for _, d := range detections {
		if err := try(models.KindDetection, d.ID, d.Text); err != nil {
			return indexed, err
		}
	}
	for _, ev := range events {
		if err := try(models.KindTrackEvent, ev.ID, ev.Text); err != nil {
			return indexed, err
		}
	}

	ix.logger.Info("indexing sweep finished", "indexed", indexed, "failed", failed)
	return indexed, nil
}
