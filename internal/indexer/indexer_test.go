package indexer

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/bdougie/vigil/internal/models"
	"github.com/bdougie/vigil/internal/storage"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeEmbedder struct {
	calls []string
	fail  map[string]bool
}

func (f *fakeEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	f.calls = append(f.calls, text)
	if f.fail[text] {
		return nil, errors.New("embedding service unavailable")
	}
	return []float32{float32(len(text)), 1}, nil
}

func (f *fakeEmbedder) Model() string { return "fake-embed" }

func newTestIndexer() (*Indexer, *storage.MemoryStore, *fakeEmbedder) {
	store := storage.NewMemoryStore()
	emb := &fakeEmbedder{fail: map[string]bool{}}
	return New(store, emb, nil, slog.New(slog.NewTextHandler(io.Discard, nil))), store, emb
}

func TestIndexIsIdempotent(t *testing.T) {
	ix, store, emb := newTestIndexer()
	ctx := context.Background()
	id := uuid.New()

	first, err := ix.Index(ctx, models.KindDetection, id, "Car (track #1)")
	require.NoError(t, err)
	assert.Equal(t, "fake-embed", first.Model)

	second, err := ix.Index(ctx, models.KindDetection, id, "different text")
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, first.Vector, second.Vector)

	assert.Len(t, emb.calls, 1)
	assert.Equal(t, 1, store.EmbeddingCount(models.KindDetection))
}

func TestIndexSkipsEmptyText(t *testing.T) {
	ix, store, emb := newTestIndexer()

	got, err := ix.Index(context.Background(), models.KindTrackEvent, uuid.New(), "")
	require.NoError(t, err)
	assert.Nil(t, got)
	assert.Empty(t, emb.calls)
	assert.Zero(t, store.EmbeddingCount(models.KindTrackEvent))
}

func TestReindexReplaces(t *testing.T) {
	ix, store, _ := newTestIndexer()
	ctx := context.Background()
	id := uuid.New()

	_, err := ix.Index(ctx, models.KindTrackEvent, id, "short")
	require.NoError(t, err)

	got, err := ix.Reindex(ctx, models.KindTrackEvent, id, "a much longer enriched text")
	require.NoError(t, err)
	assert.Equal(t, float32(len("a much longer enriched text")), got.Vector[0])

	// reindexing repeatedly keeps exactly one row
	_, err = ix.Reindex(ctx, models.KindTrackEvent, id, "again")
	require.NoError(t, err)
	assert.Equal(t, 1, store.EmbeddingCount(models.KindTrackEvent))

	stored, err := store.GetEmbedding(ctx, models.KindTrackEvent, id)
	require.NoError(t, err)
	assert.Equal(t, float32(len("again")), stored.Vector[0])
}

func TestReindexFailureLeavesNoStaleVector(t *testing.T) {
	ix, store, emb := newTestIndexer()
	ctx := context.Background()
	id := uuid.New()

	_, err := ix.Index(ctx, models.KindTrackEvent, id, "old text")
	require.NoError(t, err)

	emb.fail["new text"] = true
	_, err = ix.Reindex(ctx, models.KindTrackEvent, id, "new text")
	require.Error(t, err)

	_, err = store.GetEmbedding(ctx, models.KindTrackEvent, id)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestUnindexThenIndexUnindexed(t *testing.T) {
	ix, store, _ := newTestIndexer()
	ctx := context.Background()

	ev := &models.TrackEvent{VideoID: "v.mp4", TrackID: 1, Class: "car", Type: models.EventEntry, Text: "Car entry"}
	require.NoError(t, store.InsertEvent(ctx, ev))
	_, err := ix.Index(ctx, models.KindTrackEvent, ev.ID, ev.Text)
	require.NoError(t, err)

	require.NoError(t, ix.Unindex(ctx, models.KindTrackEvent, ev.ID))
	require.NoError(t, ix.Unindex(ctx, models.KindTrackEvent, ev.ID))
	assert.Zero(t, store.EmbeddingCount(models.KindTrackEvent))

	n, err := ix.IndexUnindexed(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 1, store.EmbeddingCount(models.KindTrackEvent))
}

func TestIndexUnindexed(t *testing.T) {
	ix, store, emb := newTestIndexer()
	ctx := context.Background()

	texts := []string{"Car one", "Car two", "Person three"}
	for _, text := range texts {
		require.NoError(t, store.InsertDetection(ctx, &models.DetectedObject{VideoID: "v.mp4", Class: "car", Text: text}))
	}
	require.NoError(t, store.InsertEvent(ctx, &models.TrackEvent{VideoID: "v.mp4", TrackID: 1, Type: models.EventEntry, Text: "entry text"}))
	emb.fail["Car two"] = true

	n, err := ix.IndexUnindexed(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, 2, store.EmbeddingCount(models.KindDetection))
	assert.Equal(t, 1, store.EmbeddingCount(models.KindTrackEvent))

	// the sweep is safe to repeat and picks up the failed record
	delete(emb.fail, "Car two")
	n, err = ix.IndexUnindexed(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = ix.IndexUnindexed(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestIndexUnindexedStopsOnCancel(t *testing.T) {
	ix, store, emb := newTestIndexer()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	require.NoError(t, store.InsertDetection(context.Background(), &models.DetectedObject{VideoID: "v.mp4", Text: "Car"}))

	_, err := ix.IndexUnindexed(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, emb.calls)
}
