package storage

import (
	"context"
	"errors"
	"testing"

	"github.com/bdougie/vigil/internal/models"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func strPtr(s string) *string { return &s }
func intPtr(i int) *int       { return &i }

// testStore runs the behavior every Store implementation must share
func testStore(t *testing.T, newStore func(t *testing.T) Store) {
	t.Run("status get-or-create and mutate", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		_, err := s.GetStatus(ctx, "a.mp4")
		assert.ErrorIs(t, err, ErrNotFound)

		st, err := s.MutateStatus(ctx, "a.mp4", func(st *models.ProcessingStatus) error {
			assert.Equal(t, models.StatusPending, st.Status)
			st.Status = models.StatusRunning
			st.CameraID = "cam-1"
			st.TotalFrames = intPtr(42)
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, models.StatusRunning, st.Status)

		got, err := s.GetStatus(ctx, "a.mp4")
		require.NoError(t, err)
		assert.Equal(t, "cam-1", got.CameraID)
		require.NotNil(t, got.TotalFrames)
		assert.Equal(t, 42, *got.TotalFrames)
	})

	t.Run("failed mutation writes nothing", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		boom := errors.New("boom")

		_, err := s.MutateStatus(ctx, "b.mp4", func(st *models.ProcessingStatus) error {
			st.Status = models.StatusRunning
			return boom
		})
		assert.ErrorIs(t, err, boom)

		_, err = s.GetStatus(ctx, "b.mp4")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("list and delete statuses", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		for _, id := range []string{"x.mp4", "y.mp4"} {
			_, err := s.MutateStatus(ctx, id, func(st *models.ProcessingStatus) error {
				st.Status = models.StatusRunning
				return nil
			})
			require.NoError(t, err)
		}
		_, err := s.MutateStatus(ctx, "z.mp4", func(st *models.ProcessingStatus) error { return nil })
		require.NoError(t, err)

		running, err := s.ListStatuses(ctx, models.StatusRunning)
		require.NoError(t, err)
		assert.Len(t, running, 2)

		all, err := s.ListStatuses(ctx, "")
		require.NoError(t, err)
		assert.Len(t, all, 3)

		require.NoError(t, s.DeleteStatus(ctx, "x.mp4"))
		assert.ErrorIs(t, s.DeleteStatus(ctx, "x.mp4"), ErrNotFound)
	})

	t.Run("best detection and fields", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		for _, c := range []float64{0.5, 0.9, 0.7} {
			obj := &models.DetectedObject{
				VideoID:    "v.mp4",
				CameraID:   "cam",
				Second:     c * 10,
				Class:      "car",
				Confidence: c,
				BBox:       models.BBox{X1: 0.1, Y1: 0.1, X2: 0.2, Y2: 0.2},
				TrackID:    intPtr(7),
				Quadrant:   "top-left",
				Text:       "Car",
			}
			require.NoError(t, s.InsertDetection(ctx, obj))
			assert.NotEqual(t, uuid.Nil, obj.ID)
		}

		n, err := s.CountDetections(ctx, "v.mp4")
		require.NoError(t, err)
		assert.Equal(t, 3, n)

		best, err := s.BestDetection(ctx, "v.mp4", 7)
		require.NoError(t, err)
		assert.Equal(t, 0.9, best.Confidence)

		_, err = s.BestDetection(ctx, "v.mp4", 8)
		assert.ErrorIs(t, err, ErrNotFound)

		fields := models.DetectionFields{Vehicle: &models.VehicleFields{Color: strPtr("red"), Type: strPtr("sedan")}}
		require.NoError(t, s.UpdateDetectionFields(ctx, best.ID, fields))

		best, err = s.BestDetection(ctx, "v.mp4", 7)
		require.NoError(t, err)
		require.NotNil(t, best.Fields.Vehicle)
		assert.Equal(t, "red", *best.Fields.Vehicle.Color)
		assert.Nil(t, best.Fields.Vehicle.Make)

		assert.ErrorIs(t, s.UpdateDetectionFields(ctx, uuid.New(), fields), ErrNotFound)
	})

	t.Run("events ordered and rewritable", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		insert := func(track int, typ models.EventType, first float64) *models.TrackEvent {
			ev := &models.TrackEvent{
				VideoID: "v.mp4", CameraID: "cam", TrackID: track, Class: "person",
				Type: typ, FirstSeen: first, LastSeen: first + 1, Duration: 1,
				BestConfidence: 0.5, Text: string(typ),
			}
			require.NoError(t, s.InsertEvent(ctx, ev))
			return ev
		}
		insert(2, models.EventEntry, 1)
		entry := insert(1, models.EventEntry, 3)
		insert(1, models.EventExit, 3)

		evs, err := s.ListEvents(ctx, "v.mp4")
		require.NoError(t, err)
		require.Len(t, evs, 3)
		assert.Equal(t, 1, evs[0].TrackID)
		assert.Equal(t, models.EventEntry, evs[0].Type)
		assert.Equal(t, models.EventExit, evs[1].Type)
		assert.Equal(t, 2, evs[2].TrackID)

		attrs := map[string]any{"object_class": "person", "gender_estimate": "female"}
		require.NoError(t, s.UpdateEventText(ctx, entry.ID, attrs, "enriched"))

		evs, err = s.ListEvents(ctx, "v.mp4")
		require.NoError(t, err)
		assert.Equal(t, "enriched", evs[0].Text)
		assert.Equal(t, "female", evs[0].Attributes["gender_estimate"])
		assert.Equal(t, 3.0, evs[0].FirstSeen)
	})

	t.Run("embedding uniqueness and sweep", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		obj := &models.DetectedObject{VideoID: "v.mp4", Class: "car", Confidence: 0.5, Quadrant: "center", Text: "Car"}
		require.NoError(t, s.InsertDetection(ctx, obj))
		blank := &models.DetectedObject{VideoID: "v.mp4", Class: "car", Confidence: 0.5, Quadrant: "center"}
		require.NoError(t, s.InsertDetection(ctx, blank))

		pending, err := s.UnindexedDetections(ctx)
		require.NoError(t, err)
		require.Len(t, pending, 1)
		assert.Equal(t, obj.ID, pending[0].ID)

		emb := &models.Embedding{Kind: models.KindDetection, RecordID: obj.ID, Vector: []float32{1, 0, 0}, Model: "test"}
		require.NoError(t, s.InsertEmbedding(ctx, emb))

		dup := &models.Embedding{Kind: models.KindDetection, RecordID: obj.ID, Vector: []float32{0, 1, 0}, Model: "test"}
		assert.ErrorIs(t, s.InsertEmbedding(ctx, dup), ErrDuplicateEmbedding)

		got, err := s.GetEmbedding(ctx, models.KindDetection, obj.ID)
		require.NoError(t, err)
		assert.Equal(t, []float32{1, 0, 0}, got.Vector)

		pending, err = s.UnindexedDetections(ctx)
		require.NoError(t, err)
		assert.Empty(t, pending)

		require.NoError(t, s.DeleteEmbedding(ctx, models.KindDetection, obj.ID))
		_, err = s.GetEmbedding(ctx, models.KindDetection, obj.ID)
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("purge removes one video", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		keep := &models.DetectedObject{VideoID: "keep.mp4", Class: "car", Confidence: 0.5, Quadrant: "center", Text: "Car"}
		drop := &models.DetectedObject{VideoID: "drop.mp4", Class: "car", Confidence: 0.5, Quadrant: "center", Text: "Car"}
		require.NoError(t, s.InsertDetection(ctx, keep))
		require.NoError(t, s.InsertDetection(ctx, drop))
		ev := &models.TrackEvent{VideoID: "drop.mp4", TrackID: 1, Class: "car", Type: models.EventEntry, Text: "entry"}
		require.NoError(t, s.InsertEvent(ctx, ev))
		for _, id := range []uuid.UUID{keep.ID, drop.ID} {
			require.NoError(t, s.InsertEmbedding(ctx, &models.Embedding{Kind: models.KindDetection, RecordID: id, Vector: []float32{1, 1, 1}, Model: "test"}))
		}
		require.NoError(t, s.InsertEmbedding(ctx, &models.Embedding{Kind: models.KindTrackEvent, RecordID: ev.ID, Vector: []float32{1, 1, 1}, Model: "test"}))

		require.NoError(t, s.PurgeVideo(ctx, "drop.mp4"))

		n, err := s.CountDetections(ctx, "drop.mp4")
		require.NoError(t, err)
		assert.Zero(t, n)
		evs, err := s.ListEvents(ctx, "drop.mp4")
		require.NoError(t, err)
		assert.Empty(t, evs)
		_, err = s.GetEmbedding(ctx, models.KindTrackEvent, ev.ID)
		assert.ErrorIs(t, err, ErrNotFound)

		_, err = s.GetEmbedding(ctx, models.KindDetection, keep.ID)
		assert.NoError(t, err)
	})
}

func TestMemoryStore(t *testing.T) {
	testStore(t, func(t *testing.T) Store { return NewMemoryStore() })
}

func TestMemoryStoreReturnsCopies(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	st, err := s.MutateStatus(ctx, "a.mp4", func(st *models.ProcessingStatus) error {
		st.LastError = strPtr("first")
		return nil
	})
	require.NoError(t, err)
	*st.LastError = "mutated"

	got, err := s.GetStatus(ctx, "a.mp4")
	require.NoError(t, err)
	assert.Equal(t, "first", *got.LastError)
}
