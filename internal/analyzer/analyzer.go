// Package analyzer enriches track events with attributes read from crops by a
// vision-language model.
package analyzer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"

	"github.com/bdougie/vigil/internal/metrics"
	"github.com/bdougie/vigil/internal/models"
	"github.com/bdougie/vigil/internal/storage"
	"github.com/google/uuid"
)

// Extractor reads attributes from a crop. It must always return a complete result.
type Extractor interface {
	Extract(ctx context.Context, kind Kind, path string) Attributes
}

// Reindexer replaces the vector of a record
type Reindexer interface {
	// Unindex drops the record's vector so nothing stale survives a text change
	Unindex(ctx context.Context, kind models.RecordKind, id uuid.UUID) error
	Reindex(ctx context.Context, kind models.RecordKind, id uuid.UUID, text string) (*models.Embedding, error)
}

// Store is the persistence enrichment needs
type Store interface {
	ListEvents(ctx context.Context, videoID string) ([]models.TrackEvent, error)
	UpdateEventText(ctx context.Context, id uuid.UUID, attributes map[string]any, text string) error
	BestDetection(ctx context.Context, videoID string, trackID int) (*models.DetectedObject, error)
	UpdateDetectionFields(ctx context.Context, id uuid.UUID, fields models.DetectionFields) error
}

var errNotEnriched = errors.New("track not enriched")

// Enricher runs one attribute pass over every track of a video
type Enricher struct {
	store     Store
	extractor Extractor
	indexer   Reindexer
	workers   int
	metrics   *metrics.Metrics
	logger    *slog.Logger
}

// NewEnricher creates an enricher. Tracks are handled by up to workers goroutines;
// workers <= 0 means one. m may be nil.
func NewEnricher(store Store, extractor Extractor, indexer Reindexer, workers int, m *metrics.Metrics, logger *slog.Logger) *Enricher {
	if workers <= 0 {
		workers = 1
	}
	return &Enricher{
		store:     store,
		extractor: extractor,
		indexer:   indexer,
		workers:   workers,
		metrics:   m,
		logger:    logger.With("component", "enricher"),
	}
}

type trackWork struct {
	entry  models.TrackEvent
	events []models.TrackEvent
}

// Run enriches every track of videoID that has an entry event with a saved crop and
// returns how many tracks were enriched. A failing track is logged and not counted;
// only failing to list the video's events is an error.
func (e *Enricher) Run(ctx context.Context, videoID string) (int, error) {
	evs, err := e.store.ListEvents(ctx, videoID)
	if err != nil {
		return 0, fmt.Errorf("failed to list track events for %s: %w", videoID, err)
	}

	var work []trackWork
	byTrack := make(map[int]int)
	for _, ev := range evs {
		i, ok := byTrack[ev.TrackID]
		if !ok {
			i = len(work)
			byTrack[ev.TrackID] = i
			work = append(work, trackWork{})
		}
		work[i].events = append(work[i].events, ev)
		if ev.Type == models.EventEntry {
			work[i].entry = ev
		}
	}

	if len(work) == 0 {
		e.logger.Info("no tracks to enrich", "video", videoID)
		return 0, nil
	}

	e.logger.Info("enrichment started", "video", videoID, "tracks", len(work), "workers", e.workers)

	workChan := make(chan trackWork, len(work))
	for _, w := range work {
		workChan <- w
	}
	close(workChan)

	var enriched atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < min(e.workers, len(work)); i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for w := range workChan {
				err := e.enrichTrack(ctx, videoID, w)
				if errors.Is(err, errNotEnriched) {
					continue
				}
				e.metrics.RecordEnrichment(err)
				if err != nil {
					e.logger.Warn("track enrichment failed", "video", videoID, "track_id", w.entry.TrackID, "error", err)
					continue
				}
				enriched.Add(1)
			}
		}()
	}
	wg.Wait()

	n := int(enriched.Load())
	e.logger.Info("enrichment complete", "video", videoID, "enriched", n, "tracks", len(work))
	return n, nil
}

func (e *Enricher) enrichTrack(ctx context.Context, videoID string, w trackWork) error {
	entry := w.entry
	if entry.ID == uuid.Nil {
		e.logger.Info("track has no entry event", "video", videoID, "track_id", w.events[0].TrackID)
		return errNotEnriched
	}

	if entry.BestCropPath == "" {
		e.logger.Info("no crop saved, skipping track", "video", videoID, "track_id", entry.TrackID, "class", entry.Class)
		return errNotEnriched
	}
	if _, err := os.Stat(entry.BestCropPath); err != nil {
		e.logger.Info("crop missing, skipping track", "video", videoID, "track_id", entry.TrackID, "path", entry.BestCropPath)
		return errNotEnriched
	}

	kind, ok := KindForClass(entry.Class)
	if !ok {
		e.logger.Info("class not enriched", "video", videoID, "track_id", entry.TrackID, "class", entry.Class)
		return errNotEnriched
	}

	attrs := e.extractor.Extract(ctx, kind, entry.BestCropPath)
	payload := attrs.Map(entry.Class)

	// each event drops its vector before its text changes, so a failure at any point
	// leaves records either untouched or unindexed for the sweep
	for _, ev := range w.events {
		if err := e.indexer.Unindex(ctx, models.KindTrackEvent, ev.ID); err != nil {
			return fmt.Errorf("failed to drop vector of event %s: %w", ev.ID, err)
		}
		text := attrs.Text(ev)
		if err := e.store.UpdateEventText(ctx, ev.ID, payload, text); err != nil {
			return fmt.Errorf("failed to update event %s: %w", ev.ID, err)
		}
		if _, err := e.indexer.Reindex(ctx, models.KindTrackEvent, ev.ID, text); err != nil {
			e.logger.Warn("failed to re-embed event", "event_id", ev.ID, "error", err)
		}
	}

	best, err := e.store.BestDetection(ctx, videoID, entry.TrackID)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		e.logger.Warn("no detection row for track", "video", videoID, "track_id", entry.TrackID)
	case err != nil:
		return fmt.Errorf("failed to load best detection of track %d: %w", entry.TrackID, err)
	default:
		if err := e.store.UpdateDetectionFields(ctx, best.ID, attrs.DetectionFields()); err != nil {
			return fmt.Errorf("failed to update detection %s: %w", best.ID, err)
		}
	}

	e.logger.Info("track enriched", "video", videoID, "track_id", entry.TrackID, "class", entry.Class, "events", len(w.events))
	return nil
}
