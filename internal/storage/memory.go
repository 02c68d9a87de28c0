package storage

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/bdougie/vigil/internal/models"
	"github.com/google/uuid"
)

type embeddingKey struct {
	kind models.RecordKind
	id   uuid.UUID
}

// MemoryStore is an in-process Store for tests. It keeps the same uniqueness rules
// as the Postgres schema.
type MemoryStore struct {
	mu         sync.Mutex
	statuses   map[string]*models.ProcessingStatus
	detections []*models.DetectedObject
	events     []*models.TrackEvent
	embeddings map[embeddingKey]*models.Embedding
	now        func() time.Time
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		statuses:   make(map[string]*models.ProcessingStatus),
		embeddings: make(map[embeddingKey]*models.Embedding),
		now:        time.Now,
	}
}

// Close is a no-op
func (s *MemoryStore) Close() {}

func (s *MemoryStore) GetStatus(ctx context.Context, videoID string) (*models.ProcessingStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	row, ok := s.statuses[videoID]
	if !ok {
		return nil, fmt.Errorf("status for %s: %w", videoID, ErrNotFound)
	}
	return cloneStatus(row), nil
}

func (s *MemoryStore) MutateStatus(ctx context.Context, videoID string, fn func(*models.ProcessingStatus) error) (*models.ProcessingStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now().UTC()
	row, ok := s.statuses[videoID]
	if !ok {
		row = &models.ProcessingStatus{
			VideoID:   videoID,
			Status:    models.StatusPending,
			CreatedAt: now,
			UpdatedAt: now,
		}
	}

	work := cloneStatus(row)
	if err := fn(work); err != nil {
		return nil, err
	}
	work.VideoID = videoID
	work.UpdatedAt = now
	s.statuses[videoID] = work
	return cloneStatus(work), nil
}

func (s *MemoryStore) ListStatuses(ctx context.Context, status models.Status) ([]models.ProcessingStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []models.ProcessingStatus
	for _, row := range s.statuses {
		if status == "" || row.Status == status {
			out = append(out, *cloneStatus(row))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].VideoID < out[j].VideoID
	})
	return out, nil
}

func (s *MemoryStore) DeleteStatus(ctx context.Context, videoID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.statuses[videoID]; !ok {
		return fmt.Errorf("status for %s: %w", videoID, ErrNotFound)
	}
	delete(s.statuses, videoID)
	return nil
}

func (s *MemoryStore) InsertDetection(ctx context.Context, obj *models.DetectedObject) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if obj.ID == uuid.Nil {
		obj.ID = uuid.New()
	}
	if obj.CreatedAt.IsZero() {
		obj.CreatedAt = s.now().UTC()
	}
	cp := *obj
	s.detections = append(s.detections, &cp)
	return nil
}

func (s *MemoryStore) BestDetection(ctx context.Context, videoID string, trackID int) (*models.DetectedObject, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var best *models.DetectedObject
	for _, d := range s.detections {
		if d.VideoID != videoID || d.TrackID == nil || *d.TrackID != trackID {
			continue
		}
		if best == nil || d.Confidence > best.Confidence {
			best = d
		}
	}
	if best == nil {
		return nil, fmt.Errorf("best detection for %s track %d: %w", videoID, trackID, ErrNotFound)
	}
	cp := *best
	return &cp, nil
}

func (s *MemoryStore) UpdateDetectionFields(ctx context.Context, id uuid.UUID, fields models.DetectionFields) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, d := range s.detections {
		if d.ID == id {
			d.Fields = fields
			return nil
		}
	}
	return fmt.Errorf("detection %s: %w", id, ErrNotFound)
}

func (s *MemoryStore) CountDetections(ctx context.Context, videoID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, d := range s.detections {
		if d.VideoID == videoID {
			n++
		}
	}
	return n, nil
}

// Detections returns a copy of every detection row for a video, in insertion order
func (s *MemoryStore) Detections(videoID string) []models.DetectedObject {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []models.DetectedObject
	for _, d := range s.detections {
		if d.VideoID == videoID {
			out = append(out, *d)
		}
	}
	return out
}

func (s *MemoryStore) InsertEvent(ctx context.Context, ev *models.TrackEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if ev.ID == uuid.Nil {
		ev.ID = uuid.New()
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = s.now().UTC()
	}
	cp := *ev
	cp.Attributes = maps.Clone(ev.Attributes)
	s.events = append(s.events, &cp)
	return nil
}

func (s *MemoryStore) ListEvents(ctx context.Context, videoID string) ([]models.TrackEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []models.TrackEvent
	for _, ev := range s.events {
		if ev.VideoID == videoID {
			cp := *ev
			cp.Attributes = maps.Clone(ev.Attributes)
			out = append(out, cp)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].TrackID != out[j].TrackID {
			return out[i].TrackID < out[j].TrackID
		}
		return out[i].FirstSeen < out[j].FirstSeen
	})
	return out, nil
}

func (s *MemoryStore) UpdateEventText(ctx context.Context, id uuid.UUID, attributes map[string]any, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, ev := range s.events {
		if ev.ID == id {
			ev.Attributes = maps.Clone(attributes)
			ev.Text = text
			return nil
		}
	}
	return fmt.Errorf("track event %s: %w", id, ErrNotFound)
}

func (s *MemoryStore) GetEmbedding(ctx context.Context, kind models.RecordKind, recordID uuid.UUID) (*models.Embedding, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	emb, ok := s.embeddings[embeddingKey{kind, recordID}]
	if !ok {
		return nil, fmt.Errorf("%s embedding %s: %w", kind, recordID, ErrNotFound)
	}
	cp := *emb
	cp.Vector = slices.Clone(emb.Vector)
	return &cp, nil
}

func (s *MemoryStore) InsertEmbedding(ctx context.Context, emb *models.Embedding) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := embeddingKey{emb.Kind, emb.RecordID}
	if _, ok := s.embeddings[key]; ok {
		return fmt.Errorf("%s %s: %w", emb.Kind, emb.RecordID, ErrDuplicateEmbedding)
	}
	if emb.ID == uuid.Nil {
		emb.ID = uuid.New()
	}
	if emb.CreatedAt.IsZero() {
		emb.CreatedAt = s.now().UTC()
	}
	cp := *emb
	cp.Vector = slices.Clone(emb.Vector)
	s.embeddings[key] = &cp
	return nil
}

func (s *MemoryStore) DeleteEmbedding(ctx context.Context, kind models.RecordKind, recordID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.embeddings, embeddingKey{kind, recordID})
	return nil
}

// EmbeddingCount returns the number of vector rows of a kind
func (s *MemoryStore) EmbeddingCount(kind models.RecordKind) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for k := range s.embeddings {
		if k.kind == kind {
			n++
		}
	}
	return n
}

func (s *MemoryStore) UnindexedDetections(ctx context.Context) ([]models.DetectedObject, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []models.DetectedObject
	for _, d := range s.detections {
		if d.Text == "" {
			continue
		}
		if _, ok := s.embeddings[embeddingKey{models.KindDetection, d.ID}]; !ok {
			out = append(out, *d)
		}
	}
	return out, nil
}

func (s *MemoryStore) UnindexedEvents(ctx context.Context) ([]models.TrackEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []models.TrackEvent
	for _, ev := range s.events {
		if ev.Text == "" {
			continue
		}
		if _, ok := s.embeddings[embeddingKey{models.KindTrackEvent, ev.ID}]; !ok {
			cp := *ev
			cp.Attributes = maps.Clone(ev.Attributes)
			out = append(out, cp)
		}
	}
	return out, nil
}

func (s *MemoryStore) PurgeVideo(ctx context.Context, videoID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.detections = slices.DeleteFunc(s.detections, func(d *models.DetectedObject) bool {
		if d.VideoID != videoID {
			return false
		}
		delete(s.embeddings, embeddingKey{models.KindDetection, d.ID})
		return true
	})
	s.events = slices.DeleteFunc(s.events, func(ev *models.TrackEvent) bool {
		if ev.VideoID != videoID {
			return false
		}
		delete(s.embeddings, embeddingKey{models.KindTrackEvent, ev.ID})
		return true
	})
	return nil
}

func cloneStatus(s *models.ProcessingStatus) *models.ProcessingStatus {
	cp := *s
	cp.TotalFrames = clonePtr(s.TotalFrames)
	cp.CurrentSecond = clonePtr(s.CurrentSecond)
	cp.LastError = clonePtr(s.LastError)
	cp.StartedAt = clonePtr(s.StartedAt)
	cp.CompletedAt = clonePtr(s.CompletedAt)
	cp.EnrichmentCount = clonePtr(s.EnrichmentCount)
	return &cp
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
