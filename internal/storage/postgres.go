package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bdougie/vigil/internal/models"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"
)

// PostgresConfig holds connection details for PostgreSQL
type PostgresConfig struct {
	Host     string
	Port     string
	User     string
	Password string
	DBName   string
}

// ConnString builds a postgres:// URL from the config
func (c PostgresConfig) ConnString() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%s/%s",
		c.User,
		c.Password,
		c.Host,
		c.Port,
		c.DBName,
	)
}

// PostgresStorage implements Store on PostgreSQL with pgvector
type PostgresStorage struct {
	pool *pgxpool.Pool
}

var _ Store = (*PostgresStorage)(nil)

// NewPostgresStorage creates a new PostgreSQL storage connection
func NewPostgresStorage(ctx context.Context, config PostgresConfig) (*PostgresStorage, error) {
	return NewPostgresStorageFromURL(ctx, config.ConnString())
}

// NewPostgresStorageFromURL connects using a ready-made connection string
func NewPostgresStorageFromURL(ctx context.Context, connString string) (*PostgresStorage, error) {
	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &PostgresStorage{pool: pool}, nil
}

// Close closes the database connection
func (s *PostgresStorage) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

const statusColumns = `video_id, camera_id, status, total_frames, detections_seen, frames_processed,
	current_second, error_count, last_error, started_at, completed_at,
	enrichment_completed, enrichment_count, created_at, updated_at`

func scanStatus(row pgx.Row) (*models.ProcessingStatus, error) {
	var st models.ProcessingStatus
	var status string
	err := row.Scan(
		&st.VideoID, &st.CameraID, &status, &st.TotalFrames, &st.DetectionsSeen, &st.FramesProcessed,
		&st.CurrentSecond, &st.ErrorCount, &st.LastError, &st.StartedAt, &st.CompletedAt,
		&st.EnrichmentCompleted, &st.EnrichmentCount, &st.CreatedAt, &st.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	st.Status = models.Status(status)
	return &st, nil
}

func (s *PostgresStorage) GetStatus(ctx context.Context, videoID string) (*models.ProcessingStatus, error) {
	st, err := scanStatus(s.pool.QueryRow(ctx,
		"SELECT "+statusColumns+" FROM processing_status WHERE video_id = $1", videoID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("status for %s: %w", videoID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load status for %s: %w", videoID, err)
	}
	return st, nil
}

func (s *PostgresStorage) MutateStatus(ctx context.Context, videoID string, fn func(*models.ProcessingStatus) error) (*models.ProcessingStatus, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	now := time.Now().UTC()
	_, err = tx.Exec(ctx,
		`INSERT INTO processing_status (video_id, camera_id, status, created_at, updated_at)
		VALUES ($1, '', $2, $3, $3)
		ON CONFLICT (video_id) DO NOTHING`,
		videoID, string(models.StatusPending), now)
	if err != nil {
		return nil, fmt.Errorf("failed to create status for %s: %w", videoID, err)
	}

	st, err := scanStatus(tx.QueryRow(ctx,
		"SELECT "+statusColumns+" FROM processing_status WHERE video_id = $1 FOR UPDATE", videoID))
	if err != nil {
		return nil, fmt.Errorf("failed to lock status for %s: %w", videoID, err)
	}

	if err := fn(st); err != nil {
		return nil, err
	}
	st.VideoID = videoID
	st.UpdatedAt = now

	_, err = tx.Exec(ctx,
		`UPDATE processing_status SET
			camera_id = $2, status = $3, total_frames = $4, detections_seen = $5,
			frames_processed = $6, current_second = $7, error_count = $8, last_error = $9,
			started_at = $10, completed_at = $11, enrichment_completed = $12,
			enrichment_count = $13, updated_at = $14
		WHERE video_id = $1`,
		st.VideoID, st.CameraID, string(st.Status), st.TotalFrames, st.DetectionsSeen,
		st.FramesProcessed, st.CurrentSecond, st.ErrorCount, st.LastError,
		st.StartedAt, st.CompletedAt, st.EnrichmentCompleted,
		st.EnrichmentCount, st.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to update status for %s: %w", videoID, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit status for %s: %w", videoID, err)
	}
	return st, nil
}

func (s *PostgresStorage) ListStatuses(ctx context.Context, status models.Status) ([]models.ProcessingStatus, error) {
	rows, err := s.pool.Query(ctx,
		"SELECT "+statusColumns+` FROM processing_status
		WHERE $1::text = '' OR status = $1
		ORDER BY created_at, video_id`, string(status))
	if err != nil {
		return nil, fmt.Errorf("failed to list statuses: %w", err)
	}
	defer rows.Close()

	var out []models.ProcessingStatus
	for rows.Next() {
		st, err := scanStatus(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan status: %w", err)
		}
		out = append(out, *st)
	}
	return out, rows.Err()
}

func (s *PostgresStorage) DeleteStatus(ctx context.Context, videoID string) error {
	tag, err := s.pool.Exec(ctx, "DELETE FROM processing_status WHERE video_id = $1", videoID)
	if err != nil {
		return fmt.Errorf("failed to delete status for %s: %w", videoID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("status for %s: %w", videoID, ErrNotFound)
	}
	return nil
}

const detectionColumns = `id, video_id, camera_id, frame_second, object_class, confidence,
	bbox_x1, bbox_y1, bbox_x2, bbox_y2, track_id, quadrant, crop_path, text,
	vehicle_color, vehicle_type, vehicle_make, person_gender, person_clothing_top, person_clothing_bottom,
	created_at`

func scanDetection(row pgx.Row) (*models.DetectedObject, error) {
	var d models.DetectedObject
	var cropPath *string
	var v models.VehicleFields
	var p models.PersonFields
	err := row.Scan(
		&d.ID, &d.VideoID, &d.CameraID, &d.Second, &d.Class, &d.Confidence,
		&d.BBox.X1, &d.BBox.Y1, &d.BBox.X2, &d.BBox.Y2, &d.TrackID, &d.Quadrant, &cropPath, &d.Text,
		&v.Color, &v.Type, &v.Make, &p.Gender, &p.ClothingTop, &p.ClothingBottom,
		&d.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	if cropPath != nil {
		d.CropPath = *cropPath
	}
	if v != (models.VehicleFields{}) {
		d.Fields.Vehicle = &v
	}
	if p != (models.PersonFields{}) {
		d.Fields.Person = &p
	}
	return &d, nil
}

// prefixed qualifies every column in a comma separated list with a table alias
func prefixed(alias, columns string) string {
	parts := strings.Split(columns, ",")
	for i, c := range parts {
		parts[i] = alias + strings.TrimSpace(c)
	}
	return strings.Join(parts, ", ")
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func (s *PostgresStorage) InsertDetection(ctx context.Context, obj *models.DetectedObject) error {
	if obj.ID == uuid.Nil {
		obj.ID = uuid.New()
	}
	if obj.CreatedAt.IsZero() {
		obj.CreatedAt = time.Now().UTC()
	}

	var v models.VehicleFields
	var p models.PersonFields
	if obj.Fields.Vehicle != nil {
		v = *obj.Fields.Vehicle
	}
	if obj.Fields.Person != nil {
		p = *obj.Fields.Person
	}

	_, err := s.pool.Exec(ctx,
		"INSERT INTO detected_objects ("+detectionColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21)`,
		obj.ID, obj.VideoID, obj.CameraID, obj.Second, obj.Class, obj.Confidence,
		obj.BBox.X1, obj.BBox.Y1, obj.BBox.X2, obj.BBox.Y2, obj.TrackID, obj.Quadrant, nullable(obj.CropPath), obj.Text,
		v.Color, v.Type, v.Make, p.Gender, p.ClothingTop, p.ClothingBottom,
		obj.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to store detection: %w", err)
	}
	return nil
}

func (s *PostgresStorage) BestDetection(ctx context.Context, videoID string, trackID int) (*models.DetectedObject, error) {
	d, err := scanDetection(s.pool.QueryRow(ctx,
		"SELECT "+detectionColumns+` FROM detected_objects
		WHERE video_id = $1 AND track_id = $2
		ORDER BY confidence DESC, created_at
		LIMIT 1`, videoID, trackID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("best detection for %s track %d: %w", videoID, trackID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load best detection: %w", err)
	}
	return d, nil
}

func (s *PostgresStorage) UpdateDetectionFields(ctx context.Context, id uuid.UUID, fields models.DetectionFields) error {
	var v models.VehicleFields
	var p models.PersonFields
	if fields.Vehicle != nil {
		v = *fields.Vehicle
	}
	if fields.Person != nil {
		p = *fields.Person
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE detected_objects SET
			vehicle_color = $2, vehicle_type = $3, vehicle_make = $4,
			person_gender = $5, person_clothing_top = $6, person_clothing_bottom = $7
		WHERE id = $1`,
		id, v.Color, v.Type, v.Make, p.Gender, p.ClothingTop, p.ClothingBottom)
	if err != nil {
		return fmt.Errorf("failed to update detection %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("detection %s: %w", id, ErrNotFound)
	}
	return nil
}

func (s *PostgresStorage) CountDetections(ctx context.Context, videoID string) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx,
		"SELECT count(*) FROM detected_objects WHERE video_id = $1", videoID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count detections: %w", err)
	}
	return n, nil
}

const eventColumns = `id, video_id, camera_id, track_id, object_class, event_type,
	first_seen_second, last_seen_second, duration_seconds, best_frame_second,
	best_crop_path, best_confidence, attributes, text, created_at`

func scanEvent(row pgx.Row) (*models.TrackEvent, error) {
	var ev models.TrackEvent
	var typ string
	var cropPath *string
	var attrs []byte
	err := row.Scan(
		&ev.ID, &ev.VideoID, &ev.CameraID, &ev.TrackID, &ev.Class, &typ,
		&ev.FirstSeen, &ev.LastSeen, &ev.Duration, &ev.BestSecond,
		&cropPath, &ev.BestConfidence, &attrs, &ev.Text, &ev.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	ev.Type = models.EventType(typ)
	if cropPath != nil {
		ev.BestCropPath = *cropPath
	}
	if len(attrs) > 0 {
		if err := json.Unmarshal(attrs, &ev.Attributes); err != nil {
			return nil, fmt.Errorf("failed to decode attributes: %w", err)
		}
	}
	return &ev, nil
}

func encodeAttributes(attrs map[string]any) ([]byte, error) {
	if attrs == nil {
		return nil, nil
	}
	return json.Marshal(attrs)
}

func (s *PostgresStorage) InsertEvent(ctx context.Context, ev *models.TrackEvent) error {
	if ev.ID == uuid.Nil {
		ev.ID = uuid.New()
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	}
	attrs, err := encodeAttributes(ev.Attributes)
	if err != nil {
		return fmt.Errorf("failed to encode attributes: %w", err)
	}

	_, err = s.pool.Exec(ctx,
		"INSERT INTO track_events ("+eventColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		ev.ID, ev.VideoID, ev.CameraID, ev.TrackID, ev.Class, string(ev.Type),
		ev.FirstSeen, ev.LastSeen, ev.Duration, ev.BestSecond,
		nullable(ev.BestCropPath), ev.BestConfidence, attrs, ev.Text, ev.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to store track event: %w", err)
	}
	return nil
}

func (s *PostgresStorage) ListEvents(ctx context.Context, videoID string) ([]models.TrackEvent, error) {
	rows, err := s.pool.Query(ctx,
		"SELECT "+eventColumns+` FROM track_events
		WHERE video_id = $1
		ORDER BY track_id, first_seen_second, seq`, videoID)
	if err != nil {
		return nil, fmt.Errorf("failed to list track events: %w", err)
	}
	defer rows.Close()

	var out []models.TrackEvent
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan track event: %w", err)
		}
		out = append(out, *ev)
	}
	return out, rows.Err()
}

func (s *PostgresStorage) UpdateEventText(ctx context.Context, id uuid.UUID, attributes map[string]any, text string) error {
	attrs, err := encodeAttributes(attributes)
	if err != nil {
		return fmt.Errorf("failed to encode attributes: %w", err)
	}
	tag, err := s.pool.Exec(ctx,
		"UPDATE track_events SET attributes = $2, text = $3 WHERE id = $1",
		id, attrs, text)
	if err != nil {
		return fmt.Errorf("failed to update track event %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("track event %s: %w", id, ErrNotFound)
	}
	return nil
}

func (s *PostgresStorage) GetEmbedding(ctx context.Context, kind models.RecordKind, recordID uuid.UUID) (*models.Embedding, error) {
	var emb models.Embedding
	var k string
	var vec pgvector.Vector
	err := s.pool.QueryRow(ctx,
		`SELECT id, record_kind, record_id, embedding, model, created_at
		FROM embeddings WHERE record_kind = $1 AND record_id = $2`,
		string(kind), recordID).Scan(&emb.ID, &k, &emb.RecordID, &vec, &emb.Model, &emb.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%s embedding %s: %w", kind, recordID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load embedding: %w", err)
	}
	emb.Kind = models.RecordKind(k)
	emb.Vector = vec.Slice()
	return &emb, nil
}

func (s *PostgresStorage) InsertEmbedding(ctx context.Context, emb *models.Embedding) error {
	if emb.ID == uuid.Nil {
		emb.ID = uuid.New()
	}
	if emb.CreatedAt.IsZero() {
		emb.CreatedAt = time.Now().UTC()
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO embeddings (id, record_kind, record_id, embedding, model, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		emb.ID, string(emb.Kind), emb.RecordID, pgvector.NewVector(emb.Vector), emb.Model, emb.CreatedAt)

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return fmt.Errorf("%s %s: %w", emb.Kind, emb.RecordID, ErrDuplicateEmbedding)
	}
	if err != nil {
		return fmt.Errorf("failed to store embedding: %w", err)
	}
	return nil
}

func (s *PostgresStorage) DeleteEmbedding(ctx context.Context, kind models.RecordKind, recordID uuid.UUID) error {
	_, err := s.pool.Exec(ctx,
		"DELETE FROM embeddings WHERE record_kind = $1 AND record_id = $2",
		string(kind), recordID)
	if err != nil {
		return fmt.Errorf("failed to delete embedding: %w", err)
	}
	return nil
}

func (s *PostgresStorage) UnindexedDetections(ctx context.Context) ([]models.DetectedObject, error) {
	rows, err := s.pool.Query(ctx,
		"SELECT "+prefixed("d.", detectionColumns)+` FROM detected_objects d
		LEFT JOIN embeddings e ON e.record_kind = $1 AND e.record_id = d.id
		WHERE e.id IS NULL AND d.text <> ''
		ORDER BY d.created_at`, string(models.KindDetection))
	if err != nil {
		return nil, fmt.Errorf("failed to list unindexed detections: %w", err)
	}
	defer rows.Close()

	var out []models.DetectedObject
	for rows.Next() {
		d, err := scanDetection(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan detection: %w", err)
		}
		out = append(out, *d)
	}
	return out, rows.Err()
}

func (s *PostgresStorage) UnindexedEvents(ctx context.Context) ([]models.TrackEvent, error) {
	rows, err := s.pool.Query(ctx,
		"SELECT "+prefixed("t.", eventColumns)+` FROM track_events t
		LEFT JOIN embeddings e ON e.record_kind = $1 AND e.record_id = t.id
		WHERE e.id IS NULL AND t.text <> ''
		ORDER BY t.seq`, string(models.KindTrackEvent))
	if err != nil {
		return nil, fmt.Errorf("failed to list unindexed events: %w", err)
	}
	defer rows.Close()

	var out []models.TrackEvent
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan track event: %w", err)
		}
		out = append(out, *ev)
	}
	return out, rows.Err()
}

func (s *PostgresStorage) PurgeVideo(ctx context.Context, videoID string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	statements := []string{
		`DELETE FROM embeddings e USING detected_objects d
			WHERE e.record_kind = 'detection' AND e.record_id = d.id AND d.video_id = $1`,
		`DELETE FROM embeddings e USING track_events t
			WHERE e.record_kind = 'track_event' AND e.record_id = t.id AND t.video_id = $1`,
		"DELETE FROM detected_objects WHERE video_id = $1",
		"DELETE FROM track_events WHERE video_id = $1",
	}
	for _, stmt := range statements {
		if _, err := tx.Exec(ctx, stmt, videoID); err != nil {
			return fmt.Errorf("failed to purge %s: %w", videoID, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit purge of %s: %w", videoID, err)
	}
	return nil
}

// InitSchema creates the database schema if it doesn't exist. dim is the
// embedding model's vector size and is fixed once the table exists.
func InitSchema(ctx context.Context, connString string, dim int) error {
	if dim <= 0 {
		return fmt.Errorf("invalid embedding dimension %d", dim)
	}

	conn, err := pgx.Connect(ctx, connString)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer conn.Close(ctx)

	if _, err := conn.Exec(ctx, "CREATE EXTENSION IF NOT EXISTS vector"); err != nil {
		return fmt.Errorf("failed to create vector extension: %w", err)
	}

	_, err = conn.Exec(ctx, fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS processing_status (
			video_id VARCHAR(512) PRIMARY KEY,
			camera_id VARCHAR(255) NOT NULL DEFAULT '',
			status VARCHAR(16) NOT NULL,
			total_frames INTEGER,
			detections_seen INTEGER NOT NULL DEFAULT 0,
			frames_processed INTEGER NOT NULL DEFAULT 0,
			current_second DOUBLE PRECISION,
			error_count INTEGER NOT NULL DEFAULT 0,
			last_error TEXT,
			started_at TIMESTAMPTZ,
			completed_at TIMESTAMPTZ,
			enrichment_completed BOOLEAN NOT NULL DEFAULT FALSE,
			enrichment_count INTEGER,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		);

		CREATE TABLE IF NOT EXISTS detected_objects (
			id UUID PRIMARY KEY,
			video_id VARCHAR(512) NOT NULL,
			camera_id VARCHAR(255) NOT NULL,
			frame_second DOUBLE PRECISION NOT NULL,
			object_class VARCHAR(64) NOT NULL,
			confidence DOUBLE PRECISION NOT NULL,
			bbox_x1 DOUBLE PRECISION NOT NULL,
			bbox_y1 DOUBLE PRECISION NOT NULL,
			bbox_x2 DOUBLE PRECISION NOT NULL,
			bbox_y2 DOUBLE PRECISION NOT NULL,
			track_id INTEGER,
			quadrant VARCHAR(32) NOT NULL,
			crop_path TEXT,
			text TEXT NOT NULL,
			vehicle_color VARCHAR(64),
			vehicle_type VARCHAR(64),
			vehicle_make VARCHAR(64),
			person_gender VARCHAR(64),
			person_clothing_top VARCHAR(128),
			person_clothing_bottom VARCHAR(128),
			created_at TIMESTAMPTZ NOT NULL
		);

		CREATE TABLE IF NOT EXISTS track_events (
			id UUID PRIMARY KEY,
			seq BIGINT GENERATED ALWAYS AS IDENTITY,
			video_id VARCHAR(512) NOT NULL,
			camera_id VARCHAR(255) NOT NULL,
			track_id INTEGER NOT NULL,
			object_class VARCHAR(64) NOT NULL,
			event_type VARCHAR(16) NOT NULL,
			first_seen_second DOUBLE PRECISION NOT NULL,
			last_seen_second DOUBLE PRECISION NOT NULL,
			duration_seconds DOUBLE PRECISION NOT NULL,
			best_frame_second DOUBLE PRECISION NOT NULL,
			best_crop_path TEXT,
			best_confidence DOUBLE PRECISION NOT NULL,
			attributes JSONB,
			text TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL
		);

		CREATE TABLE IF NOT EXISTS embeddings (
			id UUID PRIMARY KEY,
			record_kind VARCHAR(16) NOT NULL,
			record_id UUID NOT NULL,
			embedding vector(%d) NOT NULL,
			model VARCHAR(128) NOT NULL,
			created_at TIMESTAMPTZ NOT NULL,
			UNIQUE(record_kind, record_id)
		);
	`, dim))
	if err != nil {
		return fmt.Errorf("failed to create database schema: %w", err)
	}

	_, err = conn.Exec(ctx, `
		CREATE INDEX IF NOT EXISTS idx_detected_objects_video_track ON detected_objects(video_id, track_id);
		CREATE INDEX IF NOT EXISTS idx_track_events_video ON track_events(video_id, track_id);
		CREATE INDEX IF NOT EXISTS idx_processing_status_status ON processing_status(status);
		CREATE INDEX IF NOT EXISTS idx_embedding_vector ON embeddings USING ivfflat (embedding vector_cosine_ops) WITH (lists = 100);
	`)
	if err != nil {
		return fmt.Errorf("failed to create database indexes: %w", err)
	}

	return nil
}
