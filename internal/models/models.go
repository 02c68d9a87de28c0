package models

import (
	"image"
	"time"

	"github.com/google/uuid"
)

// EventType is the lifecycle phase a TrackEvent describes
type EventType string

const (
	EventEntry EventType = "entry"
	EventDwell EventType = "dwell"
	EventExit  EventType = "exit"
)

// Status is the processing state of a single video
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusSkipped   Status = "skipped"
)

// RecordKind identifies which table an embedding belongs to
type RecordKind string

const (
	KindDetection  RecordKind = "detection"
	KindTrackEvent RecordKind = "track_event"
)

// BBox is an axis-aligned box, in pixels or normalized to 0-1 depending on context
type BBox struct {
	X1 float64 `json:"x1"`
	Y1 float64 `json:"y1"`
	X2 float64 `json:"x2"`
	Y2 float64 `json:"y2"`
}

// Width returns the horizontal extent of the box
func (b BBox) Width() float64 { return b.X2 - b.X1 }

// Height returns the vertical extent of the box
func (b BBox) Height() float64 { return b.Y2 - b.Y1 }

// Frame is one sampled video frame
type Frame struct {
	Image  image.Image
	Second float64
	Index  int
}

// Detection is one object observed in one frame. BBox is in pixels.
type Detection struct {
	Class      string  `json:"class"`
	Confidence float64 `json:"confidence"`
	BBox       BBox    `json:"bbox"`
	TrackID    *int    `json:"track_id,omitempty"`
}

// VehicleFields are the class-specific columns enrichment writes on a vehicle detection
type VehicleFields struct {
	Color *string
	Type  *string
	Make  *string
}

// PersonFields are the class-specific columns enrichment writes on a person detection
type PersonFields struct {
	Gender         *string
	ClothingTop    *string
	ClothingBottom *string
}

// DetectionFields carries exactly one of the class-specific variants
type DetectionFields struct {
	Vehicle *VehicleFields
	Person  *PersonFields
}

// DetectedObject is the persisted form of a Detection. BBox is normalized.
type DetectedObject struct {
	ID         uuid.UUID
	VideoID    string
	CameraID   string
	Second     float64
	Class      string
	Confidence float64
	BBox       BBox
	TrackID    *int
	Quadrant   string
	CropPath   string
	Text       string
	Fields     DetectionFields
	CreatedAt  time.Time
}

// TrackEvent is a synthesized lifecycle record summarizing a track's span
type TrackEvent struct {
	ID             uuid.UUID      `json:"id"`
	VideoID        string         `json:"video_id"`
	CameraID       string         `json:"camera_id"`
	TrackID        int            `json:"track_id"`
	Class          string         `json:"object_class"`
	Type           EventType      `json:"event_type"`
	FirstSeen      float64        `json:"first_seen_second"`
	LastSeen       float64        `json:"last_seen_second"`
	Duration       float64        `json:"duration_seconds"`
	BestSecond     float64        `json:"best_frame_second"`
	BestCropPath   string         `json:"best_crop_path,omitempty"`
	BestConfidence float64        `json:"best_confidence"`
	Attributes     map[string]any `json:"attributes,omitempty"`
	Text           string         `json:"text"`
	CreatedAt      time.Time      `json:"created_at"`
}

// ProcessingStatus tracks one video through the pipeline
type ProcessingStatus struct {
	VideoID             string
	CameraID            string
	Status              Status
	TotalFrames         *int
	DetectionsSeen      int
	FramesProcessed     int
	CurrentSecond       *float64
	ErrorCount          int
	LastError           *string
	StartedAt           *time.Time
	CompletedAt         *time.Time
	EnrichmentCompleted bool
	EnrichmentCount     *int
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// Progress returns FramesProcessed over TotalFrames, or 0 when the total is unknown.
// TotalFrames is an estimate from the probe, so the ratio can exceed 1.
func (s *ProcessingStatus) Progress() float64 {
	if s.TotalFrames == nil || *s.TotalFrames <= 0 {
		return 0
	}
	return float64(s.FramesProcessed) / float64(*s.TotalFrames)
}

// Embedding is the vector row attached to a detection or track event
type Embedding struct {
	ID        uuid.UUID
	Kind      RecordKind
	RecordID  uuid.UUID
	Vector    []float32
	Model     string
	CreatedAt time.Time
}
