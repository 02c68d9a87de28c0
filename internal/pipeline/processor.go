// Package pipeline drives videos through detection, tracking, event synthesis,
// enrichment and indexing, one video at a time.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/bdougie/vigil/internal/events"
	"github.com/bdougie/vigil/internal/metrics"
	"github.com/bdougie/vigil/internal/models"
	"github.com/bdougie/vigil/internal/publisher"
	"github.com/bdougie/vigil/internal/spatial"
	"github.com/bdougie/vigil/internal/status"
	"github.com/bdougie/vigil/internal/tracking"
	"github.com/google/uuid"
)

// ErrInterrupted is returned when a shutdown request stopped processing
var ErrInterrupted = errors.New("processing interrupted")

// InterruptedMessage is recorded on a video stopped by a shutdown signal
const InterruptedMessage = "interrupted by shutdown signal; will resume on next run"

// FrameSource yields a video's sampled frames in timestamp order
type FrameSource interface {
	// Next returns io.EOF once the video is exhausted
	Next(ctx context.Context) (models.Frame, error)
	TotalFrames() *int
	Close() error
}

// SourceOpener opens the frame source of a video file
type SourceOpener interface {
	Open(ctx context.Context, path string) (FrameSource, error)
}

// SourceOpenerFunc adapts a function to SourceOpener
type SourceOpenerFunc func(ctx context.Context, path string) (FrameSource, error)

func (f SourceOpenerFunc) Open(ctx context.Context, path string) (FrameSource, error) {
	return f(ctx, path)
}

// Detector runs detection with tracking. Reset starts a new tracker session.
type Detector interface {
	Detect(ctx context.Context, img image.Image, second float64) ([]models.Detection, error)
	Reset(ctx context.Context)
}

// Indexer stores the vector of a record unless it already has one
type Indexer interface {
	Index(ctx context.Context, kind models.RecordKind, id uuid.UUID, text string) (*models.Embedding, error)
}

// Enricher runs the attribute pass over a video's tracks
type Enricher interface {
	Run(ctx context.Context, videoID string) (int, error)
}

// Store is the persistence the frame loop writes to
type Store interface {
	InsertDetection(ctx context.Context, obj *models.DetectedObject) error
	InsertEvent(ctx context.Context, ev *models.TrackEvent) error
	PurgeVideo(ctx context.Context, videoID string) error
}

// Config holds the per-run settings
type Config struct {
	DataDir           string
	CameraID          string
	CropMinConfidence float64
	ProgressEvery     int
}

// Deps are the collaborators of a Processor. Enricher, Publisher and Metrics
// may be nil.
type Deps struct {
	Store       Store
	Machine     *status.Machine
	Opener      SourceOpener
	Detector    Detector
	Synthesizer *events.Synthesizer
	Indexer     Indexer
	Enricher    Enricher
	Publisher   publisher.Publisher
	Metrics     *metrics.Metrics
}

// Processor processes videos strictly one after another
type Processor struct {
	cfg Config
	Deps
	logger *slog.Logger
}

// NewProcessor creates a processor
func NewProcessor(cfg Config, deps Deps, logger *slog.Logger) *Processor {
	if cfg.ProgressEvery <= 0 {
		cfg.ProgressEvery = 5
	}
	if deps.Publisher == nil {
		deps.Publisher = publisher.Noop{}
	}
	return &Processor{
		cfg:    cfg,
		Deps:   deps,
		logger: logger.With("component", "pipeline"),
	}
}

// Run recovers stale videos, then processes every .mp4 in the data directory
// in name order.
func (p *Processor) Run(ctx context.Context) error {
	p.logger.Info("pipeline started", "data_dir", p.cfg.DataDir)

	recovered, err := p.Machine.RecoverStale(ctx)
	if err != nil {
		return err
	}
	if recovered > 0 {
		p.logger.Warn("recovered stale videos", "count", recovered)
	}

	names, err := DiscoverVideos(p.cfg.DataDir)
	if err != nil {
		return err
	}
	if len(names) == 0 {
		p.logger.Warn("no videos found", "path", p.cfg.DataDir)
		return nil
	}
	p.logger.Info("videos discovered", "count", len(names))

	return p.RunVideos(ctx, names)
}

// DiscoverVideos lists the .mp4 files directly under dir, sorted by name
func DiscoverVideos(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read video directory '%s': %w", dir, err)
	}

	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(strings.ToLower(e.Name()), ".mp4") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

// RunVideos processes names in order. A failed video is logged and the next one
// starts; only an interrupt stops the run early.
func (p *Processor) RunVideos(ctx context.Context, names []string) error {
	for i, name := range names {
		if ctx.Err() != nil {
			p.logger.Warn("pipeline stopping, shutdown requested", "remaining", len(names)-i)
			return ErrInterrupted
		}

		err := p.ProcessVideo(ctx, name)
		if errors.Is(err, ErrInterrupted) {
			return err
		}
		if err != nil {
			p.logger.Error("video processing failed", "video", name, "error", err)
		}
	}

	p.logger.Info("pipeline completed", "videos", len(names))
	return nil
}

// ProcessVideo runs one video according to its status. Errors are already
// recorded on the video's status row when they are returned.
func (p *Processor) ProcessVideo(ctx context.Context, name string) error {
	start := time.Now()
	logger := p.logger.With("video", name)

	action, err := p.Machine.Plan(ctx, name)
	if err != nil {
		return fmt.Errorf("failed to plan %s: %w", name, err)
	}

	switch action {
	case status.ActionSkip:
		logger.Info("video skipped")
		return nil
	case status.ActionMarkSkipped:
		logger.Info("video already completed, skipping")
		if err := p.Machine.Skip(ctx, name); err != nil {
			return err
		}
		p.Metrics.RecordVideo("skipped", time.Since(start))
		return nil
	case status.ActionEnrichOnly:
		logger.Info("detection already completed, running enrichment only")
		p.enrich(context.WithoutCancel(ctx), name, logger)
		p.Metrics.RecordVideo("enriched", time.Since(start))
		return nil
	}

	var st runState
	err = p.process(ctx, name, &st, logger)
	switch {
	case errors.Is(err, ErrInterrupted):
		logger.Warn("video interrupted")
		p.fail(ctx, name, InterruptedMessage, st.newErrors, logger)
		p.Metrics.RecordVideo("interrupted", time.Since(start))
	case err != nil:
		p.fail(ctx, name, err.Error(), st.newErrors, logger)
		p.Metrics.RecordVideo("failed", time.Since(start))
	default:
		p.Metrics.RecordVideo("completed", time.Since(start))
	}
	return err
}

// fail writes the failure even when ctx is already cancelled. frameErrors are the
// detection errors since the last progress write.
func (p *Processor) fail(ctx context.Context, name, msg string, frameErrors int, logger *slog.Logger) {
	if err := p.Machine.FailWithErrors(context.WithoutCancel(ctx), name, msg, frameErrors); err != nil {
		logger.Error("failed to record video failure", "error", err)
	}
}

type runState struct {
	frames     int
	detections int
	newErrors  int
	lastSecond float64
}

func (r *runState) progress() status.Progress {
	return status.Progress{
		FramesProcessed: r.frames,
		DetectionsSeen:  r.detections,
		CurrentSecond:   r.lastSecond,
		NewErrors:       r.newErrors,
	}
}

func (p *Processor) process(ctx context.Context, name string, st *runState, logger *slog.Logger) error {
	// In-flight calls finish; cancellation is only observed at the polling points.
	callCtx := context.WithoutCancel(ctx)
	path := filepath.Join(p.cfg.DataDir, name)

	p.Detector.Reset(callCtx)
	agg := tracking.NewAggregator()

	src, err := p.Opener.Open(callCtx, path)
	if err != nil {
		// failed cannot move to failed, so open failures pass through running
		if serr := p.Machine.Start(callCtx, name, p.cfg.CameraID, nil); serr != nil {
			return errors.Join(err, serr)
		}
		return fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer src.Close()

	if err := p.Machine.Start(callCtx, name, p.cfg.CameraID, src.TotalFrames()); err != nil {
		return err
	}
	if err := p.Store.PurgeVideo(callCtx, name); err != nil {
		return fmt.Errorf("failed to purge earlier records: %w", err)
	}
	logger.Info("video processing started", "total_frames", src.TotalFrames())

	for {
		if ctx.Err() != nil {
			logger.Warn("frame loop interrupted", "second", st.lastSecond)
			return ErrInterrupted
		}

		frame, err := src.Next(callCtx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			if ctx.Err() != nil {
				return ErrInterrupted
			}
			return fmt.Errorf("failed to read frame: %w", err)
		}

		st.frames++
		st.lastSecond = frame.Second

		if err := p.processFrame(callCtx, name, frame, agg, st, logger); err != nil {
			return err
		}

		if st.frames%p.cfg.ProgressEvery == 0 {
			if err := p.Machine.Progress(callCtx, name, st.progress()); err != nil {
				return err
			}
			st.newErrors = 0
		}
	}

	if ctx.Err() != nil {
		return ErrInterrupted
	}

	if err := p.Machine.Progress(callCtx, name, st.progress()); err != nil {
		return err
	}
	st.newErrors = 0

	if err := p.emitEvents(callCtx, name, agg, st.lastSecond, logger); err != nil {
		return err
	}

	p.enrich(callCtx, name, logger)

	if err := p.Machine.Complete(callCtx, name); err != nil {
		return err
	}
	logger.Info("video processing completed",
		"frames_processed", st.frames,
		"detections", st.detections,
		"unique_tracks", agg.Len())
	return nil
}

func (p *Processor) processFrame(ctx context.Context, name string, frame models.Frame, agg *tracking.Aggregator, st *runState, logger *slog.Logger) error {
	dets, err := p.Detector.Detect(ctx, frame.Image, frame.Second)
	p.Metrics.RecordFrame(err)
	if err != nil {
		st.newErrors++
		logger.Error("detection failed, skipping frame", "second", frame.Second, "error", err)
		return nil
	}
	if len(dets) == 0 {
		return nil
	}

	logger.Debug("detections found", "second", frame.Second, "count", len(dets))

	b := frame.Image.Bounds()
	w, h := b.Dx(), b.Dy()

	for _, det := range dets {
		cropPath := p.saveCrop(name, frame, det, logger)

		obj := &models.DetectedObject{
			VideoID:    name,
			CameraID:   p.cfg.CameraID,
			Second:     frame.Second,
			Class:      det.Class,
			Confidence: det.Confidence,
			BBox:       spatial.NormalizeBBox(det.BBox, w, h),
			TrackID:    det.TrackID,
			Quadrant:   spatial.Quadrant(det.BBox, w, h),
			CropPath:   cropPath,
		}
		obj.Text = events.DetectionText(obj.Class, obj.TrackID, obj.Second, obj.Confidence, obj.Quadrant)

		if err := p.Store.InsertDetection(ctx, obj); err != nil {
			return fmt.Errorf("failed to save detection: %w", err)
		}
		st.detections++
		p.Metrics.RecordDetection(obj.Class)

		if _, err := p.Indexer.Index(ctx, models.KindDetection, obj.ID, obj.Text); err != nil {
			logger.Warn("failed to index detection", "detection_id", obj.ID, "error", err)
		}

		agg.Update(det, frame.Second, cropPath)
	}
	return nil
}

// saveCrop keeps a crop of confident tracked detections for enrichment
func (p *Processor) saveCrop(name string, frame models.Frame, det models.Detection, logger *slog.Logger) string {
	if det.TrackID == nil || det.Confidence < p.cfg.CropMinConfidence {
		return ""
	}
	crop := spatial.ExtractCrop(frame.Image, det.BBox, spatial.DefaultPadding)
	path, err := spatial.SaveCrop(crop, p.cfg.DataDir, name, det.Class, *det.TrackID, frame.Second)
	if err != nil {
		logger.Warn("failed to save crop", "track_id", *det.TrackID, "second", frame.Second, "error", err)
		return ""
	}
	return path
}

func (p *Processor) emitEvents(ctx context.Context, name string, agg *tracking.Aggregator, videoDuration float64, logger *slog.Logger) error {
	if agg.Len() == 0 {
		return nil
	}

	evs := p.Synthesizer.Synthesize(agg.Tracks(), videoDuration)
	for i := range evs {
		ev := &evs[i]
		ev.VideoID = name
		ev.CameraID = p.cfg.CameraID

		if err := p.Store.InsertEvent(ctx, ev); err != nil {
			return fmt.Errorf("failed to save track event: %w", err)
		}
		p.Metrics.RecordTrackEvent(string(ev.Type))

		if _, err := p.Indexer.Index(ctx, models.KindTrackEvent, ev.ID, ev.Text); err != nil {
			logger.Warn("failed to index track event", "event_id", ev.ID, "error", err)
		}
		if err := p.Publisher.Publish(ctx, *ev); err != nil {
			logger.Warn("failed to publish track event", "event_id", ev.ID, "error", err)
		}
	}

	logger.Info("track events saved", "count", len(evs), "unique_tracks", agg.Len())
	return nil
}

// enrich never fails the video
func (p *Processor) enrich(ctx context.Context, name string, logger *slog.Logger) {
	if p.Enricher == nil {
		return
	}
	n, err := p.Enricher.Run(ctx, name)
	if err != nil {
		logger.Warn("attribute extraction failed", "error", err)
		return
	}
	if err := p.Machine.EnrichmentDone(ctx, name, n); err != nil {
		logger.Warn("failed to record enrichment", "error", err)
		return
	}
	logger.Info("attribute extraction complete", "tracks_attributed", n)
}
