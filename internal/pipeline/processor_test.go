package pipeline

import (
	"context"
	"errors"
	"image"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/bdougie/vigil/internal/events"
	"github.com/bdougie/vigil/internal/indexer"
	"github.com/bdougie/vigil/internal/models"
	"github.com/bdougie/vigil/internal/status"
	"github.com/bdougie/vigil/internal/storage"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func intPtr(v int) *int { return &v }

// fakeSource serves frames of a fixed size at the given seconds
type fakeSource struct {
	seconds []float64
	next    int
	onNext  func(i int)
	closed  bool
}

func (s *fakeSource) Next(ctx context.Context) (models.Frame, error) {
	if s.next >= len(s.seconds) {
		return models.Frame{}, io.EOF
	}
	i := s.next
	s.next++
	if s.onNext != nil {
		s.onNext(i)
	}
	return models.Frame{
		Image:  image.NewRGBA(image.Rect(0, 0, 100, 100)),
		Second: s.seconds[i],
		Index:  i,
	}, nil
}

func (s *fakeSource) TotalFrames() *int { return intPtr(len(s.seconds)) }

func (s *fakeSource) Close() error {
	s.closed = true
	return nil
}

// fakeDetector answers with a scripted detection list per second
type fakeDetector struct {
	mu     sync.Mutex
	script func(second float64) ([]models.Detection, error)
	resets int
	calls  int
}

func (d *fakeDetector) Detect(ctx context.Context, img image.Image, second float64) ([]models.Detection, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls++
	if d.script == nil {
		return nil, nil
	}
	return d.script(second)
}

func (d *fakeDetector) Reset(ctx context.Context) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.resets++
}

type fakeEmbedder struct{}

func (fakeEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	return []float32{float32(len(text))}, nil
}

func (fakeEmbedder) Model() string { return "fake-embed" }

type fakeEnricher struct {
	videos []string
	count  int
	err    error
}

func (e *fakeEnricher) Run(ctx context.Context, videoID string) (int, error) {
	e.videos = append(e.videos, videoID)
	return e.count, e.err
}

type fakePublisher struct {
	mu     sync.Mutex
	events []models.TrackEvent
}

func (p *fakePublisher) Publish(ctx context.Context, ev models.TrackEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return nil
}

func (p *fakePublisher) Close() {}

type harness struct {
	store     *storage.MemoryStore
	machine   *status.Machine
	detector  *fakeDetector
	enricher  *fakeEnricher
	publisher *fakePublisher
	sources   map[string]*fakeSource
	openErr   map[string]error
	dataDir   string
	proc      *Processor
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		store:     storage.NewMemoryStore(),
		detector:  &fakeDetector{},
		enricher:  &fakeEnricher{},
		publisher: &fakePublisher{},
		sources:   map[string]*fakeSource{},
		openErr:   map[string]error{},
		dataDir:   t.TempDir(),
	}
	h.machine = status.NewMachine(h.store, discardLogger())
	h.build(nil)
	return h
}

// build wires the processor; store overrides the frame-loop store when set
func (h *harness) build(store Store) {
	if store == nil {
		store = h.store
	}
	opener := SourceOpenerFunc(func(ctx context.Context, path string) (FrameSource, error) {
		name := filepath.Base(path)
		if err := h.openErr[name]; err != nil {
			return nil, err
		}
		src, ok := h.sources[name]
		if !ok {
			return nil, os.ErrNotExist
		}
		return src, nil
	})

	h.proc = NewProcessor(Config{
		DataDir:           h.dataDir,
		CameraID:          "driveway",
		CropMinConfidence: 0.5,
		ProgressEvery:     5,
	}, Deps{
		Store:       store,
		Machine:     h.machine,
		Opener:      opener,
		Detector:    h.detector,
		Synthesizer: events.NewSynthesizer(10, 3),
		Indexer:     indexer.New(h.store, fakeEmbedder{}, nil, discardLogger()),
		Enricher:    h.enricher,
		Publisher:   h.publisher,
	}, discardLogger())
}

// steps returns from, from+step, ... to inclusive
func steps(from, to, step float64) []float64 {
	var out []float64
	for i := 0; ; i++ {
		s := from + float64(i)*step
		if s > to+1e-9 {
			return out
		}
		out = append(out, s)
	}
}

// scenario: a person tracked 2.0s-14.0s and a car tracked 0.5s-1.0s in a 20s video
func scenario(second float64) ([]models.Detection, error) {
	var dets []models.Detection
	if second >= 2.0 && second <= 14.0 {
		dets = append(dets, models.Detection{
			Class: "person", Confidence: 0.6 + second/100, TrackID: intPtr(1),
			BBox: models.BBox{X1: 40, Y1: 45, X2: 60, Y2: 65},
		})
	}
	if second >= 0.5 && second <= 1.0 {
		dets = append(dets, models.Detection{
			Class: "car", Confidence: 0.8, TrackID: intPtr(2),
			BBox: models.BBox{X1: 0, Y1: 0, X2: 20, Y2: 20},
		})
	}
	return dets, nil
}

func countTypes(evs []models.TrackEvent) map[int][]models.EventType {
	out := map[int][]models.EventType{}
	for _, ev := range evs {
		out[ev.TrackID] = append(out[ev.TrackID], ev.Type)
	}
	return out
}

func TestProcessVideoEndToEnd(t *testing.T) {
	h := newHarness(t)
	h.detector.script = scenario
	h.enricher.count = 2
	src := &fakeSource{seconds: steps(0, 20, 0.5)}
	h.sources["clip.mp4"] = src

	ctx := context.Background()
	require.NoError(t, h.proc.ProcessVideo(ctx, "clip.mp4"))

	evs, err := h.store.ListEvents(ctx, "clip.mp4")
	require.NoError(t, err)
	require.Len(t, evs, 5)
	assert.Equal(t, map[int][]models.EventType{
		1: {models.EventEntry, models.EventDwell, models.EventExit},
		2: {models.EventEntry, models.EventExit},
	}, countTypes(evs))
	for _, ev := range evs {
		assert.Equal(t, "clip.mp4", ev.VideoID)
		assert.Equal(t, "driveway", ev.CameraID)
	}
	assert.Equal(t, 12.0, evs[0].Duration)

	st, err := h.store.GetStatus(ctx, "clip.mp4")
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, st.Status)
	assert.Equal(t, 41, st.FramesProcessed)
	assert.Equal(t, 27, st.DetectionsSeen)
	require.NotNil(t, st.CurrentSecond)
	assert.Equal(t, 20.0, *st.CurrentSecond)
	assert.Zero(t, st.ErrorCount)
	assert.True(t, st.EnrichmentCompleted)
	require.NotNil(t, st.EnrichmentCount)
	assert.Equal(t, 2, *st.EnrichmentCount)
	require.NotNil(t, st.CompletedAt)

	assert.Equal(t, 27, h.store.EmbeddingCount(models.KindDetection))
	assert.Equal(t, 5, h.store.EmbeddingCount(models.KindTrackEvent))
	assert.Len(t, h.publisher.events, 5)
	assert.Equal(t, []string{"clip.mp4"}, h.enricher.videos)
	assert.Equal(t, 1, h.detector.resets)
	assert.True(t, src.closed)

	// the best crop of the person is the last, most confident frame
	person := evs[0]
	assert.Equal(t, 14.0, person.BestSecond)
	assert.FileExists(t, person.BestCropPath)
	assert.Equal(t, filepath.Join(h.dataDir, "keyframes", "clip", "crops", "person_1_14.00.jpg"), person.BestCropPath)
}

func TestDetectionRowsCarrySpatialFields(t *testing.T) {
	h := newHarness(t)
	h.detector.script = func(second float64) ([]models.Detection, error) {
		return []models.Detection{
			{Class: "car", Confidence: 0.9, TrackID: intPtr(5), BBox: models.BBox{X1: 0, Y1: 0, X2: 20, Y2: 20}},
			{Class: "car", Confidence: 0.4, TrackID: intPtr(6), BBox: models.BBox{X1: 80, Y1: 0, X2: 100, Y2: 20}},
			{Class: "person", Confidence: 0.95, BBox: models.BBox{X1: 40, Y1: 45, X2: 60, Y2: 65}},
		}, nil
	}
	h.sources["a.mp4"] = &fakeSource{seconds: []float64{3}}

	require.NoError(t, h.proc.ProcessVideo(context.Background(), "a.mp4"))

	rows := h.store.Detections("a.mp4")
	require.Len(t, rows, 3)

	assert.Equal(t, "top-left", rows[0].Quadrant)
	assert.Equal(t, models.BBox{X1: 0, Y1: 0, X2: 0.2, Y2: 0.2}, rows[0].BBox)
	assert.FileExists(t, rows[0].CropPath)
	assert.Equal(t, "Car (track #5) detected at 3.0s in top-left of frame. Confidence: 90%.", rows[0].Text)

	// below the crop threshold
	assert.Equal(t, "top-right", rows[1].Quadrant)
	assert.Empty(t, rows[1].CropPath)

	// untracked
	assert.Equal(t, "center", rows[2].Quadrant)
	assert.Empty(t, rows[2].CropPath)
	assert.Nil(t, rows[2].TrackID)
	assert.Contains(t, rows[2].Text, "(untracked)")
}

func TestDetectionFailureSkipsFrame(t *testing.T) {
	h := newHarness(t)
	h.detector.script = func(second float64) ([]models.Detection, error) {
		if second == 1 || second == 7 {
			return nil, errors.New("detector timeout")
		}
		return []models.Detection{{Class: "car", Confidence: 0.9, TrackID: intPtr(1), BBox: models.BBox{X1: 0, Y1: 0, X2: 10, Y2: 10}}}, nil
	}
	h.sources["a.mp4"] = &fakeSource{seconds: steps(0, 9, 1)}

	ctx := context.Background()
	require.NoError(t, h.proc.ProcessVideo(ctx, "a.mp4"))

	st, err := h.store.GetStatus(ctx, "a.mp4")
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, st.Status)
	assert.Equal(t, 10, st.FramesProcessed)
	assert.Equal(t, 8, st.DetectionsSeen)
	assert.Equal(t, 2, st.ErrorCount)
	assert.Len(t, h.store.Detections("a.mp4"), 8)
}

func TestInterruptMarksVideoFailed(t *testing.T) {
	h := newHarness(t)
	h.detector.script = scenario

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	h.sources["a.mp4"] = &fakeSource{
		seconds: steps(0, 20, 0.5),
		onNext: func(i int) {
			if i == 6 {
				cancel()
			}
		},
	}
	h.sources["b.mp4"] = &fakeSource{seconds: steps(0, 5, 1)}

	err := h.proc.RunVideos(ctx, []string{"a.mp4", "b.mp4"})
	require.ErrorIs(t, err, ErrInterrupted)

	st, err := h.store.GetStatus(context.Background(), "a.mp4")
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, st.Status)
	require.NotNil(t, st.LastError)
	assert.Equal(t, InterruptedMessage, *st.LastError)
	assert.Equal(t, 1, st.ErrorCount)

	// the in-flight frame completed before the poll fired
	assert.Equal(t, 7, h.detector.calls)

	evs, err := h.store.ListEvents(context.Background(), "a.mp4")
	require.NoError(t, err)
	assert.Empty(t, evs)
	assert.Empty(t, h.enricher.videos)

	_, err = h.store.GetStatus(context.Background(), "b.mp4")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestInterruptKeepsUnflushedDetectionErrors(t *testing.T) {
	h := newHarness(t)
	h.detector.script = func(second float64) ([]models.Detection, error) {
		if second == 1 || second == 6 || second == 7 {
			return nil, errors.New("detector timeout")
		}
		return nil, nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.sources["a.mp4"] = &fakeSource{
		seconds: steps(0, 19, 1),
		onNext: func(i int) {
			if i == 7 {
				cancel()
			}
		},
	}

	require.ErrorIs(t, h.proc.ProcessVideo(ctx, "a.mp4"), ErrInterrupted)

	st, err := h.store.GetStatus(context.Background(), "a.mp4")
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, st.Status)
	// one flushed at frame 5, two since then, plus the interrupt itself
	assert.Equal(t, 4, st.ErrorCount)
	assert.Equal(t, 5, st.FramesProcessed)
}

func TestRetryAfterInterruptDoesNotDuplicate(t *testing.T) {
	h := newHarness(t)
	h.detector.script = scenario

	ctx, cancel := context.WithCancel(context.Background())
	h.sources["a.mp4"] = &fakeSource{
		seconds: steps(0, 20, 0.5),
		onNext: func(i int) {
			if i == 10 {
				cancel()
			}
		},
	}
	require.ErrorIs(t, h.proc.ProcessVideo(ctx, "a.mp4"), ErrInterrupted)
	require.NotEmpty(t, h.store.Detections("a.mp4"))

	h.sources["a.mp4"] = &fakeSource{seconds: steps(0, 20, 0.5)}
	require.NoError(t, h.proc.ProcessVideo(context.Background(), "a.mp4"))

	assert.Len(t, h.store.Detections("a.mp4"), 27)
	assert.Equal(t, 27, h.store.EmbeddingCount(models.KindDetection))

	st, err := h.store.GetStatus(context.Background(), "a.mp4")
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, st.Status)
	assert.Equal(t, 1, st.ErrorCount)
	assert.Nil(t, st.LastError)
	assert.Equal(t, 2, h.detector.resets)
}

func TestOpenFailureFailsVideoAndContinues(t *testing.T) {
	h := newHarness(t)
	h.openErr["bad.mp4"] = errors.New("moov atom not found")
	h.sources["good.mp4"] = &fakeSource{seconds: steps(0, 3, 1)}

	ctx := context.Background()
	require.NoError(t, h.proc.RunVideos(ctx, []string{"bad.mp4", "good.mp4"}))

	bad, err := h.store.GetStatus(ctx, "bad.mp4")
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, bad.Status)
	require.NotNil(t, bad.LastError)
	assert.Contains(t, *bad.LastError, "moov atom not found")

	good, err := h.store.GetStatus(ctx, "good.mp4")
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, good.Status)

	// a failed video can fail to open again
	require.Error(t, h.proc.ProcessVideo(ctx, "bad.mp4"))
	bad, err = h.store.GetStatus(ctx, "bad.mp4")
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, bad.Status)
	assert.Equal(t, 2, bad.ErrorCount)
}

type failingEventStore struct {
	*storage.MemoryStore
}

func (failingEventStore) InsertEvent(ctx context.Context, ev *models.TrackEvent) error {
	return errors.New("connection reset")
}

func TestPersistenceErrorFailsVideo(t *testing.T) {
	h := newHarness(t)
	h.build(failingEventStore{h.store})
	h.detector.script = scenario
	h.sources["a.mp4"] = &fakeSource{seconds: steps(0, 20, 0.5)}

	ctx := context.Background()
	err := h.proc.ProcessVideo(ctx, "a.mp4")
	require.Error(t, err)

	st, err := h.store.GetStatus(ctx, "a.mp4")
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, st.Status)
	require.NotNil(t, st.LastError)
	assert.Contains(t, *st.LastError, "failed to save track event")
	assert.Empty(t, h.enricher.videos)
}

func TestEnrichmentFailureKeepsVideoCompleted(t *testing.T) {
	h := newHarness(t)
	h.detector.script = scenario
	h.enricher.err = errors.New("ollama unreachable")
	h.sources["a.mp4"] = &fakeSource{seconds: steps(0, 20, 0.5)}

	ctx := context.Background()
	require.NoError(t, h.proc.ProcessVideo(ctx, "a.mp4"))

	st, err := h.store.GetStatus(ctx, "a.mp4")
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, st.Status)
	assert.False(t, st.EnrichmentCompleted)

	// the next run retries enrichment only
	h.enricher.err = nil
	h.enricher.count = 1
	require.NoError(t, h.proc.ProcessVideo(ctx, "a.mp4"))

	st, err = h.store.GetStatus(ctx, "a.mp4")
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, st.Status)
	assert.True(t, st.EnrichmentCompleted)
	assert.Equal(t, 1, h.detector.resets)
	assert.Len(t, h.store.Detections("a.mp4"), 27)
	assert.Equal(t, []string{"a.mp4", "a.mp4"}, h.enricher.videos)
}

func TestCompletedVideosAreSkipped(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	// completed and enriched
	require.NoError(t, h.machine.Start(ctx, "done.mp4", "driveway", nil))
	require.NoError(t, h.machine.EnrichmentDone(ctx, "done.mp4", 3))
	require.NoError(t, h.machine.Complete(ctx, "done.mp4"))

	// completed without any detection data
	require.NoError(t, h.machine.Start(ctx, "empty.mp4", "driveway", nil))
	require.NoError(t, h.machine.Complete(ctx, "empty.mp4"))

	require.NoError(t, h.proc.RunVideos(ctx, []string{"done.mp4", "empty.mp4"}))

	for _, name := range []string{"done.mp4", "empty.mp4"} {
		st, err := h.store.GetStatus(ctx, name)
		require.NoError(t, err)
		assert.Equal(t, models.StatusSkipped, st.Status, name)
	}

	// skipped is terminal
	require.NoError(t, h.proc.ProcessVideo(ctx, "done.mp4"))
	st, err := h.store.GetStatus(ctx, "done.mp4")
	require.NoError(t, err)
	assert.Equal(t, models.StatusSkipped, st.Status)

	assert.Zero(t, h.detector.resets)
	assert.Empty(t, h.enricher.videos)
}

func TestRunRecoversStaleAndDiscoversVideos(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	require.NoError(t, h.machine.Start(ctx, "b.mp4", "driveway", nil))

	for _, name := range []string{"b.mp4", "a.MP4", "notes.txt"} {
		require.NoError(t, os.WriteFile(filepath.Join(h.dataDir, name), nil, 0o644))
	}
	require.NoError(t, os.Mkdir(filepath.Join(h.dataDir, "dir.mp4"), 0o755))

	names, err := DiscoverVideos(h.dataDir)
	require.NoError(t, err)
	assert.Equal(t, []string{"a.MP4", "b.mp4"}, names)

	h.sources["a.MP4"] = &fakeSource{seconds: steps(0, 2, 1)}
	h.sources["b.mp4"] = &fakeSource{seconds: steps(0, 2, 1)}

	require.NoError(t, h.proc.Run(ctx))

	b, err := h.store.GetStatus(ctx, "b.mp4")
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, b.Status)
	assert.Equal(t, 1, b.ErrorCount)

	a, err := h.store.GetStatus(ctx, "a.MP4")
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, a.Status)
}

func TestRunMissingDataDir(t *testing.T) {
	h := newHarness(t)
	h.dataDir = filepath.Join(h.dataDir, "missing")
	h.build(nil)
	assert.Error(t, h.proc.Run(context.Background()))
}

func TestNoopPublisherDefault(t *testing.T) {
	p := NewProcessor(Config{}, Deps{Machine: status.NewMachine(storage.NewMemoryStore(), discardLogger())}, discardLogger())
	assert.NotNil(t, p.Publisher)
	assert.Equal(t, 5, p.cfg.ProgressEvery)
}
