package tracking

import (
	"sort"

	"github.com/bdougie/vigil/internal/models"
)

// TrackAggregate accumulates everything known about one track during a video
type TrackAggregate struct {
	TrackID        int
	Class          string
	FirstSeen      float64
	LastSeen       float64
	FrameCount     int
	BestConfidence float64
	BestSecond     float64
	BestCropPath   string
	AllSeconds     []float64
}

// Duration is the span between the first and last observation
func (t *TrackAggregate) Duration() float64 {
	return t.LastSeen - t.FirstSeen
}

// Aggregator maps track id to aggregate for a single video.
// Allocate one per video; it is not safe for concurrent use.
type Aggregator struct {
	tracks map[int]*TrackAggregate
}

// NewAggregator returns an empty aggregator
func NewAggregator() *Aggregator {
	return &Aggregator{tracks: make(map[int]*TrackAggregate)}
}

// Update folds one detection into its track. Detections without a track id are ignored.
// The best-* fields move only when det.Confidence is strictly greater than the stored best,
// and BestCropPath always follows the frame that set BestConfidence (even when empty).
func (a *Aggregator) Update(det models.Detection, second float64, cropPath string) {
	if det.TrackID == nil {
		return
	}
	tid := *det.TrackID

	t, ok := a.tracks[tid]
	if !ok {
		a.tracks[tid] = &TrackAggregate{
			TrackID:        tid,
			Class:          det.Class,
			FirstSeen:      second,
			LastSeen:       second,
			FrameCount:     1,
			BestConfidence: det.Confidence,
			BestSecond:     second,
			BestCropPath:   cropPath,
			AllSeconds:     []float64{second},
		}
		return
	}

	t.LastSeen = second
	t.FrameCount++
	t.AllSeconds = append(t.AllSeconds, second)

	if det.Confidence > t.BestConfidence {
		t.BestConfidence = det.Confidence
		t.BestSecond = second
		t.BestCropPath = cropPath
	}
}

// Get returns the aggregate for a track id
func (a *Aggregator) Get(trackID int) (TrackAggregate, bool) {
	t, ok := a.tracks[trackID]
	if !ok {
		return TrackAggregate{}, false
	}
	return *t, true
}

// Len reports the number of distinct tracks seen
func (a *Aggregator) Len() int {
	return len(a.tracks)
}

// Tracks returns a snapshot ordered by first appearance, ties broken by track id
func (a *Aggregator) Tracks() []TrackAggregate {
	out := make([]TrackAggregate, 0, len(a.tracks))
	for _, t := range a.tracks {
		cp := *t
		cp.AllSeconds = append([]float64(nil), t.AllSeconds...)
		out = append(out, cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].FirstSeen != out[j].FirstSeen {
			return out[i].FirstSeen < out[j].FirstSeen
		}
		return out[i].TrackID < out[j].TrackID
	})
	return out
}
