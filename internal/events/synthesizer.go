// Package events turns finished track aggregates into lifecycle events.
//
// Synthesis runs once per video after the frame loop. It needs the complete span of
// every track, so nothing here is incremental. Output and text are fully determined by
// the aggregates and the video duration.
package events

import (
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/bdougie/vigil/internal/models"
	"github.com/bdougie/vigil/internal/tracking"
)

// Default thresholds
const (
	DefaultDwellThreshold = 10.0
	DefaultExitGap        = 3.0
)

// Synthesizer applies the entry/dwell/exit policy
type Synthesizer struct {
	// DwellThreshold is the minimum track duration, inclusive, for a dwell event
	DwellThreshold float64
	// ExitGap is how long before the end of the video a track must vanish, exclusive,
	// to get an exit event
	ExitGap float64
}

// NewSynthesizer returns a synthesizer with the given thresholds
func NewSynthesizer(dwellThreshold, exitGap float64) *Synthesizer {
	return &Synthesizer{DwellThreshold: dwellThreshold, ExitGap: exitGap}
}

// Synthesize emits, for each track in order: one entry, a dwell when the duration
// reaches DwellThreshold, and an exit when the track ended more than ExitGap before
// videoDuration. Events carry no ids or video metadata; the caller fills those in.
func (s *Synthesizer) Synthesize(tracks []tracking.TrackAggregate, videoDuration float64) []models.TrackEvent {
	out := make([]models.TrackEvent, 0, len(tracks)*2)

	for i := range tracks {
		t := &tracks[i]
		duration := t.Duration()

		out = append(out, newEvent(t, models.EventEntry, duration, EntryText(t.Class, t.TrackID, t.FirstSeen, t.LastSeen, duration, t.BestConfidence)))

		if duration >= s.DwellThreshold {
			out = append(out, newEvent(t, models.EventDwell, duration, DwellText(t.Class, t.TrackID, t.FirstSeen, t.LastSeen, duration)))
		}

		if videoDuration-t.LastSeen > s.ExitGap {
			out = append(out, newEvent(t, models.EventExit, duration, ExitText(t.Class, t.TrackID, t.FirstSeen, t.LastSeen, duration)))
		}
	}

	return out
}

func newEvent(t *tracking.TrackAggregate, typ models.EventType, duration float64, text string) models.TrackEvent {
	return models.TrackEvent{
		TrackID:        t.TrackID,
		Class:          t.Class,
		Type:           typ,
		FirstSeen:      t.FirstSeen,
		LastSeen:       t.LastSeen,
		Duration:       duration,
		BestSecond:     t.BestSecond,
		BestCropPath:   t.BestCropPath,
		BestConfidence: t.BestConfidence,
		Text:           text,
	}
}

// EntryText describes a track's arrival
func EntryText(class string, trackID int, firstSeen, lastSeen, duration, confidence float64) string {
	return fmt.Sprintf(
		"%s (track #%d) appeared at %.1fs and was visible until %.1fs (duration: %.1fs). Detected with %s confidence.",
		Capitalize(class), trackID, firstSeen, lastSeen, duration, Percent(confidence),
	)
}

// DwellText describes prolonged presence
func DwellText(class string, trackID int, firstSeen, lastSeen, duration float64) string {
	return fmt.Sprintf(
		"%s (track #%d) remained stationary or loitered from %.1fs to %.1fs (%.1f seconds total). This is a prolonged presence event.",
		Capitalize(class), trackID, firstSeen, lastSeen, duration,
	)
}

// ExitText describes a track leaving before the recording ended
func ExitText(class string, trackID int, firstSeen, lastSeen, duration float64) string {
	return fmt.Sprintf(
		"%s (track #%d) left the scene at %.1fs after being present for %.1f seconds (first seen at %.1fs).",
		Capitalize(class), trackID, lastSeen, duration, firstSeen,
	)
}

// DetectionText describes a single detection at one moment
func DetectionText(class string, trackID *int, second, confidence float64, quadrant string) string {
	track := "untracked"
	if trackID != nil {
		track = fmt.Sprintf("track #%d", *trackID)
	}
	return fmt.Sprintf(
		"%s (%s) detected at %.1fs in %s of frame. Confidence: %s.",
		Capitalize(class), track, second, quadrant, Percent(confidence),
	)
}

// Percent formats a 0-1 ratio as a whole percentage, e.g. 0.873 -> "87%"
func Percent(v float64) string {
	return fmt.Sprintf("%.0f%%", v*100)
}

// Capitalize upper-cases the first letter and lower-cases the rest
func Capitalize(s string) string {
	if s == "" {
		return s
	}
	r, n := utf8.DecodeRuneInString(s)
	return string(unicode.ToUpper(r)) + strings.ToLower(s[n:])
}
