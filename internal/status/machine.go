// Package status drives the per-video processing state machine.
package status

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/bdougie/vigil/internal/models"
	"github.com/bdougie/vigil/internal/storage"
)

// ErrInvalidTransition is returned when a mutation would move a video between
// two states that are not connected.
var ErrInvalidTransition = errors.New("invalid status transition")

// StaleMessage is recorded on rows recovered from an unclean shutdown
const StaleMessage = "recovered from stale running state"

var transitions = map[models.Status][]models.Status{
	models.StatusPending:   {models.StatusRunning, models.StatusFailed},
	models.StatusRunning:   {models.StatusRunning, models.StatusCompleted, models.StatusFailed},
	models.StatusFailed:    {models.StatusRunning},
	models.StatusCompleted: {models.StatusSkipped},
}

// CanTransition reports whether from -> to is allowed
func CanTransition(from, to models.Status) bool {
	return slices.Contains(transitions[from], to)
}

func transition(st *models.ProcessingStatus, to models.Status) error {
	if !CanTransition(st.Status, to) {
		return fmt.Errorf("%s: %s -> %s: %w", st.VideoID, st.Status, to, ErrInvalidTransition)
	}
	st.Status = to
	return nil
}

// Action is what a run should do with a video
type Action int

const (
	// ActionProcess runs the full detection pipeline
	ActionProcess Action = iota
	// ActionEnrichOnly runs enrichment on existing detection data
	ActionEnrichOnly
	// ActionSkip leaves the video untouched
	ActionSkip
	// ActionMarkSkipped records that a completed video has nothing left to do
	ActionMarkSkipped
)

func (a Action) String() string {
	switch a {
	case ActionProcess:
		return "process"
	case ActionEnrichOnly:
		return "enrich-only"
	case ActionSkip:
		return "skip"
	case ActionMarkSkipped:
		return "mark-skipped"
	default:
		return fmt.Sprintf("Action(%d)", int(a))
	}
}

// Store is the persistence the machine needs
type Store interface {
	storage.StatusStore
	CountDetections(ctx context.Context, videoID string) (int, error)
}

// Progress is one batched progress update
type Progress struct {
	FramesProcessed int
	DetectionsSeen  int
	CurrentSecond   float64
	// NewErrors is added to the stored error count
	NewErrors int
}

// Machine applies status transitions. Every method is one MutateStatus call.
type Machine struct {
	store  Store
	logger *slog.Logger
	now    func() time.Time
}

// NewMachine creates a state machine over store
func NewMachine(store Store, logger *slog.Logger) *Machine {
	return &Machine{
		store:  store,
		logger: logger.With("component", "status"),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// RecoverStale moves every running row to failed. A running row at startup
// means the previous process died mid-video.
func (m *Machine) RecoverStale(ctx context.Context) (int, error) {
	rows, err := m.store.ListStatuses(ctx, models.StatusRunning)
	if err != nil {
		return 0, fmt.Errorf("failed to list running videos: %w", err)
	}

	recovered := 0
	for _, row := range rows {
		_, err := m.store.MutateStatus(ctx, row.VideoID, func(st *models.ProcessingStatus) error {
			if st.Status != models.StatusRunning {
				return nil
			}
			st.Status = models.StatusFailed
			st.LastError = ptr(StaleMessage)
			st.ErrorCount++
			return nil
		})
		if err != nil {
			return recovered, fmt.Errorf("failed to recover %s: %w", row.VideoID, err)
		}
		m.logger.Warn("recovered stale video", "video", row.VideoID)
		recovered++
	}
	return recovered, nil
}

// Plan decides what a run should do with videoID. It never writes.
func (m *Machine) Plan(ctx context.Context, videoID string) (Action, error) {
	st, err := m.store.GetStatus(ctx, videoID)
	if errors.Is(err, storage.ErrNotFound) {
		return ActionProcess, nil
	}
	if err != nil {
		return ActionProcess, err
	}

	switch st.Status {
	case models.StatusSkipped:
		return ActionSkip, nil
	case models.StatusCompleted:
		if st.EnrichmentCompleted {
			return ActionMarkSkipped, nil
		}
		n, err := m.store.CountDetections(ctx, videoID)
		if err != nil {
			return ActionSkip, err
		}
		if n > 0 {
			return ActionEnrichOnly, nil
		}
		return ActionMarkSkipped, nil
	default:
		return ActionProcess, nil
	}
}

// Start marks the video running and resets the per-run counters
func (m *Machine) Start(ctx context.Context, videoID, cameraID string, totalFrames *int) error {
	_, err := m.store.MutateStatus(ctx, videoID, func(st *models.ProcessingStatus) error {
		if err := transition(st, models.StatusRunning); err != nil {
			return err
		}
		now := m.now()
		st.CameraID = cameraID
		st.TotalFrames = totalFrames
		st.FramesProcessed = 0
		st.DetectionsSeen = 0
		st.CurrentSecond = nil
		st.LastError = nil
		st.StartedAt = &now
		st.CompletedAt = nil
		st.EnrichmentCompleted = false
		st.EnrichmentCount = nil
		return nil
	})
	return err
}

// Progress records a batch of frame progress
func (m *Machine) Progress(ctx context.Context, videoID string, p Progress) error {
	_, err := m.store.MutateStatus(ctx, videoID, func(st *models.ProcessingStatus) error {
		if err := transition(st, models.StatusRunning); err != nil {
			return err
		}
		st.FramesProcessed = p.FramesProcessed
		st.DetectionsSeen = p.DetectionsSeen
		st.CurrentSecond = ptr(p.CurrentSecond)
		st.ErrorCount += p.NewErrors
		return nil
	})
	return err
}

// Complete marks the video completed
func (m *Machine) Complete(ctx context.Context, videoID string) error {
	_, err := m.store.MutateStatus(ctx, videoID, func(st *models.ProcessingStatus) error {
		if err := transition(st, models.StatusCompleted); err != nil {
			return err
		}
		now := m.now()
		st.CompletedAt = &now
		return nil
	})
	return err
}

// Fail marks the video failed with msg and counts one more error
func (m *Machine) Fail(ctx context.Context, videoID, msg string) error {
	return m.FailWithErrors(ctx, videoID, msg, 0)
}

// FailWithErrors is Fail that also adds frame errors not yet written by Progress
func (m *Machine) FailWithErrors(ctx context.Context, videoID, msg string, frameErrors int) error {
	_, err := m.store.MutateStatus(ctx, videoID, func(st *models.ProcessingStatus) error {
		if err := transition(st, models.StatusFailed); err != nil {
			return err
		}
		st.LastError = ptr(msg)
		st.ErrorCount += 1 + max(frameErrors, 0)
		return nil
	})
	return err
}

// Skip marks a completed video as having nothing left to do
func (m *Machine) Skip(ctx context.Context, videoID string) error {
	_, err := m.store.MutateStatus(ctx, videoID, func(st *models.ProcessingStatus) error {
		return transition(st, models.StatusSkipped)
	})
	return err
}

// EnrichmentDone records a finished enrichment pass. The status is unchanged.
func (m *Machine) EnrichmentDone(ctx context.Context, videoID string, count int) error {
	_, err := m.store.MutateStatus(ctx, videoID, func(st *models.ProcessingStatus) error {
		if st.Status != models.StatusRunning && st.Status != models.StatusCompleted {
			return fmt.Errorf("%s: enrichment on %s video: %w", videoID, st.Status, ErrInvalidTransition)
		}
		st.EnrichmentCompleted = true
		st.EnrichmentCount = ptr(count)
		return nil
	})
	return err
}

// Reset forgets the video so the next run processes it from scratch.
// Old detection and event rows are purged by the next full run.
func (m *Machine) Reset(ctx context.Context, videoID string) error {
	if err := m.store.DeleteStatus(ctx, videoID); err != nil {
		return err
	}
	m.logger.Info("video reset", "video", videoID)
	return nil
}

func ptr[T any](v T) *T { return &v }
