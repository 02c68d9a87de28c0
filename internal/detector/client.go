// Package detector talks to the object detection and tracking service.
package detector

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"image"
	"image/jpeg"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/bdougie/vigil/internal/models"
	"github.com/google/uuid"
)

const jpegQuality = 90

// DefaultClasses are the COCO classes worth tracking on a driveway camera
var DefaultClasses = []string{"person", "car", "truck", "bus", "motorcycle", "bicycle"}

// Config configures the detection client
type Config struct {
	URL        string
	Confidence float64
	Classes    []string
	Timeout    time.Duration
}

// Client runs detection with tracking on one frame at a time. Tracker state lives
// in the service and is keyed by a session id, so each video gets its own session.
type Client struct {
	url        string
	confidence float64
	classes    []string
	httpClient *http.Client
	logger     *slog.Logger

	mu      sync.Mutex
	session string
}

// NewClient creates a client with a fresh session
func NewClient(cfg Config, logger *slog.Logger) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	classes := cfg.Classes
	if len(classes) == 0 {
		classes = DefaultClasses
	}
	return &Client{
		url:        strings.TrimRight(cfg.URL, "/"),
		confidence: cfg.Confidence,
		classes:    classes,
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger.With("component", "detector"),
		session:    uuid.NewString(),
	}
}

type detectRequest struct {
	SessionID  string   `json:"session_id"`
	Image      string   `json:"image"`
	Confidence float64  `json:"confidence"`
	Classes    []string `json:"classes"`
}

type detectResponse struct {
	Detections []struct {
		Class      string     `json:"class"`
		Confidence float64    `json:"confidence"`
		BBox       [4]float64 `json:"bbox"`
		TrackID    *int       `json:"track_id"`
	} `json:"detections"`
	Error string `json:"error"`
}

// Session returns the current tracker session id
func (c *Client) Session() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

// Detect sends one frame and returns its detections with pixel boxes
func (c *Client) Detect(ctx context.Context, img image.Image, second float64) ([]models.Detection, error) {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: jpegQuality}); err != nil {
		return nil, fmt.Errorf("failed to encode frame: %w", err)
	}

	reqBody := detectRequest{
		SessionID:  c.Session(),
		Image:      base64.StdEncoding.EncodeToString(buf.Bytes()),
		Confidence: c.confidence,
		Classes:    c.classes,
	}
	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url+"/v1/detect", bytes.NewReader(jsonData))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to make request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	var out detectResponse
	if err := json.Unmarshal(body, &out); err != nil {
		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("detector returned %s", resp.Status)
		}
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		if out.Error != "" {
			return nil, fmt.Errorf("detector returned %s: %s", resp.Status, out.Error)
		}
		return nil, fmt.Errorf("detector returned %s", resp.Status)
	}

	dets := make([]models.Detection, 0, len(out.Detections))
	for _, d := range out.Detections {
		dets = append(dets, models.Detection{
			Class:      d.Class,
			Confidence: d.Confidence,
			BBox:       models.BBox{X1: d.BBox[0], Y1: d.BBox[1], X2: d.BBox[2], Y2: d.BBox[3]},
			TrackID:    d.TrackID,
		})
	}

	c.logger.Debug("frame detected", "session", reqBody.SessionID, "second", second, "detections", len(dets))
	return dets, nil
}

// Reset drops the service's tracker state for the current session and starts a
// new one. Failing to drop the old session is logged; the new session is used
// either way.
func (c *Client) Reset(ctx context.Context) {
	c.mu.Lock()
	old := c.session
	c.session = uuid.NewString()
	c.mu.Unlock()

	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.url+"/v1/sessions/"+old, nil)
	if err != nil {
		c.logger.Warn("failed to build session reset", "session", old, "error", err)
		return
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Warn("failed to drop tracker session", "session", old, "error", err)
		return
	}
	_ = resp.Body.Close()
	if resp.StatusCode >= 300 && resp.StatusCode != http.StatusNotFound {
		c.logger.Warn("failed to drop tracker session", "session", old, "status", resp.Status)
		return
	}
	c.logger.Debug("tracker session reset", "old", old, "new", c.Session())
}
