// Package extractor samples frames from a video file with ffmpeg.
package extractor

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"strings"

	"github.com/bdougie/vigil/internal/models"
)

// ErrInvalidSampleRate is returned for a sample rate that is not positive
var ErrInvalidSampleRate = errors.New("sample rate must be greater than 0")

// Probe is what ffprobe reports about a video's first video stream
type Probe struct {
	Width    int
	Height   int
	FPS      float64
	Duration float64
}

// EstimateFrames returns how many frames sampling at sampleFPS will yield, or nil
// when the duration is unknown.
func (p Probe) EstimateFrames(sampleFPS float64) *int {
	if p.Duration <= 0 || sampleFPS <= 0 {
		return nil
	}
	n := int(p.Duration * sampleFPS)
	return &n
}

type ffprobeOutput struct {
	Streams []struct {
		Width        int    `json:"width"`
		Height       int    `json:"height"`
		RFrameRate   string `json:"r_frame_rate"`
		AvgFrameRate string `json:"avg_frame_rate"`
		Duration     string `json:"duration"`
	} `json:"streams"`
	Format struct {
		Duration string `json:"duration"`
	} `json:"format"`
}

// ProbeVideo runs ffprobe on path
func ProbeVideo(ctx context.Context, ffprobe, path string) (Probe, error) {
	if _, err := os.Stat(path); err != nil {
		return Probe{}, fmt.Errorf("video file does not exist at path: '%s': %w", path, err)
	}

	cmd := exec.CommandContext(ctx, ffprobe,
		"-v", "error",
		"-select_streams", "v:0",
		"-show_entries", "stream=width,height,r_frame_rate,avg_frame_rate,duration:format=duration",
		"-of", "json",
		path,
	)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		return Probe{}, fmt.Errorf("ffprobe failed: %w\nOutput: %s", err, stderr.String())
	}
	return parseProbe(out)
}

func parseProbe(data []byte) (Probe, error) {
	var raw ffprobeOutput
	if err := json.Unmarshal(data, &raw); err != nil {
		return Probe{}, fmt.Errorf("failed to parse ffprobe output: %w", err)
	}
	if len(raw.Streams) == 0 {
		return Probe{}, errors.New("no video stream found")
	}

	s := raw.Streams[0]
	if s.Width <= 0 || s.Height <= 0 {
		return Probe{}, fmt.Errorf("invalid frame size %dx%d", s.Width, s.Height)
	}

	fps := ParseRate(s.RFrameRate)
	if fps <= 0 {
		fps = ParseRate(s.AvgFrameRate)
	}
	if fps <= 0 {
		return Probe{}, fmt.Errorf("invalid frame rate %q", s.RFrameRate)
	}

	duration, _ := strconv.ParseFloat(s.Duration, 64)
	if duration <= 0 {
		duration, _ = strconv.ParseFloat(raw.Format.Duration, 64)
	}

	return Probe{Width: s.Width, Height: s.Height, FPS: fps, Duration: duration}, nil
}

// ParseRate parses an ffprobe rational such as "30000/1001". It returns 0 for
// anything it cannot read.
func ParseRate(r string) float64 {
	num, den, ok := strings.Cut(strings.TrimSpace(r), "/")
	n, err := strconv.ParseFloat(num, 64)
	if err != nil {
		return 0
	}
	if !ok {
		return n
	}
	d, err := strconv.ParseFloat(den, 64)
	if err != nil || d == 0 {
		return 0
	}
	return n / d
}

// Config selects the binaries used for sampling
type Config struct {
	FFmpeg  string
	FFprobe string
}

// DefaultConfig uses ffmpeg and ffprobe from PATH
func DefaultConfig() Config {
	return Config{FFmpeg: "ffmpeg", FFprobe: "ffprobe"}
}

// Source yields sampled frames in order. Frame i is stamped i/sampleFPS seconds.
type Source struct {
	cmd       *exec.Cmd
	stdout    io.ReadCloser
	reader    *bufio.Reader
	stderr    bytes.Buffer
	probe     Probe
	sampleFPS float64
	index     int
	buf       []byte
	done      bool
	logger    *slog.Logger
}

// Open probes path and starts ffmpeg decoding it at sampleFPS frames per second.
// The returned Source must be closed.
func Open(ctx context.Context, cfg Config, path string, sampleFPS float64, logger *slog.Logger) (*Source, error) {
	if sampleFPS <= 0 {
		return nil, ErrInvalidSampleRate
	}

	probe, err := ProbeVideo(ctx, cfg.FFprobe, path)
	if err != nil {
		return nil, err
	}

	cmd := exec.CommandContext(ctx, cfg.FFmpeg,
		"-nostdin",
		"-v", "error",
		"-i", path,
		"-vf", fmt.Sprintf("fps=%s", strconv.FormatFloat(sampleFPS, 'f', -1, 64)),
		"-f", "rawvideo",
		"-pix_fmt", "rgb24",
		"-",
	)

	s := &Source{
		cmd:       cmd,
		probe:     probe,
		sampleFPS: sampleFPS,
		buf:       make([]byte, probe.Width*probe.Height*3),
		logger:    logger.With("component", "frames", "video", path),
	}
	cmd.Stderr = &s.stderr

	s.stdout, err = cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start ffmpeg: %w", err)
	}
	s.reader = bufio.NewReaderSize(s.stdout, len(s.buf))

	s.logger.Info("sampling started",
		"width", probe.Width, "height", probe.Height,
		"source_fps", probe.FPS, "sample_fps", sampleFPS, "duration", probe.Duration)
	return s, nil
}

// TotalFrames is the estimated number of sampled frames, nil if unknown
func (s *Source) TotalFrames() *int {
	return s.probe.EstimateFrames(s.sampleFPS)
}

// Next returns the next frame, or io.EOF when the video is exhausted
func (s *Source) Next(ctx context.Context) (models.Frame, error) {
	if s.done {
		return models.Frame{}, io.EOF
	}
	if err := ctx.Err(); err != nil {
		return models.Frame{}, err
	}

	if _, err := io.ReadFull(s.reader, s.buf); err != nil {
		s.done = true
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			if werr := s.wait(); werr != nil {
				return models.Frame{}, werr
			}
			return models.Frame{}, io.EOF
		}
		return models.Frame{}, fmt.Errorf("failed to read frame %d: %w", s.index, err)
	}

	frame := models.Frame{
		Image:  rgbToImage(s.buf, s.probe.Width, s.probe.Height),
		Second: float64(s.index) / s.sampleFPS,
		Index:  s.index,
	}
	s.index++
	return frame, nil
}

func (s *Source) wait() error {
	if s.cmd == nil || s.cmd.Process == nil {
		return nil
	}
	err := s.cmd.Wait()
	s.cmd = nil
	if err != nil {
		return fmt.Errorf("ffmpeg failed: %w\nOutput: %s", err, s.stderr.String())
	}
	return nil
}

// Close stops ffmpeg if it is still running
func (s *Source) Close() error {
	s.done = true
	if s.cmd == nil || s.cmd.Process == nil {
		return nil
	}
	_ = s.stdout.Close()
	_ = s.cmd.Process.Kill()
	_ = s.cmd.Wait()
	s.cmd = nil
	s.logger.Debug("sampling stopped", "frames", s.index)
	return nil
}

// rgbToImage copies a packed rgb24 buffer into a new RGBA image
func rgbToImage(buf []byte, w, h int) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for i, j := 0, 0; i+2 < len(buf) && j+3 < len(img.Pix); i, j = i+3, j+4 {
		img.Pix[j] = buf[i]
		img.Pix[j+1] = buf[i+1]
		img.Pix[j+2] = buf[i+2]
		img.Pix[j+3] = 0xff
	}
	return img
}
