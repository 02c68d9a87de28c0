// Package config loads vigil settings from .env, an optional YAML file and the
// environment, in that order of increasing precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/bdougie/vigil/internal/analyzer"
	"github.com/bdougie/vigil/internal/detector"
	"github.com/bdougie/vigil/internal/embeddings"
	"github.com/bdougie/vigil/internal/storage"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Settings is the full runtime configuration
type Settings struct {
	DB storage.PostgresConfig

	LogLevel  string
	LogFormat string

	OllamaHost         string
	MultimodalModel    string
	EmbedModel         string
	EmbedDim           int
	CaptionTimeout     time.Duration
	CaptionMaxImageDim int
	EnrichWorkers      int

	FrameSampleFPS float64
	VideoInputPath string
	CameraID       string
	ProgressEvery  int

	DwellThreshold    float64
	ExitGap           float64
	CropMinConfidence float64

	DetectorURL        string
	DetectorConfidence float64
	DetectorClasses    []string

	MQTTBroker string
	MQTTTopic  string

	MetricsAddr string
}

type envBinding struct {
	ConfigKey string
	EnvVar    string
}

func envBindings() []envBinding {
	return []envBinding{
		{"db.host", "DB_HOST"},
		{"db.port", "DB_PORT"},
		{"db.name", "DB_NAME"},
		{"db.user", "DB_USER"},
		{"db.password", "DB_PASSWORD"},

		{"log.level", "LOG_LEVEL"},
		{"log.format", "LOG_FORMAT"},

		{"ollama.host", "OLLAMA_HOST"},
		{"ollama.multimodal_model", "MULTIMODAL_MODEL"},
		{"ollama.embed_model", "EMBED_MODEL"},
		{"ollama.embed_dim", "EMBED_DIM"},
		{"ollama.caption_timeout_seconds", "CAPTION_TIMEOUT_SECONDS"},
		{"ollama.caption_max_image_dim", "CAPTION_MAX_IMAGE_DIM"},
		{"ollama.enrich_workers", "ENRICH_WORKERS"},

		{"video.sample_fps", "FRAME_SAMPLE_FPS"},
		{"video.input_path", "VIDEO_INPUT_PATH"},
		{"video.camera_id", "CAMERA_ID"},
		{"video.progress_every", "PROGRESS_EVERY"},

		{"events.dwell_threshold_seconds", "DWELL_THRESHOLD_SECONDS"},
		{"events.exit_gap_seconds", "EXIT_GAP_SECONDS"},
		{"events.crop_min_confidence", "CROP_MIN_CONFIDENCE"},

		{"detector.url", "DETECTOR_URL"},
		{"detector.confidence", "DETECTOR_CONFIDENCE"},
		{"detector.classes", "DETECTOR_CLASSES"},

		{"mqtt.broker", "MQTT_BROKER"},
		{"mqtt.topic", "MQTT_TOPIC"},

		{"metrics.addr", "METRICS_ADDR"},
	}
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("db.host", "localhost")
	v.SetDefault("db.port", "5432")
	v.SetDefault("db.name", "vigil")
	v.SetDefault("db.user", "postgres")
	v.SetDefault("db.password", "postgres")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")

	v.SetDefault("ollama.host", embeddings.DefaultConfig().Host)
	v.SetDefault("ollama.multimodal_model", analyzer.DefaultVisionConfig().Model)
	v.SetDefault("ollama.embed_model", embeddings.DefaultConfig().Model)
	v.SetDefault("ollama.embed_dim", 768)
	v.SetDefault("ollama.caption_timeout_seconds", 300)
	v.SetDefault("ollama.caption_max_image_dim", analyzer.DefaultMaxImageDim)
	v.SetDefault("ollama.enrich_workers", 1)

	v.SetDefault("video.sample_fps", 1.0)
	v.SetDefault("video.input_path", "./data")
	v.SetDefault("video.camera_id", "camera-1")
	v.SetDefault("video.progress_every", 5)

	v.SetDefault("events.dwell_threshold_seconds", 10.0)
	v.SetDefault("events.exit_gap_seconds", 3.0)
	v.SetDefault("events.crop_min_confidence", 0.5)

	v.SetDefault("detector.url", "http://localhost:8001")
	v.SetDefault("detector.confidence", 0.4)
	v.SetDefault("detector.classes", strings.Join(detector.DefaultClasses, ","))

	v.SetDefault("mqtt.topic", "vigil/events")
}

// Load reads .env from the working directory if present, then the YAML file at
// path if path is not empty, then the environment.
func Load(path string) (*Settings, error) {
	return load(".env", path)
}

func load(envFile, path string) (*Settings, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("failed to load %s: %w", envFile, err)
		}
	}

	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}

	for _, b := range envBindings() {
		if err := v.BindEnv(b.ConfigKey, b.EnvVar); err != nil {
			return nil, fmt.Errorf("failed to bind %s: %w", b.EnvVar, err)
		}
	}

	s := &Settings{
		DB: storage.PostgresConfig{
			Host:     v.GetString("db.host"),
			Port:     v.GetString("db.port"),
			DBName:   v.GetString("db.name"),
			User:     v.GetString("db.user"),
			Password: v.GetString("db.password"),
		},

		LogLevel:  v.GetString("log.level"),
		LogFormat: v.GetString("log.format"),

		OllamaHost:         v.GetString("ollama.host"),
		MultimodalModel:    v.GetString("ollama.multimodal_model"),
		EmbedModel:         v.GetString("ollama.embed_model"),
		EmbedDim:           v.GetInt("ollama.embed_dim"),
		CaptionTimeout:     time.Duration(v.GetInt("ollama.caption_timeout_seconds")) * time.Second,
		CaptionMaxImageDim: v.GetInt("ollama.caption_max_image_dim"),
		EnrichWorkers:      v.GetInt("ollama.enrich_workers"),

		FrameSampleFPS: v.GetFloat64("video.sample_fps"),
		VideoInputPath: v.GetString("video.input_path"),
		CameraID:       v.GetString("video.camera_id"),
		ProgressEvery:  v.GetInt("video.progress_every"),

		DwellThreshold:    v.GetFloat64("events.dwell_threshold_seconds"),
		ExitGap:           v.GetFloat64("events.exit_gap_seconds"),
		CropMinConfidence: v.GetFloat64("events.crop_min_confidence"),

		DetectorURL:        v.GetString("detector.url"),
		DetectorConfidence: v.GetFloat64("detector.confidence"),
		DetectorClasses:    splitList(v.Get("detector.classes")),

		MQTTBroker: v.GetString("mqtt.broker"),
		MQTTTopic:  v.GetString("mqtt.topic"),

		MetricsAddr: v.GetString("metrics.addr"),
	}

	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

// splitList accepts a YAML list or a comma separated string
func splitList(raw any) []string {
	var items []string
	switch val := raw.(type) {
	case string:
		items = strings.Split(val, ",")
	case []string:
		items = val
	case []any:
		for _, item := range val {
			items = append(items, fmt.Sprint(item))
		}
	}

	out := make([]string, 0, len(items))
	for _, item := range items {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

// Validate rejects settings the pipeline cannot run with
func (s *Settings) Validate() error {
	var errs []error
	if s.FrameSampleFPS <= 0 {
		errs = append(errs, fmt.Errorf("FRAME_SAMPLE_FPS must be greater than 0, got %g", s.FrameSampleFPS))
	}
	if s.CaptionMaxImageDim <= 0 {
		errs = append(errs, fmt.Errorf("CAPTION_MAX_IMAGE_DIM must be greater than 0, got %d", s.CaptionMaxImageDim))
	}
	if s.EmbedDim <= 0 {
		errs = append(errs, fmt.Errorf("EMBED_DIM must be greater than 0, got %d", s.EmbedDim))
	}
	if s.CaptionTimeout <= 0 {
		errs = append(errs, fmt.Errorf("CAPTION_TIMEOUT_SECONDS must be greater than 0, got %s", s.CaptionTimeout))
	}
	if s.DwellThreshold <= 0 {
		errs = append(errs, fmt.Errorf("DWELL_THRESHOLD_SECONDS must be greater than 0, got %g", s.DwellThreshold))
	}
	if s.ExitGap <= 0 {
		errs = append(errs, fmt.Errorf("EXIT_GAP_SECONDS must be greater than 0, got %g", s.ExitGap))
	}
	if s.CropMinConfidence < 0 || s.CropMinConfidence > 1 {
		errs = append(errs, fmt.Errorf("CROP_MIN_CONFIDENCE must be between 0 and 1, got %g", s.CropMinConfidence))
	}
	if s.DetectorConfidence < 0 || s.DetectorConfidence > 1 {
		errs = append(errs, fmt.Errorf("DETECTOR_CONFIDENCE must be between 0 and 1, got %g", s.DetectorConfidence))
	}
	if s.ProgressEvery <= 0 {
		errs = append(errs, fmt.Errorf("PROGRESS_EVERY must be greater than 0, got %d", s.ProgressEvery))
	}
	if s.EnrichWorkers <= 0 {
		errs = append(errs, fmt.Errorf("ENRICH_WORKERS must be greater than 0, got %d", s.EnrichWorkers))
	}
	if s.CameraID == "" {
		errs = append(errs, errors.New("CAMERA_ID must not be empty"))
	}
	if s.DetectorURL == "" {
		errs = append(errs, errors.New("DETECTOR_URL must not be empty"))
	}
	switch s.LogFormat {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("LOG_FORMAT must be text or json, got %q", s.LogFormat))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

// Vision returns the VLM client settings
func (s *Settings) Vision() analyzer.VisionConfig {
	cfg := analyzer.DefaultVisionConfig()
	cfg.Host = s.OllamaHost
	cfg.Model = s.MultimodalModel
	cfg.Timeout = s.CaptionTimeout
	return cfg
}

// Embeddings returns the embedding client settings
func (s *Settings) Embeddings() embeddings.Config {
	cfg := embeddings.DefaultConfig()
	cfg.Host = s.OllamaHost
	cfg.Model = s.EmbedModel
	return cfg
}

// Detector returns the detection client settings
func (s *Settings) Detector() detector.Config {
	return detector.Config{
		URL:        s.DetectorURL,
		Confidence: s.DetectorConfidence,
		Classes:    s.DetectorClasses,
	}
}
