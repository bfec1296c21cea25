// Package config loads attendcam settings from YAML, the environment and flags.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/andresmejia3/attendcam/internal/identity"
	"github.com/andresmejia3/attendcam/internal/utils"
	"github.com/andresmejia3/attendcam/internal/worker"
	"gopkg.in/yaml.v3"
)

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("invalid configuration")

// Camera selects the capture device.
type Camera struct {
	Format    string `yaml:"format"`
	Device    string `yaml:"device"`
	Size      string `yaml:"size,omitempty"`
	FrameRate int    `yaml:"frame_rate,omitempty"`
	Quality   int    `yaml:"quality,omitempty"`
	Loop      bool   `yaml:"loop,omitempty"`
}

// Encoder configures the Python worker pool.
type Encoder struct {
	Python      string        `yaml:"python"`
	Script      string        `yaml:"script"`
	Dim         int           `yaml:"dim"`
	Workers     int           `yaml:"workers"`
	ReadTimeout time.Duration `yaml:"read_timeout"`
	Debug       bool          `yaml:"debug,omitempty"`
}

// Match configures the identity matcher.
type Match struct {
	Metric    string  `yaml:"metric"`
	Tolerance float64 `yaml:"tolerance"`
}

// HTTP configures both listeners.
type HTTP struct {
	APIAddr        string        `yaml:"api_addr"`
	StreamAddr     string        `yaml:"stream_addr"`
	CaptureTimeout time.Duration `yaml:"capture_timeout"`
	SecureCookie   bool          `yaml:"secure_cookie,omitempty"`
}

// Events configures the audit queue and its optional sinks.
type Events struct {
	QueueSize     int    `yaml:"queue_size"`
	PostgresDSN   string `yaml:"postgres_dsn,omitempty"`
	AMQPURL       string `yaml:"amqp_url,omitempty"`
	Exchange      string `yaml:"exchange"`
	Queue         string `yaml:"queue,omitempty"`
	RoutingPrefix string `yaml:"routing_prefix"`
}

// Log configures zerolog.
type Log struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Config is the top-level YAML document.
type Config struct {
	Camera  Camera  `yaml:"camera"`
	Encoder Encoder `yaml:"encoder"`
	Match   Match   `yaml:"match"`
	HTTP    HTTP    `yaml:"http"`
	Events  Events  `yaml:"events"`
	Log     Log     `yaml:"log"`
	SeedDir string  `yaml:"seed_dir,omitempty"`
}

// Default returns the settings used when nothing else is configured.
func Default() Config {
	return Config{
		Camera: Camera{
			Format:  "v4l2",
			Device:  "/dev/video0",
			Quality: 5,
		},
		Encoder: Encoder{
			Python:      "python3",
			Script:      "python/worker.py",
			Dim:         128,
			Workers:     2,
			ReadTimeout: 30 * time.Second,
		},
		Match: Match{
			Metric:    "euclidean",
			Tolerance: identity.DefaultTolerance,
		},
		HTTP: HTTP{
			APIAddr:        ":5000",
			StreamAddr:     ":8000",
			CaptureTimeout: 5 * time.Second,
		},
		Events: Events{
			QueueSize:     256,
			Exchange:      "attendcam.events",
			RoutingPrefix: "attendance",
		},
		Log: Log{
			Level:  "info",
			Format: "console",
		},
	}
}

// Load reads path over the defaults. Keys missing from the file keep their default.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path) //nolint:gosec // path from user-provided CLI flag
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}

// Marshal renders cfg as YAML.
func (c Config) Marshal() ([]byte, error) {
	return yaml.Marshal(&c)
}

// ApplyEnv overrides fields from ATTENDCAM_* variables. When POSTGRES_HOST is set
// and no DSN is configured, the DSN is built from the POSTGRES_* variables.
func (c *Config) ApplyEnv() error {
	return c.applyEnv(os.Getenv)
}

func (c *Config) applyEnv(getenv func(string) string) error {
	str := func(key string, dst *string) {
		if v := getenv(key); v != "" {
			*dst = v
		}
	}
	var errs []error
	num := func(key string, dst *int) {
		if v := getenv(key); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = n
		}
	}
	dur := func(key string, dst *time.Duration) {
		if v := getenv(key); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = d
		}
	}

	str("ATTENDCAM_CAMERA_FORMAT", &c.Camera.Format)
	str("ATTENDCAM_CAMERA_DEVICE", &c.Camera.Device)
	str("ATTENDCAM_CAMERA_SIZE", &c.Camera.Size)
	num("ATTENDCAM_CAMERA_FPS", &c.Camera.FrameRate)
	str("ATTENDCAM_PYTHON", &c.Encoder.Python)
	str("ATTENDCAM_WORKER_SCRIPT", &c.Encoder.Script)
	num("ATTENDCAM_WORKERS", &c.Encoder.Workers)
	num("ATTENDCAM_EMBEDDING_DIM", &c.Encoder.Dim)
	dur("ATTENDCAM_WORKER_TIMEOUT", &c.Encoder.ReadTimeout)
	str("ATTENDCAM_METRIC", &c.Match.Metric)
	if v := getenv("ATTENDCAM_TOLERANCE"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("ATTENDCAM_TOLERANCE: %w", err))
		} else {
			c.Match.Tolerance = f
		}
	}
	str("ATTENDCAM_API_ADDR", &c.HTTP.APIAddr)
	str("ATTENDCAM_STREAM_ADDR", &c.HTTP.StreamAddr)
	dur("ATTENDCAM_CAPTURE_TIMEOUT", &c.HTTP.CaptureTimeout)
	str("ATTENDCAM_AMQP_URL", &c.Events.AMQPURL)
	str("ATTENDCAM_LOG_LEVEL", &c.Log.Level)
	str("ATTENDCAM_LOG_FORMAT", &c.Log.Format)
	str("ATTENDCAM_SEED_DIR", &c.SeedDir)

	str("ATTENDCAM_DB", &c.Events.PostgresDSN)
	if c.Events.PostgresDSN == "" {
		if host := getenv("POSTGRES_HOST"); host != "" {
			port := getenv("POSTGRES_PORT")
			if port == "" {
				port = "5432"
			}
			c.Events.PostgresDSN = fmt.Sprintf("postgres://%s:%s@%s:%s/%s",
				getenv("POSTGRES_USER"), getenv("POSTGRES_PASSWORD"), host, port, getenv("POSTGRES_DB"))
		}
	}
	return errors.Join(errs...)
}

// Validate reports every problem at once.
func (c Config) Validate() error {
	var errs []error
	bad := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("%w: "+format, append([]any{ErrInvalid}, args...)...))
	}

	if c.Camera.Device == "" {
		bad("camera.device is required")
	}
	if c.Camera.Quality != 0 && (c.Camera.Quality < 2 || c.Camera.Quality > 31) {
		bad("camera.quality %d outside 2..31", c.Camera.Quality)
	}
	if c.Encoder.Script == "" {
		bad("encoder.script is required")
	}
	if c.Encoder.Dim < 1 {
		bad("encoder.dim must be positive, got %d", c.Encoder.Dim)
	}
	if c.Encoder.Workers < 1 {
		bad("encoder.workers must be positive, got %d", c.Encoder.Workers)
	}
	if c.Encoder.ReadTimeout < 0 {
		bad("encoder.read_timeout must not be negative")
	}
	if _, err := identity.MetricByName(c.Match.Metric); err != nil {
		bad("match.metric: %v", err)
	}
	if c.Match.Tolerance <= 0 || c.Match.Tolerance > 2 {
		bad("match.tolerance %v outside (0, 2]", c.Match.Tolerance)
	}
	if c.HTTP.APIAddr == "" {
		bad("http.api_addr is required")
	}
	if c.HTTP.CaptureTimeout <= 0 {
		bad("http.capture_timeout must be positive")
	}
	if c.Events.QueueSize < 1 {
		bad("events.queue_size must be positive, got %d", c.Events.QueueSize)
	}
	if c.Events.AMQPURL != "" && c.Events.Exchange == "" {
		bad("events.exchange is required with amqp_url")
	}
	switch c.Log.Format {
	case "", "console", "json":
	default:
		bad("log.format %q is not console or json", c.Log.Format)
	}
	return errors.Join(errs...)
}

// CaptureOptions converts the camera section for the ffmpeg pipe.
func (c Config) CaptureOptions() utils.CaptureOptions {
	return utils.CaptureOptions{
		Format:    c.Camera.Format,
		Device:    c.Camera.Device,
		Size:      c.Camera.Size,
		FrameRate: c.Camera.FrameRate,
		Quality:   c.Camera.Quality,
		Loop:      c.Camera.Loop,
	}
}

// WorkerConfig converts the encoder section for the worker pool.
func (c Config) WorkerConfig() worker.Config {
	return worker.Config{
		Python:      c.Encoder.Python,
		Script:      c.Encoder.Script,
		Dim:         c.Encoder.Dim,
		ReadTimeout: c.Encoder.ReadTimeout,
		Debug:       c.Encoder.Debug,
	}
}
