package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"voice-client/internal/domain"
)

type Config struct {
	Server   ServerConfig       `yaml:"server"`
	Audio    AudioConfig        `yaml:"audio"`
	Profile  domain.UserContext `yaml:"profile"`
	Control  ControlConfig      `yaml:"control"`
	Pushover PushoverConfig     `yaml:"pushover"`
	Log      LogConfig          `yaml:"log"`
}

type ServerConfig struct {
	URL          string        `yaml:"url"`
	OpenTimeout  time.Duration `yaml:"open_timeout"`
	OpenAttempts int           `yaml:"open_attempts"`
	AuthToken    string        `yaml:"auth_token"`
}

type AudioConfig struct {
	Capture      string `yaml:"capture"`
	Playback     string `yaml:"playback"`
	FrameSamples int    `yaml:"frame_samples"`
	InputDevice  string `yaml:"input_device"`
	File         string `yaml:"file"`
	FFmpegPath   string `yaml:"ffmpeg_path"`
	FFplayPath   string `yaml:"ffplay_path"`

	// Input processing; each defaults to on when the key is absent.
	EchoCancellation *bool `yaml:"echo_cancellation"`
	NoiseSuppression *bool `yaml:"noise_suppression"`
	AutoGainControl  *bool `yaml:"auto_gain_control"`
}

func (c AudioConfig) EchoCancellationEnabled() bool { return enabledByDefault(c.EchoCancellation) }
func (c AudioConfig) NoiseSuppressionEnabled() bool { return enabledByDefault(c.NoiseSuppression) }
func (c AudioConfig) AutoGainControlEnabled() bool  { return enabledByDefault(c.AutoGainControl) }

func enabledByDefault(v *bool) bool {
	return v == nil || *v
}

type ControlConfig struct {
	Enabled   *bool  `yaml:"enabled"`
	Addr      string `yaml:"addr"`
	AuthToken string `yaml:"auth_token"`
	RateLimit int    `yaml:"rate_limit"`
}

// IsEnabled defaults to true when the key is absent.
func (c ControlConfig) IsEnabled() bool {
	return enabledByDefault(c.Enabled)
}

type PushoverConfig struct {
	Token   string `yaml:"token"`
	UserKey string `yaml:"user_key"`
	Enabled bool   `yaml:"enabled"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

const (
	CapturePortAudio = "portaudio"
	CaptureFFmpeg    = "ffmpeg"
	CaptureFile      = "file"

	PlaybackPortAudio = "portaudio"
	PlaybackFFplay    = "ffplay"
	PlaybackNone      = "none"
)

// Load reads the YAML file at path. Variables from a .env file in the working
// directory are loaded first without overriding the environment, then ${VAR}
// references in the file are expanded.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("loading .env: %w", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	return Parse(data)
}

// Parse expands environment references in data and decodes it.
func Parse(data []byte) (*Config, error) {
	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	cfg.setDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

func (c *Config) setDefaults() {
	if c.Server.OpenTimeout == 0 {
		c.Server.OpenTimeout = 10 * time.Second
	}
	if c.Server.OpenAttempts == 0 {
		c.Server.OpenAttempts = 3
	}
	if c.Audio.Capture == "" {
		c.Audio.Capture = CapturePortAudio
	}
	if c.Audio.Playback == "" {
		c.Audio.Playback = PlaybackPortAudio
	}
	if c.Audio.FrameSamples == 0 {
		c.Audio.FrameSamples = 2048
	}
	if c.Audio.FFmpegPath == "" {
		c.Audio.FFmpegPath = "ffmpeg"
	}
	if c.Audio.FFplayPath == "" {
		c.Audio.FFplayPath = "ffplay"
	}
	if c.Control.Addr == "" {
		c.Control.Addr = "127.0.0.1:8090"
	}
	if c.Control.RateLimit == 0 {
		c.Control.RateLimit = 60
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}
}

func (c *Config) Validate() error {
	var errs []error

	if strings.TrimSpace(c.Server.URL) == "" {
		errs = append(errs, errors.New("server.url is required"))
	} else if u, err := url.Parse(c.Server.URL); err != nil || u.Host == "" {
		errs = append(errs, fmt.Errorf("server.url %q is not an absolute URL", c.Server.URL))
	}
	if c.Server.OpenTimeout < 0 {
		errs = append(errs, errors.New("server.open_timeout must be positive"))
	}
	if c.Server.OpenAttempts < 1 {
		errs = append(errs, errors.New("server.open_attempts must be at least 1"))
	}

	switch c.Audio.Capture {
	case CapturePortAudio, CaptureFFmpeg:
	case CaptureFile:
		if c.Audio.File == "" {
			errs = append(errs, errors.New("audio.file is required for file capture"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown audio.capture %q", c.Audio.Capture))
	}
	switch c.Audio.Playback {
	case PlaybackPortAudio, PlaybackFFplay, PlaybackNone:
	default:
		errs = append(errs, fmt.Errorf("unknown audio.playback %q", c.Audio.Playback))
	}
	if c.Audio.FrameSamples < 0 {
		errs = append(errs, errors.New("audio.frame_samples must be positive"))
	}

	if c.Control.RateLimit < 0 {
		errs = append(errs, errors.New("control.rate_limit must not be negative"))
	}
	if c.Pushover.Enabled && (c.Pushover.Token == "" || c.Pushover.UserKey == "") {
		errs = append(errs, errors.New("pushover.token and pushover.user_key are required when pushover is enabled"))
	}

	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("unknown log.level %q", c.Log.Level))
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("unknown log.format %q", c.Log.Format))
	}

	return errors.Join(errs...)
}
