package config

import (
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/golobby/config/v3"
	"github.com/golobby/config/v3/pkg/feeder"
	"github.com/joho/godotenv"
	"github.com/tphan267/guggleweed-client/pkg/utils"
	"go.yaml.in/yaml/v3"
)

const (
	DefaultRequestTimeout = 20 * time.Second
	DefaultSignalingPath  = "/socket"
	DefaultServerAddr     = "127.0.0.1:3040"
)

var cfg *Config

// MediaSources maps each producer kind to a local file that stands in for the
// capture device. Video and screen sources are IVF files, audio is Ogg/Opus.
type MediaSources struct {
	Video       string `yaml:"video"`
	Audio       string `yaml:"audio"`
	ScreenVideo string `yaml:"screen_video"`
}

// Config holds the application configuration
type Config struct {
	ServerURL      string       `yaml:"server_url"`     // Base URL of the conferencing server, used for signaling and the meeting API
	SignalingPath  string       `yaml:"signaling_path"` // WebSocket path on the server
	ParticipantID  string       `yaml:"participant_id"`
	MeetingID      string       `yaml:"meeting_id"`
	DBPath         string       `yaml:"db_path"` // ":memory:" keeps the journal for the lifetime of the process only
	ServerAddr     string       `yaml:"server_addr"`
	LogLevel       string       `yaml:"log_level"`
	RequestTimeout string       `yaml:"request_timeout"`
	STUNServers    []string     `yaml:"stun_servers"`
	Media          MediaSources `yaml:"media"`

	Version string `yaml:"-"`

	mu   sync.Mutex `yaml:"-"`
	file string     `yaml:"-"`
}

// GetServerPort returns the port part of the local API address
func (c *Config) GetServerPort() string {
	c.mu.Lock()
	defer c.mu.Unlock()

	idx := strings.LastIndex(c.ServerAddr, ":")
	if idx < 0 {
		return ""
	}
	return c.ServerAddr[idx+1:]
}

// GetRequestTimeout parses RequestTimeout, falling back to the default on bad input
func (c *Config) GetRequestTimeout() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()

	d, err := time.ParseDuration(c.RequestTimeout)
	if err != nil || d <= 0 {
		return DefaultRequestTimeout
	}
	return d
}

// SourceFor returns the configured media file for a producer kind
func (c *Config) SourceFor(kind string) string {
	switch kind {
	case "video":
		return c.Media.Video
	case "audio":
		return c.Media.Audio
	case "screen-video":
		return c.Media.ScreenVideo
	default:
		return ""
	}
}

// Validate reports configuration that prevents a session from starting
func (c *Config) Validate() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.ServerURL == "" {
		return fmt.Errorf("server_url is required")
	}
	if c.ParticipantID == "" {
		return fmt.Errorf("participant_id is required")
	}
	return nil
}

// Save writes the current configuration back to the file
func (c *Config) Save() error {
	if c.file == "" {
		return fmt.Errorf("config file path is not set")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}

	return os.WriteFile(c.file, data, 0o644)
}

// EnsureDefaultConfig applies env overrides and sets default values for missing fields
func (c *Config) EnsureDefaultConfig(save bool) error {
	changed := false
	c.mu.Lock()

	// Env overrides
	if serverURL := utils.Env("GUGGLE_SERVER_URL", ""); serverURL != "" {
		c.ServerURL = serverURL
	}

	if participantID := utils.Env("GUGGLE_PARTICIPANT_ID", ""); participantID != "" {
		c.ParticipantID = participantID
	}

	if meetingID := utils.Env("GUGGLE_MEETING_ID", ""); meetingID != "" {
		c.MeetingID = meetingID
	}

	if logLevel := utils.Env("GUGGLE_LOG_LEVEL", ""); logLevel != "" {
		c.LogLevel = logLevel
	}

	if stun := utils.EnvList("GUGGLE_STUN_SERVERS"); len(stun) > 0 {
		c.STUNServers = stun
	}

	// Create defaults
	if c.SignalingPath == "" {
		c.SignalingPath = DefaultSignalingPath
		changed = true
	}

	if c.DBPath == "" {
		c.DBPath = ":memory:"
		changed = true
	}

	if c.ServerAddr == "" {
		c.ServerAddr = DefaultServerAddr
		changed = true
	}

	if c.LogLevel == "" {
		c.LogLevel = "info"
		changed = true
	}

	if c.RequestTimeout == "" {
		c.RequestTimeout = DefaultRequestTimeout.String()
		changed = true
	}

	c.mu.Unlock()

	if changed && save {
		return c.Save()
	}
	return nil
}

// ConfigInstance returns the global config instance
func ConfigInstance() *Config {
	return cfg
}

// Load loads configuration from the specified file and environment variables
func Load(version, file, logLevel string) (*Config, error) {
	_ = godotenv.Load(".env")

	cfg = &Config{
		Version: version,
		file:    file,
	}

	if _, err := os.Stat(file); err == nil {
		yamlFeeder := feeder.Yaml{Path: file}
		if err := config.New().AddFeeder(yamlFeeder).AddStruct(cfg).Feed(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", file, err)
		}
	}

	if err := cfg.EnsureDefaultConfig(true); err != nil {
		return nil, err
	}

	// Override log level from command-line argument
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}

	return cfg, nil
}
