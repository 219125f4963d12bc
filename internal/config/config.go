package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Session backends selectable through SESSION_BACKEND.
const (
	BackendNone    = "none"
	BackendTorrent = "torrent"
	BackendPutio   = "putio"
)

// Config struct for environment variables.
type Config struct {
	DownloadDir   string `envconfig:"DOWNLOAD_DIR" default:"downloads"`
	DBPath        string `envconfig:"DB_PATH" default:"downloads.db"`
	MaxConcurrent int    `envconfig:"MAX_CONCURRENT" default:"3"`

	// Zero means unlimited.
	DownloadBps int64 `envconfig:"DOWNLOAD_BPS" default:"0"`
	UploadBps   int64 `envconfig:"UPLOAD_BPS" default:"0"`

	ChunkSize           int           `envconfig:"CHUNK_SIZE" default:"32768"`
	ProgressInterval    time.Duration `envconfig:"PROGRESS_INTERVAL" default:"500ms"`
	SpeedWindow         time.Duration `envconfig:"SPEED_WINDOW" default:"3s"`
	SessionPollInterval time.Duration `envconfig:"SESSION_POLL_INTERVAL" default:"1s"`
	UserAgent           string        `envconfig:"USER_AGENT" default:"FreeDownloadManager/1.0"`
	HTTPResponseTimeout time.Duration `envconfig:"HTTP_RESPONSE_TIMEOUT" default:"30s"`

	SessionBackend    string `envconfig:"SESSION_BACKEND" default:"none"`
	PutioToken        string `envconfig:"PUTIO_TOKEN"`
	PutioFolder       string `envconfig:"PUTIO_FOLDER"`
	TorrentListenPort int    `envconfig:"TORRENT_LISTEN_PORT" default:"0"`
	TorrentDataDir    string `envconfig:"TORRENT_DATA_DIR" default:".torrent-client"`
	// TorrentDir keeps .torrent files uploaded through the API.
	TorrentDir string `envconfig:"TORRENT_DIR" default:"torrents"`

	CleanupInterval time.Duration `envconfig:"CLEANUP_INTERVAL" default:"1h"`
	KeepStagingFor  time.Duration `envconfig:"KEEP_STAGING_FOR" default:"168h"`

	LogLevel          string `envconfig:"LOG_LEVEL" default:"INFO"`
	DiscordWebhookURL string `envconfig:"DISCORD_WEBHOOK_URL"`

	TelemetryEnabled bool   `envconfig:"TELEMETRY_ENABLED" default:"true"`
	OTLPEndpoint     string `envconfig:"OTLP_ENDPOINT"`

	API struct {
		Username string `split_words:"true"`
		Password string `split_words:"true"`
	}

	Web struct {
		BindAddress     string        `split_words:"true" default:"127.0.0.1:9095"`
		ReadTimeout     time.Duration `split_words:"true" default:"30s"`
		WriteTimeout    time.Duration `split_words:"true" default:"30s"`
		IdleTimeout     time.Duration `split_words:"true" default:"5s"`
		ShutdownTimeout time.Duration `split_words:"true" default:"30s"`
	}
}

// LoadConfig reads environment variables and populates the Config struct.
func LoadConfig() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("error processing env: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate rejects values the engine cannot run with.
func (c *Config) Validate() error {
	switch {
	case c.MaxConcurrent < 1:
		return fmt.Errorf("MAX_CONCURRENT must be at least 1, got %d", c.MaxConcurrent)
	case c.DownloadBps < 0:
		return fmt.Errorf("DOWNLOAD_BPS must not be negative, got %d", c.DownloadBps)
	case c.UploadBps < 0:
		return fmt.Errorf("UPLOAD_BPS must not be negative, got %d", c.UploadBps)
	case c.ChunkSize < 1:
		return fmt.Errorf("CHUNK_SIZE must be positive, got %d", c.ChunkSize)
	case c.ProgressInterval <= 0, c.SpeedWindow <= 0, c.SessionPollInterval <= 0:
		return fmt.Errorf("progress, speed and poll intervals must be positive")
	case c.CleanupInterval <= 0:
		return fmt.Errorf("CLEANUP_INTERVAL must be positive, got %s", c.CleanupInterval)
	}

	switch c.SessionBackend {
	case BackendNone, BackendTorrent:
	case BackendPutio:
		if c.PutioToken == "" {
			return fmt.Errorf("PUTIO_TOKEN is required when SESSION_BACKEND is %s", BackendPutio)
		}
	default:
		return fmt.Errorf("invalid session backend: %s", c.SessionBackend)
	}

	if c.API.Username != "" && c.API.Password == "" {
		return fmt.Errorf("API_PASSWORD is required when API_USERNAME is set")
	}

	return nil
}

func (c *Config) SlogLevel() slog.Level {
	switch strings.ToUpper(c.LogLevel) {
	case "DEBUG":
		return slog.LevelDebug
	case "INFO":
		return slog.LevelInfo
	case "WARN":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Limits returns the configured speed limits in bytes per second. Nil means unlimited.
func (c *Config) Limits() (down, up *int64) {
	if c.DownloadBps > 0 {
		v := c.DownloadBps
		down = &v
	}

	if c.UploadBps > 0 {
		v := c.UploadBps
		up = &v
	}

	return down, up
}
