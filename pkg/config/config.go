// Package config provides configuration management for rollcall.
// It loads configuration from YAML files with sensible defaults and lets
// secrets and connection strings be overridden from the environment.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config holds all rollcall configuration.
type Config struct {
	Camera      CameraConfig      `yaml:"camera"`
	Recognition RecognitionConfig `yaml:"recognition"`
	Storage     StorageConfig     `yaml:"storage"`
	Database    DatabaseConfig    `yaml:"database"`
	Server      ServerConfig      `yaml:"server"`
	Logging     LoggingConfig     `yaml:"logging"`
}

// CameraConfig holds camera settings.
type CameraConfig struct {
	Device     string `yaml:"device"`
	Width      int    `yaml:"width"`
	Height     int    `yaml:"height"`
	FPS        int    `yaml:"fps"`
	FFmpegPath string `yaml:"ffmpeg_path"`
}

// RecognitionConfig holds face recognition settings.
type RecognitionConfig struct {
	// Tolerance is the maximum Euclidean distance accepted as the same person.
	// Smaller is stricter.
	Tolerance  float64 `yaml:"tolerance"`
	ModelPath  string  `yaml:"model_path"`
	Index      string  `yaml:"index"`       // "linear" or "hnsw"
	IntervalMS int     `yaml:"interval_ms"` // minimum gap between recognitions in a session
}

// MinioConfig holds settings for the S3-compatible embedding store backend.
type MinioConfig struct {
	Endpoint  string `yaml:"endpoint"`
	Bucket    string `yaml:"bucket"`
	Prefix    string `yaml:"prefix"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	UseSSL    bool   `yaml:"use_ssl"`
}

// StorageConfig holds embedding store settings.
type StorageConfig struct {
	Backend           string      `yaml:"backend"` // "file" or "minio"
	DataDir           string      `yaml:"data_dir"`
	EncodingsFile     string      `yaml:"encodings_file"`
	EncryptionEnabled bool        `yaml:"encryption_enabled"`
	EncryptionKey     string      `yaml:"encryption_key"` // hex, 32 bytes; derived from the machine when empty
	Minio             MinioConfig `yaml:"minio"`
}

// DatabaseConfig holds attendance ledger settings.
type DatabaseConfig struct {
	Driver       string `yaml:"driver"` // "sqlite", "postgres" or "mysql"
	URL          string `yaml:"url"`
	MaxOpenConns int    `yaml:"max_open_conns"`
	MaxIdleConns int    `yaml:"max_idle_conns"`
	Timezone     string `yaml:"timezone"` // IANA name used to decide "today"; empty means local
}

// ServerConfig holds HTTP API settings.
type ServerConfig struct {
	Host              string `yaml:"host"`
	Port              int    `yaml:"port"`
	AdminUser         string `yaml:"admin_user"`
	AdminPasswordHash string `yaml:"admin_password_hash"` // bcrypt

	// Recognition sessions without a frame for this long are stopped.
	SessionIdleMinutes int `yaml:"session_idle_minutes"`
	MaxSessions        int `yaml:"max_sessions"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	File   string `yaml:"file"`
	Format string `yaml:"format"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	homeDir, _ := os.UserHomeDir()
	dataDir := filepath.Join(homeDir, ".local/share/rollcall")
	return &Config{
		Camera: CameraConfig{
			Device:     "/dev/video0",
			Width:      640,
			Height:     480,
			FPS:        15,
			FFmpegPath: "ffmpeg",
		},
		Recognition: RecognitionConfig{
			Tolerance:  0.4,
			ModelPath:  filepath.Join(dataDir, "models"),
			Index:      "linear",
			IntervalMS: 1000,
		},
		Storage: StorageConfig{
			Backend:           "file",
			DataDir:           dataDir,
			EncodingsFile:     "encodings.json",
			EncryptionEnabled: false,
			Minio: MinioConfig{
				Bucket: "rollcall",
				UseSSL: true,
			},
		},
		Database: DatabaseConfig{
			Driver:       "sqlite",
			URL:          filepath.Join(dataDir, "attendance.db"),
			MaxOpenConns: 10,
			MaxIdleConns: 2,
		},
		Server: ServerConfig{
			Host:      "127.0.0.1",
			Port:      8080,
			AdminUser: "admin",

			SessionIdleMinutes: 15,
			MaxSessions:        16,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load loads configuration from the specified file.
func Load(path string) (*Config, error) {
	config := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return config, err
	}

	if err := yaml.Unmarshal(data, config); err != nil {
		return config, err
	}

	return config, nil
}

// LoadDefault tries to load configuration from default locations.
func LoadDefault() (*Config, error) {
	if _, err := os.Stat("/etc/rollcall/rollcall.yaml"); err == nil {
		return Load("/etc/rollcall/rollcall.yaml")
	}

	homeDir, err := os.UserHomeDir()
	if err != nil {
		return DefaultConfig(), nil
	}

	userConfig := filepath.Join(homeDir, ".config/rollcall/rollcall.yaml")
	if _, err := os.Stat(userConfig); err == nil {
		return Load(userConfig)
	}

	return DefaultConfig(), nil
}

// ApplyEnv overrides secrets and connection settings from ROLLCALL_*
// environment variables. Unset variables leave the current value alone.
func (c *Config) ApplyEnv() error {
	envString("ROLLCALL_DATABASE_DRIVER", &c.Database.Driver)
	envString("ROLLCALL_DATABASE_URL", &c.Database.URL)
	envString("ROLLCALL_ENCRYPTION_KEY", &c.Storage.EncryptionKey)
	envString("ROLLCALL_ADMIN_PASSWORD_HASH", &c.Server.AdminPasswordHash)
	envString("ROLLCALL_MINIO_ACCESS_KEY", &c.Storage.Minio.AccessKey)
	envString("ROLLCALL_MINIO_SECRET_KEY", &c.Storage.Minio.SecretKey)

	if s := os.Getenv("ROLLCALL_TOLERANCE"); s != "" {
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return fmt.Errorf("invalid ROLLCALL_TOLERANCE %q: %w", s, err)
		}
		c.Recognition.Tolerance = v
	}
	return nil
}

func envString(key string, dst *string) {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		*dst = v
	}
}

// ExpandPath expands ~ and environment variables in a path.
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		homeDir, err := os.UserHomeDir()
		if err == nil {
			path = filepath.Join(homeDir, path[2:])
		}
	}
	return os.ExpandEnv(path)
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.Camera.Width <= 0 || c.Camera.Height <= 0 {
		return fmt.Errorf("invalid camera resolution: %dx%d", c.Camera.Width, c.Camera.Height)
	}
	if c.Camera.FPS <= 0 {
		return fmt.Errorf("invalid camera FPS: %d", c.Camera.FPS)
	}

	if c.Recognition.Tolerance <= 0 {
		return fmt.Errorf("tolerance must be positive, got %f", c.Recognition.Tolerance)
	}
	if c.Recognition.Index != "linear" && c.Recognition.Index != "hnsw" {
		return fmt.Errorf("invalid recognition index: %s (must be linear or hnsw)", c.Recognition.Index)
	}
	if c.Recognition.IntervalMS <= 0 {
		return fmt.Errorf("interval_ms must be positive, got %d", c.Recognition.IntervalMS)
	}

	switch c.Storage.Backend {
	case "file":
		if c.Storage.EncodingsFile == "" {
			return fmt.Errorf("storage.encodings_file is required for the file backend")
		}
	case "minio":
		if c.Storage.Minio.Endpoint == "" || c.Storage.Minio.Bucket == "" {
			return fmt.Errorf("storage.minio.endpoint and storage.minio.bucket are required for the minio backend")
		}
	default:
		return fmt.Errorf("invalid storage backend: %s (must be file or minio)", c.Storage.Backend)
	}

	validDrivers := map[string]bool{"sqlite": true, "postgres": true, "mysql": true}
	if !validDrivers[c.Database.Driver] {
		return fmt.Errorf("invalid database driver: %s (must be sqlite, postgres, or mysql)", c.Database.Driver)
	}
	if c.Database.URL == "" {
		return fmt.Errorf("database.url is required")
	}

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	if c.Server.SessionIdleMinutes < 0 || c.Server.MaxSessions < 0 {
		return fmt.Errorf("server.session_idle_minutes and server.max_sessions must not be negative")
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.Logging.Level] {
		return fmt.Errorf("invalid log level: %s (must be debug, info, warn, or error)", c.Logging.Level)
	}

	return nil
}

// ExpandPaths expands all paths in the configuration.
func (c *Config) ExpandPaths() {
	c.Camera.Device = ExpandPath(c.Camera.Device)
	c.Recognition.ModelPath = ExpandPath(c.Recognition.ModelPath)
	c.Storage.DataDir = ExpandPath(c.Storage.DataDir)
	c.Logging.File = ExpandPath(c.Logging.File)
	if c.Database.Driver == "sqlite" {
		c.Database.URL = ExpandPath(c.Database.URL)
	}
}

// EnsureDirectories creates necessary directories for storage, models and logging.
func (c *Config) EnsureDirectories() error {
	if err := os.MkdirAll(c.Storage.DataDir, 0700); err != nil {
		return fmt.Errorf("failed to create storage directory: %w", err)
	}

	if err := os.MkdirAll(c.Recognition.ModelPath, 0755); err != nil {
		return fmt.Errorf("failed to create models directory: %w", err)
	}

	if c.Database.Driver == "sqlite" {
		if err := os.MkdirAll(filepath.Dir(c.Database.URL), 0700); err != nil {
			return fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	if c.Logging.File != "" {
		if err := os.MkdirAll(filepath.Dir(c.Logging.File), 0755); err != nil {
			return fmt.Errorf("failed to create log directory: %w", err)
		}
	}

	return nil
}

// EncodingsPath returns the path of the embedding store file.
func (c *Config) EncodingsPath() string {
	if filepath.IsAbs(c.Storage.EncodingsFile) {
		return c.Storage.EncodingsFile
	}
	return filepath.Join(c.Storage.DataDir, c.Storage.EncodingsFile)
}

// Addr returns the HTTP listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}
