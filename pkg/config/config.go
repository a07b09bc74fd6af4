package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"time"
)

// Config is the full runtime configuration. Load layers defaults, an
// optional YAML file and environment variables, in that order.
type Config struct {
	Server    ServerConfig    `koanf:"server"`
	Storage   StorageConfig   `koanf:"storage"`
	Watcher   WatcherConfig   `koanf:"watcher"`
	Lookup    LookupConfig    `koanf:"lookup"`
	Telemetry TelemetryConfig `koanf:"telemetry"`
	MQTT      MQTTConfig      `koanf:"mqtt"`
	NATS      NATSConfig      `koanf:"nats"`
	Logging   LoggingConfig   `koanf:"logging"`
}

type ServerConfig struct {
	Host            string        `koanf:"host"`
	Port            int           `koanf:"port"`
	ReadTimeout     time.Duration `koanf:"read_timeout"`
	WriteTimeout    time.Duration `koanf:"write_timeout"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
	// WriteRateLimit caps POST requests per client IP per minute. 0 disables.
	WriteRateLimit int `koanf:"write_rate_limit"`
}

type StorageConfig struct {
	// DataDir holds csv/, image/, detected/, team-drones.json and cameras.json.
	DataDir        string        `koanf:"data_dir"`
	IOTimeout      time.Duration `koanf:"io_timeout"`
	MaxUploadBytes int64         `koanf:"max_upload_bytes"`
}

type WatcherConfig struct {
	DebounceWindow time.Duration `koanf:"debounce_window"`
}

type LookupConfig struct {
	CacheTTL time.Duration `koanf:"cache_ttl"`
}

type TelemetryConfig struct {
	DefaultDroneID   string        `koanf:"default_drone_id"`
	DefaultDroneName string        `koanf:"default_drone_name"`
	PollInterval     time.Duration `koanf:"poll_interval"`
}

type MQTTConfig struct {
	Broker               string        `koanf:"broker"`
	Topic                string        `koanf:"topic"`
	ClientID             string        `koanf:"client_id"`
	Username             string        `koanf:"username"`
	Password             string        `koanf:"password"`
	ConnectTimeout       time.Duration `koanf:"connect_timeout"`
	MaxReconnectInterval time.Duration `koanf:"max_reconnect_interval"`
}

// Enabled reports whether the MQTT surface should run.
func (m MQTTConfig) Enabled() bool {
	return m.Broker != ""
}

// maxNATSPayload is the embedded server's pending-bytes ceiling.
const maxNATSPayload = 64 << 20

type NATSConfig struct {
	Enabled bool   `koanf:"enabled"`
	Host    string `koanf:"host"`
	// Port -1 picks a random free port.
	Port    int    `koanf:"port"`
	DataDir string `koanf:"data_dir"`

	// MaxPayload caps one bus message. drone-data snapshots embed the
	// uploaded image as base64, so it must exceed 4/3 of the upload limit.
	MaxPayload int32 `koanf:"max_payload"`
}

type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
	Caller bool   `koanf:"caller"`
	// File, when set, also writes logs to a size-rotated file.
	File       string `koanf:"file"`
	MaxSizeMB  int    `koanf:"max_size_mb"`
	MaxBackups int    `koanf:"max_backups"`
}

func (c *Config) CSVDir() string {
	return filepath.Join(c.Storage.DataDir, "csv")
}

func (c *Config) ImageDir() string {
	return filepath.Join(c.Storage.DataDir, "image")
}

func (c *Config) DetectedDir() string {
	return filepath.Join(c.Storage.DataDir, "detected")
}

func (c *Config) TeamDronesFile() string {
	return filepath.Join(c.Storage.DataDir, "team-drones.json")
}

func (c *Config) CamerasFile() string {
	return filepath.Join(c.Storage.DataDir, "cameras.json")
}

func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// Validate checks the values a running server depends on.
func (c *Config) Validate() error {
	var errs []error
	if c.Storage.DataDir == "" {
		errs = append(errs, errors.New("storage.data_dir is required"))
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", c.Server.Port))
	}
	if c.Watcher.DebounceWindow <= 0 {
		errs = append(errs, errors.New("watcher.debounce_window must be positive"))
	}
	if c.Storage.IOTimeout <= 0 {
		errs = append(errs, errors.New("storage.io_timeout must be positive"))
	}
	if c.Storage.MaxUploadBytes <= 0 {
		errs = append(errs, errors.New("storage.max_upload_bytes must be positive"))
	}
	if c.Telemetry.DefaultDroneID == "" {
		errs = append(errs, errors.New("telemetry.default_drone_id is required"))
	}
	if c.Telemetry.PollInterval <= 0 {
		errs = append(errs, errors.New("telemetry.poll_interval must be positive"))
	}
	if c.Server.WriteRateLimit < 0 {
		errs = append(errs, errors.New("server.write_rate_limit must not be negative"))
	}
	if c.MQTT.Enabled() && c.MQTT.Topic == "" {
		errs = append(errs, errors.New("mqtt.topic is required when mqtt.broker is set"))
	}
	if c.NATS.Enabled {
		switch {
		case c.NATS.MaxPayload <= 0 || c.NATS.MaxPayload > maxNATSPayload:
			errs = append(errs, fmt.Errorf("nats.max_payload %d out of range (1..%d)", c.NATS.MaxPayload, maxNATSPayload))
		case int64(c.NATS.MaxPayload) < c.Storage.MaxUploadBytes/3*4:
			errs = append(errs, fmt.Errorf("nats.max_payload %d cannot carry a base64 upload of %d bytes", c.NATS.MaxPayload, c.Storage.MaxUploadBytes))
		}
	}
	return errors.Join(errs...)
}
