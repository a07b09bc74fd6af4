package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// DefaultConfigPaths are searched in order when no explicit path is given.
var DefaultConfigPaths = []string{
	"config.yaml",
	"config.yml",
	"/etc/overwatch/config.yaml",
}

// ConfigPathEnvVar overrides the config file path.
const ConfigPathEnvVar = "CONFIG_PATH"

func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            3000,
			ReadTimeout:     10 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 10 * time.Second,
			WriteRateLimit:  120,
		},
		Storage: StorageConfig{
			DataDir:        "./dataForWeb",
			IOTimeout:      3 * time.Second,
			MaxUploadBytes: 20 << 20,
		},
		Watcher: WatcherConfig{
			DebounceWindow: 100 * time.Millisecond,
		},
		Lookup: LookupConfig{
			CacheTTL: 10 * time.Minute,
		},
		Telemetry: TelemetryConfig{
			DefaultDroneID:   "1",
			DefaultDroneName: "Team Drone 1",
			PollInterval:     time.Second,
		},
		MQTT: MQTTConfig{
			Topic:                "tesa/team-drones/telemetry",
			ClientID:             "tesa-overwatch",
			ConnectTimeout:       10 * time.Second,
			MaxReconnectInterval: 2 * time.Minute,
		},
		NATS: NATSConfig{
			Enabled:    true,
			Host:       "127.0.0.1",
			Port:       -1,
			DataDir:    "./data/nats",
			MaxPayload: 32 << 20,
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "json",
			MaxSizeMB:  100,
			MaxBackups: 3,
		},
	}
}

// Default returns the built-in configuration without reading any source.
func Default() *Config {
	return defaultConfig()
}

// Load builds the configuration from defaults, the YAML file at path (or
// the first of DefaultConfigPaths when path is empty) and the environment.
// The result is not validated; callers apply flag overrides first.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(defaultConfig(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	if path == "" {
		path = findConfigFile()
	}
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider("", ".", envTransformFunc), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}
	return cfg, nil
}

func findConfigFile() string {
	if envPath := os.Getenv(ConfigPathEnvVar); envPath != "" {
		if _, err := os.Stat(envPath); err == nil {
			return envPath
		}
	}
	for _, path := range DefaultConfigPaths {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

// envMappings maps environment variables to koanf paths. Unlisted
// variables are ignored.
var envMappings = map[string]string{
	"host":             "server.host",
	"port":             "server.port",
	"shutdown_timeout": "server.shutdown_timeout",
	"write_rate_limit": "server.write_rate_limit",

	"data_dir":         "storage.data_dir",
	"io_timeout":       "storage.io_timeout",
	"max_upload_bytes": "storage.max_upload_bytes",

	"debounce_window":  "watcher.debounce_window",
	"lookup_cache_ttl": "lookup.cache_ttl",

	"team_drone_id":        "telemetry.default_drone_id",
	"team_drone_name":      "telemetry.default_drone_name",
	"team_drones_poll":     "telemetry.poll_interval",
	"mqtt_broker":          "mqtt.broker",
	"mqtt_topic":           "mqtt.topic",
	"mqtt_client_id":       "mqtt.client_id",
	"mqtt_username":        "mqtt.username",
	"mqtt_password":        "mqtt.password",
	"mqtt_connect_timeout": "mqtt.connect_timeout",

	"nats_enabled":     "nats.enabled",
	"nats_port":        "nats.port",
	"nats_data_dir":    "nats.data_dir",
	"nats_max_payload": "nats.max_payload",

	"log_level":  "logging.level",
	"log_format": "logging.format",
	"log_caller": "logging.caller",
	"log_file":   "logging.file",
}

func envTransformFunc(key string) string {
	if mapped, ok := envMappings[strings.ToLower(key)]; ok {
		return mapped
	}
	return ""
}
