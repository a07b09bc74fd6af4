package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv(ConfigPathEnvVar, "")
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	// explicit path that does not exist is an error
	require.Error(t, err)
	assert.Nil(t, cfg)

	cfg, err = Load("")
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 3000, cfg.Server.Port)
	assert.Equal(t, 100*time.Millisecond, cfg.Watcher.DebounceWindow)
	assert.Equal(t, "1", cfg.Telemetry.DefaultDroneID)
	assert.False(t, cfg.MQTT.Enabled())
	assert.True(t, cfg.NATS.Enabled)
	assert.Equal(t, int32(32<<20), cfg.NATS.MaxPayload)
}

func TestLoad_FileThenEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yaml := "server:\n  port: 8081\nstorage:\n  data_dir: /srv/data\nwatcher:\n  debounce_window: 250ms\n"
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o644))

	t.Setenv("PORT", "9090")
	t.Setenv("MQTT_BROKER", "tcp://broker:1883")
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("NATS_MAX_PAYLOAD", "31457280")

	cfg, err := Load(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 9090, cfg.Server.Port, "env wins over file")
	assert.Equal(t, "/srv/data", cfg.Storage.DataDir)
	assert.Equal(t, 250*time.Millisecond, cfg.Watcher.DebounceWindow)
	assert.True(t, cfg.MQTT.Enabled())
	assert.Equal(t, "tesa/team-drones/telemetry", cfg.MQTT.Topic)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, int32(30<<20), cfg.NATS.MaxPayload)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty data dir", func(c *Config) { c.Storage.DataDir = "" }},
		{"bad port", func(c *Config) { c.Server.Port = 70000 }},
		{"zero debounce", func(c *Config) { c.Watcher.DebounceWindow = 0 }},
		{"zero io timeout", func(c *Config) { c.Storage.IOTimeout = 0 }},
		{"no drone id", func(c *Config) { c.Telemetry.DefaultDroneID = "" }},
		{"mqtt without topic", func(c *Config) {
			c.MQTT.Broker = "tcp://localhost:1883"
			c.MQTT.Topic = ""
		}},
		{"zero nats payload", func(c *Config) { c.NATS.MaxPayload = 0 }},
		{"nats payload above server ceiling", func(c *Config) { c.NATS.MaxPayload = 65 << 20 }},
		{"nats payload smaller than encoded upload", func(c *Config) { c.NATS.MaxPayload = 1 << 20 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestDerivedPaths(t *testing.T) {
	cfg := Default()
	cfg.Storage.DataDir = "/data"

	assert.Equal(t, filepath.Join("/data", "csv"), cfg.CSVDir())
	assert.Equal(t, filepath.Join("/data", "image"), cfg.ImageDir())
	assert.Equal(t, filepath.Join("/data", "detected"), cfg.DetectedDir())
	assert.Equal(t, filepath.Join("/data", "team-drones.json"), cfg.TeamDronesFile())
	assert.Equal(t, filepath.Join("/data", "cameras.json"), cfg.CamerasFile())
}
