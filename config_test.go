package keysynth

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfigIsValid(t *testing.T) {
	require.NoError(t, DefaultConfig().Validate())
}

func TestValidationNamesTheField(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
		field  string
	}{
		{"bad driver", func(c *Config) { c.Driver = "oss" }, "driver"},
		{"octave high", func(c *Config) { c.Octave = 9 }, "octave"},
		{"octave low", func(c *Config) { c.Octave = -1 }, "octave"},
		{"transpose", func(c *Config) { c.Transpose = 13 }, "transpose"},
		{"program", func(c *Config) { c.Program = 128 }, "program"},
		{"polyphony", func(c *Config) { c.Polyphony = 0 }, "polyphony"},
		{"velocity mode", func(c *Config) { c.Velocity.Mode = "psychic" }, "velocity.mode"},
		{"velocity curve", func(c *Config) { c.Velocity.Curve = "cubic" }, "velocity.curve"},
		{"velocity min", func(c *Config) { c.Velocity.Min = 0 }, "velocity.min"},
		{"velocity max below min", func(c *Config) { c.Velocity.Max = 10 }, "velocity.max"},
		{"pressure threshold", func(c *Config) { c.Velocity.PressureThreshold = 1.5 }, "velocity.pressure_threshold"},
		{"smoothing", func(c *Config) { c.Velocity.Smoothing = 1.0 }, "velocity.smoothing"},
		{"row velocity", func(c *Config) { c.Velocity.RowTop = 200 }, "velocity.row_top"},
		{"arp bpm", func(c *Config) { c.Arp.BPM = 1000 }, "arp.bpm"},
		{"arp subdivision", func(c *Config) { c.Arp.Subdivision = 3 }, "arp.subdivision"},
		{"layer channel", func(c *Config) { c.Layer.Channel = 0 }, "layer.channel"},
		{"layer program", func(c *Config) { c.Layer.Program = 200 }, "layer.program"},
		{"buffer frames", func(c *Config) { c.BufferFrames = 4 }, "buffer_frames"},
		{"sample rate", func(c *Config) { c.SampleRate = 1000 }, "sample_rate"},
	}

	for _, tc := range cases {
		cfg := DefaultConfig()
		tc.mutate(cfg)
		err := cfg.Validate()
		require.Error(t, err, tc.name)
		assert.Contains(t, err.Error(), tc.field, "%s: error does not name the field", tc.name)
	}
}

func TestLoadConfigOverlaysDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
driver: "null"
octave: 3
velocity:
  mode: fixed
  fixed: 64
arp:
  bpm: 90
  subdivision: 8
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "null", cfg.Driver)
	assert.Equal(t, 3, cfg.Octave)
	assert.Equal(t, "fixed", cfg.Velocity.Mode)
	assert.Equal(t, 64, cfg.Velocity.Fixed)
	assert.Equal(t, 90.0, cfg.Arp.BPM)
	// Untouched fields keep their defaults.
	assert.Equal(t, DefaultPolyphony, cfg.Polyphony)
	assert.Equal(t, DefaultSampleRate, cfg.SampleRate)
}

func TestLoadConfigRejectsUnknownFields(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("reverb: 0.5\n"), 0644))

	_, err := LoadConfig(path)
	require.Error(t, err)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv(EnvDriver, "null")
	t.Setenv(EnvSoundFont, "/tmp/bank")
	t.Setenv(EnvOctave, "2")
	t.Setenv(EnvVelocity, "position")

	cfg := DefaultConfig()
	require.NoError(t, cfg.ApplyEnv())

	assert.Equal(t, "null", cfg.Driver)
	assert.Equal(t, "/tmp/bank", cfg.SoundFont)
	assert.Equal(t, 2, cfg.Octave)
	assert.Equal(t, "position", cfg.Velocity.Mode)
}

func TestEnvOctaveMustBeInteger(t *testing.T) {
	t.Setenv(EnvOctave, "five")

	err := DefaultConfig().ApplyEnv()
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), EnvOctave))
}
