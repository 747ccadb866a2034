package keysynth

import (
	"bytes"
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Environment variables read at startup. Each has the same effect as
// the corresponding CLI flag or config field.
const (
	EnvDriver    = "KEYSYNTH_DRIVER"
	EnvSoundFont = "KEYSYNTH_SOUNDFONT"
	EnvOctave    = "KEYSYNTH_OCTAVE"
	EnvVelocity  = "KEYSYNTH_VELOCITY"
)

// VelocitySettings is the velocity section of the config file.
type VelocitySettings struct {
	Mode              string  `yaml:"mode"`
	Curve             string  `yaml:"curve"`
	WindowMs          int     `yaml:"window_ms"`
	Min               int     `yaml:"min"`
	Max               int     `yaml:"max"`
	Baseline          int     `yaml:"baseline"`
	PressureThreshold float64 `yaml:"pressure_threshold"`
	Smoothing         float64 `yaml:"smoothing"`
	RowBottom         int     `yaml:"row_bottom"`
	RowHome           int     `yaml:"row_home"`
	RowTop            int     `yaml:"row_top"`
	Modifiers         bool    `yaml:"modifiers"`
	Fixed             int     `yaml:"fixed"`
}

// ArpSettings is the arpeggiator section.
type ArpSettings struct {
	BPM         float64 `yaml:"bpm"`
	Subdivision int     `yaml:"subdivision"` // 16 = sixteenth notes
}

// LayerSettings is the layer section.
type LayerSettings struct {
	Channel int `yaml:"channel"`
	Program int `yaml:"program"`
}

// Config is the full startup configuration: file, overlaid by
// environment, overlaid by flags. Out-of-range values refuse to start
// with a message naming the field; nothing is silently clamped.
type Config struct {
	Driver       string `yaml:"driver"`
	SoundFont    string `yaml:"soundfont"`
	SampleRate   int    `yaml:"sample_rate"`
	BufferFrames int    `yaml:"buffer_frames"`

	Octave    int `yaml:"octave"`
	Transpose int `yaml:"transpose"`
	Program   int `yaml:"program"`
	Polyphony int `yaml:"polyphony"`

	Grab      bool   `yaml:"grab"`
	MidiInput bool   `yaml:"midi_input"`
	MidiPath  string `yaml:"midi_path"`
	Keymap    string `yaml:"keymap"`

	TouchpadBend bool `yaml:"touchpad_bend"`
	BusCapacity  int  `yaml:"bus_capacity"`

	Velocity VelocitySettings `yaml:"velocity"`
	Arp      ArpSettings      `yaml:"arp"`
	Layer    LayerSettings    `yaml:"layer"`
}

// DefaultConfig returns the configuration used when no file is given.
func DefaultConfig() *Config {
	return &Config{
		Driver:       string(DriverPortAudio),
		SampleRate:   DefaultSampleRate,
		BufferFrames: DefaultBufferFrames,
		Octave:       DefaultOctave,
		Polyphony:    DefaultPolyphony,
		Grab:         true,
		BusCapacity:  DefaultBusCapacity,
		Velocity: VelocitySettings{
			Mode:              "combined",
			Curve:             "logarithmic",
			WindowMs:          500,
			Min:               defaultVelocityMin,
			Max:               defaultVelocityMax,
			Baseline:          defaultVelocityBaseline,
			PressureThreshold: defaultPressureThreshold,
			RowBottom:         defaultRowBottom,
			RowHome:           defaultRowHome,
			RowTop:            defaultRowTop,
			Modifiers:         true,
			Fixed:             defaultVelocityBaseline,
		},
		Arp: ArpSettings{
			BPM:         defaultArpBPM,
			Subdivision: 16,
		},
		Layer: LayerSettings{
			Channel: DefaultLayerChannel,
		},
	}
}

// LoadConfig reads a YAML config file over the defaults. Unknown fields
// are errors.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return cfg, nil
}

// ApplyEnv overlays the environment variables.
func (c *Config) ApplyEnv() error {
	if v := os.Getenv(EnvDriver); v != "" {
		c.Driver = v
	}
	if v := os.Getenv(EnvSoundFont); v != "" {
		c.SoundFont = v
	}
	if v := os.Getenv(EnvOctave); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: %q is not an integer", EnvOctave, v)
		}
		c.Octave = n
	}
	if v := os.Getenv(EnvVelocity); v != "" {
		c.Velocity.Mode = v
	}
	return nil
}

// Validate checks every field, naming the first offender.
func (c *Config) Validate() error {
	if _, ok := ParseDriverKind(c.Driver); !ok {
		return fmt.Errorf("config field driver: unknown driver %q (jack, portaudio, null)", c.Driver)
	}
	if c.SampleRate < 8000 || c.SampleRate > 192000 {
		return fmt.Errorf("config field sample_rate: %d out of range [8000, 192000]", c.SampleRate)
	}
	if c.BufferFrames < 16 || c.BufferFrames > maxBufferFrames {
		return fmt.Errorf("config field buffer_frames: %d out of range [16, %d]", c.BufferFrames, maxBufferFrames)
	}
	if c.Octave < MinOctave || c.Octave > MaxOctave {
		return fmt.Errorf("config field octave: %d out of range [%d, %d]", c.Octave, MinOctave, MaxOctave)
	}
	if c.Transpose < MinTranspose || c.Transpose > MaxTranspose {
		return fmt.Errorf("config field transpose: %d out of range [%d, %d]", c.Transpose, MinTranspose, MaxTranspose)
	}
	if c.Program < 0 || c.Program > 127 {
		return fmt.Errorf("config field program: %d out of range [0, 127]", c.Program)
	}
	if c.Polyphony < 1 || c.Polyphony > 256 {
		return fmt.Errorf("config field polyphony: %d out of range [1, 256]", c.Polyphony)
	}
	if c.BusCapacity < 16 || c.BusCapacity > 1<<20 {
		return fmt.Errorf("config field bus_capacity: %d out of range [16, %d]", c.BusCapacity, 1<<20)
	}

	v := &c.Velocity
	if _, ok := ParseVelocitySource(v.Mode); !ok {
		return fmt.Errorf("config field velocity.mode: unknown mode %q (timing, pressure, position, combined, fixed)", v.Mode)
	}
	if _, ok := ParseVelocityCurve(v.Curve); !ok {
		return fmt.Errorf("config field velocity.curve: unknown curve %q (linear, logarithmic, exponential)", v.Curve)
	}
	if v.WindowMs < 1 || v.WindowMs > 10000 {
		return fmt.Errorf("config field velocity.window_ms: %d out of range [1, 10000]", v.WindowMs)
	}
	if v.Min < 1 || v.Min > 127 {
		return fmt.Errorf("config field velocity.min: %d out of range [1, 127]", v.Min)
	}
	if v.Max < v.Min || v.Max > 127 {
		return fmt.Errorf("config field velocity.max: %d out of range [%d, 127]", v.Max, v.Min)
	}
	if v.Baseline < 1 || v.Baseline > 127 {
		return fmt.Errorf("config field velocity.baseline: %d out of range [1, 127]", v.Baseline)
	}
	if v.PressureThreshold < 0 || v.PressureThreshold > 1 {
		return fmt.Errorf("config field velocity.pressure_threshold: %g out of range [0, 1]", v.PressureThreshold)
	}
	if v.Smoothing < 0 || v.Smoothing >= 1 {
		return fmt.Errorf("config field velocity.smoothing: %g out of range [0, 1)", v.Smoothing)
	}
	for _, row := range []struct {
		name  string
		value int
	}{
		{"velocity.row_bottom", v.RowBottom},
		{"velocity.row_home", v.RowHome},
		{"velocity.row_top", v.RowTop},
		{"velocity.fixed", v.Fixed},
	} {
		if row.value < 1 || row.value > 127 {
			return fmt.Errorf("config field %s: %d out of range [1, 127]", row.name, row.value)
		}
	}

	if c.Arp.BPM < 20 || c.Arp.BPM > 400 {
		return fmt.Errorf("config field arp.bpm: %g out of range [20, 400]", c.Arp.BPM)
	}
	switch c.Arp.Subdivision {
	case 4, 8, 16, 32:
	default:
		return fmt.Errorf("config field arp.subdivision: %d must be one of 4, 8, 16, 32", c.Arp.Subdivision)
	}

	if c.Layer.Channel < 1 || c.Layer.Channel > 15 {
		return fmt.Errorf("config field layer.channel: %d out of range [1, 15]", c.Layer.Channel)
	}
	if c.Layer.Program < 0 || c.Layer.Program > 127 {
		return fmt.Errorf("config field layer.program: %d out of range [0, 127]", c.Layer.Program)
	}

	return nil
}

// velocityConfig converts the file settings into the computer's config.
func (c *Config) velocityConfig() VelocityConfig {
	mode, _ := ParseVelocitySource(c.Velocity.Mode)
	curve, _ := ParseVelocityCurve(c.Velocity.Curve)
	return VelocityConfig{
		Mode:      mode,
		Curve:     curve,
		Window:    float64(c.Velocity.WindowMs) / 1000.0,
		MinValue:  uint8(c.Velocity.Min),
		MaxValue:  uint8(c.Velocity.Max),
		Baseline:  uint8(c.Velocity.Baseline),
		Threshold: c.Velocity.PressureThreshold,
		Smoothing: c.Velocity.Smoothing,
		RowBottom: uint8(c.Velocity.RowBottom),
		RowHome:   uint8(c.Velocity.RowHome),
		RowTop:    uint8(c.Velocity.RowTop),
		Modifiers: c.Velocity.Modifiers,
		Fixed:     uint8(c.Velocity.Fixed),
	}
}

// engineConfig converts the file settings into the fan-in task's config.
func (c *Config) engineConfig() EngineConfig {
	return EngineConfig{
		Velocity:        c.velocityConfig(),
		ArpBPM:          c.Arp.BPM,
		ArpTicksPerBeat: c.Arp.Subdivision / 4,
		LayerChannel:    uint8(c.Layer.Channel),
		LayerProgram:    uint8(c.Layer.Program),
		TouchpadBend:    c.TouchpadBend,
		SampleRate:      c.SampleRate,
	}
}
