package keysynth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/GeoffreyPlitt/debuggo"
	"github.com/charmbracelet/log"
)

var debug = debuggo.Debug("keysynth:main")

// shutdownDeadline is the hard limit on a graceful stop. Past it the
// contexts are abandoned; the audio driver is closed either way, so the
// user hears silence regardless.
const shutdownDeadline = 2 * time.Second

// ErrNotRunning is returned by operations that need a started pipeline.
var ErrNotRunning = errors.New("keysynth: not running")

// KeySynth assembles the whole pipeline: device supervisor and readers
// feeding the input fan-in engine, the realtime bus into the renderer
// adapter, an audio driver pulling buffers, and the health probe
// watching it all.
type KeySynth struct {
	cfg    *Config
	log    *log.Logger
	keymap *KeyMap

	bus     *EventBus
	clock   *FrameClock
	state   *StateCore
	engine  *Engine
	sup     *DeviceSupervisor
	adapter *RenderAdapter
	driver  AudioDriver
	probe   *HealthProbe

	renderFailures int
	silent         bool

	cancel  context.CancelFunc
	started bool
}

// New builds the pipeline from a validated config. The renderer is the
// built-in sampler loaded with cfg.SoundFont; renderer load failures
// follow the degrade policy: log, one re-init attempt, then silent
// mode.
func New(cfg *Config, logger *log.Logger) (*KeySynth, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = log.Default()
	}

	keymap := DefaultKeyMap()
	if cfg.Keymap != "" {
		var err error
		keymap, err = LoadKeyMap(cfg.Keymap)
		if err != nil {
			return nil, err
		}
	}

	k := &KeySynth{
		cfg:    cfg,
		log:    logger,
		keymap: keymap,
		bus:    NewEventBus(cfg.BusCapacity),
		clock:  NewFrameClock(),
		state:  NewStateCore(),
	}

	k.state.Octave = cfg.Octave
	k.state.Transpose = cfg.Transpose
	k.state.Program = uint8(cfg.Program)

	kind, _ := ParseDriverKind(cfg.Driver)
	driver, err := OpenAudioDriver(kind, cfg.SampleRate, cfg.BufferFrames, k.onXrun)
	if err != nil {
		return nil, err
	}
	k.driver = driver

	renderer, err := k.openRenderer()
	if err != nil {
		driver.Stop()
		return nil, err
	}

	k.adapter = NewRenderAdapter(renderer, k.bus, k.clock, []uint8{0, uint8(cfg.Layer.Channel)})

	engineCfg := cfg.engineConfig()
	engineCfg.SampleRate = driver.SampleRate()
	k.engine = NewEngine(engineCfg, keymap, k.state, k.bus.Publish, k.clock, nil)
	k.engine.SetAllocator(NewVoiceAllocator(cfg.Polyphony, k.bus.Publish))

	k.sup = NewDeviceSupervisor(SupervisorConfig{
		Grab:      cfg.Grab,
		MidiInput: cfg.MidiInput,
		MidiPath:  cfg.MidiPath,
	}, k.engine.Events(), logger)
	k.engine.forget = k.sup.Forget

	k.probe = NewHealthProbe(k.adapter, k.engine, k.sup, k.bus, driver, BufferPeriod(driver), logger)

	return k, nil
}

// openRenderer builds the sampler and loads the configured soundfont,
// applying the failure policy. An empty soundfont path is an init
// failure: there is nothing to play.
func (k *KeySynth) openRenderer() (Renderer, error) {
	if k.cfg.SoundFont == "" {
		return nil, errors.New("no soundfont configured: pass --soundfont or set " + EnvSoundFont)
	}

	sampler := NewSamplerRenderer(k.driver.SampleRate())
	if _, err := sampler.LoadSoundFont(k.cfg.SoundFont); err != nil {
		k.log.Error("soundfont load failed", "path", k.cfg.SoundFont, "err", err)
		// One re-init attempt before degrading.
		sampler = NewSamplerRenderer(k.driver.SampleRate())
		if _, err := sampler.LoadSoundFont(k.cfg.SoundFont); err != nil {
			k.log.Warn("continuing in silent mode: input pipeline runs, rendering is a no-op")
			k.silent = true
			return NewSilentRenderer(), nil
		}
	}
	return sampler, nil
}

// onXrun is handed to the audio driver; it runs on the audio context.
func (k *KeySynth) onXrun() {
	if k.adapter != nil {
		k.adapter.ReportXrun()
	}
}

// Start discovers devices and begins processing. It fails when no
// usable input device exists.
func (k *KeySynth) Start(ctx context.Context) error {
	if k.started {
		return errors.New("keysynth: already started")
	}

	ctx, cancel := context.WithCancel(ctx)
	k.cancel = cancel

	if err := k.sup.Start(ctx); err != nil {
		cancel()
		return err
	}

	go k.engine.Run(ctx)
	go k.probe.Run(ctx)

	if err := k.driver.Start(k.adapter.Render); err != nil {
		cancel()
		k.sup.Stop()
		return fmt.Errorf("failed to start audio driver: %w", err)
	}

	k.started = true
	k.log.Info("pipeline running",
		"driver", k.cfg.Driver,
		"rate", k.driver.SampleRate(),
		"buffer", k.driver.BufferFrames(),
		"silent", k.silent)
	return nil
}

// Stop shuts the pipeline down: the supervisor first (its hot-plug
// monitor and every reader), so the last keystroke is still played,
// then the fan-in drain together with the health probe, then the
// audio-side panic and the driver. The hard deadline bounds only the
// wait for the fan-in drain.
func (k *KeySynth) Stop() {
	if !k.started {
		return
	}
	k.started = false
	debug("Stopping")

	// No new input.
	k.sup.Stop()

	// Drain the fan-in; its exit path releases everything and pushes
	// the final Panic onto the bus.
	k.cancel()
	select {
	case <-k.engine.Done():
	case <-time.After(shutdownDeadline):
		k.log.Warn("shutdown deadline exceeded, terminating")
	}

	// Let the audio context apply the panic, then silence it for good.
	k.adapter.RequestPanic()
	time.Sleep(2 * BufferPeriod(k.driver))
	if err := k.driver.Stop(); err != nil {
		k.log.Warn("audio driver stop failed", "err", err)
	}

	k.bus.CloseTelemetry()
	debug("Stopped")
}

// LoadSoundFont switches the sampler to another bank at runtime. Each
// failed load is logged and requests a panic; the failed load is not
// retried, and once two loads have failed the pipeline degrades to
// silent mode.
func (k *KeySynth) LoadSoundFont(path string) error {
	if k.silent {
		return errors.New("renderer is in silent mode")
	}

	sampler, ok := k.adapter.Renderer().(*SamplerRenderer)
	if !ok {
		return errors.New("active renderer does not load soundfonts")
	}

	id, err := sampler.LoadSoundFont(path)
	if err != nil {
		k.renderFailures++
		k.log.Error("soundfont load failed", "path", path, "err", err)
		k.engine.RequestPanic()
		if k.renderFailures >= 2 {
			k.log.Warn("renderer failed twice, continuing in silent mode")
			k.adapter.SetRenderer(NewSilentRenderer())
			k.silent = true
		}
		return err
	}

	sampler.ProgramChange(0, uint8(id))
	return nil
}

// Panic releases everything immediately.
func (k *KeySynth) Panic() {
	k.engine.RequestPanic()
}

// Stats returns the health probe's snapshot.
func (k *KeySynth) Stats() HealthStats {
	return k.probe.Stats()
}

// Subscribe taps the telemetry channel; intended for a UI.
func (k *KeySynth) Subscribe(buffer int) <-chan NoteEvent {
	return k.bus.Subscribe(buffer)
}

// Devices lists attached input devices.
func (k *KeySynth) Devices() []DeviceInfo {
	return k.sup.Devices()
}

// Silent reports whether rendering has been degraded to a no-op.
func (k *KeySynth) Silent() bool {
	return k.silent
}

// PersistedState snapshots what survives a restart. Call after Stop, so
// the fan-in goroutine is quiescent.
func (k *KeySynth) PersistedState(favorites []string) *PersistedState {
	return &PersistedState{
		Program:      int(k.state.Program),
		Octave:       k.state.Octave,
		ArpMode:      k.state.ArpMode.String(),
		LayerOn:      k.state.Layer.Enabled,
		LayerProgram: int(k.state.Layer.Program),
		VelocityMode: k.cfg.Velocity.Mode,
		Favorites:    favorites,
	}
}
