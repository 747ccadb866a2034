package keysynth

// Renderer is the contract the control pipeline drives. Implementations
// must make ProgramChange, NoteOn/NoteOff/CC/PitchBend and Render
// callable from the audio context without blocking or allocating (the
// adapter applies program events from the bus there); LoadSoundFont may
// be slower and is called from non-realtime contexts.
//
// Velocity is always >= 1 (a 0-velocity note-on never crosses this
// boundary), CC values are 0..127 and bend is -8192..8191.
type Renderer interface {
	// LoadSoundFont loads an instrument bank and returns its id.
	LoadSoundFont(path string) (int, error)

	ProgramChange(channel, program uint8)
	NoteOn(channel, pitch, velocity uint8)
	NoteOff(channel, pitch uint8)
	CC(channel, controller, value uint8)
	PitchBend(channel uint8, value int16)

	// Render writes len(out)/2 frames of interleaved stereo float32.
	Render(out []float32)
}

// SilentRenderer satisfies Renderer with no-ops. It backs headless
// operation and the degraded mode entered after repeated renderer
// failures: inputs still produce events, rendering produces silence.
type SilentRenderer struct{}

// NewSilentRenderer returns the no-op renderer.
func NewSilentRenderer() *SilentRenderer {
	return &SilentRenderer{}
}

// LoadSoundFont accepts any path and reports bank 0.
func (SilentRenderer) LoadSoundFont(path string) (int, error) { return 0, nil }

func (SilentRenderer) ProgramChange(channel, program uint8)  {}
func (SilentRenderer) NoteOn(channel, pitch, velocity uint8) {}
func (SilentRenderer) NoteOff(channel, pitch uint8)          {}
func (SilentRenderer) CC(channel, controller, value uint8)   {}
func (SilentRenderer) PitchBend(channel uint8, value int16)  {}

// Render writes silence.
func (SilentRenderer) Render(out []float32) {
	for i := range out {
		out[i] = 0
	}
}
