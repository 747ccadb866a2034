package keysynth

import (
	"math"
	"sync/atomic"

	"github.com/GeoffreyPlitt/debuggo"
)

var samplerDebug = debuggo.Debug("keysynth:sampler")

// Sampler rendering constants.
const (
	samplerVoices  = 64 // renderer-side pool; the allocator caps logical polyphony upstream
	attackSeconds  = 0.005
	releaseSeconds = 0.05

	// bendSemitones is the pitch-bend range at full deflection.
	bendSemitones = 2.0
)

// envelopeState tracks where a sampler voice is in its lifecycle.
type envelopeState uint8

const (
	envelopeAttack envelopeState = iota
	envelopeSustain
	envelopeRelease
	envelopeOff
)

// samplerVoice is one playing recording inside the sampler.
type samplerVoice struct {
	sample     *Sample
	position   float64
	pitchRatio float64
	volume     float64

	envState envelopeState
	envLevel float64

	pitch   uint8
	channel uint8
	noteOn  bool
	active  bool
	age     uint64
}

// SamplerRenderer is the built-in sample-bank implementation of the
// Renderer contract: position-ratio pitch shifting with linear
// interpolation, a linear attack/release envelope, per-channel bank
// selection, CC7 volume and pitch bend. All note/CC/bend calls and
// Render run on the audio context, so voice state needs no locking;
// only the bank list, which LoadSoundFont touches from non-realtime
// contexts, is swapped atomically. Render allocates nothing.
type SamplerRenderer struct {
	banks atomic.Pointer[[]*SampleBank]

	voices  [samplerVoices]samplerVoice
	nextAge uint64

	channelBank [16]int
	bendRatio   [16]float64
	volume      [16]float64

	sampleRate int
}

// NewSamplerRenderer creates a sampler for the given output rate.
func NewSamplerRenderer(sampleRate int) *SamplerRenderer {
	if sampleRate <= 0 {
		sampleRate = DefaultSampleRate
	}
	s := &SamplerRenderer{sampleRate: sampleRate}
	empty := []*SampleBank{}
	s.banks.Store(&empty)
	for ch := range s.bendRatio {
		s.bendRatio[ch] = 1
		s.volume[ch] = 1
	}
	return s
}

// LoadSoundFont loads a sample-bank directory and returns its id. May
// be called again later (favorites switching); playing voices keep
// their samples.
func (s *SamplerRenderer) LoadSoundFont(path string) (int, error) {
	bank, err := LoadSampleBank(path)
	if err != nil {
		return 0, err
	}

	for {
		old := s.banks.Load()
		next := append(append([]*SampleBank{}, *old...), bank)
		if s.banks.CompareAndSwap(old, &next) {
			samplerDebug("Bank %s loaded as id %d", bank.Name, len(next)-1)
			return len(next) - 1, nil
		}
	}
}

// ProgramChange selects the bank a channel plays, modulo the number of
// loaded banks.
func (s *SamplerRenderer) ProgramChange(channel, program uint8) {
	banks := *s.banks.Load()
	if len(banks) == 0 || channel >= 16 {
		return
	}
	s.channelBank[channel] = int(program) % len(banks)
	samplerDebug("channel %d -> bank %d", channel, s.channelBank[channel])
}

// NoteOn starts a voice. The renderer pool is larger than the logical
// polyphony cap upstream; if it still fills, the oldest voice is
// recycled the way the sampler always has.
func (s *SamplerRenderer) NoteOn(channel, pitch, velocity uint8) {
	banks := *s.banks.Load()
	if len(banks) == 0 || channel >= 16 {
		return
	}
	bank := banks[s.channelBank[channel]]

	sample, root := bank.Nearest(pitch)
	if sample == nil {
		return
	}

	v := s.takeVoice()
	s.nextAge++
	*v = samplerVoice{
		sample:     sample,
		pitchRatio: pitchRatio(sample, root, pitch, s.sampleRate),
		volume:     float64(velocity) / 127.0,
		envState:   envelopeAttack,
		pitch:      pitch,
		channel:    channel,
		noteOn:     true,
		active:     true,
		age:        s.nextAge,
	}
}

// NoteOff triggers the release envelope for voices playing the pitch.
func (s *SamplerRenderer) NoteOff(channel, pitch uint8) {
	for i := range s.voices {
		v := &s.voices[i]
		if v.active && v.noteOn && v.channel == channel && v.pitch == pitch {
			v.noteOn = false
			v.envState = envelopeRelease
		}
	}
}

// CC applies the controllers the sampler understands; the rest are
// ignored.
func (s *SamplerRenderer) CC(channel, controller, value uint8) {
	if channel >= 16 {
		return
	}
	if controller == CCVolume {
		s.volume[channel] = float64(value) / 127.0
	}
}

// PitchBend bends every voice on the channel, +/-2 semitones at full
// deflection.
func (s *SamplerRenderer) PitchBend(channel uint8, value int16) {
	if channel >= 16 {
		return
	}
	semitones := float64(value) / 8192.0 * bendSemitones
	s.bendRatio[channel] = math.Pow(2, semitones/12.0)
}

// Render mixes every active voice into the interleaved stereo buffer.
func (s *SamplerRenderer) Render(out []float32) {
	for i := range out {
		out[i] = 0
	}
	frames := len(out) / 2

	attackStep := 1.0 / (attackSeconds * float64(s.sampleRate))
	releaseStep := 1.0 / (releaseSeconds * float64(s.sampleRate))

	for vi := range s.voices {
		v := &s.voices[vi]
		if !v.active {
			continue
		}
		bend := s.bendRatio[v.channel]
		gain := v.volume * s.volume[v.channel]

		for f := 0; f < frames; f++ {
			level := v.advanceEnvelope(attackStep, releaseStep)
			if v.envState == envelopeOff {
				v.active = false
				break
			}

			value := interpolateSample(v.sample, v.position)
			value *= gain * level

			out[2*f] += float32(value)
			out[2*f+1] += float32(value)

			v.position += v.pitchRatio * bend
			if v.position >= float64(v.sample.Length-1) {
				v.active = false
				break
			}
		}
	}
}

// advanceEnvelope steps the linear attack/release envelope by one frame
// and returns the level to apply.
func (v *samplerVoice) advanceEnvelope(attackStep, releaseStep float64) float64 {
	switch v.envState {
	case envelopeAttack:
		v.envLevel += attackStep
		if v.envLevel >= 1 {
			v.envLevel = 1
			v.envState = envelopeSustain
		}
	case envelopeRelease:
		v.envLevel -= releaseStep
		if v.envLevel <= 0 {
			v.envLevel = 0
			v.envState = envelopeOff
		}
	}
	return v.envLevel
}

// takeVoice returns a free voice slot, recycling the oldest when none
// is free.
func (s *SamplerRenderer) takeVoice() *samplerVoice {
	var oldest *samplerVoice
	for i := range s.voices {
		v := &s.voices[i]
		if !v.active {
			return v
		}
		if oldest == nil || v.age < oldest.age {
			oldest = v
		}
	}
	return oldest
}

// pitchRatio converts the semitone distance from the recording's root
// into a playback-position ratio, compensating for sample-rate
// mismatch.
func pitchRatio(sample *Sample, root int, pitch uint8, outputRate int) float64 {
	semitones := float64(int(pitch) - root)
	ratio := math.Pow(2, semitones/12.0)
	ratio *= float64(sample.SampleRate) / float64(outputRate)
	if ratio < 0.1 {
		ratio = 0.1
	}
	if ratio > 10 {
		ratio = 10
	}
	return ratio
}

// interpolateSample reads the sample at a fractional frame position with
// linear interpolation, using the left channel of stereo recordings.
func interpolateSample(sample *Sample, position float64) float64 {
	intPos := int(position)
	fracPos := position - float64(intPos)

	if intPos >= sample.Length {
		return 0
	}

	step := sample.Channels
	s1 := sample.Data[intPos*step]
	s2 := s1
	if intPos+1 < sample.Length {
		s2 = sample.Data[(intPos+1)*step]
	}

	return s1 + fracPos*(s2-s1)
}
