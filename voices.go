package keysynth

import (
	"github.com/GeoffreyPlitt/debuggo"
)

var voiceDebug = debuggo.Debug("keysynth:voices")

// DefaultPolyphony is the voice cap when the config does not override it.
const DefaultPolyphony = 32

// NoteSink receives the renderer-level events the allocator decides to
// forward; in the live pipeline it is EventBus.Publish.
type NoteSink func(NoteEvent)

// Voice is one allocated synthesizer voice together with its held-note
// bookkeeping. A voice with Held=true is the HeldNote for its pitch and
// channel: created on key-down, Sustained set on key-up under pedal,
// gone on release. The voice itself lingers after release (the renderer
// is still sounding its tail) until stealing or panic recycles it.
type Voice struct {
	ID       uint64
	Pitch    uint8
	Velocity uint8
	Channel  uint8
	Origin   Origin
	Raw      RawKey

	StartTime  int64
	ReleasedAt int64 // 0 while the note-off has not been forwarded

	Held      bool
	Sustained bool

	active bool
}

// VoiceAllocator maps logical notes onto renderer voices, enforcing the
// polyphony cap with stealing and tracking sustain-deferred releases.
// It is confined to the input fan-in task; the voice table is allocated
// once and reused so the steady-state path does not allocate.
type VoiceAllocator struct {
	voices []Voice
	free   []int

	// byNote indexes the voice holding a (channel, pitch); a pitch has
	// at most one held note per channel at any time. byRaw finds the
	// note a physical key-up belongs to without a scan.
	byNote map[uint16]int
	byRaw  map[RawKey]int

	sustain bool
	nextID  uint64
	sink    NoteSink
}

// NewVoiceAllocator builds an allocator with the given polyphony cap
// (0 selects the default) forwarding renderer-level events to sink.
func NewVoiceAllocator(maxPolyphony int, sink NoteSink) *VoiceAllocator {
	if maxPolyphony <= 0 {
		maxPolyphony = DefaultPolyphony
	}
	va := &VoiceAllocator{
		voices: make([]Voice, maxPolyphony),
		free:   make([]int, 0, maxPolyphony),
		byNote: make(map[uint16]int, maxPolyphony),
		byRaw:  make(map[RawKey]int, maxPolyphony),
		sink:   sink,
	}
	for i := maxPolyphony - 1; i >= 0; i-- {
		va.free = append(va.free, i)
	}
	return va
}

func noteKey(channel, pitch uint8) uint16 {
	return uint16(channel)<<8 | uint16(pitch)
}

// NoteOn allocates a voice for a strike. A strike on a pitch that is
// already held (duplicate key-down, or overlapping origins on the same
// channel) steals the existing voice and re-triggers. When the table is
// full a victim is evicted: sustained voices first, then released ones,
// then the oldest strike; eviction forwards exactly one extra Off.
func (va *VoiceAllocator) NoteOn(pitch, velocity, channel uint8, origin Origin, raw RawKey, t int64) {
	if velocity == 0 {
		velocity = 1
	}

	if idx, ok := va.byNote[noteKey(channel, pitch)]; ok {
		voiceDebug("re-strike pitch=%d ch=%d, stealing voice %d", pitch, channel, va.voices[idx].ID)
		va.evict(idx, t)
	}

	if len(va.free) == 0 {
		victim := va.pickVictim()
		voiceDebug("polyphony full, evicting voice %d (pitch=%d)", va.voices[victim].ID, va.voices[victim].Pitch)
		va.evict(victim, t)
	}

	idx := va.free[len(va.free)-1]
	va.free = va.free[:len(va.free)-1]

	va.nextID++
	va.voices[idx] = Voice{
		ID:        va.nextID,
		Pitch:     pitch,
		Velocity:  velocity,
		Channel:   channel,
		Origin:    origin,
		Raw:       raw,
		StartTime: t,
		Held:      true,
		active:    true,
	}
	va.byNote[noteKey(channel, pitch)] = idx
	if raw != 0 {
		va.byRaw[raw] = idx
	}

	va.sink(NoteEvent{Kind: NoteOn, Pitch: pitch, Velocity: velocity, Channel: channel, Origin: origin, Time: t})
}

// NoteOff handles a release. Unknown pitches are dropped silently so the
// operation is idempotent. Under sustain the release is deferred: the
// note is marked sustained and nothing is forwarded.
func (va *VoiceAllocator) NoteOff(pitch, channel uint8, origin Origin, t int64) {
	idx, ok := va.byNote[noteKey(channel, pitch)]
	if !ok {
		return
	}

	if va.sustain {
		va.voices[idx].Sustained = true
		return
	}

	va.release(idx, t)
}

// NoteOffRaw releases whatever note the given physical key struck,
// regardless of the octave or transpose in effect now.
func (va *VoiceAllocator) NoteOffRaw(raw RawKey, origin Origin, t int64) {
	idx, ok := va.byRaw[raw]
	if !ok {
		return
	}
	va.NoteOff(va.voices[idx].Pitch, va.voices[idx].Channel, origin, t)
}

// RawPitch reports the pitch and channel the given physical key is
// currently holding.
func (va *VoiceAllocator) RawPitch(raw RawKey) (pitch, channel uint8, ok bool) {
	idx, found := va.byRaw[raw]
	if !found {
		return 0, 0, false
	}
	return va.voices[idx].Pitch, va.voices[idx].Channel, true
}

// ForceOff releases a held note regardless of the pedal, dropping the
// deferred-release mark if one was set. Idempotent. Used for unplug
// cleanup, where a sustained note must not outlive its keyboard.
func (va *VoiceAllocator) ForceOff(pitch, channel uint8, t int64) {
	idx, ok := va.byNote[noteKey(channel, pitch)]
	if !ok {
		return
	}
	va.release(idx, t)
}

// HeldByDevice appends the primary-channel pitches held from keys of
// the given device to buf and returns it.
func (va *VoiceAllocator) HeldByDevice(dev DeviceID, buf []uint8) []uint8 {
	for i := range va.voices {
		v := &va.voices[i]
		if v.active && v.Held && v.Raw != 0 && v.Raw.Device() == dev {
			buf = append(buf, v.Pitch)
		}
	}
	return buf
}

// Sustain updates the pedal state. On the transition to off every note
// whose release was deferred is released; repeated transitions with no
// intervening notes are idempotent.
func (va *VoiceAllocator) Sustain(on bool, t int64) {
	if va.sustain == on {
		return
	}
	va.sustain = on
	if on {
		return
	}

	for i := range va.voices {
		if va.voices[i].active && va.voices[i].Held && va.voices[i].Sustained {
			va.release(i, t)
		}
	}
}

// SustainOn reports the pedal state.
func (va *VoiceAllocator) SustainOn() bool {
	return va.sustain
}

// ReleaseDevice force-releases every note struck from keys of the given
// device, sustain notwithstanding.
func (va *VoiceAllocator) ReleaseDevice(dev DeviceID, t int64) {
	for i := range va.voices {
		v := &va.voices[i]
		if v.active && v.Held && v.Raw != 0 && v.Raw.Device() == dev {
			voiceDebug("device %d gone, releasing pitch=%d", dev, v.Pitch)
			va.release(i, t)
		}
	}
}

// ReleaseChannel force-releases every held note on a channel. Called
// when the layer is toggled off.
func (va *VoiceAllocator) ReleaseChannel(channel uint8, t int64) {
	for i := range va.voices {
		v := &va.voices[i]
		if v.active && v.Held && v.Channel == channel {
			va.release(i, t)
		}
	}
}

// Panic clears every voice and held note and forwards a single Panic
// event, which the bus promotes ahead of anything queued.
func (va *VoiceAllocator) Panic(t int64) {
	for i := range va.voices {
		if va.voices[i].active {
			va.freeVoice(i)
		}
	}
	va.sustain = false
	va.sink(NoteEvent{Kind: NotePanic, Time: t})
}

// ActiveVoices returns the number of allocated voices, including
// released voices whose tail the renderer is still sounding.
func (va *VoiceAllocator) ActiveVoices() int {
	return len(va.voices) - len(va.free)
}

// HeldCount returns the number of live held notes.
func (va *VoiceAllocator) HeldCount() int {
	return len(va.byNote)
}

// MaxPolyphony returns the voice cap.
func (va *VoiceAllocator) MaxPolyphony() int {
	return len(va.voices)
}

// release forwards the note-off for a held note and drops the held-note
// indexes. The voice slot stays allocated until stolen.
func (va *VoiceAllocator) release(idx int, t int64) {
	v := &va.voices[idx]
	delete(va.byNote, noteKey(v.Channel, v.Pitch))
	if v.Raw != 0 {
		delete(va.byRaw, v.Raw)
	}
	v.Held = false
	v.Sustained = false
	v.ReleasedAt = t
	va.sink(NoteEvent{Kind: NoteOff, Pitch: v.Pitch, Channel: v.Channel, Origin: v.Origin, Time: t})
}

// evict terminates a voice immediately: forwards its Off if one has not
// been forwarded yet, then recycles the slot. Exactly one extra Off per
// stolen voice, never an orphan in the renderer.
func (va *VoiceAllocator) evict(idx int, t int64) {
	v := &va.voices[idx]
	if v.ReleasedAt == 0 {
		va.sink(NoteEvent{Kind: NoteOff, Pitch: v.Pitch, Channel: v.Channel, Origin: v.Origin, Time: t})
	}
	va.freeVoice(idx)
}

// pickVictim chooses the voice to steal when the table is full:
// sustained notes (key up, pedal down) by oldest strike, then released
// voices by oldest release, then the oldest strike outright.
func (va *VoiceAllocator) pickVictim() int {
	best := -1
	bestRank := 0
	var bestTime int64

	for i := range va.voices {
		v := &va.voices[i]
		if !v.active {
			continue
		}

		var rank int
		var at int64
		switch {
		case v.Sustained:
			rank = 3
			at = v.StartTime
		case v.ReleasedAt != 0:
			rank = 2
			at = v.ReleasedAt
		default:
			rank = 1
			at = v.StartTime
		}

		if best == -1 || rank > bestRank || (rank == bestRank && at < bestTime) {
			best = i
			bestRank = rank
			bestTime = at
		}
	}
	return best
}

func (va *VoiceAllocator) freeVoice(idx int) {
	v := &va.voices[idx]
	delete(va.byNote, noteKey(v.Channel, v.Pitch))
	if v.Raw != 0 {
		delete(va.byRaw, v.Raw)
	}
	v.active = false
	v.Held = false
	v.Sustained = false
	va.free = append(va.free, idx)
}
