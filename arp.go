package keysynth

import (
	"math/rand"
	"sort"
	"sync/atomic"

	"github.com/GeoffreyPlitt/debuggo"
)

var arpDebug = debuggo.Debug("keysynth:arp")

// ArpMode is the arpeggiator state. Toggling cycles through the modes in
// declaration order, wrapping back to off.
type ArpMode uint8

const (
	ArpOff ArpMode = iota
	ArpUp
	ArpDown
	ArpUpDown
	ArpRandom
)

// String returns the mode name used in config and telemetry.
func (m ArpMode) String() string {
	switch m {
	case ArpUp:
		return "up"
	case ArpDown:
		return "down"
	case ArpUpDown:
		return "up-down"
	case ArpRandom:
		return "random"
	default:
		return "off"
	}
}

// ParseArpMode parses a config mode name.
func ParseArpMode(name string) (ArpMode, bool) {
	switch name {
	case "off":
		return ArpOff, true
	case "up":
		return ArpUp, true
	case "down":
		return ArpDown, true
	case "up-down", "updown":
		return ArpUpDown, true
	case "random":
		return ArpRandom, true
	default:
		return 0, false
	}
}

// Default arp tempo: 120 BPM in sixteenth notes.
const (
	defaultArpBPM   = 120.0
	defaultArpTicks = 4 // ticks per beat
)

// FrameClock carries elapsed audio frames from the audio callback to the
// input fan-in task. The audio side adds frames and nudges C without
// blocking or allocating; the fan-in drains the count. Deriving the arp
// clock from frame counts keeps it sample-accurate and immune to UI
// load.
type FrameClock struct {
	frames atomic.Int64
	C      chan struct{}
}

// NewFrameClock creates a clock.
func NewFrameClock() *FrameClock {
	return &FrameClock{C: make(chan struct{}, 1)}
}

// Tick records n elapsed frames. Called from the audio callback;
// wait-free.
func (c *FrameClock) Tick(n int) {
	c.frames.Add(int64(n))
	select {
	case c.C <- struct{}{}:
	default:
	}
}

// Take drains the accumulated frame count.
func (c *FrameClock) Take() int {
	return int(c.frames.Swap(0))
}

// heldPitch is one entry of the arp's held set.
type heldPitch struct {
	pitch    uint8
	velocity uint8
}

// Arpeggiator synthesizes a timed stream of note events from the set of
// held pitches. It is confined to the input fan-in task; time advances
// only through Advance, in audio frames.
type Arpeggiator struct {
	mode ArpMode

	held []heldPitch // sorted ascending by pitch

	sounding     int // pitch currently sounded by the arp, -1 if none
	lastPitch    int // last pitch chosen, for ordering; -1 before the first tick
	goingDown    bool
	rng          *rand.Rand
	sampleRate   int
	samplesTick  int
	accumSamples int
}

// NewArpeggiator creates an arpeggiator in the off state.
func NewArpeggiator(sampleRate int, seed int64) *Arpeggiator {
	a := &Arpeggiator{
		sounding:   -1,
		lastPitch:  -1,
		rng:        rand.New(rand.NewSource(seed)),
		sampleRate: sampleRate,
	}
	a.SetTempo(defaultArpBPM, defaultArpTicks)
	return a
}

// SetTempo sets the clock from beats per minute and ticks per beat
// (4 = sixteenth notes).
func (a *Arpeggiator) SetTempo(bpm float64, ticksPerBeat int) {
	if bpm <= 0 {
		bpm = defaultArpBPM
	}
	if ticksPerBeat <= 0 {
		ticksPerBeat = defaultArpTicks
	}
	period := 60.0 / bpm / float64(ticksPerBeat)
	a.samplesTick = int(period * float64(a.sampleRate))
	if a.samplesTick < 1 {
		a.samplesTick = 1
	}
	arpDebug("tempo %.1f BPM, %d ticks/beat -> %d samples/tick", bpm, ticksPerBeat, a.samplesTick)
}

// Mode returns the current mode.
func (a *Arpeggiator) Mode() ArpMode {
	return a.mode
}

// SetMode switches modes. Switching to off releases the sounding note.
// The caller handles moving notes between direct sounding and the held
// set.
func (a *Arpeggiator) SetMode(mode ArpMode, t int64, sink NoteSink) {
	if mode == a.mode {
		return
	}
	arpDebug("mode %s -> %s", a.mode, mode)
	a.mode = mode
	a.lastPitch = -1
	a.goingDown = false
	a.accumSamples = 0
	if mode == ArpOff {
		a.releaseSounding(t, sink)
		a.held = a.held[:0]
	}
}

// Cycle advances to the next mode, wrapping from random back to off.
func (a *Arpeggiator) Cycle(t int64, sink NoteSink) ArpMode {
	next := a.mode + 1
	if next > ArpRandom {
		next = ArpOff
	}
	a.SetMode(next, t, sink)
	return next
}

// Active reports whether the arpeggiator is consuming key events.
func (a *Arpeggiator) Active() bool {
	return a.mode != ArpOff
}

// Held returns the held pitches in ascending order.
func (a *Arpeggiator) Held() []heldPitch {
	return a.held
}

// KeyHeld adds a pitch to the held set. Re-striking a held pitch just
// refreshes its velocity. The first pitch into an empty set primes the
// clock so the pattern starts on the next buffer instead of a full
// period later.
func (a *Arpeggiator) KeyHeld(pitch, velocity uint8) {
	if a.mode != ArpOff && len(a.held) == 0 {
		a.accumSamples = a.samplesTick
		a.lastPitch = -1
	}
	i := sort.Search(len(a.held), func(i int) bool { return a.held[i].pitch >= pitch })
	if i < len(a.held) && a.held[i].pitch == pitch {
		a.held[i].velocity = velocity
		return
	}
	a.held = append(a.held, heldPitch{})
	copy(a.held[i+1:], a.held[i:])
	a.held[i] = heldPitch{pitch: pitch, velocity: velocity}
}

// KeyReleased removes a pitch from the held set. If the set empties
// while the arp is sounding a note, that note is released immediately
// rather than on the next tick.
func (a *Arpeggiator) KeyReleased(pitch uint8, t int64, sink NoteSink) {
	i := sort.Search(len(a.held), func(i int) bool { return a.held[i].pitch >= pitch })
	if i >= len(a.held) || a.held[i].pitch != pitch {
		return
	}
	a.held = append(a.held[:i], a.held[i+1:]...)
	if len(a.held) == 0 {
		a.releaseSounding(t, sink)
	}
}

// Advance moves the clock forward by elapsed audio frames, emitting a
// tick's worth of events whenever a tick boundary is crossed.
func (a *Arpeggiator) Advance(frames int, t int64, sink NoteSink) {
	if a.mode == ArpOff {
		return
	}
	a.accumSamples += frames
	for a.accumSamples >= a.samplesTick {
		a.accumSamples -= a.samplesTick
		a.tick(t, sink)
	}
}

// tick releases the previously sounded pitch and sounds the next one
// under the mode's ordering.
func (a *Arpeggiator) tick(t int64, sink NoteSink) {
	if len(a.held) == 0 {
		return
	}

	a.releaseSounding(t, sink)

	next := a.next()
	a.lastPitch = int(next.pitch)
	a.sounding = int(next.pitch)
	sink(NoteEvent{Kind: NoteOn, Pitch: next.pitch, Velocity: next.velocity, Origin: OriginArp, Time: t})
}

// next picks the pitch for this tick. Arp events carry their own pitch
// values and origin; they never re-enter the arpeggiator.
func (a *Arpeggiator) next() heldPitch {
	n := len(a.held)
	if n == 1 {
		return a.held[0]
	}

	switch a.mode {
	case ArpDown:
		for i := n - 1; i >= 0; i-- {
			if int(a.held[i].pitch) < a.lastPitch || a.lastPitch < 0 {
				return a.held[i]
			}
		}
		return a.held[n-1] // wrap: restart from highest

	case ArpUpDown:
		if a.goingDown {
			for i := n - 1; i >= 0; i-- {
				if int(a.held[i].pitch) < a.lastPitch {
					if i == 0 {
						a.goingDown = false
					}
					return a.held[i]
				}
			}
			// Fell off the bottom; turn around without repeating it.
			a.goingDown = false
			return a.held[1]
		}
		for i := 0; i < n; i++ {
			if int(a.held[i].pitch) > a.lastPitch {
				if i == n-1 {
					a.goingDown = true
				}
				return a.held[i]
			}
		}
		// Fell off the top; turn around without repeating the endpoint.
		a.goingDown = true
		return a.held[n-2]

	case ArpRandom:
		for {
			p := a.held[a.rng.Intn(n)]
			if int(p.pitch) != a.lastPitch {
				return p
			}
		}

	default: // ArpUp
		for i := 0; i < n; i++ {
			if int(a.held[i].pitch) > a.lastPitch {
				return a.held[i]
			}
		}
		return a.held[0] // wrap: restart from lowest
	}
}

func (a *Arpeggiator) releaseSounding(t int64, sink NoteSink) {
	if a.sounding < 0 {
		return
	}
	sink(NoteEvent{Kind: NoteOff, Pitch: uint8(a.sounding), Origin: OriginArp, Time: t})
	a.sounding = -1
}
