package keysynth

import (
	"context"
	"math"
	"time"

	"github.com/GeoffreyPlitt/debuggo"
)

var engineDebug = debuggo.Debug("keysynth:engine")

// bendMax scales a touchpad X position into the 14-bit bend range.
const bendMax = 8191

// ghostFlushDelay is how soon after a quiet chatter burst the deferred
// release is force-flushed when no further edge arrives to close it.
const ghostFlushDelay = 2 * time.Millisecond

// EngineConfig carries what the fan-in task needs at construction.
type EngineConfig struct {
	Velocity VelocityConfig

	ArpBPM          float64
	ArpTicksPerBeat int

	LayerChannel uint8
	LayerProgram uint8

	// TouchpadBend maps the touchpad X axis onto pitch bend while a
	// touch is active.
	TouchpadBend bool

	SampleRate int
}

// heldKey is the engine's record of one physically depressed note key:
// the pitch it struck (under the octave/transpose of that moment) and
// the velocity it was struck with.
type heldKey struct {
	pitch    uint8
	velocity uint8
}

// Engine is the input fan-in task. It is the single owner of the state
// core, velocity computer, arpeggiator, layer and voice allocator, and
// the single producer of the realtime bus. Readers and the supervisor
// feed it through one channel; the audio context feeds it buffer ticks
// through the frame clock.
type Engine struct {
	cfg    EngineConfig
	events chan InputEvent
	clock  *FrameClock

	state  *StateCore
	keymap *KeyMap
	vc     *VelocityComputer
	arp    *Arpeggiator
	va     *VoiceAllocator
	sink   NoteSink

	// keyHeld tracks depressed note keys so a key-up (or unplug, or an
	// arp-mode flip) resolves to the pitch struck, not the pitch the
	// key would strike under the current octave.
	keyHeld map[RawKey]heldKey

	// forget tells the supervisor a DeviceGone has been fully handled.
	forget func(DeviceID)

	panicReq chan struct{}
	done     chan struct{}
}

// NewEngine wires the fan-in task. sink is the realtime bus producer;
// forget is called after a device removal is fully processed.
func NewEngine(cfg EngineConfig, keymap *KeyMap, state *StateCore, sink NoteSink, clock *FrameClock, forget func(DeviceID)) *Engine {
	if cfg.SampleRate == 0 {
		cfg.SampleRate = 48000
	}
	if cfg.LayerChannel == 0 {
		cfg.LayerChannel = DefaultLayerChannel
	}

	e := &Engine{
		cfg:      cfg,
		events:   make(chan InputEvent, 4*batchSize),
		clock:    clock,
		state:    state,
		keymap:   keymap,
		vc:       NewVelocityComputer(cfg.Velocity),
		arp:      NewArpeggiator(cfg.SampleRate, monotonicNow()),
		va:       NewVoiceAllocator(0, sink),
		sink:     sink,
		keyHeld:  make(map[RawKey]heldKey),
		forget:   forget,
		panicReq: make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
	e.arp.SetTempo(cfg.ArpBPM, cfg.ArpTicksPerBeat)
	e.state.Layer.Channel = cfg.LayerChannel
	e.state.Layer.Program = cfg.LayerProgram
	return e
}

// SetAllocator replaces the voice allocator before Run starts; used to
// apply a configured polyphony cap.
func (e *Engine) SetAllocator(va *VoiceAllocator) {
	e.va = va
}

// Events returns the channel readers and the supervisor write to.
func (e *Engine) Events() chan<- InputEvent {
	return e.events
}

// RequestPanic asks the engine to release everything at the next
// suspension point. Callable from any goroutine.
func (e *Engine) RequestPanic() {
	select {
	case e.panicReq <- struct{}{}:
	default:
	}
}

// Allocator exposes the voice allocator for telemetry snapshots. The
// caller must treat the counters as approximate; only the engine
// goroutine mutates.
func (e *Engine) Allocator() *VoiceAllocator {
	return e.va
}

// State exposes the state core for telemetry snapshots, with the same
// caveat as Allocator.
func (e *Engine) State() *StateCore {
	return e.state
}

// Done is closed when Run returns.
func (e *Engine) Done() <-chan struct{} {
	return e.done
}

// Run is the fan-in loop. It exits after ctx is cancelled and the
// pending events are drained, so the last keystroke before shutdown is
// still played.
func (e *Engine) Run(ctx context.Context) {
	defer close(e.done)

	// Program the starting patches.
	e.sink(NoteEvent{Kind: NoteProgram, Channel: 0, Value: e.state.Program, Time: monotonicNow()})
	if e.state.Layer.Enabled {
		e.sink(NoteEvent{Kind: NoteProgram, Channel: e.state.Layer.Channel, Value: e.state.Layer.Program, Time: monotonicNow()})
	}

	// ghostFlush closes chatter bursts whose deferred release no
	// further edge will close.
	ghostFlush := time.NewTimer(ghostFlushDelay)
	ghostFlush.Stop()
	defer ghostFlush.Stop()

	for {
		select {
		case <-ctx.Done():
			e.drain()
			return
		case <-e.panicReq:
			e.panic(monotonicNow())
		case ev := <-e.events:
			e.handle(ev)
			if e.state.PendingGhosts() {
				ghostFlush.Reset(ghostFlushDelay)
			}
		case <-ghostFlush.C:
			e.flushGhosts(monotonicNow())
			if e.state.PendingGhosts() {
				ghostFlush.Reset(ghostFlushDelay)
			}
		case <-e.clock.C:
			e.arp.Advance(e.clock.Take(), monotonicNow(), e.arpSink)
		}
	}
}

// drain consumes whatever is already queued, then releases everything.
func (e *Engine) drain() {
	for {
		select {
		case ev := <-e.events:
			e.handle(ev)
		default:
			e.flushGhosts(math.MaxInt64)
			e.panic(monotonicNow())
			return
		}
	}
}

// flushGhosts dispatches the deferred releases whose chatter burst has
// been quiet past the window.
func (e *Engine) flushGhosts(now int64) {
	var buf [8]GhostRelease
	for _, g := range e.state.FlushGhosts(now, buf[:0]) {
		e.dispatchKeyUp(g.Raw, g.At)
	}
}

// handle dispatches one input event. All mutation of the state core and
// held-note bookkeeping happens here, between events.
func (e *Engine) handle(ev InputEvent) {
	switch ev.Kind {
	case InputKeyDown:
		e.keyDown(ev)
	case InputKeyUp:
		e.keyUp(ev)
	case InputAxis:
		e.axis(ev)
	case InputTouch:
		e.vc.ObserveTouch(ev.TouchOn)
		if !ev.TouchOn && e.cfg.TouchpadBend {
			e.sink(NoteEvent{Kind: NoteBend, Channel: 0, Bend: 0, Origin: OriginKeyboard, Time: ev.Time})
		}
	case InputMidi:
		e.midi(ev)
	case InputDeviceGone:
		e.deviceGone(ev)
	}
}

func (e *Engine) keyDown(ev InputEvent) {
	flushAt, flush, suppress := e.state.DebounceKey(ev.Raw, true, ev.Time)
	if flush {
		e.dispatchKeyUp(ev.Raw, flushAt)
	}
	if suppress {
		engineDebug("ghost-suppressed down on %d", ev.Raw.Code())
		return
	}
	e.dispatchKeyDown(ev.Raw, ev.Time)
}

func (e *Engine) keyUp(ev InputEvent) {
	flushAt, flush, suppress := e.state.DebounceKey(ev.Raw, false, ev.Time)
	if flush {
		e.dispatchKeyUp(ev.Raw, flushAt)
	}
	if suppress {
		engineDebug("ghost-deferred up on %d", ev.Raw.Code())
		return
	}
	e.dispatchKeyUp(ev.Raw, ev.Time)
}

// dispatchKeyDown applies a debounced key press.
func (e *Engine) dispatchKeyDown(raw RawKey, t int64) {
	code := raw.Code()
	if role := e.keymap.Control(code); role != ControlNone {
		e.control(role, true, t)
		return
	}

	pitch, ok := e.keymap.MapKey(code, e.state.Octave, e.state.Transpose)
	if !ok {
		return
	}

	vel := e.vc.OnKeyDown(t, e.keymap.Row(code))
	e.keyHeld[raw] = heldKey{pitch: pitch, velocity: vel.Value}
	engineDebug("key %d -> pitch %d vel %d (%s)", code, pitch, vel.Value, vel.Source)

	if e.arp.Active() {
		e.arp.KeyHeld(pitch, vel.Value)
		return
	}
	e.noteOn(pitch, vel.Value, OriginKeyboard, raw, t)
}

// dispatchKeyUp applies a debounced key release — either a live edge or
// a deferred one whose chatter burst just closed.
func (e *Engine) dispatchKeyUp(raw RawKey, t int64) {
	code := raw.Code()
	if role := e.keymap.Control(code); role != ControlNone {
		e.control(role, false, t)
		return
	}

	held, ok := e.keyHeld[raw]
	if !ok {
		return
	}
	delete(e.keyHeld, raw)

	if e.arp.Active() {
		e.arp.KeyReleased(held.pitch, t, e.arpSink)
		return
	}
	e.noteOff(held.pitch, OriginKeyboard, t)
}

// control applies a control-role key edge. Latching roles act on the
// down edge only; the modifier and sustain roles follow both edges.
func (e *Engine) control(role ControlRole, down bool, t int64) {
	switch role {
	case ControlSustain:
		e.state.SustainPressed = down
		e.va.Sustain(down, t)
		return
	case ControlModShift, ControlModCtrl:
		e.vc.ObserveModifier(role, down)
		return
	}

	if !down {
		return
	}

	switch role {
	case ControlOctaveUp:
		e.state.OctaveUp()
	case ControlOctaveDown:
		e.state.OctaveDown()
	case ControlTransposeUp:
		e.state.TransposeUp()
	case ControlTransposeDown:
		e.state.TransposeDown()
	case ControlProgramNext:
		e.state.ProgramNext()
		e.sink(NoteEvent{Kind: NoteProgram, Channel: 0, Value: e.state.Program, Time: t})
	case ControlProgramPrev:
		e.state.ProgramPrev()
		e.sink(NoteEvent{Kind: NoteProgram, Channel: 0, Value: e.state.Program, Time: t})
	case ControlArpCycle:
		e.cycleArp(t)
	case ControlLayerToggle:
		e.toggleLayer(t)
	case ControlPanic:
		e.panic(t)
	}
}

// cycleArp flips to the next arp mode. Keys already depressed move with
// it: entering an arp mode transfers their direct notes into the held
// set; leaving re-strikes whatever is still physically down.
func (e *Engine) cycleArp(t int64) {
	wasActive := e.arp.Active()
	mode := e.arp.Cycle(t, e.arpSink)
	e.state.ArpMode = mode

	if !wasActive && e.arp.Active() {
		for _, hk := range e.keyHeld {
			e.noteOff(hk.pitch, OriginKeyboard, t)
			e.arp.KeyHeld(hk.pitch, hk.velocity)
		}
	}
	if wasActive && !e.arp.Active() {
		for raw, hk := range e.keyHeld {
			e.noteOn(hk.pitch, hk.velocity, OriginKeyboard, raw, t)
		}
	}
}

// toggleLayer enables or disables the second channel. Disabling
// releases every layer-origin note.
func (e *Engine) toggleLayer(t int64) {
	e.state.Layer.Enabled = !e.state.Layer.Enabled
	if e.state.Layer.Enabled {
		e.sink(NoteEvent{Kind: NoteProgram, Channel: e.state.Layer.Channel, Value: e.state.Layer.Program, Time: t})
		return
	}
	e.va.ReleaseChannel(e.state.Layer.Channel, t)
}

func (e *Engine) axis(ev InputEvent) {
	switch ev.Axis {
	case AxisPressure:
		e.vc.ObservePressure(ev.Value)
	case AxisX:
		if e.cfg.TouchpadBend {
			bend := int16((ev.Value - 0.5) * 2 * bendMax)
			e.sink(NoteEvent{Kind: NoteBend, Channel: 0, Bend: bend, Origin: OriginKeyboard, Time: ev.Time})
		}
	}
}

// midi folds external MIDI input into the pipeline. Notes are re-routed
// onto the primary channel so they share the allocator, the layer and
// the arp with the keyboard.
func (e *Engine) midi(ev InputEvent) {
	kind, ok := midiStatusKind(ev.Status)
	if !ok {
		if ev.Status&0xF0 == 0xC0 {
			e.state.Program = ev.Data1 & 0x7F
			e.sink(NoteEvent{Kind: NoteProgram, Channel: 0, Value: e.state.Program, Time: ev.Time})
		}
		return
	}

	switch kind {
	case NoteOn:
		if ev.Data2 == 0 { // velocity 0 is note-off by convention
			e.midiOff(ev.Data1&0x7F, ev.Time)
			return
		}
		pitch := ev.Data1 & 0x7F
		vel := ev.Data2 & 0x7F
		if e.arp.Active() {
			e.arp.KeyHeld(pitch, vel)
			return
		}
		e.noteOn(pitch, vel, OriginMidiIn, 0, ev.Time)

	case NoteOff:
		e.midiOff(ev.Data1&0x7F, ev.Time)

	case NoteCC:
		controller := ev.Data1 & 0x7F
		value := ev.Data2 & 0x7F
		if controller == CCSustain {
			e.state.SustainPressed = value >= 64
			e.va.Sustain(value >= 64, ev.Time)
			return
		}
		e.sink(NoteEvent{Kind: NoteCC, Channel: 0, Controller: controller, Value: value, Origin: OriginMidiIn, Time: ev.Time})

	case NoteBend:
		bend := int16(uint16(ev.Data2&0x7F)<<7|uint16(ev.Data1&0x7F)) - 8192
		e.sink(NoteEvent{Kind: NoteBend, Channel: 0, Bend: bend, Origin: OriginMidiIn, Time: ev.Time})
	}
}

func (e *Engine) midiOff(pitch uint8, t int64) {
	if e.arp.Active() {
		e.arp.KeyReleased(pitch, t, e.arpSink)
		return
	}
	e.noteOff(pitch, OriginMidiIn, t)
}

// deviceGone releases everything a vanished device was holding, then
// reports the removal upstream. A later arrival on the same path is a
// fresh device and inherits none of this state.
func (e *Engine) deviceGone(ev InputEvent) {
	dev := ev.Device
	engineDebug("device %d gone", dev)

	var buf [DefaultPolyphony]uint8
	for _, pitch := range e.va.HeldByDevice(dev, buf[:0]) {
		e.va.ForceOff(pitch, 0, ev.Time)
		if e.state.Layer.Enabled {
			e.va.ForceOff(pitch, e.state.Layer.Channel, ev.Time)
		}
	}

	for raw, hk := range e.keyHeld {
		if raw.Device() != dev {
			continue
		}
		delete(e.keyHeld, raw)
		if e.arp.Active() {
			e.arp.KeyReleased(hk.pitch, ev.Time, e.arpSink)
		}
	}

	e.state.ForgetDevice(dev)
	if e.forget != nil {
		e.forget(dev)
	}
}

// noteOn strikes a note and, when the layer is on, its twin. The twin
// carries no raw key: its lifecycle is slaved to the primary here in
// the fan-in step, so the pair can never be split by an arp tick.
func (e *Engine) noteOn(pitch, velocity uint8, origin Origin, raw RawKey, t int64) {
	e.va.NoteOn(pitch, velocity, 0, origin, raw, t)
	if e.state.Layer.Enabled {
		e.va.NoteOn(pitch, velocity, e.state.Layer.Channel, OriginLayer, 0, t)
	}
}

// noteOff releases a note and its layer twin.
func (e *Engine) noteOff(pitch uint8, origin Origin, t int64) {
	e.va.NoteOff(pitch, 0, origin, t)
	if e.state.Layer.Enabled {
		e.va.NoteOff(pitch, e.state.Layer.Channel, OriginLayer, t)
	}
}

// arpSink routes arpeggiator-synthesized events through the allocator
// (and the layer) like any other note.
func (e *Engine) arpSink(ev NoteEvent) {
	switch ev.Kind {
	case NoteOn:
		e.noteOn(ev.Pitch, ev.Velocity, OriginArp, 0, ev.Time)
	case NoteOff:
		e.noteOff(ev.Pitch, OriginArp, ev.Time)
	}
}

// panic releases every voice and clears all held state.
func (e *Engine) panic(t int64) {
	engineDebug("panic")
	e.arp.SetMode(ArpOff, t, e.arpSink)
	e.state.ArpMode = ArpOff
	for raw := range e.keyHeld {
		delete(e.keyHeld, raw)
	}
	e.va.Panic(t)
}
