package keysynth

import (
	"sync/atomic"
	"time"
)

// maxEventsPerRender bounds how many bus events one render call applies,
// so an event storm cannot starve sample generation.
const maxEventsPerRender = 256

// latencyRingSize is the number of recent render-call spans kept for the
// health probe.
const latencyRingSize = 256

// LatencyRing is a fixed ring of render-call wall-clock spans in
// nanoseconds, written by the audio context and read by the health
// probe. Readers tolerate torn snapshots; the numbers feed statistics,
// not control flow.
type LatencyRing struct {
	samples [latencyRingSize]int64
	next    atomic.Uint64
}

// Record stores one span.
func (r *LatencyRing) Record(ns int64) {
	i := r.next.Add(1) - 1
	atomic.StoreInt64(&r.samples[i%latencyRingSize], ns)
}

// Snapshot appends the recorded spans to buf and returns it.
func (r *LatencyRing) Snapshot(buf []int64) []int64 {
	n := r.next.Load()
	count := uint64(latencyRingSize)
	if n < count {
		count = n
	}
	for i := uint64(0); i < count; i++ {
		buf = append(buf, atomic.LoadInt64(&r.samples[i]))
	}
	return buf
}

// RenderAdapter is the only code the audio callback runs: drain a
// bounded batch of bus events, apply them to the renderer, render the
// buffer. It owns no pipeline state beyond the renderer handle and the
// consumer end of the bus, and it never allocates inside Render.
type RenderAdapter struct {
	renderer atomic.Pointer[rendererBox]
	bus      *EventBus
	clock    *FrameClock
	latency  LatencyRing

	// channels is the fixed set of channels a Panic sweeps.
	channels []uint8

	xruns    atomic.Uint64
	panicReq atomic.Bool
}

// rendererBox wraps the interface value so it can be swapped atomically
// when KeySynth degrades to the silent renderer after repeated
// soundfont load failures.
type rendererBox struct {
	r Renderer
}

// NewRenderAdapter builds an adapter draining bus into renderer and
// reporting buffer boundaries to clock. channels lists every channel
// notes are sent on, for the panic sweep.
func NewRenderAdapter(renderer Renderer, bus *EventBus, clock *FrameClock, channels []uint8) *RenderAdapter {
	ra := &RenderAdapter{
		bus:      bus,
		clock:    clock,
		channels: channels,
	}
	ra.renderer.Store(&rendererBox{r: renderer})
	return ra
}

// SetRenderer swaps the renderer. Safe to call while rendering; the
// switch takes effect on the next callback.
func (ra *RenderAdapter) SetRenderer(r Renderer) {
	ra.renderer.Store(&rendererBox{r: r})
}

// Renderer returns the current renderer.
func (ra *RenderAdapter) Renderer() Renderer {
	return ra.renderer.Load().r
}

// RequestPanic asks the audio context to silence everything at the next
// buffer, ahead of whatever is queued.
func (ra *RenderAdapter) RequestPanic() {
	ra.panicReq.Store(true)
}

// ReportXrun counts a driver underrun.
func (ra *RenderAdapter) ReportXrun() {
	ra.xruns.Add(1)
}

// Xruns returns the underrun count.
func (ra *RenderAdapter) Xruns() uint64 {
	return ra.xruns.Load()
}

// Latency exposes the render-span ring to the health probe.
func (ra *RenderAdapter) Latency() *LatencyRing {
	return &ra.latency
}

// Render applies pending events and fills out with len(out)/2 frames of
// interleaved stereo. Called from the audio context; wait-free.
func (ra *RenderAdapter) Render(out []float32) {
	start := time.Now()
	r := ra.renderer.Load().r

	if ra.panicReq.CompareAndSwap(true, false) {
		ra.sweep(r)
	}

	for i := 0; i < maxEventsPerRender; i++ {
		ev, ok := ra.bus.Pop()
		if !ok {
			break
		}
		ra.apply(r, ev)
	}

	r.Render(out)

	if ra.clock != nil {
		ra.clock.Tick(len(out) / 2)
	}
	ra.latency.Record(int64(time.Since(start)))
}

// apply forwards one event to the renderer's note/cc/bend API.
func (ra *RenderAdapter) apply(r Renderer, ev NoteEvent) {
	switch ev.Kind {
	case NoteOn:
		r.NoteOn(ev.Channel, ev.Pitch, ev.Velocity)
	case NoteOff:
		r.NoteOff(ev.Channel, ev.Pitch)
	case NoteCC:
		r.CC(ev.Channel, ev.Controller, ev.Value)
	case NoteBend:
		r.PitchBend(ev.Channel, ev.Bend)
	case NoteProgram:
		r.ProgramChange(ev.Channel, ev.Value)
	case NotePanic:
		ra.sweep(r)
	}
}

// sweep releases every pitch on every channel in use. Bounded and
// allocation-free, so it is safe in the audio context.
func (ra *RenderAdapter) sweep(r Renderer) {
	for _, ch := range ra.channels {
		for pitch := 0; pitch < 128; pitch++ {
			r.NoteOff(ch, uint8(pitch))
		}
	}
}
