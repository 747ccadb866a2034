package keysynth

import (
	"fmt"
	"sync"
)

// renderCall is one recorded renderer invocation.
type renderCall struct {
	op       string // "on", "off", "cc", "bend", "program"
	channel  uint8
	pitch    uint8
	velocity uint8
	value    int
}

// MockRenderer records every call for assertions. It satisfies the
// Renderer contract without audio hardware; the time-deterministic
// recording is enough for all pipeline properties.
type MockRenderer struct {
	mu    sync.Mutex
	calls []renderCall

	rendered int
}

func NewMockRenderer() *MockRenderer {
	return &MockRenderer{}
}

func (m *MockRenderer) LoadSoundFont(path string) (int, error) { return 0, nil }

func (m *MockRenderer) ProgramChange(channel, program uint8) {
	m.record(renderCall{op: "program", channel: channel, value: int(program)})
}

func (m *MockRenderer) NoteOn(channel, pitch, velocity uint8) {
	m.record(renderCall{op: "on", channel: channel, pitch: pitch, velocity: velocity})
}

func (m *MockRenderer) NoteOff(channel, pitch uint8) {
	m.record(renderCall{op: "off", channel: channel, pitch: pitch})
}

func (m *MockRenderer) CC(channel, controller, value uint8) {
	m.record(renderCall{op: "cc", channel: channel, pitch: controller, value: int(value)})
}

func (m *MockRenderer) PitchBend(channel uint8, value int16) {
	m.record(renderCall{op: "bend", channel: channel, value: int(value)})
}

func (m *MockRenderer) Render(out []float32) {
	m.mu.Lock()
	m.rendered += len(out) / 2
	m.mu.Unlock()
	for i := range out {
		out[i] = 0
	}
}

func (m *MockRenderer) record(c renderCall) {
	m.mu.Lock()
	m.calls = append(m.calls, c)
	m.mu.Unlock()
}

// Calls returns a copy of the recorded calls.
func (m *MockRenderer) Calls() []renderCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]renderCall(nil), m.calls...)
}

// Reset clears the recording.
func (m *MockRenderer) Reset() {
	m.mu.Lock()
	m.calls = nil
	m.mu.Unlock()
}

// activePitches folds the recording into the set of currently-sounding
// (channel, pitch) pairs.
func (m *MockRenderer) activePitches() map[string]bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	active := make(map[string]bool)
	for _, c := range m.calls {
		key := fmt.Sprintf("%d/%d", c.channel, c.pitch)
		switch c.op {
		case "on":
			active[key] = true
		case "off":
			delete(active, key)
		}
	}
	return active
}

// eventRecorder is a NoteSink capturing bus-bound events for tests that
// exercise the input side without a bus.
type eventRecorder struct {
	events []NoteEvent
}

func (r *eventRecorder) sink(ev NoteEvent) {
	r.events = append(r.events, ev)
}

// byKind filters the recording.
func (r *eventRecorder) byKind(kind NoteKind) []NoteEvent {
	var out []NoteEvent
	for _, ev := range r.events {
		if ev.Kind == kind {
			out = append(out, ev)
		}
	}
	return out
}

// testEngine builds an engine wired to an in-memory recorder, bypassing
// goroutines: tests call handle directly, the way the fan-in loop does.
func testEngine(cfg EngineConfig) (*Engine, *eventRecorder) {
	rec := &eventRecorder{}
	if cfg.SampleRate == 0 {
		cfg.SampleRate = 48000
	}
	e := NewEngine(cfg, DefaultKeyMap(), NewStateCore(), rec.sink, NewFrameClock(), nil)
	return e, rec
}
