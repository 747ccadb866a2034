package keysynth

import (
	"os"
	"sync/atomic"

	"github.com/GeoffreyPlitt/debuggo"
)

var midiDebug = debuggo.Debug("keysynth:midiin")

// MidiReader reads a raw MIDI byte stream from a kernel rawmidi device
// node and emits InputMidi events. The parser handles running status
// and skips sysex and realtime bytes the pipeline has no use for.
type MidiReader struct {
	id   DeviceID
	path string
	f    *os.File
	out  chan<- InputEvent

	stopping atomic.Bool
	errCount atomic.Uint64

	// Parser state: current running status, accumulated data bytes.
	status  byte
	data    [2]byte
	have    int
	inSysex bool

	buf [batchSize]byte
}

// newMidiReader opens the rawmidi node for reading.
func newMidiReader(id DeviceID, path string, out chan<- InputEvent) (*MidiReader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	midiDebug("Opened MIDI device %s (id=%d)", path, id)
	return &MidiReader{id: id, path: path, f: f, out: out}, nil
}

// ID returns the reader's device ID.
func (m *MidiReader) ID() DeviceID { return m.id }

// Class returns ClassMidi.
func (m *MidiReader) Class() DeviceClass { return ClassMidi }

// Path returns the device node path.
func (m *MidiReader) Path() string { return m.path }

// Errors returns the transient error count.
func (m *MidiReader) Errors() uint64 { return m.errCount.Load() }

// Stop closes the stream, waking the blocked read.
func (m *MidiReader) Stop() {
	if m.stopping.Swap(true) {
		return
	}
	m.f.Close()
}

// run reads and parses until Stop or a terminal error.
func (m *MidiReader) run() {
	for {
		n, err := m.f.Read(m.buf[:])
		t := monotonicNow()

		if err != nil {
			if m.stopping.Load() {
				return
			}
			midiDebug("MIDI device %s read failed: %v", m.path, err)
			m.out <- InputEvent{Kind: InputDeviceGone, Device: m.id, Time: t}
			m.f.Close()
			return
		}

		for _, b := range m.buf[:n] {
			if ev, ok := m.feed(b, t); ok {
				m.out <- ev
			}
		}
	}
}

// feed advances the stream parser by one byte, returning a complete
// message when one closes.
func (m *MidiReader) feed(b byte, t int64) (InputEvent, bool) {
	switch {
	case b >= 0xF8:
		// System realtime; may appear mid-message, never alters state.
		return InputEvent{}, false

	case b == 0xF0:
		m.inSysex = true
		m.status = 0
		m.have = 0
		return InputEvent{}, false

	case b == 0xF7:
		m.inSysex = false
		return InputEvent{}, false

	case b >= 0x80:
		if b >= 0xF0 {
			// Other system common messages reset running status.
			m.status = 0
			m.have = 0
			return InputEvent{}, false
		}
		m.status = b
		m.have = 0
		return InputEvent{}, false

	default:
		if m.inSysex || m.status == 0 {
			return InputEvent{}, false
		}
		m.data[m.have] = b
		m.have++
		if m.have < midiDataBytes(m.status) {
			return InputEvent{}, false
		}
		ev := InputEvent{
			Kind:   InputMidi,
			Status: m.status,
			Data1:  m.data[0],
			Device: m.id,
			Time:   t,
		}
		if midiDataBytes(m.status) == 2 {
			ev.Data2 = m.data[1]
		}
		m.have = 0 // running status persists for the next message
		return ev, true
	}
}

// midiDataBytes returns the data-byte count for a channel voice status.
func midiDataBytes(status byte) int {
	switch status & 0xF0 {
	case 0xC0, 0xD0:
		return 1
	default:
		return 2
	}
}
