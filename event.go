package keysynth

// DeviceID identifies one attached input device for the lifetime of its
// reader. A re-plugged device gets a fresh ID.
type DeviceID uint16

// DeviceClass is the result of capability classification.
type DeviceClass uint8

const (
	ClassIgnored DeviceClass = iota
	ClassKeyboard
	ClassTouchpad
	ClassMidi
)

// String returns the class name used in logs and telemetry.
func (c DeviceClass) String() string {
	switch c {
	case ClassKeyboard:
		return "keyboard"
	case ClassTouchpad:
		return "touchpad"
	case ClassMidi:
		return "midi"
	default:
		return "ignored"
	}
}

// RawKey is an opaque scan-code identifier. The owning device ID is packed
// into the high bits so a key-up finds its held note without a scan and a
// device removal can match all of its keys with a mask.
type RawKey uint32

// MakeRawKey packs a device ID and a kernel key code into a RawKey.
func MakeRawKey(dev DeviceID, code uint16) RawKey {
	return RawKey(uint32(dev)<<16 | uint32(code))
}

// Device returns the device the key belongs to.
func (r RawKey) Device() DeviceID {
	return DeviceID(r >> 16)
}

// Code returns the device-specific scan code.
func (r RawKey) Code() uint16 {
	return uint16(r)
}

// Axis identifies a touchpad axis sample.
type Axis uint8

const (
	AxisX Axis = iota
	AxisY
	AxisPressure
)

// InputKind tags an InputEvent variant.
type InputKind uint8

const (
	InputKeyDown InputKind = iota + 1
	InputKeyUp
	InputAxis
	InputTouch
	InputMidi
	InputDeviceGone
)

// InputEvent is one normalized sample from a device reader. Only the
// fields relevant to Kind are meaningful; the struct is value-typed so
// events can cross goroutine boundaries without sharing memory.
type InputEvent struct {
	Kind InputKind

	Raw RawKey // KeyDown, KeyUp

	Axis  Axis    // Axis
	Value float64 // Axis: normalized [0,1]

	TouchOn bool // Touch

	Status byte // Midi: status byte including channel
	Data1  byte // Midi
	Data2  byte // Midi

	Device DeviceID // DeviceGone and all others

	// Time is a monotonic nanosecond count captured as close to the
	// kernel event as possible.
	Time int64
}

// Origin is the logical source of a note event. The renderer never looks
// at it; it is retained for telemetry and double-trigger suppression.
type Origin uint8

const (
	OriginKeyboard Origin = iota + 1
	OriginMidiIn
	OriginArp
	OriginLayer
)

// String returns the origin name used in telemetry.
func (o Origin) String() string {
	switch o {
	case OriginKeyboard:
		return "keyboard"
	case OriginMidiIn:
		return "midi-in"
	case OriginArp:
		return "arp"
	case OriginLayer:
		return "layer"
	default:
		return "unknown"
	}
}

// NoteKind tags a NoteEvent variant.
type NoteKind uint8

const (
	NoteOn NoteKind = iota + 1
	NoteOff
	NoteCC
	NoteBend
	NoteProgram
	NotePanic
)

// Standard MIDI controller numbers the pipeline cares about.
const (
	CCVolume  = 7
	CCSustain = 64
)

// NoteEvent is the realtime bus payload. Velocity in every On event lies
// in [1,127]; a 0-velocity note-on would be ambiguous with note-off in
// the MIDI convention the renderer consumes.
type NoteEvent struct {
	Kind NoteKind

	Pitch    uint8 // On, Off
	Velocity uint8 // On
	Channel  uint8 // On, Off, CC, Bend

	Controller uint8 // CC
	Value      uint8 // CC; Program: the program number

	Bend int16 // Bend: [-8192, +8191]

	Origin Origin
	Time   int64
}

// midiStatusKind maps a raw MIDI status nibble onto a NoteKind, returning
// false for messages the pipeline does not carry.
func midiStatusKind(status byte) (NoteKind, bool) {
	switch status & 0xF0 {
	case 0x90:
		return NoteOn, true
	case 0x80:
		return NoteOff, true
	case 0xB0:
		return NoteCC, true
	case 0xE0:
		return NoteBend, true
	default:
		return 0, false
	}
}
