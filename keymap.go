package keysynth

import (
	"bytes"
	"fmt"
	"os"

	"github.com/GeoffreyPlitt/debuggo"
	"gopkg.in/yaml.v3"
)

var keymapDebug = debuggo.Debug("keysynth:keymap")

// ControlRole is the non-note function a key can be bound to.
type ControlRole uint8

const (
	ControlNone ControlRole = iota
	ControlSustain
	ControlOctaveUp
	ControlOctaveDown
	ControlTransposeUp
	ControlTransposeDown
	ControlProgramNext
	ControlProgramPrev
	ControlArpCycle
	ControlLayerToggle
	ControlPanic
	ControlModShift
	ControlModCtrl
)

var controlNames = map[string]ControlRole{
	"sustain":        ControlSustain,
	"octave-up":      ControlOctaveUp,
	"octave-down":    ControlOctaveDown,
	"transpose-up":   ControlTransposeUp,
	"transpose-down": ControlTransposeDown,
	"program-next":   ControlProgramNext,
	"program-prev":   ControlProgramPrev,
	"arp-cycle":      ControlArpCycle,
	"layer-toggle":   ControlLayerToggle,
	"panic":          ControlPanic,
	"mod-shift":      ControlModShift,
	"mod-ctrl":       ControlModCtrl,
}

// KeyRow identifies which physical keyboard row a note key sits on, for
// the position velocity source.
type KeyRow uint8

const (
	RowNone KeyRow = iota
	RowBottom
	RowHome
	RowTop
)

// Kernel key codes from linux/input-event-codes.h for the keys the
// default layout uses. Only the codes, not the header, so the package
// stays free of cgo.
const (
	keyEsc        = 1
	key1          = 2
	key2          = 3
	key3          = 4
	key4          = 5
	key5          = 6
	key6          = 7
	key7          = 8
	key8          = 9
	key9          = 10
	key0          = 11
	keyMinus      = 12
	keyEqual      = 13
	keyBackspace  = 14
	keyTab        = 15
	keyQ          = 16
	keyW          = 17
	keyE          = 18
	keyR          = 19
	keyT          = 20
	keyY          = 21
	keyU          = 22
	keyI          = 23
	keyO          = 24
	keyP          = 25
	keyEnter      = 28
	keyLeftCtrl   = 29
	keyA          = 30
	keyS          = 31
	keyD          = 32
	keyF          = 33
	keyG          = 34
	keyH          = 35
	keyJ          = 36
	keyK          = 37
	keyL          = 38
	keySemicolon  = 39
	keyApostrophe = 40
	keyLeftShift  = 42
	keyZ          = 44
	keyX          = 45
	keyC          = 46
	keyV          = 47
	keyB          = 48
	keyN          = 49
	keyM          = 50
	keyComma      = 51
	keyDot        = 52
	keySlash      = 53
	keyRightShift = 54
	keySpace      = 57
	keyCapsLock   = 58
	keyRightCtrl  = 97
	keyUp         = 103
	keyLeft       = 105
	keyRight      = 106
	keyDown       = 108
)

// keyNames maps the names accepted in a keymap file onto kernel codes.
var keyNames = map[string]uint16{
	"esc": keyEsc, "1": key1, "2": key2, "3": key3, "4": key4,
	"5": key5, "6": key6, "7": key7, "8": key8, "9": key9, "0": key0,
	"minus": keyMinus, "equal": keyEqual, "backspace": keyBackspace,
	"tab": keyTab,
	"q":   keyQ, "w": keyW, "e": keyE, "r": keyR, "t": keyT, "y": keyY,
	"u": keyU, "i": keyI, "o": keyO, "p": keyP,
	"enter": keyEnter, "leftctrl": keyLeftCtrl,
	"a": keyA, "s": keyS, "d": keyD, "f": keyF, "g": keyG, "h": keyH,
	"j": keyJ, "k": keyK, "l": keyL,
	"semicolon": keySemicolon, "apostrophe": keyApostrophe,
	"leftshift": keyLeftShift,
	"z":         keyZ, "x": keyX, "c": keyC, "v": keyV, "b": keyB,
	"n": keyN, "m": keyM,
	"comma": keyComma, "dot": keyDot, "slash": keySlash,
	"rightshift": keyRightShift, "space": keySpace,
	"capslock": keyCapsLock, "rightctrl": keyRightCtrl,
	"up": keyUp, "left": keyLeft, "right": keyRight, "down": keyDown,
}

// Pitch offsets must stay inside two octaves either side of the octave
// origin so that any octave setting keeps the full layout inside the
// MIDI range after clamping.
const (
	minPitchOffset = -24
	maxPitchOffset = 24
)

// KeyMap translates scan codes to pitch offsets and control roles.
// MapKey is pure; the tables are built once at startup and never
// mutated afterwards.
type KeyMap struct {
	offsets  map[uint16]int // kernel code -> pitch offset from octave origin
	rows     map[uint16]KeyRow
	controls map[uint16]ControlRole
}

// DefaultKeyMap returns the built-in layout: three overlapping octaves
// across the QWERTY rows (bottom row = bass, home = middle, top =
// treble) with the treble sharps on the number row.
func DefaultKeyMap() *KeyMap {
	m := &KeyMap{
		offsets:  make(map[uint16]int),
		rows:     make(map[uint16]KeyRow),
		controls: make(map[uint16]ControlRole),
	}

	// Bottom row, one octave below the origin.
	bottom := []struct {
		code   uint16
		offset int
	}{
		{keyZ, -12}, {keyX, -10}, {keyC, -8}, {keyV, -7}, {keyB, -5},
		{keyN, -3}, {keyM, -1}, {keyComma, 0}, {keyDot, 2}, {keySlash, 4},
	}
	// Home row, starting at the origin (middle C at the default octave).
	home := []struct {
		code   uint16
		offset int
	}{
		{keyA, 0}, {keyS, 2}, {keyD, 4}, {keyF, 5}, {keyG, 7},
		{keyH, 9}, {keyJ, 11}, {keyK, 12}, {keyL, 14},
		{keySemicolon, 16}, {keyApostrophe, 17},
	}
	// Top row, one octave up. O and P would pass +24 so they stay unmapped.
	top := []struct {
		code   uint16
		offset int
	}{
		{keyQ, 12}, {keyW, 14}, {keyE, 16}, {keyR, 17}, {keyT, 19},
		{keyY, 21}, {keyU, 23}, {keyI, 24},
	}
	// Sharps for the treble row on the number row, black-key pattern.
	sharps := []struct {
		code   uint16
		offset int
	}{
		{key2, 13}, {key3, 15}, {key5, 18}, {key6, 20}, {key7, 22},
	}

	for _, k := range bottom {
		m.offsets[k.code] = k.offset
		m.rows[k.code] = RowBottom
	}
	for _, k := range home {
		m.offsets[k.code] = k.offset
		m.rows[k.code] = RowHome
	}
	for _, k := range top {
		m.offsets[k.code] = k.offset
		m.rows[k.code] = RowTop
	}
	for _, k := range sharps {
		m.offsets[k.code] = k.offset
		m.rows[k.code] = RowTop
	}

	m.controls[keySpace] = ControlSustain
	m.controls[keyUp] = ControlOctaveUp
	m.controls[keyDown] = ControlOctaveDown
	m.controls[keyRight] = ControlProgramNext
	m.controls[keyLeft] = ControlProgramPrev
	m.controls[keyMinus] = ControlTransposeDown
	m.controls[keyEqual] = ControlTransposeUp
	m.controls[keyTab] = ControlArpCycle
	m.controls[keyCapsLock] = ControlLayerToggle
	m.controls[keyEsc] = ControlPanic
	m.controls[keyLeftShift] = ControlModShift
	m.controls[keyRightShift] = ControlModShift
	m.controls[keyLeftCtrl] = ControlModCtrl
	m.controls[keyRightCtrl] = ControlModCtrl

	return m
}

// keymapFile is the on-disk keymap format.
type keymapFile struct {
	Notes    map[string]int    `yaml:"notes"`
	Rows     map[string]string `yaml:"rows"`
	Controls map[string]string `yaml:"controls"`
}

// LoadKeyMap reads a keymap from a YAML file. Unknown key names,
// out-of-range offsets and unknown control roles are startup errors
// naming the offending entry; nothing is silently clamped.
func LoadKeyMap(path string) (*KeyMap, error) {
	keymapDebug("Loading keymap from %s", path)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read keymap file: %w", err)
	}

	var kf keymapFile
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&kf); err != nil {
		return nil, fmt.Errorf("failed to parse keymap file %s: %w", path, err)
	}

	m := &KeyMap{
		offsets:  make(map[uint16]int),
		rows:     make(map[uint16]KeyRow),
		controls: make(map[uint16]ControlRole),
	}

	for name, offset := range kf.Notes {
		code, ok := keyNames[name]
		if !ok {
			return nil, fmt.Errorf("keymap notes: unknown key name %q", name)
		}
		if offset < minPitchOffset || offset > maxPitchOffset {
			return nil, fmt.Errorf("keymap notes: key %q offset %d out of range [%d, %d]",
				name, offset, minPitchOffset, maxPitchOffset)
		}
		m.offsets[code] = offset
	}

	for name, row := range kf.Rows {
		code, ok := keyNames[name]
		if !ok {
			return nil, fmt.Errorf("keymap rows: unknown key name %q", name)
		}
		switch row {
		case "bottom":
			m.rows[code] = RowBottom
		case "home":
			m.rows[code] = RowHome
		case "top":
			m.rows[code] = RowTop
		default:
			return nil, fmt.Errorf("keymap rows: key %q has unknown row %q", name, row)
		}
	}

	for name, role := range kf.Controls {
		code, ok := keyNames[name]
		if !ok {
			return nil, fmt.Errorf("keymap controls: unknown key name %q", name)
		}
		r, ok := controlNames[role]
		if !ok {
			return nil, fmt.Errorf("keymap controls: key %q has unknown role %q", name, role)
		}
		if _, note := m.offsets[code]; note {
			return nil, fmt.Errorf("keymap: key %q is bound to both a note and control %q", name, role)
		}
		m.controls[code] = r
	}

	keymapDebug("Loaded keymap: %d notes, %d controls", len(m.offsets), len(m.controls))
	return m, nil
}

// MapKey translates a scan code to a MIDI pitch under the given octave
// and transpose. The second return is false for unmapped keys and keys
// bound to a control role. The result is clamped to [0, 127].
func (m *KeyMap) MapKey(code uint16, octave, transpose int) (uint8, bool) {
	offset, ok := m.offsets[code]
	if !ok {
		return 0, false
	}

	pitch := 12*octave + offset + transpose
	if pitch < 0 {
		pitch = 0
	}
	if pitch > 127 {
		pitch = 127
	}
	return uint8(pitch), true
}

// Control returns the control role bound to a scan code, ControlNone if
// the key is a note key or unmapped.
func (m *KeyMap) Control(code uint16) ControlRole {
	return m.controls[code]
}

// Row returns the physical row of a note key for the position velocity
// source, RowNone if the key is not a note key.
func (m *KeyMap) Row(code uint16) KeyRow {
	return m.rows[code]
}
