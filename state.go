package keysynth

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/GeoffreyPlitt/debuggo"
	"gopkg.in/yaml.v3"
)

var stateDebug = debuggo.Debug("keysynth:state")

// Bounds for the performance state. Control events saturate at these
// limits rather than wrap.
const (
	MinOctave    = 0
	MaxOctave    = 8
	MinTranspose = -12
	MaxTranspose = 12

	// DefaultOctave places the home-row origin on middle C.
	DefaultOctave = 5
)

// StateCore is the single source of truth for the performance state:
// octave, transpose, program, layer and arp modes, sustain, and per-key
// last-event times. It is owned by the input fan-in task and mutated
// only between input events; other contexts see derived note events and
// telemetry snapshots, never the struct itself.
type StateCore struct {
	Octave    int
	Transpose int
	Program   uint8

	Layer   Layer
	ArpMode ArpMode

	SustainPressed bool

	// keyEdges backs the ghost-key filter: the last-event time per
	// physical key, plus a deferred release while a chatter burst may
	// still be open.
	keyEdges map[RawKey]keyEdge
}

// keyEdge is the per-key debounce record.
type keyEdge struct {
	lastEdge  int64
	pendingUp bool
	upAt      int64
}

// GhostRelease is a deferred key-up whose chatter burst has closed.
type GhostRelease struct {
	Raw RawKey
	At  int64
}

// NewStateCore returns a state core with defaults applied.
func NewStateCore() *StateCore {
	return &StateCore{
		Octave:   DefaultOctave,
		keyEdges: make(map[RawKey]keyEdge),
	}
}

// OctaveUp raises the octave, saturating at MaxOctave.
func (s *StateCore) OctaveUp() {
	if s.Octave < MaxOctave {
		s.Octave++
	}
}

// OctaveDown lowers the octave, saturating at MinOctave.
func (s *StateCore) OctaveDown() {
	if s.Octave > MinOctave {
		s.Octave--
	}
}

// TransposeUp raises transpose by a semitone, saturating at MaxTranspose.
func (s *StateCore) TransposeUp() {
	if s.Transpose < MaxTranspose {
		s.Transpose++
	}
}

// TransposeDown lowers transpose by a semitone, saturating at MinTranspose.
func (s *StateCore) TransposeDown() {
	if s.Transpose > MinTranspose {
		s.Transpose--
	}
}

// ProgramNext advances the program, wrapping 127 back to 0.
func (s *StateCore) ProgramNext() {
	s.Program = (s.Program + 1) & 0x7F
}

// ProgramPrev steps the program back, wrapping 0 to 127.
func (s *StateCore) ProgramPrev() {
	s.Program = (s.Program + 127) & 0x7F
}

// ghostWindow is the edge-to-edge interval below which alternating
// down/up pairs on one scan code are treated as matrix ghosting.
const ghostWindow = int64(1e6) // 1 ms

// DebounceKey records an edge for raw at time t and decides how the
// ghost-key filter treats it. Edges on one scan code less than the
// window apart are matrix chatter: they are suppressed, but a
// suppressed release is only deferred, not dropped — it comes back
// (flush=true, at its own timestamp) once a later edge proves the
// burst had already closed, so exactly the first down and the last up
// of a burst reach the pipeline. A burst whose last edge is an Up is
// closed by time instead, via FlushGhosts.
func (s *StateCore) DebounceKey(raw RawKey, down bool, t int64) (flushAt int64, flush, suppress bool) {
	edge, seen := s.keyEdges[raw]
	chatter := seen && t-edge.lastEdge < ghostWindow

	if edge.pendingUp && !chatter {
		flushAt, flush = edge.upAt, true
		edge.pendingUp = false
	}

	if chatter {
		suppress = true
		if down {
			// The bounce never really released the key.
			edge.pendingUp = false
		} else {
			edge.pendingUp = true
			edge.upAt = t
		}
	}

	edge.lastEdge = t
	s.keyEdges[raw] = edge
	return flushAt, flush, suppress
}

// PendingGhosts reports whether any deferred release is still waiting
// for its burst to close.
func (s *StateCore) PendingGhosts() bool {
	for _, edge := range s.keyEdges {
		if edge.pendingUp {
			return true
		}
	}
	return false
}

// FlushGhosts appends the deferred releases whose key has been quiet
// for at least the ghost window as of now, clearing them. The release
// keeps the timestamp of the edge that produced it.
func (s *StateCore) FlushGhosts(now int64, buf []GhostRelease) []GhostRelease {
	for raw, edge := range s.keyEdges {
		if edge.pendingUp && now-edge.lastEdge >= ghostWindow {
			buf = append(buf, GhostRelease{Raw: raw, At: edge.upAt})
			edge.pendingUp = false
			s.keyEdges[raw] = edge
		}
	}
	return buf
}

// ForgetDevice drops per-key debounce state for an unplugged device so
// a re-plug starts fresh. Deferred releases vanish with it; the unplug
// path force-releases everything the device held anyway.
func (s *StateCore) ForgetDevice(dev DeviceID) {
	for raw := range s.keyEdges {
		if raw.Device() == dev {
			delete(s.keyEdges, raw)
		}
	}
}

// PersistedState is the slice of StateCore written to the user config
// directory on shutdown and restored on the next start.
type PersistedState struct {
	Program      int      `yaml:"program"`
	Octave       int      `yaml:"octave"`
	ArpMode      string   `yaml:"arp_mode"`
	LayerOn      bool     `yaml:"layer_on"`
	LayerProgram int      `yaml:"layer_program"`
	VelocityMode string   `yaml:"velocity_mode"`
	Favorites    []string `yaml:"soundfont_favorites"`
}

// DefaultStatePath returns the persisted-state location under the user
// config directory.
func DefaultStatePath() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("failed to locate user config directory: %w", err)
	}
	return filepath.Join(dir, "keysynth", "state.yaml"), nil
}

// LoadPersistedState reads a state file. A missing file is not an error;
// it returns nil so the caller falls back to defaults.
func LoadPersistedState(path string) (*PersistedState, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read state file: %w", err)
	}

	var st PersistedState
	if err := yaml.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("failed to parse state file %s: %w", path, err)
	}
	stateDebug("Restored state: program=%d octave=%d arp=%s", st.Program, st.Octave, st.ArpMode)
	return &st, nil
}

// SavePersistedState writes the state file atomically: a temp file in
// the same directory followed by a rename, so a crash mid-write never
// leaves a torn file.
func SavePersistedState(path string, st *PersistedState) error {
	data, err := yaml.Marshal(st)
	if err != nil {
		return fmt.Errorf("failed to encode state: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".state-*.yaml")
	if err != nil {
		return fmt.Errorf("failed to create temp state file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to write state file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to close state file: %w", err)
	}

	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to replace state file: %w", err)
	}

	stateDebug("Saved state to %s", path)
	return nil
}
