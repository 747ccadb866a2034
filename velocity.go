package keysynth

import (
	"math"

	"github.com/GeoffreyPlitt/debuggo"
)

var velocityDebug = debuggo.Debug("keysynth:velocity")

// VelocitySource selects how strike velocity is computed.
type VelocitySource uint8

const (
	VelocityTiming VelocitySource = iota + 1
	VelocityPressure
	VelocityPosition
	VelocityCombined
	VelocityFixed
)

// String returns the source name used in config files and telemetry.
func (s VelocitySource) String() string {
	switch s {
	case VelocityTiming:
		return "timing"
	case VelocityPressure:
		return "pressure"
	case VelocityPosition:
		return "position"
	case VelocityCombined:
		return "combined"
	case VelocityFixed:
		return "fixed"
	default:
		return "unknown"
	}
}

// ParseVelocitySource parses a config/CLI velocity mode name.
func ParseVelocitySource(name string) (VelocitySource, bool) {
	switch name {
	case "timing":
		return VelocityTiming, true
	case "pressure":
		return VelocityPressure, true
	case "position":
		return VelocityPosition, true
	case "combined":
		return VelocityCombined, true
	case "fixed":
		return VelocityFixed, true
	default:
		return 0, false
	}
}

// VelocityCurve shapes the timing gap or pressure value before scaling.
type VelocityCurve uint8

const (
	CurveLinear VelocityCurve = iota + 1
	CurveLogarithmic
	CurveExponential
)

// ParseVelocityCurve parses a config curve name.
func ParseVelocityCurve(name string) (VelocityCurve, bool) {
	switch name {
	case "linear":
		return CurveLinear, true
	case "logarithmic", "log":
		return CurveLogarithmic, true
	case "exponential", "exp":
		return CurveExponential, true
	default:
		return 0, false
	}
}

// VelocityInfo is the computed strike velocity and the source that
// actually produced it (relevant in combined mode).
type VelocityInfo struct {
	Value  uint8
	Source VelocitySource
}

// VelocityConfig carries the tunables for all sources. Zero values are
// replaced by defaults in NewVelocityComputer.
type VelocityConfig struct {
	Mode  VelocitySource
	Curve VelocityCurve

	// Timing source.
	Window   float64 // seconds; gap at or beyond this maps to MinValue (linear, log) or e^-3 above it (exponential)
	MinValue uint8
	MaxValue uint8
	Baseline uint8 // first strike, when there is no previous gap

	// Pressure source.
	Threshold float64 // normalized pressure below this reads as 0
	Smoothing float64 // 0 disables; otherwise p' = (1-a)*p + a*prev

	// Position source.
	RowBottom uint8
	RowHome   uint8
	RowTop    uint8
	Modifiers bool // Shift/Ctrl add +/-20 when true

	// Fixed source.
	Fixed uint8
}

// Defaults for VelocityConfig zero values.
const (
	defaultVelocityWindow    = 0.5
	defaultVelocityMin       = 30
	defaultVelocityMax       = 127
	defaultVelocityBaseline  = 80
	defaultPressureThreshold = 0.05
	defaultRowBottom         = 40
	defaultRowHome           = 80
	defaultRowTop            = 110
	modifierVelocityDelta    = 20

	// Gaps are clamped below to one millisecond so the curve input
	// never reaches zero.
	minTimingGap = 0.001
)

// VelocityComputer produces a 1..127 velocity for each key strike. It is
// owned by the input fan-in task; Observe* feed it axis and modifier
// state between strikes.
type VelocityComputer struct {
	cfg VelocityConfig

	lastStrike  int64 // monotonic ns of the previous KeyDown, 0 if none
	pressure    float64
	smoothed    float64
	touchActive bool
	shiftDown   bool
	ctrlDown    bool
}

// NewVelocityComputer fills config defaults and returns a computer.
func NewVelocityComputer(cfg VelocityConfig) *VelocityComputer {
	if cfg.Mode == 0 {
		cfg.Mode = VelocityCombined
	}
	if cfg.Curve == 0 {
		cfg.Curve = CurveLogarithmic
	}
	if cfg.Window == 0 {
		cfg.Window = defaultVelocityWindow
	}
	if cfg.MinValue == 0 {
		cfg.MinValue = defaultVelocityMin
	}
	if cfg.MaxValue == 0 {
		cfg.MaxValue = defaultVelocityMax
	}
	if cfg.Baseline == 0 {
		cfg.Baseline = defaultVelocityBaseline
	}
	if cfg.Threshold == 0 {
		cfg.Threshold = defaultPressureThreshold
	}
	if cfg.RowBottom == 0 {
		cfg.RowBottom = defaultRowBottom
	}
	if cfg.RowHome == 0 {
		cfg.RowHome = defaultRowHome
	}
	if cfg.RowTop == 0 {
		cfg.RowTop = defaultRowTop
	}
	if cfg.Fixed == 0 {
		cfg.Fixed = defaultVelocityBaseline
	}
	return &VelocityComputer{cfg: cfg}
}

// ObservePressure records the latest normalized touchpad pressure.
// Smoothing happens against the previously returned pressure, before
// the curve is applied at strike time.
func (vc *VelocityComputer) ObservePressure(p float64) {
	if p < vc.cfg.Threshold {
		p = 0
	}
	vc.pressure = p
	if vc.cfg.Smoothing > 0 {
		a := vc.cfg.Smoothing
		vc.smoothed = (1-a)*p + a*vc.smoothed
	} else {
		vc.smoothed = p
	}
}

// ObserveTouch records whether a touchpad touch is active.
func (vc *VelocityComputer) ObserveTouch(on bool) {
	vc.touchActive = on
	if !on {
		vc.pressure = 0
		vc.smoothed = 0
	}
}

// ObserveModifier records Shift/Ctrl state for the position source.
func (vc *VelocityComputer) ObserveModifier(role ControlRole, down bool) {
	switch role {
	case ControlModShift:
		vc.shiftDown = down
	case ControlModCtrl:
		vc.ctrlDown = down
	}
}

// OnKeyDown computes the velocity for a strike at monotonic time t on a
// key belonging to row. The source selection in combined mode is made
// fresh at every strike; there is no interpolation within a note.
func (vc *VelocityComputer) OnKeyDown(t int64, row KeyRow) VelocityInfo {
	defer func() { vc.lastStrike = t }()

	switch vc.cfg.Mode {
	case VelocityTiming:
		return VelocityInfo{vc.timing(t), VelocityTiming}
	case VelocityPressure:
		return VelocityInfo{vc.pressureValue(), VelocityPressure}
	case VelocityPosition:
		return VelocityInfo{vc.position(row), VelocityPosition}
	case VelocityFixed:
		return VelocityInfo{clampVelocity(int(vc.cfg.Fixed)), VelocityFixed}
	default: // VelocityCombined: pressure > position > timing
		if vc.touchActive && vc.pressure >= vc.cfg.Threshold {
			return VelocityInfo{vc.pressureValue(), VelocityPressure}
		}
		if row != RowNone {
			return VelocityInfo{vc.position(row), VelocityPosition}
		}
		return VelocityInfo{vc.timing(t), VelocityTiming}
	}
}

// timing maps the gap since the previous strike onto [MinValue, MaxValue].
func (vc *VelocityComputer) timing(t int64) uint8 {
	if vc.lastStrike == 0 {
		return clampVelocity(int(vc.cfg.Baseline))
	}

	gap := float64(t-vc.lastStrike) / 1e9
	w := vc.cfg.Window
	if gap < minTimingGap {
		gap = minTimingGap
	}
	if gap > w {
		gap = w
	}

	var v float64
	switch vc.cfg.Curve {
	case CurveLinear:
		v = 1 - gap/w
	case CurveExponential:
		v = math.Exp(-3 * gap / w)
	default: // CurveLogarithmic
		v = 1 - math.Log(1+gap)/math.Log(1+w)
	}

	value := float64(vc.cfg.MinValue) + v*float64(vc.cfg.MaxValue-vc.cfg.MinValue)
	velocityDebug("timing gap=%.3fs -> %d", gap, clampVelocity(int(math.Round(value))))
	return clampVelocity(int(math.Round(value)))
}

// pressureValue maps the current (smoothed) pressure onto [1, 127].
func (vc *VelocityComputer) pressureValue() uint8 {
	p := vc.smoothed
	if p <= 0 {
		return 1
	}
	if p > 1 {
		p = 1
	}

	var v float64
	switch vc.cfg.Curve {
	case CurveLinear:
		v = p
	case CurveExponential:
		v = (1 - math.Exp(-3*p)) / (1 - math.Exp(-3))
	default: // CurveLogarithmic
		v = math.Log(1+9*p) / math.Log(10)
	}

	return clampVelocity(int(math.Round(1 + v*126)))
}

// position returns the per-row constant, with the modifier bonus when
// enabled: Shift raises, Ctrl lowers.
func (vc *VelocityComputer) position(row KeyRow) uint8 {
	var base int
	switch row {
	case RowBottom:
		base = int(vc.cfg.RowBottom)
	case RowHome:
		base = int(vc.cfg.RowHome)
	case RowTop:
		base = int(vc.cfg.RowTop)
	default:
		base = int(vc.cfg.Baseline)
	}

	if vc.cfg.Modifiers {
		if vc.shiftDown {
			base += modifierVelocityDelta
		}
		if vc.ctrlDown {
			base -= modifierVelocityDelta
		}
	}
	return clampVelocity(base)
}

// clampVelocity forces a value into the [1, 127] range every emitted On
// event must satisfy.
func clampVelocity(v int) uint8 {
	if v < 1 {
		return 1
	}
	if v > 127 {
		return 127
	}
	return uint8(v)
}
