package keysynth

import "testing"

func ms(n int64) int64 { return n * 1e6 }

func timingComputer(curve VelocityCurve) *VelocityComputer {
	return NewVelocityComputer(VelocityConfig{Mode: VelocityTiming, Curve: curve})
}

func TestTimingFirstStrikeUsesBaseline(t *testing.T) {
	vc := timingComputer(CurveLogarithmic)

	info := vc.OnKeyDown(ms(0)+1, RowNone)
	if info.Value != defaultVelocityBaseline {
		t.Errorf("first strike velocity = %d, want %d", info.Value, defaultVelocityBaseline)
	}
	if info.Source != VelocityTiming {
		t.Errorf("source = %v, want timing", info.Source)
	}
}

func TestTimingCurves(t *testing.T) {
	// A 50 ms gap against the default 500 ms window.
	cases := []struct {
		curve VelocityCurve
		want  uint8
	}{
		{CurveLogarithmic, 115},
		{CurveLinear, 117},
		{CurveExponential, 102},
	}

	for _, tc := range cases {
		vc := timingComputer(tc.curve)
		vc.OnKeyDown(ms(1000), RowNone)
		info := vc.OnKeyDown(ms(1050), RowNone)
		if info.Value != tc.want {
			t.Errorf("curve %d: velocity = %d, want %d", tc.curve, info.Value, tc.want)
		}
	}
}

func TestTimingFastNotesAreLouder(t *testing.T) {
	vc := timingComputer(CurveLogarithmic)
	vc.OnKeyDown(ms(0)+1, RowNone)
	second := vc.OnKeyDown(ms(50)+1, RowNone)

	if second.Value <= defaultVelocityBaseline {
		t.Errorf("fast second strike velocity %d not above baseline %d", second.Value, defaultVelocityBaseline)
	}
}

func TestTimingSlowGapHitsFloor(t *testing.T) {
	vc := timingComputer(CurveLogarithmic)
	vc.OnKeyDown(ms(1000), RowNone)
	info := vc.OnKeyDown(ms(5000), RowNone)

	if info.Value != defaultVelocityMin {
		t.Errorf("slow strike velocity = %d, want floor %d", info.Value, defaultVelocityMin)
	}
}

func TestPressureThresholdAndScale(t *testing.T) {
	vc := NewVelocityComputer(VelocityConfig{Mode: VelocityPressure, Curve: CurveLinear})

	vc.ObservePressure(0.04) // below default threshold 0.05
	if info := vc.OnKeyDown(ms(1), RowHome); info.Value != 1 {
		t.Errorf("below-threshold pressure velocity = %d, want 1", info.Value)
	}

	vc.ObservePressure(1.0)
	if info := vc.OnKeyDown(ms(2), RowHome); info.Value != 127 {
		t.Errorf("full pressure velocity = %d, want 127", info.Value)
	}
}

func TestPressureSmoothing(t *testing.T) {
	vc := NewVelocityComputer(VelocityConfig{Mode: VelocityPressure, Curve: CurveLinear, Smoothing: 0.5})

	// Smoothing runs against the previous smoothed value, before the
	// curve: 0.5*0.8 + 0.5*0 = 0.4.
	vc.ObservePressure(0.8)
	info := vc.OnKeyDown(ms(1), RowHome)
	want := clampVelocity(1 + int(0.4*126+0.5))
	if info.Value != want {
		t.Errorf("smoothed pressure velocity = %d, want %d", info.Value, want)
	}
}

func TestPositionRows(t *testing.T) {
	vc := NewVelocityComputer(VelocityConfig{Mode: VelocityPosition})

	cases := []struct {
		row  KeyRow
		want uint8
	}{
		{RowBottom, defaultRowBottom},
		{RowHome, defaultRowHome},
		{RowTop, defaultRowTop},
	}
	for _, tc := range cases {
		if info := vc.OnKeyDown(ms(1), tc.row); info.Value != tc.want {
			t.Errorf("row %d velocity = %d, want %d", tc.row, info.Value, tc.want)
		}
	}
}

func TestPositionModifiers(t *testing.T) {
	vc := NewVelocityComputer(VelocityConfig{Mode: VelocityPosition, Modifiers: true})

	vc.ObserveModifier(ControlModShift, true)
	if info := vc.OnKeyDown(ms(1), RowHome); info.Value != defaultRowHome+modifierVelocityDelta {
		t.Errorf("shift velocity = %d, want %d", info.Value, defaultRowHome+modifierVelocityDelta)
	}
	vc.ObserveModifier(ControlModShift, false)

	vc.ObserveModifier(ControlModCtrl, true)
	if info := vc.OnKeyDown(ms(2), RowHome); info.Value != defaultRowHome-modifierVelocityDelta {
		t.Errorf("ctrl velocity = %d, want %d", info.Value, defaultRowHome-modifierVelocityDelta)
	}

	// Top row plus shift saturates at 127.
	vc.ObserveModifier(ControlModCtrl, false)
	vc.ObserveModifier(ControlModShift, true)
	if info := vc.OnKeyDown(ms(3), RowTop); info.Value != 127 {
		t.Errorf("saturated velocity = %d, want 127", info.Value)
	}
}

func TestCombinedPriority(t *testing.T) {
	vc := NewVelocityComputer(VelocityConfig{Mode: VelocityCombined, Curve: CurveLinear})

	// Touch active with real pressure wins.
	vc.ObserveTouch(true)
	vc.ObservePressure(1.0)
	if info := vc.OnKeyDown(ms(1), RowHome); info.Source != VelocityPressure {
		t.Errorf("source = %v, want pressure", info.Source)
	}

	// Touch gone: position for keys on a row.
	vc.ObserveTouch(false)
	if info := vc.OnKeyDown(ms(2), RowHome); info.Source != VelocityPosition {
		t.Errorf("source = %v, want position", info.Source)
	}

	// No row: timing.
	if info := vc.OnKeyDown(ms(3), RowNone); info.Source != VelocityTiming {
		t.Errorf("source = %v, want timing", info.Source)
	}
}

func TestFixedVelocity(t *testing.T) {
	vc := NewVelocityComputer(VelocityConfig{Mode: VelocityFixed, Fixed: 99})
	if info := vc.OnKeyDown(ms(1), RowHome); info.Value != 99 || info.Source != VelocityFixed {
		t.Errorf("fixed velocity = %d source %v, want 99 fixed", info.Value, info.Source)
	}
}

func TestVelocityNeverZero(t *testing.T) {
	modes := []VelocitySource{VelocityTiming, VelocityPressure, VelocityPosition, VelocityCombined, VelocityFixed}
	for _, mode := range modes {
		vc := NewVelocityComputer(VelocityConfig{Mode: mode})
		vc.ObserveTouch(true)
		vc.ObservePressure(0)
		for i := int64(1); i < 50; i++ {
			info := vc.OnKeyDown(ms(i*7), RowNone)
			if info.Value < 1 || info.Value > 127 {
				t.Fatalf("mode %v emitted velocity %d outside [1, 127]", mode, info.Value)
			}
		}
	}
}
