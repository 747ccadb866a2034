package keysynth

import "testing"

const arpTestRate = 48000

func newTestArp(mode ArpMode) (*Arpeggiator, *eventRecorder) {
	rec := &eventRecorder{}
	a := NewArpeggiator(arpTestRate, 1)
	a.SetMode(mode, 0, rec.sink)
	return a, rec
}

// advanceBuffers walks the arp clock forward the way the audio callback
// does, one buffer at a time.
func advanceBuffers(a *Arpeggiator, rec *eventRecorder, totalFrames, bufferFrames int) {
	for done := 0; done < totalFrames; done += bufferFrames {
		a.Advance(bufferFrames, int64(done), rec.sink)
	}
}

func onPitches(rec *eventRecorder) []uint8 {
	var out []uint8
	for _, ev := range rec.byKind(NoteOn) {
		out = append(out, ev.Pitch)
	}
	return out
}

func TestArpUpSequence(t *testing.T) {
	a, rec := newTestArp(ArpUp)

	// C, E, G held at 120 BPM sixteenths: ticks every 6000 frames, the
	// first on the opening buffer, so 44800 frames hold eight of them
	// (t = 0 … 875 ms).
	a.KeyHeld(60, 100)
	a.KeyHeld(64, 100)
	a.KeyHeld(67, 100)

	advanceBuffers(a, rec, 44800, 256)

	want := []uint8{60, 64, 67, 60, 64, 67, 60, 64}
	got := onPitches(rec)
	if len(got) != len(want) {
		t.Fatalf("got %d Ons (%v), want %d", len(got), got, len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("tick %d: pitch %d, want %d (sequence %v)", i, got[i], want[i], got)
		}
	}

	// Every On after the first is preceded by the Off of the previous
	// arp note.
	var prev int = -1
	for _, ev := range rec.events {
		switch ev.Kind {
		case NoteOn:
			if prev != -1 {
				t.Fatalf("On for %d arrived while %d still sounding", ev.Pitch, prev)
			}
			prev = int(ev.Pitch)
		case NoteOff:
			if int(ev.Pitch) != prev {
				t.Fatalf("Off for %d, but %d was sounding", ev.Pitch, prev)
			}
			prev = -1
		}
	}
}

func TestArpUpOrderingProperty(t *testing.T) {
	a, rec := newTestArp(ArpUp)
	a.KeyHeld(50, 100)
	a.KeyHeld(55, 100)
	a.KeyHeld(59, 100)
	a.KeyHeld(62, 100)

	advanceBuffers(a, rec, 4*arpTestRate, 512)

	// Monotonically non-decreasing modulo wrap.
	ons := onPitches(rec)
	for i := 1; i < len(ons); i++ {
		if ons[i] <= ons[i-1] && ons[i] != 50 {
			t.Fatalf("UP broke ordering at %d: %v", i, ons[:i+1])
		}
	}
}

func TestArpDownSequence(t *testing.T) {
	a, rec := newTestArp(ArpDown)
	a.KeyHeld(60, 100)
	a.KeyHeld(64, 100)
	a.KeyHeld(67, 100)

	advanceBuffers(a, rec, arpTestRate/2, 256)

	want := []uint8{67, 64, 60, 67}
	got := onPitches(rec)
	if len(got) < len(want) {
		t.Fatalf("got %v, want prefix %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("tick %d: pitch %d, want %d", i, got[i], want[i])
		}
	}
}

func TestArpUpDownDoesNotRepeatEndpoints(t *testing.T) {
	a, rec := newTestArp(ArpUpDown)
	a.KeyHeld(60, 100)
	a.KeyHeld(64, 100)
	a.KeyHeld(67, 100)

	advanceBuffers(a, rec, 44800, 256)

	want := []uint8{60, 64, 67, 64, 60, 64, 67, 64}
	got := onPitches(rec)
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("tick %d: pitch %d, want %d (sequence %v)", i, got[i], want[i], got)
		}
	}
}

func TestArpRandomNeverRepeatsImmediately(t *testing.T) {
	a, rec := newTestArp(ArpRandom)
	a.KeyHeld(60, 100)
	a.KeyHeld(64, 100)
	a.KeyHeld(67, 100)

	advanceBuffers(a, rec, 8*arpTestRate, 512)

	ons := onPitches(rec)
	if len(ons) < 32 {
		t.Fatalf("only %d ticks fired", len(ons))
	}
	for i := 1; i < len(ons); i++ {
		if ons[i] == ons[i-1] {
			t.Fatalf("immediate repeat of %d at tick %d", ons[i], i)
		}
	}
}

func TestArpSingleHeldPitchMayRepeat(t *testing.T) {
	a, rec := newTestArp(ArpRandom)
	a.KeyHeld(60, 100)

	advanceBuffers(a, rec, arpTestRate/2, 256)

	for _, p := range onPitches(rec) {
		if p != 60 {
			t.Fatalf("arp invented pitch %d", p)
		}
	}
	if len(rec.byKind(NoteOn)) == 0 {
		t.Fatal("a lone held pitch produced no ticks")
	}
}

func TestArpReleasesSoundingNoteWhenSetEmpties(t *testing.T) {
	a, rec := newTestArp(ArpUp)
	a.KeyHeld(60, 100)

	a.Advance(256, 0, rec.sink)
	if len(rec.byKind(NoteOn)) != 1 {
		t.Fatalf("expected one tick, got %d", len(rec.byKind(NoteOn)))
	}

	a.KeyReleased(60, 100, rec.sink)
	offs := rec.byKind(NoteOff)
	if len(offs) != 1 || offs[0].Pitch != 60 {
		t.Fatalf("sounding note not released on empty set: %v", offs)
	}

	// Nothing further once empty.
	a.Advance(48000, 200, rec.sink)
	if len(rec.byKind(NoteOn)) != 1 {
		t.Error("arp ticked with an empty held set")
	}
}

func TestArpOffReleasesAndClears(t *testing.T) {
	a, rec := newTestArp(ArpUp)
	a.KeyHeld(60, 100)
	a.Advance(256, 0, rec.sink)

	a.SetMode(ArpOff, 10, rec.sink)

	if len(rec.byKind(NoteOff)) != 1 {
		t.Error("sounding note survived mode off")
	}
	if len(a.Held()) != 0 {
		t.Error("held set survived mode off")
	}
}

func TestArpCycleOrder(t *testing.T) {
	a, rec := newTestArp(ArpOff)

	want := []ArpMode{ArpUp, ArpDown, ArpUpDown, ArpRandom, ArpOff}
	for _, mode := range want {
		if got := a.Cycle(0, rec.sink); got != mode {
			t.Fatalf("cycle = %v, want %v", got, mode)
		}
	}
}

func TestArpEventsCarryArpOrigin(t *testing.T) {
	a, rec := newTestArp(ArpUp)
	a.KeyHeld(60, 90)
	a.Advance(256, 0, rec.sink)

	ons := rec.byKind(NoteOn)
	if len(ons) != 1 || ons[0].Origin != OriginArp || ons[0].Velocity != 90 {
		t.Fatalf("unexpected arp event: %+v", ons)
	}
}
