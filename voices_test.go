package keysynth

import "testing"

func newTestAllocator(maxPolyphony int) (*VoiceAllocator, *eventRecorder) {
	rec := &eventRecorder{}
	return NewVoiceAllocator(maxPolyphony, rec.sink), rec
}

func TestNoteOnOffRoundTrip(t *testing.T) {
	va, rec := newTestAllocator(8)

	va.NoteOn(60, 100, 0, OriginKeyboard, MakeRawKey(1, keyA), 10)
	va.NoteOff(60, 0, OriginKeyboard, 20)

	if len(rec.events) != 2 {
		t.Fatalf("got %d events, want 2", len(rec.events))
	}
	if rec.events[0].Kind != NoteOn || rec.events[0].Velocity != 100 {
		t.Errorf("unexpected On: %+v", rec.events[0])
	}
	if rec.events[1].Kind != NoteOff || rec.events[1].Pitch != 60 {
		t.Errorf("unexpected Off: %+v", rec.events[1])
	}
	if va.HeldCount() != 0 {
		t.Errorf("held count = %d after release", va.HeldCount())
	}
}

func TestNoteOffIsIdempotent(t *testing.T) {
	va, rec := newTestAllocator(8)

	va.NoteOff(60, 0, OriginKeyboard, 10)
	va.NoteOn(60, 100, 0, OriginKeyboard, 0, 20)
	va.NoteOff(60, 0, OriginKeyboard, 30)
	va.NoteOff(60, 0, OriginKeyboard, 40)

	if got := len(rec.byKind(NoteOff)); got != 1 {
		t.Errorf("got %d Offs, want 1", got)
	}
}

func TestDuplicateStrikeStealsOldVoice(t *testing.T) {
	va, rec := newTestAllocator(8)

	va.NoteOn(60, 100, 0, OriginKeyboard, 0, 10)
	va.NoteOn(60, 110, 0, OriginKeyboard, 0, 20)

	// Exactly one extra Off for the stolen voice, no orphan.
	offs := rec.byKind(NoteOff)
	if len(offs) != 1 || offs[0].Pitch != 60 {
		t.Fatalf("steal emitted %d Offs, want exactly 1 for pitch 60", len(offs))
	}
	if got := len(rec.byKind(NoteOn)); got != 2 {
		t.Errorf("got %d Ons, want 2", got)
	}
	if va.ActiveVoices() != 1 {
		t.Errorf("active voices = %d, want 1", va.ActiveVoices())
	}
}

func TestPolyphonyCapEvictsEarliest(t *testing.T) {
	va, rec := newTestAllocator(4)

	pitches := []uint8{60, 62, 64, 65, 67}
	for i, p := range pitches {
		va.NoteOn(p, 100, 0, OriginKeyboard, 0, int64(10+i))
	}

	if va.ActiveVoices() != 4 {
		t.Fatalf("active voices = %d, want 4", va.ActiveVoices())
	}

	// Five Ons on the bus; the earliest-struck voice evicted with
	// exactly one renderer-level Off.
	if got := len(rec.byKind(NoteOn)); got != 5 {
		t.Errorf("got %d Ons, want 5", got)
	}
	offs := rec.byKind(NoteOff)
	if len(offs) != 1 || offs[0].Pitch != 60 {
		t.Fatalf("eviction Offs = %v, want one for pitch 60", offs)
	}
}

func TestVictimPolicyPrefersReleasedVoices(t *testing.T) {
	va, rec := newTestAllocator(2)

	va.NoteOn(60, 100, 0, OriginKeyboard, 0, 10)
	va.NoteOn(62, 100, 0, OriginKeyboard, 0, 20)
	va.NoteOff(62, 0, OriginKeyboard, 30) // released, tail still sounding

	rec.events = nil
	va.NoteOn(64, 100, 0, OriginKeyboard, 0, 40)

	// The released voice is recycled silently (its Off already went
	// out); the held 60 survives.
	if got := len(rec.byKind(NoteOff)); got != 0 {
		t.Errorf("eviction of a released voice emitted %d extra Offs", got)
	}
	if va.HeldCount() != 2 {
		t.Errorf("held count = %d, want 2", va.HeldCount())
	}
}

func TestSustainDefersRelease(t *testing.T) {
	va, rec := newTestAllocator(8)

	va.NoteOn(60, 100, 0, OriginKeyboard, 0, 0)
	va.Sustain(true, 10)
	va.NoteOff(60, 0, OriginKeyboard, 50)

	if got := len(rec.byKind(NoteOff)); got != 0 {
		t.Fatalf("Off forwarded despite sustain")
	}

	va.Sustain(false, 200)
	offs := rec.byKind(NoteOff)
	if len(offs) != 1 || offs[0].Time != 200 {
		t.Fatalf("sustain-off released %d notes at %v, want 1 at t=200", len(offs), offs)
	}
}

func TestSustainIdempotence(t *testing.T) {
	va, _ := newTestAllocator(8)

	va.NoteOn(60, 100, 0, OriginKeyboard, 0, 0)
	before := va.HeldCount()

	for i := 0; i < 10; i++ {
		va.Sustain(true, int64(10+i))
		va.Sustain(false, int64(20+i))
	}

	if va.HeldCount() != before {
		t.Errorf("held set changed across idle pedal cycles: %d -> %d", before, va.HeldCount())
	}
}

func TestReleaseDeviceIgnoresSustain(t *testing.T) {
	va, rec := newTestAllocator(8)

	kbd := DeviceID(3)
	va.NoteOn(60, 100, 0, OriginKeyboard, MakeRawKey(kbd, keyA), 0)
	va.NoteOn(64, 100, 0, OriginKeyboard, MakeRawKey(kbd, keyS), 10)
	va.NoteOn(67, 100, 0, OriginKeyboard, MakeRawKey(9, keyD), 15)
	va.Sustain(true, 18)

	va.ReleaseDevice(kbd, 20)

	offs := rec.byKind(NoteOff)
	if len(offs) != 2 {
		t.Fatalf("got %d Offs, want 2", len(offs))
	}
	if va.HeldCount() != 1 {
		t.Errorf("held count = %d, want 1 (the other device's note)", va.HeldCount())
	}
}

func TestPanicClearsEverything(t *testing.T) {
	va, rec := newTestAllocator(8)

	va.NoteOn(60, 100, 0, OriginKeyboard, 0, 0)
	va.NoteOn(64, 100, 1, OriginLayer, 0, 5)
	va.Sustain(true, 8)

	va.Panic(10)

	if va.ActiveVoices() != 0 || va.HeldCount() != 0 {
		t.Errorf("voices=%d held=%d after panic", va.ActiveVoices(), va.HeldCount())
	}
	if va.SustainOn() {
		t.Error("sustain survived panic")
	}
	panics := rec.byKind(NotePanic)
	if len(panics) != 1 {
		t.Errorf("got %d Panic events, want 1", len(panics))
	}
}

func TestVoiceCountNeverExceedsCap(t *testing.T) {
	va, _ := newTestAllocator(4)

	for i := 0; i < 100; i++ {
		va.NoteOn(uint8(i%48+30), uint8(i%126+1), 0, OriginKeyboard, 0, int64(i))
		if va.ActiveVoices() > va.MaxPolyphony() {
			t.Fatalf("voices %d exceeded cap %d", va.ActiveVoices(), va.MaxPolyphony())
		}
	}
}

func TestHeldByDeviceAndForceOff(t *testing.T) {
	va, rec := newTestAllocator(8)

	kbd := DeviceID(2)
	va.NoteOn(60, 100, 0, OriginKeyboard, MakeRawKey(kbd, keyA), 0)
	va.NoteOn(60, 100, 1, OriginLayer, 0, 0)
	va.Sustain(true, 5)

	held := va.HeldByDevice(kbd, nil)
	if len(held) != 1 || held[0] != 60 {
		t.Fatalf("HeldByDevice = %v, want [60]", held)
	}

	va.ForceOff(60, 0, 10)
	va.ForceOff(60, 1, 10)
	va.ForceOff(60, 1, 10) // idempotent

	if got := len(rec.byKind(NoteOff)); got != 2 {
		t.Errorf("got %d Offs, want 2", got)
	}
	if va.HeldCount() != 0 {
		t.Errorf("held count = %d, want 0", va.HeldCount())
	}
}
