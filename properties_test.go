package keysynth

import (
	"fmt"
	"testing"

	"pgregory.net/rapid"
)

// TestPipelineProperties drives the fan-in engine with arbitrary event
// sequences and checks the invariants that must hold for any input:
// velocities stay in [1, 127], the voice count never passes the cap, no
// pitch is held twice on one channel, and once everything is released
// every On has found exactly one Off.
func TestPipelineProperties(t *testing.T) {
	noteKeys := []uint16{keyZ, keyX, keyC, keyA, keyS, keyD, keyQ, keyW, key2}
	controlKeys := []uint16{keySpace, keyUp, keyDown, keyTab, keyCapsLock, keyMinus, keyEqual}

	rapid.Check(t, func(t *rapid.T) {
		e, rec := testEngine(EngineConfig{Velocity: VelocityConfig{Mode: VelocityTiming}})
		e.SetAllocator(NewVoiceAllocator(4, rec.sink))

		now := int64(1e7)
		steps := rapid.IntRange(1, 300).Draw(t, "steps")

		for i := 0; i < steps; i++ {
			now += rapid.Int64Range(0, 30e6).Draw(t, "gap")

			var code uint16
			if rapid.Bool().Draw(t, "note_key") {
				code = rapid.SampledFrom(noteKeys).Draw(t, "note")
			} else {
				code = rapid.SampledFrom(controlKeys).Draw(t, "control")
			}

			kind := InputKeyUp
			if rapid.Bool().Draw(t, "down") {
				kind = InputKeyDown
			}
			e.handle(keyEvent(kind, 1, code, now))

			// Occasionally let the arp clock run.
			if rapid.IntRange(0, 9).Draw(t, "tick") == 0 {
				e.arp.Advance(rapid.IntRange(0, 20000).Draw(t, "frames"), now, e.arpSink)
			}

			if e.va.ActiveVoices() > e.va.MaxPolyphony() {
				t.Fatalf("voice count %d exceeded cap %d", e.va.ActiveVoices(), e.va.MaxPolyphony())
			}
		}

		// Tear everything down: keys gone, pedal up, device removed.
		now += ms(10)
		e.handle(keyEvent(InputKeyUp, 1, keySpace, now))
		now += ms(10)
		e.handle(InputEvent{Kind: InputDeviceGone, Device: 1, Time: now})

		if e.va.HeldCount() != 0 {
			t.Fatalf("%d held notes after full teardown", e.va.HeldCount())
		}

		checkEventInvariants(t, rec.events)
	})
}

// checkEventInvariants validates the recorded bus traffic: velocity
// bounds, no double-held pitches, and On/Off pairing (a Panic clears
// the board like a matched release for everything sounding).
func checkEventInvariants(t *rapid.T, events []NoteEvent) {
	live := make(map[string]int)

	for _, ev := range events {
		key := fmt.Sprintf("%d/%d", ev.Channel, ev.Pitch)
		switch ev.Kind {
		case NoteOn:
			if ev.Velocity < 1 || ev.Velocity > 127 {
				t.Fatalf("On with velocity %d outside [1, 127]", ev.Velocity)
			}
			if live[key] > 0 {
				t.Fatalf("pitch %s struck while already live without an intervening Off", key)
			}
			live[key]++
		case NoteOff:
			// Extra Offs are legal (idempotent release, steals), going
			// negative is not tracked as live.
			if live[key] > 0 {
				live[key]--
			}
		case NotePanic:
			live = make(map[string]int)
		}
	}

	for key, n := range live {
		if n != 0 {
			t.Fatalf("pitch %s left sounding at shutdown (%d unmatched Ons)", key, n)
		}
	}
}

// TestSustainPropertyIdempotence is property 6: pumping the pedal with
// no intervening notes never changes the held set.
func TestSustainPropertyIdempotence(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		e, _ := timingEngine()

		now := int64(1e7)
		if rapid.Bool().Draw(t, "hold_note") {
			e.handle(keyEvent(InputKeyDown, 1, keyA, now))
		}

		before := e.va.HeldCount()
		pumps := rapid.IntRange(1, 10).Draw(t, "pumps")
		for i := 0; i < pumps; i++ {
			now += ms(5)
			e.handle(keyEvent(InputKeyDown, 1, keySpace, now))
			now += ms(5)
			e.handle(keyEvent(InputKeyUp, 1, keySpace, now))
		}

		if e.va.HeldCount() != before {
			t.Fatalf("held set changed %d -> %d across %d pedal pumps", before, e.va.HeldCount(), pumps)
		}
	})
}

// TestHotplugPropertyIdempotence is property 7: an unplug/replug cycle
// returns the pipeline to its previous logical state.
func TestHotplugPropertyIdempotence(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		e, _ := timingEngine()

		now := int64(1e7)
		held := rapid.IntRange(0, 5).Draw(t, "held")
		keys := []uint16{keyZ, keyX, keyC, keyV, keyB}
		for i := 0; i < held; i++ {
			now += ms(5)
			e.handle(keyEvent(InputKeyDown, 1, keys[i], now))
		}

		now += ms(5)
		e.handle(InputEvent{Kind: InputDeviceGone, Device: 1, Time: now})

		if e.va.HeldCount() != 0 || len(e.keyHeld) != 0 {
			t.Fatalf("ghost state after unplug: held=%d keys=%d", e.va.HeldCount(), len(e.keyHeld))
		}

		// The replacement device starts clean and plays normally.
		now += ms(5)
		e.handle(keyEvent(InputKeyDown, 2, keyZ, now))
		if e.va.HeldCount() != 1 {
			t.Fatalf("fresh device cannot play: held=%d", e.va.HeldCount())
		}
	})
}
