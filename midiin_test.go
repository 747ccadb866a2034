package keysynth

import "testing"

// feedBytes runs a byte sequence through the stream parser.
func feedBytes(m *MidiReader, bytes ...byte) []InputEvent {
	var out []InputEvent
	for _, b := range bytes {
		if ev, ok := m.feed(b, 42); ok {
			out = append(out, ev)
		}
	}
	return out
}

func TestMidiParserBasicMessages(t *testing.T) {
	m := &MidiReader{id: 1}

	events := feedBytes(m, 0x90, 60, 100, 0x80, 60, 0)
	if len(events) != 2 {
		t.Fatalf("got %d events, want 2", len(events))
	}
	if events[0].Status != 0x90 || events[0].Data1 != 60 || events[0].Data2 != 100 {
		t.Errorf("note on = %+v", events[0])
	}
	if events[1].Status != 0x80 || events[1].Data1 != 60 {
		t.Errorf("note off = %+v", events[1])
	}
}

func TestMidiParserRunningStatus(t *testing.T) {
	m := &MidiReader{id: 1}

	// One status byte, three note-ons.
	events := feedBytes(m, 0x90, 60, 100, 64, 100, 67, 100)
	if len(events) != 3 {
		t.Fatalf("running status: got %d events, want 3", len(events))
	}
	for i, want := range []byte{60, 64, 67} {
		if events[i].Data1 != want {
			t.Errorf("event %d pitch %d, want %d", i, events[i].Data1, want)
		}
	}
}

func TestMidiParserSingleDataByteMessages(t *testing.T) {
	m := &MidiReader{id: 1}

	events := feedBytes(m, 0xC0, 12, 0xC0, 13)
	if len(events) != 2 {
		t.Fatalf("got %d events, want 2", len(events))
	}
	if events[0].Data1 != 12 || events[1].Data1 != 13 {
		t.Errorf("program changes = %+v", events)
	}
}

func TestMidiParserSkipsSysex(t *testing.T) {
	m := &MidiReader{id: 1}

	events := feedBytes(m,
		0xF0, 0x7E, 0x7F, 0x09, 0x01, 0xF7, // sysex blob
		0x90, 60, 100,
	)
	if len(events) != 1 || events[0].Status != 0x90 {
		t.Fatalf("sysex leaked into the event stream: %+v", events)
	}
}

func TestMidiParserIgnoresRealtimeBytes(t *testing.T) {
	m := &MidiReader{id: 1}

	// Clock bytes interleave mid-message without corrupting it.
	events := feedBytes(m, 0x90, 0xF8, 60, 0xF8, 100)
	if len(events) != 1 || events[0].Data1 != 60 || events[0].Data2 != 100 {
		t.Fatalf("realtime bytes corrupted parsing: %+v", events)
	}
}

func TestMidiParserDropsDataWithoutStatus(t *testing.T) {
	m := &MidiReader{id: 1}

	if events := feedBytes(m, 60, 100, 64); len(events) != 0 {
		t.Fatalf("stray data bytes produced events: %+v", events)
	}
}
