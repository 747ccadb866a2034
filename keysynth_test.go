package keysynth

import (
	"os"
	"testing"

	"github.com/charmbracelet/log"
)

func quietLogger() *log.Logger {
	logger := log.New(os.Stderr)
	logger.SetLevel(log.FatalLevel)
	return logger
}

func TestNewWiresThePipeline(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Driver = string(DriverNull)
	cfg.SoundFont = makeTestBank(t)

	k, err := New(cfg, quietLogger())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	if k.Silent() {
		t.Error("pipeline silent with a loadable bank")
	}
	if k.adapter == nil || k.engine == nil || k.sup == nil || k.probe == nil {
		t.Error("pipeline components missing")
	}
	if _, ok := k.adapter.Renderer().(*SamplerRenderer); !ok {
		t.Errorf("renderer is %T, want the sampler", k.adapter.Renderer())
	}
}

func TestNewRequiresSoundFont(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Driver = string(DriverNull)

	if _, err := New(cfg, quietLogger()); err == nil {
		t.Fatal("New accepted an empty soundfont path")
	}
}

func TestNewDegradesToSilentModeOnBadSoundFont(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Driver = string(DriverNull)
	cfg.SoundFont = "/nonexistent/bank"

	k, err := New(cfg, quietLogger())
	if err != nil {
		t.Fatalf("New failed instead of degrading: %v", err)
	}
	if !k.Silent() {
		t.Error("pipeline not in silent mode after repeated load failure")
	}
	if _, ok := k.adapter.Renderer().(*SilentRenderer); !ok {
		t.Errorf("renderer is %T, want silent", k.adapter.Renderer())
	}
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Driver = string(DriverNull)
	cfg.SoundFont = "/tmp"
	cfg.Octave = 99

	_, err := New(cfg, quietLogger())
	if err == nil {
		t.Fatal("invalid config accepted")
	}
}

func TestPersistedStateSnapshot(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Driver = string(DriverNull)
	cfg.SoundFont = makeTestBank(t)
	cfg.Octave = 3
	cfg.Program = 17

	k, err := New(cfg, quietLogger())
	if err != nil {
		t.Fatal(err)
	}

	st := k.PersistedState([]string{cfg.SoundFont})
	if st.Octave != 3 || st.Program != 17 {
		t.Errorf("snapshot = %+v", st)
	}
	if len(st.Favorites) != 1 {
		t.Errorf("favorites = %v", st.Favorites)
	}
	if st.ArpMode != "off" {
		t.Errorf("arp mode = %s, want off", st.ArpMode)
	}
}
