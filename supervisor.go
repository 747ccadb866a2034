package keysynth

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/GeoffreyPlitt/debuggo"
	"github.com/charmbracelet/log"
	evdev "github.com/holoplot/go-evdev"
	"github.com/jochenvg/go-udev"
)

var supervisorDebug = debuggo.Debug("keysynth:supervisor")

// Grab-failure backoff: 100 ms doubling, capped at 5 s, five attempts,
// then give up with a reported warning.
const (
	grabBackoffStart = 100 * time.Millisecond
	grabBackoffCap   = 5 * time.Second
	grabAttempts     = 5
)

// DeviceInfo is the public view of one attached device.
type DeviceInfo struct {
	ID    DeviceID
	Path  string
	Name  string
	Class DeviceClass
}

// SupervisorConfig tunes discovery.
type SupervisorConfig struct {
	// Grab requests exclusive access to keyboards so keypresses do not
	// leak into the window system.
	Grab bool
	// MidiInput enables raw MIDI device discovery. MidiPath pins one
	// specific node instead of scanning.
	MidiInput bool
	MidiPath  string
}

// DeviceSupervisor discovers input devices, classifies them by
// capability, owns their readers and keeps the pipeline alive across
// unplugs and re-plugs. It runs in the supervisory context; events flow
// from readers straight to the input fan-in channel.
type DeviceSupervisor struct {
	cfg SupervisorConfig
	out chan<- InputEvent
	log *log.Logger

	mu      sync.Mutex
	readers map[DeviceID]reader
	names   map[DeviceID]string
	nextID  DeviceID

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewDeviceSupervisor builds a supervisor emitting into out.
func NewDeviceSupervisor(cfg SupervisorConfig, out chan<- InputEvent, logger *log.Logger) *DeviceSupervisor {
	return &DeviceSupervisor{
		cfg:     cfg,
		out:     out,
		log:     logger,
		readers: make(map[DeviceID]reader),
		names:   make(map[DeviceID]string),
	}
}

// Start performs initial discovery and begins watching for hot-plug.
// It fails when no usable device exists, or when devices exist but all
// opens are denied — the latter with the actionable permission message.
func (s *DeviceSupervisor) Start(ctx context.Context) error {
	found, denied := s.discover()

	if found == 0 {
		if denied > 0 {
			return fmt.Errorf("no input devices could be opened: permission denied; add your user to the 'input' group or run with elevated privileges")
		}
		return errors.New("no usable input devices found")
	}

	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.watch(ctx)
	return nil
}

// Stop halts the monitor and every reader.
func (s *DeviceSupervisor) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.mu.Lock()
	readers := make([]reader, 0, len(s.readers))
	for _, r := range s.readers {
		readers = append(readers, r)
	}
	s.readers = make(map[DeviceID]reader)
	s.mu.Unlock()

	for _, r := range readers {
		r.Stop()
	}
	s.wg.Wait()
}

// Devices returns the current device list for telemetry.
func (s *DeviceSupervisor) Devices() []DeviceInfo {
	s.mu.Lock()
	defer s.mu.Unlock()

	list := make([]DeviceInfo, 0, len(s.readers))
	for id, r := range s.readers {
		list = append(list, DeviceInfo{ID: id, Path: r.Path(), Name: s.names[id], Class: r.Class()})
	}
	return list
}

// Forget drops a reader after its DeviceGone has been processed. A
// subsequent arrival on the same path is a fresh device with a fresh ID,
// inheriting nothing.
func (s *DeviceSupervisor) Forget(id DeviceID) {
	s.mu.Lock()
	r, ok := s.readers[id]
	delete(s.readers, id)
	delete(s.names, id)
	s.mu.Unlock()

	if ok {
		r.Stop()
		s.log.Info("device removed", "path", r.Path(), "class", r.Class().String())
	}
}

// Reopen closes a misbehaving reader and opens the device fresh. Used
// by the health probe when a device's error rate crosses the threshold.
// The synthesized DeviceGone makes the engine release anything the
// device was holding before the new reader attaches.
func (s *DeviceSupervisor) Reopen(id DeviceID) {
	s.mu.Lock()
	r, ok := s.readers[id]
	s.mu.Unlock()
	if !ok {
		return
	}

	path, class := r.Path(), r.Class()
	s.log.Warn("reopening misbehaving device", "path", path)
	r.Stop()
	s.out <- InputEvent{Kind: InputDeviceGone, Device: id, Time: monotonicNow()}
	s.attach(path, class)
}

// ReaderErrors reports per-device transient error counts for the probe.
func (s *DeviceSupervisor) ReaderErrors() map[DeviceID]uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	counts := make(map[DeviceID]uint64, len(s.readers))
	for id, r := range s.readers {
		counts[id] = r.Errors()
	}
	return counts
}

// discover scans evdev and rawmidi nodes, attaching a reader per usable
// device. Returns how many attached and how many were denied.
func (s *DeviceSupervisor) discover() (found, denied int) {
	paths, err := evdev.ListDevicePaths()
	if err != nil {
		supervisorDebug("evdev scan failed: %v", err)
	}
	for _, p := range paths {
		class := classifyEvdevPath(p.Path)
		if class == ClassIgnored {
			continue
		}
		if err := s.attachNow(p.Path, class); err != nil {
			if errors.Is(err, os.ErrPermission) {
				denied++
				continue
			}
			supervisorDebug("skipping %s: %v", p.Path, err)
			continue
		}
		found++
	}

	if s.cfg.MidiInput {
		for _, p := range s.midiPaths() {
			if err := s.attachNow(p, ClassMidi); err != nil {
				supervisorDebug("skipping MIDI %s: %v", p, err)
				continue
			}
			found++
		}
	}
	return found, denied
}

// midiPaths lists candidate rawmidi nodes.
func (s *DeviceSupervisor) midiPaths() []string {
	if s.cfg.MidiPath != "" {
		return []string{s.cfg.MidiPath}
	}
	matches, _ := filepath.Glob("/dev/snd/midiC*D*")
	return matches
}

// watch follows udev netlink events for the input and sound subsystems
// and turns them into reader arrivals and departures.
func (s *DeviceSupervisor) watch(ctx context.Context) {
	defer s.wg.Done()

	u := udev.Udev{}
	monitor := u.NewMonitorFromNetlink("udev")
	monitor.FilterAddMatchSubsystem("input")
	monitor.FilterAddMatchSubsystem("sound")

	ch, err := monitor.DeviceChan(ctx)
	if err != nil {
		s.log.Warn("hot-plug monitoring unavailable", "err", err)
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case d, ok := <-ch:
			if !ok {
				return
			}
			s.handleUdev(d)
		}
	}
}

// handleUdev processes one udev event.
func (s *DeviceSupervisor) handleUdev(d *udev.Device) {
	node := d.Devnode()
	if node == "" {
		return
	}

	isEvdev := strings.HasPrefix(filepath.Base(node), "event")
	isMidi := strings.HasPrefix(filepath.Base(node), "midi")
	if !isEvdev && !isMidi {
		return
	}

	switch d.Action() {
	case "add":
		supervisorDebug("udev add: %s", node)
		if isMidi {
			if s.cfg.MidiInput && !s.attached(node) {
				s.attach(node, ClassMidi)
			}
			return
		}
		if s.attached(node) {
			return
		}
		// The node can take a moment to become readable after the
		// uevent; classification happens inside the backoff loop.
		s.attach(node, ClassIgnored)

	case "remove":
		supervisorDebug("udev remove: %s", node)
		s.mu.Lock()
		var gone reader
		var goneID DeviceID
		for id, r := range s.readers {
			if r.Path() == node {
				gone, goneID = r, id
				break
			}
		}
		s.mu.Unlock()
		if gone != nil {
			// Stop the reader quietly, then synthesize the DeviceGone.
			// The reader's own EIO path can race this and emit its own
			// event first; removal handling downstream is idempotent,
			// so the duplicate is tolerated rather than prevented.
			gone.Stop()
			s.out <- InputEvent{Kind: InputDeviceGone, Device: goneID, Time: monotonicNow()}
		}
	}
}

// attached reports whether a node already has a reader.
func (s *DeviceSupervisor) attached(node string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.readers {
		if r.Path() == node {
			return true
		}
	}
	return false
}

// attach opens a device with exponential backoff in a goroutine, so a
// slow grab never stalls the monitor loop.
func (s *DeviceSupervisor) attach(path string, class DeviceClass) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		delay := grabBackoffStart
		for attempt := 1; attempt <= grabAttempts; attempt++ {
			c := class
			if c == ClassIgnored {
				c = classifyEvdevPath(path)
			}
			if c == ClassIgnored {
				return
			}

			err := s.attachNow(path, c)
			if err == nil {
				return
			}
			supervisorDebug("open %s attempt %d failed: %v", path, attempt, err)

			time.Sleep(delay)
			delay *= 2
			if delay > grabBackoffCap {
				delay = grabBackoffCap
			}
		}
		s.log.Warn("giving up on device after repeated open failures", "path", path)
	}()
}

// attachNow opens a reader and starts its goroutine.
func (s *DeviceSupervisor) attachNow(path string, class DeviceClass) error {
	s.mu.Lock()
	s.nextID++
	id := s.nextID
	s.mu.Unlock()

	var (
		r    reader
		name string
		err  error
	)
	if class == ClassMidi {
		var mr *MidiReader
		mr, err = newMidiReader(id, path, s.out)
		if err == nil {
			r, name = mr, filepath.Base(path)
		}
	} else {
		var dr *DeviceReader
		grab := s.cfg.Grab && class == ClassKeyboard
		dr, err = newDeviceReader(id, class, path, grab, s.out)
		if err == nil {
			r = dr
			if n, nerr := dr.dev.Name(); nerr == nil {
				name = n
			}
		}
	}
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.readers[id] = r
	s.names[id] = name
	s.mu.Unlock()

	switch rr := r.(type) {
	case *DeviceReader:
		go rr.run()
	case *MidiReader:
		go rr.run()
	}

	s.log.Info("device attached", "path", path, "name", name, "class", class.String())
	return nil
}

// classifyEvdevPath opens a node just long enough to inspect its
// capabilities. Classification never trusts device names:
// keyboards expose the letter keys and a space bar; touchpads expose
// absolute X/Y with a touch button.
func classifyEvdevPath(path string) DeviceClass {
	dev, err := evdev.Open(path)
	if err != nil {
		return ClassIgnored
	}
	defer dev.Close()

	keys := make(map[evdev.EvCode]bool)
	for _, code := range dev.CapableEvents(evdev.EV_KEY) {
		keys[code] = true
	}

	return classifyCapabilities(
		keys,
		dev.CapableEvents(evdev.EV_ABS),
	)
}

// classifyCapabilities is the pure classification rule, split out so it
// is testable without device nodes.
func classifyCapabilities(keys map[evdev.EvCode]bool, abs []evdev.EvCode) DeviceClass {
	letters := 0
	for code := evdev.KEY_Q; code <= evdev.KEY_P; code++ {
		if keys[code] {
			letters++
		}
	}
	for code := evdev.KEY_A; code <= evdev.KEY_L; code++ {
		if keys[code] {
			letters++
		}
	}
	if letters >= 15 && keys[evdev.KEY_SPACE] {
		return ClassKeyboard
	}

	var hasX, hasY bool
	for _, code := range abs {
		switch code {
		case evdev.ABS_X:
			hasX = true
		case evdev.ABS_Y:
			hasY = true
		}
	}
	if hasX && hasY && keys[evdev.BTN_TOUCH] {
		return ClassTouchpad
	}

	return ClassIgnored
}
