package keysynth

import (
	"errors"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/GeoffreyPlitt/debuggo"
	evdev "github.com/holoplot/go-evdev"
	"golang.org/x/sys/unix"
)

var readerDebug = debuggo.Debug("keysynth:reader")

// monotonicNow returns the monotonic clock in nanoseconds. Readers call
// it immediately after the kernel hands an event over, which is the
// earliest opportunity this process has.
func monotonicNow() int64 {
	var ts unix.Timespec
	if err := unix.ClockGettime(unix.CLOCK_MONOTONIC, &ts); err != nil {
		// Fall back to the runtime's monotonic reading.
		return int64(time.Since(processStart)) + processStartNs
	}
	return ts.Nano()
}

var (
	processStart   = time.Now()
	processStartNs = func() int64 {
		var ts unix.Timespec
		unix.ClockGettime(unix.CLOCK_MONOTONIC, &ts)
		return ts.Nano()
	}()
)

// reader is what the supervisor owns, one per device. Implemented by
// DeviceReader (evdev) and MidiReader (raw MIDI stream).
type reader interface {
	ID() DeviceID
	Class() DeviceClass
	Path() string
	Stop()
	Errors() uint64
}

// batchSize is the pre-sized event buffer a reader reuses; the
// steady-state read path allocates nothing else.
const batchSize = 64

// DeviceReader reads one evdev device and emits normalized InputEvents.
// It runs on its own goroutine: start it with go run(); it exits on
// Stop or on a terminal read error, emitting DeviceGone in the latter
// case.
type DeviceReader struct {
	id    DeviceID
	class DeviceClass
	path  string
	dev   *evdev.InputDevice
	out   chan<- InputEvent

	grabbed  bool
	stopping atomic.Bool
	errCount atomic.Uint64

	// Cached absolute-axis ranges for normalization.
	absMin [3]int32
	absMax [3]int32
}

// newDeviceReader opens the device, optionally grabbing it exclusively
// so keypresses do not leak to the surrounding window system.
func newDeviceReader(id DeviceID, class DeviceClass, path string, grab bool, out chan<- InputEvent) (*DeviceReader, error) {
	dev, err := evdev.Open(path)
	if err != nil {
		return nil, err
	}

	r := &DeviceReader{
		id:    id,
		class: class,
		path:  path,
		dev:   dev,
		out:   out,
	}

	if class == ClassTouchpad {
		if infos, err := dev.AbsInfos(); err == nil {
			for axis, code := range map[Axis]evdev.EvCode{
				AxisX:        evdev.ABS_X,
				AxisY:        evdev.ABS_Y,
				AxisPressure: evdev.ABS_PRESSURE,
			} {
				if info, ok := infos[code]; ok {
					r.absMin[axis] = info.Minimum
					r.absMax[axis] = info.Maximum
				}
			}
		}
	}

	if grab {
		if err := dev.Grab(); err != nil {
			dev.Close()
			return nil, err
		}
		r.grabbed = true
	}

	readerDebug("Opened %s device %s (id=%d, grab=%v)", class, path, id, grab)
	return r, nil
}

// ID returns the reader's device ID.
func (r *DeviceReader) ID() DeviceID { return r.id }

// Class returns the device classification.
func (r *DeviceReader) Class() DeviceClass { return r.class }

// Path returns the device node path.
func (r *DeviceReader) Path() string { return r.path }

// Errors returns the count of transient read errors.
func (r *DeviceReader) Errors() uint64 { return r.errCount.Load() }

// Stop shuts the reader down. Closing the fd wakes the blocked read;
// the stopping flag tells run not to report the resulting error as a
// device loss.
func (r *DeviceReader) Stop() {
	if r.stopping.Swap(true) {
		return
	}
	if r.grabbed {
		r.dev.Ungrab()
	}
	r.dev.Close()
}

// run is the reader goroutine: read, normalize, forward, until Stop or
// a terminal error. Any read error other than EAGAIN is terminal — the
// reader emits DeviceGone and exits; EAGAIN yields back to the
// scheduler.
func (r *DeviceReader) run() {
	for {
		ev, err := r.dev.ReadOne()
		t := monotonicNow()

		if err != nil {
			if r.stopping.Load() {
				return
			}
			if errors.Is(err, syscall.EAGAIN) {
				r.errCount.Add(1)
				time.Sleep(time.Millisecond)
				continue
			}
			readerDebug("Device %s read failed: %v", r.path, err)
			r.out <- InputEvent{Kind: InputDeviceGone, Device: r.id, Time: t}
			r.dev.Close()
			return
		}

		if out, ok := r.translate(ev, t); ok {
			r.out <- out
		}
	}
}

// translate converts one kernel event. Key autorepeat and events the
// pipeline has no use for are dropped here.
func (r *DeviceReader) translate(ev *evdev.InputEvent, t int64) (InputEvent, bool) {
	switch ev.Type {
	case evdev.EV_KEY:
		if ev.Code == evdev.BTN_TOUCH {
			return InputEvent{Kind: InputTouch, TouchOn: ev.Value != 0, Device: r.id, Time: t}, true
		}
		switch ev.Value {
		case 1:
			return InputEvent{Kind: InputKeyDown, Raw: MakeRawKey(r.id, uint16(ev.Code)), Device: r.id, Time: t}, true
		case 0:
			return InputEvent{Kind: InputKeyUp, Raw: MakeRawKey(r.id, uint16(ev.Code)), Device: r.id, Time: t}, true
		default: // autorepeat
			return InputEvent{}, false
		}

	case evdev.EV_ABS:
		var axis Axis
		switch ev.Code {
		case evdev.ABS_X:
			axis = AxisX
		case evdev.ABS_Y:
			axis = AxisY
		case evdev.ABS_PRESSURE:
			axis = AxisPressure
		default:
			return InputEvent{}, false
		}
		return InputEvent{Kind: InputAxis, Axis: axis, Value: r.normalize(axis, ev.Value), Device: r.id, Time: t}, true

	default:
		return InputEvent{}, false
	}
}

// normalize scales a raw axis value into [0, 1] using the advertised
// range.
func (r *DeviceReader) normalize(axis Axis, value int32) float64 {
	min, max := r.absMin[axis], r.absMax[axis]
	if max <= min {
		return 0
	}
	if value < min {
		value = min
	}
	if value > max {
		value = max
	}
	return float64(value-min) / float64(max-min)
}
