package keysynth

import (
	"context"
	"fmt"
	"time"
)

// Audio defaults. The buffer is kept small for the sub-10 ms end-to-end
// target; the health probe doubles it when the machine cannot keep up.
const (
	DefaultSampleRate   = 48000
	DefaultBufferFrames = 256
	maxBufferFrames     = 8192
)

// RenderFunc fills an interleaved stereo float32 buffer. It is called
// from the driver's audio context.
type RenderFunc func(out []float32)

// AudioDriver abstracts the backend that periodically demands frames:
// JACK, PortAudio, or the timer-driven null driver for headless runs
// and tests.
type AudioDriver interface {
	// Start begins calling render once per buffer. The render callback
	// must be wait-free.
	Start(render RenderFunc) error
	Stop() error

	SampleRate() int
	BufferFrames() int

	// TryResize multiplies the buffer size by factor if the backend
	// supports reconfiguration, reporting whether it did.
	TryResize(factor int) bool
}

// DriverKind selects an audio backend.
type DriverKind string

const (
	DriverJack      DriverKind = "jack"
	DriverPortAudio DriverKind = "portaudio"
	DriverNull      DriverKind = "null"
)

// ParseDriverKind validates a driver name from config or CLI.
func ParseDriverKind(name string) (DriverKind, bool) {
	switch DriverKind(name) {
	case DriverJack, DriverPortAudio, DriverNull:
		return DriverKind(name), true
	default:
		return "", false
	}
}

// OpenAudioDriver constructs the selected backend. onXrun, when not
// nil, is invoked from the audio context on driver-reported underruns.
func OpenAudioDriver(kind DriverKind, sampleRate, bufferFrames int, onXrun func()) (AudioDriver, error) {
	if sampleRate <= 0 {
		sampleRate = DefaultSampleRate
	}
	if bufferFrames <= 0 {
		bufferFrames = DefaultBufferFrames
	}

	switch kind {
	case DriverJack:
		return newJackDriver(sampleRate, bufferFrames, onXrun)
	case DriverPortAudio:
		return newPortAudioDriver(sampleRate, bufferFrames, onXrun)
	case DriverNull:
		return newNullDriver(sampleRate, bufferFrames), nil
	default:
		return nil, fmt.Errorf("unknown audio driver %q", kind)
	}
}

// nullDriver paces render calls off a timer and discards the samples.
// Headless mode and most of the test suite run on it.
type nullDriver struct {
	sampleRate int
	frames     int
	buf        []float32
	cancel     context.CancelFunc
	done       chan struct{}
}

func newNullDriver(sampleRate, frames int) *nullDriver {
	return &nullDriver{
		sampleRate: sampleRate,
		frames:     frames,
		buf:        make([]float32, maxBufferFrames*2),
	}
}

func (d *nullDriver) Start(render RenderFunc) error {
	ctx, cancel := context.WithCancel(context.Background())
	d.cancel = cancel
	d.done = make(chan struct{})

	go func() {
		defer close(d.done)
		ticker := time.NewTicker(d.period())
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				render(d.buf[:d.frames*2])
			}
		}
	}()
	return nil
}

func (d *nullDriver) Stop() error {
	if d.cancel != nil {
		d.cancel()
		<-d.done
	}
	return nil
}

func (d *nullDriver) SampleRate() int   { return d.sampleRate }
func (d *nullDriver) BufferFrames() int { return d.frames }

func (d *nullDriver) TryResize(factor int) bool {
	next := d.frames * factor
	if next <= 0 || next > maxBufferFrames {
		return false
	}
	d.frames = next
	return true
}

func (d *nullDriver) period() time.Duration {
	return time.Duration(float64(d.frames) / float64(d.sampleRate) * float64(time.Second))
}

// BufferPeriod converts a driver's geometry into the buffer duration the
// health probe compares render spans against.
func BufferPeriod(d AudioDriver) time.Duration {
	return time.Duration(float64(d.BufferFrames()) / float64(d.SampleRate()) * float64(time.Second))
}
