package keysynth

import (
	"fmt"
	"sync"

	"github.com/GeoffreyPlitt/debuggo"
	"github.com/gordonklaus/portaudio"
)

var paDebug = debuggo.Debug("keysynth:portaudio")

// paInit guards the process-wide PortAudio initialization.
var (
	paInitOnce sync.Once
	paInitErr  error
)

// portAudioDriver runs the render callback on the default output device
// through PortAudio.
type portAudioDriver struct {
	sampleRate int
	frames     int
	onXrun     func()

	mu      sync.Mutex
	stream  *portaudio.Stream
	render  RenderFunc
	started bool
}

func newPortAudioDriver(sampleRate, frames int, onXrun func()) (*portAudioDriver, error) {
	paInitOnce.Do(func() {
		paInitErr = portaudio.Initialize()
	})
	if paInitErr != nil {
		return nil, fmt.Errorf("failed to initialize PortAudio: %w", paInitErr)
	}

	return &portAudioDriver{
		sampleRate: sampleRate,
		frames:     frames,
		onXrun:     onXrun,
	}, nil
}

// Start opens and starts the output stream.
func (d *portAudioDriver) Start(render RenderFunc) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.render = render
	if err := d.open(); err != nil {
		return err
	}
	d.started = true
	return nil
}

// open creates and starts a stream for the current geometry. Caller
// holds d.mu.
func (d *portAudioDriver) open() error {
	stream, err := portaudio.OpenDefaultStream(0, 2, float64(d.sampleRate), d.frames, d.callback)
	if err != nil {
		return fmt.Errorf("failed to open PortAudio stream: %w", err)
	}
	if err := stream.Start(); err != nil {
		stream.Close()
		return fmt.Errorf("failed to start PortAudio stream: %w", err)
	}
	d.stream = stream
	paDebug("stream open: %d Hz, %d frames", d.sampleRate, d.frames)
	return nil
}

// callback runs in the PortAudio audio context. out is interleaved
// stereo.
func (d *portAudioDriver) callback(out []float32, flags portaudio.StreamCallbackFlags) {
	if flags&portaudio.OutputUnderflow != 0 && d.onXrun != nil {
		d.onXrun()
	}
	d.render(out)
}

// Stop stops and closes the stream.
func (d *portAudioDriver) Stop() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.started = false
	return d.closeStream()
}

func (d *portAudioDriver) closeStream() error {
	if d.stream == nil {
		return nil
	}
	if err := d.stream.Stop(); err != nil {
		d.stream.Close()
		d.stream = nil
		return fmt.Errorf("failed to stop PortAudio stream: %w", err)
	}
	err := d.stream.Close()
	d.stream = nil
	if err != nil {
		return fmt.Errorf("failed to close PortAudio stream: %w", err)
	}
	return nil
}

func (d *portAudioDriver) SampleRate() int   { return d.sampleRate }
func (d *portAudioDriver) BufferFrames() int { return d.frames }

// TryResize reopens the stream with a larger buffer. PortAudio has no
// in-place reconfiguration, so this stops and restarts; the gap is the
// price of recovering from sustained overruns.
func (d *portAudioDriver) TryResize(factor int) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	next := d.frames * factor
	if next <= 0 || next > maxBufferFrames || !d.started {
		return false
	}

	if err := d.closeStream(); err != nil {
		paDebug("resize: close failed: %v", err)
	}
	old := d.frames
	d.frames = next
	if err := d.open(); err != nil {
		paDebug("resize to %d failed, restoring %d: %v", next, old, err)
		d.frames = old
		if err := d.open(); err != nil {
			paDebug("restore failed: %v", err)
		}
		return false
	}
	return true
}
