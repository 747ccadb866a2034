//go:build jack
// +build jack

package keysynth

import (
	"fmt"

	"github.com/GeoffreyPlitt/debuggo"
	"github.com/xthexder/go-jack"
)

var jackDebug = debuggo.Debug("keysynth:jack")

// jackDriver runs the render callback inside a JACK client's process
// callback. Sample rate and buffer size belong to the JACK server; the
// requested values are ignored and the server's are reported instead.
type jackDriver struct {
	client    *jack.Client
	portLeft  *jack.Port
	portRight *jack.Port

	sampleRate int
	frames     int
	onXrun     func()
	render     RenderFunc

	// interleaved is the scratch buffer Render fills; the process
	// callback de-interleaves it into the two JACK ports.
	interleaved []float32
}

// newJackDriver opens a JACK client and registers a stereo output pair.
func newJackDriver(sampleRate, frames int, onXrun func()) (AudioDriver, error) {
	client, err := jack.ClientOpen("keysynth", jack.NoStartServer)
	if err != nil {
		return nil, fmt.Errorf("failed to open JACK client: %w; is the JACK server running?", err)
	}

	d := &jackDriver{
		client:      client,
		sampleRate:  int(client.GetSampleRate()),
		frames:      int(client.GetBufferSize()),
		onXrun:      onXrun,
		interleaved: make([]float32, maxBufferFrames*2),
	}

	d.portLeft, err = client.PortRegister("out_left", jack.DEFAULT_AUDIO_TYPE, jack.PortIsOutput, 0)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to register JACK output port: %w", err)
	}
	d.portRight, err = client.PortRegister("out_right", jack.DEFAULT_AUDIO_TYPE, jack.PortIsOutput, 0)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to register JACK output port: %w", err)
	}

	jackDebug("JACK client open: %d Hz, %d frames", d.sampleRate, d.frames)
	return d, nil
}

// Start activates the client.
func (d *jackDriver) Start(render RenderFunc) error {
	d.render = render
	d.client.SetProcessCallback(d.process)
	if err := d.client.Activate(); err != nil {
		return fmt.Errorf("failed to activate JACK client: %w", err)
	}
	return nil
}

// process is called by JACK for each audio buffer.
func (d *jackDriver) process(nframes uint32) int {
	n := int(nframes)
	if n*2 > len(d.interleaved) {
		// Server grew the buffer past our scratch; truncate and flag
		// it rather than allocate on the audio thread.
		if d.onXrun != nil {
			d.onXrun()
		}
		n = len(d.interleaved) / 2
	}

	buf := d.interleaved[:n*2]
	d.render(buf)

	left := jack.GetAudioSamples(d.portLeft.GetBuffer(nframes), nframes)
	right := jack.GetAudioSamples(d.portRight.GetBuffer(nframes), nframes)
	for i := 0; i < n; i++ {
		left[i] = jack.AudioSample(buf[2*i])
		right[i] = jack.AudioSample(buf[2*i+1])
	}
	return 0
}

// Stop deactivates and closes the client.
func (d *jackDriver) Stop() error {
	if err := d.client.Deactivate(); err != nil {
		d.client.Close()
		return fmt.Errorf("failed to deactivate JACK client: %w", err)
	}
	if err := d.client.Close(); err != nil {
		return fmt.Errorf("failed to close JACK client: %w", err)
	}
	return nil
}

func (d *jackDriver) SampleRate() int   { return d.sampleRate }
func (d *jackDriver) BufferFrames() int { return d.frames }

// TryResize is refused: the JACK server owns the buffer size.
func (d *jackDriver) TryResize(factor int) bool { return false }
