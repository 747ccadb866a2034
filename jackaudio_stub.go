//go:build !jack
// +build !jack

package keysynth

import "fmt"

// newJackDriver in builds without JACK support reports how to get it.
func newJackDriver(sampleRate, frames int, onXrun func()) (AudioDriver, error) {
	return nil, fmt.Errorf("JACK support not enabled - rebuild with '-tags jack' and ensure JACK development headers are installed")
}
