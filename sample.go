package keysynth

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/GeoffreyPlitt/debuggo"
	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/mewkiz/flac"
	"gopkg.in/yaml.v3"
)

var sampleDebug = debuggo.Debug("keysynth:sample")

// Sample is one loaded audio recording.
type Sample struct {
	FilePath   string
	Data       []float64 // interleaved float64 samples
	SampleRate int
	Channels   int
	Length     int // frames per channel
}

// bankEntry is one line of a bank manifest: which file sounds which
// root pitch.
type bankEntry struct {
	File string `yaml:"file"`
	Root int    `yaml:"root"`
}

// bankManifest is the optional bank.yaml describing a sample directory.
type bankManifest struct {
	Name    string      `yaml:"name"`
	Samples []bankEntry `yaml:"samples"`
}

// SampleBank maps MIDI pitches onto recordings. A bank is a directory
// of WAV/FLAC files, described either by a bank.yaml manifest or by
// file names that are plain MIDI pitch numbers ("60.wav"). Playback
// picks the nearest root and pitch-shifts the rest of the way.
type SampleBank struct {
	Name string

	roots   []int // sorted root pitches
	samples map[int]*Sample
}

// LoadSampleBank reads a bank directory.
func LoadSampleBank(dir string) (*SampleBank, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to open sample bank %s: %w", dir, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("sample bank %s is not a directory", dir)
	}

	bank := &SampleBank{
		Name:    filepath.Base(dir),
		samples: make(map[int]*Sample),
	}

	manifest := filepath.Join(dir, "bank.yaml")
	if _, err := os.Stat(manifest); err == nil {
		if err := bank.loadManifest(dir, manifest); err != nil {
			return nil, err
		}
	} else if err := bank.loadByName(dir); err != nil {
		return nil, err
	}

	if len(bank.samples) == 0 {
		return nil, fmt.Errorf("sample bank %s contains no usable samples", dir)
	}

	for root := range bank.samples {
		bank.roots = append(bank.roots, root)
	}
	sort.Ints(bank.roots)

	sampleDebug("Loaded bank %s: %d samples", bank.Name, len(bank.samples))
	return bank, nil
}

// loadManifest reads samples listed in bank.yaml.
func (b *SampleBank) loadManifest(dir, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read bank manifest: %w", err)
	}

	var m bankManifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return fmt.Errorf("failed to parse bank manifest %s: %w", path, err)
	}
	if m.Name != "" {
		b.Name = m.Name
	}

	for _, entry := range m.Samples {
		if entry.Root < 0 || entry.Root > 127 {
			return fmt.Errorf("bank manifest %s: sample %q root %d out of range [0, 127]", path, entry.File, entry.Root)
		}
		sample, err := loadSampleFile(filepath.Join(dir, entry.File))
		if err != nil {
			return err
		}
		b.samples[entry.Root] = sample
	}
	return nil
}

// loadByName loads files whose base name is a MIDI pitch number.
func (b *SampleBank) loadByName(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("failed to list sample bank %s: %w", dir, err)
	}

	for _, entry := range entries {
		name := entry.Name()
		ext := strings.ToLower(filepath.Ext(name))
		if ext != ".wav" && ext != ".flac" {
			continue
		}
		root, err := strconv.Atoi(strings.TrimSuffix(name, filepath.Ext(name)))
		if err != nil || root < 0 || root > 127 {
			sampleDebug("Skipping %s: name is not a MIDI pitch", name)
			continue
		}
		sample, err := loadSampleFile(filepath.Join(dir, name))
		if err != nil {
			return err
		}
		b.samples[root] = sample
	}
	return nil
}

// Nearest returns the sample whose root pitch is closest to pitch, and
// that root.
func (b *SampleBank) Nearest(pitch uint8) (*Sample, int) {
	i := sort.SearchInts(b.roots, int(pitch))
	if i == 0 {
		return b.samples[b.roots[0]], b.roots[0]
	}
	if i == len(b.roots) {
		last := b.roots[len(b.roots)-1]
		return b.samples[last], last
	}
	lo, hi := b.roots[i-1], b.roots[i]
	if int(pitch)-lo <= hi-int(pitch) {
		return b.samples[lo], lo
	}
	return b.samples[hi], hi
}

// Size returns the number of loaded samples.
func (b *SampleBank) Size() int {
	return len(b.samples)
}

// loadSampleFile decodes one WAV or FLAC file.
func loadSampleFile(path string) (*Sample, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".wav":
		return loadWAV(path)
	case ".flac":
		return loadFLAC(path)
	default:
		return nil, fmt.Errorf("unsupported audio format: %s (supported: .wav, .flac)", path)
	}
}

// loadWAV loads a WAV file.
func loadWAV(path string) (*Sample, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open WAV file %s: %w", path, err)
	}
	defer file.Close()

	decoder := wav.NewDecoder(file)
	if !decoder.IsValidFile() {
		return nil, fmt.Errorf("invalid WAV file: %s", path)
	}

	audioData, err := decoder.FullPCMBuffer()
	if err != nil {
		return nil, fmt.Errorf("failed to read audio data from %s: %w", path, err)
	}

	samples := pcmToFloats(audioData, int(decoder.BitDepth))
	return &Sample{
		FilePath:   path,
		Data:       samples,
		SampleRate: int(audioData.Format.SampleRate),
		Channels:   int(audioData.Format.NumChannels),
		Length:     len(samples) / int(audioData.Format.NumChannels),
	}, nil
}

// pcmToFloats converts a decoded PCM buffer to float64, normalized by
// bit depth.
func pcmToFloats(buf *audio.IntBuffer, bitDepth int) []float64 {
	samples := make([]float64, len(buf.Data))
	for i, sample := range buf.Data {
		switch bitDepth {
		case 24:
			samples[i] = float64(sample) / 8388608.0
		case 32:
			samples[i] = float64(sample) / 2147483648.0
		default: // 16-bit
			samples[i] = float64(sample) / 32768.0
		}
	}
	return samples
}

// loadFLAC loads a FLAC file.
func loadFLAC(path string) (*Sample, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open FLAC file %s: %w", path, err)
	}
	defer file.Close()

	stream, err := flac.New(file)
	if err != nil {
		return nil, fmt.Errorf("failed to create FLAC decoder for %s: %w", path, err)
	}
	defer stream.Close()

	info := stream.Info
	if info == nil {
		return nil, fmt.Errorf("no stream info available for FLAC file: %s", path)
	}

	channels := int(info.NChannels)
	bitsPerSample := int(info.BitsPerSample)

	var allSamples []float64
	for {
		frame, err := stream.ParseNext()
		if err != nil {
			if err.Error() == "EOF" {
				break
			}
			return nil, fmt.Errorf("failed to read FLAC frame from %s: %w", path, err)
		}

		for i := 0; i < len(frame.Subframes[0].Samples); i++ {
			for ch := 0; ch < channels; ch++ {
				sample := frame.Subframes[ch].Samples[i]
				var normalized float64
				switch bitsPerSample {
				case 24:
					normalized = float64(sample) / 8388608.0
				case 32:
					normalized = float64(sample) / 2147483648.0
				default: // 16-bit
					normalized = float64(sample) / 32768.0
				}
				allSamples = append(allSamples, normalized)
			}
		}
	}

	return &Sample{
		FilePath:   path,
		Data:       allSamples,
		SampleRate: int(info.SampleRate),
		Channels:   channels,
		Length:     len(allSamples) / channels,
	}, nil
}
