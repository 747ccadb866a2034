// Command keysynth turns the laptop keyboard and touchpad into a
// real-time MIDI controller driving a sample-bank synthesizer.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/charmbracelet/log"
	"github.com/spf13/pflag"

	"keysynth"
)

// Exit codes, part of the stable CLI surface.
const (
	exitOK          = 0
	exitInitFailure = 1
	exitUsage       = 2
	exitInterrupted = 130
)

func main() {
	os.Exit(run())
}

func run() int {
	flags := pflag.NewFlagSet("keysynth", pflag.ContinueOnError)

	var (
		driver        = flags.String("driver", "", "audio driver: jack, portaudio, null")
		soundfont     = flags.String("soundfont", "", "path to a sample bank directory")
		octave        = flags.Int("octave", -1, "starting octave [0, 8]")
		program       = flags.Int("program", -1, "starting program [0, 127]")
		velocityMode  = flags.String("velocity-mode", "", "velocity source: timing, pressure, position, combined, fixed")
		fixedVelocity = flags.Int("fixed-velocity", 0, "velocity value for fixed mode [1, 127]")
		midiIn        = flags.String("midi-in", "", "MIDI input: 'auto' to scan, or a rawmidi device path")
		verbose       = flags.BoolP("verbose", "v", false, "verbose logging")
		headless      = flags.Bool("headless", false, "run without audio output (null driver)")
		configPath    = flags.StringP("config", "c", "", "config file path")
	)

	if err := flags.Parse(os.Args[1:]); err != nil {
		if err == pflag.ErrHelp {
			return exitOK
		}
		fmt.Fprintln(os.Stderr, err)
		return exitUsage
	}
	if flags.NArg() > 0 {
		fmt.Fprintf(os.Stderr, "unexpected argument %q\n", flags.Arg(0))
		return exitUsage
	}

	logger := log.NewWithOptions(os.Stderr, log.Options{ReportTimestamp: true, Prefix: "keysynth"})
	if *verbose {
		logger.SetLevel(log.DebugLevel)
	}

	cfg := keysynth.DefaultConfig()
	if *configPath != "" {
		loaded, err := keysynth.LoadConfig(*configPath)
		if err != nil {
			logger.Error(err.Error())
			return exitInitFailure
		}
		cfg = loaded
	}
	if err := cfg.ApplyEnv(); err != nil {
		logger.Error(err.Error())
		return exitInitFailure
	}

	// Restore what the last session left behind; explicit flags and
	// environment overrides win.
	statePath, stateErr := keysynth.DefaultStatePath()
	var favorites []string
	if stateErr == nil {
		if saved, err := keysynth.LoadPersistedState(statePath); err != nil {
			logger.Warn("ignoring unreadable state file", "err", err)
		} else if saved != nil {
			if !flags.Changed("octave") && os.Getenv(keysynth.EnvOctave) == "" {
				cfg.Octave = saved.Octave
			}
			if !flags.Changed("program") {
				cfg.Program = saved.Program
			}
			if !flags.Changed("velocity-mode") && os.Getenv(keysynth.EnvVelocity) == "" && saved.VelocityMode != "" {
				cfg.Velocity.Mode = saved.VelocityMode
			}
			favorites = saved.Favorites
		}
	}

	// Flags overlay config and environment.
	if *driver != "" {
		cfg.Driver = *driver
	}
	if *headless {
		cfg.Driver = string(keysynth.DriverNull)
	}
	if *soundfont != "" {
		cfg.SoundFont = *soundfont
	}
	if flags.Changed("octave") {
		cfg.Octave = *octave
	}
	if flags.Changed("program") {
		cfg.Program = *program
	}
	if *velocityMode != "" {
		cfg.Velocity.Mode = *velocityMode
	}
	if flags.Changed("fixed-velocity") {
		cfg.Velocity.Fixed = *fixedVelocity
	}
	switch *midiIn {
	case "":
	case "auto":
		cfg.MidiInput = true
	default:
		cfg.MidiInput = true
		cfg.MidiPath = *midiIn
	}

	synth, err := keysynth.New(cfg, logger)
	if err != nil {
		logger.Error(err.Error())
		return exitInitFailure
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := synth.Start(ctx); err != nil {
		logger.Error(err.Error())
		return exitInitFailure
	}

	logger.Info("ready: play the keyboard; Esc is panic, Space is sustain")

	<-ctx.Done()
	interrupted := ctx.Err() != nil
	stop()

	synth.Stop()

	if stateErr == nil {
		if cfg.SoundFont != "" && !contains(favorites, cfg.SoundFont) {
			favorites = append(favorites, cfg.SoundFont)
		}
		if err := keysynth.SavePersistedState(statePath, synth.PersistedState(favorites)); err != nil {
			logger.Warn("failed to save state", "err", err)
		}
	}

	if interrupted {
		return exitInterrupted
	}
	return exitOK
}

func contains(list []string, s string) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}
