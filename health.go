package keysynth

import (
	"context"
	"sort"
	"time"

	"github.com/charmbracelet/log"
)

// Probe cadence and thresholds.
const (
	probeInterval = 100 * time.Millisecond

	// deviceErrorLimit transient errors within a minute gets a reader
	// reopened.
	deviceErrorLimit = 10

	// dropRateLimit events/second of bus loss, sustained over
	// dropSustained intervals, is reported. Nothing is done
	// automatically: an event storm is a user-visible condition that
	// should not be hidden.
	dropRateLimit = 100
	dropSustained = 10
)

// HealthStats is the probe's public snapshot for the UI.
type HealthStats struct {
	AvgLatency time.Duration
	P95Latency time.Duration
	Xruns      uint64
	BusDrops   uint64
	Voices     int
	HeldNotes  int
	Devices    []DeviceInfo
}

// HealthProbe is the non-realtime watchdog: at 10 Hz it reads the
// render latency ring, the voice count, the bus drop counter and the
// per-device error rates, and triggers recovery when thresholds are
// crossed. It observes the pipeline strictly out-of-band.
type HealthProbe struct {
	adapter *RenderAdapter
	engine  *Engine
	sup     *DeviceSupervisor
	bus     *EventBus
	driver  AudioDriver
	log     *log.Logger

	bufferPeriod time.Duration

	lastXruns   uint64
	lastDrops   uint64
	dropStreak  int
	overrunWarn bool

	errBaseline map[DeviceID]uint64
	errWindow   time.Time

	latBuf []int64
}

// NewHealthProbe wires the watchdog. bufferPeriod is the audio buffer
// duration; render calls exceeding it mean the audio thread cannot keep
// up.
func NewHealthProbe(adapter *RenderAdapter, engine *Engine, sup *DeviceSupervisor, bus *EventBus, driver AudioDriver, bufferPeriod time.Duration, logger *log.Logger) *HealthProbe {
	return &HealthProbe{
		adapter:      adapter,
		engine:       engine,
		sup:          sup,
		bus:          bus,
		driver:       driver,
		log:          logger,
		bufferPeriod: bufferPeriod,
		errBaseline:  make(map[DeviceID]uint64),
		errWindow:    time.Now(),
		latBuf:       make([]int64, 0, latencyRingSize),
	}
}

// Run ticks until ctx is cancelled.
func (p *HealthProbe) Run(ctx context.Context) {
	ticker := time.NewTicker(probeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.tick()
		}
	}
}

func (p *HealthProbe) tick() {
	p.checkOverrun()
	p.checkDevices()
	p.checkDrops()
}

// checkOverrun reacts to xruns and render calls that overran the buffer
// period: silence everything so the performer hears a clean recovery
// instead of a smear of stuck notes, grow the buffer when the driver
// allows it, and report once per episode.
func (p *HealthProbe) checkOverrun() {
	xruns := p.adapter.Xruns()
	overran := xruns > p.lastXruns

	p.latBuf = p.adapter.Latency().Snapshot(p.latBuf[:0])
	for _, ns := range p.latBuf {
		if time.Duration(ns) > p.bufferPeriodSafe() {
			overran = true
			break
		}
	}

	if !overran {
		p.overrunWarn = false
		p.lastXruns = xruns
		return
	}
	p.lastXruns = xruns

	if p.overrunWarn {
		return
	}
	p.overrunWarn = true

	p.engine.RequestPanic()
	p.adapter.RequestPanic()
	if p.driver != nil && p.driver.TryResize(2) {
		p.bufferPeriod *= 2
		p.log.Warn("audio overrun: doubled buffer size", "period", p.bufferPeriod)
	} else {
		p.log.Warn("audio overrun: renderer cannot keep up", "period", p.bufferPeriod)
	}
}

func (p *HealthProbe) bufferPeriodSafe() time.Duration {
	if p.bufferPeriod <= 0 {
		return 50 * time.Millisecond
	}
	return p.bufferPeriod
}

// checkDevices reopens readers whose error count crossed the per-minute
// threshold.
func (p *HealthProbe) checkDevices() {
	now := time.Now()
	if now.Sub(p.errWindow) >= time.Minute {
		p.errBaseline = make(map[DeviceID]uint64)
		p.errWindow = now
	}

	for id, count := range p.sup.ReaderErrors() {
		base, ok := p.errBaseline[id]
		if !ok {
			p.errBaseline[id] = count
			continue
		}
		if count-base > deviceErrorLimit {
			p.log.Warn("device error rate too high, reopening", "device", id)
			p.sup.Reopen(id)
			delete(p.errBaseline, id)
		}
	}
}

// checkDrops reports sustained bus saturation.
func (p *HealthProbe) checkDrops() {
	drops := p.bus.Dropped()
	delta := drops - p.lastDrops
	p.lastDrops = drops

	perInterval := uint64(dropRateLimit) * uint64(probeInterval) / uint64(time.Second)
	if delta > perInterval {
		p.dropStreak++
	} else {
		p.dropStreak = 0
	}

	if p.dropStreak == dropSustained {
		p.log.Warn("event bus saturated, dropping events", "total_dropped", drops)
	}
}

// Stats assembles the current snapshot. It allocates its own scratch
// so callers on other goroutines never share the probe's buffer.
func (p *HealthProbe) Stats() HealthStats {
	latBuf := p.adapter.Latency().Snapshot(nil)

	var stats HealthStats
	stats.Xruns = p.adapter.Xruns()
	stats.BusDrops = p.bus.Dropped()
	stats.Voices = p.engine.Allocator().ActiveVoices()
	stats.HeldNotes = p.engine.Allocator().HeldCount()
	if p.sup != nil {
		stats.Devices = p.sup.Devices()
	}

	if len(latBuf) > 0 {
		sorted := append([]int64(nil), latBuf...)
		sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

		var sum int64
		for _, ns := range sorted {
			sum += ns
		}
		stats.AvgLatency = time.Duration(sum / int64(len(sorted)))
		stats.P95Latency = time.Duration(sorted[len(sorted)*95/100])
	}
	return stats
}
