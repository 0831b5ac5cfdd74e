package tracking

import (
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/sirupsen/logrus"
)

const (
	loadSampleInterval = time.Second
	loadWindow         = 60
	minLoadSamples     = 5
)

// LoadMonitor samples system CPU usage once a second and turns the moving
// average into per-camera scheduling factors. Until enough samples exist the
// factor is neutral, so workers start at their configured rates.
type LoadMonitor struct {
	log      *logrus.Entry
	onSample func(float64)

	mu      sync.Mutex
	samples []float64

	runMu   sync.Mutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewLoadMonitor builds a stopped monitor.
func NewLoadMonitor(logger *logrus.Logger) *LoadMonitor {
	return &LoadMonitor{log: logger.WithField("component", "load")}
}

// OnSample registers a callback invoked with each CPU reading. Set before
// Start; used to feed the CPU gauge.
func (m *LoadMonitor) OnSample(fn func(float64)) { m.onSample = fn }

// Start launches the 1 Hz sampler.
func (m *LoadMonitor) Start() {
	m.runMu.Lock()
	defer m.runMu.Unlock()
	if m.running {
		return
	}
	m.running = true
	m.stopCh = make(chan struct{})
	m.doneCh = make(chan struct{})
	go m.run(m.stopCh, m.doneCh)
}

// Stop halts the sampler.
func (m *LoadMonitor) Stop() {
	m.runMu.Lock()
	if !m.running {
		m.runMu.Unlock()
		return
	}
	m.running = false
	close(m.stopCh)
	done := m.doneCh
	m.runMu.Unlock()
	<-done
}

func (m *LoadMonitor) run(stopCh, doneCh chan struct{}) {
	defer close(doneCh)

	ticker := time.NewTicker(loadSampleInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.sample()
		case <-stopCh:
			return
		}
	}
}

func (m *LoadMonitor) sample() {
	// Interval 0 measures usage since the previous call, so the ticker
	// cadence defines the sampling window.
	percents, err := cpu.Percent(0, false)
	if err != nil || len(percents) == 0 {
		if err != nil {
			m.log.WithError(err).Debug("CPU sample failed")
		}
		return
	}
	m.record(percents[0])
}

func (m *LoadMonitor) record(v float64) {
	m.mu.Lock()
	m.samples = append(m.samples, v)
	if len(m.samples) > loadWindow {
		m.samples = m.samples[len(m.samples)-loadWindow:]
	}
	m.mu.Unlock()

	if m.onSample != nil {
		m.onSample(v)
	}
}

// Average returns the moving CPU average. ok is false until minLoadSamples
// readings exist.
func (m *LoadMonitor) Average() (avg float64, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.samples) < minLoadSamples {
		return 0, false
	}
	var sum float64
	for _, v := range m.samples {
		sum += v
	}
	return sum / float64(len(m.samples)), true
}

// Factor converts the CPU average into an interval multiplier. The main
// camera degrades more gently than the others.
func (m *LoadMonitor) Factor(main bool) float64 {
	avg, ok := m.Average()
	if !ok {
		return 1.0
	}
	switch {
	case avg <= 60:
		return 1.0
	case avg <= 80:
		if main {
			return 1.1
		}
		return 1.5
	default:
		if main {
			return 1.2
		}
		return 2.0
	}
}
