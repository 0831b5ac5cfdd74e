package tracking

import (
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
)

// ErrNoSource means a worker was requested for a camera the registry holds
// no frame source for.
var ErrNoSource = errors.New("no frame source for camera")

// SourcePool resolves the live frame sources workers read from. The camera
// registry backs it in production; tests supply fakes.
type SourcePool interface {
	Resolve(cameraID string) (FrameSource, bool)
	CameraIDs() []string
}

// Manager owns one tracking worker per analyzed camera. Workers are created
// on demand from the pool and share the collaborators in Deps.
type Manager struct {
	pool   SourcePool
	cfg    Config
	mainID string
	deps   Deps
	log    *logrus.Entry

	mu      sync.Mutex
	workers map[string]*Worker
}

// NewManager builds an empty manager. mainID names the priority camera for
// load scaling; an empty string means every camera degrades alike.
func NewManager(pool SourcePool, cfg Config, mainID string, deps Deps) *Manager {
	return &Manager{
		pool:    pool,
		cfg:     cfg,
		mainID:  mainID,
		deps:    deps,
		log:     deps.Logger.WithField("component", "tracking"),
		workers: make(map[string]*Worker),
	}
}

// StartCamera launches analysis for one camera. Starting an already-analyzed
// camera is a no-op.
func (m *Manager) StartCamera(cameraID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.workers[cameraID]; ok {
		return nil
	}
	frames, ok := m.pool.Resolve(cameraID)
	if !ok {
		return fmt.Errorf("start tracking %s: %w", cameraID, ErrNoSource)
	}

	cfg := m.cfg
	cfg.Main = cameraID == m.mainID
	w := NewWorker(cameraID, frames, cfg, m.deps)
	w.Start()
	m.workers[cameraID] = w
	return nil
}

// StopCamera halts and discards the camera's worker, waiting for its loop to
// exit. Unknown cameras are ignored.
func (m *Manager) StopCamera(cameraID string) {
	m.mu.Lock()
	w, ok := m.workers[cameraID]
	if ok {
		delete(m.workers, cameraID)
	}
	m.mu.Unlock()

	if ok {
		w.Stop()
	}
}

// StartAll launches workers for every camera the pool knows.
func (m *Manager) StartAll() {
	n := 0
	for _, id := range m.pool.CameraIDs() {
		if err := m.StartCamera(id); err != nil {
			m.log.WithError(err).WithField("camera_id", id).Warn("Failed to start tracking")
			continue
		}
		n++
	}
	m.log.WithField("count", n).Info("Tracking workers started")
}

// StopAll halts every worker in parallel and waits for all loops to exit.
// After it returns no worker touches the event or snapshot stores.
func (m *Manager) StopAll() {
	m.mu.Lock()
	workers := make([]*Worker, 0, len(m.workers))
	for id, w := range m.workers {
		workers = append(workers, w)
		delete(m.workers, id)
	}
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, w := range workers {
		wg.Add(1)
		go func(w *Worker) {
			defer wg.Done()
			w.Stop()
		}(w)
	}
	wg.Wait()

	m.log.WithField("count", len(workers)).Info("Tracking workers stopped")
}

// Get returns the live worker for a camera.
func (m *Manager) Get(cameraID string) (*Worker, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.workers[cameraID]
	return w, ok
}

// Running reports whether any worker is live.
func (m *Manager) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.workers) > 0
}

// Status snapshots every live worker keyed by camera id.
func (m *Manager) Status() map[string]Status {
	m.mu.Lock()
	workers := make([]*Worker, 0, len(m.workers))
	for _, w := range m.workers {
		workers = append(workers, w)
	}
	m.mu.Unlock()

	out := make(map[string]Status, len(workers))
	for _, w := range workers {
		out[w.CameraID()] = w.Status()
	}
	return out
}

// ReloadROI pushes a changed ROI to the camera's worker. Cameras without a
// live worker pick the change up at the next start.
func (m *Manager) ReloadROI(cameraID string) error {
	w, ok := m.Get(cameraID)
	if !ok {
		return nil
	}
	return w.ReloadROI()
}
