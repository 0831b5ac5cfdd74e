package registry

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"passage/internal/bus"
	"passage/internal/source"
	"passage/internal/store"
)

const (
	// probeAttempts is how many times a new source is opened, read and
	// closed before registration is rejected.
	probeAttempts = 3
	// replaceGrace gives a stopped device time to release its handle
	// before a replacement source opens it.
	replaceGrace = 500 * time.Millisecond
)

type entry struct {
	src     *source.Source
	name    string
	enabled bool
}

// Registry is the named collection of frame sources, one per camera.
// It owns their lifecycles and keeps the camera table in the store in
// step with the in-memory set.
type Registry struct {
	mu   sync.Mutex
	cams map[string]*entry

	st     *store.Store
	cfg    source.Config
	events *bus.Bus
	logger *logrus.Logger
	log    *logrus.Entry
}

// New builds an empty registry. Call Load to install persisted cameras.
func New(st *store.Store, cfg source.Config, logger *logrus.Logger) *Registry {
	return &Registry{
		cams:   make(map[string]*entry),
		st:     st,
		cfg:    cfg.Normalized(),
		logger: logger,
		log:    logger.WithField("component", "registry"),
	}
}

// SetBus wires the event bus camera lifecycle changes are announced on.
// Without one the registry stays silent.
func (r *Registry) SetBus(b *bus.Bus) {
	r.events = b
}

func (r *Registry) announce(cameraID, action string) {
	if r.events == nil {
		return
	}
	r.events.Publish(&bus.Event{
		Type:      bus.TypeCameraStatus,
		CameraID:  cameraID,
		Timestamp: store.UTCNow(),
		Payload:   map[string]any{"action": action},
	})
}

// Load installs every camera persisted in the store, stopped. Cameras
// whose source no longer parses are skipped with a warning rather than
// blocking startup.
func (r *Registry) Load() error {
	records, err := r.st.ListCameras()
	if err != nil {
		return fmt.Errorf("load cameras: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, rec := range records {
		desc, err := source.ParseDescriptor(rec.Source)
		if err != nil {
			r.log.WithError(err).WithField("camera_id", rec.CameraID).
				Warn("Skipping persisted camera with invalid source")
			continue
		}
		r.cams[rec.CameraID] = &entry{
			src:     source.New(rec.CameraID, desc, r.cameraConfig(rec), r.logger),
			name:    rec.Name,
			enabled: rec.Enabled,
		}
	}

	r.log.WithField("count", len(r.cams)).Info("Cameras loaded from store")
	return nil
}

// EnsureDefault seeds the camera id from the configured capture device when
// no persisted camera claims it, so fresh installations get their first
// camera without an API call. The seeded record persists like any other and
// is installed stopped; StartAll picks it up. No probe runs: the source's
// own reconnect machinery covers devices that are absent at boot.
func (r *Registry) EnsureDefault(id, rawSource, name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.cams[id]; ok {
		return nil
	}
	desc, err := source.ParseDescriptor(rawSource)
	if err != nil {
		return fmt.Errorf("default camera source: %w", err)
	}

	record := &store.CameraRecord{
		CameraID: id,
		Source:   desc.Raw,
		Name:     name,
		Width:    r.cfg.Width,
		Height:   r.cfg.Height,
		FPS:      r.cfg.FPS,
		Enabled:  true,
	}
	if err := r.st.SaveCamera(record); err != nil {
		r.log.WithError(err).WithField("camera_id", id).Warn("Failed to persist camera")
	}

	r.cams[id] = &entry{
		src:     source.New(id, desc, r.cfg, r.logger),
		name:    name,
		enabled: true,
	}
	r.log.WithFields(logrus.Fields{
		"camera_id": id,
		"source":    desc.Raw,
	}).Info("Default camera seeded")
	return nil
}

func (r *Registry) cameraConfig(rec *store.CameraRecord) source.Config {
	cfg := r.cfg
	if rec.Width > 0 {
		cfg.Width = rec.Width
	}
	if rec.Height > 0 {
		cfg.Height = rec.Height
	}
	if rec.FPS > 0 {
		cfg.FPS = rec.FPS
	}
	return cfg
}

// Add registers a camera with the registry's default capture geometry.
// New ids are validated by opening the source, reading one frame and
// closing again (up to three attempts). Re-adding an id with an identical
// source is a no-op that leaves the running instance untouched; a
// different source stops the old capture, waits a short grace for the
// device to release, and installs the replacement. Numeric source strings
// are coerced to USB device indices.
func (r *Registry) Add(id, rawSource, name string, enabled bool) error {
	return r.AddRecord(&store.CameraRecord{
		CameraID: id,
		Source:   rawSource,
		Name:     name,
		Enabled:  enabled,
	})
}

// AddRecord registers the camera rec describes. Zero geometry fields fall
// back to the registry defaults. See Add for the validation and
// replacement rules.
func (r *Registry) AddRecord(rec *store.CameraRecord) error {
	id := rec.CameraID
	if strings.TrimSpace(id) == "" {
		return fmt.Errorf("empty camera id")
	}
	desc, err := source.ParseDescriptor(rec.Source)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.cams[id]; ok {
		if existing.src.Descriptor().Raw == desc.Raw {
			r.log.WithField("camera_id", id).Debug("Camera already registered with identical source")
			return nil
		}
		existing.src.Stop()
		time.Sleep(replaceGrace)
		delete(r.cams, id)
		r.log.WithFields(logrus.Fields{
			"camera_id": id,
			"old":       existing.src.Descriptor().Raw,
			"new":       desc.Raw,
		}).Info("Replacing camera source")
	} else if err := r.validate(desc); err != nil {
		return err
	}

	record := &store.CameraRecord{
		CameraID: id,
		Source:   desc.Raw,
		Name:     rec.Name,
		Width:    rec.Width,
		Height:   rec.Height,
		FPS:      rec.FPS,
		Enabled:  rec.Enabled,
	}
	cfg := r.cameraConfig(record)
	record.Width = cfg.Width
	record.Height = cfg.Height
	record.FPS = cfg.FPS
	if err := r.st.SaveCamera(record); err != nil {
		r.log.WithError(err).WithField("camera_id", id).Warn("Failed to persist camera")
	}

	e := &entry{
		src:     source.New(id, desc, cfg, r.logger),
		name:    rec.Name,
		enabled: rec.Enabled,
	}
	r.cams[id] = e
	if rec.Enabled {
		e.src.Start()
	}

	r.log.WithFields(logrus.Fields{
		"camera_id": id,
		"source":    desc.Raw,
		"enabled":   rec.Enabled,
	}).Info("Camera registered")
	r.announce(id, "added")
	return nil
}

func (r *Registry) validate(desc source.Descriptor) error {
	var err error
	for attempt := 1; attempt <= probeAttempts; attempt++ {
		if err = source.Probe(desc, r.cfg); err == nil {
			return nil
		}
		r.log.WithError(err).WithFields(logrus.Fields{
			"source":  desc.Raw,
			"attempt": attempt,
		}).Warn("Source validation failed")
	}
	return err
}

// Remove stops the camera's capture and deletes it from the registry
// and the store, including its region-of-interest configuration.
func (r *Registry) Remove(id string) error {
	r.mu.Lock()
	e, ok := r.cams[id]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("camera %s not found", id)
	}
	delete(r.cams, id)
	r.mu.Unlock()

	e.src.Stop()

	if err := r.st.DeleteCamera(id); err != nil {
		r.log.WithError(err).WithField("camera_id", id).Warn("Failed to delete camera from store")
	}
	r.log.WithField("camera_id", id).Info("Camera removed")
	r.announce(id, "removed")
	return nil
}

// Rename updates a camera's display name in place. The capture keeps
// running.
func (r *Registry) Rename(id, name string) error {
	r.mu.Lock()
	e, ok := r.cams[id]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("camera %s not found", id)
	}
	e.name = name
	r.mu.Unlock()

	rec, err := r.st.GetCamera(id)
	if err != nil || rec == nil {
		r.log.WithError(err).WithField("camera_id", id).Warn("Failed to load camera record for rename")
		return nil
	}
	rec.Name = name
	if err := r.st.SaveCamera(rec); err != nil {
		r.log.WithError(err).WithField("camera_id", id).Warn("Failed to persist camera rename")
	}
	return nil
}

// Get returns the frame source for a camera id.
func (r *Registry) Get(id string) (*source.Source, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.cams[id]
	if !ok {
		return nil, false
	}
	return e.src, true
}

// Name returns the display name recorded for a camera id.
func (r *Registry) Name(id string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.cams[id]; ok {
		return e.name
	}
	return ""
}

// ListAll reports the status of every installed camera, sorted by id.
func (r *Registry) ListAll() []source.Status {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]source.Status, 0, len(r.cams))
	for _, e := range r.cams {
		out = append(out, e.src.Status())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CameraID < out[j].CameraID })
	return out
}

// ListActive reports only the cameras whose frames are flowing.
func (r *Registry) ListActive() []source.Status {
	all := r.ListAll()
	active := make([]source.Status, 0, len(all))
	for _, st := range all {
		if st.Active {
			active = append(active, st)
		}
	}
	return active
}

// Counts reports installed and actively streaming camera totals.
func (r *Registry) Counts() (total, active int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.cams {
		total++
		if e.src.IsActive() {
			active++
		}
	}
	return total, active
}

// SetEnabled persists the flag and starts or stops the capture to match.
func (r *Registry) SetEnabled(id string, enabled bool) error {
	r.mu.Lock()
	e, ok := r.cams[id]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("camera %s not found", id)
	}
	e.enabled = enabled
	src := e.src
	r.mu.Unlock()

	if err := r.st.SetCameraEnabled(id, enabled); err != nil {
		r.log.WithError(err).WithField("camera_id", id).Warn("Failed to persist camera enabled state")
	}
	if enabled {
		src.Start()
		r.announce(id, "enabled")
	} else {
		src.Stop()
		r.announce(id, "disabled")
	}
	return nil
}

// StartAll starts capture for every enabled camera.
func (r *Registry) StartAll() {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for _, e := range r.cams {
		if e.enabled {
			e.src.Start()
			n++
		}
	}
	r.log.WithField("count", n).Info("Started enabled cameras")
}

// StopAll stops every camera in parallel, bounded by each source's own
// drain timeout.
func (r *Registry) StopAll() {
	r.mu.Lock()
	sources := make([]*source.Source, 0, len(r.cams))
	for _, e := range r.cams {
		sources = append(sources, e.src)
	}
	r.mu.Unlock()

	var wg sync.WaitGroup
	for _, s := range sources {
		wg.Add(1)
		go func(s *source.Source) {
			defer wg.Done()
			s.Stop()
		}(s)
	}
	wg.Wait()

	r.log.WithField("count", len(sources)).Info("All cameras stopped")
}
