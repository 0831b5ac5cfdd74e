package tracking

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"passage/internal/bus"
	"passage/internal/detect"
	"passage/internal/metrics"
	"passage/internal/notify"
	"passage/internal/snapshot"
	"passage/internal/source"
	"passage/internal/store"
	"passage/internal/tracking/direction"
)

const (
	// emptyFrameLimit is how many consecutive person-free frames close a
	// presence episode.
	emptyFrameLimit = 5

	// minTrackPositions gates movement classification; shorter paths are
	// too noisy to average.
	minTrackPositions = 3

	// flowMinPoints and flowHistoryCap bound the camera-level horizontal
	// flow window.
	flowMinPoints  = 5
	flowHistoryCap = 10

	noFrameDelay        = 100 * time.Millisecond
	inferenceRetryDelay = 500 * time.Millisecond

	flowUnknown = "unknown"
)

// FrameSource yields the most recent frame of one camera. *source.Source
// satisfies it; tests inject fakes.
type FrameSource interface {
	Latest() *source.Frame
}

var _ FrameSource = (*source.Source)(nil)

// Config tunes one worker. Zero values fall back to the documented defaults.
type Config struct {
	IdleFPS            float64
	ActiveFPS          float64
	PersonClassID      int
	DirectionThreshold float64
	TrackExpiry        time.Duration

	// Main marks the priority camera, which degrades more gently under
	// CPU pressure.
	Main bool
}

func (c Config) normalized() Config {
	if c.IdleFPS <= 0 {
		c.IdleFPS = 1
	}
	if c.ActiveFPS <= 0 {
		c.ActiveFPS = 5
	}
	if c.DirectionThreshold <= 0 {
		c.DirectionThreshold = 20
	}
	if c.TrackExpiry <= 0 {
		c.TrackExpiry = 2 * time.Second
	}
	return c
}

// Deps carries the collaborators shared by every worker. Store, Detector and
// Logger are required; the rest degrade to no-ops when nil.
type Deps struct {
	Store     *store.Store
	Snapshots *snapshot.Store
	Detector  detect.Detector
	Bus       *bus.Bus
	Notifier  notify.Notifier
	Load      *LoadMonitor
	Metrics   *metrics.Metrics

	// Footfall is called with the camera id after each committed entry or
	// exit so the aggregator can invalidate cached counts.
	Footfall func(cameraID string)

	Logger *logrus.Logger
}

// Status is a worker's live state for the HTTP surface.
type Status struct {
	CameraID          string `json:"camera_id"`
	Running           bool   `json:"running"`
	Active            bool   `json:"active"`
	PersonDetected    bool   `json:"person_detected"`
	Direction         string `json:"direction,omitempty"`
	Flow              string `json:"flow"`
	LastDetectionTime string `json:"last_detection_time,omitempty"`
	Tracks            int    `json:"tracks"`
	FramesProcessed   uint64 `json:"frames_processed"`
}

// Worker analyzes one camera: it polls the freshest frame at an adaptive
// rate, runs detection with persistent tracking, maintains the camera's
// track table and commits entry/exit events. All mutable state is owned by
// the worker; Status copies it out under the lock.
type Worker struct {
	cameraID string
	frames   FrameSource
	deps     Deps
	cfg      Config
	log      *logrus.Entry

	mu     sync.Mutex
	roiCfg *store.ROIConfig
	axis   direction.Vector
	// hasAxis is false when no ROI is configured, which disables entry and
	// exit classification entirely.
	hasAxis bool
	tracks  map[int]*track

	// active reflects the last processed frame; person carries the
	// five-frame hysteresis for presence episodes.
	active    bool
	person    bool
	empty     int
	flow      string
	xHistory  []float64
	lastLabel direction.Label
	lastSeen  time.Time
	processed uint64

	runMu   sync.Mutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
	cancel  context.CancelFunc
}

// NewWorker builds a stopped worker and loads the camera's ROI from the
// store. A missing ROI is normal: the worker then analyzes the full frame
// and never classifies entry or exit.
func NewWorker(cameraID string, frames FrameSource, cfg Config, deps Deps) *Worker {
	w := &Worker{
		cameraID: cameraID,
		frames:   frames,
		deps:     deps,
		cfg:      cfg.normalized(),
		log: deps.Logger.WithFields(logrus.Fields{
			"component": "tracking",
			"camera_id": cameraID,
		}),
		tracks: make(map[int]*track),
		flow:   flowUnknown,
	}
	if err := w.ReloadROI(); err != nil {
		w.log.WithError(err).Warn("ROI load failed, analyzing full frame")
	}
	return w
}

// CameraID returns the camera this worker analyzes.
func (w *Worker) CameraID() string { return w.cameraID }

// ReloadROI re-reads the camera's ROI and entry direction from the store.
// Called at construction and whenever the configuration changes.
func (w *Worker) ReloadROI() error {
	cfg, err := w.deps.Store.GetCameraConfig(w.cameraID)
	if err != nil {
		return err
	}

	var axis direction.Vector
	hasAxis := false
	if cfg != nil {
		v, perr := direction.Parse(cfg.EntryDirection)
		if perr != nil {
			w.log.WithError(perr).Warn("stored entry direction is invalid, direction classification disabled")
		} else {
			axis, hasAxis = v, true
		}
	}

	w.mu.Lock()
	w.roiCfg = cfg
	w.axis = axis
	w.hasAxis = hasAxis
	w.mu.Unlock()

	if cfg != nil {
		w.log.WithFields(logrus.Fields{
			"roi":             fmt.Sprintf("(%d,%d,%d,%d)", cfg.X1, cfg.Y1, cfg.X2, cfg.Y2),
			"entry_direction": cfg.EntryDirection,
		}).Info("ROI loaded")
	}
	return nil
}

// Start launches the analysis loop.
func (w *Worker) Start() {
	w.runMu.Lock()
	defer w.runMu.Unlock()
	if w.running {
		return
	}
	w.running = true
	w.stopCh = make(chan struct{})
	w.doneCh = make(chan struct{})
	ctx, cancel := context.WithCancel(context.Background())
	w.cancel = cancel
	go w.run(ctx, w.stopCh, w.doneCh)
}

// Stop halts the loop and waits for it to exit. Safe to call repeatedly.
func (w *Worker) Stop() {
	w.runMu.Lock()
	if !w.running {
		w.runMu.Unlock()
		return
	}
	w.running = false
	close(w.stopCh)
	w.cancel()
	done := w.doneCh
	w.runMu.Unlock()
	<-done
}

// IsRunning reports whether the loop is live.
func (w *Worker) IsRunning() bool {
	w.runMu.Lock()
	defer w.runMu.Unlock()
	return w.running
}

// Status snapshots the worker's aggregate state.
func (w *Worker) Status() Status {
	running := w.IsRunning()

	w.mu.Lock()
	defer w.mu.Unlock()

	st := Status{
		CameraID:        w.cameraID,
		Running:         running,
		Active:          w.active,
		PersonDetected:  w.person,
		Direction:       string(w.lastLabel),
		Flow:            w.flow,
		Tracks:          len(w.tracks),
		FramesProcessed: w.processed,
	}
	if !w.lastSeen.IsZero() {
		st.LastDetectionTime = store.FormatTime(w.lastSeen)
	}
	return st
}

func (w *Worker) run(ctx context.Context, stopCh, doneCh chan struct{}) {
	defer close(doneCh)

	w.log.Info("tracking worker started")
	defer w.log.Info("tracking worker stopped")

	var last time.Time
	for {
		select {
		case <-stopCh:
			return
		default:
		}

		if !last.IsZero() {
			if wait := w.interval() - time.Since(last); wait > 0 {
				if !w.sleep(stopCh, wait) {
					return
				}
			}
		}

		frame := w.frames.Latest()
		if frame == nil {
			if !w.sleep(stopCh, noFrameDelay) {
				return
			}
			continue
		}

		last = time.Now()
		if err := w.processFrame(ctx, last, frame); err != nil {
			w.log.WithError(err).Warn("inference failed")
			if !w.sleep(stopCh, inferenceRetryDelay) {
				return
			}
		}
	}
}

// interval is the current inter-frame delay: the idle or active base rate
// stretched by the load factor.
func (w *Worker) interval() time.Duration {
	w.mu.Lock()
	active := w.active
	w.mu.Unlock()

	base := 1 / w.cfg.IdleFPS
	if active {
		base = 1 / w.cfg.ActiveFPS
	}
	factor := 1.0
	if w.deps.Load != nil {
		factor = w.deps.Load.Factor(w.cfg.Main)
	}
	return time.Duration(base * factor * float64(time.Second))
}

func (w *Worker) sleep(stopCh chan struct{}, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-stopCh:
		return false
	}
}

// observation is one qualifying detection translated back to frame space.
type observation struct {
	id         int
	p          direction.Vector
	confidence float64
}

// processFrame runs one full analysis pass. It returns an error only when
// inference fails; store and snapshot problems are logged and never stall
// the loop.
func (w *Worker) processFrame(ctx context.Context, now time.Time, frame *source.Frame) error {
	w.mu.Lock()
	roiCfg := w.roiCfg
	axis, hasAxis := w.axis, w.hasAxis
	w.mu.Unlock()

	// rect is the logical ROI detections are tested against; the offset
	// translates detector coordinates back to frame space and follows the
	// image actually submitted, which stays the full frame when the crop
	// fails.
	rect := fullFrame(frame.Width, frame.Height)
	data := frame.Data
	offX, offY := 0, 0
	if roiCfg != nil {
		rect = ProjectROI(roiCfg, frame.Width, frame.Height)
		cropped, err := cropJPEG(frame.Data, rect, frame.Width, frame.Height)
		if err != nil {
			w.log.WithError(err).Warn("ROI crop failed, running inference on the full frame")
		} else {
			data = cropped
			offX, offY = rect.X1, rect.Y1
		}
	}

	begin := time.Now()
	detections, err := w.deps.Detector.DetectAndTrack(ctx, data)
	if err != nil {
		if w.deps.Metrics != nil {
			w.deps.Metrics.InferenceErrors.WithLabelValues(w.cameraID).Inc()
		}
		return fmt.Errorf("detect and track: %w", err)
	}
	if w.deps.Metrics != nil {
		w.deps.Metrics.InferenceTime.Observe(time.Since(begin).Seconds())
		w.deps.Metrics.FramesProcessed.WithLabelValues(w.cameraID).Inc()
	}

	// Detections without a tracker id cannot be followed across frames and
	// are discarded. Centroids move back to frame coordinates by the crop
	// offset.
	var seen []observation
	for _, d := range detections {
		if d.ClassID != w.cfg.PersonClassID || d.TrackID == nil {
			continue
		}
		cx, cy := d.Centroid()
		seen = append(seen, observation{
			id:         *d.TrackID,
			p:          direction.Vector{X: cx + float64(offX), Y: cy + float64(offY)},
			confidence: d.Confidence,
		})
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	w.processed++
	w.active = len(seen) > 0

	for _, o := range seen {
		tr, ok := w.tracks[o.id]
		first := !ok
		if first {
			tr = newTrack(o.id, now, w.captureSnapshot(frame, now))
			w.tracks[o.id] = tr
			w.log.WithField("track_id", o.id).Debug("track born")
		}

		wasIn := tr.inROI
		tr.observe(o.p, now)
		tr.inROI = rect.Contains(o.p.X, o.p.Y)
		// A track's first sighting establishes in_roi rather than crossing
		// the boundary.
		crossed := !first && tr.inROI != wasIn

		if !hasAxis {
			continue
		}
		if len(tr.positions) >= minTrackPositions && (!tr.directionLogged || crossed) {
			if label := direction.Classify(tr.positions, axis); label != direction.Undetermined {
				w.commit(tr, label, o.confidence, now)
			}
		}
		if crossed && !tr.directionLogged {
			label := direction.Exit
			if tr.inROI {
				label = direction.Entry
			}
			w.commit(tr, label, o.confidence, now)
		}
	}

	w.updatePresence(seen, now)

	for id, tr := range w.tracks {
		if tr.expired(now, w.cfg.TrackExpiry) {
			delete(w.tracks, id)
			w.log.WithField("track_id", id).Debug("track expired")
		}
	}
	if w.deps.Metrics != nil {
		w.deps.Metrics.ActiveTracks.WithLabelValues(w.cameraID).Set(float64(len(w.tracks)))
	}
	return nil
}

// captureSnapshot writes the track's single birth still. On failure the
// track simply carries no snapshot. Called with w.mu held.
func (w *Worker) captureSnapshot(frame *source.Frame, now time.Time) string {
	if w.deps.Snapshots == nil {
		return ""
	}
	path, err := w.deps.Snapshots.Save(w.cameraID, frame.Data, now)
	if err != nil {
		w.log.WithError(err).Warn("snapshot write failed")
		return ""
	}
	return path
}

// commit latches the track's one direction label and makes it durable.
// Repeat classifications for the same track are dropped here. Called with
// w.mu held.
func (w *Worker) commit(tr *track, label direction.Label, confidence float64, now time.Time) {
	if tr.directionLogged {
		return
	}
	tr.directionLogged = true
	tr.label = label
	w.lastLabel = label

	w.log.WithFields(logrus.Fields{
		"track_id":  tr.id,
		"direction": string(label),
	}).Info("crossing committed")

	ev := &store.DetectionEvent{
		EventType:    string(label),
		CameraID:     w.cameraID,
		Confidence:   confidence,
		Details:      fmt.Sprintf(`{"track_id":%d}`, tr.id),
		SnapshotPath: tr.snapshotPath,
	}
	if err := w.deps.Store.InsertDetectionEvent(ev); err != nil {
		w.log.WithError(err).Error("event write failed")
	}

	payload := map[string]any{
		"camera_id": w.cameraID,
		"track_id":  tr.id,
		"direction": string(label),
	}
	if tr.snapshotPath != "" {
		payload["snapshot_path"] = tr.snapshotPath
	}
	if w.deps.Notifier != nil {
		w.deps.Notifier.Emit(string(label), notify.WithTimestamp(clonePayload(payload)))
	}
	w.publish(bus.Type(label), payload)

	if w.deps.Footfall != nil {
		w.deps.Footfall(w.cameraID)
	}
	if w.deps.Metrics != nil {
		w.deps.Metrics.DetectionEvents.WithLabelValues(w.cameraID, string(label)).Inc()
	}
}

// updatePresence maintains the camera-level aggregate: the person_detected
// flag with its five-frame hysteresis and the horizontal flow estimate.
// Called with w.mu held.
func (w *Worker) updatePresence(seen []observation, now time.Time) {
	if len(seen) > 0 {
		w.empty = 0
		w.lastSeen = now
		if !w.person {
			w.person = true
			w.flow = flowUnknown
			w.xHistory = w.xHistory[:0]
			w.log.Info("person detected, switching to active rate")
			w.publish(bus.TypePresence, map[string]any{"person_detected": true})
		}
		w.updateFlow(seen[0].p.X)
		return
	}

	if !w.person {
		return
	}
	w.empty++
	if w.empty < emptyFrameLimit {
		return
	}

	last := w.flow
	w.person = false
	w.empty = 0
	w.flow = flowUnknown
	w.xHistory = w.xHistory[:0]
	w.log.WithField("direction", last).Info("person lost, switching to idle rate")

	// The closing row is what the hourly metrics and direction counts
	// aggregate over.
	ev := &store.DetectionEvent{
		EventType: "detection_end",
		Direction: last,
		CameraID:  w.cameraID,
	}
	if err := w.deps.Store.InsertDetectionEvent(ev); err != nil {
		w.log.WithError(err).Error("event write failed")
	}
	w.publish(bus.TypePresence, map[string]any{
		"person_detected": false,
		"last_direction":  last,
	})
	if w.deps.Metrics != nil {
		w.deps.Metrics.DetectionEvents.WithLabelValues(w.cameraID, "detection_end").Inc()
	}
}

// updateFlow feeds the camera-level horizontal window and flips the flow
// direction once displacement beats the threshold. Flow is coarser than the
// per-track labels and works without an ROI. Called with w.mu held.
func (w *Worker) updateFlow(x float64) {
	w.xHistory = append(w.xHistory, x)
	if len(w.xHistory) > flowHistoryCap {
		w.xHistory = w.xHistory[len(w.xHistory)-flowHistoryCap:]
	}
	if len(w.xHistory) < flowMinPoints {
		return
	}

	dx := w.xHistory[len(w.xHistory)-1] - w.xHistory[0]
	if dx < 0 {
		if -dx <= w.cfg.DirectionThreshold {
			return
		}
	} else if dx <= w.cfg.DirectionThreshold {
		return
	}

	flow := direction.Flow(direction.Vector{X: dx})
	if flow == w.flow {
		return
	}
	w.flow = flow
	w.log.WithField("direction", flow).Info("flow direction determined")

	ev := &store.DetectionEvent{
		EventType: "direction",
		Direction: flow,
		CameraID:  w.cameraID,
	}
	if err := w.deps.Store.InsertDetectionEvent(ev); err != nil {
		w.log.WithError(err).Error("event write failed")
	}
	w.publish(bus.TypeDirection, map[string]any{"direction": flow})
	if w.deps.Metrics != nil {
		w.deps.Metrics.DetectionEvents.WithLabelValues(w.cameraID, "direction").Inc()
	}
}

func (w *Worker) publish(t bus.Type, payload map[string]any) {
	if w.deps.Bus == nil {
		return
	}
	w.deps.Bus.Publish(&bus.Event{
		Type:      t,
		CameraID:  w.cameraID,
		Timestamp: store.FormatTime(store.UTCNow()),
		Payload:   payload,
	})
}

func clonePayload(p map[string]any) map[string]any {
	out := make(map[string]any, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}
