package source

import (
	"fmt"
	"io"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

// State is the lifecycle phase of a frame source.
type State int32

const (
	StateIdle State = iota
	StateOpening
	StateWarmUp
	StateStreaming
	StateReconnecting
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateOpening:
		return "opening"
	case StateWarmUp:
		return "warming_up"
	case StateStreaming:
		return "streaming"
	case StateReconnecting:
		return "reconnecting"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

const (
	// DefaultWarmUp is how long USB devices get to settle after opening
	// before read failures start counting.
	DefaultWarmUp = 10 * time.Second
	// DefaultBackoff is the fixed delay between reconnection attempts.
	DefaultBackoff = 3 * time.Second
	// DefaultMaxRetries bounds consecutive failed opens before the
	// source gives up.
	DefaultMaxRetries = 10
	// DefaultMaxConsecutiveFailures bounds read failures tolerated while
	// streaming before a reconnect is forced.
	DefaultMaxConsecutiveFailures = 50
	// DefaultMaxReconnects bounds failed opens over the lifetime of the
	// source, including ones separated by successful streaks.
	DefaultMaxReconnects = 15
	// DefaultStopTimeout bounds how long Stop waits for the producer.
	DefaultStopTimeout = 2 * time.Second

	// readFailureDelay keeps a broken stream from spinning hot between
	// failed reads.
	readFailureDelay = 10 * time.Millisecond
)

// Reader delivers decoded frames from an opened stream.
type Reader interface {
	// ReadFrame blocks until the next frame is available, returning the
	// JPEG bytes and pixel dimensions. It returns io.EOF when the
	// stream ends.
	ReadFrame() ([]byte, int, int, error)
	// FPS reports the stream's declared frame rate, 0 when unknown.
	FPS() float64
	Close() error
}

// OpenFunc opens a Reader for a parsed descriptor.
type OpenFunc func(Descriptor, Config) (Reader, error)

// Config tunes a frame source. Zero values select the defaults above.
type Config struct {
	// FPS is the requested capture rate for devices and network streams.
	FPS int
	// Width and Height are requested from USB devices at open time.
	Width  int
	Height int

	WarmUp                 time.Duration
	Backoff                time.Duration
	MaxRetries             int
	MaxConsecutiveFailures int
	MaxReconnects          int
	StopTimeout            time.Duration

	// FFmpeg and FFprobe override the binaries used by the default
	// capture backend.
	FFmpeg  string
	FFprobe string

	// Open overrides the capture backend. Nil selects the ffmpeg
	// pipeline.
	Open OpenFunc
}

// Normalized returns a copy of c with zero values replaced by defaults.
func (c Config) Normalized() Config {
	if c.FPS <= 0 {
		c.FPS = 10
	}
	if c.Width <= 0 {
		c.Width = 640
	}
	if c.Height <= 0 {
		c.Height = 480
	}
	if c.WarmUp <= 0 {
		c.WarmUp = DefaultWarmUp
	}
	if c.Backoff <= 0 {
		c.Backoff = DefaultBackoff
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = DefaultMaxRetries
	}
	if c.MaxConsecutiveFailures <= 0 {
		c.MaxConsecutiveFailures = DefaultMaxConsecutiveFailures
	}
	if c.MaxReconnects <= 0 {
		c.MaxReconnects = DefaultMaxReconnects
	}
	if c.StopTimeout <= 0 {
		c.StopTimeout = DefaultStopTimeout
	}
	return c
}

// Status is a point-in-time snapshot of a source's health.
type Status struct {
	CameraID   string  `json:"camera_id"`
	Source     string  `json:"source"`
	Kind       string  `json:"kind"`
	State      string  `json:"state"`
	Active     bool    `json:"active"`
	WarmingUp  bool    `json:"warming_up"`
	FPS        float64 `json:"fps"`
	FramesRead uint64  `json:"frames_read"`
	Reconnects int     `json:"reconnects"`
	LastFrame  string  `json:"last_frame,omitempty"`
	LastError  string  `json:"last_error,omitempty"`
}

// Source continuously captures frames from one camera into a
// freshest-frame Buffer.
//
// A producer goroutine owns the capture loop and walks the lifecycle
// idle -> opening -> (warming_up) -> streaming, falling back to
// reconnecting on errors and to failed once the retry budgets run out.
// Clips restart from the top on end-of-stream, which is not a failure.
type Source struct {
	cameraID string
	desc     Descriptor
	cfg      Config
	buf      *Buffer
	log      *logrus.Entry

	state atomic.Int32

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
	cur     Reader

	statsMu      sync.Mutex
	framesRead   uint64
	effectiveFPS float64
	lastFrameAt  time.Time
	reconnects   int
	lastErr      string
}

// New builds a stopped source for the given camera.
func New(cameraID string, desc Descriptor, cfg Config, logger *logrus.Logger) *Source {
	s := &Source{
		cameraID: cameraID,
		desc:     desc,
		cfg:      cfg.Normalized(),
		buf:      NewBuffer(),
		log: logger.WithFields(logrus.Fields{
			"component": "source",
			"camera_id": cameraID,
		}),
	}
	s.state.Store(int32(StateIdle))
	return s
}

func (s *Source) CameraID() string      { return s.cameraID }
func (s *Source) Descriptor() Descriptor { return s.desc }

// Buffer exposes the freshest-frame mailbox, letting pollers watch the
// sequence number without copying frames.
func (s *Source) Buffer() *Buffer { return s.buf }

// Latest returns a copy of the most recent frame, nil when none exists.
func (s *Source) Latest() *Frame { return s.buf.Latest() }

// State reports the current lifecycle phase.
func (s *Source) State() State { return State(s.state.Load()) }

// IsActive reports whether frames are flowing (or about to, during USB
// warm-up).
func (s *Source) IsActive() bool {
	st := s.State()
	return st == StateWarmUp || st == StateStreaming
}

// Status snapshots the source's health for the API.
func (s *Source) Status() Status {
	st := s.State()

	s.statsMu.Lock()
	defer s.statsMu.Unlock()

	out := Status{
		CameraID:   s.cameraID,
		Source:     s.desc.Raw,
		Kind:       s.desc.Kind.String(),
		State:      st.String(),
		Active:     st == StateWarmUp || st == StateStreaming,
		WarmingUp:  st == StateWarmUp,
		FPS:        math.Round(s.effectiveFPS*10) / 10,
		FramesRead: s.framesRead,
		Reconnects: s.reconnects,
		LastError:  s.lastErr,
	}
	if !s.lastFrameAt.IsZero() {
		out.LastFrame = s.lastFrameAt.UTC().Format(time.RFC3339)
	}
	return out
}

// Start spawns the producer. Calling Start on a running source is a
// no-op; a failed or stopped source may be started again.
func (s *Source) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return
	}
	s.running = true
	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})
	s.setState(StateOpening)

	s.log.WithField("kind", s.desc.Kind.String()).Info("Frame source starting")
	go s.run(s.stopCh, s.doneCh)
}

// Stop signals the producer and waits up to the configured stop timeout
// for it to exit, closing the active reader to unblock a pending read.
// The mailbox is cleared so later readers cannot see stale frames.
func (s *Source) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.stopCh)
	done := s.doneCh
	cur := s.cur
	s.mu.Unlock()

	if cur != nil {
		cur.Close()
	}

	select {
	case <-done:
	case <-time.After(s.cfg.StopTimeout):
		s.log.Warn("Producer did not exit within stop timeout, abandoning")
	}

	s.buf.Clear()
	if s.State() != StateFailed {
		s.setState(StateIdle)
	}
	s.log.Info("Frame source stopped")
}

// run is the producer loop: open the stream, pump frames until it
// breaks, then reconnect within the retry budgets.
func (s *Source) run(stopCh, doneCh chan struct{}) {
	defer close(doneCh)

	consecutive := 0
	total := 0

	for {
		if stopped(stopCh) {
			return
		}
		s.setState(StateOpening)

		r, err := s.open()
		if err != nil {
			consecutive++
			total++
			s.setLastError(err)
			s.log.WithError(err).WithFields(logrus.Fields{
				"attempt": consecutive,
				"total":   total,
			}).Warn("Failed to open source")

			if total >= s.cfg.MaxReconnects {
				s.log.Error("Reconnection budget exhausted, marking source failed")
				s.setState(StateFailed)
				return
			}
			if consecutive >= s.cfg.MaxRetries {
				s.log.Error("Too many consecutive open failures, marking source failed")
				s.setState(StateFailed)
				return
			}
			s.setState(StateReconnecting)
			s.bumpReconnects()
			if !s.sleep(stopCh, s.cfg.Backoff) {
				return
			}
			continue
		}
		consecutive = 0

		s.setReader(r)
		eof := s.stream(stopCh, r)
		s.setReader(nil)
		r.Close()

		if stopped(stopCh) {
			return
		}
		if eof && s.desc.Kind == KindFile {
			// Looped playback: reopening the clip burns no retries.
			s.log.Debug("Clip ended, restarting playback")
			continue
		}
		s.setState(StateReconnecting)
		s.bumpReconnects()
		if !s.sleep(stopCh, s.cfg.Backoff) {
			return
		}
	}
}

// stream pumps frames from r into the mailbox until the stream ends,
// the read-failure budget is exceeded, or the source is stopped. It
// returns true only for a clean end-of-stream.
func (s *Source) stream(stopCh chan struct{}, r Reader) (eof bool) {
	var warmUntil time.Time
	if s.desc.Kind == KindUSB && s.cfg.WarmUp > 0 {
		warmUntil = time.Now().Add(s.cfg.WarmUp)
		s.setState(StateWarmUp)
	} else {
		s.setState(StateStreaming)
	}

	// Clips are paced to their declared rate; devices and network
	// streams deliver at whatever rate the backend produces.
	var interFrame time.Duration
	if s.desc.Kind == KindFile {
		if fps := r.FPS(); fps > 0 {
			interFrame = time.Duration(float64(time.Second) / fps)
		}
	}

	failures := 0
	var lastPublish time.Time

	for {
		if stopped(stopCh) {
			return false
		}
		if !warmUntil.IsZero() && time.Now().After(warmUntil) {
			warmUntil = time.Time{}
			s.setState(StateStreaming)
			s.log.Debug("Warm-up complete")
		}

		data, w, h, err := r.ReadFrame()
		if err != nil {
			if err == io.EOF {
				return true
			}
			if stopped(stopCh) {
				return false
			}
			// Read errors are tolerated silently while warming up.
			if warmUntil.IsZero() {
				failures++
				if failures > s.cfg.MaxConsecutiveFailures {
					s.setLastError(err)
					s.log.WithError(err).WithField("failures", failures).
						Warn("Read failure threshold exceeded, reconnecting")
					return false
				}
			}
			if !s.sleep(stopCh, readFailureDelay) {
				return false
			}
			continue
		}
		failures = 0

		if interFrame > 0 && !lastPublish.IsZero() {
			if wait := interFrame - time.Since(lastPublish); wait > 0 {
				if !s.sleep(stopCh, wait) {
					return false
				}
			}
		}

		s.publish(data, w, h)
		lastPublish = time.Now()
	}
}

func (s *Source) publish(data []byte, w, h int) {
	now := time.Now()

	s.statsMu.Lock()
	s.framesRead++
	if !s.lastFrameAt.IsZero() {
		if dt := now.Sub(s.lastFrameAt).Seconds(); dt > 0 {
			inst := 1.0 / dt
			if s.effectiveFPS == 0 {
				s.effectiveFPS = inst
			} else {
				s.effectiveFPS = 0.9*s.effectiveFPS + 0.1*inst
			}
		}
	}
	s.lastFrameAt = now
	s.statsMu.Unlock()

	s.buf.Put(&Frame{
		CameraID:  s.cameraID,
		Data:      data,
		Width:     w,
		Height:    h,
		Timestamp: now,
	})
}

func (s *Source) open() (Reader, error) {
	openFn := s.cfg.Open
	if openFn == nil {
		openFn = openFFmpeg
	}
	return openFn(s.desc, s.cfg)
}

func (s *Source) setState(st State) { s.state.Store(int32(st)) }

func (s *Source) setReader(r Reader) {
	s.mu.Lock()
	s.cur = r
	s.mu.Unlock()
}

func (s *Source) setLastError(err error) {
	s.statsMu.Lock()
	s.lastErr = err.Error()
	s.statsMu.Unlock()
}

func (s *Source) bumpReconnects() {
	s.statsMu.Lock()
	s.reconnects++
	s.statsMu.Unlock()
}

// sleep waits for d unless the stop channel closes first. It returns
// false when the source is stopping.
func (s *Source) sleep(stopCh chan struct{}, d time.Duration) bool {
	if d <= 0 {
		return !stopped(stopCh)
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-stopCh:
		return false
	case <-t.C:
		return true
	}
}

func stopped(stopCh chan struct{}) bool {
	select {
	case <-stopCh:
		return true
	default:
		return false
	}
}

// Probe validates a descriptor by opening it, reading a single frame
// and closing again. The registry runs this before installing a camera.
func Probe(desc Descriptor, cfg Config) error {
	cfg = cfg.Normalized()
	openFn := cfg.Open
	if openFn == nil {
		openFn = openFFmpeg
	}

	r, err := openFn(desc, cfg)
	if err != nil {
		return fmt.Errorf("open %s: %w", desc.Raw, err)
	}
	defer r.Close()

	if _, _, _, err := r.ReadFrame(); err != nil {
		return fmt.Errorf("read %s: %w", desc.Raw, err)
	}
	return nil
}
