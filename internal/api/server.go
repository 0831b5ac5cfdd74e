// Package api is the HTTP surface of the engine: camera management, the
// detection log, aggregated metrics, live MJPEG feeds and WebSocket event
// streams.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"

	"passage/internal/analytics"
	"passage/internal/auth"
	"passage/internal/bus"
	"passage/internal/config"
	"passage/internal/detect"
	"passage/internal/metrics"
	"passage/internal/registry"
	"passage/internal/snapshot"
	"passage/internal/store"
	"passage/internal/tracking"
	"passage/internal/ws"
)

// requestTimeout bounds every request except the long-lived streams.
const requestTimeout = 30 * time.Second

// Deps are the collaborators the HTTP surface exposes. Store, Registry,
// Tracker, Analytics and Logger are required; the rest degrade gracefully
// when absent.
type Deps struct {
	Store     *store.Store
	Registry  *registry.Registry
	Tracker   *tracking.Manager
	Snapshots *snapshot.Store
	Analytics *analytics.Aggregator
	Bus       *bus.Bus
	Hub       *ws.Hub
	Auth      *auth.Authenticator
	Detector  detect.Detector
	Metrics   *metrics.Metrics
	Logger    *logrus.Logger
}

// Server serves the REST API, the live streams and the operational probes.
type Server struct {
	cfg     config.APIConfig
	deps    Deps
	log     *logrus.Entry
	started time.Time
	srv     *http.Server
}

// New assembles the server. It does not bind the listen address until Start.
func New(cfg config.APIConfig, deps Deps) *Server {
	if deps.Auth == nil {
		// A disabled authenticator cannot fail to build.
		deps.Auth, _ = auth.New(auth.Config{})
	}
	s := &Server{
		cfg:     cfg,
		deps:    deps,
		log:     deps.Logger.WithField("component", "api"),
		started: time.Now(),
	}
	s.srv = &http.Server{
		Addr:              cfg.Addr(),
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Router builds the chi handler tree. Exposed separately so tests can mount
// it without a listener.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(s.logRequests)

	// Long-lived streams are exempt from the request timeout.
	r.Get("/video_feed/{cameraID}", s.handleVideoFeed)
	if s.deps.Hub != nil {
		r.Get("/ws/events/{cameraID}", ws.NewHandler(s.deps.Hub, s.deps.Logger).ServeHTTP)
	}

	r.Group(func(r chi.Router) {
		r.Use(chimw.Timeout(requestTimeout))

		r.Get("/healthz", s.handleHealthz)
		r.Get("/readyz", s.handleReadyz)
		if s.deps.Metrics != nil {
			r.Method(http.MethodGet, "/metrics", s.deps.Metrics.Handler())
		}
		r.Post("/api/auth/login", s.handleLogin)

		r.Get("/api/status", s.handleStatus)
		r.Get("/api/cameras", s.handleListCameras)
		r.Get("/api/cameras/{cameraID}", s.handleGetCamera)
		r.Get("/api/cameras/{cameraID}/status", s.handleCameraStatus)
		r.Get("/api/events", s.handleEvents)
		r.Get("/api/detections/recent", s.handleRecentDetections)
		r.Get("/api/metrics", s.handleMetrics)
		r.Get("/api/metrics/summary", s.handleMetricsSummary)
		r.Get("/api/metrics/daily", s.handleMetricsDaily)
		r.Get("/api/analytics/compare", s.handleCompare)
		r.Get("/api/analytics/time-series", s.handleTimeSeries)
		r.Get("/api/analytics/heatmap", s.handleHeatmap)
		r.Get("/api/settings", s.handleGetSettings)
		r.Get("/api/snapshots/{cameraID}", s.handleSnapshots)
		r.Get("/api/snapshot-image/{cameraID}/{file}", s.handleSnapshotImage)

		// Mutations require a bearer token once auth is enabled.
		r.Group(func(r chi.Router) {
			r.Use(s.deps.Auth.Middleware)
			r.Post("/api/cameras", s.handleAddCamera)
			r.Put("/api/cameras/{cameraID}", s.handleUpdateCamera)
			r.Delete("/api/cameras/{cameraID}", s.handleDeleteCamera)
			r.Post("/api/cameras/{cameraID}/roi", s.handleSetROI)
			r.Post("/api/cameras/{cameraID}/roi/clear", s.handleClearROI)
			r.Post("/api/settings", s.handleSetSettings)
			r.Post("/api/detection/start", s.handleDetectionStart)
			r.Post("/api/detection/stop", s.handleDetectionStop)
		})
	})

	return r
}

// Start blocks serving requests until Shutdown or a listener error.
func (s *Server) Start() error {
	s.log.WithField("addr", s.srv.Addr).Info("HTTP server listening")
	err := s.srv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests until ctx expires.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.log.WithFields(logrus.Fields{
			"method":     r.Method,
			"path":       r.URL.Path,
			"status":     ww.Status(),
			"duration":   time.Since(start).String(),
			"request_id": chimw.GetReqID(r.Context()),
		}).Debug("HTTP request")
	})
}

func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(payload)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

// queryInt parses an integer query parameter, returning def when absent or
// malformed.
func queryInt(r *http.Request, key string, def int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}
