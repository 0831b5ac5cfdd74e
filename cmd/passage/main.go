// Command passage runs the person-presence engine: frame sources, tracking
// workers, the event store and the HTTP surface, wired per the loaded
// configuration.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"passage/internal/analytics"
	"passage/internal/api"
	"passage/internal/auth"
	"passage/internal/bus"
	"passage/internal/config"
	"passage/internal/detect"
	"passage/internal/logging"
	"passage/internal/metrics"
	"passage/internal/notify"
	"passage/internal/registry"
	"passage/internal/snapshot"
	"passage/internal/source"
	"passage/internal/store"
	"passage/internal/tracking"
	"passage/internal/ws"
)

const shutdownGrace = 5 * time.Second

// mainCameraID names the camera that keeps its full analysis rate when the
// load monitor degrades the rest.
const mainCameraID = "main"

// registryPool adapts the camera registry to the tracking manager's source
// pool port.
type registryPool struct{ reg *registry.Registry }

func (p registryPool) Resolve(id string) (tracking.FrameSource, bool) {
	src, ok := p.reg.Get(id)
	if !ok {
		return nil, false
	}
	return src, true
}

func (p registryPool) CameraIDs() []string {
	statuses := p.reg.ListAll()
	ids := make([]string, 0, len(statuses))
	for _, st := range statuses {
		ids = append(ids, st.CameraID)
	}
	return ids
}

func main() {
	configF := flag.String("config", "", "Path to the YAML configuration file (default: ./config.yaml when present)")
	flag.Parse()

	cfg, err := config.Load(*configF)
	if err != nil {
		fmt.Fprintf(os.Stderr, "passage: %v\n", err)
		os.Exit(1)
	}

	logger := logging.New(cfg.Logging)
	if cfg.API.Debug {
		logger.SetLevel(logrus.DebugLevel)
	}
	logger.WithFields(logrus.Fields{
		"db":       cfg.Database.Path,
		"detector": cfg.Detection.Endpoint,
		"model":    cfg.Detection.ModelPath,
	}).Info("Starting passage")

	st, err := store.Open(cfg.Database.Path)
	if err != nil {
		logger.WithError(err).Fatal("Failed to open store")
	}
	logging.AttachStoreHook(logger, func(level, module, message string) {
		_ = st.LogSystem(level, module, message)
	})

	snaps, err := snapshot.New(cfg.Snapshots.Root, cfg.Snapshots.MaxFiles,
		time.Duration(cfg.Snapshots.CleanupInterval)*time.Second, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to prepare snapshot store")
	}
	snaps.Start()

	events := bus.New()

	reg := registry.New(st, source.Config{
		Width:  cfg.Camera.Width,
		Height: cfg.Camera.Height,
		FPS:    cfg.Camera.FPS,
	}, logger)
	reg.SetBus(events)
	if err := reg.Load(); err != nil {
		logger.WithError(err).Fatal("Failed to load cameras")
	}
	if err := reg.EnsureDefault(mainCameraID, strconv.Itoa(cfg.Camera.DeviceID), "Main Camera"); err != nil {
		logger.WithError(err).Warn("Default camera unavailable")
	}
	reg.StartAll()

	var detector detect.Detector = detect.NewHTTPClient(cfg.Detection.Endpoint,
		cfg.Detection.ConfidenceThreshold, logger)
	if cfg.Detection.GRPCHealthAddr != "" {
		probe, err := detect.NewGRPCHealthProbe(cfg.Detection.GRPCHealthAddr, logger)
		if err != nil {
			logger.WithError(err).Warn("gRPC health probe unavailable, using HTTP health checks")
		} else {
			detector = detect.WithHealthProbe(detector, probe)
		}
	}

	mets := metrics.New()

	load := tracking.NewLoadMonitor(logger)
	load.OnSample(mets.CPULoad.Set)
	load.Start()

	notifier := notify.NewFanout(notify.NewLogNotifier(logger))
	if cfg.Notifications.TelegramToken != "" && cfg.Notifications.TelegramChatID != "" {
		notifier.Add(notify.NewTelegram(
			cfg.Notifications.TelegramToken,
			cfg.Notifications.TelegramChatID,
			time.Duration(cfg.Notifications.CooldownSeconds)*time.Second,
			logger,
		))
	}

	pool := registryPool{reg: reg}
	agg := analytics.New(st, pool.CameraIDs, cfg.Metrics.SyntheticFill, cfg.Metrics.CacheSize, logger)

	tracker := tracking.NewManager(pool, tracking.Config{
		IdleFPS:            cfg.Detection.IdleFPS,
		ActiveFPS:          cfg.Detection.ActiveFPS,
		PersonClassID:      cfg.Detection.PersonClassID,
		DirectionThreshold: cfg.Detection.DirectionThreshold,
		TrackExpiry:        time.Duration(cfg.Detection.TrackExpirySeconds * float64(time.Second)),
	}, mainCameraID, tracking.Deps{
		Store:     st,
		Snapshots: snaps,
		Detector:  detector,
		Bus:       events,
		Notifier:  notifier,
		Load:      load,
		Metrics:   mets,
		Footfall:  agg.Footfall,
		Logger:    logger,
	})

	// Mirror bus traffic into the durable event log.
	events.Subscribe(bus.HandlerFunc(func(e *bus.Event) {
		data := map[string]any{"camera_id": e.CameraID, "timestamp": e.Timestamp}
		for k, v := range e.Payload {
			data[k] = v
		}
		if err := st.LogEvent(string(e.Type), data); err != nil {
			logger.WithError(err).Debug("Failed to mirror event to store")
		}
	}))

	hub := ws.NewHub(logger)
	stopHub := hub.Bind(events, 64)

	jwtExpiry, err := time.ParseDuration(cfg.API.JWTExpiry)
	if err != nil {
		logger.WithError(err).Warn("Invalid api.jwt_expiry, using 24h")
		jwtExpiry = 24 * time.Hour
	}
	authn, err := auth.New(auth.Config{
		Enabled:   cfg.API.AuthEnabled,
		Username:  cfg.API.AuthUsername,
		Password:  cfg.API.AuthPassword,
		JWTSecret: cfg.API.JWTSecret,
		JWTExpiry: jwtExpiry,
	})
	if err != nil {
		logger.WithError(err).Fatal("Failed to configure authentication")
	}

	server := api.New(cfg.API, api.Deps{
		Store:     st,
		Registry:  reg,
		Tracker:   tracker,
		Snapshots: snaps,
		Analytics: agg,
		Bus:       events,
		Hub:       hub,
		Auth:      authn,
		Detector:  detector,
		Metrics:   mets,
		Logger:    logger,
	})

	tracker.StartAll()

	errc := make(chan error, 1)
	go func() {
		c := make(chan os.Signal, 1)
		signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
		errc <- fmt.Errorf("received signal %s", <-c)
	}()
	go func() {
		errc <- server.Start()
	}()

	logger.WithField("reason", <-errc).Info("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warn("HTTP server did not drain cleanly")
	}

	// Workers first so nothing writes after the stores close.
	tracker.StopAll()
	reg.StopAll()
	load.Stop()
	snaps.Stop()
	stopHub()
	events.Close()
	if err := detector.Close(); err != nil {
		logger.WithError(err).Warn("Detector close failed")
	}
	if err := st.Close(); err != nil {
		logger.WithError(err).Warn("Store close failed")
	}
	logger.Info("Shutdown complete")
}
