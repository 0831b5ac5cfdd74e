package detect

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	grpc_health_v1 "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
)

// GRPCHealthProbe checks detector liveness over the standard gRPC
// health protocol. It is used instead of the HTTP /health endpoint
// when the inference service exposes a gRPC port, which survives
// better behind keepalive-aware load balancers.
type GRPCHealthProbe struct {
	conn   *grpc.ClientConn
	client grpc_health_v1.HealthClient
	log    *logrus.Entry

	mu        sync.Mutex
	healthy   bool
	healthyAt time.Time
}

// NewGRPCHealthProbe dials addr and returns a probe bound to it.
func NewGRPCHealthProbe(addr string, logger *logrus.Logger) (*GRPCHealthProbe, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// Keepalive so dead connections are noticed between probes.
	kacp := keepalive.ClientParameters{
		Time:                10 * time.Second,
		Timeout:             5 * time.Second,
		PermitWithoutStream: true,
	}
	conn, err := grpc.DialContext(ctx, addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithKeepaliveParams(kacp),
		grpc.WithBlock(),
	)
	if err != nil {
		return nil, fmt.Errorf("dial health service: %w", err)
	}
	return &GRPCHealthProbe{
		conn:   conn,
		client: grpc_health_v1.NewHealthClient(conn),
		log:    logger.WithField("component", "detect"),
	}, nil
}

// Check reports whether the service answers SERVING. Positive answers
// are cached for 30 seconds.
func (p *GRPCHealthProbe) Check() bool {
	p.mu.Lock()
	if p.healthy && time.Since(p.healthyAt) < healthCacheTTL {
		p.mu.Unlock()
		return true
	}
	p.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	resp, err := p.client.Check(ctx, &grpc_health_v1.HealthCheckRequest{})
	ok := err == nil && resp.GetStatus() == grpc_health_v1.HealthCheckResponse_SERVING
	if err != nil {
		p.log.WithError(err).Debug("gRPC health check failed")
	}

	p.mu.Lock()
	p.healthy = ok
	if ok {
		p.healthyAt = time.Now()
	}
	p.mu.Unlock()
	return ok
}

func (p *GRPCHealthProbe) Close() error {
	return p.conn.Close()
}

// probedDetector routes Healthy through a gRPC probe while inference
// stays on the wrapped detector.
type probedDetector struct {
	Detector
	probe *GRPCHealthProbe
}

// WithHealthProbe returns a detector whose Healthy() consults probe
// instead of the base detector's own health check.
func WithHealthProbe(base Detector, probe *GRPCHealthProbe) Detector {
	return &probedDetector{Detector: base, probe: probe}
}

func (d *probedDetector) Healthy() bool {
	return d.probe.Check()
}

func (d *probedDetector) Close() error {
	err := d.Detector.Close()
	if cerr := d.probe.Close(); err == nil {
		err = cerr
	}
	return err
}
