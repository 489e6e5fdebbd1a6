package observability

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/cory-johannsen/parley/internal/config"
)

// Check probes one dependency. A nil error means healthy.
type Check func(ctx context.Context) error

// HealthServer serves grpc.health.v1 and keeps each registered service's
// status in step with its Check. The empty service name reports SERVING
// only while every check passes.
type HealthServer struct {
	cfg    config.HealthConfig
	logger *zap.Logger
	health *health.Server
	server *grpc.Server

	mu       sync.Mutex
	checks   map[string]Check
	listener net.Listener
	running  bool
	quit     chan struct{}
	wg       sync.WaitGroup
}

// NewHealthServer creates a health endpoint. All services start NOT_SERVING
// until the first probe.
//
// Precondition: cfg.CheckInterval must be positive.
func NewHealthServer(cfg config.HealthConfig, logger *zap.Logger) *HealthServer {
	hs := &HealthServer{
		cfg:    cfg,
		logger: logger,
		health: health.NewServer(),
		server: grpc.NewServer(),
		checks: make(map[string]Check),
		quit:   make(chan struct{}),
	}
	healthpb.RegisterHealthServer(hs.server, hs.health)
	hs.health.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	return hs
}

// AddCheck registers a named dependency probe.
func (hs *HealthServer) AddCheck(service string, check Check) {
	hs.mu.Lock()
	defer hs.mu.Unlock()
	hs.checks[service] = check
	hs.health.SetServingStatus(service, healthpb.HealthCheckResponse_NOT_SERVING)
}

// Probe runs every check once and publishes the results.
//
// Postcondition: Returns true when every check passed.
func (hs *HealthServer) Probe(ctx context.Context) bool {
	hs.mu.Lock()
	checks := make(map[string]Check, len(hs.checks))
	for name, c := range hs.checks {
		checks[name] = c
	}
	hs.mu.Unlock()

	healthy := true
	for name, check := range checks {
		ctx, cancel := context.WithTimeout(ctx, hs.cfg.CheckInterval)
		err := check(ctx)
		cancel()
		status := healthpb.HealthCheckResponse_SERVING
		if err != nil {
			healthy = false
			status = healthpb.HealthCheckResponse_NOT_SERVING
			hs.logger.Warn("health check failed", zap.String("service", name), zap.Error(err))
		}
		hs.health.SetServingStatus(name, status)
	}
	overall := healthpb.HealthCheckResponse_SERVING
	if !healthy {
		overall = healthpb.HealthCheckResponse_NOT_SERVING
	}
	hs.health.SetServingStatus("", overall)
	return healthy
}

// ListenAndServe binds the configured address, probes on every interval and
// serves until Stop is called.
//
// Postcondition: The listener is closed when this method returns.
func (hs *HealthServer) ListenAndServe() error {
	listener, err := net.Listen("tcp", hs.cfg.Addr())
	if err != nil {
		return fmt.Errorf("listening on %s: %w", hs.cfg.Addr(), err)
	}
	hs.mu.Lock()
	hs.listener = listener
	hs.running = true
	hs.mu.Unlock()

	hs.wg.Add(1)
	go hs.probeLoop()

	hs.logger.Info("health endpoint listening", zap.String("addr", listener.Addr().String()))
	if err := hs.server.Serve(listener); err != nil {
		return fmt.Errorf("serving health: %w", err)
	}
	return nil
}

func (hs *HealthServer) probeLoop() {
	defer hs.wg.Done()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-hs.quit
		cancel()
	}()

	ticker := time.NewTicker(hs.cfg.CheckInterval)
	defer ticker.Stop()
	hs.Probe(ctx)
	for {
		select {
		case <-hs.quit:
			return
		case <-ticker.C:
			hs.Probe(ctx)
		}
	}
}

// Stop marks every service NOT_SERVING, then drains and stops the server.
func (hs *HealthServer) Stop() {
	hs.mu.Lock()
	if !hs.running {
		hs.mu.Unlock()
		return
	}
	hs.running = false
	close(hs.quit)
	hs.mu.Unlock()

	hs.health.Shutdown()
	hs.server.GracefulStop()
	hs.wg.Wait()
	hs.logger.Info("health endpoint stopped")
}

// Addr returns the actual listening address, or empty string if not yet listening.
func (hs *HealthServer) Addr() string {
	hs.mu.Lock()
	defer hs.mu.Unlock()
	if hs.listener != nil {
		return hs.listener.Addr().String()
	}
	return ""
}
