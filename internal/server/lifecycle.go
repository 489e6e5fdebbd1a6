// Package server runs the process's long-lived components: it starts them
// together, waits for a signal or a failure, and stops them in reverse order
// within a shutdown deadline.
package server

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"
)

// Service represents a long-running component that can be started and stopped.
type Service interface {
	// Start runs the service and blocks until it is stopped or fails.
	Start() error
	// Stop gracefully stops the service and makes Start return.
	Stop()
}

// FuncService adapts a start/stop function pair into the Service interface.
type FuncService struct {
	StartFn func() error
	StopFn  func()
}

// Start calls the underlying start function.
func (f *FuncService) Start() error { return f.StartFn() }

// Stop calls the underlying stop function.
func (f *FuncService) Stop() { f.StopFn() }

// ErrShutdownTimeout is returned by Run when services do not stop in time.
var ErrShutdownTimeout = errors.New("shutdown timed out")

// Lifecycle manages the startup and shutdown of multiple services.
// Services are started together and stopped in reverse registration order;
// cleanup hooks run after every service has stopped.
type Lifecycle struct {
	logger          *zap.Logger
	shutdownTimeout time.Duration
	signals         []os.Signal

	mu       sync.Mutex
	services []namedService
	cleanups []namedCleanup
}

type namedService struct {
	name    string
	service Service
}

type namedCleanup struct {
	name string
	fn   func()
}

// NewLifecycle creates a Lifecycle that waits for SIGINT or SIGTERM. A
// non-positive shutdownTimeout waits indefinitely.
//
// Precondition: logger must be non-nil.
func NewLifecycle(logger *zap.Logger, shutdownTimeout time.Duration) *Lifecycle {
	return &Lifecycle{
		logger:          logger,
		shutdownTimeout: shutdownTimeout,
		signals:         []os.Signal{syscall.SIGINT, syscall.SIGTERM},
	}
}

// Add registers a named service.
//
// Precondition: name must be non-empty; svc must be non-nil.
func (l *Lifecycle) Add(name string, svc Service) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.services = append(l.services, namedService{name: name, service: svc})
}

// OnShutdown registers a cleanup hook, such as closing a database pool.
// Hooks run in reverse registration order after all services stop.
func (l *Lifecycle) OnShutdown(name string, fn func()) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.cleanups = append(l.cleanups, namedCleanup{name: name, fn: fn})
}

// Run starts all services and blocks until a termination signal, a service
// failure, or ctx cancellation, then shuts everything down.
//
// Postcondition: Returns the first service failure, ErrShutdownTimeout if
// services outlived the deadline, or nil.
func (l *Lifecycle) Run(ctx context.Context) error {
	start := time.Now()
	l.mu.Lock()
	services := append([]namedService(nil), l.services...)
	cleanups := append([]namedCleanup(nil), l.cleanups...)
	l.mu.Unlock()

	errCh := make(chan error, len(services))
	var running sync.WaitGroup
	for _, ns := range services {
		running.Add(1)
		go func() {
			defer running.Done()
			l.logger.Info("starting service", zap.String("service", ns.name))
			svcStart := time.Now()
			if err := ns.service.Start(); err != nil {
				l.logger.Error("service failed",
					zap.String("service", ns.name),
					zap.Error(err),
					zap.Duration("uptime", time.Since(svcStart)),
				)
				errCh <- fmt.Errorf("service %s: %w", ns.name, err)
			}
		}()
	}

	l.logger.Info("all services started",
		zap.Int("count", len(services)),
		zap.Duration("startup", time.Since(start)),
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, l.signals...)
	defer signal.Stop(sigCh)

	var runErr error
	select {
	case sig := <-sigCh:
		l.logger.Info("received signal, shutting down", zap.String("signal", sig.String()))
	case runErr = <-errCh:
		l.logger.Error("service error, shutting down", zap.Error(runErr))
	case <-ctx.Done():
		l.logger.Info("context cancelled, shutting down")
	}

	if err := l.shutdown(services, &running); err != nil && runErr == nil {
		runErr = err
	}
	for i := len(cleanups) - 1; i >= 0; i-- {
		l.logger.Debug("running cleanup", zap.String("cleanup", cleanups[i].name))
		cleanups[i].fn()
	}

	l.logger.Info("shutdown complete", zap.Duration("total_uptime", time.Since(start)))
	return runErr
}

// shutdown stops services in reverse order and waits for their Start calls
// to return, bounded by the shutdown timeout.
func (l *Lifecycle) shutdown(services []namedService, running *sync.WaitGroup) error {
	shutdownStart := time.Now()
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := len(services) - 1; i >= 0; i-- {
			ns := services[i]
			svcStart := time.Now()
			l.logger.Info("stopping service", zap.String("service", ns.name))
			ns.service.Stop()
			l.logger.Info("service stopped",
				zap.String("service", ns.name),
				zap.Duration("elapsed", time.Since(svcStart)),
			)
		}
		running.Wait()
	}()

	var deadline <-chan time.Time
	if l.shutdownTimeout > 0 {
		timer := time.NewTimer(l.shutdownTimeout)
		defer timer.Stop()
		deadline = timer.C
	}
	select {
	case <-done:
		l.logger.Info("all services stopped", zap.Duration("shutdown_elapsed", time.Since(shutdownStart)))
		return nil
	case <-deadline:
		l.logger.Error("services did not stop before the deadline",
			zap.Duration("timeout", l.shutdownTimeout),
		)
		return ErrShutdownTimeout
	}
}
