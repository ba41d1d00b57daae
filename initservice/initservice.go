// Package initservice provides one-shot process initialization that
// constructs the ServiceRegistry singleton, schedules
// its periodic idle-entry cleanup, and installs graceful shutdown handling
// for SIGINT/SIGTERM.
package initservice

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/strangelove-ventures/mandrake/config"
	"github.com/strangelove-ventures/mandrake/registry"
	"github.com/strangelove-ventures/mandrake/runtime/agent/telemetry"
)

const cleanupInterval = 15 * time.Minute

var (
	once     sync.Once
	instance *Service
)

// Service holds the process-wide registry and its background sweeper.
// Obtain one via Ensure; a second call to Ensure is a no-op and returns the
// same instance.
type Service struct {
	Registry *registry.Registry

	log        telemetry.Logger
	sweepCancel context.CancelFunc
	sweepDone   chan struct{}
}

// Option configures Ensure's construction of the registry.
type Option func(*options)

type options struct {
	registryOpts []registry.Option
	logger       telemetry.Logger
}

// WithRegistryOptions forwards options to registry.New.
func WithRegistryOptions(opts ...registry.Option) Option {
	return func(o *options) { o.registryOpts = append(o.registryOpts, opts...) }
}

// WithLogger attaches a telemetry.Logger used for the service's own
// lifecycle logging (sweeper ticks, shutdown progress).
func WithLogger(log telemetry.Logger) Option {
	return func(o *options) { o.logger = log }
}

// Ensure runs process initialization exactly once: builds the
// ServiceRegistry, starts the 15-minute cleanup sweeper, and installs
// SIGINT/SIGTERM handling that drains the registry before the process
// exits. Subsequent calls return the instance built by the first call.
func Ensure(opts ...Option) *Service {
	once.Do(func() {
		o := &options{logger: telemetry.NewNoopLogger()}
		for _, opt := range opts {
			opt(o)
		}

		reg := registry.New(config.RootPath(), o.registryOpts...)
		sweepCtx, sweepCancel := context.WithCancel(context.Background())
		svc := &Service{
			Registry:    reg,
			log:         o.logger,
			sweepCancel: sweepCancel,
			sweepDone:   make(chan struct{}),
		}
		go svc.runSweeper(sweepCtx)
		svc.installShutdownHandler()
		instance = svc
	})
	return instance
}

func (s *Service) runSweeper(ctx context.Context) {
	defer close(s.sweepDone)
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Registry.PerformCleanup(ctx)
		}
	}
}

// installShutdownHandler registers a background goroutine that, on
// SIGINT/SIGTERM, stops the sweeper and releases every cached session, then
// pool, then the root, so process exit always finds a drained registry.
func (s *Service) installShutdownHandler() {
	go func() {
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
		<-sig
		s.Shutdown(context.Background())
	}()
}

// Shutdown stops the sweeper and releases the registry's cached state.
// Safe to call directly (e.g. from tests) without going through a signal.
func (s *Service) Shutdown(ctx context.Context) {
	s.sweepCancel()
	<-s.sweepDone
	s.Registry.Reset(ctx)
}
