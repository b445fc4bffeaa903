// Package querycache wires the cache decorator to a configured adapter together
// with logging, metrics, health checks and a scheduled purge.
package querycache

import (
	"context"
	"fmt"
	"net/http"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/saiset-co/sai-query-cache/cache"
	"github.com/saiset-co/sai-query-cache/config"
	"github.com/saiset-co/sai-query-cache/cron"
	"github.com/saiset-co/sai-query-cache/health"
	"github.com/saiset-co/sai-query-cache/logger"
	"github.com/saiset-co/sai-query-cache/metrics"
	"github.com/saiset-co/sai-query-cache/signal"
	"github.com/saiset-co/sai-query-cache/types"
)

// PurgeJobName is the cron job registered for cache.purge_schedule.
const PurgeJobName = "cache.purge"

type State int32

const (
	StateStopped State = iota
	StateStarting
	StateRunning
	StateStopping
)

// Service owns one adapter shared by every query it caches.
type Service struct {
	ctx             context.Context
	cancel          context.CancelFunc
	config          types.ConfigManager
	logger          types.LoggerManager
	health          *health.Manager
	metrics         types.MetricsManager
	cron            *cron.Manager
	adapter         *cache.Adapter
	purge           *signal.Event[struct{}]
	staleAfter      time.Duration
	decorators      []*cache.Decorator
	mu              sync.Mutex
	state           atomic.Value
	shutdownTimeout time.Duration
	startTimeout    time.Duration
}

// NewService loads the YAML configuration at configPath and builds every component.
func NewService(ctx context.Context, configPath string) (*Service, error) {
	cm, err := config.NewManager(ctx, configPath)
	if err != nil {
		return nil, err
	}
	return newService(ctx, cm)
}

// NewServiceFromConfig builds a service from an in-memory configuration.
func NewServiceFromConfig(ctx context.Context, serviceConfig *types.ServiceConfig) (*Service, error) {
	if serviceConfig == nil {
		return nil, types.ErrConfigIsNil
	}
	return newService(ctx, config.NewStatic(serviceConfig))
}

func newService(ctx context.Context, cm types.ConfigManager) (*Service, error) {
	serviceConfig := cm.GetConfig()
	if serviceConfig == nil || serviceConfig.Cache == nil {
		return nil, types.ErrConfigIsNil
	}

	serviceCtx, cancel := context.WithCancel(ctx)

	s := &Service{
		ctx:             serviceCtx,
		cancel:          cancel,
		config:          cm,
		purge:           signal.NewEvent[struct{}](),
		shutdownTimeout: 30 * time.Second,
		startTimeout:    60 * time.Second,
	}

	s.state.Store(StateStopped)
	s.purge.Subscribe(func(struct{}) {
		s.purgeAdapters()
	})

	if err := s.registerComponents(serviceConfig); err != nil {
		cancel()
		return nil, err
	}

	return s, nil
}

func (s *Service) registerComponents(serviceConfig *types.ServiceConfig) error {
	var err error

	s.logger, err = logger.NewManager(s.ctx, s.config)
	if err != nil {
		return types.WrapError(err, "failed to create logger")
	}

	s.health = health.NewManager(s.ctx, s.logger)

	s.metrics, err = metrics.NewManager(s.ctx, s.config, s.logger, s.health)
	if err != nil {
		if !types.IsError(err, types.ErrMetricsIsDisabled) {
			return types.WrapError(err, "failed to create metrics manager")
		}
		s.metrics = metrics.NewNop()
	}

	if serviceConfig.Cache.StaleAfter != "" {
		s.staleAfter, err = cache.ParseTime(serviceConfig.Cache.StaleAfter)
		if err != nil {
			return types.WrapError(err, "invalid cache.stale_after")
		}
	}

	s.adapter, err = cache.NewAdapter(s.ctx, serviceConfig.Cache, s.logger, s.metrics, s.health)
	if err != nil {
		return types.WrapError(err, "failed to create cache adapter")
	}

	s.cron = cron.NewManager(s.ctx, s.config, s.logger, s.metrics)

	if serviceConfig.Cache.PurgeSchedule != "" {
		if err := s.cron.Add(PurgeJobName, serviceConfig.Cache.PurgeSchedule, s.Purge); err != nil {
			return types.WrapError(err, "failed to schedule cache purge")
		}
	}

	s.logger.Info("Query cache service created",
		zap.String("name", serviceConfig.Name),
		zap.String("version", serviceConfig.Version),
		zap.String("cache_type", serviceConfig.Cache.Type),
		zap.Duration("stale_after", s.staleAfter))

	return nil
}

// Cache installs the decorator on q with the service adapter and stale-after
// window. opts are applied after those defaults. Purge reaches every decorator
// installed here without a subscription of its own.
func (s *Service) Cache(q cache.Cacheable, opts ...cache.Option) (*cache.Decorator, error) {
	defaults := []cache.Option{
		cache.WithAdapter(s.adapter),
		cache.WithStaleAfter(s.staleAfter),
		cache.WithLogger(s.logger),
		cache.WithMetrics(s.metrics),
	}

	decorator, err := cache.Cache(q, append(defaults, opts...)...)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.decorators = append(s.decorators, decorator)
	s.mu.Unlock()

	return decorator, nil
}

// Purge clears the service adapter and the adapters of decorators installed
// through Cache, each of them once.
func (s *Service) Purge() {
	s.logger.Debug("Purging query cache")
	s.purge.Emit(struct{}{})
}

// purgeAdapters goes through a decorator where one exists, so the error lands on
// its Failures signal.
func (s *Service) purgeAdapters() {
	s.mu.Lock()
	decorators := make([]*cache.Decorator, len(s.decorators))
	copy(decorators, s.decorators)
	s.mu.Unlock()

	purged := make(map[*cache.Adapter]bool)

	for _, decorator := range decorators {
		adapter, shared := decorator.Adapter().(*cache.Adapter)
		if shared {
			if purged[adapter] {
				continue
			}
			purged[adapter] = true
		}
		decorator.Purge()
	}

	if purged[s.adapter] {
		return
	}

	instance := s.adapter.Instance()
	if instance == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
	defer cancel()

	if err := instance.Purge(ctx); err != nil {
		s.logger.ErrorWithErrStack("Failed to purge query cache", errors.WithStack(err))
	}
}

// PurgeSignal emits on every Purge. Decorators installed outside of Cache can
// subscribe with cache.WithPurge.
func (s *Service) PurgeSignal() signal.Subscribable[struct{}] {
	return s.purge
}

func (s *Service) Adapter() *cache.Adapter {
	return s.adapter
}

func (s *Service) Logger() types.Logger {
	return s.logger
}

func (s *Service) Cron() *cron.Manager {
	return s.cron
}

func (s *Service) Health(ctx context.Context) types.HealthReport {
	return s.health.Check(ctx)
}

// MetricsHandler serves the metrics registry, or 404 when metrics are disabled.
func (s *Service) MetricsHandler() http.Handler {
	return s.metrics.Handler()
}

func (s *Service) Start() (err error) {
	if !s.transitionState(StateStopped, StateStarting) {
		return types.ErrServiceIsRunning
	}

	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			s.logger.Error("Service start panic", zap.Stack(string(buf[:n])))
			err = fmt.Errorf("service panic: %v", r)
		}

		if err != nil {
			s.setState(StateStopped)
			return
		}
		s.setState(StateRunning)
	}()

	ctx, cancel := context.WithTimeout(s.ctx, s.startTimeout)
	defer cancel()

	if err := s.startComponents(ctx); err != nil {
		return types.WrapError(err, "failed to start components")
	}

	s.logger.Info("Query cache service started")
	return nil
}

func (s *Service) startComponents(ctx context.Context) error {
	serviceConfig := s.config.GetConfig()

	if err := s.logger.Start(); err != nil {
		return types.WrapError(err, "failed to start logger")
	}

	if serviceConfig.Health != nil && serviceConfig.Health.Enabled {
		if err := s.health.Start(); err != nil {
			s.logger.Error("Failed to start health manager", zap.Error(err))
		}
	}

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		select {
		case <-gCtx.Done():
			return gCtx.Err()
		default:
			if err := s.metrics.Start(); err != nil {
				s.logger.Error("Failed to start metrics manager", zap.Error(err))
			}
			return nil
		}
	})

	g.Go(func() error {
		select {
		case <-gCtx.Done():
			return gCtx.Err()
		default:
			if err := s.adapter.Start(); err != nil {
				return types.WrapError(err, "failed to start cache adapter")
			}
			return nil
		}
	})

	if err := g.Wait(); err != nil {
		select {
		case <-ctx.Done():
			return types.NewErrorf("component startup timeout: %v", ctx.Err())
		default:
			return err
		}
	}

	if err := s.cron.Start(); err != nil {
		s.logger.Error("Failed to start cron manager", zap.Error(err))
	}

	return nil
}

// Stop stops the scheduler first so no purge fires against a closed adapter.
// Decorators installed through Cache are closed, so their queries fall through
// to the remote operation afterwards.
func (s *Service) Stop() error {
	if !s.transitionState(StateRunning, StateStopping) {
		return types.ErrServiceIsNotRunning
	}

	defer func() {
		s.setState(StateStopped)
		s.cancel()
	}()

	var errs []error

	if err := s.cron.Stop(); err != nil {
		s.logger.Error("Failed to stop cron manager", zap.Error(err))
		errs = append(errs, err)
	}

	s.mu.Lock()
	for _, decorator := range s.decorators {
		decorator.Close()
	}
	s.decorators = nil
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
	defer cancel()

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		select {
		case <-gCtx.Done():
			return gCtx.Err()
		default:
			if err := s.adapter.Stop(); err != nil {
				s.logger.Error("Failed to stop cache adapter", zap.Error(err))
				return err
			}
			return nil
		}
	})

	if s.metrics.IsRunning() {
		g.Go(func() error {
			select {
			case <-gCtx.Done():
				return gCtx.Err()
			default:
				if err := s.metrics.Stop(); err != nil {
					s.logger.Error("Failed to stop metrics manager", zap.Error(err))
					return err
				}
				return nil
			}
		})
	}

	if err := g.Wait(); err != nil {
		select {
		case <-ctx.Done():
			s.logger.Warn("Component shutdown timeout, some components may not have stopped gracefully")
		default:
			errs = append(errs, err)
		}
	}

	if s.health.IsRunning() {
		if err := s.health.Stop(); err != nil {
			errs = append(errs, err)
		}
	}

	s.logger.Info("Query cache service stopped")

	if err := s.logger.Stop(); err != nil {
		errs = append(errs, err)
	}

	if len(errs) > 0 {
		return types.NewErrorf("shutdown completed with %d errors: %v", len(errs), errs)
	}

	return nil
}

func (s *Service) IsRunning() bool {
	return s.getState() == StateRunning
}

func (s *Service) getState() State {
	return s.state.Load().(State)
}

func (s *Service) setState(newState State) {
	s.state.Store(newState)
}

func (s *Service) transitionState(from, to State) bool {
	return s.state.CompareAndSwap(from, to)
}
