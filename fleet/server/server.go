package server

import (
	"context"
	"fmt"
	"sync"

	"github.com/hashicorp/go-multierror"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/sshfleet/sshfleet/fleet/client/financial"
	"github.com/sshfleet/sshfleet/fleet/client/probe"
	"github.com/sshfleet/sshfleet/fleet/client/provider"
	"github.com/sshfleet/sshfleet/fleet/client/remote"
	"github.com/sshfleet/sshfleet/fleet/server/cache"
	"github.com/sshfleet/sshfleet/fleet/server/failover"
	"github.com/sshfleet/sshfleet/fleet/server/migration"
	"github.com/sshfleet/sshfleet/fleet/server/notify"
	"github.com/sshfleet/sshfleet/fleet/server/provisioning"
	"github.com/sshfleet/sshfleet/fleet/server/queue"
	"github.com/sshfleet/sshfleet/fleet/server/reconciler"
	"github.com/sshfleet/sshfleet/fleet/server/registrar"
	"github.com/sshfleet/sshfleet/fleet/server/selector"
	"github.com/sshfleet/sshfleet/fleet/server/serversync"
	"github.com/sshfleet/sshfleet/fleet/server/store"
	"github.com/sshfleet/sshfleet/fleet/server/telemetry"
	"github.com/sshfleet/sshfleet/util"
)

// BaseServer builds the fleet components lazily from the config and runs the loops.
// Each component is created once, on first use.
type BaseServer struct {
	config *Config

	mu        sync.Mutex
	container map[string]any
	closers   []func(ctx context.Context) error
}

// NewServer creates a server for config. Nothing is connected until a component is requested.
func NewServer(config *Config) *BaseServer {
	return &BaseServer{
		config:    config,
		container: make(map[string]any),
	}
}

// Create returns the component stored under key, building it with fn on first use
func Create[T any](s *BaseServer, key string, fn func() (T, error)) (T, error) {
	s.mu.Lock()
	if c, ok := s.container[key]; ok {
		s.mu.Unlock()
		return c.(T), nil
	}
	s.mu.Unlock()

	c, err := fn()
	if err != nil {
		var zero T
		return zero, fmt.Errorf("create %s: %w", key, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.container[key]; ok {
		return existing.(T), nil
	}
	s.container[key] = c
	return c, nil
}

func (s *BaseServer) onClose(fn func(ctx context.Context) error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closers = append(s.closers, fn)
}

func (s *BaseServer) Config() *Config {
	return s.config
}

func (s *BaseServer) Metrics(ctx context.Context) (telemetry.AppMetrics, error) {
	return Create(s, "metrics", func() (telemetry.AppMetrics, error) {
		metrics, err := telemetry.NewDefaultAppMetrics(ctx)
		if err != nil {
			return nil, err
		}
		s.onClose(func(context.Context) error { return metrics.Close() })
		return metrics, nil
	})
}

func (s *BaseServer) fleetMetrics(ctx context.Context) (*telemetry.FleetMetrics, error) {
	metrics, err := s.Metrics(ctx)
	if err != nil {
		return nil, err
	}
	return metrics.FleetMetrics(), nil
}

func (s *BaseServer) Store(ctx context.Context) (store.Store, error) {
	return Create(s, "store", func() (store.Store, error) {
		metrics, err := s.Metrics(ctx)
		if err != nil {
			return nil, err
		}
		st, err := store.NewStore(ctx, s.config.Store.Engine, s.config.Store.DataDir, s.config.Store.DSN, metrics)
		if err != nil {
			return nil, err
		}
		s.onClose(st.Close)
		return st, nil
	})
}

func (s *BaseServer) Cache(ctx context.Context) (*cache.Store, error) {
	return Create(s, "cache", func() (*cache.Store, error) {
		return cache.NewStore(ctx, s.config.Cache.RedisAddress, cache.DefaultCacheExpiration, cache.DefaultCleanupInterval)
	})
}

// Queue connects to NATS when servers are configured and falls back to an in-process queue
func (s *BaseServer) Queue(ctx context.Context) (queue.Queue, error) {
	return Create(s, "queue", func() (queue.Queue, error) {
		var q queue.Queue
		if len(s.config.Queue.NatsServers) > 0 {
			nq, err := queue.NewNatsQueue(ctx, queue.NatsConfig{
				Servers:       s.config.Queue.NatsServers,
				SubjectPrefix: s.config.Queue.SubjectPrefix,
				User:          s.config.Queue.User,
				Password:      s.config.Queue.Password,
			})
			if err != nil {
				return nil, err
			}
			q = nq
		} else {
			log.WithContext(ctx).Info("no nats servers configured, using in-process queue")
			q = queue.NewMemoryQueue(context.WithoutCancel(ctx))
		}
		s.onClose(func(context.Context) error { return q.Close() })
		return q, nil
	})
}

func (s *BaseServer) Notifier(ctx context.Context) (notify.Notifier, error) {
	return Create(s, "notifier", func() (notify.Notifier, error) {
		q, err := s.Queue(ctx)
		if err != nil {
			return nil, err
		}
		return notify.NewQueueNotifier(q), nil
	})
}

func (s *BaseServer) RemoteClient(ctx context.Context) (remote.Client, error) {
	return Create(s, "remote", func() (remote.Client, error) {
		metrics, err := s.fleetMetrics(ctx)
		if err != nil {
			return nil, err
		}
		return remote.NewHTTPClient(remote.Config{
			Port:    s.config.RemoteAccount.Port,
			Token:   s.config.RemoteAccount.Token,
			Timeout: s.config.RemoteAccount.Timeout.Duration,
		}, s.config.RetryPolicy(), metrics), nil
	})
}

func (s *BaseServer) FinancialClient(ctx context.Context) (financial.Client, error) {
	return Create(s, "financial", func() (financial.Client, error) {
		metrics, err := s.fleetMetrics(ctx)
		if err != nil {
			return nil, err
		}
		return financial.NewHTTPClient(s.config.Financial.URL, s.config.Financial.Token, s.config.Financial.Timeout.Duration, s.config.RetryPolicy(), metrics), nil
	})
}

func (s *BaseServer) ProviderClient(ctx context.Context) (provider.Client, error) {
	return Create(s, "provider", func() (provider.Client, error) {
		metrics, err := s.fleetMetrics(ctx)
		if err != nil {
			return nil, err
		}
		return provider.NewHTTPClient(provider.Config{
			URL:        s.config.Provider.URL,
			APIKey:     s.config.Provider.APIKey,
			MinBalance: s.config.Provider.MinBalance,
			Location:   s.config.Provider.Location,
			Tariff:     s.config.Provider.Tariff,
			Datacenter: s.config.Provider.Datacenter,
			OSTemplate: s.config.Provider.OSTemplate,
		}, s.config.RetryPolicy(), metrics), nil
	})
}

// HealthChecker runs consensus probes through the check-host compatible API
func (s *BaseServer) HealthChecker(ctx context.Context) (*probe.Checker, error) {
	return Create(s, "checker", func() (*probe.Checker, error) {
		metrics, err := s.fleetMetrics(ctx)
		if err != nil {
			return nil, err
		}
		client := probe.NewHTTPClient(s.config.Probe.URL, s.config.RetryPolicy(), metrics)
		return probe.NewChecker(client, s.config.Probe.Nodes, s.config.Probe.PollAttempts, s.config.Probe.PollInterval.Duration, metrics), nil
	})
}

func (s *BaseServer) Registrar(ctx context.Context) (registrar.Registrar, error) {
	return Create(s, "registrar", func() (registrar.Registrar, error) {
		cfg := s.config.Registrar
		switch cfg.Kind {
		case RegistrarCloudflare:
			metrics, err := s.fleetMetrics(ctx)
			if err != nil {
				return nil, err
			}
			return registrar.NewCloudflare(cfg.Cloudflare.URL, cfg.Cloudflare.Token, cfg.Cloudflare.ZoneID, s.config.RetryPolicy(), metrics), nil
		case RegistrarRoute53:
			return registrar.NewRoute53(registrar.Route53Config{
				Region:          cfg.Route53.Region,
				Profile:         cfg.Route53.Profile,
				AccessKeyID:     cfg.Route53.AccessKeyID,
				SecretAccessKey: cfg.Route53.SecretAccessKey,
			}, cfg.Zone), nil
		default:
			return nil, fmt.Errorf("unsupported registrar %q", cfg.Kind)
		}
	})
}

func (s *BaseServer) Selector(ctx context.Context) (*selector.Selector, error) {
	return Create(s, "selector", func() (*selector.Selector, error) {
		st, c, err := s.storeAndCache(ctx)
		if err != nil {
			return nil, err
		}
		r, err := s.Registrar(ctx)
		if err != nil {
			return nil, err
		}
		return selector.NewSelector(st, c, r, s.config.selectorConfig()), nil
	})
}

func (s *BaseServer) MigrationCoordinator(ctx context.Context) (*migration.Coordinator, error) {
	return Create(s, "migration", func() (*migration.Coordinator, error) {
		st, c, err := s.storeAndCache(ctx)
		if err != nil {
			return nil, err
		}
		rc, err := s.RemoteClient(ctx)
		if err != nil {
			return nil, err
		}
		r, err := s.Registrar(ctx)
		if err != nil {
			return nil, err
		}
		metrics, err := s.fleetMetrics(ctx)
		if err != nil {
			return nil, err
		}
		return migration.NewCoordinator(st, rc, r, c, metrics, s.config.Reconciler.LeaseTTL.Duration), nil
	})
}

func (s *BaseServer) Reconciler(ctx context.Context) (*reconciler.Reconciler, error) {
	return Create(s, "reconciler", func() (*reconciler.Reconciler, error) {
		st, c, err := s.storeAndCache(ctx)
		if err != nil {
			return nil, err
		}
		rc, err := s.RemoteClient(ctx)
		if err != nil {
			return nil, err
		}
		n, err := s.Notifier(ctx)
		if err != nil {
			return nil, err
		}
		metrics, err := s.fleetMetrics(ctx)
		if err != nil {
			return nil, err
		}
		return reconciler.NewReconciler(st, rc, c, n, metrics, s.config.reconcilerConfig()), nil
	})
}

func (s *BaseServer) Syncer(ctx context.Context) (*serversync.Syncer, error) {
	return Create(s, "syncer", func() (*serversync.Syncer, error) {
		st, c, err := s.storeAndCache(ctx)
		if err != nil {
			return nil, err
		}
		rc, err := s.RemoteClient(ctx)
		if err != nil {
			return nil, err
		}
		n, err := s.Notifier(ctx)
		if err != nil {
			return nil, err
		}
		metrics, err := s.fleetMetrics(ctx)
		if err != nil {
			return nil, err
		}
		return serversync.NewSyncer(st, rc, c, n, metrics, s.config.syncConfig()), nil
	})
}

func (s *BaseServer) Provisioner(ctx context.Context) (*provisioning.Provisioner, error) {
	return Create(s, "provisioner", func() (*provisioning.Provisioner, error) {
		st, c, err := s.storeAndCache(ctx)
		if err != nil {
			return nil, err
		}
		sel, err := s.Selector(ctx)
		if err != nil {
			return nil, err
		}
		rc, err := s.RemoteClient(ctx)
		if err != nil {
			return nil, err
		}
		fc, err := s.FinancialClient(ctx)
		if err != nil {
			return nil, err
		}
		return provisioning.NewProvisioner(st, sel, rc, fc, c, provisioning.Config{
			TreasuryUserID: s.config.Financial.TreasuryUserID,
			LeaseTTL:       s.config.Reconciler.LeaseTTL.Duration,
		}), nil
	})
}

func (s *BaseServer) FailoverMonitor(ctx context.Context) (*failover.Monitor, error) {
	return Create(s, "monitor", func() (*failover.Monitor, error) {
		st, c, err := s.storeAndCache(ctx)
		if err != nil {
			return nil, err
		}
		checker, err := s.HealthChecker(ctx)
		if err != nil {
			return nil, err
		}
		q, err := s.Queue(ctx)
		if err != nil {
			return nil, err
		}
		n, err := s.Notifier(ctx)
		if err != nil {
			return nil, err
		}
		return failover.NewMonitor(st, checker, q, n, c, s.config.monitorConfig()), nil
	})
}

func (s *BaseServer) ReplacementWorker(ctx context.Context) (*failover.Worker, error) {
	return Create(s, "worker", func() (*failover.Worker, error) {
		st, c, err := s.storeAndCache(ctx)
		if err != nil {
			return nil, err
		}
		p, err := s.ProviderClient(ctx)
		if err != nil {
			return nil, err
		}
		checker, err := s.HealthChecker(ctx)
		if err != nil {
			return nil, err
		}
		migrator, err := s.MigrationCoordinator(ctx)
		if err != nil {
			return nil, err
		}
		n, err := s.Notifier(ctx)
		if err != nil {
			return nil, err
		}
		metrics, err := s.fleetMetrics(ctx)
		if err != nil {
			return nil, err
		}
		return failover.NewWorker(st, c, p, checker, migrator, n, metrics, s.config.workerConfig()), nil
	})
}

func (s *BaseServer) storeAndCache(ctx context.Context) (store.Store, *cache.Store, error) {
	st, err := s.Store(ctx)
	if err != nil {
		return nil, nil, err
	}
	c, err := s.Cache(ctx)
	if err != nil {
		return nil, nil, err
	}
	return st, c, nil
}

// Run starts the failover monitor, the replacement worker and the reconciler and
// blocks until ctx is done or one of them fails
func (s *BaseServer) Run(ctx context.Context) error {
	ctx = context.WithValue(ctx, util.SourceKey, util.SystemSource)

	metrics, err := s.Metrics(ctx)
	if err != nil {
		return err
	}
	if s.config.Metrics.Port > 0 {
		if err := metrics.Expose(ctx, s.config.Metrics.Port, "/metrics"); err != nil {
			return fmt.Errorf("failed to expose metrics: %w", err)
		}
	}

	monitor, err := s.FailoverMonitor(ctx)
	if err != nil {
		return err
	}
	worker, err := s.ReplacementWorker(ctx)
	if err != nil {
		return err
	}
	rec, err := s.Reconciler(ctx)
	if err != nil {
		return err
	}
	q, err := s.Queue(ctx)
	if err != nil {
		return err
	}

	if s.config.Queue.LogNotifications || len(s.config.Queue.NatsServers) == 0 {
		if err := q.Subscribe(queue.NotificationSubject, notify.LogSink); err != nil {
			return fmt.Errorf("subscribe to notifications: %w", err)
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return worker.Start(context.WithValue(gctx, util.SourceKey, util.FailoverSource), q)
	})
	g.Go(func() error {
		return monitor.Run(gctx)
	})
	g.Go(func() error {
		return rec.Run(gctx)
	})
	if !s.config.Sync.Disabled {
		syncer, err := s.Syncer(ctx)
		if err != nil {
			return err
		}
		g.Go(func() error {
			return syncer.Run(gctx)
		})
	}

	log.WithContext(ctx).Info("fleet daemon started")
	return g.Wait()
}

// Stop releases every connection opened by the created components, newest first
func (s *BaseServer) Stop(ctx context.Context) error {
	s.mu.Lock()
	closers := s.closers
	s.closers = nil
	s.mu.Unlock()

	var result *multierror.Error
	for i := len(closers) - 1; i >= 0; i-- {
		if err := closers[i](ctx); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}
