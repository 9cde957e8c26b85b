package failover

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/sshfleet/sshfleet/fleet/client/probe"
	"github.com/sshfleet/sshfleet/fleet/server/cache"
	nbcontext "github.com/sshfleet/sshfleet/fleet/server/context"
	"github.com/sshfleet/sshfleet/fleet/server/notify"
	"github.com/sshfleet/sshfleet/fleet/server/queue"
	"github.com/sshfleet/sshfleet/fleet/server/store"
	"github.com/sshfleet/sshfleet/fleet/server/types"
	"github.com/sshfleet/sshfleet/util"
)

const (
	DefaultInterval       = 30 * time.Second
	DefaultTargetInterval = 2 * time.Second
)

// HealthChecker judges whether a host is reachable
type HealthChecker interface {
	Check(ctx context.Context, host string) (*probe.Verdict, error)
}

// ReplacementRequest is published when a server has to be replaced
type ReplacementRequest struct {
	OldHost string `json:"old_host"`
}

type MonitorConfig struct {
	Interval       time.Duration
	TargetInterval time.Duration
}

// Monitor probes every enabled server and requests a replacement for unhealthy ones
type Monitor struct {
	store    store.Store
	checker  HealthChecker
	queue    queue.Queue
	notifier notify.Notifier
	cache    *cache.Store
	config   MonitorConfig
}

func NewMonitor(s store.Store, checker HealthChecker, q queue.Queue, notifier notify.Notifier, c *cache.Store, config MonitorConfig) *Monitor {
	if config.Interval <= 0 {
		config.Interval = DefaultInterval
	}
	if config.TargetInterval <= 0 {
		config.TargetInterval = DefaultTargetInterval
	}
	return &Monitor{
		store:    s,
		checker:  checker,
		queue:    q,
		notifier: notifier,
		cache:    c,
		config:   config,
	}
}

// Run probes the fleet every interval until ctx is done
func (m *Monitor) Run(ctx context.Context) error {
	ctx = context.WithValue(ctx, util.SourceKey, util.FailoverSource)
	log.WithContext(ctx).Infof("[failover] monitor started, interval %v", m.config.Interval)

	ticker := time.NewTicker(m.config.Interval)
	defer ticker.Stop()

	for {
		if err := m.RunOnce(ctx); err != nil && ctx.Err() == nil {
			log.WithContext(ctx).Errorf("[failover] monitor round failed: %v", err)
		}

		select {
		case <-ctx.Done():
			log.WithContext(ctx).Info("[failover] monitor stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// RunOnce probes each enabled server once, pacing the probes by the target interval
func (m *Monitor) RunOnce(ctx context.Context) error {
	servers, err := m.store.GetServersByStatus(ctx, store.LockingStrengthNone, types.ToggleEnable)
	if err != nil {
		return err
	}

	limiter := rate.NewLimiter(rate.Every(m.config.TargetInterval), 1)
	for _, server := range servers {
		if err := limiter.Wait(ctx); err != nil {
			return err
		}

		sctx := context.WithValue(ctx, nbcontext.ServerIPKey, server.IP)
		if err := m.probe(sctx, server.IP); err != nil {
			log.WithContext(sctx).Errorf("[failover] probing %s failed: %v", server.IP, err)
		}
	}
	return nil
}

func (m *Monitor) probe(ctx context.Context, ip string) error {
	processing, err := m.cache.HasLabel(ctx, cache.ProcessingKey(ip))
	if err != nil {
		return err
	}
	if processing {
		log.WithContext(ctx).Debugf("[failover] %s is already being replaced", ip)
		return nil
	}

	verdict, err := m.checker.Check(ctx, ip)
	if err != nil {
		return err
	}
	if verdict.Healthy {
		log.WithContext(ctx).Tracef("[failover] %s is healthy", ip)
		return nil
	}

	log.WithContext(ctx).Warnf("[failover] %s is unhealthy, failed nodes: %v", ip, verdict.Failed)
	if err := m.queue.Publish(ctx, queue.ReplacementSubject, ReplacementRequest{OldHost: ip}); err != nil {
		return err
	}

	if err := m.notifier.Notify(ctx, notify.Admin(notify.KindServerUnhealthy,
		"server %s is unreachable from %v, replacement requested", ip, verdict.Failed)); err != nil {
		log.WithContext(ctx).Warnf("[failover] failed to notify about %s: %v", ip, err)
	}
	return nil
}
