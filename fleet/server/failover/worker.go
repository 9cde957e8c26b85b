package failover

import (
	"context"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/sshfleet/sshfleet/fleet/client/provider"
	"github.com/sshfleet/sshfleet/fleet/server/cache"
	nbcontext "github.com/sshfleet/sshfleet/fleet/server/context"
	"github.com/sshfleet/sshfleet/fleet/server/migration"
	"github.com/sshfleet/sshfleet/fleet/server/notify"
	"github.com/sshfleet/sshfleet/fleet/server/queue"
	"github.com/sshfleet/sshfleet/fleet/server/retry"
	"github.com/sshfleet/sshfleet/fleet/server/status"
	"github.com/sshfleet/sshfleet/fleet/server/store"
	"github.com/sshfleet/sshfleet/fleet/server/telemetry"
	"github.com/sshfleet/sshfleet/fleet/server/types"
	"github.com/sshfleet/sshfleet/util"
)

const (
	DefaultNewServerMaxUsers = 70
	DefaultProcessingTTL     = 6 * time.Hour
	DefaultServerNamePrefix  = "server-"
	defaultSSHPort           = 22
)

var timeNow = time.Now

// Migrator moves every domain of one server to another and disables the old
// server once all of them have moved
type Migrator interface {
	MigrateServer(ctx context.Context, oldIP, newIP string) ([]*migration.Result, error)
}

type WorkerConfig struct {
	NewServerMaxUsers int
	ProcessingTTL     time.Duration
	ServerNamePrefix  string
	// ProvisionRetry governs buying a server, by default until the context is done
	ProvisionRetry retry.Policy
	// MigrationRetry governs moving the domains to the new server
	MigrationRetry retry.Policy
}

func (c *WorkerConfig) applyDefaults() {
	if c.NewServerMaxUsers <= 0 {
		c.NewServerMaxUsers = DefaultNewServerMaxUsers
	}
	if c.ProcessingTTL <= 0 {
		c.ProcessingTTL = DefaultProcessingTTL
	}
	if c.ServerNamePrefix == "" {
		c.ServerNamePrefix = DefaultServerNamePrefix
	}
	if c.ProvisionRetry.Delay == 0 && c.ProvisionRetry.Retryable == nil {
		c.ProvisionRetry = retry.Forever(10*time.Second, 5*time.Minute)
	}
	if c.MigrationRetry.Delay == 0 && c.MigrationRetry.MaxAttempts == 0 {
		c.MigrationRetry = retry.Policy{
			MaxAttempts: retry.DefaultMaxAttempts,
			Delay:       30 * time.Second,
			Retryable:   func(err error) bool { return !status.IsType(err, status.Inconsistent) },
		}
	}
}

// Worker replaces unhealthy servers. Jobs are persisted after every phase so an
// interrupted replacement resumes where it stopped.
type Worker struct {
	store    store.Store
	cache    *cache.Store
	provider provider.Client
	checker  HealthChecker
	migrator Migrator
	notifier notify.Notifier
	metrics  *telemetry.FleetMetrics
	config   WorkerConfig
}

func NewWorker(s store.Store, c *cache.Store, p provider.Client, checker HealthChecker, migrator Migrator, notifier notify.Notifier, metrics *telemetry.FleetMetrics, config WorkerConfig) *Worker {
	config.applyDefaults()
	return &Worker{
		store:    s,
		cache:    c,
		provider: p,
		checker:  checker,
		migrator: migrator,
		notifier: notifier,
		metrics:  metrics,
		config:   config,
	}
}

// Start drives the jobs left unfinished by a previous run, then subscribes to replacement requests
func (w *Worker) Start(ctx context.Context, q queue.Queue) error {
	if err := w.Resume(ctx); err != nil {
		log.WithContext(ctx).Errorf("[failover] resuming replacements failed: %v", err)
	}

	if err := q.Subscribe(queue.ReplacementSubject, w.Handle); err != nil {
		return fmt.Errorf("subscribe to replacement requests: %w", err)
	}
	return nil
}

// Handle processes a queued ReplacementRequest
func (w *Worker) Handle(ctx context.Context, data []byte) error {
	req, err := queue.Decode[ReplacementRequest](data)
	if err != nil {
		return err
	}
	_, err = w.Replace(ctx, req.OldHost)
	return err
}

// Replace starts and drives a replacement of oldHost. Nil is returned without
// doing anything when the host is already being replaced.
func (w *Worker) Replace(ctx context.Context, oldHost string) (*types.ReplacementJob, error) {
	job := types.NewReplacementJob(oldHost)

	acquired, err := w.cache.SetLabelIfAbsent(ctx, cache.ProcessingKey(oldHost), job.ID, w.config.ProcessingTTL)
	if err != nil {
		return nil, err
	}
	if !acquired {
		log.WithContext(ctx).Infof("[failover] %s is already being replaced, skipping", oldHost)
		return nil, nil
	}

	job.CreatedAt = timeNow().UTC()
	if err := w.store.SaveReplacementJob(ctx, job); err != nil {
		_ = w.cache.DeleteLabel(ctx, cache.ProcessingKey(oldHost))
		return nil, err
	}

	return job, w.drive(ctx, job)
}

// Resume drives every persisted job that has not reached its terminal phase
func (w *Worker) Resume(ctx context.Context) error {
	jobs, err := w.store.GetUnfinishedReplacementJobs(ctx, store.LockingStrengthNone)
	if err != nil {
		return err
	}

	for _, job := range jobs {
		key := cache.ProcessingKey(job.OldHost)
		acquired, err := w.cache.SetLabelIfAbsent(ctx, key, job.ID, w.config.ProcessingTTL)
		if err != nil {
			return err
		}
		if !acquired {
			owner, _, err := w.cache.GetString(ctx, key)
			if err != nil {
				return err
			}
			if owner != job.ID {
				log.WithContext(ctx).Infof("[failover] job %s for %s is owned by %s, skipping", job.ID, job.OldHost, owner)
				continue
			}
		}

		log.WithContext(ctx).Infof("[failover] resuming job %s for %s in phase %s", job.ID, job.OldHost, job.Phase)
		if err := w.drive(ctx, job); err != nil {
			log.WithContext(ctx).Errorf("[failover] job %s failed: %v", job.ID, err)
		}
	}
	return nil
}

func (w *Worker) drive(ctx context.Context, job *types.ReplacementJob) error {
	ctx = context.WithValue(ctx, util.SourceKey, util.FailoverSource)
	ctx = context.WithValue(ctx, nbcontext.JobIDKey, job.ID)
	ctx = context.WithValue(ctx, nbcontext.ServerIPKey, job.OldHost)

	for !job.Phase.Terminal() {
		ok, err := w.step(ctx, job)
		if err != nil {
			job.FailedReason = err.Error()
			if saveErr := w.store.SaveReplacementJob(ctx, job); saveErr != nil {
				log.WithContext(ctx).Errorf("[failover] failed to persist job: %v", saveErr)
			}
			if ctx.Err() == nil {
				_ = w.cache.DeleteLabel(ctx, cache.ProcessingKey(job.OldHost))
				w.notify(ctx, notify.Admin(notify.KindReplacementFailed,
					"replacement of %s stopped in phase %s: %v", job.OldHost, job.Phase, err))
			}
			return err
		}

		from := job.Phase
		job.Advance(ok, timeNow().UTC())
		if ok {
			job.FailedReason = ""
		}
		if err := w.store.SaveReplacementJob(ctx, job); err != nil {
			return err
		}
		w.metrics.CountReplacementPhase(string(job.Phase))
		log.WithContext(ctx).Infof("[failover] job moved from %s to %s", from, job.Phase)
	}

	_ = w.cache.DeleteLabel(ctx, cache.ProcessingKey(job.OldHost))
	w.notify(ctx, notify.Admin(notify.KindServerReplaced,
		"server %s was replaced by %s", job.OldHost, job.CandidateIP))
	return nil
}

// step runs the work of the job's current phase and reports its outcome.
// An error stops the job, a false outcome lets the state machine decide.
func (w *Worker) step(ctx context.Context, job *types.ReplacementJob) (bool, error) {
	switch job.Phase {
	case types.PhaseDetectedUnhealthy:
		return true, nil
	case types.PhaseProvisioning:
		return true, w.provision(ctx, job)
	case types.PhaseHealthVerify:
		return w.verify(ctx, job), nil
	case types.PhaseMigrating:
		return true, w.migrate(ctx, job)
	case types.PhaseOldDisabled:
		return true, nil
	default:
		panic(fmt.Sprintf("unknown replacement phase %q", string(job.Phase)))
	}
}

func (w *Worker) provision(ctx context.Context, job *types.ReplacementJob) error {
	policy := w.config.ProvisionRetry.WithOnRetry(func(err error, next time.Duration) {
		log.WithContext(ctx).Warnf("[failover] buying a server failed, retrying in %v: %v", next, err)
	})

	server, err := retry.Do(ctx, policy, func() (*provider.Server, error) {
		job.Attempts++
		number, err := w.cache.NextServerNumber(ctx)
		if err != nil {
			return nil, err
		}
		server, err := w.provider.BuyServer(ctx, fmt.Sprintf("%s%d", w.config.ServerNamePrefix, number))
		if err != nil {
			return nil, err
		}
		if err := w.ensureNewServer(ctx, server); err != nil {
			return nil, err
		}
		return server, nil
	})
	if err != nil {
		return fmt.Errorf("provision replacement: %w", err)
	}

	job.CandidateIP = server.IP
	job.CandidateID = server.ID
	job.CandidateLocation = server.Location
	log.WithContext(ctx).Infof("[failover] bought server %s (%s) in %s", server.IP, server.ID, server.Location)
	return nil
}

// ensureNewServer rejects a bought server whose ip already belongs to the fleet.
// The purchase is released so the next attempt buys another one.
func (w *Worker) ensureNewServer(ctx context.Context, server *provider.Server) error {
	_, err := w.store.GetServerByIP(ctx, store.LockingStrengthNone, server.IP)
	if status.IsType(err, status.NotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	log.WithContext(ctx).Warnf("[failover] bought server %s is already part of the fleet, releasing it", server.IP)
	if renewErr := w.provider.Renew(ctx, server.ID, server.IP); renewErr != nil {
		log.WithContext(ctx).Errorf("[failover] failed to release %s: %v", server.IP, renewErr)
	}
	return status.Errorf(status.PreconditionFailed, "bought server %s is already part of the fleet", server.IP)
}

// verify probes the candidate. A candidate that fails is released at the provider.
func (w *Worker) verify(ctx context.Context, job *types.ReplacementJob) bool {
	verdict, err := w.checker.Check(ctx, job.CandidateIP)
	if err == nil && verdict.Healthy {
		log.WithContext(ctx).Infof("[failover] candidate %s is healthy", job.CandidateIP)
		return true
	}
	if err != nil {
		log.WithContext(ctx).Warnf("[failover] probing candidate %s failed: %v", job.CandidateIP, err)
		job.FailedReason = err.Error()
	} else {
		log.WithContext(ctx).Warnf("[failover] candidate %s is unhealthy, failed nodes: %v", job.CandidateIP, verdict.Failed)
		job.FailedReason = fmt.Sprintf("candidate %s unhealthy", job.CandidateIP)
	}

	if err := w.provider.Renew(ctx, job.CandidateID, job.CandidateIP); err != nil {
		log.WithContext(ctx).Errorf("[failover] failed to release candidate %s: %v", job.CandidateIP, err)
	}
	job.CandidateIP = ""
	job.CandidateID = ""
	job.CandidateLocation = ""
	return false
}

func (w *Worker) migrate(ctx context.Context, job *types.ReplacementJob) error {
	if err := w.addCandidate(ctx, job); err != nil {
		return err
	}

	policy := w.config.MigrationRetry.WithOnRetry(func(err error, next time.Duration) {
		log.WithContext(ctx).Warnf("[failover] moving domains failed, retrying in %v: %v", next, err)
	})
	err := policy.Do(ctx, func() error {
		results, err := w.migrator.MigrateServer(ctx, job.OldHost, job.CandidateIP)
		for _, res := range results {
			log.WithContext(ctx).Infof("[failover] moved %s with %d users to %s", res.OldDomainName, len(res.SuccessUsers), res.ToServer)
		}
		return err
	})
	if err != nil {
		return fmt.Errorf("migrate domains: %w", err)
	}
	return nil
}

// addCandidate inserts the verified candidate into the fleet, once
func (w *Worker) addCandidate(ctx context.Context, job *types.ReplacementJob) error {
	_, err := w.store.GetServerByIP(ctx, store.LockingStrengthNone, job.CandidateIP)
	if err == nil {
		return nil
	}
	if !status.IsType(err, status.NotFound) {
		return err
	}

	err = w.store.SaveServer(ctx, &types.Server{
		IP:                 job.CandidateIP,
		Location:           job.CandidateLocation,
		ProviderID:         job.CandidateID,
		SSHPort:            defaultSSHPort,
		MaxUsers:           w.config.NewServerMaxUsers,
		Status:             types.ToggleEnable,
		GenerateStatus:     types.ToggleEnable,
		UpdateExpireStatus: types.ToggleEnable,
	})
	if err != nil {
		return err
	}
	log.WithContext(ctx).Infof("[failover] added %s to the fleet with capacity %d", job.CandidateIP, w.config.NewServerMaxUsers)
	return nil
}

func (w *Worker) notify(ctx context.Context, n notify.Notification) {
	if err := w.notifier.Notify(ctx, n); err != nil {
		log.WithContext(ctx).Warnf("[failover] failed to send %s notification: %v", n.Kind, err)
	}
}
