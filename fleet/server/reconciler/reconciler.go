package reconciler

import (
	"context"
	"errors"
	"slices"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/sshfleet/sshfleet/fleet/client/remote"
	"github.com/sshfleet/sshfleet/fleet/server/cache"
	nbcontext "github.com/sshfleet/sshfleet/fleet/server/context"
	"github.com/sshfleet/sshfleet/fleet/server/notify"
	"github.com/sshfleet/sshfleet/fleet/server/status"
	"github.com/sshfleet/sshfleet/fleet/server/store"
	"github.com/sshfleet/sshfleet/fleet/server/telemetry"
	"github.com/sshfleet/sshfleet/fleet/server/types"
	"github.com/sshfleet/sshfleet/util"
)

const (
	DefaultInterval      = 300 * time.Second
	DefaultNoticeWindow  = 24 * time.Hour
	DefaultNoticeTTL     = 24 * time.Hour
	DefaultGrace         = 2 * 24 * time.Hour
	DefaultExtendedGrace = 7 * 24 * time.Hour
	DefaultLeaseTTL      = 5 * time.Minute
)

// DefaultExtendedGraceAgents keep expired accounts for the extended grace period
var DefaultExtendedGraceAgents = []uint{1, 3, 10, 11, 12, 14}

var timeNow = time.Now

type Config struct {
	Interval            time.Duration
	NoticeWindow        time.Duration
	NoticeTTL           time.Duration
	Grace               time.Duration
	ExtendedGrace       time.Duration
	ExtendedGraceAgents []uint
	LeaseTTL            time.Duration
}

// ApplyDefaults fills unset fields
func (c *Config) ApplyDefaults() {
	if c.Interval <= 0 {
		c.Interval = DefaultInterval
	}
	if c.NoticeWindow <= 0 {
		c.NoticeWindow = DefaultNoticeWindow
	}
	if c.NoticeTTL <= 0 {
		c.NoticeTTL = DefaultNoticeTTL
	}
	if c.Grace <= 0 {
		c.Grace = DefaultGrace
	}
	if c.ExtendedGrace <= 0 {
		c.ExtendedGrace = DefaultExtendedGrace
	}
	if c.ExtendedGraceAgents == nil {
		c.ExtendedGraceAgents = DefaultExtendedGraceAgents
	}
	if c.LeaseTTL <= 0 {
		c.LeaseTTL = DefaultLeaseTTL
	}
}

// Reconciler warns about, blocks and finally deletes expiring accounts
type Reconciler struct {
	store    store.Store
	remote   remote.Client
	cache    *cache.Store
	notifier notify.Notifier
	metrics  *telemetry.FleetMetrics
	config   Config
}

func NewReconciler(s store.Store, remoteClient remote.Client, c *cache.Store, notifier notify.Notifier, metrics *telemetry.FleetMetrics, config Config) *Reconciler {
	config.ApplyDefaults()
	return &Reconciler{
		store:    s,
		remote:   remoteClient,
		cache:    c,
		notifier: notifier,
		metrics:  metrics,
		config:   config,
	}
}

// Run reconciles every interval until ctx is done
func (r *Reconciler) Run(ctx context.Context) error {
	ctx = context.WithValue(ctx, util.SourceKey, util.ReconcilerSource)
	log.WithContext(ctx).Infof("reconciler started, interval %v", r.config.Interval)

	ticker := time.NewTicker(r.config.Interval)
	defer ticker.Stop()

	for {
		if err := r.RunOnce(ctx); err != nil && ctx.Err() == nil {
			log.WithContext(ctx).Errorf("[exception] reconciler round failed: %v", err)
		}

		select {
		case <-ctx.Done():
			log.WithContext(ctx).Info("reconciler stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// RunOnce makes a single pass over live and expired accounts. Failures of a
// single account are logged and do not stop the pass.
func (r *Reconciler) RunOnce(ctx context.Context) error {
	if ctx.Value(util.SourceKey) == nil {
		ctx = context.WithValue(ctx, util.SourceKey, util.ReconcilerSource)
	}
	servers := newServerLookup(r.store)

	active, err := r.store.GetAccountsByStatus(ctx, store.LockingStrengthNone, types.AccountEnabled, types.AccountDisabled)
	if err != nil {
		return err
	}
	for _, account := range active {
		r.process(ctx, servers, account, r.reconcileActive, types.AccountEnabled, types.AccountDisabled)
	}

	expired, err := r.store.GetAccountsByStatus(ctx, store.LockingStrengthNone, types.AccountExpired)
	if err != nil {
		return err
	}
	for _, account := range expired {
		r.process(ctx, servers, account, r.reconcileExpired, types.AccountExpired)
	}

	return nil
}

type handler func(ctx context.Context, server *types.Server, account *types.Account) error

// process runs h on the account under its lease. The account and its domain are
// read again once the lease is held, so a migration or renewal that finished after
// the pass listed the account is seen here. The account is skipped when its status
// is no longer one of expected.
func (r *Reconciler) process(ctx context.Context, servers *serverLookup, listed *types.Account, h handler, expected ...types.AccountStatus) {
	if ctx.Err() != nil {
		return
	}
	ctx = context.WithValue(ctx, nbcontext.UsernameKey, listed.Username)

	lease, err := r.cache.AcquireLease(ctx, cache.AccountLeaseKey(listed.Username), r.config.LeaseTTL)
	if err != nil {
		if errors.Is(err, cache.ErrLeaseHeld) {
			log.WithContext(ctx).Debugf("%s is being processed by another worker", listed.Username)
			return
		}
		log.WithContext(ctx).Errorf("failed to lease %s: %v", listed.Username, err)
		return
	}
	defer lease.Release(ctx)

	account, err := r.store.GetAccountByID(ctx, store.LockingStrengthNone, listed.ID)
	if err != nil {
		log.WithContext(ctx).Errorf("failed to reload %s: %v", listed.Username, err)
		return
	}
	if !slices.Contains(expected, account.Status) {
		log.WithContext(ctx).Debugf("%s changed to %s since it was listed, skipping", account.Username, account.Status)
		return
	}

	server, err := servers.forDomain(ctx, account.DomainID)
	if err != nil {
		log.WithContext(ctx).Errorf("failed to resolve server of %s: %v", account.Username, err)
		return
	}
	ctx = context.WithValue(ctx, nbcontext.ServerIPKey, server.IP)
	if !server.UpdateExpireStatus.Enabled() {
		return
	}

	if err := h(ctx, server, account); err != nil {
		log.WithContext(ctx).Errorf("failed to reconcile %s: %v", account.Username, err)
	}
}

func (r *Reconciler) reconcileActive(ctx context.Context, server *types.Server, account *types.Account) error {
	if _, err := r.CheckNearExpiry(ctx, account); err != nil {
		log.WithContext(ctx).Warnf("near expiry check of %s failed: %v", account.Username, err)
	}

	if !timeNow().After(account.Expire) {
		return nil
	}
	return r.expire(ctx, server, account)
}

func (r *Reconciler) reconcileExpired(ctx context.Context, server *types.Server, account *types.Account) error {
	if account.Type == types.AccountTypeMain && timeNow().Sub(account.Expire) <= r.grace(account.AgentID) {
		return nil
	}
	return r.delete(ctx, server, account)
}

func (r *Reconciler) grace(agentID uint) time.Duration {
	if slices.Contains(r.config.ExtendedGraceAgents, agentID) {
		return r.config.ExtendedGrace
	}
	return r.config.Grace
}

// CheckNearExpiry notifies the owner of a main account about to expire, at most once per notice TTL.
// It reports whether a notice was sent.
func (r *Reconciler) CheckNearExpiry(ctx context.Context, account *types.Account) (bool, error) {
	if account.Type != types.AccountTypeMain {
		return false, nil
	}
	if account.Status != types.AccountEnabled && account.Status != types.AccountDisabled {
		return false, nil
	}
	left := account.Expire.Sub(timeNow())
	if left < 0 || left >= r.config.NoticeWindow {
		return false, nil
	}

	key := cache.NoticeLabelKey(account.ID)
	created, err := r.cache.SetLabelIfAbsent(ctx, key, "1", r.config.NoticeTTL)
	if err != nil {
		return false, err
	}
	if !created {
		return false, nil
	}

	err = r.notifier.Notify(ctx, notify.Agent(notify.KindNearExpiry, account.AgentID, account.Username,
		"service %s expires at %s", account.Username, account.Expire.UTC().Format(time.RFC3339)))
	r.metrics.CountReconcilerAction("notice", err == nil)
	if err != nil {
		if delErr := r.cache.DeleteLabel(ctx, key); delErr != nil {
			log.WithContext(ctx).Warnf("failed to clear notice label of %s: %v", account.Username, delErr)
		}
		return false, err
	}
	return true, nil
}

func (r *Reconciler) expire(ctx context.Context, server *types.Server, account *types.Account) error {
	res, err := r.remote.Block(ctx, server.IP, []string{account.Username}, true)
	if err != nil {
		r.metrics.CountReconcilerAction("expire", false)
		log.WithContext(ctx).Errorf("[expire] failed account blocking [server: %s -username: %s]: %v", server.IP, account.Username, err)
		return nil
	}
	if util.Contains(res.NotExistsUsers, account.Username) {
		log.WithContext(ctx).Warnf("[expire] account %s does not exist on %s", account.Username, server.IP)
	}

	if err := r.store.UpdateAccountStatus(ctx, account.ID, types.AccountExpired); err != nil {
		r.metrics.CountReconcilerAction("expire", false)
		return err
	}
	r.metrics.CountReconcilerAction("expire", true)
	log.WithContext(ctx).Infof("[expire] successfully account blocked [server: %s -username: %s]", server.IP, account.Username)

	r.notify(ctx, notify.Agent(notify.KindExpired, account.AgentID, account.Username,
		"service %s has expired and was blocked", account.Username))
	return nil
}

func (r *Reconciler) delete(ctx context.Context, server *types.Server, account *types.Account) error {
	if _, err := r.remote.Delete(ctx, server.IP, []string{account.Username}, true); err != nil {
		r.metrics.CountReconcilerAction("delete", false)
		log.WithContext(ctx).Errorf("[delete] failed account deleted (server: %s -username: %s): %v", server.IP, account.Username, err)
		return nil
	}

	err := r.store.ExecuteInTransaction(ctx, func(tx store.Store) error {
		if err := tx.AdjustServerAccountCount(ctx, server.IP, -1); err != nil {
			return err
		}
		return tx.UpdateAccountStatus(ctx, account.ID, types.AccountDeleted)
	})
	if err != nil {
		r.metrics.CountReconcilerAction("delete", false)
		log.WithContext(ctx).Errorf("[delete] error in database (username: %s): %v", account.Username, err)
		return status.NewInconsistentError("account deleted remotely but not in store",
			map[string]any{"username": account.Username, "server_ip": server.IP})
	}
	r.metrics.CountReconcilerAction("delete", true)
	log.WithContext(ctx).Infof("[delete] successfully account deleted [server: %s -username: %s]", server.IP, account.Username)

	r.notify(ctx, notify.Agent(notify.KindDeleted, account.AgentID, account.Username,
		"service %s was deleted", account.Username))
	return nil
}

func (r *Reconciler) notify(ctx context.Context, n notify.Notification) {
	if err := r.notifier.Notify(ctx, n); err != nil {
		log.WithContext(ctx).Warnf("failed to send %s notification for %s: %v", n.Kind, n.Username, err)
	}
}

// serverLookup memoizes servers by ip for one pass. Domains are always read
// from the store since a server migration repoints them.
type serverLookup struct {
	store   store.Store
	servers map[string]*types.Server
}

func newServerLookup(s store.Store) *serverLookup {
	return &serverLookup{
		store:   s,
		servers: make(map[string]*types.Server),
	}
}

func (l *serverLookup) forDomain(ctx context.Context, domainID uint) (*types.Server, error) {
	domain, err := l.store.GetDomainByID(ctx, store.LockingStrengthNone, domainID)
	if err != nil {
		return nil, err
	}

	server, ok := l.servers[domain.ServerIP]
	if !ok {
		server, err = l.store.GetServerByIP(ctx, store.LockingStrengthNone, domain.ServerIP)
		if err != nil {
			return nil, err
		}
		l.servers[domain.ServerIP] = server
	}

	return server, nil
}
