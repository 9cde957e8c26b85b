package serversync

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
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
	DefaultInterval = time.Hour
	DefaultLeaseTTL = 5 * time.Minute
	// ManagedPrefix marks the accounts the fleet owns. Other users on a server are left alone.
	ManagedPrefix = "user_"
)

type Config struct {
	Interval time.Duration
	LeaseTTL time.Duration
}

// Syncer makes every enabled server hold exactly the accounts the store places on it.
// Missing accounts are created again and unknown managed accounts are deleted.
type Syncer struct {
	store    store.Store
	remote   remote.Client
	cache    *cache.Store
	notifier notify.Notifier
	metrics  *telemetry.FleetMetrics
	config   Config
}

func NewSyncer(s store.Store, remoteClient remote.Client, c *cache.Store, notifier notify.Notifier, metrics *telemetry.FleetMetrics, config Config) *Syncer {
	if config.Interval <= 0 {
		config.Interval = DefaultInterval
	}
	if config.LeaseTTL <= 0 {
		config.LeaseTTL = DefaultLeaseTTL
	}
	return &Syncer{
		store:    s,
		remote:   remoteClient,
		cache:    c,
		notifier: notifier,
		metrics:  metrics,
		config:   config,
	}
}

// Run syncs the fleet every interval until ctx is done
func (s *Syncer) Run(ctx context.Context) error {
	ctx = context.WithValue(ctx, util.SourceKey, util.SyncSource)
	log.WithContext(ctx).Infof("server sync started, interval %v", s.config.Interval)

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	for {
		if err := s.RunOnce(ctx); err != nil && ctx.Err() == nil {
			log.WithContext(ctx).Errorf("server sync round failed: %v", err)
		}

		select {
		case <-ctx.Done():
			log.WithContext(ctx).Info("server sync stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// Report lists what one server sync changed
type Report struct {
	Recreated []string
	Deleted   []string
}

// RunOnce syncs every enabled server. A failing server is reported to the
// operators and does not stop the others.
func (s *Syncer) RunOnce(ctx context.Context) error {
	if ctx.Value(util.SourceKey) == nil {
		ctx = context.WithValue(ctx, util.SourceKey, util.SyncSource)
	}

	servers, err := s.store.GetServersByStatus(ctx, store.LockingStrengthNone, types.ToggleEnable)
	if err != nil {
		return err
	}

	for _, server := range servers {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		sctx := context.WithValue(ctx, nbcontext.ServerIPKey, server.IP)

		processing, err := s.cache.HasLabel(sctx, cache.ProcessingKey(server.IP))
		if err != nil {
			return err
		}
		if processing {
			log.WithContext(sctx).Debugf("%s is being replaced, skipping sync", server.IP)
			continue
		}

		report, err := s.SyncServer(sctx, server.IP)
		if err != nil {
			log.WithContext(sctx).Errorf("failed to sync %s: %v", server.IP, err)
			if nErr := s.notifier.Notify(sctx, notify.Admin(notify.KindSyncFailed, "sync of %s failed: %v", server.IP, err)); nErr != nil {
				log.WithContext(sctx).Warnf("failed to send %s notification: %v", notify.KindSyncFailed, nErr)
			}
			continue
		}
		if len(report.Recreated) > 0 || len(report.Deleted) > 0 {
			log.WithContext(sctx).Infof("synced %s: recreated %v, deleted %v", server.IP, report.Recreated, report.Deleted)
		}
	}
	return nil
}

// SyncServer diffs the accounts on the server at ip against the store and repairs the difference.
// The server is listed before the store is read so an account created in between is in both.
func (s *Syncer) SyncServer(ctx context.Context, ip string) (*Report, error) {
	onServer, err := s.remote.ListUsers(ctx, ip)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}

	stored, err := s.storedAccounts(ctx, ip)
	if err != nil {
		return nil, err
	}

	storedNames := make([]string, 0, len(stored))
	for name := range stored {
		storedNames = append(storedNames, name)
	}
	slices.Sort(storedNames)

	report := &Report{}
	for _, name := range util.SliceDiff(storedNames, onServer) {
		ok, err := s.recreate(ctx, ip, stored[name])
		s.metrics.CountReconcilerAction("recreate", err == nil)
		if err != nil {
			log.WithContext(ctx).Errorf("failed to recreate %s on %s: %v", name, ip, err)
			continue
		}
		if ok {
			report.Recreated = append(report.Recreated, name)
		}
	}

	for _, name := range util.SliceDiff(onServer, storedNames) {
		if !strings.HasPrefix(name, ManagedPrefix) {
			continue
		}
		ok, err := s.deleteOrphan(ctx, ip, name)
		s.metrics.CountReconcilerAction("orphan", err == nil)
		if err != nil {
			log.WithContext(ctx).Errorf("failed to delete orphan %s on %s: %v", name, ip, err)
			continue
		}
		if ok {
			report.Deleted = append(report.Deleted, name)
		}
	}

	return report, nil
}

func (s *Syncer) storedAccounts(ctx context.Context, ip string) (map[string]*types.Account, error) {
	domains, err := s.store.GetDomainsByServerIP(ctx, store.LockingStrengthNone, ip)
	if err != nil {
		return nil, err
	}

	accounts := make(map[string]*types.Account)
	for _, domain := range domains {
		live, err := s.store.GetAccountsByDomainID(ctx, store.LockingStrengthNone, domain.ID,
			types.AccountEnabled, types.AccountDisabled, types.AccountExpired)
		if err != nil {
			return nil, err
		}
		for _, account := range live {
			accounts[account.Username] = account
		}
	}
	return accounts, nil
}

// onServer reports whether the account, as stored now, is live on the server at ip
func (s *Syncer) onServer(ctx context.Context, account *types.Account, ip string) (bool, error) {
	if !account.Status.Live() {
		return false, nil
	}
	domain, err := s.store.GetDomainByID(ctx, store.LockingStrengthNone, account.DomainID)
	if err != nil {
		return false, err
	}
	return domain.ServerIP == ip, nil
}

func (s *Syncer) lease(ctx context.Context, username string) (*cache.Lease, error) {
	lease, err := s.cache.AcquireLease(ctx, cache.AccountLeaseKey(username), s.config.LeaseTTL)
	if errors.Is(err, cache.ErrLeaseHeld) {
		log.WithContext(ctx).Debugf("%s is being processed by another worker", username)
		return nil, nil
	}
	return lease, err
}

// recreate creates a stored account missing from the server. Blocked accounts are blocked again.
func (s *Syncer) recreate(ctx context.Context, ip string, listed *types.Account) (bool, error) {
	ctx = context.WithValue(ctx, nbcontext.UsernameKey, listed.Username)
	lease, err := s.lease(ctx, listed.Username)
	if err != nil || lease == nil {
		return false, err
	}
	defer lease.Release(ctx)

	account, err := s.store.GetAccountByID(ctx, store.LockingStrengthNone, listed.ID)
	if err != nil {
		return false, err
	}
	if ok, err := s.onServer(ctx, account, ip); err != nil || !ok {
		return false, err
	}

	if _, err := s.remote.Create(ctx, ip, []types.UserCredentials{account.Credentials()}, true); err != nil {
		return false, err
	}
	if account.Status != types.AccountEnabled {
		if _, err := s.remote.Block(ctx, ip, []string{account.Username}, true); err != nil {
			return false, err
		}
	}
	log.WithContext(ctx).Infof("[sync] recreated %s account %s on %s", account.Status, account.Username, ip)
	return true, nil
}

// deleteOrphan removes a managed account the store does not place on the server
func (s *Syncer) deleteOrphan(ctx context.Context, ip, username string) (bool, error) {
	ctx = context.WithValue(ctx, nbcontext.UsernameKey, username)
	lease, err := s.lease(ctx, username)
	if err != nil || lease == nil {
		return false, err
	}
	defer lease.Release(ctx)

	account, err := s.store.GetAccountByUsername(ctx, store.LockingStrengthNone, username)
	switch {
	case err == nil:
		if ok, err := s.onServer(ctx, account, ip); err != nil || ok {
			return false, err
		}
	case !status.IsType(err, status.NotFound):
		return false, err
	}

	if _, err := s.remote.Delete(ctx, ip, []string{username}, true); err != nil {
		return false, err
	}
	log.WithContext(ctx).Infof("[sync] deleted orphan account %s from %s", username, ip)
	return true, nil
}
