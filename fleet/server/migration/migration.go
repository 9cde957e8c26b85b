package migration

import (
	"context"
	"errors"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/sshfleet/sshfleet/fleet/client/remote"
	"github.com/sshfleet/sshfleet/fleet/server/cache"
	nbcontext "github.com/sshfleet/sshfleet/fleet/server/context"
	"github.com/sshfleet/sshfleet/fleet/server/registrar"
	"github.com/sshfleet/sshfleet/fleet/server/status"
	"github.com/sshfleet/sshfleet/fleet/server/store"
	"github.com/sshfleet/sshfleet/fleet/server/telemetry"
	"github.com/sshfleet/sshfleet/fleet/server/types"
	"github.com/sshfleet/sshfleet/util"
)

// DefaultLeaseTTL bounds how long a migration holds the accounts it moves
const DefaultLeaseTTL = 5 * time.Minute

const leaseAttempts = 3

const (
	stepCreate = "create"
	stepBlock  = "block"
	stepDelete = "delete"
	stepDNS    = "dns"
)

// Request describes a migration of one domain's accounts. Exactly one of
// NewDomainID and NewServerIP must be set.
type Request struct {
	OldDomainID      uint
	NewDomainID      uint
	NewServerIP      string
	DeleteOldUsers   bool
	DisableOldDomain bool
	DisableOldServer bool
}

func (r Request) byServer() bool {
	return r.NewServerIP != ""
}

// Result reports the per-user outcome of a migration
type Result struct {
	OldDomainName        string   `json:"old_domain_name"`
	NewDomainName        string   `json:"new_domain_name,omitempty"`
	FromServer           string   `json:"from_server"`
	ToServer             string   `json:"to_server"`
	SuccessUsers         []string `json:"success_users"`
	CreateExistsUsers    []string `json:"create_exists_users"`
	BlockNotExistsUsers  []string `json:"block_not_exists_users"`
	DeleteNotExistsUsers []string `json:"delete_not_exists_users"`
}

// Coordinator moves accounts between servers and domains. Remote steps are
// reverted when a later step fails.
type Coordinator struct {
	store     store.Store
	remote    remote.Client
	registrar registrar.Registrar
	cache     *cache.Store
	metrics   *telemetry.FleetMetrics
	leaseTTL  time.Duration
}

// NewCoordinator creates a migration coordinator
func NewCoordinator(s store.Store, remoteClient remote.Client, r registrar.Registrar, c *cache.Store, metrics *telemetry.FleetMetrics, leaseTTL time.Duration) *Coordinator {
	if leaseTTL <= 0 {
		leaseTTL = DefaultLeaseTTL
	}
	return &Coordinator{
		store:     s,
		remote:    remoteClient,
		registrar: r,
		cache:     c,
		metrics:   metrics,
		leaseTTL:  leaseTTL,
	}
}

type target struct {
	oldDomain *types.Domain
	newDomain *types.Domain
	ip        string
	name      string
}

func (c *Coordinator) resolve(ctx context.Context, req Request) (*target, error) {
	if (req.NewDomainID != 0) == req.byServer() {
		return nil, status.Errorf(status.InvalidArgument, "exactly one of new domain and new server must be set")
	}

	oldDomain, err := c.store.GetDomainByID(ctx, store.LockingStrengthNone, req.OldDomainID)
	if err != nil {
		return nil, err
	}

	t := &target{oldDomain: oldDomain}
	if req.byServer() {
		server, err := c.store.GetServerByIP(ctx, store.LockingStrengthNone, req.NewServerIP)
		if err != nil {
			return nil, err
		}
		if !server.Status.Enabled() {
			return nil, status.Errorf(status.PreconditionFailed, "new server %s is disabled", server.IP)
		}
		t.ip = server.IP
		t.name = server.IP
	} else {
		newDomain, err := c.store.GetDomainByID(ctx, store.LockingStrengthNone, req.NewDomainID)
		if err != nil {
			return nil, err
		}
		if !newDomain.Status.Enabled() {
			return nil, status.Errorf(status.PreconditionFailed, "new domain %s is disabled", newDomain.Name)
		}
		t.newDomain = newDomain
		t.ip = newDomain.ServerIP
		t.name = newDomain.Name
	}

	if t.ip == oldDomain.ServerIP {
		return nil, status.Errorf(status.PreconditionFailed, "new and old domain are on the same server %s", t.ip)
	}

	return t, nil
}

// Migrate copies the accounts of the old domain to the destination and updates the store.
// A remote failure aborts before any local change and reverts the remote steps already applied.
// When the revert or the local update fails an Inconsistent error describes the applied steps.
func (c *Coordinator) Migrate(ctx context.Context, req Request) (*Result, error) {
	t, err := c.resolve(ctx, req)
	if err != nil {
		return nil, err
	}
	oldDomain := t.oldDomain
	oldIP := oldDomain.ServerIP

	if ctx.Value(util.SourceKey) == nil {
		ctx = context.WithValue(ctx, util.SourceKey, util.MigrationSource)
	}
	ctx = context.WithValue(ctx, nbcontext.ServerIPKey, oldIP)

	accounts, leases, err := c.leaseDomainAccounts(ctx, oldDomain)
	if err != nil {
		return nil, err
	}
	defer leases.Release(ctx)

	credentials := make(map[string]types.UserCredentials, len(accounts))
	usernames := make([]string, 0, len(accounts))
	var toBlock []string
	for _, account := range accounts {
		credentials[account.Username] = account.Credentials()
		usernames = append(usernames, account.Username)
		if account.Status != types.AccountEnabled {
			toBlock = append(toBlock, account.Username)
		}
	}

	res := &Result{
		OldDomainName: oldDomain.Name,
		FromServer:    oldIP,
		ToServer:      t.ip,
	}
	if t.newDomain != nil {
		res.NewDomainName = t.newDomain.Name
	}

	sg := &saga{}
	abort := func(step string, cause error) (*Result, error) {
		log.WithContext(ctx).Errorf("[transfer domain] (%s) failed (from_domain_name: %s -from_server_ip: %s -to: %s): %v",
			step, oldDomain.Name, oldIP, t.name, cause)
		if sg.empty() {
			c.metrics.CountMigration("failed", 0)
			return nil, fmt.Errorf("%s step: %w", step, cause)
		}
		if rbErr := sg.rollback(ctx); rbErr != nil {
			c.metrics.CountCompensation(false)
			c.metrics.CountMigration("inconsistent", 0)
			detail := sg.detail()
			detail["cause"] = cause.Error()
			detail["compensation"] = rbErr.Error()
			return nil, status.NewInconsistentError(
				fmt.Sprintf("migration of %s failed at %s and could not be reverted", oldDomain.Name, step), detail)
		}
		c.metrics.CountCompensation(true)
		c.metrics.CountMigration("reverted", 0)
		return nil, fmt.Errorf("%s step: %w", step, cause)
	}

	users := make([]types.UserCredentials, 0, len(usernames))
	for _, u := range usernames {
		users = append(users, credentials[u])
	}

	created, err := c.remote.Create(ctx, t.ip, users, true)
	if err != nil {
		return abort(stepCreate, err)
	}
	newlyCreated := util.SliceIntersect(usernames, created.SuccessUsers)
	if len(newlyCreated) > 0 {
		sg.record(stepCreate, newlyCreated, func(ctx context.Context) error {
			_, err := c.remote.Delete(ctx, t.ip, newlyCreated, true)
			return err
		})
	}
	res.CreateExistsUsers = created.ExistsUsers
	// accounts that already existed on the destination are there as well
	success := util.SliceIntersect(usernames, append(append([]string{}, newlyCreated...), created.ExistsUsers...))
	log.WithContext(ctx).Infof("[transfer domain] (create) %d created, %d already existed on %s",
		len(newlyCreated), len(created.ExistsUsers), t.ip)

	if blockable := util.SliceIntersect(toBlock, success); len(blockable) > 0 {
		blocked, err := c.remote.Block(ctx, t.ip, blockable, true)
		if err != nil {
			return abort(stepBlock, err)
		}
		// accounts created in this run are removed by the create revert
		preexisting := util.SliceIntersect(blocked.SuccessUsers, created.ExistsUsers)
		sg.record(stepBlock, blocked.SuccessUsers, func(ctx context.Context) error {
			if len(preexisting) == 0 {
				return nil
			}
			_, err := c.remote.Unblock(ctx, t.ip, preexisting, true)
			return err
		})
		res.BlockNotExistsUsers = blocked.NotExistsUsers
		success = util.SliceDiff(success, util.SliceDiff(blockable, blocked.SuccessUsers))
		log.WithContext(ctx).Infof("[transfer domain] (block) %d of %d blocked on %s", len(blocked.SuccessUsers), len(blockable), t.ip)
	}

	var deleted []string
	if req.DeleteOldUsers && len(success) > 0 {
		resp, err := c.remote.Delete(ctx, oldIP, success, true)
		if err != nil {
			return abort(stepDelete, err)
		}
		deleted = resp.SuccessUsers
		sg.record(stepDelete, deleted, func(ctx context.Context) error {
			return c.restoreOnSource(ctx, oldIP, deleted, credentials, toBlock)
		})
		res.DeleteNotExistsUsers = resp.NotExistsUsers
		success = util.SliceIntersect(success, deleted)
		log.WithContext(ctx).Infof("[transfer domain] (delete) %d deleted from %s", len(deleted), oldIP)
	}

	if req.byServer() && len(usernames) > 0 && len(success) == 0 {
		return abort(stepCreate, status.Errorf(status.RemoteRejected, "none of the %d accounts of %s reached %s", len(usernames), oldDomain.Name, t.ip))
	}

	if req.byServer() {
		if err := c.registrar.UpdateRecord(ctx, oldDomain.Identifier, t.ip, oldDomain.Name); err != nil {
			return abort(stepDNS, err)
		}
		sg.record(stepDNS, nil, func(ctx context.Context) error {
			return c.registrar.UpdateRecord(ctx, oldDomain.Identifier, oldIP, oldDomain.Name)
		})
		log.WithContext(ctx).Infof("[transfer domain] (domain) %s now points to %s", oldDomain.Name, t.ip)
	}

	err = c.store.ExecuteInTransaction(ctx, func(tx store.Store) error {
		if req.byServer() {
			if err := tx.UpdateDomainServerIP(ctx, oldDomain.ID, t.ip); err != nil {
				return err
			}
		} else if len(success) > 0 {
			if _, err := tx.MoveDomainAccounts(ctx, oldDomain.ID, t.newDomain.ID, success); err != nil {
				return err
			}
		}

		if err := tx.AdjustServerAccountCount(ctx, oldIP, -len(deleted)); err != nil {
			return err
		}
		if err := tx.AdjustServerAccountCount(ctx, t.ip, len(newlyCreated)); err != nil {
			return err
		}

		if req.DisableOldDomain && oldDomain.Status.Enabled() {
			if err := tx.UpdateDomainStatus(ctx, oldDomain.ID, types.ToggleDisable); err != nil {
				return err
			}
		}
		if req.DisableOldServer {
			server, err := tx.GetServerByIP(ctx, store.LockingStrengthUpdate, oldIP)
			if err != nil {
				return err
			}
			if server.Status.Enabled() {
				return tx.UpdateServerStatus(ctx, oldIP, types.ToggleDisable)
			}
		}
		return nil
	})
	if err != nil {
		log.WithContext(ctx).Errorf("[transfer domain] error in database (from_domain_name: %s -to: %s): %v", oldDomain.Name, t.name, err)
		detail := sg.detail()
		detail["cause"] = err.Error()
		if rbErr := sg.rollback(ctx); rbErr != nil {
			c.metrics.CountCompensation(false)
			detail["compensation"] = rbErr.Error()
		} else if !sg.empty() {
			c.metrics.CountCompensation(true)
			detail["compensation"] = "reverted"
		}
		c.metrics.CountMigration("inconsistent", 0)
		return nil, status.NewInconsistentError(fmt.Sprintf("migration of %s was applied remotely but not stored", oldDomain.Name), detail)
	}

	res.SuccessUsers = success
	c.metrics.CountMigration("success", len(success))
	log.WithContext(ctx).Infof("[transfer domain] successfully transferred %d of %d users (from_domain_name: %s -from_server_ip: %s -to: %s)",
		len(success), len(usernames), oldDomain.Name, oldIP, t.name)

	return res, nil
}

func (c *Coordinator) restoreOnSource(ctx context.Context, ip string, deleted []string, credentials map[string]types.UserCredentials, blocked []string) error {
	users := make([]types.UserCredentials, 0, len(deleted))
	for _, u := range deleted {
		users = append(users, credentials[u])
	}
	if _, err := c.remote.Create(ctx, ip, users, true); err != nil {
		return err
	}
	if reblock := util.SliceIntersect(blocked, deleted); len(reblock) > 0 {
		if _, err := c.remote.Block(ctx, ip, reblock, true); err != nil {
			return err
		}
	}
	return nil
}

// leaseDomainAccounts leases every live account of the domain and returns the
// accounts as stored once the leases are held. Accounts that joined the domain
// while leasing are leased as well.
func (c *Coordinator) leaseDomainAccounts(ctx context.Context, domain *types.Domain) ([]*types.Account, cache.Leases, error) {
	var leases cache.Leases
	held := make(map[string]bool)

	for attempt := 0; attempt < leaseAttempts; attempt++ {
		accounts, err := c.store.GetAccountsByDomainID(ctx, store.LockingStrengthNone, domain.ID,
			types.AccountEnabled, types.AccountDisabled, types.AccountExpired)
		if err != nil {
			leases.Release(ctx)
			return nil, nil, err
		}

		var keys []string
		for _, account := range accounts {
			if !held[account.Username] {
				keys = append(keys, cache.AccountLeaseKey(account.Username))
			}
		}
		if len(keys) == 0 {
			return accounts, leases, nil
		}

		acquired, err := c.cache.AcquireLeases(ctx, keys, c.leaseTTL)
		if err != nil {
			leases.Release(ctx)
			if errors.Is(err, cache.ErrLeaseHeld) {
				return nil, nil, status.Errorf(status.PreconditionFailed, "accounts of domain %s are being processed by another worker", domain.Name)
			}
			return nil, nil, err
		}
		leases = append(leases, acquired...)
		for _, account := range accounts {
			held[account.Username] = true
		}
	}

	leases.Release(ctx)
	return nil, nil, status.Errorf(status.PreconditionFailed, "accounts of domain %s keep changing", domain.Name)
}

// MigrateServer points every domain of oldIP at newIP. Accounts are kept on the old server,
// which is disabled once every domain has moved. A failure leaves the old server enabled
// so it is still monitored.
func (c *Coordinator) MigrateServer(ctx context.Context, oldIP, newIP string) ([]*Result, error) {
	domains, err := c.store.GetDomainsByServerIP(ctx, store.LockingStrengthNone, oldIP)
	if err != nil {
		return nil, err
	}

	results := make([]*Result, 0, len(domains))
	for _, domain := range domains {
		res, err := c.Migrate(ctx, Request{
			OldDomainID:    domain.ID,
			NewServerIP:    newIP,
			DeleteOldUsers: false,
		})
		if err != nil {
			return results, fmt.Errorf("migrate domain %s: %w", domain.Name, err)
		}
		results = append(results, res)
	}

	server, err := c.store.GetServerByIP(ctx, store.LockingStrengthNone, oldIP)
	if err != nil {
		return results, err
	}
	if server.Status.Enabled() {
		if err := c.store.UpdateServerStatus(ctx, oldIP, types.ToggleDisable); err != nil {
			return results, err
		}
	}

	return results, nil
}
