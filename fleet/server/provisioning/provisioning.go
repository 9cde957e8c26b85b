package provisioning

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	mathrand "math/rand/v2"
	"time"

	"github.com/hashicorp/go-multierror"
	log "github.com/sirupsen/logrus"

	"github.com/sshfleet/sshfleet/fleet/client/financial"
	"github.com/sshfleet/sshfleet/fleet/client/remote"
	"github.com/sshfleet/sshfleet/fleet/server/cache"
	nbcontext "github.com/sshfleet/sshfleet/fleet/server/context"
	"github.com/sshfleet/sshfleet/fleet/server/selector"
	"github.com/sshfleet/sshfleet/fleet/server/status"
	"github.com/sshfleet/sshfleet/fleet/server/store"
	"github.com/sshfleet/sshfleet/fleet/server/types"
)

const (
	DefaultTestDuration = 24 * time.Hour
	DefaultLeaseTTL     = 5 * time.Minute

	usernamePrefix   = "user_"
	usernameAttempts = 20
	passwordLength   = 12
	passwordCharset  = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
)

var timeNow = time.Now

// Placer picks the server and domain a new account lives on
type Placer interface {
	SelectServerAndDomain(ctx context.Context, exclusion selector.Exclusion) (*types.Server, *types.Domain, error)
}

type Config struct {
	// TreasuryUserID is the ledger account receiving payments
	TreasuryUserID uint
	// TestDuration is the validity of free test accounts
	TestDuration time.Duration
	LeaseTTL     time.Duration
}

// CreateRequest asks for a new account owned by an agent
type CreateRequest struct {
	AgentID uint
	PlanID  uint
	Type    types.AccountType
}

// Provisioner sells accounts: it places, creates and charges for them
type Provisioner struct {
	store     store.Store
	placer    Placer
	remote    remote.Client
	financial financial.Client
	cache     *cache.Store
	config    Config
}

func NewProvisioner(s store.Store, placer Placer, remoteClient remote.Client, financialClient financial.Client, c *cache.Store, config Config) *Provisioner {
	if config.TestDuration <= 0 {
		config.TestDuration = DefaultTestDuration
	}
	if config.LeaseTTL <= 0 {
		config.LeaseTTL = DefaultLeaseTTL
	}
	return &Provisioner{
		store:     s,
		placer:    placer,
		remote:    remoteClient,
		financial: financialClient,
		cache:     c,
		config:    config,
	}
}

// CreateAccount places and creates a new account and charges the agent for it.
// Test accounts are free.
func (p *Provisioner) CreateAccount(ctx context.Context, req CreateRequest) (*types.Account, error) {
	if req.Type == "" {
		req.Type = types.AccountTypeMain
	}
	if req.Type != types.AccountTypeMain && req.Type != types.AccountTypeTest {
		return nil, status.Errorf(status.InvalidArgument, "unknown account type %q", req.Type)
	}

	plan, err := p.store.GetPlanByID(ctx, store.LockingStrengthNone, req.PlanID)
	if err != nil {
		return nil, err
	}
	if !plan.Status.Enabled() {
		return nil, status.Errorf(status.PreconditionFailed, "plan %d is disabled", plan.ID)
	}

	paid := req.Type == types.AccountTypeMain && plan.Price.IsPositive()
	if err := p.financial.RegisterIfAbsent(ctx, req.AgentID); err != nil {
		return nil, fmt.Errorf("register agent %d: %w", req.AgentID, err)
	}
	if paid {
		if err := p.checkBalance(ctx, req.AgentID, plan); err != nil {
			return nil, err
		}
	}

	server, domain, err := p.placer.SelectServerAndDomain(ctx, selector.Exclusion{})
	if err != nil {
		return nil, err
	}
	ctx = context.WithValue(ctx, nbcontext.ServerIPKey, server.IP)

	username, lease, err := p.newUsername(ctx)
	if err != nil {
		return nil, err
	}
	defer lease.Release(ctx)
	ctx = context.WithValue(ctx, nbcontext.UsernameKey, username)
	password, err := generateRandomString(passwordLength)
	if err != nil {
		return nil, status.Errorf(status.Internal, "generate password: %v", err)
	}

	now := timeNow().UTC()
	validity := plan.Duration()
	if req.Type == types.AccountTypeTest {
		validity = p.config.TestDuration
	}
	account := &types.Account{
		Type:     req.Type,
		DomainID: domain.ID,
		PlanID:   plan.ID,
		AgentID:  req.AgentID,
		Username: username,
		Password: password,
		Status:   types.AccountEnabled,
		Created:  now,
		Expire:   now.Add(validity),
	}

	res, err := p.remote.Create(ctx, server.IP, []types.UserCredentials{account.Credentials()}, false)
	if err != nil {
		return nil, fmt.Errorf("create account on %s: %w", server.IP, err)
	}
	if len(res.SuccessUsers) != 1 || res.SuccessUsers[0] != username {
		return nil, status.Errorf(status.RemoteRejected, "server %s did not create %s", server.IP, username)
	}

	err = p.store.ExecuteInTransaction(ctx, func(tx store.Store) error {
		if err := tx.CreateAccount(ctx, account); err != nil {
			return err
		}
		return tx.AdjustServerAccountCount(ctx, server.IP, 1)
	})
	if err != nil {
		log.WithContext(ctx).Errorf("failed to store account %s: %v", username, err)
		if _, delErr := p.remote.Delete(ctx, server.IP, []string{username}, true); delErr != nil {
			return nil, status.NewInconsistentError(fmt.Sprintf("account %s exists on %s but not in store", username, server.IP),
				map[string]any{"username": username, "server_ip": server.IP, "cause": err.Error(), "compensation": delErr.Error()})
		}
		return nil, err
	}

	if paid {
		if err := p.financial.Transfer(ctx, req.AgentID, p.config.TreasuryUserID, plan.Price); err != nil {
			log.WithContext(ctx).Errorf("[transfer] failed to charge agent %d for %s: %v", req.AgentID, username, err)
			if undoErr := p.undoCreate(ctx, server.IP, account); undoErr != nil {
				return nil, status.NewInconsistentError(fmt.Sprintf("account %s was created but not paid for", username),
					map[string]any{"username": username, "server_ip": server.IP, "agent_id": req.AgentID, "cause": err.Error(), "compensation": undoErr.Error()})
			}
			return nil, fmt.Errorf("charge agent %d: %w", req.AgentID, err)
		}
	}

	log.WithContext(ctx).Infof("created %s account %s on %s (%s) for agent %d", req.Type, username, server.IP, domain.Name, req.AgentID)
	return account, nil
}

func (p *Provisioner) checkBalance(ctx context.Context, agentID uint, plan *types.Plan) error {
	balance, err := p.financial.GetBalance(ctx, agentID)
	if err != nil {
		log.WithContext(ctx).Errorf("[check balance] failed to get agent balance (agent_id: %d)", agentID)
		return err
	}
	if balance.LessThan(plan.Price) {
		log.WithContext(ctx).Errorf("[check balance] Insufficient balance (agent_id: %d -balance: %s -price: %s)", agentID, balance, plan.Price)
		return status.Errorf(status.PreconditionFailed, "insufficient balance")
	}
	return nil
}

// undoCreate removes an account that could not be paid for, remotely and in the store
func (p *Provisioner) undoCreate(ctx context.Context, ip string, account *types.Account) error {
	var result *multierror.Error
	if _, err := p.remote.Delete(ctx, ip, []string{account.Username}, true); err != nil {
		result = multierror.Append(result, fmt.Errorf("delete remote account: %w", err))
	}

	err := p.store.ExecuteInTransaction(ctx, func(tx store.Store) error {
		if err := tx.UpdateAccountStatus(ctx, account.ID, types.AccountDeleted); err != nil {
			return err
		}
		return tx.AdjustServerAccountCount(ctx, ip, -1)
	})
	if err != nil {
		result = multierror.Append(result, fmt.Errorf("mark account deleted: %w", err))
	} else {
		account.Status = types.AccountDeleted
	}
	return result.ErrorOrNil()
}

// newUsername picks a free username and leases it until the account is stored,
// so the server sync does not take the fresh remote account for an orphan
func (p *Provisioner) newUsername(ctx context.Context) (string, *cache.Lease, error) {
	for i := 0; i < usernameAttempts; i++ {
		username := fmt.Sprintf("%s%d", usernamePrefix, 100_000+mathrand.IntN(900_000))
		exists, err := p.store.UsernameExists(ctx, username)
		if err != nil {
			return "", nil, err
		}
		if exists {
			continue
		}

		lease, err := p.cache.AcquireLease(ctx, cache.AccountLeaseKey(username), p.config.LeaseTTL)
		if errors.Is(err, cache.ErrLeaseHeld) {
			continue
		}
		if err != nil {
			return "", nil, err
		}
		return username, lease, nil
	}
	return "", nil, status.Errorf(status.Internal, "no free username after %d attempts", usernameAttempts)
}

// RenewAccount charges the agent for another plan period and extends the account.
// An expired account is unblocked first. The account stays on its server and domain.
func (p *Provisioner) RenewAccount(ctx context.Context, accountID uint) (*types.Account, error) {
	account, err := p.store.GetAccountByID(ctx, store.LockingStrengthNone, accountID)
	if err != nil {
		return nil, err
	}
	ctx = context.WithValue(ctx, nbcontext.UsernameKey, account.Username)

	switch account.Status {
	case types.AccountDeleted:
		return nil, status.Errorf(status.PreconditionFailed, "account %s is deleted", account.Username)
	case types.AccountEnabled, types.AccountDisabled, types.AccountExpired:
	default:
		panic(fmt.Sprintf("unknown account status %q", string(account.Status)))
	}
	if account.Type != types.AccountTypeMain {
		return nil, status.Errorf(status.PreconditionFailed, "test account %s cannot be renewed", account.Username)
	}

	lease, err := p.cache.AcquireLease(ctx, cache.AccountLeaseKey(account.Username), p.config.LeaseTTL)
	if err != nil {
		if errors.Is(err, cache.ErrLeaseHeld) {
			return nil, status.Errorf(status.PreconditionFailed, "account %s is being processed", account.Username)
		}
		return nil, err
	}
	defer lease.Release(ctx)

	plan, err := p.store.GetPlanByID(ctx, store.LockingStrengthNone, account.PlanID)
	if err != nil {
		return nil, err
	}
	if plan.Price.IsPositive() {
		if err := p.checkBalance(ctx, account.AgentID, plan); err != nil {
			return nil, err
		}
	}

	domain, err := p.store.GetDomainByID(ctx, store.LockingStrengthNone, account.DomainID)
	if err != nil {
		return nil, err
	}
	ip := domain.ServerIP
	ctx = context.WithValue(ctx, nbcontext.ServerIPKey, ip)

	unblocked := false
	if account.Status == types.AccountExpired {
		if _, err := p.remote.Unblock(ctx, ip, []string{account.Username}, false); err != nil {
			return nil, fmt.Errorf("unblock %s: %w", account.Username, err)
		}
		unblocked = true
	}

	if plan.Price.IsPositive() {
		if err := p.financial.Transfer(ctx, account.AgentID, p.config.TreasuryUserID, plan.Price); err != nil {
			log.WithContext(ctx).Errorf("[transfer] failed to charge agent %d for renewing %s: %v", account.AgentID, account.Username, err)
			if unblocked {
				if _, blockErr := p.remote.Block(ctx, ip, []string{account.Username}, true); blockErr != nil {
					return nil, status.NewInconsistentError(fmt.Sprintf("account %s was unblocked but not paid for", account.Username),
						map[string]any{"username": account.Username, "server_ip": ip, "cause": err.Error(), "compensation": blockErr.Error()})
				}
			}
			return nil, fmt.Errorf("charge agent %d: %w", account.AgentID, err)
		}
	}

	base := account.Expire
	if now := timeNow().UTC(); base.Before(now) {
		base = now
	}
	expire := base.Add(plan.Duration())

	err = p.store.ExecuteInTransaction(ctx, func(tx store.Store) error {
		if unblocked {
			if err := tx.UpdateAccountStatus(ctx, account.ID, types.AccountEnabled); err != nil {
				return err
			}
		}
		return tx.UpdateAccountExpire(ctx, account.ID, expire)
	})
	if err != nil {
		return nil, status.NewInconsistentError(fmt.Sprintf("renewal of %s was paid but not stored", account.Username),
			map[string]any{"username": account.Username, "agent_id": account.AgentID, "expire": expire, "cause": err.Error()})
	}

	if unblocked {
		account.Status = types.AccountEnabled
	}
	account.Expire = expire
	log.WithContext(ctx).Infof("renewed %s until %s", account.Username, expire.Format(time.RFC3339))
	return account, nil
}

// generateRandomString generates a cryptographically secure random string
func generateRandomString(length int) (string, error) {
	b := make([]byte, length)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	for i := range b {
		b[i] = passwordCharset[int(b[i])%len(passwordCharset)]
	}
	return string(b), nil
}
