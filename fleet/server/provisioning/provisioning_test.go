package provisioning

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sshfleet/sshfleet/fleet/client/financial"
	"github.com/sshfleet/sshfleet/fleet/client/remote"
	"github.com/sshfleet/sshfleet/fleet/server/cache"
	"github.com/sshfleet/sshfleet/fleet/server/selector"
	"github.com/sshfleet/sshfleet/fleet/server/status"
	"github.com/sshfleet/sshfleet/fleet/server/store"
	"github.com/sshfleet/sshfleet/fleet/server/types"
)

const (
	serverIP = "10.0.0.1"
	treasury = uint(99)
	agentID  = uint(7)
)

var fixedNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type staticPlacer struct {
	server *types.Server
	domain *types.Domain
	err    error
}

func (p *staticPlacer) SelectServerAndDomain(_ context.Context, _ selector.Exclusion) (*types.Server, *types.Domain, error) {
	return p.server, p.domain, p.err
}

type transfer struct {
	from, to uint
	value    decimal.Decimal
}

type testEnv struct {
	store       store.Store
	remote      *remote.MockClient
	financial   *financial.MockClient
	placer      *staticPlacer
	provisioner *Provisioner

	mu        sync.Mutex
	balance   decimal.Decimal
	transfers []transfer
	created   []string
	deleted   []string
	unblocked []string
	blocked   []string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	orig := timeNow
	timeNow = func() time.Time { return fixedNow }
	t.Cleanup(func() { timeNow = orig })

	ctx := context.Background()
	s, cleanup, err := store.NewTestStore(ctx, t.TempDir())
	require.NoError(t, err)
	t.Cleanup(cleanup)

	server := &types.Server{
		IP:                 serverIP,
		MaxUsers:           10,
		Status:             types.ToggleEnable,
		GenerateStatus:     types.ToggleEnable,
		UpdateExpireStatus: types.ToggleEnable,
	}
	require.NoError(t, s.SaveServer(ctx, server))
	domain := &types.Domain{Name: "srv1.example.com", ServerIP: serverIP, Status: types.ToggleEnable, Identifier: "rec-1"}
	require.NoError(t, s.CreateDomain(ctx, domain))
	require.NoError(t, s.SavePlan(ctx, &types.Plan{ID: 1, Price: decimal.RequireFromString("3.50"), DurationDays: 30, Limit: 2, Status: types.ToggleEnable}))
	require.NoError(t, s.SavePlan(ctx, &types.Plan{ID: 2, Price: decimal.RequireFromString("3.50"), DurationDays: 30, Status: types.ToggleDisable}))

	env := &testEnv{
		store:   s,
		placer:  &staticPlacer{server: server, domain: domain},
		balance: decimal.NewFromInt(10),
	}
	env.remote = &remote.MockClient{
		CreateFunc: func(_ context.Context, _ string, users []types.UserCredentials, _ bool) (*remote.Result, error) {
			env.mu.Lock()
			defer env.mu.Unlock()
			res := &remote.Result{}
			for _, u := range users {
				env.created = append(env.created, u.Username)
				res.SuccessUsers = append(res.SuccessUsers, u.Username)
			}
			return res, nil
		},
		DeleteFunc: func(_ context.Context, _ string, usernames []string, _ bool) (*remote.Result, error) {
			env.mu.Lock()
			defer env.mu.Unlock()
			env.deleted = append(env.deleted, usernames...)
			return &remote.Result{SuccessUsers: usernames}, nil
		},
		UnblockFunc: func(_ context.Context, _ string, usernames []string, _ bool) (*remote.Result, error) {
			env.mu.Lock()
			defer env.mu.Unlock()
			env.unblocked = append(env.unblocked, usernames...)
			return &remote.Result{SuccessUsers: usernames}, nil
		},
		BlockFunc: func(_ context.Context, _ string, usernames []string, _ bool) (*remote.Result, error) {
			env.mu.Lock()
			defer env.mu.Unlock()
			env.blocked = append(env.blocked, usernames...)
			return &remote.Result{SuccessUsers: usernames}, nil
		},
	}
	env.financial = &financial.MockClient{
		GetBalanceFunc: func(_ context.Context, _ uint) (decimal.Decimal, error) {
			return env.balance, nil
		},
		TransferFunc: func(_ context.Context, from, to uint, value decimal.Decimal) error {
			env.mu.Lock()
			defer env.mu.Unlock()
			env.transfers = append(env.transfers, transfer{from: from, to: to, value: value})
			return nil
		},
	}
	env.provisioner = NewProvisioner(s, env.placer, env.remote, env.financial, cache.NewMemoryStore(time.Minute, time.Minute), Config{TreasuryUserID: treasury})
	return env
}

func (e *testEnv) serverCount(t *testing.T) int {
	t.Helper()
	server, err := e.store.GetServerByIP(context.Background(), store.LockingStrengthNone, serverIP)
	require.NoError(t, err)
	return server.ActiveAccountCount
}

func TestProvisioner_CreateAccount(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	account, err := env.provisioner.CreateAccount(ctx, CreateRequest{AgentID: agentID, PlanID: 1})
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(account.Username, "user_"))
	assert.Len(t, account.Username, len("user_")+6)
	assert.Len(t, account.Password, passwordLength)
	assert.Equal(t, types.AccountTypeMain, account.Type)
	assert.Equal(t, types.AccountEnabled, account.Status)
	assert.Equal(t, fixedNow.Add(30*24*time.Hour), account.Expire)

	stored, err := env.store.GetAccountByUsername(ctx, store.LockingStrengthNone, account.Username)
	require.NoError(t, err)
	assert.Equal(t, agentID, stored.AgentID)
	assert.Equal(t, 1, env.serverCount(t))
	assert.Equal(t, []string{account.Username}, env.created)

	require.Len(t, env.transfers, 1)
	assert.Equal(t, agentID, env.transfers[0].from)
	assert.Equal(t, treasury, env.transfers[0].to)
	assert.True(t, decimal.RequireFromString("3.50").Equal(env.transfers[0].value))
}

func TestProvisioner_CreateAccount_InsufficientBalance(t *testing.T) {
	env := newTestEnv(t)
	env.balance = decimal.RequireFromString("3.49")

	_, err := env.provisioner.CreateAccount(context.Background(), CreateRequest{AgentID: agentID, PlanID: 1})
	require.Error(t, err)
	assert.True(t, status.IsType(err, status.PreconditionFailed))
	assert.Empty(t, env.created)
	assert.Empty(t, env.transfers)
	assert.Equal(t, 0, env.serverCount(t))
}

func TestProvisioner_CreateAccount_TestAccountIsFree(t *testing.T) {
	env := newTestEnv(t)
	env.balance = decimal.Zero

	account, err := env.provisioner.CreateAccount(context.Background(), CreateRequest{AgentID: agentID, PlanID: 1, Type: types.AccountTypeTest})
	require.NoError(t, err)
	assert.Equal(t, types.AccountTypeTest, account.Type)
	assert.Equal(t, fixedNow.Add(DefaultTestDuration), account.Expire)
	assert.Empty(t, env.transfers)
	assert.Equal(t, 1, env.serverCount(t))
}

func TestProvisioner_CreateAccount_Rejected(t *testing.T) {
	tt := []struct {
		name    string
		req     CreateRequest
		errType status.Type
	}{
		{name: "disabled plan", req: CreateRequest{AgentID: agentID, PlanID: 2}, errType: status.PreconditionFailed},
		{name: "unknown plan", req: CreateRequest{AgentID: agentID, PlanID: 42}, errType: status.NotFound},
		{name: "unknown type", req: CreateRequest{AgentID: agentID, PlanID: 1, Type: "gold"}, errType: status.InvalidArgument},
	}
	for _, tc := range tt {
		t.Run(tc.name, func(t *testing.T) {
			env := newTestEnv(t)
			_, err := env.provisioner.CreateAccount(context.Background(), tc.req)
			require.Error(t, err)
			assert.True(t, status.IsType(err, tc.errType), "got %v", err)
			assert.Empty(t, env.created)
		})
	}
}

func TestProvisioner_CreateAccount_NoCapacity(t *testing.T) {
	env := newTestEnv(t)
	env.placer.err = status.NewNoCapacityError()

	_, err := env.provisioner.CreateAccount(context.Background(), CreateRequest{AgentID: agentID, PlanID: 1})
	assert.True(t, status.IsType(err, status.NoCapacity))
	assert.Empty(t, env.created)
}

func TestProvisioner_CreateAccount_TransferFailureUndoesAccount(t *testing.T) {
	env := newTestEnv(t)
	env.financial.TransferFunc = func(context.Context, uint, uint, decimal.Decimal) error {
		return errors.New("ledger down")
	}

	_, err := env.provisioner.CreateAccount(context.Background(), CreateRequest{AgentID: agentID, PlanID: 1})
	require.Error(t, err)
	assert.False(t, status.IsType(err, status.Inconsistent))

	require.Len(t, env.created, 1)
	assert.Equal(t, env.created, env.deleted)
	assert.Equal(t, 0, env.serverCount(t))

	stored, err := env.store.GetAccountByUsername(context.Background(), store.LockingStrengthNone, env.created[0])
	require.NoError(t, err)
	assert.Equal(t, types.AccountDeleted, stored.Status)
}

func TestProvisioner_CreateAccount_FailedUndoIsInconsistent(t *testing.T) {
	env := newTestEnv(t)
	env.financial.TransferFunc = func(context.Context, uint, uint, decimal.Decimal) error {
		return errors.New("ledger down")
	}
	env.remote.DeleteFunc = func(context.Context, string, []string, bool) (*remote.Result, error) {
		return nil, status.NewRemoteUnreachableError(serverIP, errors.New("timeout"))
	}

	_, err := env.provisioner.CreateAccount(context.Background(), CreateRequest{AgentID: agentID, PlanID: 1})
	require.Error(t, err)
	assert.True(t, status.IsType(err, status.Inconsistent))
}

func createStoredAccount(t *testing.T, env *testEnv, username string, st types.AccountStatus, expire time.Time) *types.Account {
	t.Helper()
	ctx := context.Background()
	domain, err := env.store.GetDomainByName(ctx, store.LockingStrengthNone, "srv1.example.com")
	require.NoError(t, err)
	account := &types.Account{
		Type:     types.AccountTypeMain,
		DomainID: domain.ID,
		PlanID:   1,
		AgentID:  agentID,
		Username: username,
		Password: "secret",
		Status:   st,
		Created:  fixedNow.Add(-30 * 24 * time.Hour),
		Expire:   expire,
	}
	require.NoError(t, env.store.CreateAccount(ctx, account))
	return account
}

func TestProvisioner_RenewAccount(t *testing.T) {
	env := newTestEnv(t)
	expire := fixedNow.Add(48 * time.Hour)
	account := createStoredAccount(t, env, "user_100001", types.AccountEnabled, expire)

	renewed, err := env.provisioner.RenewAccount(context.Background(), account.ID)
	require.NoError(t, err)
	assert.True(t, renewed.Expire.Equal(expire.Add(30*24*time.Hour)))
	assert.Equal(t, types.AccountEnabled, renewed.Status)
	assert.Empty(t, env.unblocked)
	require.Len(t, env.transfers, 1)

	stored, err := env.store.GetAccountByID(context.Background(), store.LockingStrengthNone, account.ID)
	require.NoError(t, err)
	assert.True(t, stored.Expire.Equal(expire.Add(30*24*time.Hour)))
	assert.Equal(t, account.DomainID, stored.DomainID)
}

func TestProvisioner_RenewAccount_UnblocksExpired(t *testing.T) {
	env := newTestEnv(t)
	account := createStoredAccount(t, env, "user_100002", types.AccountExpired, fixedNow.Add(-72*time.Hour))

	renewed, err := env.provisioner.RenewAccount(context.Background(), account.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"user_100002"}, env.unblocked)
	assert.Equal(t, types.AccountEnabled, renewed.Status)
	assert.True(t, renewed.Expire.Equal(fixedNow.Add(30*24*time.Hour)))

	stored, err := env.store.GetAccountByID(context.Background(), store.LockingStrengthNone, account.ID)
	require.NoError(t, err)
	assert.Equal(t, types.AccountEnabled, stored.Status)
}

func TestProvisioner_RenewAccount_TransferFailureReblocks(t *testing.T) {
	env := newTestEnv(t)
	account := createStoredAccount(t, env, "user_100003", types.AccountExpired, fixedNow.Add(-time.Hour))
	env.financial.TransferFunc = func(context.Context, uint, uint, decimal.Decimal) error {
		return errors.New("ledger down")
	}

	_, err := env.provisioner.RenewAccount(context.Background(), account.ID)
	require.Error(t, err)
	assert.Equal(t, []string{"user_100003"}, env.unblocked)
	assert.Equal(t, []string{"user_100003"}, env.blocked)

	stored, err := env.store.GetAccountByID(context.Background(), store.LockingStrengthNone, account.ID)
	require.NoError(t, err)
	assert.Equal(t, types.AccountExpired, stored.Status)
}

func TestProvisioner_RenewAccount_Rejected(t *testing.T) {
	env := newTestEnv(t)
	deleted := createStoredAccount(t, env, "user_100004", types.AccountDeleted, fixedNow)
	_, err := env.provisioner.RenewAccount(context.Background(), deleted.ID)
	assert.True(t, status.IsType(err, status.PreconditionFailed))

	poor := createStoredAccount(t, env, "user_100005", types.AccountExpired, fixedNow)
	env.balance = decimal.NewFromInt(1)
	_, err = env.provisioner.RenewAccount(context.Background(), poor.ID)
	assert.True(t, status.IsType(err, status.PreconditionFailed))
	assert.Empty(t, env.unblocked)
}

func TestGenerateRandomString(t *testing.T) {
	s, err := generateRandomString(32)
	require.NoError(t, err)
	assert.Len(t, s, 32)
	for _, c := range s {
		assert.Contains(t, passwordCharset, string(c))
	}
}
