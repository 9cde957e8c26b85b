package reconciler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sshfleet/sshfleet/fleet/client/remote"
	"github.com/sshfleet/sshfleet/fleet/server/cache"
	"github.com/sshfleet/sshfleet/fleet/server/notify"
	"github.com/sshfleet/sshfleet/fleet/server/status"
	"github.com/sshfleet/sshfleet/fleet/server/store"
	"github.com/sshfleet/sshfleet/fleet/server/types"
	"github.com/sshfleet/sshfleet/util"
)

const (
	serverA = "10.0.0.1"
	serverB = "10.0.0.2"
)

type testEnv struct {
	store    store.Store
	cache    *cache.Store
	notifier *notify.Recorder
	remote   *remote.MockClient
	domains  map[string]*types.Domain

	mu      sync.Mutex
	blocked []string
	deleted []string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	s, cleanup, err := store.NewTestStore(context.Background(), t.TempDir())
	require.NoError(t, err)
	t.Cleanup(cleanup)

	env := &testEnv{
		store:    s,
		cache:    cache.NewMemoryStore(time.Minute, time.Minute),
		notifier: &notify.Recorder{},
		domains:  map[string]*types.Domain{},
	}
	env.remote = &remote.MockClient{
		BlockFunc: func(_ context.Context, _ string, usernames []string, _ bool) (*remote.Result, error) {
			env.mu.Lock()
			defer env.mu.Unlock()
			env.blocked = append(env.blocked, usernames...)
			return &remote.Result{SuccessUsers: usernames}, nil
		},
		DeleteFunc: func(_ context.Context, _ string, usernames []string, _ bool) (*remote.Result, error) {
			env.mu.Lock()
			defer env.mu.Unlock()
			env.deleted = append(env.deleted, usernames...)
			return &remote.Result{SuccessUsers: usernames}, nil
		},
	}

	for i, ip := range []string{serverA, serverB} {
		require.NoError(t, s.SaveServer(context.Background(), &types.Server{
			IP:                 ip,
			MaxUsers:           70,
			ActiveAccountCount: 5,
			Status:             types.ToggleEnable,
			GenerateStatus:     types.ToggleEnable,
			UpdateExpireStatus: types.ToggleEnable,
		}))
		domain := &types.Domain{Name: []string{"srv1.example.com", "srv2.example.com"}[i], ServerIP: ip, Status: types.ToggleEnable}
		require.NoError(t, s.CreateDomain(context.Background(), domain))
		env.domains[ip] = domain
	}
	return env
}

func (e *testEnv) reconciler() *Reconciler {
	return NewReconciler(e.store, e.remote, e.cache, e.notifier, nil, Config{})
}

func (e *testEnv) addAccount(t *testing.T, ip, username string, accountType types.AccountType, agentID uint, expire time.Time, accountStatus types.AccountStatus) *types.Account {
	t.Helper()
	account := &types.Account{
		Type:     accountType,
		DomainID: e.domains[ip].ID,
		AgentID:  agentID,
		Username: username,
		Password: "secret",
		Status:   accountStatus,
		Created:  expire.Add(-30 * 24 * time.Hour),
		Expire:   expire,
	}
	require.NoError(t, e.store.CreateAccount(context.Background(), account))
	return account
}

func (e *testEnv) account(t *testing.T, id uint) *types.Account {
	t.Helper()
	account, err := e.store.GetAccountByID(context.Background(), store.LockingStrengthNone, id)
	require.NoError(t, err)
	return account
}

func (e *testEnv) count(t *testing.T, ip string) int {
	t.Helper()
	server, err := e.store.GetServerByIP(context.Background(), store.LockingStrengthNone, ip)
	require.NoError(t, err)
	return server.ActiveAccountCount
}

func setNow(t *testing.T, now time.Time) {
	t.Helper()
	timeNow = func() time.Time { return now }
	t.Cleanup(func() { timeNow = time.Now })
}

func TestReconciler_CheckNearExpiry_Deduplicated(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	setNow(t, now)

	account := env.addAccount(t, serverA, "user_000001", types.AccountTypeMain, 2, now.Add(6*time.Hour), types.AccountEnabled)
	r := env.reconciler()

	sent, err := r.CheckNearExpiry(ctx, account)
	require.NoError(t, err)
	assert.True(t, sent)

	sent, err = r.CheckNearExpiry(ctx, account)
	require.NoError(t, err)
	assert.False(t, sent)

	require.Equal(t, 1, env.notifier.Count(notify.KindNearExpiry))
	n := env.notifier.Sent()[0]
	assert.Equal(t, uint(2), n.AgentID)
	assert.Equal(t, "user_000001", n.Username)
	assert.Equal(t, notify.AgentChat, n.ChatSelector)
}

func TestReconciler_CheckNearExpiry_Skips(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	setNow(t, now)
	r := env.reconciler()

	far := env.addAccount(t, serverA, "user_far", types.AccountTypeMain, 2, now.Add(48*time.Hour), types.AccountEnabled)
	trial := env.addAccount(t, serverA, "user_trial", types.AccountTypeTest, 2, now.Add(time.Hour), types.AccountEnabled)
	past := env.addAccount(t, serverA, "user_past", types.AccountTypeMain, 2, now.Add(-time.Hour), types.AccountEnabled)

	for _, account := range []*types.Account{far, trial, past} {
		sent, err := r.CheckNearExpiry(ctx, account)
		require.NoError(t, err)
		assert.False(t, sent, account.Username)
	}
	assert.Empty(t, env.notifier.Sent())
}

func TestReconciler_CheckNearExpiry_NotifyFailureKeepsLabelFree(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	setNow(t, now)

	account := env.addAccount(t, serverA, "user_000001", types.AccountTypeMain, 2, now.Add(time.Hour), types.AccountEnabled)
	r := NewReconciler(env.store, env.remote, env.cache, failingNotifier{}, nil, Config{})

	_, err := r.CheckNearExpiry(ctx, account)
	require.Error(t, err)

	labelled, err := env.cache.HasLabel(ctx, cache.NoticeLabelKey(account.ID))
	require.NoError(t, err)
	assert.False(t, labelled)
}

type failingNotifier struct{}

func (failingNotifier) Notify(context.Context, notify.Notification) error {
	return errors.New("queue down")
}

func TestReconciler_RunOnce_ExpireThenDelete(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	expire := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	account := env.addAccount(t, serverA, "user_000001", types.AccountTypeMain, 2, expire, types.AccountEnabled)
	r := env.reconciler()

	setNow(t, expire.Add(10*time.Minute))
	require.NoError(t, r.RunOnce(ctx))

	assert.Equal(t, types.AccountExpired, env.account(t, account.ID).Status)
	assert.Equal(t, []string{"user_000001"}, env.blocked)
	assert.Empty(t, env.deleted)
	assert.Equal(t, 1, env.notifier.Count(notify.KindExpired))
	assert.Equal(t, 5, env.count(t, serverA))

	setNow(t, expire.Add(3*24*time.Hour))
	require.NoError(t, r.RunOnce(ctx))

	assert.Equal(t, types.AccountDeleted, env.account(t, account.ID).Status)
	assert.Equal(t, []string{"user_000001"}, env.deleted)
	assert.Equal(t, 4, env.count(t, serverA))
	assert.Equal(t, 1, env.notifier.Count(notify.KindDeleted))
}

func TestReconciler_RunOnce_GracePeriods(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	setNow(t, now)

	trial := env.addAccount(t, serverA, "user_trial", types.AccountTypeTest, 2, now.Add(-time.Minute), types.AccountExpired)
	recent := env.addAccount(t, serverA, "user_recent", types.AccountTypeMain, 2, now.Add(-24*time.Hour), types.AccountExpired)
	extended := env.addAccount(t, serverA, "user_extended", types.AccountTypeMain, 3, now.Add(-3*24*time.Hour), types.AccountExpired)
	old := env.addAccount(t, serverA, "user_old", types.AccountTypeMain, 3, now.Add(-8*24*time.Hour), types.AccountExpired)

	require.NoError(t, env.reconciler().RunOnce(ctx))

	assert.Equal(t, types.AccountDeleted, env.account(t, trial.ID).Status)
	assert.Equal(t, types.AccountExpired, env.account(t, recent.ID).Status)
	assert.Equal(t, types.AccountExpired, env.account(t, extended.ID).Status)
	assert.Equal(t, types.AccountDeleted, env.account(t, old.ID).Status)
	assert.ElementsMatch(t, []string{"user_trial", "user_old"}, env.deleted)
	assert.Equal(t, 3, env.count(t, serverA))
}

func TestReconciler_RunOnce_IsolatesFailures(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	setNow(t, now)

	env.remote.BlockFunc = func(_ context.Context, ip string, usernames []string, _ bool) (*remote.Result, error) {
		if ip == serverA {
			return nil, status.NewRemoteUnreachableError(ip, errors.New("connection refused"))
		}
		return &remote.Result{SuccessUsers: usernames}, nil
	}

	down := env.addAccount(t, serverA, "user_down", types.AccountTypeMain, 2, now.Add(-time.Hour), types.AccountEnabled)
	up := env.addAccount(t, serverB, "user_up", types.AccountTypeMain, 2, now.Add(-time.Hour), types.AccountDisabled)

	require.NoError(t, env.reconciler().RunOnce(ctx))

	assert.Equal(t, types.AccountEnabled, env.account(t, down.ID).Status)
	assert.Equal(t, types.AccountExpired, env.account(t, up.ID).Status)
}

func TestReconciler_RunOnce_SkipsLeasedAndFrozen(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	setNow(t, now)

	leased := env.addAccount(t, serverA, "user_leased", types.AccountTypeMain, 2, now.Add(-time.Hour), types.AccountEnabled)
	frozen := env.addAccount(t, serverB, "user_frozen", types.AccountTypeMain, 2, now.Add(-time.Hour), types.AccountEnabled)

	server, err := env.store.GetServerByIP(ctx, store.LockingStrengthNone, serverB)
	require.NoError(t, err)
	server.UpdateExpireStatus = types.ToggleDisable
	require.NoError(t, env.store.SaveServer(ctx, server))

	lease, err := env.cache.AcquireLease(ctx, cache.AccountLeaseKey("user_leased"), time.Minute)
	require.NoError(t, err)
	defer lease.Release(ctx)

	require.NoError(t, env.reconciler().RunOnce(ctx))

	assert.Equal(t, types.AccountEnabled, env.account(t, leased.ID).Status)
	assert.Equal(t, types.AccountEnabled, env.account(t, frozen.ID).Status)
	assert.Empty(t, env.blocked)
}

func TestReconciler_StatusNeverLeavesDeleted(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	setNow(t, now)

	account := env.addAccount(t, serverA, "user_gone", types.AccountTypeTest, 2, now.Add(-time.Hour), types.AccountExpired)
	r := env.reconciler()

	require.NoError(t, r.RunOnce(ctx))
	require.NoError(t, r.RunOnce(ctx))

	assert.Equal(t, types.AccountDeleted, env.account(t, account.ID).Status)
	assert.Equal(t, []string{"user_gone"}, env.deleted)
	assert.Equal(t, 4, env.count(t, serverA))

	err := env.store.UpdateAccountStatus(ctx, account.ID, types.AccountEnabled)
	require.Error(t, err)
	assert.True(t, status.IsType(err, status.PreconditionFailed))
}

func TestReconciler_RunOnce_ActsOnAccountStateUnderLease(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	setNow(t, now)

	first := env.addAccount(t, serverA, "user_1", types.AccountTypeMain, 2, now.Add(-time.Hour), types.AccountEnabled)
	moved := env.addAccount(t, serverA, "user_2", types.AccountTypeMain, 2, now.Add(-time.Hour), types.AccountEnabled)
	renewed := env.addAccount(t, serverA, "user_3", types.AccountTypeMain, 2, now.Add(-time.Hour), types.AccountEnabled)

	blockedOn := map[string]string{}
	env.remote.BlockFunc = func(_ context.Context, ip string, usernames []string, _ bool) (*remote.Result, error) {
		for _, u := range usernames {
			blockedOn[u] = ip
		}
		if util.Contains(usernames, "user_1") {
			// a migration and a renewal finish while user_1 is being blocked
			_, err := env.store.MoveDomainAccounts(ctx, env.domains[serverA].ID, env.domains[serverB].ID, []string{"user_2"})
			require.NoError(t, err)
			require.NoError(t, env.store.UpdateAccountExpire(ctx, renewed.ID, now.Add(30*24*time.Hour)))
		}
		return &remote.Result{SuccessUsers: usernames}, nil
	}

	require.NoError(t, env.reconciler().RunOnce(ctx))

	assert.Equal(t, map[string]string{"user_1": serverA, "user_2": serverB}, blockedOn)
	assert.Equal(t, types.AccountExpired, env.account(t, first.ID).Status)
	assert.Equal(t, types.AccountExpired, env.account(t, moved.ID).Status)
	assert.Equal(t, types.AccountEnabled, env.account(t, renewed.ID).Status)
}

func TestReconciler_RunOnce_SkipsAccountChangedSinceListing(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	setNow(t, now)

	env.addAccount(t, serverA, "user_1", types.AccountTypeTest, 2, now.Add(-time.Hour), types.AccountExpired)
	gone := env.addAccount(t, serverA, "user_2", types.AccountTypeTest, 2, now.Add(-time.Hour), types.AccountExpired)

	env.remote.DeleteFunc = func(_ context.Context, _ string, usernames []string, _ bool) (*remote.Result, error) {
		env.mu.Lock()
		env.deleted = append(env.deleted, usernames...)
		env.mu.Unlock()
		if util.Contains(usernames, "user_1") {
			// another worker deletes user_2 meanwhile
			require.NoError(t, env.store.UpdateAccountStatus(ctx, gone.ID, types.AccountDeleted))
		}
		return &remote.Result{SuccessUsers: usernames}, nil
	}

	require.NoError(t, env.reconciler().RunOnce(ctx))

	assert.Equal(t, []string{"user_1"}, env.deleted)
	assert.Equal(t, 4, env.count(t, serverA))
}
