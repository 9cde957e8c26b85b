package serversync

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
)

const (
	serverA = "10.0.0.1"
	serverB = "10.0.0.2"
)

type call struct {
	op    string
	ip    string
	users []string
}

type testEnv struct {
	store    store.Store
	cache    *cache.Store
	notifier *notify.Recorder
	remote   *remote.MockClient
	domains  map[string]*types.Domain

	mu     sync.Mutex
	calls  []call
	agents map[string][]string
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
		agents:   map[string][]string{},
	}
	record := func(op, ip string, users []string) {
		env.mu.Lock()
		defer env.mu.Unlock()
		env.calls = append(env.calls, call{op: op, ip: ip, users: users})
	}
	env.remote = &remote.MockClient{
		ListUsersFunc: func(_ context.Context, ip string) ([]string, error) {
			env.mu.Lock()
			defer env.mu.Unlock()
			return env.agents[ip], nil
		},
		CreateFunc: func(_ context.Context, ip string, users []types.UserCredentials, _ bool) (*remote.Result, error) {
			names := make([]string, 0, len(users))
			for _, u := range users {
				names = append(names, u.Username)
			}
			record("create", ip, names)
			return &remote.Result{SuccessUsers: names}, nil
		},
		BlockFunc: func(_ context.Context, ip string, usernames []string, _ bool) (*remote.Result, error) {
			record("block", ip, usernames)
			return &remote.Result{SuccessUsers: usernames}, nil
		},
		DeleteFunc: func(_ context.Context, ip string, usernames []string, _ bool) (*remote.Result, error) {
			record("delete", ip, usernames)
			return &remote.Result{SuccessUsers: usernames}, nil
		},
	}

	for i, ip := range []string{serverA, serverB} {
		require.NoError(t, s.SaveServer(context.Background(), &types.Server{
			IP:                 ip,
			MaxUsers:           70,
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

func (e *testEnv) syncer() *Syncer {
	return NewSyncer(e.store, e.remote, e.cache, e.notifier, nil, Config{})
}

func (e *testEnv) addAccount(t *testing.T, ip, username string, accountStatus types.AccountStatus) *types.Account {
	t.Helper()
	account := &types.Account{
		Type:     types.AccountTypeMain,
		DomainID: e.domains[ip].ID,
		AgentID:  2,
		Username: username,
		Password: "pw-" + username,
		Status:   accountStatus,
		Created:  time.Now().UTC(),
		Expire:   time.Now().UTC().Add(24 * time.Hour),
	}
	require.NoError(t, e.store.CreateAccount(context.Background(), account))
	return account
}

func (e *testEnv) find(op, ip string) []call {
	e.mu.Lock()
	defer e.mu.Unlock()
	var res []call
	for _, c := range e.calls {
		if c.op == op && c.ip == ip {
			res = append(res, c)
		}
	}
	return res
}

func TestSyncer_SyncServer(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.addAccount(t, serverA, "user_100001", types.AccountEnabled)
	env.addAccount(t, serverA, "user_100002", types.AccountEnabled)
	env.addAccount(t, serverA, "user_100003", types.AccountExpired)
	env.addAccount(t, serverA, "user_100004", types.AccountDeleted)
	env.agents[serverA] = []string{"user_100001", "user_100004", "user_999999", "root", "ubuntu"}

	report, err := env.syncer().SyncServer(ctx, serverA)
	require.NoError(t, err)

	assert.ElementsMatch(t, []string{"user_100002", "user_100003"}, report.Recreated)
	assert.ElementsMatch(t, []string{"user_100004", "user_999999"}, report.Deleted)

	var created []string
	for _, c := range env.find("create", serverA) {
		created = append(created, c.users...)
	}
	assert.ElementsMatch(t, []string{"user_100002", "user_100003"}, created)

	blocks := env.find("block", serverA)
	require.Len(t, blocks, 1)
	assert.Equal(t, []string{"user_100003"}, blocks[0].users)

	var deleted []string
	for _, c := range env.find("delete", serverA) {
		deleted = append(deleted, c.users...)
	}
	assert.ElementsMatch(t, []string{"user_100004", "user_999999"}, deleted)
	assert.NotContains(t, deleted, "root")
}

func TestSyncer_SyncServer_SkipsLeasedAccounts(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.addAccount(t, serverA, "user_100001", types.AccountEnabled)
	env.agents[serverA] = []string{"user_100009"}

	for _, name := range []string{"user_100001", "user_100009"} {
		lease, err := env.cache.AcquireLease(ctx, cache.AccountLeaseKey(name), time.Minute)
		require.NoError(t, err)
		defer lease.Release(ctx)
	}

	report, err := env.syncer().SyncServer(ctx, serverA)
	require.NoError(t, err)
	assert.Empty(t, report.Recreated)
	assert.Empty(t, report.Deleted)
	assert.Empty(t, env.find("create", serverA))
	assert.Empty(t, env.find("delete", serverA))
}

func TestSyncer_SyncServer_RereadsUnderLease(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.addAccount(t, serverA, "user_100001", types.AccountEnabled)
	env.addAccount(t, serverA, "user_100002", types.AccountEnabled)
	env.agents[serverA] = nil

	env.remote.CreateFunc = func(_ context.Context, ip string, users []types.UserCredentials, _ bool) (*remote.Result, error) {
		env.mu.Lock()
		env.calls = append(env.calls, call{op: "create", ip: ip, users: []string{users[0].Username}})
		env.mu.Unlock()
		if users[0].Username == "user_100001" {
			// user_100002 moves to another server meanwhile
			_, err := env.store.MoveDomainAccounts(ctx, env.domains[serverA].ID, env.domains[serverB].ID, []string{"user_100002"})
			require.NoError(t, err)
		}
		return &remote.Result{SuccessUsers: []string{users[0].Username}}, nil
	}

	report, err := env.syncer().SyncServer(ctx, serverA)
	require.NoError(t, err)
	assert.Equal(t, []string{"user_100001"}, report.Recreated)
	require.Len(t, env.find("create", serverA), 1)
}

func TestSyncer_SyncServer_KeepsAccountStoredAfterListing(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.agents[serverA] = []string{"user_100005"}
	env.remote.ListUsersFunc = func(_ context.Context, ip string) ([]string, error) {
		users := env.agents[ip]
		// the account is stored right after the server was listed
		env.addAccount(t, serverA, "user_100005", types.AccountEnabled)
		return users, nil
	}

	report, err := env.syncer().SyncServer(ctx, serverA)
	require.NoError(t, err)
	assert.Empty(t, report.Deleted)
	assert.Empty(t, env.find("delete", serverA))
}

func TestSyncer_RunOnce(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.addAccount(t, serverA, "user_100001", types.AccountEnabled)
	env.addAccount(t, serverB, "user_200001", types.AccountEnabled)
	require.NoError(t, env.store.SaveServer(ctx, &types.Server{IP: "10.0.0.3", MaxUsers: 70, Status: types.ToggleDisable}))
	require.NoError(t, env.cache.SetLabel(ctx, cache.ProcessingKey(serverB), "job", time.Minute))

	listed := map[string]bool{}
	env.remote.ListUsersFunc = func(_ context.Context, ip string) ([]string, error) {
		listed[ip] = true
		return nil, nil
	}

	require.NoError(t, env.syncer().RunOnce(ctx))
	assert.Equal(t, map[string]bool{serverA: true}, listed)
	require.Len(t, env.find("create", serverA), 1)
	assert.Empty(t, env.find("create", serverB))
}

func TestSyncer_RunOnce_ReportsFailingServer(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.addAccount(t, serverB, "user_200001", types.AccountEnabled)
	env.remote.ListUsersFunc = func(_ context.Context, ip string) ([]string, error) {
		if ip == serverA {
			return nil, status.NewRemoteUnreachableError(ip, errors.New("connection refused"))
		}
		return nil, nil
	}

	require.NoError(t, env.syncer().RunOnce(ctx))
	assert.Equal(t, 1, env.notifier.Count(notify.KindSyncFailed))
	require.Len(t, env.find("create", serverB), 1)
}
