package remote

import (
	"context"

	"github.com/sshfleet/sshfleet/fleet/server/types"
)

// MockClient mocks the Client interface
type MockClient struct {
	CreateFunc    func(ctx context.Context, ip string, users []types.UserCredentials, ignoreExists bool) (*Result, error)
	BlockFunc     func(ctx context.Context, ip string, usernames []string, ignoreNotExists bool) (*Result, error)
	UnblockFunc   func(ctx context.Context, ip string, usernames []string, ignoreNotExists bool) (*Result, error)
	DeleteFunc    func(ctx context.Context, ip string, usernames []string, ignoreNotExists bool) (*Result, error)
	ListUsersFunc func(ctx context.Context, ip string) ([]string, error)
}

func (m *MockClient) Create(ctx context.Context, ip string, users []types.UserCredentials, ignoreExists bool) (*Result, error) {
	if m.CreateFunc != nil {
		return m.CreateFunc(ctx, ip, users, ignoreExists)
	}
	res := &Result{}
	for _, u := range users {
		res.SuccessUsers = append(res.SuccessUsers, u.Username)
	}
	return res, nil
}

func (m *MockClient) Block(ctx context.Context, ip string, usernames []string, ignoreNotExists bool) (*Result, error) {
	if m.BlockFunc != nil {
		return m.BlockFunc(ctx, ip, usernames, ignoreNotExists)
	}
	return &Result{SuccessUsers: usernames}, nil
}

func (m *MockClient) Unblock(ctx context.Context, ip string, usernames []string, ignoreNotExists bool) (*Result, error) {
	if m.UnblockFunc != nil {
		return m.UnblockFunc(ctx, ip, usernames, ignoreNotExists)
	}
	return &Result{SuccessUsers: usernames}, nil
}

func (m *MockClient) Delete(ctx context.Context, ip string, usernames []string, ignoreNotExists bool) (*Result, error) {
	if m.DeleteFunc != nil {
		return m.DeleteFunc(ctx, ip, usernames, ignoreNotExists)
	}
	return &Result{SuccessUsers: usernames}, nil
}

func (m *MockClient) ListUsers(ctx context.Context, ip string) ([]string, error) {
	if m.ListUsersFunc != nil {
		return m.ListUsersFunc(ctx, ip)
	}
	return nil, nil
}
