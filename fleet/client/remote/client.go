package remote

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/sshfleet/sshfleet/fleet/client/rest"
	"github.com/sshfleet/sshfleet/fleet/server/retry"
	"github.com/sshfleet/sshfleet/fleet/server/telemetry"
	"github.com/sshfleet/sshfleet/fleet/server/types"
)

const (
	DefaultPort    = 8090
	DefaultTimeout = 20 * time.Second
)

// Result is the per-user outcome reported by a server agent
type Result struct {
	SuccessUsers   []string `json:"success_users"`
	ExistsUsers    []string `json:"exists_users,omitempty"`
	NotExistsUsers []string `json:"not_exists_users,omitempty"`
}

// Client manages SSH accounts on fleet servers through the agent each server runs
type Client interface {
	Create(ctx context.Context, ip string, users []types.UserCredentials, ignoreExists bool) (*Result, error)
	Block(ctx context.Context, ip string, usernames []string, ignoreNotExists bool) (*Result, error)
	Unblock(ctx context.Context, ip string, usernames []string, ignoreNotExists bool) (*Result, error)
	Delete(ctx context.Context, ip string, usernames []string, ignoreNotExists bool) (*Result, error)
	// ListUsers returns every account present on the server at ip
	ListUsers(ctx context.Context, ip string) ([]string, error)
}

type createRequest struct {
	Users        []types.UserCredentials `json:"users"`
	IgnoreExists bool                    `json:"ignore_exists_users"`
}

type usersRequest struct {
	Users           []string `json:"users"`
	IgnoreNotExists bool     `json:"ignore_not_exists_users"`
}

// Config holds the settings shared by every server agent
type Config struct {
	Port    int
	Token   string
	Timeout time.Duration
	// Scheme defaults to http
	Scheme string
}

// HTTPClient talks to the agents over REST, one transport per server address
type HTTPClient struct {
	config  Config
	retry   retry.Policy
	metrics *telemetry.FleetMetrics

	mu      sync.Mutex
	clients map[string]*rest.Client
}

// NewHTTPClient creates an agent client
func NewHTTPClient(config Config, policy retry.Policy, metrics *telemetry.FleetMetrics) *HTTPClient {
	if config.Port == 0 {
		config.Port = DefaultPort
	}
	if config.Timeout == 0 {
		config.Timeout = DefaultTimeout
	}
	if config.Scheme == "" {
		config.Scheme = "http"
	}
	return &HTTPClient{
		config:  config,
		retry:   policy,
		metrics: metrics,
		clients: make(map[string]*rest.Client),
	}
}

func (c *HTTPClient) client(ip string) *rest.Client {
	c.mu.Lock()
	defer c.mu.Unlock()

	if rc, ok := c.clients[ip]; ok {
		return rc
	}
	rc := rest.New("remote", fmt.Sprintf("%s://%s:%d", c.config.Scheme, ip, c.config.Port), c.config.Timeout,
		rest.WithHeader("token", c.config.Token),
		rest.WithRetryPolicy(c.retry),
		rest.WithMetrics(c.metrics),
	)
	c.clients[ip] = rc
	return rc
}

// Create creates users on the server at ip
func (c *HTTPClient) Create(ctx context.Context, ip string, users []types.UserCredentials, ignoreExists bool) (*Result, error) {
	if len(users) == 0 {
		return &Result{}, nil
	}
	res, err := rest.Call[Result](ctx, c.client(ip), http.MethodPost, "/ssh/create", createRequest{Users: users, IgnoreExists: ignoreExists}, nil)
	if err != nil {
		return nil, err
	}
	log.WithContext(ctx).Debugf("created %d of %d users on %s", len(res.SuccessUsers), len(users), ip)
	return &res, nil
}

// Block locks usernames out of the server at ip
func (c *HTTPClient) Block(ctx context.Context, ip string, usernames []string, ignoreNotExists bool) (*Result, error) {
	return c.users(ctx, ip, http.MethodPost, "/ssh/block", usernames, ignoreNotExists)
}

// Unblock restores access of usernames on the server at ip
func (c *HTTPClient) Unblock(ctx context.Context, ip string, usernames []string, ignoreNotExists bool) (*Result, error) {
	return c.users(ctx, ip, http.MethodPost, "/ssh/unblock", usernames, ignoreNotExists)
}

// Delete removes usernames from the server at ip
func (c *HTTPClient) Delete(ctx context.Context, ip string, usernames []string, ignoreNotExists bool) (*Result, error) {
	return c.users(ctx, ip, http.MethodDelete, "/ssh/delete", usernames, ignoreNotExists)
}

func (c *HTTPClient) users(ctx context.Context, ip, method, path string, usernames []string, ignoreNotExists bool) (*Result, error) {
	if len(usernames) == 0 {
		return &Result{}, nil
	}
	res, err := rest.Call[Result](ctx, c.client(ip), method, path, usersRequest{Users: usernames, IgnoreNotExists: ignoreNotExists}, nil)
	if err != nil {
		return nil, err
	}
	log.WithContext(ctx).Debugf("%s %s: %d of %d users succeeded on %s", method, path, len(res.SuccessUsers), len(usernames), ip)
	return &res, nil
}

// ListUsers returns the accounts the server at ip holds
func (c *HTTPClient) ListUsers(ctx context.Context, ip string) ([]string, error) {
	return rest.Call[[]string](ctx, c.client(ip), http.MethodGet, "/server/users", nil, nil)
}
