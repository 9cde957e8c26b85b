package provider

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"

	"github.com/sshfleet/sshfleet/fleet/client/rest"
	"github.com/sshfleet/sshfleet/fleet/server/retry"
	"github.com/sshfleet/sshfleet/fleet/server/status"
	"github.com/sshfleet/sshfleet/fleet/server/telemetry"
)

const (
	defaultTimeout        = 30 * time.Second
	defaultActivePolls    = 60
	defaultActiveInterval = 10 * time.Second

	serverStatusActive = "active"
)

// Server is a machine bought from the infrastructure provider
type Server struct {
	ID       string
	IP       string
	Password string
	Location string
}

// Client buys and renews servers at the infrastructure provider
type Client interface {
	BuyServer(ctx context.Context, name string) (*Server, error)
	// Renew toggles automatic prolongation of the server, used to release a rejected candidate
	Renew(ctx context.Context, id, ip string) error
}

// Config selects what is bought
type Config struct {
	URL    string
	APIKey string
	// MinBalance is the balance required before a purchase is attempted
	MinBalance decimal.Decimal
	Location   string
	Tariff     int
	Datacenter int
	OSTemplate int
	// ActivePolls and ActiveInterval bound the wait for a bought server to become active
	ActivePolls    int
	ActiveInterval time.Duration
}

type envelope[T any] struct {
	Error        bool   `json:"error"`
	ErrorMessage string `json:"errorMessage"`
	Data         T      `json:"data"`
}

type balanceData struct {
	UserBalance decimal.Decimal `json:"userBalance"`
}

type serverListData struct {
	ServerList []listedServer `json:"serverlist"`
}

type listedServer struct {
	ID       json.Number `json:"id"`
	Name     string      `json:"name"`
	Status   string      `json:"status"`
	IPv4     string      `json:"ipv4"`
	Password string      `json:"rootpass"`
}

type buyRequest struct {
	Name       string `json:"name"`
	Tariff     int    `json:"tarif"`
	Datacenter int    `json:"datacenter"`
	OSTemplate int    `json:"ostempl"`
	Count      int    `json:"count"`
	Period     int    `json:"period"`
}

type renewRequest struct {
	ServerID string `json:"serverid"`
}

// HTTPClient talks to a 4vps compatible provider API
type HTTPClient struct {
	rc     *rest.Client
	config Config
}

// NewHTTPClient creates a provider client
func NewHTTPClient(config Config, policy retry.Policy, metrics *telemetry.FleetMetrics) *HTTPClient {
	if config.ActivePolls <= 0 {
		config.ActivePolls = defaultActivePolls
	}
	if config.ActiveInterval <= 0 {
		config.ActiveInterval = defaultActiveInterval
	}
	return &HTTPClient{
		rc: rest.New("provider", config.URL, defaultTimeout,
			rest.WithHeader("Authorization", "Bearer "+config.APIKey),
			rest.WithRetryPolicy(policy),
			rest.WithMetrics(metrics),
		),
		config: config,
	}
}

func call[T any](ctx context.Context, c *HTTPClient, method, path string, body any) (T, error) {
	res, err := rest.Call[envelope[T]](ctx, c.rc, method, path, body, nil)
	if err != nil {
		return res.Data, err
	}
	if res.Error {
		return res.Data, status.Errorf(status.RemoteRejected, "provider %s failed: %s", path, res.ErrorMessage)
	}
	return res.Data, nil
}

// Balance returns the funds left at the provider
func (c *HTTPClient) Balance(ctx context.Context) (decimal.Decimal, error) {
	data, err := call[balanceData](ctx, c, http.MethodGet, "/api/userBalance", nil)
	if err != nil {
		return decimal.Zero, err
	}
	return data.UserBalance, nil
}

// BuyServer orders a server called name and waits until the provider reports it active
func (c *HTTPClient) BuyServer(ctx context.Context, name string) (*Server, error) {
	balance, err := c.Balance(ctx)
	if err != nil {
		return nil, err
	}
	if balance.LessThanOrEqual(c.config.MinBalance) {
		return nil, status.Errorf(status.PreconditionFailed, "not enough provider balance for a new server: %s", balance)
	}

	req := buyRequest{
		Name:       name,
		Tariff:     c.config.Tariff,
		Datacenter: c.config.Datacenter,
		OSTemplate: c.config.OSTemplate,
		Count:      1,
		Period:     1,
	}
	if _, err := call[json.RawMessage](ctx, c, http.MethodPost, "/api/action/buyServer", req); err != nil {
		return nil, err
	}
	log.WithContext(ctx).Infof("ordered server %s in datacenter %d", name, c.config.Datacenter)

	return c.waitActive(ctx, name)
}

func (c *HTTPClient) waitActive(ctx context.Context, name string) (*Server, error) {
	lastStatus := ""
	for i := 0; i < c.config.ActivePolls; i++ {
		data, err := call[serverListData](ctx, c, http.MethodGet, "/api/myservers", nil)
		if err != nil {
			return nil, err
		}

		for _, s := range data.ServerList {
			if s.Name != name {
				continue
			}
			if s.Status != lastStatus {
				log.WithContext(ctx).Infof("server %s is %s", name, s.Status)
				lastStatus = s.Status
			}
			if s.Status == serverStatusActive && s.IPv4 != "" {
				return &Server{ID: s.ID.String(), IP: s.IPv4, Password: s.Password, Location: c.config.Location}, nil
			}
		}

		timer := time.NewTimer(c.config.ActiveInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}

	return nil, status.Errorf(status.RemoteUnreachable, "server %s did not become active", name)
}

// Renew toggles automatic prolongation of server id
func (c *HTTPClient) Renew(ctx context.Context, id, ip string) error {
	data, err := call[json.RawMessage](ctx, c, http.MethodPost, "/api/action/autoprolong", renewRequest{ServerID: id})
	if err != nil {
		log.WithContext(ctx).Errorf("failed to change renewal of server %s (%s): %v", id, ip, err)
		return err
	}
	log.WithContext(ctx).Infof("renewal status of server %s changed to %s", ip, string(data))
	return nil
}
