package financial

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"

	"github.com/sshfleet/sshfleet/fleet/client/rest"
	"github.com/sshfleet/sshfleet/fleet/server/retry"
	"github.com/sshfleet/sshfleet/fleet/server/status"
	"github.com/sshfleet/sshfleet/fleet/server/telemetry"
)

const (
	DefaultURL     = "http://localhost:8050"
	DefaultTimeout = 10 * time.Second
)

// Client is the ledger holding agent balances
type Client interface {
	GetBalance(ctx context.Context, userID uint) (decimal.Decimal, error)
	// Transfer moves value from one ledger account to another
	Transfer(ctx context.Context, from, to uint, value decimal.Decimal) error
	// RegisterIfAbsent creates a ledger account for userID unless one exists
	RegisterIfAbsent(ctx context.Context, userID uint) error
}

type balanceResponse struct {
	Balance decimal.Decimal `json:"balance"`
}

type transferRequest struct {
	UserID uint        `json:"user_id"`
	ToUser uint        `json:"to_user"`
	Value  json.Number `json:"value"`
}

type registerRequest struct {
	UserID uint `json:"user_id"`
}

// HTTPClient talks to the financial service over REST
type HTTPClient struct {
	rc *rest.Client
}

// NewHTTPClient creates a financial client
func NewHTTPClient(baseURL, token string, timeout time.Duration, policy retry.Policy, metrics *telemetry.FleetMetrics) *HTTPClient {
	if baseURL == "" {
		baseURL = DefaultURL
	}
	if timeout == 0 {
		timeout = DefaultTimeout
	}
	return &HTTPClient{
		rc: rest.New("financial", baseURL, timeout,
			rest.WithHeader("token", token),
			rest.WithRetryPolicy(policy),
			rest.WithMetrics(metrics),
		),
	}
}

func (c *HTTPClient) GetBalance(ctx context.Context, userID uint) (decimal.Decimal, error) {
	query := url.Values{"user_id": {strconv.FormatUint(uint64(userID), 10)}}
	res, err := rest.Call[balanceResponse](ctx, c.rc, http.MethodGet, "/user/balance", nil, query)
	if err != nil {
		return decimal.Zero, err
	}
	return res.Balance, nil
}

func (c *HTTPClient) Transfer(ctx context.Context, from, to uint, value decimal.Decimal) error {
	if !value.IsPositive() {
		return status.Errorf(status.InvalidArgument, "transfer value must be positive, got %s", value)
	}
	req := transferRequest{UserID: from, ToUser: to, Value: json.Number(value.String())}
	if _, err := rest.Call[json.RawMessage](ctx, c.rc, http.MethodPost, "/transfer/request", req, nil); err != nil {
		return err
	}
	log.WithContext(ctx).Debugf("transferred %s from %d to %d", value, from, to)
	return nil
}

func (c *HTTPClient) RegisterIfAbsent(ctx context.Context, userID uint) error {
	_, err := rest.Call[json.RawMessage](ctx, c.rc, http.MethodPost, "/user/register", registerRequest{UserID: userID}, nil)
	if e, ok := status.FromError(err); ok && e != nil && e.Type() == status.RemoteRejected && e.RemoteStatus == http.StatusConflict {
		return nil
	}
	return err
}
