package probe

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"time"

	"github.com/sshfleet/sshfleet/fleet/client/rest"
	"github.com/sshfleet/sshfleet/fleet/server/retry"
	"github.com/sshfleet/sshfleet/fleet/server/status"
	"github.com/sshfleet/sshfleet/fleet/server/telemetry"
)

const (
	DefaultURL     = "https://check-host.net"
	defaultTimeout = 20 * time.Second

	replyOK = "OK"
)

// DefaultNodes are the vantage points a ping job is submitted to
var DefaultNodes = []string{
	"ir1.node.check-host.net",
	"ir3.node.check-host.net",
	"ir4.node.check-host.net",
	"ir5.node.check-host.net",
	"ir6.node.check-host.net",
}

// NodeResult is the outcome of a ping job on one vantage node
type NodeResult struct {
	// Reported is false while the node has not finished the job
	Reported bool
	// Replies holds the status of every ping, empty for a lost reply
	Replies []string
}

// OK reports whether the node finished and every ping succeeded
func (r NodeResult) OK() bool {
	if !r.Reported || len(r.Replies) == 0 {
		return false
	}
	for _, reply := range r.Replies {
		if reply != replyOK {
			return false
		}
	}
	return true
}

// Outcome maps node names to their results
type Outcome map[string]NodeResult

// Client submits ping jobs to external vantage nodes
type Client interface {
	Submit(ctx context.Context, host string, nodes []string) (string, error)
	Poll(ctx context.Context, requestID string) (Outcome, error)
}

type submitResponse struct {
	OK        int    `json:"ok"`
	RequestID string `json:"request_id"`
}

// HTTPClient talks to a check-host compatible API
type HTTPClient struct {
	rc *rest.Client
}

// NewHTTPClient creates a probe client for baseURL
func NewHTTPClient(baseURL string, policy retry.Policy, metrics *telemetry.FleetMetrics) *HTTPClient {
	if baseURL == "" {
		baseURL = DefaultURL
	}
	return &HTTPClient{
		rc: rest.New("probe", baseURL, defaultTimeout,
			rest.WithRetryPolicy(policy),
			rest.WithMetrics(metrics),
		),
	}
}

// Submit starts a ping job against host and returns its request id
func (c *HTTPClient) Submit(ctx context.Context, host string, nodes []string) (string, error) {
	query := url.Values{"host": {host}}
	for _, node := range nodes {
		query.Add("node", node)
	}

	res, err := rest.Call[submitResponse](ctx, c.rc, http.MethodGet, "/check-ping", nil, query)
	if err != nil {
		return "", err
	}
	if res.RequestID == "" {
		return "", status.Errorf(status.RemoteRejected, "probe did not return a request id for %s", host)
	}
	return res.RequestID, nil
}

// Poll fetches the current results of a ping job
func (c *HTTPClient) Poll(ctx context.Context, requestID string) (Outcome, error) {
	raw, err := rest.Call[map[string]json.RawMessage](ctx, c.rc, http.MethodGet, "/check-result/"+url.PathEscape(requestID), nil, nil)
	if err != nil {
		return nil, err
	}
	return parseOutcome(raw)
}

// parseOutcome decodes {node: [[["OK", rtt, ip], ...]] | null}
func parseOutcome(raw map[string]json.RawMessage) (Outcome, error) {
	outcome := make(Outcome, len(raw))
	for node, msg := range raw {
		var batches []json.RawMessage
		if err := json.Unmarshal(msg, &batches); err != nil {
			return nil, status.Errorf(status.RemoteRejected, "decode result of node %s: %v", node, err)
		}
		if batches == nil {
			outcome[node] = NodeResult{}
			continue
		}

		result := NodeResult{Reported: true}
		if len(batches) > 0 {
			var pings []json.RawMessage
			if err := json.Unmarshal(batches[0], &pings); err != nil {
				return nil, status.Errorf(status.RemoteRejected, "decode pings of node %s: %v", node, err)
			}
			for _, p := range pings {
				result.Replies = append(result.Replies, replyStatus(p))
			}
		}
		outcome[node] = result
	}
	return outcome, nil
}

func replyStatus(msg json.RawMessage) string {
	var fields []any
	if err := json.Unmarshal(msg, &fields); err != nil || len(fields) == 0 {
		return ""
	}
	s, _ := fields[0].(string)
	return s
}
