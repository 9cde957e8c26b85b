package probe

import (
	"context"
	"sort"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/sshfleet/sshfleet/fleet/server/telemetry"
)

const (
	DefaultPollAttempts = 3
	DefaultPollInterval = 2 * time.Second
)

// Verdict is the consensus of all vantage nodes about one host
type Verdict struct {
	Host    string
	Healthy bool
	// Failed lists the nodes that did not report or reported a failed ping
	Failed []string
}

// Checker runs consensus probes. A host is healthy only when every configured
// node reported and every reply of every node is OK.
type Checker struct {
	client       Client
	nodes        []string
	pollAttempts int
	pollInterval time.Duration
	metrics      *telemetry.FleetMetrics
}

// NewChecker creates a consensus checker over nodes
func NewChecker(client Client, nodes []string, pollAttempts int, pollInterval time.Duration, metrics *telemetry.FleetMetrics) *Checker {
	if len(nodes) == 0 {
		nodes = DefaultNodes
	}
	if pollAttempts <= 0 {
		pollAttempts = DefaultPollAttempts
	}
	if pollInterval <= 0 {
		pollInterval = DefaultPollInterval
	}
	return &Checker{
		client:       client,
		nodes:        nodes,
		pollAttempts: pollAttempts,
		pollInterval: pollInterval,
		metrics:      metrics,
	}
}

// Check submits a ping job for host and polls until every node reported or the
// attempts run out. Errors are returned only for failed submits or polls.
func (c *Checker) Check(ctx context.Context, host string) (*Verdict, error) {
	requestID, err := c.client.Submit(ctx, host, c.nodes)
	if err != nil {
		return nil, err
	}

	var outcome Outcome
	for attempt := 1; attempt <= c.pollAttempts; attempt++ {
		if err := sleep(ctx, c.pollInterval); err != nil {
			return nil, err
		}

		outcome, err = c.client.Poll(ctx, requestID)
		if err != nil {
			return nil, err
		}
		if c.complete(outcome) {
			break
		}
		log.WithContext(ctx).Debugf("probe %s for %s incomplete after poll %d", requestID, host, attempt)
	}

	verdict := c.evaluate(host, outcome)
	c.metrics.CountProbe(verdict.Healthy)
	if !verdict.Healthy {
		log.WithContext(ctx).Infof("host %s failed consensus probe on nodes %v", host, verdict.Failed)
	}
	return verdict, nil
}

func (c *Checker) complete(outcome Outcome) bool {
	for _, node := range c.nodes {
		if r, ok := outcome[node]; !ok || !r.Reported {
			return false
		}
	}
	return true
}

func (c *Checker) evaluate(host string, outcome Outcome) *Verdict {
	verdict := &Verdict{Host: host}
	for _, node := range c.nodes {
		if !outcome[node].OK() {
			verdict.Failed = append(verdict.Failed, node)
		}
	}
	sort.Strings(verdict.Failed)
	verdict.Healthy = len(verdict.Failed) == 0
	return verdict
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
