package registrar

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/sshfleet/sshfleet/fleet/client/rest"
	"github.com/sshfleet/sshfleet/fleet/server/retry"
	"github.com/sshfleet/sshfleet/fleet/server/status"
	"github.com/sshfleet/sshfleet/fleet/server/telemetry"
)

const (
	CloudflareURL = "https://api.cloudflare.com/client/v4"

	cloudflareRecordExistsCode = 81057
	cloudflareTimeout          = 15 * time.Second
	recordTTL                  = 3600
)

type cloudflareRecord struct {
	Type    string   `json:"type"`
	Name    string   `json:"name"`
	Content string   `json:"content"`
	TTL     int      `json:"ttl"`
	Proxied bool     `json:"proxied"`
	Comment string   `json:"comment"`
	Tags    []string `json:"tags"`
}

type cloudflareError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type cloudflareResponse struct {
	Success bool              `json:"success"`
	Errors  []cloudflareError `json:"errors"`
	Result  struct {
		ID string `json:"id"`
	} `json:"result"`
}

// Cloudflare manages records through the Cloudflare v4 REST API
type Cloudflare struct {
	rc     *rest.Client
	zoneID string
}

// NewCloudflare creates a Cloudflare registrar for zoneID. An empty baseURL uses the public API.
func NewCloudflare(baseURL, token, zoneID string, policy retry.Policy, metrics *telemetry.FleetMetrics) *Cloudflare {
	if baseURL == "" {
		baseURL = CloudflareURL
	}
	return &Cloudflare{
		rc: rest.New("cloudflare", baseURL, cloudflareTimeout,
			rest.WithHeader("Authorization", "Bearer "+token),
			rest.WithRetryPolicy(policy),
			rest.WithMetrics(metrics),
		),
		zoneID: zoneID,
	}
}

func newCloudflareRecord(ip, name string) cloudflareRecord {
	return cloudflareRecord{Type: "A", Name: name, Content: ip, TTL: recordTTL, Tags: []string{}}
}

// CreateRecord creates an A record and returns its id
func (c *Cloudflare) CreateRecord(ctx context.Context, ip, name string) (string, error) {
	if err := validate(ip, name); err != nil {
		return "", status.Errorf(status.InvalidArgument, "%v", err)
	}

	res, err := rest.Call[cloudflareResponse](ctx, c.rc, http.MethodPost, "/zones/"+c.zoneID+"/dns_records", newCloudflareRecord(ip, name), nil)
	if err != nil {
		return "", c.mapError(err)
	}
	if !res.Success {
		return "", c.mapErrors(res.Errors)
	}

	log.WithContext(ctx).Debugf("created record %s -> %s (%s)", name, ip, res.Result.ID)
	return res.Result.ID, nil
}

// UpdateRecord points the record recordID at ip
func (c *Cloudflare) UpdateRecord(ctx context.Context, recordID, ip, name string) error {
	if err := validate(ip, name); err != nil {
		return status.Errorf(status.InvalidArgument, "%v", err)
	}

	res, err := rest.Call[cloudflareResponse](ctx, c.rc, http.MethodPut, "/zones/"+c.zoneID+"/dns_records/"+recordID, newCloudflareRecord(ip, name), nil)
	if err != nil {
		return c.mapError(err)
	}
	if !res.Success {
		return c.mapErrors(res.Errors)
	}

	log.WithContext(ctx).Debugf("updated record %s -> %s", name, ip)
	return nil
}

func (c *Cloudflare) mapError(err error) error {
	e, ok := status.FromError(err)
	if !ok || e == nil || e.Type() != status.RemoteRejected || e.RemoteBody == "" {
		return err
	}

	var res cloudflareResponse
	if jsonErr := json.Unmarshal([]byte(e.RemoteBody), &res); jsonErr != nil {
		return err
	}
	if mapped := c.mapErrors(res.Errors); mapped == ErrRecordExists {
		return mapped
	}
	return err
}

func (c *Cloudflare) mapErrors(errs []cloudflareError) error {
	for _, e := range errs {
		if e.Code == cloudflareRecordExistsCode {
			return ErrRecordExists
		}
	}
	if len(errs) == 0 {
		return status.Errorf(status.RemoteRejected, "cloudflare reported failure without errors")
	}
	return status.Errorf(status.RemoteRejected, "cloudflare error %d: %s", errs[0].Code, errs[0].Message)
}
