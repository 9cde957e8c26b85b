package registrar

import (
	"context"
	"strings"
	"time"

	"github.com/libdns/libdns"
	"github.com/libdns/route53"
	log "github.com/sirupsen/logrus"

	"github.com/sshfleet/sshfleet/fleet/server/status"
)

// Provider is the subset of a libdns provider used for server records
type Provider interface {
	libdns.RecordGetter
	libdns.RecordAppender
	libdns.RecordSetter
}

// Route53Config holds the AWS credentials for the Route53 provider. Empty fields fall back to the AWS environment.
type Route53Config struct {
	Region          string
	Profile         string
	AccessKeyID     string
	SecretAccessKey string
}

// LibDNS manages records through any libdns provider
type LibDNS struct {
	provider Provider
	zone     string
	ttl      time.Duration
}

// NewLibDNS creates a registrar managing records of zone through provider
func NewLibDNS(provider Provider, zone string) *LibDNS {
	if !strings.HasSuffix(zone, ".") {
		zone += "."
	}
	return &LibDNS{provider: provider, zone: zone, ttl: recordTTL * time.Second}
}

// NewRoute53 creates a libdns registrar backed by AWS Route53
func NewRoute53(config Route53Config, zone string) *LibDNS {
	return NewLibDNS(&route53.Provider{
		Region:          config.Region,
		AWSProfile:      config.Profile,
		AccessKeyId:     config.AccessKeyID,
		SecretAccessKey: config.SecretAccessKey,
	}, zone)
}

func (l *LibDNS) relative(name string) string {
	return libdns.RelativeName(name+".", l.zone)
}

// CreateRecord appends an A record. The relative name is used as the record id
// when the provider does not return one.
func (l *LibDNS) CreateRecord(ctx context.Context, ip, name string) (string, error) {
	if err := validate(ip, name); err != nil {
		return "", status.Errorf(status.InvalidArgument, "%v", err)
	}
	rel := l.relative(name)

	existing, err := l.provider.GetRecords(ctx, l.zone)
	if err != nil {
		return "", status.NewRemoteUnreachableError("dns provider", err)
	}
	for _, r := range existing {
		if r.Type == "A" && strings.EqualFold(r.Name, rel) {
			return "", ErrRecordExists
		}
	}

	created, err := l.provider.AppendRecords(ctx, l.zone, []libdns.Record{{Type: "A", Name: rel, Value: ip, TTL: l.ttl}})
	if err != nil {
		return "", status.Errorf(status.RemoteRejected, "append record %s: %v", name, err)
	}

	id := rel
	if len(created) > 0 && created[0].ID != "" {
		id = created[0].ID
	}
	log.WithContext(ctx).Debugf("created record %s -> %s in %s", rel, ip, l.zone)
	return id, nil
}

// UpdateRecord sets the A record of name to ip
func (l *LibDNS) UpdateRecord(ctx context.Context, recordID, ip, name string) error {
	if err := validate(ip, name); err != nil {
		return status.Errorf(status.InvalidArgument, "%v", err)
	}

	record := libdns.Record{Type: "A", Name: l.relative(name), Value: ip, TTL: l.ttl}
	if recordID != record.Name {
		record.ID = recordID
	}
	if _, err := l.provider.SetRecords(ctx, l.zone, []libdns.Record{record}); err != nil {
		return status.Errorf(status.RemoteRejected, "set record %s: %v", name, err)
	}

	log.WithContext(ctx).Debugf("updated record %s -> %s in %s", record.Name, ip, l.zone)
	return nil
}
