package server

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/sshfleet/sshfleet/fleet/client/financial"
	"github.com/sshfleet/sshfleet/fleet/client/probe"
	"github.com/sshfleet/sshfleet/fleet/client/remote"
	"github.com/sshfleet/sshfleet/fleet/server/failover"
	"github.com/sshfleet/sshfleet/fleet/server/reconciler"
	"github.com/sshfleet/sshfleet/fleet/server/retry"
	"github.com/sshfleet/sshfleet/fleet/server/selector"
	"github.com/sshfleet/sshfleet/fleet/server/serversync"
	"github.com/sshfleet/sshfleet/fleet/server/store"
	"github.com/sshfleet/sshfleet/util"
)

const (
	RegistrarCloudflare = "cloudflare"
	RegistrarRoute53    = "route53"

	DefaultMetricsPort = 9090
)

// Config of the fleet daemon, read from a JSON file with environment substitution
type Config struct {
	Store         StoreConfig
	Cache         CacheConfig
	Queue         QueueConfig
	RemoteAccount RemoteAccountConfig
	Probe         ProbeConfig
	Financial     FinancialConfig
	Registrar     RegistrarConfig
	Provider      ProviderConfig
	Selector      SelectorConfig
	Failover      FailoverConfig
	Reconciler    ReconcilerConfig
	Sync          SyncConfig
	Retry         RetryConfig
	Metrics       MetricsConfig
}

// StoreConfig selects the database engine. DSN is only used by postgres and mysql.
type StoreConfig struct {
	Engine  store.Engine
	DataDir string
	DSN     string
}

// CacheConfig selects redis when an address is set, the in-process cache otherwise
type CacheConfig struct {
	RedisAddress string
}

// QueueConfig selects NATS when servers are set, the in-process queue otherwise
type QueueConfig struct {
	NatsServers   []string
	SubjectPrefix string
	User          string
	Password      string
	// LogNotifications consumes notifications by logging them
	LogNotifications bool
}

type RemoteAccountConfig struct {
	Port    int
	Token   string
	Timeout util.Duration
}

type ProbeConfig struct {
	URL          string
	Nodes        []string
	PollAttempts int
	PollInterval util.Duration
}

type FinancialConfig struct {
	URL            string
	Token          string
	Timeout        util.Duration
	TreasuryUserID uint
}

type CloudflareConfig struct {
	URL    string
	Token  string
	ZoneID string
}

type Route53Config struct {
	Region          string
	Profile         string
	AccessKeyID     string
	SecretAccessKey string
}

type RegistrarConfig struct {
	// Kind is either cloudflare or route53
	Kind       string
	Zone       string
	SeedName   string
	Cloudflare CloudflareConfig
	Route53    Route53Config
}

type ProviderConfig struct {
	URL        string
	APIKey     string
	MinBalance decimal.Decimal
	Location   string
	Tariff     int
	Datacenter int
	OSTemplate int
}

type SelectorConfig struct {
	StdDev         float64
	DomainCap      int
	NamingAttempts int
}

type FailoverConfig struct {
	Interval          util.Duration
	TargetInterval    util.Duration
	NewServerMaxUsers int
	ProcessingTTL     util.Duration
	ServerNamePrefix  string
}

type ReconcilerConfig struct {
	Interval            util.Duration
	NoticeWindow        util.Duration
	NoticeTTL           util.Duration
	Grace               util.Duration
	ExtendedGrace       util.Duration
	ExtendedGraceAgents []uint
	LeaseTTL            util.Duration
}

// SyncConfig drives the loop repairing drift between the store and the servers
type SyncConfig struct {
	Disabled bool
	Interval util.Duration
	LeaseTTL util.Duration
}

type RetryConfig struct {
	MaxAttempts int
	Delay       util.Duration
}

type MetricsConfig struct {
	// Port is where /metrics is served, a negative port disables the endpoint
	Port int
}

// LoadConfig reads the config file at path and applies defaults
func LoadConfig(path string) (*Config, error) {
	config := &Config{}
	if _, err := util.ReadJsonWithEnvSub(path, config); err != nil {
		return nil, fmt.Errorf("failed reading provided config file: %s: %w", path, err)
	}
	config.ApplyDefaults()
	return config, nil
}

// ApplyDefaults fills unset fields
func (c *Config) ApplyDefaults() {
	if c.Store.Engine == "" {
		c.Store.Engine = store.SqliteStoreEngine
	}
	if c.RemoteAccount.Port == 0 {
		c.RemoteAccount.Port = remote.DefaultPort
	}
	if c.RemoteAccount.Timeout.Duration == 0 {
		c.RemoteAccount.Timeout.Duration = remote.DefaultTimeout
	}
	if c.Probe.URL == "" {
		c.Probe.URL = probe.DefaultURL
	}
	if len(c.Probe.Nodes) == 0 {
		c.Probe.Nodes = probe.DefaultNodes
	}
	if c.Probe.PollAttempts <= 0 {
		c.Probe.PollAttempts = probe.DefaultPollAttempts
	}
	if c.Probe.PollInterval.Duration == 0 {
		c.Probe.PollInterval.Duration = probe.DefaultPollInterval
	}
	if c.Financial.Timeout.Duration == 0 {
		c.Financial.Timeout.Duration = financial.DefaultTimeout
	}
	if c.Registrar.Kind == "" {
		c.Registrar.Kind = RegistrarCloudflare
	}
	if c.Registrar.SeedName == "" {
		c.Registrar.SeedName = selector.DefaultSeedName
	}
	if c.Failover.Interval.Duration == 0 {
		c.Failover.Interval.Duration = failover.DefaultInterval
	}
	if c.Failover.TargetInterval.Duration == 0 {
		c.Failover.TargetInterval.Duration = failover.DefaultTargetInterval
	}
	if c.Failover.NewServerMaxUsers == 0 {
		c.Failover.NewServerMaxUsers = failover.DefaultNewServerMaxUsers
	}
	if c.Failover.ProcessingTTL.Duration == 0 {
		c.Failover.ProcessingTTL.Duration = failover.DefaultProcessingTTL
	}
	if c.Reconciler.Interval.Duration == 0 {
		c.Reconciler.Interval.Duration = reconciler.DefaultInterval
	}
	if c.Sync.Interval.Duration == 0 {
		c.Sync.Interval.Duration = serversync.DefaultInterval
	}
	if c.Retry.MaxAttempts == 0 {
		c.Retry.MaxAttempts = retry.DefaultMaxAttempts
	}
	if c.Retry.Delay.Duration == 0 {
		c.Retry.Delay.Duration = retry.DefaultDelay
	}
	if c.Metrics.Port == 0 {
		c.Metrics.Port = DefaultMetricsPort
	}
}

// Validate reports settings the daemon cannot start without
func (c *Config) Validate() error {
	var errs []error
	switch c.Store.Engine {
	case store.SqliteStoreEngine, store.PostgresStoreEngine, store.MysqlStoreEngine:
	default:
		errs = append(errs, fmt.Errorf("unsupported store engine %q", c.Store.Engine))
	}
	if c.RemoteAccount.Token == "" {
		errs = append(errs, errors.New("remote account token is required"))
	}
	if c.Registrar.Zone == "" {
		errs = append(errs, errors.New("registrar zone is required"))
	}
	switch c.Registrar.Kind {
	case RegistrarCloudflare:
		if c.Registrar.Cloudflare.Token == "" || c.Registrar.Cloudflare.ZoneID == "" {
			errs = append(errs, errors.New("cloudflare token and zone id are required"))
		}
	case RegistrarRoute53:
	default:
		errs = append(errs, fmt.Errorf("unsupported registrar %q", c.Registrar.Kind))
	}
	if c.Selector.StdDev < 0 {
		errs = append(errs, errors.New("selector std dev must not be negative"))
	}
	return errors.Join(errs...)
}

// RetryPolicy is the shared policy for calls to remote collaborators
func (c *Config) RetryPolicy() retry.Policy {
	return retry.Policy{
		MaxAttempts: c.Retry.MaxAttempts,
		Delay:       c.Retry.Delay.Duration,
	}
}

func (c *Config) selectorConfig() selector.Config {
	return selector.Config{
		StdDev:         c.Selector.StdDev,
		DomainCap:      c.Selector.DomainCap,
		NamingAttempts: c.Selector.NamingAttempts,
		Zone:           c.Registrar.Zone,
		SeedName:       c.Registrar.SeedName,
	}
}

func (c *Config) reconcilerConfig() reconciler.Config {
	return reconciler.Config{
		Interval:            c.Reconciler.Interval.Duration,
		NoticeWindow:        c.Reconciler.NoticeWindow.Duration,
		NoticeTTL:           c.Reconciler.NoticeTTL.Duration,
		Grace:               c.Reconciler.Grace.Duration,
		ExtendedGrace:       c.Reconciler.ExtendedGrace.Duration,
		ExtendedGraceAgents: c.Reconciler.ExtendedGraceAgents,
		LeaseTTL:            c.Reconciler.LeaseTTL.Duration,
	}
}

func (c *Config) syncConfig() serversync.Config {
	return serversync.Config{
		Interval: c.Sync.Interval.Duration,
		LeaseTTL: c.Sync.LeaseTTL.Duration,
	}
}

func (c *Config) workerConfig() failover.WorkerConfig {
	return failover.WorkerConfig{
		NewServerMaxUsers: c.Failover.NewServerMaxUsers,
		ProcessingTTL:     c.Failover.ProcessingTTL.Duration,
		ServerNamePrefix:  c.Failover.ServerNamePrefix,
	}
}

func (c *Config) monitorConfig() failover.MonitorConfig {
	return failover.MonitorConfig{
		Interval:       c.Failover.Interval.Duration,
		TargetInterval: c.Failover.TargetInterval.Duration,
	}
}
