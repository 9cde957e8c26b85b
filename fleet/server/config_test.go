package server

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sshfleet/sshfleet/fleet/client/probe"
	"github.com/sshfleet/sshfleet/fleet/client/remote"
	"github.com/sshfleet/sshfleet/fleet/server/failover"
	"github.com/sshfleet/sshfleet/fleet/server/reconciler"
	"github.com/sshfleet/sshfleet/fleet/server/store"
)

const testConfig = `{
  "Store": {"Engine": "sqlite", "DataDir": "/var/lib/sshfleet"},
  "RemoteAccount": {"Token": "{{ .SSHFLEET_TEST_AGENT_TOKEN }}", "Timeout": "5s"},
  "Financial": {"URL": "http://ledger:8050", "Token": "ledger", "TreasuryUserID": 1},
  "Registrar": {"Kind": "cloudflare", "Zone": "example.com", "Cloudflare": {"Token": "cf", "ZoneID": "zone"}},
  "Selector": {"DomainCap": 20},
  "Failover": {"Interval": "1m"},
  "Reconciler": {"Grace": "72h", "ExtendedGraceAgents": [5]}
}`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	file := filepath.Join(t.TempDir(), "sshfleet.json")
	require.NoError(t, os.WriteFile(file, []byte(content), 0600))
	return file
}

func TestLoadConfig(t *testing.T) {
	t.Setenv("SSHFLEET_TEST_AGENT_TOKEN", "agent-secret")

	config, err := LoadConfig(writeConfig(t, testConfig))
	require.NoError(t, err)
	require.NoError(t, config.Validate())

	assert.Equal(t, store.SqliteStoreEngine, config.Store.Engine)
	assert.Equal(t, "agent-secret", config.RemoteAccount.Token)
	assert.Equal(t, 5*time.Second, config.RemoteAccount.Timeout.Duration)
	assert.Equal(t, remote.DefaultPort, config.RemoteAccount.Port)
	assert.Equal(t, probe.DefaultNodes, config.Probe.Nodes)
	assert.Equal(t, time.Minute, config.Failover.Interval.Duration)
	assert.Equal(t, failover.DefaultTargetInterval, config.Failover.TargetInterval.Duration)
	assert.Equal(t, DefaultMetricsPort, config.Metrics.Port)

	sel := config.selectorConfig()
	assert.Equal(t, 20, sel.DomainCap)
	assert.Equal(t, "example.com", sel.Zone)

	rec := config.reconcilerConfig()
	rec.ApplyDefaults()
	assert.Equal(t, 72*time.Hour, rec.Grace)
	assert.Equal(t, reconciler.DefaultExtendedGrace, rec.ExtendedGrace)
	assert.Equal(t, []uint{5}, rec.ExtendedGraceAgents)

	policy := config.RetryPolicy()
	assert.Equal(t, 3, policy.MaxAttempts)
}

func TestLoadConfig_Errors(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)

	_, err = LoadConfig(writeConfig(t, `{"Failover": {"Interval": "soon"}}`))
	assert.Error(t, err)
}

func TestConfig_Validate(t *testing.T) {
	tt := []struct {
		name   string
		modify func(c *Config)
		valid  bool
	}{
		{name: "valid", modify: func(*Config) {}, valid: true},
		{name: "route53 needs no token", modify: func(c *Config) {
			c.Registrar.Kind = RegistrarRoute53
			c.Registrar.Cloudflare = CloudflareConfig{}
		}, valid: true},
		{name: "unknown engine", modify: func(c *Config) { c.Store.Engine = "oracle" }},
		{name: "missing agent token", modify: func(c *Config) { c.RemoteAccount.Token = "" }},
		{name: "missing zone", modify: func(c *Config) { c.Registrar.Zone = "" }},
		{name: "missing cloudflare zone id", modify: func(c *Config) { c.Registrar.Cloudflare.ZoneID = "" }},
		{name: "unknown registrar", modify: func(c *Config) { c.Registrar.Kind = "bind" }},
	}
	for _, tc := range tt {
		t.Run(tc.name, func(t *testing.T) {
			config := &Config{
				RemoteAccount: RemoteAccountConfig{Token: "t"},
				Registrar: RegistrarConfig{
					Zone:       "example.com",
					Cloudflare: CloudflareConfig{Token: "cf", ZoneID: "zone"},
				},
			}
			config.ApplyDefaults()
			tc.modify(config)
			err := config.Validate()
			if tc.valid {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}
