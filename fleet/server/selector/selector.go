package selector

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"regexp"
	"strconv"
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/sshfleet/sshfleet/fleet/server/cache"
	"github.com/sshfleet/sshfleet/fleet/server/registrar"
	"github.com/sshfleet/sshfleet/fleet/server/status"
	"github.com/sshfleet/sshfleet/fleet/server/store"
	"github.com/sshfleet/sshfleet/fleet/server/types"
)

const (
	DefaultStdDev         = 1.0
	DefaultNamingAttempts = 50
	DefaultSeedName       = "srv0"

	// sampleMean centres the draw on the second least loaded server
	sampleMean = 1.0
)

var domainNamePattern = regexp.MustCompile(`^([a-zA-Z]+)(\d+)`)

// Config tunes placement
type Config struct {
	StdDev         float64
	DomainCap      int
	NamingAttempts int
	// Zone is the parent DNS zone new domains are created under
	Zone string
	// SeedName is the first label naming starts from when no domain exists yet
	SeedName string
}

// ApplyDefaults fills unset fields
func (c *Config) ApplyDefaults() {
	if c.StdDev <= 0 {
		c.StdDev = DefaultStdDev
	}
	if c.DomainCap <= 0 {
		c.DomainCap = types.DefaultDomainCap
	}
	if c.NamingAttempts <= 0 {
		c.NamingAttempts = DefaultNamingAttempts
	}
	if c.SeedName == "" {
		c.SeedName = DefaultSeedName
	}
}

// Exclusion lists servers that must not be selected, directly or through one of their domains
type Exclusion struct {
	ServerIPs []string
	DomainIDs []uint
}

// Selector places accounts on servers and domains
type Selector struct {
	store     store.Store
	cache     *cache.Store
	registrar registrar.Registrar
	config    Config
	sample    func() float64
}

// NewSelector creates a selector drawing from the standard normal distribution
func NewSelector(s store.Store, c *cache.Store, r registrar.Registrar, config Config) *Selector {
	config.ApplyDefaults()
	return &Selector{
		store:     s,
		cache:     c,
		registrar: r,
		config:    config,
		sample:    rand.NormFloat64,
	}
}

// Config returns the effective configuration
func (s *Selector) Config() Config {
	return s.config
}

// PickIndex maps a normal sample to an index of a list of n servers sorted by load
func PickIndex(sample, stdDev float64, n int) int {
	if n <= 1 {
		return 0
	}
	x := sampleMean + sample*stdDev
	x = math.Max(0, math.Min(float64(n-1), x))
	return int(math.Round(x))
}

// SelectServer returns a placeable server or nil when none qualifies
func (s *Selector) SelectServer(ctx context.Context, exclusion Exclusion) (*types.Server, error) {
	servers, err := s.store.GetPlaceableServers(ctx, store.LockingStrengthNone)
	if err != nil {
		return nil, err
	}

	excluded, err := s.excludedIPs(ctx, exclusion)
	if err != nil {
		return nil, err
	}

	candidates := make([]*types.Server, 0, len(servers))
	for _, server := range servers {
		if _, skip := excluded[server.IP]; skip || !server.Placeable() {
			continue
		}
		candidates = append(candidates, server)
	}
	if len(candidates) == 0 {
		return nil, nil
	}

	return candidates[PickIndex(s.sample(), s.config.StdDev, len(candidates))], nil
}

func (s *Selector) excludedIPs(ctx context.Context, exclusion Exclusion) (map[string]struct{}, error) {
	excluded := make(map[string]struct{}, len(exclusion.ServerIPs)+len(exclusion.DomainIDs))
	for _, ip := range exclusion.ServerIPs {
		excluded[ip] = struct{}{}
	}
	for _, id := range exclusion.DomainIDs {
		domain, err := s.store.GetDomainByID(ctx, store.LockingStrengthNone, id)
		if err != nil {
			if status.IsType(err, status.NotFound) {
				continue
			}
			return nil, err
		}
		excluded[domain.ServerIP] = struct{}{}
	}
	return excluded, nil
}

// SelectDomain returns the least used enabled domain of server that is below the cap.
// When every domain is full and the server still has room a new domain is registered.
// Nil is returned when the server cannot take another domain.
func (s *Selector) SelectDomain(ctx context.Context, server *types.Server) (*types.Domain, error) {
	domains, err := s.store.GetDomainsByServerIP(ctx, store.LockingStrengthNone, server.IP)
	if err != nil {
		return nil, err
	}

	var selected *types.Domain
	enabled := 0
	minCount := math.MaxInt
	for _, domain := range domains {
		if !domain.Status.Enabled() {
			continue
		}
		enabled++

		count, err := s.store.CountDomainLiveAccounts(ctx, store.LockingStrengthNone, domain.ID)
		if err != nil {
			return nil, err
		}
		if count < s.config.DomainCap && count < minCount {
			minCount = count
			selected = domain
		}
	}

	if selected != nil {
		return selected, nil
	}

	if enabled*s.config.DomainCap >= server.MaxUsers {
		log.WithContext(ctx).Debugf("server %s has no room for another domain", server.IP)
		return nil, nil
	}

	return s.RegisterDomain(ctx, server.IP)
}

// SelectServerAndDomain repeats server selection, excluding servers without a usable domain,
// until a pair is found. NoCapacity is returned when the candidates run out.
func (s *Selector) SelectServerAndDomain(ctx context.Context, exclusion Exclusion) (*types.Server, *types.Domain, error) {
	exclusion.ServerIPs = append([]string(nil), exclusion.ServerIPs...)
	for {
		if err := ctx.Err(); err != nil {
			return nil, nil, err
		}

		server, err := s.SelectServer(ctx, exclusion)
		if err != nil {
			return nil, nil, err
		}
		if server == nil {
			return nil, nil, status.NewNoCapacityError()
		}

		domain, err := s.SelectDomain(ctx, server)
		if err != nil {
			return nil, nil, err
		}
		if domain != nil {
			return server, domain, nil
		}

		exclusion.ServerIPs = append(exclusion.ServerIPs, server.IP)
	}
}

// RegisterDomain creates the next free domain name at the registrar and stores it for serverIP
func (s *Selector) RegisterDomain(ctx context.Context, serverIP string) (*types.Domain, error) {
	prefix, number, err := s.lastDomain(ctx)
	if err != nil {
		return nil, err
	}

	log.WithContext(ctx).Infof("[create new subdomain] creating new subdomain for server %s", serverIP)

	for offset := 1; offset <= s.config.NamingAttempts; offset++ {
		name := s.domainName(prefix, number+offset)

		taken, err := s.nameInStore(ctx, name)
		if err != nil {
			return nil, err
		}
		if taken {
			log.WithContext(ctx).Warnf("[create new subdomain] domain %s already exists in store", name)
			continue
		}

		recordID, err := s.registrar.CreateRecord(ctx, serverIP, name)
		if errors.Is(err, registrar.ErrRecordExists) {
			log.WithContext(ctx).Warnf("[create new subdomain] domain %s already exists at registrar", name)
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("register domain %s: %w", name, err)
		}

		domain := &types.Domain{
			Name:       name,
			Identifier: recordID,
			ServerIP:   serverIP,
			Status:     types.ToggleEnable,
		}
		if err := s.store.CreateDomain(ctx, domain); err != nil {
			return nil, status.NewInconsistentError(
				fmt.Sprintf("record %s was created at the registrar but not stored", name),
				map[string]any{"domain": name, "record_id": recordID, "server_ip": serverIP},
			)
		}

		if err := s.cache.SetLastDomain(ctx, name); err != nil {
			log.WithContext(ctx).Warnf("failed to remember last domain %s: %v", name, err)
		}

		log.WithContext(ctx).Infof("[create new subdomain] created domain %s for server %s", name, serverIP)
		return domain, nil
	}

	return nil, status.Errorf(status.NoCapacity, "no free domain name after %d attempts", s.config.NamingAttempts)
}

func (s *Selector) nameInStore(ctx context.Context, name string) (bool, error) {
	_, err := s.store.GetDomainByName(ctx, store.LockingStrengthNone, name)
	if err == nil {
		return true, nil
	}
	if status.IsType(err, status.NotFound) {
		return false, nil
	}
	return false, err
}

func (s *Selector) domainName(prefix string, number int) string {
	label := prefix + strconv.Itoa(number)
	if s.config.Zone == "" {
		return label
	}
	return label + "." + strings.TrimSuffix(s.config.Zone, ".")
}

// lastDomain resolves the name naming continues from: the cached last registration,
// then the newest stored domain, then the seed
func (s *Selector) lastDomain(ctx context.Context) (string, int, error) {
	candidates := make([]string, 0, 3)

	name, ok, err := s.cache.LastDomain(ctx)
	if err != nil {
		log.WithContext(ctx).Warnf("failed to read last domain from cache: %v", err)
	} else if ok {
		candidates = append(candidates, name)
	}

	latest, err := s.store.GetLatestDomain(ctx, store.LockingStrengthNone)
	switch {
	case err == nil:
		candidates = append(candidates, latest.Name)
	case !status.IsType(err, status.NotFound):
		return "", 0, err
	}

	candidates = append(candidates, s.config.SeedName)

	for _, candidate := range candidates {
		if prefix, number, ok := ParseDomainName(candidate); ok {
			return prefix, number, nil
		}
		log.WithContext(ctx).Warnf("domain %s does not follow the naming scheme, skipping", candidate)
	}
	return "", 0, status.Errorf(status.InvalidArgument, "seed domain name %q does not follow the naming scheme", s.config.SeedName)
}

// ParseDomainName splits the first label of name into its letter prefix and numeric suffix
func ParseDomainName(name string) (string, int, bool) {
	label, _, _ := strings.Cut(name, ".")
	m := domainNamePattern.FindStringSubmatch(label)
	if m == nil {
		return "", 0, false
	}
	number, err := strconv.Atoi(m[2])
	if err != nil {
		return "", 0, false
	}
	return m[1], number, true
}
