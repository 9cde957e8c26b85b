package store

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/sshfleet/sshfleet/fleet/server/telemetry"
	"github.com/sshfleet/sshfleet/fleet/server/types"
)

type LockingStrength string

const (
	LockingStrengthUpdate      LockingStrength = "UPDATE"        // Strongest lock, preventing any changes by other transactions until your transaction completes.
	LockingStrengthShare       LockingStrength = "SHARE"         // Allows reading but prevents changes by other transactions.
	LockingStrengthNoKeyUpdate LockingStrength = "NO KEY UPDATE" // Similar to UPDATE but allows changes to related rows.
	LockingStrengthKeyShare    LockingStrength = "KEY SHARE"     // Protects against changes to primary/unique keys but allows other updates.
	LockingStrengthNone        LockingStrength = "NONE"          // No locking, allowing all transactions to proceed without restrictions.
)

type Store interface {
	GetServerByIP(ctx context.Context, lockStrength LockingStrength, ip string) (*types.Server, error)
	GetServersByStatus(ctx context.Context, lockStrength LockingStrength, status types.Toggle) ([]*types.Server, error)
	// GetPlaceableServers returns enabled servers that accept new accounts and have free capacity
	GetPlaceableServers(ctx context.Context, lockStrength LockingStrength) ([]*types.Server, error)
	SaveServer(ctx context.Context, server *types.Server) error
	UpdateServerStatus(ctx context.Context, ip string, status types.Toggle) error
	// AdjustServerAccountCount atomically adds delta to the server's active account counter.
	// The counter never drops below zero.
	AdjustServerAccountCount(ctx context.Context, ip string, delta int) error

	GetDomainByID(ctx context.Context, lockStrength LockingStrength, id uint) (*types.Domain, error)
	GetDomainByName(ctx context.Context, lockStrength LockingStrength, name string) (*types.Domain, error)
	GetDomainsByServerIP(ctx context.Context, lockStrength LockingStrength, ip string) ([]*types.Domain, error)
	GetLatestDomain(ctx context.Context, lockStrength LockingStrength) (*types.Domain, error)
	CreateDomain(ctx context.Context, domain *types.Domain) error
	UpdateDomainServerIP(ctx context.Context, id uint, ip string) error
	UpdateDomainStatus(ctx context.Context, id uint, status types.Toggle) error
	// CountDomainLiveAccounts counts the non-deleted accounts on the domain
	CountDomainLiveAccounts(ctx context.Context, lockStrength LockingStrength, domainID uint) (int, error)

	GetAccountByID(ctx context.Context, lockStrength LockingStrength, id uint) (*types.Account, error)
	GetAccountByUsername(ctx context.Context, lockStrength LockingStrength, username string) (*types.Account, error)
	GetAccountsByStatus(ctx context.Context, lockStrength LockingStrength, statuses ...types.AccountStatus) ([]*types.Account, error)
	GetAccountsByDomainID(ctx context.Context, lockStrength LockingStrength, domainID uint, statuses ...types.AccountStatus) ([]*types.Account, error)
	UsernameExists(ctx context.Context, username string) (bool, error)
	CreateAccount(ctx context.Context, account *types.Account) error
	// UpdateAccountStatus moves the account to status, rejecting transitions the lifecycle forbids
	UpdateAccountStatus(ctx context.Context, id uint, status types.AccountStatus) error
	UpdateAccountExpire(ctx context.Context, id uint, expire time.Time) error
	// MoveDomainAccounts reassigns the named non-deleted accounts of one domain to another.
	// An empty usernames list moves nothing.
	MoveDomainAccounts(ctx context.Context, fromDomainID, toDomainID uint, usernames []string) (int64, error)
	// MoveAllDomainAccounts reassigns every non-deleted account of one domain to another
	MoveAllDomainAccounts(ctx context.Context, fromDomainID, toDomainID uint) (int64, error)

	GetPlanByID(ctx context.Context, lockStrength LockingStrength, id uint) (*types.Plan, error)
	SavePlan(ctx context.Context, plan *types.Plan) error

	GetReplacementJob(ctx context.Context, lockStrength LockingStrength, id string) (*types.ReplacementJob, error)
	GetUnfinishedReplacementJobs(ctx context.Context, lockStrength LockingStrength) ([]*types.ReplacementJob, error)
	SaveReplacementJob(ctx context.Context, job *types.ReplacementJob) error

	// Close should close the store persisting all unsaved data.
	Close(ctx context.Context) error
	// GetStoreEngine should return Engine of the current store implementation.
	GetStoreEngine() Engine
	ExecuteInTransaction(ctx context.Context, f func(store Store) error) error
}

type Engine string

const (
	SqliteStoreEngine   Engine = "sqlite"
	PostgresStoreEngine Engine = "postgres"
	MysqlStoreEngine    Engine = "mysql"

	postgresDsnEnv = "SSHFLEET_STORE_ENGINE_POSTGRES_DSN"
	mysqlDsnEnv    = "SSHFLEET_STORE_ENGINE_MYSQL_DSN"
)

func getStoreEngineFromEnv() Engine {
	// SSHFLEET_STORE_ENGINE supposed to be used in tests. Otherwise, rely on the config file.
	kind, ok := os.LookupEnv("SSHFLEET_STORE_ENGINE")
	if !ok {
		return ""
	}

	value := Engine(strings.ToLower(kind))
	if value == SqliteStoreEngine || value == PostgresStoreEngine || value == MysqlStoreEngine {
		return value
	}

	return SqliteStoreEngine
}

// NewStore creates a new store based on the provided engine type, data directory, and telemetry metrics.
// An empty dsn makes postgres and mysql fall back to their environment variables.
func NewStore(ctx context.Context, kind Engine, dataDir string, dsn string, metrics telemetry.AppMetrics) (Store, error) {
	if kind == "" {
		kind = getStoreEngineFromEnv()
	}
	if kind == "" {
		kind = SqliteStoreEngine
	}

	switch kind {
	case SqliteStoreEngine:
		log.WithContext(ctx).Info("using SQLite store engine")
		return NewSqliteStore(ctx, dataDir, metrics)
	case PostgresStoreEngine:
		log.WithContext(ctx).Info("using Postgres store engine")
		if dsn == "" {
			dsn = os.Getenv(postgresDsnEnv)
		}
		if dsn == "" {
			return nil, fmt.Errorf("%s is not set", postgresDsnEnv)
		}
		return NewPostgresqlStore(ctx, dsn, metrics)
	case MysqlStoreEngine:
		log.WithContext(ctx).Info("using MySQL store engine")
		if dsn == "" {
			dsn = os.Getenv(mysqlDsnEnv)
		}
		if dsn == "" {
			return nil, fmt.Errorf("%s is not set", mysqlDsnEnv)
		}
		return NewMysqlStore(ctx, dsn, metrics)
	default:
		return nil, fmt.Errorf("unsupported kind of store: %s", kind)
	}
}

// NewTestStore is only used in tests. It creates an empty SQLite database in dataDir.
func NewTestStore(ctx context.Context, dataDir string) (Store, func(), error) {
	s, err := NewSqliteStore(ctx, dataDir, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create test store: %v", err)
	}

	return s, func() {
		_ = s.Close(ctx)
	}, nil
}
