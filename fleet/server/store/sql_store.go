package store

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"runtime"
	"time"

	log "github.com/sirupsen/logrus"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/sshfleet/sshfleet/fleet/server/status"
	"github.com/sshfleet/sshfleet/fleet/server/telemetry"
	"github.com/sshfleet/sshfleet/fleet/server/types"
)

const (
	storeSqliteFileName = "store.db"
	idQueryCondition    = "id = ?"
	ipQueryCondition    = "ip = ?"
)

// SqlStore represents a fleet storage backed by a Sql DB persisted to disk
type SqlStore struct {
	db          *gorm.DB
	metrics     telemetry.AppMetrics
	storeEngine Engine
}

// NewSqlStore creates a new SqlStore instance.
func NewSqlStore(ctx context.Context, db *gorm.DB, storeEngine Engine, metrics telemetry.AppMetrics) (*SqlStore, error) {
	sql, err := db.DB()
	if err != nil {
		return nil, err
	}

	conns := runtime.NumCPU()
	if storeEngine == SqliteStoreEngine {
		conns = 1
	}
	sql.SetMaxOpenConns(conns)

	log.WithContext(ctx).Infof("Set max open db connections to %d", conns)

	err = db.AutoMigrate(
		&types.Server{}, &types.Domain{}, &types.Account{}, &types.Plan{}, &types.ReplacementJob{},
	)
	if err != nil {
		return nil, fmt.Errorf("auto migrate: %w", err)
	}

	return &SqlStore{db: db, storeEngine: storeEngine, metrics: metrics}, nil
}

func (s *SqlStore) withTx(tx *gorm.DB) Store {
	return &SqlStore{
		db:          tx,
		metrics:     s.metrics,
		storeEngine: s.storeEngine,
	}
}

// ExecuteInTransaction runs f against a store bound to a single database transaction.
// Any error returned by f rolls the transaction back.
func (s *SqlStore) ExecuteInTransaction(ctx context.Context, operation func(store Store) error) error {
	startTime := time.Now()
	tx := s.db.WithContext(ctx).Begin()
	if tx.Error != nil {
		return tx.Error
	}

	repo := s.withTx(tx)
	err := operation(repo)
	if err != nil {
		tx.Rollback()
		return err
	}

	err = tx.Commit().Error

	if s.metrics != nil {
		s.metrics.StoreMetrics().CountTransactionDuration(time.Since(startTime))
	}

	return err
}

func (s *SqlStore) query(ctx context.Context, lockStrength LockingStrength) *gorm.DB {
	tx := s.db.WithContext(ctx)
	if lockStrength != "" && lockStrength != LockingStrengthNone {
		tx = tx.Clauses(clause.Locking{Strength: string(lockStrength)})
	}
	return tx
}

func (s *SqlStore) GetServerByIP(ctx context.Context, lockStrength LockingStrength, ip string) (*types.Server, error) {
	var server types.Server
	result := s.query(ctx, lockStrength).Take(&server, ipQueryCondition, ip)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, status.NewServerNotFoundError(ip)
		}
		log.WithContext(ctx).Errorf("failed to get server from the store: %s", result.Error)
		return nil, status.Errorf(status.Internal, "failed to get server from store")
	}

	return &server, nil
}

func (s *SqlStore) GetServersByStatus(ctx context.Context, lockStrength LockingStrength, serverStatus types.Toggle) ([]*types.Server, error) {
	var servers []*types.Server
	result := s.query(ctx, lockStrength).Where("status = ?", serverStatus).Order("ip").Find(&servers)
	if result.Error != nil {
		log.WithContext(ctx).Errorf("failed to get servers from the store: %s", result.Error)
		return nil, status.Errorf(status.Internal, "failed to get servers from store")
	}

	return servers, nil
}

func (s *SqlStore) GetPlaceableServers(ctx context.Context, lockStrength LockingStrength) ([]*types.Server, error) {
	var servers []*types.Server
	result := s.query(ctx, lockStrength).
		Where("status = ? AND generate_status = ? AND active_account_count < max_users", types.ToggleEnable, types.ToggleEnable).
		Order("active_account_count ASC").
		Find(&servers)
	if result.Error != nil {
		log.WithContext(ctx).Errorf("failed to get placeable servers from the store: %s", result.Error)
		return nil, status.Errorf(status.Internal, "failed to get servers from store")
	}

	return servers, nil
}

func (s *SqlStore) SaveServer(ctx context.Context, server *types.Server) error {
	result := s.db.WithContext(ctx).Clauses(clause.OnConflict{UpdateAll: true}).Create(server)
	if result.Error != nil {
		log.WithContext(ctx).Errorf("failed to save server to the store: %s", result.Error)
		return status.Errorf(status.Internal, "failed to save server to store")
	}

	return nil
}

func (s *SqlStore) UpdateServerStatus(ctx context.Context, ip string, serverStatus types.Toggle) error {
	result := s.db.WithContext(ctx).Model(&types.Server{}).Where(ipQueryCondition, ip).Update("status", serverStatus)
	if result.Error != nil {
		log.WithContext(ctx).Errorf("failed to update server status in the store: %s", result.Error)
		return status.Errorf(status.Internal, "failed to update server status in store")
	}

	if result.RowsAffected == 0 {
		return status.NewServerNotFoundError(ip)
	}

	return nil
}

func (s *SqlStore) AdjustServerAccountCount(ctx context.Context, ip string, delta int) error {
	if delta == 0 {
		return nil
	}

	expr := gorm.Expr("active_account_count + ?", delta)
	if delta < 0 {
		expr = gorm.Expr("CASE WHEN active_account_count >= ? THEN active_account_count - ? ELSE 0 END", -delta, -delta)
	}

	result := s.db.WithContext(ctx).Model(&types.Server{}).Where(ipQueryCondition, ip).Update("active_account_count", expr)
	if result.Error != nil {
		log.WithContext(ctx).Errorf("failed to adjust account counter of server %s: %s", ip, result.Error)
		return status.Errorf(status.Internal, "failed to adjust server account counter")
	}

	if result.RowsAffected == 0 {
		return status.NewServerNotFoundError(ip)
	}

	if s.metrics != nil {
		s.metrics.StoreMetrics().CountCounterAdjustment()
	}

	return nil
}

func (s *SqlStore) GetDomainByID(ctx context.Context, lockStrength LockingStrength, id uint) (*types.Domain, error) {
	var domain types.Domain
	result := s.query(ctx, lockStrength).Take(&domain, idQueryCondition, id)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, status.NewDomainNotFoundError(fmt.Sprint(id))
		}
		log.WithContext(ctx).Errorf("failed to get domain from the store: %s", result.Error)
		return nil, status.Errorf(status.Internal, "failed to get domain from store")
	}

	return &domain, nil
}

func (s *SqlStore) GetDomainByName(ctx context.Context, lockStrength LockingStrength, name string) (*types.Domain, error) {
	var domain types.Domain
	result := s.query(ctx, lockStrength).Take(&domain, "name = ?", name)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, status.NewDomainNotFoundError(name)
		}
		log.WithContext(ctx).Errorf("failed to get domain from the store: %s", result.Error)
		return nil, status.Errorf(status.Internal, "failed to get domain from store")
	}

	return &domain, nil
}

func (s *SqlStore) GetDomainsByServerIP(ctx context.Context, lockStrength LockingStrength, ip string) ([]*types.Domain, error) {
	var domains []*types.Domain
	result := s.query(ctx, lockStrength).Where("server_ip = ?", ip).Order("id").Find(&domains)
	if result.Error != nil {
		log.WithContext(ctx).Errorf("failed to get domains from the store: %s", result.Error)
		return nil, status.Errorf(status.Internal, "failed to get domains from store")
	}

	return domains, nil
}

func (s *SqlStore) GetLatestDomain(ctx context.Context, lockStrength LockingStrength) (*types.Domain, error) {
	var domain types.Domain
	result := s.query(ctx, lockStrength).Order("id DESC").Take(&domain)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, status.NewDomainNotFoundError("latest")
		}
		log.WithContext(ctx).Errorf("failed to get latest domain from the store: %s", result.Error)
		return nil, status.Errorf(status.Internal, "failed to get domain from store")
	}

	return &domain, nil
}

func (s *SqlStore) CreateDomain(ctx context.Context, domain *types.Domain) error {
	result := s.db.WithContext(ctx).Create(domain)
	if result.Error != nil {
		log.WithContext(ctx).Errorf("failed to create domain in the store: %s", result.Error)
		return status.Errorf(status.Internal, "failed to create domain in store")
	}

	return nil
}

func (s *SqlStore) UpdateDomainServerIP(ctx context.Context, id uint, ip string) error {
	result := s.db.WithContext(ctx).Model(&types.Domain{}).Where(idQueryCondition, id).Update("server_ip", ip)
	if result.Error != nil {
		log.WithContext(ctx).Errorf("failed to update domain server in the store: %s", result.Error)
		return status.Errorf(status.Internal, "failed to update domain in store")
	}

	if result.RowsAffected == 0 {
		return status.NewDomainNotFoundError(fmt.Sprint(id))
	}

	return nil
}

func (s *SqlStore) UpdateDomainStatus(ctx context.Context, id uint, domainStatus types.Toggle) error {
	result := s.db.WithContext(ctx).Model(&types.Domain{}).Where(idQueryCondition, id).Update("status", domainStatus)
	if result.Error != nil {
		log.WithContext(ctx).Errorf("failed to update domain status in the store: %s", result.Error)
		return status.Errorf(status.Internal, "failed to update domain in store")
	}

	if result.RowsAffected == 0 {
		return status.NewDomainNotFoundError(fmt.Sprint(id))
	}

	return nil
}

func (s *SqlStore) CountDomainLiveAccounts(ctx context.Context, lockStrength LockingStrength, domainID uint) (int, error) {
	var count int64
	result := s.query(ctx, lockStrength).Model(&types.Account{}).
		Where("domain_id = ? AND status <> ?", domainID, types.AccountDeleted).
		Count(&count)
	if result.Error != nil {
		log.WithContext(ctx).Errorf("failed to count domain accounts in the store: %s", result.Error)
		return 0, status.Errorf(status.Internal, "failed to count domain accounts")
	}

	return int(count), nil
}

func (s *SqlStore) GetAccountByID(ctx context.Context, lockStrength LockingStrength, id uint) (*types.Account, error) {
	var account types.Account
	result := s.query(ctx, lockStrength).Take(&account, idQueryCondition, id)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, status.NewAccountNotFoundError(fmt.Sprint(id))
		}
		log.WithContext(ctx).Errorf("failed to get account from the store: %s", result.Error)
		return nil, status.Errorf(status.Internal, "failed to get account from store")
	}

	return &account, nil
}

func (s *SqlStore) GetAccountByUsername(ctx context.Context, lockStrength LockingStrength, username string) (*types.Account, error) {
	var account types.Account
	result := s.query(ctx, lockStrength).Take(&account, "username = ?", username)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, status.NewAccountNotFoundError(username)
		}
		log.WithContext(ctx).Errorf("failed to get account from the store: %s", result.Error)
		return nil, status.Errorf(status.Internal, "failed to get account from store")
	}

	return &account, nil
}

func (s *SqlStore) GetAccountsByStatus(ctx context.Context, lockStrength LockingStrength, statuses ...types.AccountStatus) ([]*types.Account, error) {
	var accounts []*types.Account
	result := s.query(ctx, lockStrength).Where("status IN ?", statuses).Order("id").Find(&accounts)
	if result.Error != nil {
		log.WithContext(ctx).Errorf("failed to get accounts from the store: %s", result.Error)
		return nil, status.Errorf(status.Internal, "failed to get accounts from store")
	}

	return accounts, nil
}

func (s *SqlStore) GetAccountsByDomainID(ctx context.Context, lockStrength LockingStrength, domainID uint, statuses ...types.AccountStatus) ([]*types.Account, error) {
	var accounts []*types.Account
	tx := s.query(ctx, lockStrength).Where("domain_id = ?", domainID)
	if len(statuses) > 0 {
		tx = tx.Where("status IN ?", statuses)
	}

	result := tx.Order("id").Find(&accounts)
	if result.Error != nil {
		log.WithContext(ctx).Errorf("failed to get domain accounts from the store: %s", result.Error)
		return nil, status.Errorf(status.Internal, "failed to get accounts from store")
	}

	return accounts, nil
}

func (s *SqlStore) UsernameExists(ctx context.Context, username string) (bool, error) {
	var count int64
	result := s.db.WithContext(ctx).Model(&types.Account{}).Where("username = ?", username).Count(&count)
	if result.Error != nil {
		log.WithContext(ctx).Errorf("failed to look up username in the store: %s", result.Error)
		return false, status.Errorf(status.Internal, "failed to look up username")
	}

	return count > 0, nil
}

func (s *SqlStore) CreateAccount(ctx context.Context, account *types.Account) error {
	result := s.db.WithContext(ctx).Create(account)
	if result.Error != nil {
		log.WithContext(ctx).Errorf("failed to create account in the store: %s", result.Error)
		return status.Errorf(status.Internal, "failed to create account in store")
	}

	return nil
}

func (s *SqlStore) UpdateAccountStatus(ctx context.Context, id uint, newStatus types.AccountStatus) error {
	account, err := s.GetAccountByID(ctx, LockingStrengthUpdate, id)
	if err != nil {
		return err
	}

	if !account.Status.CanTransitionTo(newStatus) {
		return status.Errorf(status.PreconditionFailed, "account %s cannot move from %s to %s", account.Username, account.Status, newStatus)
	}

	result := s.db.WithContext(ctx).Model(&types.Account{}).
		Where("id = ? AND status = ?", id, account.Status).
		Update("status", newStatus)
	if result.Error != nil {
		log.WithContext(ctx).Errorf("failed to update account status in the store: %s", result.Error)
		return status.Errorf(status.Internal, "failed to update account status in store")
	}

	if result.RowsAffected == 0 {
		return status.Errorf(status.PreconditionFailed, "account %s changed status concurrently", account.Username)
	}

	return nil
}

func (s *SqlStore) UpdateAccountExpire(ctx context.Context, id uint, expire time.Time) error {
	result := s.db.WithContext(ctx).Model(&types.Account{}).Where(idQueryCondition, id).Update("expire", expire)
	if result.Error != nil {
		log.WithContext(ctx).Errorf("failed to update account expiry in the store: %s", result.Error)
		return status.Errorf(status.Internal, "failed to update account expiry in store")
	}

	if result.RowsAffected == 0 {
		return status.NewAccountNotFoundError(fmt.Sprint(id))
	}

	return nil
}

func (s *SqlStore) MoveDomainAccounts(ctx context.Context, fromDomainID, toDomainID uint, usernames []string) (int64, error) {
	if len(usernames) == 0 {
		return 0, nil
	}
	return s.moveDomainAccounts(ctx, s.db.WithContext(ctx).Where("username IN ?", usernames), fromDomainID, toDomainID)
}

func (s *SqlStore) MoveAllDomainAccounts(ctx context.Context, fromDomainID, toDomainID uint) (int64, error) {
	return s.moveDomainAccounts(ctx, s.db.WithContext(ctx), fromDomainID, toDomainID)
}

func (s *SqlStore) moveDomainAccounts(ctx context.Context, tx *gorm.DB, fromDomainID, toDomainID uint) (int64, error) {
	result := tx.Model(&types.Account{}).
		Where("domain_id = ? AND status <> ?", fromDomainID, types.AccountDeleted).
		Update("domain_id", toDomainID)
	if result.Error != nil {
		log.WithContext(ctx).Errorf("failed to move accounts between domains in the store: %s", result.Error)
		return 0, status.Errorf(status.Internal, "failed to move accounts in store")
	}

	return result.RowsAffected, nil
}

func (s *SqlStore) GetPlanByID(ctx context.Context, lockStrength LockingStrength, id uint) (*types.Plan, error) {
	var plan types.Plan
	result := s.query(ctx, lockStrength).Take(&plan, idQueryCondition, id)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, status.NewPlanNotFoundError(id)
		}
		log.WithContext(ctx).Errorf("failed to get plan from the store: %s", result.Error)
		return nil, status.Errorf(status.Internal, "failed to get plan from store")
	}

	return &plan, nil
}

func (s *SqlStore) SavePlan(ctx context.Context, plan *types.Plan) error {
	result := s.db.WithContext(ctx).Clauses(clause.OnConflict{UpdateAll: true}).Create(plan)
	if result.Error != nil {
		log.WithContext(ctx).Errorf("failed to save plan to the store: %s", result.Error)
		return status.Errorf(status.Internal, "failed to save plan to store")
	}

	return nil
}

func (s *SqlStore) GetReplacementJob(ctx context.Context, lockStrength LockingStrength, id string) (*types.ReplacementJob, error) {
	var job types.ReplacementJob
	result := s.query(ctx, lockStrength).Take(&job, idQueryCondition, id)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, status.Errorf(status.NotFound, "replacement job not found: %s", id)
		}
		log.WithContext(ctx).Errorf("failed to get replacement job from the store: %s", result.Error)
		return nil, status.Errorf(status.Internal, "failed to get replacement job from store")
	}

	return &job, nil
}

func (s *SqlStore) GetUnfinishedReplacementJobs(ctx context.Context, lockStrength LockingStrength) ([]*types.ReplacementJob, error) {
	var jobs []*types.ReplacementJob
	result := s.query(ctx, lockStrength).Where("phase <> ?", types.PhaseOldDisabled).Order("created_at").Find(&jobs)
	if result.Error != nil {
		log.WithContext(ctx).Errorf("failed to get replacement jobs from the store: %s", result.Error)
		return nil, status.Errorf(status.Internal, "failed to get replacement jobs from store")
	}

	return jobs, nil
}

func (s *SqlStore) SaveReplacementJob(ctx context.Context, job *types.ReplacementJob) error {
	result := s.db.WithContext(ctx).Clauses(clause.OnConflict{UpdateAll: true}).Create(job)
	if result.Error != nil {
		log.WithContext(ctx).Errorf("failed to save replacement job to the store: %s", result.Error)
		return status.Errorf(status.Internal, "failed to save replacement job to store")
	}

	return nil
}

// Close closes the underlying DB connection
func (s *SqlStore) Close(_ context.Context) error {
	sql, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("get db: %w", err)
	}
	return sql.Close()
}

// GetStoreEngine returns underlying store engine
func (s *SqlStore) GetStoreEngine() Engine {
	return s.storeEngine
}

func getGormConfig() *gorm.Config {
	return &gorm.Config{
		Logger:          logger.Default.LogMode(logger.Silent),
		CreateBatchSize: 400,
		PrepareStmt:     true,
	}
}

// NewSqliteStore creates a new SQLite store.
func NewSqliteStore(ctx context.Context, dataDir string, metrics telemetry.AppMetrics) (*SqlStore, error) {
	storeStr := fmt.Sprintf("%s?cache=shared", storeSqliteFileName)
	if runtime.GOOS == "windows" {
		// avoids `The process cannot access the file because it is being used by another process` on Windows
		storeStr = storeSqliteFileName
	}

	file := filepath.Join(dataDir, storeStr)
	db, err := gorm.Open(sqlite.Open(file), getGormConfig())
	if err != nil {
		return nil, err
	}

	return NewSqlStore(ctx, db, SqliteStoreEngine, metrics)
}

// NewPostgresqlStore creates a new Postgres store.
func NewPostgresqlStore(ctx context.Context, dsn string, metrics telemetry.AppMetrics) (*SqlStore, error) {
	db, err := gorm.Open(postgres.Open(dsn), getGormConfig())
	if err != nil {
		return nil, err
	}

	return NewSqlStore(ctx, db, PostgresStoreEngine, metrics)
}

// NewMysqlStore creates a new MySQL store.
func NewMysqlStore(ctx context.Context, dsn string, metrics telemetry.AppMetrics) (*SqlStore, error) {
	db, err := gorm.Open(mysql.Open(dsn+"?charset=utf8&parseTime=True&loc=Local"), getGormConfig())
	if err != nil {
		return nil, err
	}

	return NewSqlStore(ctx, db, MysqlStoreEngine, metrics)
}
