package storage

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

type GormStorage struct {
	db    *gorm.DB
	inTx  bool
	locks *sessionLocks
}

// sessionLocks pins every held advisory lock to the pooled connection that
// took it. Postgres only releases a session lock from its owning session.
type sessionLocks struct {
	mu   sync.Mutex
	pool *sql.DB
	held map[int64]*sql.Conn
}

func NewGormStorage(driver, dsn string) (*GormStorage, error) {
	var dialector gorm.Dialector
	switch driver {
	case "postgres":
		dialector = postgres.Open(dsn)
	case "sqlite":
		dialector = sqlite.Open(dsn)
	default:
		return nil, fmt.Errorf("unsupported driver: %s", driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Warn),
		TranslateError: true,
	})
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	if driver == "sqlite" {
		// One writer; also keeps ":memory:" databases on a single connection.
		sqlDB.SetMaxOpenConns(1)
	}

	return &GormStorage{
		db:    db,
		locks: &sessionLocks{pool: sqlDB, held: make(map[int64]*sql.Conn)},
	}, nil
}

// DB exposes the underlying handle for migrations.
func (s *GormStorage) DB() *gorm.DB { return s.db }

func (s *GormStorage) Migrate(ctx context.Context) error {
	return s.db.WithContext(ctx).AutoMigrate(
		&Resident{},
		&MeterReading{},
		&Bill{},
		&Transaction{},
		&BankAccount{},
		&BankMutation{},
		&BatchProgress{},
		&Setting{},
		&User{},
		&Token{},
		&CasbinRule{},
		&EmailConfig{},
		&ScheduledJob{},
	)
}

func (s *GormStorage) Atomic(ctx context.Context, fn func(tx Storage) error) error {
	if s.inTx {
		return fn(s)
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&GormStorage{db: tx, inTx: true, locks: s.locks})
	})
}

// first returns the first matching row, or nil when there is none.
func first[T any](q *gorm.DB, conds ...any) (*T, error) {
	var out T
	if err := q.First(&out, conds...).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &out, nil
}

func translate(err error) error {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return fmt.Errorf("%w: %v", ErrDuplicate, err)
	}
	return err
}

// Residents

func (s *GormStorage) ListResidents(ctx context.Context) ([]Resident, error) {
	var out []Resident
	err := s.db.WithContext(ctx).Order("house_no").Find(&out).Error
	return out, err
}

func (s *GormStorage) GetResident(ctx context.Context, id string) (*Resident, error) {
	return first[Resident](s.db.WithContext(ctx), "id = ?", id)
}

func (s *GormStorage) GetResidentByHouseNo(ctx context.Context, houseNo string) (*Resident, error) {
	return first[Resident](s.db.WithContext(ctx), "house_no = ?", houseNo)
}

func (s *GormStorage) CreateResident(ctx context.Context, r Resident) error {
	return translate(s.db.WithContext(ctx).Create(&r).Error)
}

func (s *GormStorage) UpdateResident(ctx context.Context, r Resident) error {
	res := s.db.WithContext(ctx).Model(&r).
		Select("house_no", "name", "phone", "email", "initial_meter",
			"is_dispensation", "exemptions", "active_custom_fees", "updated_at").
		Updates(r)
	if res.Error != nil {
		return translate(res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *GormStorage) DeleteResident(ctx context.Context, id string) error {
	return s.db.WithContext(ctx).Delete(&Resident{}, "id = ?", id).Error
}

func (s *GormStorage) AdjustResidentArrears(ctx context.Context, id string, delta int64) (int64, error) {
	return s.increment(ctx, &Resident{}, "initial_arrears", id, delta)
}

// increment applies "col = col + delta" in SQL and reads back the result.
func (s *GormStorage) increment(ctx context.Context, model any, column, id string, delta int64) (int64, error) {
	db := s.db.WithContext(ctx)
	res := db.Model(model).Where("id = ?", id).Updates(map[string]any{
		column:       gorm.Expr(column+" + ?", delta),
		"updated_at": time.Now(),
	})
	if res.Error != nil {
		return 0, res.Error
	}
	if res.RowsAffected == 0 {
		return 0, ErrNotFound
	}
	var values []int64
	if err := db.Model(model).Where("id = ?", id).Pluck(column, &values).Error; err != nil {
		return 0, err
	}
	if len(values) == 0 {
		return 0, ErrNotFound
	}
	return values[0], nil
}

// Meter readings

func (s *GormStorage) GetMeterReadingByID(ctx context.Context, id string) (*MeterReading, error) {
	return first[MeterReading](s.db.WithContext(ctx), "id = ?", id)
}

func (s *GormStorage) LatestReadingBefore(ctx context.Context, residentID string, month, year int) (*MeterReading, error) {
	q := s.db.WithContext(ctx).
		Where("resident_id = ?", residentID).
		Where("period_year < ? OR (period_year = ? AND period_month < ?)", year, year, month).
		Order("period_year desc, period_month desc")
	return first[MeterReading](q)
}

func (s *GormStorage) ListMeterReadings(ctx context.Context, residentID string) ([]MeterReading, error) {
	q := s.db.WithContext(ctx).Order("period_year desc, period_month desc, resident_id")
	if residentID != "" {
		q = q.Where("resident_id = ?", residentID)
	}
	var out []MeterReading
	err := q.Find(&out).Error
	return out, err
}

func (s *GormStorage) UpsertMeterReading(ctx context.Context, m MeterReading) error {
	return translate(s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"meter_value", "prev_meter_value", "usage", "photo_url", "operator_name", "updated_at"}),
	}).Create(&m).Error)
}

func (s *GormStorage) DeleteMeterReading(ctx context.Context, id string) error {
	return s.db.WithContext(ctx).Delete(&MeterReading{}, "id = ?", id).Error
}

// Bills

func (s *GormStorage) GetBill(ctx context.Context, id string) (*Bill, error) {
	return first[Bill](s.db.WithContext(ctx), "id = ?", id)
}

func (s *GormStorage) FindBillByPeriod(ctx context.Context, residentID string, month, year int) (*Bill, error) {
	return first[Bill](s.db.WithContext(ctx),
		"resident_id = ? AND period_month = ? AND period_year = ?", residentID, month, year)
}

func (s *GormStorage) ListBills(ctx context.Context, f BillFilter) ([]Bill, error) {
	q := s.db.WithContext(ctx).Order("period_year, period_month, id")
	if f.ResidentID != "" {
		q = q.Where("resident_id = ?", f.ResidentID)
	}
	if f.Status != "" {
		q = q.Where("status = ?", f.Status)
	}
	if f.Month != 0 {
		q = q.Where("period_month = ?", f.Month)
	}
	if f.Year != 0 {
		q = q.Where("period_year = ?", f.Year)
	}
	var out []Bill
	err := q.Find(&out).Error
	return out, err
}

func (s *GormStorage) CountBillsByResident(ctx context.Context, residentID string) (int, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&Bill{}).Where("resident_id = ?", residentID).Count(&n).Error
	return int(n), err
}

func (s *GormStorage) CreateBill(ctx context.Context, b Bill) error {
	return translate(s.db.WithContext(ctx).Create(&b).Error)
}

func (s *GormStorage) SaveBill(ctx context.Context, b Bill) error {
	return translate(s.db.WithContext(ctx).Save(&b).Error)
}

func (s *GormStorage) DeleteBill(ctx context.Context, id string) error {
	return s.db.WithContext(ctx).Delete(&Bill{}, "id = ?", id).Error
}

// Ledger

func (s *GormStorage) CreateTransaction(ctx context.Context, t Transaction) error {
	return translate(s.db.WithContext(ctx).Create(&t).Error)
}

func (s *GormStorage) GetTransaction(ctx context.Context, id string) (*Transaction, error) {
	return first[Transaction](s.db.WithContext(ctx), "id = ?", id)
}

func (s *GormStorage) FindIncomeTransactionForBill(ctx context.Context, billID string) (*Transaction, error) {
	q := s.db.WithContext(ctx).Where("bill_id = ? AND type = ?", billID, TxIncome).Order("created_at desc")
	return first[Transaction](q)
}

func (s *GormStorage) ListTransactions(ctx context.Context, f TransactionFilter) ([]Transaction, error) {
	q := s.db.WithContext(ctx).Order("date desc, id")
	if f.ResidentID != "" {
		q = q.Where("resident_id = ?", f.ResidentID)
	}
	if f.BankAccountID != "" {
		q = q.Where("bank_account_id = ?", f.BankAccountID)
	}
	if f.BillID != "" {
		q = q.Where("bill_id = ?", f.BillID)
	}
	if f.Type != "" {
		q = q.Where("type = ?", f.Type)
	}
	if !f.From.IsZero() {
		q = q.Where("date >= ?", f.From)
	}
	if !f.To.IsZero() {
		q = q.Where("date <= ?", f.To)
	}
	var out []Transaction
	err := q.Find(&out).Error
	return out, err
}

func (s *GormStorage) DeleteTransaction(ctx context.Context, id string) error {
	return s.db.WithContext(ctx).Delete(&Transaction{}, "id = ?", id).Error
}

// Bank accounts

func (s *GormStorage) ListBankAccounts(ctx context.Context) ([]BankAccount, error) {
	var out []BankAccount
	err := s.db.WithContext(ctx).Order("bank_name, id").Find(&out).Error
	return out, err
}

func (s *GormStorage) GetBankAccount(ctx context.Context, id string) (*BankAccount, error) {
	return first[BankAccount](s.db.WithContext(ctx), "id = ?", id)
}

func (s *GormStorage) CreateBankAccount(ctx context.Context, a BankAccount) error {
	return translate(s.db.WithContext(ctx).Create(&a).Error)
}

func (s *GormStorage) AdjustBankBalance(ctx context.Context, id string, delta int64) (int64, error) {
	return s.increment(ctx, &BankAccount{}, "balance", id, delta)
}

func (s *GormStorage) CreateBankMutation(ctx context.Context, m BankMutation) error {
	return translate(s.db.WithContext(ctx).Create(&m).Error)
}

func (s *GormStorage) ListBankMutations(ctx context.Context, accountID string) ([]BankMutation, error) {
	q := s.db.WithContext(ctx).Order("date desc, id")
	if accountID != "" {
		q = q.Where("bank_account_id = ?", accountID)
	}
	var out []BankMutation
	err := q.Find(&out).Error
	return out, err
}

// Settings

func (s *GormStorage) GetSetting(ctx context.Context, key string) (string, error) {
	setting, err := first[Setting](s.db.WithContext(ctx), "key = ?", key)
	if err != nil || setting == nil {
		return "", err
	}
	return setting.Value, nil
}

func (s *GormStorage) SetSetting(ctx context.Context, key, value string) error {
	setting := Setting{
		Key:       key,
		Value:     value,
		UpdatedAt: time.Now(),
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "key"}},
		UpdateAll: true,
	}).Create(&setting).Error
}

// BatchProgress

func (s *GormStorage) SaveBatchProgress(ctx context.Context, p BatchProgress) error {
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "batch_id"}},
		UpdateAll: true,
	}).Create(&p).Error
}

func (s *GormStorage) GetBatchProgress(ctx context.Context, batchID string) (*BatchProgress, error) {
	return first[BatchProgress](s.db.WithContext(ctx), "batch_id = ?", batchID)
}

// Users

func (s *GormStorage) CreateUser(ctx context.Context, user User) error {
	return translate(s.db.WithContext(ctx).Create(&user).Error)
}

func (s *GormStorage) GetUser(ctx context.Context, id string) (*User, error) {
	return first[User](s.db.WithContext(ctx), "id = ?", id)
}

func (s *GormStorage) GetUserByUsername(ctx context.Context, username string) (*User, error) {
	return first[User](s.db.WithContext(ctx), "username = ?", username)
}

func (s *GormStorage) UpdateUser(ctx context.Context, user User) error {
	return s.db.WithContext(ctx).Save(&user).Error
}

func (s *GormStorage) DeleteUser(ctx context.Context, id string) error {
	return s.db.WithContext(ctx).Delete(&User{}, "id = ?", id).Error
}

func (s *GormStorage) ListUsers(ctx context.Context) ([]User, error) {
	var users []User
	err := s.db.WithContext(ctx).Order("username").Find(&users).Error
	return users, err
}

// Tokens

func (s *GormStorage) CreateToken(ctx context.Context, token Token) error {
	return s.db.WithContext(ctx).Create(&token).Error
}

func (s *GormStorage) GetToken(ctx context.Context, id string) (*Token, error) {
	return first[Token](s.db.WithContext(ctx), "id = ?", id)
}

func (s *GormStorage) GetTokenByHash(ctx context.Context, hash string) (*Token, error) {
	return first[Token](s.db.WithContext(ctx), "token_hash = ?", hash)
}

func (s *GormStorage) ListTokens(ctx context.Context, userID string) ([]Token, error) {
	var tokens []Token
	err := s.db.WithContext(ctx).Order("created_at").Find(&tokens, "user_id = ?", userID).Error
	return tokens, err
}

func (s *GormStorage) DeleteToken(ctx context.Context, id string) error {
	return s.db.WithContext(ctx).Delete(&Token{}, "id = ?", id).Error
}

func (s *GormStorage) UpdateTokenLastUsed(ctx context.Context, id string) error {
	now := time.Now()
	return s.db.WithContext(ctx).Model(&Token{}).Where("id = ?", id).Update("last_used_at", now).Error
}

// Casbin Rules

func (s *GormStorage) LoadCasbinRules(ctx context.Context) ([]CasbinRule, error) {
	var rules []CasbinRule
	err := s.db.WithContext(ctx).Order("id").Find(&rules).Error
	return rules, err
}

func (s *GormStorage) AddCasbinRule(ctx context.Context, rule CasbinRule) error {
	rule.ID = 0
	return s.db.WithContext(ctx).Create(&rule).Error
}

func (s *GormStorage) RemoveCasbinRule(ctx context.Context, rule CasbinRule) error {
	return s.db.WithContext(ctx).
		Where("ptype = ? AND v0 = ? AND v1 = ? AND v2 = ? AND v3 = ? AND v4 = ? AND v5 = ?",
			rule.PType, rule.V0, rule.V1, rule.V2, rule.V3, rule.V4, rule.V5).
		Delete(&CasbinRule{}).Error
}

// Email Config

func (s *GormStorage) GetEmailConfig(ctx context.Context) (*EmailConfig, error) {
	return first[EmailConfig](s.db.WithContext(ctx).Order("id"))
}

func (s *GormStorage) SaveEmailConfig(ctx context.Context, config EmailConfig) error {
	if config.ID == "" {
		config.ID = "default"
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		UpdateAll: true,
	}).Create(&config).Error
}

// Close & Ping

// Stats reports connection pool statistics.
func (s *GormStorage) Stats() sql.DBStats {
	sqlDB, err := s.db.DB()
	if err != nil {
		return sql.DBStats{}
	}
	return sqlDB.Stats()
}

// Driver returns the dialect name.
func (s *GormStorage) Driver() string { return s.db.Dialector.Name() }

func (s *GormStorage) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *GormStorage) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Scheduled Jobs & Locking

func (s *GormStorage) AcquireAdvisoryLock(ctx context.Context, key int64) (bool, error) {
	s.locks.mu.Lock()
	defer s.locks.mu.Unlock()
	if _, held := s.locks.held[key]; held {
		return false, nil
	}
	if s.db.Dialector.Name() != "postgres" {
		// SQLite has no advisory locks; a single instance owns the file.
		s.locks.held[key] = nil
		return true, nil
	}

	conn, err := s.locks.pool.Conn(ctx)
	if err != nil {
		return false, err
	}
	var ok bool
	if err := conn.QueryRowContext(ctx, "SELECT pg_try_advisory_lock($1)", key).Scan(&ok); err != nil || !ok {
		conn.Close()
		return false, err
	}
	s.locks.held[key] = conn
	return true, nil
}

// ReleaseAdvisoryLock reports false when this instance did not hold key.
func (s *GormStorage) ReleaseAdvisoryLock(ctx context.Context, key int64) (bool, error) {
	s.locks.mu.Lock()
	conn, held := s.locks.held[key]
	delete(s.locks.held, key)
	s.locks.mu.Unlock()
	if !held {
		return false, nil
	}
	if conn == nil {
		return true, nil
	}
	defer conn.Close()

	var ok bool
	err := conn.QueryRowContext(ctx, "SELECT pg_advisory_unlock($1)", key).Scan(&ok)
	if err != nil || !ok {
		// Drop the session so the server frees whatever it still holds.
		_ = conn.Raw(func(any) error { return driver.ErrBadConn })
	}
	return ok, err
}

func (s *GormStorage) UpdateScheduledJob(ctx context.Context, name string, started time.Time, dur time.Duration, success bool, errMsg string) error {
	status := 0
	if success {
		status = 1
	}
	job := ScheduledJob{
		Name:           name,
		LastRunAt:      started,
		LastDurationMs: dur.Milliseconds(),
		LastSuccess:    status,
		LastError:      errMsg,
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "name"}},
		UpdateAll: true,
	}).Create(&job).Error
}
