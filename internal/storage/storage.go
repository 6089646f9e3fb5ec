package storage

import (
	"context"
	"time"
)

// Storage abstracts persistence for residents, billing records, the ledger
// and the supporting service tables. Getters return (nil, nil) when the
// record does not exist.
type Storage interface {
	// Residents
	ListResidents(ctx context.Context) ([]Resident, error)
	GetResident(ctx context.Context, id string) (*Resident, error)
	GetResidentByHouseNo(ctx context.Context, houseNo string) (*Resident, error)
	CreateResident(ctx context.Context, r Resident) error
	// UpdateResident saves profile fields. InitialArrears is never written.
	UpdateResident(ctx context.Context, r Resident) error
	DeleteResident(ctx context.Context, id string) error
	// AdjustResidentArrears adds delta to the stored balance and returns the
	// new value.
	AdjustResidentArrears(ctx context.Context, id string, delta int64) (int64, error)

	// Meter readings
	GetMeterReadingByID(ctx context.Context, id string) (*MeterReading, error)
	// LatestReadingBefore returns the most recent reading strictly before
	// the given period.
	LatestReadingBefore(ctx context.Context, residentID string, month, year int) (*MeterReading, error)
	ListMeterReadings(ctx context.Context, residentID string) ([]MeterReading, error)
	UpsertMeterReading(ctx context.Context, m MeterReading) error
	DeleteMeterReading(ctx context.Context, id string) error

	// Bills
	GetBill(ctx context.Context, id string) (*Bill, error)
	FindBillByPeriod(ctx context.Context, residentID string, month, year int) (*Bill, error)
	ListBills(ctx context.Context, f BillFilter) ([]Bill, error)
	CountBillsByResident(ctx context.Context, residentID string) (int, error)
	CreateBill(ctx context.Context, b Bill) error
	SaveBill(ctx context.Context, b Bill) error
	DeleteBill(ctx context.Context, id string) error

	// Ledger
	CreateTransaction(ctx context.Context, t Transaction) error
	GetTransaction(ctx context.Context, id string) (*Transaction, error)
	FindIncomeTransactionForBill(ctx context.Context, billID string) (*Transaction, error)
	ListTransactions(ctx context.Context, f TransactionFilter) ([]Transaction, error)
	DeleteTransaction(ctx context.Context, id string) error

	// Bank accounts
	ListBankAccounts(ctx context.Context) ([]BankAccount, error)
	GetBankAccount(ctx context.Context, id string) (*BankAccount, error)
	CreateBankAccount(ctx context.Context, a BankAccount) error
	AdjustBankBalance(ctx context.Context, id string, delta int64) (int64, error)
	CreateBankMutation(ctx context.Context, m BankMutation) error
	ListBankMutations(ctx context.Context, accountID string) ([]BankMutation, error)

	// Settings
	GetSetting(ctx context.Context, key string) (string, error)
	SetSetting(ctx context.Context, key, value string) error

	// Batch progress
	SaveBatchProgress(ctx context.Context, p BatchProgress) error
	GetBatchProgress(ctx context.Context, batchID string) (*BatchProgress, error)

	// Users
	CreateUser(ctx context.Context, user User) error
	GetUser(ctx context.Context, id string) (*User, error)
	GetUserByUsername(ctx context.Context, username string) (*User, error)
	UpdateUser(ctx context.Context, user User) error
	DeleteUser(ctx context.Context, id string) error
	ListUsers(ctx context.Context) ([]User, error)

	// Tokens
	CreateToken(ctx context.Context, token Token) error
	GetToken(ctx context.Context, id string) (*Token, error)
	GetTokenByHash(ctx context.Context, hash string) (*Token, error)
	ListTokens(ctx context.Context, userID string) ([]Token, error)
	DeleteToken(ctx context.Context, id string) error
	UpdateTokenLastUsed(ctx context.Context, id string) error

	// Casbin rules
	LoadCasbinRules(ctx context.Context) ([]CasbinRule, error)
	AddCasbinRule(ctx context.Context, rule CasbinRule) error
	RemoveCasbinRule(ctx context.Context, rule CasbinRule) error

	// Email config
	GetEmailConfig(ctx context.Context) (*EmailConfig, error)
	SaveEmailConfig(ctx context.Context, config EmailConfig) error

	// Scheduled jobs & locking
	AcquireAdvisoryLock(ctx context.Context, key int64) (bool, error)
	ReleaseAdvisoryLock(ctx context.Context, key int64) (bool, error)
	UpdateScheduledJob(ctx context.Context, name string, started time.Time, dur time.Duration, success bool, errMsg string) error

	// Atomic runs fn as one unit of work. If fn returns an error every write
	// made through the Storage passed to fn is rolled back. Nested calls
	// join the outer unit of work.
	Atomic(ctx context.Context, fn func(tx Storage) error) error

	Ping(ctx context.Context) error
	// Close releases any resources (no-op for in-memory).
	Close() error
}

// Advisory lock keys.
const (
	LockRecalc int64 = 720001
	LockAudit  int64 = 720002
)
