package storage

import "time"

// Collection names, used for change notifications and logging.
const (
	CollectionResidents     = "residents"
	CollectionBills         = "bills"
	CollectionMeterReadings = "meter_readings"
	CollectionTransactions  = "transactions"
	CollectionBankAccounts  = "bank_accounts"
	CollectionBankMutations = "bank_mutations"
	CollectionSettings      = "app_settings"
)

// Resident is a household registered with the association.
type Resident struct {
	ID               string    `json:"id" gorm:"primaryKey;column:id"`
	HouseNo          string    `json:"house_no" gorm:"uniqueIndex;column:house_no"`
	Name             string    `json:"name" gorm:"column:name"`
	Phone            string    `json:"phone" gorm:"column:phone"`
	Email            string    `json:"email,omitempty" gorm:"column:email"`
	InitialMeter     int64     `json:"initial_meter" gorm:"column:initial_meter"`
	InitialArrears   int64     `json:"initial_arrears" gorm:"column:initial_arrears"`
	IsDispensation   bool      `json:"is_dispensation" gorm:"column:is_dispensation"`
	Exemptions       []string  `json:"exemptions" gorm:"column:exemptions;serializer:json"`
	ActiveCustomFees []string  `json:"active_custom_fees" gorm:"column:active_custom_fees;serializer:json"`
	CreatedAt        time.Time `json:"created_at" gorm:"column:created_at"`
	UpdatedAt        time.Time `json:"updated_at" gorm:"column:updated_at"`
}

// MeterReading is one water meter capture for a resident and period.
type MeterReading struct {
	ID             string    `json:"id" gorm:"primaryKey;column:id"`
	ResidentID     string    `json:"resident_id" gorm:"column:resident_id;uniqueIndex:idx_meter_period,priority:1"`
	PeriodMonth    int       `json:"period_month" gorm:"column:period_month;uniqueIndex:idx_meter_period,priority:2"`
	PeriodYear     int       `json:"period_year" gorm:"column:period_year;uniqueIndex:idx_meter_period,priority:3"`
	MeterValue     int64     `json:"meter_value" gorm:"column:meter_value"`
	PrevMeterValue int64     `json:"prev_meter_value" gorm:"column:prev_meter_value"`
	Usage          int64     `json:"usage" gorm:"column:usage"`
	PhotoURL       string    `json:"photo_url,omitempty" gorm:"column:photo_url"`
	OperatorName   string    `json:"operator_name,omitempty" gorm:"column:operator_name"`
	CreatedAt      time.Time `json:"created_at" gorm:"column:created_at"`
	UpdatedAt      time.Time `json:"updated_at" gorm:"column:updated_at"`
}

// Bill status values.
const (
	BillUnpaid = "UNPAID"
	BillPaid   = "PAID"
)

// Bill origin values.
const (
	BillSourceMeter  = "METER"
	BillSourceManual = "MANUAL"
)

// Bill is the amount owed by a resident for one period.
type Bill struct {
	ID               string     `json:"id" gorm:"primaryKey;column:id"`
	ResidentID       string     `json:"resident_id" gorm:"column:resident_id;uniqueIndex:idx_bill_period,priority:1"`
	PeriodMonth      int        `json:"period_month" gorm:"column:period_month;uniqueIndex:idx_bill_period,priority:2"`
	PeriodYear       int        `json:"period_year" gorm:"column:period_year;uniqueIndex:idx_bill_period,priority:3"`
	WaterUsage       int64      `json:"water_usage" gorm:"column:water_usage"`
	WaterCost        int64      `json:"water_cost" gorm:"column:water_cost"`
	IPLCost          int64      `json:"ipl_cost" gorm:"column:ipl_cost"`
	KasRTCost        int64      `json:"kas_rt_cost" gorm:"column:kas_rt_cost"`
	AbodemenCost     int64      `json:"abodemen_cost" gorm:"column:abodemen_cost"`
	ExtraCost        int64      `json:"extra_cost" gorm:"column:extra_cost"`
	Arrears          int64      `json:"arrears" gorm:"column:arrears"`
	Total            int64      `json:"total" gorm:"column:total"`
	Status           string     `json:"status" gorm:"column:status;index"`
	PaidAmount       int64      `json:"paid_amount" gorm:"column:paid_amount"`
	PaidAt           *time.Time `json:"paid_at,omitempty" gorm:"column:paid_at"`
	PaymentEditCount int        `json:"payment_edit_count" gorm:"column:payment_edit_count"`
	// BookedDiff is the shortfall added to arrears by the current payment.
	BookedDiff       int64      `json:"booked_diff" gorm:"column:booked_diff"`
	Source           string     `json:"source" gorm:"column:source"`
	CreatedAt        time.Time  `json:"created_at" gorm:"column:created_at"`
	UpdatedAt        time.Time  `json:"updated_at" gorm:"column:updated_at"`
}

// Transaction types.
const (
	TxIncome  = "INCOME"
	TxExpense = "EXPENSE"
)

// Payment methods.
const (
	MethodCash     = "CASH"
	MethodTransfer = "TRANSFER"
)

// Transaction is a ledger entry.
type Transaction struct {
	ID            string    `json:"id" gorm:"primaryKey;column:id"`
	Date          time.Time `json:"date" gorm:"column:date;index"`
	Type          string    `json:"type" gorm:"column:type"`
	Category      string    `json:"category" gorm:"column:category"`
	Description   string    `json:"description" gorm:"column:description"`
	Amount        int64     `json:"amount" gorm:"column:amount"`
	PaymentMethod string    `json:"payment_method" gorm:"column:payment_method"`
	BankAccountID string    `json:"bank_account_id,omitempty" gorm:"column:bank_account_id;index"`
	ResidentID    string    `json:"resident_id,omitempty" gorm:"column:resident_id;index"`
	BillID        string    `json:"bill_id,omitempty" gorm:"column:bill_id;index"`
	CreatedAt     time.Time `json:"created_at" gorm:"column:created_at"`
}

// BankAccount holds the association's money at a bank.
type BankAccount struct {
	ID             string    `json:"id" gorm:"primaryKey;column:id"`
	BankName       string    `json:"bank_name" gorm:"column:bank_name"`
	AccountNumber  string    `json:"account_number" gorm:"column:account_number"`
	AccountHolder  string    `json:"account_holder" gorm:"column:account_holder"`
	OpeningBalance int64     `json:"opening_balance" gorm:"column:opening_balance"`
	Balance        int64     `json:"balance" gorm:"column:balance"`
	CreatedAt      time.Time `json:"created_at" gorm:"column:created_at"`
	UpdatedAt      time.Time `json:"updated_at" gorm:"column:updated_at"`
}

// Bank mutation directions.
const (
	MutationKredit = "KREDIT"
	MutationDebit  = "DEBIT"
)

// BankMutation is a bank-side movement not tied to a ledger entry, such as
// interest or admin fees.
type BankMutation struct {
	ID            string    `json:"id" gorm:"primaryKey;column:id"`
	BankAccountID string    `json:"bank_account_id" gorm:"column:bank_account_id;index"`
	Date          time.Time `json:"date" gorm:"column:date"`
	Type          string    `json:"type" gorm:"column:type"`
	Amount        int64     `json:"amount" gorm:"column:amount"`
	Description   string    `json:"description" gorm:"column:description"`
	CreatedAt     time.Time `json:"created_at" gorm:"column:created_at"`
}

// BatchProgress tracks one bulk recalculation run.
type BatchProgress struct {
	BatchID    string     `json:"batch_id" gorm:"primaryKey;column:batch_id"`
	Job        string     `json:"job" gorm:"column:job"`
	Status     string     `json:"status" gorm:"column:status"`
	Total      int        `json:"total" gorm:"column:total"`
	Processed  int        `json:"processed" gorm:"column:processed"`
	Updated    int        `json:"updated" gorm:"column:updated"`
	Skipped    int        `json:"skipped" gorm:"column:skipped"`
	Error      string     `json:"error,omitempty" gorm:"column:error"`
	StartedAt  time.Time  `json:"started_at" gorm:"column:started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty" gorm:"column:finished_at"`
}

// BillFilter narrows ListBills. Zero values match everything.
type BillFilter struct {
	ResidentID string
	Status     string
	Month      int
	Year       int
}

// TransactionFilter narrows ListTransactions. Zero values match everything.
type TransactionFilter struct {
	ResidentID    string
	BankAccountID string
	BillID        string
	Type          string
	From          time.Time
	To            time.Time
}

// User represents a registered user in the system.
type User struct {
	ID           string    `json:"id" gorm:"primaryKey;column:id"`
	Username     string    `json:"username" gorm:"unique;column:username"`
	DisplayName  string    `json:"display_name" gorm:"column:display_name"`
	ResidentID   string    `json:"resident_id,omitempty" gorm:"column:resident_id"`
	PasswordHash string    `json:"-" gorm:"column:password_hash"`
	Role         string    `json:"role" gorm:"column:role"`
	CreatedAt    time.Time `json:"created_at" gorm:"column:created_at"`
	UpdatedAt    time.Time `json:"updated_at" gorm:"column:updated_at"`
}

// Token represents an API access token.
type Token struct {
	ID         string     `json:"id" gorm:"primaryKey;column:id"`
	UserID     string     `json:"user_id" gorm:"column:user_id"`
	Name       string     `json:"name" gorm:"column:name"`
	TokenHash  string     `json:"-" gorm:"column:token_hash"`
	Role       string     `json:"role" gorm:"column:role"`
	CreatedAt  time.Time  `json:"created_at" gorm:"column:created_at"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty" gorm:"column:expires_at"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty" gorm:"column:last_used_at"`
}

// CasbinRule represents a policy rule for RBAC.
type CasbinRule struct {
	ID    uint   `gorm:"primaryKey"`
	PType string `json:"ptype" gorm:"column:ptype"`
	V0    string `json:"v0" gorm:"column:v0"`
	V1    string `json:"v1" gorm:"column:v1"`
	V2    string `json:"v2" gorm:"column:v2"`
	V3    string `json:"v3" gorm:"column:v3"`
	V4    string `json:"v4" gorm:"column:v4"`
	V5    string `json:"v5" gorm:"column:v5"`
}

// EmailConfig holds configuration for receipt e-mails.
type EmailConfig struct {
	ID          string    `json:"id" gorm:"primaryKey;column:id"`
	Provider    string    `json:"provider" gorm:"column:provider"` // "smtp", "sendgrid"
	Host        string    `json:"host,omitempty" gorm:"column:host"`
	Port        int       `json:"port,omitempty" gorm:"column:port"`
	Username    string    `json:"username,omitempty" gorm:"column:username"`
	Password    string    `json:"password,omitempty" gorm:"column:password"`
	FromAddress string    `json:"from_address" gorm:"column:from_address"`
	FromName    string    `json:"from_name" gorm:"column:from_name"`
	APIKey      string    `json:"api_key,omitempty" gorm:"column:api_key"`
	Encryption  string    `json:"encryption,omitempty" gorm:"column:encryption"` // "none", "ssl", "tls"
	Enabled     bool      `json:"enabled" gorm:"column:enabled"`
	CreatedAt   time.Time `json:"created_at" gorm:"column:created_at"`
	UpdatedAt   time.Time `json:"updated_at" gorm:"column:updated_at"`
}

// Setting is a key/value row in app_settings.
type Setting struct {
	Key       string    `gorm:"primaryKey;column:key"`
	Value     string    `gorm:"column:value"`
	UpdatedAt time.Time `gorm:"column:updated_at"`
}

// TableName keeps the collection name used by the rest of the system.
func (Setting) TableName() string { return CollectionSettings }

// ScheduledJob records the last run of a background job.
type ScheduledJob struct {
	Name           string    `gorm:"primaryKey;column:name"`
	LastRunAt      time.Time `gorm:"column:last_run_at"`
	LastDurationMs int64     `gorm:"column:last_duration_ms"`
	LastSuccess    int       `gorm:"column:last_success"`
	LastError      string    `gorm:"column:last_error"`
}

func (BatchProgress) TableName() string { return "batch_progress" }
