package storage

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

var (
	// ErrNotFound is returned by writes that target a missing record.
	ErrNotFound = errors.New("storage: record not found")
	// ErrDuplicate is returned when a unique key is already taken.
	ErrDuplicate = errors.New("storage: duplicate key")
)

type memData struct {
	residents    map[string]Resident
	readings     map[string]MeterReading
	bills        map[string]Bill
	transactions map[string]Transaction
	accounts     map[string]BankAccount
	mutations    map[string]BankMutation
	settings     map[string]string
	batches      map[string]BatchProgress
	users        map[string]User
	tokens       map[string]Token
	jobs         map[string]ScheduledJob
	rules        []CasbinRule
	emailConfig  *EmailConfig
}

func newMemData() *memData {
	return &memData{
		residents:    make(map[string]Resident),
		readings:     make(map[string]MeterReading),
		bills:        make(map[string]Bill),
		transactions: make(map[string]Transaction),
		accounts:     make(map[string]BankAccount),
		mutations:    make(map[string]BankMutation),
		settings:     make(map[string]string),
		batches:      make(map[string]BatchProgress),
		users:        make(map[string]User),
		tokens:       make(map[string]Token),
		jobs:         make(map[string]ScheduledJob),
	}
}

func cloneMap[K comparable, V any](src map[K]V) map[K]V {
	dst := make(map[K]V, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}

func (d *memData) clone() *memData {
	c := &memData{
		residents:    cloneMap(d.residents),
		readings:     cloneMap(d.readings),
		bills:        cloneMap(d.bills),
		transactions: cloneMap(d.transactions),
		accounts:     cloneMap(d.accounts),
		mutations:    cloneMap(d.mutations),
		settings:     cloneMap(d.settings),
		batches:      cloneMap(d.batches),
		users:        cloneMap(d.users),
		tokens:       cloneMap(d.tokens),
		jobs:         cloneMap(d.jobs),
		rules:        append([]CasbinRule(nil), d.rules...),
	}
	if d.emailConfig != nil {
		cfg := *d.emailConfig
		c.emailConfig = &cfg
	}
	return c
}

type memShared struct {
	txMu  sync.Mutex   // serializes units of work and standalone writes
	mu    sync.RWMutex // guards data and locks
	data  *memData
	locks map[int64]bool
}

// MemoryStorage is an in-memory Storage implementation, useful for tests and
// simple single-process deployments. Units of work are serialized and
// rolled back to a snapshot on error.
type MemoryStorage struct {
	shared *memShared
	inTx   bool
}

// NewMemory returns an empty MemoryStorage.
func NewMemory() *MemoryStorage {
	return &MemoryStorage{shared: &memShared{data: newMemData(), locks: make(map[int64]bool)}}
}

func (m *MemoryStorage) Close() error { return nil }

func (m *MemoryStorage) Ping(ctx context.Context) error { return ctx.Err() }

func (m *MemoryStorage) read(fn func(d *memData)) {
	m.shared.mu.RLock()
	defer m.shared.mu.RUnlock()
	fn(m.shared.data)
}

func (m *MemoryStorage) write(fn func(d *memData) error) error {
	if !m.inTx {
		m.shared.txMu.Lock()
		defer m.shared.txMu.Unlock()
	}
	m.shared.mu.Lock()
	defer m.shared.mu.Unlock()
	return fn(m.shared.data)
}

func (m *MemoryStorage) Atomic(ctx context.Context, fn func(tx Storage) error) error {
	if m.inTx {
		return fn(m)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	m.shared.txMu.Lock()
	defer m.shared.txMu.Unlock()

	m.shared.mu.RLock()
	snapshot := m.shared.data.clone()
	m.shared.mu.RUnlock()

	if err := fn(&MemoryStorage{shared: m.shared, inTx: true}); err != nil {
		m.shared.mu.Lock()
		m.shared.data = snapshot
		m.shared.mu.Unlock()
		return err
	}
	return nil
}

// Residents

func (m *MemoryStorage) ListResidents(ctx context.Context) ([]Resident, error) {
	var out []Resident
	m.read(func(d *memData) {
		out = make([]Resident, 0, len(d.residents))
		for _, r := range d.residents {
			out = append(out, cloneResident(r))
		}
	})
	sort.Slice(out, func(i, j int) bool { return out[i].HouseNo < out[j].HouseNo })
	return out, nil
}

func (m *MemoryStorage) GetResident(ctx context.Context, id string) (*Resident, error) {
	var out *Resident
	m.read(func(d *memData) {
		if r, ok := d.residents[id]; ok {
			cp := cloneResident(r)
			out = &cp
		}
	})
	return out, nil
}

func (m *MemoryStorage) GetResidentByHouseNo(ctx context.Context, houseNo string) (*Resident, error) {
	var out *Resident
	m.read(func(d *memData) {
		for _, r := range d.residents {
			if r.HouseNo == houseNo {
				cp := cloneResident(r)
				out = &cp
				return
			}
		}
	})
	return out, nil
}

func (m *MemoryStorage) CreateResident(ctx context.Context, r Resident) error {
	return m.write(func(d *memData) error {
		if _, ok := d.residents[r.ID]; ok {
			return ErrDuplicate
		}
		for _, other := range d.residents {
			if other.HouseNo == r.HouseNo {
				return ErrDuplicate
			}
		}
		d.residents[r.ID] = cloneResident(r)
		return nil
	})
}

func (m *MemoryStorage) UpdateResident(ctx context.Context, r Resident) error {
	return m.write(func(d *memData) error {
		old, ok := d.residents[r.ID]
		if !ok {
			return ErrNotFound
		}
		for _, other := range d.residents {
			if other.ID != r.ID && other.HouseNo == r.HouseNo {
				return ErrDuplicate
			}
		}
		r.InitialArrears = old.InitialArrears
		r.CreatedAt = old.CreatedAt
		d.residents[r.ID] = cloneResident(r)
		return nil
	})
}

func (m *MemoryStorage) DeleteResident(ctx context.Context, id string) error {
	return m.write(func(d *memData) error {
		delete(d.residents, id)
		return nil
	})
}

func (m *MemoryStorage) AdjustResidentArrears(ctx context.Context, id string, delta int64) (int64, error) {
	var balance int64
	err := m.write(func(d *memData) error {
		r, ok := d.residents[id]
		if !ok {
			return ErrNotFound
		}
		r.InitialArrears += delta
		r.UpdatedAt = time.Now()
		d.residents[id] = r
		balance = r.InitialArrears
		return nil
	})
	return balance, err
}

func cloneResident(r Resident) Resident {
	r.Exemptions = append([]string(nil), r.Exemptions...)
	r.ActiveCustomFees = append([]string(nil), r.ActiveCustomFees...)
	return r
}

// Meter readings

func (m *MemoryStorage) GetMeterReadingByID(ctx context.Context, id string) (*MeterReading, error) {
	var out *MeterReading
	m.read(func(d *memData) {
		if r, ok := d.readings[id]; ok {
			out = &r
		}
	})
	return out, nil
}

func (m *MemoryStorage) LatestReadingBefore(ctx context.Context, residentID string, month, year int) (*MeterReading, error) {
	var out *MeterReading
	m.read(func(d *memData) {
		for _, r := range d.readings {
			if r.ResidentID != residentID || !periodBefore(r.PeriodYear, r.PeriodMonth, year, month) {
				continue
			}
			if out == nil || periodBefore(out.PeriodYear, out.PeriodMonth, r.PeriodYear, r.PeriodMonth) {
				cp := r
				out = &cp
			}
		}
	})
	return out, nil
}

func (m *MemoryStorage) ListMeterReadings(ctx context.Context, residentID string) ([]MeterReading, error) {
	var out []MeterReading
	m.read(func(d *memData) {
		for _, r := range d.readings {
			if residentID == "" || r.ResidentID == residentID {
				out = append(out, r)
			}
		}
	})
	sort.Slice(out, func(i, j int) bool {
		if out[i].PeriodYear != out[j].PeriodYear {
			return out[i].PeriodYear > out[j].PeriodYear
		}
		if out[i].PeriodMonth != out[j].PeriodMonth {
			return out[i].PeriodMonth > out[j].PeriodMonth
		}
		return out[i].ResidentID < out[j].ResidentID
	})
	return out, nil
}

func (m *MemoryStorage) UpsertMeterReading(ctx context.Context, r MeterReading) error {
	return m.write(func(d *memData) error {
		for id, other := range d.readings {
			if id != r.ID && other.ResidentID == r.ResidentID &&
				other.PeriodMonth == r.PeriodMonth && other.PeriodYear == r.PeriodYear {
				return ErrDuplicate
			}
		}
		if old, ok := d.readings[r.ID]; ok && r.CreatedAt.IsZero() {
			r.CreatedAt = old.CreatedAt
		}
		d.readings[r.ID] = r
		return nil
	})
}

func (m *MemoryStorage) DeleteMeterReading(ctx context.Context, id string) error {
	return m.write(func(d *memData) error {
		delete(d.readings, id)
		return nil
	})
}

func periodBefore(y1, m1, y2, m2 int) bool {
	return y1 < y2 || (y1 == y2 && m1 < m2)
}

// Bills

func (m *MemoryStorage) GetBill(ctx context.Context, id string) (*Bill, error) {
	var out *Bill
	m.read(func(d *memData) {
		if b, ok := d.bills[id]; ok {
			out = &b
		}
	})
	return out, nil
}

func (m *MemoryStorage) FindBillByPeriod(ctx context.Context, residentID string, month, year int) (*Bill, error) {
	var out *Bill
	m.read(func(d *memData) {
		for _, b := range d.bills {
			if b.ResidentID == residentID && b.PeriodMonth == month && b.PeriodYear == year {
				cp := b
				out = &cp
				return
			}
		}
	})
	return out, nil
}

func (m *MemoryStorage) ListBills(ctx context.Context, f BillFilter) ([]Bill, error) {
	var out []Bill
	m.read(func(d *memData) {
		for _, b := range d.bills {
			if f.ResidentID != "" && b.ResidentID != f.ResidentID {
				continue
			}
			if f.Status != "" && b.Status != f.Status {
				continue
			}
			if f.Month != 0 && b.PeriodMonth != f.Month {
				continue
			}
			if f.Year != 0 && b.PeriodYear != f.Year {
				continue
			}
			out = append(out, b)
		}
	})
	sort.Slice(out, func(i, j int) bool {
		if out[i].PeriodYear != out[j].PeriodYear {
			return out[i].PeriodYear < out[j].PeriodYear
		}
		if out[i].PeriodMonth != out[j].PeriodMonth {
			return out[i].PeriodMonth < out[j].PeriodMonth
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (m *MemoryStorage) CountBillsByResident(ctx context.Context, residentID string) (int, error) {
	n := 0
	m.read(func(d *memData) {
		for _, b := range d.bills {
			if b.ResidentID == residentID {
				n++
			}
		}
	})
	return n, nil
}

func (m *MemoryStorage) CreateBill(ctx context.Context, b Bill) error {
	return m.write(func(d *memData) error {
		if _, ok := d.bills[b.ID]; ok {
			return ErrDuplicate
		}
		if billPeriodTaken(d, b) {
			return ErrDuplicate
		}
		d.bills[b.ID] = b
		return nil
	})
}

func (m *MemoryStorage) SaveBill(ctx context.Context, b Bill) error {
	return m.write(func(d *memData) error {
		if billPeriodTaken(d, b) {
			return ErrDuplicate
		}
		d.bills[b.ID] = b
		return nil
	})
}

func billPeriodTaken(d *memData, b Bill) bool {
	for id, other := range d.bills {
		if id != b.ID && other.ResidentID == b.ResidentID &&
			other.PeriodMonth == b.PeriodMonth && other.PeriodYear == b.PeriodYear {
			return true
		}
	}
	return false
}

func (m *MemoryStorage) DeleteBill(ctx context.Context, id string) error {
	return m.write(func(d *memData) error {
		delete(d.bills, id)
		return nil
	})
}

// Ledger

func (m *MemoryStorage) CreateTransaction(ctx context.Context, t Transaction) error {
	return m.write(func(d *memData) error {
		if _, ok := d.transactions[t.ID]; ok {
			return ErrDuplicate
		}
		d.transactions[t.ID] = t
		return nil
	})
}

func (m *MemoryStorage) GetTransaction(ctx context.Context, id string) (*Transaction, error) {
	var out *Transaction
	m.read(func(d *memData) {
		if t, ok := d.transactions[id]; ok {
			out = &t
		}
	})
	return out, nil
}

func (m *MemoryStorage) FindIncomeTransactionForBill(ctx context.Context, billID string) (*Transaction, error) {
	var out *Transaction
	m.read(func(d *memData) {
		for _, t := range d.transactions {
			if t.BillID != billID || t.Type != TxIncome {
				continue
			}
			if out == nil || t.CreatedAt.After(out.CreatedAt) {
				cp := t
				out = &cp
			}
		}
	})
	return out, nil
}

func (m *MemoryStorage) ListTransactions(ctx context.Context, f TransactionFilter) ([]Transaction, error) {
	var out []Transaction
	m.read(func(d *memData) {
		for _, t := range d.transactions {
			if f.ResidentID != "" && t.ResidentID != f.ResidentID {
				continue
			}
			if f.BankAccountID != "" && t.BankAccountID != f.BankAccountID {
				continue
			}
			if f.BillID != "" && t.BillID != f.BillID {
				continue
			}
			if f.Type != "" && t.Type != f.Type {
				continue
			}
			if !f.From.IsZero() && t.Date.Before(f.From) {
				continue
			}
			if !f.To.IsZero() && t.Date.After(f.To) {
				continue
			}
			out = append(out, t)
		}
	})
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Date.Equal(out[j].Date) {
			return out[i].Date.After(out[j].Date)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (m *MemoryStorage) DeleteTransaction(ctx context.Context, id string) error {
	return m.write(func(d *memData) error {
		delete(d.transactions, id)
		return nil
	})
}

// Bank accounts

func (m *MemoryStorage) ListBankAccounts(ctx context.Context) ([]BankAccount, error) {
	var out []BankAccount
	m.read(func(d *memData) {
		for _, a := range d.accounts {
			out = append(out, a)
		}
	})
	sort.Slice(out, func(i, j int) bool {
		if out[i].BankName != out[j].BankName {
			return out[i].BankName < out[j].BankName
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (m *MemoryStorage) GetBankAccount(ctx context.Context, id string) (*BankAccount, error) {
	var out *BankAccount
	m.read(func(d *memData) {
		if a, ok := d.accounts[id]; ok {
			out = &a
		}
	})
	return out, nil
}

func (m *MemoryStorage) CreateBankAccount(ctx context.Context, a BankAccount) error {
	return m.write(func(d *memData) error {
		if _, ok := d.accounts[a.ID]; ok {
			return ErrDuplicate
		}
		d.accounts[a.ID] = a
		return nil
	})
}

func (m *MemoryStorage) AdjustBankBalance(ctx context.Context, id string, delta int64) (int64, error) {
	var balance int64
	err := m.write(func(d *memData) error {
		a, ok := d.accounts[id]
		if !ok {
			return ErrNotFound
		}
		a.Balance += delta
		a.UpdatedAt = time.Now()
		d.accounts[id] = a
		balance = a.Balance
		return nil
	})
	return balance, err
}

func (m *MemoryStorage) CreateBankMutation(ctx context.Context, mu BankMutation) error {
	return m.write(func(d *memData) error {
		if _, ok := d.mutations[mu.ID]; ok {
			return ErrDuplicate
		}
		d.mutations[mu.ID] = mu
		return nil
	})
}

func (m *MemoryStorage) ListBankMutations(ctx context.Context, accountID string) ([]BankMutation, error) {
	var out []BankMutation
	m.read(func(d *memData) {
		for _, mu := range d.mutations {
			if accountID == "" || mu.BankAccountID == accountID {
				out = append(out, mu)
			}
		}
	})
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Date.Equal(out[j].Date) {
			return out[i].Date.After(out[j].Date)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// Settings

func (m *MemoryStorage) GetSetting(ctx context.Context, key string) (string, error) {
	var v string
	m.read(func(d *memData) { v = d.settings[key] })
	return v, nil
}

func (m *MemoryStorage) SetSetting(ctx context.Context, key, value string) error {
	return m.write(func(d *memData) error {
		d.settings[key] = value
		return nil
	})
}

// Batch progress

func (m *MemoryStorage) SaveBatchProgress(ctx context.Context, p BatchProgress) error {
	return m.write(func(d *memData) error {
		d.batches[p.BatchID] = p
		return nil
	})
}

func (m *MemoryStorage) GetBatchProgress(ctx context.Context, batchID string) (*BatchProgress, error) {
	var out *BatchProgress
	m.read(func(d *memData) {
		if p, ok := d.batches[batchID]; ok {
			out = &p
		}
	})
	return out, nil
}

// Users

func (m *MemoryStorage) CreateUser(ctx context.Context, user User) error {
	return m.write(func(d *memData) error {
		for _, u := range d.users {
			if u.Username == user.Username {
				return ErrDuplicate
			}
		}
		d.users[user.ID] = user
		return nil
	})
}

func (m *MemoryStorage) GetUser(ctx context.Context, id string) (*User, error) {
	var out *User
	m.read(func(d *memData) {
		if u, ok := d.users[id]; ok {
			out = &u
		}
	})
	return out, nil
}

func (m *MemoryStorage) GetUserByUsername(ctx context.Context, username string) (*User, error) {
	var out *User
	m.read(func(d *memData) {
		for _, u := range d.users {
			if u.Username == username {
				cp := u
				out = &cp
				return
			}
		}
	})
	return out, nil
}

func (m *MemoryStorage) UpdateUser(ctx context.Context, user User) error {
	return m.write(func(d *memData) error {
		if _, ok := d.users[user.ID]; !ok {
			return ErrNotFound
		}
		d.users[user.ID] = user
		return nil
	})
}

func (m *MemoryStorage) DeleteUser(ctx context.Context, id string) error {
	return m.write(func(d *memData) error {
		delete(d.users, id)
		return nil
	})
}

func (m *MemoryStorage) ListUsers(ctx context.Context) ([]User, error) {
	var out []User
	m.read(func(d *memData) {
		for _, u := range d.users {
			out = append(out, u)
		}
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Username < out[j].Username })
	return out, nil
}

// Tokens

func (m *MemoryStorage) CreateToken(ctx context.Context, token Token) error {
	return m.write(func(d *memData) error {
		d.tokens[token.ID] = token
		return nil
	})
}

func (m *MemoryStorage) GetToken(ctx context.Context, id string) (*Token, error) {
	var out *Token
	m.read(func(d *memData) {
		if t, ok := d.tokens[id]; ok {
			out = &t
		}
	})
	return out, nil
}

func (m *MemoryStorage) GetTokenByHash(ctx context.Context, hash string) (*Token, error) {
	var out *Token
	m.read(func(d *memData) {
		for _, t := range d.tokens {
			if t.TokenHash == hash {
				cp := t
				out = &cp
				return
			}
		}
	})
	return out, nil
}

func (m *MemoryStorage) ListTokens(ctx context.Context, userID string) ([]Token, error) {
	var out []Token
	m.read(func(d *memData) {
		for _, t := range d.tokens {
			if t.UserID == userID {
				out = append(out, t)
			}
		}
	})
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryStorage) DeleteToken(ctx context.Context, id string) error {
	return m.write(func(d *memData) error {
		delete(d.tokens, id)
		return nil
	})
}

func (m *MemoryStorage) UpdateTokenLastUsed(ctx context.Context, id string) error {
	return m.write(func(d *memData) error {
		if t, ok := d.tokens[id]; ok {
			now := time.Now()
			t.LastUsedAt = &now
			d.tokens[id] = t
		}
		return nil
	})
}

// Casbin rules

func (m *MemoryStorage) LoadCasbinRules(ctx context.Context) ([]CasbinRule, error) {
	var out []CasbinRule
	m.read(func(d *memData) { out = append(out, d.rules...) })
	return out, nil
}

func (m *MemoryStorage) AddCasbinRule(ctx context.Context, rule CasbinRule) error {
	return m.write(func(d *memData) error {
		rule.ID = uint(len(d.rules) + 1)
		d.rules = append(d.rules, rule)
		return nil
	})
}

func (m *MemoryStorage) RemoveCasbinRule(ctx context.Context, rule CasbinRule) error {
	return m.write(func(d *memData) error {
		kept := d.rules[:0]
		for _, r := range d.rules {
			if !sameRule(r, rule) {
				kept = append(kept, r)
			}
		}
		d.rules = kept
		return nil
	})
}

func sameRule(a, b CasbinRule) bool {
	return a.PType == b.PType && a.V0 == b.V0 && a.V1 == b.V1 && a.V2 == b.V2 &&
		a.V3 == b.V3 && a.V4 == b.V4 && a.V5 == b.V5
}

// Email config

func (m *MemoryStorage) GetEmailConfig(ctx context.Context) (*EmailConfig, error) {
	var out *EmailConfig
	m.read(func(d *memData) {
		if d.emailConfig != nil {
			cfg := *d.emailConfig
			out = &cfg
		}
	})
	return out, nil
}

func (m *MemoryStorage) SaveEmailConfig(ctx context.Context, config EmailConfig) error {
	return m.write(func(d *memData) error {
		if config.ID == "" {
			config.ID = "default"
		}
		d.emailConfig = &config
		return nil
	})
}

// Scheduled jobs & locking. Locks are process-local.

func (m *MemoryStorage) AcquireAdvisoryLock(ctx context.Context, key int64) (bool, error) {
	m.shared.mu.Lock()
	defer m.shared.mu.Unlock()
	if m.shared.locks[key] {
		return false, nil
	}
	m.shared.locks[key] = true
	return true, nil
}

func (m *MemoryStorage) ReleaseAdvisoryLock(ctx context.Context, key int64) (bool, error) {
	m.shared.mu.Lock()
	defer m.shared.mu.Unlock()
	held := m.shared.locks[key]
	delete(m.shared.locks, key)
	return held, nil
}

func (m *MemoryStorage) UpdateScheduledJob(ctx context.Context, name string, started time.Time, dur time.Duration, success bool, errMsg string) error {
	status := 0
	if success {
		status = 1
	}
	return m.write(func(d *memData) error {
		d.jobs[name] = ScheduledJob{
			Name:           name,
			LastRunAt:      started,
			LastDurationMs: dur.Milliseconds(),
			LastSuccess:    status,
			LastError:      errMsg,
		}
		return nil
	})
}
