package billing

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/bher20/wargabill/internal/changefeed"
	"github.com/bher20/wargabill/internal/metrics"
	"github.com/bher20/wargabill/internal/storage"
)

type TransactionInput struct {
	Date          time.Time `json:"date"`
	Type          string    `json:"type"`
	Category      string    `json:"category"`
	Description   string    `json:"description"`
	Amount        int64     `json:"amount"`
	Method        string    `json:"method"`
	BankAccountID string    `json:"bank_account_id"`
	ResidentID    string    `json:"resident_id"`
}

func (in TransactionInput) validate() error {
	if in.Type != storage.TxIncome && in.Type != storage.TxExpense {
		return validationf("unknown transaction type %q", in.Type)
	}
	if strings.TrimSpace(in.Category) == "" {
		return validationf("category is required")
	}
	if in.Amount <= 0 {
		return validationf("amount must be positive")
	}
	switch in.Method {
	case storage.MethodCash:
	case storage.MethodTransfer:
		if in.BankAccountID == "" {
			return validationf("bank_account_id is required for TRANSFER")
		}
	default:
		return validationf("unknown payment method %q", in.Method)
	}
	return nil
}

// RecordTransaction books a manual ledger entry. TRANSFER entries move the
// bank balance in the same unit of work.
func (s *Service) RecordTransaction(ctx context.Context, in TransactionInput) (*storage.Transaction, error) {
	if err := in.validate(); err != nil {
		return nil, err
	}
	t := storage.Transaction{
		ID:            uuid.NewString(),
		Date:          in.Date,
		Type:          in.Type,
		Category:      strings.TrimSpace(in.Category),
		Description:   in.Description,
		Amount:        in.Amount,
		PaymentMethod: in.Method,
		ResidentID:    in.ResidentID,
		CreatedAt:     s.now(),
	}
	if t.Date.IsZero() {
		t.Date = t.CreatedAt
	}
	if in.Method == storage.MethodTransfer {
		t.BankAccountID = in.BankAccountID
	}

	err := s.store.Atomic(ctx, func(tx storage.Storage) error {
		if t.ResidentID != "" {
			r, err := tx.GetResident(ctx, t.ResidentID)
			if err != nil {
				return storeErr("get resident", err)
			}
			if r == nil {
				return validationf("resident %q does not exist", t.ResidentID)
			}
		}
		if err := tx.CreateTransaction(ctx, t); err != nil {
			return storeErr("create transaction", err)
		}
		return applyBankEffect(ctx, tx, t, 1)
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("transaction recorded",
		zap.String("transaction_id", t.ID),
		zap.String("type", t.Type),
		zap.String("category", t.Category),
		zap.Int64("amount", t.Amount))
	changes := []changefeed.Change{change(storage.CollectionTransactions, t.ID, changefeed.OpCreate)}
	if t.BankAccountID != "" {
		changes = append(changes, change(storage.CollectionBankAccounts, t.BankAccountID, changefeed.OpUpdate))
	}
	s.publish(ctx, changes...)
	return &t, nil
}

// DeleteTransaction removes a manual entry and undoes its bank effect.
// Payment receipts are changed through a payment edit instead.
func (s *Service) DeleteTransaction(ctx context.Context, id string) error {
	var deleted storage.Transaction
	err := s.store.Atomic(ctx, func(tx storage.Storage) error {
		t, err := tx.GetTransaction(ctx, id)
		if err != nil {
			return storeErr("get transaction", err)
		}
		if t == nil {
			return notFound("transaction", id)
		}
		if t.BillID != "" {
			return validationf("transaction %s belongs to bill %s; edit the payment instead", t.ID, t.BillID)
		}
		deleted = *t
		return reverseTransaction(ctx, tx, *t)
	})
	if err != nil {
		return err
	}

	s.logger.Info("transaction deleted", zap.String("transaction_id", id), zap.Int64("amount", deleted.Amount))
	changes := []changefeed.Change{change(storage.CollectionTransactions, id, changefeed.OpDelete)}
	if deleted.BankAccountID != "" {
		changes = append(changes, change(storage.CollectionBankAccounts, deleted.BankAccountID, changefeed.OpUpdate))
	}
	s.publish(ctx, changes...)
	return nil
}

func (s *Service) ListTransactions(ctx context.Context, f storage.TransactionFilter) ([]storage.Transaction, error) {
	out, err := s.store.ListTransactions(ctx, f)
	return out, storeErr("list transactions", err)
}

// reverseTransaction deletes t and takes its amount back out of the bank.
func reverseTransaction(ctx context.Context, tx storage.Storage, t storage.Transaction) error {
	if err := tx.DeleteTransaction(ctx, t.ID); err != nil {
		return storeErr("delete transaction", err)
	}
	return applyBankEffect(ctx, tx, t, -1)
}

// applyBankEffect moves the bank balance for a TRANSFER entry: INCOME adds,
// EXPENSE subtracts. sign -1 undoes a previous application.
func applyBankEffect(ctx context.Context, tx storage.Storage, t storage.Transaction, sign int64) error {
	if t.PaymentMethod != storage.MethodTransfer || t.BankAccountID == "" {
		return nil
	}
	delta := t.Amount
	if t.Type == storage.TxExpense {
		delta = -delta
	}
	if _, err := tx.AdjustBankBalance(ctx, t.BankAccountID, sign*delta); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return validationf("bank account %q does not exist", t.BankAccountID)
		}
		return storeErr("adjust bank balance", err)
	}
	return nil
}

type BankAccountInput struct {
	BankName       string `json:"bank_name"`
	AccountNumber  string `json:"account_number"`
	AccountHolder  string `json:"account_holder"`
	OpeningBalance int64  `json:"opening_balance"`
}

func (s *Service) CreateBankAccount(ctx context.Context, in BankAccountInput) (*storage.BankAccount, error) {
	if strings.TrimSpace(in.BankName) == "" {
		return nil, validationf("bank_name is required")
	}
	if strings.TrimSpace(in.AccountNumber) == "" {
		return nil, validationf("account_number is required")
	}
	now := s.now()
	a := storage.BankAccount{
		ID:             uuid.NewString(),
		BankName:       strings.TrimSpace(in.BankName),
		AccountNumber:  strings.TrimSpace(in.AccountNumber),
		AccountHolder:  in.AccountHolder,
		OpeningBalance: in.OpeningBalance,
		Balance:        in.OpeningBalance,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.store.CreateBankAccount(ctx, a); err != nil {
		return nil, storeErr("create bank account", err)
	}
	s.logger.Info("bank account created", zap.String("account_id", a.ID), zap.String("bank", a.BankName))
	s.publish(ctx, change(storage.CollectionBankAccounts, a.ID, changefeed.OpCreate))
	return &a, nil
}

func (s *Service) ListBankAccounts(ctx context.Context) ([]storage.BankAccount, error) {
	out, err := s.store.ListBankAccounts(ctx)
	return out, storeErr("list bank accounts", err)
}

type BankMutationInput struct {
	BankAccountID string    `json:"bank_account_id"`
	Date          time.Time `json:"date"`
	Type          string    `json:"type"`
	Amount        int64     `json:"amount"`
	Description   string    `json:"description"`
}

// RecordBankMutation books a bank-only movement such as interest (KREDIT)
// or an admin fee (DEBIT) and adjusts the balance.
func (s *Service) RecordBankMutation(ctx context.Context, in BankMutationInput) (*storage.BankMutation, error) {
	if in.BankAccountID == "" {
		return nil, validationf("bank_account_id is required")
	}
	if in.Amount <= 0 {
		return nil, validationf("amount must be positive")
	}
	var delta int64
	switch in.Type {
	case storage.MutationKredit:
		delta = in.Amount
	case storage.MutationDebit:
		delta = -in.Amount
	default:
		return nil, validationf("unknown mutation type %q", in.Type)
	}

	m := storage.BankMutation{
		ID:            uuid.NewString(),
		BankAccountID: in.BankAccountID,
		Date:          in.Date,
		Type:          in.Type,
		Amount:        in.Amount,
		Description:   in.Description,
		CreatedAt:     s.now(),
	}
	if m.Date.IsZero() {
		m.Date = m.CreatedAt
	}
	err := s.store.Atomic(ctx, func(tx storage.Storage) error {
		acct, err := tx.GetBankAccount(ctx, in.BankAccountID)
		if err != nil {
			return storeErr("get bank account", err)
		}
		if acct == nil {
			return notFound("bank account", in.BankAccountID)
		}
		if err := tx.CreateBankMutation(ctx, m); err != nil {
			return storeErr("create bank mutation", err)
		}
		_, err = tx.AdjustBankBalance(ctx, in.BankAccountID, delta)
		return storeErr("adjust bank balance", err)
	})
	if err != nil {
		return nil, err
	}

	s.publish(ctx,
		change(storage.CollectionBankMutations, m.ID, changefeed.OpCreate),
		change(storage.CollectionBankAccounts, m.BankAccountID, changefeed.OpUpdate))
	return &m, nil
}

func (s *Service) ListBankMutations(ctx context.Context, accountID string) ([]storage.BankMutation, error) {
	out, err := s.store.ListBankMutations(ctx, accountID)
	return out, storeErr("list bank mutations", err)
}

// BalanceDrift is a bank account whose stored balance disagrees with its
// ledger history.
type BalanceDrift struct {
	AccountID string `json:"account_id"`
	BankName  string `json:"bank_name"`
	Expected  int64  `json:"expected"`
	Actual    int64  `json:"actual"`
	Drift     int64  `json:"drift"`
}

// AuditBankBalances recomputes every balance as opening balance plus
// TRANSFER income minus TRANSFER expense plus KREDIT minus DEBIT and returns
// the accounts that disagree.
func (s *Service) AuditBankBalances(ctx context.Context) ([]BalanceDrift, error) {
	accounts, err := s.store.ListBankAccounts(ctx)
	if err != nil {
		return nil, storeErr("list bank accounts", err)
	}
	drifts := []BalanceDrift{}
	for _, a := range accounts {
		expected := a.OpeningBalance

		txs, err := s.store.ListTransactions(ctx, storage.TransactionFilter{BankAccountID: a.ID})
		if err != nil {
			return nil, storeErr("list transactions", err)
		}
		for _, t := range txs {
			if t.PaymentMethod != storage.MethodTransfer {
				continue
			}
			if t.Type == storage.TxExpense {
				expected -= t.Amount
			} else {
				expected += t.Amount
			}
		}

		muts, err := s.store.ListBankMutations(ctx, a.ID)
		if err != nil {
			return nil, storeErr("list bank mutations", err)
		}
		for _, m := range muts {
			if m.Type == storage.MutationDebit {
				expected -= m.Amount
			} else {
				expected += m.Amount
			}
		}

		drift := a.Balance - expected
		metrics.BankBalanceDrift.WithLabelValues(a.ID).Set(float64(drift))
		if drift != 0 {
			s.logger.Warn("bank balance drift",
				zap.String("account_id", a.ID),
				zap.Int64("expected", expected),
				zap.Int64("actual", a.Balance))
			drifts = append(drifts, BalanceDrift{
				AccountID: a.ID,
				BankName:  a.BankName,
				Expected:  expected,
				Actual:    a.Balance,
				Drift:     drift,
			})
		}
	}
	return drifts, nil
}
