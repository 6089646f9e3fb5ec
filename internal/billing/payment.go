package billing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/bher20/wargabill/internal/changefeed"
	"github.com/bher20/wargabill/internal/metrics"
	"github.com/bher20/wargabill/internal/storage"
)

// Ledger categories for bill payments.
const (
	CategoryCurrent = "PENERIMAAN TAGIHAN"
	CategoryArrears = "PENERIMAAN TUNGGAKAN"
)

type PaymentInput struct {
	BillID        string     `json:"bill_id"`
	AmountPaid    int64      `json:"amount_paid"`
	Method        string     `json:"method"`
	BankAccountID string     `json:"bank_account_id"`
	PaidAt        *time.Time `json:"paid_at"`
	IsEdit        bool       `json:"is_edit"`
}

type PaymentResult struct {
	Bill        storage.Bill         `json:"bill"`
	Transaction *storage.Transaction `json:"transaction,omitempty"`
	Category    string               `json:"category"`
	// Diff is total minus amount paid: positive carries a shortfall,
	// negative carries a credit.
	Diff           int64 `json:"diff"`
	ArrearsBalance int64 `json:"arrears_balance"`
}

func (in PaymentInput) validate() error {
	if in.BillID == "" {
		return validationf("bill_id is required")
	}
	if in.AmountPaid < 0 {
		return validationf("amount_paid must not be negative")
	}
	switch in.Method {
	case storage.MethodCash:
	case storage.MethodTransfer:
		if in.BankAccountID == "" {
			return validationf("bank_account_id is required for TRANSFER payments")
		}
	default:
		return validationf("unknown payment method %q", in.Method)
	}
	return nil
}

// PaymentCategory classifies a payment for the bill's period against the
// current period: earlier periods are arrears receipts.
func PaymentCategory(billPeriod, current Period) string {
	if billPeriod.Before(current) {
		return CategoryArrears
	}
	return CategoryCurrent
}

// PayBill marks a bill paid, carries the difference into the resident's
// arrears balance and books the receipt in the ledger. With IsEdit the
// previous payment is reversed first. Everything commits or nothing does.
func (s *Service) PayBill(ctx context.Context, in PaymentInput) (*PaymentResult, error) {
	if err := in.validate(); err != nil {
		return nil, err
	}

	var res PaymentResult
	var resident storage.Resident
	var reversed *storage.Transaction
	err := s.store.Atomic(ctx, func(tx storage.Storage) error {
		bill, err := tx.GetBill(ctx, in.BillID)
		if err != nil {
			return storeErr("get bill", err)
		}
		if bill == nil {
			return notFound("bill", in.BillID)
		}
		switch {
		case in.IsEdit && bill.Status != storage.BillPaid:
			return validationf("bill %s has no payment to edit", bill.ID)
		case !in.IsEdit && bill.Status == storage.BillPaid:
			return validationf("bill %s is already paid; edit the payment instead", bill.ID)
		}

		r, err := tx.GetResident(ctx, bill.ResidentID)
		if err != nil {
			return storeErr("get resident", err)
		}
		if r == nil {
			return notFound("resident", bill.ResidentID)
		}
		resident = *r

		if in.Method == storage.MethodTransfer {
			acct, err := tx.GetBankAccount(ctx, in.BankAccountID)
			if err != nil {
				return storeErr("get bank account", err)
			}
			if acct == nil {
				return validationf("bank account %q does not exist", in.BankAccountID)
			}
		}

		period := Period{Month: bill.PeriodMonth, Year: bill.PeriodYear}
		res.Category = PaymentCategory(period, s.currentPeriod())

		var oldDiff int64
		if in.IsEdit {
			prior, err := tx.FindIncomeTransactionForBill(ctx, bill.ID)
			if err != nil {
				return storeErr("find previous payment", err)
			}
			if prior != nil {
				if err := reverseTransaction(ctx, tx, *prior); err != nil {
					return err
				}
				reversed = prior
			}
			oldDiff = bill.BookedDiff
		}

		paidAt := s.now()
		if in.PaidAt != nil {
			paidAt = *in.PaidAt
		}
		// The edit reversal and the new difference land in one increment.
		newDiff := bill.Total - in.AmountPaid
		b := *bill
		b.Status = storage.BillPaid
		b.PaidAmount = in.AmountPaid
		b.BookedDiff = newDiff
		b.PaidAt = &paidAt
		b.UpdatedAt = s.now()
		if in.IsEdit {
			b.PaymentEditCount++
		}
		if err := tx.SaveBill(ctx, b); err != nil {
			return storeErr("save bill", err)
		}

		balance, err := tx.AdjustResidentArrears(ctx, resident.ID, newDiff-oldDiff)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return notFound("resident", resident.ID)
			}
			return storeErr("adjust arrears", err)
		}

		if in.AmountPaid > 0 {
			t := storage.Transaction{
				ID:            uuid.NewString(),
				Date:          paidAt,
				Type:          storage.TxIncome,
				Category:      res.Category,
				Description:   paymentDescription(period, resident.HouseNo, newDiff, in.IsEdit),
				Amount:        in.AmountPaid,
				PaymentMethod: in.Method,
				ResidentID:    resident.ID,
				BillID:        b.ID,
				CreatedAt:     s.now(),
			}
			if in.Method == storage.MethodTransfer {
				t.BankAccountID = in.BankAccountID
			}
			if err := tx.CreateTransaction(ctx, t); err != nil {
				return storeErr("create transaction", err)
			}
			if err := applyBankEffect(ctx, tx, t, 1); err != nil {
				return err
			}
			res.Transaction = &t
		}

		res.Bill = b
		res.Diff = newDiff
		res.ArrearsBalance = balance
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("bill paid",
		zap.String("bill_id", res.Bill.ID),
		zap.String("resident_id", resident.ID),
		zap.Int64("amount", in.AmountPaid),
		zap.Int64("diff", res.Diff),
		zap.Int64("arrears_balance", res.ArrearsBalance),
		zap.String("category", res.Category),
		zap.Bool("edit", in.IsEdit))

	changes := []changefeed.Change{
		change(storage.CollectionBills, res.Bill.ID, changefeed.OpUpdate),
		change(storage.CollectionResidents, resident.ID, changefeed.OpUpdate),
	}
	if reversed != nil {
		changes = append(changes, change(storage.CollectionTransactions, reversed.ID, changefeed.OpDelete))
	}
	if res.Transaction != nil {
		changes = append(changes, change(storage.CollectionTransactions, res.Transaction.ID, changefeed.OpCreate))
		if res.Transaction.BankAccountID != "" {
			changes = append(changes, change(storage.CollectionBankAccounts, res.Transaction.BankAccountID, changefeed.OpUpdate))
		}
	}
	s.publish(ctx, changes...)
	metrics.RecordPayment(res.Category, in.Method, in.AmountPaid)

	if s.notifier != nil {
		resident.InitialArrears = res.ArrearsBalance
		receipt := Receipt{
			Resident:       resident,
			Bill:           res.Bill,
			Category:       res.Category,
			Diff:           res.Diff,
			ArrearsBalance: res.ArrearsBalance,
			IsEdit:         in.IsEdit,
		}
		if err := s.notifier.PaymentRecorded(ctx, receipt); err != nil {
			s.logger.Warn("payment receipt not sent", zap.String("bill_id", res.Bill.ID), zap.Error(err))
		}
	}
	return &res, nil
}

func paymentDescription(p Period, houseNo string, diff int64, edit bool) string {
	desc := fmt.Sprintf("Pembayaran %s - Rumah %s", p, houseNo)
	switch {
	case diff > 0:
		desc += " [Kurang Bayar]"
	case diff < 0:
		desc += " [Lebih Bayar]"
	}
	if edit {
		desc += " (Edit)"
	}
	return desc
}
