package billing

import (
	"context"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bher20/wargabill/internal/metrics"
	"github.com/bher20/wargabill/internal/storage"
)

func TestLedger_BankConservation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	acct, err := f.svc.CreateBankAccount(ctx, BankAccountInput{BankName: "Mandiri", AccountNumber: "123", OpeningBalance: 500000})
	require.NoError(t, err)
	assert.Equal(t, int64(500000), acct.Balance)

	in, err := f.svc.RecordTransaction(ctx, TransactionInput{
		Type: storage.TxIncome, Category: "DONASI", Amount: 300000,
		Method: storage.MethodTransfer, BankAccountID: acct.ID,
	})
	require.NoError(t, err)
	_, err = f.svc.RecordTransaction(ctx, TransactionInput{
		Type: storage.TxExpense, Category: "PERBAIKAN POMPA", Amount: 120000,
		Method: storage.MethodTransfer, BankAccountID: acct.ID,
	})
	require.NoError(t, err)
	_, err = f.svc.RecordTransaction(ctx, TransactionInput{
		Type: storage.TxExpense, Category: "KEBERSIHAN", Amount: 50000, Method: storage.MethodCash,
	})
	require.NoError(t, err)
	_, err = f.svc.RecordBankMutation(ctx, BankMutationInput{BankAccountID: acct.ID, Type: storage.MutationKredit, Amount: 1500, Description: "Bunga"})
	require.NoError(t, err)
	_, err = f.svc.RecordBankMutation(ctx, BankMutationInput{BankAccountID: acct.ID, Type: storage.MutationDebit, Amount: 6500, Description: "Biaya admin"})
	require.NoError(t, err)

	got, err := f.store.GetBankAccount(ctx, acct.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(500000+300000-120000+1500-6500), got.Balance)

	require.NoError(t, f.svc.DeleteTransaction(ctx, in.ID))
	got, err = f.store.GetBankAccount(ctx, acct.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(500000-120000+1500-6500), got.Balance)

	drifts, err := f.svc.AuditBankBalances(ctx)
	require.NoError(t, err)
	assert.Empty(t, drifts)
	assert.Equal(t, float64(0), testutil.ToFloat64(metrics.BankBalanceDrift.WithLabelValues(acct.ID)))
}

func TestLedger_Rejections(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	tests := []struct {
		name string
		in   TransactionInput
	}{
		{"bad type", TransactionInput{Type: "GIFT", Category: "X", Amount: 1, Method: storage.MethodCash}},
		{"no category", TransactionInput{Type: storage.TxIncome, Amount: 1, Method: storage.MethodCash}},
		{"zero amount", TransactionInput{Type: storage.TxIncome, Category: "X", Method: storage.MethodCash}},
		{"transfer without account", TransactionInput{Type: storage.TxIncome, Category: "X", Amount: 1, Method: storage.MethodTransfer}},
		{"unknown account", TransactionInput{Type: storage.TxIncome, Category: "X", Amount: 1, Method: storage.MethodTransfer, BankAccountID: "nope"}},
		{"unknown resident", TransactionInput{Type: storage.TxIncome, Category: "X", Amount: 1, Method: storage.MethodCash, ResidentID: "ghost"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.svc.RecordTransaction(ctx, tt.in)
			assert.True(t, IsCode(err, CodeValidation), "got %v", err)
		})
	}

	txs, err := f.store.ListTransactions(ctx, storage.TransactionFilter{})
	require.NoError(t, err)
	assert.Empty(t, txs, "failed entries are rolled back")

	_, err = f.svc.RecordBankMutation(ctx, BankMutationInput{BankAccountID: "nope", Type: storage.MutationKredit, Amount: 1})
	assert.True(t, IsCode(err, CodeNotFound))
	_, err = f.svc.RecordBankMutation(ctx, BankMutationInput{BankAccountID: "nope", Type: "BONUS", Amount: 1})
	assert.True(t, IsCode(err, CodeValidation))

	assert.True(t, IsCode(f.svc.DeleteTransaction(ctx, "missing"), CodeNotFound))
}

func TestLedger_PaymentReceiptCannotBeDeleted(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	r := f.resident(t, "A1", 0)
	b := f.reading(t, r.ID, 3, 2025, 10).Bill
	res, err := f.svc.PayBill(ctx, PaymentInput{BillID: b.ID, AmountPaid: b.Total, Method: storage.MethodCash})
	require.NoError(t, err)

	err = f.svc.DeleteTransaction(ctx, res.Transaction.ID)
	assert.True(t, IsCode(err, CodeValidation))
}

func TestAuditBankBalances_ReportsDrift(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	acct, err := f.svc.CreateBankAccount(ctx, BankAccountInput{BankName: "BNI", AccountNumber: "9", OpeningBalance: 1000})
	require.NoError(t, err)

	// A write that bypassed the ledger.
	_, err = f.store.AdjustBankBalance(ctx, acct.ID, 250)
	require.NoError(t, err)

	drifts, err := f.svc.AuditBankBalances(ctx)
	require.NoError(t, err)
	require.Len(t, drifts, 1)
	assert.Equal(t, BalanceDrift{AccountID: acct.ID, BankName: "BNI", Expected: 1000, Actual: 1250, Drift: 250}, drifts[0])
	assert.Equal(t, float64(250), testutil.ToFloat64(metrics.BankBalanceDrift.WithLabelValues(acct.ID)))
}
