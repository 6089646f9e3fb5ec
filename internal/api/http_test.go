package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bher20/wargabill/internal/auth"
	"github.com/bher20/wargabill/internal/billing"
	"github.com/bher20/wargabill/internal/notification"
	"github.com/bher20/wargabill/internal/storage"
)

var (
	jakarta  = time.FixedZone("WIB", 7*60*60)
	fixedNow = time.Date(2025, time.March, 15, 10, 0, 0, 0, jakarta)
)

type testServer struct {
	store   storage.Storage
	billing *billing.Service
	auth    *auth.Service
	handler http.Handler
}

func newTestServer(t *testing.T, withAuth bool) *testServer {
	t.Helper()
	st := storage.NewMemory()
	svc := billing.NewService(st,
		billing.WithClock(func() time.Time { return fixedNow }),
		billing.WithLocation(jakarta),
		billing.WithBatchDelay(0),
	)
	ts := &testServer{store: st, billing: svc}
	d := Deps{
		Store:         st,
		Billing:       svc,
		Notifications: notification.NewService(st, nil, jakarta),
	}
	if withAuth {
		a, err := auth.NewService(st, "24h", nil)
		require.NoError(t, err)
		ts.auth = a
		d.Auth = a
	}
	ts.handler = NewMux(d)
	return ts
}

func (ts *testServer) do(t *testing.T, method, path string, body any, token string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func TestHealthEndpoints(t *testing.T) {
	ts := newTestServer(t, false)

	for path, want := range map[string]string{"/healthz": "ok", "/livez": "live", "/readyz": "ready"} {
		rec := ts.do(t, http.MethodGet, path, nil, "")
		assert.Equal(t, http.StatusOK, rec.Code, path)
		assert.Equal(t, want, rec.Body.String(), path)
	}

	rec := ts.do(t, http.MethodGet, "/metrics", nil, "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestBillingFlow(t *testing.T) {
	ts := newTestServer(t, false)

	rec := ts.do(t, http.MethodPost, "/api/v1/residents", map[string]any{
		"house_no": "A1", "name": "Budi", "initial_meter": 100,
	}, "")
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	resident := decodeBody[storage.Resident](t, rec)

	rec = ts.do(t, http.MethodPost, "/api/v1/readings", map[string]any{
		"resident_id": resident.ID, "month": 3, "year": 2025, "meter_value": 115,
	}, "")
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	reading := decodeBody[billing.ReadingResult](t, rec)
	assert.Equal(t, int64(15), reading.Bill.WaterUsage)
	assert.Equal(t, int64(237500), reading.Bill.Total)

	rec = ts.do(t, http.MethodGet, "/api/v1/bills?status=UNPAID&month=3&year=2025", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decodeBody[[]storage.Bill](t, rec), 1)

	rec = ts.do(t, http.MethodPost, "/api/v1/bills/"+reading.Bill.ID+"/pay", map[string]any{
		"amount_paid": 200000, "method": "CASH",
	}, "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	paid := decodeBody[billing.PaymentResult](t, rec)
	assert.Equal(t, storage.BillPaid, paid.Bill.Status)
	assert.Equal(t, billing.CategoryCurrent, paid.Category)
	assert.Equal(t, int64(37500), paid.ArrearsBalance)

	rec = ts.do(t, http.MethodGet, "/api/v1/transactions?resident_id="+resident.ID, nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	txs := decodeBody[[]storage.Transaction](t, rec)
	require.Len(t, txs, 1)
	assert.Equal(t, int64(200000), txs[0].Amount)

	rec = ts.do(t, http.MethodPost, "/api/v1/bills/"+reading.Bill.ID+"/pay", map[string]any{
		"amount_paid": 200000, "method": "CASH",
	}, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = ts.do(t, http.MethodDelete, "/api/v1/residents/"+resident.ID, nil, "")
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, string(billing.CodeReferenced), decodeBody[errorResponse](t, rec).Code)
}

func TestRequestValidation(t *testing.T) {
	ts := newTestServer(t, false)

	rec := ts.do(t, http.MethodPost, "/api/v1/readings", map[string]any{
		"resident_id": "r1", "month": 13, "year": 2025, "meter_value": 10,
	}, "")
	require.Equal(t, http.StatusBadRequest, rec.Code)
	body := decodeBody[errorResponse](t, rec)
	assert.Equal(t, string(billing.CodeValidation), body.Code)
	assert.Contains(t, body.Fields, "month")

	rec = ts.do(t, http.MethodPost, "/api/v1/residents", map[string]any{"house_no": "A1", "unknown": true}, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = ts.do(t, http.MethodPost, "/api/v1/bills/x/pay", map[string]any{"amount_paid": 10, "method": "TRANSFER"}, "")
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, decodeBody[errorResponse](t, rec).Fields, "bank_account_id")

	rec = ts.do(t, http.MethodGet, "/api/v1/bills?month=abc", nil, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = ts.do(t, http.MethodPost, "/api/v1/arrears?on_conflict=maybe", map[string]any{
		"resident_id": "r1", "month": 1, "year": 2025, "amount": 1000,
	}, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestNotFound(t *testing.T) {
	ts := newTestServer(t, false)

	rec := ts.do(t, http.MethodPost, "/api/v1/bills/missing/pay", map[string]any{"amount_paid": 10, "method": "CASH"}, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, string(billing.CodeNotFound), decodeBody[errorResponse](t, rec).Code)

	rec = ts.do(t, http.MethodGet, "/api/v1/recalculate/nope", nil, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestArrearConflict(t *testing.T) {
	ts := newTestServer(t, false)
	ctx := context.Background()

	r, err := ts.billing.CreateResident(ctx, billing.ResidentInput{HouseNo: "B2", Name: "Sari"})
	require.NoError(t, err)

	arrear := map[string]any{"resident_id": r.ID, "month": 1, "year": 2025, "amount": 50000}
	rec := ts.do(t, http.MethodPost, "/api/v1/arrears", arrear, "")
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	arrear["amount"] = 75000
	rec = ts.do(t, http.MethodPost, "/api/v1/arrears", arrear, "")
	require.Equal(t, http.StatusConflict, rec.Code)
	body := decodeBody[errorResponse](t, rec)
	assert.Equal(t, string(billing.CodeDuplicatePeriod), body.Code)
	assert.NotNil(t, body.Details)

	rec = ts.do(t, http.MethodPost, "/api/v1/arrears?on_conflict=replace", arrear, "")
	require.Equal(t, http.StatusOK, rec.Code)
	res := decodeBody[billing.ArrearResult](t, rec)
	assert.Equal(t, billing.ArrearReplaced, res.Outcome)
	assert.Equal(t, int64(75000), res.Bill.Total)

	rec = ts.do(t, http.MethodPost, "/api/v1/arrears/import", map[string]any{
		"rows": []map[string]any{
			{"resident_id": r.ID, "month": 1, "year": 2025, "amount": 1},
			{"resident_id": r.ID, "month": 2, "year": 2025, "amount": 40000},
			{"resident_id": "ghost", "month": 2, "year": 2025, "amount": 40000},
		},
	}, "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	imp := decodeBody[billing.ImportResult](t, rec)
	assert.Equal(t, 1, imp.Inserted)
	assert.Equal(t, 1, imp.Skipped)
	require.Len(t, imp.Failed, 1)
	assert.Equal(t, 2, imp.Failed[0].Row)
}

func TestTariffAndRecalculate(t *testing.T) {
	ts := newTestServer(t, false)

	rec := ts.do(t, http.MethodGet, "/api/v1/tariff", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	cfg := decodeBody[map[string]any](t, rec)
	assert.Contains(t, cfg, "fixed_fees")

	rec = ts.do(t, http.MethodPut, "/api/v1/tariff", map[string]any{
		"fixed_fees": map[string]any{"ipl_base": -1},
	}, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = ts.do(t, http.MethodPost, "/api/v1/recalculate", nil, "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	res := decodeBody[billing.RecalcResult](t, rec)
	require.NotEmpty(t, res.BatchID)

	rec = ts.do(t, http.MethodGet, "/api/v1/recalculate/"+res.BatchID, nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	p := decodeBody[storage.BatchProgress](t, rec)
	assert.Equal(t, billing.BatchCompleted, p.Status)
}

func TestLedgerEndpoints(t *testing.T) {
	ts := newTestServer(t, false)

	rec := ts.do(t, http.MethodPost, "/api/v1/bank-accounts", map[string]any{
		"bank_name": "BRI", "account_number": "0123", "opening_balance": 1000000,
	}, "")
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	acct := decodeBody[storage.BankAccount](t, rec)

	rec = ts.do(t, http.MethodPost, "/api/v1/transactions", map[string]any{
		"date": fixedNow, "type": "EXPENSE", "category": "KEBERSIHAN", "amount": 250000,
		"method": "TRANSFER", "bank_account_id": acct.ID,
	}, "")
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = ts.do(t, http.MethodPost, "/api/v1/bank-accounts/"+acct.ID+"/mutations", map[string]any{
		"type": "KREDIT", "amount": 5000, "description": "bunga",
	}, "")
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = ts.do(t, http.MethodGet, "/api/v1/bank-accounts", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	accts := decodeBody[[]storage.BankAccount](t, rec)
	require.Len(t, accts, 1)
	assert.Equal(t, int64(755000), accts[0].Balance)

	rec = ts.do(t, http.MethodGet, "/api/v1/audit/bank-balances", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, decodeBody[map[string]any](t, rec)["ok"])

	rec = ts.do(t, http.MethodGet, "/api/v1/bank-accounts/"+acct.ID+"/mutations", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decodeBody[[]storage.BankMutation](t, rec), 1)
}

func TestEmailSettings(t *testing.T) {
	ts := newTestServer(t, false)

	rec := ts.do(t, http.MethodPut, "/api/v1/settings/email", map[string]any{
		"provider": "smtp", "host": "mail.example.org", "port": 587,
		"password": "hunter2", "from_address": "rt05@example.org", "enabled": true,
	}, "")
	require.Equal(t, http.StatusNoContent, rec.Code, rec.Body.String())

	rec = ts.do(t, http.MethodGet, "/api/v1/settings/email", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	cfg := decodeBody[storage.EmailConfig](t, rec)
	assert.Equal(t, "mail.example.org", cfg.Host)
	assert.Empty(t, cfg.Password)

	rec = ts.do(t, http.MethodPut, "/api/v1/settings/email", map[string]any{"provider": "pigeon"}, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAuthorization(t *testing.T) {
	ts := newTestServer(t, true)
	ctx := context.Background()

	r, err := ts.billing.CreateResident(ctx, billing.ResidentInput{HouseNo: "C3", Name: "Rina", InitialMeter: 0})
	require.NoError(t, err)
	other, err := ts.billing.CreateResident(ctx, billing.ResidentInput{HouseNo: "C4", Name: "Dewi", InitialMeter: 0})
	require.NoError(t, err)
	_, err = ts.billing.RecordReading(ctx, billing.ReadingInput{ResidentID: r.ID, Month: 3, Year: 2025, MeterValue: 5})
	require.NoError(t, err)
	_, err = ts.billing.RecordReading(ctx, billing.ReadingInput{ResidentID: other.ID, Month: 3, Year: 2025, MeterValue: 5})
	require.NoError(t, err)

	_, err = ts.auth.Register(ctx, "petugas", "pw", auth.RoleOperator, "", "")
	require.NoError(t, err)
	_, err = ts.auth.Register(ctx, "rina", "pw", auth.RoleResident, "", r.ID)
	require.NoError(t, err)

	login := func(user string) string {
		rec := ts.do(t, http.MethodPost, "/api/v1/auth/login", map[string]any{"username": user, "password": "pw"}, "")
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		return decodeBody[loginResponse](t, rec).Token
	}
	operator := login("petugas")
	resident := login("rina")

	rec := ts.do(t, http.MethodPost, "/api/v1/auth/login", map[string]any{"username": "rina", "password": "x"}, "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = ts.do(t, http.MethodGet, "/api/v1/bills", nil, "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = ts.do(t, http.MethodGet, "/api/v1/bills", nil, operator)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decodeBody[[]storage.Bill](t, rec), 2)

	rec = ts.do(t, http.MethodGet, "/api/v1/bills?resident_id="+other.ID, nil, resident)
	require.Equal(t, http.StatusOK, rec.Code)
	bills := decodeBody[[]storage.Bill](t, rec)
	require.Len(t, bills, 1)
	assert.Equal(t, r.ID, bills[0].ResidentID)

	rec = ts.do(t, http.MethodPost, "/api/v1/readings", map[string]any{
		"resident_id": r.ID, "month": 4, "year": 2025, "meter_value": 9,
	}, resident)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = ts.do(t, http.MethodPut, "/api/v1/tariff", map[string]any{}, operator)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = ts.do(t, http.MethodGet, "/healthz", nil, "")
	assert.Equal(t, http.StatusOK, rec.Code)
}
