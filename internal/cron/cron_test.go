package cron

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/bher20/wargabill/internal/alerting"
	"github.com/bher20/wargabill/internal/billing"
	"github.com/bher20/wargabill/internal/storage"
)

func TestNextRun(t *testing.T) {
	last := time.Date(2025, time.March, 15, 10, 7, 0, 0, time.UTC)

	assert.Equal(t, last.Add(90*time.Second), NextRun("90", last))
	assert.Equal(t, time.Date(2025, time.March, 16, 2, 0, 0, 0, time.UTC), NextRun("0 2 * * *", last))
	assert.Equal(t, last.Add(time.Hour), NextRun("whenever", last))
	assert.Equal(t, last.Add(time.Hour), NextRun("-5", last))

	assert.True(t, ValidSchedule("@daily"))
	assert.True(t, ValidSchedule("3600"))
	assert.False(t, ValidSchedule("0"))
	assert.False(t, ValidSchedule("every day"))
}

func newAlertServer(t *testing.T) (*httptest.Server, chan map[string]any) {
	t.Helper()
	got := make(chan map[string]any, 4)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		var body map[string]any
		_ = json.Unmarshal(raw, &body)
		got <- body
	}))
	t.Cleanup(srv.Close)
	return srv, got
}

func TestRunAudit_AlertsOnDrift(t *testing.T) {
	ctx := context.Background()
	st := storage.NewMemory()
	svc := billing.NewService(st)
	srv, got := newAlertServer(t)
	w := NewWorker(st, svc, alerting.NewAlerter(alerting.AlertConfig{WebhookURL: srv.URL}, nil), "3600", nil)

	acct, err := svc.CreateBankAccount(ctx, billing.BankAccountInput{BankName: "BRI", AccountNumber: "1", OpeningBalance: 100})
	require.NoError(t, err)

	drifts, err := w.RunAudit(ctx)
	require.NoError(t, err)
	assert.Empty(t, drifts)
	assert.Len(t, got, 0)

	_, err = st.AdjustBankBalance(ctx, acct.ID, 40)
	require.NoError(t, err)

	drifts, err = w.RunAudit(ctx)
	require.NoError(t, err)
	require.Len(t, drifts, 1)
	assert.Equal(t, int64(40), drifts[0].Drift)

	select {
	case body := <-got:
		assert.Equal(t, AuditJob, body["job_name"])
		assert.Equal(t, float64(1), body["failed_count"])
	case <-time.After(time.Second):
		t.Fatal("no alert sent")
	}
}

func TestWorker_RunStopsOnCancel(t *testing.T) {
	st := storage.NewMemory()
	w := NewWorker(st, billing.NewService(st), nil, "3600", nil)
	w.tick = 5 * time.Millisecond

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := w.Run(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	ok, err := st.AcquireAdvisoryLock(context.Background(), storage.LockAudit)
	require.NoError(t, err)
	assert.True(t, ok, "lock released after the run")
}

type unheldReleaseStore struct {
	storage.Storage
}

func (s unheldReleaseStore) ReleaseAdvisoryLock(ctx context.Context, key int64) (bool, error) {
	_, err := s.Storage.ReleaseAdvisoryLock(ctx, key)
	return false, err
}

func TestWorker_WarnsWhenLockWasNotHeldAtRelease(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	st := unheldReleaseStore{storage.NewMemory()}
	w := NewWorker(st, billing.NewService(st), nil, "3600", zap.New(core))

	w.runLocked(context.Background())
	assert.Equal(t, 1, logs.FilterMessage("advisory lock was not held at release").Len())

	ok, err := st.AcquireAdvisoryLock(context.Background(), storage.LockAudit)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestWorker_ScheduleSettingOverrides(t *testing.T) {
	ctx := context.Background()
	st := storage.NewMemory()
	w := NewWorker(st, billing.NewService(st), nil, "3600", nil)

	assert.Equal(t, "3600", w.currentSchedule(ctx))
	require.NoError(t, st.SetSetting(ctx, AuditScheduleSetting, "*/5 * * * *"))
	assert.Equal(t, "*/5 * * * *", w.currentSchedule(ctx))
	require.NoError(t, st.SetSetting(ctx, AuditScheduleSetting, "nonsense"))
	assert.Equal(t, "3600", w.currentSchedule(ctx))
}

func TestRunRecalc(t *testing.T) {
	ctx := context.Background()
	st := storage.NewMemory()
	svc := billing.NewService(st, billing.WithBatchDelay(0))

	r, err := svc.CreateResident(ctx, billing.ResidentInput{HouseNo: "A1", Name: "Budi"})
	require.NoError(t, err)
	_, err = svc.RecordReading(ctx, billing.ReadingInput{ResidentID: r.ID, Month: 3, Year: 2025, MeterValue: 4})
	require.NoError(t, err)

	res, err := RunRecalc(ctx, st, svc, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Total)

	ok, err := st.AcquireAdvisoryLock(ctx, storage.LockRecalc)
	require.NoError(t, err)
	require.True(t, ok)
	_, err = RunRecalc(ctx, st, svc, nil)
	assert.True(t, billing.IsCode(err, billing.CodeBusy))
}

func TestRecalcAlert(t *testing.T) {
	res := billing.RecalcResult{BatchID: "b1", Total: 10, Processed: 4, Updated: 3}
	err := &billing.RecalcError{Result: res, Err: &billing.Error{Code: billing.CodeStoreUnavailable, Message: "save bill", Err: errors.New("disk full")}}

	a := RecalcAlert(res, err)
	assert.Equal(t, billing.RecalcJob, a.JobName)
	assert.Equal(t, "stopped after 4 of 10 bills (3 updated)", a.Summary)
	require.Len(t, a.Details, 1)
	assert.Equal(t, "b1", a.Details[0].Subject)
	assert.Contains(t, a.Details[0].Error, "STORE_UNAVAILABLE")
	assert.Contains(t, a.Details[0].Error, "disk full")
}

func TestRecalcAlertListener(t *testing.T) {
	srv, got := newAlertServer(t)
	listen := RecalcAlertListener(alerting.NewAlerter(alerting.AlertConfig{WebhookURL: srv.URL}, nil), nil)

	listen(context.Background(), billing.RecalcResult{}, nil)
	assert.Len(t, got, 0)

	listen(context.Background(), billing.RecalcResult{BatchID: "b2"}, errors.New("boom"))
	select {
	case body := <-got:
		assert.Equal(t, billing.RecalcJob, body["job_name"])
	case <-time.After(time.Second):
		t.Fatal("no alert sent")
	}
}
