package cron

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/bher20/wargabill/internal/alerting"
	"github.com/bher20/wargabill/internal/billing"
	"github.com/bher20/wargabill/internal/metrics"
	"github.com/bher20/wargabill/internal/storage"
)

const (
	// AuditJob is the scheduled_jobs name of the bank balance audit.
	AuditJob = "audit_bank_balances"
	// AuditScheduleSetting overrides the configured schedule at runtime.
	AuditScheduleSetting = "audit_schedule"

	defaultInterval = time.Hour
)

// NextRun returns when a job scheduled by setting runs after last. setting
// is a number of seconds or a standard cron expression; anything else
// falls back to hourly.
func NextRun(setting string, last time.Time) time.Time {
	setting = strings.TrimSpace(setting)
	if v, err := strconv.Atoi(setting); err == nil && v > 0 {
		return last.Add(time.Duration(v) * time.Second)
	}
	if sched, err := cron.ParseStandard(setting); err == nil {
		return sched.Next(last)
	}
	return last.Add(defaultInterval)
}

// ValidSchedule reports whether setting is usable by NextRun.
func ValidSchedule(setting string) bool {
	setting = strings.TrimSpace(setting)
	if v, err := strconv.Atoi(setting); err == nil {
		return v > 0
	}
	_, err := cron.ParseStandard(setting)
	return err == nil
}

// Worker periodically audits bank balances against the ledger. An advisory
// lock makes sure only one replica runs a given audit.
type Worker struct {
	store    storage.Storage
	svc      *billing.Service
	alerter  *alerting.Alerter
	logger   *zap.Logger
	schedule string
	tick     time.Duration
}

func NewWorker(st storage.Storage, svc *billing.Service, alerter *alerting.Alerter, schedule string, logger *zap.Logger) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{
		store:    st,
		svc:      svc,
		alerter:  alerter,
		logger:   logger.Named("cron"),
		schedule: schedule,
		tick:     10 * time.Second,
	}
}

// Run blocks until ctx is cancelled. The first audit runs immediately.
func (w *Worker) Run(ctx context.Context) error {
	setting := w.currentSchedule(ctx)
	w.logger.Info("audit worker starting", zap.String("schedule", setting))

	ticker := time.NewTicker(w.tick)
	defer ticker.Stop()

	nextRun := time.Now()
	for {
		if !time.Now().Before(nextRun) {
			w.runLocked(ctx)
			nextRun = NextRun(setting, time.Now())
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if val := w.currentSchedule(ctx); val != setting {
				w.logger.Info("audit schedule updated", zap.String("from", setting), zap.String("to", val))
				setting = val
				nextRun = NextRun(setting, time.Now())
			}
		}
	}
}

func (w *Worker) currentSchedule(ctx context.Context) string {
	val, err := w.store.GetSetting(ctx, AuditScheduleSetting)
	if err != nil {
		w.logger.Warn("read audit schedule setting", zap.Error(err))
	}
	if val != "" && ValidSchedule(val) {
		return val
	}
	return w.schedule
}

func (w *Worker) runLocked(ctx context.Context) {
	started := time.Now()
	ok, err := w.store.AcquireAdvisoryLock(ctx, storage.LockAudit)
	if err != nil {
		w.logger.Error("acquire advisory lock failed", zap.Error(err))
		metrics.UpdateJobMetrics(AuditJob, started, err)
		return
	}
	if !ok {
		w.logger.Info("advisory lock held by another worker, skipping run")
		return
	}
	defer func() {
		released, err := w.store.ReleaseAdvisoryLock(context.WithoutCancel(ctx), storage.LockAudit)
		if err != nil {
			w.logger.Warn("release advisory lock failed", zap.Error(err))
		} else if !released {
			w.logger.Warn("advisory lock was not held at release")
		}
	}()

	if _, err := w.RunAudit(ctx); err != nil {
		w.logger.Error("audit failed", zap.Error(err))
	}
}

// RunAudit executes one audit: it records the run, updates job metrics
// and alerts when any account drifted.
func (w *Worker) RunAudit(ctx context.Context) ([]billing.BalanceDrift, error) {
	started := time.Now()
	drifts, runErr := w.svc.AuditBankBalances(ctx)
	dur := time.Since(started)

	metrics.UpdateJobMetrics(AuditJob, started, runErr)
	errMsg := ""
	if runErr != nil {
		errMsg = runErr.Error()
	} else if len(drifts) > 0 {
		errMsg = fmt.Sprintf("%d account(s) drifted", len(drifts))
	}
	if err := w.store.UpdateScheduledJob(ctx, AuditJob, started, dur, runErr == nil, errMsg); err != nil {
		w.logger.Warn("update scheduled_jobs failed", zap.Error(err))
	}
	if runErr != nil {
		return nil, runErr
	}

	w.logger.Info("audit completed", zap.Int("drifted", len(drifts)), zap.Duration("duration", dur))
	if len(drifts) > 0 && w.alerter != nil {
		if err := w.alerter.Send(ctx, DriftAlert(drifts, dur)); err != nil {
			w.logger.Warn("send drift alert failed", zap.Error(err))
		}
	}
	return drifts, nil
}

// DriftAlert turns audit findings into an alert.
func DriftAlert(drifts []billing.BalanceDrift, dur time.Duration) alerting.Alert {
	a := alerting.Alert{
		JobName:   AuditJob,
		Summary:   fmt.Sprintf("%d bank account(s) disagree with the ledger", len(drifts)),
		Total:     len(drifts),
		Failed:    len(drifts),
		Duration:  dur,
		Timestamp: time.Now(),
	}
	for _, d := range drifts {
		a.Details = append(a.Details, alerting.Failure{
			Subject: fmt.Sprintf("%s (%s)", d.BankName, d.AccountID),
			Error:   fmt.Sprintf("expected %d, stored %d, drift %d", d.Expected, d.Actual, d.Drift),
		})
	}
	return a
}
