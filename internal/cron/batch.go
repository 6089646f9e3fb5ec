package cron

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/bher20/wargabill/internal/alerting"
	"github.com/bher20/wargabill/internal/billing"
	"github.com/bher20/wargabill/internal/storage"
)

// RunRecalc reprices every unpaid bill with the saved tariff once and
// records the run in scheduled_jobs. The recalculation lock keeps replicas
// from running it at the same time.
func RunRecalc(ctx context.Context, st storage.Storage, svc *billing.Service, logger *zap.Logger) (*billing.RecalcResult, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	started := time.Now()
	res, runErr := svc.RecalculateStored(ctx, func(p billing.Progress) {
		logger.Info("recalculation progress",
			zap.String("batch_id", p.BatchID),
			zap.Int("processed", p.Processed),
			zap.Int("total", p.Total),
			zap.Float64("percent", p.Percent))
	})

	if billing.IsCode(runErr, billing.CodeBusy) {
		logger.Info("recalculation already running elsewhere, skipping")
		return nil, runErr
	}

	errMsg := ""
	if runErr != nil {
		errMsg = runErr.Error()
	}
	if err := st.UpdateScheduledJob(context.WithoutCancel(ctx), billing.RecalcJob, started, time.Since(started), runErr == nil, errMsg); err != nil {
		logger.Warn("update scheduled_jobs failed", zap.Error(err))
	}
	return res, runErr
}

// RecalcAlertListener alerts on failed recalculation runs.
func RecalcAlertListener(alerter *alerting.Alerter, logger *zap.Logger) billing.RecalcListener {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(ctx context.Context, res billing.RecalcResult, err error) {
		if err == nil || alerter == nil {
			return
		}
		if sendErr := alerter.Send(context.WithoutCancel(ctx), RecalcAlert(res, err)); sendErr != nil {
			logger.Warn("send recalculation alert failed", zap.Error(sendErr))
		}
	}
}

// RecalcAlert describes a failed recalculation run.
func RecalcAlert(res billing.RecalcResult, err error) alerting.Alert {
	subject := res.BatchID
	if subject == "" {
		subject = "recalculation"
	}
	var rerr *billing.RecalcError
	if errors.As(err, &rerr) {
		err = rerr.Err
	}
	return alerting.Alert{
		JobName: billing.RecalcJob,
		Summary: fmt.Sprintf("stopped after %d of %d bills (%d updated)", res.Processed, res.Total, res.Updated),
		Total:   1,
		Failed:  1,
		Details: []alerting.Failure{{
			Subject: subject,
			Error:   fmt.Sprintf("%s: %v", billing.CodeOf(err), err),
		}},
		Timestamp: time.Now(),
	}
}
