package billing

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/bher20/wargabill/internal/changefeed"
	"github.com/bher20/wargabill/internal/metrics"
	"github.com/bher20/wargabill/internal/storage"
	"github.com/bher20/wargabill/internal/tariff"
)

// RecalcJob names recalculation runs in batch_progress and job metrics.
const RecalcJob = "recalculate"

// Batch progress states.
const (
	BatchRunning   = "running"
	BatchCompleted = "completed"
	BatchFailed    = "failed"
)

// Progress is reported after every committed batch.
type Progress struct {
	BatchID   string  `json:"batch_id"`
	Processed int     `json:"processed"`
	Total     int     `json:"total"`
	Percent   float64 `json:"percent"`
}

type RecalcResult struct {
	BatchID   string `json:"batch_id"`
	Total     int    `json:"total"`
	Processed int    `json:"processed"`
	Updated   int    `json:"updated"`
	Unchanged int    `json:"unchanged"`
	Skipped   int    `json:"skipped"`
}

// RecalcError is returned when a run stops early. Result holds what was
// committed before the failure.
type RecalcError struct {
	Result RecalcResult
	Err    error
}

func (e *RecalcError) Error() string {
	return fmt.Sprintf("recalculation %s stopped after %d of %d bills: %v",
		e.Result.BatchID, e.Result.Processed, e.Result.Total, e.Err)
}

func (e *RecalcError) Unwrap() error { return e.Err }

func (e *RecalcError) ErrorCode() Code { return CodeOf(e.Err) }

// RecalculateStored reprices unpaid bills with the saved tariff.
func (s *Service) RecalculateStored(ctx context.Context, onProgress func(Progress)) (*RecalcResult, error) {
	cfg, err := loadTariff(ctx, s.store)
	if err != nil {
		return nil, err
	}
	return s.Recalculate(ctx, cfg, onProgress)
}

// Recalculate reprices every UNPAID meter bill with cfg, keeping each
// bill's usage and arrears snapshot. Bills are written in batches, one unit
// of work per batch. Only one run may hold the recalculation lock.
func (s *Service) Recalculate(ctx context.Context, cfg tariff.Config, onProgress func(Progress)) (*RecalcResult, error) {
	if err := cfg.Validate(); err != nil {
		return nil, &Error{Code: CodeValidation, Message: err.Error()}
	}

	ok, err := s.store.AcquireAdvisoryLock(ctx, storage.LockRecalc)
	if err != nil {
		return nil, storeErr("acquire recalculation lock", err)
	}
	if !ok {
		return nil, &Error{Code: CodeBusy, Message: "another recalculation is running"}
	}
	defer func() {
		released, err := s.store.ReleaseAdvisoryLock(context.WithoutCancel(ctx), storage.LockRecalc)
		if err != nil {
			s.logger.Warn("release recalculation lock", zap.Error(err))
		} else if !released {
			s.logger.Warn("recalculation lock was not held at release")
		}
	}()

	started := s.now()
	res, err := s.recalculate(ctx, cfg, onProgress)
	metrics.UpdateJobMetrics(RecalcJob, started, err)
	if s.onRecalc != nil {
		s.onRecalc(ctx, res, err)
	}
	if err != nil {
		return nil, err
	}
	return &res, nil
}

func (s *Service) recalculate(ctx context.Context, cfg tariff.Config, onProgress func(Progress)) (RecalcResult, error) {
	res := RecalcResult{BatchID: uuid.NewString()}
	log := s.logger.With(zap.String("batch_id", res.BatchID))

	progress := storage.BatchProgress{
		BatchID:   res.BatchID,
		Job:       RecalcJob,
		Status:    BatchRunning,
		StartedAt: s.now(),
	}
	fail := func(err error) (RecalcResult, error) {
		finished := s.now()
		progress.Status = BatchFailed
		progress.Error = err.Error()
		progress.FinishedAt = &finished
		if perr := s.store.SaveBatchProgress(context.WithoutCancel(ctx), progress); perr != nil {
			log.Warn("save failed batch progress", zap.Error(perr))
		}
		log.Error("recalculation failed",
			zap.Int("processed", res.Processed), zap.Int("total", res.Total), zap.Error(err))
		return res, &RecalcError{Result: res, Err: err}
	}

	bills, err := s.store.ListBills(ctx, storage.BillFilter{Status: storage.BillUnpaid})
	if err != nil {
		return fail(storeErr("list unpaid bills", err))
	}
	ids := make([]string, len(bills))
	for i, b := range bills {
		ids[i] = b.ID
	}
	res.Total = len(ids)
	progress.Total = res.Total
	if err := s.store.SaveBatchProgress(ctx, progress); err != nil {
		return fail(storeErr("save batch progress", err))
	}
	log.Info("recalculation started", zap.Int("total", res.Total), zap.Int("batch_size", s.batchSize))
	metrics.RecalcProgressRatio.Set(0)

	for start := 0; start < len(ids); start += s.batchSize {
		if start > 0 && s.batchDelay > 0 {
			select {
			case <-ctx.Done():
				return fail(ctx.Err())
			case <-time.After(s.batchDelay):
			}
		}
		if err := ctx.Err(); err != nil {
			return fail(err)
		}

		end := min(start+s.batchSize, len(ids))
		var updated, unchanged, skipped int
		err := s.store.Atomic(ctx, func(tx storage.Storage) error {
			updated, unchanged, skipped = 0, 0, 0
			for _, id := range ids[start:end] {
				changed, skip, err := s.recalcBill(ctx, tx, id, cfg)
				if err != nil {
					return err
				}
				switch {
				case skip:
					skipped++
				case changed:
					updated++
				default:
					unchanged++
				}
			}
			return nil
		})
		if err != nil {
			return fail(err)
		}

		res.Processed = end
		res.Updated += updated
		res.Unchanged += unchanged
		res.Skipped += skipped
		metrics.BillsRecalculatedTotal.Add(float64(updated))

		p := Progress{BatchID: res.BatchID, Processed: res.Processed, Total: res.Total, Percent: percent(res.Processed, res.Total)}
		metrics.RecalcProgressRatio.Set(p.Percent / 100)
		progress.Processed = res.Processed
		progress.Updated = res.Updated
		progress.Skipped = res.Skipped
		if err := s.store.SaveBatchProgress(ctx, progress); err != nil {
			return fail(storeErr("save batch progress", err))
		}
		if onProgress != nil {
			onProgress(p)
		}
	}

	finished := s.now()
	progress.Status = BatchCompleted
	progress.FinishedAt = &finished
	if err := s.store.SaveBatchProgress(ctx, progress); err != nil {
		log.Warn("save final batch progress", zap.Error(err))
	}
	metrics.RecalcProgressRatio.Set(1)

	log.Info("recalculation finished",
		zap.Int("total", res.Total),
		zap.Int("updated", res.Updated),
		zap.Int("unchanged", res.Unchanged),
		zap.Int("skipped", res.Skipped),
		zap.Duration("took", finished.Sub(progress.StartedAt)))
	s.publish(ctx, change(storage.CollectionBills, changefeed.All, changefeed.OpUpdate))
	return res, nil
}

// recalcBill reprices one bill. It reports skip for bills that were paid
// or removed since the run started, manual arrears entries and bills of
// deleted residents.
func (s *Service) recalcBill(ctx context.Context, tx storage.Storage, id string, cfg tariff.Config) (changed, skip bool, err error) {
	b, err := tx.GetBill(ctx, id)
	if err != nil {
		return false, false, storeErr("get bill", err)
	}
	if b == nil || b.Status != storage.BillUnpaid || b.Source == storage.BillSourceManual {
		return false, true, nil
	}
	resident, err := tx.GetResident(ctx, b.ResidentID)
	if err != nil {
		return false, false, storeErr("get resident", err)
	}
	if resident == nil {
		return false, true, nil
	}

	next := *b
	setCosts(&next, b.WaterUsage, tariff.Compute(profileOf(*resident), b.WaterUsage, cfg))
	if sameCosts(*b, next) {
		return false, false, nil
	}
	next.UpdatedAt = s.now()
	if err := tx.SaveBill(ctx, next); err != nil {
		return false, false, storeErr("save bill", err)
	}
	return true, false, nil
}

func sameCosts(a, b storage.Bill) bool {
	return a.WaterCost == b.WaterCost &&
		a.IPLCost == b.IPLCost &&
		a.KasRTCost == b.KasRTCost &&
		a.AbodemenCost == b.AbodemenCost &&
		a.ExtraCost == b.ExtraCost &&
		a.Total == b.Total
}

func percent(done, total int) float64 {
	if total == 0 {
		return 100
	}
	return float64(done) * 100 / float64(total)
}
