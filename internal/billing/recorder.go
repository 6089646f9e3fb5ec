package billing

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/bher20/wargabill/internal/changefeed"
	"github.com/bher20/wargabill/internal/storage"
	"github.com/bher20/wargabill/internal/tariff"
)

type ReadingInput struct {
	ResidentID   string `json:"resident_id"`
	Month        int    `json:"month"`
	Year         int    `json:"year"`
	MeterValue   int64  `json:"meter_value"`
	PhotoURL     string `json:"photo_url"`
	OperatorName string `json:"operator_name"`
}

// ReadingResult is the stored reading and the bill derived from it.
type ReadingResult struct {
	Reading storage.MeterReading `json:"reading"`
	Bill    storage.Bill         `json:"bill"`
}

// RecordReading stores a meter reading and creates or refreshes the bill for
// the same period.
func (s *Service) RecordReading(ctx context.Context, in ReadingInput) (*ReadingResult, error) {
	p := Period{Month: in.Month, Year: in.Year}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	if in.ResidentID == "" {
		return nil, validationf("resident_id is required")
	}
	if in.MeterValue < 0 {
		return nil, validationf("meter_value must not be negative")
	}

	var res ReadingResult
	var created bool
	err := s.store.Atomic(ctx, func(tx storage.Storage) error {
		resident, err := tx.GetResident(ctx, in.ResidentID)
		if err != nil {
			return storeErr("get resident", err)
		}
		if resident == nil {
			return notFound("resident", in.ResidentID)
		}

		prev := resident.InitialMeter
		last, err := tx.LatestReadingBefore(ctx, in.ResidentID, in.Month, in.Year)
		if err != nil {
			return storeErr("latest reading", err)
		}
		if last != nil {
			prev = last.MeterValue
		}
		if in.MeterValue < prev {
			return validationf("meter value %d is lower than the previous reading %d", in.MeterValue, prev)
		}

		cfg, err := loadTariff(ctx, tx)
		if err != nil {
			return err
		}

		now := s.now()
		id := ReadingID(in.ResidentID, in.Month, in.Year)
		reading := storage.MeterReading{
			ID:             id,
			ResidentID:     in.ResidentID,
			PeriodMonth:    in.Month,
			PeriodYear:     in.Year,
			MeterValue:     in.MeterValue,
			PrevMeterValue: prev,
			Usage:          in.MeterValue - prev,
			PhotoURL:       in.PhotoURL,
			OperatorName:   in.OperatorName,
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		if old, err := tx.GetMeterReadingByID(ctx, id); err != nil {
			return storeErr("get reading", err)
		} else if old != nil {
			reading.CreatedAt = old.CreatedAt
		}
		if err := tx.UpsertMeterReading(ctx, reading); err != nil {
			return storeErr("save reading", err)
		}

		bill, isNew, err := s.applyReading(ctx, tx, *resident, reading, cfg)
		if err != nil {
			return err
		}
		res = ReadingResult{Reading: reading, Bill: bill}
		created = isNew
		return nil
	})
	if err != nil {
		return nil, err
	}

	billOp := changefeed.OpUpdate
	if created {
		billOp = changefeed.OpCreate
	}
	s.logger.Info("meter reading recorded",
		zap.String("resident_id", in.ResidentID),
		zap.String("bill_id", res.Bill.ID),
		zap.Stringer("period", p),
		zap.Int64("usage", res.Reading.Usage),
		zap.Int64("total", res.Bill.Total))
	s.publish(ctx,
		change(storage.CollectionMeterReadings, res.Reading.ID, changefeed.OpUpdate),
		change(storage.CollectionBills, res.Bill.ID, billOp))
	return &res, nil
}

// applyReading refreshes the meter bill for the reading's period, or
// inserts it with the resident's current balance as the arrears snapshot.
func (s *Service) applyReading(ctx context.Context, tx storage.Storage, resident storage.Resident, reading storage.MeterReading, cfg tariff.Config) (storage.Bill, bool, error) {
	breakdown := tariff.Compute(profileOf(resident), reading.Usage, cfg)
	now := s.now()

	existing, err := tx.FindBillByPeriod(ctx, resident.ID, reading.PeriodMonth, reading.PeriodYear)
	if err != nil {
		return storage.Bill{}, false, storeErr("find bill", err)
	}
	if existing != nil {
		if existing.Source == storage.BillSourceManual {
			candidate := newMeterBill(resident, reading, breakdown, now)
			return storage.Bill{}, false, &ConflictError{Existing: *existing, Candidate: candidate}
		}
		b := *existing
		setCosts(&b, reading.Usage, breakdown)
		b.UpdatedAt = now
		if err := tx.SaveBill(ctx, b); err != nil {
			return storage.Bill{}, false, storeErr("save bill", err)
		}
		return b, false, nil
	}

	b := newMeterBill(resident, reading, breakdown, now)
	if err := tx.CreateBill(ctx, b); err != nil {
		if errors.Is(err, storage.ErrDuplicate) {
			return storage.Bill{}, false, &Error{Code: CodeDuplicatePeriod, Message: "bill for this period already exists", Err: err}
		}
		return storage.Bill{}, false, storeErr("create bill", err)
	}
	return b, true, nil
}

func newMeterBill(resident storage.Resident, reading storage.MeterReading, breakdown tariff.Breakdown, now time.Time) storage.Bill {
	b := storage.Bill{
		ID:          BillID(resident.ID, reading.PeriodMonth, reading.PeriodYear),
		ResidentID:  resident.ID,
		PeriodMonth: reading.PeriodMonth,
		PeriodYear:  reading.PeriodYear,
		Arrears:     resident.InitialArrears,
		Status:      storage.BillUnpaid,
		Source:      storage.BillSourceMeter,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	setCosts(&b, reading.Usage, breakdown)
	return b
}

// setCosts overwrites the cost fields and total, keeping the arrears snapshot.
func setCosts(b *storage.Bill, usage int64, breakdown tariff.Breakdown) {
	b.WaterUsage = usage
	b.WaterCost = breakdown.WaterCost
	b.IPLCost = breakdown.IPLCost
	b.KasRTCost = breakdown.KasRTCost
	b.AbodemenCost = breakdown.AbodemenCost
	b.ExtraCost = breakdown.ExtraCost
	b.Total = breakdown.Total(b.Arrears)
}

// UpdateReading corrects the meter value of a stored reading and reprices
// its bill. Payment state is not touched.
func (s *Service) UpdateReading(ctx context.Context, id string, meterValue int64) (*ReadingResult, error) {
	if meterValue < 0 {
		return nil, validationf("meter_value must not be negative")
	}

	var res ReadingResult
	var created bool
	err := s.store.Atomic(ctx, func(tx storage.Storage) error {
		reading, err := tx.GetMeterReadingByID(ctx, id)
		if err != nil {
			return storeErr("get reading", err)
		}
		if reading == nil {
			return notFound("meter reading", id)
		}
		if meterValue < reading.PrevMeterValue {
			return validationf("meter value %d is lower than the previous reading %d", meterValue, reading.PrevMeterValue)
		}
		resident, err := tx.GetResident(ctx, reading.ResidentID)
		if err != nil {
			return storeErr("get resident", err)
		}
		if resident == nil {
			return notFound("resident", reading.ResidentID)
		}
		cfg, err := loadTariff(ctx, tx)
		if err != nil {
			return err
		}

		reading.MeterValue = meterValue
		reading.Usage = meterValue - reading.PrevMeterValue
		reading.UpdatedAt = s.now()
		if err := tx.UpsertMeterReading(ctx, *reading); err != nil {
			return storeErr("save reading", err)
		}

		bill, isNew, err := s.applyReading(ctx, tx, *resident, *reading, cfg)
		if err != nil {
			return err
		}
		res = ReadingResult{Reading: *reading, Bill: bill}
		created = isNew
		return nil
	})
	if err != nil {
		return nil, err
	}

	if res.Bill.Status == storage.BillPaid {
		s.logger.Warn("reading changed on a paid bill; total no longer matches paid amount",
			zap.String("bill_id", res.Bill.ID),
			zap.Int64("total", res.Bill.Total),
			zap.Int64("paid_amount", res.Bill.PaidAmount))
	}
	billOp := changefeed.OpUpdate
	if created {
		billOp = changefeed.OpCreate
	}
	s.publish(ctx,
		change(storage.CollectionMeterReadings, id, changefeed.OpUpdate),
		change(storage.CollectionBills, res.Bill.ID, billOp))
	return &res, nil
}

// DeleteReading removes a reading together with its meter bill.
func (s *Service) DeleteReading(ctx context.Context, id string) error {
	var billID string
	err := s.store.Atomic(ctx, func(tx storage.Storage) error {
		reading, err := tx.GetMeterReadingByID(ctx, id)
		if err != nil {
			return storeErr("get reading", err)
		}
		if reading == nil {
			return notFound("meter reading", id)
		}
		billID = BillID(reading.ResidentID, reading.PeriodMonth, reading.PeriodYear)
		if err := tx.DeleteMeterReading(ctx, id); err != nil {
			return storeErr("delete reading", err)
		}
		return storeErr("delete bill", tx.DeleteBill(ctx, billID))
	})
	if err != nil {
		return err
	}

	s.logger.Info("meter reading deleted", zap.String("reading_id", id), zap.String("bill_id", billID))
	s.publish(ctx,
		change(storage.CollectionMeterReadings, id, changefeed.OpDelete),
		change(storage.CollectionBills, billID, changefeed.OpDelete))
	return nil
}
