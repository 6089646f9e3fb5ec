package billing

import (
	"context"
	"errors"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/bher20/wargabill/internal/changefeed"
	"github.com/bher20/wargabill/internal/storage"
)

// OnConflict decides what happens when a manual arrear hits a period that
// already has a bill.
type OnConflict string

const (
	// OnConflictPrompt reports the conflict and writes nothing.
	OnConflictPrompt OnConflict = "prompt"
	// OnConflictSkip keeps the existing bill.
	OnConflictSkip OnConflict = "skip"
	// OnConflictReplace deletes the existing bill and inserts the new one.
	OnConflictReplace OnConflict = "replace"
)

// ParseOnConflict accepts "", prompt, skip, keep, and replace. An empty
// string yields def.
func ParseOnConflict(s string, def OnConflict) (OnConflict, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "":
		return def, nil
	case "prompt":
		return OnConflictPrompt, nil
	case "skip", "keep":
		return OnConflictSkip, nil
	case "replace":
		return OnConflictReplace, nil
	}
	return "", validationf("unknown on_conflict policy %q", s)
}

type ArrearInput struct {
	ResidentID string `json:"resident_id"`
	Month      int    `json:"month"`
	Year       int    `json:"year"`
	Amount     int64  `json:"amount"`
}

// Arrear outcomes.
const (
	ArrearInserted = "inserted"
	ArrearReplaced = "replaced"
	ArrearKept     = "kept"
)

type ArrearResult struct {
	Outcome  string        `json:"outcome"`
	Bill     storage.Bill  `json:"bill"`
	Replaced *storage.Bill `json:"replaced,omitempty"`
}

// SubmitManualArrear records a historical debt as a MANUAL bill, applying
// policy when the period is already billed.
func (s *Service) SubmitManualArrear(ctx context.Context, in ArrearInput, policy OnConflict) (*ArrearResult, error) {
	if policy == "" {
		policy = OnConflictPrompt
	}
	res, err := s.submitArrear(ctx, in, policy)
	if err != nil {
		return nil, err
	}

	switch res.Outcome {
	case ArrearInserted:
		s.publish(ctx, change(storage.CollectionBills, res.Bill.ID, changefeed.OpCreate))
	case ArrearReplaced:
		s.publish(ctx,
			change(storage.CollectionBills, res.Replaced.ID, changefeed.OpDelete),
			change(storage.CollectionBills, res.Bill.ID, changefeed.OpCreate))
	}
	s.logger.Info("manual arrear submitted",
		zap.String("resident_id", in.ResidentID),
		zap.String("bill_id", res.Bill.ID),
		zap.String("outcome", res.Outcome),
		zap.Int64("amount", in.Amount))
	return res, nil
}

func (s *Service) submitArrear(ctx context.Context, in ArrearInput, policy OnConflict) (*ArrearResult, error) {
	p := Period{Month: in.Month, Year: in.Year}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	if in.ResidentID == "" {
		return nil, validationf("resident_id is required")
	}
	if in.Amount <= 0 {
		return nil, validationf("amount must be positive")
	}

	var res ArrearResult
	err := s.store.Atomic(ctx, func(tx storage.Storage) error {
		resident, err := tx.GetResident(ctx, in.ResidentID)
		if err != nil {
			return storeErr("get resident", err)
		}
		if resident == nil {
			return notFound("resident", in.ResidentID)
		}

		now := s.now()
		candidate := storage.Bill{
			ID:          uuid.NewString(),
			ResidentID:  in.ResidentID,
			PeriodMonth: in.Month,
			PeriodYear:  in.Year,
			Total:       in.Amount,
			Status:      storage.BillUnpaid,
			Source:      storage.BillSourceManual,
			CreatedAt:   now,
			UpdatedAt:   now,
		}

		existing, err := tx.FindBillByPeriod(ctx, in.ResidentID, in.Month, in.Year)
		if err != nil {
			return storeErr("find bill", err)
		}
		if existing != nil {
			switch policy {
			case OnConflictSkip:
				res = ArrearResult{Outcome: ArrearKept, Bill: *existing}
				return nil
			case OnConflictReplace:
				if existing.Status == storage.BillPaid {
					return &Error{Code: CodeReferenced, Message: "the existing bill is already paid"}
				}
				if err := tx.DeleteBill(ctx, existing.ID); err != nil {
					return storeErr("delete bill", err)
				}
				replaced := *existing
				res.Replaced = &replaced
			default:
				return &ConflictError{Existing: *existing, Candidate: candidate}
			}
		}

		if err := tx.CreateBill(ctx, candidate); err != nil {
			if errors.Is(err, storage.ErrDuplicate) {
				return &Error{Code: CodeDuplicatePeriod, Message: "bill for this period already exists", Err: err}
			}
			return storeErr("create bill", err)
		}
		res.Bill = candidate
		res.Outcome = ArrearInserted
		if res.Replaced != nil {
			res.Outcome = ArrearReplaced
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &res, nil
}

// ImportConflict is a row that was left alone under the prompt policy.
type ImportConflict struct {
	Row      int          `json:"row"`
	Existing storage.Bill `json:"existing"`
	Amount   int64        `json:"amount"`
}

// ImportFailure is a row that could not be applied.
type ImportFailure struct {
	Row   int    `json:"row"`
	Code  Code   `json:"code"`
	Error string `json:"error"`
}

type ImportResult struct {
	Inserted  int              `json:"inserted"`
	Replaced  int              `json:"replaced"`
	Skipped   int              `json:"skipped"`
	Conflicts []ImportConflict `json:"conflicts"`
	Failed    []ImportFailure  `json:"failed"`
}

// ImportArrears applies SubmitManualArrear's policy row by row. Each row is
// its own unit of work; a failing row does not undo the others.
func (s *Service) ImportArrears(ctx context.Context, rows []ArrearInput, policy OnConflict) (*ImportResult, error) {
	if policy == "" {
		policy = OnConflictSkip
	}
	out := &ImportResult{Conflicts: []ImportConflict{}, Failed: []ImportFailure{}}
	for i, row := range rows {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		res, err := s.submitArrear(ctx, row, policy)
		if err != nil {
			var conflict *ConflictError
			if errors.As(err, &conflict) {
				out.Conflicts = append(out.Conflicts, ImportConflict{Row: i, Existing: conflict.Existing, Amount: row.Amount})
				continue
			}
			out.Failed = append(out.Failed, ImportFailure{Row: i, Code: CodeOf(err), Error: err.Error()})
			continue
		}
		switch res.Outcome {
		case ArrearInserted:
			out.Inserted++
		case ArrearReplaced:
			out.Replaced++
		case ArrearKept:
			out.Skipped++
		}
	}

	s.logger.Info("arrears imported",
		zap.Int("rows", len(rows)),
		zap.Int("inserted", out.Inserted),
		zap.Int("replaced", out.Replaced),
		zap.Int("skipped", out.Skipped),
		zap.Int("conflicts", len(out.Conflicts)),
		zap.Int("failed", len(out.Failed)))
	if out.Inserted+out.Replaced > 0 {
		s.publish(ctx, change(storage.CollectionBills, changefeed.All, changefeed.OpUpdate))
	}
	return out, nil
}
