package billing

import (
	"context"
	"errors"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/bher20/wargabill/internal/changefeed"
	"github.com/bher20/wargabill/internal/storage"
	"github.com/bher20/wargabill/internal/tariff"
)

// ResidentInput carries the editable profile of a resident. InitialArrears
// is only honoured on create, as the opening balance.
type ResidentInput struct {
	HouseNo          string   `json:"house_no"`
	Name             string   `json:"name"`
	Phone            string   `json:"phone"`
	Email            string   `json:"email"`
	InitialMeter     int64    `json:"initial_meter"`
	InitialArrears   int64    `json:"initial_arrears"`
	IsDispensation   bool     `json:"is_dispensation"`
	Exemptions       []string `json:"exemptions"`
	ActiveCustomFees []string `json:"active_custom_fees"`
}

func (in ResidentInput) validate() error {
	if strings.TrimSpace(in.HouseNo) == "" {
		return validationf("house_no is required")
	}
	if strings.TrimSpace(in.Name) == "" {
		return validationf("name is required")
	}
	if in.InitialMeter < 0 {
		return validationf("initial_meter must not be negative")
	}
	for _, e := range in.Exemptions {
		if !tariff.FeeKind(e).IsValid() {
			return validationf("unknown exemption %q", e)
		}
	}
	return nil
}

func (in ResidentInput) apply(r *storage.Resident) {
	r.HouseNo = strings.TrimSpace(in.HouseNo)
	r.Name = strings.TrimSpace(in.Name)
	r.Phone = in.Phone
	r.Email = in.Email
	r.InitialMeter = in.InitialMeter
	r.IsDispensation = in.IsDispensation
	r.Exemptions = uniqueStrings(in.Exemptions)
	r.ActiveCustomFees = uniqueStrings(in.ActiveCustomFees)
}

// uniqueStrings drops repeated entries, keeping first-seen order.
func uniqueStrings(s []string) []string {
	out := make([]string, 0, len(s))
	seen := make(map[string]struct{}, len(s))
	for _, v := range s {
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}

func (s *Service) CreateResident(ctx context.Context, in ResidentInput) (*storage.Resident, error) {
	if err := in.validate(); err != nil {
		return nil, err
	}
	now := s.now()
	r := storage.Resident{
		ID:             uuid.NewString(),
		InitialArrears: in.InitialArrears,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	in.apply(&r)

	err := s.store.Atomic(ctx, func(tx storage.Storage) error {
		existing, err := tx.GetResidentByHouseNo(ctx, r.HouseNo)
		if err != nil {
			return storeErr("lookup house number", err)
		}
		if existing != nil {
			return validationf("house number %q is already registered", r.HouseNo)
		}
		if err := tx.CreateResident(ctx, r); err != nil {
			if errors.Is(err, storage.ErrDuplicate) {
				return validationf("house number %q is already registered", r.HouseNo)
			}
			return storeErr("create resident", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("resident created", zap.String("resident_id", r.ID), zap.String("house_no", r.HouseNo))
	s.publish(ctx, change(storage.CollectionResidents, r.ID, changefeed.OpCreate))
	return &r, nil
}

// UpdateResident saves the profile. The arrears balance is left alone.
func (s *Service) UpdateResident(ctx context.Context, id string, in ResidentInput) (*storage.Resident, error) {
	if err := in.validate(); err != nil {
		return nil, err
	}
	var out storage.Resident
	err := s.store.Atomic(ctx, func(tx storage.Storage) error {
		cur, err := tx.GetResident(ctx, id)
		if err != nil {
			return storeErr("get resident", err)
		}
		if cur == nil {
			return notFound("resident", id)
		}
		other, err := tx.GetResidentByHouseNo(ctx, strings.TrimSpace(in.HouseNo))
		if err != nil {
			return storeErr("lookup house number", err)
		}
		if other != nil && other.ID != id {
			return validationf("house number %q is already registered", other.HouseNo)
		}

		out = *cur
		in.apply(&out)
		out.UpdatedAt = s.now()
		if err := tx.UpdateResident(ctx, out); err != nil {
			switch {
			case errors.Is(err, storage.ErrNotFound):
				return notFound("resident", id)
			case errors.Is(err, storage.ErrDuplicate):
				return validationf("house number %q is already registered", out.HouseNo)
			}
			return storeErr("update resident", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.publish(ctx, change(storage.CollectionResidents, id, changefeed.OpUpdate))
	return &out, nil
}

// DeleteResident removes a resident that has no bills.
func (s *Service) DeleteResident(ctx context.Context, id string) error {
	err := s.store.Atomic(ctx, func(tx storage.Storage) error {
		cur, err := tx.GetResident(ctx, id)
		if err != nil {
			return storeErr("get resident", err)
		}
		if cur == nil {
			return notFound("resident", id)
		}
		n, err := tx.CountBillsByResident(ctx, id)
		if err != nil {
			return storeErr("count bills", err)
		}
		if n > 0 {
			return &Error{Code: CodeReferenced, Message: "resident still has bills"}
		}
		return storeErr("delete resident", tx.DeleteResident(ctx, id))
	})
	if err != nil {
		return err
	}

	s.logger.Info("resident deleted", zap.String("resident_id", id))
	s.publish(ctx, change(storage.CollectionResidents, id, changefeed.OpDelete))
	return nil
}

func (s *Service) GetResident(ctx context.Context, id string) (*storage.Resident, error) {
	r, err := s.store.GetResident(ctx, id)
	if err != nil {
		return nil, storeErr("get resident", err)
	}
	if r == nil {
		return nil, notFound("resident", id)
	}
	return r, nil
}

func (s *Service) ListResidents(ctx context.Context) ([]storage.Resident, error) {
	out, err := s.store.ListResidents(ctx)
	return out, storeErr("list residents", err)
}

func (s *Service) ListBills(ctx context.Context, f storage.BillFilter) ([]storage.Bill, error) {
	if f.Month != 0 && (f.Month < 1 || f.Month > 12) {
		return nil, validationf("month must be between 1 and 12, got %d", f.Month)
	}
	if f.Status != "" && f.Status != storage.BillUnpaid && f.Status != storage.BillPaid {
		return nil, validationf("unknown bill status %q", f.Status)
	}
	out, err := s.store.ListBills(ctx, f)
	return out, storeErr("list bills", err)
}

func (s *Service) GetBatchProgress(ctx context.Context, batchID string) (*storage.BatchProgress, error) {
	p, err := s.store.GetBatchProgress(ctx, batchID)
	if err != nil {
		return nil, storeErr("get batch progress", err)
	}
	if p == nil {
		return nil, notFound("batch", batchID)
	}
	return p, nil
}

func profileOf(r storage.Resident) tariff.Profile {
	p := tariff.Profile{
		IsDispensation:   r.IsDispensation,
		ActiveCustomFees: r.ActiveCustomFees,
	}
	for _, e := range r.Exemptions {
		p.Exemptions = append(p.Exemptions, tariff.FeeKind(e))
	}
	return p
}
