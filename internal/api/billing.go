package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/bher20/wargabill/internal/auth"
	"github.com/bher20/wargabill/internal/billing"
	"github.com/bher20/wargabill/internal/storage"
	"github.com/bher20/wargabill/internal/tariff"
)

func (s *server) login(w http.ResponseWriter, r *http.Request) {
	if s.Auth == nil {
		http.NotFound(w, r)
		return
	}
	var req loginRequest
	if !s.decode(w, r, &req) {
		return
	}
	u, tok, raw, err := s.Auth.Login(r.Context(), req.Username, req.Password)
	if err != nil {
		if errors.Is(err, auth.ErrInvalidCredentials) {
			writeJSON(w, http.StatusUnauthorized, errorResponse{Code: "UNAUTHORIZED", Message: err.Error()})
			return
		}
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, loginResponse{Token: raw, UserID: u.ID, Role: u.Role, ExpiresAt: tok.ExpiresAt})
}

func (s *server) getTariff(w http.ResponseWriter, r *http.Request) {
	cfg, err := s.Billing.GetTariff(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

func (s *server) saveTariff(w http.ResponseWriter, r *http.Request) {
	var cfg tariff.Config
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		writeValidation(w, "invalid request body: "+err.Error(), nil)
		return
	}
	res, err := s.Billing.SaveTariff(r.Context(), cfg)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tariff": cfg, "recalculation": res})
}

func (s *server) listResidents(w http.ResponseWriter, r *http.Request) {
	list, err := s.Billing.ListResidents(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *server) createResident(w http.ResponseWriter, r *http.Request) {
	var req residentRequest
	if !s.decode(w, r, &req) {
		return
	}
	res, err := s.Billing.CreateResident(r.Context(), req.input())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

func (s *server) updateResident(w http.ResponseWriter, r *http.Request) {
	var req residentRequest
	if !s.decode(w, r, &req) {
		return
	}
	res, err := s.Billing.UpdateResident(r.Context(), r.PathValue("id"), req.input())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *server) deleteResident(w http.ResponseWriter, r *http.Request) {
	if err := s.Billing.DeleteResident(r.Context(), r.PathValue("id")); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) recordReading(w http.ResponseWriter, r *http.Request) {
	var req readingRequest
	if !s.decode(w, r, &req) {
		return
	}
	res, err := s.Billing.RecordReading(r.Context(), req.input())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

func (s *server) updateReading(w http.ResponseWriter, r *http.Request) {
	var req meterUpdateRequest
	if !s.decode(w, r, &req) {
		return
	}
	res, err := s.Billing.UpdateReading(r.Context(), r.PathValue("id"), req.MeterValue)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *server) deleteReading(w http.ResponseWriter, r *http.Request) {
	if err := s.Billing.DeleteReading(r.Context(), r.PathValue("id")); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// residentScope returns the resident a resident-role caller is limited to,
// or "" for everyone else.
func (s *server) residentScope(r *http.Request) (string, error) {
	if s.Auth == nil {
		return "", nil
	}
	tok, ok := auth.TokenFromContext(r.Context())
	if !ok || tok.Role != auth.RoleResident {
		return "", nil
	}
	u, err := s.Store.GetUser(r.Context(), tok.UserID)
	if err != nil {
		return "", err
	}
	if u == nil || u.ResidentID == "" {
		return "", &billing.Error{Code: billing.CodeNotFound, Message: "no resident linked to this account"}
	}
	return u.ResidentID, nil
}

func (s *server) listBills(w http.ResponseWriter, r *http.Request) {
	month, err := queryInt(r, "month")
	if err != nil {
		s.writeError(w, err)
		return
	}
	year, err := queryInt(r, "year")
	if err != nil {
		s.writeError(w, err)
		return
	}
	f := storage.BillFilter{
		ResidentID: r.URL.Query().Get("resident_id"),
		Status:     r.URL.Query().Get("status"),
		Month:      month,
		Year:       year,
	}
	scope, err := s.residentScope(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if scope != "" {
		f.ResidentID = scope
	}

	bills, err := s.Billing.ListBills(r.Context(), f)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, bills)
}

func (s *server) payBill(w http.ResponseWriter, r *http.Request) {
	var req paymentRequest
	if !s.decode(w, r, &req) {
		return
	}
	res, err := s.Billing.PayBill(r.Context(), billing.PaymentInput{
		BillID:        r.PathValue("id"),
		AmountPaid:    req.AmountPaid,
		Method:        req.Method,
		BankAccountID: req.BankAccountID,
		PaidAt:        req.PaidAt,
		IsEdit:        req.IsEdit,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *server) onConflict(r *http.Request, def billing.OnConflict) (billing.OnConflict, error) {
	return billing.ParseOnConflict(r.URL.Query().Get("on_conflict"), def)
}

func (s *server) submitArrear(w http.ResponseWriter, r *http.Request) {
	policy, err := s.onConflict(r, billing.OnConflictPrompt)
	if err != nil {
		s.writeError(w, err)
		return
	}
	var req arrearRequest
	if !s.decode(w, r, &req) {
		return
	}
	res, err := s.Billing.SubmitManualArrear(r.Context(), req.input(), policy)
	if err != nil {
		s.writeError(w, err)
		return
	}
	status := http.StatusOK
	if res.Outcome == billing.ArrearInserted {
		status = http.StatusCreated
	}
	writeJSON(w, status, res)
}

func (s *server) importArrears(w http.ResponseWriter, r *http.Request) {
	policy, err := s.onConflict(r, billing.OnConflictSkip)
	if err != nil {
		s.writeError(w, err)
		return
	}
	var req importRequest
	if !s.decode(w, r, &req) {
		return
	}
	rows := make([]billing.ArrearInput, len(req.Rows))
	for i, row := range req.Rows {
		rows[i] = row.input()
	}
	res, err := s.Billing.ImportArrears(r.Context(), rows, policy)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *server) recalculate(w http.ResponseWriter, r *http.Request) {
	res, err := s.Billing.RecalculateStored(r.Context(), nil)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.Logger.Info("recalculation requested over http", zap.String("batch_id", res.BatchID))
	writeJSON(w, http.StatusOK, res)
}

func (s *server) batchProgress(w http.ResponseWriter, r *http.Request) {
	p, err := s.Billing.GetBatchProgress(r.Context(), r.PathValue("batchId"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}
