package api

import (
	"net/http"
	"time"

	"github.com/bher20/wargabill/internal/billing"
	"github.com/bher20/wargabill/internal/storage"
)

func (s *server) listTransactions(w http.ResponseWriter, r *http.Request) {
	from, err := queryTime(r, "from")
	if err != nil {
		s.writeError(w, err)
		return
	}
	to, err := queryTime(r, "to")
	if err != nil {
		s.writeError(w, err)
		return
	}
	q := r.URL.Query()
	list, err := s.Billing.ListTransactions(r.Context(), storage.TransactionFilter{
		ResidentID:    q.Get("resident_id"),
		BankAccountID: q.Get("bank_account_id"),
		BillID:        q.Get("bill_id"),
		Type:          q.Get("type"),
		From:          from,
		To:            to,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *server) recordTransaction(w http.ResponseWriter, r *http.Request) {
	var req transactionRequest
	if !s.decode(w, r, &req) {
		return
	}
	t, err := s.Billing.RecordTransaction(r.Context(), req.input())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, t)
}

func (s *server) deleteTransaction(w http.ResponseWriter, r *http.Request) {
	if err := s.Billing.DeleteTransaction(r.Context(), r.PathValue("id")); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) listBankAccounts(w http.ResponseWriter, r *http.Request) {
	list, err := s.Billing.ListBankAccounts(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *server) createBankAccount(w http.ResponseWriter, r *http.Request) {
	var req bankAccountRequest
	if !s.decode(w, r, &req) {
		return
	}
	acct, err := s.Billing.CreateBankAccount(r.Context(), billing.BankAccountInput{
		BankName:       req.BankName,
		AccountNumber:  req.AccountNumber,
		AccountHolder:  req.AccountHolder,
		OpeningBalance: req.OpeningBalance,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, acct)
}

func (s *server) listBankMutations(w http.ResponseWriter, r *http.Request) {
	list, err := s.Billing.ListBankMutations(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *server) recordBankMutation(w http.ResponseWriter, r *http.Request) {
	var req bankMutationRequest
	if !s.decode(w, r, &req) {
		return
	}
	if req.Date.IsZero() {
		req.Date = time.Now()
	}
	m, err := s.Billing.RecordBankMutation(r.Context(), billing.BankMutationInput{
		BankAccountID: r.PathValue("id"),
		Date:          req.Date,
		Type:          req.Type,
		Amount:        req.Amount,
		Description:   req.Description,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, m)
}

func (s *server) auditBankBalances(w http.ResponseWriter, r *http.Request) {
	drifts, err := s.Billing.AuditBankBalances(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":     len(drifts) == 0,
		"drifts": drifts,
	})
}
