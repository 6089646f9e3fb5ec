package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/bher20/wargabill/internal/auth"
	"github.com/bher20/wargabill/internal/billing"
	"github.com/bher20/wargabill/internal/metrics"
	"github.com/bher20/wargabill/internal/notification"
	"github.com/bher20/wargabill/internal/storage"
)

const maxBodyBytes = 4 << 20

// Deps are the collaborators served over HTTP. Auth and Notifications may
// be nil; a nil Auth disables every permission check.
type Deps struct {
	Store         storage.Storage
	Billing       *billing.Service
	Auth          *auth.Service
	Notifications *notification.Service
	Logger        *zap.Logger
}

type server struct {
	Deps
	validate *validator.Validate
}

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// NewMux constructs the HTTP handler: the JSON API, metrics, and health
// endpoints.
func NewMux(d Deps) http.Handler {
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	d.Logger = d.Logger.Named("api")
	s := &server{Deps: d, validate: newValidator()}

	mux := http.NewServeMux()

	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("GET /livez", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("live"))
	})
	mux.HandleFunc("GET /readyz", s.readyz)

	s.route(mux, "POST /api/v1/auth/login", "", "", s.login)

	s.route(mux, "GET /api/v1/tariff", auth.ObjTariff, auth.ActRead, s.getTariff)
	s.route(mux, "PUT /api/v1/tariff", auth.ObjTariff, auth.ActWrite, s.saveTariff)

	s.route(mux, "GET /api/v1/residents", auth.ObjResidents, auth.ActRead, s.listResidents)
	s.route(mux, "POST /api/v1/residents", auth.ObjResidents, auth.ActWrite, s.createResident)
	s.route(mux, "PUT /api/v1/residents/{id}", auth.ObjResidents, auth.ActWrite, s.updateResident)
	s.route(mux, "DELETE /api/v1/residents/{id}", auth.ObjResidents, auth.ActWrite, s.deleteResident)

	s.route(mux, "POST /api/v1/readings", auth.ObjReadings, auth.ActWrite, s.recordReading)
	s.route(mux, "PUT /api/v1/readings/{id}", auth.ObjReadings, auth.ActWrite, s.updateReading)
	s.route(mux, "DELETE /api/v1/readings/{id}", auth.ObjReadings, auth.ActWrite, s.deleteReading)

	s.route(mux, "GET /api/v1/bills", auth.ObjBills, auth.ActRead, s.listBills)
	s.route(mux, "POST /api/v1/bills/{id}/pay", auth.ObjPayments, auth.ActWrite, s.payBill)

	s.route(mux, "POST /api/v1/arrears", auth.ObjArrears, auth.ActWrite, s.submitArrear)
	s.route(mux, "POST /api/v1/arrears/import", auth.ObjArrears, auth.ActWrite, s.importArrears)

	s.route(mux, "POST /api/v1/recalculate", auth.ObjTariff, auth.ActWrite, s.recalculate)
	s.route(mux, "GET /api/v1/recalculate/{batchId}", auth.ObjTariff, auth.ActRead, s.batchProgress)

	s.route(mux, "GET /api/v1/transactions", auth.ObjLedger, auth.ActRead, s.listTransactions)
	s.route(mux, "POST /api/v1/transactions", auth.ObjLedger, auth.ActWrite, s.recordTransaction)
	s.route(mux, "DELETE /api/v1/transactions/{id}", auth.ObjLedger, auth.ActWrite, s.deleteTransaction)

	s.route(mux, "GET /api/v1/bank-accounts", auth.ObjLedger, auth.ActRead, s.listBankAccounts)
	s.route(mux, "POST /api/v1/bank-accounts", auth.ObjLedger, auth.ActWrite, s.createBankAccount)
	s.route(mux, "GET /api/v1/bank-accounts/{id}/mutations", auth.ObjLedger, auth.ActRead, s.listBankMutations)
	s.route(mux, "POST /api/v1/bank-accounts/{id}/mutations", auth.ObjLedger, auth.ActWrite, s.recordBankMutation)
	s.route(mux, "GET /api/v1/audit/bank-balances", auth.ObjLedger, auth.ActRead, s.auditBankBalances)

	if d.Notifications != nil {
		registerNotificationRoutes(s, mux)
	}

	if d.Auth == nil {
		return mux
	}
	return d.Auth.Middleware(mux)
}

// route registers h under pattern with request metrics and, when auth is
// enabled and obj is set, a permission check.
func (s *server) route(mux *http.ServeMux, pattern, obj, act string, h http.HandlerFunc) {
	var handler http.Handler = h
	if s.Auth != nil && obj != "" {
		handler = s.Auth.RequirePermission(obj, act, handler)
	}
	mux.Handle(pattern, instrument(pattern, handler))
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func instrument(route string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		metrics.RequestsTotal.WithLabelValues(route).Inc()

		next.ServeHTTP(rec, r)

		metrics.RequestDurationSeconds.WithLabelValues(route).Observe(time.Since(start).Seconds())
		if rec.status >= 400 {
			metrics.RequestErrorsTotal.WithLabelValues(route, strconv.Itoa(rec.status)).Inc()
		}
	})
}

func (s *server) readyz(w http.ResponseWriter, r *http.Request) {
	if err := s.Store.Ping(r.Context()); err != nil {
		s.Logger.Warn("readyz: store ping failed", zap.Error(err))
		http.Error(w, "db not ready", http.StatusServiceUnavailable)
		return
	}
	_, _ = w.Write([]byte("ready"))
}

type errorResponse struct {
	Code    string            `json:"code"`
	Message string            `json:"message"`
	Fields  map[string]string `json:"fields,omitempty"`
	Details any               `json:"details,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func statusOf(code billing.Code) int {
	switch code {
	case billing.CodeValidation:
		return http.StatusBadRequest
	case billing.CodeNotFound:
		return http.StatusNotFound
	case billing.CodeDuplicatePeriod, billing.CodeReferenced, billing.CodeBusy:
		return http.StatusConflict
	default:
		return http.StatusServiceUnavailable
	}
}

// writeError maps a billing error onto its HTTP status and body.
func (s *server) writeError(w http.ResponseWriter, err error) {
	code := billing.CodeOf(err)
	resp := errorResponse{Code: string(code), Message: err.Error()}

	var conflict *billing.ConflictError
	if errors.As(err, &conflict) {
		resp.Details = map[string]storage.Bill{
			"existing":  conflict.Existing,
			"candidate": conflict.Candidate,
		}
	}
	var recalc *billing.RecalcError
	if errors.As(err, &recalc) {
		resp.Details = recalc.Result
	}

	if code == billing.CodeStoreUnavailable {
		s.Logger.Error("request failed", zap.Error(err))
		resp.Message = "storage unavailable"
	}
	writeJSON(w, statusOf(code), resp)
}

func writeValidation(w http.ResponseWriter, msg string, fields map[string]string) {
	writeJSON(w, http.StatusBadRequest, errorResponse{
		Code:    string(billing.CodeValidation),
		Message: msg,
		Fields:  fields,
	})
}

// decode reads a JSON body into v and runs struct validation on it. It
// writes the 400 response itself and reports false on failure.
func (s *server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeValidation(w, "invalid request body: "+err.Error(), nil)
		return false
	}
	if reflect.Indirect(reflect.ValueOf(v)).Kind() != reflect.Struct {
		return true
	}
	if err := s.validate.Struct(v); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			writeValidation(w, err.Error(), nil)
			return false
		}
		fields := make(map[string]string, len(verrs))
		for _, fe := range verrs {
			fields[fe.Field()] = validationMessage(fe)
		}
		writeValidation(w, "request validation failed", fields)
		return false
	}
	return true
}

func validationMessage(e validator.FieldError) string {
	switch e.Tag() {
	case "required":
		return "This field is required"
	case "email":
		return "Invalid email format"
	case "min", "gte":
		return "Must be at least " + e.Param()
	case "max", "lte":
		return "Must be at most " + e.Param()
	case "gt":
		return "Must be greater than " + e.Param()
	case "oneof":
		return "Must be one of: " + e.Param()
	default:
		return "Invalid value"
	}
}

func queryInt(r *http.Request, key string) (int, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, &billing.Error{Code: billing.CodeValidation, Message: key + " must be a number", Err: err}
	}
	return n, nil
}

func queryTime(r *http.Request, key string) (time.Time, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return time.Time{}, nil
	}
	for _, layout := range []string{time.RFC3339, time.DateOnly} {
		if t, err := time.Parse(layout, v); err == nil {
			return t, nil
		}
	}
	return time.Time{}, &billing.Error{Code: billing.CodeValidation, Message: key + " must be RFC3339 or YYYY-MM-DD"}
}
