package api

import (
	"net/http"

	"github.com/bher20/wargabill/internal/auth"
	"github.com/bher20/wargabill/internal/storage"
)

type emailTestRequest struct {
	Config storage.EmailConfig `json:"config"`
	To     string              `json:"to" validate:"required,email"`
}

func registerNotificationRoutes(s *server, mux *http.ServeMux) {
	s.route(mux, "GET /api/v1/settings/email", auth.ObjSettings, auth.ActRead, func(w http.ResponseWriter, r *http.Request) {
		cfg, err := s.Notifications.GetConfig(r.Context())
		if err != nil {
			s.writeError(w, err)
			return
		}
		if cfg == nil {
			cfg = &storage.EmailConfig{}
		}
		cfg.Password = ""
		cfg.APIKey = ""
		writeJSON(w, http.StatusOK, cfg)
	})

	s.route(mux, "PUT /api/v1/settings/email", auth.ObjSettings, auth.ActWrite, func(w http.ResponseWriter, r *http.Request) {
		var req storage.EmailConfig
		if !s.decode(w, r, &req) {
			return
		}
		if err := s.Notifications.SaveConfig(r.Context(), req); err != nil {
			writeValidation(w, err.Error(), nil)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})

	s.route(mux, "POST /api/v1/settings/email/test", auth.ObjSettings, auth.ActWrite, func(w http.ResponseWriter, r *http.Request) {
		var req emailTestRequest
		if !s.decode(w, r, &req) {
			return
		}
		if err := s.Notifications.TestConfig(r.Context(), req.Config, req.To); err != nil {
			writeValidation(w, err.Error(), nil)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})
}
