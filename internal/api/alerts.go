package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

func (s *Server) getAlerts(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{"alert": s.alerts.Current()})
}

func (s *Server) dismissAlert(w http.ResponseWriter, r *http.Request) {
	category := chi.URLParam(r, "category")
	if err := s.alerts.Dismiss(category); err != nil {
		s.writeError(w, http.StatusConflict, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"alert": s.alerts.Current()})
}
