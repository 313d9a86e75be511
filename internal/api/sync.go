package api

import (
	"net/http"

	"go.uber.org/zap"
)

func (s *Server) syncStatus(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.sync.Snapshot())
}

func (s *Server) reconcile(w http.ResponseWriter, r *http.Request) {
	if err := s.sync.ReconcileNow(r.Context()); err != nil {
		s.logger.Warn("manual reconcile failed", zap.Error(err))
		s.writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, s.sync.Snapshot())
}
