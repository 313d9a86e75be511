package api

import (
	"io"
	"net/http"

	"go.uber.org/zap"
)

// 25 MB request cap for uploads and extraction; the gateway rejects larger
// attachments anyway.
const maxUploadBytes = 25 << 20

func (s *Server) getStorage(w http.ResponseWriter, r *http.Request) {
	quota, err := s.drive.Quota(r.Context())
	if err != nil {
		s.logger.Warn("failed to read storage quota", zap.Error(err))
		s.writeError(w, http.StatusBadGateway, "failed to read storage quota")
		return
	}

	// A fresh quota read also recomputes the live alert.
	alert, err := s.alerts.Observe(quota.Ratio())
	if err != nil {
		s.logger.Error("failed to evaluate storage alert", zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "failed to evaluate storage alert")
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]any{
		"used":  quota.Used,
		"total": quota.Total,
		"ratio": quota.Ratio(),
		"alert": alert,
	})
}

func (s *Server) listFiles(w http.ResponseWriter, r *http.Request) {
	items, err := s.drive.ListChildren(r.Context(), r.URL.Query().Get("path"))
	if err != nil {
		s.logger.Warn("failed to list drive folder", zap.Error(err))
		s.writeError(w, http.StatusBadGateway, "failed to list drive folder")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (s *Server) uploadFile(w http.ResponseWriter, r *http.Request) {
	file, name, ok := s.readUpload(w, r)
	if !ok {
		return
	}
	defer func() { _ = file.Close() }()

	path := r.FormValue("path")
	if path == "" {
		path = name
	}

	item, err := s.drive.Upload(r.Context(), path, file)
	if err != nil {
		s.logger.Warn("upload failed", zap.Error(err), zap.String("path", path))
		s.writeError(w, http.StatusBadGateway, "upload failed")
		return
	}
	s.writeJSON(w, http.StatusCreated, map[string]any{"item": item})
}

func (s *Server) extractDocument(w http.ResponseWriter, r *http.Request) {
	file, _, ok := s.readUpload(w, r)
	if !ok {
		return
	}
	defer func() { _ = file.Close() }()

	pdf, err := io.ReadAll(io.LimitReader(file, maxUploadBytes))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "failed to read document")
		return
	}

	invoice, err := s.extractor.Extract(r.Context(), pdf)
	if err != nil {
		s.logger.Warn("extraction failed", zap.Error(err))
		s.writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"invoice": invoice})
}

func (s *Server) readUpload(w http.ResponseWriter, r *http.Request) (io.ReadCloser, string, bool) {
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		s.writeError(w, http.StatusBadRequest, "expected multipart form with a file field")
		return nil, "", false
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "missing file field")
		return nil, "", false
	}
	return file, header.Filename, true
}
