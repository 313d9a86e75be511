// Package api exposes the daemon's control surface as HTTP/JSON on the
// profile's unix socket. The dashboard and hubctl are the only consumers.
package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rafaelmqs/deskhub/internal/alerts"
	"github.com/rafaelmqs/deskhub/internal/connectivity"
	"github.com/rafaelmqs/deskhub/internal/docextract"
	"github.com/rafaelmqs/deskhub/internal/graph"
	"github.com/rafaelmqs/deskhub/internal/store"
	"go.uber.org/zap"
)

// MessageQueue is the outbox surface the API needs.
type MessageQueue interface {
	Queue(conversationID, body, attachmentRef string) (string, error)
	Retry(msgID string) error
}

// SyncController reads connectivity state and runs reconciliations.
type SyncController interface {
	Snapshot() connectivity.SyncStatus
	ReconcileNow(ctx context.Context) error
}

// Drive is the storage surface the API needs.
type Drive interface {
	Quota(ctx context.Context) (*graph.Quota, error)
	Upload(ctx context.Context, path string, content io.Reader) (*graph.DriveItem, error)
	ListChildren(ctx context.Context, path string) ([]graph.DriveItem, error)
}

// Extractor turns an uploaded document into invoice fields.
type Extractor interface {
	Extract(ctx context.Context, pdf []byte) (*docextract.Invoice, error)
}

// Server holds the handler dependencies.
type Server struct {
	db        *store.DB
	queue     MessageQueue
	sync      SyncController
	alerts    *alerts.Engine
	drive     Drive
	extractor Extractor
	logger    *zap.Logger
}

// NewServer creates the API server.
func NewServer(db *store.DB, queue MessageQueue, sync SyncController, engine *alerts.Engine, drive Drive, extractor Extractor, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		db:        db,
		queue:     queue,
		sync:      sync,
		alerts:    engine,
		drive:     drive,
		extractor: extractor,
		logger:    logger,
	}
}

// Router builds the route table.
func (s *Server) Router() *chi.Mux {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Route("/v1", func(r chi.Router) {
		r.Get("/conversations", s.listConversations)
		r.Post("/conversations/{id}/status", s.setConversationStatus)
		r.Get("/conversations/{id}/messages", s.listMessages)
		r.Get("/messages/search", s.searchMessages)
		r.Post("/messages", s.sendMessage)
		r.Post("/messages/{id}/retry", s.retryMessage)

		r.Get("/sync/status", s.syncStatus)
		r.Post("/sync/reconcile", s.reconcile)

		r.Get("/alerts", s.getAlerts)
		r.Post("/alerts/{category}/dismiss", s.dismissAlert)

		r.Get("/storage", s.getStorage)
		r.Get("/files", s.listFiles)
		r.Post("/files", s.uploadFile)
		r.Post("/documents/extract", s.extractDocument)
	})
	return r
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("failed to write response", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}
