package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

func (s *Server) listConversations(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))

	convs, err := s.db.ListConversations(limit, offset)
	if err != nil {
		s.logger.Error("failed to list conversations", zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "failed to list conversations")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"conversations": convs})
}

type setStatusRequest struct {
	Status string `json:"status"`
}

func (s *Server) setConversationStatus(w http.ResponseWriter, r *http.Request) {
	conversationID := chi.URLParam(r, "id")
	var req setStatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	switch req.Status {
	case "active", "archived", "blocked":
	default:
		s.writeError(w, http.StatusBadRequest, "status must be active, archived or blocked")
		return
	}

	conv, err := s.db.GetConversation(conversationID)
	if err != nil {
		s.logger.Error("failed to load conversation", zap.Error(err), zap.String("conversation_id", conversationID))
		s.writeError(w, http.StatusInternalServerError, "failed to load conversation")
		return
	}
	if conv == nil {
		s.writeError(w, http.StatusNotFound, "conversation not found")
		return
	}
	if err := s.db.SetConversationStatus(conversationID, req.Status); err != nil {
		s.logger.Error("failed to update conversation status", zap.Error(err), zap.String("conversation_id", conversationID))
		s.writeError(w, http.StatusInternalServerError, "failed to update conversation status")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"id": conversationID, "status": req.Status})
}

func (s *Server) listMessages(w http.ResponseWriter, r *http.Request) {
	conversationID := chi.URLParam(r, "id")
	before, _ := strconv.ParseInt(r.URL.Query().Get("before"), 10, 64)
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	msgs, err := s.db.ListMessages(conversationID, before, limit)
	if err != nil {
		s.logger.Error("failed to list messages", zap.Error(err), zap.String("conversation_id", conversationID))
		s.writeError(w, http.StatusInternalServerError, "failed to list messages")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"messages": msgs})
}

func (s *Server) searchMessages(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query().Get("q")
	if query == "" {
		s.writeError(w, http.StatusBadRequest, "missing query parameter q")
		return
	}
	conversationID := r.URL.Query().Get("conversation")
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	results, err := s.db.SearchMessages(query, conversationID, limit)
	if err != nil {
		s.logger.Error("search failed", zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "search failed")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"results": results})
}

type sendMessageRequest struct {
	ConversationID string `json:"conversationId"`
	Body           string `json:"body"`
	AttachmentRef  string `json:"attachmentRef,omitempty"`
}

func (s *Server) sendMessage(w http.ResponseWriter, r *http.Request) {
	var req sendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.ConversationID == "" || (req.Body == "" && req.AttachmentRef == "") {
		s.writeError(w, http.StatusBadRequest, "conversationId and body are required")
		return
	}

	msgID, err := s.queue.Queue(req.ConversationID, req.Body, req.AttachmentRef)
	if err != nil {
		s.logger.Error("failed to queue message", zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "failed to queue message")
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]string{"msgId": msgID})
}

func (s *Server) retryMessage(w http.ResponseWriter, r *http.Request) {
	msgID := chi.URLParam(r, "id")
	if err := s.queue.Retry(msgID); err != nil {
		s.writeError(w, http.StatusConflict, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"msgId": msgID, "status": "pending"})
}
