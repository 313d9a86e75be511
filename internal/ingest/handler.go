// Package ingest connects the event channel's dispatch table to the delivery
// machine and the reconciliation driver. It does not talk to the store
// directly; all merges go through the components that own the state.
package ingest

import (
	"encoding/json"
	"errors"

	"github.com/rafaelmqs/deskhub/internal/channel"
	"github.com/rafaelmqs/deskhub/internal/delivery"
	"github.com/rafaelmqs/deskhub/internal/gateway"
	"github.com/rafaelmqs/deskhub/internal/reconcile"
	"go.uber.org/zap"
)

// Handler decodes gateway events and routes them to their owners.
type Handler struct {
	machine *delivery.Machine
	driver  *reconcile.Driver
	logger  *zap.Logger
}

// NewHandler creates an ingest handler.
func NewHandler(machine *delivery.Machine, driver *reconcile.Driver, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{machine: machine, driver: driver, logger: logger}
}

// Register installs the dispatch table on the channel. Must run before the
// channel connects.
func (h *Handler) Register(ch *channel.Channel) {
	ch.Handle(gateway.EventStatusUpdated, h.handleStatusUpdated)
	ch.Handle(gateway.EventMessageCreated, h.handleMessageCreated)
	ch.Handle(gateway.EventConversationUpdated, h.handleConversationUpdated)
}

func (h *Handler) handleStatusUpdated(payload json.RawMessage) {
	var u gateway.StatusUpdate
	if err := json.Unmarshal(payload, &u); err != nil {
		h.logger.Warn("malformed statusUpdated payload", zap.Error(err))
		return
	}

	err := h.machine.ApplyUpdate(u)
	switch {
	case err == nil:
	case errors.Is(err, delivery.ErrStale):
		// Expected after reconnect replay; the sequence rule already won.
		h.logger.Debug("stale status update discarded", zap.String("msg_id", u.MessageID))
	default:
		var invalid *delivery.InvalidTransitionError
		if errors.As(err, &invalid) {
			h.logger.Warn("rejected status update",
				zap.String("msg_id", u.MessageID),
				zap.String("from", string(invalid.From)),
				zap.String("to", string(invalid.To)))
			return
		}
		h.logger.Error("failed to apply status update", zap.Error(err), zap.String("msg_id", u.MessageID))
	}
}

func (h *Handler) handleMessageCreated(payload json.RawMessage) {
	var rec gateway.MessageRecord
	if err := json.Unmarshal(payload, &rec); err != nil {
		h.logger.Warn("malformed message payload", zap.Error(err))
		return
	}
	if err := h.machine.ApplyRecord(rec); err != nil {
		h.logger.Error("failed to ingest message", zap.Error(err), zap.String("msg_id", rec.MessageID))
	}
}

func (h *Handler) handleConversationUpdated(payload json.RawMessage) {
	var conv gateway.ConversationUpdate
	if err := json.Unmarshal(payload, &conv); err != nil {
		h.logger.Warn("malformed conversation payload", zap.Error(err))
		return
	}
	if err := h.driver.ApplyConversationUpdate(conv); err != nil {
		h.logger.Error("failed to apply conversation update", zap.Error(err), zap.String("conversation_id", conv.ConversationID))
	}
}
