// Package outbox drains queued sends to the gateway. Sends are optimistic:
// the message row exists as pending from the moment it is queued, moves to
// sending when picked up, and waits for the gateway's status event to confirm
// delivery.
package outbox

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rafaelmqs/deskhub/internal/bus"
	"github.com/rafaelmqs/deskhub/internal/clock"
	"github.com/rafaelmqs/deskhub/internal/delivery"
	"github.com/rafaelmqs/deskhub/internal/gateway"
	"github.com/rafaelmqs/deskhub/internal/store"
	"go.uber.org/zap"
)

// MessageSender is the gateway surface the sender needs.
type MessageSender interface {
	SendMessage(ctx context.Context, req gateway.SendRequest) (*gateway.SendResult, error)
}

// ChangeTracker counts locally queued changes awaiting a sync.
type ChangeTracker interface {
	AddPendingChange()
}

// Sender drains the outbox and pushes queued messages to the gateway.
type Sender struct {
	db            *store.DB
	gw            MessageSender
	machine       *delivery.Machine
	tracker       ChangeTracker
	bus           *bus.Bus
	logger        *zap.Logger
	clk           clock.Clock
	pollInterval  time.Duration
	confirmWindow time.Duration
	cancel        context.CancelFunc
}

// NewSender creates an outbox sender. confirmWindow bounds how long a message
// may sit in sending before the timeout sweep fails it.
func NewSender(db *store.DB, gw MessageSender, machine *delivery.Machine, tracker ChangeTracker, b *bus.Bus, logger *zap.Logger, clk clock.Clock, confirmWindow time.Duration) *Sender {
	if logger == nil {
		logger = zap.NewNop()
	}
	if clk == nil {
		clk = clock.System
	}
	return &Sender{
		db:            db,
		gw:            gw,
		machine:       machine,
		tracker:       tracker,
		bus:           b,
		logger:        logger,
		clk:           clk,
		pollInterval:  500 * time.Millisecond,
		confirmWindow: confirmWindow,
	}
}

// Queue records a new outbound message and returns its client id. The message
// appears immediately as pending; the poll loop picks it up.
func (s *Sender) Queue(conversationID, body, attachmentRef string) (string, error) {
	clientMsgID := uuid.NewString()
	if err := s.db.QueueOutbox(clientMsgID, conversationID, body, attachmentRef); err != nil {
		return "", err
	}
	contentKind := "text"
	if attachmentRef != "" {
		contentKind = "attachment"
	}
	err := s.db.UpsertMessage(&store.Message{
		ConversationID: conversationID,
		MsgID:          clientMsgID,
		Body:           body,
		ContentKind:    contentKind,
		AttachmentRef:  attachmentRef,
		FromMe:         true,
		Status:         string(delivery.Pending),
		Timestamp:      s.clk.Now().UnixMilli(),
	})
	if err != nil {
		return "", err
	}
	if s.tracker != nil {
		s.tracker.AddPendingChange()
	}
	s.publish(bus.KindMessageUpserted, map[string]string{
		"conversation_id": conversationID,
		"msg_id":          clientMsgID,
	})
	return clientMsgID, nil
}

// Retry puts a failed message back on the queue. msgID may be either the
// client id or the server id the message was re-keyed to.
func (s *Sender) Retry(msgID string) error {
	entry, err := s.db.OutboxForMessage(msgID)
	if err != nil {
		return err
	}
	if entry == nil {
		return errors.New("message was not sent from this device")
	}
	if err := s.machine.Retry(messageKey(entry)); err != nil {
		return err
	}
	return s.db.RequeueOutbox(entry.ClientMsgID)
}

// Start begins polling the outbox.
func (s *Sender) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	go s.loop(ctx)
}

// Stop stops the poll loop.
func (s *Sender) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
}

func (s *Sender) loop(ctx context.Context) {
	for {
		select {
		case <-s.clk.After(s.pollInterval):
			s.ProcessPending(ctx)
			s.SweepTimeouts()
		case <-ctx.Done():
			return
		}
	}
}

// ProcessPending drains everything currently queued.
func (s *Sender) ProcessPending(ctx context.Context) {
	pending, err := s.db.PendingOutbox()
	if err != nil {
		s.logger.Error("failed to read outbox", zap.Error(err))
		return
	}

	for _, entry := range pending {
		key := messageKey(&entry)
		if err := s.db.MarkOutboxSending(entry.ClientMsgID); err != nil {
			s.logger.Error("failed to mark sending", zap.Error(err), zap.String("client_msg_id", entry.ClientMsgID))
			continue
		}
		if err := s.machine.MarkSending(key); err != nil {
			s.logger.Warn("message not in a sendable state", zap.Error(err), zap.String("msg_id", key))
		}

		res, err := s.gw.SendMessage(ctx, gateway.SendRequest{
			ConversationID: entry.ConversationID,
			ClientMsgID:    entry.ClientMsgID,
			Body:           entry.Body,
			AttachmentRef:  entry.AttachmentRef,
		})
		if err != nil {
			s.fail(entry, key, err)
			continue
		}

		if err := s.db.MarkOutboxSent(entry.ClientMsgID, res.MessageID); err != nil {
			s.logger.Error("failed to mark sent", zap.Error(err), zap.String("client_msg_id", entry.ClientMsgID))
		}
		if res.MessageID != "" && res.MessageID != key {
			// Future status events reference the gateway's id.
			if err := s.db.RekeyMessage(key, res.MessageID); err != nil {
				s.logger.Error("failed to rekey message", zap.Error(err), zap.String("msg_id", key))
			}
		}
		s.logger.Info("message handed to gateway",
			zap.String("client_msg_id", entry.ClientMsgID),
			zap.String("server_msg_id", res.MessageID))
	}
}

// SweepTimeouts fails messages whose delivery confirmation never arrived and
// marks their outbox entries so they become retryable.
func (s *Sender) SweepTimeouts() {
	if s.confirmWindow <= 0 {
		return
	}
	swept, err := s.machine.SweepStuckSending(s.confirmWindow)
	if err != nil {
		s.logger.Error("confirmation sweep failed", zap.Error(err))
		return
	}
	for _, msgID := range swept {
		entry, err := s.db.OutboxForMessage(msgID)
		if err != nil || entry == nil {
			continue
		}
		if err := s.db.MarkOutboxFailed(entry.ClientMsgID, "delivery confirmation timed out"); err != nil {
			s.logger.Error("failed to mark outbox entry", zap.Error(err), zap.String("client_msg_id", entry.ClientMsgID))
		}
	}
}

func (s *Sender) fail(entry store.OutboxEntry, key string, sendErr error) {
	s.logger.Error("failed to send message", zap.Error(sendErr), zap.String("client_msg_id", entry.ClientMsgID))
	if err := s.db.MarkOutboxFailed(entry.ClientMsgID, sendErr.Error()); err != nil {
		s.logger.Error("failed to mark outbox entry", zap.Error(err), zap.String("client_msg_id", entry.ClientMsgID))
	}
	if err := s.machine.MarkFailed(key); err != nil {
		s.logger.Warn("failed to record send failure", zap.Error(err), zap.String("msg_id", key))
	}
	s.publish(bus.KindMessageSendFailed, map[string]string{
		"client_msg_id": entry.ClientMsgID,
		"error":         sendErr.Error(),
	})
}

// messageKey returns the id the message row is currently stored under.
func messageKey(entry *store.OutboxEntry) string {
	if entry.ServerMsgID != "" {
		return entry.ServerMsgID
	}
	return entry.ClientMsgID
}

func (s *Sender) publish(kind string, payload any) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(bus.Event{Kind: kind, Timestamp: time.Now(), Payload: payload})
}
