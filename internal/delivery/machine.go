// Package delivery tracks the per-message delivery lifecycle and merges
// server-pushed status updates into locally held state. Updates are applied
// last-write-wins by monotonic sequence, so out-of-order and duplicate
// delivery after a reconnect replay are safe.
package delivery

import (
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/rafaelmqs/deskhub/internal/bus"
	"github.com/rafaelmqs/deskhub/internal/clock"
	"github.com/rafaelmqs/deskhub/internal/gateway"
	"github.com/rafaelmqs/deskhub/internal/store"
	"go.uber.org/zap"
)

// State is a message delivery state.
type State string

const (
	Pending   State = "pending"
	Sending   State = "sending"
	Delivered State = "delivered"
	Failed    State = "failed"
)

// validTransitions defines allowed local state transitions.
var validTransitions = map[State][]State{
	Pending:   {Sending},
	Sending:   {Delivered, Failed},
	Failed:    {Pending},
	Delivered: {},
}

// rank orders states for the external-confirmation path: a server update
// bearing a newer sequence may jump forward (e.g. a Delivered push for a
// message this client never observed as Sending, sent from another device),
// but never backward. Delivered is sticky.
var rank = map[State]int{
	Pending:   0,
	Sending:   1,
	Failed:    2,
	Delivered: 3,
}

// ErrStale marks an update discarded because its sequence number is older
// than the one already recorded. Logged, never surfaced to the user.
var ErrStale = errors.New("stale update")

// InvalidTransitionError is returned when an update targets a state the
// current state cannot move to.
type InvalidTransitionError struct {
	MsgID string
	From  State
	To    State
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid delivery transition for %s: %s -> %s", e.MsgID, e.From, e.To)
}

// StatusChange is the payload of message.status_changed bus events.
type StatusChange struct {
	MessageID      string
	ConversationID string
	From           State
	To             State
	Sequence       int64
}

// Machine owns message delivery state. It is the single writer of message
// status rows.
type Machine struct {
	db     *store.DB
	bus    *bus.Bus
	logger *zap.Logger
	clk    clock.Clock
}

// NewMachine creates a delivery state machine backed by the store.
func NewMachine(db *store.DB, b *bus.Bus, logger *zap.Logger, clk clock.Clock) *Machine {
	if logger == nil {
		logger = zap.NewNop()
	}
	if clk == nil {
		clk = clock.System
	}
	return &Machine{db: db, bus: b, logger: logger, clk: clk}
}

// ApplyUpdate merges a server-pushed status update. A message absent locally
// is created (it may originate from another client). Stale sequences return
// ErrStale; duplicate updates are a no-op; backward jumps return
// InvalidTransitionError.
func (m *Machine) ApplyUpdate(u gateway.StatusUpdate) error {
	target := State(u.Status)
	if _, ok := rank[target]; !ok {
		return fmt.Errorf("unknown delivery status %q", u.Status)
	}

	msg, err := m.db.GetMessage(u.MessageID)
	if err != nil {
		return fmt.Errorf("load message: %w", err)
	}

	if msg == nil {
		// Created on another client; create-if-absent.
		created := &store.Message{
			ConversationID: u.ConversationID,
			MsgID:          u.MessageID,
			ContentKind:    "text",
			Status:         string(target),
			Sequence:       u.Sequence,
			Timestamp:      u.Timestamp,
		}
		if err := m.db.UpsertMessage(created); err != nil {
			return fmt.Errorf("create message: %w", err)
		}
		m.publish(u.MessageID, u.ConversationID, "", target, u.Sequence)
		return nil
	}

	current := State(msg.Status)
	if u.Sequence < msg.Sequence {
		m.logger.Debug("discarding stale update",
			zap.String("msg_id", u.MessageID),
			zap.Int64("update_sequence", u.Sequence),
			zap.Int64("recorded_sequence", msg.Sequence))
		return fmt.Errorf("%w: sequence %d < %d for %s", ErrStale, u.Sequence, msg.Sequence, u.MessageID)
	}
	if u.Sequence == msg.Sequence && target == current {
		// Duplicate delivery of the same logical update.
		return nil
	}
	if target == current {
		// Same state with a newer sequence; just advance the watermark.
		return m.db.SetMessageStatus(u.MessageID, string(current), u.Sequence)
	}

	if !m.canMove(current, target) {
		return &InvalidTransitionError{MsgID: u.MessageID, From: current, To: target}
	}

	if err := m.db.SetMessageStatus(u.MessageID, string(target), u.Sequence); err != nil {
		return fmt.Errorf("store status: %w", err)
	}
	m.publish(u.MessageID, msg.ConversationID, current, target, u.Sequence)
	return nil
}

// ApplyRecord ingests a full message record (message:created event or a
// snapshot row). Existing rows with a newer sequence win over the record.
func (m *Machine) ApplyRecord(rec gateway.MessageRecord) error {
	existing, err := m.db.GetMessage(rec.MessageID)
	if err != nil {
		return fmt.Errorf("load message: %w", err)
	}
	if existing != nil && existing.Sequence > rec.Sequence {
		return nil
	}

	kind := rec.ContentKind
	if kind == "" {
		kind = "text"
	}
	msg := &store.Message{
		ConversationID: rec.ConversationID,
		MsgID:          rec.MessageID,
		Body:           rec.Body,
		ContentKind:    kind,
		AttachmentRef:  rec.AttachmentRef,
		FromMe:         rec.FromMe,
		Status:         rec.Status,
		Sequence:       rec.Sequence,
		Timestamp:      rec.Timestamp,
	}
	if err := m.db.UpsertMessage(msg); err != nil {
		return fmt.Errorf("upsert message: %w", err)
	}

	if existing == nil {
		m.publishUpserted(rec.MessageID, rec.ConversationID)
	} else if existing.Status != rec.Status {
		m.publish(rec.MessageID, rec.ConversationID, State(existing.Status), State(rec.Status), rec.Sequence)
	}
	return nil
}

// MarkSending records the beginning of a send attempt (Pending -> Sending).
func (m *Machine) MarkSending(msgID string) error {
	return m.transitionLocal(msgID, Sending)
}

// MarkFailed records a terminal failure for the current attempt
// (Sending -> Failed). Used for rejections, exhausted retries, and
// confirmation timeouts.
func (m *Machine) MarkFailed(msgID string) error {
	return m.transitionLocal(msgID, Failed)
}

// Retry puts a failed message back to Pending so the sender picks it up again.
func (m *Machine) Retry(msgID string) error {
	return m.transitionLocal(msgID, Pending)
}

// SweepStuckSending fails messages that have sat in Sending longer than the
// confirmation window. Returns the ids it failed.
func (m *Machine) SweepStuckSending(window time.Duration) ([]string, error) {
	cutoff := m.clk.Now().Add(-window).UnixMilli()
	stuck, err := m.db.StuckSending(cutoff)
	if err != nil {
		return nil, fmt.Errorf("query stuck sending: %w", err)
	}

	var failed []string
	for _, msg := range stuck {
		if err := m.db.SetMessageStatus(msg.MsgID, string(Failed), msg.Sequence); err != nil {
			m.logger.Error("failed to time out message", zap.Error(err), zap.String("msg_id", msg.MsgID))
			continue
		}
		m.logger.Warn("confirmation timeout, message failed",
			zap.String("msg_id", msg.MsgID),
			zap.Duration("window", window))
		m.publish(msg.MsgID, msg.ConversationID, Sending, Failed, msg.Sequence)
		failed = append(failed, msg.MsgID)
	}
	return failed, nil
}

func (m *Machine) transitionLocal(msgID string, target State) error {
	msg, err := m.db.GetMessage(msgID)
	if err != nil {
		return fmt.Errorf("load message: %w", err)
	}
	if msg == nil {
		return fmt.Errorf("message %s not found", msgID)
	}

	current := State(msg.Status)
	if current == target {
		return nil
	}
	if !slices.Contains(validTransitions[current], target) {
		return &InvalidTransitionError{MsgID: msgID, From: current, To: target}
	}
	if err := m.db.SetMessageStatus(msgID, string(target), msg.Sequence); err != nil {
		return fmt.Errorf("store status: %w", err)
	}
	m.publish(msgID, msg.ConversationID, current, target, msg.Sequence)
	return nil
}

// canMove allows table transitions plus forward jumps for server updates.
func (m *Machine) canMove(from, to State) bool {
	if slices.Contains(validTransitions[from], to) {
		return true
	}
	return rank[to] > rank[from]
}

func (m *Machine) publish(msgID, convID string, from, to State, sequence int64) {
	if m.bus == nil {
		return
	}
	m.bus.Publish(bus.Event{
		Kind:      bus.KindMessageStatus,
		Timestamp: time.Now(),
		Payload: StatusChange{
			MessageID:      msgID,
			ConversationID: convID,
			From:           from,
			To:             to,
			Sequence:       sequence,
		},
	})
}

func (m *Machine) publishUpserted(msgID, convID string) {
	if m.bus == nil {
		return
	}
	m.bus.Publish(bus.Event{
		Kind:      bus.KindMessageUpserted,
		Timestamp: time.Now(),
		Payload:   map[string]string{"conversation_id": convID, "msg_id": msgID},
	})
}
