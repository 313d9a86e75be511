// Package reconcile performs the full-state refetch used to recover from gaps
// in incremental event delivery. Within one channel session events arrive in
// wire order, but across a reconnect no ordering holds between the old and new
// session — the driver re-pulls the server snapshot and merges it through the
// delivery machine so replayed state obeys the sequence rule.
package reconcile

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/rafaelmqs/deskhub/internal/bus"
	"github.com/rafaelmqs/deskhub/internal/delivery"
	"github.com/rafaelmqs/deskhub/internal/gateway"
	"github.com/rafaelmqs/deskhub/internal/store"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// CheckpointKey is the sync_state key holding the highest applied sequence.
const CheckpointKey = "last_sequence"

// Fetcher pulls the full server-side state.
type Fetcher interface {
	FetchSnapshot(ctx context.Context) (*gateway.Snapshot, error)
}

// Result summarizes one reconciliation run.
type Result struct {
	Conversations int
	Messages      int
	MaxSequence   int64
}

// Driver orchestrates full-state reconciliation. Concurrent invocations
// collapse into a single in-flight run; every caller receives the outcome of
// that run.
type Driver struct {
	fetcher Fetcher
	machine *delivery.Machine
	db      *store.DB
	bus     *bus.Bus
	logger  *zap.Logger
	group   singleflight.Group
}

// NewDriver creates a reconciliation driver.
func NewDriver(fetcher Fetcher, machine *delivery.Machine, db *store.DB, b *bus.Bus, logger *zap.Logger) *Driver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Driver{
		fetcher: fetcher,
		machine: machine,
		db:      db,
		bus:     b,
		logger:  logger,
	}
}

// Reconcile runs a full-state refetch and merge. Safe to invoke repeatedly;
// callers arriving while a run is in flight await its result instead of
// starting a duplicate fetch.
func (d *Driver) Reconcile(ctx context.Context) error {
	_, err, _ := d.group.Do("reconcile", func() (any, error) {
		return d.run(ctx)
	})
	return err
}

func (d *Driver) run(ctx context.Context) (*Result, error) {
	d.publish(bus.KindSyncStarted, nil)

	snap, err := d.fetcher.FetchSnapshot(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch snapshot: %w", err)
	}

	result := &Result{MaxSequence: snap.MaxSequence}

	for _, conv := range snap.Conversations {
		if err := d.applyConversation(conv); err != nil {
			return nil, fmt.Errorf("apply conversation %s: %w", conv.ConversationID, err)
		}
		result.Conversations++
	}

	for _, rec := range snap.Messages {
		if err := d.machine.ApplyRecord(rec); err != nil {
			return nil, fmt.Errorf("apply message %s: %w", rec.MessageID, err)
		}
		result.Messages++
	}

	if err := d.db.SetSyncState(CheckpointKey, strconv.FormatInt(snap.MaxSequence, 10)); err != nil {
		return nil, fmt.Errorf("store checkpoint: %w", err)
	}

	d.logger.Info("reconciliation complete",
		zap.Int("conversations", result.Conversations),
		zap.Int("messages", result.Messages),
		zap.Int64("max_sequence", result.MaxSequence))

	return result, nil
}

// ApplyConversationUpdate ingests an incremental conversation:updated event.
// Shared with the channel dispatch path.
func (d *Driver) ApplyConversationUpdate(conv gateway.ConversationUpdate) error {
	return d.applyConversation(conv)
}

func (d *Driver) applyConversation(conv gateway.ConversationUpdate) error {
	status := conv.Status
	if status == "" {
		status = "active"
	}
	err := d.db.UpsertConversation(&store.Conversation{
		ID:                 conv.ConversationID,
		ContactName:        conv.ContactName,
		Status:             status,
		LastMessageAt:      conv.LastMessageTimestamp,
		LastMessagePreview: conv.LastMessagePreview,
	})
	if err != nil {
		return err
	}
	d.publish(bus.KindConversationUpdated, map[string]string{
		"conversation_id": conv.ConversationID,
		"status":          status,
	})
	return nil
}

// Checkpoint returns the highest sequence applied by the last reconciliation.
func (d *Driver) Checkpoint() (int64, error) {
	v, err := d.db.GetSyncState(CheckpointKey)
	if err != nil || v == "" {
		return 0, err
	}
	return strconv.ParseInt(v, 10, 64)
}

func (d *Driver) publish(kind string, payload any) {
	if d.bus == nil {
		return
	}
	d.bus.Publish(bus.Event{Kind: kind, Timestamp: time.Now(), Payload: payload})
}
