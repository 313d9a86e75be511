// Package connectivity owns the process-wide sync status: whether the client
// is online, whether a reconciliation is in flight, and how much local state
// is waiting to be pushed. It reacts to reachability signals and channel
// lifecycle events by driving reconciliation.
package connectivity

import (
	"context"
	"sync"
	"time"

	"github.com/rafaelmqs/deskhub/internal/bus"
	"github.com/rafaelmqs/deskhub/internal/clock"
	"go.uber.org/zap"
)

// SyncStatus is a read-mostly snapshot of connectivity and sync state.
type SyncStatus struct {
	IsOnline           bool       `json:"isOnline"`
	IsSyncing          bool       `json:"isSyncing"`
	LastSyncAt         *time.Time `json:"lastSyncAt"`
	PendingChangeCount int        `json:"pendingChangeCount"`
}

// Reconciler performs a full-state refetch. Implementations must collapse
// concurrent invocations into a single in-flight run.
type Reconciler interface {
	Reconcile(ctx context.Context) error
}

// Monitor tracks reachability and schedules reconciliation. Loss of
// reachability is recorded immediately, without debounce; regained
// reachability starts exactly one reconciliation, with flaps during an
// in-flight run coalesced into a single follow-up.
type Monitor struct {
	rec    Reconciler
	bus    *bus.Bus
	logger *zap.Logger
	clk    clock.Clock

	mu       sync.Mutex
	status   SyncStatus
	inFlight bool
	followUp bool

	cancel context.CancelFunc
}

// NewMonitor creates a monitor initialized from the given reachability signal.
func NewMonitor(rec Reconciler, b *bus.Bus, logger *zap.Logger, clk clock.Clock, initiallyOnline bool) *Monitor {
	if logger == nil {
		logger = zap.NewNop()
	}
	if clk == nil {
		clk = clock.System
	}
	return &Monitor{
		rec:    rec,
		bus:    b,
		logger: logger,
		clk:    clk,
		status: SyncStatus{IsOnline: initiallyOnline},
	}
}

// Start subscribes to channel lifecycle events on the bus.
func (m *Monitor) Start(ctx context.Context) {
	ctx, m.cancel = context.WithCancel(ctx)
	ch, unsub := m.bus.Subscribe("conn.", 64)

	go func() {
		defer unsub()
		for {
			select {
			case evt := <-ch:
				m.handleEvent(ctx, evt)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop stops the monitor.
func (m *Monitor) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
}

func (m *Monitor) handleEvent(ctx context.Context, evt bus.Event) {
	switch evt.Kind {
	case bus.KindChannelConnected:
		m.SetOnline(ctx, true)
	case bus.KindChannelDisconnected, bus.KindChannelUnreachable:
		m.SetOnline(ctx, false)
	}
}

// Snapshot returns a copy of the current sync status.
func (m *Monitor) Snapshot() SyncStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	snap := m.status
	if m.status.LastSyncAt != nil {
		t := *m.status.LastSyncAt
		snap.LastSyncAt = &t
	}
	return snap
}

// SetOnline records a reachability transition. Going offline takes effect
// immediately; coming back online kicks off a reconciliation.
func (m *Monitor) SetOnline(ctx context.Context, online bool) {
	m.mu.Lock()
	was := m.status.IsOnline
	m.status.IsOnline = online
	m.mu.Unlock()

	if !online {
		if was {
			m.logger.Warn("reachability lost")
		}
		return
	}
	if !was {
		m.logger.Info("reachability regained, reconciling")
	}
	m.TriggerReconcile(ctx)
}

// AddPendingChange increments the count of local changes awaiting sync.
func (m *Monitor) AddPendingChange() {
	m.mu.Lock()
	m.status.PendingChangeCount++
	m.mu.Unlock()
}

// SetPendingChanges seeds the counter, e.g. from outbox entries that survived
// a restart.
func (m *Monitor) SetPendingChanges(n int) {
	m.mu.Lock()
	m.status.PendingChangeCount = n
	m.mu.Unlock()
}

// TriggerReconcile schedules a reconciliation in the background. If one is
// already in flight, exactly one follow-up is recorded instead of starting a
// concurrent run.
func (m *Monitor) TriggerReconcile(ctx context.Context) {
	m.mu.Lock()
	if m.inFlight {
		m.followUp = true
		m.mu.Unlock()
		return
	}
	m.inFlight = true
	m.status.IsSyncing = true
	m.mu.Unlock()

	go m.run(ctx)
}

// ReconcileNow runs a reconciliation synchronously and returns its outcome.
// Used by the control API and scheduled retries.
func (m *Monitor) ReconcileNow(ctx context.Context) error {
	m.mu.Lock()
	m.status.IsSyncing = true
	m.mu.Unlock()

	err := m.rec.Reconcile(ctx)
	m.finish(err)
	return err
}

func (m *Monitor) run(ctx context.Context) {
	for {
		err := m.rec.Reconcile(ctx)

		m.mu.Lock()
		again := m.followUp
		m.followUp = false
		if !again {
			m.inFlight = false
		}
		m.mu.Unlock()

		m.finish(err)

		if !again {
			return
		}
		m.mu.Lock()
		m.status.IsSyncing = true
		m.mu.Unlock()
	}
}

// finish applies the completion bookkeeping: success stamps the sync time and
// clears the pending-change counter, failure leaves both untouched.
func (m *Monitor) finish(err error) {
	m.mu.Lock()
	m.status.IsSyncing = false
	if err == nil {
		now := m.clk.Now()
		m.status.LastSyncAt = &now
		m.status.PendingChangeCount = 0
	}
	m.mu.Unlock()

	if err != nil {
		m.logger.Warn("reconciliation failed", zap.Error(err))
		m.publish(bus.KindSyncFailed, err.Error())
		return
	}
	m.publish(bus.KindSyncCompleted, nil)
}

func (m *Monitor) publish(kind string, payload any) {
	if m.bus == nil {
		return
	}
	m.bus.Publish(bus.Event{Kind: kind, Timestamp: time.Now(), Payload: payload})
}
