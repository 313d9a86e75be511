// Package poller runs the daemon's scheduled jobs: the storage quota poll
// that feeds the alert engine, and the sync retry that nudges a stalled
// connection back to life.
package poller

import (
	"context"
	"fmt"
	"time"

	"github.com/rafaelmqs/deskhub/internal/alerts"
	"github.com/rafaelmqs/deskhub/internal/channel"
	"github.com/rafaelmqs/deskhub/internal/connectivity"
	"github.com/rafaelmqs/deskhub/internal/graph"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

const jobTimeout = 30 * time.Second

// QuotaReader reads the drive's storage usage.
type QuotaReader interface {
	Quota(ctx context.Context) (*graph.Quota, error)
}

// SyncRetrier exposes the connectivity state and a way to kick a sync.
type SyncRetrier interface {
	Snapshot() connectivity.SyncStatus
	TriggerReconcile(ctx context.Context)
}

// Reconnector restarts a channel that has given up.
type Reconnector interface {
	State() channel.SessionState
	Connect(ctx context.Context)
}

// Poller owns the cron schedule.
type Poller struct {
	cron    *cron.Cron
	drive   QuotaReader
	engine  *alerts.Engine
	monitor SyncRetrier
	channel Reconnector
	logger  *zap.Logger

	// root context for jobs that outlive a single tick
	ctx context.Context
}

// New builds the poller and registers its jobs. Schedules accept standard
// cron expressions and @every descriptors.
func New(drive QuotaReader, engine *alerts.Engine, monitor SyncRetrier, ch Reconnector, storageSchedule, reconcileSchedule string, logger *zap.Logger) (*Poller, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	p := &Poller{
		cron:    cron.New(),
		drive:   drive,
		engine:  engine,
		monitor: monitor,
		channel: ch,
		logger:  logger,
	}
	if _, err := p.cron.AddFunc(storageSchedule, p.pollStorage); err != nil {
		return nil, fmt.Errorf("invalid storage poll schedule %q: %w", storageSchedule, err)
	}
	if _, err := p.cron.AddFunc(reconcileSchedule, p.retrySync); err != nil {
		return nil, fmt.Errorf("invalid reconcile schedule %q: %w", reconcileSchedule, err)
	}
	return p, nil
}

// Start begins running the schedule. Reconnects and reconciliations started
// by jobs inherit ctx, not the per-tick timeout.
func (p *Poller) Start(ctx context.Context) {
	p.ctx = ctx
	p.cron.Start()
}

// Stop halts the schedule and waits for running jobs to return.
func (p *Poller) Stop() {
	<-p.cron.Stop().Done()
}

func (p *Poller) pollStorage() {
	ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
	defer cancel()

	quota, err := p.drive.Quota(ctx)
	if err != nil {
		p.logger.Warn("storage quota poll failed", zap.Error(err))
		return
	}
	alert, err := p.engine.Observe(quota.Ratio())
	if err != nil {
		p.logger.Error("failed to evaluate storage alert", zap.Error(err))
		return
	}
	if alert != nil {
		p.logger.Debug("storage alert live",
			zap.String("category", alert.Category),
			zap.Float64("ratio", alert.Ratio))
	}
}

// retrySync restarts the channel after backoff exhaustion and re-runs
// reconciliation when local changes are still waiting.
func (p *Poller) retrySync() {
	if p.ctx == nil || p.ctx.Err() != nil {
		return
	}

	snap := p.monitor.Snapshot()
	if !snap.IsOnline {
		if p.channel.State() == channel.Disconnected {
			p.logger.Info("retrying event channel connection")
			p.channel.Connect(p.ctx)
		}
		return
	}
	if snap.PendingChangeCount > 0 && !snap.IsSyncing {
		p.logger.Info("pending local changes, reconciling", zap.Int("count", snap.PendingChangeCount))
		p.monitor.TriggerReconcile(p.ctx)
	}
}
