package daemon

import (
	"context"
	"os"

	"github.com/rafaelmqs/deskhub/internal/alerts"
	"github.com/rafaelmqs/deskhub/internal/api"
	"github.com/rafaelmqs/deskhub/internal/bus"
	"github.com/rafaelmqs/deskhub/internal/channel"
	"github.com/rafaelmqs/deskhub/internal/clock"
	"github.com/rafaelmqs/deskhub/internal/config"
	"github.com/rafaelmqs/deskhub/internal/connectivity"
	"github.com/rafaelmqs/deskhub/internal/delivery"
	"github.com/rafaelmqs/deskhub/internal/docextract"
	"github.com/rafaelmqs/deskhub/internal/gateway"
	"github.com/rafaelmqs/deskhub/internal/graph"
	"github.com/rafaelmqs/deskhub/internal/ingest"
	"github.com/rafaelmqs/deskhub/internal/lock"
	"github.com/rafaelmqs/deskhub/internal/logging"
	"github.com/rafaelmqs/deskhub/internal/outbox"
	"github.com/rafaelmqs/deskhub/internal/poller"
	"github.com/rafaelmqs/deskhub/internal/reconcile"
	"github.com/rafaelmqs/deskhub/internal/store"
	"github.com/rafaelmqs/deskhub/internal/workspace"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Params holds the resolved profile configuration passed to the fx module.
type Params struct {
	ProfileName string
	SocketPath  string // optional override for testing; empty = use default
}

// Module returns the fx module for the daemon, composing all providers and lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideLogger,
			provideConfig,
			provideBus,
			provideClock,
			provideLock,
			provideStore,
			provideGatewayClient,
			provideMachine,
			provideDriver,
			provideMonitor,
			provideChannel,
			provideIngest,
			provideSender,
			provideAlertEngine,
			provideGraphClient,
			provideExtractor,
			provideAPIServer,
			providePoller,
			NewServer,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideLogger(p Params) (*zap.Logger, error) {
	return logging.New(workspace.LogPath(p.ProfileName), p.ProfileName)
}

func provideConfig(logger *zap.Logger) (*config.Config, error) {
	path := workspace.ConfigPath()
	cfg, err := config.Load(path)
	if err != nil {
		if os.IsNotExist(err) {
			logger.Warn("no config file, using defaults", zap.String("path", path))
			return config.Default(), nil
		}
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideClock() clock.Clock {
	return clock.System
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	if err := workspace.EnsureDir(p.ProfileName); err != nil {
		return nil, err
	}
	logger.Info("acquiring profile lock", zap.String("profile", p.ProfileName))
	l, err := lock.Acquire(workspace.Dir(p.ProfileName))
	if err != nil {
		return nil, err
	}
	logger.Info("profile lock acquired")
	return l, nil
}

func provideStore(p Params, logger *zap.Logger) (*store.DB, error) {
	dbPath := workspace.DBPath(p.ProfileName)
	db, err := store.Open(dbPath)
	if err != nil {
		return nil, err
	}
	result, err := db.Migrate()
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	if result.Changed {
		logger.Info("migrations applied", zap.Uint("version", result.Version))
	} else {
		logger.Info("migrations up to date", zap.Uint("version", result.Version))
	}
	logger.Info("store initialized", zap.String("path", dbPath))
	return db, nil
}

func provideGatewayClient(cfg *config.Config) *gateway.Client {
	return gateway.NewClient(nil, cfg.Gateway.BaseURL, cfg.Gateway.WSURL, cfg.Gateway.Token)
}

func provideMachine(db *store.DB, b *bus.Bus, logger *zap.Logger, clk clock.Clock) *delivery.Machine {
	return delivery.NewMachine(db, b, logger, clk)
}

func provideDriver(gw *gateway.Client, machine *delivery.Machine, db *store.DB, b *bus.Bus, logger *zap.Logger) *reconcile.Driver {
	return reconcile.NewDriver(gw, machine, db, b, logger)
}

func provideMonitor(driver *reconcile.Driver, b *bus.Bus, logger *zap.Logger, clk clock.Clock) *connectivity.Monitor {
	return connectivity.NewMonitor(driver, b, logger, clk, false)
}

func provideChannel(cfg *config.Config, gw *gateway.Client, b *bus.Bus, logger *zap.Logger, clk clock.Clock) *channel.Channel {
	dial := func(ctx context.Context) (channel.Conn, error) {
		return gw.DialEvents(ctx)
	}
	policy := channel.Policy{
		InitialBackoff: cfg.Channel.InitialBackoff.Duration,
		MaxBackoff:     cfg.Channel.MaxBackoff.Duration,
		MaxAttempts:    cfg.Channel.MaxAttempts,
	}
	return channel.New(dial, policy, b, logger, clk)
}

func provideIngest(machine *delivery.Machine, driver *reconcile.Driver, logger *zap.Logger) *ingest.Handler {
	return ingest.NewHandler(machine, driver, logger)
}

func provideSender(cfg *config.Config, db *store.DB, gw *gateway.Client, machine *delivery.Machine, monitor *connectivity.Monitor, b *bus.Bus, logger *zap.Logger, clk clock.Clock) *outbox.Sender {
	return outbox.NewSender(db, gw, machine, monitor, b, logger, clk, cfg.Sync.ConfirmationTimeout.Duration)
}

func provideAlertEngine(db *store.DB, b *bus.Bus, logger *zap.Logger) *alerts.Engine {
	return alerts.NewEngine(db, b, logger)
}

func provideGraphClient(cfg *config.Config) *graph.Client {
	return graph.NewClient(context.Background(), graph.Config{
		TenantID:     cfg.Graph.TenantID,
		ClientID:     cfg.Graph.ClientID,
		ClientSecret: cfg.Graph.ClientSecret,
		DriveID:      cfg.Graph.DriveID,
	})
}

func provideExtractor(cfg *config.Config) *docextract.Extractor {
	return docextract.NewExtractor(nil, cfg.Extract.Endpoint, cfg.Extract.APIKey, cfg.Extract.Model)
}

func provideAPIServer(db *store.DB, sender *outbox.Sender, monitor *connectivity.Monitor, engine *alerts.Engine, drive *graph.Client, extractor *docextract.Extractor, logger *zap.Logger) *api.Server {
	return api.NewServer(db, sender, monitor, engine, drive, extractor, logger)
}

func providePoller(cfg *config.Config, drive *graph.Client, engine *alerts.Engine, monitor *connectivity.Monitor, ch *channel.Channel, logger *zap.Logger) (*poller.Poller, error) {
	return poller.New(drive, engine, monitor, ch, cfg.Sync.StoragePollSchedule, cfg.Sync.ReconcileSchedule, logger)
}

func registerLifecycle(lc fx.Lifecycle, srv *Server, lk *lock.Lock, db *store.DB, ch *channel.Channel, handler *ingest.Handler, monitor *connectivity.Monitor, sender *outbox.Sender, p *poller.Poller, logger *zap.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			root := context.Background()

			// Outbox entries that survived a restart still count as pending.
			if n, err := db.CountUnsentOutbox(); err == nil && n > 0 {
				monitor.SetPendingChanges(n)
			}

			// Monitor first: it must observe the channel's connect event.
			monitor.Start(root)
			handler.Register(ch)

			go func() {
				if err := srv.Start(); err != nil {
					logger.Error("api server error", zap.Error(err))
				}
			}()

			sender.Start(root)
			p.Start(root)
			ch.Connect(root)
			return nil
		},
		OnStop: func(ctx context.Context) error {
			p.Stop()
			sender.Stop()
			ch.Disconnect()
			monitor.Stop()
			srv.Stop(ctx)
			if err := lk.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("daemon stopped")
			return nil
		},
	})
}
