package daemon

import (
	"context"
	"time"

	"github.com/niftyclaudia/message-ai-sub005/internal/bus"
	"github.com/niftyclaudia/message-ai-sub005/internal/config"
	"github.com/niftyclaudia/message-ai-sub005/internal/connectivity"
	"github.com/niftyclaudia/message-ai-sub005/internal/lock"
	"github.com/niftyclaudia/message-ai-sub005/internal/logging"
	"github.com/niftyclaudia/message-ai-sub005/internal/notify"
	"github.com/niftyclaudia/message-ai-sub005/internal/presence"
	"github.com/niftyclaudia/message-ai-sub005/internal/profile"
	"github.com/niftyclaudia/message-ai-sub005/internal/queue"
	"github.com/niftyclaudia/message-ai-sub005/internal/receipts"
	"github.com/niftyclaudia/message-ai-sub005/internal/remote"
	"github.com/niftyclaudia/message-ai-sub005/internal/store"
	"github.com/niftyclaudia/message-ai-sub005/internal/timeline"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Params holds the resolved profile configuration passed to the fx module.
type Params struct {
	Profile string
	UserID  string
}

// Module returns the fx module for the sync daemon, composing all providers
// and lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("syncd",
		fx.Supply(p),
		fx.Provide(
			provideLogger,
			provideBus,
			provideConfig,
			provideLock,
			provideStore,
			provideMonitor,
			provideLoopback,
			provideStream,
			provideHandler,
			provideEngine,
			provideQueue,
			provideAggregator,
			provideTracker,
			providePusher,
			provideBundler,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideLogger(p Params) (*zap.Logger, error) {
	return logging.New(profile.LogPath(p.Profile), p.Profile)
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideConfig(logger *zap.Logger) *config.Config {
	cfg := config.LoadOrDefault(profile.ConfigPath())
	if err := cfg.Validate(); err != nil {
		logger.Warn("invalid config, using defaults", zap.Error(err))
		cfg = config.Default()
	}
	return cfg
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	if err := profile.EnsureDir(p.Profile); err != nil {
		return nil, err
	}
	logger.Info("acquiring profile lock", zap.String("profile", p.Profile))
	l, err := lock.Acquire(profile.Dir(p.Profile))
	if err != nil {
		return nil, err
	}
	logger.Info("profile lock acquired")
	return l, nil
}

func provideStore(p Params, logger *zap.Logger) (*store.DB, error) {
	dbPath := profile.DBPath(p.Profile)
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

func provideMonitor(b *bus.Bus, logger *zap.Logger, cfg *config.Config) *connectivity.Monitor {
	return connectivity.NewMonitor(b, logger, cfg.Connectivity.OfflineGrace())
}

// provideLoopback supplies the built-in transport. A real server transport
// would replace this provider and the Stream/Backend bindings below.
func provideLoopback() *remote.Loopback {
	return remote.NewLoopback()
}

func provideStream(l *remote.Loopback) remote.Stream {
	return l
}

func provideHandler(b *bus.Bus, monitor *connectivity.Monitor, logger *zap.Logger) *remote.EventHandler {
	return remote.NewEventHandler(b, monitor, logger)
}

func provideEngine(p Params, db *store.DB, b *bus.Bus, logger *zap.Logger) *timeline.Engine {
	return timeline.NewEngine(db, b, logger, p.UserID)
}

func provideQueue(db *store.DB, stream remote.Stream, b *bus.Bus, logger *zap.Logger, cfg *config.Config) *queue.Queue {
	return queue.New(db, stream, b, logger, cfg.Queue)
}

func provideAggregator(p Params, db *store.DB, stream remote.Stream, b *bus.Bus, logger *zap.Logger) *receipts.Aggregator {
	return receipts.NewAggregator(db, stream, b, logger, p.UserID)
}

func provideTracker(p Params, l *remote.Loopback, b *bus.Bus, logger *zap.Logger, cfg *config.Config) *presence.Tracker {
	return presence.NewTracker(b, logger, l, p.UserID, cfg.Presence)
}

func providePusher(logger *zap.Logger) notify.Pusher {
	return &notify.LogPusher{Logger: logger}
}

func provideBundler(p Params, pusher notify.Pusher, b *bus.Bus, logger *zap.Logger, cfg *config.Config) *notify.Bundler {
	return notify.NewBundler(pusher, b, logger, p.UserID, cfg.Notify.Window())
}

func registerLifecycle(lc fx.Lifecycle, lk *lock.Lock, loopback *remote.Loopback, handler *remote.EventHandler, engine *timeline.Engine, q *queue.Queue, tracker *presence.Tracker, bundler *notify.Bundler, monitor *connectivity.Monitor, logger *zap.Logger, db *store.DB) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			// The engine subscribes first so nothing it must apply is
			// published before it listens.
			engine.Start(context.Background())
			q.Start(context.Background())
			tracker.Start(context.Background())
			bundler.Start(context.Background())

			loopback.Attach(handler)
			loopback.SetEcho(true)
			handler.OnConnected()

			logger.Info("sync daemon ready")
			return nil
		},
		OnStop: func(ctx context.Context) error {
			handler.OnDisconnected()
			bundler.Stop()
			tracker.Stop()
			q.Stop()
			engine.Stop()
			monitor.Stop()

			// Let in-flight bus events drain before the store closes.
			select {
			case <-time.After(100 * time.Millisecond):
			case <-ctx.Done():
			}
			if err := db.Close(); err != nil {
				logger.Warn("error closing store", zap.Error(err))
			}
			if err := lk.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("sync daemon stopped")
			return nil
		},
	})
}
