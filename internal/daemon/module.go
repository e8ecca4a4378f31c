package daemon

import (
	"context"
	"errors"
	"io"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/matheus3301/chatsync/internal/auth"
	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/config"
	"github.com/matheus3301/chatsync/internal/console"
	"github.com/matheus3301/chatsync/internal/history"
	"github.com/matheus3301/chatsync/internal/lock"
	"github.com/matheus3301/chatsync/internal/logging"
	"github.com/matheus3301/chatsync/internal/metrics"
	"github.com/matheus3301/chatsync/internal/profile"
	"github.com/matheus3301/chatsync/internal/snapshot"
	"github.com/matheus3301/chatsync/internal/store"
	intsync "github.com/matheus3301/chatsync/internal/sync"
	"github.com/matheus3301/chatsync/internal/transport"
)

// Params holds the resolved profile configuration passed to the fx module.
type Params struct {
	ProfileName string
	Config      *config.Config
	// ChatID is opened on start. Zero opens nothing.
	ChatID int64
	// In and Out drive the console. A nil In runs without one.
	In  io.Reader
	Out io.Writer
}

// Module returns the fx module for a chatsync process, composing all
// providers and lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("chatsync",
		fx.Supply(p),
		fx.Provide(
			provideLogger,
			provideBus,
			metrics.New,
			provideLock,
			provideStore,
			provideCache,
			provideCredentials,
			provideHistory,
			provideDialer,
			provideManager,
			NewMetricsServer,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideLogger(p Params) (*zap.Logger, error) {
	return logging.New(profile.LogPath(p.ProfileName), p.ProfileName, p.Config.LogLevel)
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	if err := profile.EnsureDir(p.ProfileName); err != nil {
		return nil, err
	}
	logger.Info("acquiring profile lock", zap.String("profile", p.ProfileName))
	l, err := lock.Acquire(profile.Dir(p.ProfileName))
	if err != nil {
		return nil, err
	}
	logger.Info("profile lock acquired")
	return l, nil
}

// provideStore takes the lock as a parameter so the database is only opened
// by the process holding the profile.
func provideStore(p Params, _ *lock.Lock, logger *zap.Logger) (*store.DB, error) {
	dbPath := profile.DBPath(p.ProfileName)
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

func provideCache(lc fx.Lifecycle, p Params, db *store.DB, logger *zap.Logger) (snapshot.Cache, error) {
	switch p.Config.Snapshot.Backend {
	case config.BackendPebble:
		dir := profile.PebbleDir(p.ProfileName)
		pb, err := snapshot.OpenPebble(dir, nil)
		if err != nil {
			return nil, err
		}
		lc.Append(fx.Hook{OnStop: func(context.Context) error { return pb.Close() }})
		logger.Info("snapshot cache ready", zap.String("backend", config.BackendPebble), zap.String("path", dir))
		return pb, nil
	default:
		logger.Info("snapshot cache ready", zap.String("backend", config.BackendSQLite))
		return snapshot.NewSQLite(db), nil
	}
}

func provideCredentials(p Params) auth.Provider {
	return auth.FromConfig(p.Config.Token, p.Config.TokenEnv)
}

func provideHistory(p Params, credentials auth.Provider) history.Fetcher {
	return history.NewClient(p.Config.ServerURL, credentials, nil)
}

func provideDialer(p Params) transport.Dialer {
	return &transport.WebSocketDialer{ServerURL: p.Config.ServerURL}
}

func provideManager(
	p Params,
	dialer transport.Dialer,
	cache snapshot.Cache,
	fetcher history.Fetcher,
	b *bus.Bus,
	m *metrics.Metrics,
	credentials auth.Provider,
	db *store.DB,
	logger *zap.Logger,
) *intsync.Manager {
	cfg := p.Config
	base := intsync.Config{
		SelfID: cfg.UserID,
		Backoff: transport.Backoff{
			Base:        cfg.Reconnect.BaseDelay.Duration,
			Cap:         cfg.Reconnect.MaxDelay.Duration,
			MaxAttempts: cfg.Reconnect.MaxAttempts,
		},
		Heartbeat:    cfg.Reconnect.Heartbeat.Duration,
		OpTimeout:    cfg.Outbox.OpTimeout.Duration,
		MaxAttempts:  cfg.Outbox.MaxAttempts,
		HistoryLimit: cfg.History.Limit,
		Tombstone:    cfg.Tombstone,
	}
	deps := intsync.Deps{
		Dialer:  dialer,
		Cache:   cache,
		History: fetcher,
		Bus:     b,
		Metrics: m,
		Logger:  logger,
	}
	return intsync.NewManager(base, deps, credentials, db)
}

func registerLifecycle(
	lc fx.Lifecycle,
	shutdowner fx.Shutdowner,
	p Params,
	mgr *intsync.Manager,
	srv *MetricsServer,
	db *store.DB,
	lk *lock.Lock,
	logger *zap.Logger,
) {
	runCtx, cancel := context.WithCancel(context.Background())
	var unsubscribe func()

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			// Serve metrics in background.
			go func() {
				if err := srv.Start(); err != nil {
					logger.Error("metrics server error", zap.Error(err))
				}
			}()

			if p.ChatID == 0 {
				return nil
			}
			engine, err := mgr.Open(ctx, p.ChatID)
			if err != nil {
				return err
			}
			if p.In == nil {
				return nil
			}

			con := console.New(engine, p.Config.UserID, p.In, p.Out, logger)
			var events <-chan bus.Event
			events, unsubscribe = engine.Subscribe(64)
			go con.Watch(runCtx, events)
			go func() {
				err := con.Run(runCtx)
				if err != nil && !errors.Is(err, intsync.ErrEngineClosed) {
					logger.Error("console stopped", zap.Error(err))
				}
				if runCtx.Err() == nil {
					_ = shutdowner.Shutdown()
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			cancel()
			if unsubscribe != nil {
				unsubscribe()
			}
			if err := mgr.CloseAll(); err != nil {
				logger.Warn("error closing chats", zap.Error(err))
			}
			srv.Stop(ctx)
			if err := db.Close(); err != nil {
				logger.Warn("error closing store", zap.Error(err))
			}
			if err := lk.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("chatsync stopped")
			_ = logger.Sync()
			return nil
		},
	})
}
