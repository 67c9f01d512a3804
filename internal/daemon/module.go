package daemon

import (
	"context"

	"github.com/planora/realtime/internal/actions"
	"github.com/planora/realtime/internal/bus"
	"github.com/planora/realtime/internal/config"
	"github.com/planora/realtime/internal/conn"
	"github.com/planora/realtime/internal/ingest"
	"github.com/planora/realtime/internal/ipc"
	"github.com/planora/realtime/internal/lock"
	"github.com/planora/realtime/internal/logging"
	"github.com/planora/realtime/internal/rooms"
	"github.com/planora/realtime/internal/session"
	"github.com/planora/realtime/internal/snapshot"
	"github.com/planora/realtime/internal/state"
	"github.com/planora/realtime/internal/status"
	"github.com/planora/realtime/internal/store"
	"github.com/planora/realtime/internal/surface"
	"github.com/planora/realtime/internal/transport"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Params holds the resolved session configuration passed to the fx module.
type Params struct {
	SessionName string
	ConfigPath  string // optional override for testing; empty = use default
}

// Module returns the fx module for the daemon, composing all providers and
// lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideConfig,
			provideLogger,
			provideBus,
			provideStateMachine,
			provideLock,
			provideStore,
			provideStateStore,
			provideDialer,
			provideConnManager,
			provideRoomsManager,
			provideIngestor,
			provideController,
			provideSnapshotClient,
			provideSurface,
			provideIPCServer,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideConfig(p Params) (*config.Config, error) {
	path := p.ConfigPath
	if path == "" {
		path = session.ConfigPath()
	}
	return config.Load(path)
}

func provideLogger(p Params) (*zap.Logger, error) {
	return logging.New(session.LogPath(p.SessionName), p.SessionName)
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideStateMachine(b *bus.Bus) *status.Machine {
	return status.NewMachine(b)
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	if err := session.EnsureDir(p.SessionName); err != nil {
		return nil, err
	}
	logger.Info("acquiring session lock", zap.String("session", p.SessionName))
	l, err := lock.Acquire(session.Dir(p.SessionName))
	if err != nil {
		return nil, err
	}
	logger.Info("session lock acquired")
	return l, nil
}

func provideStore(p Params, logger *zap.Logger) (*store.DB, error) {
	dbPath := session.CacheDBPath(p.SessionName)
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
	logger.Info("session cache initialized", zap.String("path", dbPath))
	return db, nil
}

func provideStateStore(b *bus.Bus, db *store.DB, logger *zap.Logger) *state.Store {
	return state.NewStore(b, db, logger)
}

func provideDialer(cfg *config.Config, logger *zap.Logger) transport.Dialer {
	return transport.NewWSDialer(cfg.Server.WSURL, logger)
}

func provideConnManager(d transport.Dialer, m *status.Machine, b *bus.Bus, cfg *config.Config, logger *zap.Logger) *conn.Manager {
	return conn.NewManager(d, m, b, conn.Config{
		BackoffBase:     cfg.Sync.BackoffBase(),
		BackoffCap:      cfg.Sync.BackoffCap(),
		StabilityWindow: cfg.Sync.StabilityWindow(),
	}, logger)
}

func provideRoomsManager(cm *conn.Manager, b *bus.Bus, cfg *config.Config, logger *zap.Logger) *rooms.Manager {
	return rooms.NewManager(cm, b, cfg.Sync.Debounce(), logger)
}

func provideIngestor(b *bus.Bus, st *state.Store, cfg *config.Config, logger *zap.Logger) *ingest.Ingestor {
	return ingest.New(b, st, cfg.Sync.DedupTTL(), cfg.Sync.DedupMaxEntries, logger)
}

func provideController(cm *conn.Manager, st *state.Store, b *bus.Bus, db *store.DB, cfg *config.Config, logger *zap.Logger) *actions.Controller {
	return actions.NewController(cm, st, b, db, cfg.Sync.ActionTimeout(), logger)
}

func provideSnapshotClient(cfg *config.Config) *snapshot.Client {
	return snapshot.NewClient(cfg.Server.APIURL)
}

func provideSurface(
	m *status.Machine,
	st *state.Store,
	cm *conn.Manager,
	rm *rooms.Manager,
	ac *actions.Controller,
	sc *snapshot.Client,
	in *ingest.Ingestor,
	b *bus.Bus,
	logger *zap.Logger,
) *surface.API {
	return surface.New(m, st, cm, rm, ac, sc, in, b, logger)
}

// provideIPCServer binds the control socket. It takes the lock as a
// dependency so the socket is only claimed once the session is ours.
func provideIPCServer(p Params, _ *lock.Lock, api *surface.API, logger *zap.Logger) (*ipc.Server, error) {
	return ipc.NewServer(p.SessionName, session.SocketPath(p.SessionName), api, logger)
}

func registerLifecycle(
	lc fx.Lifecycle,
	p Params,
	lk *lock.Lock,
	db *store.DB,
	st *state.Store,
	cm *conn.Manager,
	rm *rooms.Manager,
	in *ingest.Ingestor,
	ac *actions.Controller,
	api *surface.API,
	srv *ipc.Server,
	logger *zap.Logger,
) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			// Warm in-memory state from the session cache before any
			// deltas arrive.
			var warm state.Snapshot
			if ns, err := db.ListNotifications(); err == nil {
				warm.Notifications = ns
			}
			if ws, err := db.ListWorkspaceStatuses(); err == nil {
				warm.Workspaces = ws
			}
			if as, err := db.ListActivity(); err == nil {
				warm.Activity = as
			}
			if len(warm.Notifications)+len(warm.Workspaces)+len(warm.Activity) > 0 {
				st.Warm(warm)
				logger.Info("state warmed from cache",
					zap.Int("notifications", len(warm.Notifications)),
					zap.Int("workspaces", len(warm.Workspaces)),
					zap.Int("activity", len(warm.Activity)))
			}

			in.Start(context.Background())
			rm.Start(context.Background())
			ac.Start(context.Background())

			go func() {
				if err := srv.Start(); err != nil {
					logger.Error("control server failed", zap.Error(err))
				}
			}()

			token, err := session.ReadToken(p.SessionName)
			if err != nil {
				return err
			}
			if token == "" {
				logger.Info("no token found, waiting for authentication")
				return nil
			}
			go func() {
				if err := api.Connect(context.Background(), token); err != nil {
					logger.Error("auto-connect failed", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			srv.Stop(ctx)
			api.Disconnect()
			ac.Stop()
			rm.Stop()
			in.Stop()
			if err := db.Close(); err != nil {
				logger.Warn("error closing cache", zap.Error(err))
			}
			if err := lk.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("daemon stopped")
			return nil
		},
	})
}
