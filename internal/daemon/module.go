package daemon

import (
	"context"

	"github.com/matheus3301/geochat/internal/api"
	"github.com/matheus3301/geochat/internal/auth"
	"github.com/matheus3301/geochat/internal/bus"
	"github.com/matheus3301/geochat/internal/chat"
	"github.com/matheus3301/geochat/internal/config"
	"github.com/matheus3301/geochat/internal/lock"
	"github.com/matheus3301/geochat/internal/logging"
	"github.com/matheus3301/geochat/internal/position"
	"github.com/matheus3301/geochat/internal/session"
	"github.com/matheus3301/geochat/internal/store"
	"github.com/matheus3301/geochat/internal/ws"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Params holds the resolved session configuration passed to the fx module.
type Params struct {
	SessionName string
	SocketPath  string    // optional override for testing; empty = use default
	ConfigPath  string    // optional override; empty = ~/.geochat/config.toml
	Dialer      ws.Dialer // optional override for testing; nil = websocket
}

// Module returns the fx module for the daemon, composing all providers and lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideConfig,
			provideLogger,
			provideBus,
			provideLock,
			provideStore,
			provideIdentity,
			providePosition,
			provideSession,
			provideChatService,
			NewServer,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideConfig(p Params) (*config.Config, error) {
	path := p.ConfigPath
	if path == "" {
		path = session.ConfigPath()
	}
	cfg, err := config.LoadOrDefault(path)
	if err != nil {
		return nil, err
	}
	cfg.ApplyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func provideLogger(p Params, cfg *config.Config) (*zap.Logger, error) {
	return logging.New(session.LogPath(p.SessionName), p.SessionName, cfg.Log.Level)
}

func provideBus() *bus.Bus {
	return bus.New()
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

// provideStore depends on the lock so a second daemon fails before opening anything.
func provideStore(_ *lock.Lock, logger *zap.Logger) (*store.DB, error) {
	db, result, err := store.OpenMigrated("")
	if err != nil {
		return nil, err
	}
	logger.Info("store initialized",
		zap.String("name", db.Name()),
		zap.Uint("version", result.Version),
		zap.Bool("changed", result.Changed))
	return db, nil
}

func provideIdentity(cfg *config.Config, b *bus.Bus, logger *zap.Logger) *auth.Provider {
	if cfg.Auth.Token == "" {
		logger.Warn("no auth token configured, the server will reject the session")
	}
	return auth.NewProvider(cfg.Auth.Token, b, logger)
}

func providePosition(cfg *config.Config) *position.Settable {
	src := &position.Settable{}
	if cfg.Position.Lat != nil && cfg.Position.Long != nil {
		src.Set(store.Location{Lat: *cfg.Position.Lat, Long: *cfg.Position.Long})
	}
	return src
}

func provideSession(p Params, cfg *config.Config, db *store.DB, identity *auth.Provider, src *position.Settable, b *bus.Bus, logger *zap.Logger) (*chat.Session, error) {
	dialer := p.Dialer
	if dialer == nil {
		dialer = ws.DialWebsocket
	}
	return chat.New(chat.Params{
		Connection: ws.Config{
			Endpoint:     cfg.Chat.Endpoint,
			InitialDelay: cfg.Reconnect.InitialDelay.Duration,
			MaxDelay:     cfg.Reconnect.MaxDelay.Duration,
			WriteTimeout: cfg.Chat.WriteTimeout.Duration,
		},
		Dialer:       dialer,
		Identity:     identity,
		Radius:       chat.Radius(cfg.Chat.RadiusInMeters),
		Owner:        identity,
		Positions:    src,
		PollInterval: cfg.Position.PollInterval.Duration,
		MaxMessages:  cfg.Chat.MaxMessages,
		DB:           db,
		Bus:          b,
		Logger:       logger,
	})
}

func provideChatService(p Params, s *chat.Session, b *bus.Bus, logger *zap.Logger) *api.ChatService {
	return api.NewChatService(p.SessionName, s, b, logger)
}

func registerLifecycle(lc fx.Lifecycle, srv *Server, lk *lock.Lock, s *chat.Session, db *store.DB, b *bus.Bus, logger *zap.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			go func() {
				if err := srv.Start(); err != nil {
					logger.Error("gRPC server error", zap.Error(err))
				}
			}()

			// The start context expires once startup is done.
			s.Start(context.Background())
			return nil
		},
		OnStop: func(ctx context.Context) error {
			if err := s.Close(); err != nil {
				logger.Warn("error closing session", zap.Error(err))
			}
			// Closing the bus ends every WatchEvents stream so GracefulStop can return.
			b.Close()
			srv.Stop(ctx)
			if err := db.Close(); err != nil {
				logger.Warn("error closing store", zap.Error(err))
			}
			if err := lk.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("daemon stopped")
			_ = logger.Sync()
			return nil
		},
	})
}
