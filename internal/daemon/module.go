package daemon

import (
	"context"

	"github.com/google/uuid"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/escargot-im/msn/internal/bus"
	"github.com/escargot-im/msn/internal/config"
	"github.com/escargot-im/msn/internal/contact"
	"github.com/escargot-im/msn/internal/conversation"
	"github.com/escargot-im/msn/internal/lock"
	"github.com/escargot-im/msn/internal/logging"
	"github.com/escargot-im/msn/internal/ns"
	"github.com/escargot-im/msn/internal/session"
	"github.com/escargot-im/msn/internal/sso"
	"github.com/escargot-im/msn/internal/status"
	"github.com/escargot-im/msn/internal/store"
	intsync "github.com/escargot-im/msn/internal/sync"
	"github.com/escargot-im/msn/internal/transport"
)

// Params holds the resolved session configuration passed to the fx module.
type Params struct {
	SessionName string
}

// Module returns the fx module for the daemon, composing all providers and lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideLogger,
			provideBus,
			provideStateMachine,
			provideStatusWatcher,
			provideLock,
			provideStore,
			provideSessionConfig,
			provideTicketCache,
			provideContactList,
			provideSyncEngine,
			provideClient,
			provideConversations,
		),
		fx.Invoke(registerLifecycle),
	)
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

func provideStatusWatcher(m *status.Machine, b *bus.Bus, logger *zap.Logger) *status.Watcher {
	return status.NewWatcher(m, b, logger)
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
	dbPath := session.DBPath(p.SessionName)
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

func provideSessionConfig(p Params) (*config.Session, error) {
	return config.LoadSession(session.SessionConfigPath(p.SessionName))
}

func provideTicketCache(logger *zap.Logger) *sso.Cache {
	return sso.NewCache(sso.NewRequester(logger), logger)
}

func provideContactList(b *bus.Bus) *contact.List {
	return contact.NewList(b)
}

func provideSyncEngine(db *store.DB, b *bus.Bus, logger *zap.Logger) *intsync.Engine {
	return intsync.NewEngine(db, b, logger)
}

func provideClient(cfg *config.Session, db *store.DB, b *bus.Bus, list *contact.List, tickets *sso.Cache, logger *zap.Logger) (*ns.Client, error) {
	guid, err := machineGUID(db)
	if err != nil {
		return nil, err
	}
	return ns.NewClient(ns.Config{
		Conn:     transport.NewTCP(cfg.Server, logger),
		Logger:   logger,
		Bus:      b,
		Contacts: list,
		Tickets:  tickets,
		Credentials: ns.Credentials{
			Account:  cfg.Account,
			Password: cfg.Password,
		},
		MachineGUID:   guid,
		Locale:        cfg.Locale,
		OSType:        cfg.OSType,
		OSVersion:     cfg.OSVersion,
		ClientVersion: cfg.ClientVersion,
		DialSwitchboard: func(addr string) transport.Conn {
			return transport.NewTCP(addr, logger)
		},
		InitialStatus: lastStatus(db),
	}), nil
}

func provideConversations(client *ns.Client, b *bus.Bus, logger *zap.Logger) *conversation.Manager {
	return conversation.NewManager(client, b, logger, nil, nil)
}

// machineGUID returns the persisted endpoint GUID, minting one on first run.
// The GUID identifies this installation across sign-ins so other clients of
// the same account can address it.
func machineGUID(db *store.DB) (string, error) {
	guid, err := db.GetState(store.KeyMachineGUID)
	if err != nil {
		return "", err
	}
	if guid != "" {
		return guid, nil
	}
	guid = "{" + uuid.NewString() + "}"
	if err := db.SetState(store.KeyMachineGUID, guid); err != nil {
		return "", err
	}
	return guid, nil
}

// lastStatus returns the presence persisted at the previous sign-off, so the
// daemon comes back in the same state the user left it.
func lastStatus(db *store.DB) contact.Status {
	code, err := db.GetState(store.KeyLastStatus)
	if err != nil || code == "" {
		return contact.StatusOnline
	}
	s := contact.ParseStatus(code)
	if s == contact.StatusUnknown || s == contact.StatusOffline {
		return contact.StatusOnline
	}
	return s
}

func registerLifecycle(lc fx.Lifecycle, cfg *config.Session, client *ns.Client, manager *conversation.Manager, engine *intsync.Engine, watcher *status.Watcher, machine *status.Machine, tickets *sso.Cache, list *contact.List, db *store.DB, lk *lock.Lock, logger *zap.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			watcher.Start()
			engine.Start(context.Background())
			manager.Start()

			// Seed the roster and ticket cache from the last session so
			// sign-in has a head start.
			if err := engine.LoadRoster(list); err != nil {
				logger.Warn("roster snapshot load failed", zap.Error(err))
			}
			if err := engine.LoadTickets(tickets, cfg.Account, cfg.Password, "MBI_KEY_OLD"); err != nil {
				logger.Warn("ticket snapshot load failed", zap.Error(err))
			}

			_ = machine.Transition(status.Connecting)
			go func() {
				if err := client.SignIn(); err != nil {
					logger.Error("sign-in failed", zap.Error(err))
					_ = machine.Transition(status.Error)
					return
				}
				_ = machine.Transition(status.SigningIn)
			}()
			return nil
		},
		OnStop: func(_ context.Context) error {
			// Snapshots must be taken before sign-off; teardown resets the
			// contact list and invalidates the ticket cache.
			if owner := client.Owner(); owner != nil {
				_ = db.SetState(store.KeyLastStatus, owner.Status().Code())
			}
			if err := engine.FlushRoster(client.Contacts()); err != nil {
				logger.Warn("roster snapshot flush failed", zap.Error(err))
			}
			if err := engine.FlushTickets(tickets, cfg.Account, cfg.Password); err != nil {
				logger.Warn("ticket snapshot flush failed", zap.Error(err))
			}

			manager.Stop()
			if client.SignedIn() {
				client.SignOff()
			}
			engine.Stop()
			watcher.Stop()
			if err := lk.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("daemon stopped")
			return nil
		},
	})
}
