// Package app wires every component from configuration and owns their
// lifecycle.
package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	"golang.org/x/sync/errgroup"

	"edurelay/internal/api"
	"edurelay/internal/audience"
	"edurelay/internal/auth"
	"edurelay/internal/broker"
	"edurelay/internal/broker/natsbroker"
	"edurelay/internal/config"
	"edurelay/internal/database"
	"edurelay/internal/groups"
	"edurelay/internal/hub"
	"edurelay/internal/logging"
	"edurelay/internal/mailer"
	"edurelay/internal/metrics"
	"edurelay/internal/mongostore"
	"edurelay/internal/notify"
	"edurelay/internal/presence"
	"edurelay/internal/rooms"
	"edurelay/internal/router"
	"edurelay/internal/rpc"
	"edurelay/internal/websocket"
	"edurelay/pkg/interfaces"
)

// Application holds every long-lived component.
type Application struct {
	config *config.Config

	store     interfaces.Store
	sqlite    *database.Manager
	broker    interfaces.Broker
	rpcClient *rpc.Client
	rpcServer *rpc.Server
	groups    *groups.Manager

	registry   *presence.Registry
	membership *rooms.Membership
	dispatcher *router.Dispatcher
	hub        *hub.Hub
	fanout     *notify.Fanout
	wsHandler  *websocket.Handler
	apiServer  *api.Server
	httpServer *http.Server

	listener net.Listener
	group    *errgroup.Group
	cancel   context.CancelFunc
}

// NewApplication builds the component graph in dependency order:
// store → broker → rpc → groups → presence/rooms → dispatcher → hub →
// fan-out → transport → API. Partially built components are closed on error.
func NewApplication(ctx context.Context, cfg *config.Config) (app *Application, err error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	a := &Application{config: cfg}
	defer func() {
		if err != nil {
			a.closeBackends()
		}
	}()

	if err := a.initStore(ctx); err != nil {
		return nil, err
	}
	if err := a.initBroker(); err != nil {
		return nil, err
	}

	rpcCtx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel
	a.rpcServer = rpc.NewServer(rpcCtx, a.broker)
	a.rpcClient = rpc.NewClient(a.broker, rpc.ClientOptions{
		Timeout:     cfg.RPC.Timeout,
		InboxPrefix: cfg.RPC.InboxPrefix,
	})
	if err := a.rpcClient.Start(); err != nil {
		return nil, fmt.Errorf("failed to start RPC client: %w", err)
	}

	var groupDirectory router.GroupDirectory
	if a.sqlite != nil {
		a.groups = groups.NewManager(a.sqlite)
		if err := a.groups.LoadGroups(ctx); err != nil {
			return nil, err
		}
		groupDirectory = a.groups
	}

	// The in-process broker cannot reach an external resolver, so cohorts
	// are answered locally from the participant directory.
	if cfg.Broker.Driver == config.DriverMemory {
		if a.sqlite == nil {
			logging.Log.Warn().Msg("No participant directory for the in-process broker, cohort notifications will fail")
		} else {
			resolver := audience.NewResolver(a.sqlite, groupDirectory)
			if err := resolver.Register(a.rpcServer, cfg.RPC.AudienceTopic); err != nil {
				return nil, err
			}
		}
	}

	a.registry = presence.NewRegistry()
	a.membership = rooms.NewMembership()
	a.dispatcher = router.NewDispatcher(a.store, a.registry, a.membership, groupDirectory, router.Options{
		RateLimit:    cfg.Chat.RateLimit,
		RateWindow:   cfg.Chat.RateWindow,
		HistoryLimit: cfg.Chat.HistoryLimit,
	})
	a.hub = hub.NewHub(a.registry, a.membership, a.dispatcher, hub.Options{
		SweepInterval: cfg.Chat.SweepInterval,
	})

	fanoutOpts := notify.Options{
		Resolver:     notify.NewRPCResolver(a.rpcClient, cfg.RPC.AudienceTopic, cfg.RPC.Timeout),
		Mailer:       newMailer(cfg.SMTP),
		EmailTimeout: cfg.SMTP.Timeout,
	}
	if a.sqlite != nil {
		fanoutOpts.Contacts = a.sqlite
	}
	a.fanout = notify.NewFanout(a.store, a.registry, fanoutOpts)

	verifier, err := auth.NewVerifier(cfg.Auth.Secret, cfg.Auth.Issuer, cfg.Auth.TrustedQuery)
	if err != nil {
		return nil, fmt.Errorf("failed to create token verifier: %w", err)
	}
	a.wsHandler = websocket.NewHandler(a.hub, verifier, websocket.Options{
		SendBuffer:     cfg.WebSocket.SendBuffer,
		WriteTimeout:   cfg.WebSocket.WriteTimeout,
		PongWait:       cfg.WebSocket.PongWait,
		PingInterval:   cfg.WebSocket.PingInterval,
		MaxMessageSize: cfg.WebSocket.MaxMessageSize,
	}, cfg.WebSocket.AllowedOrigins...)

	deps := api.Deps{
		Store:     a.store,
		Presence:  a.registry,
		Stats:     a.hub,
		Notifier:  a.fanout,
		Auth:      verifier,
		WebSocket: a.wsHandler,
	}
	if a.groups != nil {
		deps.Groups = a.groups
	}
	if a.sqlite != nil {
		deps.Contacts = a.sqlite
	}
	if cfg.Metrics.Enabled {
		deps.Metrics = metrics.Handler()
	}
	a.apiServer = api.NewServer(deps)

	a.httpServer = &http.Server{
		Addr:         cfg.HTTP.Addr(),
		Handler:      a.apiServer,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
	}
	return a, nil
}

func (a *Application) initStore(ctx context.Context) error {
	switch a.config.Database.Driver {
	case config.DriverMongo:
		store, err := mongostore.Connect(ctx, a.config.Database.Mongo)
		if err != nil {
			return fmt.Errorf("failed to initialize mongo store: %w", err)
		}
		a.store = store
	default:
		sqliteCfg := a.config.Database.SQLite
		manager, err := database.NewManager(&sqliteCfg)
		if err != nil {
			return fmt.Errorf("failed to initialize database manager: %w", err)
		}
		a.sqlite = manager
		a.store = manager
	}
	return nil
}

func (a *Application) initBroker() error {
	switch a.config.Broker.Driver {
	case config.DriverNATS:
		b, err := natsbroker.Connect(a.config.Broker.URL, a.config.Broker.Name, a.config.Broker.ConnectTimeout)
		if err != nil {
			return fmt.Errorf("failed to initialize broker: %w", err)
		}
		a.broker = b
	default:
		a.broker = broker.NewMemory()
	}
	return nil
}

func newMailer(cfg config.SMTPConfig) interfaces.Mailer {
	var next interfaces.Mailer = mailer.LogOnly{}
	if cfg.Enabled() {
		next = &mailer.SMTP{Host: cfg.Host, Port: cfg.Port, User: cfg.User, Pass: cfg.Pass, From: cfg.From}
	}
	return mailer.NewRetrying(next, cfg.MaxAttempts, cfg.Backoff)
}

// Handler returns the root HTTP handler.
func (a *Application) Handler() http.Handler {
	return a.apiServer
}

// Start runs the hub and begins serving HTTP. It returns once the listener
// is bound; serve errors surface from Wait.
func (a *Application) Start(ctx context.Context) error {
	if err := a.hub.Start(ctx); err != nil {
		return fmt.Errorf("failed to start hub: %w", err)
	}

	ln, err := net.Listen("tcp", a.httpServer.Addr)
	if err != nil {
		_ = a.hub.Stop()
		return fmt.Errorf("failed to listen on %s: %w", a.httpServer.Addr, err)
	}
	a.listener = ln

	a.group = new(errgroup.Group)
	a.group.Go(func() error {
		if err := a.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP server error: %w", err)
		}
		return nil
	})

	logging.Log.Info().
		Str("addr", ln.Addr().String()).
		Str("store", a.config.Database.Driver).
		Str("broker", a.config.Broker.Driver).
		Msg("edurelay started")
	return nil
}

// Wait blocks until the HTTP server stops and returns its error.
func (a *Application) Wait() error {
	if a.group == nil {
		return nil
	}
	return a.group.Wait()
}

// Addr returns the bound listen address, or the configured one before Start.
func (a *Application) Addr() string {
	if a.listener != nil {
		return a.listener.Addr().String()
	}
	return a.httpServer.Addr
}

// Stop shuts down in reverse dependency order: HTTP → live sessions → hub →
// pending emails → RPC → broker → store.
func (a *Application) Stop(ctx context.Context) error {
	logging.Log.Info().Msg("Shutting down edurelay")

	var errs []error
	if err := a.httpServer.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("http shutdown: %w", err))
	}
	if err := a.wsHandler.CloseAll(ctx); err != nil {
		errs = append(errs, fmt.Errorf("closing sessions: %w", err))
	}
	if err := a.hub.Stop(); err != nil && !errors.Is(err, hub.ErrHubNotRunning) {
		errs = append(errs, fmt.Errorf("hub stop: %w", err))
	}
	if err := a.fanout.Wait(ctx); err != nil {
		errs = append(errs, fmt.Errorf("waiting for emails: %w", err))
	}
	a.closeBackends()

	logging.Log.Info().Msg("edurelay shutdown complete")
	return errors.Join(errs...)
}

func (a *Application) closeBackends() {
	if a.rpcClient != nil {
		if err := a.rpcClient.Close(); err != nil {
			logging.Log.Warn().Err(err).Msg("RPC client close failed")
		}
	}
	if a.rpcServer != nil {
		if err := a.rpcServer.Close(); err != nil {
			logging.Log.Warn().Err(err).Msg("RPC server close failed")
		}
	}
	if a.cancel != nil {
		a.cancel()
	}
	if a.broker != nil {
		if err := a.broker.Close(); err != nil {
			logging.Log.Warn().Err(err).Msg("Broker close failed")
		}
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			logging.Log.Warn().Err(err).Msg("Store close failed")
		}
	}
}
