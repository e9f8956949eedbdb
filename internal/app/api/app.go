// Package api assembles the API process: SQLite store, event bus with local
// broadcast and activity handlers, the durable api listener, the RPC responder
// and the HTTP server.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/google/uuid"
	"github.com/trickstertwo/xlog"
	"golang.org/x/sync/errgroup"

	"github.com/51f0x/personal-kanban/eventbus"
	"github.com/51f0x/personal-kanban/internal/app"
	"github.com/51f0x/personal-kanban/internal/broadcast"
	"github.com/51f0x/personal-kanban/internal/config"
	"github.com/51f0x/personal-kanban/internal/httpapi"
	"github.com/51f0x/personal-kanban/internal/metrics"
	"github.com/51f0x/personal-kanban/internal/store"
	"github.com/51f0x/personal-kanban/internal/tokens"
	"github.com/51f0x/personal-kanban/kanban"
	"github.com/51f0x/personal-kanban/messaging"
	"github.com/51f0x/personal-kanban/rpc"
)

// Options inject prebuilt collaborators; nil fields are built from the config.
type Options struct {
	Logger  *xlog.Logger
	Client  *messaging.Client
	Store   *store.Store
	Metrics *metrics.Metrics
}

// App is the API process.
type App struct {
	cfg    *config.Config
	logger *xlog.Logger
	origin string

	client     *messaging.Client
	ownsClient bool
	store      *store.Store
	ownsStore  bool
	metrics    *metrics.Metrics
	bus        *eventbus.Bus
	responder  *rpc.Responder
	hub        *broadcast.Hub
	service    *kanban.Service
	signer     *tokens.Signer
	handler    http.Handler
}

// New builds the API process. Nothing consumes until Start or Run.
func New(ctx context.Context, cfg *config.Config, opts Options) (_ *App, err error) {
	a := &App{cfg: cfg, logger: opts.Logger, origin: "api-" + uuid.NewString()}
	if a.logger == nil {
		a.logger = xlog.Default()
	}
	defer func() {
		if err != nil {
			_ = a.Close(context.Background())
		}
	}()

	a.metrics = opts.Metrics
	if a.metrics == nil {
		if a.metrics, err = app.NewMetrics(); err != nil {
			return nil, fmt.Errorf("metrics: %w", err)
		}
	}

	a.store = opts.Store
	if a.store == nil {
		if a.store, err = store.Open(ctx, cfg.Store.Path); err != nil {
			return nil, err
		}
		a.ownsStore = true
	}

	a.client = opts.Client
	if a.client == nil {
		if a.client, err = app.OpenClient(cfg, a.logger, a.metrics); err != nil {
			return nil, err
		}
		a.ownsClient = true
	}

	if a.signer, err = tokens.NewSigner(cfg.Tokens, a.client.Clock()); err != nil {
		return nil, err
	}

	requestKinds, eventKinds, err := app.Kinds()
	if err != nil {
		return nil, err
	}

	a.bus = eventbus.New(a.client,
		eventbus.WithStream(cfg.Events.Stream),
		eventbus.WithKinds(eventKinds),
		eventbus.WithOrigin(a.origin),
		eventbus.WithLogger(a.logger),
		eventbus.WithFailureHook(a.metrics.LocalFailure),
	)
	a.hub = broadcast.NewHub(a.logger, broadcast.DefaultBuffer)
	a.rooms = a.hub
	a.service = kanban.NewService(a.store, a.bus,
		kanban.WithClock(a.client.Clock()),
		kanban.WithLogger(a.logger),
	)
	if err := a.subscribeLocal(); err != nil {
		return nil, err
	}

	a.responder = rpc.NewResponder(a.client,
		rpc.WithRequestQueue(cfg.RPC.RequestsQueue),
		rpc.WithReplyQueue(cfg.RPC.ResponsesQueue),
		rpc.WithMaxAttempts(cfg.RPC.MaxAttempts),
		rpc.WithBackoff(app.Backoff(cfg.Retry)),
		rpc.WithKinds(requestKinds),
		rpc.WithLogger(a.logger),
	)
	if err := a.registerHandlers(); err != nil {
		return nil, err
	}

	a.handler = httpapi.NewRouter(httpapi.Deps{
		Service: a.service,
		Store:   a.store,
		Hub:     a.hub,
		Health:  a.client,
		Metrics: a.metrics.Handler(),
		Logger:  a.logger,
	})
	return a, nil
}

func (a *App) Handler() http.Handler     { return a.handler }
func (a *App) Bus() *eventbus.Bus        { return a.bus }
func (a *App) Hub() *broadcast.Hub       { return a.hub }
func (a *App) Store() *store.Store       { return a.store }
func (a *App) Service() *kanban.Service  { return a.service }
func (a *App) Client() *messaging.Client { return a.client }

// Start runs the RPC responder and the durable event listener in background.
// The returned stop func closes both.
func (a *App) Start(ctx context.Context) (stop func() error, err error) {
	requests, err := a.responder.Start(ctx)
	if err != nil {
		return nil, fmt.Errorf("start responder: %w", err)
	}
	events, err := a.bus.Listen(ctx, a.cfg.Events.APIGroup, a.onLogEvent)
	if err != nil {
		_ = requests.Close()
		return nil, fmt.Errorf("listen %s: %w", a.cfg.Events.APIGroup, err)
	}
	a.logger.Info().
		Str("requests", a.cfg.RPC.RequestsQueue).
		Str("group", a.cfg.Events.APIGroup).
		Str("origin", a.origin).
		Msg("api messaging started")
	return func() error {
		return errors.Join(requests.Close(), events.Close())
	}, nil
}

// Run serves until ctx ends, then shuts down gracefully.
func (a *App) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	stop, err := a.Start(gctx)
	if err != nil {
		return err
	}

	srv := httpapi.NewServer(a.cfg.HTTP.Addr, a.handler)
	g.Go(func() error {
		a.logger.Info().Str("addr", a.cfg.HTTP.Addr).Msg("http listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.cfg.HTTP.ShutdownTimeout)
		defer cancel()
		a.hub.Close()
		return errors.Join(srv.Shutdown(sctx), stop())
	})

	err = g.Wait()
	a.logger.Info().Msg("api stopped")
	return err
}

// Close releases the client and the store when App opened them.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	if a.ownsClient && a.client != nil {
		errs = append(errs, a.client.Close(ctx))
	}
	if a.ownsStore && a.store != nil {
		errs = append(errs, a.store.Close())
	}
	return errors.Join(errs...)
}
