// Package worker assembles the analysis process. It follows the event log as
// the worker group and answers each captured task by querying the API over
// request/response, issuing an action token and publishing TaskAnalyzed.
package worker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/trickstertwo/xlog"
	"golang.org/x/sync/errgroup"

	"github.com/51f0x/personal-kanban/eventbus"
	"github.com/51f0x/personal-kanban/internal/app"
	"github.com/51f0x/personal-kanban/internal/config"
	"github.com/51f0x/personal-kanban/internal/metrics"
	"github.com/51f0x/personal-kanban/messaging"
	"github.com/51f0x/personal-kanban/rpc"
)

// Options inject prebuilt collaborators; nil fields are built from the config.
type Options struct {
	Logger  *xlog.Logger
	Client  *messaging.Client
	Metrics *metrics.Metrics
}

// App is the worker process.
type App struct {
	cfg    *config.Config
	logger *xlog.Logger
	origin string

	client     *messaging.Client
	ownsClient bool
	metrics    *metrics.Metrics
	bus        *eventbus.Bus
	caller     *rpc.Caller
}

// New builds the worker. Nothing consumes until Start or Run.
func New(cfg *config.Config, opts Options) (*App, error) {
	w := &App{cfg: cfg, logger: opts.Logger, origin: "worker-" + app.InstanceName(cfg.Broker)}
	if w.logger == nil {
		w.logger = xlog.Default()
	}
	w.logger = w.logger.With(xlog.Str("component", "worker"))

	var err error
	w.metrics = opts.Metrics
	if w.metrics == nil {
		if w.metrics, err = app.NewMetrics(); err != nil {
			return nil, fmt.Errorf("metrics: %w", err)
		}
	}
	w.client = opts.Client
	if w.client == nil {
		if w.client, err = app.OpenClient(cfg, w.logger, w.metrics); err != nil {
			return nil, err
		}
		w.ownsClient = true
	}

	_, eventKinds, err := app.Kinds()
	if err != nil {
		return nil, err
	}
	w.bus = eventbus.New(w.client,
		eventbus.WithStream(cfg.Events.Stream),
		eventbus.WithKinds(eventKinds),
		eventbus.WithOrigin(w.origin),
		eventbus.WithLogger(w.logger),
		eventbus.WithFailureHook(w.metrics.LocalFailure),
	)
	// Replies are routed to a queue owned by this instance. The name survives
	// restarts, so responses that arrive after a restart are drained and dropped
	// instead of piling up on an abandoned queue.
	w.caller = rpc.NewCaller(w.client,
		rpc.WithRequestQueue(cfg.RPC.RequestsQueue),
		rpc.WithReplyQueue(cfg.RPC.ResponsesQueue+"."+w.origin),
		rpc.WithDefaultTimeout(cfg.RPC.Timeout),
		rpc.WithMaxPending(cfg.RPC.MaxPending),
		rpc.WithMaxAttempts(cfg.RPC.MaxAttempts),
		rpc.WithBackoff(app.Backoff(cfg.Retry)),
		rpc.WithLogger(w.logger),
		rpc.WithCallObserver(w.metrics.ObserveCall),
	)
	return w, nil
}

func (w *App) Bus() *eventbus.Bus        { return w.bus }
func (w *App) Caller() *rpc.Caller       { return w.caller }
func (w *App) Origin() string            { return w.origin }
func (w *App) Client() *messaging.Client { return w.client }

// Start runs the reply consumer and the worker group listener. The returned
// stop func closes both.
func (w *App) Start(ctx context.Context) (stop func() error, err error) {
	if err := w.caller.Start(ctx); err != nil {
		return nil, fmt.Errorf("start caller: %w", err)
	}
	sub, err := w.bus.Listen(ctx, w.cfg.Events.WorkerGroup, w.onEvent)
	if err != nil {
		_ = w.caller.Close()
		return nil, fmt.Errorf("listen %s: %w", w.cfg.Events.WorkerGroup, err)
	}
	w.logger.Info().
		Str("group", w.cfg.Events.WorkerGroup).
		Str("origin", w.origin).
		Msg("worker started")
	return func() error {
		return errors.Join(sub.Close(), w.caller.Close())
	}, nil
}

// Run consumes until ctx ends. A metrics endpoint is served when
// http.metrics_addr is set.
func (w *App) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	stop, err := w.Start(gctx)
	if err != nil {
		return err
	}

	var srv *http.Server
	if addr := w.cfg.HTTP.MetricsAddr; addr != "" {
		r := chi.NewRouter()
		r.Handle("/metrics", w.metrics.Handler())
		srv = &http.Server{Addr: addr, Handler: r, ReadHeaderTimeout: 5 * time.Second}
		g.Go(func() error {
			w.logger.Info().Str("addr", addr).Msg("metrics listening")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		errs := []error{stop()}
		if srv != nil {
			sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), w.cfg.HTTP.ShutdownTimeout)
			defer cancel()
			errs = append(errs, srv.Shutdown(sctx))
		}
		return errors.Join(errs...)
	})

	err = g.Wait()
	w.logger.Info().Msg("worker stopped")
	return err
}

// Close releases the client when App opened it.
func (w *App) Close(ctx context.Context) error {
	if w.ownsClient {
		return w.client.Close(ctx)
	}
	return nil
}
