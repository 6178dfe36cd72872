// Package app wires the messaging core together: store, identity,
// services, sweeper, and the HTTP server, with explicit construction
// so every piece can be assembled over a test double.
package app

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"chatd/internal/sweeper"
	"chatd/pkg/api"
	"chatd/pkg/api/handlers"
	"chatd/pkg/config"
	"chatd/pkg/convo"
	"chatd/pkg/identity"
	"chatd/pkg/logger"
	"chatd/pkg/msglog"
	"chatd/pkg/notify"
	"chatd/pkg/permission"
	"chatd/pkg/requests"
	"chatd/pkg/store"
	"chatd/pkg/syncer"
	"chatd/pkg/typing"
	"chatd/pkg/validation"
)

// App encapsulates the server components and lifecycle.
type App struct {
	cfg  *config.Config
	addr string

	st    *store.Store
	deps  handlers.Deps
	sweep *sweeper.Sweeper

	version string
	commit  string

	srv *http.Server
}

// New initializes everything that does not need a running context:
// logger, validation rules, store, and the service graph. Call Run to
// start the sweeper and HTTP server.
func New(cfg *config.Config, addr, version, commit string) (*App, error) {
	logger.Init(cfg.Logging.Level)

	validation.SetRules(validation.Rules{
		MaxBodyLen:     cfg.Limits.MaxBodyLen,
		MaxAttachments: cfg.Limits.MaxAttachments,
	})

	st, err := store.Open(cfg.Storage.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open store at %s: %w", cfg.Storage.DBPath, err)
	}
	st.RegisterMetrics()

	ids := identity.NewMemory(identity.PrivacySetting(cfg.Identity.Default))
	ids.Seed(cfg.Identity.Privacy, cfg.Identity.Follows, cfg.Identity.Blocks)

	var dispatch notify.Dispatcher = notify.LogDispatcher{}
	if cfg.Notify.Backend == "redis" {
		dispatch = notify.NewRedisDispatcher(cfg.Notify.Redis.Addr, cfg.Notify.Redis.Channel)
		logger.Info("notify_backend", "backend", "redis", "addr", cfg.Notify.Redis.Addr)
	}

	eval := permission.NewEvaluator(ids)
	conv := convo.NewService(st, eval)
	log := msglog.NewService(st, eval, dispatch, cfg.Limits.AppendRetries)
	sync := syncer.New(st, dispatch)
	gate := requests.NewGate(st, ids, dispatch)
	sweep := sweeper.New(st, log, cfg.Sweeper.BatchSize)

	a := &App{
		cfg:  cfg,
		addr: addr,
		st:   st,
		deps: handlers.Deps{
			Convo: conv,
			Log:   log,
			Gate:  gate,
			Sync:  sync,
			Hub:   typing.NewHub(),
			Sweep: sweep.RunOnce,
		},
		sweep:   sweep,
		version: version,
		commit:  commit,
	}
	return a, nil
}

// Deps exposes the wired handler dependencies, mainly for tests.
func (a *App) Deps() handlers.Deps { return a.deps }

// Run starts the sweeper (when enabled) and the HTTP server, blocking
// until ctx is canceled or the server fails.
func (a *App) Run(ctx context.Context) error {
	if a.cfg.Sweeper.Enabled {
		stop, err := a.sweep.Start(ctx, a.cfg.Sweeper.Cron, a.cfg.SweepInterval())
		if err != nil {
			return err
		}
		defer stop()
	} else {
		logger.Info("sweeper_disabled")
	}

	a.srv = &http.Server{
		Addr: a.addr,
		Handler: api.NewRouter(a.deps, api.Options{
			RateRPS:   a.cfg.Security.RateLimit.RPS,
			RateBurst: a.cfg.Security.RateLimit.Burst,
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("http_listening", "addr", a.addr, "version", a.version, "commit", a.commit)
		if err := a.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = a.srv.Shutdown(shCtx)
		return nil
	case err := <-errCh:
		return err
	}
}

// Close releases the store.
func (a *App) Close() error {
	return a.st.Close()
}
