// Copyright (c) 2025 HYPR. PTE. LTD.
//
// Business Source License 1.1
// See LICENSE file in the project root for details.

package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ccheshirecat/streamlog/internal/logentry"
	"github.com/ccheshirecat/streamlog/internal/server/backlog"
	"github.com/ccheshirecat/streamlog/internal/server/config"
	"github.com/ccheshirecat/streamlog/internal/server/db/sqlite"
	"github.com/ccheshirecat/streamlog/internal/server/eventbus"
	"github.com/ccheshirecat/streamlog/internal/server/eventbus/memory"
	"github.com/ccheshirecat/streamlog/internal/server/filter"
	"github.com/ccheshirecat/streamlog/internal/server/httpapi"
	"github.com/ccheshirecat/streamlog/internal/server/metrics"
	"github.com/ccheshirecat/streamlog/internal/server/opsapi"
	"github.com/ccheshirecat/streamlog/internal/server/source"
	"github.com/ccheshirecat/streamlog/internal/server/stream"
)

// backlogWindow is how many recent lines are retained per line of backlog
// handed out, so a selective filter still finds history.
const backlogWindow = 16

// App wires the line source, broadcaster, and HTTP transports.
type App struct {
	cfg          config.ServerConfig
	logger       *slog.Logger
	source       source.Source
	backlog      backlog.Store
	events       eventbus.Bus
	broadcaster  *stream.Broadcaster
	metrics      *metrics.Metrics
	apiServer    *http.Server
	opsServer    *http.Server
	shutdownWait time.Duration

	mu      sync.Mutex
	apiAddr string
	opsAddr string
	ready   chan struct{}
}

// New constructs the daemon application.
func New(ctx context.Context, cfg config.ServerConfig, logger *slog.Logger, src source.Source) (*App, error) {
	if logger == nil {
		return nil, fmt.Errorf("logger must not be nil")
	}
	if src == nil {
		return nil, fmt.Errorf("line source must not be nil")
	}

	store, err := openBacklog(ctx, cfg)
	if err != nil {
		return nil, err
	}

	events := memory.New()
	broadcaster, err := stream.New(stream.Params{
		Config: stream.Config{
			QueueSize:         cfg.QueueSize,
			BacklogSize:       cfg.BacklogSize,
			HeartbeatInterval: cfg.Heartbeat,
			WriteTimeout:      cfg.WriteTimeout,
			GracePeriod:       cfg.GracePeriod,
		},
		Filters: filter.NewMemoryStore(),
		Backlog: store,
		Bus:     events,
		Logger:  logger.With("component", "broadcaster"),
	})
	if err != nil {
		if store != nil {
			_ = store.Close(ctx)
		}
		return nil, fmt.Errorf("init broadcaster: %w", err)
	}
	m := metrics.New(broadcaster)

	a := &App{
		cfg:          cfg,
		logger:       logger,
		source:       src,
		backlog:      store,
		events:       events,
		broadcaster:  broadcaster,
		metrics:      m,
		shutdownWait: 15 * time.Second,
		ready:        make(chan struct{}),
	}
	// WriteTimeout stays zero: streams are long-lived and each session
	// bounds its own writes.
	a.apiServer = &http.Server{
		Handler:           httpapi.New(logger.With("component", "httpapi"), broadcaster, httpapi.Options{APIKey: cfg.APIKey}),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	if cfg.OpsListenAddr != "" {
		a.opsServer = &http.Server{
			Handler:           opsapi.New(logger.With("component", "opsapi"), broadcaster, m.Registry),
			ReadHeaderTimeout: 10 * time.Second,
		}
	}
	return a, nil
}

func openBacklog(ctx context.Context, cfg config.ServerConfig) (backlog.Store, error) {
	if cfg.BacklogSize <= 0 {
		return nil, nil
	}
	capacity := cfg.BacklogSize * backlogWindow
	switch cfg.BacklogStore {
	case config.BacklogSQLite:
		db, err := sqlite.Open(ctx, cfg.DatabasePath)
		if err != nil {
			return nil, fmt.Errorf("open backlog database: %w", err)
		}
		store, err := backlog.OpenPersistent(ctx, db, capacity)
		if err != nil {
			_ = db.Close(ctx)
			return nil, err
		}
		return store, nil
	default:
		return backlog.NewMemory(capacity), nil
	}
}

// Broadcaster exposes the fan-out core.
func (a *App) Broadcaster() *stream.Broadcaster { return a.broadcaster }

// Ready is closed once both listeners are bound.
func (a *App) Ready() <-chan struct{} { return a.ready }

// APIAddr returns the bound API address once Ready is closed.
func (a *App) APIAddr() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.apiAddr
}

// OpsAddr returns the bound ops address, or "" when disabled.
func (a *App) OpsAddr() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.opsAddr
}

// Run starts every component and blocks until ctx is cancelled or one of
// them fails.
func (a *App) Run(ctx context.Context) error {
	apiLn, err := net.Listen("tcp", a.cfg.APIListenAddr)
	if err != nil {
		return fmt.Errorf("listen api: %w", err)
	}
	var opsLn net.Listener
	if a.opsServer != nil {
		if opsLn, err = net.Listen("tcp", a.cfg.OpsListenAddr); err != nil {
			apiLn.Close()
			return fmt.Errorf("listen ops: %w", err)
		}
	}
	a.mu.Lock()
	a.apiAddr = apiLn.Addr().String()
	if opsLn != nil {
		a.opsAddr = opsLn.Addr().String()
	}
	a.mu.Unlock()
	close(a.ready)

	g, gctx := errgroup.WithContext(ctx)
	lines := make(chan logentry.LogEntry, 1024)

	g.Go(func() error {
		defer close(lines)
		err := a.source.Run(gctx, lines)
		switch {
		case err == nil:
			a.logger.Info("line source exhausted; serving existing sessions")
			return nil
		case errors.Is(err, context.Canceled):
			return nil
		default:
			return fmt.Errorf("line source: %w", err)
		}
	})
	g.Go(func() error {
		if err := a.broadcaster.Run(gctx, lines); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})
	g.Go(func() error { return a.metrics.Follow(gctx, a.events) })
	g.Go(func() error { return a.logLifecycle(gctx) })
	g.Go(func() error {
		a.logger.Info("api server listening", "addr", apiLn.Addr().String())
		if err := a.apiServer.Serve(apiLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("api server: %w", err)
		}
		return nil
	})
	if opsLn != nil {
		g.Go(func() error {
			a.logger.Info("ops server listening", "addr", opsLn.Addr().String())
			if err := a.opsServer.Serve(opsLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("ops server: %w", err)
			}
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		a.shutdown()
		return nil
	})

	err = g.Wait()
	if a.backlog != nil {
		closeCtx, cancel := context.WithTimeout(context.Background(), a.shutdownWait)
		defer cancel()
		if cerr := a.backlog.Close(closeCtx); cerr != nil {
			a.logger.Error("backlog close", "error", cerr)
		}
	}
	if err != nil {
		return err
	}
	return ctx.Err()
}

// shutdown closes sessions first so streaming handlers return, then drains
// the HTTP servers.
func (a *App) shutdown() {
	a.broadcaster.Shutdown()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.shutdownWait)
	defer cancel()
	if err := a.apiServer.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("api shutdown", "error", err)
	}
	if a.opsServer != nil {
		if err := a.opsServer.Shutdown(shutdownCtx); err != nil {
			a.logger.Error("ops shutdown", "error", err)
		}
	}
}

func (a *App) logLifecycle(ctx context.Context) error {
	ch := make(chan eventbus.SessionEvent, 256)
	unsubscribe, err := a.events.Subscribe(ch)
	if err != nil {
		return err
	}
	defer unsubscribe()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-ch:
			a.logger.Debug("session event",
				"type", ev.Type,
				"session", ev.SessionID,
				"conn", ev.ConnID,
				"filter", ev.Filter,
				"dropped", ev.Dropped,
				"reason", ev.Reason,
			)
		}
	}
}
