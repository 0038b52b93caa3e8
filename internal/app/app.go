// Package app initializes and holds long-lived application services, acting
// as a dependency injection container.
package app

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/grabtune/grabtune/internal/admission"
	"github.com/grabtune/grabtune/internal/api"
	"github.com/grabtune/grabtune/internal/config"
	"github.com/grabtune/grabtune/internal/dispatcher"
	"github.com/grabtune/grabtune/internal/extract"
	"github.com/grabtune/grabtune/internal/id/uuid"
	"github.com/grabtune/grabtune/internal/jobstore"
	"github.com/grabtune/grabtune/internal/logging"
	"github.com/grabtune/grabtune/internal/proxypool"
	"github.com/grabtune/grabtune/internal/queue/memory"
	"github.com/grabtune/grabtune/internal/ratelimit"
	"github.com/grabtune/grabtune/internal/telemetry"
	"github.com/grabtune/grabtune/internal/worker"

	systemclock "github.com/grabtune/grabtune/internal/clock/system"
)

// App holds all the shared, long-lived services for the application. It is
// initialized once at startup and owns their lifecycles.
type App struct {
	cfg        config.Config
	logger     *zap.Logger
	store      *jobstore.Store
	queue      *memory.Queue
	pool       *proxypool.Pool
	admission  *admission.Controller
	limiter    *ratelimit.Limiter
	dispatcher *dispatcher.Dispatcher
	httpServer *http.Server
}

// GetLogger returns the shared zap logger instance.
func (a *App) GetLogger() *zap.Logger {
	return a.logger
}

// NewApp creates and wires every service from configuration. It fails fast if
// any critical service cannot be initialized.
func NewApp(cfg config.Config) (*App, error) {
	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}
	zap.ReplaceGlobals(logger)

	telemetry.Init()

	clock := systemclock.New()
	idGen := uuid.NewUUIDGenerator()

	pool := proxypool.New(proxypool.Config{
		SourceURLs:      cfg.Proxy.SourceURLs,
		CheckURL:        cfg.Proxy.CheckURL,
		ProbeTimeout:    time.Duration(cfg.Proxy.ProbeTimeoutSeconds) * time.Second,
		ProbeBudget:     cfg.Proxy.ProbeBudget,
		RefreshInterval: cfg.ProxyRefreshInterval(),
	}, logger.Named("proxypool"))

	adm := admission.New(admission.Config{
		MaxConcurrent: cfg.Limits.MaxConcurrent,
		MemorySoft:    cfg.Limits.MemorySoft,
		MemoryHard:    cfg.Limits.MemoryHard,
		DiskSoftBytes: uint64(cfg.Limits.DiskSoftMB) * 1024 * 1024,
		DiskHardBytes: uint64(cfg.Limits.DiskHardMB) * 1024 * 1024,
		ScratchDir:    cfg.Extract.ScratchDir,
	}, logger.Named("admission"))

	store := jobstore.New(jobstore.Config{
		Retention:       time.Duration(cfg.Jobs.RetentionMinutes) * time.Minute,
		ForcedRetention: time.Duration(cfg.Jobs.ForcedRetentionMin) * time.Minute,
		FetchedGrace:    time.Duration(cfg.Jobs.FetchedGraceSeconds) * time.Second,
		SweepInterval:   time.Duration(cfg.Jobs.SweepSeconds) * time.Second,
	}, clock, idGen, logger.Named("jobstore"))
	adm.SetSweeper(store)

	limiter := ratelimit.New(map[string]ratelimit.Class{
		api.ClassDownload: {
			Limit:  cfg.RateLimit.DownloadLimit,
			Window: time.Duration(cfg.RateLimit.DownloadWindow) * time.Second,
		},
		api.ClassStatus: {
			Limit:  cfg.RateLimit.StatusLimit,
			Window: time.Duration(cfg.RateLimit.StatusWindow) * time.Second,
		},
	}, clock)

	runner := extract.NewYTDLPRunner(cfg.Extract.ToolPath, cfg.ToolTimeout(), logger.Named("ytdlp"))
	orchestrator := extract.NewOrchestrator(extract.Config{
		ScratchRoot:   cfg.Extract.ScratchDir,
		CookieFile:    cfg.Extract.CookieFile,
		ToolRetries:   cfg.Extract.ToolRetries,
		SocketTimeout: time.Duration(cfg.Extract.SocketTimeoutSeconds) * time.Second,
	}, runner, pool, logger.Named("extract"))

	q := memory.NewQueue(cfg.Jobs.QueueDepth)
	workers := make([]*worker.Worker, cfg.Limits.MaxConcurrent)
	for i := range workers {
		workers[i] = worker.New(q, store, orchestrator, adm, logger.Named("worker"))
	}
	disp := dispatcher.New(q, workers)

	ingress := rate.NewLimiter(rate.Limit(cfg.Server.IngressRPS), cfg.Server.IngressBurst)
	srv := api.NewServer(store, q, orchestrator, adm, limiter, pool, clock, ingress, logger.Named("api"))

	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	return &App{
		cfg:        cfg,
		logger:     logger,
		store:      store,
		queue:      q,
		pool:       pool,
		admission:  adm,
		limiter:    limiter,
		dispatcher: disp,
		httpServer: httpServer,
	}, nil
}

// Run starts the background loops and the HTTP server, blocking until the
// context finishes, then shuts the server down gracefully.
func (a *App) Run(ctx context.Context) error {
	go a.pool.Start(ctx)
	go a.store.Run(ctx)
	go a.limiter.Run(ctx, time.Duration(a.cfg.RateLimit.SweepSeconds)*time.Second)
	go a.dispatcher.Run(ctx)

	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("http server listening", zap.String("addr", a.httpServer.Addr))
		if err := a.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	a.logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := a.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	a.queue.Close()
	return nil
}

// Close flushes buffered state on exit.
func (a *App) Close() {
	if err := a.logger.Sync(); err != nil {
		// Best effort: stderr may already be gone.
		_ = err
	}
}
