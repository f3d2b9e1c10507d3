// Package app provides the unified application lifecycle management for
// Syncbridge: it wires the durable cache store, the analytical store
// adapter, the event feed, the routing service, and the HTTP API, and tears
// them down in an order that never loses an acknowledged write.
package app

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"sync"

	"github.com/syncbridge/syncbridge/internal/activity"
	httpapi "github.com/syncbridge/syncbridge/internal/api/http"
	"github.com/syncbridge/syncbridge/internal/auth"
	"github.com/syncbridge/syncbridge/internal/cachestore"
	"github.com/syncbridge/syncbridge/internal/config"
	"github.com/syncbridge/syncbridge/internal/ingest"
	"github.com/syncbridge/syncbridge/internal/lake"
	"github.com/syncbridge/syncbridge/internal/observability"
	"github.com/syncbridge/syncbridge/internal/server"
	"github.com/syncbridge/syncbridge/internal/storage"
	syncsvc "github.com/syncbridge/syncbridge/internal/sync"
)

// App manages the Syncbridge service lifecycle.
type App struct {
	cfg *config.Config

	// Shared resources
	objectStore storage.ObjectStorage
	durableLog  *cachestore.DurableLog
	store       *cachestore.Store
	lakeAdapter *lake.SQLAdapter
	service     *syncsvc.Service
	router      *ingest.Router
	consumer    *ingest.Consumer
	compactor   *cachestore.Compactor
	stats       *observability.RouteStats
	shutdown    *server.ShutdownManager

	httpServer *server.GracefulHTTPServer

	// Lifecycle
	mu      sync.Mutex
	running bool
	wg      sync.WaitGroup
}

// New creates a new App with the given configuration.
func New(cfg *config.Config) (*App, error) {
	cfg.Resolve()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, fmt.Errorf("failed to create directories: %w", err)
	}

	return &App{cfg: cfg}, nil
}

// Start initializes all components and begins serving.
func (a *App) Start(ctx context.Context) error {
	a.mu.Lock()
	if a.running {
		a.mu.Unlock()
		return fmt.Errorf("app is already running")
	}
	a.running = true
	a.mu.Unlock()

	a.shutdown = server.NewShutdownManager(server.ShutdownConfig{})

	if err := a.initStore(ctx); err != nil {
		return err
	}
	if err := a.initLake(); err != nil {
		return err
	}
	a.initService()

	if a.cfg.Routing.InitialSync && a.lakeAdapter != nil {
		if _, err := a.service.InitialSync(ctx); err != nil {
			// The cache still serves what the log restored; the lake covers
			// the rest per request.
			log.Printf("Initial sync failed, continuing with restored cache: %v", err)
		}
	}

	a.startIngest()
	a.startCompactor()

	if err := a.startHTTP(); err != nil {
		return err
	}

	log.Printf("Syncbridge started in %s mode on %s", a.cfg.Mode, a.cfg.HTTP.Addr)
	return nil
}

// initStore builds the object store, snapshot archive, durable log, and
// cache store, then restores state from disk. Restore failure is fatal:
// serving from a corrupt log silently drops acknowledged writes.
func (a *App) initStore(ctx context.Context) error {
	var err error
	switch a.cfg.Storage.Type {
	case "s3":
		a.objectStore, err = storage.NewS3Storage(ctx, a.cfg.Storage.S3.Bucket, storage.S3Config{
			Region:       a.cfg.Storage.S3.Region,
			Endpoint:     a.cfg.Storage.S3.Endpoint,
			UsePathStyle: a.cfg.Storage.S3.UsePathStyle,
		})
	default:
		a.objectStore, err = storage.NewLocalStorage(a.cfg.Storage.Path)
	}
	if err != nil {
		return fmt.Errorf("failed to initialize object storage: %w", err)
	}

	archive, err := cachestore.NewSnapshotArchive(a.objectStore, a.cfg.Snapshot.WorkDir)
	if err != nil {
		return err
	}

	a.durableLog, err = cachestore.NewDurableLog(a.cfg.Cache.LogDir, a.cfg.Cache.MaxSegmentSize)
	if err != nil {
		return fmt.Errorf("failed to open durable log: %w", err)
	}
	a.shutdown.RegisterCloser(a.durableLog)

	a.store = cachestore.NewStore(a.durableLog, archive)
	if err := a.store.Restore(ctx); err != nil {
		return fmt.Errorf("failed to restore cache store: %w", err)
	}

	return nil
}

func (a *App) initLake() error {
	if a.cfg.Lake.DSN == "" {
		log.Printf("No analytical store configured; cache-only operation")
		return nil
	}

	adapter, err := lake.Open(a.cfg.Lake.Driver, a.cfg.Lake.DSN, a.cfg.Lake.Table, a.cfg.Lake.QueryTimeout)
	if err != nil {
		return err
	}
	a.lakeAdapter = adapter
	a.shutdown.RegisterCloser(adapter)
	return nil
}

func (a *App) initService() {
	a.stats = observability.NewRouteStats()

	var verifier auth.Verifier
	if a.cfg.Auth.JWTSecret != "" {
		verifier = auth.NewJWTVerifier(a.cfg.Auth.JWTSecret, a.cfg.Auth.Issuer)
	} else {
		log.Printf("No JWT secret configured; authentication disabled")
	}

	var adapter lake.Adapter
	if a.lakeAdapter != nil {
		adapter = a.lakeAdapter
	}

	a.service = syncsvc.NewService(
		a.store,
		adapter,
		activity.NewTracker(a.cfg.Routing.IdleThreshold),
		verifier,
		a.stats,
		a.cfg.Routing,
		a.cfg.Mode,
	)
}

// startIngest starts the shard router and, in lake mode with a feed
// configured, the Kafka consumer.
func (a *App) startIngest() {
	a.router = ingest.NewRouter(a.store, a.cfg.Cache.Shards, a.cfg.Cache.ShardBuffer)
	a.router.Start()
	a.shutdown.RegisterCloser(server.CloserFunc(func() error {
		a.router.Stop()
		return nil
	}))

	if !a.cfg.Feed.Enabled {
		log.Printf("Event feed disabled; cache updates come from initial sync only")
		return
	}

	a.consumer = ingest.NewConsumer(a.cfg.Feed.Brokers, a.cfg.Feed.Topic, a.cfg.Feed.GroupID, a.router)
	a.shutdown.RegisterCloser(server.CloserFunc(func() error {
		return a.consumer.Stop()
	}))

	if a.cfg.Mode == config.ModeLake {
		if err := a.consumer.Start(); err != nil {
			log.Printf("Feed consumer failed to start, reads still served: %v", err)
		}
	}
}

func (a *App) startCompactor() {
	a.compactor = cachestore.NewCompactor(a.store, a.cfg.Snapshot.Interval, a.cfg.Cache.EvictAfter)
	a.compactor.Start()
	a.shutdown.RegisterCloser(server.CloserFunc(func() error {
		a.compactor.Stop()
		return nil
	}))
}

func (a *App) startHTTP() error {
	mux := http.NewServeMux()

	authed := httpapi.ChainMiddleware(
		server.ShutdownMiddleware(a.shutdown),
		httpapi.RecoveryMiddleware,
		httpapi.RequestIDMiddleware,
		httpapi.ContentTypeMiddleware,
		httpapi.AuthMiddleware(a.service),
	)

	var feed httpapi.FeedController
	if a.consumer != nil {
		feed = a.consumer
	}

	var lakePing func(context.Context) error
	if a.lakeAdapter != nil {
		lakePing = a.lakeAdapter.Ping
	}

	mux.Handle("/v1/user/", authed(httpapi.NewUserHandler(a.service)))
	mux.Handle("/v1/check-user/", authed(httpapi.NewCheckUserHandler(a.service)))
	mux.Handle("/v1/admin/switch-lake", authed(httpapi.NewSwitchHandler(a.service, feed, config.ModeLake)))
	mux.Handle("/v1/admin/switch-parallel", authed(httpapi.NewSwitchHandler(a.service, feed, config.ModeParallel)))
	mux.Handle("/v1/stats", authed(httpapi.NewStatsHandler(a.service, a.stats, a.router.Stats, a.store.Len)))
	mux.Handle("/health", httpapi.NewHealthHandler(a.service, feed, a.store.Len, lakePing))

	srv := &http.Server{
		Addr:         a.cfg.HTTP.Addr,
		Handler:      mux,
		ReadTimeout:  a.cfg.HTTP.ReadTimeout,
		WriteTimeout: a.cfg.HTTP.WriteTimeout,
		IdleTimeout:  a.cfg.HTTP.IdleTimeout,
	}
	a.httpServer = server.NewGracefulHTTPServer(srv, a.shutdown)

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		if err := a.httpServer.ListenAndServe(); err != nil {
			log.Printf("HTTP server error: %v", err)
		}
	}()

	return nil
}

// Stop shuts the application down gracefully.
func (a *App) Stop(ctx context.Context) error {
	a.mu.Lock()
	if !a.running {
		a.mu.Unlock()
		return nil
	}
	a.running = false
	a.mu.Unlock()

	err := a.shutdown.Shutdown(ctx, "stop requested")
	a.wg.Wait()
	return err
}

// WaitForShutdown blocks until a signal or context cancellation triggers
// graceful shutdown.
func (a *App) WaitForShutdown(ctx context.Context) error {
	err := a.shutdown.ListenForSignals(ctx)
	a.wg.Wait()
	return err
}
