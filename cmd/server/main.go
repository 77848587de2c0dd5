package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mediafetch/mediafetch/internal/api"
	"github.com/mediafetch/mediafetch/internal/cache"
	"github.com/mediafetch/mediafetch/internal/config"
	"github.com/mediafetch/mediafetch/internal/db"
	"github.com/mediafetch/mediafetch/internal/download"
	"github.com/mediafetch/mediafetch/internal/extractor"
	"github.com/mediafetch/mediafetch/internal/health"
	"github.com/mediafetch/mediafetch/internal/logger"
	"github.com/mediafetch/mediafetch/internal/metrics"
	"github.com/mediafetch/mediafetch/internal/muxer"
	"github.com/mediafetch/mediafetch/internal/platform"
	"github.com/mediafetch/mediafetch/internal/signlink"
	"github.com/mediafetch/mediafetch/internal/storage"
	"github.com/mediafetch/mediafetch/internal/stream"
	"github.com/mediafetch/mediafetch/internal/websocket"
)

var version = "dev"

const shutdownTimeout = 30 * time.Second

func main() {
	cfg := config.Load()

	logger.SetDefault(logger.New(&logger.Config{
		Output: os.Stdout,
		Level:  logger.ParseLevel(cfg.LogLevel),
		Format: cfg.LogFormat,
	}))
	log := logger.Default().WithComponent("server")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Error(ctx, "server exited", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, log *logger.Logger) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	if cfg.SigningSecretAuto {
		log.Warn(ctx, "SIGNING_SECRET not set; generated a random secret, signed links will not survive a restart")
	}
	m := metrics.Default()

	var rdb *redis.Client
	if cfg.RedisURL != "" {
		client, err := cache.Connect(ctx, cfg.RedisURL)
		if err != nil {
			return err
		}
		defer client.Close()
		rdb = client
		log.Info(ctx, "connected to redis")
	}

	cacheCfg := cache.Config{TTL: cfg.CacheTTL, MaxEntries: cfg.CacheMaxEntries, Metrics: m}
	if rdb != nil {
		cacheCfg.Remote = cache.NewRedisStore(rdb)
	}
	metaCache := cache.New(cacheCfg)
	metaCache.Start(ctx)

	ytdlp, err := extractor.New(&extractor.Config{
		YtdlpPath:     cfg.YtdlpPath,
		SocketTimeout: 30 * time.Second,
		Retries:       3,
	})
	if err != nil {
		return err
	}
	engine := extractor.NewLimited(ytdlp, cfg.ExtractRate, max(1, int(cfg.ExtractRate)))
	ffmpeg := muxer.NewFFmpeg(cfg.FFmpegPath, cfg.MergeTimeout)
	if !ffmpeg.Available() {
		log.Warn(ctx, "ffmpeg not found; merge strategies will be skipped", map[string]interface{}{
			"path": cfg.FFmpegPath,
		})
	}

	registry := platform.DefaultRegistry()
	resolver := download.NewResolver(registry, metaCache, engine, cfg.ClientProfiles)

	files, err := storage.NewLocal(cfg.DownloadDir)
	if err != nil {
		return err
	}
	var objects storage.Store
	if cfg.StorageBackend != "" && cfg.StorageBackend != "local" {
		objects, err = storage.New(ctx, cfg)
		if err != nil {
			return err
		}
		log.Info(ctx, "artifact store ready", map[string]interface{}{"backend": objects.Name()})
	}

	deps := download.Deps{
		Source:  resolver,
		Engine:  engine,
		Muxer:   ffmpeg,
		Metrics: m,
	}
	if objects != nil {
		deps.Store = objects
	}
	orch := download.New(download.Config{
		WorkerCount:     cfg.WorkerCount,
		QueueSize:       cfg.QueueSize,
		TransferTimeout: cfg.TransferTimeout,
		Retention:       cfg.TaskRetention,
		WorkDir:         cfg.WorkDir,
		DownloadDir:     cfg.DownloadDir,
		Profiles:        cfg.ClientProfiles,
	}, deps)

	// Snapshot sinks outlive ctx so the orchestrator's final shutdown
	// snapshots still reach them.
	sinkCtx, stopSinks := context.WithCancel(context.WithoutCancel(ctx))
	var sinks sync.WaitGroup
	defer func() {
		stopSinks()
		sinks.Wait()
	}()

	hub := websocket.NewHub(m)
	sinks.Go(func() { hub.Run(sinkCtx) })

	var mirror *download.Mirror
	if rdb != nil {
		mirror = download.NewMirror(rdb, cfg.TaskRetention, m)
		orch.Subscribe(mirror.Listener())
		sinks.Go(func() { mirror.Run(sinkCtx) })

		sub := mirror.Subscribe(sinkCtx)
		defer sub.Close()
		sinks.Go(func() { hub.Feed(sinkCtx, sub.Channel()) })
	} else {
		orch.Subscribe(hub.Publish)
	}

	var (
		database *db.DB
		history  *db.HistoryRepository
	)
	if cfg.DatabaseURL != "" {
		database, err = db.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			return err
		}
		defer database.Close()
		if err := database.Migrate(ctx); err != nil {
			return err
		}
		history = db.NewHistoryRepository(database)
		recorder := db.NewRecorder(history, m)
		orch.Subscribe(recorder.Listener())
		sinks.Go(func() { recorder.Run(sinkCtx) })
		log.Info(ctx, "task history enabled")
	}

	orch.Start()

	wsHandler := websocket.NewHandler(hub, func(id string) (download.Snapshot, bool) {
		snap, err := orch.Get(id)
		return snap, err == nil
	}, cfg.CORSOrigins)

	checks := []health.Check{
		{Name: "storage", Critical: true, Run: files.Ping},
		{Name: "extractor", Critical: true, Run: func(ctx context.Context) error {
			_, err := ytdlp.Version(ctx)
			return err
		}},
		{Name: "workers", Critical: true, Run: func(context.Context) error {
			if !orch.IsRunning() {
				return errors.New("worker pool stopped")
			}
			return nil
		}},
		{Name: "ffmpeg", Run: func(context.Context) error {
			if !ffmpeg.Available() {
				return errors.New("ffmpeg binary not found")
			}
			return nil
		}},
	}
	if objects != nil {
		checks = append(checks, health.Check{Name: "objects", Critical: true, Run: objects.Ping})
	}
	checkerCfg := &health.CheckerConfig{Redis: rdb, Checks: checks, Version: version}
	if database != nil {
		checkerCfg.DB = database.DB
	}

	apiDeps := api.Deps{
		Tasks:     orch,
		Resolver:  resolver,
		Platforms: registry,
		Links:     signlink.NewIssuer(cfg.SigningSecret, cfg.LinkTTL, signlink.WithMetrics(m)),
		Proxy:     stream.NewProxy(nil, m),
		Files:     files,
		Objects:   objects,
		WebSocket: wsHandler.ServeWS,
		Health:    health.NewHandler(health.NewChecker(checkerCfg)),
		Metrics:   m,
	}
	if mirror != nil {
		apiDeps.Mirror = mirror
	}
	if history != nil {
		apiDeps.History = history
	}
	router := api.NewRouter(apiDeps, api.Options{
		APIKeyHash:    cfg.APIKeyHash,
		CORSOrigins:   cfg.CORSOrigins,
		RequestRate:   cfg.RequestRate,
		RequestBurst:  cfg.RequestBurst,
		PublicBaseURL: cfg.PublicBaseURL,
	})

	srv := &http.Server{
		Addr:              cfg.ServerAddr,
		Handler:           router.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info(ctx, "starting server", map[string]interface{}{
			"addr":    cfg.ServerAddr,
			"version": version,
			"workers": cfg.WorkerCount,
			"storage": cfg.StorageBackend,
		})
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return err
		}
	case <-ctx.Done():
	}

	log.Info(context.Background(), "shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error(shutdownCtx, "http shutdown", err)
	}
	if err := orch.Stop(shutdownCtx); err != nil {
		log.Error(shutdownCtx, "orchestrator shutdown", err)
	}
	stopSinks()
	sinks.Wait()
	return nil
}
