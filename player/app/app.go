// Package app wires the application container: configuration, logging,
// storage, the instance registry, resolution providers, and the playback
// engine.
package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/vibetune/OpenTune-Go/player"
	"github.com/vibetune/OpenTune-Go/player/config"
	"github.com/vibetune/OpenTune-Go/player/crossfade"
	"github.com/vibetune/OpenTune-Go/player/db"
	"github.com/vibetune/OpenTune-Go/player/download"
	"github.com/vibetune/OpenTune-Go/player/engine"
	"github.com/vibetune/OpenTune-Go/player/instances"
	logpkg "github.com/vibetune/OpenTune-Go/player/logger"
	"github.com/vibetune/OpenTune-Go/player/media"
	"github.com/vibetune/OpenTune-Go/player/offline"
	"github.com/vibetune/OpenTune-Go/player/queue"
	"github.com/vibetune/OpenTune-Go/player/resolver"
	"github.com/vibetune/OpenTune-Go/player/worker"
	"github.com/vibetune/OpenTune-Go/providers/piped"
	"github.com/vibetune/OpenTune-Go/providers/static"
	"github.com/vibetune/OpenTune-Go/providers/youtube"
	gormlogger "gorm.io/gorm/logger"
)

// App wires all application dependencies.
type App struct {
	Config    *config.Config
	Logger    *logpkg.Logger
	DB        *db.Repository
	Pool      *worker.Pool
	Registry  *instances.Registry
	Health    *instances.HealthChecker
	Offline   *offline.Store
	Resolver  *resolver.Resolver
	Queue     *queue.Queue
	Engine    *engine.Engine
	Crossfade *crossfade.Controller
	Downloads *download.Service
	Build     BuildInfo
}

// BuildInfo provides build-time metadata.
type BuildInfo struct {
	RuntimeVer string
	BinVersion string
	CommitSHA  string
	BuildTime  string
	BuildArch  string
}

// New builds the application container.
func New(ctx context.Context, configPath string, build BuildInfo) (*App, error) {
	conf, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	log, err := logpkg.New(conf.GetString("LogLevel"), conf.GetString("LogFormat"), conf.GetString("LogDir"), conf.GetBool("LogSource"))
	if err != nil {
		return nil, err
	}

	gormLogger := logpkg.NewGormLogger(
		log.Slog(),
		mapLogLevel(conf.GetString("GormLogLevel")),
		time.Duration(conf.GetInt("GormSlowThresholdMS"))*time.Millisecond,
	)
	databasePath := strings.TrimSpace(conf.GetString("Database"))
	if databasePath == "" {
		databasePath = "opentune.db"
	}

	repo, err := db.NewSQLiteRepository(databasePath, gormLogger)
	if err != nil {
		return nil, fmt.Errorf("init db: %w", err)
	}
	poolMaxOpen := conf.GetInt("DBMaxOpenConns")
	poolMaxIdle := conf.GetInt("DBMaxIdleConns")
	poolMaxLifetimeSec := conf.GetInt("DBConnMaxLifetimeSec")
	if err := repo.ConfigurePool(poolMaxOpen, poolMaxIdle, time.Duration(poolMaxLifetimeSec)*time.Second); err != nil {
		return nil, fmt.Errorf("configure db pool: %w", err)
	}

	pool := worker.New(conf.GetInt("DownloadConcurrency"))

	registry := instances.NewRegistry(repo, log)
	seedInstances(conf, registry, log)
	if err := registry.LoadPersisted(ctx); err != nil {
		log.Warn("load persisted instances failed", "error", err)
	}
	if preferred := strings.TrimSpace(conf.GetString("PreferredInstance")); preferred != "" {
		if err := registry.SetPreferred(ctx, preferred); err != nil {
			log.Warn("configured preferred instance unknown", "instance", preferred)
		}
	}
	registry.SetAutoFallback(conf.GetBool("AutoFallback"))

	health := instances.NewHealthChecker(
		registry,
		conf.GetString("HealthCheckPath"),
		time.Duration(conf.GetInt("HealthCheckTimeoutSec"))*time.Second,
		log,
	)

	cacheDir := strings.TrimSpace(conf.GetString("CacheDir"))
	if cacheDir == "" {
		cacheDir = "./cache"
	}
	blobs := offline.NewFileBlobStore(cacheDir)
	store := offline.NewStore(blobs, repo, log)

	metadataTimeout := time.Duration(conf.GetInt("MetadataTimeoutSec")) * time.Second
	providers := []resolver.Provider{
		youtube.New(log),
		piped.New(registry, metadataTimeout, log),
		static.New(conf.GetString("StaticFallbackURL")),
	}

	res := resolver.New(store, providers, registry, resolver.Options{
		AttemptTimeout:      metadataTimeout,
		CandidateDelay:      time.Duration(conf.GetInt("CandidateDelayMS")) * time.Millisecond,
		InstanceMinInterval: time.Duration(conf.GetInt("InstanceMinIntervalMS")) * time.Millisecond,
		CacheTTL:            time.Duration(conf.GetInt("ResolveCacheTTLSec")) * time.Second,
	}, log)

	payloadTimeout := time.Duration(conf.GetInt("PayloadTimeoutSec")) * time.Second
	factory := media.BeepFactory(payloadTimeout)

	playQueue := queue.New()
	eng := engine.New(ctx, playQueue, res, factory, repo, log, engine.Options{
		MidStream: resolver.RetryPolicy{
			MaxAttempts: conf.GetInt("MidStreamRetryMax") + 1,
			Backoff:     resolver.GeometricBackoff(time.Second),
		},
	})

	fade := crossfade.New(ctx, eng, res, factory, log)
	fade.Configure(conf.GetBool("CrossfadeEnabled"), time.Duration(conf.GetInt("CrossfadeSeconds"))*time.Second)
	eng.SetTransition(fade)

	downloads := download.NewService(ctx, pool, res, store, repo, log, download.Options{
		MaxRetries: conf.GetInt("DownloadMaxRetries"),
		Timeout:    time.Duration(conf.GetInt("DownloadTimeoutSec")) * time.Second,
	})

	return &App{
		Config:    conf,
		Logger:    log,
		DB:        repo,
		Pool:      pool,
		Registry:  registry,
		Health:    health,
		Offline:   store,
		Resolver:  res,
		Queue:     playQueue,
		Engine:    eng,
		Crossfade: fade,
		Downloads: downloads,
		Build:     build,
	}, nil
}

// seedInstances registers the instance pool declared in configuration.
func seedInstances(conf *config.Config, registry *instances.Registry, log player.Logger) {
	for _, name := range conf.InstanceNames() {
		url := strings.TrimSpace(conf.GetInstanceString(name, "url"))
		if url == "" {
			log.Warn("instance section missing url", "instance", name)
			continue
		}
		registry.Add(player.InstanceRecord{
			URL:         url,
			Name:        name,
			Region:      conf.GetInstanceString(name, "region"),
			IsPreferred: conf.GetInstanceBool(name, "preferred"),
		})
	}
}

// Start kicks off background services: an initial health sweep of the
// instance pool and a history prune pass.
func (a *App) Start(ctx context.Context) error {
	a.Logger.Info("starting",
		"version", a.Build.BinVersion,
		"commit", a.Build.CommitSHA,
		"runtime", a.Build.RuntimeVer,
		"arch", a.Build.BuildArch,
		"instances", a.Registry.Len(),
	)

	if a.Registry.Len() > 0 {
		go a.Health.CheckAll(ctx)
	}

	keep := a.Config.GetInt("HistoryKeep")
	if keep > 0 {
		if err := a.DB.PruneEventsBefore(ctx, keep); err != nil {
			a.Logger.Warn("history prune failed", "error", err)
		}
	}
	return nil
}

// Shutdown releases resources.
func (a *App) Shutdown(ctx context.Context) error {
	var firstErr error

	if a.Engine != nil {
		if err := a.Engine.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("close engine: %w", err)
		}
	}

	if a.Pool != nil {
		if err := a.Pool.Shutdown(ctx); err != nil {
			a.Pool.StopNow()
			if firstErr == nil {
				firstErr = fmt.Errorf("shutdown worker pool: %w", err)
			}
		}
	}

	if a.DB != nil {
		if err := a.DB.Close(); err != nil {
			if a.Logger != nil {
				a.Logger.Error("failed to close database", "error", err)
			}
			if firstErr == nil {
				firstErr = fmt.Errorf("close database: %w", err)
			}
		}
	}

	if a.Logger != nil {
		if err := a.Logger.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("close logger: %w", err)
		}
	}

	return firstErr
}

func mapLogLevel(level string) gormlogger.LogLevel {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug", "trace", "info":
		return gormlogger.Info
	case "error", "fatal", "panic":
		return gormlogger.Error
	case "silent":
		return gormlogger.Silent
	case "warn", "warning":
		fallthrough
	default:
		return gormlogger.Warn
	}
}
