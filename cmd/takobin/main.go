package main

import (
	"context"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"syscall"
	"time"

	"takobin/cfg"
	"takobin/metrics"
	"takobin/pkg/secrets"
	"takobin/svc/api"
	"takobin/svc/auth"
	"takobin/svc/blob"
	"takobin/svc/cache"
	"takobin/svc/db"
	"takobin/svc/lim"
	"takobin/svc/svc"
	"takobin/svc/util"
)

func main() {
	if len(os.Args) > 1 && os.Args[1] == "-health" {
		healthCheck()
		return
	}

	c, err := cfg.Load()
	if err != nil {
		util.Fatal().Err(err).Msg("failed to load configuration")
		os.Exit(1)
	}
	if err := cfg.Validate(c); err != nil {
		util.Fatal().Err(err).Msg("invalid configuration")
		os.Exit(1)
	}
	defer c.Wipe()
	util.InitLog(c.LogLevel, c.Environment == "development")
	util.Info().Msg("starting takobin API")
	metrics.Init()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	jwtSecret := []byte(c.JWTSecret.Value())
	if c.JWTFromSecrets {
		resolver, err := secrets.NewResolver(ctx)
		if err != nil {
			util.Fatal().Err(err).Msg("failed to initialize secrets resolver")
			os.Exit(1)
		}
		val, err := resolver.GetSecret(ctx, "JWT_SECRET")
		if err != nil {
			util.Fatal().Err(err).Msg("failed to load JWT secret")
			os.Exit(1)
		}
		jwtSecret = []byte(val)
	}

	verifier, err := auth.NewVerifier(jwtSecret)
	if err != nil {
		util.Fatal().Err(err).Msg("failed to initialize token verifier")
		os.Exit(1)
	}

	sqlDB, err := db.NewSQLiteWithConfig(c.DatabasePath, c.DBMaxOpenConns, c.DBMaxIdleConns, c.DBQueryTimeout)
	if err != nil {
		util.Fatal().Err(err).Msg("failed to initialize database")
		os.Exit(1)
	}
	defer sqlDB.Close()
	util.Info().Str("path", c.DatabasePath).Msg("database initialized")

	var rdb *db.Redis
	if c.RedisURL != "" {
		rdb, err = db.NewRedis(c.RedisURL, c)
		if err != nil {
			if c.Environment == "production" {
				util.Fatal().Err(err).Msg("CRITICAL: Redis required in production")
				os.Exit(1)
			}
			util.Warn().Err(err).Msg("redis unavailable (dev mode)")
		} else {
			util.Info().Msg("redis connected")
		}
	}
	if rdb != nil {
		defer rdb.Close()
	}

	lruCache, err := cache.NewLRU(c.LRUCacheSize)
	if err != nil {
		util.Fatal().Err(err).Msg("failed to create LRU cache")
		os.Exit(1)
	}
	util.Info().Int("size", c.LRUCacheSize).Msg("LRU cache initialized")

	hasher, err := auth.NewHasher(c.BcryptCost)
	if err != nil {
		util.Fatal().Err(err).Msg("failed to initialize hasher")
		os.Exit(1)
	}

	var blobStore blob.Store
	if c.Minio.Endpoint != "" {
		blobStore, err = blob.NewMinIO(ctx, c.Minio)
		if err != nil {
			if c.Environment == "production" {
				util.Fatal().Err(err).Msg("CRITICAL: blob storage required in production")
				os.Exit(1)
			}
			util.Warn().Err(err).Msg("blob storage unavailable (dev mode), uploads disabled")
		} else {
			util.Info().Str("bucket", c.Minio.Bucket).Msg("blob storage initialized")
		}
	} else {
		util.Warn().Msg("MINIO_ENDPOINT not set, uploads disabled")
	}

	pasteSvc := svc.NewPaste(sqlDB, lruCache, rdb, hasher, blobStore, c)
	util.Info().Msg("paste service initialized")

	filesSvc := svc.NewFiles(sqlDB, blobStore, hasher, c)
	util.Info().Msg("files service initialized")

	limiter := lim.New(c.RateLimit.RPM, c.RateLimit.Burst, c.RateLimit.ConservativeLimit, rdb, c.TrustedProxies)
	defer limiter.Stop()
	util.Info().
		Int("rpm", c.RateLimit.RPM).
		Int("burst", c.RateLimit.Burst).
		Strs("trusted_proxies", c.TrustedProxies).
		Msg("rate limiter initialized")

	mw := api.NewMw(limiter, verifier, c)
	server := api.NewServer(api.Deps{
		Cfg:     c,
		Paste:   pasteSvc,
		Files:   filesSvc,
		Limiter: limiter,
		Mw:      mw,
		DB:      sqlDB,
		Redis:   rdb,
	})

	quitWAL := make(chan struct{})
	go db.StartWALMaintenance(sqlDB.DB(), quitWAL)
	util.Info().Msg("WAL maintenance worker started")

	if c.CleanupInterval > 0 {
		if err := svc.StartCleaner(ctx, sqlDB, c.CleanupInterval); err != nil {
			util.Error().Err(err).Msg("failed to start cleaner")
		} else {
			util.Info().Dur("interval", c.CleanupInterval).Msg("expired paste cleanup worker started")
		}
	}

	go func() {
		util.Info().Msg("starting pprof server on :6060")
		if err := http.ListenAndServe(":6060", nil); err != nil {
			util.Warn().Err(err).Msg("pprof server failed")
		}
	}()

	util.Info().Str("port", c.Port).Str("environment", c.Environment).Msg("server starting")
	go func() {
		if err := server.Start(); err != nil {
			util.Fatal().Err(err).Msg("server failed")
			os.Exit(1)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh
	util.Info().Msg("shutting down gracefully...")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		util.Error().Err(err).Msg("server shutdown error")
	}
	close(quitWAL)
	cancel()
	pasteSvc.Shutdown()
	util.Info().Msg("shutdown complete")
}

func healthCheck() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	dbPath := os.Getenv("DATABASE_PATH")
	if dbPath == "" {
		dbPath = "takobin.db"
	}
	sqlDB, err := db.NewSQLite(dbPath)
	if err != nil {
		os.Exit(1)
	}
	defer sqlDB.Close()
	pingCtx, pingCancel := context.WithTimeout(ctx, 1*time.Second)
	defer pingCancel()
	if err := sqlDB.DB().PingContext(pingCtx); err != nil {
		os.Exit(1)
	}
	os.Exit(0)
}
