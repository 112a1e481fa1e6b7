package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"merakstore/pkg/api"
	"merakstore/pkg/auth"
	"merakstore/pkg/banner"
	"merakstore/pkg/config"
	"merakstore/pkg/logger"
	"merakstore/pkg/search"
	"merakstore/pkg/shutdown"
	"merakstore/pkg/store"
	"merakstore/pkg/validation"
)

// build metadata - set via ldflags during build/release
var (
	version   = "dev"
	commit    = "none"
	buildDate = "unknown"
)

func main() {
	_ = godotenv.Load(".env")
	addrVal, backendVal, dbVal, cfgVal, setFlags := config.ParseCommandFlags()

	// Resolve config path (file flag wins over env)
	cfgPath := config.ResolveConfigPath(cfgVal, setFlags["config"])

	cfg, envUsed, err := config.LoadEffective(cfgPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger.Init(cfg.Logging.Level, cfg.Logging.Format)
	defer logger.Sync()

	// flags win over config/env when provided by the user
	addr := cfg.Addr()
	if setFlags["addr"] {
		addr = addrVal
	}
	backend := cfg.Storage.Backend
	if setFlags["backend"] || backend == "" {
		backend = backendVal
	}
	dbPath := cfg.Storage.DBPath
	if setFlags["db"] || dbPath == "" {
		dbPath = dbVal
	}

	validation.SetLimits(validation.Limits{
		MaxPayloadBytes: cfg.Validation.MaxPayloadBytes.Int64(),
		MaxTitleLen:     cfg.Validation.MaxTitleLen,
	})

	// runtime key material for packages that cannot take it as a parameter
	config.SetRuntime(&config.RuntimeConfig{
		BackendKeys: cfg.BackendKeySet(),
		JWTSecret:   []byte(cfg.Auth.JWTSecret),
	})

	ctx, cancel := shutdown.SetupSignalHandler(context.Background())
	defer cancel()

	st, err := openStore(ctx, backend, dbPath, cfg)
	if err != nil {
		log.Fatalf("failed to open %s store: %v", backend, err)
	}
	defer func() {
		if err := st.Close(); err != nil {
			logger.Error("store_close_failed", zap.Error(err))
		}
	}()

	var searcher search.Searcher
	if cfg.Search.APIKey != "" && cfg.Search.VectorStoreID != "" {
		searcher = search.NewClient(search.Options{
			APIKey:         cfg.Search.APIKey,
			BaseURL:        cfg.Search.BaseURL,
			VectorStoreID:  cfg.Search.VectorStoreID,
			ScoreThreshold: cfg.Search.ScoreThreshold,
		})
	} else {
		logger.Warn("search_not_configured")
	}

	secCfg := auth.SecConfig{
		AllowedOrigins: cfg.Security.CORS.AllowedOrigins,
		RPS:            cfg.Security.RateLimit.RPS,
		Burst:          cfg.Security.RateLimit.Burst,
		BackendKeys:    cfg.BackendKeySet(),
		JWTSecret:      []byte(cfg.Auth.JWTSecret),
		Issuer:         cfg.Auth.Issuer,
		Audience:       cfg.Auth.Audience,
	}

	handler := api.NewHandler(api.Options{Store: st, Search: searcher, Sec: secCfg})

	srcs := []string{}
	if len(setFlags) > 0 {
		srcs = append(srcs, "flags")
	}
	if envUsed {
		srcs = append(srcs, "env")
	}
	if _, err := config.Load(cfgPath); err == nil {
		srcs = append(srcs, "config")
	}
	verStr := version
	if commit != "none" {
		verStr = verStr + " (" + commit + ")"
	}
	if buildDate != "unknown" {
		verStr = verStr + " @ " + buildDate
	}
	bannerPath := dbPath
	if backend != "pebble" {
		bannerPath = ""
	}
	banner.Print(addr, backend, bannerPath, strings.Join(srcs, ", "), verStr)

	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		cert := cfg.Server.TLS.CertFile
		key := cfg.Server.TLS.KeyFile
		if cert != "" && key != "" {
			errc <- srv.ListenAndServeTLS(cert, key)
		} else {
			errc <- srv.ListenAndServe()
		}
	}()
	logger.Info("server_started", zap.String("addr", addr), zap.String("backend", backend))

	select {
	case err := <-errc:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("server failed: %v", err)
		}
	case <-ctx.Done():
		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancelShutdown()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("graceful_shutdown_failed", zap.Error(err))
		}
		logger.Info("server_stopped")
	}
}

func openStore(ctx context.Context, backend, dbPath string, cfg *config.Config) (store.Store, error) {
	switch backend {
	case "pebble":
		s, err := store.OpenPebble(dbPath)
		if err != nil {
			return nil, err
		}
		return store.WithMetrics("pebble", s), nil
	case "redis":
		s, err := store.OpenRedis(ctx, store.RedisOptions{
			Addr:     cfg.Storage.Redis.Addr,
			Password: cfg.Storage.Redis.Password,
			DB:       cfg.Storage.Redis.DB,
		})
		if err != nil {
			return nil, err
		}
		return store.WithMetrics("redis", s), nil
	case "memory":
		return store.WithMetrics("memory", store.NewMemory()), nil
	}
	return nil, errors.New("unknown backend: " + backend)
}
