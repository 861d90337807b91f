package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/teampulse/teampulse/internal/api"
	"github.com/teampulse/teampulse/internal/app"
	iauth "github.com/teampulse/teampulse/internal/auth"
	"github.com/teampulse/teampulse/internal/cache"
	"github.com/teampulse/teampulse/internal/chatcache"
	"github.com/teampulse/teampulse/internal/database"
	"github.com/teampulse/teampulse/internal/directory"
	"github.com/teampulse/teampulse/internal/history"
	"github.com/teampulse/teampulse/internal/maintenance"
	"github.com/teampulse/teampulse/internal/monitoring"
	"github.com/teampulse/teampulse/internal/monitoring/checks"
	"github.com/teampulse/teampulse/internal/presence"
	"github.com/teampulse/teampulse/internal/realtime"
	"github.com/teampulse/teampulse/internal/rooms"
	"github.com/teampulse/teampulse/pkg/logger"
)

const shutdownTimeout = 15 * time.Second

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
	defer stop()

	if err := run(ctx, os.Args[1:]); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(0)
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("teampulse-server", flag.ContinueOnError)
	fs.SetOutput(os.Stdout)

	var configPath string
	fs.StringVar(&configPath, "config", "", "Path to configuration directory or file")

	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := loadApplicationConfig(configPath)
	if err != nil {
		return err
	}

	if err := app.ConfigureLogging(cfg.Server.LogLevel); err != nil {
		return fmt.Errorf("configure logging: %w", err)
	}
	defer logger.Sync() // best effort

	log := logger.WithModule("bootstrap")

	cfg.Auth.JWT.Secret = strings.TrimSpace(cfg.Auth.JWT.Secret)
	if cfg.Auth.JWT.Secret == "" {
		return errors.New("auth.jwt.secret must be configured")
	}

	db, err := initialiseDatabase(cfg)
	if err != nil {
		return err
	}
	defer closeDatabase(db, log)

	fallback := cache.NewMemoryStore()

	var sharedStore *cache.RedisStore
	if cfg.Cache.Redis.Enabled {
		store, redisErr := cache.NewRedisStore(cache.RedisConfig{
			Address:  cfg.Cache.Redis.Address,
			Username: cfg.Cache.Redis.Username,
			Password: cfg.Cache.Redis.Password,
			DB:       cfg.Cache.Redis.DB,
			TLS:      cfg.Cache.Redis.TLS,
			Timeout:  cfg.Cache.Redis.Timeout,
		})
		if redisErr != nil {
			return fmt.Errorf("initialise shared store: %w", redisErr)
		}
		sharedStore = store
		defer func() { _ = sharedStore.Close() }()
		log.Info("shared store configured", zap.String("addr", cfg.Cache.Redis.Address))
	} else {
		log.Info("shared store disabled; presence is process-local")
	}

	jwtService, err := iauth.NewJWTService(iauth.JWTConfig{
		Secret:         cfg.Auth.JWT.Secret,
		Issuer:         cfg.Auth.JWT.Issuer,
		AccessTokenTTL: cfg.Auth.JWT.AccessTokenTTL,
	})
	if err != nil {
		return fmt.Errorf("initialise jwt service: %w", err)
	}

	users, err := directory.NewUserDirectory(db)
	if err != nil {
		return fmt.Errorf("initialise user directory: %w", err)
	}
	teams, err := directory.NewTeamDirectory(db)
	if err != nil {
		return fmt.Errorf("initialise team directory: %w", err)
	}
	historyStore, err := history.NewStore(db)
	if err != nil {
		return fmt.Errorf("initialise history store: %w", err)
	}

	// The hub is both the websocket transport and the event source for
	// sessions, so it is built first and bound to its dependencies after the
	// coordinator exists.
	var store cache.Store
	if sharedStore != nil {
		store = sharedStore
	}
	registry := presence.NewRegistry(store, fallback, cfg.Presence.EntryTTL)
	hub := realtime.NewHub()
	coordinator := rooms.NewCoordinator(rooms.NewMembership(), hub, store, cfg.Presence.EntryTTL)
	messageCache := chatcache.New(cfg.ChatCache.Capacity)

	hub.Bind(realtime.SessionDeps{
		Presence:    registry,
		Rooms:       coordinator,
		Users:       users,
		Teams:       teams,
		History:     historyStore,
		Cache:       messageCache,
		ReplayLimit: cfg.ChatCache.ReplayLimit,
	})

	sweeper := maintenance.NewSweeper(fallback, historyStore,
		maintenance.WithSchedule(cfg.History.SweepSchedule),
		maintenance.WithRetention(cfg.History.Retention),
	)
	if err := sweeper.Start(); err != nil {
		return fmt.Errorf("start maintenance jobs: %w", err)
	}
	defer func() {
		stopCtx := sweeper.Stop()
		if err := sweeper.RunOnce(stopCtx); err != nil {
			log.Warn("maintenance shutdown sweep failed", zap.Error(err))
		}
	}()

	health := monitoring.NewHealthManager()
	if cfg.Monitoring.Health.Enabled {
		health.Register(checks.Database(db, 0))
		var pinger checks.StorePinger
		if sharedStore != nil {
			pinger = sharedStore
		}
		health.Register(checks.SharedStore(pinger, cfg.Cache.Redis.Enabled, 0))
		health.Register(checks.Realtime(hub))
	}

	router, err := api.NewRouter(api.Deps{
		Hub:            hub,
		Coordinator:    coordinator,
		Registry:       registry,
		JWT:            jwtService,
		Health:         health,
		MetricsEnabled: cfg.Monitoring.Prometheus.Enabled,
	})
	if err != nil {
		return fmt.Errorf("build api router: %w", err)
	}

	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: router,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Info("server listening", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	select {
	case <-ctx.Done():
		log.Info("shutdown signal received")
	case err := <-serverErr:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("graceful shutdown: %w", err)
	}

	if err, ok := <-serverErr; ok && err != nil {
		return fmt.Errorf("server error: %w", err)
	}

	log.Info("server stopped gracefully")
	return nil
}

func loadApplicationConfig(path string) (*app.Config, error) {
	switch {
	case strings.TrimSpace(path) == "":
		return app.LoadConfig()
	default:
		info, err := os.Stat(path)
		if err == nil {
			if info.IsDir() {
				return app.LoadConfig(path)
			}
			return app.LoadConfig(filepath.Dir(path))
		}
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("config path %q does not exist", path)
		}
		return nil, fmt.Errorf("stat config path: %w", err)
	}
}

func initialiseDatabase(cfg *app.Config) (*gorm.DB, error) {
	dbCfg := convertDatabaseConfig(cfg)
	db, err := database.Open(dbCfg)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := database.AutoMigrate(db); err != nil {
		return nil, fmt.Errorf("auto-migrate database: %w", err)
	}

	logger.WithModule("database").Info("database connected",
		zap.String("driver", strings.ToLower(strings.TrimSpace(dbCfg.Driver))))

	return db, nil
}

func convertDatabaseConfig(cfg *app.Config) database.Config {
	dbCfg := database.Config{
		Driver: strings.ToLower(strings.TrimSpace(cfg.Database.Driver)),
		Path:   strings.TrimSpace(cfg.Database.Path),
		DSN:    strings.TrimSpace(cfg.Database.DSN),
	}

	switch dbCfg.Driver {
	case "", "sqlite":
		dbCfg.Driver = "sqlite"
	case "postgres", "postgresql":
		dbCfg.Driver = "postgres"
		dbCfg.Host = strings.TrimSpace(cfg.Database.Postgres.Host)
		dbCfg.Port = cfg.Database.Postgres.Port
		dbCfg.Name = strings.TrimSpace(cfg.Database.Postgres.Database)
		dbCfg.User = strings.TrimSpace(cfg.Database.Postgres.Username)
		dbCfg.Password = cfg.Database.Postgres.Password
	case "mysql", "mariadb":
		dbCfg.Driver = "mysql"
		dbCfg.Host = strings.TrimSpace(cfg.Database.MySQL.Host)
		dbCfg.Port = cfg.Database.MySQL.Port
		dbCfg.Name = strings.TrimSpace(cfg.Database.MySQL.Database)
		dbCfg.User = strings.TrimSpace(cfg.Database.MySQL.Username)
		dbCfg.Password = cfg.Database.MySQL.Password
	}

	return dbCfg
}

func closeDatabase(db *gorm.DB, log *zap.Logger) {
	sqlDB, err := db.DB()
	if err != nil {
		log.Warn("database handle unavailable at shutdown", zap.Error(err))
		return
	}
	if err := sqlDB.Close(); err != nil {
		log.Warn("database close failed", zap.Error(err))
	}
}
