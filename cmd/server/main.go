package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/npezzotti/go-meetup/internal/api"
	"github.com/npezzotti/go-meetup/internal/clock"
	"github.com/npezzotti/go-meetup/internal/config"
	"github.com/npezzotti/go-meetup/internal/coordinator"
	"github.com/npezzotti/go-meetup/internal/credential"
	"github.com/npezzotti/go-meetup/internal/database"
	"github.com/npezzotti/go-meetup/internal/server"
	"github.com/npezzotti/go-meetup/internal/stats"
	"github.com/npezzotti/go-meetup/internal/store"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const shutdownTimeout = 10 * time.Second

func newLogger(cfg config.LogConfig) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || cfg.Level == "" {
		level = zerolog.InfoLevel
	}

	var logger zerolog.Logger
	if cfg.Console {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	} else {
		logger = zerolog.New(os.Stderr)
	}
	return logger.Level(level).With().Timestamp().Str("service", "go-meetup").Logger()
}

func newStore(cfg config.StoreConfig, logger zerolog.Logger) (store.Store, error) {
	if cfg.Backend == config.StoreMemory {
		logger.Warn().Msg("using in-memory room store, state is lost on restart")
		return store.NewMemoryStore(), nil
	}

	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, err
	}
	return store.NewRedisStore(rdb, logger), nil
}

func newIssuer(cfg *config.Config, clk clock.Clock) (credential.Issuer, error) {
	cc := cfg.Credential
	if cc.Provider == config.ProviderJWT {
		return credential.NewJWTIssuer(cc.CallBaseURL, cfg.CredentialSigningKey, clk, cc.TTL)
	}
	return credential.NewDailyIssuer(cc.DailyAPIURL, cc.DailyAPIKey, clk, cc.TTL), nil
}

func main() {
	configPath := flag.String("config", "", "path to a YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		bootLogger := zerolog.New(os.Stderr)
		bootLogger.Fatal().Err(err).Msg("config")
	}

	logger := newLogger(cfg.Log)
	clk := clock.New()

	roomStore, err := newStore(cfg.Store, logger)
	if err != nil {
		logger.Fatal().Err(err).Str("backend", cfg.Store.Backend).Msg("store open")
	}
	defer func() {
		if err := roomStore.Close(); err != nil {
			logger.Error().Err(err).Msg("store close")
		}
	}()

	var (
		history  database.CallHistoryRepository
		repoOpts []store.Option
	)
	if cfg.Database.DSN != "" {
		dbConn, err := database.NewPgCallHistoryRepository(cfg.Database.DSN)
		if err != nil {
			logger.Fatal().Err(err).Msg("db open")
		}
		defer func() {
			if err := dbConn.Close(); err != nil {
				logger.Error().Err(err).Msg("db close")
			}
		}()
		if err := dbConn.Migrate(); err != nil {
			logger.Fatal().Err(err).Msg("db migrate")
		}
		history = dbConn
		repoOpts = append(repoOpts, store.WithArchive(dbConn))
	} else {
		logger.Info().Msg("no database configured, call history is kept in the room store only")
	}

	repo := store.NewRoomRepository(roomStore, clk, repoOpts...)

	issuer, err := newIssuer(cfg, clk)
	if err != nil {
		logger.Fatal().Err(err).Str("provider", cfg.Credential.Provider).Msg("credential issuer")
	}

	mux := http.NewServeMux()

	statsUpdater := stats.NewStatsUpdater(mux)
	statsUpdater.Run()
	defer statsUpdater.Stop()

	coord := coordinator.New(coordinator.Config{
		TickInterval:       cfg.Session.TickInterval,
		CheckpointInterval: cfg.Session.CheckpointInterval,
		ConnectTimeout:     cfg.Session.ConnectTimeout,
	}, repo, issuer,
		coordinator.WithClock(clk),
		coordinator.WithLogger(logger),
		coordinator.WithStats(statsUpdater),
	)

	wsServer := server.NewServer(logger, coord, statsUpdater)

	srv := api.NewGoMeetupApp(mux, logger, repo, coord, wsServer, history, cfg)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigs:
		logger.Info().Str("signal", sig.String()).Msg("received signal")
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("server")
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("HTTP server shutdown")
	}

	if err := wsServer.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("websocket server shutdown")
	}

	if err := coord.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("coordinator shutdown")
	}

	logger.Info().Msg("shutdown complete")
}
