package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	_ "go.uber.org/automaxprocs"

	"github.com/Tyrowin/chatrelay/internal/auth"
	"github.com/Tyrowin/chatrelay/internal/logging"
	"github.com/Tyrowin/chatrelay/internal/relay"
	"github.com/Tyrowin/chatrelay/internal/server"
	"github.com/Tyrowin/chatrelay/internal/store"
)

func main() {
	debug := flag.Bool("debug", false, "enable debug logging (overrides LOG_LEVEL)")
	flag.Parse()

	if err := run(*debug); err != nil {
		fmt.Fprintf(os.Stderr, "chatrelay: %v\n", err)
		os.Exit(1)
	}
}

func run(debug bool) error {
	bootLogger, err := logging.New(logging.Config{Level: "info", Format: logging.FormatJSON})
	if err != nil {
		return err
	}

	cfg, err := server.LoadConfig(bootLogger)
	if err != nil {
		return err
	}
	if debug {
		cfg.LogLevel = "debug"
	}

	logger, err := logging.New(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat})
	if err != nil {
		return err
	}
	logger.Info().Int("gomaxprocs", runtime.GOMAXPROCS(0)).Msg("starting chatrelay")
	cfg.LogConfig(logger)

	stores, closeStores, err := openStores(cfg, logger)
	if err != nil {
		return err
	}
	defer closeStores()

	nodeID := uuid.NewString()
	var notifier relay.Notifier = relay.Nop{}
	var natsRelay *relay.NATSRelay
	if cfg.NATSURL != "" {
		natsRelay, err = relay.Connect(relay.Config{
			URL:     cfg.NATSURL,
			Subject: cfg.NATSSubject,
			NodeID:  nodeID,
		}, logger)
		if err != nil {
			return err
		}
		defer func() {
			if err := natsRelay.Close(); err != nil {
				logger.Warn().Err(err).Msg("error closing NATS relay")
			}
		}()
		notifier = natsRelay
	}

	srv, err := server.New(cfg, server.Deps{
		Messages:      stores.messages,
		PushRecords:   stores.records,
		Sessions:      stores.sessions,
		Authenticator: auth.NewJWTAuthenticator(cfg.JWTSecret, cfg.JWTIssuer),
		Notifier:      notifier,
		Registerer:    prometheus.DefaultRegisterer,
		Gatherer:      prometheus.DefaultGatherer,
		Logger:        logger,
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if natsRelay != nil {
		if err := natsRelay.Subscribe(ctx, srv.HandlePendingNotice); err != nil {
			return err
		}
	}

	srv.Start()
	serveErr := make(chan error, 1)
	go func() {
		serveErr <- srv.ListenAndServe()
	}()

	select {
	case err := <-serveErr:
		if err != nil {
			_ = srv.Shutdown(cfg.ShutdownTimeout)
			return err
		}
	case <-ctx.Done():
		logger.Info().Msg("shutdown signal received")
	}

	if err := srv.Shutdown(cfg.ShutdownTimeout); err != nil {
		logger.Error().Err(err).Msg("error during shutdown")
	}
	logger.Info().Msg("server stopped")
	return nil
}

type storeSet struct {
	messages store.MessageStore
	records  store.PushRecordStore
	sessions store.PresenceStore
}

// openStores builds the stores selected by DB_DRIVER and PRESENCE_BACKEND.
// The returned func releases their connections.
func openStores(cfg *server.Config, logger zerolog.Logger) (storeSet, func(), error) {
	var (
		set     storeSet
		closers []func() error
	)
	closeAll := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			if err := closers[i](); err != nil {
				logger.Warn().Err(err).Msg("error closing store")
			}
		}
	}

	var presenceSQL store.PresenceStore
	switch cfg.DBDriver {
	case server.DriverMemory:
		logger.Warn().Msg("using in-memory stores; queued messages are lost on restart")
		set.messages = store.NewMemoryMessageStore()
		set.records = store.NewMemoryPushRecordStore()
	default:
		db, err := store.OpenDB(cfg.DBDriver, cfg.DBDSN, logger)
		if err != nil {
			return set, closeAll, err
		}
		sqlDB, err := db.DB()
		if err != nil {
			return set, closeAll, fmt.Errorf("access database pool: %w", err)
		}
		closers = append(closers, sqlDB.Close)
		set.messages = store.NewGormMessageStore(db)
		set.records = store.NewGormPushRecordStore(db)
		presenceSQL = store.NewGormPresenceStore(db)
	}

	switch cfg.PresenceBackend {
	case server.PresenceSQL:
		if presenceSQL == nil {
			closeAll()
			return set, func() {}, errors.New("PRESENCE_BACKEND=sql requires a SQL database")
		}
		set.sessions = presenceSQL
	case server.PresenceRedis:
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err := client.Ping(context.Background()).Err(); err != nil {
			_ = client.Close()
			closeAll()
			return set, func() {}, fmt.Errorf("connect to redis at %s: %w", cfg.RedisAddr, err)
		}
		closers = append(closers, client.Close)
		set.sessions = store.NewRedisPresenceStore(client, cfg.RedisKeyPrefix, cfg.PresenceTTL)
	default:
		set.sessions = store.NewMemoryPresenceStore()
	}
	return set, closeAll, nil
}
