package main

import (
	"context"
	"database/sql"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"ChainLedger/internal/ledger"
	"ChainLedger/internal/observability"
	"ChainLedger/internal/persistence"
	"ChainLedger/internal/server"
	"ChainLedger/internal/stream"
)

// Config holds all application configuration, loaded from environment
// variables with defaults suitable for local development.
type Config struct {
	PostgresDSN string // empty selects the in-memory store
	NATSURL     string // empty disables the append announcer

	HTTPAddr string

	CheckpointInterval uint64
	RetainLast         uint64
	HashAlgo           string
	SchemaVersion      string

	NotifyChanSize int
	MigrationsDir  string
}

func DefaultConfig() Config {
	return Config{
		PostgresDSN:        os.Getenv("LEDGER_POSTGRES_DSN"),
		NATSURL:            os.Getenv("LEDGER_NATS_URL"),
		HTTPAddr:           envOrDefault("LEDGER_HTTP_ADDR", ":8080"),
		CheckpointInterval: envUintOrDefault("LEDGER_CHECKPOINT_INTERVAL", ledger.DefaultCheckpointInterval),
		RetainLast:         envUintOrDefault("LEDGER_RETAIN_LAST", 0),
		HashAlgo:           envOrDefault("LEDGER_HASH_ALGO", ledger.AlgoSHA256),
		SchemaVersion:      envOrDefault("LEDGER_SCHEMA_VERSION", ledger.SchemaVersionV1),
		NotifyChanSize:     int(envUintOrDefault("LEDGER_NOTIFY_CHAN_SIZE", 1024)),
		MigrationsDir:      envOrDefault("LEDGER_MIGRATIONS_DIR", "migrations"),
	}
}

func main() {
	log := observability.NewLogger("main")
	log.Info().Msg("chainledger starting")

	cfg := DefaultConfig()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	hasher, err := ledger.NewHasher(cfg.HashAlgo)
	if err != nil {
		log.Fatal().Err(err).Msg("configure hasher")
	}

	metrics := observability.NewMetrics()
	health := observability.NewHealthChecker()

	// --- Chain store: durable Postgres or in-memory ---
	var (
		store ledger.ChainStore
		sink  ledger.CheckpointSink
	)
	if cfg.PostgresDSN != "" {
		db, err := sql.Open("postgres", cfg.PostgresDSN)
		if err != nil {
			log.Fatal().Err(err).Msg("postgres open")
		}
		defer db.Close()

		db.SetMaxOpenConns(20)
		db.SetMaxIdleConns(10)
		db.SetConnMaxLifetime(5 * time.Minute)

		if err := db.PingContext(ctx); err != nil {
			log.Fatal().Err(err).Msg("postgres ping")
		}
		log.Info().Msg("postgres connected")

		migrator := persistence.NewMigrator(db, cfg.MigrationsDir, observability.NewLogger("migrator"))
		if err := migrator.Up(ctx); err != nil {
			log.Fatal().Err(err).Msg("run migrations")
		}

		// Recovery re-reads and re-verifies the whole chain. An invalid
		// chain is fatal: this store instance must not serve.
		pgStore, err := persistence.RecoverStore(ctx, db, hasher, observability.NewLogger("recovery"))
		if err != nil {
			log.Fatal().Err(err).Msg("chain recovery failed")
		}
		store = pgStore
		sink = persistence.NewPostgresCheckpointSink(db)
	} else {
		log.Warn().Msg("no LEDGER_POSTGRES_DSN set, using in-memory store (no durability)")
		store = ledger.NewMemoryStore()
		sink = ledger.NewMemoryCheckpointSink()
	}

	// --- Checkpointer ---
	checkpointer := ledger.NewCheckpointer(cfg.CheckpointInterval, sink, observability.NewLogger("checkpointer"))
	if latest, err := sink.Latest(ctx); err != nil {
		log.Fatal().Err(err).Msg("load latest checkpoint")
	} else if latest != nil {
		checkpointer.RestoreBaseline(latest.Sequence)
		log.Info().Uint64("sequence", latest.Sequence).Msg("checkpoint baseline restored")
	}

	// --- Append announcer (optional) ---
	var notifyChan chan ledger.AppendNotice
	if cfg.NATSURL != "" {
		nc, err := nats.Connect(cfg.NATSURL)
		if err != nil {
			log.Fatal().Err(err).Msg("nats connect")
		}
		defer nc.Close()

		js, err := jetstream.New(nc)
		if err != nil {
			log.Fatal().Err(err).Msg("jetstream init")
		}
		if err := stream.EnsureStream(ctx, js); err != nil {
			log.Fatal().Err(err).Msg("ensure notice stream")
		}

		notifyChan = make(chan ledger.AppendNotice, cfg.NotifyChanSize)
		announcer := stream.NewAnnouncer(js, notifyChan, observability.NewLogger("announcer"), metrics)
		go func() {
			if err := announcer.Run(ctx); err != nil && err != context.Canceled {
				log.Error().Err(err).Msg("announcer stopped")
			}
		}()
		log.Info().Str("subject", stream.SubjectAppended).Msg("append announcer enabled")
	}

	// --- Manager ---
	mgrCfg := ledger.ManagerConfig{
		Store:         store,
		Hasher:        hasher,
		Checkpointer:  checkpointer,
		SchemaVersion: cfg.SchemaVersion,
		RetainLast:    cfg.RetainLast,
		Logger:        observability.NewLogger("manager"),
		Metrics:       metrics,
	}
	if notifyChan != nil {
		mgrCfg.Notify = notifyChan
	}
	manager, err := ledger.NewManager(mgrCfg)
	if err != nil {
		log.Fatal().Err(err).Msg("construct manager")
	}

	// --- HTTP server ---
	srv := server.NewServer(manager, health, metrics, observability.NewLogger("http"))
	serverErr := make(chan error, 1)
	go func() {
		serverErr <- srv.Serve(ctx, cfg.HTTPAddr)
	}()

	health.SetReady(true)
	log.Info().Msg("chainledger ready")

	select {
	case sig := <-sigChan:
		log.Info().Str("signal", sig.String()).Msg("shutting down")
		cancel()
		<-serverErr
	case err := <-serverErr:
		if err != nil {
			log.Fatal().Err(err).Msg("http server failed")
		}
	}

	log.Info().Msg("chainledger stopped")
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envUintOrDefault(key string, def uint64) uint64 {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseUint(v, 10, 64); err == nil {
			return n
		}
	}
	return def
}
