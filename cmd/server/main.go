package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/atmx/prophecy-engine/internal/api"
	"github.com/atmx/prophecy-engine/internal/config"
	"github.com/atmx/prophecy-engine/internal/dayclock"
	"github.com/atmx/prophecy-engine/internal/events"
	"github.com/atmx/prophecy-engine/internal/fhe"
	"github.com/atmx/prophecy-engine/internal/ledger"
	"github.com/atmx/prophecy-engine/internal/metrics"
	"github.com/atmx/prophecy-engine/internal/store"
	"github.com/atmx/prophecy-engine/internal/vault"
)

func main() {
	configPath := flag.String("config", os.Getenv("PROPHECY_CONFIG"), "path to TOML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.SlogLevel()}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		slog.Error("prophecy-engine exited", "err", err)
		os.Exit(1)
	}
	fmt.Println("prophecy-engine stopped")
}

func run(ctx context.Context, cfg *config.Config) error {
	var cleanup []func()
	defer func() {
		for i := len(cleanup) - 1; i >= 0; i-- {
			cleanup[i]()
		}
	}()

	// --- Redis (cache + event stream) ---
	var rdb *redis.Client
	if cfg.Redis.Addr != "" {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis: ping %s: %w", cfg.Redis.Addr, err)
		}
		cleanup = append(cleanup, func() { rdb.Close() })
		slog.Info("connected to Redis", "addr", cfg.Redis.Addr)
	}

	// --- Initialize store ---
	var st store.Store
	if cfg.Postgres.DSN != "" {
		pool, err := store.Connect(ctx, cfg.Postgres.DSN, int32(cfg.Postgres.MaxConns))
		if err != nil {
			return err
		}
		cleanup = append(cleanup, pool.Close)
		pg := store.NewPostgresStore(pool)
		if cfg.Postgres.RunMigrations {
			if err := pg.Migrate(ctx); err != nil {
				return err
			}
		}
		st = pg
		slog.Info("connected to PostgreSQL")
		slog.Warn("in-process coprocessor is volatile: predictions placed before a restart cannot be settled",
			"allow_ephemeral", cfg.Coprocessor.AllowEphemeral)

		if rdb != nil {
			st = store.NewCachedStore(st, rdb, cfg.Redis.CacheTTL.Duration)
			slog.Info("Redis cache enabled", "ttl", cfg.Redis.CacheTTL.Duration)
		}
	} else {
		slog.Warn("postgres dsn not set, using in-memory store (data will not persist)")
		st = store.NewMemoryStore()
	}

	// --- Coprocessor ---
	verifierKey, err := cfg.VerifierKey()
	if err != nil {
		return err
	}
	if verifierKey == nil {
		slog.Warn("coprocessor verifier key not set, generating an ephemeral one")
	}
	cp, err := fhe.NewMock(verifierKey, uint64(cfg.Coprocessor.ChainID))
	if err != nil {
		return err
	}
	slog.Info("coprocessor ready", "verifier", cp.VerifierAddress().Hex(), "chain_id", cfg.Coprocessor.ChainID)

	// --- Event sinks ---
	wsHub := events.NewWSHub()
	sinks := events.Multi{events.Log{}, wsHub}
	if rdb != nil && cfg.Redis.EventsStream != "" {
		sinks = append(sinks, events.NewRedisStream(rdb, cfg.Redis.EventsStream))
	}

	// --- Ledger ---
	held, err := st.OutstandingStakes(ctx)
	if err != nil {
		return fmt.Errorf("load outstanding stakes: %w", err)
	}
	v := vault.NewMemoryVault()
	if err := v.Restore(held); err != nil {
		return err
	}
	if len(held) > 0 {
		total, _ := v.Held(ctx)
		slog.Info("escrow restored from store", "users", len(held), "stake", total)
	}
	v.OnPayout(func(_ context.Context, user common.Address, amount uint64) error {
		slog.Info("stake refunded", "user", user.Hex(), "amount", amount)
		return nil
	})
	clock := dayclock.System{}
	eng, err := ledger.NewEngine(st, cp, v, clock, sinks, ledger.Config{
		Owner:      cfg.OwnerAddress(),
		Self:       cfg.EngineAddress(),
		ProtocolID: uint64(cfg.Ledger.ProtocolID),
	})
	if err != nil {
		return err
	}
	svc := api.NewService(eng)
	auth := api.NewAuthenticator(clock, cfg.Ledger.SignatureMaxSkew.Duration)

	// --- HTTP router ---
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(cfg.Server.RequestTimeout.Duration))
	r.Use(metrics.Middleware)

	// CORS middleware for frontend cross-origin requests.
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, "+api.HeaderAddress+", "+api.HeaderTimestamp+", "+api.HeaderSignature)
			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"prophecy-engine"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		// WebSocket endpoint for ledger events.
		r.Get("/ws", wsHub.HandleWS)

		svc.Routes(r, auth)
	})

	// --- Server ---
	port := strconv.Itoa(cfg.Server.Port)
	srv := &http.Server{
		Addr:         ":" + port,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: cfg.Server.RequestTimeout.Duration + 5*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		wsHub.Run(gctx)
		return nil
	})
	g.Go(func() error {
		slog.Info("prophecy-engine listening", "port", port, "owner", cfg.OwnerAddress().Hex(), "engine", cfg.EngineAddress().Hex())
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutting down prophecy-engine...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Duration)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
