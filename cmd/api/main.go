package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"

	"github.com/baharkarakas/fxcard-wallet/internal/api"
	"github.com/baharkarakas/fxcard-wallet/internal/api/handlers"
	"github.com/baharkarakas/fxcard-wallet/internal/auth"
	"github.com/baharkarakas/fxcard-wallet/internal/cache"
	"github.com/baharkarakas/fxcard-wallet/internal/config"
	"github.com/baharkarakas/fxcard-wallet/internal/db"
	"github.com/baharkarakas/fxcard-wallet/internal/gateway"
	"github.com/baharkarakas/fxcard-wallet/internal/idempotency"
	"github.com/baharkarakas/fxcard-wallet/internal/logger"
	"github.com/baharkarakas/fxcard-wallet/internal/metrics"
	"github.com/baharkarakas/fxcard-wallet/internal/middleware"
	"github.com/baharkarakas/fxcard-wallet/internal/notify"
	"github.com/baharkarakas/fxcard-wallet/internal/quote"
	"github.com/baharkarakas/fxcard-wallet/internal/repository"
	"github.com/baharkarakas/fxcard-wallet/internal/repository/memory"
	"github.com/baharkarakas/fxcard-wallet/internal/repository/postgres"
	"github.com/baharkarakas/fxcard-wallet/internal/services"
	"github.com/baharkarakas/fxcard-wallet/internal/webhook"
	"github.com/baharkarakas/fxcard-wallet/internal/worker"
)

type stores struct {
	wallets repository.Wallets
	txs     repository.Transactions
	ledger  repository.Ledger
	idem    repository.Idempotency
	cards   repository.Cards
	audit   repository.AuditLogs
}

func main() {
	cfg := config.Load()
	log := logger.New(cfg.Env, cfg.LogLevel)
	slog.SetDefault(log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	metrics.Init()

	st, closeStore := openStores(ctx, cfg, log)
	defer closeStore()

	var rdb *redis.Client
	if cfg.RedisAddr != "" {
		var err error
		rdb, err = cache.NewRedis(ctx, cache.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
		if err != nil {
			fatal(log, "redis connect", err)
		}
		defer rdb.Close()
	}

	switch cfg.IdempotencyBackend {
	case "redis":
		if rdb == nil {
			fatal(log, "idempotency backend", errors.New("IDEMPOTENCY_BACKEND=redis needs REDIS_ADDR"))
		}
		st.idem = idempotency.NewRedisStore(rdb)
	case "memory":
		if _, ok := st.idem.(*memory.Store); !ok {
			st.idem = memory.New(log)
		}
	}

	// observers
	hub := notify.NewHub(log)
	defer hub.Close()
	sinks := notify.Fanout{hub}
	if rdb != nil {
		sinks = append(sinks, notify.NewRedisSink(rdb))
	}
	if len(cfg.KafkaBrokers) > 0 {
		ks := notify.NewKafkaSink(notify.NewKafkaWriter(cfg.KafkaBrokers, cfg.KafkaTopic, log))
		defer func() {
			if err := ks.Close(); err != nil {
				log.Warn("kafka writer close", "err", err)
			}
		}()
		sinks = append(sinks, ks)
	}

	gw := gateway.New(gateway.Config{BaseURL: cfg.GatewayBaseURL, APIKey: cfg.GatewayAPIKey, Timeout: cfg.GatewayTimeout}, log)

	var rates quote.RateCache
	if rdb != nil {
		rates = quote.NewRedisRateCache(rdb, cfg.QuoteCacheTTL, log)
	}
	quotes := quote.NewService(gw, rates, quote.Config{
		Pair:         cfg.FXPair,
		FallbackRate: cfg.FXFallbackRate,
		FeeRate:      cfg.FXFeeRate,
		MinFee:       cfg.FXMinFee,
	}, log)

	guard := idempotency.NewGuard(st.idem, cfg.IdempotencyTTL, log)
	payments := services.NewPaymentService(services.PaymentDeps{
		Quotes:  quotes,
		Ledger:  st.ledger,
		Txs:     st.txs,
		Wallets: st.wallets,
		Cards:   st.cards,
		FX:      gw,
		Card:    gw,
		Events:  sinks,
		Pair:    cfg.FXPair,
	}, log)
	funding := services.NewFundingService(st.ledger, st.txs, st.wallets, gw, sinks, log)
	wallets := services.NewWalletService(st.wallets, st.txs)
	reconciler := webhook.NewReconciler(cfg.WebhookSecret, st.ledger, st.txs, st.cards, st.audit, sinks, log)

	wp := worker.NewPool(cfg.Workers, 1024, log)
	defer wp.Stop()

	sweeper := services.NewSweeper(st.ledger, st.txs, st.idem, sinks, cfg.SweepStaleAfter, log)
	go sweeper.Run(ctx, cfg.SweepInterval)

	r := api.NewRouter(api.RouterDeps{
		RateRPS:   cfg.RateRPS,
		Auth:      middleware.NewAuthMiddleware(auth.NewTokenManager(cfg.JWTSecret, cfg.JWTIssuer, 0), cfg.Env),
		Payments:  &handlers.PaymentHandler{Payments: payments, Quotes: quotes, Guard: guard, Log: log},
		Wallet:    &handlers.WalletHandler{Wallets: wallets, Funding: funding, Guard: guard, Log: log},
		Webhooks:  &handlers.WebhookHandler{Events: reconciler, Pool: wp, Log: log},
		Observers: &handlers.ObserverHandler{Hub: hub, Upgrader: websocket.Upgrader{ReadBufferSize: 1024, WriteBufferSize: 4096}, Log: log},
	})

	srv := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		log.Info("server starting", "port", cfg.HTTPPort, "store", cfg.StoreBackend, "idempotency", cfg.IdempotencyBackend)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("server", "err", err)
			stop()
		}
	}()

	<-ctx.Done()
	log.Info("shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("http shutdown", "err", err)
	}
}

func openStores(ctx context.Context, cfg config.Config, log *slog.Logger) (stores, func()) {
	if cfg.StoreBackend == "memory" {
		log.Warn("using in-memory store; balances are lost on restart")
		m := memory.New(log)
		return stores{wallets: m, txs: m, ledger: m, idem: m, cards: m, audit: m.AuditLogs()}, func() {}
	}

	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns)
	if err != nil {
		fatal(log, "db connect", err)
	}
	if cfg.Migrate {
		if err := db.RunMigrations(ctx, pool, log); err != nil {
			pool.Close()
			fatal(log, "migrations", err)
		}
	}
	repos := postgres.NewRepositories(pool, log)
	return stores{
		wallets: repos.Wallets,
		txs:     repos.Transactions,
		ledger:  repos.Ledger,
		idem:    repos.Idempotency,
		cards:   repos.Cards,
		audit:   repos.AuditLogs,
	}, pool.Close
}

func fatal(log *slog.Logger, msg string, err error) {
	log.Error(msg, "err", err)
	os.Exit(1)
}
