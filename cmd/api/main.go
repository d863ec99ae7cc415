package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/punchamoorthee/atmcashin/internal/api"
	"github.com/punchamoorthee/atmcashin/internal/config"
	"github.com/punchamoorthee/atmcashin/internal/gateway"
	"github.com/punchamoorthee/atmcashin/internal/lease"
	"github.com/punchamoorthee/atmcashin/internal/logging"
	"github.com/punchamoorthee/atmcashin/internal/service"
	"github.com/punchamoorthee/atmcashin/internal/store"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal(err)
	}

	logger, err := logging.New(cfg.Env, cfg.LogLevel)
	if err != nil {
		log.Fatal(err)
	}
	defer logger.Sync()
	logger.Info("config loaded", cfg.Fields()...)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.RunMigrations {
		if err := store.Migrate(cfg.DBSource); err != nil {
			logger.Fatal("migrations failed", zap.Error(err))
		}
		logger.Info("migrations applied")
	}

	ledger, err := store.NewStore(ctx, cfg.DBSource)
	if err != nil {
		logger.Fatal("unable to connect to database", zap.Error(err))
	}
	defer ledger.Close()

	gw, err := gateway.NewHTTPGateway(gateway.Config{
		BaseURL:         cfg.GatewayBaseURL,
		Timeout:         cfg.GatewayCommandTimeout,
		BreakerFailures: cfg.GatewayBreakerFailures,
		BreakerCooldown: cfg.GatewayBreakerCooldown,
	}, nil, logger.Named("gateway"))
	if err != nil {
		logger.Fatal("invalid gateway config", zap.Error(err))
	}

	var terminalLease service.TerminalLease
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			logger.Fatal("unable to reach redis", zap.Error(err))
		}
		terminalLease = lease.NewRedis(rdb)
	} else {
		logger.Warn("REDIS_ADDR not set, terminal leases are local to this instance")
		terminalLease = lease.NewMemory()
	}

	deposits := service.NewDepositService(gw, ledger, terminalLease, service.Options{
		CommandTimeout:      cfg.GatewayCommandTimeout,
		OpenShutterAttempts: cfg.GatewayOpenShutterAttempts,
		StaleAfter:          cfg.SessionStaleAfter,
		Retention:           cfg.SessionRetention,
	}, logger.Named("deposit"))

	handler := api.NewHandler(deposits, ledger, logger.Named("api"))
	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           handler.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("server starting", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		return deposits.Run(gctx, cfg.SweepInterval)
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.GatewayCommandTimeout+5*time.Second)
		defer cancel()
		logger.Info("shutting down")
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		logger.Fatal("server stopped", zap.Error(err))
	}
	logger.Info("server stopped")
}
