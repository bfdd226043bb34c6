package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/deal_escrow/config"
	"github.com/deal_escrow/handler"
	"github.com/deal_escrow/ledger"
	"github.com/deal_escrow/ledger/evm"
	"github.com/deal_escrow/ledger/stellar"
	"github.com/deal_escrow/lock"
	"github.com/deal_escrow/model"
	"github.com/deal_escrow/notify"
	"github.com/deal_escrow/repository"
	"github.com/deal_escrow/router"
	"github.com/deal_escrow/service"
	"github.com/deal_escrow/wallet"
)

func main() {
	cfg := config.Load()
	log := newLogger(cfg.Env)
	defer func() { _ = log.Sync() }()

	if err := run(cfg, log); err != nil {
		log.Fatal("escrow engine stopped", zap.Error(err))
	}
}

func newLogger(env string) *zap.Logger {
	var (
		log *zap.Logger
		err error
	)
	if env == "local" {
		log, err = zap.NewDevelopment()
	} else {
		log, err = zap.NewProduction()
	}
	if err != nil {
		panic(err)
	}
	return log
}

func run(cfg *config.Config, log *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := gorm.Open(postgres.Open(cfg.DatabaseDSN), &gorm.Config{
		Logger:         gormlogger.Default.LogMode(gormlogger.Warn),
		TranslateError: true,
	})
	if err != nil {
		return err
	}
	if err := model.AutoMigrate(db); err != nil {
		return err
	}

	client, err := newLedgerClient(ctx, cfg)
	if err != nil {
		return err
	}
	if account, err := client.Account(); err != nil {
		log.Warn("agent wallet not initialized, settlements will be rejected", zap.Error(err))
	} else {
		log.Info("agent wallet loaded", zap.String("backend", cfg.LedgerBackend), zap.String("account", account.String()))
	}

	var locker lock.Locker = lock.NewKeyedMutex()
	if cfg.RedisAddr != "" {
		rdb := lock.NewRedisClient(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			return err
		}
		locker = lock.NewRedisLocker(rdb, cfg.LockTTL)
		log.Info("using redis locks", zap.String("addr", cfg.RedisAddr))
	}

	alerters := notify.Multi{notify.NewLogAlerter(log)}
	if len(cfg.KafkaBrokers) > 0 {
		ka := notify.NewKafkaAlerter(cfg.KafkaBrokers, cfg.KafkaAlertTopic)
		defer ka.Close()
		alerters = append(alerters, ka)
	}

	deals := repository.NewDealRepository(db)
	transfers := repository.NewTransferRepository(db)
	idem := service.NewIdempotencyLedger(repository.NewUsedTransactionRepository(db))
	executor := service.NewSettlementExecutor(client, locker, transfers, service.RetryPolicy{
		MaxAttempts: cfg.SettlementMaxAttempts,
		Backoff:     cfg.SettlementBackoff,
		MaxWait:     cfg.SettlementMaxWait,
	}, log)

	dealSvc := service.NewDealService(service.DealDeps{
		Deals:        deals,
		Stats:        repository.NewStatsRepository(db),
		Ledger:       idem,
		Settler:      executor,
		Addresses:    client,
		Alerter:      alerters,
		Locker:       locker,
		Log:          log,
		ExpiryWindow: cfg.DealExpiryWindow,
	})
	payoutSvc := service.NewPayoutService(idem, executor, log)

	if _, _, err := dealSvc.Recover(ctx); err != nil {
		return err
	}

	reaper := service.NewReaper(deals, dealSvc, cfg.ReaperInterval, cfg.ReaperBatchSize, log)
	go reaper.Run(ctx)

	srv := &http.Server{
		Addr: cfg.HTTPAddr,
		Handler: router.SetupRouter(
			handler.NewDealHandler(dealSvc, log),
			handler.NewPayoutHandler(payoutSvc, transfers, log),
			log,
		),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("http server listening", zap.String("addr", cfg.HTTPAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func newLedgerClient(ctx context.Context, cfg *config.Config) (ledger.Client, error) {
	switch cfg.LedgerBackend {
	case "stellar":
		return stellar.Dial(cfg.StellarHorizonURL, cfg.StellarNetworkPassphrase, cfg.StellarSecretSeed)
	default:
		var keys wallet.KeySource
		switch {
		case cfg.WalletMnemonic != "":
			keys = wallet.NewHDKeySource(cfg.WalletMnemonic, cfg.WalletPassphrase, uint32(cfg.WalletIndex))
		case cfg.WalletPrivateKey != "":
			keys = wallet.NewHexKeySource(cfg.WalletPrivateKey)
		}
		return evm.Dial(ctx, cfg.EVMRPCURL, cfg.EVMChainID, keys)
	}
}
