package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"ordergate/internal/broker"
	"ordergate/internal/broker/httpgw"
	"ordergate/internal/broker/paper"
	"ordergate/internal/broker/stream"
	"ordergate/internal/config"
	"ordergate/internal/domain"
	apphttp "ordergate/internal/http"
	"ordergate/internal/integrations/telegram"
	"ordergate/internal/logging"
	"ordergate/internal/outbox"
	"ordergate/internal/security/secretbox"
	"ordergate/internal/service/credential"
	"ordergate/internal/service/fill"
	"ordergate/internal/service/order"
	"ordergate/internal/service/risk"
	sigsvc "ordergate/internal/service/signal"
	storepkg "ordergate/internal/store"
	"ordergate/internal/store/memory"
	"ordergate/internal/store/postgres"
	"ordergate/internal/store/sqlite"
	"ordergate/internal/store/sqlstore"
)

var mainLog = logging.Component("main")

func main() {
	if err := config.LoadDotEnv(".env"); err != nil {
		logrus.WithError(err).Warn("failed to load .env")
	}
	cfg := config.Load()
	logging.Setup(cfg.LogLevel, cfg.LogFormat)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		mainLog.WithError(err).Fatal("ordergate stopped")
	}
}

func run(ctx context.Context, cfg config.Config) error {
	st, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	rules, err := config.LoadRiskRules(cfg.RiskRulesFile, cfg.DefaultRiskRule())
	if err != nil {
		return err
	}
	loc := cfg.Location()
	notifier := telegram.NewNotifier(cfg.TelegramBotToken, cfg.TelegramChatID)
	riskSvc := risk.NewService(risk.NewEngine(), st, rules, risk.WithNotifier(notifier), risk.WithLocation(loc))

	var tokens *credential.TokenCache
	if cfg.BrokerTokenURL != "" {
		tokens = credential.NewTokenCache(cfg.BrokerMode, &credential.Client{
			AppKey:    cfg.BrokerAppKey,
			AppSecret: cfg.BrokerAppSecret,
			TokenURL:  cfg.BrokerTokenURL,
		}, st, cfg.BrokerTokenSkew)
	}

	dedup := fill.NewDeduplicator(cfg.FillDedupRetention, cfg.FillDedupMaxSize)
	fills := fill.NewPipeline(st, dedup, fill.WithLocation(loc))
	onFill := func(ctx context.Context, f domain.Fill) { fills.Process(ctx, f) }

	port, err := openBroker(cfg, tokens, onFill)
	if err != nil {
		return err
	}
	orders := order.NewService(st, riskSvc, port, order.WithBrokerTimeout(cfg.BrokerTimeout))
	signals := sigsvc.NewService(sigsvc.NewConverter(nil), st, orders, cfg.SignalDuplicateWindow)

	srv := apphttp.NewServer(cfg, apphttp.Deps{
		Signals: signals,
		Orders:  orders,
		Risk:    riskSvc,
		Fills:   fills,
		Store:   st,
	})

	var wg sync.WaitGroup
	spawn := func(fn func()) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn()
		}()
	}

	publisher := outbox.NewPublisher(cfg.OutboxWebhookURL, cfg.OutboxTimeout, cfg.OutboxMaxRetries, cfg.OutboxRetryBase, cfg.OutboxRetryMax)
	if publisher.Enabled() {
		relay := outbox.NewRelay(st, publisher, cfg.OutboxBatchSize)
		spawn(func() { relay.Run(ctx, cfg.OutboxPollInterval) })
	}
	if tokens != nil {
		spawn(func() { tokens.Run(ctx, cfg.BrokerTokenPoll) })
	}
	if cfg.BrokerStreamURL != "" {
		var auth stream.Authorizer
		if tokens != nil {
			auth = tokens
		}
		consumer := stream.NewConsumer(stream.Config{URL: cfg.BrokerStreamURL}, onFill, auth)
		spawn(func() { consumer.Run(ctx) })
	}
	spawn(func() { reconcile(ctx, orders, cfg.ReconcileInterval, cfg.ReconcileBatchSize) })

	httpServer := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      srv.Router(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		mainLog.WithFields(logrus.Fields{"addr": cfg.ListenAddr, "store": cfg.StoreMode, "broker": cfg.BrokerMode}).
			Info("ordergate API listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		mainLog.WithError(err).Warn("graceful shutdown failed")
	}
	wg.Wait()
	return nil
}

func openStore(ctx context.Context, cfg config.Config) (storepkg.Store, error) {
	var cipher sqlstore.Cipher
	if cfg.TokenEncryptionKey != "" {
		box, err := secretbox.New(cfg.TokenEncryptionKey)
		if err != nil {
			return nil, fmt.Errorf("token encryption key: %w", err)
		}
		cipher = box
	}
	switch cfg.StoreMode {
	case "postgres":
		return postgres.Open(ctx, cfg.DatabaseURL, cipher)
	case "sqlite":
		return sqlite.Open(ctx, cfg.SQLitePath, cipher)
	case "memory", "":
		return memory.NewStore(), nil
	default:
		return nil, fmt.Errorf("unknown STORE_MODE %q", cfg.StoreMode)
	}
}

func openBroker(cfg config.Config, tokens *credential.TokenCache, onFill func(context.Context, domain.Fill)) (broker.Port, error) {
	switch cfg.BrokerMode {
	case "paper", "":
		pb := paper.New()
		pb.OnFill(onFill)
		return pb, nil
	case "http":
		if cfg.BrokerBaseURL == "" {
			return nil, errors.New("BROKER_BASE_URL is required for BROKER_MODE=http")
		}
		var source httpgw.TokenSource
		if tokens != nil {
			source = tokens
		}
		return httpgw.New(httpgw.Config{
			BaseURL:    cfg.BrokerBaseURL,
			Timeout:    cfg.BrokerTimeout,
			RatePerSec: cfg.BrokerRatePerSec,
			Burst:      cfg.BrokerBurst,
		}, source), nil
	default:
		return nil, fmt.Errorf("unknown BROKER_MODE %q", cfg.BrokerMode)
	}
}

// reconcile polls the broker for every open order so missed execution
// reports still move order status forward.
func reconcile(ctx context.Context, orders *order.Service, interval time.Duration, batch int) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		n, err := orders.SyncOpenOrders(ctx, batch)
		if err != nil && ctx.Err() == nil {
			mainLog.WithError(err).Warn("reconcile pass failed")
			continue
		}
		if n > 0 {
			mainLog.WithField("synced", n).Debug("reconciled open orders")
		}
	}
}
