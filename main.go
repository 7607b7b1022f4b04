package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"bridge-core/internal/api"
	"bridge-core/internal/balance"
	"bridge-core/internal/bridge"
	"bridge-core/internal/credit"
	"bridge-core/internal/custody"
	"bridge-core/internal/events"
	"bridge-core/internal/ledger"
	"bridge-core/internal/ledger/l1"
	"bridge-core/internal/ledger/l2"
	"bridge-core/internal/market"
	"bridge-core/internal/monitor"
	"bridge-core/internal/persistence"
	"bridge-core/internal/reconciliation"
	"bridge-core/internal/serial"
	"bridge-core/pkg/cache"
	"bridge-core/pkg/config"
	"bridge-core/pkg/db"
	"bridge-core/pkg/i18n"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var cfg *config.Config

	root := &cobra.Command{
		Use:           "bridge-core",
		Short:         "Custody and bridge core for the L1 custody ledger and the L2 trading ledger",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			var err error
			cfg, err = config.Load()
			if err != nil {
				return fmt.Errorf(i18n.Get("ConfigLoadFailed"), err)
			}
			setupLogging(cfg)
			i18n.SetLanguage(i18n.Language(cfg.Language))
			return nil
		},
	}

	serve := &cobra.Command{
		Use:   "serve",
		Short: "Run the local API and background services",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, cfg)
		},
	}

	root.AddCommand(serve, newVaultCmd(func() *config.Config { return cfg }))
	root.RunE = serve.RunE
	return root
}

func setupLogging(cfg *config.Config) {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil || cfg.LogLevel == "" {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	zerolog.TimeFieldFormat = time.RFC3339Nano
	if cfg.LogFormat != "json" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05.000"})
	}
	if level > zerolog.DebugLevel {
		gin.SetMode(gin.ReleaseMode)
	}
}

func openDatabase(path string) (*db.Database, error) {
	database, err := db.New(path)
	if err != nil {
		return nil, fmt.Errorf(i18n.Get("DBInitFailed"), err)
	}
	if err := db.ApplyMigrations(database); err != nil {
		_ = database.Close()
		return nil, fmt.Errorf(i18n.Get("DBMigrationsFailed"), err)
	}
	if err := db.VerifySchema(database); err != nil {
		_ = database.Close()
		return nil, err
	}
	return database, nil
}

func runServe(ctx context.Context, cfg *config.Config) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf(i18n.Get("ConfigLoadFailed"), err)
	}
	log.Info().Msg(i18n.Get("Starting"))
	log.Info().Msgf(i18n.Get("ConfigLoaded"), cfg.Port)
	log.Info().Msgf(i18n.Get("UsingDBPath"), cfg.DBPath)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	metrics := monitor.NewMetrics()
	bus := events.NewBus()

	database, err := openDatabase(cfg.DBPath)
	if err != nil {
		return err
	}
	defer database.Close()

	if _, err := database.GetVault(ctx, cfg.VaultIdentity); errors.Is(err, db.ErrNotFound) {
		log.Warn().Msg(i18n.Get("VaultMissing"))
	}

	keys := custody.NewManager(custody.Config{
		Identity:            cfg.VaultIdentity,
		ActiveWindow:        cfg.ActiveWindow,
		InactivityCeiling:   cfg.InactivityCeiling,
		LargeValueThreshold: cfg.LargeValueThreshold,
	}, database, custody.SystemClock(), bus)
	go keys.Watch(ctx)

	// Ledger clients
	transport := func(name, url string) *ledger.Transport {
		tr := ledger.NewTransport(ledger.Config{
			Name:            name,
			BaseURL:         url,
			Timeout:         cfg.LedgerTimeout,
			RateLimit:       cfg.LedgerRateLimit,
			RateBurst:       cfg.LedgerRateBurst,
			BreakerFailures: cfg.BreakerFailures,
			BreakerCooldown: cfg.BreakerCooldown,
		}, metrics)
		tr.StartTimeSync(ctx)
		return tr
	}
	l1c := l1.New(transport("l1", cfg.L1URL))
	l2c := l2.New(transport("l2", cfg.L2URL), keys, l2.Config{})

	balances := balance.NewRegistry(func(address string, led events.Ledger) (*balance.Manager, error) {
		fetch := balance.L1Fetcher(l1c)
		if led == events.LedgerL2 {
			fetch = balance.L2Fetcher(l2c)
		}
		mgr := balance.NewManager(address, led, fetch, cfg.BalanceSyncInterval, bus)
		go mgr.Start(ctx)
		return mgr, nil
	})

	queue := serial.New(cfg.SendTimeout)

	journal, err := bridge.OpenJournal(cfg.JournalDir)
	if err != nil {
		return fmt.Errorf(i18n.Get("JournalOpenFailed"), err)
	}
	defer journal.Close()

	coord := bridge.New(bridge.Config{
		LockTTL:              cfg.LockTTL,
		WithdrawalStallAfter: cfg.WithdrawalStallAfter,
	}, bridge.Deps{
		L1:       l1c,
		L2:       l2c,
		Keys:     keys,
		Store:    database,
		Journal:  journal,
		Balances: balances,
		Serial:   queue,
		Metrics:  metrics,
		Events:   bus,
	})

	creditMgr := credit.NewManager(credit.Config{
		LockTTL:       cfg.LockTTL,
		ExpiryWarning: cfg.CreditExpiryWarning,
		WatchInterval: cfg.CreditWatchInterval,
	}, credit.Deps{
		L1:       l1c,
		L2:       l2c,
		Keys:     keys,
		Store:    database,
		Balances: balances,
		Serial:   queue,
		Metrics:  metrics,
		Events:   bus,
	})
	go creditMgr.Watch(ctx)

	// Markets
	quoteCache := cache.NewAuto(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	if mem, ok := quoteCache.(*cache.Sharded); ok {
		mem.StartJanitor(ctx, time.Minute)
	}
	trades := persistence.NewBatchWriter(database.DB, 100, time.Second)
	defer trades.Close()
	metrics.WatchTradeLog(trades.Stats)

	positions := market.NewPositions(database)
	engine := market.NewEngine(market.Config{
		QuoteTTL: cfg.QuoteTTL,
		Slippage: cfg.Slippage,
	}, market.Deps{
		L2:        l2c,
		Keys:      keys,
		Credit:    creditMgr,
		Balances:  balances,
		Positions: positions,
		Cache:     quoteCache,
		Trades:    trades,
		Serial:    queue,
		Metrics:   metrics,
		Events:    bus,
	})
	feed := &market.Feed{
		Stream:       l2.NewStream(l2c),
		Engine:       engine,
		Bus:          bus,
		Markets:      cfg.Markets,
		PollInterval: cfg.MarketPollInterval,
	}

	recon := reconciliation.NewService(reconciliation.Deps{
		L1:        l1c,
		L2:        l2c,
		Keys:      keys,
		Balances:  balances,
		Positions: positions,
		Bridge:    coord,
		Credit:    creditMgr,
		Metrics:   metrics,
	}, cfg.ReconInterval)
	recon.SetAutoSync(cfg.ReconAutoSync)
	recon.Start(ctx)
	log.Info().Msg(i18n.Get("ReconStarted"))

	mon := &monitor.Monitor{Bus: bus, Metrics: metrics, Sink: monitor.LogSink{}}
	mon.Start(ctx)

	// The push stream needs an L2 session token; while custody is locked it
	// keeps backing off until the next unlock.
	feed.Start(ctx)
	log.Info().Msg(i18n.Get("MarketFeedStarted"))

	server := api.NewServer(api.Config{
		JWTSecret:      cfg.JWTSecret,
		RequestTimeout: cfg.RequestTimeout,
		RateLimit:      cfg.APIRateLimit,
		RateBurst:      cfg.APIRateBurst,
		Version:        cfg.Version,
	}, api.Services{
		Custody:  keys,
		L1:       l1c,
		L2:       l2c,
		Bridge:   coord,
		Credit:   creditMgr,
		Market:   engine,
		Balances: balances,
		Recon:    recon,
		Bus:      bus,
		DB:       database,
		Metrics:  metrics,
		Monitor:  mon,
		TradeLog: trades,
	})
	defer server.Close()

	httpSrv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           server.Router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		log.Info().Msgf(i18n.Get("ServerListening"), cfg.Port)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		log.Error().Err(err).Msgf(i18n.Get("APIServerError"), err)
		return err
	}

	log.Info().Msg(i18n.Get("ShuttingDown"))
	keys.Lock()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	return httpSrv.Shutdown(shutdownCtx)
}
