package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/rhiggins/spx-autotrader/internal/broker"
	"github.com/rhiggins/spx-autotrader/internal/config"
	"github.com/rhiggins/spx-autotrader/internal/dashboard"
	"github.com/rhiggins/spx-autotrader/internal/orders"
	"github.com/rhiggins/spx-autotrader/internal/retry"
	"github.com/rhiggins/spx-autotrader/internal/sim"
	"github.com/rhiggins/spx-autotrader/internal/storage"
	"github.com/rhiggins/spx-autotrader/internal/strategy"

	"github.com/sirupsen/logrus"
)

// Bot wires the trading loop's collaborators together.
type Bot struct {
	config     *config.Config
	connector  broker.Connector
	storage    storage.Interface
	selector   *strategy.Selector
	strategies []strategy.Config
	entryCtrl  *orders.Controller
	exitCtrl   *orders.Controller
	retry      *retry.Client
	logger     *log.Logger
	loc        *time.Location
}

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "config.yaml", "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger := log.New(os.Stdout, "[BOT] ", log.LstdFlags|log.Lshortfile)
	logger.Printf("Starting SPX autotrader in %s mode", cfg.Environment.Mode)

	bot, err := buildBot(cfg, logger)
	if err != nil {
		logger.Fatalf("Failed to initialize: %v", err)
	}
	defer func() {
		if err := bot.storage.Close(); err != nil {
			logger.Printf("Failed to close storage: %v", err)
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		logger.Println("Shutdown signal received, stopping bot...")
		cancel()
	}()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return bot.Run(gctx)
	})

	if cfg.Dashboard.Enabled {
		dashLogger := logrus.New()
		if cfg.Environment.LogLevel == "debug" {
			dashLogger.SetLevel(logrus.DebugLevel)
		}
		srv := dashboard.NewServer(dashboard.Config{
			Listen:   cfg.Dashboard.Listen,
			Location: bot.loc,
		}, bot.storage, dashLogger)

		g.Go(func() error {
			errCh := make(chan error, 1)
			go func() { errCh <- srv.Start() }()
			select {
			case err := <-errCh:
				return err
			case <-gctx.Done():
				shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer shutdownCancel()
				return srv.Shutdown(shutdownCtx)
			}
		})
	}

	if err := g.Wait(); err != nil && err != context.Canceled {
		logger.Fatalf("Bot error: %v", err)
	}
	logger.Println("Bot stopped successfully")
}

func buildBot(cfg *config.Config, logger *log.Logger) (*Bot, error) {
	store, err := storage.NewSQLiteStorage(cfg.Storage.Path)
	if err != nil {
		return nil, fmt.Errorf("opening storage: %w", err)
	}

	strategies, err := cfg.ResolveStrategies()
	if err != nil {
		return nil, err
	}

	connector := broker.NewCircuitBreakerConnector(sim.NewConnector(logger, cfg.Broker.SimSeed))

	entryLadder, err := cfg.EntryLadder()
	if err != nil {
		return nil, err
	}
	exitLadder, err := cfg.ExitLadder()
	if err != nil {
		return nil, err
	}
	entryCtrl, err := orders.NewController(connector, store, entryLadder, logger)
	if err != nil {
		return nil, err
	}
	exitCtrl, err := orders.NewController(connector, store, exitLadder, logger)
	if err != nil {
		return nil, err
	}

	return &Bot{
		config:     cfg,
		connector:  connector,
		storage:    store,
		selector:   strategy.NewSelector(logger),
		strategies: strategies,
		entryCtrl:  entryCtrl,
		exitCtrl:   exitCtrl,
		retry:      retry.NewClient(logger),
		logger:     logger,
		loc:        cfg.Location(),
	}, nil
}

// Run drives the trading loop until the context is cancelled.
func (b *Bot) Run(ctx context.Context) error {
	if err := b.connector.Connect(ctx); err != nil {
		return fmt.Errorf("connecting to broker: %w", err)
	}
	defer b.connector.Disconnect()

	cycle := NewTradingCycle(b)

	ticker := time.NewTicker(b.config.GetCheckInterval())
	defer ticker.Stop()

	cycle.Run(ctx)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			cycle.Run(ctx)
		}
	}
}
