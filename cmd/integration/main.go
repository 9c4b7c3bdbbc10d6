// Command integration exercises the whole pipeline against the simulated
// market: chain retrieval, strike selection, order building, the price
// ladder, and storage. It runs standalone, without the trading schedule.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/rhiggins/spx-autotrader/internal/broker"
	"github.com/rhiggins/spx-autotrader/internal/chain"
	"github.com/rhiggins/spx-autotrader/internal/models"
	"github.com/rhiggins/spx-autotrader/internal/orders"
	"github.com/rhiggins/spx-autotrader/internal/sim"
	"github.com/rhiggins/spx-autotrader/internal/storage"
	"github.com/rhiggins/spx-autotrader/internal/strategy"
)

func main() {
	logger := log.New(os.Stdout, "[E2E] ", log.LstdFlags)
	ctx := context.Background()

	connector := sim.NewConnector(logger, 42)
	connector.FillDelay = 100 * time.Millisecond
	if err := connector.Connect(ctx); err != nil {
		logger.Fatalf("connect: %v", err)
	}
	defer connector.Disconnect()

	storePath := "autotrader_integration.db"
	store, err := storage.NewSQLiteStorage(storePath)
	if err != nil {
		logger.Fatalf("storage: %v", err)
	}
	defer func() {
		_ = store.Close()
		_ = os.Remove(storePath)
	}()

	passed := 0
	checks := []struct {
		name string
		run  func(context.Context, broker.Connector, storage.Interface, *log.Logger) error
	}{
		{"market data", checkMarketData},
		{"strike selection", checkSelection},
		{"order lifecycle", checkOrderLifecycle},
		{"position storage", checkPositionStorage},
	}

	for i, c := range checks {
		fmt.Printf("Check %d/%d: %s\n", i+1, len(checks), c.name)
		if err := c.run(ctx, connector, store, logger); err != nil {
			fmt.Printf("  FAILED: %v\n", err)
			continue
		}
		fmt.Println("  PASSED")
		passed++
	}

	fmt.Printf("\n%d/%d checks passed\n", passed, len(checks))
	if passed != len(checks) {
		os.Exit(1)
	}
}

func checkMarketData(ctx context.Context, conn broker.Connector, _ storage.Interface, logger *log.Logger) error {
	spot, err := conn.GetUnderlyingPrice(ctx, "SPX")
	if err != nil {
		return fmt.Errorf("underlying: %w", err)
	}
	logger.Printf("SPX spot: %.2f", spot)

	expiry := strategy.ExpiryFromDTE(time.Now(), 2)
	snap, err := conn.GetOptionChain(ctx, "SPXW", expiry)
	if err != nil {
		return fmt.Errorf("chain: %w", err)
	}
	if snap.Len(chain.Put) == 0 {
		return fmt.Errorf("chain has no puts")
	}
	logger.Printf("chain %s: %d puts, %d calls",
		expiry.Format("2006-01-02"), snap.Len(chain.Put), snap.Len(chain.Call))

	atm, ok := snap.Nearest(chain.Put, spot)
	if !ok {
		return fmt.Errorf("no put near spot %.2f", spot)
	}
	quote, err := conn.GetQuote(ctx, broker.Contract{
		Symbol: "SPXW",
		Expiry: expiry,
		Strike: atm.Strike,
		Right:  chain.Put,
	})
	if err != nil {
		return fmt.Errorf("quote: %w", err)
	}
	if quote.Mid() <= 0 {
		return fmt.Errorf("quote mid %.2f not positive", quote.Mid())
	}
	logger.Printf("ATM put %.0f: bid=%.2f ask=%.2f mid=%.2f", atm.Strike, quote.Bid, quote.Ask, quote.Mid())
	return nil
}

func checkSelection(ctx context.Context, conn broker.Connector, _ storage.Interface, logger *log.Logger) error {
	cfg := condorConfig()
	spot, err := conn.GetUnderlyingPrice(ctx, cfg.Symbol)
	if err != nil {
		return err
	}
	snap, err := conn.GetOptionChain(ctx, cfg.ChainSymbol, strategy.ExpiryFromDTE(time.Now(), cfg.ShortDTE))
	if err != nil {
		return err
	}

	legs, err := strategy.NewSelector(logger).Select(&cfg, snap, nil, spot)
	if err != nil {
		return fmt.Errorf("select: %w", err)
	}
	if len(legs) != 4 {
		return fmt.Errorf("expected 4 legs, got %d", len(legs))
	}
	for _, l := range legs {
		logger.Printf("leg %s: %s delta=%.3f", l.Name, l.Record.OSISymbol(), l.Record.Delta)
	}
	return nil
}

func checkOrderLifecycle(ctx context.Context, conn broker.Connector, store storage.Interface, logger *log.Logger) error {
	cfg := condorConfig()
	spot, err := conn.GetUnderlyingPrice(ctx, cfg.Symbol)
	if err != nil {
		return err
	}
	snap, err := conn.GetOptionChain(ctx, cfg.ChainSymbol, strategy.ExpiryFromDTE(time.Now(), cfg.ShortDTE))
	if err != nil {
		return err
	}
	resolved, err := strategy.NewSelector(logger).Select(&cfg, snap, nil, spot)
	if err != nil {
		return err
	}

	quotes := make([]orders.LegQuote, 0, len(resolved))
	for _, rl := range resolved {
		quotes = append(quotes, orders.LegQuote{
			Leg: models.Leg{
				Name:           rl.Name,
				ContractSymbol: rl.Record.OSISymbol(),
				Right:          string(rl.Record.Right),
				Expiry:         rl.Record.Expiry,
				Strike:         rl.Record.Strike,
				Ratio:          rl.Ratio,
			},
			Bid: rl.Record.Bid,
			Ask: rl.Record.Ask,
		})
	}
	order, err := orders.BuildOrder(quotes, 1, false, "integration")
	if err != nil {
		return err
	}
	logger.Printf("order: %s", order.Describe())

	ladder := orders.LadderConfig{
		Windows:       []time.Duration{2 * time.Second, 2 * time.Second},
		IncrementPct:  0.01,
		CancelAckWait: 200 * time.Millisecond,
	}
	ctrl, err := orders.NewController(conn, store, ladder, logger)
	if err != nil {
		return err
	}

	attemptID, err := store.RecordTradeAttempt(&storage.TradeAttempt{
		PositionID: uuid.New().String(),
		Strategy:   cfg.Name,
		Symbol:     cfg.Symbol,
		Structure:  string(cfg.Type),
		Quantity:   1,
		BasePrice:  order.NetLimit,
	})
	if err != nil {
		return err
	}

	result, err := ctrl.Execute(ctx, order, attemptID)
	if err != nil {
		return err
	}
	if result.Status != orders.ResultFilled {
		return fmt.Errorf("order did not fill: %s", result.Status)
	}
	logger.Printf("filled order %d at %.2f after %d attempt(s)",
		result.OrderID, result.RealizedNet, result.Attempts)
	return nil
}

func checkPositionStorage(_ context.Context, _ broker.Connector, store storage.Interface, logger *log.Logger) error {
	pos := models.NewPosition(uuid.New().String(), "integration", "SPX", 1)
	pos.State = models.StateMonitoring
	pos.StateMachine = nil
	pos.EntryNet = -2.50

	if err := store.SavePosition(pos); err != nil {
		return fmt.Errorf("save: %w", err)
	}
	loaded, err := store.GetPositionByID(pos.ID)
	if err != nil {
		return fmt.Errorf("load: %w", err)
	}
	if loaded.EntryNet != pos.EntryNet {
		return fmt.Errorf("entry net mismatch: %.2f vs %.2f", loaded.EntryNet, pos.EntryNet)
	}

	open, err := store.GetOpenPositions()
	if err != nil {
		return fmt.Errorf("open positions: %w", err)
	}
	logger.Printf("storage round trip ok, %d open position(s)", len(open))
	return nil
}

func condorConfig() strategy.Config {
	return strategy.Config{
		Name:        "integration-condor",
		Type:        strategy.TypeIronCondor,
		Symbol:      "SPX",
		ChainSymbol: "SPXW",
		Quantity:    1,
		ShortDTE:    2,
		PutTarget:   0.25,
		CallTarget:  0.25,
		WingWidth:   25,
		MinCredit:   0.05,
	}
}
