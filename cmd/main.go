package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/shopspring/decimal"

	"github.com/amirphl/multitrader/internal/broker"
	alpacabroker "github.com/amirphl/multitrader/internal/broker/alpaca"
	"github.com/amirphl/multitrader/internal/broker/paper"
	wallexbroker "github.com/amirphl/multitrader/internal/broker/wallex"
	"github.com/amirphl/multitrader/internal/config"
	"github.com/amirphl/multitrader/internal/db"
	"github.com/amirphl/multitrader/internal/dispatcher"
	"github.com/amirphl/multitrader/internal/ledger"
	"github.com/amirphl/multitrader/internal/markethours"
	"github.com/amirphl/multitrader/internal/notifier"
	"github.com/amirphl/multitrader/internal/ratelimit"
	"github.com/amirphl/multitrader/internal/risk"
	"github.com/amirphl/multitrader/internal/scheduler"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Main | Config error: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	storage, err := openStorage(cfg)
	if err != nil {
		log.Fatalf("Main | Storage error: %v", err)
	}

	notif := buildNotifier(cfg)

	cal, err := markethours.New(cfg.Market.Timezone, cfg.Market.Open, cfg.Market.Close, cfg.Market.Holidays)
	if err != nil {
		log.Fatalf("Main | Market calendar error: %v", err)
	}
	squareOff, err := markethours.ParseMinute(cfg.Market.SquareOff)
	if err != nil {
		log.Fatalf("Main | Invalid square-off time: %v", err)
	}
	now := time.Now()
	if cal.IsOpen(now) {
		log.Printf("Main | Market open, session ends %s", cal.SessionEnd(now).Format(time.RFC3339))
	} else {
		log.Printf("Main | Market closed, next open %s", cal.NextOpen(now).Format(time.RFC3339))
	}

	limits := ratelimit.NewRegistry(ratelimit.Budget{RequestsPerSecond: 1, Burst: 1})
	disp := dispatcher.New(limits, storage, notif, dispatcher.Options{
		SlicePriceStep: decimal.NewFromFloat(cfg.SlicePriceStep),
		MaxPriceDrift:  decimal.NewFromFloat(cfg.MaxPriceDrift),
		CutoffHour:     cfg.SessionCutoffHour,
		Location:       cal.Location,
	})

	for _, bc := range cfg.Brokers {
		adapter, err := buildAdapter(cfg, bc)
		if err != nil {
			log.Fatalf("Main | Broker %s: %v", bc.Name, err)
		}
		h := broker.NewHandle(adapter)
		h.Name = bc.Name
		h.Enabled = bc.Enabled
		h.TradeEnabled = bc.TradeEnabled
		h.DataProvider = bc.DataProvider
		h.MaxOrderQty = bc.MaxOrderQty
		h.MaxLoss = decimal.NewFromFloat(bc.MaxLoss)
		h.MaxProfit = decimal.NewFromFloat(bc.MaxProfit)
		disp.Register(h, ratelimit.Budget{RequestsPerSecond: bc.RequestsPerSecond, Burst: bc.Burst})

		if err := storage.UpsertBrokerCredential(ctx, db.BrokerCredential{
			Name:         bc.Name,
			Enabled:      bc.Enabled,
			TradeEnabled: bc.TradeEnabled,
			ConnState:    string(broker.Disconnected),
		}); err != nil {
			log.Printf("Main | Could not persist broker %s: %v", bc.Name, err)
		}
	}

	log.Printf("Main | Authenticating %d brokers", len(cfg.Brokers))
	disp.EnsureSessions(ctx, true)

	book := ledger.New(storage)
	riskMon := risk.NewMonitor(disp, book, storage, notif)
	sched := scheduler.New(disp, book, storage, riskMon, notif, cal, scheduler.Options{
		PollInterval:    cfg.PollInterval.Std(),
		MonitorInterval: cfg.MonitorInterval.Std(),
		SquareOff:       squareOff,
	})

	if tg, ok := notif.(*notifier.TelegramNotifier); ok && cfg.HeartbeatInterval > 0 {
		tg.StartHeartbeat(ctx.Done(), cfg.HeartbeatInterval.Std(), "multitrader alive")
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		sched.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		sched.RunMonitor(ctx)
	}()

	notif.SendWithRetry(fmt.Sprintf("multitrader started (%s mode, %d brokers)", cfg.Mode, len(cfg.Brokers)))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Printf("Main | Received %s, shutting down", sig)
	notif.SendWithRetry("multitrader shutting down")
	cancel()
	wg.Wait()
	log.Printf("Main | Shutdown complete")
}

func openStorage(cfg config.Config) (db.Storage, error) {
	if cfg.Mode == "paper" && cfg.DBConnStr == "" {
		log.Printf("Main | Paper mode without db_conn_str, using in-memory storage")
		return db.NewMemory(), nil
	}
	storage, err := db.Open(cfg.DBConnStr, cfg.DBMaxOpen, cfg.DBMaxIdle)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.Migrate(storage.GetDB()); err != nil {
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return storage, nil
}

func buildNotifier(cfg config.Config) notifier.Notifier {
	if cfg.TelegramToken == "" || cfg.TelegramChatID == "" {
		log.Printf("Main | Telegram not configured, notifications disabled")
		return notifier.Noop{}
	}
	return notifier.NewTelegramNotifier(cfg.TelegramToken, cfg.TelegramChatID,
		cfg.NotificationInterval.Std(), cfg.NotificationRetries, cfg.NotificationDelay.Std())
}

func buildAdapter(cfg config.Config, bc config.BrokerConfig) (broker.Adapter, error) {
	// Paper mode replaces every live adapter with the simulator so the rest
	// of the pipeline runs unchanged.
	if cfg.Mode == "paper" || bc.Kind == "paper" {
		sim := paper.New(paper.Options{Name: bc.Name})
		seedMarks(sim)
		return sim, nil
	}
	switch bc.Kind {
	case "wallex":
		if bc.APIKey == "" {
			return nil, fmt.Errorf("api_key is required")
		}
		return wallexbroker.New(wallexbroker.Options{APIKey: bc.APIKey}), nil
	case "alpaca":
		if bc.APIKey == "" || bc.APISecret == "" {
			return nil, fmt.Errorf("api_key and api_secret are required")
		}
		return alpacabroker.New(alpacabroker.Options{
			APIKey:    bc.APIKey,
			APISecret: bc.APISecret,
			BaseURL:   bc.BaseURL,
		}), nil
	default:
		return nil, fmt.Errorf("unknown broker kind %q", bc.Kind)
	}
}

// seedMarks gives the simulator a few liquid symbols so market orders fill
// out of the box; strategies can move them via their data provider.
func seedMarks(sim *paper.Adapter) {
	sim.SetMark("BTC-USDT", decimal.NewFromInt(65000))
	sim.SetMark("ETH-USDT", decimal.NewFromInt(3200))
	sim.SetMark("AAPL", decimal.NewFromInt(230))
}
