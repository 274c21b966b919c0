// Command ibot runs the infinite-buying strategy engine. One engine and one
// price feed run per configured instrument; everything coordinates over the
// in-process event bus.
//
// Usage:
//
//	ibot --config config.yaml
//
// Environment (optional, loaded from .env when present):
//
//	IBOT_PAPER=1  trade against the in-memory paper broker
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/quantfu/ibot/config"
	"github.com/quantfu/ibot/internal/approval"
	"github.com/quantfu/ibot/internal/broker"
	"github.com/quantfu/ibot/internal/engine"
	"github.com/quantfu/ibot/internal/eventbus"
	"github.com/quantfu/ibot/internal/history"
	"github.com/quantfu/ibot/internal/journal"
	"github.com/quantfu/ibot/internal/market"
	"github.com/quantfu/ibot/internal/orders"
	"github.com/quantfu/ibot/internal/pricefeed"
	"github.com/quantfu/ibot/internal/store"
)

func main() {
	// .env is optional; real deployments use the environment directly
	_ = godotenv.Load()

	cfg, err := config.Get()
	if err != nil {
		log.Fatal(err)
	}

	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatal(err)
	}
	defer logger.Sync()

	cal, err := market.NewUSCalendar()
	if err != nil {
		logger.Fatal("market calendar", zap.Error(err))
	}

	bus := eventbus.New(logger)
	defer bus.Close()

	arch, err := history.Open(cfg.HistoryDB)
	if err != nil {
		logger.Fatal("history archive", zap.Error(err))
	}
	defer arch.Close()

	brk := newBroker(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var wg sync.WaitGroup
	var engines []*engine.Engine

	for _, inst := range cfg.Instruments {
		inst := inst
		l := logger.With(zap.String("symbol", inst.Symbol))

		st, err := store.NewFileStore(cfg.StateDir, inst.Symbol, l)
		if err != nil {
			logger.Fatal("state store", zap.Error(err))
		}
		jr, err := journal.Open(cfg.JournalDir, inst.Symbol, l)
		if err != nil {
			logger.Fatal("intent journal", zap.Error(err))
		}
		defer jr.Close()

		mgr := orders.NewManager(brk, cal, bus, l)

		var gate *approval.Gate
		deps := engine.Deps{
			Symbol:   inst.Symbol,
			Params:   inst.Params,
			Broker:   brk,
			Store:    st,
			Orders:   mgr,
			Journal:  jr,
			Archive:  arch,
			Calendar: cal,
			Bus:      bus,
			Logger:   logger,
		}
		if inst.RequireApproval {
			gate = approval.NewGate(bus, inst.ApprovalTimeout, l)
			defer gate.Close()
			deps.Approver = gate
		}

		eng, err := engine.New(deps)
		if err != nil {
			logger.Fatal("engine", zap.Error(err))
		}
		if err := eng.Init(ctx); err != nil {
			logger.Fatal("engine init", zap.Error(err))
		}
		engines = append(engines, eng)

		feed := pricefeed.New(brk, cal, bus, inst.Symbol, inst.PricePollInterval, l)
		sched := engine.NewScheduler(eng, inst.TickInterval, l)

		wg.Add(2)
		go func() {
			defer wg.Done()
			if err := feed.Run(ctx); err != nil && ctx.Err() == nil {
				l.Error("price feed stopped", zap.Error(err))
			}
		}()
		go func() {
			defer wg.Done()
			if err := sched.Run(ctx); err != nil && ctx.Err() == nil {
				l.Error("scheduler stopped", zap.Error(err))
			}
		}()
	}

	<-ctx.Done()
	logger.Info("shutdown requested")
	for _, eng := range engines {
		eng.Stop()
	}
	wg.Wait()
}

// newBroker selects the brokerage backend. Only the paper broker ships in
// this repository; a real brokerage client plugs in behind the same
// interface and the Reliable wrapper.
func newBroker(logger *zap.Logger) broker.Broker {
	if os.Getenv("IBOT_PAPER") == "" {
		logger.Warn("no brokerage client configured, falling back to paper trading")
	}
	p := broker.NewPaper()
	p.SetPrice(decimal.NewFromInt(100))
	return broker.NewReliable(p, 0)
}
