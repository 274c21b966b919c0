package engine

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/quantfu/ibot/internal/broker"
	"github.com/quantfu/ibot/internal/domain"
	"github.com/quantfu/ibot/internal/eventbus"
	"github.com/quantfu/ibot/internal/history"
	"github.com/quantfu/ibot/internal/journal"
	"github.com/quantfu/ibot/internal/market"
	"github.com/quantfu/ibot/internal/orders"
	"github.com/quantfu/ibot/internal/store"
)

// utcCalendar treats every day as a trading day with US-shaped windows in
// UTC, so tests drive a pure logical clock.
type utcCalendar struct{}

func (utcCalendar) Windows(at time.Time) (market.Windows, bool) {
	y, m, d := at.UTC().Date()
	day := func(h, min int) time.Time { return time.Date(y, m, d, h, min, 0, 0, time.UTC) }
	return market.Windows{
		PreOpen:       day(4, 0),
		Open:          day(9, 30),
		Close:         day(16, 0),
		AfterHoursEnd: day(20, 0),
	}, true
}

func (c utcCalendar) Session(at time.Time) market.Session {
	w, _ := c.Windows(at)
	switch {
	case at.Before(w.PreOpen) || !at.Before(w.AfterHoursEnd):
		return market.SessionClosed
	case at.Before(w.Open):
		return market.SessionPreOpen
	case at.Before(w.Close):
		return market.SessionRegular
	default:
		return market.SessionAfterHours
	}
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func testParams() domain.Params {
	return domain.Params{
		TotalInvestment:    dec("40000"),
		DivisionCount:      40,
		StarRatioPercent:   dec("6"),
		MinProfitPercent:   dec("8"),
		MaxProfitPercent:   dec("12"),
		MaxDrawdownPercent: dec("12"),
		StarSellFraction:   dec("0.25"),
	}
}

type harness struct {
	paper *broker.Paper
	bus   *eventbus.Bus
	st    *store.FileStore
	jr    *journal.Journal
	arch  *history.Archive
	mgr   *orders.Manager
	e     *Engine
}

func newHarness(t *testing.T, dir string, paper *broker.Paper) *harness {
	t.Helper()
	l := zap.NewNop()
	bus := eventbus.New(l)

	st, err := store.NewFileStore(filepath.Join(dir, "state"), "SOXL", l)
	require.NoError(t, err)
	jr, err := journal.Open(filepath.Join(dir, "journal"), "SOXL", l)
	require.NoError(t, err)
	arch, err := history.Open(filepath.Join(dir, "history.db"))
	require.NoError(t, err)

	mgr := orders.NewManager(paper, utcCalendar{}, bus, l)
	e, err := New(Deps{
		Symbol:   "SOXL",
		Params:   testParams(),
		Broker:   paper,
		Store:    st,
		Orders:   mgr,
		Journal:  jr,
		Archive:  arch,
		Calendar: utcCalendar{},
		Bus:      bus,
		Logger:   l,
	})
	require.NoError(t, err)
	return &harness{paper: paper, bus: bus, st: st, jr: jr, arch: arch, mgr: mgr, e: e}
}

func (h *harness) close() {
	h.jr.Close()
	h.arch.Close()
	h.bus.Close()
}

func day(d, hour, min int) time.Time {
	return time.Date(2026, 9, d, hour, min, 0, 0, time.UTC)
}

func findByTag(h *harness, tag string) (domain.Order, bool) {
	for _, o := range h.mgr.Open() {
		if o.Tag == tag {
			return o, true
		}
	}
	return domain.Order{}, false
}

func TestColdStartOpensCycleAndBuysBaseline(t *testing.T) {
	paper := broker.NewPaper()
	paper.SetPrice(dec("100"))
	h := newHarness(t, t.TempDir(), paper)
	defer h.close()
	ctx := context.Background()

	require.NoError(t, h.e.Init(ctx))
	require.Equal(t, domain.CycleIdle, h.e.Cycle().Status)

	h.e.Tick(ctx, day(1, 10, 0))

	c := h.e.Cycle()
	require.Equal(t, domain.CycleAccumulating, c.Status)
	require.True(t, c.Round().IsZero(), "nothing filled yet, T stays 0")
	require.True(t, c.Day.IsDone("2026-09-01", domain.ActionCycleStart))
	require.True(t, c.Day.IsDone("2026-09-01", domain.ActionExecuteOrders))

	// no cost basis exists, so the whole allotment goes to the baseline buy
	o, found := findByTag(h, "baseline_buy")
	require.True(t, found)
	require.True(t, o.Qty.Equal(dec("10")))
	require.True(t, o.Price.Equal(dec("100")))
	require.Equal(t, domain.ClassLOC, o.Class)
	require.Len(t, h.paper.Resting(), 1)

	// transition survived: the snapshot already reflects accumulating
	snap, err := h.st.Load(ctx)
	require.NoError(t, err)
	require.Equal(t, domain.CycleAccumulating, snap.Cycle.Status)
	require.Len(t, snap.OpenOrders, 1)
}

func TestReplayAfterRestartSubmitsNoDuplicates(t *testing.T) {
	paper := broker.NewPaper()
	paper.SetPrice(dec("100"))
	dir := t.TempDir()
	ctx := context.Background()

	h1 := newHarness(t, dir, paper)
	require.NoError(t, h1.e.Init(ctx))
	h1.e.Tick(ctx, day(1, 10, 0))
	require.Len(t, paper.Resting(), 1)
	h1.close()

	h2 := newHarness(t, dir, paper)
	defer h2.close()
	require.NoError(t, h2.e.Init(ctx))

	// same day, later tick: daily flags came back from the snapshot
	h2.e.Tick(ctx, day(1, 10, 30))
	require.Len(t, paper.Resting(), 1, "restart must not re-fire the day's actions")
	require.Len(t, h2.mgr.Open(), 1)
}

func TestStarBuyStagedBelowAverageCost(t *testing.T) {
	paper := broker.NewPaper()
	paper.SetPrice(dec("100"))
	h := newHarness(t, t.TempDir(), paper)
	defer h.close()
	ctx := context.Background()

	require.NoError(t, h.e.Init(ctx))
	h.e.Tick(ctx, day(1, 10, 0))

	// baseline fills at the close; position becomes 10 @ 100
	o, found := findByTag(h, "baseline_buy")
	require.True(t, found)
	require.NoError(t, paper.Fill(o.BrokerID, dec("100")))
	h.e.Tick(ctx, day(1, 16, 10))

	c := h.e.Cycle()
	require.True(t, c.Shares.Equal(dec("10")))
	avg, ok := c.AvgCost()
	require.True(t, ok)
	require.True(t, avg.Equal(dec("100")))

	// next morning's plan stakes the star buy 6% below avg cost
	h.e.Tick(ctx, day(2, 8, 0))
	c = h.e.Cycle()
	require.NotEmpty(t, c.Planned, "pre-open tick stages the plan without executing")

	var star *domain.OrderSpec
	for i := range c.Planned {
		if c.Planned[i].Tag == "star_buy" {
			star = &c.Planned[i]
		}
	}
	require.NotNil(t, star)
	require.True(t, star.Price.Equal(dec("94")), "star price is avg*(1-6%%), got %s", star.Price)
}

func TestProfitRunCompletesCycle(t *testing.T) {
	paper := broker.NewPaper()
	paper.SetPrice(dec("100"))
	h := newHarness(t, t.TempDir(), paper)
	defer h.close()
	ctx := context.Background()

	var ended []eventbus.Event
	endedCh := make(chan eventbus.Event, 4)
	sub := h.bus.Subscribe("t", func(e eventbus.Event) { endedCh <- e }, eventbus.CycleEnded)
	defer sub.Close()

	require.NoError(t, h.e.Init(ctx))

	// day 1: open cycle, baseline buy fills at the close
	h.e.Tick(ctx, day(1, 10, 0))
	o, found := findByTag(h, "baseline_buy")
	require.True(t, found)
	require.NoError(t, paper.Fill(o.BrokerID, dec("100")))
	h.e.Tick(ctx, day(1, 16, 10))

	// day 2: price gaps up through the profit target (100 * 1.119)
	h.e.Tick(ctx, day(2, 8, 0))
	paper.SetPrice(dec("112"))
	h.e.Tick(ctx, day(2, 10, 0))

	c := h.e.Cycle()
	require.Equal(t, domain.CycleProfitPending, c.Status)

	starSell, found := findByTag(h, "star_sell")
	require.True(t, found)
	require.Equal(t, domain.ClassLimit, starSell.Class)
	require.True(t, starSell.Qty.Equal(dec("2")), "quarter of 10 shares, floored")

	profitSell, found := findByTag(h, "profit_sell")
	require.True(t, found)
	require.Equal(t, domain.ClassLOC, profitSell.Class)
	require.True(t, profitSell.Qty.Equal(dec("8")))
	require.True(t, profitSell.Price.Equal(dec("111.9")))

	// star sell executes intraday, profit sell at the close
	require.NoError(t, paper.Fill(starSell.BrokerID, starSell.Price))
	h.e.Tick(ctx, day(2, 10, 6))
	require.True(t, h.e.Cycle().Shares.Equal(dec("8")))

	require.NoError(t, paper.Fill(profitSell.BrokerID, dec("111.9")))
	h.e.Tick(ctx, day(2, 16, 10))

	c = h.e.Cycle()
	require.Equal(t, domain.CycleIdle, c.Status, "completed cycle resets to idle")
	require.True(t, c.Shares.IsZero())
	require.True(t, c.Invested.IsZero(), "round counter cleared for the next campaign")
	require.Empty(t, paper.Resting(), "leftover ladder orders cancelled at completion")

	select {
	case e := <-endedCh:
		ended = append(ended, e)
	case <-time.After(2 * time.Second):
		t.Fatal("no cycle-ended event")
	}
	final, ok := ended[0].Payload.(domain.Cycle)
	require.True(t, ok)
	require.Equal(t, domain.CycleCompleted, final.Status)

	// archive holds the liquidation proceeds: 2*94.01 + 8*111.9
	records, err := h.arch.Cycles(ctx, "SOXL", 10)
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.True(t, records[0].Realized.Equal(dec("1083.22")), "realized got %s", records[0].Realized)
	require.True(t, records[0].Invested.Equal(dec("1000")))
}

// flakyStore injects save failures.
type flakyStore struct {
	inner   *store.FileStore
	failing bool
}

func (f *flakyStore) Save(ctx context.Context, snap *domain.Snapshot) error {
	if f.failing {
		return errors.New("disk full")
	}
	return f.inner.Save(ctx, snap)
}

func (f *flakyStore) Load(ctx context.Context) (*domain.Snapshot, error) {
	return f.inner.Load(ctx)
}

func TestPersistFailureHaltsInstrument(t *testing.T) {
	paper := broker.NewPaper()
	paper.SetPrice(dec("100"))
	dir := t.TempDir()
	l := zap.NewNop()
	bus := eventbus.New(l)
	defer bus.Close()

	inner, err := store.NewFileStore(filepath.Join(dir, "state"), "SOXL", l)
	require.NoError(t, err)
	fs := &flakyStore{inner: inner}
	jr, err := journal.Open(filepath.Join(dir, "journal"), "SOXL", l)
	require.NoError(t, err)
	defer jr.Close()

	alerts := make(chan eventbus.Event, 4)
	sub := bus.Subscribe("t", func(e eventbus.Event) { alerts <- e }, eventbus.UrgentAlert)
	defer sub.Close()

	mgr := orders.NewManager(paper, utcCalendar{}, bus, l)
	e, err := New(Deps{
		Symbol: "SOXL", Params: testParams(), Broker: paper, Store: fs,
		Orders: mgr, Journal: jr, Calendar: utcCalendar{}, Bus: bus, Logger: l,
	})
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, e.Init(ctx))

	fs.failing = true
	e.Tick(ctx, day(1, 10, 0))

	select {
	case <-alerts:
	case <-time.After(2 * time.Second):
		t.Fatal("no urgent alert on persist failure")
	}

	c := e.Cycle()
	require.False(t, c.Day.IsDone("2026-09-01", domain.ActionCycleStart),
		"flag must not stick when the save failed")
	require.Empty(t, paper.Resting(), "no orders while state is at risk")

	// even with the disk back, the instrument stays halted until restart
	fs.failing = false
	e.Tick(ctx, day(1, 10, 5))
	require.Empty(t, paper.Resting())
}

func TestInitReconcilesJournaledIntents(t *testing.T) {
	paper := broker.NewPaper()
	paper.SetPrice(dec("100"))
	dir := t.TempDir()
	ctx := context.Background()
	l := zap.NewNop()

	// a previous run crashed after submitting a buy the snapshot never saw
	st, err := store.NewFileStore(filepath.Join(dir, "state"), "SOXL", l)
	require.NoError(t, err)
	cycle := domain.NewCycle("cyc-1", "SOXL", testParams())
	require.NoError(t, st.Save(ctx, &domain.Snapshot{Cycle: *cycle}))

	brokerID, err := paper.SubmitOrder(ctx, broker.OrderRequest{
		Symbol: "SOXL", Side: domain.SideBuy, Class: domain.ClassLOC,
		Qty: dec("5"), Price: dec("100"),
	})
	require.NoError(t, err)
	require.NoError(t, paper.Fill(brokerID, dec("100")))

	jr, err := journal.Open(filepath.Join(dir, "journal"), "SOXL", l)
	require.NoError(t, err)
	acked, err := jr.Prepare(&domain.Order{
		ID: "o1", CycleID: "cyc-1", Symbol: "SOXL",
		Side: domain.SideBuy, Class: domain.ClassLOC, Tag: "baseline_buy",
		Qty: dec("5"), Price: dec("100"),
	})
	require.NoError(t, err)
	require.NoError(t, jr.MarkSubmitted(acked, brokerID))

	// and one intent the broker never acknowledged
	_, err = jr.Prepare(&domain.Order{
		ID: "o2", CycleID: "cyc-1", Symbol: "SOXL",
		Side: domain.SideBuy, Class: domain.ClassLOC, Tag: "ladder_buy",
		Qty: dec("1"), Price: dec("90"),
	})
	require.NoError(t, err)
	require.NoError(t, jr.Close())

	h := newHarness(t, dir, paper)
	defer h.close()
	require.NoError(t, h.e.Init(ctx))

	c := h.e.Cycle()
	require.True(t, c.Shares.Equal(dec("5")), "journaled fill folded in, got %s", c.Shares)
	avg, ok := c.AvgCost()
	require.True(t, ok)
	require.True(t, avg.Equal(dec("100")))
	require.Empty(t, h.jr.Unresolved(), "both intents settled on startup")
}

func TestStopHaltsScheduling(t *testing.T) {
	paper := broker.NewPaper()
	paper.SetPrice(dec("100"))
	h := newHarness(t, t.TempDir(), paper)
	defer h.close()
	ctx := context.Background()

	require.NoError(t, h.e.Init(ctx))
	h.e.Stop()
	h.e.Tick(ctx, day(1, 10, 0))
	require.Equal(t, domain.CycleIdle, h.e.Cycle().Status)
	require.Empty(t, paper.Resting())
}
