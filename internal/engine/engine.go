// Package engine owns one instrument's cycle: it folds fills into the
// position, converts schedule and price triggers into orders, and persists
// every transition before the day's idempotency flag is marked. All decide
// and persist work happens under one mutex per instrument.
package engine

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
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

// stateStore is the slice of the durable store the engine needs.
type stateStore interface {
	Save(ctx context.Context, snap *domain.Snapshot) error
	Load(ctx context.Context) (*domain.Snapshot, error)
}

// approver gates order submission on an external decision.
type approver interface {
	Request(ctx context.Context, symbol, summary string, specs []domain.OrderSpec) (bool, error)
}

// archiver records completed cycles and fills for reporting.
type archiver interface {
	RecordFill(ctx context.Context, f history.FillRecord) error
	RecordCycle(ctx context.Context, c *domain.Cycle) error
}

// intentJournal is the order-intent log consulted on startup.
type intentJournal interface {
	Prepare(o *domain.Order) (*journal.Intent, error)
	MarkSubmitted(in *journal.Intent, brokerOrderID string) error
	MarkDone(in *journal.Intent) error
	MarkFailed(in *journal.Intent, cause error) error
	Unresolved() []*journal.Intent
}

// Deps wires an Engine. Approver and Archive may be nil: a nil approver
// auto-approves, a nil archive skips history recording.
type Deps struct {
	Symbol   string
	Params   domain.Params
	Broker   broker.Broker
	Store    stateStore
	Orders   *orders.Manager
	Journal  intentJournal
	Approver approver
	Archive  archiver
	Calendar market.Calendar
	Bus      *eventbus.Bus
	Logger   *zap.Logger
}

// Engine drives one instrument.
type Engine struct {
	symbol   string
	params   domain.Params
	broker   broker.Broker
	store    stateStore
	orders   *orders.Manager
	journal  intentJournal
	approver approver
	archive  archiver
	cal      market.Calendar
	bus      *eventbus.Bus
	l        *zap.Logger

	mu      sync.Mutex
	cycle   *domain.Cycle
	halted  bool
	stopped atomic.Bool
}

func New(d Deps) (*Engine, error) {
	if err := d.Params.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid params")
	}
	return &Engine{
		symbol:   d.Symbol,
		params:   d.Params,
		broker:   d.Broker,
		store:    d.Store,
		orders:   d.Orders,
		journal:  d.Journal,
		approver: d.Approver,
		archive:  d.Archive,
		cal:      d.Calendar,
		bus:      d.Bus,
		l:        d.Logger.With(zap.String("symbol", d.Symbol)),
	}, nil
}

// Init restores state from the snapshot store, or re-derives the position
// from the brokerage when no trustworthy snapshot exists, then reconciles
// unresolved order intents against the broker.
func (e *Engine) Init(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	snap, err := e.store.Load(ctx)
	switch {
	case err == nil:
		c := snap.Cycle
		e.cycle = &c
		for i := range snap.OpenOrders {
			o := snap.OpenOrders[i]
			e.orders.Track(&o)
		}
		e.l.Info("state restored",
			zap.String("cycle", c.ID),
			zap.String("status", string(c.Status)),
			zap.Int("open_orders", len(snap.OpenOrders)))
	case errors.Is(err, store.ErrNoState):
		// No trustworthy snapshot: the brokerage position is ground truth.
		pos, perr := e.broker.GetPosition(ctx, e.symbol)
		if perr != nil {
			return errors.Wrap(perr, "derive position from broker")
		}
		e.cycle = domain.NewCycle(uuid.New().String(), e.symbol, e.params)
		e.cycle.AdoptPosition(pos.Qty, pos.AvgCost)
		e.l.Info("no prior state, adopted broker position",
			zap.String("qty", pos.Qty.String()),
			zap.String("avg_cost", pos.AvgCost.String()))
		if perr := e.persist(ctx); perr != nil {
			return perr
		}
	default:
		return errors.Wrap(err, "load state")
	}

	if err := e.reconcileIntents(ctx); err != nil {
		return err
	}
	return nil
}

// reconcileIntents settles journal records left by a crash between order
// submission and snapshot save. Acknowledged intents are re-queried at the
// broker; never-acknowledged ones are closed as failed so they are not
// blindly re-fired.
func (e *Engine) reconcileIntents(ctx context.Context) error {
	for _, in := range e.journal.Unresolved() {
		if in.BrokerOrderID == "" {
			e.l.Warn("intent never acknowledged by broker, closing as failed",
				zap.String("intent", in.ID), zap.String("tag", in.Tag))
			if err := e.journal.MarkFailed(in, errors.New("no broker acknowledgement before restart")); err != nil {
				return errors.Wrap(err, "close unacknowledged intent")
			}
			continue
		}

		st, err := e.broker.GetOrderStatus(ctx, in.BrokerOrderID)
		if err != nil {
			if errors.Is(err, broker.ErrOrderNotFound) {
				if merr := e.journal.MarkFailed(in, err); merr != nil {
					return errors.Wrap(merr, "close vanished intent")
				}
				continue
			}
			return errors.Wrapf(err, "reconcile intent %s", in.ID)
		}

		if e.tracked(in.BrokerOrderID) {
			if err := e.journal.MarkDone(in); err != nil {
				return errors.Wrap(err, "close tracked intent")
			}
			continue
		}

		// The order exists at the broker but never made a snapshot. Fold
		// what already filled and track the rest.
		if st.FilledQty.Sign() > 0 {
			if err := e.applyFillLocked(ctx, in.Side, in.Tag, st.FilledQty, st.FilledPrice, time.Now()); err != nil {
				return err
			}
		}
		if !st.Status.Terminal() {
			e.orders.Track(&domain.Order{
				ID:          uuid.New().String(),
				BrokerID:    in.BrokerOrderID,
				CycleID:     e.cycle.ID,
				Symbol:      in.Symbol,
				Side:        in.Side,
				Class:       in.Class,
				Tag:         in.Tag,
				Qty:         in.Qty,
				Price:       in.Price,
				SubmittedAt: in.Time,
				Status:      st.Status,
				FilledQty:   st.FilledQty,
				FilledPrice: st.FilledPrice,
			})
			e.l.Info("recovered in-flight order from journal",
				zap.String("broker_id", in.BrokerOrderID), zap.String("tag", in.Tag))
		}
		if err := e.journal.MarkDone(in); err != nil {
			return errors.Wrap(err, "close recovered intent")
		}
		if err := e.persist(ctx); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) tracked(brokerID string) bool {
	for _, o := range e.orders.Open() {
		if o.BrokerID == brokerID {
			return true
		}
	}
	return false
}

// Stop records the intent to halt; the next tick observes it and schedules
// nothing further. In-flight work under the mutex completes first.
func (e *Engine) Stop() {
	e.stopped.Store(true)
}

// Cycle returns a copy of the current cycle for inspection.
func (e *Engine) Cycle() domain.Cycle {
	e.mu.Lock()
	defer e.mu.Unlock()
	return *e.cycle
}

// Tick is the single evaluation pass the scheduler drives. Actions gate on
// the session, the per-day action log, and the cycle status; each one runs
// at most once per day and only counts as done after a successful persist.
func (e *Engine) Tick(ctx context.Context, now time.Time) {
	if e.stopped.Load() {
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.halted {
		return
	}

	date := domain.DateKey(now)
	if e.cycle.Day.Date != date && e.cycle.Day.Date != "" {
		e.cycle.Day.Reset(date)
		if err := e.persist(ctx); err != nil {
			return
		}
	}

	e.pollOrders(ctx, now)
	if e.halted {
		return
	}

	w, tradingDay := e.cal.Windows(now)
	if !tradingDay {
		return
	}
	session := e.cal.Session(now)

	if session == market.SessionPreOpen || session == market.SessionRegular {
		e.runDaily(ctx, now, domain.ActionCycleStart, e.checkCycleStart)
		if e.cycle.Status == domain.CycleAccumulating {
			e.runDaily(ctx, now, domain.ActionPrepareOrders, e.prepareOrders)
		}
	}
	if session == market.SessionRegular {
		if e.cycle.Status == domain.CycleAccumulating {
			e.runDaily(ctx, now, domain.ActionExecuteOrders, e.executeOrders)
			e.checkProfit(ctx, now)
		}
	}
	if now.After(w.Close) {
		e.runDaily(ctx, now, domain.ActionCycleEndCheck, e.checkCycleEnd)
	}
}

// runDaily executes an action once per day. The flag is only durable after
// a successful persist; on persist failure it is cleared so a restart
// replays the decision instead of skipping it.
func (e *Engine) runDaily(ctx context.Context, now time.Time, action domain.ActionID, fn func(context.Context, time.Time) error) {
	if e.halted {
		return
	}
	date := domain.DateKey(now)
	if e.cycle.Day.IsDone(date, action) {
		return
	}
	if err := fn(ctx, now); err != nil {
		e.l.Error("scheduled action failed", zap.String("action", string(action)), zap.Error(err))
		return
	}
	e.cycle.Day.MarkDone(date, action)
	if err := e.persist(ctx); err != nil {
		e.cycle.Day.ClearDone(date, action)
	}
}

// checkCycleStart opens a new campaign when no active cycle exists and the
// brokerage confirms a flat position. Residual shares are adopted instead.
func (e *Engine) checkCycleStart(ctx context.Context, now time.Time) error {
	if e.cycle.Status.Active() {
		return nil
	}

	pos, err := e.broker.GetPosition(ctx, e.symbol)
	if err != nil {
		return errors.Wrap(err, "verify position before cycle start")
	}
	if pos.Qty.Sign() > 0 {
		e.cycle.AdoptPosition(pos.Qty, pos.AvgCost)
		if e.cycle.StartedAt.IsZero() {
			e.cycle.StartedAt = now
		}
		e.l.Warn("residual position at cycle start, adopting",
			zap.String("qty", pos.Qty.String()), zap.String("avg_cost", pos.AvgCost.String()))
	} else {
		if err := e.cycle.Start(now); err != nil {
			return err
		}
	}

	e.l.Info("cycle started", zap.String("cycle", e.cycle.ID))
	e.bus.Publish(eventbus.Event{Type: eventbus.CycleStarted, Symbol: e.symbol, Payload: *e.cycle})
	return nil
}

// prepareOrders cancels yesterday's leftovers and stages today's buy plan.
func (e *Engine) prepareOrders(ctx context.Context, now time.Time) error {
	price, err := e.broker.GetCurrentPrice(ctx, e.symbol)
	if err != nil {
		return errors.Wrap(err, "price for buy plan")
	}

	if err := e.orders.CancelAll(ctx); err != nil {
		return errors.Wrap(err, "cancel stale orders")
	}

	e.cycle.Planned = domain.BuildBuyPlan(e.cycle, price)
	e.l.Info("buy plan prepared",
		zap.String("price", price.String()),
		zap.Int("orders", len(e.cycle.Planned)),
		zap.String("round", e.cycle.Round().StringFixed(2)))
	return nil
}

// executeOrders submits the staged plan, gated on approval when configured.
// Each submission is journaled before it goes out and closed out only after
// the resulting order is in a persisted snapshot.
func (e *Engine) executeOrders(ctx context.Context, now time.Time) error {
	if len(e.cycle.Planned) == 0 {
		return nil
	}

	if e.approver != nil {
		ok, err := e.approver.Request(ctx, e.symbol, planSummary(e.cycle.Planned), e.cycle.Planned)
		if err != nil {
			return errors.Wrap(err, "approval request")
		}
		if !ok {
			e.l.Info("buy plan rejected, skipping today's submissions")
			e.cycle.Planned = nil
			return nil
		}
	}

	var submitted []*journal.Intent
	for _, spec := range e.cycle.Planned {
		o := e.newOrder(spec)
		in, err := e.journal.Prepare(o)
		if err != nil {
			return errors.Wrap(err, "journal intent")
		}
		if err := e.orders.Submit(ctx, o, now); err != nil {
			e.l.Error("submission failed", zap.String("tag", spec.Tag), zap.Error(err))
			if merr := e.journal.MarkFailed(in, err); merr != nil {
				return errors.Wrap(merr, "journal failed submit")
			}
			continue
		}
		if err := e.journal.MarkSubmitted(in, o.BrokerID); err != nil {
			return errors.Wrap(err, "journal broker ack")
		}
		submitted = append(submitted, in)
	}

	e.cycle.Planned = nil
	if err := e.persist(ctx); err != nil {
		return err
	}
	for _, in := range submitted {
		if err := e.journal.MarkDone(in); err != nil {
			return errors.Wrap(err, "close intent")
		}
	}
	return nil
}

// checkProfit runs every regular-session tick, not once per day: the profit
// crossing can happen at any moment and the transition itself is the guard
// against duplicate sells.
func (e *Engine) checkProfit(ctx context.Context, now time.Time) {
	if e.halted || e.cycle.Status != domain.CycleAccumulating || e.cycle.Shares.Sign() <= 0 {
		return
	}
	price, err := e.broker.GetCurrentPrice(ctx, e.symbol)
	if err != nil {
		e.l.Warn("price for profit check failed", zap.Error(err))
		return
	}
	if !domain.ProfitTriggered(e.cycle, price) {
		return
	}

	specs := domain.BuildSellPlan(e.cycle)
	if len(specs) == 0 {
		return
	}
	e.l.Info("profit target crossed, submitting sell plan",
		zap.String("price", price.String()), zap.Int("orders", len(specs)))

	var submitted []*journal.Intent
	for _, spec := range specs {
		o := e.newOrder(spec)
		in, err := e.journal.Prepare(o)
		if err != nil {
			e.l.Error("journal intent failed", zap.Error(err))
			return
		}
		if err := e.orders.Submit(ctx, o, now); err != nil {
			e.l.Error("sell submission failed", zap.String("tag", spec.Tag), zap.Error(err))
			if merr := e.journal.MarkFailed(in, err); merr != nil {
				e.l.Error("journal failed submit", zap.Error(merr))
			}
			continue
		}
		if err := e.journal.MarkSubmitted(in, o.BrokerID); err != nil {
			e.l.Error("journal broker ack failed", zap.Error(err))
			return
		}
		submitted = append(submitted, in)
	}
	if len(submitted) == 0 {
		return
	}

	if err := e.cycle.MarkProfitPending(); err != nil {
		e.l.Error("profit transition rejected", zap.Error(err))
		return
	}
	if err := e.persist(ctx); err != nil {
		return
	}
	for _, in := range submitted {
		if err := e.journal.MarkDone(in); err != nil {
			e.l.Error("close intent failed", zap.Error(err))
		}
	}
}

// pollOrders drains due status checks and folds new fills into the cycle.
func (e *Engine) pollOrders(ctx context.Context, now time.Time) {
	fills := e.orders.PollDue(ctx, now)
	if len(fills) == 0 {
		return
	}
	for _, f := range fills {
		if err := e.applyFillLocked(ctx, f.Order.Side, f.Order.Tag, f.Qty, f.Price, now); err != nil {
			e.l.Error("fill rejected", zap.String("order", f.Order.ID), zap.Error(err))
		}
	}
	if err := e.persist(ctx); err != nil {
		return
	}
	e.completeIfEmpty(ctx, now)
}

func (e *Engine) applyFillLocked(ctx context.Context, side domain.OrderSide, tag string, qty, price decimal.Decimal, at time.Time) error {
	var err error
	if side == domain.SideBuy {
		err = e.cycle.ApplyBuyFill(qty, price)
	} else {
		err = e.cycle.ApplySellFill(qty, price)
	}
	if err != nil {
		return err
	}
	e.l.Info("fill applied",
		zap.String("side", string(side)),
		zap.String("tag", tag),
		zap.String("qty", qty.String()),
		zap.String("price", price.String()),
		zap.String("shares", e.cycle.Shares.String()))

	if e.archive != nil {
		rec := history.FillRecord{
			CycleID:  e.cycle.ID,
			Symbol:   e.symbol,
			Side:     side,
			Tag:      tag,
			Qty:      qty,
			Price:    price,
			FilledAt: at,
		}
		if aerr := e.archive.RecordFill(ctx, rec); aerr != nil {
			e.l.Warn("history record failed", zap.Error(aerr))
		}
	}
	return nil
}

// completeIfEmpty closes the cycle as soon as a sell empties the position,
// without waiting for the post-close check.
func (e *Engine) completeIfEmpty(ctx context.Context, now time.Time) {
	if e.cycle.Status != domain.CycleProfitPending || e.cycle.Shares.Sign() > 0 {
		return
	}
	e.finishCycle(ctx, now)
}

// checkCycleEnd is the daily post-close sweep for the same condition.
func (e *Engine) checkCycleEnd(ctx context.Context, now time.Time) error {
	if e.cycle.Status != domain.CycleProfitPending || e.cycle.Shares.Sign() > 0 {
		return nil
	}
	e.finishCycle(ctx, now)
	return nil
}

func (e *Engine) finishCycle(ctx context.Context, now time.Time) {
	if err := e.orders.CancelAll(ctx); err != nil {
		e.l.Warn("cancel leftover orders", zap.Error(err))
	}
	if err := e.cycle.Complete(now); err != nil {
		e.l.Error("cycle completion rejected", zap.Error(err))
		return
	}
	profit := e.cycle.Realized.Sub(e.cycle.Invested)
	e.l.Info("cycle completed",
		zap.String("cycle", e.cycle.ID),
		zap.String("invested", e.cycle.Invested.String()),
		zap.String("realized", e.cycle.Realized.String()),
		zap.String("profit", profit.String()))
	e.bus.Publish(eventbus.Event{Type: eventbus.CycleEnded, Symbol: e.symbol, Payload: *e.cycle})

	if e.archive != nil {
		if err := e.archive.RecordCycle(ctx, e.cycle); err != nil {
			e.l.Warn("archive cycle failed", zap.Error(err))
		}
	}

	e.cycle.ResetForNext(uuid.New().String())
	if err := e.persist(ctx); err != nil {
		return
	}
}

// persist writes the snapshot. A failed save halts the instrument: memory
// is not a substitute for persisted state, so no further orders go out
// until an operator intervenes.
func (e *Engine) persist(ctx context.Context) error {
	snap := &domain.Snapshot{
		Cycle:      *e.cycle,
		OpenOrders: e.orders.Open(),
	}
	if err := e.store.Save(ctx, snap); err != nil {
		e.halted = true
		e.l.Error("state save failed, halting instrument", zap.Error(err))
		e.bus.Publish(eventbus.Event{
			Type:    eventbus.UrgentAlert,
			Symbol:  e.symbol,
			Payload: fmt.Sprintf("state save failed for %s: %v; automation halted", e.symbol, err),
		})
		return err
	}
	return nil
}

func (e *Engine) newOrder(spec domain.OrderSpec) *domain.Order {
	return &domain.Order{
		ID:      uuid.New().String(),
		CycleID: e.cycle.ID,
		Symbol:  e.symbol,
		Side:    spec.Side,
		Class:   spec.Class,
		Tag:     spec.Tag,
		Qty:     spec.Qty,
		Price:   spec.Price,
	}
}

func planSummary(specs []domain.OrderSpec) string {
	parts := make([]string, 0, len(specs))
	for _, s := range specs {
		parts = append(parts, fmt.Sprintf("%s %s x%s @%s", s.Side, s.Tag, s.Qty, s.Price))
	}
	return strings.Join(parts, "; ")
}
