// Package orders tracks submitted orders through their lifecycle: staggered
// status checks per order class, session gating, expiry, and fill detection.
package orders

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/quantfu/ibot/internal/broker"
	"github.com/quantfu/ibot/internal/domain"
	"github.com/quantfu/ibot/internal/eventbus"
	"github.com/quantfu/ibot/internal/market"
)

// Fill is a newly observed execution. Qty is the increment since the last
// poll, not the cumulative filled quantity.
type Fill struct {
	Order *domain.Order
	Qty   decimal.Decimal
	Price decimal.Decimal
	Full  bool
}

// Manager owns the set of open orders for one instrument.
type Manager struct {
	broker broker.Broker
	cal    market.Calendar
	bus    *eventbus.Bus
	l      *zap.Logger

	mu   sync.Mutex
	open map[string]*domain.Order
}

func NewManager(b broker.Broker, cal market.Calendar, bus *eventbus.Bus, l *zap.Logger) *Manager {
	return &Manager{
		broker: b,
		cal:    cal,
		bus:    bus,
		l:      l,
		open:   make(map[string]*domain.Order),
	}
}

// Submit sends the order to the brokerage and starts tracking it. The order
// is mutated in place with the broker id and submission time; now is the
// caller's tick clock so check schedules line up with the evaluator.
func (m *Manager) Submit(ctx context.Context, o *domain.Order, now time.Time) error {
	if err := o.Validate(); err != nil {
		return errors.Wrap(err, "invalid order")
	}

	brokerID, err := m.broker.SubmitOrder(ctx, broker.OrderRequest{
		ClientID: o.ID,
		Symbol:   o.Symbol,
		Side:     o.Side,
		Class:    o.Class,
		Qty:      o.Qty,
		Price:    o.Price,
	})
	if err != nil {
		return errors.Wrapf(err, "submit %s %s %s", o.Side, o.Tag, o.Symbol)
	}

	o.BrokerID = brokerID
	o.SubmittedAt = now
	o.Status = domain.StatusPending

	m.mu.Lock()
	m.open[o.ID] = o
	m.mu.Unlock()

	m.l.Info("order submitted",
		zap.String("symbol", o.Symbol),
		zap.String("tag", o.Tag),
		zap.String("class", string(o.Class)),
		zap.String("broker_id", brokerID),
		zap.String("qty", o.Qty.String()),
		zap.String("price", o.Price.String()))
	m.bus.Publish(eventbus.Event{Type: eventbus.OrderSubmitted, Symbol: o.Symbol, Payload: *o})
	return nil
}

// Track adopts an order restored from persistence without re-submitting it.
func (m *Manager) Track(o *domain.Order) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.open[o.ID] = o
}

// Open returns copies of the tracked non-terminal orders for persistence.
func (m *Manager) Open() []domain.Order {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.Order, 0, len(m.open))
	for _, o := range m.open {
		out = append(out, *o)
	}
	return out
}

// PollDue checks every order whose schedule and session gate say it is time,
// returning newly observed fills. Expired orders are cancelled at the broker
// and dropped. Broker errors on individual orders are logged and skipped so
// one flaky status call never stalls the rest.
func (m *Manager) PollDue(ctx context.Context, now time.Time) []Fill {
	m.mu.Lock()
	due := make([]*domain.Order, 0, len(m.open))
	for _, o := range m.open {
		if m.dueForCheck(o, now) {
			due = append(due, o)
		}
	}
	m.mu.Unlock()

	var fills []Fill
	for _, o := range due {
		f, err := m.check(ctx, o, now)
		if err != nil {
			m.l.Warn("order status check failed",
				zap.String("order", o.ID),
				zap.String("broker_id", o.BrokerID),
				zap.Error(err))
			continue
		}
		if f != nil {
			fills = append(fills, *f)
		}
	}
	return fills
}

func (m *Manager) dueForCheck(o *domain.Order, now time.Time) bool {
	p := domain.PolicyFor(o.Class)
	if !m.gateOpen(p.Gate, now) {
		return false
	}
	if o.Expired(now) {
		return true
	}
	if now.Sub(o.SubmittedAt) < p.FirstCheckAfter {
		return false
	}
	if o.LastChecked.IsZero() {
		return true
	}
	if p.RecheckEvery == 0 {
		// one-shot classes are checked exactly once
		return false
	}
	return now.Sub(o.LastChecked) >= p.RecheckEvery
}

// gateOpen tells whether the session allows a meaningful status check for
// the given gate. An on-close order has nothing to report before the close.
func (m *Manager) gateOpen(gate domain.SessionGate, now time.Time) bool {
	switch gate {
	case domain.GateNone:
		return true
	case domain.GateSessionOpen:
		return m.cal.Session(now) == market.SessionRegular
	case domain.GateAfterClose:
		w, ok := m.cal.Windows(now)
		return ok && now.After(w.Close)
	case domain.GateExtendedHours:
		return m.cal.Session(now) != market.SessionClosed
	default:
		return false
	}
}

func (m *Manager) check(ctx context.Context, o *domain.Order, now time.Time) (*Fill, error) {
	st, err := m.broker.GetOrderStatus(ctx, o.BrokerID)
	if err != nil {
		if errors.Is(err, broker.ErrOrderNotFound) {
			// the broker purged it; nothing more to track
			m.drop(o)
			return nil, errors.Wrapf(err, "order %s vanished at broker", o.ID)
		}
		return nil, err
	}
	o.LastChecked = now

	var fill *Fill
	delta := st.FilledQty.Sub(o.FilledQty)
	if delta.Sign() > 0 {
		o.FilledQty = st.FilledQty
		o.FilledPrice = st.FilledPrice
		fill = &Fill{
			Order: o,
			Qty:   delta,
			Price: st.FilledPrice,
			Full:  st.Status == domain.StatusFilled,
		}
	}

	switch {
	case st.Status == domain.StatusFilled:
		o.Status = domain.StatusFilled
		m.drop(o)
		m.bus.Publish(eventbus.Event{Type: eventbus.OrderFilled, Symbol: o.Symbol, Payload: *o})
	case st.Status == domain.StatusCancelled:
		o.Status = domain.StatusCancelled
		m.drop(o)
		m.bus.Publish(eventbus.Event{Type: eventbus.OrderCancelled, Symbol: o.Symbol, Payload: *o})
	case fill != nil:
		o.Status = domain.StatusPartiallyFilled
		m.bus.Publish(eventbus.Event{Type: eventbus.OrderFilled, Symbol: o.Symbol, Payload: *o})
	}

	if !o.Terminal() && o.Expired(now) {
		if err := m.broker.CancelOrder(ctx, o.BrokerID); err != nil {
			return fill, errors.Wrapf(err, "cancel expired order %s", o.ID)
		}
		o.Status = domain.StatusExpired
		m.drop(o)
		m.l.Info("order expired",
			zap.String("symbol", o.Symbol),
			zap.String("tag", o.Tag),
			zap.String("broker_id", o.BrokerID))
		m.bus.Publish(eventbus.Event{Type: eventbus.OrderExpired, Symbol: o.Symbol, Payload: *o})
	}
	return fill, nil
}

func (m *Manager) drop(o *domain.Order) {
	m.mu.Lock()
	delete(m.open, o.ID)
	m.mu.Unlock()
}

// CancelAll cancels every tracked order at the broker. Orders whose cancel
// fails stay tracked so the next poll can settle them.
func (m *Manager) CancelAll(ctx context.Context) error {
	m.mu.Lock()
	targets := make([]*domain.Order, 0, len(m.open))
	for _, o := range m.open {
		targets = append(targets, o)
	}
	m.mu.Unlock()

	var firstErr error
	for _, o := range targets {
		if err := m.broker.CancelOrder(ctx, o.BrokerID); err != nil {
			if errors.Is(err, broker.ErrOrderNotFound) {
				m.drop(o)
				continue
			}
			m.l.Warn("cancel failed", zap.String("order", o.ID), zap.Error(err))
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		o.Status = domain.StatusCancelled
		m.drop(o)
		m.bus.Publish(eventbus.Event{Type: eventbus.OrderCancelled, Symbol: o.Symbol, Payload: *o})
	}
	return errors.Wrap(firstErr, "cancel open orders")
}
