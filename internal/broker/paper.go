package broker

import (
	"context"
	"fmt"
	"sync"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"github.com/quantfu/ibot/internal/domain"
)

type paperOrder struct {
	req    OrderRequest
	status domain.OrderStatus
	fillQ  decimal.Decimal
	fillP  decimal.Decimal
}

// Paper is an in-memory brokerage for simulation and tests. Orders rest
// until a test (or a simulated close) fills them explicitly; positions are
// maintained with running average cost like a real account.
type Paper struct {
	mu        sync.Mutex
	price     decimal.Decimal
	positions map[string]Position
	orders    map[string]*paperOrder
	seq       int
	failCalls int
}

func NewPaper() *Paper {
	return &Paper{
		positions: make(map[string]Position),
		orders:    make(map[string]*paperOrder),
	}
}

// SetPrice sets the quote returned by GetCurrentPrice.
func (p *Paper) SetPrice(price decimal.Decimal) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.price = price
}

// FailCalls makes the next n broker calls return ErrTransient.
func (p *Paper) FailCalls(n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failCalls = n
}

func (p *Paper) failing() bool {
	if p.failCalls > 0 {
		p.failCalls--
		return true
	}
	return false
}

func (p *Paper) GetCurrentPrice(_ context.Context, symbol string) (decimal.Decimal, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failing() {
		return decimal.Zero, errors.Wrapf(ErrTransient, "quote %s", symbol)
	}
	if p.price.IsZero() {
		return decimal.Zero, errors.Errorf("no quote for %s", symbol)
	}
	return p.price, nil
}

func (p *Paper) GetPosition(_ context.Context, symbol string) (Position, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failing() {
		return Position{}, errors.Wrapf(ErrTransient, "position %s", symbol)
	}
	return p.positions[symbol], nil
}

func (p *Paper) SubmitOrder(_ context.Context, req OrderRequest) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failing() {
		return "", errors.Wrap(ErrTransient, "submit")
	}
	if req.Qty.Sign() <= 0 {
		return "", errors.Errorf("submit %s: non-positive qty %s", req.Symbol, req.Qty)
	}
	p.seq++
	id := fmt.Sprintf("P%06d", p.seq)
	p.orders[id] = &paperOrder{req: req, status: domain.StatusPending}
	return id, nil
}

func (p *Paper) GetOrderStatus(_ context.Context, brokerOrderID string) (OrderState, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failing() {
		return OrderState{}, errors.Wrap(ErrTransient, "order status")
	}
	o, ok := p.orders[brokerOrderID]
	if !ok {
		return OrderState{}, errors.Wrapf(ErrOrderNotFound, "id %s", brokerOrderID)
	}
	return OrderState{Status: o.status, FilledQty: o.fillQ, FilledPrice: o.fillP}, nil
}

func (p *Paper) CancelOrder(_ context.Context, brokerOrderID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failing() {
		return errors.Wrap(ErrTransient, "cancel")
	}
	o, ok := p.orders[brokerOrderID]
	if !ok {
		return errors.Wrapf(ErrOrderNotFound, "id %s", brokerOrderID)
	}
	if o.status.Terminal() {
		return errors.Errorf("cancel %s: order already %s", brokerOrderID, o.status)
	}
	o.status = domain.StatusCancelled
	return nil
}

// Fill marks the whole resting order filled at the given price and books the
// position change.
func (p *Paper) Fill(brokerOrderID string, price decimal.Decimal) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	o, ok := p.orders[brokerOrderID]
	if !ok {
		return errors.Wrapf(ErrOrderNotFound, "id %s", brokerOrderID)
	}
	if o.status.Terminal() {
		return errors.Errorf("fill %s: order already %s", brokerOrderID, o.status)
	}
	remaining := o.req.Qty.Sub(o.fillQ)
	o.fillP = price
	o.fillQ = o.req.Qty
	o.status = domain.StatusFilled
	p.book(o.req, remaining, price)
	return nil
}

// FillPartial books a partial execution and leaves the order resting.
func (p *Paper) FillPartial(brokerOrderID string, qty, price decimal.Decimal) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	o, ok := p.orders[brokerOrderID]
	if !ok {
		return errors.Wrapf(ErrOrderNotFound, "id %s", brokerOrderID)
	}
	if o.status.Terminal() {
		return errors.Errorf("fill %s: order already %s", brokerOrderID, o.status)
	}
	if o.fillQ.Add(qty).GreaterThan(o.req.Qty) {
		return errors.Errorf("fill %s: qty %s exceeds remaining", brokerOrderID, qty)
	}
	o.fillP = price
	o.fillQ = o.fillQ.Add(qty)
	o.status = domain.StatusPartiallyFilled
	if o.fillQ.Equal(o.req.Qty) {
		o.status = domain.StatusFilled
	}
	p.book(o.req, qty, price)
	return nil
}

func (p *Paper) book(req OrderRequest, qty, price decimal.Decimal) {
	pos := p.positions[req.Symbol]
	if req.Side == domain.SideBuy {
		newQty := pos.Qty.Add(qty)
		cost := pos.AvgCost.Mul(pos.Qty).Add(price.Mul(qty))
		pos.Qty = newQty
		pos.AvgCost = cost.Div(newQty)
	} else {
		pos.Qty = pos.Qty.Sub(qty)
		if pos.Qty.Sign() <= 0 {
			pos = Position{Qty: decimal.Zero, AvgCost: decimal.Zero}
		}
	}
	p.positions[req.Symbol] = pos
}

// AdoptPosition seeds an existing holding, for restart scenarios.
func (p *Paper) AdoptPosition(symbol string, qty, avgCost decimal.Decimal) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.positions[symbol] = Position{Qty: qty, AvgCost: avgCost}
}

// Resting returns ids of non-terminal orders, for assertions.
func (p *Paper) Resting() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	var ids []string
	for id, o := range p.orders {
		if !o.status.Terminal() {
			ids = append(ids, id)
		}
	}
	return ids
}
