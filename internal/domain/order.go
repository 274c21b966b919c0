package domain

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// OrderSide is the direction of a brokerage instruction.
type OrderSide string

const (
	SideBuy  OrderSide = "buy"
	SideSell OrderSide = "sell"
)

// OrderClass fixes how an order executes and, with it, the status-check
// cadence and maximum time-to-live the lifecycle manager applies.
type OrderClass string

const (
	// ClassMarket executes immediately at market price.
	ClassMarket OrderClass = "market"
	// ClassLimit rests at its limit price while the session is open.
	ClassLimit OrderClass = "limit"
	// ClassLOC (limit-on-close) fills at the closing auction.
	ClassLOC OrderClass = "loc"
	// ClassAfterHours rests inside the extended trading window only.
	ClassAfterHours OrderClass = "after"
)

func (c OrderClass) Valid() bool {
	switch c {
	case ClassMarket, ClassLimit, ClassLOC, ClassAfterHours:
		return true
	}
	return false
}

// OrderStatus tracks an order to a terminal state. Terminal orders are
// never mutated again.
type OrderStatus string

const (
	StatusPending         OrderStatus = "pending"
	StatusPartiallyFilled OrderStatus = "partially_filled"
	StatusFilled          OrderStatus = "filled"
	StatusCancelled       OrderStatus = "cancelled"
	StatusExpired         OrderStatus = "expired"
)

func (s OrderStatus) Terminal() bool {
	switch s {
	case StatusFilled, StatusCancelled, StatusExpired:
		return true
	}
	return false
}

// OrderSpec is a planned order before submission: what the state machine
// decided to trade, without brokerage identity yet.
type OrderSpec struct {
	Side  OrderSide       `json:"side"`
	Class OrderClass      `json:"class"`
	Tag   string          `json:"tag"`
	Qty   decimal.Decimal `json:"qty"`
	Price decimal.Decimal `json:"price"`
}

func (s OrderSpec) Validate() error {
	if s.Side != SideBuy && s.Side != SideSell {
		return fmt.Errorf("invalid order side %q", s.Side)
	}
	if !s.Class.Valid() {
		return fmt.Errorf("invalid order class %q", s.Class)
	}
	if s.Qty.LessThanOrEqual(decimal.Zero) {
		return fmt.Errorf("order qty must be positive, got %s", s.Qty)
	}
	if s.Class != ClassMarket && s.Price.LessThanOrEqual(decimal.Zero) {
		return fmt.Errorf("%s order needs a positive price, got %s", s.Class, s.Price)
	}
	return nil
}

// Order is a submitted brokerage instruction belonging to a cycle.
type Order struct {
	ID          string          `json:"id"`        // client-side id, also the journal intent id
	BrokerID    string          `json:"broker_id"` // assigned by the brokerage on submit
	CycleID     string          `json:"cycle_id"`
	Symbol      string          `json:"symbol"`
	Side        OrderSide       `json:"side"`
	Class       OrderClass      `json:"class"`
	Tag         string          `json:"tag,omitempty"`
	Qty         decimal.Decimal `json:"qty"`
	Price       decimal.Decimal `json:"price"`
	SubmittedAt time.Time       `json:"submitted_at"`
	Status      OrderStatus     `json:"status"`
	FilledQty   decimal.Decimal `json:"filled_qty"`
	FilledPrice decimal.Decimal `json:"filled_price"`
	LastChecked time.Time       `json:"last_checked,omitempty"`
}

func (o *Order) Terminal() bool { return o.Status.Terminal() }

func (o *Order) Validate() error {
	if o.ID == "" {
		return fmt.Errorf("order id is empty")
	}
	if o.Symbol == "" {
		return fmt.Errorf("order symbol is empty")
	}
	spec := OrderSpec{Side: o.Side, Class: o.Class, Qty: o.Qty, Price: o.Price}
	return spec.Validate()
}

// SessionGate restricts when an order class is worth a status check.
type SessionGate int

const (
	// GateNone polls regardless of session state.
	GateNone SessionGate = iota
	// GateSessionOpen polls only while the regular session is open.
	GateSessionOpen
	// GateAfterClose polls only after the regular session closed.
	GateAfterClose
	// GateExtendedHours polls only inside the extended window.
	GateExtendedHours
)

// CheckPolicy is the per-class polling contract: never check before
// FirstCheckAfter, never recheck more often than RecheckEvery, always
// resolve (cancel) before TTL elapses.
type CheckPolicy struct {
	FirstCheckAfter time.Duration
	RecheckEvery    time.Duration // zero means one-shot
	TTL             time.Duration
	Gate            SessionGate
}

// PolicyFor returns the default check/expiry policy for an order class.
// The values mirror how each class actually fills: market orders resolve in
// seconds, LOC orders only at the closing auction, extended-hours orders only
// inside their window.
func PolicyFor(class OrderClass) CheckPolicy {
	switch class {
	case ClassMarket:
		return CheckPolicy{
			FirstCheckAfter: 10 * time.Second,
			RecheckEvery:    0,
			TTL:             6 * time.Minute,
			Gate:            GateNone,
		}
	case ClassLOC:
		return CheckPolicy{
			FirstCheckAfter: 0,
			RecheckEvery:    5 * time.Minute,
			TTL:             24 * time.Hour,
			Gate:            GateAfterClose,
		}
	case ClassAfterHours:
		return CheckPolicy{
			FirstCheckAfter: time.Minute,
			RecheckEvery:    5 * time.Minute,
			TTL:             8 * time.Hour,
			Gate:            GateExtendedHours,
		}
	default: // ClassLimit
		return CheckPolicy{
			FirstCheckAfter: 30 * time.Second,
			RecheckEvery:    5 * time.Minute,
			TTL:             24 * time.Hour,
			Gate:            GateSessionOpen,
		}
	}
}

// Expired reports whether the order outlived its class TTL.
func (o *Order) Expired(now time.Time) bool {
	if o.Terminal() {
		return false
	}
	return now.Sub(o.SubmittedAt) > PolicyFor(o.Class).TTL
}
