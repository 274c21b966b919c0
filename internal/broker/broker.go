// Package broker defines the brokerage boundary consumed by the strategy
// core. Wire-level clients live behind the Broker interface; the core only
// sees fallible, rate-limited operations with explicit timeouts.
package broker

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"github.com/quantfu/ibot/internal/domain"
	"github.com/quantfu/ibot/pkg/retrier"
)

var (
	// ErrTransient marks a recoverable network or API hiccup; callers retry
	// with backoff instead of failing the operation.
	ErrTransient = errors.New("transient broker error")

	// ErrOrderNotFound means the brokerage does not know the order id.
	ErrOrderNotFound = errors.New("order not found")
)

// Position is the brokerage-reported holding for an instrument.
type Position struct {
	Qty     decimal.Decimal
	AvgCost decimal.Decimal
}

// OrderRequest is a submission to the brokerage. ClientID correlates the
// broker order with the local intent journal.
type OrderRequest struct {
	ClientID string
	Symbol   string
	Side     domain.OrderSide
	Class    domain.OrderClass
	Qty      decimal.Decimal
	Price    decimal.Decimal
}

// OrderState is the brokerage view of a submitted order.
type OrderState struct {
	Status      domain.OrderStatus
	FilledQty   decimal.Decimal
	FilledPrice decimal.Decimal
}

// Broker is the brokerage boundary. Every call is fallible and retryable;
// a timeout is never a definitive negative result.
type Broker interface {
	GetCurrentPrice(ctx context.Context, symbol string) (decimal.Decimal, error)
	GetPosition(ctx context.Context, symbol string) (Position, error)
	SubmitOrder(ctx context.Context, req OrderRequest) (string, error)
	GetOrderStatus(ctx context.Context, brokerOrderID string) (OrderState, error)
	CancelOrder(ctx context.Context, brokerOrderID string) error
}

// Reliable wraps a Broker with per-call timeouts and bounded retries for
// idempotent operations. Submissions are deliberately NOT retried blindly:
// an ambiguous submit outcome is resolved by the intent journal re-querying
// order status, never by firing the order again.
type Reliable struct {
	next    Broker
	retr    *retrier.Retrier
	timeout time.Duration
}

// NewReliable decorates next with retry and timeout policy.
func NewReliable(next Broker, timeout time.Duration) *Reliable {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Reliable{
		next:    next,
		retr:    retrier.New(retrier.WithAttempts(3), retrier.WithInitialDelay(300*time.Millisecond)),
		timeout: timeout,
	}
}

func (r *Reliable) GetCurrentPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	return retrier.DoWithData(ctx, r.retr, func(ctx context.Context) (decimal.Decimal, error) {
		ctx, cancel := context.WithTimeout(ctx, r.timeout)
		defer cancel()
		return r.next.GetCurrentPrice(ctx, symbol)
	})
}

func (r *Reliable) GetPosition(ctx context.Context, symbol string) (Position, error) {
	return retrier.DoWithData(ctx, r.retr, func(ctx context.Context) (Position, error) {
		ctx, cancel := context.WithTimeout(ctx, r.timeout)
		defer cancel()
		return r.next.GetPosition(ctx, symbol)
	})
}

func (r *Reliable) SubmitOrder(ctx context.Context, req OrderRequest) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	return r.next.SubmitOrder(ctx, req)
}

func (r *Reliable) GetOrderStatus(ctx context.Context, brokerOrderID string) (OrderState, error) {
	return retrier.DoWithData(ctx, r.retr, func(ctx context.Context) (OrderState, error) {
		ctx, cancel := context.WithTimeout(ctx, r.timeout)
		defer cancel()
		st, err := r.next.GetOrderStatus(ctx, brokerOrderID)
		if err != nil && errors.Is(err, ErrOrderNotFound) {
			// a definitive answer, not a hiccup
			return st, err
		}
		return st, err
	})
}

func (r *Reliable) CancelOrder(ctx context.Context, brokerOrderID string) error {
	return r.retr.Do(ctx, func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, r.timeout)
		defer cancel()
		return r.next.CancelOrder(ctx, brokerOrderID)
	})
}
