// Package approval gates order submission on an explicit human decision.
// Requests and decisions travel over the event bus so any frontend (chat
// bot, CLI, dashboard) can be the approver. No decision within the timeout
// counts as a rejection.
package approval

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/quantfu/ibot/internal/domain"
	"github.com/quantfu/ibot/internal/eventbus"
)

// Request is the ApprovalRequested payload.
type Request struct {
	ID        string
	Symbol    string
	Summary   string
	Orders    []domain.OrderSpec
	ExpiresAt time.Time
}

// Decision is the ApprovalResolved payload.
type Decision struct {
	RequestID string
	Approved  bool
	Reason    string
}

// Gate correlates approval requests with their decisions.
type Gate struct {
	bus     *eventbus.Bus
	timeout time.Duration
	l       *zap.Logger

	mu      sync.Mutex
	waiting map[string]chan Decision
	sub     *eventbus.Subscription
}

func NewGate(bus *eventbus.Bus, timeout time.Duration, l *zap.Logger) *Gate {
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	g := &Gate{
		bus:     bus,
		timeout: timeout,
		l:       l,
		waiting: make(map[string]chan Decision),
	}
	g.sub = bus.Subscribe("approval_gate", g.onResolved, eventbus.ApprovalResolved)
	return g
}

func (g *Gate) onResolved(e eventbus.Event) {
	d, ok := e.Payload.(Decision)
	if !ok {
		return
	}
	g.mu.Lock()
	ch, found := g.waiting[d.RequestID]
	if found {
		delete(g.waiting, d.RequestID)
	}
	g.mu.Unlock()
	if found {
		ch <- d
	}
}

// Request publishes an approval request and blocks for the decision. It
// returns false when the approver rejects or stays silent past the timeout.
func (g *Gate) Request(ctx context.Context, symbol, summary string, specs []domain.OrderSpec) (bool, error) {
	id := uuid.New().String()
	ch := make(chan Decision, 1)

	g.mu.Lock()
	g.waiting[id] = ch
	g.mu.Unlock()
	defer func() {
		g.mu.Lock()
		delete(g.waiting, id)
		g.mu.Unlock()
	}()

	g.bus.Publish(eventbus.Event{
		Type:   eventbus.ApprovalRequested,
		Symbol: symbol,
		Payload: Request{
			ID:        id,
			Symbol:    symbol,
			Summary:   summary,
			Orders:    specs,
			ExpiresAt: time.Now().Add(g.timeout),
		},
	})

	timer := time.NewTimer(g.timeout)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false, ctx.Err()
	case <-timer.C:
		g.l.Info("approval timed out, treating as rejection",
			zap.String("request", id), zap.String("symbol", symbol))
		return false, nil
	case d := <-ch:
		if !d.Approved {
			g.l.Info("approval rejected",
				zap.String("request", id), zap.String("reason", d.Reason))
		}
		return d.Approved, nil
	}
}

// Close stops listening for decisions.
func (g *Gate) Close() {
	g.sub.Close()
}

// Resolve publishes a decision for the given request id. Approver frontends
// call this.
func Resolve(bus *eventbus.Bus, requestID string, approved bool, reason string) {
	bus.Publish(eventbus.Event{
		Type:    eventbus.ApprovalResolved,
		Payload: Decision{RequestID: requestID, Approved: approved, Reason: reason},
	})
}
