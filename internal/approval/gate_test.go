package approval

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/quantfu/ibot/internal/eventbus"
)

// approver auto-resolves every request it sees.
func approver(t *testing.T, bus *eventbus.Bus, approve bool) *eventbus.Subscription {
	t.Helper()
	return bus.Subscribe("approver", func(e eventbus.Event) {
		req, ok := e.Payload.(Request)
		require.True(t, ok)
		Resolve(bus, req.ID, approve, "test")
	}, eventbus.ApprovalRequested)
}

func TestRequestApproved(t *testing.T) {
	bus := eventbus.New(zap.NewNop())
	defer bus.Close()
	sub := approver(t, bus, true)
	defer sub.Close()

	g := NewGate(bus, time.Second, zap.NewNop())
	defer g.Close()

	ok, err := g.Request(context.Background(), "SOXL", "buy plan", nil)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestRequestRejected(t *testing.T) {
	bus := eventbus.New(zap.NewNop())
	defer bus.Close()
	sub := approver(t, bus, false)
	defer sub.Close()

	g := NewGate(bus, time.Second, zap.NewNop())
	defer g.Close()

	ok, err := g.Request(context.Background(), "SOXL", "buy plan", nil)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestSilenceIsRejection(t *testing.T) {
	bus := eventbus.New(zap.NewNop())
	defer bus.Close()

	g := NewGate(bus, 50*time.Millisecond, zap.NewNop())
	defer g.Close()

	start := time.Now()
	ok, err := g.Request(context.Background(), "SOXL", "buy plan", nil)
	require.NoError(t, err)
	require.False(t, ok)
	require.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
}

func TestUnknownDecisionIgnored(t *testing.T) {
	bus := eventbus.New(zap.NewNop())
	defer bus.Close()

	g := NewGate(bus, 80*time.Millisecond, zap.NewNop())
	defer g.Close()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		// a stale decision for some other request must not satisfy ours
		Resolve(bus, "someone-else", true, "")
	}()

	ok, err := g.Request(context.Background(), "SOXL", "buy plan", nil)
	require.NoError(t, err)
	require.False(t, ok)
	wg.Wait()
}

func TestContextCancellation(t *testing.T) {
	bus := eventbus.New(zap.NewNop())
	defer bus.Close()

	g := NewGate(bus, time.Minute, zap.NewNop())
	defer g.Close()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, err := g.Request(ctx, "SOXL", "buy plan", nil)
	require.ErrorIs(t, err, context.Canceled)
}
