package domain

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func TestPolicyForClasses(t *testing.T) {
	market := PolicyFor(ClassMarket)
	require.Equal(t, 10*time.Second, market.FirstCheckAfter)
	require.Zero(t, market.RecheckEvery, "market orders are checked once")
	require.Equal(t, GateNone, market.Gate)

	limit := PolicyFor(ClassLimit)
	require.Equal(t, 30*time.Second, limit.FirstCheckAfter)
	require.Equal(t, GateSessionOpen, limit.Gate)
	require.Equal(t, 24*time.Hour, limit.TTL)

	loc := PolicyFor(ClassLOC)
	require.Equal(t, GateAfterClose, loc.Gate, "LOC orders fill at the closing auction only")

	after := PolicyFor(ClassAfterHours)
	require.Equal(t, GateExtendedHours, after.Gate)
	require.Equal(t, time.Minute, after.FirstCheckAfter)
}

func TestOrderExpired(t *testing.T) {
	now := time.Now()
	o := &Order{
		ID:          "o1",
		Symbol:      "SOXL",
		Side:        SideBuy,
		Class:       ClassMarket,
		Qty:         decimal.NewFromInt(1),
		Status:      StatusPending,
		SubmittedAt: now.Add(-10 * time.Minute),
	}

	require.True(t, o.Expired(now), "market order past its TTL must expire")

	o.Status = StatusFilled
	require.False(t, o.Expired(now), "terminal orders never expire")

	fresh := &Order{Class: ClassLimit, Status: StatusPending, SubmittedAt: now.Add(-time.Hour)}
	require.False(t, fresh.Expired(now))
}

func TestOrderStatusTerminal(t *testing.T) {
	require.True(t, StatusFilled.Terminal())
	require.True(t, StatusCancelled.Terminal())
	require.True(t, StatusExpired.Terminal())
	require.False(t, StatusPending.Terminal())
	require.False(t, StatusPartiallyFilled.Terminal())
}
