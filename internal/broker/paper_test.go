package broker

import (
	"context"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/quantfu/ibot/internal/domain"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func buyReq(qty, price string) OrderRequest {
	return OrderRequest{
		Symbol: "SOXL",
		Side:   domain.SideBuy,
		Class:  domain.ClassLOC,
		Qty:    dec(qty),
		Price:  dec(price),
	}
}

func TestPaperFillBooksPosition(t *testing.T) {
	p := NewPaper()
	ctx := context.Background()

	id1, err := p.SubmitOrder(ctx, buyReq("10", "100"))
	require.NoError(t, err)
	require.NoError(t, p.Fill(id1, dec("100")))

	id2, err := p.SubmitOrder(ctx, buyReq("10", "90"))
	require.NoError(t, err)
	require.NoError(t, p.Fill(id2, dec("90")))

	pos, err := p.GetPosition(ctx, "SOXL")
	require.NoError(t, err)
	require.True(t, pos.Qty.Equal(dec("20")))
	require.True(t, pos.AvgCost.Equal(dec("95")), "avg cost got %s", pos.AvgCost)
}

func TestPaperSellClearsPosition(t *testing.T) {
	p := NewPaper()
	ctx := context.Background()
	p.AdoptPosition("SOXL", dec("20"), dec("95"))

	sell := OrderRequest{
		Symbol: "SOXL",
		Side:   domain.SideSell,
		Class:  domain.ClassLimit,
		Qty:    dec("20"),
		Price:  dec("105"),
	}
	id, err := p.SubmitOrder(ctx, sell)
	require.NoError(t, err)
	require.NoError(t, p.Fill(id, dec("105")))

	pos, err := p.GetPosition(ctx, "SOXL")
	require.NoError(t, err)
	require.True(t, pos.Qty.IsZero())
	require.True(t, pos.AvgCost.IsZero())
}

func TestPaperPartialFill(t *testing.T) {
	p := NewPaper()
	ctx := context.Background()

	id, err := p.SubmitOrder(ctx, buyReq("10", "100"))
	require.NoError(t, err)
	require.NoError(t, p.FillPartial(id, dec("4"), dec("99")))

	st, err := p.GetOrderStatus(ctx, id)
	require.NoError(t, err)
	require.Equal(t, domain.StatusPartiallyFilled, st.Status)
	require.True(t, st.FilledQty.Equal(dec("4")))

	require.NoError(t, p.FillPartial(id, dec("6"), dec("100")))
	st, err = p.GetOrderStatus(ctx, id)
	require.NoError(t, err)
	require.Equal(t, domain.StatusFilled, st.Status)
}

func TestPaperCancel(t *testing.T) {
	p := NewPaper()
	ctx := context.Background()

	id, err := p.SubmitOrder(ctx, buyReq("10", "100"))
	require.NoError(t, err)
	require.NoError(t, p.CancelOrder(ctx, id))

	st, err := p.GetOrderStatus(ctx, id)
	require.NoError(t, err)
	require.Equal(t, domain.StatusCancelled, st.Status)

	require.Error(t, p.Fill(id, dec("100")), "terminal order must not fill")
	require.Empty(t, p.Resting())
}

func TestPaperUnknownOrder(t *testing.T) {
	p := NewPaper()
	_, err := p.GetOrderStatus(context.Background(), "nope")
	require.ErrorIs(t, err, ErrOrderNotFound)
}

func TestReliableRetriesTransientReads(t *testing.T) {
	p := NewPaper()
	p.SetPrice(dec("93.50"))
	p.FailCalls(2)

	r := NewReliable(p, time.Second)
	price, err := r.GetCurrentPrice(context.Background(), "SOXL")
	require.NoError(t, err)
	require.True(t, price.Equal(dec("93.50")))
}

func TestReliableDoesNotRetrySubmit(t *testing.T) {
	p := NewPaper()
	p.FailCalls(1)

	r := NewReliable(p, time.Second)
	_, err := r.SubmitOrder(context.Background(), buyReq("10", "100"))
	require.Error(t, err)
	require.True(t, errors.Is(err, ErrTransient))
	require.Empty(t, p.Resting(), "a failed submit must not leave a resting order")
}
