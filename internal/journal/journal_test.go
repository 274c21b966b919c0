package journal

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/quantfu/ibot/internal/domain"
)

func testOrder(tag string) *domain.Order {
	return &domain.Order{
		ID:      "ord-" + tag,
		CycleID: "cyc-1",
		Symbol:  "SOXL",
		Side:    domain.SideBuy,
		Class:   domain.ClassLOC,
		Tag:     tag,
		Qty:     decimal.NewFromInt(5),
		Price:   decimal.RequireFromString("94.00"),
	}
}

func TestPrepareAndResolve(t *testing.T) {
	dir := t.TempDir()
	j, err := Open(dir, "SOXL", zap.NewNop())
	require.NoError(t, err)
	defer j.Close()

	in, err := j.Prepare(testOrder("star_buy"))
	require.NoError(t, err)
	require.Equal(t, StatusPending, in.Status)
	require.Len(t, j.Unresolved(), 1)

	require.NoError(t, j.MarkSubmitted(in, "B123"))
	require.Len(t, j.Unresolved(), 1, "submitted intents are still unresolved")

	require.NoError(t, j.MarkDone(in))
	require.Empty(t, j.Unresolved())
}

func TestRecoverAfterReopen(t *testing.T) {
	dir := t.TempDir()
	j, err := Open(dir, "SOXL", zap.NewNop())
	require.NoError(t, err)

	done, err := j.Prepare(testOrder("baseline_buy"))
	require.NoError(t, err)
	require.NoError(t, j.MarkSubmitted(done, "B1"))
	require.NoError(t, j.MarkDone(done))

	inflight, err := j.Prepare(testOrder("star_buy"))
	require.NoError(t, err)
	require.NoError(t, j.MarkSubmitted(inflight, "B2"))

	ambiguous, err := j.Prepare(testOrder("ladder_buy"))
	require.NoError(t, err)

	require.NoError(t, j.Close())

	j2, err := Open(dir, "SOXL", zap.NewNop())
	require.NoError(t, err)
	defer j2.Close()

	open := j2.Unresolved()
	require.Len(t, open, 2)
	require.Equal(t, inflight.ID, open[0].ID)
	require.Equal(t, "B2", open[0].BrokerOrderID)
	require.Equal(t, ambiguous.ID, open[1].ID)
	require.Empty(t, open[1].BrokerOrderID, "never-acknowledged intent has no broker id")
}

func TestMarkFailedKeepsCause(t *testing.T) {
	dir := t.TempDir()
	j, err := Open(dir, "SOXL", zap.NewNop())
	require.NoError(t, err)
	defer j.Close()

	in, err := j.Prepare(testOrder("star_buy"))
	require.NoError(t, err)
	require.NoError(t, j.MarkFailed(in, assertErr("rejected: insufficient funds")))
	require.Empty(t, j.Unresolved())
	require.Equal(t, "rejected: insufficient funds", in.Error)
}

type assertErr string

func (e assertErr) Error() string { return string(e) }
