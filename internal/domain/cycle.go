// Package domain holds the core types of the infinite-buying strategy:
// cycles, orders, daily order plans and the persisted snapshot.
package domain

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

const percentDivisor = 100

// CycleStatus is the lifecycle state of a DCA campaign.
type CycleStatus string

const (
	CycleIdle          CycleStatus = "idle"
	CycleAccumulating  CycleStatus = "accumulating"
	CycleProfitPending CycleStatus = "profit_pending"
	CycleCompleted     CycleStatus = "completed"
)

func (s CycleStatus) Valid() bool {
	switch s {
	case CycleIdle, CycleAccumulating, CycleProfitPending, CycleCompleted:
		return true
	}
	return false
}

// Active reports whether the cycle still owns a position or may open one today.
func (s CycleStatus) Active() bool {
	return s == CycleAccumulating || s == CycleProfitPending
}

// ActionID identifies a scheduled daily action for idempotency tracking.
type ActionID string

const (
	ActionCycleStart    ActionID = "cycle_start_check"
	ActionPrepareOrders ActionID = "pre_session_prepare"
	ActionExecuteOrders ActionID = "post_open_execute"
	ActionCycleEndCheck ActionID = "post_close_end_check"
)

// DayLog records which scheduled actions already fired on a given date.
// It replaces loosely named per-day booleans with an explicit completed set.
type DayLog struct {
	Date string     `json:"date"`
	Done []ActionID `json:"done,omitempty"`
}

// Reset clears the log for a new calendar date.
func (d *DayLog) Reset(date string) {
	d.Date = date
	d.Done = d.Done[:0]
}

func (d *DayLog) IsDone(date string, action ActionID) bool {
	if d.Date != date {
		return false
	}
	for _, a := range d.Done {
		if a == action {
			return true
		}
	}
	return false
}

func (d *DayLog) MarkDone(date string, action ActionID) {
	if d.Date != date {
		d.Reset(date)
	}
	if d.IsDone(date, action) {
		return
	}
	d.Done = append(d.Done, action)
}

func (d *DayLog) ClearDone(date string, action ActionID) {
	if d.Date != date {
		return
	}
	for i, a := range d.Done {
		if a == action {
			d.Done = append(d.Done[:i], d.Done[i+1:]...)
			return
		}
	}
}

// Params are the configured knobs of one infinite-buying campaign.
type Params struct {
	TotalInvestment    decimal.Decimal `json:"total_investment"`
	DivisionCount      int             `json:"division_count"`
	StarRatioPercent   decimal.Decimal `json:"star_ratio_percent"`
	MinProfitPercent   decimal.Decimal `json:"min_profit_percent"`
	MaxProfitPercent   decimal.Decimal `json:"max_profit_percent"`
	MaxDrawdownPercent decimal.Decimal `json:"max_drawdown_percent"`
	StarSellFraction   decimal.Decimal `json:"star_sell_fraction"`
}

func (p Params) Validate() error {
	if p.TotalInvestment.LessThanOrEqual(decimal.Zero) {
		return fmt.Errorf("total investment must be positive, got %s", p.TotalInvestment)
	}
	if p.DivisionCount < 1 {
		return fmt.Errorf("division count must be >= 1, got %d", p.DivisionCount)
	}
	if p.StarRatioPercent.LessThanOrEqual(decimal.Zero) {
		return fmt.Errorf("star ratio must be positive, got %s", p.StarRatioPercent)
	}
	if p.MinProfitPercent.LessThanOrEqual(decimal.Zero) || p.MaxProfitPercent.LessThan(p.MinProfitPercent) {
		return fmt.Errorf("profit ratios invalid: min %s max %s", p.MinProfitPercent, p.MaxProfitPercent)
	}
	if p.MaxDrawdownPercent.LessThanOrEqual(decimal.Zero) {
		return fmt.Errorf("max drawdown must be positive, got %s", p.MaxDrawdownPercent)
	}
	if p.StarSellFraction.LessThanOrEqual(decimal.Zero) || p.StarSellFraction.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return fmt.Errorf("star sell fraction must be in (0,1), got %s", p.StarSellFraction)
	}
	return nil
}

// DailyAllotment is the capital committed per round.
func (p Params) DailyAllotment() decimal.Decimal {
	return p.TotalInvestment.Div(decimal.NewFromInt(int64(p.DivisionCount)))
}

// Cycle is one accumulate-then-liquidate campaign for a single instrument.
// Exactly one non-completed cycle exists per instrument at a time.
type Cycle struct {
	ID        string      `json:"id"`
	Symbol    string      `json:"symbol"`
	Status    CycleStatus `json:"status"`
	StartedAt time.Time   `json:"started_at,omitempty"`
	EndedAt   time.Time   `json:"ended_at,omitempty"`

	Params Params `json:"params"`

	// Position. AvgCost is meaningless while Shares is zero; use AvgCost().
	Shares   decimal.Decimal `json:"shares"`
	RawAvg   decimal.Decimal `json:"avg_cost"`
	Invested decimal.Decimal `json:"invested"`
	Realized decimal.Decimal `json:"realized"`

	// Planned holds the order specs prepared pre-session and not yet submitted.
	Planned []OrderSpec `json:"planned,omitempty"`

	Day DayLog `json:"day"`
}

// NewCycle creates an idle cycle for the instrument.
func NewCycle(id, symbol string, params Params) *Cycle {
	return &Cycle{
		ID:       id,
		Symbol:   symbol,
		Status:   CycleIdle,
		Params:   params,
		Shares:   decimal.Zero,
		RawAvg:   decimal.Zero,
		Invested: decimal.Zero,
		Realized: decimal.Zero,
	}
}

// AvgCost returns the average cost basis and whether it is defined.
// It is undefined whenever no shares are held.
func (c *Cycle) AvgCost() (decimal.Decimal, bool) {
	if c.Shares.LessThanOrEqual(decimal.Zero) {
		return decimal.Zero, false
	}
	return c.RawAvg, true
}

// Round returns the fractional round counter T = invested / daily allotment.
// T never decreases within a cycle because Invested only grows.
func (c *Cycle) Round() decimal.Decimal {
	daily := c.Params.DailyAllotment()
	if daily.LessThanOrEqual(decimal.Zero) {
		return decimal.Zero
	}
	return c.Invested.Div(daily)
}

// Progress is T / division count clamped to [0, 1].
func (c *Cycle) Progress() decimal.Decimal {
	p := c.Round().Div(decimal.NewFromInt(int64(c.Params.DivisionCount)))
	one := decimal.NewFromInt(1)
	if p.GreaterThan(one) {
		return one
	}
	if p.LessThan(decimal.Zero) {
		return decimal.Zero
	}
	return p
}

// ProfitRatioPercent interpolates between max and min profit ratios as the
// cycle progresses: early rounds demand the max, late rounds accept the min.
func (c *Cycle) ProfitRatioPercent() decimal.Decimal {
	p := c.Progress()
	one := decimal.NewFromInt(1)
	return c.Params.MaxProfitPercent.Mul(one.Sub(p)).Add(c.Params.MinProfitPercent.Mul(p))
}

// ProfitPrice is the profit-taking trigger: avg cost * (1 + profit ratio).
// Returns false when avg cost is undefined.
func (c *Cycle) ProfitPrice() (decimal.Decimal, bool) {
	avg, ok := c.AvgCost()
	if !ok {
		return decimal.Zero, false
	}
	ratio := c.ProfitRatioPercent().Div(decimal.NewFromInt(percentDivisor))
	return avg.Mul(decimal.NewFromInt(1).Add(ratio)), true
}

// StarPrice is the escalated-buy trigger below avg cost.
// Returns false when avg cost is undefined.
func (c *Cycle) StarPrice() (decimal.Decimal, bool) {
	avg, ok := c.AvgCost()
	if !ok {
		return decimal.Zero, false
	}
	ratio := c.Params.StarRatioPercent.Div(decimal.NewFromInt(percentDivisor))
	return avg.Mul(decimal.NewFromInt(1).Sub(ratio)), true
}

// Start moves an idle cycle into accumulation.
func (c *Cycle) Start(now time.Time) error {
	if c.Status != CycleIdle {
		return fmt.Errorf("cannot start cycle in status %s", c.Status)
	}
	c.Status = CycleAccumulating
	c.StartedAt = now
	c.EndedAt = time.Time{}
	return nil
}

// MarkProfitPending records that profit-taking orders are out.
func (c *Cycle) MarkProfitPending() error {
	if c.Status != CycleAccumulating {
		return fmt.Errorf("cannot enter profit_pending from %s", c.Status)
	}
	c.Status = CycleProfitPending
	return nil
}

// Complete closes the cycle once the position has returned to zero.
func (c *Cycle) Complete(now time.Time) error {
	if !c.Status.Active() {
		return fmt.Errorf("cannot complete cycle in status %s", c.Status)
	}
	if c.Shares.GreaterThan(decimal.Zero) {
		return fmt.Errorf("cannot complete cycle with %s shares held", c.Shares)
	}
	c.Status = CycleCompleted
	c.EndedAt = now
	return nil
}

// ResetForNext clears position, round counter and daily flags so the next
// qualifying start trigger opens a fresh campaign. The new cycle id is
// assigned by the caller at start time.
func (c *Cycle) ResetForNext(id string) {
	c.ID = id
	c.Status = CycleIdle
	c.StartedAt = time.Time{}
	c.EndedAt = time.Time{}
	c.Shares = decimal.Zero
	c.RawAvg = decimal.Zero
	c.Invested = decimal.Zero
	c.Realized = decimal.Zero
	c.Planned = nil
	c.Day = DayLog{}
}

// ApplyBuyFill folds a buy fill into the running cost basis:
// avg' = (avg*shares + price*qty) / (shares + qty).
func (c *Cycle) ApplyBuyFill(qty, price decimal.Decimal) error {
	if qty.LessThanOrEqual(decimal.Zero) || price.LessThanOrEqual(decimal.Zero) {
		return fmt.Errorf("invalid buy fill: qty %s price %s", qty, price)
	}
	cost := qty.Mul(price)
	newShares := c.Shares.Add(qty)
	c.RawAvg = c.RawAvg.Mul(c.Shares).Add(cost).Div(newShares)
	c.Shares = newShares
	c.Invested = c.Invested.Add(cost)
	return nil
}

// ApplySellFill reduces the position; avg cost is untouched until the
// position empties, at which point it becomes undefined.
func (c *Cycle) ApplySellFill(qty, price decimal.Decimal) error {
	if qty.LessThanOrEqual(decimal.Zero) || price.LessThanOrEqual(decimal.Zero) {
		return fmt.Errorf("invalid sell fill: qty %s price %s", qty, price)
	}
	if qty.GreaterThan(c.Shares) {
		return fmt.Errorf("sell fill %s exceeds held shares %s", qty, c.Shares)
	}
	c.Shares = c.Shares.Sub(qty)
	c.Realized = c.Realized.Add(qty.Mul(price))
	if c.Shares.IsZero() {
		c.RawAvg = decimal.Zero
	}
	return nil
}

// AdoptPosition overwrites the local position with broker-reported ground
// truth, used when no trustworthy snapshot exists.
func (c *Cycle) AdoptPosition(shares, avgCost decimal.Decimal) {
	c.Shares = shares
	c.RawAvg = avgCost
	c.Invested = shares.Mul(avgCost)
	if shares.GreaterThan(decimal.Zero) {
		c.Status = CycleAccumulating
	}
}

func (c *Cycle) Validate() error {
	if c.ID == "" {
		return fmt.Errorf("cycle id is empty")
	}
	if c.Symbol == "" {
		return fmt.Errorf("cycle symbol is empty")
	}
	if !c.Status.Valid() {
		return fmt.Errorf("unknown cycle status %q", c.Status)
	}
	if c.Shares.LessThan(decimal.Zero) {
		return fmt.Errorf("negative shares %s", c.Shares)
	}
	if c.Invested.LessThan(decimal.Zero) {
		return fmt.Errorf("negative invested %s", c.Invested)
	}
	return c.Params.Validate()
}

// DateKey formats a wall-clock instant as the daily idempotency key.
func DateKey(t time.Time) string {
	return t.Format("2006-01-02")
}
