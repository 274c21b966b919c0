package domain

import (
	"github.com/shopspring/decimal"
)

// Plan building: converts the cycle position and the current price into the
// day's order specs. Buy sizing branches on the round counter T relative to
// the division count; sells are built when the profit trigger crosses.

const maxLadderOrders = 10

var oneCent = decimal.NewFromFloat(0.01)

// BuildBuyPlan returns the buy orders for one scheduled round.
//
// Before the midpoint of the campaign the daily allotment splits between a
// star buy at the star price and a baseline buy at the average cost; past the
// midpoint the whole allotment rides on the star trigger. Either branch adds
// a descending ladder of supplemental buys down to the drawdown floor.
func BuildBuyPlan(c *Cycle, price decimal.Decimal) []OrderSpec {
	if price.LessThanOrEqual(decimal.Zero) {
		return nil
	}
	daily := c.Params.DailyAllotment()

	avg, ok := c.AvgCost()
	if !ok {
		// First round of a cycle: no cost basis to compare a star drop
		// against, so the baseline buy takes the full allotment at market.
		qty := daily.Div(price).Floor()
		if qty.LessThanOrEqual(decimal.Zero) {
			return nil
		}
		return []OrderSpec{{
			Side:  SideBuy,
			Class: ClassLOC,
			Tag:   "baseline_buy",
			Qty:   qty,
			Price: price,
		}}
	}

	star, _ := c.StarPrice()
	specs := make([]OrderSpec, 0, 2+maxLadderOrders)

	half := decimal.NewFromInt(int64(c.Params.DivisionCount)).Div(decimal.NewFromInt(2))
	two := decimal.NewFromInt(2)

	var starQty, baseQty decimal.Decimal
	if c.Round().LessThanOrEqual(half) {
		starQty = daily.Div(two).Div(star).Floor()
		if starQty.GreaterThan(decimal.Zero) {
			specs = append(specs, OrderSpec{
				Side:  SideBuy,
				Class: ClassLOC,
				Tag:   "star_buy",
				Qty:   starQty,
				Price: star,
			})
		}
		baseQty = daily.Div(price).Floor().Sub(starQty)
		if baseQty.GreaterThan(decimal.Zero) {
			specs = append(specs, OrderSpec{
				Side:  SideBuy,
				Class: ClassLOC,
				Tag:   "baseline_buy",
				Qty:   baseQty,
				Price: avg,
			})
		}
	} else {
		// Past the midpoint the entire allotment waits for the star drop.
		starQty = daily.Div(star).Floor()
		if starQty.GreaterThan(decimal.Zero) {
			specs = append(specs, OrderSpec{
				Side:  SideBuy,
				Class: ClassLOC,
				Tag:   "star_buy_full",
				Qty:   starQty,
				Price: star,
			})
		}
	}

	specs = append(specs, buildLadder(c, price, avg, daily, starQty.Add(baseQty))...)
	return specs
}

// buildLadder emits small supplemental buys at descending prices between the
// average cost and the configured drawdown floor, so intraday drops are
// captured without waiting for the next scheduled round. When the average
// cost sits materially above the market, adjacent levels coalesce into
// double-quantity orders to bound the order count.
func buildLadder(c *Cycle, price, avg, daily, plannedQty decimal.Decimal) []OrderSpec {
	floor := avg.Mul(decimal.NewFromInt(1).Sub(c.Params.MaxDrawdownPercent.Div(decimal.NewFromInt(percentDivisor))))
	if floor.LessThanOrEqual(decimal.Zero) {
		return nil
	}

	// Coalesce when avg cost exceeds market by more than the star ratio.
	coalesce := avg.GreaterThan(price.Mul(decimal.NewFromInt(1).Add(c.Params.StarRatioPercent.Div(decimal.NewFromInt(percentDivisor)))))
	step := 1
	qty := decimal.NewFromInt(1)
	if coalesce {
		step = 2
		qty = decimal.NewFromInt(2)
	}

	base := plannedQty.Add(decimal.NewFromInt(1))
	specs := make([]OrderSpec, 0, maxLadderOrders)
	for i := 0; i < maxLadderOrders*8 && len(specs) < maxLadderOrders; i += step {
		level := daily.Div(base.Add(decimal.NewFromInt(int64(i))))
		if level.LessThan(floor) {
			break
		}
		if level.GreaterThanOrEqual(avg) || level.GreaterThanOrEqual(price) {
			continue
		}
		specs = append(specs, OrderSpec{
			Side:  SideBuy,
			Class: ClassLOC,
			Tag:   "ladder_buy",
			Qty:   qty,
			Price: level,
		})
	}
	return specs
}

// BuildSellPlan returns the profit-taking orders for the held position:
// a post-close sell of the bulk at the interpolated profit price, plus an
// independent resting star-sell of a configured fraction just above the star
// level to realize partial gains early.
func BuildSellPlan(c *Cycle) []OrderSpec {
	if c.Shares.LessThanOrEqual(decimal.Zero) {
		return nil
	}
	profitPrice, ok := c.ProfitPrice()
	if !ok {
		return nil
	}
	star, _ := c.StarPrice()

	specs := make([]OrderSpec, 0, 2)

	starSellQty := c.Shares.Mul(c.Params.StarSellFraction).Floor()
	if starSellQty.GreaterThan(decimal.Zero) {
		specs = append(specs, OrderSpec{
			Side:  SideSell,
			Class: ClassLimit,
			Tag:   "star_sell",
			Qty:   starSellQty,
			Price: star.Add(oneCent),
		})
	}

	profitQty := c.Shares.Sub(starSellQty)
	if profitQty.GreaterThan(decimal.Zero) {
		specs = append(specs, OrderSpec{
			Side:  SideSell,
			Class: ClassLOC,
			Tag:   "profit_sell",
			Qty:   profitQty,
			Price: profitPrice,
		})
	}
	return specs
}

// StarBuyTriggered reports whether the market price dropped far enough below
// the average cost for the star buy to fire on this evaluation.
func StarBuyTriggered(c *Cycle, price decimal.Decimal) bool {
	star, ok := c.StarPrice()
	if !ok {
		return false
	}
	return price.LessThanOrEqual(star)
}

// ProfitTriggered reports whether the market price crossed the profit-taking
// threshold.
func ProfitTriggered(c *Cycle, price decimal.Decimal) bool {
	target, ok := c.ProfitPrice()
	if !ok {
		return false
	}
	return price.GreaterThanOrEqual(target)
}
