package market

import (
	"strconv"

	"github.com/market-aggregator/internal/types"
	"github.com/shopspring/decimal"
)

// PriceFill walks asks from the cheapest up and prices buying amount items.
// When the listings cannot cover amount, the remainder is priced at the last
// (most expensive) ask and reported as an extrapolated step. No asks yields
// a zero cost and no steps.
func PriceFill(asks []types.Listing, amount int64) (float64, []types.FillStep) {
	steps := []types.FillStep{}
	if amount <= 0 || len(asks) == 0 {
		return 0, steps
	}

	total := decimal.Zero
	remaining := amount
	for _, l := range asks {
		if remaining <= 0 {
			break
		}
		if l.AmountRemaining <= 0 {
			continue
		}
		take := min(remaining, l.AmountRemaining)
		cost := dec(l.PricePerItemETH).Mul(decimal.NewFromInt(take))
		total = total.Add(cost)
		remaining -= take
		steps = append(steps, types.FillStep{
			ListingID: l.ID,
			Amount:    take,
			Price:     l.PricePerItemETH,
			Cost:      toFloat(cost),
		})
	}

	if remaining > 0 {
		lastPrice := asks[len(asks)-1].PricePerItemETH
		cost := dec(lastPrice).Mul(decimal.NewFromInt(remaining))
		total = total.Add(cost)
		steps = append(steps, types.FillStep{
			Amount:       remaining,
			Price:        lastPrice,
			Cost:         toFloat(cost),
			Extrapolated: true,
		})
	}
	return toFloat(total), steps
}

// PriceDeal prices a recipe's first input against that item's asks. A deal is
// tradeable only when its input has a positive market cost. Totals with the
// multiplier assume the recipe is completed MaxCompletions times.
func PriceDeal(recipe types.Recipe, asks []types.Listing) types.Deal {
	deal := types.Deal{
		RecipeID:       recipe.ID,
		Name:           recipe.Name,
		MaxCompletions: recipe.MaxCompletions,
		PriceBreakdown: []types.FillStep{},
	}
	if deal.MaxCompletions <= 0 {
		deal.MaxCompletions = 1
	}
	deal.RemainingExecutions = deal.MaxCompletions
	if len(recipe.InputIDs) > 0 {
		deal.InputID = strconv.FormatInt(recipe.InputIDs[0], 10)
	}
	if len(recipe.InputAmounts) > 0 {
		deal.InputAmount = recipe.InputAmounts[0]
	}
	if len(recipe.LootAmounts) > 0 {
		deal.StubsReceived = recipe.LootAmounts[0]
	}

	deal.TotalCost, deal.PriceBreakdown = PriceFill(asks, deal.InputAmount)
	deal.IsTradeable = deal.TotalCost > 0
	if deal.StubsReceived > 0 {
		deal.CostPerStub = SafeRatio(deal.TotalCost, float64(deal.StubsReceived))
	}

	deal.TotalInputAmount = deal.InputAmount * deal.MaxCompletions
	deal.TotalStubsReceived = deal.StubsReceived * deal.MaxCompletions
	deal.TotalCostWithMultiplier = toFloat(dec(deal.TotalCost).Mul(decimal.NewFromInt(deal.MaxCompletions)))
	if deal.TotalStubsReceived > 0 {
		deal.CostPerStubWithMultiplier = SafeRatio(deal.TotalCostWithMultiplier, float64(deal.TotalStubsReceived))
	}
	return deal
}

// TrackExecutions sets how often the player completed the deal's recipe in
// the current period. Weekly deals count against the week, daily deals
// against the day. A record from an earlier period counts as zero.
func TrackExecutions(deal types.Deal, weekly bool, now types.GameTime, executions map[string]types.RecipeExecution) types.Deal {
	exec, ok := executions[deal.RecipeID]
	if !ok {
		return deal
	}
	var done int64
	switch {
	case weekly && exec.Week == now.CurrentWeek:
		done = exec.WeekCount
	case !weekly && exec.Day == now.CurrentDay:
		done = exec.DayCount
	}
	deal.CurrentExecutions = done
	deal.RemainingExecutions = max(0, deal.MaxCompletions-done)
	return deal
}

// SummarizeDeals totals the multiplied cost and stubs of the tradeable deals.
// Deals without a market price are counted but excluded from the sums.
func SummarizeDeals(deals []types.Deal) types.DealTotals {
	totals := types.DealTotals{TotalDealsCount: len(deals)}
	cost := decimal.Zero
	for _, d := range deals {
		if !d.IsTradeable {
			continue
		}
		totals.TradeableDealsCount++
		cost = cost.Add(dec(d.TotalCostWithMultiplier))
		totals.TotalStubs += d.TotalStubsReceived
	}
	totals.TotalCost = toFloat(cost)
	totals.AvgCostPerStub = SafeRatio(totals.TotalCost, float64(totals.TotalStubs))
	return totals
}
