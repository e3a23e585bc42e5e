package market

import (
	"sort"

	"github.com/market-aggregator/internal/types"
	"github.com/shopspring/decimal"
)

type positionAcc struct {
	itemID       string
	bought       int64
	sold         int64
	spent        decimal.Decimal
	earned       decimal.Decimal
	currentPrice float64
	priceAt      int64
}

// PnLResult is the outcome of ComputePnL.
type PnLResult struct {
	Summary   types.PnLSummary
	Positions []types.PnLPosition
	Timeline  []types.PnLTimelinePoint
	// Inconsistent lists positions that sold more than they bought
	Inconsistent []types.PnLPosition
}

// ComputePnL builds a user's positions from the transfers they bought and the
// listings they sold through. Realized PnL is earned minus spent per item,
// without lot matching. Unrealized PnL values the open balance of each
// position at the item's latest known price.
func ComputePnL(purchases []types.Transfer, listings []types.Listing) PnLResult {
	accs := make(map[string]*positionAcc)
	get := func(itemID string) *positionAcc {
		acc, ok := accs[itemID]
		if !ok {
			acc = &positionAcc{itemID: itemID, spent: decimal.Zero, earned: decimal.Zero}
			accs[itemID] = acc
		}
		return acc
	}

	timeline := make([]types.PnLTimelinePoint, 0, len(purchases))

	for _, p := range purchases {
		acc := get(p.ItemID)
		acc.bought += p.Amount
		acc.spent = acc.spent.Add(dec(p.TotalValueETH))
		if p.Timestamp >= acc.priceAt {
			acc.currentPrice = p.ItemCurrentPriceETH
			acc.priceAt = p.Timestamp
		}
		timeline = append(timeline, types.PnLTimelinePoint{
			Timestamp: p.Timestamp,
			PnLChange: -p.TotalValueETH,
			Type:      types.SideBuy,
			ItemID:    p.ItemID,
		})
	}

	for _, l := range listings {
		for _, s := range l.Sales {
			itemID := s.ItemID
			if itemID == "" {
				itemID = l.ItemID
			}
			acc := get(itemID)
			acc.sold += s.Amount
			acc.earned = acc.earned.Add(dec(s.TotalValueETH))
			timeline = append(timeline, types.PnLTimelinePoint{
				Timestamp: s.Timestamp,
				PnLChange: s.TotalValueETH,
				Type:      types.SideSell,
				ItemID:    itemID,
			})
		}
	}

	result := PnLResult{
		Positions:    make([]types.PnLPosition, 0, len(accs)),
		Inconsistent: []types.PnLPosition{},
	}

	// Totals cover every item so they agree with the timeline; zero-amount
	// items only drop out of the position list.
	totalSpent, totalEarned, unrealized := decimal.Zero, decimal.Zero, decimal.Zero
	var itemsBought, itemsSold int64
	for _, acc := range accs {
		totalSpent = totalSpent.Add(acc.spent)
		totalEarned = totalEarned.Add(acc.earned)
		itemsBought += acc.bought
		itemsSold += acc.sold
		if acc.bought <= 0 && acc.sold <= 0 {
			continue
		}
		pos := buildPosition(acc)
		unrealized = unrealized.Add(dec(pos.UnrealizedPnL))
		if pos.Inconsistent {
			result.Inconsistent = append(result.Inconsistent, pos)
		}
		result.Positions = append(result.Positions, pos)
	}

	sort.Slice(result.Positions, func(i, j int) bool {
		a, b := result.Positions[i], result.Positions[j]
		if a.RealizedPnL != b.RealizedPnL {
			return a.RealizedPnL > b.RealizedPnL
		}
		return a.ItemID < b.ItemID
	})

	result.Timeline = cumulate(timeline)

	spent := toFloat(totalSpent)
	earned := toFloat(totalEarned)
	realized := earned - spent
	open := toFloat(unrealized)
	result.Summary = types.PnLSummary{
		TotalPurchases: itemsBought,
		TotalSales:     itemsSold,
		TotalSpentETH:  spent,
		TotalEarnedETH: earned,
		RealizedPnL:    realized,
		UnrealizedPnL:  open,
		TotalPnL:       realized + open,
		TotalVolumeETH: toFloat(totalSpent.Add(totalEarned)),
	}
	return result
}

func buildPosition(acc *positionAcc) types.PnLPosition {
	spent := toFloat(acc.spent)
	earned := toFloat(acc.earned)
	pos := types.PnLPosition{
		ItemID:          acc.itemID,
		TotalPurchased:  acc.bought,
		TotalSold:       acc.sold,
		CurrentBalance:  acc.bought - acc.sold,
		TotalSpentETH:   spent,
		TotalEarnedETH:  earned,
		CurrentPriceETH: acc.currentPrice,
		RealizedPnL:     toFloat(acc.earned.Sub(acc.spent)),
	}
	if acc.bought > 0 {
		pos.AvgPurchasePriceETH = toFloat(acc.spent.Div(decimal.NewFromInt(acc.bought)))
	}
	if acc.sold > 0 {
		pos.AvgSalePriceETH = toFloat(acc.earned.Div(decimal.NewFromInt(acc.sold)))
	}
	switch {
	case pos.CurrentBalance > 0:
		pos.UnrealizedPnL = toFloat(dec(acc.currentPrice).
			Sub(dec(pos.AvgPurchasePriceETH)).
			Mul(decimal.NewFromInt(pos.CurrentBalance)))
	case pos.CurrentBalance < 0:
		pos.Inconsistent = true
	}
	return pos
}

func cumulate(points []types.PnLTimelinePoint) []types.PnLTimelinePoint {
	sort.SliceStable(points, func(i, j int) bool {
		return points[i].Timestamp < points[j].Timestamp
	})
	running := decimal.Zero
	for i := range points {
		running = running.Add(dec(points[i].PnLChange))
		points[i].CumulativePnL = toFloat(running)
	}
	return points
}
