package market

import (
	"sort"
	"time"

	"github.com/market-aggregator/internal/types"
	"github.com/shopspring/decimal"
)

// DayWindows are the UTC-day statistics windows relative to a moment.
// Current is [today 00:00 UTC, now) and Previous is [yesterday 00:00 UTC, today 00:00 UTC).
type DayWindows struct {
	CurrentStart  int64
	CurrentEnd    int64
	PreviousStart int64
	PreviousEnd   int64
}

// UTCDayWindows computes the current and previous UTC-day windows for now.
func UTCDayWindows(now time.Time) DayWindows {
	utc := now.UTC()
	today := time.Date(utc.Year(), utc.Month(), utc.Day(), 0, 0, 0, 0, time.UTC)
	yesterday := today.AddDate(0, 0, -1)
	return DayWindows{
		CurrentStart:  today.Unix(),
		CurrentEnd:    utc.Unix(),
		PreviousStart: yesterday.Unix(),
		PreviousEnd:   today.Unix(),
	}
}

// SummarizeWindow totals the transfers of one window. The transfers are
// expected to be already restricted to [start, end).
func SummarizeWindow(start, end int64, transfers []types.Transfer) types.WindowTotals {
	volume := decimal.Zero
	var items int64
	for _, t := range transfers {
		volume = volume.Add(dec(t.TotalValueETH))
		items += t.Amount
	}
	return types.WindowTotals{
		Start:     start,
		End:       end,
		VolumeETH: toFloat(volume),
		ItemsSold: items,
		Trades:    len(transfers),
	}
}

// PriceChangePct compares the last price of the window to the first, by
// timestamp. One trade or fewer, or a zero first price, yields 0.
func PriceChangePct(transfers []types.Transfer) float64 {
	if len(transfers) <= 1 {
		return 0
	}
	sorted := chronological(transfers)
	first := sorted[0].PricePerItemETH
	last := sorted[len(sorted)-1].PricePerItemETH
	if first <= 0 {
		return 0
	}
	return PercentChange(last, first)
}

// PriceRange returns the min and max positive price of the window, falling
// back to fallback for both when the window has no positive price.
func PriceRange(transfers []types.Transfer, fallback float64) (float64, float64) {
	var lo, hi float64
	found := false
	for _, t := range transfers {
		p := t.PricePerItemETH
		if p <= 0 {
			continue
		}
		if !found {
			lo, hi = p, p
			found = true
			continue
		}
		if p < lo {
			lo = p
		}
		if p > hi {
			hi = p
		}
	}
	if !found {
		return fallback, fallback
	}
	return lo, hi
}

// ItemStatsInput gathers everything ComputeItemStats needs for one item.
type ItemStatsInput struct {
	Item     types.Item
	Current  []types.Transfer
	Previous []types.Transfer
	// FloorPrice is the best ask among the item's active listings
	FloorPrice float64
	Windows    DayWindows
	// MarketVolumeChange is the market-wide figure copied into every item
	MarketVolumeChange float64
}

// ComputeItemStats derives one item's current-day statistics and its change
// against the previous day.
func ComputeItemStats(in ItemStatsInput) types.ItemStats {
	current := SummarizeWindow(in.Windows.CurrentStart, in.Windows.CurrentEnd, in.Current)
	previous := SummarizeWindow(in.Windows.PreviousStart, in.Windows.PreviousEnd, in.Previous)
	minPrice, maxPrice := PriceRange(in.Current, in.Item.CurrentPriceETH)

	stats := types.ItemStats{
		ItemID:                in.Item.ID,
		TradeCount:            in.Item.TotalTrades,
		TotalItemsSold24h:     current.ItemsSold,
		TotalEthVolume24h:     current.VolumeETH,
		AvgPrice:              in.Item.CurrentPriceETH,
		MinPrice:              minPrice,
		MaxPrice:              maxPrice,
		CurrentPrice:          in.Item.CurrentPriceETH,
		FloorPrice:            in.FloorPrice,
		PriceChange24h:        PriceChangePct(in.Current),
		VolumeChange24h:       PercentChange(current.VolumeETH, previous.VolumeETH),
		ItemsSoldChange24h:    PercentChange(float64(current.ItemsSold), float64(previous.ItemsSold)),
		MarketVolumeChange24h: in.MarketVolumeChange,
		TotalVolumeETH:        in.Item.TotalVolumeETH,
		TotalItemsSold:        in.Item.TotalItemsSold,
		TotalTrades:           in.Item.TotalTrades,
		Current:               current,
		Previous:              previous,
	}
	if current.ItemsSold > 0 {
		stats.AvgPrice = SafeRatio(current.VolumeETH, float64(current.ItemsSold))
	}
	if len(in.Current) > 0 {
		stats.Price24hAgo = chronological(in.Current)[0].PricePerItemETH
	}
	if in.Item.LastTradeTimestamp > 0 {
		stats.LastTrade = time.Unix(in.Item.LastTradeTimestamp, 0).UTC().Format(time.RFC3339)
	}
	return stats
}

// EmptyItemStats returns zeroed stats for an item, carrying the window bounds.
func EmptyItemStats(itemID string, w DayWindows) types.ItemStats {
	return types.ItemStats{
		ItemID:   itemID,
		Current:  types.WindowTotals{Start: w.CurrentStart, End: w.CurrentEnd},
		Previous: types.WindowTotals{Start: w.PreviousStart, End: w.PreviousEnd},
	}
}

// ComputeMarketStats compares market-wide volume across the two windows.
func ComputeMarketStats(current, previous []types.Transfer, w DayWindows) types.MarketStats {
	cur := SummarizeWindow(w.CurrentStart, w.CurrentEnd, current)
	prev := SummarizeWindow(w.PreviousStart, w.PreviousEnd, previous)
	return types.MarketStats{
		Current:            cur,
		Previous:           prev,
		VolumeChangePct:    PercentChange(cur.VolumeETH, prev.VolumeETH),
		ItemsSoldChangePct: PercentChange(float64(cur.ItemsSold), float64(prev.ItemsSold)),
	}
}

func chronological(transfers []types.Transfer) []types.Transfer {
	if sort.SliceIsSorted(transfers, func(i, j int) bool {
		return transfers[i].Timestamp < transfers[j].Timestamp
	}) {
		return transfers
	}
	sorted := make([]types.Transfer, len(transfers))
	copy(sorted, transfers)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Timestamp < sorted[j].Timestamp
	})
	return sorted
}
