package market

import (
	"sort"
	"time"

	"github.com/market-aggregator/internal/types"
)

// MaxPriceLevels is the number of lowest ask levels returned in an order book.
// Deeper levels are dropped; OrderBook.TotalLevels and OrderBook.Truncated
// tell callers when that happened.
const MaxPriceLevels = 100

// PriceLevels groups listings by exact price and returns every level sorted
// ascending by price. Listings with nothing remaining are ignored.
func PriceLevels(listings []types.Listing) []types.PriceLevel {
	index := make(map[float64]int, len(listings))
	levels := make([]types.PriceLevel, 0, len(listings))

	for _, l := range listings {
		if l.AmountRemaining <= 0 {
			continue
		}
		if i, ok := index[l.PricePerItemETH]; ok {
			levels[i].Amount += l.AmountRemaining
			levels[i].OrderCount++
			continue
		}
		index[l.PricePerItemETH] = len(levels)
		levels = append(levels, types.PriceLevel{
			Price:      l.PricePerItemETH,
			Amount:     l.AmountRemaining,
			OrderCount: 1,
		})
	}

	sort.Slice(levels, func(i, j int) bool {
		return levels[i].Price < levels[j].Price
	})
	return levels
}

// AggregateOrderBook builds the ask side of an item's order book from its
// active listings, keeping the MaxPriceLevels lowest levels.
func AggregateOrderBook(itemID string, listings []types.Listing, now time.Time) types.OrderBook {
	levels := PriceLevels(listings)
	book := types.OrderBook{
		ItemID:      itemID,
		Asks:        levels,
		LastUpdate:  now.Unix(),
		TotalLevels: len(levels),
	}
	if len(levels) > MaxPriceLevels {
		book.Asks = levels[:MaxPriceLevels]
		book.Truncated = true
	}
	return book
}

// EmptyOrderBook returns a well-formed order book with no levels.
func EmptyOrderBook(itemID string, now time.Time) types.OrderBook {
	return types.OrderBook{
		ItemID:     itemID,
		Asks:       []types.PriceLevel{},
		LastUpdate: now.Unix(),
	}
}

// FloorPrice returns the lowest ask among listings with something remaining,
// or 0 when there is none.
func FloorPrice(listings []types.Listing) float64 {
	floor := 0.0
	found := false
	for _, l := range listings {
		if l.AmountRemaining <= 0 || l.PricePerItemETH <= 0 {
			continue
		}
		if !found || l.PricePerItemETH < floor {
			floor = l.PricePerItemETH
			found = true
		}
	}
	return floor
}
