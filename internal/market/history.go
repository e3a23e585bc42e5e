package market

import (
	"sort"

	"github.com/market-aggregator/internal/types"
	"github.com/shopspring/decimal"
)

// MergeUserHistory interleaves a user's purchases and the sales filled
// against their listings, newest first, keeping at most limit entries when
// limit is positive. The counterparty of a BUY is the seller, of a SELL the buyer.
func MergeUserHistory(user string, buys, sells []types.Transfer, limit int) []types.UserTransaction {
	out := make([]types.UserTransaction, 0, len(buys)+len(sells))
	for _, t := range buys {
		out = append(out, userTransaction(user, t, types.SideBuy, t.Seller))
	}
	for _, t := range sells {
		out = append(out, userTransaction(user, t, types.SideSell, t.Buyer))
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Timestamp > out[j].Timestamp
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func userTransaction(user string, t types.Transfer, side types.TradeSide, counterparty string) types.UserTransaction {
	return types.UserTransaction{
		TxHash:       t.TxHash,
		Timestamp:    t.Timestamp,
		Price:        t.PricePerItemETH,
		Amount:       t.Amount,
		ETHValue:     t.TotalValueETH,
		Type:         side,
		ItemID:       t.ItemID,
		Counterparty: counterparty,
		User:         user,
	}
}

// SummarizeUserListings reports what each listing sold and earned. Active
// listings come first, then the newest.
func SummarizeUserListings(listings []types.Listing) []types.UserListing {
	out := make([]types.UserListing, 0, len(listings))
	for _, l := range listings {
		earned := decimal.Zero
		sales := make([]types.ListingSale, 0, len(l.Sales))
		for _, s := range l.Sales {
			earned = earned.Add(dec(s.TotalValueETH))
			sales = append(sales, types.ListingSale{
				ID:        s.ID,
				Buyer:     s.Buyer,
				Amount:    s.Amount,
				TotalPaid: s.TotalValueETH,
				Timestamp: s.Timestamp,
				TxHash:    s.TxHash,
			})
		}
		out = append(out, types.UserListing{
			ID:              l.ID,
			ItemID:          l.ItemID,
			Amount:          l.AmountTotal,
			AmountRemaining: l.AmountRemaining,
			ItemsSold:       l.AmountTotal - l.AmountRemaining,
			PricePerItem:    l.PricePerItemETH,
			Status:          l.Status,
			IsActive:        l.IsActive,
			Timestamp:       l.Timestamp,
			TotalEarned:     toFloat(earned),
			Sales:           sales,
		})
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].IsActive != out[j].IsActive {
			return out[i].IsActive
		}
		return out[i].Timestamp > out[j].Timestamp
	})
	return out
}
