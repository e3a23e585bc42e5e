package normalize

import (
	"context"

	"github.com/market-aggregator/internal/subgraph"
	"github.com/market-aggregator/internal/types"
)

// Transfer converts one transfer row. The item comes from the row, or from
// itemID when the query was already scoped to a single item.
func Transfer(row subgraph.TransferRow, itemID string) (types.Transfer, error) {
	r := fieldReader{entity: EntityTransfer}
	t := types.Transfer{
		ID:              row.ID,
		TxHash:          lower(row.TxHash),
		Timestamp:       r.requiredInt("timestamp", row.Timestamp),
		PricePerItemETH: r.required("pricePerItemETH", row.PricePerItemETH),
		Amount:          r.optionalInt("amount", row.Amount),
		TotalValueETH:   r.required("totalValueETH", row.TotalValueETH),
		ItemID:          itemID,
	}
	if row.Item != nil && row.Item.ID != "" {
		t.ItemID = row.Item.ID
		t.ItemCurrentPriceETH = r.optional("item.currentPriceETH", row.Item.CurrentPriceETH)
	}
	r.requiredID("item", t.ItemID)
	if row.TransferredTo != nil {
		t.Buyer = lower(row.TransferredTo.ID)
	}
	if row.Listing != nil {
		t.ListingID = row.Listing.ID
		if row.Listing.Owner != nil {
			t.Seller = lower(row.Listing.Owner.ID)
		}
	}
	return t, r.result()
}

// Transfers converts rows, skipping the malformed ones.
func (n *Normalizer) Transfers(ctx context.Context, rows []subgraph.TransferRow, itemID string) []types.Transfer {
	out := make([]types.Transfer, 0, len(rows))
	for _, row := range rows {
		t, err := Transfer(row, itemID)
		if err != nil {
			n.skip(ctx, row.ID, err)
			continue
		}
		out = append(out, t)
	}
	return out
}

// Listing converts one listing row and the sales filled against it.
// Sales inherit the listing's item and owner.
func Listing(row subgraph.ListingRow, itemID string) (types.Listing, []error) {
	r := fieldReader{entity: EntityListing}
	l := types.Listing{
		ID:              r.requiredID("id", row.ID),
		ItemID:          itemID,
		PricePerItemETH: r.required("pricePerItemETH", row.PricePerItemETH),
		AmountRemaining: r.requiredInt("amountRemaining", row.AmountRemaining),
		AmountTotal:     r.optionalInt("amount", row.Amount),
		Timestamp:       r.optionalInt("timestamp", row.Timestamp),
		Sales:           []types.Transfer{},
	}
	if row.Item != nil && row.Item.ID != "" {
		l.ItemID = row.Item.ID
	}
	r.requiredID("item", l.ItemID)
	if row.Owner != nil {
		l.Owner = lower(row.Owner.ID)
	}

	active, activeErr := Bool(row.IsActive)
	if activeErr == nil {
		l.IsActive = active
	} else {
		l.IsActive = l.AmountRemaining > 0
	}
	l.Status = listingStatus(row.Status, l)

	if err := r.result(); err != nil {
		return types.Listing{}, []error{err}
	}

	var saleErrs []error
	for _, sr := range row.Transfers {
		s, err := Transfer(sr, l.ItemID)
		if err != nil {
			saleErrs = append(saleErrs, err)
			continue
		}
		if s.Seller == "" {
			s.Seller = l.Owner
		}
		if s.ListingID == "" {
			s.ListingID = l.ID
		}
		l.Sales = append(l.Sales, s)
	}
	return l, saleErrs
}

func listingStatus(raw string, l types.Listing) types.ListingStatus {
	switch types.ListingStatus(raw) {
	case types.ListingActive, types.ListingCompleted, types.ListingCancelled:
		return types.ListingStatus(raw)
	}
	switch {
	case l.IsActive && l.AmountRemaining > 0:
		return types.ListingActive
	case l.AmountRemaining == 0:
		return types.ListingCompleted
	default:
		return types.ListingCancelled
	}
}

// Listings converts rows, skipping malformed listings and malformed sales.
// A listing with more remaining than it ever offered is kept and reported.
func (n *Normalizer) Listings(ctx context.Context, rows []subgraph.ListingRow, itemID string) []types.Listing {
	out := make([]types.Listing, 0, len(rows))
	for _, row := range rows {
		l, errs := Listing(row, itemID)
		for _, err := range errs {
			n.skip(ctx, row.ID, err)
		}
		if l.ID == "" {
			continue
		}
		if l.AmountTotal > 0 && l.AmountRemaining > l.AmountTotal {
			n.inconsistent(ctx, EntityListing, l.ID, "remaining_exceeds_total", map[string]interface{}{
				"amount":          l.AmountTotal,
				"amountRemaining": l.AmountRemaining,
			})
		}
		out = append(out, l)
	}
	return out
}

// Item converts one item row. Only the id is required; the indexer
// initializes every total to zero.
func Item(row subgraph.ItemRow) (types.Item, error) {
	r := fieldReader{entity: EntityItem}
	it := types.Item{
		ID:                 r.requiredID("id", row.ID),
		TotalVolumeETH:     r.optional("totalVolumeETH", row.TotalVolumeETH),
		TotalTrades:        r.optionalInt("totalTrades", row.TotalTrades),
		TotalItemsSold:     r.optionalInt("totalItemsSold", row.TotalItemsSold),
		CurrentPriceETH:    r.optional("currentPriceETH", row.CurrentPriceETH),
		LastTradeTimestamp: r.optionalInt("lastTradeTimestamp", row.LastTradeTimestamp),
	}
	return it, r.result()
}

// Items converts rows, skipping the malformed ones.
func (n *Normalizer) Items(ctx context.Context, rows []subgraph.ItemRow) []types.Item {
	out := make([]types.Item, 0, len(rows))
	for _, row := range rows {
		it, err := Item(row)
		if err != nil {
			n.skip(ctx, row.ID, err)
			continue
		}
		out = append(out, it)
	}
	return out
}

// DayData converts one daily volume row.
func DayData(row subgraph.ItemDayDataRow) (types.ItemDayData, error) {
	r := fieldReader{entity: EntityItemDayData}
	d := types.ItemDayData{
		ID:                r.requiredID("id", row.ID),
		DayStartTimestamp: r.requiredInt("dayStartTimestamp", row.DayStartTimestamp),
		VolumeItems:       r.optionalInt("volumeItems", row.VolumeItems),
		VolumeETH:         r.optional("volumeETH", row.VolumeETH),
	}
	return d, r.result()
}

// DayDatas converts rows, skipping the malformed ones.
func (n *Normalizer) DayDatas(ctx context.Context, rows []subgraph.ItemDayDataRow) []types.ItemDayData {
	out := make([]types.ItemDayData, 0, len(rows))
	for _, row := range rows {
		d, err := DayData(row)
		if err != nil {
			n.skip(ctx, row.ID, err)
			continue
		}
		out = append(out, d)
	}
	return out
}

// Position converts the indexer's position entity. A nil row is a user who
// never traded the item and yields zeros. A negative balance is reported
// as inconsistent and returned as-is.
func (n *Normalizer) Position(ctx context.Context, id string, row *subgraph.UserItemPositionRow) (types.UserItemPosition, error) {
	if row == nil {
		return types.UserItemPosition{}, nil
	}
	r := fieldReader{entity: EntityPosition}
	p := types.UserItemPosition{
		TotalPurchased:      r.optionalInt("totalPurchased", row.TotalPurchased),
		TotalSold:           r.optionalInt("totalSold", row.TotalSold),
		AvgPurchasePriceETH: r.optional("avgPurchasePriceETH", row.AvgPurchasePriceETH),
		TotalSpentETH:       r.optional("totalSpentETH", row.TotalSpentETH),
		TotalEarnedETH:      r.optional("totalEarnedETH", row.TotalEarnedETH),
	}
	if row.CurrentBalance != "" {
		balance, err := Int(row.CurrentBalance)
		if err != nil {
			r.fail("currentBalance", err)
		}
		p.CurrentBalance = balance
	}
	if err := r.result(); err != nil {
		n.skip(ctx, id, err)
		return types.UserItemPosition{}, err
	}
	if p.CurrentBalance < 0 {
		n.inconsistent(ctx, EntityPosition, id, "negative_balance", map[string]interface{}{
			"balance": p.CurrentBalance,
		})
	}
	return p, nil
}
