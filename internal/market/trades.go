package market

import (
	"context"
	"sort"
	"strconv"
	"strings"

	"github.com/market-aggregator/internal/types"
	"github.com/shopspring/decimal"
)

// TradeGroupKey identifies the logical trade a transfer belongs to.
// Hashes and addresses compare case-insensitively; prices compare exactly.
func TradeGroupKey(txHash string, price float64, buyer string) string {
	return strings.ToLower(txHash) + "|" +
		strconv.FormatFloat(price, 'g', -1, 64) + "|" +
		strings.ToLower(buyer)
}

type tradeAccumulator struct {
	group types.TradeGroup
	spent decimal.Decimal
}

// GroupTrades merges transfers that share tx hash, price and buyer into
// single trades. Each group keeps the timestamp, buyer and seller of the
// first transfer seen. Results are sorted newest first and truncated to
// limit when limit is positive.
func GroupTrades(transfers []types.Transfer, limit int) []types.TradeGroup {
	groups := make([]types.TradeGroup, 0, len(transfers))
	for _, t := range transfers {
		groups = append(groups, types.TradeGroup{
			TxHash:      t.TxHash,
			Timestamp:   t.Timestamp,
			Price:       t.PricePerItemETH,
			Amount:      t.Amount,
			ETHSpent:    t.TotalValueETH,
			Buyer:       t.Buyer,
			Seller:      t.Seller,
			MergedCount: 1,
		})
	}
	return mergeGroups(groups, limit)
}

// MergeTradeGroups regroups already grouped trades by the same key. Applied
// to the output of GroupTrades it leaves every group untouched.
func MergeTradeGroups(groups []types.TradeGroup) []types.TradeGroup {
	return mergeGroups(groups, 0)
}

func mergeGroups(in []types.TradeGroup, limit int) []types.TradeGroup {
	index := make(map[string]int, len(in))
	accs := make([]*tradeAccumulator, 0, len(in))

	for _, g := range in {
		key := TradeGroupKey(g.TxHash, g.Price, g.Buyer)
		merged := g.MergedCount
		if merged <= 0 {
			merged = 1
		}
		if i, ok := index[key]; ok {
			acc := accs[i]
			acc.group.Amount += g.Amount
			acc.group.MergedCount += merged
			acc.spent = acc.spent.Add(dec(g.ETHSpent))
			continue
		}
		index[key] = len(accs)
		first := g
		first.MergedCount = merged
		accs = append(accs, &tradeAccumulator{group: first, spent: dec(g.ETHSpent)})
	}

	out := make([]types.TradeGroup, len(accs))
	for i, acc := range accs {
		acc.group.ETHSpent = toFloat(acc.spent)
		out[i] = acc.group
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Timestamp > out[j].Timestamp
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// OverFetchPolicy controls how many raw transfers are requested per grouped
// trade, and how the request grows when grouping shrinks the result below
// the wanted count.
type OverFetchPolicy struct {
	Multiplier  int
	Growth      int
	MaxAttempts int
	// MaxFetch caps the raw rows requested in one attempt; 0 means no cap
	MaxFetch int
}

// DefaultOverFetchPolicy requests three raw rows per trade and doubles the
// request up to four times.
func DefaultOverFetchPolicy() OverFetchPolicy {
	return OverFetchPolicy{Multiplier: 3, Growth: 2, MaxAttempts: 4}
}

func (p OverFetchPolicy) normalized() OverFetchPolicy {
	if p.Multiplier < 1 {
		p.Multiplier = 1
	}
	if p.Growth < 2 {
		p.Growth = 2
	}
	if p.MaxAttempts < 1 {
		p.MaxAttempts = 1
	}
	return p
}

// TransferFetcher returns up to first of an item's newest purchase transfers.
type TransferFetcher func(ctx context.Context, first int) ([]types.Transfer, error)

// GroupedTrades is the outcome of FetchGroupedTrades.
type GroupedTrades struct {
	Groups     []types.TradeGroup
	RawFetched int
	Attempts   int
	// Exhausted is true when the source returned fewer rows than requested,
	// meaning there is no more history to fetch.
	Exhausted bool
}

// FetchGroupedTrades fetches limit*Multiplier raw transfers and groups them.
// While grouping leaves fewer than limit trades and the source still had
// more rows, it re-fetches with a multiplier grown by Growth, up to
// MaxAttempts fetches.
func FetchGroupedTrades(ctx context.Context, limit int, policy OverFetchPolicy, fetch TransferFetcher) (GroupedTrades, error) {
	var result GroupedTrades
	if limit <= 0 {
		result.Groups = []types.TradeGroup{}
		return result, nil
	}

	p := policy.normalized()
	multiplier := p.Multiplier
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return GroupedTrades{}, err
		}

		first := limit * multiplier
		capped := false
		if p.MaxFetch > 0 && first >= p.MaxFetch {
			first = p.MaxFetch
			capped = true
		}

		raw, err := fetch(ctx, first)
		if err != nil {
			return GroupedTrades{}, err
		}

		result.Attempts = attempt
		result.RawFetched = len(raw)
		result.Exhausted = len(raw) < first
		result.Groups = GroupTrades(raw, limit)

		if len(result.Groups) >= limit || result.Exhausted || capped {
			break
		}
		multiplier *= p.Growth
	}
	return result, nil
}
