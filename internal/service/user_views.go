package service

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/market-aggregator/internal/logging"
	"github.com/market-aggregator/internal/market"
	"github.com/market-aggregator/internal/subgraph"
	"github.com/market-aggregator/internal/types"
)

// GetUserPnL reports a user's realized and unrealized profit per item.
// Positions that sold more than they bought are kept, flagged and counted.
func (s *MarketService) GetUserPnL(ctx context.Context, address string) (report types.UserPnL, err error) {
	defer s.observe("pnl", time.Now(), &err)
	now := s.now()

	user, err := normalizeAddress(address)
	if err == nil {
		var purchases []types.Transfer
		var listings []types.Listing
		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() (gerr error) {
			purchases, gerr = s.userPurchases(gctx, user)
			return gerr
		})
		g.Go(func() (gerr error) {
			listings, gerr = s.userListings(gctx, user)
			return gerr
		})
		if err = g.Wait(); err == nil {
			result := market.ComputePnL(purchases, listings)
			for _, p := range result.Inconsistent {
				s.metrics.RecordInconsistentState("pnl_position", "negative_balance")
				logging.FromContext(ctx).WithFields(map[string]interface{}{
					"user":           user,
					"itemId":         p.ItemID,
					"totalPurchased": p.TotalPurchased,
					"totalSold":      p.TotalSold,
				}).Warn("Position sold more than it bought")
			}
			return types.UserPnL{
				UserAddress: user,
				Summary:     result.Summary,
				Positions:   result.Positions,
				Timeline:    result.Timeline,
				LastUpdate:  now.Unix(),
			}, nil
		}
		if ctx.Err() != nil {
			err = ctx.Err()
		}
	}
	return types.UserPnL{
		UserAddress: user,
		Positions:   []types.PnLPosition{},
		Timeline:    []types.PnLTimelinePoint{},
		LastUpdate:  now.Unix(),
		Error:       s.degrade(ctx, "pnl", err, map[string]interface{}{"user": address}),
	}, err
}

// GetUserTransactions merges a user's newest purchases and sales, optionally
// for one item, newest first.
func (s *MarketService) GetUserTransactions(ctx context.Context, address, itemID string, limit int) (list types.UserTransactionList, err error) {
	defer s.observe("user_transactions", time.Now(), &err)
	limit = clampLimit(limit, defaultHistoryLimit, s.reader.PageSize())

	user, err := normalizeAddress(address)
	if err == nil {
		var buys, sells []types.Transfer
		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() (gerr error) {
			buys, gerr = s.recentUserTransfers(gctx, "buys", subgraph.RecentUserPurchases(user, itemID), user, itemID, limit)
			return gerr
		})
		g.Go(func() (gerr error) {
			sells, gerr = s.recentUserTransfers(gctx, "sells", subgraph.RecentUserSales(user, itemID), user, itemID, limit)
			return gerr
		})
		if err = g.Wait(); err == nil {
			return types.UserTransactionList{
				UserAddress:  user,
				Transactions: market.MergeUserHistory(user, buys, sells, limit),
			}, nil
		}
		if ctx.Err() != nil {
			err = ctx.Err()
		}
	}
	return types.UserTransactionList{
		UserAddress:  user,
		Transactions: []types.UserTransaction{},
		Error: s.degrade(ctx, "user_transactions", err, map[string]interface{}{
			"user":   address,
			"itemId": itemID,
		}),
	}, err
}

// GetUserListings returns a user's newest listings with what each one sold.
func (s *MarketService) GetUserListings(ctx context.Context, address, itemID string, limit int) (list types.UserListingList, err error) {
	defer s.observe("user_listings", time.Now(), &err)
	limit = clampLimit(limit, defaultHistoryLimit, s.reader.PageSize())

	user, err := normalizeAddress(address)
	if err == nil {
		var listings []types.Listing
		if listings, err = s.recentUserListings(ctx, user, itemID, limit); err == nil {
			return types.UserListingList{
				UserAddress: user,
				Listings:    market.SummarizeUserListings(listings),
			}, nil
		}
	}
	return types.UserListingList{
		UserAddress: user,
		Listings:    []types.UserListing{},
		Error: s.degrade(ctx, "user_listings", err, map[string]interface{}{
			"user":   address,
			"itemId": itemID,
		}),
	}, err
}

// GetUserBalance returns the indexer's running position of a user in one item.
// A user who never traded the item has an all-zero position.
func (s *MarketService) GetUserBalance(ctx context.Context, address, itemID string) (pos types.UserItemPosition, err error) {
	defer s.observe("user_balance", time.Now(), &err)

	user, err := normalizeAddress(address)
	if err == nil {
		if itemID, err = validateItemID(itemID); err == nil {
			if pos, err = s.position(ctx, user, itemID); err == nil {
				return pos, nil
			}
		}
	}
	return types.UserItemPosition{
		Error: s.degrade(ctx, "user_balance", err, map[string]interface{}{
			"user":   address,
			"itemId": itemID,
		}),
	}, err
}
