package service

import (
	"context"
	"strconv"

	"github.com/market-aggregator/internal/logging"
	"github.com/market-aggregator/internal/storage"
	"github.com/market-aggregator/internal/subgraph"
	"github.com/market-aggregator/internal/types"
)

// The loaders below read normalized rows through the cache. Every parameter
// that changes the rows is part of the key.

func (s *MarketService) activeListings(ctx context.Context, itemID string) ([]types.Listing, error) {
	key := storage.CacheKey(storage.CacheKeyListings, itemID)
	return storage.ReadThrough(ctx, s.cache, storage.CacheKeyListings, key, s.ttl.OrderBookTTL,
		func(ctx context.Context) ([]types.Listing, error) {
			rows, err := subgraph.FetchAll[subgraph.ListingRow](ctx, s.reader, subgraph.ActiveItemListings(itemID))
			if err != nil {
				return nil, err
			}
			return s.normalizer.Listings(ctx, rows, itemID), nil
		})
}

func (s *MarketService) allActiveListings(ctx context.Context) ([]types.Listing, error) {
	key := storage.CacheKey(storage.CacheKeyListings, "*")
	return storage.ReadThrough(ctx, s.cache, storage.CacheKeyListings, key, s.ttl.OrderBookTTL,
		func(ctx context.Context) ([]types.Listing, error) {
			rows, err := subgraph.FetchAll[subgraph.ListingRow](ctx, s.reader, subgraph.ActiveListings())
			if err != nil {
				return nil, err
			}
			return s.normalizer.Listings(ctx, rows, ""), nil
		})
}

func (s *MarketService) itemPurchases(ctx context.Context, itemID string) ([]types.Transfer, error) {
	key := storage.CacheKey(storage.CacheKeyPurchases, itemID)
	return storage.ReadThrough(ctx, s.cache, storage.CacheKeyPurchases, key, s.ttl.CandlesTTL,
		func(ctx context.Context) ([]types.Transfer, error) {
			rows, err := subgraph.FetchAll[subgraph.TransferRow](ctx, s.reader, subgraph.ItemPurchases(itemID))
			if err != nil {
				return nil, err
			}
			return s.normalizer.Transfers(ctx, rows, itemID), nil
		})
}

func (s *MarketService) itemWindow(ctx context.Context, itemID string, from, to int64) ([]types.Transfer, error) {
	key := storage.CacheKey(storage.CacheKeyWindow, itemID, strconv.FormatInt(from, 10), strconv.FormatInt(to, 10))
	return storage.ReadThrough(ctx, s.cache, storage.CacheKeyWindow, key, s.ttl.StatsTTL,
		func(ctx context.Context) ([]types.Transfer, error) {
			rows, err := subgraph.FetchAll[subgraph.TransferRow](ctx, s.reader, subgraph.ItemPurchasesBetween(itemID, from, to))
			if err != nil {
				return nil, err
			}
			return s.normalizer.Transfers(ctx, rows, itemID), nil
		})
}

func (s *MarketService) marketWindow(ctx context.Context, from, to int64) ([]types.Transfer, error) {
	key := storage.CacheKey(storage.CacheKeyWindow, "*", strconv.FormatInt(from, 10), strconv.FormatInt(to, 10))
	return storage.ReadThrough(ctx, s.cache, storage.CacheKeyWindow, key, s.ttl.StatsTTL,
		func(ctx context.Context) ([]types.Transfer, error) {
			rows, err := subgraph.FetchAll[subgraph.TransferRow](ctx, s.reader, subgraph.MarketPurchasesBetween(from, to))
			if err != nil {
				return nil, err
			}
			return s.normalizer.Transfers(ctx, rows, ""), nil
		})
}

func (s *MarketService) recentPurchases(ctx context.Context, itemID string, first int) ([]types.Transfer, error) {
	key := storage.CacheKey(storage.CacheKeyRecentTrades, itemID, strconv.Itoa(first))
	return storage.ReadThrough(ctx, s.cache, storage.CacheKeyRecentTrades, key, s.ttl.TradesTTL,
		func(ctx context.Context) ([]types.Transfer, error) {
			rows, err := subgraph.FetchFirst[subgraph.TransferRow](ctx, s.reader, subgraph.RecentItemPurchases(itemID), first)
			if err != nil {
				return nil, err
			}
			return s.normalizer.Transfers(ctx, rows, itemID), nil
		})
}

func (s *MarketService) items(ctx context.Context) ([]types.Item, error) {
	key := storage.CacheKey(storage.CacheKeyItems)
	return storage.ReadThrough(ctx, s.cache, storage.CacheKeyItems, key, s.ttl.ItemsTTL,
		func(ctx context.Context) ([]types.Item, error) {
			rows, err := subgraph.FetchAll[subgraph.ItemRow](ctx, s.reader, subgraph.Items())
			if err != nil {
				return nil, err
			}
			return s.normalizer.Items(ctx, rows), nil
		})
}

// item loads one item's lifetime totals. An item the indexer does not know
// yet has zero totals.
func (s *MarketService) item(ctx context.Context, itemID string) (types.Item, error) {
	key := storage.CacheKey(storage.CacheKeyItem, itemID)
	return storage.ReadThrough(ctx, s.cache, storage.CacheKeyItem, key, s.ttl.ItemsTTL,
		func(ctx context.Context) (types.Item, error) {
			row, err := subgraph.FetchOne[subgraph.ItemRow](ctx, s.reader, subgraph.EntityItem, subgraph.ItemByID,
				map[string]interface{}{"itemId": itemID})
			if err != nil {
				return types.Item{}, err
			}
			if row == nil {
				return types.Item{ID: itemID}, nil
			}
			items := s.normalizer.Items(ctx, []subgraph.ItemRow{*row})
			if len(items) == 0 {
				return types.Item{ID: itemID}, nil
			}
			return items[0], nil
		})
}

func (s *MarketService) dayData(ctx context.Context, itemID string) ([]types.ItemDayData, error) {
	key := storage.CacheKey(storage.CacheKeyDayData, itemID)
	return storage.ReadThrough(ctx, s.cache, storage.CacheKeyDayData, key, s.ttl.DayDataTTL,
		func(ctx context.Context) ([]types.ItemDayData, error) {
			rows, err := subgraph.FetchAll[subgraph.ItemDayDataRow](ctx, s.reader, subgraph.ItemDayData(itemID))
			if err != nil {
				return nil, err
			}
			return s.normalizer.DayDatas(ctx, rows), nil
		})
}

func (s *MarketService) userPurchases(ctx context.Context, user string) ([]types.Transfer, error) {
	key := storage.CacheKey(storage.CacheKeyUserPurchases, user)
	return storage.ReadThrough(ctx, s.cache, storage.CacheKeyUserPurchases, key, s.ttl.PnLTTL,
		func(ctx context.Context) ([]types.Transfer, error) {
			rows, err := subgraph.FetchAll[subgraph.TransferRow](ctx, s.reader, subgraph.UserPurchases(user))
			if err != nil {
				return nil, err
			}
			return s.normalizer.Transfers(ctx, rows, ""), nil
		})
}

func (s *MarketService) userListings(ctx context.Context, user string) ([]types.Listing, error) {
	key := storage.CacheKey(storage.CacheKeyUserListings, user)
	return storage.ReadThrough(ctx, s.cache, storage.CacheKeyUserListings, key, s.ttl.PnLTTL,
		func(ctx context.Context) ([]types.Listing, error) {
			rows, err := subgraph.FetchAll[subgraph.ListingRow](ctx, s.reader, subgraph.UserListingsWithSales(user))
			if err != nil {
				return nil, err
			}
			s.warnCappedSales(ctx, user, rows)
			return s.normalizer.Listings(ctx, rows, ""), nil
		})
}

// warnCappedSales flags listings whose nested sales hit the query cap; their
// later sales are missing from the user's PnL.
func (s *MarketService) warnCappedSales(ctx context.Context, user string, rows []subgraph.ListingRow) {
	for _, row := range rows {
		if len(row.Transfers) < subgraph.ListingSalesLimit {
			continue
		}
		s.metrics.RecordInconsistentState("listing", "sales_truncated")
		logging.FromContext(ctx).WithFields(map[string]interface{}{
			"user":      user,
			"listingId": row.ID,
			"sales":     len(row.Transfers),
		}).Warn("Listing sales reached the query cap, PnL may miss later sales")
	}
}

func (s *MarketService) recentUserTransfers(ctx context.Context, kind string, q subgraph.PageQuery, user, itemID string, first int) ([]types.Transfer, error) {
	key := storage.CacheKey(storage.CacheKeyUserHistory, kind, user, itemID, strconv.Itoa(first))
	return storage.ReadThrough(ctx, s.cache, storage.CacheKeyUserHistory, key, s.ttl.UserHistoryTTL,
		func(ctx context.Context) ([]types.Transfer, error) {
			rows, err := subgraph.FetchFirst[subgraph.TransferRow](ctx, s.reader, q, first)
			if err != nil {
				return nil, err
			}
			return s.normalizer.Transfers(ctx, rows, itemID), nil
		})
}

func (s *MarketService) recentUserListings(ctx context.Context, user, itemID string, first int) ([]types.Listing, error) {
	key := storage.CacheKey(storage.CacheKeyUserHistory, "listings", user, itemID, strconv.Itoa(first))
	return storage.ReadThrough(ctx, s.cache, storage.CacheKeyUserHistory, key, s.ttl.UserHistoryTTL,
		func(ctx context.Context) ([]types.Listing, error) {
			rows, err := subgraph.FetchFirst[subgraph.ListingRow](ctx, s.reader, subgraph.RecentUserListings(user, itemID), first)
			if err != nil {
				return nil, err
			}
			return s.normalizer.Listings(ctx, rows, itemID), nil
		})
}

func (s *MarketService) position(ctx context.Context, user, itemID string) (types.UserItemPosition, error) {
	key := storage.CacheKey(storage.CacheKeyBalance, user, itemID)
	return storage.ReadThrough(ctx, s.cache, storage.CacheKeyBalance, key, s.ttl.PnLTTL,
		func(ctx context.Context) (types.UserItemPosition, error) {
			id := subgraph.PositionID(user, itemID)
			row, err := subgraph.FetchOne[subgraph.UserItemPositionRow](ctx, s.reader, subgraph.EntityPosition,
				subgraph.UserItemPosition, map[string]interface{}{"id": id})
			if err != nil {
				return types.UserItemPosition{}, err
			}
			return s.normalizer.Position(ctx, id, row)
		})
}

func (s *MarketService) ethPrice(ctx context.Context) (types.ETHPrice, error) {
	key := storage.CacheKey(storage.CacheKeyETHPrice)
	return storage.ReadThrough(ctx, s.cache, storage.CacheKeyETHPrice, key, s.ttl.ETHPriceTTL, s.prices.ETHPrice)
}

func (s *MarketService) gameItems(ctx context.Context) (map[string]types.ItemDetails, error) {
	key := storage.CacheKey(storage.CacheKeyGameItems)
	return storage.ReadThrough(ctx, s.cache, storage.CacheKeyGameItems, key, s.ttl.GameDataTTL, s.game.ItemDetails)
}

func (s *MarketService) recipes(ctx context.Context) ([]types.Recipe, error) {
	key := storage.CacheKey(storage.CacheKeyRecipes)
	return storage.ReadThrough(ctx, s.cache, storage.CacheKeyRecipes, key, s.ttl.GameDataTTL, s.game.Recipes)
}

func (s *MarketService) gameTime(ctx context.Context) (types.GameTime, error) {
	key := storage.CacheKey(storage.CacheKeyGameTime)
	return storage.ReadThrough(ctx, s.cache, storage.CacheKeyGameTime, key, s.ttl.GameTimeTTL, s.game.CurrentTime)
}

func (s *MarketService) playerExecutions(ctx context.Context, player string) ([]types.RecipeExecution, error) {
	key := storage.CacheKey(storage.CacheKeyExecutions, player)
	return storage.ReadThrough(ctx, s.cache, storage.CacheKeyExecutions, key, s.ttl.UserHistoryTTL,
		func(ctx context.Context) ([]types.RecipeExecution, error) {
			return s.game.PlayerExecutions(ctx, player)
		})
}

func (s *MarketService) stubIcon(ctx context.Context) (types.ItemDetails, error) {
	key := storage.CacheKey(storage.CacheKeyStubIcon)
	return storage.ReadThrough(ctx, s.cache, storage.CacheKeyStubIcon, key, s.ttl.GameDataTTL, s.game.StubIcon)
}

func (s *MarketService) gameAccount(ctx context.Context, address string) (types.GameAccount, error) {
	key := storage.CacheKey(storage.CacheKeyAccount, address)
	return storage.ReadThrough(ctx, s.cache, storage.CacheKeyAccount, key, s.ttl.GameDataTTL,
		func(ctx context.Context) (types.GameAccount, error) {
			return s.game.Account(ctx, address)
		})
}
