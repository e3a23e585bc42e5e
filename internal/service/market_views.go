package service

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/market-aggregator/internal/errors"
	"github.com/market-aggregator/internal/market"
	"github.com/market-aggregator/internal/types"
)

// GetOrderBook aggregates an item's active listings into ask levels.
func (s *MarketService) GetOrderBook(ctx context.Context, itemID string) (book types.OrderBook, err error) {
	defer s.observe("order_book", time.Now(), &err)
	now := s.now()

	itemID, err = validateItemID(itemID)
	if err == nil {
		var listings []types.Listing
		listings, err = s.activeListings(ctx, itemID)
		if err == nil {
			return market.AggregateOrderBook(itemID, listings, now), nil
		}
	}
	book = market.EmptyOrderBook(itemID, now)
	book.Error = s.degrade(ctx, "order_book", err, map[string]interface{}{"itemId": itemID})
	return book, err
}

// GetCandles builds an item's gap-filled candle series for a timeframe.
// An empty timeframe selects 1d.
func (s *MarketService) GetCandles(ctx context.Context, itemID, timeframe string) (series types.CandleSeries, err error) {
	defer s.observe("candles", time.Now(), &err)

	series = types.CandleSeries{ItemID: itemID, Candles: []types.Candle{}}
	tf, perr := types.ParseTimeframe(timeframe)
	if perr != nil {
		err = errors.NewInvalidParameterError("timeframe", perr.Error())
	} else if itemID, err = validateItemID(itemID); err == nil {
		series.ItemID, series.Timeframe = itemID, tf
		var trades []types.Transfer
		if trades, err = s.itemPurchases(ctx, itemID); err == nil {
			var candles []types.Candle
			if candles, err = market.BuildCandles(trades, tf, s.now()); err == nil {
				series.Candles = candles
				return series, nil
			}
		}
	}
	series.Error = s.degrade(ctx, "candles", err, map[string]interface{}{
		"itemId":    itemID,
		"timeframe": timeframe,
	})
	return series, err
}

// GetTimeframeData totals an item's trades inside the timeframe bucket
// that contains timestamp. A zero timestamp means now.
func (s *MarketService) GetTimeframeData(ctx context.Context, itemID, timeframe string, timestamp int64) (data types.TimeframeData, err error) {
	defer s.observe("timeframe_data", time.Now(), &err)
	if timestamp <= 0 {
		timestamp = s.now().Unix()
	}

	data = types.TimeframeData{ItemID: itemID}
	tf, perr := types.ParseTimeframe(timeframe)
	if perr != nil {
		err = errors.NewInvalidParameterError("timeframe", perr.Error())
	} else if itemID, err = validateItemID(itemID); err == nil {
		start := market.BucketStart(timestamp, tf.Seconds())
		var trades []types.Transfer
		if trades, err = s.itemWindow(ctx, itemID, start, start+tf.Seconds()); err == nil {
			if data, err = market.BucketTotals(itemID, trades, tf, timestamp); err == nil {
				return data, nil
			}
		}
		data = types.TimeframeData{ItemID: itemID, Timeframe: tf, StartTime: start, EndTime: start + tf.Seconds()}
	}
	data.Error = s.degrade(ctx, "timeframe_data", err, map[string]interface{}{
		"itemId":    itemID,
		"timeframe": timeframe,
		"timestamp": timestamp,
	})
	return data, err
}

// GetGroupedTrades returns an item's newest trades, merging transfers of the
// same logical trade. limit is clamped to the configured range.
func (s *MarketService) GetGroupedTrades(ctx context.Context, itemID string, limit int) (list types.TradeList, err error) {
	defer s.observe("trades", time.Now(), &err)
	limit = clampLimit(limit, s.tradesDefault, s.tradesMax)

	list = types.TradeList{ItemID: itemID, Trades: []types.TradeGroup{}}
	if itemID, err = validateItemID(itemID); err == nil {
		list.ItemID = itemID
		var grouped market.GroupedTrades
		grouped, err = market.FetchGroupedTrades(ctx, limit, s.tradesPolicy,
			func(ctx context.Context, first int) ([]types.Transfer, error) {
				return s.recentPurchases(ctx, itemID, first)
			})
		if err == nil {
			list.Trades = grouped.Groups
			list.RawFetched = grouped.RawFetched
			list.Attempts = grouped.Attempts
			list.Exhausted = grouped.Exhausted
			return list, nil
		}
	}
	list.Error = s.degrade(ctx, "trades", err, map[string]interface{}{
		"itemId": itemID,
		"limit":  limit,
	})
	return list, err
}

// statsWindows returns the UTC-day windows for now. The current window is
// fetched up to the end of the day so its cache key stays fixed all day.
func (s *MarketService) statsWindows() (market.DayWindows, int64) {
	w := market.UTCDayWindows(s.now())
	return w, w.CurrentStart + 86400
}

func (s *MarketService) marketStats(ctx context.Context, w market.DayWindows, currentTo int64) (types.MarketStats, error) {
	current, err := s.marketWindow(ctx, w.CurrentStart, currentTo)
	if err != nil {
		return types.MarketStats{}, err
	}
	previous, err := s.marketWindow(ctx, w.PreviousStart, w.PreviousEnd)
	if err != nil {
		return types.MarketStats{}, err
	}
	return market.ComputeMarketStats(current, previous, w), nil
}

func (s *MarketService) itemStats(ctx context.Context, it types.Item, w market.DayWindows, currentTo int64, marketChange float64) (types.ItemStats, error) {
	current, err := s.itemWindow(ctx, it.ID, w.CurrentStart, currentTo)
	if err != nil {
		return types.ItemStats{}, err
	}
	previous, err := s.itemWindow(ctx, it.ID, w.PreviousStart, w.PreviousEnd)
	if err != nil {
		return types.ItemStats{}, err
	}
	listings, err := s.activeListings(ctx, it.ID)
	if err != nil {
		return types.ItemStats{}, err
	}
	return market.ComputeItemStats(market.ItemStatsInput{
		Item:               it,
		Current:            current,
		Previous:           previous,
		FloorPrice:         market.FloorPrice(listings),
		Windows:            w,
		MarketVolumeChange: marketChange,
	}), nil
}

// GetItemStats compares an item's current UTC day with the previous one.
func (s *MarketService) GetItemStats(ctx context.Context, itemID string) (stats types.ItemStats, err error) {
	defer s.observe("item_stats", time.Now(), &err)
	w, currentTo := s.statsWindows()

	if itemID, err = validateItemID(itemID); err == nil {
		var it types.Item
		if it, err = s.item(ctx, itemID); err == nil {
			var ms types.MarketStats
			if ms, err = s.marketStats(ctx, w, currentTo); err == nil {
				if stats, err = s.itemStats(ctx, it, w, currentTo, ms.VolumeChangePct); err == nil {
					return stats, nil
				}
			}
		}
	}
	stats = market.EmptyItemStats(itemID, w)
	stats.Error = s.degrade(ctx, "item_stats", err, map[string]interface{}{"itemId": itemID})
	return stats, err
}

// GetAllItemStats computes every item's stats with at most the configured
// batch size of items in flight. An item whose sources fail is returned
// empty with its error set; cancellation fails the whole request.
func (s *MarketService) GetAllItemStats(ctx context.Context) (all types.AllItemStats, err error) {
	defer s.observe("all_item_stats", time.Now(), &err)
	w, currentTo := s.statsWindows()

	all = types.AllItemStats{Items: []types.ItemStats{}}
	var items []types.Item
	if items, err = s.items(ctx); err == nil {
		if all.Market, err = s.marketStats(ctx, w, currentTo); err == nil {
			results := make([]types.ItemStats, len(items))
			g, gctx := errgroup.WithContext(ctx)
			g.SetLimit(s.batchSize)
			for i, it := range items {
				g.Go(func() error {
					stats, ierr := s.itemStats(gctx, it, w, currentTo, all.Market.VolumeChangePct)
					if ierr != nil {
						if gctx.Err() != nil {
							return gctx.Err()
						}
						stats = market.EmptyItemStats(it.ID, w)
						stats.Error = s.degrade(gctx, "item_stats", ierr, map[string]interface{}{"itemId": it.ID})
					}
					results[i] = stats
					return nil
				})
			}
			if err = g.Wait(); err == nil {
				all.Items = results
				return all, nil
			}
			if ctx.Err() != nil {
				err = ctx.Err()
			}
		}
	}
	all = types.AllItemStats{
		Market: market.ComputeMarketStats(nil, nil, w),
		Items:  []types.ItemStats{},
		Error:  s.degrade(ctx, "all_item_stats", err, nil),
	}
	return all, err
}

// GetItems lists every indexed item with its lifetime totals.
func (s *MarketService) GetItems(ctx context.Context) (list types.ItemList, err error) {
	defer s.observe("items", time.Now(), &err)
	items, err := s.items(ctx)
	if err != nil {
		return types.ItemList{Items: []types.Item{}, Error: s.degrade(ctx, "items", err, nil)}, err
	}
	return types.ItemList{Items: items}, nil
}

// GetListings lists the active listings of one item, or of every item when
// itemID is empty, cheapest first.
func (s *MarketService) GetListings(ctx context.Context, itemID string) (list types.ListingList, err error) {
	defer s.observe("listings", time.Now(), &err)
	var listings []types.Listing
	if itemID == "" {
		listings, err = s.allActiveListings(ctx)
	} else {
		listings, err = s.activeListings(ctx, itemID)
	}
	if err != nil {
		return types.ListingList{
			Listings: []types.Listing{},
			Error:    s.degrade(ctx, "listings", err, map[string]interface{}{"itemId": itemID}),
		}, err
	}
	return types.ListingList{Listings: listings}, nil
}

// GetItemDayData maps each day start to the item's traded volume that day.
func (s *MarketService) GetItemDayData(ctx context.Context, itemID string) (report types.ItemDayDataReport, err error) {
	defer s.observe("item_day_data", time.Now(), &err)
	report = types.ItemDayDataReport{ItemID: itemID, Days: map[int64]types.DayVolume{}}

	if itemID, err = validateItemID(itemID); err == nil {
		report.ItemID = itemID
		var days []types.ItemDayData
		if days, err = s.dayData(ctx, itemID); err == nil {
			for _, d := range days {
				report.Days[d.DayStartTimestamp] = types.DayVolume{
					VolumeItems: d.VolumeItems,
					VolumeETH:   d.VolumeETH,
				}
			}
			return report, nil
		}
	}
	report.Error = s.degrade(ctx, "item_day_data", err, map[string]interface{}{"itemId": itemID})
	return report, err
}
