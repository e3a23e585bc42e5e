package market

import (
	"fmt"
	"sort"
	"time"

	"github.com/market-aggregator/internal/types"
	"github.com/shopspring/decimal"
)

// bucket accumulates the trades of one candle interval
type bucket struct {
	time       int64
	open       float64
	high       float64
	low        float64
	close      float64
	ethVolume  decimal.Decimal
	itemVolume int64
}

func (b *bucket) candle() types.Candle {
	return types.Candle{
		Time:       b.time,
		Open:       b.open,
		High:       b.high,
		Low:        b.low,
		Close:      b.close,
		ETHVolume:  toFloat(b.ethVolume),
		ItemVolume: b.itemVolume,
	}
}

// BucketStart floors a timestamp to the start of its interval.
func BucketStart(timestamp, interval int64) int64 {
	if interval <= 0 {
		return timestamp
	}
	start := (timestamp / interval) * interval
	if timestamp < 0 && timestamp%interval != 0 {
		start -= interval
	}
	return start
}

// BuildCandles buckets purchase events into OHLC candles for the timeframe and
// fills every missing interval up to the bucket containing now.
// Gap candles carry the previous close with zero volume. No trades yields an
// empty, non-nil series.
func BuildCandles(trades []types.Transfer, tf types.Timeframe, now time.Time) ([]types.Candle, error) {
	interval := tf.Seconds()
	if interval == 0 {
		return nil, fmt.Errorf("unsupported timeframe %q", tf)
	}
	if len(trades) == 0 {
		return []types.Candle{}, nil
	}

	sorted := make([]types.Transfer, len(trades))
	copy(sorted, trades)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Timestamp < sorted[j].Timestamp
	})

	buckets := make(map[int64]*bucket)
	for _, t := range sorted {
		key := BucketStart(t.Timestamp, interval)
		items := t.Amount
		if items <= 0 {
			items = 1
		}

		b, ok := buckets[key]
		if !ok {
			buckets[key] = &bucket{
				time:       key,
				open:       t.PricePerItemETH,
				high:       t.PricePerItemETH,
				low:        t.PricePerItemETH,
				close:      t.PricePerItemETH,
				ethVolume:  dec(t.TotalValueETH),
				itemVolume: items,
			}
			continue
		}
		if t.PricePerItemETH > b.high {
			b.high = t.PricePerItemETH
		}
		if t.PricePerItemETH < b.low {
			b.low = t.PricePerItemETH
		}
		b.close = t.PricePerItemETH
		b.ethVolume = b.ethVolume.Add(dec(t.TotalValueETH))
		b.itemVolume += items
	}

	return fillGaps(buckets, interval, now), nil
}

// fillGaps walks the sparse bucket map from the first bucket to the bucket
// containing now and synthesizes a flat candle for every missing interval.
func fillGaps(buckets map[int64]*bucket, interval int64, now time.Time) []types.Candle {
	first, last := int64(0), int64(0)
	seen := false
	for key := range buckets {
		if !seen || key < first {
			first = key
		}
		if !seen || key > last {
			last = key
		}
		seen = true
	}

	end := BucketStart(now.Unix(), interval)
	if end < last {
		end = last
	}

	candles := make([]types.Candle, 0, (end-first)/interval+1)
	var lastClose float64
	for t := first; t <= end; t += interval {
		if b, ok := buckets[t]; ok {
			c := b.candle()
			candles = append(candles, c)
			lastClose = c.Close
			continue
		}
		candles = append(candles, types.Candle{
			Time:  t,
			Open:  lastClose,
			High:  lastClose,
			Low:   lastClose,
			Close: lastClose,
		})
	}
	return candles
}

// BucketTotals sums items sold and ETH volume of the trades inside the
// interval that contains timestamp.
func BucketTotals(itemID string, trades []types.Transfer, tf types.Timeframe, timestamp int64) (types.TimeframeData, error) {
	interval := tf.Seconds()
	if interval == 0 {
		return types.TimeframeData{}, fmt.Errorf("unsupported timeframe %q", tf)
	}
	start := BucketStart(timestamp, interval)
	out := types.TimeframeData{
		ItemID:    itemID,
		Timeframe: tf,
		StartTime: start,
		EndTime:   start + interval,
	}
	volume := decimal.Zero
	for _, t := range trades {
		if t.Timestamp < out.StartTime || t.Timestamp >= out.EndTime {
			continue
		}
		out.TotalItemsSold += t.Amount
		volume = volume.Add(dec(t.TotalValueETH))
	}
	out.TotalEthVolume = toFloat(volume)
	return out, nil
}
