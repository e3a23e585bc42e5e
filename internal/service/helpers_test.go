package service

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/market-aggregator/internal/config"
	"github.com/market-aggregator/internal/observability"
	"github.com/market-aggregator/internal/storage"
	"github.com/market-aggregator/internal/subgraph"
	"github.com/market-aggregator/internal/types"
)

// testNow is 2025-06-15 12:00 UTC; the current UTC day starts at dayStart.
var testNow = time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)

const (
	dayStart  int64 = 1749945600
	prevStart int64 = 1749859200
)

func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// operation entities of the fake indexer, keyed by GraphQL operation name
var fakeEntities = map[string]string{
	"ItemPurchases":          subgraph.EntityTransfers,
	"ItemPurchasesBetween":   subgraph.EntityTransfers,
	"MarketPurchasesBetween": subgraph.EntityTransfers,
	"RecentItemPurchases":    subgraph.EntityTransfers,
	"UserPurchases":          subgraph.EntityTransfers,
	"RecentUserPurchases":    subgraph.EntityTransfers,
	"RecentUserSales":        subgraph.EntityTransfers,
	"ActiveItemListings":     subgraph.EntityListings,
	"ActiveListings":         subgraph.EntityListings,
	"UserListingsWithSales":  subgraph.EntityListings,
	"RecentUserListings":     subgraph.EntityListings,
	"Items":                  subgraph.EntityItems,
	"ItemByID":               subgraph.EntityItem,
	"ItemDayData":            subgraph.EntityItemDayDatas,
	"UserItemPosition":       subgraph.EntityPosition,
}

type fakeRoute struct {
	op    string
	match map[string]string
	rows  []interface{}
	one   interface{}
	err   error
}

// fakeIndexer answers queries by operation name and variables. Unrouted
// list queries return no rows and unrouted single queries return null.
type fakeIndexer struct {
	mu      sync.Mutex
	routes  []fakeRoute
	calls   map[string]int
	vars    map[string][]map[string]interface{}
	onQuery func(ctx context.Context, op string) error
}

func newFakeIndexer() *fakeIndexer {
	return &fakeIndexer{
		calls: make(map[string]int),
		vars:  make(map[string][]map[string]interface{}),
	}
}

// rows routes a list operation; match pairs are variable name and value.
func (f *fakeIndexer) rows(op string, rows interface{}, match ...string) {
	var list []interface{}
	raw, _ := json.Marshal(rows)
	var items []json.RawMessage
	_ = json.Unmarshal(raw, &items)
	for _, it := range items {
		list = append(list, it)
	}
	f.add(fakeRoute{op: op, match: pairs(match), rows: list})
}

func (f *fakeIndexer) one(op string, row interface{}, match ...string) {
	f.add(fakeRoute{op: op, match: pairs(match), one: row})
}

func (f *fakeIndexer) fail(op string, err error, match ...string) {
	f.add(fakeRoute{op: op, match: pairs(match), err: err})
}

func (f *fakeIndexer) add(r fakeRoute) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.routes = append(f.routes, r)
}

func (f *fakeIndexer) count(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}

func (f *fakeIndexer) lastVars(op string) map[string]interface{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	v := f.vars[op]
	if len(v) == 0 {
		return nil
	}
	return v[len(v)-1]
}

func pairs(kv []string) map[string]string {
	m := make(map[string]string, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		m[kv[i]] = kv[i+1]
	}
	return m
}

func operationName(query string) string {
	q := strings.TrimPrefix(strings.TrimSpace(query), "query ")
	if i := strings.IndexAny(q, "( {"); i >= 0 {
		return q[:i]
	}
	return q
}

func (f *fakeIndexer) Query(ctx context.Context, query string, vars map[string]interface{}) (map[string]json.RawMessage, error) {
	op := operationName(query)
	entity, ok := fakeEntities[op]
	if !ok {
		return nil, fmt.Errorf("fake indexer: unknown operation %q", op)
	}

	f.mu.Lock()
	f.calls[op]++
	f.vars[op] = append(f.vars[op], vars)
	hook := f.onQuery
	var route *fakeRoute
	for i := range f.routes {
		r := &f.routes[i]
		if r.op != op {
			continue
		}
		matched := true
		for k, want := range r.match {
			if fmt.Sprint(vars[k]) != want {
				matched = false
				break
			}
		}
		if matched {
			route = r
			break
		}
	}
	f.mu.Unlock()

	if hook != nil {
		if err := hook(ctx, op); err != nil {
			return nil, err
		}
	}
	if route != nil && route.err != nil {
		return nil, route.err
	}

	if _, paged := vars["first"]; !paged {
		if route == nil || route.one == nil {
			return map[string]json.RawMessage{entity: json.RawMessage("null")}, nil
		}
		raw, err := json.Marshal(route.one)
		if err != nil {
			return nil, err
		}
		return map[string]json.RawMessage{entity: raw}, nil
	}

	first := vars["first"].(int)
	skip := vars["skip"].(int)
	page := []interface{}{}
	if route != nil {
		for i := skip; i < skip+first && i < len(route.rows); i++ {
			page = append(page, route.rows[i])
		}
	}
	raw, err := json.Marshal(page)
	if err != nil {
		return nil, err
	}
	return map[string]json.RawMessage{entity: raw}, nil
}

func scalar(v interface{}) subgraph.Scalar {
	return subgraph.Scalar(fmt.Sprint(v))
}

func transferRow(id string, ts int64, price, amount, value string) subgraph.TransferRow {
	return subgraph.TransferRow{
		ID:              id,
		TxHash:          "0x" + id,
		Timestamp:       scalar(ts),
		PricePerItemETH: subgraph.Scalar(price),
		Amount:          subgraph.Scalar(amount),
		TotalValueETH:   subgraph.Scalar(value),
	}
}

func listingRow(id, price, remaining string) subgraph.ListingRow {
	return subgraph.ListingRow{
		ID:              id,
		Amount:          subgraph.Scalar(remaining),
		AmountRemaining: subgraph.Scalar(remaining),
		PricePerItemETH: subgraph.Scalar(price),
		Status:          string(types.ListingActive),
		IsActive:        "true",
		Timestamp:       "100",
		Owner:           &subgraph.EntityRef{ID: "0xseller"},
	}
}

func itemRow(id, currentPrice string) subgraph.ItemRow {
	return subgraph.ItemRow{
		ID:                 id,
		TotalVolumeETH:     "10",
		TotalTrades:        "4",
		TotalItemsSold:     "8",
		CurrentPriceETH:    subgraph.Scalar(currentPrice),
		LastTradeTimestamp: scalar(dayStart + 60),
	}
}

type testEnv struct {
	indexer *fakeIndexer
	metrics *observability.Metrics
	cache   *storage.CacheService
	svc     *MarketService
}

func testTTLs() config.CacheConfig {
	return config.CacheConfig{
		OrderBookTTL:   time.Minute,
		TradesTTL:      time.Minute,
		CandlesTTL:     time.Minute,
		StatsTTL:       time.Minute,
		ItemsTTL:       time.Minute,
		PnLTTL:         time.Minute,
		ETHPriceTTL:    time.Minute,
		GameDataTTL:    time.Minute,
		GameTimeTTL:    time.Minute,
		DayDataTTL:     time.Minute,
		UserHistoryTTL: time.Minute,
	}
}

// newTestEnv wires a service over a fake indexer at testNow. With withCache
// set, inputs are cached in memory for a minute.
func newTestEnv(t *testing.T, withCache bool, configure ...func(*Options)) *testEnv {
	t.Helper()
	env := &testEnv{
		indexer: newFakeIndexer(),
		metrics: observability.NewMetrics("test"),
	}
	o := Options{
		Reader:  subgraph.NewReader(env.indexer, 0, env.metrics),
		Metrics: env.metrics,
		Now:     func() time.Time { return testNow },
	}
	if withCache {
		mem := storage.NewMemoryCache(func() time.Time { return testNow })
		env.cache = storage.NewCacheService(mem, env.metrics)
		o.Cache = env.cache
		o.CacheTTL = testTTLs()
	}
	for _, c := range configure {
		c(&o)
	}
	env.svc = NewMarketService(o)
	return env
}
