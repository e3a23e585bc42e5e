package service

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/market-aggregator/internal/errors"
	"github.com/market-aggregator/internal/subgraph"
	"github.com/market-aggregator/internal/types"
)

type fakePrices struct {
	calls atomic.Int32
	price types.ETHPrice
	err   error
}

func (f *fakePrices) ETHPrice(ctx context.Context) (types.ETHPrice, error) {
	f.calls.Add(1)
	return f.price, f.err
}

type fakeGame struct {
	items   map[string]types.ItemDetails
	recipes []types.Recipe
	err     error

	now       types.GameTime
	nowErr    error
	execs     map[string][]types.RecipeExecution
	execErr   error
	stub      *types.ItemDetails
	noobIDs   map[string]string
	execCalls atomic.Int32
}

func (f *fakeGame) ItemDetails(ctx context.Context) (map[string]types.ItemDetails, error) {
	return f.items, f.err
}

func (f *fakeGame) Recipes(ctx context.Context) ([]types.Recipe, error) {
	return f.recipes, f.err
}

func (f *fakeGame) CurrentTime(ctx context.Context) (types.GameTime, error) {
	return f.now, f.nowErr
}

func (f *fakeGame) PlayerExecutions(ctx context.Context, address string) ([]types.RecipeExecution, error) {
	f.execCalls.Add(1)
	return f.execs[address], f.execErr
}

func (f *fakeGame) StubIcon(ctx context.Context) (types.ItemDetails, error) {
	if f.stub == nil {
		return types.ItemDetails{}, errors.NewNotFoundError("item", "373")
	}
	return *f.stub, nil
}

func (f *fakeGame) Account(ctx context.Context, address string) (types.GameAccount, error) {
	id, ok := f.noobIDs[address]
	if !ok {
		return types.GameAccount{}, errors.NewNotFoundError("noob token", address)
	}
	return types.GameAccount{Address: address, NoobID: id}, nil
}

const player = "0x00000000000000000000000000000000000000aa"

func TestGetETHPrice_Cached(t *testing.T) {
	prices := &fakePrices{price: types.ETHPrice{USD: 3100.5, Source: "binance", FetchedAt: testNow.Unix()}}
	env := newTestEnv(t, true, func(o *Options) { o.Prices = prices })
	ctx := testContext(t)

	for i := 0; i < 2; i++ {
		price, err := env.svc.GetETHPrice(ctx)
		require.NoError(t, err)
		assert.Equal(t, 3100.5, price.USD)
		assert.Equal(t, "binance", price.Source)
	}
	assert.Equal(t, int32(1), prices.calls.Load())
}

func TestGetETHPrice_Unavailable(t *testing.T) {
	prices := &fakePrices{err: errors.NewServiceUnavailableError("eth_price")}
	env := newTestEnv(t, false, func(o *Options) { o.Prices = prices })

	_, err := env.svc.GetETHPrice(testContext(t))
	require.Error(t, err)
	assert.Equal(t, 503, errors.GetHTTPStatusCode(err))

	unwired := newTestEnv(t, false)
	_, err = unwired.svc.GetETHPrice(testContext(t))
	assert.True(t, errors.IsSourceUnavailable(err))
}

func TestGetItemDetails(t *testing.T) {
	game := &fakeGame{items: map[string]types.ItemDetails{
		"7": {ID: "7", Name: "Ancient Relic", Rarity: "Rare"},
	}}
	env := newTestEnv(t, false, func(o *Options) { o.Game = game })

	catalog, err := env.svc.GetItemDetails(testContext(t))
	require.NoError(t, err)
	assert.Equal(t, "Ancient Relic", catalog.Items["7"].Name)

	game.err = fmt.Errorf("game api down")
	catalog, err = env.svc.GetItemDetails(testContext(t))
	require.Error(t, err)
	assert.NotNil(t, catalog.Items)
	assert.Empty(t, catalog.Items)
	assert.NotEmpty(t, catalog.Error)
}

func TestGetDeals_PricesAgainstCheapestAsks(t *testing.T) {
	game := &fakeGame{recipes: []types.Recipe{
		{ID: "w1", Name: "Weekly", IsWeekly: true, InputIDs: []int64{7}, InputAmounts: []int64{3}, LootAmounts: []int64{10}, MaxCompletions: 2},
		{ID: "d1", Name: "Daily", IsDaily: true, InputIDs: []int64{8}, InputAmounts: []int64{1}, LootAmounts: []int64{4}, MaxCompletions: 1},
		{ID: "x1", Name: "Neither", InputIDs: []int64{9}, InputAmounts: []int64{1}},
	}}
	env := newTestEnv(t, false, func(o *Options) { o.Game = game })
	env.indexer.rows("ActiveItemListings", []subgraph.ListingRow{
		listingRow("l2", "0.2", "5"),
		listingRow("l1", "0.1", "2"),
	}, "itemId", "7")

	report, err := env.svc.GetDeals(testContext(t), "")
	require.NoError(t, err)

	require.Len(t, report.Weekly, 1)
	weekly := report.Weekly[0]
	assert.True(t, weekly.IsTradeable)
	assert.InDelta(t, 0.4, weekly.TotalCost, 1e-9)
	assert.InDelta(t, 0.04, weekly.CostPerStub, 1e-9)
	assert.InDelta(t, 0.8, weekly.TotalCostWithMultiplier, 1e-9)
	require.Len(t, weekly.PriceBreakdown, 2)
	assert.Equal(t, "l1", weekly.PriceBreakdown[0].ListingID, "cheapest ask consumed first")

	require.Len(t, report.Daily, 1)
	assert.False(t, report.Daily[0].IsTradeable, "no asks for input 8")

	assert.Equal(t, 1, report.WeeklyTotals.TradeableDealsCount)
	assert.Equal(t, int64(20), report.WeeklyTotals.TotalStubs)
	assert.Equal(t, 0, report.DailyTotals.TradeableDealsCount)
	assert.Equal(t, 2, env.indexer.count("ActiveItemListings"), "one load per distinct input")
}

func TestGetDeals_ListingFailureOnlyAffectsItsDeal(t *testing.T) {
	game := &fakeGame{recipes: []types.Recipe{
		{ID: "w1", IsWeekly: true, InputIDs: []int64{7}, InputAmounts: []int64{1}, LootAmounts: []int64{2}, MaxCompletions: 1},
		{ID: "w2", IsWeekly: true, InputIDs: []int64{8}, InputAmounts: []int64{1}, LootAmounts: []int64{2}, MaxCompletions: 1},
	}}
	env := newTestEnv(t, false, func(o *Options) { o.Game = game })
	env.indexer.rows("ActiveItemListings", []subgraph.ListingRow{listingRow("l1", "0.1", "4")}, "itemId", "7")
	env.indexer.fail("ActiveItemListings", sourceDown(), "itemId", "8")

	report, err := env.svc.GetDeals(testContext(t), "")
	require.NoError(t, err)
	assert.Empty(t, report.Error)
	require.Len(t, report.Weekly, 2)

	ok, failed := report.Weekly[0], report.Weekly[1]
	assert.Equal(t, "w1", ok.RecipeID)
	assert.True(t, ok.IsTradeable)
	assert.Empty(t, ok.Error)

	assert.Equal(t, "w2", failed.RecipeID)
	assert.False(t, failed.IsTradeable)
	assert.NotEmpty(t, failed.Error)

	assert.Equal(t, 1, report.WeeklyTotals.TradeableDealsCount)
	assert.Equal(t, 2, report.WeeklyTotals.TotalDealsCount)
}

func TestGetDeals_RecipeFailureDegradesReport(t *testing.T) {
	game := &fakeGame{err: fmt.Errorf("game api down")}
	env := newTestEnv(t, false, func(o *Options) { o.Game = game })

	report, err := env.svc.GetDeals(testContext(t), "")
	require.Error(t, err)
	assert.NotEmpty(t, report.Error)
	assert.NotNil(t, report.Weekly)
	assert.Empty(t, report.Weekly)
}

func TestGetDeals_TracksPlayerExecutions(t *testing.T) {
	game := &fakeGame{
		recipes: []types.Recipe{
			{ID: "w1", IsWeekly: true, InputIDs: []int64{7}, InputAmounts: []int64{1}, LootAmounts: []int64{1}, MaxCompletions: 3},
			{ID: "d1", IsDaily: true, InputIDs: []int64{7}, InputAmounts: []int64{1}, LootAmounts: []int64{1}, MaxCompletions: 2},
			{ID: "d2", IsDaily: true, InputIDs: []int64{7}, InputAmounts: []int64{1}, LootAmounts: []int64{1}, MaxCompletions: 2},
		},
		now: types.GameTime{CurrentDay: 20300, CurrentWeek: 2900},
		execs: map[string][]types.RecipeExecution{player: {
			{RecipeID: "w1", Day: 20299, Week: 2900, DayCount: 1, WeekCount: 2},
			{RecipeID: "d1", Day: 20300, Week: 2900, DayCount: 2, WeekCount: 5},
			{RecipeID: "d2", Day: 20299, Week: 2900, DayCount: 2, WeekCount: 2},
		}},
	}
	env := newTestEnv(t, false, func(o *Options) { o.Game = game })

	report, err := env.svc.GetDeals(testContext(t), "0x00000000000000000000000000000000000000AA")
	require.NoError(t, err)

	require.Len(t, report.Weekly, 1)
	assert.Equal(t, int64(2), report.Weekly[0].CurrentExecutions)
	assert.Equal(t, int64(1), report.Weekly[0].RemainingExecutions)

	require.Len(t, report.Daily, 2)
	assert.Equal(t, int64(2), report.Daily[0].CurrentExecutions)
	assert.Equal(t, int64(0), report.Daily[0].RemainingExecutions)
	assert.Equal(t, int64(0), report.Daily[1].CurrentExecutions, "yesterday's count does not carry over")
	assert.Equal(t, int64(2), report.Daily[1].RemainingExecutions)
}

func TestGetDeals_ProgressFailureStillServesDeals(t *testing.T) {
	game := &fakeGame{
		recipes: []types.Recipe{
			{ID: "w1", IsWeekly: true, InputIDs: []int64{7}, InputAmounts: []int64{1}, LootAmounts: []int64{1}, MaxCompletions: 3},
		},
		execErr: errors.NewSourceUnavailableError("game_api", fmt.Errorf("timeout")),
	}
	env := newTestEnv(t, false, func(o *Options) { o.Game = game })

	report, err := env.svc.GetDeals(testContext(t), player)
	require.NoError(t, err)
	require.Len(t, report.Weekly, 1)
	assert.Equal(t, int64(0), report.Weekly[0].CurrentExecutions)
	assert.Equal(t, int64(3), report.Weekly[0].RemainingExecutions)
}

func TestGetDeals_InvalidPlayerAddress(t *testing.T) {
	game := &fakeGame{}
	env := newTestEnv(t, false, func(o *Options) { o.Game = game })

	report, err := env.svc.GetDeals(testContext(t), "not-an-address")
	require.Error(t, err)
	assert.Equal(t, 400, errors.GetHTTPStatusCode(err))
	assert.NotEmpty(t, report.Error)
	assert.Equal(t, int32(0), game.execCalls.Load())
}

func TestGetCurrentTime(t *testing.T) {
	game := &fakeGame{now: types.GameTime{CurrentDay: 20300, CurrentWeek: 2900}}
	env := newTestEnv(t, false, func(o *Options) { o.Game = game })

	now, err := env.svc.GetCurrentTime(testContext(t))
	require.NoError(t, err)
	assert.Equal(t, int64(20300), now.CurrentDay)
	assert.Equal(t, int64(2900), now.CurrentWeek)

	game.nowErr = errors.NewSourceUnavailableError("game_api", fmt.Errorf("down"))
	now, err = env.svc.GetCurrentTime(testContext(t))
	require.Error(t, err)
	assert.NotEmpty(t, now.Error)
}

func TestGetPlayerExecutions(t *testing.T) {
	game := &fakeGame{execs: map[string][]types.RecipeExecution{player: {
		{RecipeID: "w1", Day: 20300, Week: 2900, DayCount: 1, WeekCount: 1},
	}}}
	env := newTestEnv(t, false, func(o *Options) { o.Game = game })

	view, err := env.svc.GetPlayerExecutions(testContext(t), "0x00000000000000000000000000000000000000AA")
	require.NoError(t, err)
	assert.Equal(t, player, view.PlayerAddress)
	require.Len(t, view.Executions, 1)
	assert.Equal(t, "w1", view.Executions[0].RecipeID)

	view, err = env.svc.GetPlayerExecutions(testContext(t), "0x123")
	require.Error(t, err)
	assert.Equal(t, 400, errors.GetHTTPStatusCode(err))
	assert.NotNil(t, view.Executions)
	assert.NotEmpty(t, view.Error)
}

func TestGetStubIcon(t *testing.T) {
	game := &fakeGame{}
	env := newTestEnv(t, false, func(o *Options) { o.Game = game })

	stub, err := env.svc.GetStubIcon(testContext(t))
	require.Error(t, err)
	assert.Equal(t, 404, errors.GetHTTPStatusCode(err))
	assert.Equal(t, "373", stub.ID)
	assert.Equal(t, "Stub", stub.Name)
	assert.NotEmpty(t, stub.Error)

	game.stub = &types.ItemDetails{ID: "373", Name: "Gigaverse Stub", Image: "https://img/373.png", Icon: "https://img/373-icon.png"}
	stub, err = env.svc.GetStubIcon(testContext(t))
	require.NoError(t, err)
	assert.Equal(t, "Gigaverse Stub", stub.Name)
	assert.Equal(t, "https://img/373-icon.png", stub.Icon)
	assert.Empty(t, stub.Error)
}

func TestGetNoobID(t *testing.T) {
	game := &fakeGame{noobIDs: map[string]string{player: "1234"}}
	env := newTestEnv(t, false, func(o *Options) { o.Game = game })

	account, err := env.svc.GetNoobID(testContext(t), "0x00000000000000000000000000000000000000AA")
	require.NoError(t, err)
	assert.Equal(t, "1234", account.NoobID)

	other := "0x00000000000000000000000000000000000000bb"
	account, err = env.svc.GetNoobID(testContext(t), other)
	require.Error(t, err)
	assert.Equal(t, 404, errors.GetHTTPStatusCode(err))
	assert.Equal(t, other, account.Address)
	assert.Empty(t, account.NoobID)
	assert.NotEmpty(t, account.Error)
}

func TestCheapest(t *testing.T) {
	listings := []types.Listing{
		{ID: "c", PricePerItemETH: 0.3, AmountRemaining: 1},
		{ID: "a", PricePerItemETH: 0.1, AmountRemaining: 1},
		{ID: "z", PricePerItemETH: 0.05, AmountRemaining: 0},
		{ID: "b", PricePerItemETH: 0.2, AmountRemaining: 1},
	}
	got := cheapest(listings, 2)
	require.Len(t, got, 2)
	assert.Equal(t, "a", got[0].ID)
	assert.Equal(t, "b", got[1].ID)
	assert.Equal(t, "c", listings[0].ID, "input untouched")
}
