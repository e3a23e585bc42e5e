package service

import (
	"context"
	"sort"
	"strconv"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/market-aggregator/internal/adapter"
	"github.com/market-aggregator/internal/errors"
	"github.com/market-aggregator/internal/market"
	"github.com/market-aggregator/internal/types"
)

// GetETHPrice returns the ETH/USD price from the first feed that answers.
func (s *MarketService) GetETHPrice(ctx context.Context) (price types.ETHPrice, err error) {
	defer s.observe("eth_price", time.Now(), &err)
	if s.prices == nil {
		err = errors.NewServiceUnavailableError("eth_price")
	} else if price, err = s.ethPrice(ctx); err == nil {
		return price, nil
	}
	s.degrade(ctx, "eth_price", err, nil)
	return types.ETHPrice{}, err
}

// GetItemDetails returns the game's description of every item, keyed by id.
func (s *MarketService) GetItemDetails(ctx context.Context) (catalog types.ItemCatalog, err error) {
	defer s.observe("item_details", time.Now(), &err)
	if s.game == nil {
		err = errors.NewServiceUnavailableError("game_api")
	} else {
		var items map[string]types.ItemDetails
		if items, err = s.gameItems(ctx); err == nil {
			return types.ItemCatalog{Items: items}, nil
		}
	}
	return types.ItemCatalog{
		Items: map[string]types.ItemDetails{},
		Error: s.degrade(ctx, "item_details", err, nil),
	}, err
}

// GetCurrentTime returns the game's current day and week.
func (s *MarketService) GetCurrentTime(ctx context.Context) (now types.GameTime, err error) {
	defer s.observe("current_time", time.Now(), &err)
	if s.game == nil {
		err = errors.NewServiceUnavailableError("game_api")
	} else if now, err = s.gameTime(ctx); err == nil {
		return now, nil
	}
	return types.GameTime{Error: s.degrade(ctx, "current_time", err, nil)}, err
}

// GetPlayerExecutions returns a player's recipe execution records.
func (s *MarketService) GetPlayerExecutions(ctx context.Context, address string) (view types.PlayerExecutions, err error) {
	defer s.observe("player_executions", time.Now(), &err)
	view = types.PlayerExecutions{PlayerAddress: address, Executions: []types.RecipeExecution{}}

	var player string
	if player, err = normalizeAddress(address); err == nil {
		view.PlayerAddress = player
		if s.game == nil {
			err = errors.NewServiceUnavailableError("game_api")
		} else {
			var records []types.RecipeExecution
			if records, err = s.playerExecutions(ctx, player); err == nil {
				view.Executions = records
				return view, nil
			}
		}
	}
	view.Error = s.degrade(ctx, "player_executions", err, map[string]interface{}{"player": address})
	return view, err
}

// GetStubIcon returns the name and images of the stub item.
func (s *MarketService) GetStubIcon(ctx context.Context) (stub types.StubIcon, err error) {
	defer s.observe("stub_icon", time.Now(), &err)
	if s.game == nil {
		err = errors.NewServiceUnavailableError("game_api")
	} else {
		var item types.ItemDetails
		if item, err = s.stubIcon(ctx); err == nil {
			name := item.Name
			if name == "" {
				name = "Stub"
			}
			return types.StubIcon{ID: item.ID, Name: name, Image: item.Image, Icon: item.Icon}, nil
		}
	}
	return types.StubIcon{
		ID:    adapter.StubItemID,
		Name:  "Stub",
		Error: s.degrade(ctx, "stub_icon", err, nil),
	}, err
}

// GetNoobID returns the game account id linked to a wallet.
func (s *MarketService) GetNoobID(ctx context.Context, address string) (account types.GameAccount, err error) {
	defer s.observe("noob_id", time.Now(), &err)
	var wallet string
	if wallet, err = normalizeAddress(address); err == nil {
		if s.game == nil {
			err = errors.NewServiceUnavailableError("game_api")
		} else if account, err = s.gameAccount(ctx, wallet); err == nil {
			return account, nil
		}
	}
	return types.GameAccount{
		Address: address,
		Error:   s.degrade(ctx, "noob_id", err, map[string]interface{}{"address": address}),
	}, err
}

// GetDeals prices the weekly and daily recipes against the cheapest active
// listings of their input item. With a player address, each deal also
// carries how often that player completed it this period.
func (s *MarketService) GetDeals(ctx context.Context, playerAddress string) (report types.DealsReport, err error) {
	defer s.observe("deals", time.Now(), &err)
	if report, err = s.deals(ctx, playerAddress); err == nil {
		return report, nil
	}
	return types.DealsReport{
		Weekly: []types.Deal{},
		Daily:  []types.Deal{},
		Error:  s.degrade(ctx, "deals", err, map[string]interface{}{"player": playerAddress}),
	}, err
}

func (s *MarketService) deals(ctx context.Context, playerAddress string) (types.DealsReport, error) {
	var player string
	if playerAddress != "" {
		var err error
		if player, err = normalizeAddress(playerAddress); err != nil {
			return types.DealsReport{}, err
		}
	}
	if s.game == nil {
		return types.DealsReport{}, errors.NewServiceUnavailableError("game_api")
	}
	recipes, err := s.recipes(ctx)
	if err != nil {
		return types.DealsReport{}, err
	}

	var asks askBook
	var progress *playerProgress
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		asks, err = s.dealAsks(gctx, recipes)
		return err
	})
	if player != "" {
		g.Go(func() error {
			progress = s.loadProgress(gctx, player)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return types.DealsReport{}, err
	}

	report := types.DealsReport{Weekly: []types.Deal{}, Daily: []types.Deal{}}
	for _, r := range recipes {
		if !r.IsWeekly && !r.IsDaily {
			continue
		}
		input := dealInput(r)
		deal := market.PriceDeal(r, asks.listings[input])
		deal.Error = asks.failed[input]
		if r.IsWeekly {
			report.Weekly = append(report.Weekly, progress.track(deal, true))
		}
		if r.IsDaily {
			report.Daily = append(report.Daily, progress.track(deal, false))
		}
	}
	report.WeeklyTotals = market.SummarizeDeals(report.Weekly)
	report.DailyTotals = market.SummarizeDeals(report.Daily)
	return report, nil
}

// playerProgress is the game period and a player's execution records.
type playerProgress struct {
	now        types.GameTime
	executions map[string]types.RecipeExecution
}

// track applies the player's executions to deal. A nil progress leaves the
// deal at zero executions.
func (p *playerProgress) track(deal types.Deal, weekly bool) types.Deal {
	if p == nil {
		return deal
	}
	return market.TrackExecutions(deal, weekly, p.now, p.executions)
}

// loadProgress loads the current period and the player's executions. The
// deals are still served when either lookup fails, without execution counts.
func (s *MarketService) loadProgress(ctx context.Context, player string) *playerProgress {
	fields := map[string]interface{}{"player": player}
	now, err := s.gameTime(ctx)
	if err != nil {
		s.degrade(ctx, "deals_current_time", err, fields)
		return nil
	}
	records, err := s.playerExecutions(ctx, player)
	if err != nil {
		s.degrade(ctx, "deals_player_executions", err, fields)
		return nil
	}
	p := &playerProgress{now: now, executions: make(map[string]types.RecipeExecution, len(records))}
	for _, r := range records {
		p.executions[r.RecipeID] = r
	}
	return p
}

func dealInput(r types.Recipe) string {
	if len(r.InputIDs) == 0 {
		return ""
	}
	return strconv.FormatInt(r.InputIDs[0], 10)
}

// askBook holds the cheapest listings per deal input, and the error text of
// inputs whose listings could not be loaded.
type askBook struct {
	listings map[string][]types.Listing
	failed   map[string]string
}

// dealAsks loads the cheapest listings of every distinct deal input, with
// at most the configured batch size of loads in flight. An input that fails
// to load prices its deals as untradeable; only cancellation fails the call.
func (s *MarketService) dealAsks(ctx context.Context, recipes []types.Recipe) (askBook, error) {
	var inputs []string
	seen := make(map[string]bool)
	for _, r := range recipes {
		id := dealInput(r)
		if id == "" || seen[id] || (!r.IsWeekly && !r.IsDaily) {
			continue
		}
		seen[id] = true
		inputs = append(inputs, id)
	}

	loaded := make([][]types.Listing, len(inputs))
	failures := make([]string, len(inputs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.batchSize)
	for i, id := range inputs {
		g.Go(func() error {
			listings, err := s.activeListings(gctx, id)
			if err != nil {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				failures[i] = s.degrade(gctx, "deal_asks", err, map[string]interface{}{"itemId": id})
				return nil
			}
			loaded[i] = cheapest(listings, dealAskDepth)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		if ctx.Err() != nil {
			return askBook{}, ctx.Err()
		}
		return askBook{}, err
	}

	asks := askBook{
		listings: make(map[string][]types.Listing, len(inputs)),
		failed:   make(map[string]string),
	}
	for i, id := range inputs {
		asks.listings[id] = loaded[i]
		if failures[i] != "" {
			asks.failed[id] = failures[i]
		}
	}
	return asks, nil
}

// cheapest returns up to n listings with something left, by ascending price.
// The input is not modified.
func cheapest(listings []types.Listing, n int) []types.Listing {
	out := make([]types.Listing, 0, len(listings))
	for _, l := range listings {
		if l.AmountRemaining > 0 {
			out = append(out, l)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].PricePerItemETH < out[j].PricePerItemETH
	})
	if len(out) > n {
		out = out[:n]
	}
	return out
}
