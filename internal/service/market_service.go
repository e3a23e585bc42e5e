// Package service builds the marketplace views: it pulls rows through the
// paginated reader, normalizes them and hands them to the aggregators.
// Failed views come back well-formed and empty with their error field set.
package service

import (
	"context"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/market-aggregator/internal/config"
	"github.com/market-aggregator/internal/errors"
	"github.com/market-aggregator/internal/logging"
	"github.com/market-aggregator/internal/market"
	"github.com/market-aggregator/internal/normalize"
	"github.com/market-aggregator/internal/observability"
	"github.com/market-aggregator/internal/storage"
	"github.com/market-aggregator/internal/subgraph"
	"github.com/market-aggregator/internal/types"
)

const (
	defaultTradesLimit  = 30
	maxTradesLimit      = 500
	defaultHistoryLimit = 50
	defaultBatchSize    = 10
	// dealAskDepth is how many of the cheapest listings a deal is priced against
	dealAskDepth = 100
)

// PriceProvider resolves the ETH/USD price.
type PriceProvider interface {
	ETHPrice(ctx context.Context) (types.ETHPrice, error)
}

// GameCatalog reads the game's offchain data.
type GameCatalog interface {
	ItemDetails(ctx context.Context) (map[string]types.ItemDetails, error)
	Recipes(ctx context.Context) ([]types.Recipe, error)
	CurrentTime(ctx context.Context) (types.GameTime, error)
	PlayerExecutions(ctx context.Context, address string) ([]types.RecipeExecution, error)
	StubIcon(ctx context.Context) (types.ItemDetails, error)
	Account(ctx context.Context, address string) (types.GameAccount, error)
}

// Options wires a MarketService. Reader is required; Cache, Prices, Game
// and Metrics may be nil.
type Options struct {
	Reader     *subgraph.Reader
	Normalizer *normalize.Normalizer
	Cache      *storage.CacheService
	CacheTTL   config.CacheConfig
	Trades     config.TradesConfig
	Stats      config.StatsConfig
	Prices     PriceProvider
	Game       GameCatalog
	Metrics    *observability.Metrics
	Now        func() time.Time
}

// MarketService serves every marketplace view.
type MarketService struct {
	reader     *subgraph.Reader
	normalizer *normalize.Normalizer
	cache      *storage.CacheService
	ttl        config.CacheConfig
	prices     PriceProvider
	game       GameCatalog
	metrics    *observability.Metrics
	now        func() time.Time

	tradesPolicy  market.OverFetchPolicy
	tradesDefault int
	tradesMax     int
	batchSize     int
}

// NewMarketService creates a MarketService from opts.
func NewMarketService(opts Options) *MarketService {
	s := &MarketService{
		reader:        opts.Reader,
		normalizer:    opts.Normalizer,
		cache:         opts.Cache,
		ttl:           opts.CacheTTL,
		prices:        opts.Prices,
		game:          opts.Game,
		metrics:       opts.Metrics,
		now:           opts.Now,
		tradesPolicy:  market.DefaultOverFetchPolicy(),
		tradesDefault: opts.Trades.DefaultLimit,
		tradesMax:     opts.Trades.MaxLimit,
		batchSize:     opts.Stats.BatchSize,
	}
	if s.normalizer == nil {
		s.normalizer = normalize.New(opts.Metrics)
	}
	if s.now == nil {
		s.now = time.Now
	}
	if opts.Trades.OverFetchMultiplier > 0 {
		s.tradesPolicy.Multiplier = opts.Trades.OverFetchMultiplier
	}
	if opts.Trades.MultiplierGrowth > 0 {
		s.tradesPolicy.Growth = opts.Trades.MultiplierGrowth
	}
	if opts.Trades.MaxAttempts > 0 {
		s.tradesPolicy.MaxAttempts = opts.Trades.MaxAttempts
	}
	// One indexer page is the most a single trades fetch can return.
	s.tradesPolicy.MaxFetch = s.reader.PageSize()
	if s.tradesDefault <= 0 {
		s.tradesDefault = defaultTradesLimit
	}
	if s.tradesMax <= 0 {
		s.tradesMax = maxTradesLimit
	}
	if s.batchSize <= 0 {
		s.batchSize = defaultBatchSize
	}
	return s
}

// observe records an aggregation's duration and, on failure, its category.
func (s *MarketService) observe(op string, start time.Time, err *error) {
	category := ""
	if *err != nil {
		category = string(errors.Categorize(*err).Category)
	}
	s.metrics.ObserveAggregation(op, time.Since(start), category)
}

// degrade logs a failed aggregation once and returns the text for the
// view's error field.
func (s *MarketService) degrade(ctx context.Context, op string, err error, fields map[string]interface{}) string {
	cat := errors.Categorize(err)
	logger := logging.FromContext(ctx).WithFields(fields).WithField("operation", op)
	switch cat.Category {
	case errors.CategoryCancelled:
		logger.Debug("Aggregation cancelled")
	case errors.CategoryValidation, errors.CategoryNotFound:
		logger.WithError(err).Debug("Rejected request")
	default:
		logger.WithError(err).Warn("Aggregation failed, returning empty result")
	}
	return cat.Message
}

func validateItemID(itemID string) (string, error) {
	itemID = strings.TrimSpace(itemID)
	if itemID == "" {
		return "", errors.NewInvalidParameterError("itemId", "must not be empty")
	}
	return itemID, nil
}

// normalizeAddress validates a hex address and returns it in the indexer's
// lowercase 0x form.
func normalizeAddress(address string) (string, error) {
	address = strings.TrimSpace(address)
	if !common.IsHexAddress(address) {
		return "", errors.NewInvalidAddressError(address)
	}
	return strings.ToLower(common.HexToAddress(address).Hex()), nil
}

func clampLimit(limit, def, max int) int {
	if limit <= 0 {
		return def
	}
	if limit > max {
		return max
	}
	return limit
}
