package adapter

import (
	"context"
	stderrors "errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/market-aggregator/internal/circuitbreaker"
	"github.com/market-aggregator/internal/config"
	"github.com/market-aggregator/internal/errors"
	"github.com/market-aggregator/internal/logging"
	"github.com/market-aggregator/internal/observability"
	"github.com/market-aggregator/internal/retry"
	"github.com/market-aggregator/internal/types"
)

// Price feed names, in fallback order
const (
	SourceCoinMarketCap = "coinmarketcap"
	SourceBinance       = "binance"
	SourceCoinGecko     = "coingecko"
)

type priceSource struct {
	name    string
	url     string
	headers map[string]string
	parse   func(get func(dest interface{}) error) (float64, error)
}

// PriceFeed resolves the ETH/USD price from the first feed that answers.
type PriceFeed struct {
	sources  []priceSource
	client   *http.Client
	breakers *circuitbreaker.Manager
	retry    *retry.RetryConfig
	metrics  *observability.Metrics
	maxBody  int64
	now      func() time.Time
}

// NewPriceFeed builds the CoinMarketCap, Binance and CoinGecko chain.
// CoinMarketCap is skipped when no API key is configured.
func NewPriceFeed(cfg *config.PriceFeedConfig, breakers *circuitbreaker.Manager, metrics *observability.Metrics) *PriceFeed {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if breakers == nil {
		breakers = circuitbreaker.NewManager()
	}

	var sources []priceSource
	if cfg.CoinMarketCapKey != "" {
		sources = append(sources, priceSource{
			name:    SourceCoinMarketCap,
			url:     strings.TrimRight(cfg.CoinMarketCapURL, "/") + "/v1/cryptocurrency/quotes/latest?id=1027",
			headers: map[string]string{"X-CMC_PRO_API_KEY": cfg.CoinMarketCapKey},
			parse:   parseCoinMarketCap,
		})
	}
	sources = append(sources,
		priceSource{
			name:  SourceBinance,
			url:   strings.TrimRight(cfg.BinanceURL, "/") + "/api/v3/ticker/price?symbol=ETHUSDT",
			parse: parseBinance,
		},
		priceSource{
			name:  SourceCoinGecko,
			url:   strings.TrimRight(cfg.CoinGeckoURL, "/") + "/api/v3/simple/price?ids=ethereum&vs_currencies=usd",
			parse: parseCoinGecko,
		},
	)

	return &PriceFeed{
		sources:  sources,
		client:   &http.Client{Timeout: timeout},
		breakers: breakers,
		retry:    retryConfig(cfg.MaxAttempts),
		metrics:  metrics,
		maxBody:  maxBody(cfg.MaxResponseBytes, 1<<20),
		now:      time.Now,
	}
}

// ETHPrice returns the price from the first feed answering with a positive
// value. When every feed fails the error is a 503 service-unavailable.
func (f *PriceFeed) ETHPrice(ctx context.Context) (types.ETHPrice, error) {
	logger := logging.FromContext(ctx)
	var failures []error

	for _, src := range f.sources {
		if err := ctx.Err(); err != nil {
			return types.ETHPrice{}, err
		}

		price, err := f.fetch(ctx, src)
		if err == nil {
			return types.ETHPrice{USD: price, Source: src.name, FetchedAt: f.now().Unix()}, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return types.ETHPrice{}, ctxErr
		}
		logger.WithField("source", src.name).WithError(err).Warn("ETH price feed failed, trying next")
		failures = append(failures, fmt.Errorf("%s: %w", src.name, err))
	}

	unavailable := errors.NewServiceUnavailableError("eth_price")
	unavailable.Cause = stderrors.Join(failures...)
	return types.ETHPrice{}, unavailable
}

func (f *PriceFeed) fetch(ctx context.Context, src priceSource) (float64, error) {
	var price float64
	breaker := f.breakers.GetOrCreate(src.name, nil)
	err := call(ctx, breaker, f.retry, f.metrics, src.name, func(ctx context.Context) error {
		p, err := src.parse(func(dest interface{}) error {
			return getJSON(ctx, f.client, src.name, src.url, src.headers, f.maxBody, dest)
		})
		if err != nil {
			return err
		}
		if p <= 0 {
			return errors.NewSourceUnavailableError(src.name, fmt.Errorf("no positive price in response"))
		}
		price = p
		return nil
	})
	return price, err
}

func parseCoinMarketCap(get func(dest interface{}) error) (float64, error) {
	var body struct {
		Data map[string]struct {
			Quote map[string]struct {
				Price float64 `json:"price"`
			} `json:"quote"`
		} `json:"data"`
	}
	if err := get(&body); err != nil {
		return 0, err
	}
	return body.Data["1027"].Quote["USD"].Price, nil
}

func parseBinance(get func(dest interface{}) error) (float64, error) {
	var body struct {
		Price string `json:"price"`
	}
	if err := get(&body); err != nil {
		return 0, err
	}
	if body.Price == "" {
		return 0, nil
	}
	p, err := strconv.ParseFloat(body.Price, 64)
	if err != nil {
		return 0, errors.NewSourceUnavailableError(SourceBinance, fmt.Errorf("invalid price %q", body.Price))
	}
	return p, nil
}

func parseCoinGecko(get func(dest interface{}) error) (float64, error) {
	var body struct {
		Ethereum struct {
			USD float64 `json:"usd"`
		} `json:"ethereum"`
	}
	if err := get(&body); err != nil {
		return 0, err
	}
	return body.Ethereum.USD, nil
}
