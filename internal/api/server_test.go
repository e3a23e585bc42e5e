package api

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	stderrors "errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/market-aggregator/internal/circuitbreaker"
	"github.com/market-aggregator/internal/config"
	"github.com/market-aggregator/internal/errors"
	"github.com/market-aggregator/internal/logging"
	"github.com/market-aggregator/internal/observability"
	"github.com/market-aggregator/internal/ratelimit"
	"github.com/market-aggregator/internal/types"
	"github.com/market-aggregator/internal/worker"
)

// mockService records the arguments it was called with. Unset funcs return
// an empty view and no error.
type mockService struct {
	calls []string
	args  map[string][]interface{}

	orderBookFunc func(ctx context.Context, itemID string) (types.OrderBook, error)
	ethPriceFunc  func(ctx context.Context) (types.ETHPrice, error)
	statsFunc     func(ctx context.Context) (types.AllItemStats, error)
	noobIDFunc    func(ctx context.Context, address string) (types.GameAccount, error)
}

func newMockService() *mockService {
	return &mockService{args: make(map[string][]interface{})}
}

func (m *mockService) record(op string, args ...interface{}) {
	m.calls = append(m.calls, op)
	m.args[op] = args
}

func (m *mockService) GetOrderBook(ctx context.Context, itemID string) (types.OrderBook, error) {
	m.record("orderbook", itemID)
	if m.orderBookFunc != nil {
		return m.orderBookFunc(ctx, itemID)
	}
	return types.OrderBook{ItemID: itemID, Asks: []types.PriceLevel{{Price: 0.5, Amount: 3, OrderCount: 1}}}, nil
}

func (m *mockService) GetCandles(ctx context.Context, itemID, timeframe string) (types.CandleSeries, error) {
	m.record("candles", itemID, timeframe)
	return types.CandleSeries{}, nil
}

func (m *mockService) GetTimeframeData(ctx context.Context, itemID, timeframe string, timestamp int64) (types.TimeframeData, error) {
	m.record("timeframe", itemID, timeframe, timestamp)
	return types.TimeframeData{}, nil
}

func (m *mockService) GetGroupedTrades(ctx context.Context, itemID string, limit int) (types.TradeList, error) {
	m.record("trades", itemID, limit)
	return types.TradeList{}, nil
}

func (m *mockService) GetItemStats(ctx context.Context, itemID string) (types.ItemStats, error) {
	m.record("stats", itemID)
	return types.ItemStats{}, nil
}

func (m *mockService) GetAllItemStats(ctx context.Context) (types.AllItemStats, error) {
	m.record("allstats")
	if m.statsFunc != nil {
		return m.statsFunc(ctx)
	}
	return types.AllItemStats{}, nil
}

func (m *mockService) GetItems(ctx context.Context) (types.ItemList, error) {
	m.record("items")
	return types.ItemList{Items: []types.Item{}}, nil
}

func (m *mockService) GetListings(ctx context.Context, itemID string) (types.ListingList, error) {
	m.record("listings", itemID)
	return types.ListingList{Listings: []types.Listing{}}, nil
}

func (m *mockService) GetItemDayData(ctx context.Context, itemID string) (types.ItemDayDataReport, error) {
	m.record("daydata", itemID)
	return types.ItemDayDataReport{ItemID: itemID, Days: map[int64]types.DayVolume{1749945600: {VolumeItems: 2, VolumeETH: 0.5}}}, nil
}

func (m *mockService) GetUserPnL(ctx context.Context, address string) (types.UserPnL, error) {
	m.record("pnl", address)
	return types.UserPnL{}, nil
}

func (m *mockService) GetUserTransactions(ctx context.Context, address, itemID string, limit int) (types.UserTransactionList, error) {
	m.record("transactions", address, itemID, limit)
	return types.UserTransactionList{}, nil
}

func (m *mockService) GetUserListings(ctx context.Context, address, itemID string, limit int) (types.UserListingList, error) {
	m.record("userlistings", address, itemID, limit)
	return types.UserListingList{}, nil
}

func (m *mockService) GetUserBalance(ctx context.Context, address, itemID string) (types.UserItemPosition, error) {
	m.record("balance", address, itemID)
	return types.UserItemPosition{}, nil
}

func (m *mockService) GetETHPrice(ctx context.Context) (types.ETHPrice, error) {
	m.record("ethprice")
	if m.ethPriceFunc != nil {
		return m.ethPriceFunc(ctx)
	}
	return types.ETHPrice{USD: 3200.5, Source: "binance"}, nil
}

func (m *mockService) GetItemDetails(ctx context.Context) (types.ItemCatalog, error) {
	m.record("itemdetails")
	return types.ItemCatalog{Items: map[string]types.ItemDetails{}}, nil
}

func (m *mockService) GetDeals(ctx context.Context, playerAddress string) (types.DealsReport, error) {
	m.record("deals", playerAddress)
	return types.DealsReport{}, nil
}

func (m *mockService) GetCurrentTime(ctx context.Context) (types.GameTime, error) {
	m.record("currenttime")
	return types.GameTime{CurrentDay: 20300, CurrentWeek: 2900}, nil
}

func (m *mockService) GetPlayerExecutions(ctx context.Context, address string) (types.PlayerExecutions, error) {
	m.record("executions", address)
	return types.PlayerExecutions{PlayerAddress: address, Executions: []types.RecipeExecution{}}, nil
}

func (m *mockService) GetStubIcon(ctx context.Context) (types.StubIcon, error) {
	m.record("stubicon")
	return types.StubIcon{ID: "373", Name: "Stub"}, nil
}

func (m *mockService) GetNoobID(ctx context.Context, address string) (types.GameAccount, error) {
	m.record("noobid", address)
	if m.noobIDFunc != nil {
		return m.noobIDFunc(ctx, address)
	}
	return types.GameAccount{Address: address, NoobID: "17"}, nil
}

type fakePinger struct{ err error }

func (p fakePinger) Ping(ctx context.Context) error { return p.err }

type fakeWarmer struct{ status worker.StatsWarmerStatus }

func (w fakeWarmer) GetStatus() worker.StatsWarmerStatus { return w.status }

type fakeBudget struct {
	usage ratelimit.Usage
	err   error
}

func (b fakeBudget) Usage(ctx context.Context) (ratelimit.Usage, error) { return b.usage, b.err }

type serverOption func(cfg *config.Config, deps *Dependencies)

func newTestServer(t *testing.T, svc *mockService, opts ...serverOption) *Server {
	t.Helper()
	logger := logging.NewLogger(logging.LevelError, logging.FormatJSON)
	logger.SetOutput(io.Discard)
	cfg := &config.Config{
		Server:    config.ServerConfig{Host: "127.0.0.1", Port: "0", AllowedOrigins: []string{"http://localhost:3000"}},
		RateLimit: config.RateLimitConfig{RequestsPerSecond: 1000, Burst: 1000},
	}
	deps := Dependencies{
		Service: svc,
		Metrics: observability.NewMetrics("test"),
		Logger:  logger,
	}
	for _, opt := range opts {
		opt(cfg, &deps)
	}
	return NewServer(cfg, deps)
}

func serve(s *Server, method, target string, header map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, nil)
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func TestRoutesPassParameters(t *testing.T) {
	const user = "0xAbC0000000000000000000000000000000000001"

	tests := []struct {
		target string
		op     string
		args   []interface{}
	}{
		{"/api/orderbook/42", "orderbook", []interface{}{"42"}},
		{"/api/candles/42?timeframe=4h", "candles", []interface{}{"42", "4h"}},
		{"/api/timeframe-data/42?timeframe=1h&timestamp=1749945600", "timeframe", []interface{}{"42", "1h", int64(1749945600)}},
		{"/api/trades/42?limit=90", "trades", []interface{}{"42", 90}},
		{"/api/trades/42", "trades", []interface{}{"42", 0}},
		{"/api/stats", "allstats", nil},
		{"/api/stats/42", "stats", []interface{}{"42"}},
		{"/api/items", "items", nil},
		{"/api/listings", "listings", []interface{}{""}},
		{"/api/listings?itemId=7", "listings", []interface{}{"7"}},
		{"/api/item-day-data-all/42", "daydata", []interface{}{"42"}},
		{"/api/user-pnl/" + user, "pnl", []interface{}{user}},
		{"/api/user-transactions/" + user + "?limit=5&itemId=42", "transactions", []interface{}{user, "42", 5}},
		{"/api/user-listings/" + user, "userlistings", []interface{}{user, "", 0}},
		{"/api/balance/" + user + "/42", "balance", []interface{}{user, "42"}},
		{"/api/eth-price", "ethprice", nil},
		{"/api/item-details", "itemdetails", nil},
		{"/api/deals", "deals", []interface{}{""}},
		{"/api/deals?playerAddress=" + user, "deals", []interface{}{user}},
		{"/api/current-time", "currenttime", nil},
		{"/api/player-executions/" + user, "executions", []interface{}{user}},
		{"/api/stub-icon", "stubicon", nil},
		{"/api/noob-id/" + user, "noobid", []interface{}{user}},
	}

	for _, tt := range tests {
		t.Run(tt.target, func(t *testing.T) {
			svc := newMockService()
			rec := serve(newTestServer(t, svc), http.MethodGet, tt.target, nil)

			assert.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
			assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
			require.Equal(t, []string{tt.op}, svc.calls)
			if tt.args != nil {
				assert.Equal(t, tt.args, svc.args[tt.op])
			}
		})
	}
}

func TestInvalidQueryParameters(t *testing.T) {
	for _, target := range []string{
		"/api/trades/42?limit=abc",
		"/api/trades/42?limit=-1",
		"/api/user-transactions/0xabc?limit=x",
		"/api/user-listings/0xabc?limit=1.5",
		"/api/timeframe-data/42?timestamp=yesterday",
	} {
		t.Run(target, func(t *testing.T) {
			svc := newMockService()
			rec := serve(newTestServer(t, svc), http.MethodGet, target, nil)

			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Empty(t, svc.calls)

			var resp ErrorResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
			assert.Equal(t, "INVALID_PARAMETER", resp.Error.Code)
		})
	}
}

func TestDegradedViewKeepsBody(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
	}{
		{"source unavailable", errors.NewSourceUnavailableError("subgraph", stderrors.New("boom")), http.StatusBadGateway},
		{"source timeout", errors.NewSourceTimeoutError("subgraph", context.DeadlineExceeded), http.StatusGatewayTimeout},
		{"validation", errors.NewInvalidParameterError("itemId", "must not be empty"), http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := newMockService()
			svc.orderBookFunc = func(ctx context.Context, itemID string) (types.OrderBook, error) {
				cat := errors.Categorize(tt.err)
				return types.OrderBook{ItemID: itemID, Asks: []types.PriceLevel{}, Error: cat.Message}, tt.err
			}
			rec := serve(newTestServer(t, svc), http.MethodGet, "/api/orderbook/42", nil)

			assert.Equal(t, tt.status, rec.Code)
			var book map[string]interface{}
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &book))
			assert.Equal(t, "42", book["itemId"])
			assert.Equal(t, []interface{}{}, book["asks"])
			assert.NotEmpty(t, book["error"])
		})
	}
}

func TestNoobIDNotFound(t *testing.T) {
	svc := newMockService()
	svc.noobIDFunc = func(ctx context.Context, address string) (types.GameAccount, error) {
		err := errors.NewNotFoundError("noob token", address)
		return types.GameAccount{Address: address, Error: err.Message}, err
	}
	rec := serve(newTestServer(t, svc), http.MethodGet, "/api/noob-id/0xabc", nil)

	assert.Equal(t, http.StatusNotFound, rec.Code)
	var account types.GameAccount
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &account))
	assert.Equal(t, "0xabc", account.Address)
	assert.Empty(t, account.NoobID)
	assert.NotEmpty(t, account.Error)
}

func TestCancelledRequestWritesStatusOnly(t *testing.T) {
	svc := newMockService()
	svc.orderBookFunc = func(ctx context.Context, itemID string) (types.OrderBook, error) {
		return types.OrderBook{Asks: []types.PriceLevel{}}, context.Canceled
	}
	rec := serve(newTestServer(t, svc), http.MethodGet, "/api/orderbook/42", nil)

	assert.Equal(t, errors.StatusClientClosedRequest, rec.Code)
	assert.Empty(t, rec.Body.String())
}

func TestETHPrice(t *testing.T) {
	t.Run("ok", func(t *testing.T) {
		rec := serve(newTestServer(t, newMockService()), http.MethodGet, "/api/eth-price", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.JSONEq(t, `{"usd":3200.5,"source":"binance","fetchedAt":0}`, rec.Body.String())
	})

	t.Run("feeds unavailable", func(t *testing.T) {
		svc := newMockService()
		svc.ethPriceFunc = func(ctx context.Context) (types.ETHPrice, error) {
			return types.ETHPrice{}, errors.NewServiceUnavailableError("eth_price")
		}
		rec := serve(newTestServer(t, svc), http.MethodGet, "/api/eth-price", nil)

		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
		var resp ErrorResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Equal(t, "SERVICE_UNAVAILABLE", resp.Error.Code)
	})

	t.Run("internal errors are not leaked", func(t *testing.T) {
		svc := newMockService()
		svc.ethPriceFunc = func(ctx context.Context) (types.ETHPrice, error) {
			return types.ETHPrice{}, stderrors.New("secret dsn in message")
		}
		rec := serve(newTestServer(t, svc), http.MethodGet, "/api/eth-price", nil)

		assert.Equal(t, http.StatusInternalServerError, rec.Code)
		assert.NotContains(t, rec.Body.String(), "secret")
	})
}

func TestHealth(t *testing.T) {
	t.Run("healthy without cache", func(t *testing.T) {
		rec := serve(newTestServer(t, newMockService()), http.MethodGet, "/health", nil)
		require.Equal(t, http.StatusOK, rec.Code)

		var resp HealthResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Equal(t, "healthy", resp.Status)
		assert.Equal(t, "disabled", resp.Cache)
	})

	t.Run("unreachable cache", func(t *testing.T) {
		s := newTestServer(t, newMockService(), func(cfg *config.Config, deps *Dependencies) {
			deps.Cache = fakePinger{err: stderrors.New("connection refused")}
		})
		rec := serve(s, http.MethodGet, "/health", nil)

		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
		var resp HealthResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Equal(t, "unhealthy", resp.Status)
		assert.Equal(t, "unreachable", resp.Cache)
	})

	t.Run("open breaker degrades", func(t *testing.T) {
		breakers := circuitbreaker.NewManager()
		cb := breakers.GetOrCreate("subgraph", &circuitbreaker.Config{
			MaxFailures:      1,
			FailureThreshold: 0.5,
			Timeout:          time.Hour,
			HalfOpenMaxCalls: 1,
		})
		_ = cb.Execute(context.Background(), func() error { return stderrors.New("down") })
		require.Equal(t, circuitbreaker.StateOpen, cb.GetState())

		s := newTestServer(t, newMockService(), func(cfg *config.Config, deps *Dependencies) {
			deps.Breakers = breakers
			deps.Cache = fakePinger{}
		})
		rec := serve(s, http.MethodGet, "/health", nil)

		assert.Equal(t, http.StatusOK, rec.Code)
		var resp HealthResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Equal(t, "degraded", resp.Status)
		assert.Equal(t, "ok", resp.Cache)
		require.Len(t, resp.CircuitBreakers, 1)
		assert.Equal(t, circuitbreaker.StateOpen, resp.CircuitBreakers[0].State)
	})

	t.Run("warmer and budget are reported", func(t *testing.T) {
		s := newTestServer(t, newMockService(), func(cfg *config.Config, deps *Dependencies) {
			deps.Warmer = fakeWarmer{status: worker.StatsWarmerStatus{Running: true, ItemsWarmed: 12}}
			deps.Budget = fakeBudget{usage: ratelimit.Usage{TotalUsed: 40, Total: 1000}}
		})
		rec := serve(s, http.MethodGet, "/health", nil)

		require.Equal(t, http.StatusOK, rec.Code)
		var resp HealthResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Equal(t, "healthy", resp.Status)
		require.NotNil(t, resp.StatsWarmer)
		assert.Equal(t, 12, resp.StatsWarmer.ItemsWarmed)
		require.NotNil(t, resp.QueryBudget)
		assert.Equal(t, 40, resp.QueryBudget.TotalUsed)
	})

	t.Run("failing warmer degrades", func(t *testing.T) {
		s := newTestServer(t, newMockService(), func(cfg *config.Config, deps *Dependencies) {
			deps.Warmer = fakeWarmer{status: worker.StatsWarmerStatus{Running: true, LastError: "subgraph down"}}
			deps.Budget = fakeBudget{err: stderrors.New("redis down")}
		})
		rec := serve(s, http.MethodGet, "/health", nil)

		assert.Equal(t, http.StatusOK, rec.Code)
		var resp HealthResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Equal(t, "degraded", resp.Status)
		assert.Nil(t, resp.QueryBudget)
	})
}

func TestRequestsAreMeasured(t *testing.T) {
	var metrics *observability.Metrics
	s := newTestServer(t, newMockService(), func(cfg *config.Config, deps *Dependencies) {
		metrics = deps.Metrics
	})

	serve(s, http.MethodGet, "/api/orderbook/1", nil)
	serve(s, http.MethodGet, "/api/orderbook/2", nil)

	assert.Equal(t, 2.0, testutil.ToFloat64(metrics.HTTPRequests.WithLabelValues("/api/orderbook/{itemId}", "2xx")))

	rec := serve(s, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "test_http_requests_total")
}

func TestRequestID(t *testing.T) {
	s := newTestServer(t, newMockService())

	rec := serve(s, http.MethodGet, "/api/items", nil)
	assert.Len(t, rec.Header().Get("X-Request-ID"), 36)

	rec = serve(s, http.MethodGet, "/api/items", map[string]string{"X-Request-ID": "abc-123"})
	assert.Equal(t, "abc-123", rec.Header().Get("X-Request-ID"))
}

func TestCORS(t *testing.T) {
	s := newTestServer(t, newMockService())

	rec := serve(s, http.MethodGet, "/api/items", map[string]string{"Origin": "http://localhost:3000"})
	assert.Equal(t, "http://localhost:3000", rec.Header().Get("Access-Control-Allow-Origin"))

	rec = serve(s, http.MethodGet, "/api/items", map[string]string{"Origin": "http://evil.example"})
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))

	svc := newMockService()
	rec = serve(newTestServer(t, svc), http.MethodOptions, "/api/items", map[string]string{"Origin": "http://localhost:3000"})
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Empty(t, svc.calls, "preflight never reaches the service")
}

func TestCompression(t *testing.T) {
	s := newTestServer(t, newMockService())
	rec := serve(s, http.MethodGet, "/api/item-day-data-all/42", map[string]string{"Accept-Encoding": "gzip"})

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "gzip", rec.Header().Get("Content-Encoding"))

	gz, err := gzip.NewReader(bytes.NewReader(rec.Body.Bytes()))
	require.NoError(t, err)
	body, err := io.ReadAll(gz)
	require.NoError(t, err)
	assert.JSONEq(t, `{"itemId":"42","days":{"1749945600":{"volumeItems":2,"volumeETH":0.5}}}`, string(body))
}

func TestPanicRecovery(t *testing.T) {
	svc := newMockService()
	svc.statsFunc = func(ctx context.Context) (types.AllItemStats, error) {
		panic("nil map")
	}
	rec := serve(newTestServer(t, svc), http.MethodGet, "/api/stats", nil)

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), ErrCodeInternalError))
}

func TestRateLimitMiddleware(t *testing.T) {
	s := newTestServer(t, newMockService(), func(cfg *config.Config, deps *Dependencies) {
		cfg.RateLimit = config.RateLimitConfig{RequestsPerSecond: 1, Burst: 2}
	})
	from := func(ip string) map[string]string { return map[string]string{"X-Forwarded-For": ip} }

	assert.Equal(t, http.StatusOK, serve(s, http.MethodGet, "/api/items", from("10.0.0.1")).Code)
	assert.Equal(t, http.StatusOK, serve(s, http.MethodGet, "/api/items", from("10.0.0.1")).Code)

	rec := serve(s, http.MethodGet, "/api/items", from("10.0.0.1"))
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))

	assert.Equal(t, http.StatusOK, serve(s, http.MethodGet, "/api/items", from("10.0.0.2")).Code,
		"other clients keep their own bucket")
}
