// Package api provides the HTTP API server implementation.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/market-aggregator/internal/circuitbreaker"
	"github.com/market-aggregator/internal/config"
	"github.com/market-aggregator/internal/logging"
	"github.com/market-aggregator/internal/observability"
	"github.com/market-aggregator/internal/ratelimit"
	"github.com/market-aggregator/internal/types"
	"github.com/market-aggregator/internal/worker"
)

// MarketService is the read-side the handlers serve. Every method returns a
// well-formed view, with a non-nil error when the view is degraded.
type MarketService interface {
	GetOrderBook(ctx context.Context, itemID string) (types.OrderBook, error)
	GetCandles(ctx context.Context, itemID, timeframe string) (types.CandleSeries, error)
	GetTimeframeData(ctx context.Context, itemID, timeframe string, timestamp int64) (types.TimeframeData, error)
	GetGroupedTrades(ctx context.Context, itemID string, limit int) (types.TradeList, error)
	GetItemStats(ctx context.Context, itemID string) (types.ItemStats, error)
	GetAllItemStats(ctx context.Context) (types.AllItemStats, error)
	GetItems(ctx context.Context) (types.ItemList, error)
	GetListings(ctx context.Context, itemID string) (types.ListingList, error)
	GetItemDayData(ctx context.Context, itemID string) (types.ItemDayDataReport, error)
	GetUserPnL(ctx context.Context, address string) (types.UserPnL, error)
	GetUserTransactions(ctx context.Context, address, itemID string, limit int) (types.UserTransactionList, error)
	GetUserListings(ctx context.Context, address, itemID string, limit int) (types.UserListingList, error)
	GetUserBalance(ctx context.Context, address, itemID string) (types.UserItemPosition, error)
	GetETHPrice(ctx context.Context) (types.ETHPrice, error)
	GetItemDetails(ctx context.Context) (types.ItemCatalog, error)
	GetDeals(ctx context.Context, playerAddress string) (types.DealsReport, error)
	GetCurrentTime(ctx context.Context) (types.GameTime, error)
	GetPlayerExecutions(ctx context.Context, address string) (types.PlayerExecutions, error)
	GetStubIcon(ctx context.Context) (types.StubIcon, error)
	GetNoobID(ctx context.Context, address string) (types.GameAccount, error)
}

// Pinger reports whether a backing store is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// WarmerStatus reports the background stats warmer's last run.
type WarmerStatus interface {
	GetStatus() worker.StatsWarmerStatus
}

// BudgetUsage reports the shared indexer query budget.
type BudgetUsage interface {
	Usage(ctx context.Context) (ratelimit.Usage, error)
}

// Dependencies are the collaborators the server is built from. Only Service
// is required.
type Dependencies struct {
	Service  MarketService
	Cache    Pinger
	Warmer   WarmerStatus
	Budget   BudgetUsage
	Breakers *circuitbreaker.Manager
	Metrics  *observability.Metrics
	Logger   *logging.Logger
}

// Server represents the HTTP API server.
type Server struct {
	router     *mux.Router
	httpServer *http.Server
	service    MarketService
	cache      Pinger
	warmer     WarmerStatus
	budget     BudgetUsage
	breakers   *circuitbreaker.Manager
	metrics    *observability.Metrics
	logger     *logging.Logger
	config     *config.ServerConfig
	rateLimit  config.RateLimitConfig
}

// NewServer creates a new API server instance.
func NewServer(cfg *config.Config, deps Dependencies) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}
	breakers := deps.Breakers
	if breakers == nil {
		breakers = circuitbreaker.NewManager()
	}

	s := &Server{
		router:    mux.NewRouter(),
		service:   deps.Service,
		cache:     deps.Cache,
		warmer:    deps.Warmer,
		budget:    deps.Budget,
		breakers:  breakers,
		metrics:   deps.Metrics,
		logger:    logger,
		config:    &cfg.Server,
		rateLimit: cfg.RateLimit,
	}

	s.setupRouter()

	return s
}

// setupRouter configures the router with middleware and routes
func (s *Server) setupRouter() {
	rateLimiter := NewRateLimiter(s.rateLimit.RequestsPerSecond, s.rateLimit.Burst)

	// Order matters: the request logger must see the final status
	s.router.Use(s.LoggingMiddleware)
	s.router.Use(s.RecoveryMiddleware)
	s.router.Use(CORSMiddleware(s.config.AllowedOrigins))
	s.router.Use(RateLimitMiddleware(rateLimiter))
	s.router.Use(CompressionMiddleware)

	s.setupRoutes()

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%s", s.config.Host, s.config.Port),
		Handler:      s.router,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
		IdleTimeout:  2 * s.config.ReadTimeout,
	}
}

// setupRoutes configures all API routes.
func (s *Server) setupRoutes() {
	get := []string{http.MethodGet, http.MethodOptions}

	s.router.HandleFunc("/health", s.handleHealth).Methods(get...)
	s.router.Handle("/metrics", s.metrics.Handler()).Methods(http.MethodGet)

	api := s.router.PathPrefix("/api").Subrouter()

	// Market endpoints
	api.HandleFunc("/orderbook/{itemId}", s.handleOrderBook).Methods(get...)
	api.HandleFunc("/candles/{itemId}", s.handleCandles).Methods(get...)
	api.HandleFunc("/timeframe-data/{itemId}", s.handleTimeframeData).Methods(get...)
	api.HandleFunc("/trades/{itemId}", s.handleTrades).Methods(get...)
	api.HandleFunc("/stats", s.handleAllStats).Methods(get...)
	api.HandleFunc("/stats/{itemId}", s.handleItemStats).Methods(get...)
	api.HandleFunc("/items", s.handleItems).Methods(get...)
	api.HandleFunc("/listings", s.handleListings).Methods(get...)
	api.HandleFunc("/item-day-data-all/{itemId}", s.handleItemDayData).Methods(get...)

	// User endpoints
	api.HandleFunc("/user-pnl/{userAddress}", s.handleUserPnL).Methods(get...)
	api.HandleFunc("/user-transactions/{userAddress}", s.handleUserTransactions).Methods(get...)
	api.HandleFunc("/user-listings/{userAddress}", s.handleUserListings).Methods(get...)
	api.HandleFunc("/balance/{userAddress}/{itemId}", s.handleBalance).Methods(get...)

	// Game and price feed endpoints
	api.HandleFunc("/eth-price", s.handleETHPrice).Methods(get...)
	api.HandleFunc("/item-details", s.handleItemDetails).Methods(get...)
	api.HandleFunc("/deals", s.handleDeals).Methods(get...)
	api.HandleFunc("/current-time", s.handleCurrentTime).Methods(get...)
	api.HandleFunc("/player-executions/{address}", s.handlePlayerExecutions).Methods(get...)
	api.HandleFunc("/stub-icon", s.handleStubIcon).Methods(get...)
	api.HandleFunc("/noob-id/{address}", s.handleNoobID).Methods(get...)
}

// Handler exposes the routed handler, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status          string                    `json:"status"`
	Service         string                    `json:"service"`
	Cache           string                    `json:"cache"`
	CircuitBreakers []circuitbreaker.Stats    `json:"circuitBreakers"`
	StatsWarmer     *worker.StatsWarmerStatus `json:"statsWarmer,omitempty"`
	QueryBudget     *ratelimit.Usage          `json:"queryBudget,omitempty"`
	Timestamp       int64                     `json:"timestamp"`
}

// handleHealth reports the cache connection, upstream breaker states, the
// stats warmer and the shared query budget. An unreachable cache fails the
// check; an open breaker or a failing warmer only degrades it, since cached
// views can still be served.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{
		Status:          "healthy",
		Service:         "market-aggregator",
		Cache:           "disabled",
		CircuitBreakers: s.breakers.GetAllStats(),
		Timestamp:       time.Now().Unix(),
	}
	status := http.StatusOK

	for _, b := range resp.CircuitBreakers {
		if b.State != circuitbreaker.StateClosed {
			resp.Status = "degraded"
		}
	}

	if s.warmer != nil {
		warmer := s.warmer.GetStatus()
		resp.StatsWarmer = &warmer
		if warmer.LastError != "" && resp.Status == "healthy" {
			resp.Status = "degraded"
		}
	}

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if s.budget != nil {
		if usage, err := s.budget.Usage(ctx); err != nil {
			logging.FromContext(r.Context()).WithError(err).Warn("Query budget usage unavailable")
		} else {
			resp.QueryBudget = &usage
		}
	}

	if s.cache != nil {
		if err := s.cache.Ping(ctx); err != nil {
			logging.FromContext(r.Context()).WithError(err).Warn("Cache health check failed")
			resp.Cache = "unreachable"
			resp.Status = "unhealthy"
			status = http.StatusServiceUnavailable
		} else {
			resp.Cache = "ok"
		}
	}

	respondJSON(w, status, resp)
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	s.logger.WithField("addr", s.httpServer.Addr).Info("Starting API server")
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down API server")
	return s.httpServer.Shutdown(ctx)
}
