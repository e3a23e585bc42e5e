// Package config provides configuration management for the market aggregator.
// It loads configuration from environment variables and .env files.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	Server    ServerConfig
	Subgraph  SubgraphConfig
	Redis     RedisConfig
	Cache     CacheConfig
	Trades    TradesConfig
	Stats     StatsConfig
	PriceFeed PriceFeedConfig
	GameAPI   GameAPIConfig
	Worker    WorkerConfig
	RateLimit RateLimitConfig
	Logging   LoggingConfig
}

// ServerConfig holds server configuration
type ServerConfig struct {
	Port            string
	Host            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
	AllowedOrigins  []string
}

// SubgraphConfig holds the GraphQL indexer connection settings
type SubgraphConfig struct {
	URL               string
	Timeout           time.Duration
	RequestsPerSecond float64
	Burst             int
	PageSize          int
	// Largest response body accepted from the indexer
	MaxResponseBytes int64
	// Query budget shared by every instance through Redis; 0 disables it
	BudgetTotal    int
	BudgetReserved int
	BudgetWindow   time.Duration
}

// RedisConfig holds Redis configuration
type RedisConfig struct {
	Enabled        bool
	Host           string
	Port           string
	Password       string
	DB             int
	MaxConnections int
}

// CacheConfig holds the TTL policy per data kind
type CacheConfig struct {
	OrderBookTTL   time.Duration
	TradesTTL      time.Duration
	CandlesTTL     time.Duration
	StatsTTL       time.Duration
	ItemsTTL       time.Duration
	PnLTTL         time.Duration
	ETHPriceTTL    time.Duration
	GameDataTTL    time.Duration
	GameTimeTTL    time.Duration
	DayDataTTL     time.Duration
	UserHistoryTTL time.Duration
}

// TradesConfig holds the over-fetch policy for grouped trades
type TradesConfig struct {
	DefaultLimit        int
	MaxLimit            int
	OverFetchMultiplier int
	MultiplierGrowth    int
	MaxAttempts         int
}

// StatsConfig holds the fan-out policy for all-item statistics
type StatsConfig struct {
	BatchSize int
}

// PriceFeedConfig holds ETH price feed settings
type PriceFeedConfig struct {
	CoinMarketCapKey string
	CoinMarketCapURL string
	BinanceURL       string
	CoinGeckoURL     string
	Timeout          time.Duration
	MaxAttempts      int
	MaxResponseBytes int64
}

// GameAPIConfig holds the game's offchain API settings
type GameAPIConfig struct {
	BaseURL string
	// Player accounts live outside the offchain API
	AccountURL       string
	Timeout          time.Duration
	MaxResponseBytes int64
}

// WorkerConfig holds background worker settings
type WorkerConfig struct {
	StatsWarmEnabled  bool
	StatsWarmInterval time.Duration
}

// RateLimitConfig holds inbound API rate limiting configuration
type RateLimitConfig struct {
	RequestsPerSecond int
	Burst             int
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string
	Format string
}

// LoadConfig loads configuration from .env file and environment variables
func LoadConfig() (*Config, error) {
	// Load .env file (optional in production)
	if err := godotenv.Load(); err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("error loading .env file: %w", err)
		}
	}

	config := &Config{
		Server: ServerConfig{
			Port:            getEnv("SERVER_PORT", "8080"),
			Host:            getEnv("SERVER_HOST", "0.0.0.0"),
			ReadTimeout:     getEnvAsDuration("SERVER_READ_TIMEOUT", 15*time.Second),
			WriteTimeout:    getEnvAsDuration("SERVER_WRITE_TIMEOUT", 60*time.Second),
			ShutdownTimeout: getEnvAsDuration("SERVER_SHUTDOWN_TIMEOUT", 30*time.Second),
			AllowedOrigins:  getEnvAsList("CORS_ALLOWED_ORIGINS", []string{"http://localhost:3000"}),
		},
		Subgraph: SubgraphConfig{
			URL:               getEnv("SUBGRAPH_URL", ""),
			Timeout:           getEnvAsDuration("SUBGRAPH_TIMEOUT", 30*time.Second),
			RequestsPerSecond: getEnvAsFloat("SUBGRAPH_RPS", 20),
			Burst:             getEnvAsInt("SUBGRAPH_BURST", 10),
			PageSize:          getEnvAsInt("SUBGRAPH_PAGE_SIZE", 1000),
			MaxResponseBytes:  getEnvAsInt64("SUBGRAPH_MAX_RESPONSE_BYTES", 32<<20),
			BudgetTotal:       getEnvAsInt("SUBGRAPH_BUDGET", 0),
			BudgetReserved:    getEnvAsInt("SUBGRAPH_BUDGET_RESERVED", 0),
			BudgetWindow:      getEnvAsDuration("SUBGRAPH_BUDGET_WINDOW", time.Second),
		},
		Redis: RedisConfig{
			Enabled:        getEnvAsBool("REDIS_ENABLED", false),
			Host:           getEnv("REDIS_HOST", "localhost"),
			Port:           getEnv("REDIS_PORT", "6379"),
			Password:       getEnv("REDIS_PASSWORD", ""),
			DB:             getEnvAsInt("REDIS_DB", 0),
			MaxConnections: getEnvAsInt("REDIS_MAX_CONNECTIONS", 50),
		},
		Cache: CacheConfig{
			OrderBookTTL:   getEnvAsDuration("CACHE_ORDERBOOK_TTL", 30*time.Second),
			TradesTTL:      getEnvAsDuration("CACHE_TRADES_TTL", 15*time.Second),
			CandlesTTL:     getEnvAsDuration("CACHE_CANDLES_TTL", 2*time.Minute),
			StatsTTL:       getEnvAsDuration("CACHE_STATS_TTL", time.Minute),
			ItemsTTL:       getEnvAsDuration("CACHE_ITEMS_TTL", 10*time.Minute),
			PnLTTL:         getEnvAsDuration("CACHE_PNL_TTL", 30*time.Second),
			ETHPriceTTL:    getEnvAsDuration("CACHE_ETH_PRICE_TTL", 5*time.Minute),
			GameDataTTL:    getEnvAsDuration("CACHE_GAME_DATA_TTL", 10*time.Minute),
			GameTimeTTL:    getEnvAsDuration("CACHE_GAME_TIME_TTL", time.Minute),
			DayDataTTL:     getEnvAsDuration("CACHE_DAY_DATA_TTL", 5*time.Minute),
			UserHistoryTTL: getEnvAsDuration("CACHE_USER_HISTORY_TTL", 30*time.Second),
		},
		Trades: TradesConfig{
			DefaultLimit:        getEnvAsInt("TRADES_DEFAULT_LIMIT", 30),
			MaxLimit:            getEnvAsInt("TRADES_MAX_LIMIT", 500),
			OverFetchMultiplier: getEnvAsInt("TRADES_OVERFETCH_MULTIPLIER", 3),
			MultiplierGrowth:    getEnvAsInt("TRADES_MULTIPLIER_GROWTH", 2),
			MaxAttempts:         getEnvAsInt("TRADES_MAX_ATTEMPTS", 4),
		},
		Stats: StatsConfig{
			BatchSize: getEnvAsInt("STATS_BATCH_SIZE", 10),
		},
		PriceFeed: PriceFeedConfig{
			CoinMarketCapKey: getEnv("CMC_API_KEY", ""),
			CoinMarketCapURL: getEnv("CMC_URL", "https://pro-api.coinmarketcap.com"),
			BinanceURL:       getEnv("BINANCE_URL", "https://api.binance.com"),
			CoinGeckoURL:     getEnv("COINGECKO_URL", "https://api.coingecko.com"),
			Timeout:          getEnvAsDuration("PRICE_FEED_TIMEOUT", 10*time.Second),
			MaxAttempts:      getEnvAsInt("PRICE_FEED_MAX_ATTEMPTS", 2),
			MaxResponseBytes: getEnvAsInt64("PRICE_FEED_MAX_RESPONSE_BYTES", 1<<20),
		},
		GameAPI: GameAPIConfig{
			BaseURL:          getEnv("GAME_API_URL", "https://gigaverse.io/api/offchain"),
			AccountURL:       getEnv("GAME_ACCOUNT_API_URL", "https://gigaverse.io/api"),
			Timeout:          getEnvAsDuration("GAME_API_TIMEOUT", 15*time.Second),
			MaxResponseBytes: getEnvAsInt64("GAME_API_MAX_RESPONSE_BYTES", 16<<20),
		},
		Worker: WorkerConfig{
			StatsWarmEnabled:  getEnvAsBool("STATS_WARM_ENABLED", true),
			StatsWarmInterval: getEnvAsDuration("STATS_WARM_INTERVAL", 45*time.Second),
		},
		RateLimit: RateLimitConfig{
			RequestsPerSecond: getEnvAsInt("RATE_LIMIT_RPS", 20),
			Burst:             getEnvAsInt("RATE_LIMIT_BURST", 40),
		},
		Logging: LoggingConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
	}

	return config, nil
}

// Validate checks that required settings are present and tunables are usable
func (c *Config) Validate() error {
	if c.Subgraph.URL == "" {
		return fmt.Errorf("SUBGRAPH_URL is required")
	}
	if c.Subgraph.PageSize <= 0 {
		return fmt.Errorf("SUBGRAPH_PAGE_SIZE must be positive, got %d", c.Subgraph.PageSize)
	}
	if c.Subgraph.BudgetTotal > 0 && c.Subgraph.BudgetReserved >= c.Subgraph.BudgetTotal {
		return fmt.Errorf("SUBGRAPH_BUDGET_RESERVED (%d) must be less than SUBGRAPH_BUDGET (%d)",
			c.Subgraph.BudgetReserved, c.Subgraph.BudgetTotal)
	}
	if c.Trades.OverFetchMultiplier < 1 {
		return fmt.Errorf("TRADES_OVERFETCH_MULTIPLIER must be at least 1, got %d", c.Trades.OverFetchMultiplier)
	}
	if c.Trades.MultiplierGrowth < 2 {
		return fmt.Errorf("TRADES_MULTIPLIER_GROWTH must be at least 2, got %d", c.Trades.MultiplierGrowth)
	}
	if c.Trades.MaxAttempts < 1 {
		return fmt.Errorf("TRADES_MAX_ATTEMPTS must be at least 1, got %d", c.Trades.MaxAttempts)
	}
	if c.Stats.BatchSize < 1 {
		return fmt.Errorf("STATS_BATCH_SIZE must be at least 1, got %d", c.Stats.BatchSize)
	}
	if c.Worker.StatsWarmEnabled && c.Worker.StatsWarmInterval <= 0 {
		return fmt.Errorf("STATS_WARM_INTERVAL must be positive when the warmer is enabled")
	}
	return nil
}

// getEnv gets an environment variable with a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsInt gets an environment variable as an integer with a default value
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsInt64 gets an environment variable as a 64-bit integer with a default value
func getEnvAsInt64(key string, defaultValue int64) int64 {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.ParseInt(valueStr, 10, 64)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsFloat gets an environment variable as a float with a default value
func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsBool gets an environment variable as a boolean with a default value
func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsDuration gets an environment variable as a duration with a default value
func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsList gets a comma separated environment variable with a default value
func getEnvAsList(key string, defaultValue []string) []string {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	var out []string
	for _, part := range strings.Split(valueStr, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	if len(out) == 0 {
		return defaultValue
	}
	return out
}
