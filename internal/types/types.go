// Package types provides common type definitions for the market aggregator.
package types

import (
	"fmt"
	"strings"
)

// ListingStatus represents the lifecycle state of a marketplace listing
type ListingStatus string

const (
	// ListingActive represents a listing that can still be filled
	ListingActive ListingStatus = "ACTIVE"
	// ListingCompleted represents a listing whose remaining amount reached zero
	ListingCompleted ListingStatus = "COMPLETED"
	// ListingCancelled represents a listing withdrawn by its owner
	ListingCancelled ListingStatus = "CANCELLED"
)

// TradeSide represents whether an event is a purchase or a sale from the user's perspective
type TradeSide string

const (
	// SideBuy is a purchase made by the user
	SideBuy TradeSide = "BUY"
	// SideSell is a sale filled against one of the user's listings
	SideSell TradeSide = "SELL"
)

// Timeframe represents a candle bucket width
type Timeframe string

const (
	// Timeframe1h buckets trades by hour
	Timeframe1h Timeframe = "1h"
	// Timeframe4h buckets trades by four hours
	Timeframe4h Timeframe = "4h"
	// Timeframe1d buckets trades by UTC day
	Timeframe1d Timeframe = "1d"
)

// Seconds returns the bucket width in seconds, or 0 for an unknown timeframe
func (tf Timeframe) Seconds() int64 {
	switch tf {
	case Timeframe1h:
		return 3600
	case Timeframe4h:
		return 14400
	case Timeframe1d:
		return 86400
	default:
		return 0
	}
}

// ParseTimeframe parses a timeframe string, defaulting to 1d when empty
func ParseTimeframe(s string) (Timeframe, error) {
	if s == "" {
		return Timeframe1d, nil
	}
	tf := Timeframe(strings.ToLower(s))
	if tf.Seconds() == 0 {
		return "", fmt.Errorf("unsupported timeframe %q (want 1h, 4h or 1d)", s)
	}
	return tf, nil
}

// ServiceError represents a structured error response
type ServiceError struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

func (e *ServiceError) Error() string {
	return e.Message
}

// Transfer is a completed purchase event recorded by the indexer
type Transfer struct {
	ID              string  `json:"id"`
	Timestamp       int64   `json:"timestamp"`
	PricePerItemETH float64 `json:"pricePerItemETH"`
	Amount          int64   `json:"amount"`
	TotalValueETH   float64 `json:"totalValueETH"`
	ItemID          string  `json:"itemId"`
	TxHash          string  `json:"txHash"`
	Buyer           string  `json:"buyer"`
	Seller          string  `json:"seller"`
	ListingID       string  `json:"listingId,omitempty"`
	// ItemCurrentPriceETH is the item's latest known price at fetch time, when the query selects it
	ItemCurrentPriceETH float64 `json:"itemCurrentPriceETH,omitempty"`
}

// Listing is a sell order on the marketplace
type Listing struct {
	ID              string        `json:"id"`
	ItemID          string        `json:"itemId"`
	PricePerItemETH float64       `json:"pricePerItemETH"`
	AmountTotal     int64         `json:"amountTotal"`
	AmountRemaining int64         `json:"amountRemaining"`
	Owner           string        `json:"owner"`
	IsActive        bool          `json:"isActive"`
	Timestamp       int64         `json:"timestamp"`
	Status          ListingStatus `json:"status"`
	Sales           []Transfer    `json:"sales,omitempty"`
}

// Item is the indexer's running aggregate for one marketplace item
type Item struct {
	ID                 string  `json:"id"`
	TotalVolumeETH     float64 `json:"totalVolumeETH"`
	TotalTrades        int64   `json:"totalTrades"`
	TotalItemsSold     int64   `json:"totalItemsSold"`
	CurrentPriceETH    float64 `json:"currentPriceETH"`
	LastTradeTimestamp int64   `json:"lastTradeTimestamp"`
}

// ItemDayData is the indexer's per-day volume aggregate for one item
type ItemDayData struct {
	ID                string  `json:"id"`
	DayStartTimestamp int64   `json:"dayStartTimestamp"`
	VolumeItems       int64   `json:"volumeItems"`
	VolumeETH         float64 `json:"volumeETH"`
}

// UserItemPosition is the indexer's running position for a user and item
type UserItemPosition struct {
	CurrentBalance      int64   `json:"balance"`
	TotalPurchased      int64   `json:"totalPurchased"`
	TotalSold           int64   `json:"totalSold"`
	AvgPurchasePriceETH float64 `json:"avgPurchasePrice"`
	TotalSpentETH       float64 `json:"totalSpent"`
	TotalEarnedETH      float64 `json:"totalEarned"`
	Error               string  `json:"error,omitempty"`
}

// PriceLevel is one aggregated ask level of an order book
type PriceLevel struct {
	Price      float64 `json:"price"`
	Amount     int64   `json:"amount"`
	OrderCount int     `json:"orderCount"`
}

// OrderBook is the ask side of an item's market.
// Asks holds at most MaxPriceLevels levels; TotalLevels reports how many
// distinct levels existed before truncation.
type OrderBook struct {
	ItemID      string       `json:"itemId"`
	Asks        []PriceLevel `json:"asks"`
	LastUpdate  int64        `json:"lastUpdate"`
	TotalLevels int          `json:"totalLevels"`
	Truncated   bool         `json:"truncated"`
	Error       string       `json:"error,omitempty"`
}

// Candle is one OHLC and volume summary for a time bucket
type Candle struct {
	Time       int64   `json:"time"`
	Open       float64 `json:"open"`
	High       float64 `json:"high"`
	Low        float64 `json:"low"`
	Close      float64 `json:"close"`
	ETHVolume  float64 `json:"ethVolume"`
	ItemVolume int64   `json:"itemVolume"`
}

// CandleSeries is a gap-free candle series for an item and timeframe
type CandleSeries struct {
	ItemID    string    `json:"itemId"`
	Timeframe Timeframe `json:"timeframe"`
	Candles   []Candle  `json:"candles"`
	Error     string    `json:"error,omitempty"`
}

// WindowTotals holds the aggregates of one statistics window
type WindowTotals struct {
	Start     int64   `json:"start"`
	End       int64   `json:"end"`
	VolumeETH float64 `json:"volumeETH"`
	ItemsSold int64   `json:"itemsSold"`
	Trades    int     `json:"trades"`
}

// ItemStats holds the current-day figures for one item compared to the previous day
type ItemStats struct {
	ItemID                string       `json:"itemId"`
	TradeCount            int64        `json:"tradeCount"`
	TotalItemsSold24h     int64        `json:"totalItemsSold24h"`
	TotalEthVolume24h     float64      `json:"totalEthVolume24h"`
	AvgPrice              float64      `json:"avgPrice"`
	MinPrice              float64      `json:"minPrice"`
	MaxPrice              float64      `json:"maxPrice"`
	CurrentPrice          float64      `json:"currentPrice"`
	FloorPrice            float64      `json:"floorPrice"`
	Price24hAgo           float64      `json:"price24hAgo"`
	PriceChange24h        float64      `json:"priceChange24h"`
	VolumeChange24h       float64      `json:"volumeChange24h"`
	ItemsSoldChange24h    float64      `json:"itemsSoldChange24h"`
	MarketVolumeChange24h float64      `json:"marketVolumeChange24h"`
	LastTrade             string       `json:"lastTrade,omitempty"`
	TotalVolumeETH        float64      `json:"totalVolumeETH"`
	TotalItemsSold        int64        `json:"totalItemsSold"`
	TotalTrades           int64        `json:"totalTrades"`
	Current               WindowTotals `json:"current"`
	Previous              WindowTotals `json:"previous"`
	Error                 string       `json:"error,omitempty"`
}

// MarketStats is the market-wide comparison shared by every item's stats
type MarketStats struct {
	Current            WindowTotals `json:"current"`
	Previous           WindowTotals `json:"previous"`
	VolumeChangePct    float64      `json:"volumeChangePct"`
	ItemsSoldChangePct float64      `json:"itemsSoldChangePct"`
}

// AllItemStats is the response for every item's stats
type AllItemStats struct {
	Market MarketStats `json:"market"`
	Items  []ItemStats `json:"items"`
	Error  string      `json:"error,omitempty"`
}

// TradeGroup is one logical trade formed from transfers sharing tx hash, price and buyer
type TradeGroup struct {
	TxHash      string  `json:"tx"`
	Timestamp   int64   `json:"timestamp"`
	Price       float64 `json:"price"`
	Amount      int64   `json:"amount"`
	ETHSpent    float64 `json:"ethSpent"`
	Buyer       string  `json:"buyer"`
	Seller      string  `json:"seller"`
	MergedCount int     `json:"mergedCount"`
}

// TradeList is the response for an item's grouped trades
type TradeList struct {
	ItemID     string       `json:"itemId"`
	Trades     []TradeGroup `json:"trades"`
	RawFetched int          `json:"rawFetched"`
	Attempts   int          `json:"attempts"`
	Exhausted  bool         `json:"exhausted"`
	Error      string       `json:"error,omitempty"`
}

// PnLPosition is a user's realized and open position in one item
type PnLPosition struct {
	ItemID              string  `json:"itemId"`
	TotalPurchased      int64   `json:"totalPurchased"`
	TotalSold           int64   `json:"totalSold"`
	CurrentBalance      int64   `json:"currentBalance"`
	TotalSpentETH       float64 `json:"totalSpentETH"`
	TotalEarnedETH      float64 `json:"totalEarnedETH"`
	AvgPurchasePriceETH float64 `json:"avgPurchasePriceETH"`
	AvgSalePriceETH     float64 `json:"avgSalePriceETH"`
	CurrentPriceETH     float64 `json:"currentPriceETH"`
	RealizedPnL         float64 `json:"realizedPnL"`
	UnrealizedPnL       float64 `json:"unrealizedPnL"`
	// Inconsistent is set when more units were sold than purchased
	Inconsistent bool `json:"inconsistent,omitempty"`
}

// PnLTimelinePoint is one event of the cumulative PnL series
type PnLTimelinePoint struct {
	Timestamp     int64     `json:"timestamp"`
	PnLChange     float64   `json:"pnlChange"`
	CumulativePnL float64   `json:"cumulativePnL"`
	Type          TradeSide `json:"type"`
	ItemID        string    `json:"itemId"`
}

// PnLSummary totals a user's positions
type PnLSummary struct {
	// Item counts, not transaction counts
	TotalPurchases int64   `json:"totalPurchases"`
	TotalSales     int64   `json:"totalSales"`
	TotalSpentETH  float64 `json:"totalSpentETH"`
	TotalEarnedETH float64 `json:"totalEarnedETH"`
	RealizedPnL    float64 `json:"realizedPnL"`
	UnrealizedPnL  float64 `json:"unrealizedPnL"`
	TotalPnL       float64 `json:"totalPnL"`
	TotalVolumeETH float64 `json:"totalVolumeETH"`
}

// UserPnL is the full profit and loss report for one user
type UserPnL struct {
	UserAddress string             `json:"userAddress"`
	Summary     PnLSummary         `json:"summary"`
	Positions   []PnLPosition      `json:"positions"`
	Timeline    []PnLTimelinePoint `json:"timeline"`
	LastUpdate  int64              `json:"lastUpdate"`
	Error       string             `json:"error,omitempty"`
}

// TimeframeData totals the trades inside one candle bucket
type TimeframeData struct {
	ItemID         string    `json:"itemId"`
	Timeframe      Timeframe `json:"timeframe"`
	StartTime      int64     `json:"startTime"`
	EndTime        int64     `json:"endTime"`
	TotalItemsSold int64     `json:"totalItemsSold"`
	TotalEthVolume float64   `json:"totalEthVolume"`
	Error          string    `json:"error,omitempty"`
}

// UserTransaction is one BUY or SELL in a user's trade history
type UserTransaction struct {
	TxHash       string    `json:"tx"`
	Timestamp    int64     `json:"timestamp"`
	Price        float64   `json:"price"`
	Amount       int64     `json:"amount"`
	ETHValue     float64   `json:"ethSpent"`
	Type         TradeSide `json:"type"`
	ItemID       string    `json:"itemId"`
	Counterparty string    `json:"counterparty"`
	User         string    `json:"user"`
}

// ListingSale is one fill against a user's listing
type ListingSale struct {
	ID        string  `json:"id"`
	Buyer     string  `json:"buyer"`
	Amount    int64   `json:"amount"`
	TotalPaid float64 `json:"totalPaid"`
	Timestamp int64   `json:"timestamp"`
	TxHash    string  `json:"txHash"`
}

// UserListing is a user's listing together with what it earned
type UserListing struct {
	ID              string        `json:"id"`
	ItemID          string        `json:"itemId"`
	Amount          int64         `json:"amount"`
	AmountRemaining int64         `json:"amountRemaining"`
	ItemsSold       int64         `json:"itemsSold"`
	PricePerItem    float64       `json:"pricePerItem"`
	Status          ListingStatus `json:"status"`
	IsActive        bool          `json:"isActive"`
	Timestamp       int64         `json:"timestamp"`
	TotalEarned     float64       `json:"totalEarned"`
	Sales           []ListingSale `json:"transfers"`
}

// ETHPrice is the USD price of ETH and the feed it came from
type ETHPrice struct {
	USD       float64 `json:"usd"`
	Source    string  `json:"source"`
	FetchedAt int64   `json:"fetchedAt"`
}

// ItemDetails is the game's offchain description of an item
type ItemDetails struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Rarity      string `json:"rarity"`
	Type        string `json:"type"`
	Image       string `json:"image"`
	Icon        string `json:"icon"`
}

// Recipe is a game recipe that may be offered as a weekly or daily deal
type Recipe struct {
	ID             string  `json:"id"`
	Name           string  `json:"name"`
	IsWeekly       bool    `json:"isWeekly"`
	IsDaily        bool    `json:"isDaily"`
	InputIDs       []int64 `json:"inputIds"`
	InputAmounts   []int64 `json:"inputAmounts"`
	LootAmounts    []int64 `json:"lootAmounts"`
	MaxCompletions int64   `json:"maxCompletions"`
}

// FillStep is one listing consumed while pricing a deal's input
type FillStep struct {
	ListingID    string  `json:"listingId"`
	Amount       int64   `json:"amount"`
	Price        float64 `json:"price"`
	Cost         float64 `json:"cost"`
	Extrapolated bool    `json:"extrapolated,omitempty"`
}

// Deal is a recipe priced against the current order book
type Deal struct {
	RecipeID                  string     `json:"recipeId"`
	Name                      string     `json:"name"`
	InputID                   string     `json:"inputId"`
	InputAmount               int64      `json:"inputAmount"`
	StubsReceived             int64      `json:"stubsReceived"`
	TotalCost                 float64    `json:"totalCost"`
	CostPerStub               float64    `json:"costPerStub"`
	IsTradeable               bool       `json:"isTradeable"`
	PriceBreakdown            []FillStep `json:"priceBreakdown"`
	MaxCompletions            int64      `json:"maxCompletions"`
	CurrentExecutions         int64      `json:"currentExecutions"`
	RemainingExecutions       int64      `json:"remainingExecutions"`
	TotalInputAmount          int64      `json:"totalInputAmount"`
	TotalStubsReceived        int64      `json:"totalStubsReceived"`
	TotalCostWithMultiplier   float64    `json:"totalCostWithMultiplier"`
	CostPerStubWithMultiplier float64    `json:"costPerStubWithMultiplier"`
	// Set when the input's listings could not be loaded
	Error string `json:"error,omitempty"`
}

// GameTime is the game's current day and week numbers
type GameTime struct {
	CurrentDay  int64  `json:"currentDay"`
	CurrentWeek int64  `json:"currentWeek"`
	Error       string `json:"error,omitempty"`
}

// RecipeExecution counts a player's completions of one recipe in the day
// and week they were last recorded
type RecipeExecution struct {
	RecipeID  string `json:"recipeId"`
	Day       int64  `json:"day"`
	Week      int64  `json:"week"`
	DayCount  int64  `json:"dayCount"`
	WeekCount int64  `json:"weekCount"`
}

// PlayerExecutions is a player's recipe execution records
type PlayerExecutions struct {
	PlayerAddress string            `json:"playerAddress"`
	Executions    []RecipeExecution `json:"executions"`
	Error         string            `json:"error,omitempty"`
}

// StubIcon describes the stub item deals pay out in
type StubIcon struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Image string `json:"image,omitempty"`
	Icon  string `json:"icon,omitempty"`
	Error string `json:"error,omitempty"`
}

// GameAccount links a wallet to its game account
type GameAccount struct {
	Address string `json:"address"`
	NoobID  string `json:"noobId"`
	Error   string `json:"error,omitempty"`
}

// DealTotals summarizes the tradeable deals of one period
type DealTotals struct {
	TotalCost           float64 `json:"totalCost"`
	TotalStubs          int64   `json:"totalStubs"`
	AvgCostPerStub      float64 `json:"avgCostPerStub"`
	TradeableDealsCount int     `json:"tradeableDealsCount"`
	TotalDealsCount     int     `json:"totalDealsCount"`
}

// DealsReport is the weekly and daily deals with their totals
type DealsReport struct {
	Weekly       []Deal     `json:"weekly"`
	Daily        []Deal     `json:"daily"`
	WeeklyTotals DealTotals `json:"weeklyTotals"`
	DailyTotals  DealTotals `json:"dailyTotals"`
	Error        string     `json:"error,omitempty"`
}

// ItemList is the response for every indexed item
type ItemList struct {
	Items []Item `json:"items"`
	Error string `json:"error,omitempty"`
}

// ListingList is the response for active listings
type ListingList struct {
	Listings []Listing `json:"listings"`
	Error    string    `json:"error,omitempty"`
}

// DayVolume is one day's traded volume of an item
type DayVolume struct {
	VolumeItems int64   `json:"volumeItems"`
	VolumeETH   float64 `json:"volumeETH"`
}

// ItemDayDataReport maps day start timestamps to the item's volume that day
type ItemDayDataReport struct {
	ItemID string              `json:"itemId"`
	Days   map[int64]DayVolume `json:"days"`
	Error  string              `json:"error,omitempty"`
}

// UserTransactionList is a user's merged trade history, newest first
type UserTransactionList struct {
	UserAddress  string            `json:"userAddress"`
	Transactions []UserTransaction `json:"transactions"`
	Error        string            `json:"error,omitempty"`
}

// UserListingList is a user's listings, active first then newest
type UserListingList struct {
	UserAddress string        `json:"userAddress"`
	Listings    []UserListing `json:"listings"`
	Error       string        `json:"error,omitempty"`
}

// ItemCatalog maps item ids to the game's item details
type ItemCatalog struct {
	Items map[string]ItemDetails `json:"items"`
	Error string                 `json:"error,omitempty"`
}
