package subgraph

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Scalar is a GraphQL scalar as delivered by the indexer. BigInt and
// BigDecimal arrive as strings, Int as JSON numbers; both are kept as text
// so no precision is lost before normalization. Null decodes to "".
type Scalar string

// UnmarshalJSON accepts a string, a number, a bool or null.
func (s *Scalar) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*s = ""
		return nil
	}
	if data[0] == '"' {
		var str string
		if err := json.Unmarshal(data, &str); err != nil {
			return err
		}
		*s = Scalar(str)
		return nil
	}
	var num json.Number
	if err := json.Unmarshal(data, &num); err == nil {
		*s = Scalar(num.String())
		return nil
	}
	var b bool
	if err := json.Unmarshal(data, &b); err == nil {
		*s = Scalar(fmt.Sprintf("%t", b))
		return nil
	}
	return fmt.Errorf("unsupported scalar %s", string(data))
}

// String returns the raw text.
func (s Scalar) String() string { return string(s) }

// EntityRef is a nested reference to another entity.
type EntityRef struct {
	ID string `json:"id"`
}

// ItemRef is a transfer's item with its latest price.
type ItemRef struct {
	ID              string `json:"id"`
	CurrentPriceETH Scalar `json:"currentPriceETH"`
}

// ListingRef is a transfer's listing with its owner.
type ListingRef struct {
	ID    string     `json:"id"`
	Owner *EntityRef `json:"owner"`
}

// TransferRow is a raw transfer entity.
type TransferRow struct {
	ID              string      `json:"id"`
	TxHash          string      `json:"txHash"`
	Timestamp       Scalar      `json:"timestamp"`
	PricePerItemETH Scalar      `json:"pricePerItemETH"`
	Amount          Scalar      `json:"amount"`
	TotalValueETH   Scalar      `json:"totalValueETH"`
	Item            *ItemRef    `json:"item"`
	TransferredTo   *EntityRef  `json:"transferredTo"`
	Listing         *ListingRef `json:"listing"`
}

// ListingRow is a raw listing entity, optionally with its purchase transfers.
type ListingRow struct {
	ID              string        `json:"id"`
	Amount          Scalar        `json:"amount"`
	AmountRemaining Scalar        `json:"amountRemaining"`
	PricePerItemETH Scalar        `json:"pricePerItemETH"`
	Status          string        `json:"status"`
	IsActive        Scalar        `json:"isActive"`
	Timestamp       Scalar        `json:"timestamp"`
	Item            *EntityRef    `json:"item"`
	Owner           *EntityRef    `json:"owner"`
	Transfers       []TransferRow `json:"transfers"`
}

// ItemRow is a raw item entity with its lifetime totals.
type ItemRow struct {
	ID                 string `json:"id"`
	TotalVolumeETH     Scalar `json:"totalVolumeETH"`
	TotalTrades        Scalar `json:"totalTrades"`
	TotalItemsSold     Scalar `json:"totalItemsSold"`
	CurrentPriceETH    Scalar `json:"currentPriceETH"`
	LastTradeTimestamp Scalar `json:"lastTradeTimestamp"`
}

// ItemDayDataRow is a raw daily volume entity.
type ItemDayDataRow struct {
	ID                string `json:"id"`
	DayStartTimestamp Scalar `json:"dayStartTimestamp"`
	VolumeItems       Scalar `json:"volumeItems"`
	VolumeETH         Scalar `json:"volumeETH"`
}

// UserItemPositionRow is the indexer's running position of a user in an item.
type UserItemPositionRow struct {
	CurrentBalance      Scalar `json:"currentBalance"`
	TotalPurchased      Scalar `json:"totalPurchased"`
	TotalSold           Scalar `json:"totalSold"`
	AvgPurchasePriceETH Scalar `json:"avgPurchasePriceETH"`
	TotalSpentETH       Scalar `json:"totalSpentETH"`
	TotalEarnedETH      Scalar `json:"totalEarnedETH"`
}
