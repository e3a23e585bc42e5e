package subgraph

import (
	"fmt"
	"strings"
)

const transferFields = `
		id
		txHash
		timestamp
		pricePerItemETH
		amount
		totalValueETH`

const listingFields = `
		id
		amount
		amountRemaining
		pricePerItemETH
		status
		isActive
		timestamp`

const itemFields = `
		id
		totalVolumeETH
		totalTrades
		totalItemsSold
		currentPriceETH
		lastTradeTimestamp`

// Entity root fields.
const (
	EntityTransfers    = "transfers"
	EntityListings     = "listings"
	EntityItems        = "items"
	EntityItem         = "item"
	EntityItemDayDatas = "itemDayDatas"
	EntityPosition     = "userItemPosition"
)

// ItemPurchases pages through every purchase of an item, oldest first.
func ItemPurchases(itemID string) PageQuery {
	return PageQuery{
		Entity: EntityTransfers,
		Query: `query ItemPurchases($itemId: String!, $first: Int!, $skip: Int!) {
	transfers(
		where: { item: $itemId, isPurchase: true }
		orderBy: timestamp
		orderDirection: asc
		first: $first
		skip: $skip
	) {` + transferFields + `
	}
}`,
		Vars: map[string]interface{}{"itemId": itemID},
	}
}

// ItemPurchasesBetween pages through an item's purchases in [from, to), oldest first.
func ItemPurchasesBetween(itemID string, from, to int64) PageQuery {
	return PageQuery{
		Entity: EntityTransfers,
		Query: `query ItemPurchasesBetween($itemId: String!, $from: BigInt!, $to: BigInt!, $first: Int!, $skip: Int!) {
	transfers(
		where: { item: $itemId, isPurchase: true, timestamp_gte: $from, timestamp_lt: $to }
		orderBy: timestamp
		orderDirection: asc
		first: $first
		skip: $skip
	) {` + transferFields + `
	}
}`,
		Vars: map[string]interface{}{
			"itemId": itemID,
			"from":   fmt.Sprintf("%d", from),
			"to":     fmt.Sprintf("%d", to),
		},
	}
}

// MarketPurchasesBetween pages through every item's purchases in [from, to).
func MarketPurchasesBetween(from, to int64) PageQuery {
	return PageQuery{
		Entity: EntityTransfers,
		Query: `query MarketPurchasesBetween($from: BigInt!, $to: BigInt!, $first: Int!, $skip: Int!) {
	transfers(
		where: { isPurchase: true, timestamp_gte: $from, timestamp_lt: $to }
		orderBy: timestamp
		orderDirection: asc
		first: $first
		skip: $skip
	) {` + transferFields + `
		item { id }
	}
}`,
		Vars: map[string]interface{}{
			"from": fmt.Sprintf("%d", from),
			"to":   fmt.Sprintf("%d", to),
		},
	}
}

// RecentItemPurchases selects an item's newest purchases with buyer and seller.
// It is fetched with FetchFirst.
func RecentItemPurchases(itemID string) PageQuery {
	return PageQuery{
		Entity: EntityTransfers,
		Query: `query RecentItemPurchases($itemId: String!, $first: Int!, $skip: Int!) {
	transfers(
		where: { item: $itemId, isPurchase: true }
		orderBy: timestamp
		orderDirection: desc
		first: $first
		skip: $skip
	) {` + transferFields + `
		transferredTo { id }
		listing { id owner { id } }
	}
}`,
		Vars: map[string]interface{}{"itemId": itemID},
	}
}

// ActiveItemListings pages through an item's listings with something left
// to sell, cheapest first.
func ActiveItemListings(itemID string) PageQuery {
	return PageQuery{
		Entity: EntityListings,
		Query: `query ActiveItemListings($itemId: String!, $first: Int!, $skip: Int!) {
	listings(
		where: { item: $itemId, isActive: true, amountRemaining_gt: "0" }
		orderBy: pricePerItemETH
		orderDirection: asc
		first: $first
		skip: $skip
	) {` + listingFields + `
		owner { id }
	}
}`,
		Vars: map[string]interface{}{"itemId": itemID},
	}
}

// ActiveListings pages through every active listing, cheapest first.
func ActiveListings() PageQuery {
	return PageQuery{
		Entity: EntityListings,
		Query: `query ActiveListings($first: Int!, $skip: Int!) {
	listings(
		where: { isActive: true, amountRemaining_gt: "0" }
		orderBy: pricePerItemETH
		orderDirection: asc
		first: $first
		skip: $skip
	) {` + listingFields + `
		item { id }
		owner { id }
	}
}`,
	}
}

// Items pages through every item with its lifetime totals.
func Items() PageQuery {
	return PageQuery{
		Entity: EntityItems,
		Query: `query Items($first: Int!, $skip: Int!) {
	items(orderBy: id, orderDirection: asc, first: $first, skip: $skip) {` + itemFields + `
	}
}`,
	}
}

// ItemByID selects one item. It is fetched with FetchOne.
const ItemByID = `query ItemByID($itemId: ID!) {
	item(id: $itemId) {` + itemFields + `
	}
}`

// ItemDayData pages through an item's daily volumes, newest first.
func ItemDayData(itemID string) PageQuery {
	return PageQuery{
		Entity: EntityItemDayDatas,
		Query: `query ItemDayData($itemId: String!, $first: Int!, $skip: Int!) {
	itemDayDatas(
		where: { item: $itemId }
		orderBy: dayStartTimestamp
		orderDirection: desc
		first: $first
		skip: $skip
	) {
		id
		dayStartTimestamp
		volumeItems
		volumeETH
	}
}`,
		Vars: map[string]interface{}{"itemId": itemID},
	}
}

// UserPurchases pages through everything a user bought, oldest first,
// with each item's latest price.
func UserPurchases(user string) PageQuery {
	return PageQuery{
		Entity: EntityTransfers,
		Query: `query UserPurchases($user: String!, $first: Int!, $skip: Int!) {
	transfers(
		where: { transferredTo: $user, isPurchase: true }
		orderBy: timestamp
		orderDirection: asc
		first: $first
		skip: $skip
	) {` + transferFields + `
		item { id currentPriceETH }
		listing { id owner { id } }
	}
}`,
		Vars: map[string]interface{}{"user": user},
	}
}

// ListingSalesLimit caps the sales nested under each listing of
// UserListingsWithSales. A listing returning exactly this many may have more.
const ListingSalesLimit = 1000

// UserListingsWithSales pages through every listing a user created together
// with the purchases filled against it.
func UserListingsWithSales(user string) PageQuery {
	return PageQuery{
		Entity: EntityListings,
		Query: `query UserListingsWithSales($user: String!, $first: Int!, $skip: Int!) {
	listings(
		where: { owner: $user }
		orderBy: timestamp
		orderDirection: asc
		first: $first
		skip: $skip
	) {` + listingFields + `
		item { id }
		owner { id }
		transfers(where: { isPurchase: true }, first: ` + fmt.Sprint(ListingSalesLimit) + `) {` + transferFields + `
			transferredTo { id }
		}
	}
}`,
		Vars: map[string]interface{}{"user": user},
	}
}

// userFilter builds the where clause of the user history queries, adding an
// item filter when itemID is set.
func userFilter(base, itemID string) (string, string) {
	if itemID == "" {
		return base, ""
	}
	return base + ", item: $itemId", ", $itemId: String!"
}

func userVars(user, itemID string) map[string]interface{} {
	vars := map[string]interface{}{"user": user}
	if itemID != "" {
		vars["itemId"] = itemID
	}
	return vars
}

// RecentUserPurchases selects a user's newest purchases, optionally for one item.
func RecentUserPurchases(user, itemID string) PageQuery {
	where, decl := userFilter("transferredTo: $user, isPurchase: true", itemID)
	return PageQuery{
		Entity: EntityTransfers,
		Query: `query RecentUserPurchases($user: String!` + decl + `, $first: Int!, $skip: Int!) {
	transfers(
		where: { ` + where + ` }
		orderBy: timestamp
		orderDirection: desc
		first: $first
		skip: $skip
	) {` + transferFields + `
		item { id }
		listing { id owner { id } }
	}
}`,
		Vars: userVars(user, itemID),
	}
}

// RecentUserSales selects the newest purchases filled against a user's
// listings, optionally for one item.
func RecentUserSales(user, itemID string) PageQuery {
	where, decl := userFilter("listing_: { owner: $user }, isPurchase: true", itemID)
	return PageQuery{
		Entity: EntityTransfers,
		Query: `query RecentUserSales($user: String!` + decl + `, $first: Int!, $skip: Int!) {
	transfers(
		where: { ` + where + ` }
		orderBy: timestamp
		orderDirection: desc
		first: $first
		skip: $skip
	) {` + transferFields + `
		item { id }
		transferredTo { id }
	}
}`,
		Vars: userVars(user, itemID),
	}
}

// RecentUserListings selects a user's newest listings with their sales,
// optionally for one item.
func RecentUserListings(user, itemID string) PageQuery {
	where, decl := userFilter("owner: $user", itemID)
	return PageQuery{
		Entity: EntityListings,
		Query: `query RecentUserListings($user: String!` + decl + `, $first: Int!, $skip: Int!) {
	listings(
		where: { ` + where + ` }
		orderBy: timestamp
		orderDirection: desc
		first: $first
		skip: $skip
	) {` + listingFields + `
		item { id }
		owner { id }
		transfers(where: { isPurchase: true }) {` + transferFields + `
			transferredTo { id }
		}
	}
}`,
		Vars: userVars(user, itemID),
	}
}

// UserItemPosition selects the indexer's position entity of user in itemID.
// The entity id is "<lowercase address>-<item id>".
const UserItemPosition = `query UserItemPosition($id: ID!) {
	userItemPosition(id: $id) {
		currentBalance
		totalPurchased
		totalSold
		avgPurchasePriceETH
		totalSpentETH
		totalEarnedETH
	}
}`

// PositionID builds the id of a userItemPosition entity.
func PositionID(user, itemID string) string {
	return strings.ToLower(user) + "-" + itemID
}
