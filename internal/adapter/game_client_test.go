package adapter

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/market-aggregator/internal/circuitbreaker"
	"github.com/market-aggregator/internal/config"
	"github.com/market-aggregator/internal/errors"
)

func newTestGameClient(t *testing.T, handler http.Handler) *GameClient {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	client := NewGameClient(&config.GameAPIConfig{BaseURL: server.URL + "/", Timeout: 2 * time.Second}, circuitbreaker.NewManager(), nil)
	client.retry = fastRetry()
	return client
}

func TestGameClient_ItemDetails(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/gameitems", writeBody(`{"entities":[
		{"ID_CID":5,"NAME_CID":"Bone","DESCRIPTION_CID":"A bone","RARITY_NAME":"Common","TYPE_CID":"Material","IMG_URL_CID":"img5","ICON_URL_CID":"icon5"},
		{"ID_CID":"9","NAME_CID":"Shard","ICON_URL_CID":"icon9"},
		{"NAME_CID":"no id"}
	]}`))
	client := newTestGameClient(t, mux)

	items, err := client.ItemDetails(context.Background())
	require.NoError(t, err)
	require.Len(t, items, 2)

	assert.Equal(t, "Bone", items["5"].Name)
	assert.Equal(t, "img5", items["5"].Image)
	assert.Equal(t, "Common", items["5"].Rarity)
	assert.Equal(t, "icon9", items["9"].Image, "image falls back to icon")
}

func TestGameClient_Recipes(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/recipes", writeBody(`{"entities":[
		{"ID_CID":"101","NAME_CID":"Weekly Bones","IS_WEEKLY_CID":true,"INPUT_ID_CID_array":[5],"INPUT_AMOUNT_CID_array":[20],"LOOT_AMOUNT_CID_array":[4],"MAX_COMPLETIONS_CID":3},
		{"ID_CID":"102","NAME_CID":"Daily Shards","IS_DAILY_CID":true,"INPUT_ID_CID_array":["9"],"INPUT_AMOUNT_CID_array":["2"],"LOOT_AMOUNT_CID_array":[1]},
		{"ID_CID":"103","NAME_CID":"Broken","INPUT_ID_CID_array":["abc"]}
	]}`))
	client := newTestGameClient(t, mux)

	recipes, err := client.Recipes(context.Background())
	require.NoError(t, err)
	require.Len(t, recipes, 2)

	weekly := recipes[0]
	assert.True(t, weekly.IsWeekly)
	assert.False(t, weekly.IsDaily)
	assert.Equal(t, []int64{5}, weekly.InputIDs)
	assert.Equal(t, []int64{20}, weekly.InputAmounts)
	assert.Equal(t, []int64{4}, weekly.LootAmounts)
	assert.Equal(t, int64(3), weekly.MaxCompletions)

	daily := recipes[1]
	assert.True(t, daily.IsDaily)
	assert.Equal(t, []int64{9}, daily.InputIDs)
	assert.Equal(t, int64(0), daily.MaxCompletions)
}

func TestGameClient_RetriesThenFails(t *testing.T) {
	var hits int32
	client := newTestGameClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusInternalServerError)
	}))

	_, err := client.Recipes(context.Background())
	require.Error(t, err)
	assert.True(t, errors.IsSourceUnavailable(err))
	assert.Equal(t, int32(2), atomic.LoadInt32(&hits))
}

func TestGameClient_RecoversOnRetry(t *testing.T) {
	var hits int32
	client := newTestGameClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&hits, 1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		writeBody(`{"entities":[]}`)(w, r)
	}))

	items, err := client.ItemDetails(context.Background())
	require.NoError(t, err)
	assert.Empty(t, items)
}

func TestCID(t *testing.T) {
	tests := []struct {
		raw     string
		want    cid
		wantInt int64
		wantErr bool
	}{
		{`"12"`, "12", 12, false},
		{`12`, "12", 12, false},
		{`12.0`, "12.0", 12, false},
		{`null`, "", 0, false},
		{`true`, "true", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			var c cid
			require.NoError(t, c.UnmarshalJSON([]byte(tt.raw)))
			assert.Equal(t, tt.want, c)
			n, err := c.int64()
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantInt, n)
		})
	}
}

func TestGameClient_CurrentTime(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/static", writeBody(`{"constants":{"currentDay":1,"currentWeek":1},"time":{"currentDay":"612","currentWeek":88,"currentDayOfWeek":3}}`))
	mux.HandleFunc("/broken/static", writeBody(`{"constants":{}}`))
	client := newTestGameClient(t, mux)

	now, err := client.CurrentTime(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), now.CurrentDay, "first object opening with currentDay wins")
	assert.Equal(t, int64(1), now.CurrentWeek)

	client.baseURL += "/broken"
	_, err = client.CurrentTime(context.Background())
	require.Error(t, err)
	assert.True(t, errors.IsSourceUnavailable(err))
}

func TestParseGameTime(t *testing.T) {
	now, err := parseGameTime([]byte(`{"currentDay":612,"currentWeek":"88","currentDayOfWeek":3,"big":[1,2,3]}`))
	require.NoError(t, err)
	assert.Equal(t, int64(612), now.CurrentDay)
	assert.Equal(t, int64(88), now.CurrentWeek)

	_, err = parseGameTime([]byte(`{"currentDay":612}`))
	assert.Error(t, err, "week is required")
	_, err = parseGameTime([]byte(`<html>`))
	assert.Error(t, err)
}

func TestGameClient_PlayerExecutions(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/recipes/player/0xabc", writeBody(`{"entities":[
		{"ID_CID":"Recipe#101","DAY_CID":612,"WEEK_CID":88,"DAY_COUNT_CID":1,"WEEK_COUNT_CID":2},
		{"ID_CID":"Recipe#102","DAY_CID":"611","WEEK_CID":"88"},
		{"ID_CID":"Recipe#103","DAY_CID":"soon"},
		{"DAY_CID":1}
	]}`))
	client := newTestGameClient(t, mux)

	execs, err := client.PlayerExecutions(context.Background(), "0xabc")
	require.NoError(t, err)
	require.Len(t, execs, 2)
	assert.Equal(t, "101", execs[0].RecipeID)
	assert.Equal(t, int64(612), execs[0].Day)
	assert.Equal(t, int64(2), execs[0].WeekCount)
	assert.Equal(t, "102", execs[1].RecipeID)
	assert.Equal(t, int64(0), execs[1].DayCount)
}

func TestGameClient_StubIcon(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/gameitems", writeBody(`{"entities":[
		{"ID_CID":373,"NAME_CID":"Stub","IMG_URL_CID":"stub.png","ICON_URL_CID":"stub-icon.png"}
	]}`))
	client := newTestGameClient(t, mux)

	stub, err := client.StubIcon(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StubItemID, stub.ID)
	assert.Equal(t, "stub.png", stub.Image)
	assert.Equal(t, "stub-icon.png", stub.Icon)

	empty := newTestGameClient(t, writeBody(`{"entities":[]}`))
	_, err = empty.StubIcon(context.Background())
	require.Error(t, err)
	assert.Equal(t, http.StatusNotFound, errors.GetHTTPStatusCode(err))
}

func TestGameClient_Account(t *testing.T) {
	var hits int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		switch r.URL.Path {
		case "/account/0xabc":
			writeBody(`{"accountEntity":{"NOOB_TOKEN_CID":4821}}`)(w, r)
		default:
			writeBody(`{"accountEntity":null}`)(w, r)
		}
	}))
	t.Cleanup(server.Close)
	client := NewGameClient(&config.GameAPIConfig{BaseURL: "http://unused", AccountURL: server.URL + "/"}, nil, nil)
	client.retry = fastRetry()

	account, err := client.Account(context.Background(), "0xabc")
	require.NoError(t, err)
	assert.Equal(t, "4821", account.NoobID)
	assert.Equal(t, "0xabc", account.Address)

	_, err = client.Account(context.Background(), "0xdef")
	require.Error(t, err)
	assert.Equal(t, http.StatusNotFound, errors.GetHTTPStatusCode(err))
	assert.Equal(t, int32(2), atomic.LoadInt32(&hits), "a missing account is not retried")
}

func TestGameClient_RejectsOversizedBody(t *testing.T) {
	server := httptest.NewServer(writeBody(`{"entities":[{"ID_CID":5,"NAME_CID":"Bone"}]}`))
	t.Cleanup(server.Close)
	client := NewGameClient(&config.GameAPIConfig{BaseURL: server.URL, MaxResponseBytes: 8}, nil, nil)
	client.retry = fastRetry()

	_, err := client.ItemDetails(context.Background())
	require.Error(t, err)
	assert.True(t, errors.IsSourceUnavailable(err))
	assert.Contains(t, err.Error(), "exceeds 8 bytes")
}
