package adapter

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
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

// GameSourceName labels the game API in errors, logs and metrics.
const GameSourceName = "game_api"

// StubItemID is the game item deals pay out in.
const StubItemID = "373"

// recipePrefix qualifies recipe ids in player execution records.
const recipePrefix = "Recipe#"

type gameItemRow struct {
	ID          cid `json:"ID_CID"`
	Name        cid `json:"NAME_CID"`
	Description cid `json:"DESCRIPTION_CID"`
	Rarity      cid `json:"RARITY_NAME"`
	Type        cid `json:"TYPE_CID"`
	Image       cid `json:"IMG_URL_CID"`
	Icon        cid `json:"ICON_URL_CID"`
}

type recipeRow struct {
	ID             cid   `json:"ID_CID"`
	Name           cid   `json:"NAME_CID"`
	IsWeekly       cid   `json:"IS_WEEKLY_CID"`
	IsDaily        cid   `json:"IS_DAILY_CID"`
	InputIDs       []cid `json:"INPUT_ID_CID_array"`
	InputAmounts   []cid `json:"INPUT_AMOUNT_CID_array"`
	LootAmounts    []cid `json:"LOOT_AMOUNT_CID_array"`
	MaxCompletions cid   `json:"MAX_COMPLETIONS_CID"`
}

type executionRow struct {
	ID        cid `json:"ID_CID"`
	Day       cid `json:"DAY_CID"`
	Week      cid `json:"WEEK_CID"`
	DayCount  cid `json:"DAY_COUNT_CID"`
	WeekCount cid `json:"WEEK_COUNT_CID"`
}

type accountBody struct {
	AccountEntity *struct {
		NoobToken cid `json:"NOOB_TOKEN_CID"`
	} `json:"accountEntity"`
}

type entities[T any] struct {
	Entities []T `json:"entities"`
}

// GameClient reads the game's offchain item catalogue, recipes, calendar and
// player records.
type GameClient struct {
	baseURL    string
	accountURL string
	maxBody    int64
	client     *http.Client
	breaker    *circuitbreaker.CircuitBreaker
	retry      *retry.RetryConfig
	metrics    *observability.Metrics
}

// NewGameClient creates a game API client from cfg.
func NewGameClient(cfg *config.GameAPIConfig, breakers *circuitbreaker.Manager, metrics *observability.Metrics) *GameClient {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	if breakers == nil {
		breakers = circuitbreaker.NewManager()
	}
	return &GameClient{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		accountURL: strings.TrimRight(cfg.AccountURL, "/"),
		maxBody:    maxBody(cfg.MaxResponseBytes, 16<<20),
		client:     &http.Client{Timeout: timeout},
		breaker:    breakers.GetOrCreate(GameSourceName, nil),
		retry:      retryConfig(0),
		metrics:    metrics,
	}
}

// ItemDetails returns the item catalogue keyed by item id. The image falls
// back to the icon when an item has none.
func (g *GameClient) ItemDetails(ctx context.Context) (map[string]types.ItemDetails, error) {
	var body entities[gameItemRow]
	if err := g.get(ctx, "/gameitems", &body); err != nil {
		return nil, err
	}

	out := make(map[string]types.ItemDetails, len(body.Entities))
	for _, row := range body.Entities {
		if row.ID == "" {
			continue
		}
		image := row.Image
		if image == "" {
			image = row.Icon
		}
		id := string(row.ID)
		out[id] = types.ItemDetails{
			ID:          id,
			Name:        string(row.Name),
			Description: string(row.Description),
			Rarity:      string(row.Rarity),
			Type:        string(row.Type),
			Image:       string(image),
			Icon:        string(row.Icon),
		}
	}
	return out, nil
}

// Recipes returns every recipe. Recipes with non-numeric inputs or amounts
// are logged and left out.
func (g *GameClient) Recipes(ctx context.Context) ([]types.Recipe, error) {
	var body entities[recipeRow]
	if err := g.get(ctx, "/recipes", &body); err != nil {
		return nil, err
	}

	logger := logging.FromContext(ctx)
	out := make([]types.Recipe, 0, len(body.Entities))
	for _, row := range body.Entities {
		recipe, err := toRecipe(row)
		if err != nil {
			logger.WithField("recipeId", string(row.ID)).WithError(err).Warn("Skipping malformed recipe")
			continue
		}
		out = append(out, recipe)
	}
	return out, nil
}

func toRecipe(row recipeRow) (types.Recipe, error) {
	recipe := types.Recipe{
		ID:       string(row.ID),
		Name:     string(row.Name),
		IsWeekly: row.IsWeekly == "true",
		IsDaily:  row.IsDaily == "true",
	}
	var err error
	if recipe.InputIDs, err = ints(row.InputIDs); err != nil {
		return recipe, err
	}
	if recipe.InputAmounts, err = ints(row.InputAmounts); err != nil {
		return recipe, err
	}
	if recipe.LootAmounts, err = ints(row.LootAmounts); err != nil {
		return recipe, err
	}
	if recipe.MaxCompletions, err = row.MaxCompletions.int64(); err != nil {
		return recipe, err
	}
	return recipe, nil
}

// CurrentTime returns the game's current day and week. They lead the
// static data document, which is otherwise too large to decode in full.
func (g *GameClient) CurrentTime(ctx context.Context) (types.GameTime, error) {
	var now types.GameTime
	err := call(ctx, g.breaker, g.retry, g.metrics, GameSourceName, func(ctx context.Context) error {
		body, err := getBody(ctx, g.client, GameSourceName, g.baseURL+"/static", nil, g.maxBody)
		if err != nil {
			return err
		}
		now, err = parseGameTime(body)
		if err != nil {
			return errors.NewSourceUnavailableError(GameSourceName, err)
		}
		return nil
	})
	return now, err
}

func parseGameTime(body []byte) (types.GameTime, error) {
	start := bytes.Index(body, []byte(`{"currentDay"`))
	if start < 0 {
		return types.GameTime{}, fmt.Errorf("current day not found in static data")
	}
	var raw struct {
		CurrentDay  cid `json:"currentDay"`
		CurrentWeek cid `json:"currentWeek"`
	}
	if err := json.NewDecoder(bytes.NewReader(body[start:])).Decode(&raw); err != nil {
		return types.GameTime{}, fmt.Errorf("failed to parse static data: %w", err)
	}
	if raw.CurrentDay == "" || raw.CurrentWeek == "" {
		return types.GameTime{}, fmt.Errorf("current day or week missing from static data")
	}
	day, err := raw.CurrentDay.int64()
	if err != nil {
		return types.GameTime{}, err
	}
	week, err := raw.CurrentWeek.int64()
	if err != nil {
		return types.GameTime{}, err
	}
	return types.GameTime{CurrentDay: day, CurrentWeek: week}, nil
}

// PlayerExecutions returns the recipe execution records of a player, keyed
// by recipe id. Malformed records are logged and left out.
func (g *GameClient) PlayerExecutions(ctx context.Context, address string) ([]types.RecipeExecution, error) {
	var body entities[executionRow]
	if err := g.get(ctx, "/recipes/player/"+url.PathEscape(address), &body); err != nil {
		return nil, err
	}

	logger := logging.FromContext(ctx)
	out := make([]types.RecipeExecution, 0, len(body.Entities))
	for _, row := range body.Entities {
		exec, err := toExecution(row)
		if err != nil {
			logger.WithField("recipeId", string(row.ID)).WithError(err).Warn("Skipping malformed execution record")
			continue
		}
		out = append(out, exec)
	}
	return out, nil
}

func toExecution(row executionRow) (types.RecipeExecution, error) {
	exec := types.RecipeExecution{RecipeID: strings.TrimPrefix(string(row.ID), recipePrefix)}
	if exec.RecipeID == "" {
		return exec, fmt.Errorf("missing recipe id")
	}
	var err error
	if exec.Day, err = row.Day.int64(); err != nil {
		return exec, err
	}
	if exec.Week, err = row.Week.int64(); err != nil {
		return exec, err
	}
	if exec.DayCount, err = row.DayCount.int64(); err != nil {
		return exec, err
	}
	if exec.WeekCount, err = row.WeekCount.int64(); err != nil {
		return exec, err
	}
	return exec, nil
}

// StubIcon returns the catalogue entry of the stub item.
func (g *GameClient) StubIcon(ctx context.Context) (types.ItemDetails, error) {
	items, err := g.ItemDetails(ctx)
	if err != nil {
		return types.ItemDetails{}, err
	}
	stub, ok := items[StubItemID]
	if !ok {
		return types.ItemDetails{}, errors.NewNotFoundError("game item", StubItemID)
	}
	return stub, nil
}

// Account returns the game account of a wallet. A wallet without a noob
// token is not found.
func (g *GameClient) Account(ctx context.Context, address string) (types.GameAccount, error) {
	var body accountBody
	err := call(ctx, g.breaker, g.retry, g.metrics, GameSourceName, func(ctx context.Context) error {
		return getJSON(ctx, g.client, GameSourceName, g.accountURL+"/account/"+url.PathEscape(address), nil, g.maxBody, &body)
	})
	if err != nil {
		return types.GameAccount{}, err
	}
	if body.AccountEntity == nil || body.AccountEntity.NoobToken == "" {
		return types.GameAccount{}, errors.NewNotFoundError("noob id", address)
	}
	return types.GameAccount{Address: address, NoobID: string(body.AccountEntity.NoobToken)}, nil
}

func (g *GameClient) get(ctx context.Context, path string, dest interface{}) error {
	return call(ctx, g.breaker, g.retry, g.metrics, GameSourceName, func(ctx context.Context) error {
		return getJSON(ctx, g.client, GameSourceName, g.baseURL+path, nil, g.maxBody, dest)
	})
}
