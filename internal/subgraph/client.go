// Package subgraph reads marketplace entities from the GraphQL indexer.
package subgraph

import (
	"bytes"
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/market-aggregator/internal/circuitbreaker"
	"github.com/market-aggregator/internal/config"
	"github.com/market-aggregator/internal/errors"
	"github.com/market-aggregator/internal/logging"
	"github.com/market-aggregator/internal/observability"
	"golang.org/x/time/rate"
)

// SourceName labels the indexer in errors, logs and metrics.
const SourceName = "subgraph"

// Querier runs one GraphQL query and returns the data object keyed by root field.
type Querier interface {
	Query(ctx context.Context, query string, vars map[string]interface{}) (map[string]json.RawMessage, error)
}

// Budget meters queries against a quota shared with other instances.
type Budget interface {
	Wait(ctx context.Context, cost int) error
}

// Client is an HTTP GraphQL client for the indexer. Outbound requests are
// paced by a token bucket, optionally metered by a shared budget and
// guarded by a circuit breaker.
type Client struct {
	url        string
	httpClient *http.Client
	limiter    *rate.Limiter
	budget     Budget
	maxBody    int64
	breaker    *circuitbreaker.CircuitBreaker
	metrics    *observability.Metrics
}

type graphQLRequest struct {
	Query     string                 `json:"query"`
	Variables map[string]interface{} `json:"variables"`
}

type graphQLError struct {
	Message string `json:"message"`
}

type graphQLResponse struct {
	Data   map[string]json.RawMessage `json:"data"`
	Errors []graphQLError             `json:"errors"`
}

// NewClient creates an indexer client from cfg.
func NewClient(cfg *config.SubgraphConfig, breakers *circuitbreaker.Manager, metrics *observability.Metrics) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	maxBody := cfg.MaxResponseBytes
	if maxBody <= 0 {
		maxBody = 32 << 20
	}
	if breakers == nil {
		breakers = circuitbreaker.NewManager()
	}
	return &Client{
		url:        cfg.URL,
		httpClient: &http.Client{Timeout: timeout},
		limiter:    rate.NewLimiter(limit, burst),
		maxBody:    maxBody,
		breaker:    breakers.GetOrCreate(SourceName, nil),
		metrics:    metrics,
	}
}

// WithBudget makes every query wait for one unit of b before it is sent.
func (c *Client) WithBudget(b Budget) *Client {
	c.budget = b
	return c
}

// Query posts a GraphQL query. Transport failures, non-200 statuses and
// GraphQL errors are returned as source-unavailable errors; a cancelled
// context is returned unchanged.
func (c *Client) Query(ctx context.Context, query string, vars map[string]interface{}) (map[string]json.RawMessage, error) {
	if c.url == "" {
		return nil, errors.NewSourceUnavailableError(SourceName, fmt.Errorf("indexer url is not configured"))
	}
	if err := c.limiter.Wait(ctx); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, errors.NewSourceUnavailableError(SourceName, err)
	}
	if c.budget != nil {
		if err := c.budget.Wait(ctx, 1); err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			return nil, errors.NewSourceUnavailableError(SourceName, err)
		}
	}

	start := time.Now()
	var data map[string]json.RawMessage
	err := c.breaker.Execute(ctx, func() error {
		var callErr error
		data, callErr = c.do(ctx, query, vars)
		return callErr
	})
	c.metrics.RecordSourceRequest(SourceName, outcome(err), time.Since(start))

	if err == nil {
		return data, nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil && stderrors.Is(err, ctxErr) {
		return nil, ctxErr
	}
	if stderrors.Is(err, circuitbreaker.ErrCircuitOpen) || stderrors.Is(err, circuitbreaker.ErrTooManyRequests) {
		return nil, errors.NewSourceUnavailableError(SourceName, err)
	}
	return nil, err
}

func (c *Client) do(ctx context.Context, query string, vars map[string]interface{}) (map[string]json.RawMessage, error) {
	if vars == nil {
		vars = map[string]interface{}{}
	}
	body, err := json.Marshal(graphQLRequest{Query: query, Variables: vars})
	if err != nil {
		return nil, errors.NewInternalError("failed to encode graphql request", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, errors.NewInternalError("failed to create graphql request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, errors.NewSourceUnavailableError(SourceName, err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, c.maxBody+1))
	if err != nil {
		return nil, errors.NewSourceUnavailableError(SourceName, fmt.Errorf("failed to read response: %w", err))
	}
	if int64(len(payload)) > c.maxBody {
		return nil, errors.NewSourceUnavailableError(SourceName, fmt.Errorf("response exceeds %d bytes", c.maxBody))
	}
	if resp.StatusCode != http.StatusOK {
		return nil, errors.NewSourceUnavailableError(SourceName,
			fmt.Errorf("status=%d body=%s", resp.StatusCode, truncate(string(payload), 256)))
	}

	var out graphQLResponse
	if err := json.Unmarshal(payload, &out); err != nil {
		return nil, errors.NewSourceUnavailableError(SourceName, fmt.Errorf("failed to parse response: %w", err))
	}
	if len(out.Errors) > 0 {
		messages := make([]string, 0, len(out.Errors))
		for _, e := range out.Errors {
			messages = append(messages, e.Message)
		}
		logging.FromContext(ctx).WithField("errors", messages).Warn("Indexer returned GraphQL errors")
		return nil, errors.NewSourceUnavailableError(SourceName, fmt.Errorf("graphql errors: %s", strings.Join(messages, "; ")))
	}
	if out.Data == nil {
		out.Data = map[string]json.RawMessage{}
	}
	return out.Data, nil
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "success"
	case stderrors.Is(err, context.Canceled):
		return "cancelled"
	case stderrors.Is(err, circuitbreaker.ErrCircuitOpen):
		return "circuit_open"
	default:
		return "error"
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
