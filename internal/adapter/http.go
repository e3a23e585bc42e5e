// Package adapter talks to the third-party HTTP APIs next to the indexer:
// the ETH/USD price feeds and the game's offchain catalogue.
package adapter

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/market-aggregator/internal/circuitbreaker"
	"github.com/market-aggregator/internal/errors"
	"github.com/market-aggregator/internal/observability"
	"github.com/market-aggregator/internal/retry"
)

const userAgent = "market-aggregator/1.0"

// call runs fn behind the source's breaker and retries retryable failures.
func call(ctx context.Context, breaker *circuitbreaker.CircuitBreaker, cfg *retry.RetryConfig, metrics *observability.Metrics, source string, fn func(context.Context) error) error {
	start := time.Now()
	err := retry.WithRetry(ctx, cfg, func(ctx context.Context, attempt int) error {
		return breaker.Execute(ctx, func() error { return fn(ctx) })
	})
	metrics.RecordSourceRequest(source, outcome(err), time.Since(start))
	if err == nil {
		return nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	if errors.IsSourceUnavailable(err) {
		return err
	}
	return errors.NewSourceUnavailableError(source, err)
}

// maxBody returns configured, or def when it is not set.
func maxBody(configured, def int64) int64 {
	if configured > 0 {
		return configured
	}
	return def
}

func retryConfig(maxAttempts int) *retry.RetryConfig {
	cfg := retry.DefaultRetryConfig()
	if maxAttempts > 0 {
		cfg.MaxAttempts = maxAttempts
	}
	cfg.Retryable = errors.IsRetryable
	return cfg
}

// getBody issues a GET and returns the body of a 200 response. Bodies
// larger than limit are rejected rather than truncated.
func getBody(ctx context.Context, client *http.Client, source, url string, headers map[string]string, limit int64) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, errors.NewInternalError("failed to create request", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", userAgent)
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, errors.NewSourceUnavailableError(source, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
	if err != nil {
		return nil, errors.NewSourceUnavailableError(source, fmt.Errorf("failed to read response: %w", err))
	}
	if int64(len(body)) > limit {
		return nil, errors.NewSourceUnavailableError(source, fmt.Errorf("response exceeds %d bytes", limit))
	}
	if resp.StatusCode != http.StatusOK {
		return nil, errors.NewSourceUnavailableError(source, fmt.Errorf("status=%d", resp.StatusCode))
	}
	return body, nil
}

// getJSON issues a GET and decodes a 200 response into dest.
func getJSON(ctx context.Context, client *http.Client, source, url string, headers map[string]string, limit int64, dest interface{}) error {
	body, err := getBody(ctx, client, source, url, headers, limit)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, dest); err != nil {
		return errors.NewSourceUnavailableError(source, fmt.Errorf("failed to parse response: %w", err))
	}
	return nil
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

// cid is a game API scalar that may arrive as a string, number or bool.
type cid string

func (c *cid) UnmarshalJSON(data []byte) error {
	s := strings.TrimSpace(string(data))
	switch {
	case s == "null":
		*c = ""
	case strings.HasPrefix(s, `"`):
		var str string
		if err := json.Unmarshal(data, &str); err != nil {
			return err
		}
		*c = cid(str)
	default:
		*c = cid(s)
	}
	return nil
}

func (c cid) int64() (int64, error) {
	if c == "" {
		return 0, nil
	}
	if n, err := strconv.ParseInt(string(c), 10, 64); err == nil {
		return n, nil
	}
	f, err := strconv.ParseFloat(string(c), 64)
	if err != nil {
		return 0, fmt.Errorf("not a number: %q", string(c))
	}
	return int64(f), nil
}

func ints(values []cid) ([]int64, error) {
	out := make([]int64, 0, len(values))
	for _, v := range values {
		n, err := v.int64()
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, nil
}
