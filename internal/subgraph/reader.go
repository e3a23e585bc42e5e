package subgraph

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/market-aggregator/internal/errors"
	"github.com/market-aggregator/internal/logging"
	"github.com/market-aggregator/internal/observability"
)

// DefaultPageSize is the indexer's maximum page size.
const DefaultPageSize = 1000

// Reader fetches complete entity collections page by page.
type Reader struct {
	source   Querier
	pageSize int
	metrics  *observability.Metrics
}

// NewReader creates a Reader over source. A non-positive pageSize selects DefaultPageSize.
func NewReader(source Querier, pageSize int, metrics *observability.Metrics) *Reader {
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	return &Reader{source: source, pageSize: pageSize, metrics: metrics}
}

// PageSize returns the number of rows requested per page.
func (r *Reader) PageSize() int {
	return r.pageSize
}

// PageQuery is a query whose root field Entity accepts $first and $skip.
type PageQuery struct {
	Entity string
	Query  string
	Vars   map[string]interface{}
}

func (q PageQuery) page(first, skip int) map[string]interface{} {
	vars := make(map[string]interface{}, len(q.Vars)+2)
	for k, v := range q.Vars {
		vars[k] = v
	}
	vars["first"] = first
	vars["skip"] = skip
	return vars
}

// FetchAll requests pages of r.PageSize() rows in order, one after the other,
// until a page comes back short. The context is checked before every page.
// Any failure discards the rows gathered so far.
func FetchAll[T any](ctx context.Context, r *Reader, q PageQuery) ([]T, error) {
	all := make([]T, 0)
	for skip := 0; ; skip += r.pageSize {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		data, err := r.source.Query(ctx, q.Query, q.page(r.pageSize, skip))
		if err != nil {
			return nil, err
		}
		page, err := decodeList[T](data, q.Entity)
		if err != nil {
			return nil, err
		}
		r.metrics.RecordPage(q.Entity, len(page))
		all = append(all, page...)

		if len(page) < r.pageSize {
			break
		}
	}

	logging.FromContext(ctx).WithFields(map[string]interface{}{
		"entity": q.Entity,
		"rows":   len(all),
	}).Debug("Fetched all pages")
	return all, nil
}

// FetchFirst requests a single page of at most first rows.
func FetchFirst[T any](ctx context.Context, r *Reader, q PageQuery, first int) ([]T, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := r.source.Query(ctx, q.Query, q.page(first, 0))
	if err != nil {
		return nil, err
	}
	page, err := decodeList[T](data, q.Entity)
	if err != nil {
		return nil, err
	}
	r.metrics.RecordPage(q.Entity, len(page))
	return page, nil
}

// FetchOne requests a single entity. A null entity yields nil without error.
func FetchOne[T any](ctx context.Context, r *Reader, entity, query string, vars map[string]interface{}) (*T, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := r.source.Query(ctx, query, vars)
	if err != nil {
		return nil, err
	}
	raw, ok := data[entity]
	if !ok || isNull(raw) {
		return nil, nil
	}
	var out T
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, errors.NewSourceUnavailableError(SourceName, fmt.Errorf("failed to decode %s: %w", entity, err))
	}
	return &out, nil
}

// decodeList reads the root field entity; a missing or null field is an empty page.
func decodeList[T any](data map[string]json.RawMessage, entity string) ([]T, error) {
	raw, ok := data[entity]
	if !ok || isNull(raw) {
		return []T{}, nil
	}
	var rows []T
	if err := json.Unmarshal(raw, &rows); err != nil {
		return nil, errors.NewSourceUnavailableError(SourceName, fmt.Errorf("failed to decode %s: %w", entity, err))
	}
	return rows, nil
}

func isNull(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))
}
