// Package normalize converts raw indexer rows into typed marketplace values.
// Numeric text is parsed with shopspring/decimal. Rows missing a required
// field are skipped, logged and counted; no substitute value is invented.
package normalize

import (
	"context"
	stderrors "errors"
	"strconv"
	"strings"

	"github.com/market-aggregator/internal/errors"
	"github.com/market-aggregator/internal/logging"
	"github.com/market-aggregator/internal/observability"
	"github.com/market-aggregator/internal/subgraph"
	"github.com/shopspring/decimal"
)

// Entity names used in malformed row errors and metrics.
const (
	EntityTransfer    = "transfer"
	EntityListing     = "listing"
	EntityItem        = "item"
	EntityItemDayData = "itemDayData"
	EntityPosition    = "userItemPosition"
)

var errMissing = stderrors.New("is missing")

// Normalizer converts rows and reports what it had to skip.
type Normalizer struct {
	metrics *observability.Metrics
}

// New creates a Normalizer. metrics may be nil.
func New(metrics *observability.Metrics) *Normalizer {
	return &Normalizer{metrics: metrics}
}

// Decimal parses a scalar as a decimal number.
func Decimal(s subgraph.Scalar) (decimal.Decimal, error) {
	text := strings.TrimSpace(s.String())
	if text == "" {
		return decimal.Zero, errMissing
	}
	return decimal.NewFromString(text)
}

// Float parses a scalar into a float64 through decimal.
func Float(s subgraph.Scalar) (float64, error) {
	d, err := Decimal(s)
	if err != nil {
		return 0, err
	}
	return d.InexactFloat64(), nil
}

// Int parses an integral scalar. "3" and "3.0" are accepted, "3.5" is not.
func Int(s subgraph.Scalar) (int64, error) {
	text := strings.TrimSpace(s.String())
	if text == "" {
		return 0, errMissing
	}
	if n, err := strconv.ParseInt(text, 10, 64); err == nil {
		return n, nil
	}
	d, err := decimal.NewFromString(text)
	if err != nil {
		return 0, err
	}
	if !d.IsInteger() {
		return 0, stderrors.New("is not an integer")
	}
	return d.IntPart(), nil
}

// Bool parses a boolean scalar.
func Bool(s subgraph.Scalar) (bool, error) {
	text := strings.TrimSpace(s.String())
	if text == "" {
		return false, errMissing
	}
	return strconv.ParseBool(text)
}

// fieldReader collects the first parse failure of a row.
type fieldReader struct {
	entity string
	err    *errors.CategorizedError
}

func (r *fieldReader) fail(field string, err error) {
	if r.err == nil {
		r.err = errors.NewMalformedRowError(r.entity, field, err.Error())
	}
}

func (r *fieldReader) required(field string, s subgraph.Scalar) float64 {
	f, err := Float(s)
	if err != nil {
		r.fail(field, err)
		return 0
	}
	if f < 0 {
		r.fail(field, stderrors.New("is negative"))
		return 0
	}
	return f
}

func (r *fieldReader) requiredInt(field string, s subgraph.Scalar) int64 {
	n, err := Int(s)
	if err != nil {
		r.fail(field, err)
		return 0
	}
	if n < 0 {
		r.fail(field, stderrors.New("is negative"))
		return 0
	}
	return n
}

// optional parses a scalar that may legitimately be absent; malformed text is still an error.
func (r *fieldReader) optional(field string, s subgraph.Scalar) float64 {
	if s == "" {
		return 0
	}
	return r.required(field, s)
}

func (r *fieldReader) optionalInt(field string, s subgraph.Scalar) int64 {
	if s == "" {
		return 0
	}
	return r.requiredInt(field, s)
}

func (r *fieldReader) requiredID(field, id string) string {
	if strings.TrimSpace(id) == "" {
		r.fail(field, errMissing)
	}
	return id
}

func (r *fieldReader) result() error {
	if r.err == nil {
		return nil
	}
	return r.err
}

func (n *Normalizer) skip(ctx context.Context, id string, err error) {
	cat := errors.Categorize(err)
	entity, _ := cat.Details["entity"].(string)
	field, _ := cat.Details["field"].(string)
	n.metrics.RecordMalformedRow(entity, field)
	logging.FromContext(ctx).WithFields(map[string]interface{}{
		"entity": entity,
		"field":  field,
		"rowId":  id,
	}).Warn(cat.Message)
}

func (n *Normalizer) inconsistent(ctx context.Context, entity, id, reason string, fields map[string]interface{}) {
	n.metrics.RecordInconsistentState(entity, reason)
	err := errors.NewInconsistentStateError(entity, id, reason)
	logging.FromContext(ctx).WithFields(fields).WithField("rowId", id).Warn(err.Message)
}

func lower(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
