// Package ratelimit shares the indexer query budget between service
// instances through Redis. Interactive requests draw from a reserved pool
// and background refreshes from the rest, so a cache warm-up cannot starve
// user-facing reads.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/market-aggregator/internal/logging"
)

// Defaults, in queries per window.
const (
	DefaultTotalBudget = 50
	DefaultWindowSize  = time.Second
	DefaultKeyPrefix   = "budget:subgraph:"
)

// Priority selects the pool a query is charged to.
type Priority int

const (
	// PriorityInteractive is a query made on behalf of an API request.
	PriorityInteractive Priority = iota
	// PriorityBackground is a query made by a background worker.
	PriorityBackground
)

func (p Priority) String() string {
	switch p {
	case PriorityInteractive:
		return "interactive"
	case PriorityBackground:
		return "background"
	default:
		return "unknown"
	}
}

type priorityKey struct{}

// WithPriority marks ctx so that queries made under it are charged to p.
func WithPriority(ctx context.Context, p Priority) context.Context {
	return context.WithValue(ctx, priorityKey{}, p)
}

// PriorityFrom returns the priority stored in ctx, PriorityInteractive by default.
func PriorityFrom(ctx context.Context) Priority {
	if p, ok := ctx.Value(priorityKey{}).(Priority); ok {
		return p
	}
	return PriorityInteractive
}

// QueryBudgetConfig configures a QueryBudget.
type QueryBudgetConfig struct {
	Redis redis.Cmdable
	// Total is the number of queries allowed per window across all instances
	Total int
	// Reserved is the part of Total only interactive queries may use;
	// 0 reserves three fifths of Total
	Reserved int
	Window   time.Duration
	// KeyTTL defaults to twice the window
	KeyTTL    time.Duration
	KeyPrefix string
	// Now defaults to time.Now
	Now func() time.Time
	// BaseDelay and MaxDelay bound the back-off of Wait
	BaseDelay time.Duration
	MaxDelay  time.Duration
}

// Validate checks the configuration.
func (c *QueryBudgetConfig) Validate() error {
	if c.Redis == nil {
		return errors.New("redis client is required")
	}
	if c.Total < 0 || c.Reserved < 0 {
		return errors.New("budgets cannot be negative")
	}
	total := c.Total
	if total == 0 {
		total = DefaultTotalBudget
	}
	if c.Reserved >= total {
		return fmt.Errorf("reserved budget (%d) must be less than total budget (%d)", c.Reserved, total)
	}
	return nil
}

// QueryBudget is a fixed-window counter kept in Redis.
type QueryBudget struct {
	redis     redis.Cmdable
	total     int
	reserved  int
	shared    int
	window    time.Duration
	keyTTL    time.Duration
	prefix    string
	now       func() time.Time
	baseDelay time.Duration
	maxDelay  time.Duration
}

// Usage is the consumption of the current window.
type Usage struct {
	TotalUsed    int       `json:"totalUsed"`
	ReservedUsed int       `json:"reservedUsed"`
	SharedUsed   int       `json:"sharedUsed"`
	Total        int       `json:"total"`
	Reserved     int       `json:"reserved"`
	Shared       int       `json:"shared"`
	WindowStart  time.Time `json:"windowStart"`
}

// NewQueryBudget creates a budget from cfg.
func NewQueryBudget(cfg *QueryBudgetConfig) (*QueryBudget, error) {
	if cfg == nil {
		return nil, errors.New("configuration is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	b := &QueryBudget{
		redis:     cfg.Redis,
		total:     cfg.Total,
		reserved:  cfg.Reserved,
		window:    cfg.Window,
		keyTTL:    cfg.KeyTTL,
		prefix:    cfg.KeyPrefix,
		now:       cfg.Now,
		baseDelay: cfg.BaseDelay,
		maxDelay:  cfg.MaxDelay,
	}
	if b.total == 0 {
		b.total = DefaultTotalBudget
	}
	if b.reserved == 0 {
		b.reserved = b.total * 3 / 5
	}
	b.shared = b.total - b.reserved
	if b.window <= 0 {
		b.window = DefaultWindowSize
	}
	if b.keyTTL <= 0 {
		b.keyTTL = 2 * b.window
	}
	if b.prefix == "" {
		b.prefix = DefaultKeyPrefix
	}
	if b.now == nil {
		b.now = time.Now
	}
	if b.baseDelay <= 0 {
		b.baseDelay = 50 * time.Millisecond
	}
	if b.maxDelay <= 0 {
		b.maxDelay = 5 * time.Second
	}
	return b, nil
}

func (b *QueryBudget) windowStart() time.Time {
	return b.now().Truncate(b.window)
}

func (b *QueryBudget) keys(start time.Time) (total, reserved, shared string) {
	ts := strconv.FormatInt(start.UnixMilli(), 10)
	return b.prefix + "total:" + ts, b.prefix + "reserved:" + ts, b.prefix + "shared:" + ts
}

type pool struct {
	key    string
	budget int
}

// consumeScript increments the total and pool counters only when both stay
// within budget.
var consumeScript = redis.NewScript(`
local used = tonumber(redis.call('GET', KEYS[1]) or '0')
local pool = tonumber(redis.call('GET', KEYS[2]) or '0')
local cost = tonumber(ARGV[1])
if used + cost > tonumber(ARGV[2]) or pool + cost > tonumber(ARGV[3]) then
	return 0
end
redis.call('INCRBY', KEYS[1], cost)
redis.call('PEXPIRE', KEYS[1], ARGV[4])
redis.call('INCRBY', KEYS[2], cost)
redis.call('PEXPIRE', KEYS[2], ARGV[4])
return 1
`)

// TryConsume charges cost queries to the pool of priority. When the budget
// is spent it returns false and the time left in the current window.
// Interactive queries fall back to the shared pool once their reserve is
// used up. A Redis failure allows the query: the cache layer and circuit
// breaker still protect the indexer.
func (b *QueryBudget) TryConsume(ctx context.Context, cost int, priority Priority) (bool, time.Duration) {
	if cost <= 0 {
		return true, 0
	}
	start := b.windowStart()
	totalKey, reservedKey, sharedKey := b.keys(start)

	pools := []pool{{sharedKey, b.shared}}
	if priority == PriorityInteractive {
		pools = []pool{{reservedKey, b.reserved}, {sharedKey, b.shared}}
	}

	ttl := b.keyTTL.Milliseconds()
	for _, p := range pools {
		if p.budget <= 0 {
			continue
		}
		ok, err := consumeScript.Run(ctx, b.redis, []string{totalKey, p.key}, cost, b.total, p.budget, ttl).Int()
		if err != nil {
			if ctx.Err() != nil {
				return false, 0
			}
			logging.FromContext(ctx).WithError(err).Warn("Query budget unavailable, allowing query")
			return true, 0
		}
		if ok == 1 {
			return true, 0
		}
	}
	return false, b.untilNextWindow(start)
}

func (b *QueryBudget) untilNextWindow(start time.Time) time.Duration {
	wait := start.Add(b.window).Sub(b.now())
	if wait < 0 {
		wait = 0
	}
	return wait + time.Millisecond
}

// Wait blocks until cost queries can be charged to the priority stored in
// ctx, backing off exponentially while the budget is spent.
func (b *QueryBudget) Wait(ctx context.Context, cost int) error {
	priority := PriorityFrom(ctx)
	delay := b.baseDelay
	for throttled := 0; ; throttled++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		ok, wait := b.TryConsume(ctx, cost, priority)
		if ok {
			if throttled > 0 {
				logging.FromContext(ctx).WithFields(map[string]interface{}{
					"priority":  priority.String(),
					"throttled": throttled,
				}).Debug("Query budget granted after waiting")
			}
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		if wait < delay {
			wait = delay
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
		delay = min(delay*2, b.maxDelay)
	}
}

// Usage reports the consumption of the current window. Missing counters read as zero.
func (b *QueryBudget) Usage(ctx context.Context) (Usage, error) {
	start := b.windowStart()
	totalKey, reservedKey, sharedKey := b.keys(start)

	pipe := b.redis.Pipeline()
	totalCmd := pipe.Get(ctx, totalKey)
	reservedCmd := pipe.Get(ctx, reservedKey)
	sharedCmd := pipe.Get(ctx, sharedKey)
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return Usage{}, err
	}

	return Usage{
		TotalUsed:    intOrZero(totalCmd),
		ReservedUsed: intOrZero(reservedCmd),
		SharedUsed:   intOrZero(sharedCmd),
		Total:        b.total,
		Reserved:     b.reserved,
		Shared:       b.shared,
		WindowStart:  start,
	}, nil
}

func intOrZero(cmd *redis.StringCmd) int {
	n, err := cmd.Int()
	if err != nil {
		return 0
	}
	return n
}
