package ratelimit

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func setupTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		client.Close()
		mr.Close()
	})
	return mr, client
}

func newTestBudget(t *testing.T, client redis.Cmdable, clock *fakeClock, total, reserved int) *QueryBudget {
	t.Helper()
	cfg := &QueryBudgetConfig{Redis: client, Total: total, Reserved: reserved, Window: time.Second}
	if clock != nil {
		cfg.Now = clock.Now
	}
	b, err := NewQueryBudget(cfg)
	require.NoError(t, err)
	return b
}

func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestNewQueryBudget(t *testing.T) {
	_, client := setupTestRedis(t)

	tests := []struct {
		name    string
		cfg     *QueryBudgetConfig
		wantErr string
	}{
		{"nil config", nil, "configuration is required"},
		{"nil redis", &QueryBudgetConfig{}, "redis client is required"},
		{"negative budget", &QueryBudgetConfig{Redis: client, Total: -1}, "cannot be negative"},
		{"reserve takes everything", &QueryBudgetConfig{Redis: client, Total: 10, Reserved: 10}, "must be less than total"},
		{"reserve beyond default total", &QueryBudgetConfig{Redis: client, Reserved: DefaultTotalBudget + 1}, "must be less than total"},
		{"defaults", &QueryBudgetConfig{Redis: client}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, err := NewQueryBudget(tt.cfg)
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, DefaultTotalBudget, b.total)
			assert.Equal(t, 30, b.reserved)
			assert.Equal(t, 20, b.shared)
			assert.Equal(t, 2*DefaultWindowSize, b.keyTTL)
		})
	}
}

func TestTryConsume_InteractiveUsesReserveThenShared(t *testing.T) {
	_, client := setupTestRedis(t)
	clock := &fakeClock{now: time.Date(2025, 6, 15, 12, 0, 0, 200*int(time.Millisecond), time.UTC)}
	b := newTestBudget(t, client, clock, 5, 3)
	ctx := testContext(t)

	for i := 0; i < 5; i++ {
		ok, _ := b.TryConsume(ctx, 1, PriorityInteractive)
		require.True(t, ok, "query %d", i)
	}
	ok, wait := b.TryConsume(ctx, 1, PriorityInteractive)
	assert.False(t, ok)
	assert.Equal(t, 800*time.Millisecond+time.Millisecond, wait)

	usage, err := b.Usage(ctx)
	require.NoError(t, err)
	assert.Equal(t, 5, usage.TotalUsed)
	assert.Equal(t, 3, usage.ReservedUsed)
	assert.Equal(t, 2, usage.SharedUsed)
}

func TestTryConsume_BackgroundCannotTouchReserve(t *testing.T) {
	_, client := setupTestRedis(t)
	clock := &fakeClock{now: time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)}
	b := newTestBudget(t, client, clock, 5, 3)
	ctx := testContext(t)

	for i := 0; i < 2; i++ {
		ok, _ := b.TryConsume(ctx, 1, PriorityBackground)
		require.True(t, ok)
	}
	ok, _ := b.TryConsume(ctx, 1, PriorityBackground)
	assert.False(t, ok, "shared pool spent")

	for i := 0; i < 3; i++ {
		ok, _ := b.TryConsume(ctx, 1, PriorityInteractive)
		assert.True(t, ok, "reserve still available")
	}
}

func TestTryConsume_NewWindowResets(t *testing.T) {
	_, client := setupTestRedis(t)
	clock := &fakeClock{now: time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)}
	b := newTestBudget(t, client, clock, 2, 1)
	ctx := testContext(t)

	ok, _ := b.TryConsume(ctx, 2, PriorityInteractive)
	assert.False(t, ok, "cost larger than either pool")
	ok, _ = b.TryConsume(ctx, 1, PriorityInteractive)
	require.True(t, ok)
	ok, _ = b.TryConsume(ctx, 1, PriorityInteractive)
	require.True(t, ok)
	ok, _ = b.TryConsume(ctx, 1, PriorityInteractive)
	require.False(t, ok)

	clock.Advance(time.Second)
	ok, _ = b.TryConsume(ctx, 1, PriorityInteractive)
	assert.True(t, ok)
}

func TestTryConsume_SharedAcrossInstances(t *testing.T) {
	_, client := setupTestRedis(t)
	clock := &fakeClock{now: time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)}
	a := newTestBudget(t, client, clock, 3, 1)
	b := newTestBudget(t, client, clock, 3, 1)
	ctx := testContext(t)

	okA, _ := a.TryConsume(ctx, 2, PriorityBackground)
	okB, _ := b.TryConsume(ctx, 1, PriorityBackground)
	assert.True(t, okA)
	assert.False(t, okB, "the other instance spent the shared pool")
}

func TestTryConsume_ZeroCostAlwaysAllowed(t *testing.T) {
	_, client := setupTestRedis(t)
	b := newTestBudget(t, client, nil, 1, 0)
	ok, wait := b.TryConsume(testContext(t), 0, PriorityBackground)
	assert.True(t, ok)
	assert.Zero(t, wait)
}

func TestTryConsume_RedisDownAllows(t *testing.T) {
	mr, client := setupTestRedis(t)
	b := newTestBudget(t, client, nil, 1, 0)
	mr.Close()

	ok, _ := b.TryConsume(testContext(t), 1, PriorityBackground)
	assert.True(t, ok)
}

func TestWait_GrantedInNextWindow(t *testing.T) {
	_, client := setupTestRedis(t)
	b, err := NewQueryBudget(&QueryBudgetConfig{
		Redis:     client,
		Total:     1,
		Window:    20 * time.Millisecond,
		BaseDelay: 5 * time.Millisecond,
	})
	require.NoError(t, err)
	ctx := WithPriority(testContext(t), PriorityBackground)

	require.NoError(t, b.Wait(ctx, 1))
	start := time.Now()
	require.NoError(t, b.Wait(ctx, 1))
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestWait_HonorsCancellation(t *testing.T) {
	_, client := setupTestRedis(t)
	clock := &fakeClock{now: time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)}
	b := newTestBudget(t, client, clock, 1, 0)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	require.NoError(t, b.Wait(ctx, 1))

	err := b.Wait(ctx, 1)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestPriorityFromContext(t *testing.T) {
	ctx := context.Background()
	assert.Equal(t, PriorityInteractive, PriorityFrom(ctx))
	assert.Equal(t, PriorityBackground, PriorityFrom(WithPriority(ctx, PriorityBackground)))
	assert.Equal(t, "background", PriorityBackground.String())
	assert.Equal(t, "unknown", Priority(7).String())
}
