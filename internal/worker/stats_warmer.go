// Package worker runs background jobs that keep hot aggregations cached.
package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/market-aggregator/internal/logging"
	"github.com/market-aggregator/internal/observability"
	"github.com/market-aggregator/internal/ratelimit"
	"github.com/market-aggregator/internal/types"
)

const statsWarmerName = "stats_warmer"

// StatsSource computes the all-items stats view. Warming goes through the
// same read-through cache the API uses, so a warm run refreshes what the
// next request will read.
type StatsSource interface {
	GetAllItemStats(ctx context.Context) (types.AllItemStats, error)
}

// StatsWarmer periodically recomputes every item's rolling stats so the
// heaviest view is served from cache.
type StatsWarmer struct {
	source   StatsSource
	interval time.Duration
	metrics  *observability.Metrics

	mu           sync.RWMutex
	running      bool
	stopCh       chan struct{}
	doneCh       chan struct{}
	lastRunTime  time.Time
	lastError    string
	itemsWarmed  int
	itemsFailing int
}

// StatsWarmerConfig holds configuration for a stats warmer
type StatsWarmerConfig struct {
	Source   StatsSource
	Interval time.Duration
	Metrics  *observability.Metrics
}

// StatsWarmerStatus is a snapshot of the warmer's last run
type StatsWarmerStatus struct {
	Running         bool      `json:"running"`
	LastRunTime     time.Time `json:"lastRunTime"`
	LastError       string    `json:"lastError,omitempty"`
	ItemsWarmed     int       `json:"itemsWarmed"`
	ItemsFailing    int       `json:"itemsFailing"`
	IntervalSeconds float64   `json:"intervalSeconds"`
}

// NewStatsWarmer creates a new stats warmer
func NewStatsWarmer(cfg *StatsWarmerConfig) (*StatsWarmer, error) {
	if cfg.Source == nil {
		return nil, fmt.Errorf("stats source cannot be nil")
	}
	interval := cfg.Interval
	if interval == 0 {
		interval = 45 * time.Second
	}
	if interval < 0 {
		return nil, fmt.Errorf("warm interval must be positive, got %v", interval)
	}
	return &StatsWarmer{
		source:   cfg.Source,
		interval: interval,
		metrics:  cfg.Metrics,
	}, nil
}

// Start warms once right away, then every interval until Stop is called or
// ctx is done.
func (w *StatsWarmer) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return fmt.Errorf("stats warmer is already running")
	}
	w.running = true
	w.stopCh = make(chan struct{})
	w.doneCh = make(chan struct{})

	logging.FromContext(ctx).WithField("interval", w.interval.String()).Info("Starting stats warmer")
	go w.loop(ctx, w.stopCh, w.doneCh)
	return nil
}

// Stop signals the loop and waits for the in-flight run to finish.
func (w *StatsWarmer) Stop(ctx context.Context) error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return fmt.Errorf("stats warmer is not running")
	}
	stopCh, doneCh := w.stopCh, w.doneCh
	w.running = false
	w.mu.Unlock()

	close(stopCh)
	select {
	case <-doneCh:
		logging.FromContext(ctx).Info("Stats warmer stopped")
		return nil
	case <-ctx.Done():
		logging.FromContext(ctx).Warn("Stats warmer stop timed out")
		return ctx.Err()
	}
}

func (w *StatsWarmer) loop(ctx context.Context, stopCh <-chan struct{}, doneCh chan<- struct{}) {
	defer close(doneCh)

	// Cancel the in-flight run as soon as Stop is called.
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-stopCh:
			cancel()
		case <-runCtx.Done():
		}
	}()

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		_ = w.WarmOnce(runCtx)

		select {
		case <-runCtx.Done():
			return
		case <-ticker.C:
		}
	}
}

// WarmOnce recomputes the all-items stats under the background query budget.
// Each run is bounded by the warm interval so a slow upstream cannot stack
// runs.
func (w *StatsWarmer) WarmOnce(ctx context.Context) error {
	ctx = ratelimit.WithPriority(ctx, ratelimit.PriorityBackground)
	ctx, cancel := context.WithTimeout(ctx, w.interval)
	defer cancel()

	logger := logging.FromContext(ctx).WithField("worker", statsWarmerName)
	start := time.Now()
	stats, err := w.source.GetAllItemStats(ctx)
	finished := time.Now()

	failing := 0
	for _, item := range stats.Items {
		if item.Error != "" {
			failing++
		}
	}

	w.mu.Lock()
	w.lastRunTime = finished
	w.itemsWarmed = len(stats.Items) - failing
	w.itemsFailing = failing
	w.lastError = ""
	if err != nil {
		w.lastError = err.Error()
	}
	w.mu.Unlock()

	w.metrics.RecordWorkerRun(statsWarmerName, err, finished)

	fields := map[string]interface{}{
		"items":      len(stats.Items),
		"failing":    failing,
		"durationMs": finished.Sub(start).Milliseconds(),
	}
	if err != nil {
		logger.WithFields(fields).WithError(err).Warn("Stats warm-up failed")
		return err
	}
	logger.WithFields(fields).Debug("Stats warmed")
	return nil
}

// GetStatus returns the state of the last run
func (w *StatsWarmer) GetStatus() StatsWarmerStatus {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return StatsWarmerStatus{
		Running:         w.running,
		LastRunTime:     w.lastRunTime,
		LastError:       w.lastError,
		ItemsWarmed:     w.itemsWarmed,
		ItemsFailing:    w.itemsFailing,
		IntervalSeconds: w.interval.Seconds(),
	}
}
