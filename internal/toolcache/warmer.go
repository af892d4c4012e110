package toolcache

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// cronParser supports both standard (5-field) and extended (6-field with seconds) cron expressions.
var cronParser = cron.NewParser(
	cron.SecondOptional |
		cron.Minute |
		cron.Hour |
		cron.Dom |
		cron.Month |
		cron.Dow |
		cron.Descriptor,
)

// InventoryFunc lists the current tool descriptors.
type InventoryFunc func(ctx context.Context) ([]Descriptor, error)

// Warmer periodically embeds the tool inventory into the durable collection
// so the first turn of a new connection does not pay for embedding.
type Warmer struct {
	cache     *Cache
	inventory InventoryFunc
	timeout   time.Duration
	logger    *slog.Logger

	cron    *cron.Cron
	mu      sync.Mutex
	running bool
	ctx     context.Context
	cancel  context.CancelFunc
}

// ValidateSchedule reports whether schedule parses as a cron expression.
func ValidateSchedule(schedule string) error {
	if _, err := cronParser.Parse(schedule); err != nil {
		return fmt.Errorf("invalid warm schedule %q: %w", schedule, err)
	}
	return nil
}

// NewWarmer creates a warmer that runs on schedule once started.
func NewWarmer(cache *Cache, inventory InventoryFunc, schedule string, logger *slog.Logger) (*Warmer, error) {
	if logger == nil {
		logger = slog.Default()
	}
	w := &Warmer{
		cache:     cache,
		inventory: inventory,
		timeout:   5 * time.Minute,
		logger:    logger.With("component", "toolcache-warmer"),
		cron:      cron.New(cron.WithParser(cronParser)),
	}
	if _, err := w.cron.AddFunc(schedule, w.tick); err != nil {
		return nil, fmt.Errorf("invalid warm schedule %q: %w", schedule, err)
	}
	return w, nil
}

// Start begins scheduled warmups.
func (w *Warmer) Start(ctx context.Context) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return
	}
	w.ctx, w.cancel = context.WithCancel(ctx)
	w.running = true
	w.cron.Start()
}

// Stop halts the schedule and waits for a running warmup to finish.
func (w *Warmer) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	w.cancel()
	w.mu.Unlock()

	<-w.cron.Stop().Done()
}

func (w *Warmer) tick() {
	w.mu.Lock()
	ctx := w.ctx
	w.mu.Unlock()
	if ctx == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()

	if _, _, err := w.Run(ctx); err != nil {
		w.logger.Warn("scheduled cache warmup failed", "error", err)
	}
}

// Run performs one warmup immediately.
func (w *Warmer) Run(ctx context.Context) (embedded, reused int, err error) {
	descriptors, err := w.inventory(ctx)
	if err != nil {
		return 0, 0, fmt.Errorf("list tools: %w", err)
	}
	embedded, reused, err = w.cache.Warm(ctx, descriptors)
	if err != nil {
		return embedded, reused, err
	}
	w.logger.Info("tool cache warmed", "tools", len(descriptors), "embedded", embedded, "reused", reused)
	return embedded, reused, nil
}
