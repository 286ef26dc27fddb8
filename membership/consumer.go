package membership

import (
	"context"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/eyeKill/graindir/common"
	"go.uber.org/zap"
)

const (
	DEFAULT_CLEANUP_ATTEMPTS = 5
	DEFAULT_CLEANUP_DELAY    = 200 * time.Millisecond
)

// SiloUnregisterer is the directory side of dead silo cleanup.
type SiloUnregisterer interface {
	UnregisterSilos(ctx context.Context, silos []common.SiloAddress) error
}

// StatsRemover forgets the load statistics of a silo.
type StatsRemover interface {
	Remove(silo common.SiloAddress)
}

// Consumer applies membership events to a View and purges the directory
// entries of silos that died. Unavailable directory errors are retried with backoff.
type Consumer struct {
	view     *View
	dir      SiloUnregisterer
	stats    StatsRemover
	attempts uint
	delay    time.Duration
	log      *zap.Logger
}

func NewConsumer(view *View, dir SiloUnregisterer, stats StatsRemover) *Consumer {
	return &Consumer{
		view:     view,
		dir:      dir,
		stats:    stats,
		attempts: DEFAULT_CLEANUP_ATTEMPTS,
		delay:    DEFAULT_CLEANUP_DELAY,
		log:      common.Log().Named("membership"),
	}
}

func (c *Consumer) SetRetry(attempts uint, delay time.Duration) {
	c.attempts, c.delay = attempts, delay
}

func (c *Consumer) View() *View {
	return c.view
}

// Handle applies e and cleans up after any silo it declared dead.
func (c *Consumer) Handle(ctx context.Context, e Event) error {
	dead := c.view.Apply(e)
	c.log.Info("Membership changed.", zap.Stringer("silo", e.Silo), zap.Stringer("status", e.Status),
		zap.Int64("version", int64(e.Version)), zap.Int("dead", len(dead)))
	if len(dead) == 0 {
		return nil
	}
	if c.stats != nil {
		for _, silo := range dead {
			c.stats.Remove(silo)
		}
	}
	return retry.Do(
		func() error {
			return c.dir.UnregisterSilos(ctx, dead)
		},
		retry.Context(ctx),
		retry.Attempts(c.attempts),
		retry.Delay(c.delay),
		retry.RetryIf(common.IsUnavailable),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			c.log.Warn("Retrying dead silo cleanup.", zap.Uint("attempt", n), zap.Error(err))
		}),
	)
}

// Run consumes events until ctx is done or the channel is closed.
func (c *Consumer) Run(ctx context.Context, events <-chan Event) {
	for {
		select {
		case <-ctx.Done():
			c.log.Info("Stop signal received, exiting membership loop...")
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			if err := c.Handle(ctx, e); err != nil {
				c.log.Error("Failed to clean up dead silos.", zap.Stringer("silo", e.Silo), zap.Error(err))
			}
		}
	}
}
