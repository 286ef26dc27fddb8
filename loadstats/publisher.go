package loadstats

import (
	"context"
	"sync"
	"time"

	"github.com/eyeKill/graindir/common"
	"github.com/eyeKill/graindir/metrics"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

const DEFAULT_PUBLISH_INTERVAL = 2 * time.Second

// ActivationCounter tracks live activations on the local silo. Registered and
// Unregistered follow the directory records naming the silo; Inc and Dec adjust
// the count directly.
type ActivationCounter struct {
	local common.SiloAddress
	n     atomic.Int64

	mu   sync.Mutex
	live map[common.GrainId]common.ActivationId
}

// NewActivationCounter counts the directory records hosted by local.
func NewActivationCounter(local common.SiloAddress) *ActivationCounter {
	return &ActivationCounter{local: local}
}

func (c *ActivationCounter) Inc() int64 {
	return c.n.Inc()
}

func (c *ActivationCounter) Dec() int64 {
	return c.n.Dec()
}

func (c *ActivationCounter) Load() int64 {
	return c.n.Load()
}

// Registered counts address if it names an activation on the local silo.
func (c *ActivationCounter) Registered(address common.GrainAddress) {
	if address.SiloAddress != c.local {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.live == nil {
		c.live = make(map[common.GrainId]common.ActivationId)
	}
	if _, ok := c.live[address.GrainId]; !ok {
		c.n.Inc()
	}
	c.live[address.GrainId] = address.ActivationId
}

// Unregistered forgets address if it is the counted activation of its grain.
func (c *ActivationCounter) Unregistered(address common.GrainAddress) {
	if address.SiloAddress != c.local {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if act, ok := c.live[address.GrainId]; ok && act == address.ActivationId {
		delete(c.live, address.GrainId)
		c.n.Dec()
	}
}

// Publisher samples the local silo at a fixed interval and publishes the result.
type Publisher struct {
	registry *Registry
	sampler  Sampler
	counter  *ActivationCounter
	interval time.Duration
	metrics  metrics.Metrics
	now      func() time.Time
}

func NewPublisher(registry *Registry, sampler Sampler, counter *ActivationCounter, interval time.Duration) *Publisher {
	if interval <= 0 {
		interval = DEFAULT_PUBLISH_INTERVAL
	}
	return &Publisher{
		registry: registry,
		sampler:  sampler,
		counter:  counter,
		interval: interval,
		metrics:  metrics.Noop,
		now:      time.Now,
	}
}

func (p *Publisher) SetMetrics(m metrics.Metrics) {
	p.metrics = m
}

// PublishOnce takes one sample and publishes it.
func (p *Publisher) PublishOnce() (LoadSnapshot, error) {
	res, err := p.sampler.Sample()
	if err != nil {
		return LoadSnapshot{}, err
	}
	s := LoadSnapshot{
		CPUUsagePercent:             res.CPUUsagePercent,
		MemoryUsageBytes:            res.MemoryUsageBytes,
		AvailableMemoryBytes:        res.AvailableMemoryBytes,
		RecentlyUsedActivationCount: p.counter.Load(),
		Timestamp:                   p.now(),
	}
	p.registry.Publish(s)
	p.metrics.Gauge(metrics.StatsActivations, int(s.RecentlyUsedActivationCount))
	p.metrics.Gauge(metrics.StatsSilos, p.registry.Len())
	return s, nil
}

// Run publishes until ctx is done. Expired peer snapshots are pruned on every tick.
func (p *Publisher) Run(ctx context.Context) {
	log := common.Log().Named("publisher")
	log.Info("Starting statistics publisher.", zap.Duration("interval", p.interval))
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		if _, err := p.PublishOnce(); err != nil {
			log.Warn("Failed to sample local resources.", zap.Error(err))
		}
		if n := p.registry.Prune(); n > 0 {
			log.Info("Pruned expired snapshots.", zap.Int("count", n))
		}
		select {
		case <-ctx.Done():
			log.Info("Stop signal received, exiting publisher loop...")
			return
		case <-ticker.C:
		}
	}
}
