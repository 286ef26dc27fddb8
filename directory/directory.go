package directory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/eyeKill/graindir/common"
	"github.com/eyeKill/graindir/metrics"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	DEFAULT_OP_TIMEOUT  = 5 * time.Second
	DEFAULT_PARALLELISM = 4
	// a conflict whose winner vanishes before it can be read is retried this many times
	maxRegisterAttempts = 3
)

// ErrRegistrationContended is returned when the winner of a registration race
// kept disappearing before it could be read back.
var ErrRegistrationContended = errors.New("grain registration contended")

type Options struct {
	// OpTimeout bounds every store call. Zero keeps the caller's deadline only.
	OpTimeout time.Duration
	// Parallelism bounds concurrent DeleteMany chunks in UnregisterMany.
	Parallelism int
	// MaxBatchSize overrides the store's batch size when smaller.
	MaxBatchSize int
	Metrics      metrics.Metrics
	Observer     ActivationObserver
}

// ActivationObserver is told about registrations and unregistrations that took effect.
type ActivationObserver interface {
	Registered(address common.GrainAddress)
	Unregistered(address common.GrainAddress)
}

type noopObserver struct{}

func (noopObserver) Registered(common.GrainAddress)   {}
func (noopObserver) Unregistered(common.GrainAddress) {}

type Option func(*Options)

func WithOpTimeout(d time.Duration) Option {
	return func(o *Options) { o.OpTimeout = d }
}

func WithParallelism(n int) Option {
	return func(o *Options) { o.Parallelism = n }
}

func WithMaxBatchSize(n int) Option {
	return func(o *Options) { o.MaxBatchSize = n }
}

func WithMetrics(m metrics.Metrics) Option {
	return func(o *Options) { o.Metrics = m }
}

func WithObserver(obs ActivationObserver) Option {
	return func(o *Options) { o.Observer = obs }
}

// GrainDirectory implements registration, lookup and eviction on top of a Store.
// It performs no retries of its own; unavailable errors go straight back to the caller.
type GrainDirectory struct {
	store Store
	opts  Options
	log   *zap.Logger
}

func New(store Store, opts ...Option) *GrainDirectory {
	o := Options{
		OpTimeout:   DEFAULT_OP_TIMEOUT,
		Parallelism: DEFAULT_PARALLELISM,
		Metrics:     metrics.Noop,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.Parallelism <= 0 {
		o.Parallelism = 1
	}
	if o.Metrics == nil {
		o.Metrics = metrics.Noop
	}
	if o.Observer == nil {
		o.Observer = noopObserver{}
	}
	return &GrainDirectory{
		store: store,
		opts:  o,
		log:   common.Log().Named("directory"),
	}
}

func (d *GrainDirectory) Store() Store {
	return d.store
}

func (d *GrainDirectory) batchSize() int {
	n := d.store.MaxBatchSize()
	if d.opts.MaxBatchSize > 0 && (n <= 0 || d.opts.MaxBatchSize < n) {
		n = d.opts.MaxBatchSize
	}
	if n <= 0 {
		n = 1
	}
	return n
}

func (d *GrainDirectory) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if d.opts.OpTimeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, d.opts.OpTimeout)
}

// normalize makes sure deadline expiry surfaces as unavailable even if a store forgot to wrap it.
func (d *GrainDirectory) normalize(op string, err error) error {
	if err == nil {
		return nil
	}
	if !common.IsUnavailable(err) &&
		(errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)) {
		err = common.Unavailable(op, err)
	}
	if common.IsUnavailable(err) {
		d.opts.Metrics.Increment(metrics.DirectoryUnavailable)
	}
	return err
}

// Register publishes address. It returns address itself when the caller won,
// or the record of the activation that won the race otherwise. Losing is not an error.
func (d *GrainDirectory) Register(ctx context.Context, address common.GrainAddress) (common.GrainAddress, error) {
	if err := address.Validate(); err != nil {
		return common.GrainAddress{}, err
	}
	d.opts.Metrics.Increment(metrics.DirectoryRegister)
	for attempt := 0; attempt < maxRegisterAttempts; attempt++ {
		winner, done, err := d.tryRegister(ctx, address)
		if err != nil {
			return common.GrainAddress{}, err
		}
		if done {
			if !winner.Matches(address) {
				d.opts.Metrics.Increment(metrics.DirectoryRegisterLost)
				d.log.Debug("Lost registration race.",
					zap.Stringer("grain", address.GrainId),
					zap.Stringer("mine", address.ActivationId),
					zap.Stringer("winner", winner.ActivationId))
			} else {
				d.opts.Observer.Registered(winner)
			}
			return winner, nil
		}
		// the winner was removed between our insert and read, so the key is free again
	}
	return common.GrainAddress{}, fmt.Errorf("register %s: %w", address.GrainId, ErrRegistrationContended)
}

func (d *GrainDirectory) tryRegister(ctx context.Context, address common.GrainAddress) (common.GrainAddress, bool, error) {
	opCtx, cancel := d.withTimeout(ctx)
	defer cancel()
	ok, winner, err := d.store.TryInsert(opCtx, address)
	if err != nil {
		return common.GrainAddress{}, false, d.normalize("register", err)
	}
	if ok {
		return address, true, nil
	}
	if !winner.IsZero() {
		return winner, true, nil
	}
	winner, found, err := d.store.Lookup(opCtx, address.GrainId)
	if err != nil {
		return common.GrainAddress{}, false, d.normalize("register", err)
	}
	return winner, found, nil
}

// Lookup returns the registered activation of grain. A hit is not proof the
// hosting silo is alive; callers check liveness themselves.
func (d *GrainDirectory) Lookup(ctx context.Context, grain common.GrainId) (common.GrainAddress, bool, error) {
	d.opts.Metrics.Increment(metrics.DirectoryLookup)
	opCtx, cancel := d.withTimeout(ctx)
	defer cancel()
	addr, found, err := d.store.Lookup(opCtx, grain)
	if err != nil {
		return common.GrainAddress{}, false, d.normalize("lookup", err)
	}
	if !found {
		d.opts.Metrics.Increment(metrics.DirectoryLookupMiss)
	}
	return addr, found, nil
}

// Unregister removes address if it is still the registered activation. It is idempotent.
func (d *GrainDirectory) Unregister(ctx context.Context, address common.GrainAddress) error {
	d.opts.Metrics.Increment(metrics.DirectoryUnregister)
	opCtx, cancel := d.withTimeout(ctx)
	defer cancel()
	deleted, err := d.store.CompareAndDelete(opCtx, address)
	if err != nil {
		return d.normalize("unregister", err)
	}
	if !deleted {
		d.opts.Metrics.Increment(metrics.DirectoryUnregisterStale)
		d.log.Debug("Unregister matched no record.", zap.Stringer("address", address))
		return nil
	}
	d.opts.Observer.Unregistered(address)
	return nil
}

// UnregisterMany deletes addresses in chunks of at most the store's batch size.
// Chunks run concurrently and independently; a failed chunk does not undo the others.
func (d *GrainDirectory) UnregisterMany(ctx context.Context, addresses []common.GrainAddress) error {
	if len(addresses) == 0 {
		return nil
	}
	d.opts.Metrics.Increment(metrics.DirectoryUnregisterMany)
	chunks := common.Chunk(addresses, d.batchSize())

	var (
		g      errgroup.Group
		mu     sync.Mutex
		result error
	)
	g.SetLimit(d.opts.Parallelism)
	for i, chunk := range chunks {
		i, chunk := i, chunk
		g.Go(func() error {
			opCtx, cancel := d.withTimeout(ctx)
			defer cancel()
			if err := d.store.DeleteMany(opCtx, chunk); err != nil {
				err = d.normalize("unregister many", err)
				d.log.Warn("Failed to delete chunk.",
					zap.Int("chunk", i), zap.Int("size", len(chunk)), zap.Error(err))
				mu.Lock()
				result = multierr.Append(result, err)
				mu.Unlock()
				return nil
			}
			for _, addr := range chunk {
				d.opts.Observer.Unregistered(addr)
			}
			return nil
		})
	}
	_ = g.Wait()
	return result
}

// UnregisterSilos removes the records of permanently dead silos, as far as the
// store supports it. Stores with lazy cleanup leave them for per-grain eviction.
func (d *GrainDirectory) UnregisterSilos(ctx context.Context, silos []common.SiloAddress) error {
	if len(silos) == 0 {
		return nil
	}
	d.opts.Metrics.Increment(metrics.DirectoryUnregisterSilos)
	var result error
	for _, silo := range silos {
		opCtx, cancel := d.withTimeout(ctx)
		err := d.store.DeleteBySilo(opCtx, silo)
		cancel()
		if err != nil {
			result = multierr.Append(result, d.normalize("unregister silos", err))
			continue
		}
		d.log.Info("Unregistered dead silo.", zap.Stringer("silo", silo),
			zap.Stringer("policy", d.CleanupPolicy()))
	}
	return result
}

// CleanupPolicy reports how dead-silo records disappear with the configured store.
func (d *GrainDirectory) CleanupPolicy() SiloCleanupPolicy {
	if r, ok := d.store.(CleanupPolicyReporter); ok {
		return r.SiloCleanupPolicy()
	}
	return EagerCleanup
}
