package placement

import (
	"errors"
	"fmt"
	"time"

	"github.com/eyeKill/graindir/common"
	"github.com/eyeKill/graindir/metrics"
	"go.uber.org/zap"
)

type ManagerOption func(*Manager)

func WithFilters(chain *FilterChain) ManagerOption {
	return func(m *Manager) { m.filters = chain }
}

func WithDefaultStrategy(s Strategy) ManagerOption {
	return func(m *Manager) { m.defaultStrategy = s }
}

func WithManagerMetrics(mt metrics.Metrics) ManagerOption {
	return func(m *Manager) { m.metrics = mt }
}

// Manager dispatches a placement request to the director of its strategy,
// after running the filter chain over the compatible silos.
type Manager struct {
	pctx            Context
	directors       map[Strategy]Director
	filters         *FilterChain
	defaultStrategy Strategy
	metrics         metrics.Metrics
	log             *zap.Logger
}

func NewManager(pctx Context, opts ...ManagerOption) *Manager {
	m := &Manager{
		pctx:            pctx,
		directors:       make(map[Strategy]Director),
		defaultStrategy: ActivationCountBased,
		metrics:         metrics.Noop,
		log:             common.Log().Named("placement"),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// NewDefaultManager registers every built-in strategy.
func NewDefaultManager(pctx Context, stats StatsSource, seed int64, opts ...ManagerOption) *Manager {
	m := NewManager(pctx, opts...)
	rnd := NewRandomDirector(seed)
	m.Register(ActivationCountBased, NewActivationCountDirector(stats))
	m.Register(Random, rnd)
	m.Register(PreferLocal, NewPreferLocalDirector(rnd))
	m.Register(HashBased, NewHashBasedDirector())
	m.Register(ResourceOptimized, NewResourceOptimizedDirector(stats, rnd))
	return m
}

func (m *Manager) Register(s Strategy, d Director) {
	m.directors[s] = d
}

// Director returns the director registered for s.
func (m *Manager) Director(s Strategy) (Director, bool) {
	d, ok := m.directors[s]
	return d, ok
}

// Place picks a silo for target. An empty strategy selects the default one.
func (m *Manager) Place(strategy Strategy, target Target) (common.SiloAddress, error) {
	start := time.Now()
	defer func() { m.metrics.Duration(metrics.PlacementDuration, time.Since(start)) }()
	if strategy == "" {
		strategy = m.defaultStrategy
	}
	silo, err := m.place(strategy, target)
	if err != nil {
		m.metrics.Increment(metrics.PlacementFailed)
		m.log.Warn("Placement failed.", zap.String("strategy", string(strategy)),
			zap.Stringer("grain", target.GrainId), zap.Error(err))
		return common.SiloAddress{}, fmt.Errorf("place %s: %w", target.GrainId, err)
	}
	m.metrics.Increment(metrics.PlacementDecision)
	m.log.Debug("Placed grain.", zap.Stringer("grain", target.GrainId), zap.Stringer("silo", silo))
	return silo, nil
}

func (m *Manager) place(strategy Strategy, target Target) (common.SiloAddress, error) {
	d, ok := m.directors[strategy]
	if !ok {
		return common.SiloAddress{}, fmt.Errorf("%w: %s", ErrUnknownStrategy, strategy)
	}
	candidates, err := compatibleSilos(target, m.pctx)
	if err != nil {
		return common.SiloAddress{}, err
	}
	filtered, err := m.filters.Apply(target, candidates)
	if err != nil {
		return common.SiloAddress{}, err
	}
	return d.OnAddActivation(strategy, target, StaticContext(m.pctx.LocalSilo(), filtered...))
}

// IsTerminal reports whether err ends a placement attempt for good.
func IsTerminal(err error) bool {
	return errors.Is(err, ErrNoPlacementAvailable) || errors.Is(err, ErrIncompatibleTarget) ||
		errors.Is(err, ErrNoCompatibleSilo) || errors.Is(err, ErrUnknownStrategy)
}
