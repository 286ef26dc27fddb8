// Package locator finds or creates the activation of a grain on behalf of the activation layer.
package locator

import (
	"context"
	"fmt"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/eyeKill/graindir/common"
	"github.com/eyeKill/graindir/placement"
	"go.uber.org/zap"
)

const (
	DEFAULT_ATTEMPTS = 4
	DEFAULT_DELAY    = 50 * time.Millisecond
)

// Activator instantiates and tears down grain activations on silos.
type Activator interface {
	Activate(ctx context.Context, silo common.SiloAddress, grain common.GrainId) (common.ActivationId, error)
	Deactivate(ctx context.Context, address common.GrainAddress) error
}

// Directory is the part of the grain directory the locator needs.
type Directory interface {
	Register(ctx context.Context, address common.GrainAddress) (common.GrainAddress, error)
	Lookup(ctx context.Context, grain common.GrainId) (common.GrainAddress, bool, error)
	Unregister(ctx context.Context, address common.GrainAddress) error
}

type Placer interface {
	Place(strategy placement.Strategy, target placement.Target) (common.SiloAddress, error)
}

type Liveness interface {
	IsDead(silo common.SiloAddress) bool
	Version() common.MembershipVersion
}

type Locator struct {
	dir       Directory
	placer    Placer
	activator Activator
	liveness  Liveness
	attempts  uint
	delay     time.Duration
	log       *zap.Logger
}

func New(dir Directory, placer Placer, activator Activator, liveness Liveness) *Locator {
	return &Locator{
		dir:       dir,
		placer:    placer,
		activator: activator,
		liveness:  liveness,
		attempts:  DEFAULT_ATTEMPTS,
		delay:     DEFAULT_DELAY,
		log:       common.Log().Named("locator"),
	}
}

func (l *Locator) SetRetry(attempts uint, delay time.Duration) {
	l.attempts, l.delay = attempts, delay
}

// retry repeats f while it fails with an unavailable error, within ctx.
func (l *Locator) retry(ctx context.Context, op string, f func() error) error {
	return retry.Do(f,
		retry.Context(ctx),
		retry.Attempts(l.attempts),
		retry.Delay(l.delay),
		retry.RetryIf(common.IsUnavailable),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			l.log.Debug("Retrying directory call.", zap.String("op", op), zap.Uint("attempt", n), zap.Error(err))
		}),
	)
}

func (l *Locator) lookup(ctx context.Context, grain common.GrainId) (addr common.GrainAddress, found bool, err error) {
	err = l.retry(ctx, "lookup", func() error {
		var err error
		addr, found, err = l.dir.Lookup(ctx, grain)
		return err
	})
	return
}

// Locate returns the live activation of the target grain, creating one when
// none is registered. Entries pointing at dead silos are evicted first. When a
// concurrent registration wins, the redundant local activation is deactivated
// and the winner returned.
func (l *Locator) Locate(ctx context.Context, strategy placement.Strategy, target placement.Target) (common.GrainAddress, error) {
	grain := target.GrainId
	addr, found, err := l.lookup(ctx, grain)
	if err != nil {
		return common.GrainAddress{}, err
	}
	if found && !l.liveness.IsDead(addr.SiloAddress) {
		return addr, nil
	}
	if found {
		l.log.Info("Evicting entry on dead silo.", zap.Stringer("grain", grain), zap.Stringer("silo", addr.SiloAddress))
		if err := l.retry(ctx, "unregister", func() error { return l.dir.Unregister(ctx, addr) }); err != nil {
			return common.GrainAddress{}, err
		}
	}

	silo, err := l.placer.Place(strategy, target)
	if err != nil {
		return common.GrainAddress{}, err
	}
	activation, err := l.activator.Activate(ctx, silo, grain)
	if err != nil {
		return common.GrainAddress{}, fmt.Errorf("activate %s on %s: %w", grain, silo, err)
	}
	mine := common.GrainAddress{
		GrainId:           grain,
		ActivationId:      activation,
		SiloAddress:       silo,
		MembershipVersion: l.liveness.Version(),
	}
	var winner common.GrainAddress
	err = l.retry(ctx, "register", func() error {
		var err error
		winner, err = l.dir.Register(ctx, mine)
		return err
	})
	if err != nil {
		l.deactivate(ctx, mine)
		return common.GrainAddress{}, err
	}
	if winner != mine {
		l.log.Info("Lost registration race.", zap.Stringer("grain", grain), zap.Stringer("winner", winner.SiloAddress))
		l.deactivate(ctx, mine)
	}
	return winner, nil
}

func (l *Locator) deactivate(ctx context.Context, addr common.GrainAddress) {
	if err := l.activator.Deactivate(ctx, addr); err != nil {
		l.log.Warn("Failed to deactivate redundant activation.", zap.Stringer("grain", addr.GrainId), zap.Error(err))
	}
}

// Deactivate tears down an activation and removes its entry.
func (l *Locator) Deactivate(ctx context.Context, addr common.GrainAddress) error {
	if err := l.activator.Deactivate(ctx, addr); err != nil {
		return err
	}
	return l.retry(ctx, "unregister", func() error { return l.dir.Unregister(ctx, addr) })
}
