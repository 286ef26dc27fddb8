// Package placement chooses the silo that hosts a new activation.
package placement

import (
	"errors"

	"github.com/eyeKill/graindir/common"
	"github.com/eyeKill/graindir/loadstats"
)

var (
	// every compatible silo is overloaded and none is missing statistics
	ErrNoPlacementAvailable = errors.New("no placement available")
	// the compatible silo set was empty before any load filtering
	ErrIncompatibleTarget = errors.New("no silo is compatible with placement target")
	// a placement filter removed every candidate
	ErrNoCompatibleSilo = errors.New("no compatible silo left after filtering")
	ErrUnknownStrategy  = errors.New("unknown placement strategy")
)

type Strategy string

const (
	ActivationCountBased Strategy = "activation-count"
	Random               Strategy = "random"
	PreferLocal          Strategy = "prefer-local"
	HashBased            Strategy = "hash-based"
	ResourceOptimized    Strategy = "resource-optimized"
)

func ParseStrategy(s string) (Strategy, error) {
	switch st := Strategy(s); st {
	case ActivationCountBased, Random, PreferLocal, HashBased, ResourceOptimized:
		return st, nil
	}
	return "", ErrUnknownStrategy
}

// Target describes the grain that needs an activation. It is built per decision and not kept.
type Target struct {
	GrainId            common.GrainId
	InterfaceType      string
	InterfaceVersion   uint16
	IsClientOriginated bool
	RequestContext     map[string]string
}

// Context supplies the candidate silos and the identity of the deciding silo.
type Context interface {
	GetCompatibleSilos(target Target) []common.SiloAddress
	LocalSilo() common.SiloAddress
}

// Director picks one silo out of the compatible set. It performs no I/O.
type Director interface {
	OnAddActivation(strategy Strategy, target Target, pctx Context) (common.SiloAddress, error)
}

// StatsSource is the read side of the load registry.
type StatsSource interface {
	Lookup(silo common.SiloAddress) loadstats.Entry
}

type staticContext struct {
	local      common.SiloAddress
	candidates []common.SiloAddress
}

func (c staticContext) GetCompatibleSilos(Target) []common.SiloAddress {
	return c.candidates
}

func (c staticContext) LocalSilo() common.SiloAddress {
	return c.local
}

// StaticContext returns a Context with a fixed candidate set.
func StaticContext(local common.SiloAddress, candidates ...common.SiloAddress) Context {
	return staticContext{local: local, candidates: candidates}
}

func compatibleSilos(target Target, pctx Context) ([]common.SiloAddress, error) {
	candidates := pctx.GetCompatibleSilos(target)
	if len(candidates) == 0 {
		return nil, ErrIncompatibleTarget
	}
	return candidates, nil
}
