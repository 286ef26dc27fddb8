package placement

import (
	"fmt"
	"sort"

	"github.com/eyeKill/graindir/common"
)

// FilterStrategy configures one filtering stage.
type FilterStrategy interface {
	FilterName() string
}

// RequiredMetadata keeps silos carrying every listed metadata pair.
type RequiredMetadata struct {
	Metadata map[string]string
}

func (RequiredMetadata) FilterName() string { return "required-metadata" }

// ExcludeSilos drops the listed silos.
type ExcludeSilos struct {
	Silos []common.SiloAddress
}

func (ExcludeSilos) FilterName() string { return "exclude-silos" }

// PreferredMetadata ranks silos by how many of Keys match the local silo's
// metadata and keeps the best tiers until at least MinCandidates remain.
type PreferredMetadata struct {
	Keys          []string
	MinCandidates int
}

func (PreferredMetadata) FilterName() string { return "preferred-metadata" }

// MetadataSource returns the metadata a silo advertised, nil when unknown.
type MetadataSource interface {
	SiloMetadata(silo common.SiloAddress) map[string]string
}

// FilterDirector narrows candidates for a strategy. It must be pure.
type FilterDirector interface {
	Filter(strategy FilterStrategy, target Target, candidates []common.SiloAddress) []common.SiloAddress
}

// MetadataFilterDirector implements the built-in filter strategies.
type MetadataFilterDirector struct {
	local common.SiloAddress
	meta  MetadataSource
}

func NewMetadataFilterDirector(local common.SiloAddress, meta MetadataSource) *MetadataFilterDirector {
	return &MetadataFilterDirector{local: local, meta: meta}
}

func (f *MetadataFilterDirector) Filter(strategy FilterStrategy, _ Target, candidates []common.SiloAddress) []common.SiloAddress {
	switch s := strategy.(type) {
	case RequiredMetadata:
		var ret []common.SiloAddress
		for _, silo := range candidates {
			if hasAll(f.meta.SiloMetadata(silo), s.Metadata) {
				ret = append(ret, silo)
			}
		}
		return ret
	case ExcludeSilos:
		return common.ExcludeSilos(candidates, s.Silos...)
	case PreferredMetadata:
		return f.preferred(s, candidates)
	default:
		common.Log().Sugar().Warnf("Unknown filter strategy %T, keeping candidates.", strategy)
		return candidates
	}
}

func hasAll(have, want map[string]string) bool {
	for k, v := range want {
		if got, ok := have[k]; !ok || got != v {
			return false
		}
	}
	return true
}

func (f *MetadataFilterDirector) preferred(s PreferredMetadata, candidates []common.SiloAddress) []common.SiloAddress {
	localMeta := f.meta.SiloMetadata(f.local)
	if len(localMeta) == 0 || len(s.Keys) == 0 {
		return candidates
	}
	tiers := make(map[int][]common.SiloAddress)
	for _, silo := range candidates {
		meta := f.meta.SiloMetadata(silo)
		score := 0
		for _, k := range s.Keys {
			if v, ok := localMeta[k]; ok && meta[k] == v {
				score++
			}
		}
		tiers[score] = append(tiers[score], silo)
	}
	scores := make([]int, 0, len(tiers))
	for score := range tiers {
		scores = append(scores, score)
	}
	sort.Sort(sort.Reverse(sort.IntSlice(scores)))
	want := s.MinCandidates
	if want <= 0 {
		want = 1
	}
	var ret []common.SiloAddress
	for _, score := range scores {
		ret = append(ret, tiers[score]...)
		if len(ret) >= want {
			break
		}
	}
	return ret
}

// FilterChain applies filter strategies in their configured order.
type FilterChain struct {
	director   FilterDirector
	strategies []FilterStrategy
}

func NewFilterChain(director FilterDirector, strategies ...FilterStrategy) *FilterChain {
	return &FilterChain{director: director, strategies: strategies}
}

// Apply fails with ErrNoCompatibleSilo as soon as a stage empties the set.
func (c *FilterChain) Apply(target Target, candidates []common.SiloAddress) ([]common.SiloAddress, error) {
	if c == nil {
		return candidates, nil
	}
	for _, s := range c.strategies {
		candidates = c.director.Filter(s, target, candidates)
		if len(candidates) == 0 {
			return nil, fmt.Errorf("%w: filter %s", ErrNoCompatibleSilo, s.FilterName())
		}
	}
	return candidates, nil
}
