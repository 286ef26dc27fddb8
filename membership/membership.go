// Package membership keeps the local view of cluster silos and reacts to silos declared dead.
package membership

import (
	"strings"
	"sync"

	"github.com/eyeKill/graindir/common"
	"github.com/eyeKill/graindir/placement"
)

type Status int

const (
	Joining Status = iota
	Active
	Dead
)

func (s Status) String() string {
	switch s {
	case Joining:
		return "joining"
	case Active:
		return "active"
	case Dead:
		return "dead"
	default:
		return "invalid"
	}
}

// metadata key listing the grain interface types a silo hosts, comma separated
const MetadataGrainTypes = "grain.types"

type Event struct {
	Silo     common.SiloAddress
	Status   Status
	Version  common.MembershipVersion
	Metadata map[string]string
}

type member struct {
	status   Status
	version  common.MembershipVersion
	metadata map[string]string
}

// View is the latest known status of every silo. It is also the candidate
// source for placement.
type View struct {
	local common.SiloAddress

	rwLock  sync.RWMutex
	members map[common.SiloAddress]*member
	version common.MembershipVersion
}

var (
	_ placement.Context        = (*View)(nil)
	_ placement.MetadataSource = (*View)(nil)
)

func NewView(local common.SiloAddress) *View {
	return &View{local: local, members: make(map[common.SiloAddress]*member)}
}

// Apply merges e into the view and returns the silos that became dead because
// of it: the event's silo itself, or older generations on the same endpoint
// that a joining silo supersedes. Dead is final, and events older than what
// is known for the silo are ignored.
func (v *View) Apply(e Event) []common.SiloAddress {
	v.rwLock.Lock()
	defer v.rwLock.Unlock()
	m, ok := v.members[e.Silo]
	if ok && (e.Version < m.version || m.status == Dead) {
		return nil
	}
	if !ok {
		m = &member{}
		v.members[e.Silo] = m
	}
	m.status = e.Status
	m.version = e.Version
	if e.Metadata != nil {
		m.metadata = e.Metadata
	}
	if e.Version > v.version {
		v.version = e.Version
	}

	var dead []common.SiloAddress
	if e.Status == Dead {
		dead = append(dead, e.Silo)
	} else {
		for silo, other := range v.members {
			if silo.SameEndpoint(e.Silo) && silo.Generation < e.Silo.Generation && other.status != Dead {
				other.status = Dead
				dead = append(dead, silo)
			}
		}
		common.SortSilos(dead)
	}
	return dead
}

func (v *View) Version() common.MembershipVersion {
	v.rwLock.RLock()
	defer v.rwLock.RUnlock()
	return v.version
}

func (v *View) Status(silo common.SiloAddress) (Status, bool) {
	v.rwLock.RLock()
	defer v.rwLock.RUnlock()
	m, ok := v.members[silo]
	if !ok {
		return 0, false
	}
	return m.status, true
}

// IsDead reports whether silo is known dead. Unknown silos are not dead.
func (v *View) IsDead(silo common.SiloAddress) bool {
	s, ok := v.Status(silo)
	return ok && s == Dead
}

// Active returns the active silos in address order.
func (v *View) Active() []common.SiloAddress {
	v.rwLock.RLock()
	defer v.rwLock.RUnlock()
	var ret []common.SiloAddress
	for silo, m := range v.members {
		if m.status == Active {
			ret = append(ret, silo)
		}
	}
	common.SortSilos(ret)
	return ret
}

func (v *View) LocalSilo() common.SiloAddress {
	return v.local
}

func (v *View) SiloMetadata(silo common.SiloAddress) map[string]string {
	v.rwLock.RLock()
	defer v.rwLock.RUnlock()
	if m, ok := v.members[silo]; ok {
		return m.metadata
	}
	return nil
}

// GetCompatibleSilos returns active silos hosting the target's interface type.
// A silo that does not advertise its types hosts every type.
func (v *View) GetCompatibleSilos(target placement.Target) []common.SiloAddress {
	var ret []common.SiloAddress
	for _, silo := range v.Active() {
		if hosts(v.SiloMetadata(silo), target.InterfaceType) {
			ret = append(ret, silo)
		}
	}
	return ret
}

func hosts(meta map[string]string, typ string) bool {
	types, ok := meta[MetadataGrainTypes]
	if !ok || typ == "" {
		return true
	}
	for _, t := range strings.Split(types, ",") {
		if strings.TrimSpace(t) == typ {
			return true
		}
	}
	return false
}
