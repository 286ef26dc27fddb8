// Package zkfeed derives membership events from ephemeral silo znodes in ZooKeeper.
package zkfeed

import (
	"context"
	"path"
	"sort"

	"github.com/eyeKill/graindir/common"
	"github.com/eyeKill/graindir/membership"
	"github.com/samuel/go-zookeeper/zk"
	"go.uber.org/zap"
)

const (
	SILOS_DIR        = "silos"
	GENERATION_NODE  = "generation"
	SILO_NODE_PREFIX = "silo-"
)

// SiloNode is the content of a silo's ephemeral znode.
type SiloNode struct {
	Silo     common.SiloAddress `json:"silo"`
	Metadata map[string]string  `json:"metadata,omitempty"`
}

// AllocateGeneration hands out a cluster-wide unique silo generation.
func AllocateGeneration(conn *zk.Conn, root string) (int64, error) {
	if err := common.EnsurePathRecursive(conn, root); err != nil {
		return 0, err
	}
	counter := common.DistributedAtomicInteger{Conn: conn, Path: path.Join(root, GENERATION_NODE)}
	if err := counter.SetDefault(0); err != nil {
		return 0, err
	}
	return counter.Inc()
}

// Register announces the silo. The znode disappears with the session, which
// peers observe as the silo's death.
func Register(conn *zk.Conn, root string, node SiloNode) (string, error) {
	dir := path.Join(root, SILOS_DIR)
	if err := common.EnsurePathRecursive(conn, dir); err != nil {
		return "", err
	}
	name, err := common.ZkCreate(conn, path.Join(dir, SILO_NODE_PREFIX), node, true, true)
	if err != nil {
		return "", err
	}
	common.Log().Info("Registered silo to zookeeper.", zap.String("path", name), zap.Stringer("silo", node.Silo))
	return name, nil
}

// Diff compares two children listings keyed by znode name.
func Diff(prev, cur map[string]SiloNode) (joined, left []SiloNode) {
	for _, name := range sortedNames(cur) {
		if _, ok := prev[name]; !ok {
			joined = append(joined, cur[name])
		}
	}
	for _, name := range sortedNames(prev) {
		if _, ok := cur[name]; !ok {
			left = append(left, prev[name])
		}
	}
	return
}

func sortedNames(m map[string]SiloNode) []string {
	names := make([]string, 0, len(m))
	for n := range m {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Feed watches the silos directory and emits an event per change.
type Feed struct {
	conn  *zk.Conn
	dir   string
	known map[string]SiloNode
	log   *zap.Logger
}

func NewFeed(conn *zk.Conn, root string) *Feed {
	return &Feed{
		conn:  conn,
		dir:   path.Join(root, SILOS_DIR),
		known: make(map[string]SiloNode),
		log:   common.Log().Named("zkfeed"),
	}
}

func (f *Feed) load(children []string) map[string]SiloNode {
	cur := make(map[string]SiloNode, len(children))
	for _, c := range children {
		if n, ok := f.known[c]; ok {
			cur[c] = n
			continue
		}
		var n SiloNode
		if err := common.ZkGet(f.conn, path.Join(f.dir, c), &n); err != nil {
			// gone between listing and reading, or not a silo node
			f.log.Debug("Skipping silo node.", zap.String("name", c), zap.Error(err))
			continue
		}
		cur[c] = n
	}
	return cur
}

// Watch emits events to out until ctx is done or the watch fails.
func (f *Feed) Watch(ctx context.Context, out chan<- membership.Event) error {
	if err := common.EnsurePathRecursive(f.conn, f.dir); err != nil {
		return err
	}
	f.log.Info("Starting to watch silo nodes...", zap.String("path", f.dir))
	for {
		children, stat, eventChan, err := f.conn.ChildrenW(f.dir)
		if err != nil {
			f.log.Error("Failed to watch.", zap.String("path", f.dir), zap.Error(err))
			return err
		}
		cur := f.load(children)
		joined, left := Diff(f.known, cur)
		version := common.MembershipVersion(stat.Cversion)
		var events []membership.Event
		for _, n := range joined {
			events = append(events, membership.Event{Silo: n.Silo, Status: membership.Active, Version: version, Metadata: n.Metadata})
		}
		for _, n := range left {
			events = append(events, membership.Event{Silo: n.Silo, Status: membership.Dead, Version: version})
		}
		f.known = cur
		for _, e := range events {
			select {
			case out <- e:
			case <-ctx.Done():
				return nil
			}
		}
		select {
		case <-eventChan:
		case <-ctx.Done():
			f.log.Info("Stop signal received, exiting watch loop...")
			return nil
		}
	}
}
