// Package zkstore keeps directory records as znodes, one per grain.
// Create is the insert-if-absent primitive and a versioned Delete is the
// compare-and-delete primitive.
package zkstore

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"path"

	"github.com/eyeKill/graindir/common"
	"github.com/eyeKill/graindir/directory"
	"github.com/samuel/go-zookeeper/zk"
	"go.uber.org/zap"
)

const (
	ZK_GRAINS_NAME         = "grains"
	DEFAULT_MAX_BATCH_SIZE = 64
)

type Store struct {
	conn     *zk.Conn
	root     string
	maxBatch int
	log      *zap.Logger
}

var _ directory.Store = (*Store)(nil)

// New makes sure <root>/grains exists.
func New(conn *zk.Conn, root string, maxBatch int) (*Store, error) {
	if maxBatch <= 0 {
		maxBatch = DEFAULT_MAX_BATCH_SIZE
	}
	s := &Store{
		conn:     conn,
		root:     path.Join(root, ZK_GRAINS_NAME),
		maxBatch: maxBatch,
		log:      common.Log().Named("zkstore"),
	}
	if err := common.EnsurePathRecursive(conn, s.root); err != nil {
		return nil, fmt.Errorf("failed to ensure %s: %w", s.root, err)
	}
	return s, nil
}

// GrainPath escapes the grain id into a single znode name below root.
func GrainPath(root string, grain common.GrainId) string {
	return path.Join(root, url.PathEscape(grain.String()))
}

func (s *Store) grainPath(grain common.GrainId) string {
	return GrainPath(s.root, grain)
}

// classify maps zookeeper failures onto the directory error taxonomy.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if common.IsZkTransient(err) {
		return common.Unavailable(op, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

type result[T any] struct {
	val T
	err error
}

// call runs f, giving up when ctx is done. The zookeeper client has no
// context support, so an abandoned call keeps running in the background and
// its result is dropped.
func call[T any](ctx context.Context, op string, f func() (T, error)) (T, error) {
	var zero T
	if err := common.ContextError(op, ctx); err != nil {
		return zero, err
	}
	done := make(chan result[T], 1)
	go func() {
		v, err := f()
		done <- result[T]{val: v, err: err}
	}()
	select {
	case r := <-done:
		return r.val, r.err
	case <-ctx.Done():
		return zero, common.Unavailable(op, ctx.Err())
	}
}

func decode(b []byte) (common.GrainAddress, error) {
	var addr common.GrainAddress
	if err := json.Unmarshal(b, &addr); err != nil {
		return common.GrainAddress{}, err
	}
	return addr, nil
}

type insertResult struct {
	ok     bool
	winner common.GrainAddress
}

func (s *Store) TryInsert(ctx context.Context, address common.GrainAddress) (bool, common.GrainAddress, error) {
	b, err := json.Marshal(address)
	if err != nil {
		return false, common.GrainAddress{}, err
	}
	p := s.grainPath(address.GrainId)
	r, err := call(ctx, "zk insert", func() (insertResult, error) {
		_, err := s.conn.Create(p, b, 0, zk.WorldACL(zk.PermAll))
		if err == nil {
			return insertResult{ok: true, winner: address}, nil
		}
		if err != zk.ErrNodeExists {
			return insertResult{}, classify("zk insert", err)
		}
		data, _, err := s.conn.Get(p)
		if err == zk.ErrNoNode {
			// winner already gone, let the directory re-read
			return insertResult{}, nil
		}
		if err != nil {
			return insertResult{}, classify("zk insert", err)
		}
		winner, err := decode(data)
		return insertResult{winner: winner}, err
	})
	return r.ok, r.winner, err
}

type lookupResult struct {
	addr  common.GrainAddress
	found bool
}

func (s *Store) Lookup(ctx context.Context, grain common.GrainId) (common.GrainAddress, bool, error) {
	r, err := call(ctx, "zk lookup", func() (lookupResult, error) {
		data, _, err := s.conn.Get(s.grainPath(grain))
		if err == zk.ErrNoNode {
			return lookupResult{}, nil
		}
		if err != nil {
			return lookupResult{}, classify("zk lookup", err)
		}
		addr, err := decode(data)
		if err != nil {
			return lookupResult{}, err
		}
		return lookupResult{addr: addr, found: true}, nil
	})
	return r.addr, r.found, err
}

// current returns the stored record and its znode version if it still names address's activation.
func (s *Store) current(address common.GrainAddress) (int32, bool, error) {
	data, stat, err := s.conn.Get(s.grainPath(address.GrainId))
	if err == zk.ErrNoNode {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	cur, err := decode(data)
	if err != nil {
		return 0, false, err
	}
	if cur.ActivationId != address.ActivationId {
		return 0, false, nil
	}
	return stat.Version, true, nil
}

func (s *Store) CompareAndDelete(ctx context.Context, address common.GrainAddress) (bool, error) {
	return call(ctx, "zk delete", func() (bool, error) {
		return s.compareAndDelete(address)
	})
}

func (s *Store) compareAndDelete(address common.GrainAddress) (bool, error) {
	version, ok, err := s.current(address)
	if err != nil || !ok {
		return false, classify("zk delete", err)
	}
	err = s.conn.Delete(s.grainPath(address.GrainId), version)
	if err == zk.ErrNoNode || err == zk.ErrBadVersion {
		return false, nil
	}
	if err != nil {
		return false, classify("zk delete", err)
	}
	return true, nil
}

// DeleteMany issues one multi-op for the matching records of the batch. A multi
// is all-or-nothing, so if any record changed concurrently it falls back to
// deleting one by one.
func (s *Store) DeleteMany(ctx context.Context, addresses []common.GrainAddress) error {
	_, err := call(ctx, "zk delete many", func() (struct{}, error) {
		var ops []interface{}
		for _, addr := range addresses {
			version, ok, err := s.current(addr)
			if err != nil {
				return struct{}{}, classify("zk delete many", err)
			}
			if ok {
				ops = append(ops, &zk.DeleteRequest{Path: s.grainPath(addr.GrainId), Version: version})
			}
		}
		if len(ops) == 0 {
			return struct{}{}, nil
		}
		_, err := s.conn.Multi(ops...)
		if err == nil {
			return struct{}{}, nil
		}
		if common.IsZkTransient(err) {
			return struct{}{}, classify("zk delete many", err)
		}
		s.log.Debug("Multi delete failed, deleting one by one.", zap.Error(err))
		for _, addr := range addresses {
			if _, err := s.compareAndDelete(addr); err != nil {
				return struct{}{}, err
			}
		}
		return struct{}{}, nil
	})
	return err
}

// DeleteBySilo is a no-op: records are not indexed by silo and a full tree scan
// per dead silo is too costly. Stale records are evicted lazily by callers.
func (s *Store) DeleteBySilo(_ context.Context, silo common.SiloAddress) error {
	s.log.Debug("Skipping delete by silo, relying on lazy eviction.", zap.Stringer("silo", silo))
	return nil
}

func (s *Store) MaxBatchSize() int {
	return s.maxBatch
}

func (s *Store) SiloCleanupPolicy() directory.SiloCleanupPolicy {
	return directory.LazyCleanup
}
