// Package memstore is an in-process directory back-end: a table split into
// hash partitions, each guarded by its own lock.
package memstore

import (
	"context"
	"sync"

	"github.com/eyeKill/graindir/common"
	"github.com/eyeKill/graindir/directory"
	"go.uber.org/atomic"
)

const (
	DEFAULT_PARTITIONS     = 64
	DEFAULT_MAX_BATCH_SIZE = 100
)

type partition struct {
	rwLock  sync.RWMutex
	records map[common.GrainId]common.GrainAddress
}

type Store struct {
	partitions []*partition
	maxBatch   int
	size       atomic.Int64
}

var _ directory.Store = (*Store)(nil)

type Option func(*Store)

func WithMaxBatchSize(n int) Option {
	return func(s *Store) { s.maxBatch = n }
}

func WithPartitions(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.partitions = newPartitions(n)
		}
	}
}

func newPartitions(n int) []*partition {
	ps := make([]*partition, n)
	for i := range ps {
		ps[i] = &partition{records: make(map[common.GrainId]common.GrainAddress)}
	}
	return ps
}

func New(opts ...Option) *Store {
	s := &Store{
		partitions: newPartitions(DEFAULT_PARTITIONS),
		maxBatch:   DEFAULT_MAX_BATCH_SIZE,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) partitionOf(grain common.GrainId) *partition {
	return s.partitions[common.GrainSlot(grain, len(s.partitions))]
}

func (s *Store) TryInsert(ctx context.Context, address common.GrainAddress) (bool, common.GrainAddress, error) {
	if err := common.ContextError("memstore insert", ctx); err != nil {
		return false, common.GrainAddress{}, err
	}
	p := s.partitionOf(address.GrainId)
	p.rwLock.Lock()
	defer p.rwLock.Unlock()
	if winner, ok := p.records[address.GrainId]; ok {
		return false, winner, nil
	}
	p.records[address.GrainId] = address
	s.size.Inc()
	return true, address, nil
}

func (s *Store) Lookup(ctx context.Context, grain common.GrainId) (common.GrainAddress, bool, error) {
	if err := common.ContextError("memstore lookup", ctx); err != nil {
		return common.GrainAddress{}, false, err
	}
	p := s.partitionOf(grain)
	p.rwLock.RLock()
	defer p.rwLock.RUnlock()
	addr, ok := p.records[grain]
	return addr, ok, nil
}

func (s *Store) CompareAndDelete(ctx context.Context, address common.GrainAddress) (bool, error) {
	if err := common.ContextError("memstore delete", ctx); err != nil {
		return false, err
	}
	return s.compareAndDelete(address), nil
}

func (s *Store) compareAndDelete(address common.GrainAddress) bool {
	p := s.partitionOf(address.GrainId)
	p.rwLock.Lock()
	defer p.rwLock.Unlock()
	cur, ok := p.records[address.GrainId]
	if !ok || cur.ActivationId != address.ActivationId {
		return false
	}
	delete(p.records, address.GrainId)
	s.size.Dec()
	return true
}

func (s *Store) DeleteMany(ctx context.Context, addresses []common.GrainAddress) error {
	if err := common.ContextError("memstore delete many", ctx); err != nil {
		return err
	}
	for _, addr := range addresses {
		s.compareAndDelete(addr)
	}
	return nil
}

// DeleteBySilo scans every partition; the table is local so this is cheap enough to do eagerly.
func (s *Store) DeleteBySilo(ctx context.Context, silo common.SiloAddress) error {
	for _, p := range s.partitions {
		if err := common.ContextError("memstore delete by silo", ctx); err != nil {
			return err
		}
		p.rwLock.Lock()
		for grain, addr := range p.records {
			if addr.SiloAddress == silo {
				delete(p.records, grain)
				s.size.Dec()
			}
		}
		p.rwLock.Unlock()
	}
	return nil
}

func (s *Store) MaxBatchSize() int {
	return s.maxBatch
}

func (s *Store) SiloCleanupPolicy() directory.SiloCleanupPolicy {
	return directory.EagerCleanup
}

// Len returns the number of records currently stored.
func (s *Store) Len() int {
	return int(s.size.Load())
}
