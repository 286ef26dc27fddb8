// Package etcdstore keeps directory records in etcd. Inserts and deletes are
// transactions guarded by key revisions, and every record has a per-silo index
// key so a dead silo can be purged eagerly.
package etcdstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/eyeKill/graindir/common"
	"github.com/eyeKill/graindir/directory"
	"go.etcd.io/etcd/api/v3/v3rpc/rpctypes"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// each record costs two ops per transaction and etcd caps a txn at 128 ops by default
const DEFAULT_MAX_BATCH_SIZE = 64

type Config struct {
	Endpoints   []string
	DialTimeout time.Duration
	Prefix      string
	MaxBatch    int
}

type Store struct {
	kv       clientv3.KV
	prefix   string
	maxBatch int
	log      *zap.Logger
}

var _ directory.Store = (*Store)(nil)

func Connect(cfg Config) (*clientv3.Client, error) {
	clnt, err := clientv3.New(clientv3.Config{
		Endpoints:   cfg.Endpoints,
		DialTimeout: cfg.DialTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create etcd client: %w", err)
	}
	return clnt, nil
}

func New(kv clientv3.KV, prefix string, maxBatch int) *Store {
	if maxBatch <= 0 {
		maxBatch = DEFAULT_MAX_BATCH_SIZE
	}
	return &Store{
		kv:       kv,
		prefix:   strings.TrimSuffix(prefix, "/"),
		maxBatch: maxBatch,
		log:      common.Log().Named("etcdstore"),
	}
}

func GrainKey(prefix string, grain common.GrainId) string {
	return prefix + "/grains/" + url.PathEscape(grain.String())
}

func SiloPrefix(prefix string, silo common.SiloAddress) string {
	return prefix + "/silos/" + url.PathEscape(silo.String()) + "/"
}

func IndexKey(prefix string, silo common.SiloAddress, grain common.GrainId) string {
	return SiloPrefix(prefix, silo) + url.PathEscape(grain.String())
}

// ParseIndexKey recovers the grain from an index key below siloPrefix.
func ParseIndexKey(siloPrefix, key string) (common.GrainId, error) {
	escaped := strings.TrimPrefix(key, siloPrefix)
	raw, err := url.PathUnescape(escaped)
	if err != nil {
		return common.GrainId{}, err
	}
	return common.ParseGrainId(raw)
}

func isTransient(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) ||
		errors.Is(err, rpctypes.ErrTimeout) || errors.Is(err, rpctypes.ErrTooManyRequests) ||
		errors.Is(err, rpctypes.ErrNoLeader) || errors.Is(err, rpctypes.ErrLeaderChanged) {
		return true
	}
	switch status.Code(err) {
	case codes.Unavailable, codes.DeadlineExceeded, codes.ResourceExhausted, codes.Canceled:
		return true
	}
	return false
}

func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if isTransient(err) {
		return common.Unavailable(op, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

func (s *Store) TryInsert(ctx context.Context, address common.GrainAddress) (bool, common.GrainAddress, error) {
	b, err := json.Marshal(address)
	if err != nil {
		return false, common.GrainAddress{}, err
	}
	gk := GrainKey(s.prefix, address.GrainId)
	resp, err := s.kv.Txn(ctx).If(
		clientv3.Compare(clientv3.CreateRevision(gk), "=", 0),
	).Then(
		clientv3.OpPut(gk, string(b)),
		clientv3.OpPut(IndexKey(s.prefix, address.SiloAddress, address.GrainId), address.ActivationId.String()),
	).Else(
		clientv3.OpGet(gk),
	).Commit()
	if err != nil {
		return false, common.GrainAddress{}, classify("etcd insert", err)
	}
	if resp.Succeeded {
		return true, address, nil
	}
	kvs := resp.Responses[0].GetResponseRange().GetKvs()
	if len(kvs) == 0 {
		return false, common.GrainAddress{}, nil
	}
	var winner common.GrainAddress
	if err := json.Unmarshal(kvs[0].Value, &winner); err != nil {
		return false, common.GrainAddress{}, err
	}
	return false, winner, nil
}

func (s *Store) get(ctx context.Context, grain common.GrainId) (common.GrainAddress, int64, bool, error) {
	resp, err := s.kv.Get(ctx, GrainKey(s.prefix, grain))
	if err != nil {
		return common.GrainAddress{}, 0, false, err
	}
	if len(resp.Kvs) == 0 {
		return common.GrainAddress{}, 0, false, nil
	}
	var addr common.GrainAddress
	if err := json.Unmarshal(resp.Kvs[0].Value, &addr); err != nil {
		return common.GrainAddress{}, 0, false, err
	}
	return addr, resp.Kvs[0].ModRevision, true, nil
}

func (s *Store) Lookup(ctx context.Context, grain common.GrainId) (common.GrainAddress, bool, error) {
	addr, _, found, err := s.get(ctx, grain)
	if err != nil {
		return common.GrainAddress{}, false, classify("etcd lookup", err)
	}
	return addr, found, nil
}

// guard returns the compare and delete ops removing cur if it is still at revision.
func (s *Store) guard(cur common.GrainAddress, revision int64) (clientv3.Cmp, []clientv3.Op) {
	gk := GrainKey(s.prefix, cur.GrainId)
	return clientv3.Compare(clientv3.ModRevision(gk), "=", revision), []clientv3.Op{
		clientv3.OpDelete(gk),
		clientv3.OpDelete(IndexKey(s.prefix, cur.SiloAddress, cur.GrainId)),
	}
}

func (s *Store) CompareAndDelete(ctx context.Context, address common.GrainAddress) (bool, error) {
	cur, revision, found, err := s.get(ctx, address.GrainId)
	if err != nil {
		return false, classify("etcd delete", err)
	}
	if !found || cur.ActivationId != address.ActivationId {
		return false, nil
	}
	cmp, ops := s.guard(cur, revision)
	resp, err := s.kv.Txn(ctx).If(cmp).Then(ops...).Commit()
	if err != nil {
		return false, classify("etcd delete", err)
	}
	return resp.Succeeded, nil
}

// DeleteMany deletes the batch in one transaction. If any record moved in the
// meantime the transaction fails as a whole and the batch is retried per record.
func (s *Store) DeleteMany(ctx context.Context, addresses []common.GrainAddress) error {
	var (
		cmps []clientv3.Cmp
		ops  []clientv3.Op
	)
	for _, addr := range addresses {
		cur, revision, found, err := s.get(ctx, addr.GrainId)
		if err != nil {
			return classify("etcd delete many", err)
		}
		if !found || cur.ActivationId != addr.ActivationId {
			continue
		}
		cmp, del := s.guard(cur, revision)
		cmps = append(cmps, cmp)
		ops = append(ops, del...)
	}
	if len(ops) == 0 {
		return nil
	}
	resp, err := s.kv.Txn(ctx).If(cmps...).Then(ops...).Commit()
	if err != nil {
		return classify("etcd delete many", err)
	}
	if resp.Succeeded {
		return nil
	}
	s.log.Debug("Batch delete lost a race, deleting one by one.", zap.Int("size", len(addresses)))
	for _, addr := range addresses {
		if _, err := s.CompareAndDelete(ctx, addr); err != nil {
			return err
		}
	}
	return nil
}

// DeleteBySilo walks the silo's index and deletes every record still owned by it.
func (s *Store) DeleteBySilo(ctx context.Context, silo common.SiloAddress) error {
	sp := SiloPrefix(s.prefix, silo)
	resp, err := s.kv.Get(ctx, sp, clientv3.WithPrefix())
	if err != nil {
		return classify("etcd delete by silo", err)
	}
	addrs := make([]common.GrainAddress, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		grain, err := ParseIndexKey(sp, string(kv.Key))
		if err != nil {
			s.log.Warn("Skipping malformed index key.", zap.ByteString("key", kv.Key), zap.Error(err))
			continue
		}
		addrs = append(addrs, common.GrainAddress{
			GrainId:      grain,
			ActivationId: common.ActivationId(kv.Value),
			SiloAddress:  silo,
		})
	}
	for _, chunk := range common.Chunk(addrs, s.maxBatch) {
		if err := s.DeleteMany(ctx, chunk); err != nil {
			return err
		}
	}
	// index entries whose record was replaced by another silo are left over
	if _, err := s.kv.Delete(ctx, sp, clientv3.WithPrefix()); err != nil {
		return classify("etcd delete by silo", err)
	}
	return nil
}

func (s *Store) MaxBatchSize() int {
	return s.maxBatch
}

func (s *Store) SiloCleanupPolicy() directory.SiloCleanupPolicy {
	return directory.EagerCleanup
}
