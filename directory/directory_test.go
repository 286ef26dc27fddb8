package directory_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/eyeKill/graindir/common"
	"github.com/eyeKill/graindir/directory"
	"github.com/eyeKill/graindir/directory/directorytest"
	"github.com/eyeKill/graindir/loadstats"
	"github.com/eyeKill/graindir/store/memstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

var silo = common.NewSiloAddress("10.0.0.1", 11111, 1)

func TestMain(m *testing.M) {
	common.SetLog(zap.NewNop())
	m.Run()
}

// faultyStore wraps a memstore and injects failures.
type faultyStore struct {
	*memstore.Store
	// hide the winner on conflicts, like back-ends without a single-round-trip read
	hideWinner bool
	// fail DeleteMany for chunks containing this grain
	poison     common.GrainId
	failInsert error
	inserts    atomic.Int32
	slow       time.Duration

	mu          sync.Mutex
	deleteCalls [][]common.GrainAddress
}

func (s *faultyStore) TryInsert(ctx context.Context, a common.GrainAddress) (bool, common.GrainAddress, error) {
	s.inserts.Inc()
	if s.failInsert != nil {
		return false, common.GrainAddress{}, s.failInsert
	}
	if s.slow > 0 {
		select {
		case <-time.After(s.slow):
		case <-ctx.Done():
			return false, common.GrainAddress{}, ctx.Err()
		}
	}
	ok, winner, err := s.Store.TryInsert(ctx, a)
	if s.hideWinner && !ok {
		winner = common.GrainAddress{}
	}
	return ok, winner, err
}

func (s *faultyStore) DeleteMany(ctx context.Context, addrs []common.GrainAddress) error {
	s.mu.Lock()
	s.deleteCalls = append(s.deleteCalls, addrs)
	s.mu.Unlock()
	for _, a := range addrs {
		if a.GrainId == s.poison {
			return common.Unavailable("delete many", errors.New("throttled"))
		}
	}
	return s.Store.DeleteMany(ctx, addrs)
}

func TestRegisterRereadsHiddenWinner(t *testing.T) {
	store := &faultyStore{Store: memstore.New(), hideWinner: true}
	dir := directory.New(store)
	ctx := context.Background()
	first := directorytest.Address("user", "a", silo)
	second := first
	second.ActivationId = common.NewActivationId()

	_, err := dir.Register(ctx, first)
	require.NoError(t, err)
	got, err := dir.Register(ctx, second)
	require.NoError(t, err)
	assert.Equal(t, first, got)
}

func TestRegisterDoesNotRetryUnavailable(t *testing.T) {
	store := &faultyStore{
		Store:      memstore.New(),
		failInsert: common.Unavailable("insert", errors.New("connection reset")),
	}
	dir := directory.New(store)
	_, err := dir.Register(context.Background(), directorytest.Address("user", "a", silo))
	require.Error(t, err)
	assert.True(t, common.IsUnavailable(err))
	assert.Equal(t, int32(1), store.inserts.Load())
}

func TestRegisterTimeoutIsUnavailable(t *testing.T) {
	store := &faultyStore{Store: memstore.New(), slow: time.Second}
	dir := directory.New(store, directory.WithOpTimeout(10*time.Millisecond))
	_, err := dir.Register(context.Background(), directorytest.Address("user", "a", silo))
	require.Error(t, err)
	assert.True(t, common.IsUnavailable(err))
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}

func TestRegisterRejectsIncompleteAddress(t *testing.T) {
	dir := directory.New(memstore.New())
	_, err := dir.Register(context.Background(), common.GrainAddress{GrainId: common.NewGrainId("user", "a")})
	assert.Error(t, err)
	assert.False(t, common.IsUnavailable(err))
}

func TestUnregisterManyIsolatesFailedChunk(t *testing.T) {
	store := &faultyStore{Store: memstore.New(memstore.WithMaxBatchSize(5))}
	dir := directory.New(store, directory.WithParallelism(2))
	ctx := context.Background()
	var addrs []common.GrainAddress
	for i := 0; i < 12; i++ {
		a := directorytest.Address("bulk", fmt.Sprintf("%d", i), silo)
		_, err := dir.Register(ctx, a)
		require.NoError(t, err)
		addrs = append(addrs, a)
	}
	store.poison = addrs[0].GrainId

	err := dir.UnregisterMany(ctx, addrs)
	require.Error(t, err)
	assert.True(t, common.IsUnavailable(err))

	store.mu.Lock()
	assert.Len(t, store.deleteCalls, 3)
	for _, c := range store.deleteCalls {
		assert.LessOrEqual(t, len(c), 5)
	}
	store.mu.Unlock()

	// the first chunk failed and stays, the others are gone
	for i, a := range addrs {
		_, found, err := dir.Lookup(ctx, a.GrainId)
		require.NoError(t, err)
		assert.Equal(t, i < 5, found, a.GrainId.String())
	}
}

func TestUnregisterManyHonoursSmallerBatchOption(t *testing.T) {
	store := &faultyStore{Store: memstore.New(memstore.WithMaxBatchSize(100))}
	dir := directory.New(store, directory.WithMaxBatchSize(2))
	ctx := context.Background()
	var addrs []common.GrainAddress
	for i := 0; i < 5; i++ {
		addrs = append(addrs, directorytest.Address("bulk", fmt.Sprintf("%d", i), silo))
	}
	require.NoError(t, dir.UnregisterMany(ctx, addrs))
	store.mu.Lock()
	defer store.mu.Unlock()
	assert.Len(t, store.deleteCalls, 3)
}

func TestCleanupPolicyDefaultsToEager(t *testing.T) {
	assert.Equal(t, directory.EagerCleanup, directory.New(memstore.New()).CleanupPolicy())
	assert.Equal(t, "lazy", directory.LazyCleanup.String())
}

func TestObserverCountsLocalActivations(t *testing.T) {
	ast := assert.New(t)
	ctx := context.Background()
	other := common.NewSiloAddress("10.0.0.2", 11111, 1)
	counter := loadstats.NewActivationCounter(silo)
	dir := directory.New(memstore.New(), directory.WithObserver(counter))

	a := directorytest.Address("user", "a", silo)
	b := directorytest.Address("user", "b", silo)
	c := directorytest.Address("user", "c", other)
	for _, addr := range []common.GrainAddress{a, b, c} {
		_, err := dir.Register(ctx, addr)
		require.NoError(t, err)
	}
	ast.Equal(int64(2), counter.Load())

	// a losing rival and a repeated registration change nothing
	rival := directorytest.Address("user", "a", silo)
	winner, err := dir.Register(ctx, rival)
	require.NoError(t, err)
	ast.Equal(a, winner)
	_, err = dir.Register(ctx, a)
	require.NoError(t, err)
	ast.NoError(dir.Unregister(ctx, rival))
	ast.Equal(int64(2), counter.Load())

	ast.NoError(dir.Unregister(ctx, a))
	ast.Equal(int64(1), counter.Load())
	ast.NoError(dir.UnregisterMany(ctx, []common.GrainAddress{b, c}))
	ast.Equal(int64(0), counter.Load())
}
