// Package directorytest holds the behavioural suite every directory.Store must pass.
package directorytest

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/eyeKill/graindir/common"
	"github.com/eyeKill/graindir/directory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Address builds a record for grain key with a fresh activation on silo.
func Address(typ, key string, silo common.SiloAddress) common.GrainAddress {
	return common.GrainAddress{
		GrainId:           common.NewGrainId(typ, key),
		ActivationId:      common.NewActivationId(),
		SiloAddress:       silo,
		MembershipVersion: 1,
	}
}

// Run exercises store through a GrainDirectory. newStore must return an empty store.
func Run(t *testing.T, newStore func(t *testing.T) directory.Store) {
	silo1 := common.NewSiloAddress("10.0.0.1", 11111, 1)
	silo2 := common.NewSiloAddress("10.0.0.2", 11111, 1)

	t.Run("RoundTrip", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		tuples := []common.GrainAddress{
			Address("user", "alice", silo1),
			Address("user", "with/slash and space", silo2),
			{
				GrainId:           common.NewGrainId("counter", "ü-42"),
				ActivationId:      common.NewActivationId(),
				SiloAddress:       common.NewSiloAddress("silo.example", 30000, 1700000000123),
				MembershipVersion: 987654321,
			},
		}
		for _, addr := range tuples {
			ok, _, err := store.TryInsert(ctx, addr)
			require.NoError(t, err)
			require.True(t, ok)
			got, found, err := store.Lookup(ctx, addr.GrainId)
			require.NoError(t, err)
			require.True(t, found)
			assert.Equal(t, addr, got)
		}
	})

	t.Run("ConflictReturnsWinner", func(t *testing.T) {
		dir := directory.New(newStore(t))
		ctx := context.Background()
		first := Address("user", "bob", silo1)
		second := first
		second.ActivationId = common.NewActivationId()
		second.SiloAddress = silo2

		got, err := dir.Register(ctx, first)
		require.NoError(t, err)
		assert.Equal(t, first, got)
		got, err = dir.Register(ctx, second)
		require.NoError(t, err)
		assert.Equal(t, first, got)
	})

	t.Run("SingleWinnerUnderConcurrency", func(t *testing.T) {
		dir := directory.New(newStore(t))
		ctx := context.Background()
		const n = 16
		grain := common.NewGrainId("user", "contended")
		results := make([]common.GrainAddress, n)
		submitted := make([]common.GrainAddress, n)
		var wg sync.WaitGroup
		for i := 0; i < n; i++ {
			submitted[i] = common.GrainAddress{
				GrainId:      grain,
				ActivationId: common.NewActivationId(),
				SiloAddress:  common.NewSiloAddress(fmt.Sprintf("10.0.1.%d", i), 11111, 1),
			}
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				r, err := dir.Register(ctx, submitted[i])
				assert.NoError(t, err)
				results[i] = r
			}(i)
		}
		wg.Wait()
		winners := 0
		for i := 0; i < n; i++ {
			if results[i] == submitted[i] {
				winners++
			}
			assert.Equal(t, results[0], results[i])
		}
		assert.Equal(t, 1, winners)
		got, found, err := dir.Lookup(ctx, grain)
		require.NoError(t, err)
		require.True(t, found)
		assert.Equal(t, results[0], got)
	})

	t.Run("UnregisterIsIdempotent", func(t *testing.T) {
		dir := directory.New(newStore(t))
		ctx := context.Background()
		addr := Address("user", "carol", silo1)
		_, err := dir.Register(ctx, addr)
		require.NoError(t, err)
		require.NoError(t, dir.Unregister(ctx, addr))
		require.NoError(t, dir.Unregister(ctx, addr))
		_, found, err := dir.Lookup(ctx, addr.GrainId)
		require.NoError(t, err)
		assert.False(t, found)
	})

	t.Run("ForeignActivationDeleteIsNoop", func(t *testing.T) {
		dir := directory.New(newStore(t))
		ctx := context.Background()
		addr := Address("user", "dave", silo1)
		_, err := dir.Register(ctx, addr)
		require.NoError(t, err)
		foreign := addr
		foreign.ActivationId = common.NewActivationId()
		require.NoError(t, dir.Unregister(ctx, foreign))
		got, found, err := dir.Lookup(ctx, addr.GrainId)
		require.NoError(t, err)
		require.True(t, found)
		assert.Equal(t, addr, got)
	})

	t.Run("ReRegisterAfterUnregister", func(t *testing.T) {
		dir := directory.New(newStore(t))
		ctx := context.Background()
		addr := Address("user", "erin", silo1)
		_, err := dir.Register(ctx, addr)
		require.NoError(t, err)
		require.NoError(t, dir.Unregister(ctx, addr))
		next := addr
		next.ActivationId = common.NewActivationId()
		got, err := dir.Register(ctx, next)
		require.NoError(t, err)
		assert.Equal(t, next, got)
	})

	t.Run("UnregisterManyAcrossChunks", func(t *testing.T) {
		store := newStore(t)
		dir := directory.New(store, directory.WithParallelism(3))
		ctx := context.Background()
		k := store.MaxBatchSize()*2 + 3
		if k > 250 {
			k = 250
			dir = directory.New(store, directory.WithParallelism(3), directory.WithMaxBatchSize(40))
		}
		addrs := make([]common.GrainAddress, 0, k)
		for i := 0; i < k; i++ {
			addr := Address("bulk", fmt.Sprintf("g-%d", i), silo1)
			_, err := dir.Register(ctx, addr)
			require.NoError(t, err)
			addrs = append(addrs, addr)
		}
		// a stale entry in the batch must not block the rest
		stale := addrs[1]
		stale.ActivationId = common.NewActivationId()
		require.NoError(t, dir.UnregisterMany(ctx, append([]common.GrainAddress{stale}, addrs...)))
		for _, addr := range addrs {
			_, found, err := dir.Lookup(ctx, addr.GrainId)
			require.NoError(t, err)
			assert.False(t, found, addr.GrainId.String())
		}
	})

	t.Run("UnregisterManyKeepsForeignActivations", func(t *testing.T) {
		dir := directory.New(newStore(t))
		ctx := context.Background()
		kept := Address("bulk", "kept", silo1)
		gone := Address("bulk", "gone", silo1)
		for _, a := range []common.GrainAddress{kept, gone} {
			_, err := dir.Register(ctx, a)
			require.NoError(t, err)
		}
		foreign := kept
		foreign.ActivationId = common.NewActivationId()
		require.NoError(t, dir.UnregisterMany(ctx, []common.GrainAddress{foreign, gone}))
		_, found, err := dir.Lookup(ctx, kept.GrainId)
		require.NoError(t, err)
		assert.True(t, found)
		_, found, err = dir.Lookup(ctx, gone.GrainId)
		require.NoError(t, err)
		assert.False(t, found)
	})

	t.Run("UnregisterSilos", func(t *testing.T) {
		store := newStore(t)
		dir := directory.New(store)
		ctx := context.Background()
		onDead := Address("user", "on-dead", silo1)
		onLive := Address("user", "on-live", silo2)
		for _, a := range []common.GrainAddress{onDead, onLive} {
			_, err := dir.Register(ctx, a)
			require.NoError(t, err)
		}
		require.NoError(t, dir.UnregisterSilos(ctx, []common.SiloAddress{silo1}))
		_, found, err := dir.Lookup(ctx, onDead.GrainId)
		require.NoError(t, err)
		switch dir.CleanupPolicy() {
		case directory.EagerCleanup:
			assert.False(t, found)
		case directory.LazyCleanup:
			assert.True(t, found)
			// lazy eviction by the caller still works
			require.NoError(t, dir.Unregister(ctx, onDead))
		}
		_, found, err = dir.Lookup(ctx, onLive.GrainId)
		require.NoError(t, err)
		assert.True(t, found)
	})

	t.Run("ExpiredDeadlineIsUnavailable", func(t *testing.T) {
		store := newStore(t)
		ctx, cancel := context.WithTimeout(context.Background(), time.Nanosecond)
		defer cancel()
		time.Sleep(time.Millisecond)
		_, _, err := store.Lookup(ctx, common.NewGrainId("user", "late"))
		require.Error(t, err)
		assert.True(t, common.IsUnavailable(err))
	})
}
