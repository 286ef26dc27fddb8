package memstore_test

import (
	"context"
	"testing"

	"github.com/eyeKill/graindir/common"
	"github.com/eyeKill/graindir/directory"
	"github.com/eyeKill/graindir/directory/directorytest"
	"github.com/eyeKill/graindir/store/memstore"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

func TestMain(m *testing.M) {
	common.SetLog(zap.NewNop())
	m.Run()
}

func TestStoreContract(t *testing.T) {
	directorytest.Run(t, func(t *testing.T) directory.Store {
		return memstore.New(memstore.WithMaxBatchSize(7), memstore.WithPartitions(8))
	})
}

func TestLen(t *testing.T) {
	ast := assert.New(t)
	s := memstore.New()
	ctx := context.Background()
	silo := common.NewSiloAddress("h", 1, 1)
	a := directorytest.Address("t", "a", silo)
	b := directorytest.Address("t", "b", silo)
	for _, addr := range []common.GrainAddress{a, b} {
		ok, _, err := s.TryInsert(ctx, addr)
		ast.Nil(err)
		ast.True(ok)
	}
	ast.Equal(2, s.Len())
	ok, _, err := s.TryInsert(ctx, a)
	ast.Nil(err)
	ast.False(ok)
	ast.Equal(2, s.Len())
	ast.Nil(s.DeleteBySilo(ctx, silo))
	ast.Equal(0, s.Len())
}
