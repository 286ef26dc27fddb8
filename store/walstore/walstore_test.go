package walstore_test

import (
	"context"
	"encoding/json"
	"os"
	"path"
	"path/filepath"
	"testing"

	"github.com/eyeKill/graindir/common"
	"github.com/eyeKill/graindir/directory"
	"github.com/eyeKill/graindir/directory/directorytest"
	"github.com/eyeKill/graindir/store/walstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestMain(m *testing.M) {
	common.SetLog(zap.NewNop())
	m.Run()
}

var silo = common.NewSiloAddress("10.0.0.1", 11111, 1)

func open(t *testing.T, dir string, opts ...walstore.Option) *walstore.Store {
	s, err := walstore.Open(dir, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestStoreContract(t *testing.T) {
	directorytest.Run(t, func(t *testing.T) directory.Store {
		return open(t, t.TempDir(), walstore.WithMaxBatchSize(7), walstore.WithCheckpointEvery(5))
	})
}

func TestRecoverFromLog(t *testing.T) {
	ast := assert.New(t)
	dir := t.TempDir()
	ctx := context.Background()
	a := directorytest.Address("user", "a", silo)
	b := directorytest.Address("user", "b b", silo)

	s, err := walstore.Open(dir, walstore.WithCheckpointEvery(0))
	require.NoError(t, err)
	for _, addr := range []common.GrainAddress{a, b} {
		ok, _, err := s.TryInsert(ctx, addr)
		require.NoError(t, err)
		require.True(t, ok)
	}
	ok, err := s.CompareAndDelete(ctx, a)
	ast.NoError(err)
	ast.True(ok)
	require.NoError(t, s.Close())

	_, err = os.Stat(path.Join(dir, walstore.SNAPSHOT_FILENAME))
	ast.True(os.IsNotExist(err), "no checkpoint was taken")

	s = open(t, dir)
	ast.Equal(1, s.Len())
	_, found, err := s.Lookup(ctx, a.GrainId)
	ast.NoError(err)
	ast.False(found)
	got, found, err := s.Lookup(ctx, b.GrainId)
	ast.NoError(err)
	ast.True(found)
	ast.Equal(b, got)
}

func TestCheckpoint(t *testing.T) {
	ast := assert.New(t)
	dir := t.TempDir()
	ctx := context.Background()

	s, err := walstore.Open(dir, walstore.WithCheckpointEvery(3))
	require.NoError(t, err)
	var addrs []common.GrainAddress
	for _, key := range []string{"a", "b", "c", "d"} {
		addr := directorytest.Address("user", key, silo)
		addrs = append(addrs, addr)
		_, _, err := s.TryInsert(ctx, addr)
		require.NoError(t, err)
	}
	// the third insert triggered a checkpoint, the fourth is only in the log
	_, err = os.Stat(path.Join(dir, walstore.SNAPSHOT_FILENAME))
	ast.NoError(err)
	b, err := os.ReadFile(path.Join(dir, walstore.LOG_FILENAME))
	ast.NoError(err)
	ast.Contains(string(b), `"key":"d"`)
	ast.NotContains(string(b), `"key":"a"`)
	require.NoError(t, s.Close())

	s = open(t, dir)
	ast.Equal(4, s.Len())
	for _, addr := range addrs {
		got, found, err := s.Lookup(ctx, addr.GrainId)
		ast.NoError(err)
		ast.True(found)
		ast.Equal(addr, got)
	}

	ast.NoError(s.Checkpoint())
	b, err = os.ReadFile(path.Join(dir, walstore.LOG_FILENAME))
	ast.NoError(err)
	ast.Empty(b)
}

func TestSkipInvalidLogLines(t *testing.T) {
	ast := assert.New(t)
	dir := t.TempDir()
	logs := "garbage\n" +
		`put {"grainId":{"type":"user","key":"x"},"activationId":"act-1","siloAddress":"10.0.0.1:11111@1","membershipVersion":3}` + "\n" +
		"put {not json\n" +
		`del {"type":"user","key":"missing"}` + "\n"
	require.NoError(t, os.WriteFile(path.Join(dir, walstore.LOG_FILENAME), []byte(logs), 0644))

	s := open(t, dir)
	ast.Equal(1, s.Len())
	got, found, err := s.Lookup(context.Background(), common.NewGrainId("user", "x"))
	ast.NoError(err)
	ast.True(found)
	ast.Equal(common.ActivationId("act-1"), got.ActivationId)
	ast.Equal(silo, got.SiloAddress)
}

func TestDeleteBySiloIsDurable(t *testing.T) {
	ast := assert.New(t)
	dir := t.TempDir()
	ctx := context.Background()
	other := common.NewSiloAddress("10.0.0.2", 11111, 1)

	s, err := walstore.Open(dir)
	require.NoError(t, err)
	kept := directorytest.Address("user", "kept", other)
	for _, addr := range []common.GrainAddress{
		directorytest.Address("user", "a", silo), directorytest.Address("user", "b", silo), kept,
	} {
		_, _, err := s.TryInsert(ctx, addr)
		require.NoError(t, err)
	}
	ast.NoError(s.DeleteBySilo(ctx, silo))
	ast.Equal(1, s.Len())
	require.NoError(t, s.Close())

	s = open(t, dir)
	ast.Equal(1, s.Len())
	_, found, _ := s.Lookup(ctx, kept.GrainId)
	ast.True(found)
}

func TestTornTailIsCutOff(t *testing.T) {
	ast := assert.New(t)
	dir := t.TempDir()
	ctx := context.Background()
	before := directorytest.Address("user", "before", silo)
	line, err := json.Marshal(before)
	require.NoError(t, err)
	torn := "put " + string(line) + "\n" + `put {"grainId":{"type":"user","ke`
	require.NoError(t, os.WriteFile(path.Join(dir, walstore.LOG_FILENAME), []byte(torn), 0644))

	s, err := walstore.Open(dir, walstore.WithCheckpointEvery(0))
	require.NoError(t, err)
	ast.Equal(1, s.Len())
	after := directorytest.Address("user", "after-crash", silo)
	ok, _, err := s.TryInsert(ctx, after)
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, s.Close())

	s = open(t, dir)
	ast.Equal(2, s.Len())
	for _, addr := range []common.GrainAddress{before, after} {
		got, found, err := s.Lookup(ctx, addr.GrainId)
		ast.NoError(err)
		ast.True(found)
		ast.Equal(addr, got)
	}
	b, err := os.ReadFile(path.Join(dir, walstore.LOG_FILENAME))
	ast.NoError(err)
	ast.NotContains(string(b), `"ke`+"put")
}

func TestCheckpointLeavesNoTempFiles(t *testing.T) {
	ast := assert.New(t)
	dir := t.TempDir()
	s := open(t, dir, walstore.WithCheckpointEvery(2))
	for _, key := range []string{"a", "b", "c", "d", "e"} {
		_, _, err := s.TryInsert(context.Background(), directorytest.Address("user", key, silo))
		require.NoError(t, err)
	}
	ast.NoError(s.Checkpoint())
	tmps, err := filepath.Glob(path.Join(dir, walstore.SNAPSHOT_TMP_FILENAME_PATTERN))
	ast.NoError(err)
	ast.Empty(tmps)
	entries, err := os.ReadDir(dir)
	ast.NoError(err)
	ast.Len(entries, 2)
}
