package zkstore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/eyeKill/graindir/common"
	"github.com/stretchr/testify/assert"
)

func TestCallReturnsResult(t *testing.T) {
	ast := assert.New(t)
	v, err := call(context.Background(), "zk test", func() (int, error) { return 42, nil })
	ast.NoError(err)
	ast.Equal(42, v)

	boom := errors.New("boom")
	_, err = call(context.Background(), "zk test", func() (int, error) { return 0, boom })
	ast.ErrorIs(err, boom)
}

func TestCallAbandonedOnDeadline(t *testing.T) {
	ast := assert.New(t)
	ctx, cancel := context.WithCancel(context.Background())
	finished := make(chan struct{})
	r, err := call(ctx, "zk test", func() (lookupResult, error) {
		defer close(finished)
		cancel()
		time.Sleep(20 * time.Millisecond)
		return lookupResult{found: true}, nil
	})
	ast.True(common.IsUnavailable(err))
	ast.False(r.found)
	select {
	case <-finished:
	case <-time.After(time.Second):
		t.Fatal("abandoned call never finished")
	}
}

func TestCallSkipsDoneContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	ran := false
	_, err := call(ctx, "zk test", func() (bool, error) { ran = true; return true, nil })
	assert.Error(t, err)
	assert.False(t, ran)
}
