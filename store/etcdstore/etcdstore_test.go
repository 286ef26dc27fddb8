package etcdstore_test

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/eyeKill/graindir/common"
	"github.com/eyeKill/graindir/directory"
	"github.com/eyeKill/graindir/directory/directorytest"
	"github.com/eyeKill/graindir/store/etcdstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	clientv3 "go.etcd.io/etcd/client/v3"
)

func TestIndexKeyRoundTrip(t *testing.T) {
	ast := assert.New(t)
	silo := common.NewSiloAddress("10.0.0.1", 11111, 3)
	grain := common.NewGrainId("user", "a/b")
	sp := etcdstore.SiloPrefix("/graindir", silo)
	key := etcdstore.IndexKey("/graindir", silo, grain)
	ast.True(strings.HasPrefix(key, sp))
	parsed, err := etcdstore.ParseIndexKey(sp, key)
	ast.Nil(err)
	ast.Equal(grain, parsed)
	ast.Equal("/graindir/grains/user%2Fa%2Fb", etcdstore.GrainKey("/graindir", grain))
}

func TestStoreContract(t *testing.T) {
	endpoints := os.Getenv("ETCD_ENDPOINTS")
	if endpoints == "" {
		t.Skip("ETCD_ENDPOINTS not set")
	}
	clnt, err := etcdstore.Connect(etcdstore.Config{
		Endpoints:   strings.Fields(endpoints),
		DialTimeout: 3 * time.Second,
	})
	require.NoError(t, err)
	defer clnt.Close()
	n := 0
	directorytest.Run(t, func(t *testing.T) directory.Store {
		n++
		prefix := fmt.Sprintf("/graindir-test/%d-%d", time.Now().UnixNano(), n)
		t.Cleanup(func() {
			_, err := clnt.Delete(context.Background(), prefix, clientv3.WithPrefix())
			if err != nil && !errors.Is(err, context.Canceled) {
				t.Log(err)
			}
		})
		return etcdstore.New(clnt, prefix, 10)
	})
}
