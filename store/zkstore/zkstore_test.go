package zkstore_test

import (
	"errors"
	"os"
	"strings"
	"testing"

	"github.com/eyeKill/graindir/common"
	"github.com/eyeKill/graindir/directory"
	"github.com/eyeKill/graindir/directory/directorytest"
	"github.com/eyeKill/graindir/store/zkstore"
	"github.com/samuel/go-zookeeper/zk"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGrainPathIsSingleSegment(t *testing.T) {
	ast := assert.New(t)
	p := zkstore.GrainPath("/graindir/grains", common.NewGrainId("user", "a/b c"))
	ast.Equal("/graindir/grains/user%2Fa%2Fb%20c", p)
	ast.NotContains(strings.TrimPrefix(p, "/graindir/grains/"), "/")
}

func TestTransientErrors(t *testing.T) {
	ast := assert.New(t)
	ast.True(common.IsZkTransient(zk.ErrConnectionClosed))
	ast.True(common.IsZkTransient(zk.ErrSessionExpired))
	ast.False(common.IsZkTransient(zk.ErrNodeExists))
	ast.False(common.IsZkTransient(errors.New("x")))
}

func TestStoreContract(t *testing.T) {
	servers := os.Getenv("ZK_SERVERS")
	if servers == "" {
		t.Skip("ZK_SERVERS not set")
	}
	conn, err := common.ConnectToZk(strings.Fields(servers))
	require.NoError(t, err)
	defer conn.Close()
	const root = "/graindir-test"
	directorytest.Run(t, func(t *testing.T) directory.Store {
		require.NoError(t, common.ZkDeleteRecursive(conn, root))
		s, err := zkstore.New(conn, root, 10)
		require.NoError(t, err)
		return s
	})
	require.NoError(t, common.ZkDeleteRecursive(conn, root))
}
