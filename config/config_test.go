package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/eyeKill/graindir/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sample = `
log_level = "debug"

[silo]
host = "silo-1.internal"
port = 30000
metadata = { zone = "a", "grain.types" = "IUser" }

[directory]
backend = "etcd"
max_batch_size = 32
op_timeout = "3s"

[etcd]
endpoints = ["etcd-1:2379", "etcd-2:2379"]

[stats]
ttl = "30s"
transport = "grpc"

[placement]
default_strategy = "hash-based"
preferred_keys = ["zone"]
`

func TestDefaultIsValid(t *testing.T) {
	assert.Nil(t, config.Default().Validate())
}

func TestParseOverridesDefaults(t *testing.T) {
	ast := assert.New(t)
	cfg, err := config.Parse(sample)
	require.NoError(t, err)
	ast.Equal("debug", cfg.LogLevel)
	ast.Equal("silo-1.internal", cfg.Silo.Host)
	ast.Equal(uint16(30000), cfg.Silo.Port)
	ast.Equal("IUser", cfg.Silo.Metadata["grain.types"])
	ast.Equal(config.BackendEtcd, cfg.Directory.Backend)
	ast.Equal(32, cfg.Directory.MaxBatchSize)
	ast.Equal(3*time.Second, cfg.Directory.OpTimeout)
	ast.Equal([]string{"etcd-1:2379", "etcd-2:2379"}, cfg.Etcd.Endpoints)
	ast.Equal(30*time.Second, cfg.Stats.TTL)
	ast.Equal(config.TransportGrpc, cfg.Stats.Transport)
	ast.Equal("hash-based", cfg.Placement.DefaultStrategy)
	// untouched keys keep their defaults
	ast.Equal(4, cfg.Directory.Parallelism)
	ast.Equal(2*time.Second, cfg.Stats.PublishInterval)
	ast.Equal("/graindir", cfg.Etcd.Prefix)
}

func TestValidateRejects(t *testing.T) {
	ast := assert.New(t)
	_, err := config.Parse("[directory]\nbackend = \"redis\"\n")
	ast.NotNil(err)
	_, err = config.Parse("[directory]\nbackend = \"postgres\"\n")
	ast.NotNil(err)
	_, err = config.Parse("[placement]\ndefault_strategy = \"round-robin\"\n")
	ast.NotNil(err)
	_, err = config.Parse("[stats]\ncpu_threshold = 120.0\n")
	ast.NotNil(err)
	_, err = config.Parse("[stats]\ntransport = \"carrier-pigeon\"\n")
	ast.NotNil(err)
	_, err = config.Parse("[directory]\nbackend = \"wal\"\n[wal]\ndir = \"\"\n")
	ast.NotNil(err)
}

func TestWALSection(t *testing.T) {
	ast := assert.New(t)
	cfg, err := config.Parse("[directory]\nbackend = \"wal\"\n[wal]\ndir = \"/var/lib/graindir\"\ncheckpoint_entries = 50\n")
	require.NoError(t, err)
	ast.Equal(config.BackendWAL, cfg.Directory.Backend)
	ast.Equal("/var/lib/graindir", cfg.WAL.Dir)
	ast.Equal(50, cfg.WAL.CheckpointEntries)
}

func TestLoadAppliesEnvironment(t *testing.T) {
	ast := assert.New(t)
	path := filepath.Join(t.TempDir(), "silo.toml")
	require.NoError(t, os.WriteFile(path, []byte(sample), 0644))
	t.Setenv("GRAINDIR_SILO_PORT", "31000")
	t.Setenv("GRAINDIR_DIRECTORY_BACKEND", "zookeeper")
	t.Setenv("GRAINDIR_ZK_SERVERS", "zk-1:2181,zk-2:2181")
	t.Setenv("GRAINDIR_STATS_SHEDDING", "false")
	t.Setenv("GRAINDIR_DIRECTORY_OP_TIMEOUT", "750ms")

	cfg, err := config.Load(path)
	require.NoError(t, err)
	ast.Equal(uint16(31000), cfg.Silo.Port)
	ast.Equal("silo-1.internal", cfg.Silo.Host)
	ast.Equal(config.BackendZooKeeper, cfg.Directory.Backend)
	ast.Equal([]string{"zk-1:2181", "zk-2:2181"}, cfg.ZooKeeper.Servers)
	ast.False(cfg.Stats.Shedding)
	ast.Equal(750*time.Millisecond, cfg.Directory.OpTimeout)
}

func TestLoadWithoutFile(t *testing.T) {
	t.Setenv("GRAINDIR_STATS_SHEDDING", "maybe")
	_, err := config.Load("")
	assert.NotNil(t, err)
}
