// Package config loads silo settings: defaults, then an optional TOML file, then environment overrides.
package config

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/eyeKill/graindir/placement"
	"github.com/vrischmann/envconfig"
)

const (
	BackendMemory    = "memory"
	BackendZooKeeper = "zookeeper"
	BackendEtcd      = "etcd"
	BackendPostgres  = "postgres"
	BackendDynamoDB  = "dynamodb"
	BackendWAL       = "wal"

	TransportGossip = "gossip"
	TransportGrpc   = "grpc"
)

type SiloConfig struct {
	Host string `toml:"host"`
	Port uint16 `toml:"port"`
	// Generation 0 asks the silo to allocate one at start-up.
	Generation int64             `toml:"generation"`
	Metadata   map[string]string `toml:"metadata"`
}

type DirectoryConfig struct {
	Backend      string        `toml:"backend"`
	MaxBatchSize int           `toml:"max_batch_size"`
	Parallelism  int           `toml:"parallelism"`
	OpTimeout    time.Duration `toml:"op_timeout"`
}

type WALConfig struct {
	Dir string `toml:"dir"`
	// CheckpointEntries is the log length that triggers a snapshot, 0 never does.
	CheckpointEntries int `toml:"checkpoint_entries"`
}

type ZooKeeperConfig struct {
	Servers []string `toml:"servers"`
	Root    string   `toml:"root"`
}

type EtcdConfig struct {
	Endpoints   []string      `toml:"endpoints"`
	Prefix      string        `toml:"prefix"`
	DialTimeout time.Duration `toml:"dial_timeout"`
}

type PostgresConfig struct {
	DSN   string `toml:"dsn"`
	Table string `toml:"table"`
}

type DynamoDBConfig struct {
	Region string `toml:"region"`
	Table  string `toml:"table"`
}

type StatsConfig struct {
	PublishInterval time.Duration `toml:"publish_interval"`
	TTL             time.Duration `toml:"ttl"`
	Shedding        bool          `toml:"shedding"`
	CPUThreshold    float32       `toml:"cpu_threshold"`
	MemoryThreshold float64       `toml:"memory_threshold"`
	// Transport is how snapshots reach peers: gossip or grpc.
	Transport string `toml:"transport"`
}

type GossipConfig struct {
	BindAddr      string        `toml:"bind_addr"`
	BindPort      int           `toml:"bind_port"`
	Seeds         []string      `toml:"seeds"`
	ProbeInterval time.Duration `toml:"probe_interval"`
	ProbeTimeout  time.Duration `toml:"probe_timeout"`
}

type MetricsConfig struct {
	StatsdAddr string `toml:"statsd_addr"`
	Prefix     string `toml:"prefix"`
}

type PlacementConfig struct {
	DefaultStrategy  string            `toml:"default_strategy"`
	RequiredMetadata map[string]string `toml:"required_metadata"`
	PreferredKeys    []string          `toml:"preferred_keys"`
	PreferredMin     int               `toml:"preferred_min"`
	ExcludeSilos     []string          `toml:"exclude_silos"`
}

type Config struct {
	LogLevel  string          `toml:"log_level"`
	Silo      SiloConfig      `toml:"silo"`
	Directory DirectoryConfig `toml:"directory"`
	WAL       WALConfig       `toml:"wal"`
	ZooKeeper ZooKeeperConfig `toml:"zookeeper"`
	Etcd      EtcdConfig      `toml:"etcd"`
	Postgres  PostgresConfig  `toml:"postgres"`
	DynamoDB  DynamoDBConfig  `toml:"dynamodb"`
	Stats     StatsConfig     `toml:"stats"`
	Gossip    GossipConfig    `toml:"gossip"`
	Metrics   MetricsConfig   `toml:"metrics"`
	Placement PlacementConfig `toml:"placement"`
}

func Default() Config {
	return Config{
		LogLevel: "info",
		Silo:     SiloConfig{Host: "localhost", Port: 11111},
		Directory: DirectoryConfig{
			Backend:     BackendMemory,
			Parallelism: 4,
			OpTimeout:   5 * time.Second,
		},
		WAL:       WALConfig{Dir: "/tmp/graindir", CheckpointEntries: 10000},
		ZooKeeper: ZooKeeperConfig{Servers: []string{"localhost:2181"}, Root: "/graindir"},
		Etcd:      EtcdConfig{Endpoints: []string{"localhost:2379"}, Prefix: "/graindir", DialTimeout: 5 * time.Second},
		Postgres:  PostgresConfig{Table: "grain_directory"},
		DynamoDB:  DynamoDBConfig{Region: "us-east-1", Table: "grain_directory"},
		Stats: StatsConfig{
			PublishInterval: 2 * time.Second,
			TTL:             10 * time.Second,
			Shedding:        true,
			CPUThreshold:    90,
			MemoryThreshold: 0.95,
			Transport:       TransportGossip,
		},
		Gossip:    GossipConfig{BindPort: 7946},
		Metrics:   MetricsConfig{Prefix: "graindir."},
		Placement: PlacementConfig{DefaultStrategy: string(placement.ActivationCountBased), PreferredMin: 1},
	}
}

// Load builds the configuration. path may be empty.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return Config{}, fmt.Errorf("load config %s: %w", path, err)
		}
	}
	if err := ApplyEnv(&cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Parse decodes TOML text over the defaults, without environment overrides.
func Parse(data string) (Config, error) {
	cfg := Default()
	if _, err := toml.Decode(data, &cfg); err != nil {
		return Config{}, err
	}
	return cfg, cfg.Validate()
}

func (c Config) Validate() error {
	switch c.Directory.Backend {
	case BackendMemory, BackendZooKeeper, BackendEtcd, BackendPostgres, BackendDynamoDB, BackendWAL:
	default:
		return fmt.Errorf("unknown directory backend %q", c.Directory.Backend)
	}
	if c.Directory.Backend == BackendPostgres && c.Postgres.DSN == "" {
		return errors.New("postgres backend needs a dsn")
	}
	if c.Directory.Backend == BackendWAL && c.WAL.Dir == "" {
		return errors.New("wal backend needs a directory")
	}
	switch c.Stats.Transport {
	case TransportGossip, TransportGrpc:
	default:
		return fmt.Errorf("unknown statistics transport %q", c.Stats.Transport)
	}
	if _, err := placement.ParseStrategy(c.Placement.DefaultStrategy); err != nil {
		return fmt.Errorf("default strategy %q: %w", c.Placement.DefaultStrategy, err)
	}
	if c.Stats.CPUThreshold < 0 || c.Stats.CPUThreshold > 100 {
		return fmt.Errorf("cpu threshold %v out of range", c.Stats.CPUThreshold)
	}
	if c.Stats.MemoryThreshold < 0 || c.Stats.MemoryThreshold > 1 {
		return fmt.Errorf("memory threshold %v out of range", c.Stats.MemoryThreshold)
	}
	return nil
}

// env lists the settings that can be overridden from the environment. Unset
// variables leave the loaded value alone.
type env struct {
	LogLevel        string        `envconfig:"GRAINDIR_LOG_LEVEL"`
	Host            string        `envconfig:"GRAINDIR_SILO_HOST"`
	Port            uint16        `envconfig:"GRAINDIR_SILO_PORT"`
	Generation      int64         `envconfig:"GRAINDIR_SILO_GENERATION"`
	Backend         string        `envconfig:"GRAINDIR_DIRECTORY_BACKEND"`
	MaxBatchSize    int           `envconfig:"GRAINDIR_DIRECTORY_MAX_BATCH_SIZE"`
	Parallelism     int           `envconfig:"GRAINDIR_DIRECTORY_PARALLELISM"`
	OpTimeout       time.Duration `envconfig:"GRAINDIR_DIRECTORY_OP_TIMEOUT"`
	WALDir          string        `envconfig:"GRAINDIR_WAL_DIR"`
	ZkServers       []string      `envconfig:"GRAINDIR_ZK_SERVERS"`
	EtcdEndpoints   []string      `envconfig:"GRAINDIR_ETCD_ENDPOINTS"`
	PostgresDSN     string        `envconfig:"GRAINDIR_PG_DSN"`
	DynamoRegion    string        `envconfig:"GRAINDIR_DYNAMODB_REGION"`
	DynamoTable     string        `envconfig:"GRAINDIR_DYNAMODB_TABLE"`
	PublishInterval time.Duration `envconfig:"GRAINDIR_STATS_PUBLISH_INTERVAL"`
	StatsTTL        time.Duration `envconfig:"GRAINDIR_STATS_TTL"`
	Shedding        string        `envconfig:"GRAINDIR_STATS_SHEDDING"`
	StatsTransport  string        `envconfig:"GRAINDIR_STATS_TRANSPORT"`
	GossipPort      int           `envconfig:"GRAINDIR_GOSSIP_PORT"`
	GossipSeeds     []string      `envconfig:"GRAINDIR_GOSSIP_SEEDS"`
	StatsdAddr      string        `envconfig:"GRAINDIR_STATSD_ADDR"`
	DefaultStrategy string        `envconfig:"GRAINDIR_PLACEMENT_STRATEGY"`
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func setStrings(dst *[]string, v []string) {
	if len(v) > 0 {
		*dst = v
	}
}

func setDuration(dst *time.Duration, v time.Duration) {
	if v != 0 {
		*dst = v
	}
}

func setInt(dst *int, v int) {
	if v != 0 {
		*dst = v
	}
}

// ApplyEnv overrides cfg with GRAINDIR_* environment variables.
func ApplyEnv(cfg *Config) error {
	var e env
	if err := envconfig.InitWithOptions(&e, envconfig.Options{AllOptional: true}); err != nil {
		return fmt.Errorf("read environment: %w", err)
	}
	setString(&cfg.LogLevel, e.LogLevel)
	setString(&cfg.Silo.Host, e.Host)
	if e.Port != 0 {
		cfg.Silo.Port = e.Port
	}
	if e.Generation != 0 {
		cfg.Silo.Generation = e.Generation
	}
	setString(&cfg.Directory.Backend, e.Backend)
	setInt(&cfg.Directory.MaxBatchSize, e.MaxBatchSize)
	setInt(&cfg.Directory.Parallelism, e.Parallelism)
	setDuration(&cfg.Directory.OpTimeout, e.OpTimeout)
	setString(&cfg.WAL.Dir, e.WALDir)
	setStrings(&cfg.ZooKeeper.Servers, e.ZkServers)
	setStrings(&cfg.Etcd.Endpoints, e.EtcdEndpoints)
	setString(&cfg.Postgres.DSN, e.PostgresDSN)
	setString(&cfg.DynamoDB.Region, e.DynamoRegion)
	setString(&cfg.DynamoDB.Table, e.DynamoTable)
	setDuration(&cfg.Stats.PublishInterval, e.PublishInterval)
	setDuration(&cfg.Stats.TTL, e.StatsTTL)
	if e.Shedding != "" {
		b, err := strconv.ParseBool(strings.TrimSpace(e.Shedding))
		if err != nil {
			return fmt.Errorf("GRAINDIR_STATS_SHEDDING: %w", err)
		}
		cfg.Stats.Shedding = b
	}
	setString(&cfg.Stats.Transport, e.StatsTransport)
	setInt(&cfg.Gossip.BindPort, e.GossipPort)
	setStrings(&cfg.Gossip.Seeds, e.GossipSeeds)
	setString(&cfg.Metrics.StatsdAddr, e.StatsdAddr)
	setString(&cfg.Placement.DefaultStrategy, e.DefaultStrategy)
	return nil
}
