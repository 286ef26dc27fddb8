// Silo process of the grain directory.
// A silo owns a directory client for the configured backend, publishes its load
// statistics, follows cluster membership and answers peers over gRPC.

package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/eyeKill/graindir/common"
	"github.com/eyeKill/graindir/config"
	"github.com/eyeKill/graindir/directory"
	"github.com/eyeKill/graindir/gossip"
	"github.com/eyeKill/graindir/loadstats"
	"github.com/eyeKill/graindir/membership"
	"github.com/eyeKill/graindir/membership/zkfeed"
	"github.com/eyeKill/graindir/metrics"
	"github.com/eyeKill/graindir/placement"
	"github.com/eyeKill/graindir/siloapi"
	"github.com/samuel/go-zookeeper/zk"
	"go.uber.org/zap"
	"google.golang.org/grpc"
)

var (
	configPath = flag.String("config", "", "Path of the TOML configuration file")
	hostname   = flag.String("hostname", "", "The silo's hostname, overrides the configuration")
	port       = flag.Int("port", 0, "The silo's gRPC port, overrides the configuration")
)

const eventBufSize = 256

var (
	log    *zap.Logger
	server *grpc.Server
	cancel context.CancelFunc

	closeOnce sync.Once
	closersMu sync.Mutex
	closers   []closer
)

type closer struct {
	name  string
	close func() error
}

// addCloser registers a resource to release on shutdown, in reverse order.
func addCloser(name string, f func() error) {
	closersMu.Lock()
	defer closersMu.Unlock()
	closers = append(closers, closer{name: name, close: f})
}

func shutdown() {
	closeOnce.Do(release)
}

func release() {
	if cancel != nil {
		log.Info("Sending stop to background loops...")
		cancel()
	}
	if server != nil {
		log.Info("Gracefully stopping gRPC server...")
		server.GracefulStop()
	}
	closersMu.Lock()
	defer closersMu.Unlock()
	for i := len(closers) - 1; i >= 0; i-- {
		log.Info("Closing "+closers[i].name+"...")
		if err := closers[i].close(); err != nil {
			log.Warn("Failed to close.", zap.String("name", closers[i].name), zap.Error(err))
		}
	}
	closers = nil
}

// handle ctrl-c gracefully
func setupCloseHandler() {
	c := make(chan os.Signal, 1)
	signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-c
		log.Info("Ctrl-C captured.")
		shutdown()
		os.Exit(1)
	}()
}

func loadConfig() config.Config {
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal("Failed to load configuration.", zap.Error(err))
	}
	if *hostname != "" {
		cfg.Silo.Host = *hostname
	}
	if *port != 0 {
		cfg.Silo.Port = uint16(*port)
	}
	if err := common.SetLevel(cfg.LogLevel); err != nil {
		log.Warn("Ignoring log level.", zap.String("level", cfg.LogLevel), zap.Error(err))
	}
	return cfg
}

// needsZk reports whether any component of cfg talks to zookeeper.
func needsZk(cfg config.Config) bool {
	return cfg.Directory.Backend == config.BackendZooKeeper || cfg.Stats.Transport == config.TransportGrpc
}

func allocateGeneration(cfg config.Config, conn *zk.Conn) int64 {
	if cfg.Silo.Generation != 0 {
		return cfg.Silo.Generation
	}
	if conn != nil {
		gen, err := zkfeed.AllocateGeneration(conn, cfg.ZooKeeper.Root)
		if err == nil {
			return gen
		}
		log.Warn("Failed to allocate generation from zookeeper, using clock.", zap.Error(err))
	}
	return time.Now().UnixNano()
}

func newMetrics(cfg config.Config, silo common.SiloAddress) metrics.Metrics {
	if cfg.Metrics.StatsdAddr == "" {
		return metrics.Noop
	}
	m := metrics.NewStatsd(silo.String(), cfg.Metrics.Prefix, cfg.Metrics.StatsdAddr)
	addCloser("statsd client", m.Close)
	return m
}

func placementFilters(cfg config.Config, view *membership.View) *placement.FilterChain {
	var strategies []placement.FilterStrategy
	if len(cfg.Placement.RequiredMetadata) > 0 {
		strategies = append(strategies, placement.RequiredMetadata{Metadata: cfg.Placement.RequiredMetadata})
	}
	if len(cfg.Placement.ExcludeSilos) > 0 {
		var silos []common.SiloAddress
		for _, s := range cfg.Placement.ExcludeSilos {
			silo, err := common.ParseSiloAddress(s)
			if err != nil {
				log.Fatal("Invalid excluded silo.", zap.String("silo", s), zap.Error(err))
			}
			silos = append(silos, silo)
		}
		strategies = append(strategies, placement.ExcludeSilos{Silos: silos})
	}
	if len(cfg.Placement.PreferredKeys) > 0 {
		strategies = append(strategies, placement.PreferredMetadata{
			Keys:          cfg.Placement.PreferredKeys,
			MinCandidates: cfg.Placement.PreferredMin,
		})
	}
	if len(strategies) == 0 {
		return nil
	}
	return placement.NewFilterChain(placement.NewMetadataFilterDirector(view.LocalSilo(), view), strategies...)
}

// startTransport wires statistics dissemination and the membership feed.
func startTransport(ctx context.Context, cfg config.Config, conn *zk.Conn, silo common.SiloAddress,
	registry *loadstats.Registry, view *membership.View, events chan membership.Event) {
	switch cfg.Stats.Transport {
	case config.TransportGossip:
		g, err := gossip.New(gossip.Config{
			BindAddr:      cfg.Gossip.BindAddr,
			BindPort:      cfg.Gossip.BindPort,
			ProbeInterval: cfg.Gossip.ProbeInterval,
			ProbeTimeout:  cfg.Gossip.ProbeTimeout,
			Seeds:         cfg.Gossip.Seeds,
		}, gossip.NodeMeta{Silo: silo, Metadata: cfg.Silo.Metadata}, registry, events)
		if err != nil {
			log.Fatal("Failed to start gossip.", zap.Error(err))
		}
		addCloser("gossip", func() error { return g.Leave(time.Second) })
		if err := g.Join(); err != nil {
			log.Fatal("Failed to join cluster.", zap.Error(err))
		}
	case config.TransportGrpc:
		if _, err := zkfeed.Register(conn, cfg.ZooKeeper.Root, zkfeed.SiloNode{Silo: silo, Metadata: cfg.Silo.Metadata}); err != nil {
			log.Fatal("Failed to register to zookeeper.", zap.Error(err))
		}
		pusher := siloapi.NewPeerPusher(silo, view)
		addCloser("peer clients", func() error { pusher.Close(); return nil })
		registry.SetBroadcaster(pusher)
		go func() {
			if err := zkfeed.NewFeed(conn, cfg.ZooKeeper.Root).Watch(ctx, events); err != nil {
				log.Error("Membership watch stopped.", zap.Error(err))
			}
		}()
		go func() {
			interval := cfg.Stats.TTL
			if interval <= 0 {
				interval = loadstats.DEFAULT_PUBLISH_INTERVAL
			}
			ticker := time.NewTicker(interval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					pusher.Prune()
				}
			}
		}()
	}
}

func main() {
	log = common.Log()
	setupCloseHandler()
	flag.Parse()
	cfg := loadConfig()

	var ctx context.Context
	ctx, cancel = context.WithCancel(context.Background())
	defer shutdown()

	var conn *zk.Conn
	if needsZk(cfg) {
		var err error
		conn, err = common.ConnectToZk(cfg.ZooKeeper.Servers)
		if err != nil {
			log.Fatal("Failed to connect to zookeeper.", zap.Error(err))
		}
		addCloser("zookeeper connection", func() error { conn.Close(); return nil })
		log.Info("Connected to zookeeper.", zap.String("server", conn.Server()))
	}

	silo := common.NewSiloAddress(cfg.Silo.Host, cfg.Silo.Port, allocateGeneration(cfg, conn))
	log = log.With(zap.Stringer("silo", silo))
	m := newMetrics(cfg, silo)

	store, err := openStore(ctx, cfg, conn)
	if err != nil {
		log.Fatal("Failed to open directory store.", zap.String("backend", cfg.Directory.Backend), zap.Error(err))
	}
	activations := loadstats.NewActivationCounter(silo)
	dir := directory.New(store,
		directory.WithMaxBatchSize(cfg.Directory.MaxBatchSize),
		directory.WithParallelism(cfg.Directory.Parallelism),
		directory.WithOpTimeout(cfg.Directory.OpTimeout),
		directory.WithMetrics(m),
		directory.WithObserver(activations),
	)
	log.Info("Directory ready.", zap.String("backend", cfg.Directory.Backend),
		zap.Stringer("cleanup", dir.CleanupPolicy()))

	policy := loadstats.SheddingPolicy{
		Enabled:         cfg.Stats.Shedding,
		CPUThreshold:    cfg.Stats.CPUThreshold,
		MemoryThreshold: cfg.Stats.MemoryThreshold,
	}
	registry := loadstats.NewRegistry(silo, loadstats.WithTTL(cfg.Stats.TTL), loadstats.WithPolicy(policy))

	view := membership.NewView(silo)
	view.Apply(membership.Event{Silo: silo, Status: membership.Active, Metadata: cfg.Silo.Metadata})
	consumer := membership.NewConsumer(view, dir, registry)
	events := make(chan membership.Event, eventBufSize)
	go consumer.Run(ctx, events)
	startTransport(ctx, cfg, conn, silo, registry, view, events)

	publisher := loadstats.NewPublisher(registry, loadstats.NewSystemSampler(), activations, cfg.Stats.PublishInterval)
	publisher.SetMetrics(m)
	go publisher.Run(ctx)

	strategy, _ := placement.ParseStrategy(cfg.Placement.DefaultStrategy)
	manager := placement.NewDefaultManager(view, registry, time.Now().UnixNano(),
		placement.WithDefaultStrategy(strategy),
		placement.WithFilters(placementFilters(cfg, view)),
		placement.WithManagerMetrics(m),
	)

	// open tcp socket
	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.Silo.Port))
	if err != nil {
		log.Fatal("Failed to listen to port.", zap.Uint16("port", cfg.Silo.Port), zap.Error(err))
	}
	// create, register & start gRPC server
	api := siloapi.NewServer(dir, registry)
	api.SetPlacer(manager)
	server = common.NewGrpcServer()
	siloapi.RegisterSiloServer(server, api)
	log.Info("Silo started.", zap.String("addr", listener.Addr().String()))
	if err := server.Serve(listener); err != nil {
		log.Error("gRPC server raised error.", zap.Error(err))
	}
}
