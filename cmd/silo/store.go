package main

import (
	"context"
	"fmt"

	"github.com/eyeKill/graindir/config"
	"github.com/eyeKill/graindir/directory"
	"github.com/eyeKill/graindir/store/dynamostore"
	"github.com/eyeKill/graindir/store/etcdstore"
	"github.com/eyeKill/graindir/store/memstore"
	"github.com/eyeKill/graindir/store/pgstore"
	"github.com/eyeKill/graindir/store/walstore"
	"github.com/eyeKill/graindir/store/zkstore"
	"github.com/samuel/go-zookeeper/zk"
	"go.uber.org/zap"
)

// openStore builds the backend named in cfg. conn is only used by the
// zookeeper backend and may be nil otherwise.
func openStore(ctx context.Context, cfg config.Config, conn *zk.Conn) (directory.Store, error) {
	batch := cfg.Directory.MaxBatchSize
	switch cfg.Directory.Backend {
	case config.BackendMemory:
		opts := []memstore.Option{}
		if batch > 0 {
			opts = append(opts, memstore.WithMaxBatchSize(batch))
		}
		return memstore.New(opts...), nil
	case config.BackendWAL:
		s, err := walstore.Open(cfg.WAL.Dir,
			walstore.WithMaxBatchSize(batch),
			walstore.WithCheckpointEvery(cfg.WAL.CheckpointEntries))
		if err != nil {
			return nil, err
		}
		addCloser("write-ahead log", func() error {
			if err := s.Checkpoint(); err != nil {
				log.Warn("Failed to checkpoint before closing.", zap.Error(err))
			}
			return s.Close()
		})
		return s, nil
	case config.BackendZooKeeper:
		if conn == nil {
			return nil, fmt.Errorf("zookeeper backend without a connection")
		}
		return zkstore.New(conn, cfg.ZooKeeper.Root, batch)
	case config.BackendEtcd:
		clnt, err := etcdstore.Connect(etcdstore.Config{
			Endpoints:   cfg.Etcd.Endpoints,
			DialTimeout: cfg.Etcd.DialTimeout,
		})
		if err != nil {
			return nil, err
		}
		addCloser("etcd client", clnt.Close)
		log.Info("Connected to etcd.", zap.Strings("endpoints", cfg.Etcd.Endpoints))
		return etcdstore.New(clnt, cfg.Etcd.Prefix, batch), nil
	case config.BackendPostgres:
		pool, err := pgstore.NewPool(ctx, cfg.Postgres.DSN)
		if err != nil {
			return nil, err
		}
		addCloser("postgres pool", func() error { pool.Close(); return nil })
		s := pgstore.New(pool, cfg.Postgres.Table, batch)
		if err := s.EnsureSchema(ctx); err != nil {
			return nil, err
		}
		log.Info("Connected to postgres.", zap.String("table", cfg.Postgres.Table))
		return s, nil
	case config.BackendDynamoDB:
		clnt, err := dynamostore.NewClient(ctx, cfg.DynamoDB.Region)
		if err != nil {
			return nil, err
		}
		return dynamostore.New(clnt, cfg.DynamoDB.Table, batch), nil
	}
	return nil, fmt.Errorf("unknown directory backend %q", cfg.Directory.Backend)
}
