// Package pgstore keeps directory records in a Postgres table keyed by grain id.
package pgstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/Masterminds/squirrel"
	"github.com/eyeKill/graindir/common"
	"github.com/eyeKill/graindir/directory"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	DEFAULT_TABLE          = "grain_directory"
	DEFAULT_MAX_BATCH_SIZE = 500
)

var columns = []string{
	"grain_id", "activation_id", "silo_host", "silo_port", "silo_generation", "membership_version",
}

// DB is the subset of pgxpool.Pool the store needs.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type Store struct {
	db       DB
	table    string
	maxBatch int
}

var _ directory.Store = (*Store)(nil)

func NewPool(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to parse pgx config: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping db: %w", err)
	}
	return pool, nil
}

func New(db DB, table string, maxBatch int) *Store {
	if table == "" {
		table = DEFAULT_TABLE
	}
	if maxBatch <= 0 {
		maxBatch = DEFAULT_MAX_BATCH_SIZE
	}
	return &Store{db: db, table: table, maxBatch: maxBatch}
}

func (s *Store) EnsureSchema(ctx context.Context) error {
	sql := fmt.Sprintf(`
	create table if not exists %[1]s (
		grain_id text primary key,
		activation_id text not null,
		silo_host text not null,
		silo_port integer not null,
		silo_generation bigint not null,
		membership_version bigint not null
	);
	create index if not exists %[1]s_silo_idx on %[1]s (silo_host, silo_port, silo_generation);
	`, pgx.Identifier{s.table}.Sanitize())
	if _, err := s.db.Exec(ctx, sql); err != nil {
		return classify("pg ensure schema", err)
	}
	return nil
}

func (s *Store) builder() squirrel.StatementBuilderType {
	return squirrel.StatementBuilder.PlaceholderFormat(squirrel.Dollar)
}

func (s *Store) InsertQuery(address common.GrainAddress) (string, []any, error) {
	return s.builder().Insert(s.table).
		Columns(columns...).
		Values(
			address.GrainId.String(),
			address.ActivationId.String(),
			address.SiloAddress.Host,
			int32(address.SiloAddress.Port),
			address.SiloAddress.Generation,
			int64(address.MembershipVersion),
		).
		Suffix("ON CONFLICT (grain_id) DO NOTHING").
		ToSql()
}

func (s *Store) DeleteManyQuery(addresses []common.GrainAddress) (string, []any, error) {
	or := make(squirrel.Or, 0, len(addresses))
	for _, addr := range addresses {
		or = append(or, squirrel.And{
			squirrel.Eq{"grain_id": addr.GrainId.String()},
			squirrel.Eq{"activation_id": addr.ActivationId.String()},
		})
	}
	return s.builder().Delete(s.table).Where(or).ToSql()
}

func (s *Store) DeleteBySiloQuery(silo common.SiloAddress) (string, []any, error) {
	return s.builder().Delete(s.table).Where(squirrel.Eq{
		"silo_host":       silo.Host,
		"silo_port":       int32(silo.Port),
		"silo_generation": silo.Generation,
	}).ToSql()
}

func (s *Store) TryInsert(ctx context.Context, address common.GrainAddress) (bool, common.GrainAddress, error) {
	sql, args, err := s.InsertQuery(address)
	if err != nil {
		return false, common.GrainAddress{}, err
	}
	tag, err := s.db.Exec(ctx, sql, args...)
	if err != nil {
		return false, common.GrainAddress{}, classify("pg insert", err)
	}
	if tag.RowsAffected() == 1 {
		return true, address, nil
	}
	winner, found, err := s.Lookup(ctx, address.GrainId)
	if err != nil || !found {
		// a vanished winner is reported as zero, the directory re-reads
		return false, common.GrainAddress{}, err
	}
	return false, winner, nil
}

func (s *Store) Lookup(ctx context.Context, grain common.GrainId) (common.GrainAddress, bool, error) {
	sql, args, err := s.builder().Select(columns...).From(s.table).
		Where(squirrel.Eq{"grain_id": grain.String()}).ToSql()
	if err != nil {
		return common.GrainAddress{}, false, err
	}
	var (
		grainId, activationId, host string
		port                        int32
		generation, version         int64
	)
	err = s.db.QueryRow(ctx, sql, args...).Scan(&grainId, &activationId, &host, &port, &generation, &version)
	if errors.Is(err, pgx.ErrNoRows) {
		return common.GrainAddress{}, false, nil
	}
	if err != nil {
		return common.GrainAddress{}, false, classify("pg lookup", err)
	}
	parsed, err := common.ParseGrainId(grainId)
	if err != nil {
		return common.GrainAddress{}, false, err
	}
	return common.GrainAddress{
		GrainId:           parsed,
		ActivationId:      common.ActivationId(activationId),
		SiloAddress:       common.NewSiloAddress(host, uint16(port), generation),
		MembershipVersion: common.MembershipVersion(version),
	}, true, nil
}

func (s *Store) CompareAndDelete(ctx context.Context, address common.GrainAddress) (bool, error) {
	sql, args, err := s.builder().Delete(s.table).Where(squirrel.Eq{
		"grain_id":      address.GrainId.String(),
		"activation_id": address.ActivationId.String(),
	}).ToSql()
	if err != nil {
		return false, err
	}
	tag, err := s.db.Exec(ctx, sql, args...)
	if err != nil {
		return false, classify("pg delete", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *Store) DeleteMany(ctx context.Context, addresses []common.GrainAddress) error {
	if len(addresses) == 0 {
		return nil
	}
	sql, args, err := s.DeleteManyQuery(addresses)
	if err != nil {
		return err
	}
	if _, err := s.db.Exec(ctx, sql, args...); err != nil {
		return classify("pg delete many", err)
	}
	return nil
}

func (s *Store) DeleteBySilo(ctx context.Context, silo common.SiloAddress) error {
	sql, args, err := s.DeleteBySiloQuery(silo)
	if err != nil {
		return err
	}
	if _, err := s.db.Exec(ctx, sql, args...); err != nil {
		return classify("pg delete by silo", err)
	}
	return nil
}

func (s *Store) MaxBatchSize() int {
	return s.maxBatch
}

func (s *Store) SiloCleanupPolicy() directory.SiloCleanupPolicy {
	return directory.EagerCleanup
}
