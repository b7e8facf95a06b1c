package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/liuxiao2015/gamecore/internal/store/migrations"
)

// Postgres wraps a pgx connection pool. It backs the document store, the
// account repository and the compensation record repository.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres connects to PostgreSQL and verifies connectivity.
func NewPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connecting to database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

// Close closes the connection pool.
func (p *Postgres) Close() {
	p.pool.Close()
}

// Pool returns the underlying pgx pool for repositories.
func (p *Postgres) Pool() *pgxpool.Pool {
	return p.pool
}

// RunMigrations applies the embedded goose migrations against dsn.
func RunMigrations(ctx context.Context, dsn string) error {
	sqlDB, err := sql.Open("pgx", dsn)
	if err != nil {
		return fmt.Errorf("opening sql connection for migrations: %w", err)
	}
	defer sqlDB.Close()

	goose.SetBaseFS(migrations.FS)
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("setting goose dialect: %w", err)
	}
	if err := goose.UpContext(ctx, sqlDB, "."); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}
	return nil
}

// DocumentStore persists entity state documents in the entity_states table.
// One row per (system, entity id); the document is an opaque JSON blob owned
// by the actor runtime's loader/saver.
type DocumentStore struct {
	pool *pgxpool.Pool
}

var _ Documents = (*DocumentStore)(nil)

// NewDocumentStore creates a document store on the given pool.
func NewDocumentStore(pool *pgxpool.Pool) *DocumentStore {
	return &DocumentStore{pool: pool}
}

func (s *DocumentStore) Load(ctx context.Context, system, id string) ([]byte, bool, error) {
	var doc []byte
	err := s.pool.QueryRow(ctx,
		`SELECT state FROM entity_states WHERE system = $1 AND entity_id = $2`,
		system, id,
	).Scan(&doc)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("loading state %s/%s: %w", system, id, err)
	}
	return doc, true, nil
}

func (s *DocumentStore) Save(ctx context.Context, system, id string, doc []byte) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO entity_states (system, entity_id, state, updated_at)
		 VALUES ($1, $2, $3, now())
		 ON CONFLICT (system, entity_id)
		 DO UPDATE SET state = EXCLUDED.state, updated_at = now()`,
		system, id, doc,
	)
	if err != nil {
		return fmt.Errorf("saving state %s/%s: %w", system, id, err)
	}
	return nil
}

func (s *DocumentStore) Delete(ctx context.Context, system, id string) error {
	_, err := s.pool.Exec(ctx,
		`DELETE FROM entity_states WHERE system = $1 AND entity_id = $2`,
		system, id,
	)
	if err != nil {
		return fmt.Errorf("deleting state %s/%s: %w", system, id, err)
	}
	return nil
}
