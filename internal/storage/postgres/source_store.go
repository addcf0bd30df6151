// Package postgres provides Postgres-backed repository implementations.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JuctTr/investment-research/internal/harvest"
)

// dbPool is the subset of pgxpool.Pool the stores use; pgxmock satisfies
// it in tests.
type dbPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
	Close()
}

// PoolConfig controls the shared Postgres connection pool.
type PoolConfig struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

// NewPool creates a pgx connection pool from the config.
func NewPool(ctx context.Context, cfg PoolConfig) (*pgxpool.Pool, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("storage.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return pool, nil
}

// SourceStore persists sources in Postgres. It assumes a table schema like:
//
//	CREATE TABLE sources (
//		id UUID PRIMARY KEY,
//		name TEXT NOT NULL,
//		category TEXT NOT NULL,
//		url TEXT NOT NULL,
//		enabled BOOLEAN NOT NULL DEFAULT TRUE,
//		fetch_interval_seconds BIGINT NOT NULL,
//		last_fetch_at TIMESTAMPTZ,
//		auth_config JSONB,
//		consecutive_failures INT NOT NULL DEFAULT 0,
//		max_consecutive_failures INT NOT NULL DEFAULT 0,
//		last_failure_at TIMESTAMPTZ,
//		last_success_at TIMESTAMPTZ,
//		health_status TEXT NOT NULL DEFAULT 'HEALTHY',
//		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
//		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
//	);
type SourceStore struct {
	pool dbPool
}

// NewSourceStore constructs a store over an existing pool.
func NewSourceStore(pool dbPool) (*SourceStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &SourceStore{pool: pool}, nil
}

const sourceColumns = `id, name, category, url, enabled, fetch_interval_seconds,
	last_fetch_at, auth_config, consecutive_failures, max_consecutive_failures,
	last_failure_at, last_success_at, health_status, created_at, updated_at`

// Create inserts a new source row.
func (s *SourceStore) Create(ctx context.Context, source harvest.Source) error {
	authJSON, err := json.Marshal(source.AuthConfig)
	if err != nil {
		return fmt.Errorf("marshal auth config: %w", err)
	}
	query := `
		INSERT INTO sources (id, name, category, url, enabled, fetch_interval_seconds,
			auth_config, max_consecutive_failures, health_status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NOW(), NOW())`
	_, err = s.pool.Exec(ctx, query,
		source.ID,
		source.Name,
		string(source.Category),
		source.URL,
		source.Enabled,
		int64(source.FetchInterval/time.Second),
		authJSON,
		source.MaxConsecutiveFailures,
		string(source.HealthStatus),
	)
	if err != nil {
		return fmt.Errorf("insert source: %w", err)
	}
	return nil
}

// Get loads one source or harvest.ErrSourceNotFound.
func (s *SourceStore) Get(ctx context.Context, id string) (harvest.Source, error) {
	query := fmt.Sprintf(`SELECT %s FROM sources WHERE id = $1`, sourceColumns)
	source, err := scanSource(s.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return harvest.Source{}, harvest.ErrSourceNotFound
		}
		return harvest.Source{}, fmt.Errorf("get source: %w", err)
	}
	return source, nil
}

// FindEnabled returns enabled sources ordered by lastFetchAt ascending,
// with never-fetched sources first.
func (s *SourceStore) FindEnabled(ctx context.Context) ([]harvest.Source, error) {
	query := fmt.Sprintf(
		`SELECT %s FROM sources WHERE enabled ORDER BY last_fetch_at ASC NULLS FIRST, id ASC`,
		sourceColumns)
	return s.querySources(ctx, query)
}

// FindDisabled returns paused sources for the recovery sweep.
func (s *SourceStore) FindDisabled(ctx context.Context) ([]harvest.Source, error) {
	query := fmt.Sprintf(`SELECT %s FROM sources WHERE NOT enabled ORDER BY id ASC`, sourceColumns)
	return s.querySources(ctx, query)
}

// List returns every source.
func (s *SourceStore) List(ctx context.Context) ([]harvest.Source, error) {
	query := fmt.Sprintf(`SELECT %s FROM sources ORDER BY id ASC`, sourceColumns)
	return s.querySources(ctx, query)
}

// Update applies a partial patch to a source row.
func (s *SourceStore) Update(ctx context.Context, id string, patch harvest.SourcePatch) error {
	sets := []string{"updated_at = NOW()"}
	args := []any{id}
	add := func(column string, value any) {
		args = append(args, value)
		sets = append(sets, fmt.Sprintf("%s = $%d", column, len(args)))
	}

	if patch.Name != nil {
		add("name", *patch.Name)
	}
	if patch.URL != nil {
		add("url", *patch.URL)
	}
	if patch.Enabled != nil {
		add("enabled", *patch.Enabled)
	}
	if patch.FetchInterval != nil {
		add("fetch_interval_seconds", int64(*patch.FetchInterval/time.Second))
	}
	if patch.LastFetchAt != nil {
		add("last_fetch_at", *patch.LastFetchAt)
	}
	if patch.ConsecutiveFailures != nil {
		add("consecutive_failures", *patch.ConsecutiveFailures)
	}
	if patch.LastFailureAt != nil {
		add("last_failure_at", *patch.LastFailureAt)
	}
	if patch.LastSuccessAt != nil {
		add("last_success_at", *patch.LastSuccessAt)
	}
	if patch.HealthStatus != nil {
		add("health_status", string(*patch.HealthStatus))
	}

	query := fmt.Sprintf(`UPDATE sources SET %s WHERE id = $1`, strings.Join(sets, ", "))
	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update source: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return harvest.ErrSourceNotFound
	}
	return nil
}

func (s *SourceStore) querySources(ctx context.Context, query string, args ...any) ([]harvest.Source, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query sources: %w", err)
	}
	defer rows.Close()

	var out []harvest.Source
	for rows.Next() {
		source, err := scanSource(rows)
		if err != nil {
			return nil, fmt.Errorf("scan source row: %w", err)
		}
		out = append(out, source)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate source rows: %w", err)
	}
	return out, nil
}

func scanSource(row pgx.Row) (harvest.Source, error) {
	var (
		source          harvest.Source
		category        string
		health          string
		intervalSeconds int64
		authJSON        []byte
	)
	err := row.Scan(
		&source.ID,
		&source.Name,
		&category,
		&source.URL,
		&source.Enabled,
		&intervalSeconds,
		&source.LastFetchAt,
		&authJSON,
		&source.ConsecutiveFailures,
		&source.MaxConsecutiveFailures,
		&source.LastFailureAt,
		&source.LastSuccessAt,
		&health,
		&source.CreatedAt,
		&source.UpdatedAt,
	)
	if err != nil {
		return harvest.Source{}, err
	}
	source.Category = harvest.SourceCategory(category)
	source.HealthStatus = harvest.HealthStatus(health)
	source.FetchInterval = time.Duration(intervalSeconds) * time.Second
	if len(authJSON) > 0 {
		if err := json.Unmarshal(authJSON, &source.AuthConfig); err != nil {
			return harvest.Source{}, fmt.Errorf("unmarshal auth config: %w", err)
		}
	}
	return source, nil
}
