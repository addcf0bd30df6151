package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/JuctTr/investment-research/internal/harvest"
)

// CookieStore persists cached sessions in Postgres. It assumes a table
// schema like:
//
//	CREATE TABLE cookies (
//		id UUID PRIMARY KEY,
//		value TEXT NOT NULL,
//		status TEXT NOT NULL DEFAULT 'ACTIVE',
//		expires_at TIMESTAMPTZ NOT NULL,
//		fail_count INT NOT NULL DEFAULT 0,
//		last_used_at TIMESTAMPTZ,
//		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
//	);
type CookieStore struct {
	pool dbPool
}

// NewCookieStore constructs a store over an existing pool.
func NewCookieStore(pool dbPool) (*CookieStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &CookieStore{pool: pool}, nil
}

// Create inserts a new cookie row.
func (s *CookieStore) Create(ctx context.Context, cookie harvest.Cookie) error {
	query := `
		INSERT INTO cookies (id, value, status, expires_at, fail_count, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`
	_, err := s.pool.Exec(ctx, query,
		cookie.ID,
		cookie.Value,
		string(cookie.Status),
		cookie.ExpiresAt,
		cookie.FailCount,
		cookie.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert cookie: %w", err)
	}
	return nil
}

// FindUsable selects the least-recently-used cookie satisfying the cookie
// invariant, or harvest.ErrNoCookie.
func (s *CookieStore) FindUsable(ctx context.Context, now time.Time, maxFailures int) (harvest.Cookie, error) {
	query := `
		SELECT id, value, status, expires_at, fail_count, last_used_at, created_at
		FROM cookies
		WHERE status = 'ACTIVE' AND expires_at > $1 AND fail_count < $2
		ORDER BY last_used_at ASC NULLS FIRST, created_at ASC
		LIMIT 1`

	var (
		cookie harvest.Cookie
		status string
	)
	err := s.pool.QueryRow(ctx, query, now, maxFailures).Scan(
		&cookie.ID,
		&cookie.Value,
		&status,
		&cookie.ExpiresAt,
		&cookie.FailCount,
		&cookie.LastUsedAt,
		&cookie.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return harvest.Cookie{}, harvest.ErrNoCookie
		}
		return harvest.Cookie{}, fmt.Errorf("find usable cookie: %w", err)
	}
	cookie.Status = harvest.CookieStatus(status)
	return cookie, nil
}

// Touch stamps the cookie's last-used time.
func (s *CookieStore) Touch(ctx context.Context, id string, usedAt time.Time) error {
	tag, err := s.pool.Exec(ctx, `UPDATE cookies SET last_used_at = $2 WHERE id = $1`, id, usedAt)
	if err != nil {
		return fmt.Errorf("touch cookie: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return harvest.ErrNoCookie
	}
	return nil
}

// MarkInvalid bumps the failure count and expires every cookie carrying
// the value.
func (s *CookieStore) MarkInvalid(ctx context.Context, value string) error {
	query := `UPDATE cookies SET fail_count = fail_count + 1, status = 'EXPIRED' WHERE value = $1`
	if _, err := s.pool.Exec(ctx, query, value); err != nil {
		return fmt.Errorf("mark cookie invalid: %w", err)
	}
	return nil
}

// PurgeExpired deletes expired or invalidated cookies.
func (s *CookieStore) PurgeExpired(ctx context.Context, now time.Time) (int, error) {
	query := `DELETE FROM cookies WHERE status = 'EXPIRED' OR expires_at <= $1`
	tag, err := s.pool.Exec(ctx, query, now)
	if err != nil {
		return 0, fmt.Errorf("purge cookies: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// Counts reports active and expired cookie totals.
func (s *CookieStore) Counts(ctx context.Context) (int, int, error) {
	query := `
		SELECT
			COUNT(*) FILTER (WHERE status = 'ACTIVE'),
			COUNT(*) FILTER (WHERE status = 'EXPIRED')
		FROM cookies`
	var active, expired int
	if err := s.pool.QueryRow(ctx, query).Scan(&active, &expired); err != nil {
		return 0, 0, fmt.Errorf("count cookies: %w", err)
	}
	return active, expired, nil
}
