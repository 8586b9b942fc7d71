// Package postgres provides Postgres-backed persistence implementations.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/meshboard/meshboard/internal/federation"
)

type dbPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close()
}

// InstanceStore implements federation.InstanceStore backed by Postgres.
// Assumed schema:
//
//	CREATE TABLE instances (
//	    id TEXT PRIMARY KEY,
//	    domain TEXT NOT NULL,
//	    pubkey TEXT NOT NULL,
//	    name TEXT NOT NULL DEFAULT '',
//	    version TEXT NOT NULL DEFAULT '',
//	    channel TEXT NOT NULL DEFAULT '',
//	    frequency DOUBLE PRECISION NOT NULL DEFAULT 0,
//	    latitude DOUBLE PRECISION NOT NULL DEFAULT 0,
//	    longitude DOUBLE PRECISION NOT NULL DEFAULT 0,
//	    signature TEXT NOT NULL DEFAULT '',
//	    is_private BOOLEAN NOT NULL DEFAULT FALSE,
//	    last_update_time BIGINT NOT NULL,
//	    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
//	);
type InstanceStore struct {
	pool  dbPool
	clock federation.Clock
}

// NewInstanceStore connects to Postgres and returns an InstanceStore.
func NewInstanceStore(ctx context.Context, dsn string, clock federation.Clock) (*InstanceStore, error) {
	if dsn == "" {
		return nil, fmt.Errorf("database dsn is required")
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &InstanceStore{pool: pool, clock: clock}, nil
}

// NewInstanceStoreWithPool constructs a store from an existing pool
// (primarily for testing).
func NewInstanceStoreWithPool(pool dbPool, clock federation.Clock) (*InstanceStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &InstanceStore{pool: pool, clock: clock}, nil
}

// Close closes the underlying connection pool.
func (s *InstanceStore) Close() {
	s.pool.Close()
}

const upsertSQL = `
	INSERT INTO instances
		(id, domain, pubkey, name, version, channel, frequency, latitude, longitude, signature, is_private, last_update_time)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	ON CONFLICT (id) DO UPDATE SET
		domain = EXCLUDED.domain,
		pubkey = EXCLUDED.pubkey,
		name = EXCLUDED.name,
		version = EXCLUDED.version,
		channel = EXCLUDED.channel,
		frequency = EXCLUDED.frequency,
		latitude = EXCLUDED.latitude,
		longitude = EXCLUDED.longitude,
		signature = EXCLUDED.signature,
		is_private = EXCLUDED.is_private,
		last_update_time = GREATEST(instances.last_update_time, EXCLUDED.last_update_time)
`

// Upsert creates or refreshes one record in a single statement. The GREATEST
// guard keeps last_update_time monotonic per id even when announcements
// arrive out of order, and created_at is never touched on conflict.
func (s *InstanceStore) Upsert(ctx context.Context, rec federation.InstanceRecord) error {
	_, err := s.pool.Exec(ctx, upsertSQL,
		rec.ID,
		rec.Domain,
		rec.PubKey,
		rec.Name,
		rec.Version,
		rec.Channel,
		rec.Frequency,
		rec.Latitude,
		rec.Longitude,
		rec.Signature,
		rec.IsPrivate,
		rec.LastUpdateTime,
	)
	if err != nil {
		return fmt.Errorf("upsert instance %s: %w", rec.ID, err)
	}
	return nil
}

const listFreshSQL = `
	SELECT id, domain, pubkey, name, version, channel, frequency, latitude, longitude, signature, is_private, last_update_time
	FROM instances
	WHERE is_private = FALSE AND last_update_time >= $1
	ORDER BY last_update_time DESC
`

// ListFresh returns non-private records refreshed within the window. Stale
// records stay in the table so a dormant peer can reappear without
// re-registration friction.
func (s *InstanceStore) ListFresh(ctx context.Context, window time.Duration) ([]federation.InstanceRecord, error) {
	cutoff := s.clock.Now().Add(-window).Unix()
	rows, err := s.pool.Query(ctx, listFreshSQL, cutoff)
	if err != nil {
		return nil, fmt.Errorf("list fresh instances: %w", err)
	}
	defer rows.Close()

	var recs []federation.InstanceRecord
	for rows.Next() {
		rec, err := scanInstance(rows)
		if err != nil {
			return nil, fmt.Errorf("scan instance row: %w", err)
		}
		recs = append(recs, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate instance rows: %w", err)
	}
	return recs, nil
}

const getSQL = `
	SELECT id, domain, pubkey, name, version, channel, frequency, latitude, longitude, signature, is_private, last_update_time
	FROM instances
	WHERE id = $1
`

// Get loads a single record or returns federation.ErrNotFound.
func (s *InstanceStore) Get(ctx context.Context, id string) (federation.InstanceRecord, error) {
	rec, err := scanInstance(s.pool.QueryRow(ctx, getSQL, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return federation.InstanceRecord{}, federation.ErrNotFound
		}
		return federation.InstanceRecord{}, fmt.Errorf("get instance %s: %w", id, err)
	}
	return rec, nil
}

func scanInstance(row pgx.Row) (federation.InstanceRecord, error) {
	var rec federation.InstanceRecord
	err := row.Scan(
		&rec.ID,
		&rec.Domain,
		&rec.PubKey,
		&rec.Name,
		&rec.Version,
		&rec.Channel,
		&rec.Frequency,
		&rec.Latitude,
		&rec.Longitude,
		&rec.Signature,
		&rec.IsPrivate,
		&rec.LastUpdateTime,
	)
	return rec, err
}
