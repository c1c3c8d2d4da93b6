// Package store owns fleetd's Postgres connection pool and schema
// migration, grounded on lake/api/config.LoadPostgres's pgxpool setup.
package store

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/teton-ai/fleet/internal/server/config"
)

// Store wraps the pool every server package queries through.
type Store struct {
	Pool *pgxpool.Pool
}

// Open parses cfg, applies the teacher's pool-sizing defaults, and connects.
func Open(ctx context.Context, cfg config.Config) (*Store, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.ConnString())
	if err != nil {
		return nil, fmt.Errorf("store: parse config: %w", err)
	}
	poolConfig.MaxConns = 20
	poolConfig.MinConns = 2
	poolConfig.MaxConnLifetime = time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute

	connectCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(connectCtx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("store: connect: %w", err)
	}
	if err := pool.Ping(connectCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("store: ping: %w", err)
	}
	return &Store{Pool: pool}, nil
}

func (s *Store) Close() {
	s.Pool.Close()
}

// Migrate applies the schema. Idempotent: every statement is guarded with
// IF NOT EXISTS so repeated startups are safe without a migration table.
func (s *Store) Migrate(ctx context.Context, log *slog.Logger) error {
	log.Info("applying schema")
	_, err := s.Pool.Exec(ctx, schema)
	if err != nil {
		return fmt.Errorf("store: migrate: %w", err)
	}
	return nil
}

const schema = `
CREATE TABLE IF NOT EXISTS device (
	id               BIGSERIAL PRIMARY KEY,
	serial_number    TEXT NOT NULL UNIQUE,
	wifi_mac         TEXT NOT NULL DEFAULT '',
	approved         BOOLEAN,
	token            TEXT UNIQUE,
	last_ping        TIMESTAMPTZ,
	release_id       BIGINT,
	target_release_id BIGINT,
	system_info      JSONB NOT NULL DEFAULT '{}'::jsonb,
	archived         BOOLEAN NOT NULL DEFAULT FALSE,
	network_id       BIGINT,
	modem_id         BIGINT,
	created_at       TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS ledger_entry (
	device_id  BIGINT NOT NULL REFERENCES device(id),
	at         TIMESTAMPTZ NOT NULL DEFAULT now(),
	class      TEXT NOT NULL,
	text       TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS command_bundle (
	uuid       UUID PRIMARY KEY,
	created_on TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS command (
	id              BIGSERIAL PRIMARY KEY,
	device_id       BIGINT NOT NULL REFERENCES device(id),
	bundle_id       UUID NOT NULL REFERENCES command_bundle(uuid),
	cmd             JSONB NOT NULL,
	continue_on_error BOOLEAN NOT NULL DEFAULT FALSE,
	canceled        BOOLEAN NOT NULL DEFAULT FALSE,
	fetched         BOOLEAN NOT NULL DEFAULT FALSE,
	fetched_at      TIMESTAMPTZ,
	created_at      TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS command_device_idx ON command(device_id, created_at, id);

CREATE TABLE IF NOT EXISTS command_response (
	id          BIGSERIAL PRIMARY KEY,
	command_id  BIGINT REFERENCES command(id),
	device_id   BIGINT NOT NULL REFERENCES device(id),
	response    JSONB NOT NULL,
	status      INT NOT NULL,
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS distribution (
	id           BIGSERIAL PRIMARY KEY,
	name         TEXT NOT NULL UNIQUE,
	architecture TEXT NOT NULL,
	description  TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS release (
	id              BIGSERIAL PRIMARY KEY,
	distribution_id BIGINT NOT NULL REFERENCES distribution(id),
	version         TEXT NOT NULL,
	draft           BOOLEAN NOT NULL DEFAULT TRUE,
	yanked          BOOLEAN NOT NULL DEFAULT FALSE,
	created_at      TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS package (
	id           BIGSERIAL PRIMARY KEY,
	name         TEXT NOT NULL,
	version      TEXT NOT NULL,
	architecture TEXT NOT NULL,
	file         TEXT NOT NULL,
	created_at   TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS release_package (
	release_id BIGINT NOT NULL REFERENCES release(id),
	package_id BIGINT NOT NULL REFERENCES package(id),
	PRIMARY KEY (release_id, package_id)
);

CREATE TABLE IF NOT EXISTS deployment (
	id         BIGSERIAL PRIMARY KEY,
	release_id BIGINT NOT NULL UNIQUE REFERENCES release(id),
	status     TEXT NOT NULL DEFAULT 'in_progress',
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS deployment_device (
	deployment_id BIGINT NOT NULL REFERENCES deployment(id),
	device_id     BIGINT NOT NULL REFERENCES device(id),
	PRIMARY KEY (deployment_id, device_id)
);

CREATE TABLE IF NOT EXISTS device_release_upgrade (
	device_id           BIGINT NOT NULL REFERENCES device(id),
	previous_release_id BIGINT,
	upgraded_release_id BIGINT NOT NULL,
	at                  TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS network (
	id               BIGSERIAL PRIMARY KEY,
	network_type     TEXT NOT NULL,
	is_network_hidden BOOLEAN NOT NULL DEFAULT FALSE,
	ssid             TEXT NOT NULL DEFAULT '',
	name             TEXT NOT NULL,
	description      TEXT NOT NULL DEFAULT '',
	password         TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS tag (
	id    BIGSERIAL PRIMARY KEY,
	name  TEXT NOT NULL UNIQUE,
	color TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS default_variable (
	name  TEXT PRIMARY KEY,
	value TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS variable (
	id        BIGSERIAL PRIMARY KEY,
	device_id BIGINT NOT NULL REFERENCES device(id),
	name      TEXT NOT NULL,
	value     TEXT NOT NULL,
	UNIQUE (device_id, name)
);
`
