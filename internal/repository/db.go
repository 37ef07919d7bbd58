package repository

import (
	"context"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/receiptwise/pipeline/internal/common"
)

// Open creates a pgx pool from the database configuration.
func Open(ctx context.Context, cfg common.DatabaseConfig, logger *slog.Logger) (*pgxpool.Pool, error) {
	logger.Info("connecting to database")
	pc, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		logger.Error("failed to parse database config", "error", err)
		return nil, err
	}

	pc.MaxConns = cfg.MaxConns
	pc.MinConns = cfg.MinConns
	pc.MaxConnLifetime = cfg.MaxConnLifetime
	pc.MaxConnIdleTime = cfg.MaxConnIdleTime
	pc.ConnConfig.RuntimeParams["application_name"] = "receipt-pipeline"
	if cfg.StatementTimeout > 0 {
		pc.ConnConfig.RuntimeParams["statement_timeout"] = cfg.StatementTimeout.String()
	}

	ctx, cancel := context.WithTimeout(ctx, cfg.DialTimeout)
	defer cancel()
	pool, err := pgxpool.NewWithConfig(ctx, pc)
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		return nil, err
	}

	logger.Info("successfully connected to database")
	return pool, nil
}

// HealthCheck pings the pool to catch DSN issues early.
func HealthCheck(ctx context.Context, pool *pgxpool.Pool, logger *slog.Logger) error {
	logger.Debug("pinging database")
	return pool.Ping(ctx)
}

const schemaDDL = `
CREATE TABLE IF NOT EXISTS media_objects (
	artifact_key    TEXT PRIMARY KEY,
	owner_id        TEXT NOT NULL,
	perceptual_hash TEXT NOT NULL,
	width           INT NOT NULL,
	height          INT NOT NULL,
	byte_size       INT NOT NULL,
	status          TEXT NOT NULL,
	avg_confidence  DOUBLE PRECISION NOT NULL DEFAULT 0,
	store_name      TEXT NOT NULL DEFAULT '',
	purchased_at    TEXT NOT NULL DEFAULT '',
	raw_text        TEXT NOT NULL DEFAULT '',
	created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at      TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS receipt_items (
	id            BIGSERIAL PRIMARY KEY,
	artifact_key  TEXT NOT NULL REFERENCES media_objects(artifact_key),
	position      INT NOT NULL,
	name          TEXT NOT NULL,
	quantity      INT NOT NULL DEFAULT 0,
	price         INT NOT NULL DEFAULT 0,
	external_id   TEXT NOT NULL DEFAULT '',
	thumbnail_url TEXT NOT NULL DEFAULT '',
	match_score   DOUBLE PRECISION NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS receipt_items_artifact_idx ON receipt_items (artifact_key);
`

// EnsureSchema creates the pipeline tables when they are missing.
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool, logger *slog.Logger) error {
	if _, err := pool.Exec(ctx, schemaDDL); err != nil {
		logger.Error("failed to ensure schema", "error", err)
		return common.WrapError(err, "ensure schema")
	}
	return nil
}
