package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"cookiepool/pkg/config"
	"cookiepool/pkg/logger"
	"cookiepool/pkg/models"
)

const schema = `
CREATE TABLE IF NOT EXISTS pool_sessions (
	id                   BIGSERIAL PRIMARY KEY,
	platform             TEXT NOT NULL,
	username             TEXT NOT NULL,
	password             TEXT NOT NULL DEFAULT '',
	session_data         JSONB NOT NULL DEFAULT '[]',
	authenticated        BOOLEAN NOT NULL DEFAULT FALSE,
	in_use               BOOLEAN NOT NULL DEFAULT FALSE,
	session_updated_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
	last_login           TIMESTAMPTZ,
	last_used_at         TIMESTAMPTZ,
	last_validated_at    TIMESTAMPTZ,
	consecutive_failures INT NOT NULL DEFAULT 0,
	failure_reason       TEXT NOT NULL DEFAULT '',
	UNIQUE (username, platform)
);
CREATE INDEX IF NOT EXISTS pool_sessions_alloc_idx
	ON pool_sessions (platform, authenticated, in_use, last_used_at);
`

const sessionColumns = `id, platform, username, password, session_data,
	authenticated, in_use, session_updated_at, last_login, last_used_at,
	last_validated_at, consecutive_failures, failure_reason`

// PostgresStore is the production registry backend.
type PostgresStore struct {
	pool *pgxpool.Pool
	log  logger.Logger
}

// NewPostgresStore connects to the database and ensures the schema.
func NewPostgresStore(ctx context.Context, cfg *config.DatabaseConfig, log logger.Logger) (*PostgresStore, error) {
	if log == nil {
		log = logger.GetLogger()
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	poolCfg.ConnConfig.ConnectTimeout = cfg.ConnectTimeout

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}

	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ensure schema: %w", err)
	}

	log.InfoWithFields("connected to session registry", map[string]interface{}{
		"max_conns": poolCfg.MaxConns,
	})

	return &PostgresStore{pool: pool, log: log}, nil
}

// Acquire implements Store. The select-and-mark runs in one transaction
// under FOR UPDATE SKIP LOCKED so concurrent allocators can never hand
// out the same row.
func (p *PostgresStore) Acquire(ctx context.Context, platform models.Platform) (*Session, error) {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin acquire tx: %w", err)
	}
	defer tx.Rollback(ctx)

	row := tx.QueryRow(ctx, `
		SELECT `+sessionColumns+`
		FROM pool_sessions
		WHERE platform = $1 AND authenticated = TRUE AND in_use = FALSE
		ORDER BY last_used_at ASC NULLS FIRST, id ASC
		LIMIT 1
		FOR UPDATE SKIP LOCKED`,
		platform.Code())

	sess, err := scanSession(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNoneAvailable
		}
		return nil, fmt.Errorf("select session: %w", err)
	}

	if _, err := tx.Exec(ctx,
		`UPDATE pool_sessions SET in_use = TRUE WHERE id = $1`, sess.ID); err != nil {
		return nil, fmt.Errorf("mark in use: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit acquire tx: %w", err)
	}

	sess.InUse = true
	return sess, nil
}

// Get implements Store.
func (p *PostgresStore) Get(ctx context.Context, id int64) (*Session, error) {
	row := p.pool.QueryRow(ctx,
		`SELECT `+sessionColumns+` FROM pool_sessions WHERE id = $1`, id)

	sess, err := scanSession(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("select session: %w", err)
	}
	return sess, nil
}

// MarkValidated implements Store.
func (p *PostgresStore) MarkValidated(ctx context.Context, id int64) error {
	tag, err := p.pool.Exec(ctx,
		`UPDATE pool_sessions SET last_validated_at = now() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("mark validated: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkInvalid implements Store.
func (p *PostgresStore) MarkInvalid(ctx context.Context, id int64, reason string) error {
	tag, err := p.pool.Exec(ctx, `
		UPDATE pool_sessions
		SET authenticated = FALSE,
		    in_use = FALSE,
		    consecutive_failures = consecutive_failures + 1,
		    failure_reason = $2
		WHERE id = $1`,
		id, reason)
	if err != nil {
		return fmt.Errorf("mark invalid: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// Release implements Store. The row lock spans the read-modify-write so
// failure counting is race-free.
func (p *PostgresStore) Release(ctx context.Context, id int64, success bool, reason string) error {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin release tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var failures int
	err = tx.QueryRow(ctx,
		`SELECT consecutive_failures FROM pool_sessions WHERE id = $1 FOR UPDATE`,
		id).Scan(&failures)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		return fmt.Errorf("lock session: %w", err)
	}

	if success {
		_, err = tx.Exec(ctx, `
			UPDATE pool_sessions
			SET in_use = FALSE,
			    last_used_at = now(),
			    consecutive_failures = 0,
			    failure_reason = ''
			WHERE id = $1`, id)
	} else {
		failures++
		_, err = tx.Exec(ctx, `
			UPDATE pool_sessions
			SET in_use = FALSE,
			    last_used_at = now(),
			    consecutive_failures = $2,
			    failure_reason = $3,
			    authenticated = authenticated AND $2 < $4
			WHERE id = $1`,
			id, failures, reason, BanThreshold)
	}
	if err != nil {
		return fmt.Errorf("release session: %w", err)
	}

	return tx.Commit(ctx)
}

// UpdateSessionData implements Store.
func (p *PostgresStore) UpdateSessionData(ctx context.Context, platform models.Platform, username string, data Pairs) error {
	blob, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshal session data: %w", err)
	}

	tag, err := p.pool.Exec(ctx, `
		UPDATE pool_sessions
		SET session_data = $3,
		    session_updated_at = now(),
		    authenticated = TRUE,
		    consecutive_failures = 0,
		    failure_reason = ''
		WHERE platform = $1 AND username = $2`,
		platform.Code(), username, blob)
	if err != nil {
		return fmt.Errorf("update session data: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// Close implements Store.
func (p *PostgresStore) Close() {
	p.pool.Close()
}

func scanSession(row pgx.Row) (*Session, error) {
	var (
		s            Session
		platformCode string
		blob         []byte
	)

	err := row.Scan(
		&s.ID, &platformCode, &s.Username, &s.Password, &blob,
		&s.Authenticated, &s.InUse, &s.SessionUpdatedAt, &s.LastLogin,
		&s.LastUsedAt, &s.LastValidatedAt, &s.ConsecutiveFailures,
		&s.FailureReason,
	)
	if err != nil {
		return nil, err
	}

	platform, err := models.PlatformFromCode(platformCode)
	if err != nil {
		return nil, err
	}
	s.Platform = platform

	if len(blob) > 0 {
		if err := json.Unmarshal(blob, &s.SessionData); err != nil {
			return nil, fmt.Errorf("decode session data: %w", err)
		}
	}

	return &s, nil
}
