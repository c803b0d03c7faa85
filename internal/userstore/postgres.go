package userstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/davidwalker2235/fulgencio-project/internal/reliability"
)

// StatusChannel is the LISTEN/NOTIFY channel carrying status changes.
const StatusChannel = "fulgencio_status"

// PostgresStore keeps user records as JSONB documents in PostgreSQL.
type PostgresStore struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

func NewPostgresStore(ctx context.Context, databaseURL string, logger *zap.Logger) (*PostgresStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}

	if err := initSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}

	return &PostgresStore{pool: pool, logger: logger}, nil
}

func initSchema(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id TEXT PRIMARY KEY,
			data JSONB NOT NULL DEFAULT '{}'::jsonb,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);`,
		`CREATE TABLE IF NOT EXISTS app_status (
			id SMALLINT PRIMARY KEY DEFAULT 1,
			value JSONB,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);`,
	}

	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

func (s *PostgresStore) Mode() string { return "postgres" }

func (s *PostgresStore) GetUser(ctx context.Context, id string) (Record, error) {
	if err := validateKey(id); err != nil {
		return nil, err
	}
	var data map[string]any
	err := s.pool.QueryRow(ctx, `SELECT data FROM users WHERE id=$1`, id).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get user: %w", err)
	}
	return Record(data), nil
}

func (s *PostgresStore) PatchUser(ctx context.Context, id string, fields map[string]any) error {
	if err := validateKey(id); err != nil {
		return err
	}
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		var data map[string]any
		err := tx.QueryRow(ctx, `SELECT data FROM users WHERE id=$1 FOR UPDATE`, id).Scan(&data)
		if err != nil && !errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("load user: %w", err)
		}
		if data == nil {
			data = make(map[string]any)
		}
		applyPatch(data, fields)

		_, err = tx.Exec(ctx,
			`INSERT INTO users (id, data, updated_at) VALUES ($1, $2, now())
			 ON CONFLICT (id) DO UPDATE SET data=EXCLUDED.data, updated_at=EXCLUDED.updated_at`,
			id,
			data,
		)
		if err != nil {
			return fmt.Errorf("save user: %w", err)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("patch user: %w", err)
	}
	return nil
}

// SetStatus stores the status value and notifies listeners in one transaction.
func (s *PostgresStore) SetStatus(ctx context.Context, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal status: %w", err)
	}
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx,
			`INSERT INTO app_status (id, value, updated_at) VALUES (1, $1, now())
			 ON CONFLICT (id) DO UPDATE SET value=EXCLUDED.value, updated_at=EXCLUDED.updated_at`,
			string(payload),
		); err != nil {
			return fmt.Errorf("save status: %w", err)
		}
		if _, err := tx.Exec(ctx, `SELECT pg_notify($1, $2)`, StatusChannel, string(payload)); err != nil {
			return fmt.Errorf("notify status: %w", err)
		}
		return nil
	})
}

// WatchStatus emits the stored status, then every NOTIFY payload on
// StatusChannel. A dropped connection is re-acquired with capped backoff.
func (s *PostgresStore) WatchStatus(ctx context.Context, fn func(any)) error {
	attempt := 0
	for {
		err := s.listen(ctx, fn)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		wait := reliability.ExponentialBackoff(attempt, 500*time.Millisecond, 30*time.Second)
		attempt++
		s.logger.Warn("status listener ended, reconnecting",
			zap.Error(err),
			zap.Duration("backoff", wait),
		)
		if err := reliability.Sleep(ctx, wait); err != nil {
			return err
		}
	}
}

func (s *PostgresStore) listen(ctx context.Context, fn func(any)) error {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire listener: %w", err)
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, "LISTEN "+StatusChannel); err != nil {
		return fmt.Errorf("listen: %w", err)
	}

	var stored []byte
	err = conn.QueryRow(ctx, `SELECT value::text FROM app_status WHERE id=1`).Scan(&stored)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
	case err != nil:
		return fmt.Errorf("load status: %w", err)
	case len(stored) > 0:
		var v any
		if err := json.Unmarshal(stored, &v); err == nil && v != nil {
			fn(v)
		}
	}

	for {
		n, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			return fmt.Errorf("wait for notification: %w", err)
		}
		var v any
		if err := json.Unmarshal([]byte(n.Payload), &v); err != nil {
			s.logger.Warn("ignoring malformed status payload", zap.Error(err))
			continue
		}
		fn(v)
	}
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
