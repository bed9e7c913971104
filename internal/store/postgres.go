// Package store is the Postgres layer: bearer-token auth lookups and the
// append-only inference log used for offline fine-tuning.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const connectTimeout = 5 * time.Second

// InferenceRow is one completed (prompt, response, params) tuple.
// Rows are append-only; there is no update or delete path.
type InferenceRow struct {
	RequestID   uuid.UUID
	Prompt      string
	Response    string
	Model       string
	Temperature float64
	MaxTokens   int
	CreatedAt   time.Time
}

// Store wraps a pgx connection pool. Safe for concurrent use.
type Store struct {
	pool *pgxpool.Pool
}

// Connect opens a pool for url and verifies connectivity with a ping.
func Connect(ctx context.Context, url string) (*Store, error) {
	if ctx == nil {
		return nil, fmt.Errorf("store: context must not be nil")
	}

	cfg, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, fmt.Errorf("store: parse url: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("store: connect: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("store: ping: %w", err)
	}

	return &Store{pool: pool}, nil
}

// EnsureSchema creates the inference_logs and api_tokens tables when absent.
// Runs at startup; idempotent.
func (s *Store) EnsureSchema(ctx context.Context) error {
	const ddl = `
CREATE TABLE IF NOT EXISTS inference_logs (
	id          SERIAL PRIMARY KEY,
	request_id  UUID,
	prompt      TEXT,
	response    TEXT,
	model       TEXT,
	temperature REAL,
	max_tokens  INT,
	created_at  TIMESTAMPTZ DEFAULT NOW()
);
CREATE TABLE IF NOT EXISTS api_tokens (
	id         SERIAL PRIMARY KEY,
	token      TEXT UNIQUE NOT NULL,
	created_at TIMESTAMPTZ DEFAULT NOW()
);`
	if _, err := s.pool.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("store: ensure schema: %w", err)
	}
	return nil
}

// TokenExists reports whether token is present in api_tokens.
// The gateway only reads this table; token CRUD lives elsewhere.
func (s *Store) TokenExists(ctx context.Context, token string) (bool, error) {
	var one int
	err := s.pool.QueryRow(ctx,
		`SELECT 1 FROM api_tokens WHERE token = $1`, token,
	).Scan(&one)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("store: token lookup: %w", err)
	}
	return true, nil
}

// InsertInference appends one row to the inference log.
func (s *Store) InsertInference(ctx context.Context, row InferenceRow) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO inference_logs (request_id, prompt, response, model, temperature, max_tokens, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		row.RequestID, row.Prompt, row.Response, row.Model,
		row.Temperature, row.MaxTokens, normalizeTime(row.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("store: insert inference %s: %w", row.RequestID, err)
	}
	return nil
}

// Close releases the connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

func normalizeTime(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t.UTC()
}
