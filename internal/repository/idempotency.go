package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// cleanBatch bounds each DELETE so cleanup never holds long row locks
// against concurrent inserts.
const cleanBatch = 1000

// IdempotencyCacheEntry is a stored HTTP response keyed by the client's
// Idempotency-Key. Headers holds the response headers that must be replayed
// with the body, such as Location.
type IdempotencyCacheEntry struct {
	Key          string
	RequestHash  string
	StatusCode   int
	ResponseBody []byte
	Headers      map[string]string
	CreatedAt    time.Time
	ExpiresAt    time.Time
}

type IdempotencyRepository struct {
	db *sql.DB
}

func NewIdempotencyRepository(db *sql.DB) *IdempotencyRepository {
	return &IdempotencyRepository{db: db}
}

// Get returns the live entry for key, or nil when there is none.
func (r *IdempotencyRepository) Get(ctx context.Context, key string) (*IdempotencyCacheEntry, error) {
	var (
		e       IdempotencyCacheEntry
		headers []byte
	)
	err := r.db.QueryRowContext(ctx,
		`SELECT idempotency_key, request_hash, status_code, response_body, response_headers, created_at, expires_at
		FROM idempotency_cache
		WHERE idempotency_key = $1 AND expires_at > now()`,
		key,
	).Scan(&e.Key, &e.RequestHash, &e.StatusCode, &e.ResponseBody, &headers, &e.CreatedAt, &e.ExpiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("Get: %w", err)
	}
	if err := json.Unmarshal(headers, &e.Headers); err != nil {
		return nil, fmt.Errorf("Get: decode headers: %w", err)
	}
	return &e, nil
}

// Set stores entry unless the key is already present; the first response wins.
func (r *IdempotencyRepository) Set(ctx context.Context, entry *IdempotencyCacheEntry) error {
	headers := entry.Headers
	if headers == nil {
		headers = map[string]string{}
	}
	raw, err := json.Marshal(headers)
	if err != nil {
		return fmt.Errorf("Set: encode headers: %w", err)
	}

	_, err = r.db.ExecContext(ctx,
		`INSERT INTO idempotency_cache (idempotency_key, request_hash, status_code, response_body, response_headers, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (idempotency_key) DO NOTHING`,
		entry.Key, entry.RequestHash, entry.StatusCode, entry.ResponseBody, raw, entry.CreatedAt, entry.ExpiresAt,
	)
	if err != nil {
		return fmt.Errorf("Set: %w", err)
	}
	return nil
}

// CleanExpired deletes expired entries in batches and returns how many were
// removed.
func (r *IdempotencyRepository) CleanExpired(ctx context.Context) (int64, error) {
	var total int64
	for {
		res, err := r.db.ExecContext(ctx,
			`DELETE FROM idempotency_cache
			WHERE idempotency_key IN (
				SELECT idempotency_key FROM idempotency_cache
				WHERE expires_at < now()
				LIMIT $1
			)`,
			cleanBatch,
		)
		if err != nil {
			return total, fmt.Errorf("CleanExpired: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return total, fmt.Errorf("CleanExpired: rows affected: %w", err)
		}
		total += n
		if n < cleanBatch {
			return total, nil
		}
	}
}
