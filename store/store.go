package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Failure classes surfaced by the adapter. Callers translate these to the
// admission-phase error kinds (Internal, mostly); the adapter does not retry.
var (
	ErrUnavailable = errors.New("store: backend unavailable")
	ErrTimeout     = errors.New("store: operation timed out")
	ErrConstraint  = errors.New("store: constraint violation")
)

// Store wraps a pgx connection pool. A nil *Store means persistence-backed
// features are disabled (DATABASE_URL was not set).
type Store struct {
	Pool *pgxpool.Pool
}

// New builds a pooled connection to databaseURL. If databaseURL is empty it
// returns (nil, nil): the caller is expected to degrade gracefully.
func New(ctx context.Context, databaseURL string, maxConns int, acquireTimeout time.Duration) (*Store, error) {
	if databaseURL == "" {
		return nil, nil
	}

	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("store.New: parse config: %w", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = int32(maxConns)
	}
	cfg.MinConns = 1
	cfg.HealthCheckPeriod = 30 * time.Second
	cfg.MaxConnLifetime = time.Hour
	cfg.MaxConnIdleTime = 15 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("store.New: create pool: %w", translate(err))
	}

	pingCtx, cancel := context.WithTimeout(ctx, acquireTimeout)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("store.New: ping: %w", translate(err))
	}

	return &Store{Pool: pool}, nil
}

// Close releases the pool. Safe to call on a nil *Store.
func (s *Store) Close() {
	if s == nil || s.Pool == nil {
		return
	}
	s.Pool.Close()
}

func translate(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505", "23503", "23514": // unique_violation, fk_violation, check_violation
			return fmt.Errorf("%w: %s", ErrConstraint, pgErr.Message)
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrTimeout
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return err
	}
	return fmt.Errorf("%w: %s", ErrUnavailable, err.Error())
}
