package entitlement

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Postgres reads premium expiries from a subscribers table:
//
//	CREATE TABLE subscribers (
//	    subscriber_id TEXT PRIMARY KEY,
//	    premium_until TIMESTAMPTZ
//	);
//
// An unknown subscriber or a NULL/past premium_until means no premium.
type Postgres struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

// NewPostgres connects a pool to dsn and verifies connectivity.
func NewPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("entitlement pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("entitlement ping: %w", err)
	}
	return &Postgres{pool: pool, now: time.Now}, nil
}

func (p *Postgres) Premium(ctx context.Context, subscriberID string) (bool, error) {
	var until *time.Time
	err := p.pool.QueryRow(ctx,
		`SELECT premium_until FROM subscribers WHERE subscriber_id = $1`,
		subscriberID,
	).Scan(&until)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("select premium_until: %w", err)
	}
	if until == nil {
		return false, nil
	}
	return p.now().Before(*until), nil
}

// Close releases the pool.
func (p *Postgres) Close() {
	p.pool.Close()
}
