// Package lake adapts the analytical store: the complete, higher-latency
// historical record of user device state. It serves reads the hot cache
// cannot, and seeds the cache on initial sync.
package lake

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/syncbridge/syncbridge/internal/errors"
	"github.com/syncbridge/syncbridge/pkg/types"
)

// Adapter is the read-side interface to the analytical store.
type Adapter interface {
	// Query returns the most recent state for one user at or before asOf.
	// A zero asOf means "latest". Returns a NotFound error if the store has
	// no record of the user, and an Unavailable error if the store cannot
	// be reached in time.
	Query(ctx context.Context, userID string, asOf time.Time) (*types.HistoricalState, error)

	// QueryAll returns the most recent state for every known user.
	// Used by initial sync to seed the hot cache.
	QueryAll(ctx context.Context) ([]*types.HistoricalState, error)

	// Ping verifies connectivity.
	Ping(ctx context.Context) error
}

// SQLAdapter implements Adapter over a database/sql driver.
//
// The backing table holds one row per state version:
//
//	user_id    TEXT
//	seq        INTEGER
//	updated_at INTEGER (Unix milliseconds)
//	payload    TEXT (JSON)
//
// Queries always resolve to the max-seq row per user.
type SQLAdapter struct {
	db           *sql.DB
	table        string
	queryTimeout time.Duration
}

// Open connects an SQLAdapter using the given driver and DSN.
func Open(driver, dsn, table string, queryTimeout time.Duration) (*SQLAdapter, error) {
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open analytical store: %w", err)
	}
	return NewSQLAdapter(db, table, queryTimeout), nil
}

// NewSQLAdapter wraps an existing database handle.
func NewSQLAdapter(db *sql.DB, table string, queryTimeout time.Duration) *SQLAdapter {
	return &SQLAdapter{
		db:           db,
		table:        table,
		queryTimeout: queryTimeout,
	}
}

// Query returns the most recent state for one user at or before asOf.
func (a *SQLAdapter) Query(ctx context.Context, userID string, asOf time.Time) (*types.HistoricalState, error) {
	ctx, cancel := a.withTimeout(ctx)
	defer cancel()

	query := fmt.Sprintf(
		"SELECT seq, updated_at, payload FROM %s WHERE user_id = ? AND updated_at <= ? ORDER BY seq DESC LIMIT 1",
		a.table)

	bound := int64(1<<62 - 1)
	if !asOf.IsZero() {
		bound = asOf.UnixMilli()
	}

	var seq uint64
	var updatedAt int64
	var payloadJSON string
	err := a.db.QueryRowContext(ctx, query, userID, bound).Scan(&seq, &updatedAt, &payloadJSON)
	if err == sql.ErrNoRows {
		return nil, errors.NewStoreError(errors.CodeNotFound,
			fmt.Sprintf("user %s has no analytical store record", userID), nil)
	}
	if err != nil {
		return nil, a.mapError(ctx, err)
	}

	return buildState(userID, seq, updatedAt, payloadJSON)
}

// QueryAll returns the most recent state for every known user.
func (a *SQLAdapter) QueryAll(ctx context.Context) ([]*types.HistoricalState, error) {
	query := fmt.Sprintf(
		`SELECT t.user_id, t.seq, t.updated_at, t.payload
		 FROM %s t
		 JOIN (SELECT user_id, MAX(seq) AS max_seq FROM %s GROUP BY user_id) m
		   ON t.user_id = m.user_id AND t.seq = m.max_seq`,
		a.table, a.table)

	rows, err := a.db.QueryContext(ctx, query)
	if err != nil {
		return nil, a.mapError(ctx, err)
	}
	defer rows.Close()

	var states []*types.HistoricalState
	for rows.Next() {
		var userID, payloadJSON string
		var seq uint64
		var updatedAt int64
		if err := rows.Scan(&userID, &seq, &updatedAt, &payloadJSON); err != nil {
			return nil, errors.NewLakeError(errors.CodeQueryFailed, "failed to scan analytical store row", err)
		}
		state, err := buildState(userID, seq, updatedAt, payloadJSON)
		if err != nil {
			return nil, err
		}
		states = append(states, state)
	}
	if err := rows.Err(); err != nil {
		return nil, a.mapError(ctx, err)
	}

	return states, nil
}

// Ping verifies connectivity.
func (a *SQLAdapter) Ping(ctx context.Context) error {
	ctx, cancel := a.withTimeout(ctx)
	defer cancel()
	if err := a.db.PingContext(ctx); err != nil {
		return errors.NewLakeError(errors.CodeUnavailable, "analytical store unreachable", err)
	}
	return nil
}

// Close releases the database handle.
func (a *SQLAdapter) Close() error {
	return a.db.Close()
}

func (a *SQLAdapter) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if a.queryTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, a.queryTimeout)
}

// mapError classifies a driver failure. Deadline and cancellation mean the
// store was too slow, everything else is a failed query.
func (a *SQLAdapter) mapError(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return errors.NewLakeError(errors.CodeUnavailable, "analytical store timed out", err)
	}
	return errors.NewLakeError(errors.CodeQueryFailed, "analytical store query failed", err)
}

func buildState(userID string, seq uint64, updatedAt int64, payloadJSON string) (*types.HistoricalState, error) {
	payload := make(map[string]interface{})
	if payloadJSON != "" {
		if err := json.Unmarshal([]byte(payloadJSON), &payload); err != nil {
			return nil, errors.NewLakeError(errors.CodeQueryFailed,
				fmt.Sprintf("unparsable payload for user %s", userID), err)
		}
	}
	return &types.HistoricalState{
		UserID:       userID,
		Payload:      payload,
		LastEventSeq: seq,
		LastSeenAt:   time.UnixMilli(updatedAt).UTC(),
	}, nil
}
