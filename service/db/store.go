// Package db stores wallet analyses in Postgres through a pgx pool. Each
// row keeps the full analysis as JSONB next to summary columns used for
// ranking and retention.
package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/brojonat/walletpnl/service/analyzer"
	"github.com/brojonat/walletpnl/service/metrics"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrNotFound is returned when no stored analysis matches a query.
var ErrNotFound = errors.New("analysis not found")

const tableAnalyses = "wallet_analyses"

// schema is applied by Migrate. Summary columns are kept next to the full
// JSON document so results can be filtered and ranked in SQL.
const schema = `
CREATE TABLE IF NOT EXISTS wallet_analyses (
	id                  BIGSERIAL PRIMARY KEY,
	run_id              TEXT,
	address             TEXT NOT NULL,
	excluded            BOOLEAN NOT NULL,
	reason              TEXT NOT NULL DEFAULT '',
	capital             NUMERIC NOT NULL DEFAULT 0,
	total_pnl           NUMERIC,
	realized_pnl        NUMERIC,
	unrealized_pnl      NUMERIC,
	win_rate            DOUBLE PRECISION,
	total_trades        INTEGER,
	avg_holding_minutes DOUBLE PRECISION,
	analysis            JSONB NOT NULL,
	analyzed_at         TIMESTAMPTZ NOT NULL,
	created_at          TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS wallet_analyses_address_idx ON wallet_analyses (address, analyzed_at DESC);
CREATE INDEX IF NOT EXISTS wallet_analyses_run_idx ON wallet_analyses (run_id);
`

// Store persists wallet analyses in Postgres.
type Store struct {
	pool    *pgxpool.Pool
	metrics *metrics.Metrics
}

// NewStore creates a new Store with the given database connection pool.
// m may be nil.
func NewStore(pool *pgxpool.Pool, m *metrics.Metrics) *Store {
	return &Store{
		pool:    pool,
		metrics: m,
	}
}

// StoredAnalysis is an analysis as persisted, with its row metadata.
type StoredAnalysis struct {
	// ID is the row id. Analyses are append-only, so one address may have
	// many rows.
	ID int64 `json:"id"`

	// CreatedAt is when the row was written, not when the wallet was
	// analyzed; see Analysis.AnalyzedAt.
	CreatedAt time.Time `json:"created_at"`

	*analyzer.Analysis
}

const (
	// DefaultListLimit is used when ListAnalysesParams.Limit is not positive.
	DefaultListLimit = 100

	// MaxListLimit caps the rows a single ListAnalyses call returns.
	MaxListLimit = 1000
)

// ListAnalysesParams filters ListAnalyses.
type ListAnalysesParams struct {
	// RunID restricts results to one run. Empty lists across runs.
	RunID string

	// QualifiedOnly drops wallets that failed a threshold.
	QualifiedOnly bool

	// Limit bounds the result count. Values outside 1..MaxListLimit are
	// replaced by DefaultListLimit or clamped to MaxListLimit.
	Limit int
}

// clampedLimit returns the row limit ListAnalyses actually applies.
func (p ListAnalysesParams) clampedLimit() int32 {
	switch {
	case p.Limit <= 0:
		return DefaultListLimit
	case p.Limit > MaxListLimit:
		return MaxListLimit
	default:
		return int32(p.Limit)
	}
}

// Open connects to url, verifies the connection and applies the schema.
// Callers release the pool with Close.
func Open(ctx context.Context, url string, m *metrics.Metrics) (*Store, error) {
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	store := NewStore(pool, m)
	if err := store.Migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return store, nil
}

// Close releases the connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

// Migrate creates the schema if it does not exist. It is idempotent and
// runs on every Open.
func (s *Store) Migrate(ctx context.Context) error {
	done := s.observe("migrate")
	_, err := s.pool.Exec(ctx, schema)
	done(err)
	if err != nil {
		return fmt.Errorf("failed to migrate schema: %w", err)
	}
	return nil
}

// SaveAnalysis inserts an analysis and returns the stored row. Excluded
// wallets with no Result are stored with NULL summary columns, and the
// holding average is NULL when there were too few pairs to compute it.
func (s *Store) SaveAnalysis(ctx context.Context, an *analyzer.Analysis) (*StoredAnalysis, error) {
	if an == nil {
		return nil, fmt.Errorf("analysis is nil")
	}
	doc, err := json.Marshal(an)
	if err != nil {
		return nil, fmt.Errorf("failed to encode analysis: %w", err)
	}

	var (
		totalPnL, realizedPnL, unrealizedPnL pgtype.Text
		winRate, holding                     pgtype.Float8
		trades                               pgtype.Int4
	)
	if r := an.Result; r != nil {
		totalPnL = pgtype.Text{String: r.TotalPnL.String(), Valid: true}
		realizedPnL = pgtype.Text{String: r.RealizedPnL.String(), Valid: true}
		unrealizedPnL = pgtype.Text{String: r.UnrealizedPnL.String(), Valid: true}
		winRate = pgtype.Float8{Float64: r.WinRate, Valid: true}
		trades = pgtype.Int4{Int32: int32(r.TotalTrades), Valid: true}
		if r.Holding.Sufficient {
			holding = pgtype.Float8{Float64: r.Holding.AverageMinutes, Valid: true}
		}
	}

	done := s.observe("insert")
	row := s.pool.QueryRow(ctx, `
		INSERT INTO wallet_analyses (
			run_id, address, excluded, reason, capital,
			total_pnl, realized_pnl, unrealized_pnl, win_rate, total_trades,
			avg_holding_minutes, analysis, analyzed_at
		) VALUES ($1, $2, $3, $4, $5::text::numeric, $6::text::numeric, $7::text::numeric, $8::text::numeric, $9, $10, $11, $12, $13)
		RETURNING id, created_at`,
		pgtextFromString(an.RunID),
		an.Address,
		an.Excluded,
		string(an.Reason),
		an.Capital.String(),
		totalPnL,
		realizedPnL,
		unrealizedPnL,
		winRate,
		trades,
		holding,
		doc,
		an.AnalyzedAt,
	)

	stored := &StoredAnalysis{Analysis: an}
	err = row.Scan(&stored.ID, &stored.CreatedAt)
	done(err)
	if err != nil {
		return nil, fmt.Errorf("failed to insert analysis: %w", err)
	}
	return stored, nil
}

// GetLatestAnalysis returns the most recent analysis of address by
// analyzed_at, breaking ties by insertion order. It returns ErrNotFound
// when the address was never stored.
func (s *Store) GetLatestAnalysis(ctx context.Context, address string) (*StoredAnalysis, error) {
	done := s.observe("select")
	row := s.pool.QueryRow(ctx, `
		SELECT id, created_at, analysis
		FROM wallet_analyses
		WHERE address = $1
		ORDER BY analyzed_at DESC, id DESC
		LIMIT 1`, address)

	stored, err := scanAnalysis(row)
	if errors.Is(err, pgx.ErrNoRows) {
		done(nil)
		return nil, ErrNotFound
	}
	done(err)
	if err != nil {
		return nil, fmt.Errorf("failed to get analysis: %w", err)
	}
	return stored, nil
}

// ListAnalyses returns stored analyses, qualified wallets with the highest
// total PnL first.
func (s *Store) ListAnalyses(ctx context.Context, params ListAnalysesParams) ([]*StoredAnalysis, error) {
	limit := params.clampedLimit()

	done := s.observe("select")
	rows, err := s.pool.Query(ctx, `
		SELECT id, created_at, analysis
		FROM wallet_analyses
		WHERE ($1::text IS NULL OR run_id = $1)
		  AND (NOT $2 OR NOT excluded)
		ORDER BY excluded ASC, total_pnl DESC NULLS LAST, id DESC
		LIMIT $3`,
		pgtextFromString(params.RunID),
		params.QualifiedOnly,
		limit,
	)
	if err != nil {
		done(err)
		return nil, fmt.Errorf("failed to list analyses: %w", err)
	}
	defer rows.Close()

	var out []*StoredAnalysis
	for rows.Next() {
		stored, err := scanAnalysis(rows)
		if err != nil {
			done(err)
			return nil, fmt.Errorf("failed to scan analysis: %w", err)
		}
		out = append(out, stored)
	}
	err = rows.Err()
	done(err)
	if err != nil {
		return nil, fmt.Errorf("failed to list analyses: %w", err)
	}
	return out, nil
}

// DeleteAnalysesOlderThan removes analyses recorded before the cutoff and
// reports how many rows were deleted.
func (s *Store) DeleteAnalysesOlderThan(ctx context.Context, before time.Time) (int64, error) {
	done := s.observe("delete")
	tag, err := s.pool.Exec(ctx, `DELETE FROM wallet_analyses WHERE analyzed_at < $1`, before)
	done(err)
	if err != nil {
		return 0, fmt.Errorf("failed to delete analyses: %w", err)
	}
	return tag.RowsAffected(), nil
}

// Ping verifies the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// observe starts timing operation and returns the func that records it.
func (s *Store) observe(operation string) func(error) {
	start := time.Now()
	return func(err error) {
		if s.metrics != nil {
			s.metrics.RecordDBQuery(operation, tableAnalyses, time.Since(start).Seconds(), err)
		}
	}
}

// scanAnalysis reads an (id, created_at, analysis) row.
func scanAnalysis(row pgx.Row) (*StoredAnalysis, error) {
	var (
		stored StoredAnalysis
		doc    []byte
	)
	if err := row.Scan(&stored.ID, &stored.CreatedAt, &doc); err != nil {
		return nil, err
	}
	stored.Analysis = &analyzer.Analysis{}
	if err := json.Unmarshal(doc, stored.Analysis); err != nil {
		return nil, fmt.Errorf("failed to decode analysis %d: %w", stored.ID, err)
	}
	return &stored, nil
}

// pgtextFromString maps "" to SQL NULL.
func pgtextFromString(s string) pgtype.Text {
	if s == "" {
		return pgtype.Text{}
	}
	return pgtype.Text{String: s, Valid: true}
}
