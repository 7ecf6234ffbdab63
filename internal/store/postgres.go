package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"fno-scanner/internal/verdict"
)

// ErrNotConfigured indicates the archive pool was not initialised.
var ErrNotConfigured = errors.New("store: pool not configured")

// PGConfig configures the Postgres archive.
type PGConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxConns        int           `mapstructure:"max_conns"`
	MinConns        int           `mapstructure:"min_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

const (
	createVerdictsSQL = `CREATE TABLE IF NOT EXISTS verdicts (
        id           TEXT PRIMARY KEY,
        created_at   TIMESTAMPTZ NOT NULL,
        symbol       TEXT NOT NULL,
        kind         TEXT NOT NULL,
        confidence   INTEGER NOT NULL,
        holding      TEXT NOT NULL,
        entry_type   TEXT NOT NULL,
        entry_strike NUMERIC,
        stop_loss    NUMERIC NOT NULL,
        target_pct   NUMERIC NOT NULL,
        risk         TEXT NOT NULL,
        trap_score   INTEGER NOT NULL,
        momentum     DOUBLE PRECISION NOT NULL,
        net_score    INTEGER NOT NULL,
        reasons      JSONB,
        flags        JSONB
    );
    CREATE INDEX IF NOT EXISTS verdicts_symbol_created_idx ON verdicts (symbol, created_at DESC);`

	upsertVerdictSQL = `INSERT INTO verdicts (
        id, created_at, symbol, kind, confidence, holding, entry_type, entry_strike,
        stop_loss, target_pct, risk, trap_score, momentum, net_score, reasons, flags
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16
    )
    ON CONFLICT (id) DO NOTHING;`

	listVerdictsSQL = `SELECT
        id, created_at, symbol, kind, confidence, holding, entry_type, entry_strike::text,
        stop_loss::text, target_pct::text, risk, trap_score, momentum, net_score, reasons, flags
    FROM verdicts
    WHERE ($1 = '' OR symbol = $1)
      AND ($2 = '' OR kind = $2)
      AND created_at >= $3
    ORDER BY created_at DESC
    LIMIT $4;`
)

// PGStore archives verdicts in Postgres.
type PGStore struct {
	pool *pgxpool.Pool
}

// NewPool configures a Postgres connection pool.
func NewPool(ctx context.Context, cfg PGConfig) (*pgxpool.Pool, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("storage.postgres.dsn is required")
	}

	poolConfig, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse database dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolConfig.MaxConns = int32(cfg.MaxConns)
	}
	if cfg.MinConns > 0 {
		poolConfig.MinConns = int32(cfg.MinConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		poolConfig.MaxConnLifetime = cfg.ConnMaxLifetime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("create pgx pool: %w", err)
	}
	return pool, nil
}

// NewPGStore wires a pool into a PGStore and ensures the schema.
func NewPGStore(ctx context.Context, pool *pgxpool.Pool) (*PGStore, error) {
	s := &PGStore{pool: pool}
	if pool == nil {
		return s, nil
	}
	if _, err := pool.Exec(ctx, createVerdictsSQL); err != nil {
		return nil, fmt.Errorf("create verdicts table: %w", err)
	}
	return s, nil
}

// Close releases the pool.
func (s *PGStore) Close() error {
	if s != nil && s.pool != nil {
		s.pool.Close()
	}
	return nil
}

func (s *PGStore) getPool() (*pgxpool.Pool, error) {
	if s == nil || s.pool == nil {
		return nil, ErrNotConfigured
	}
	return s.pool, nil
}

// SaveVerdict implements VerdictSink. Prices are written as exact decimals.
func (s *PGStore) SaveVerdict(ctx context.Context, v *verdict.Verdict) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	reasons, _ := json.Marshal(v.KeyReasons)
	flags, _ := json.Marshal(v.RedFlags)

	var strike interface{}
	if v.EntryStrike != nil {
		strike = decimal.NewFromFloat(*v.EntryStrike).String()
	}

	_, err = pool.Exec(ctx, upsertVerdictSQL,
		v.ID,
		v.CreatedAt,
		v.Symbol,
		string(v.Kind),
		v.ConfidencePct,
		string(v.HoldingPeriod),
		string(v.EntryType),
		strike,
		decimal.NewFromFloat(v.StopLoss).String(),
		decimal.NewFromFloat(v.TargetPct).String(),
		string(v.Risk),
		v.TrapScore,
		v.Momentum,
		v.NetScore,
		reasons,
		flags,
	)
	if err != nil {
		return fmt.Errorf("insert verdict: %w", err)
	}
	return nil
}

// Verdicts returns archived verdicts, newest first.
func (s *PGStore) Verdicts(ctx context.Context, filter VerdictFilter) ([]verdict.Verdict, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}

	rows, err := pool.Query(ctx, listVerdictsSQL, strings.ToUpper(filter.Symbol), string(filter.Kind), filter.Since, limit)
	if err != nil {
		return nil, fmt.Errorf("list verdicts: %w", err)
	}
	defer rows.Close()

	out := make([]verdict.Verdict, 0, limit)
	for rows.Next() {
		v, err := scanVerdict(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return out, nil
}

func scanVerdict(row pgx.Row) (verdict.Verdict, error) {
	var (
		v                          verdict.Verdict
		kind, holding, entry, risk string
		strike                     *string
		stop, target               string
		reasons, flags             []byte
	)
	if err := row.Scan(&v.ID, &v.CreatedAt, &v.Symbol, &kind, &v.ConfidencePct, &holding, &entry, &strike,
		&stop, &target, &risk, &v.TrapScore, &v.Momentum, &v.NetScore, &reasons, &flags); err != nil {
		return v, fmt.Errorf("scan verdict: %w", err)
	}
	v.Kind = verdict.Kind(kind)
	v.HoldingPeriod = verdict.Holding(holding)
	v.EntryType = verdict.EntryType(entry)
	v.Risk = verdict.Risk(risk)

	if strike != nil {
		d, err := decimal.NewFromString(*strike)
		if err != nil {
			return v, fmt.Errorf("parse entry strike: %w", err)
		}
		f := d.InexactFloat64()
		v.EntryStrike = &f
	}
	sl, err := decimal.NewFromString(stop)
	if err != nil {
		return v, fmt.Errorf("parse stop loss: %w", err)
	}
	v.StopLoss = sl.InexactFloat64()
	tp, err := decimal.NewFromString(target)
	if err != nil {
		return v, fmt.Errorf("parse target: %w", err)
	}
	v.TargetPct = tp.InexactFloat64()

	if len(reasons) > 0 {
		_ = json.Unmarshal(reasons, &v.KeyReasons)
	}
	if len(flags) > 0 {
		_ = json.Unmarshal(flags, &v.RedFlags)
	}
	return v, nil
}
