package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"fno-scanner/internal/models"
	"fno-scanner/internal/verdict"
)

// SQLiteStore keeps the watchlist and the local verdict journal.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) the database at dbPath.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(time.Hour)

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	schema := `
	-- Tracked instruments
	CREATE TABLE IF NOT EXISTS watchlist (
		symbol TEXT PRIMARY KEY,
		tier TEXT NOT NULL DEFAULT 'STANDARD',
		alert_threshold REAL NOT NULL DEFAULT 0,
		lot_size INTEGER NOT NULL DEFAULT 0,
		token INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	-- Emitted verdicts
	CREATE TABLE IF NOT EXISTS verdicts (
		id TEXT PRIMARY KEY,
		created_at DATETIME NOT NULL,
		symbol TEXT NOT NULL,
		kind TEXT NOT NULL,
		confidence INTEGER NOT NULL,
		holding TEXT NOT NULL,
		entry_type TEXT NOT NULL,
		entry_strike REAL,
		stop_loss REAL NOT NULL,
		target_pct REAL NOT NULL,
		risk TEXT NOT NULL,
		trap_score INTEGER NOT NULL,
		momentum REAL NOT NULL,
		net_score INTEGER NOT NULL,
		reasons TEXT,
		flags TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_verdicts_symbol_time ON verdicts(symbol, created_at);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// UpsertWatchItem adds or replaces a watchlist entry.
func (s *SQLiteStore) UpsertWatchItem(ctx context.Context, item models.WatchItem) error {
	item = normalizeItem(item)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO watchlist (symbol, tier, alert_threshold, lot_size, token)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(symbol) DO UPDATE SET
			tier = excluded.tier,
			alert_threshold = excluded.alert_threshold,
			lot_size = excluded.lot_size,
			token = excluded.token
	`, item.Symbol, string(item.Tier), item.AlertThreshold, item.LotSize, item.Token)
	if err != nil {
		return fmt.Errorf("failed to upsert watch item: %w", err)
	}
	return nil
}

// RemoveWatchItem deletes symbol from the watchlist.
func (s *SQLiteStore) RemoveWatchItem(ctx context.Context, symbol string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM watchlist WHERE symbol = ?`, strings.ToUpper(symbol))
	if err != nil {
		return fmt.Errorf("failed to remove watch item: %w", err)
	}
	return nil
}

// Watchlist implements WatchlistReader.
func (s *SQLiteStore) Watchlist(ctx context.Context) ([]models.WatchItem, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT symbol, tier, alert_threshold, lot_size, token FROM watchlist ORDER BY created_at ASC, symbol ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query watchlist: %w", err)
	}
	defer rows.Close()

	var items []models.WatchItem
	for rows.Next() {
		var it models.WatchItem
		var tier string
		var token int64
		if err := rows.Scan(&it.Symbol, &tier, &it.AlertThreshold, &it.LotSize, &token); err != nil {
			return nil, fmt.Errorf("failed to scan watch item: %w", err)
		}
		it.Tier = models.ScanTier(tier)
		it.Token = uint32(token)
		items = append(items, it)
	}
	return items, rows.Err()
}

// SaveVerdict implements VerdictSink.
func (s *SQLiteStore) SaveVerdict(ctx context.Context, v *verdict.Verdict) error {
	reasons, _ := json.Marshal(v.KeyReasons)
	flags, _ := json.Marshal(v.RedFlags)

	var strike interface{}
	if v.EntryStrike != nil {
		strike = *v.EntryStrike
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO verdicts (id, created_at, symbol, kind, confidence, holding, entry_type, entry_strike, stop_loss, target_pct, risk, trap_score, momentum, net_score, reasons, flags)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, v.ID, v.CreatedAt.UTC(), v.Symbol, string(v.Kind), v.ConfidencePct, string(v.HoldingPeriod), string(v.EntryType), strike,
		v.StopLoss, v.TargetPct, string(v.Risk), v.TrapScore, v.Momentum, v.NetScore, string(reasons), string(flags))
	if err != nil {
		return fmt.Errorf("failed to save verdict: %w", err)
	}
	return nil
}

// Verdicts returns journal entries, newest first.
func (s *SQLiteStore) Verdicts(ctx context.Context, filter VerdictFilter) ([]verdict.Verdict, error) {
	query := `SELECT id, created_at, symbol, kind, confidence, holding, entry_type, entry_strike, stop_loss, target_pct, risk, trap_score, momentum, net_score, reasons, flags FROM verdicts WHERE 1=1`
	var args []interface{}

	if filter.Symbol != "" {
		query += " AND symbol = ?"
		args = append(args, strings.ToUpper(filter.Symbol))
	}
	if filter.Kind != "" {
		query += " AND kind = ?"
		args = append(args, string(filter.Kind))
	}
	if !filter.Since.IsZero() {
		query += " AND created_at >= ?"
		args = append(args, filter.Since.UTC())
	}
	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query verdicts: %w", err)
	}
	defer rows.Close()

	var out []verdict.Verdict
	for rows.Next() {
		var v verdict.Verdict
		var kind, holding, entry, risk string
		var strike sql.NullFloat64
		var reasons, flags sql.NullString
		if err := rows.Scan(&v.ID, &v.CreatedAt, &v.Symbol, &kind, &v.ConfidencePct, &holding, &entry, &strike,
			&v.StopLoss, &v.TargetPct, &risk, &v.TrapScore, &v.Momentum, &v.NetScore, &reasons, &flags); err != nil {
			return nil, fmt.Errorf("failed to scan verdict: %w", err)
		}
		v.Kind = verdict.Kind(kind)
		v.HoldingPeriod = verdict.Holding(holding)
		v.EntryType = verdict.EntryType(entry)
		v.Risk = verdict.Risk(risk)
		if strike.Valid {
			f := strike.Float64
			v.EntryStrike = &f
		}
		if reasons.Valid {
			_ = json.Unmarshal([]byte(reasons.String), &v.KeyReasons)
		}
		if flags.Valid {
			_ = json.Unmarshal([]byte(flags.String), &v.RedFlags)
		}
		out = append(out, v)
	}
	return out, rows.Err()
}
