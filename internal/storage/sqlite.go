package storage

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	// SQLite driver, registered as "sqlite3".
	_ "github.com/mattn/go-sqlite3"

	"github.com/rhiggins/spx-autotrader/internal/models"
)

// SQLiteStorage persists attempts, legs, price trails, positions, and daily
// P&L in one SQLite file. Positions are stored as JSON documents beside the
// relational audit tables: the audit rows are what analysis queries touch,
// while the position document round-trips the full struct without schema
// churn.
type SQLiteStorage struct {
	mu sync.Mutex
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS trade_attempts (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	position_id TEXT NOT NULL DEFAULT '',
	strategy    TEXT NOT NULL,
	symbol      TEXT NOT NULL,
	structure   TEXT NOT NULL,
	quantity    INTEGER NOT NULL,
	base_price  REAL NOT NULL,
	final_price REAL NOT NULL DEFAULT 0,
	status      TEXT NOT NULL,
	reason      TEXT NOT NULL DEFAULT '',
	order_id    INTEGER NOT NULL DEFAULT 0,
	created_at  TIMESTAMP NOT NULL,
	filled_at   TIMESTAMP
);

CREATE TABLE IF NOT EXISTS option_legs (
	id              INTEGER PRIMARY KEY AUTOINCREMENT,
	attempt_id      INTEGER NOT NULL REFERENCES trade_attempts(id),
	name            TEXT NOT NULL,
	contract_symbol TEXT NOT NULL,
	side            TEXT NOT NULL,
	expiry          TIMESTAMP NOT NULL,
	strike          REAL NOT NULL,
	ratio           INTEGER NOT NULL,
	delta           REAL NOT NULL,
	bid             REAL NOT NULL,
	ask             REAL NOT NULL
);

CREATE TABLE IF NOT EXISTS price_adjustments (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	attempt_id INTEGER NOT NULL REFERENCES trade_attempts(id),
	old_price  REAL NOT NULL,
	new_price  REAL NOT NULL,
	step       INTEGER NOT NULL,
	created_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS positions (
	id         TEXT PRIMARY KEY,
	state      TEXT NOT NULL,
	strategy   TEXT NOT NULL,
	data       TEXT NOT NULL,
	updated_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS daily_pnl (
	date TEXT PRIMARY KEY,
	pnl  REAL NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_attempts_created ON trade_attempts(created_at);
CREATE INDEX IF NOT EXISTS idx_legs_attempt ON option_legs(attempt_id);
CREATE INDEX IF NOT EXISTS idx_adjustments_attempt ON price_adjustments(attempt_id);
CREATE INDEX IF NOT EXISTS idx_positions_state ON positions(state);
`

// NewSQLiteStorage opens (creating if needed) the database at path.
func NewSQLiteStorage(path string) (*SQLiteStorage, error) {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create storage dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// SQLite allows one writer; a single pooled connection keeps writes
	// serialized instead of surfacing SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &SQLiteStorage{db: db}, nil
}

// Close releases the underlying database handle.
func (s *SQLiteStorage) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Close()
}

// RecordTradeAttempt inserts a new attempt and returns its row ID.
func (s *SQLiteStorage) RecordTradeAttempt(a *TradeAttempt) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	created := a.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}
	status := a.Status
	if status == "" {
		status = AttemptWorking
	}
	res, err := s.db.Exec(`
		INSERT INTO trade_attempts
		(position_id, strategy, symbol, structure, quantity, base_price, final_price, status, reason, order_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.PositionID, a.Strategy, a.Symbol, a.Structure, a.Quantity,
		a.BasePrice, a.FinalPrice, status, a.Reason, a.OrderID, created)
	if err != nil {
		return 0, fmt.Errorf("insert trade attempt: %w", err)
	}
	return res.LastInsertId()
}

// UpdateTradeAttempt records the terminal outcome of an attempt.
func (s *SQLiteStorage) UpdateTradeAttempt(id int64, status, reason string, finalPrice float64, orderID int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var filledAt interface{}
	if status == AttemptFilled {
		filledAt = time.Now().UTC()
	}
	res, err := s.db.Exec(`
		UPDATE trade_attempts
		SET status = ?, reason = ?, final_price = ?, order_id = ?, filled_at = COALESCE(?, filled_at)
		WHERE id = ?`,
		status, reason, finalPrice, orderID, filledAt, id)
	if err != nil {
		return fmt.Errorf("update trade attempt %d: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: id %d", ErrAttemptNotFound, id)
	}
	return nil
}

// RecordOptionLeg stores one resolved leg under an attempt.
func (s *SQLiteStorage) RecordOptionLeg(attemptID int64, leg *OptionLeg) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO option_legs
		(attempt_id, name, contract_symbol, side, expiry, strike, ratio, delta, bid, ask)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		attemptID, leg.Name, leg.ContractSymbol, leg.Right, leg.Expiry,
		leg.Strike, leg.Ratio, leg.Delta, leg.Bid, leg.Ask)
	if err != nil {
		return fmt.Errorf("insert option leg: %w", err)
	}
	return nil
}

// RecordPriceAdjustment stores one ladder repricing.
func (s *SQLiteStorage) RecordPriceAdjustment(attemptID int64, oldPrice, newPrice float64, step int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO price_adjustments (attempt_id, old_price, new_price, step, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		attemptID, oldPrice, newPrice, step, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("insert price adjustment: %w", err)
	}
	return nil
}

// GetPriceAdjustments returns an attempt's price trail in step order.
func (s *SQLiteStorage) GetPriceAdjustments(attemptID int64) ([]PriceAdjustment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query(`
		SELECT attempt_id, old_price, new_price, step, created_at
		FROM price_adjustments WHERE attempt_id = ? ORDER BY step`, attemptID)
	if err != nil {
		return nil, fmt.Errorf("query price adjustments: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []PriceAdjustment
	for rows.Next() {
		var p PriceAdjustment
		if err := rows.Scan(&p.AttemptID, &p.OldPrice, &p.NewPrice, &p.Step, &p.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// GetRecentAttempts returns the newest attempts first.
func (s *SQLiteStorage) GetRecentAttempts(limit int) ([]TradeAttempt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(`
		SELECT id, position_id, strategy, symbol, structure, quantity, base_price,
		       final_price, status, reason, order_id, created_at, filled_at
		FROM trade_attempts ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query attempts: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []TradeAttempt
	for rows.Next() {
		var a TradeAttempt
		var filled sql.NullTime
		if err := rows.Scan(&a.ID, &a.PositionID, &a.Strategy, &a.Symbol, &a.Structure,
			&a.Quantity, &a.BasePrice, &a.FinalPrice, &a.Status, &a.Reason,
			&a.OrderID, &a.CreatedAt, &filled); err != nil {
			return nil, err
		}
		if filled.Valid {
			a.FilledAt = filled.Time
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// SavePosition upserts the position document keyed by ID.
func (s *SQLiteStorage) SavePosition(pos *models.Position) error {
	if pos == nil || pos.ID == "" {
		return fmt.Errorf("storage: position must have an ID")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.Marshal(pos)
	if err != nil {
		return fmt.Errorf("marshal position %s: %w", pos.ID, err)
	}
	_, err = s.db.Exec(`
		INSERT INTO positions (id, state, strategy, data, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			state = excluded.state,
			strategy = excluded.strategy,
			data = excluded.data,
			updated_at = excluded.updated_at`,
		pos.ID, string(pos.State), pos.Strategy, string(data), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("save position %s: %w", pos.ID, err)
	}
	return nil
}

// GetPositionByID loads one position document.
func (s *SQLiteStorage) GetPositionByID(id string) (*models.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var data string
	err := s.db.QueryRow(`SELECT data FROM positions WHERE id = ?`, id).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %s", ErrPositionNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("load position %s: %w", id, err)
	}
	return unmarshalPosition(data)
}

// GetOpenPositions returns every position whose lifecycle has not completed.
func (s *SQLiteStorage) GetOpenPositions() ([]*models.Position, error) {
	return s.queryPositions(`SELECT data FROM positions WHERE state != ? ORDER BY updated_at`, string(models.StateCompleted))
}

// GetPositionHistory returns completed positions, newest first.
func (s *SQLiteStorage) GetPositionHistory(limit int) ([]*models.Position, error) {
	if limit <= 0 {
		limit = 100
	}
	return s.queryPositions(`SELECT data FROM positions WHERE state = ? ORDER BY updated_at DESC LIMIT ?`,
		string(models.StateCompleted), limit)
}

func (s *SQLiteStorage) queryPositions(query string, args ...interface{}) ([]*models.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query positions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*models.Position
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		pos, err := unmarshalPosition(data)
		if err != nil {
			return nil, err
		}
		out = append(out, pos)
	}
	return out, rows.Err()
}

func unmarshalPosition(data string) (*models.Position, error) {
	var pos models.Position
	if err := json.Unmarshal([]byte(data), &pos); err != nil {
		return nil, fmt.Errorf("unmarshal position: %w", err)
	}
	if err := pos.ValidateState(); err != nil {
		return nil, fmt.Errorf("corrupt position document: %w", err)
	}
	return &pos, nil
}

// AddDailyPnL accumulates realized P&L for an eastern calendar date.
func (s *SQLiteStorage) AddDailyPnL(date string, pnl float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO daily_pnl (date, pnl) VALUES (?, ?)
		ON CONFLICT(date) DO UPDATE SET pnl = pnl + excluded.pnl`,
		date, pnl)
	if err != nil {
		return fmt.Errorf("add daily pnl: %w", err)
	}
	return nil
}

// GetDailyPnL returns the accumulated P&L for a date, zero when absent.
func (s *SQLiteStorage) GetDailyPnL(date string) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var pnl float64
	err := s.db.QueryRow(`SELECT pnl FROM daily_pnl WHERE date = ?`, date).Scan(&pnl)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("get daily pnl: %w", err)
	}
	return pnl, nil
}
