package archive

import (
	"database/sql"
	"fmt"
	"log"

	_ "github.com/mattn/go-sqlite3"

	"chartstream/internal/model"
)

// Reader provides read-only access to the archive for cache warm-up and
// backtest replay.
type Reader struct {
	db *sql.DB
}

// NewReader opens an archive database for reading.
func NewReader(dbPath string) (*Reader, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("archive open reader: %w", err)
	}
	db.SetMaxOpenConns(2)
	db.SetMaxIdleConns(2)

	log.Printf("[archive] reader opened %s", dbPath)
	return &Reader{db: db}, nil
}

// Bars returns pair's bars with ts > afterTS, oldest first.
func (r *Reader) Bars(pair model.PairKey, afterTS int64) ([]model.Bar, error) {
	rows, err := r.db.Query(`
		SELECT ts, open, high, low, close, volume
		FROM bars
		WHERE symbol = ? AND interval = ? AND ts > ?
		ORDER BY ts ASC
	`, pair.Symbol, pair.Interval, afterTS)
	if err != nil {
		return nil, fmt.Errorf("archive query bars: %w", err)
	}
	defer rows.Close()

	return scanBars(rows)
}

// Recent returns the newest limit bars for pair, oldest first.
func (r *Reader) Recent(pair model.PairKey, limit int) ([]model.Bar, error) {
	rows, err := r.db.Query(`
		SELECT ts, open, high, low, close, volume
		FROM bars
		WHERE symbol = ? AND interval = ?
		ORDER BY ts DESC
		LIMIT ?
	`, pair.Symbol, pair.Interval, limit)
	if err != nil {
		return nil, fmt.Errorf("archive query recent: %w", err)
	}
	defer rows.Close()

	bars, err := scanBars(rows)
	if err != nil {
		return nil, err
	}
	// Query order is newest-first; callers expect ascending time.
	for i, j := 0, len(bars)-1; i < j; i, j = i+1, j-1 {
		bars[i], bars[j] = bars[j], bars[i]
	}
	return bars, nil
}

// Pairs lists every (symbol, interval) with at least one stored bar.
func (r *Reader) Pairs() ([]model.PairKey, error) {
	rows, err := r.db.Query(`SELECT DISTINCT symbol, interval FROM bars ORDER BY symbol, interval`)
	if err != nil {
		return nil, fmt.Errorf("archive query pairs: %w", err)
	}
	defer rows.Close()

	var pairs []model.PairKey
	for rows.Next() {
		var p model.PairKey
		if err := rows.Scan(&p.Symbol, &p.Interval); err != nil {
			return nil, fmt.Errorf("archive scan pair: %w", err)
		}
		pairs = append(pairs, p)
	}
	return pairs, rows.Err()
}

func scanBars(rows *sql.Rows) ([]model.Bar, error) {
	var bars []model.Bar
	for rows.Next() {
		var b model.Bar
		if err := rows.Scan(&b.Time, &b.Open, &b.High, &b.Low, &b.Close, &b.Volume); err != nil {
			return nil, fmt.Errorf("archive scan bar: %w", err)
		}
		bars = append(bars, b)
	}
	return bars, rows.Err()
}

// Close closes the reader.
func (r *Reader) Close() error {
	return r.db.Close()
}
