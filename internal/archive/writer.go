// Package archive persists final bars to SQLite so restarts can warm the
// candle cache and the backtest CLI can replay recorded history.
package archive

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"chartstream/internal/metrics"
	"chartstream/internal/model"
	"chartstream/internal/pipeline"
)

const (
	defaultBatchSize  = 100
	defaultFlushDelay = 200 * time.Millisecond
)

type row struct {
	pair model.PairKey
	bar  model.Bar
}

// Writer is a single-connection SQLite writer with transaction batching.
type Writer struct {
	db      *sql.DB
	metrics *metrics.Metrics
}

// NewWriter opens (creating if needed) the archive database in WAL mode.
// m may be nil.
func NewWriter(dbPath string, m *metrics.Metrics) (*Writer, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("archive open: %w", err)
	}

	// Single writer connection; SQLite serializes writes anyway.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := createSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("archive schema: %w", err)
	}

	log.Printf("[archive] opened database at %s", dbPath)
	return &Writer{db: db, metrics: m}, nil
}

func createSchema(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS bars (
			symbol   TEXT    NOT NULL,
			interval TEXT    NOT NULL,
			ts       INTEGER NOT NULL,
			open     REAL    NOT NULL,
			high     REAL    NOT NULL,
			low      REAL    NOT NULL,
			close    REAL    NOT NULL,
			volume   REAL    NOT NULL,
			PRIMARY KEY (symbol, interval, ts)
		);
	`)
	return err
}

// DB exposes the handle for health checks.
func (w *Writer) DB() *sql.DB { return w.db }

// Run consumes pipeline events and commits final bars in batched
// transactions, flushing every defaultBatchSize rows or defaultFlushDelay,
// whichever comes first. Blocks until ctx is cancelled or events closes.
func (w *Writer) Run(ctx context.Context, events <-chan pipeline.Event) {
	batch := make([]row, 0, defaultBatchSize)
	timer := time.NewTimer(defaultFlushDelay)
	defer timer.Stop()

	flush := func() {
		if len(batch) == 0 {
			return
		}
		start := time.Now()
		if err := w.insertBatch(batch); err != nil {
			log.Printf("[archive] batch insert error: %v", err)
		} else {
			if w.metrics != nil {
				w.metrics.ArchiveCommitDur.Observe(time.Since(start).Seconds())
			}
			log.Printf("[archive] committed %d bars in %v", len(batch), time.Since(start))
		}
		batch = batch[:0]
	}

	for {
		select {
		case <-ctx.Done():
			flush()
			return

		case ev, ok := <-events:
			if !ok {
				flush()
				return
			}
			if ev.Type != pipeline.EventBar || !ev.Final {
				continue
			}
			batch = append(batch, row{pair: ev.Pair, bar: ev.Bar})
			if len(batch) >= defaultBatchSize {
				flush()
				timer.Reset(defaultFlushDelay)
			}

		case <-timer.C:
			flush()
			timer.Reset(defaultFlushDelay)
		}
	}
}

func (w *Writer) insertBatch(rows []row) error {
	tx, err := w.db.Begin()
	if err != nil {
		return err
	}

	stmt, err := tx.Prepare(`
		INSERT OR REPLACE INTO bars (symbol, interval, ts, open, high, low, close, volume)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		tx.Rollback()
		return err
	}
	defer stmt.Close()

	for _, r := range rows {
		b := r.bar
		_, err := stmt.Exec(r.pair.Symbol, r.pair.Interval, b.Time, b.Open, b.High, b.Low, b.Close, b.Volume)
		if err != nil {
			tx.Rollback()
			return err
		}
	}

	return tx.Commit()
}

// Append commits bars for pair immediately, outside the batching loop.
// Used by seeding paths that want history on disk before the stream starts.
func (w *Writer) Append(pair model.PairKey, bars []model.Bar) error {
	rows := make([]row, len(bars))
	for i, b := range bars {
		rows[i] = row{pair: pair, bar: b}
	}
	return w.insertBatch(rows)
}

// LastTimestamp returns the newest stored bar time for pair, 0 when none.
func (w *Writer) LastTimestamp(pair model.PairKey) (int64, error) {
	var ts sql.NullInt64
	err := w.db.QueryRow(
		`SELECT MAX(ts) FROM bars WHERE symbol = ? AND interval = ?`,
		pair.Symbol, pair.Interval,
	).Scan(&ts)
	if err != nil {
		return 0, err
	}
	if !ts.Valid {
		return 0, nil
	}
	return ts.Int64, nil
}

// PruneBefore deletes bars older than cutoff (unix seconds) across all
// pairs and reports the number of rows removed.
func (w *Writer) PruneBefore(cutoff int64) (int64, error) {
	res, err := w.db.Exec(`DELETE FROM bars WHERE ts < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("archive prune: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if w.metrics != nil {
		w.metrics.ArchiveRowsPruned.Add(float64(n))
	}
	return n, nil
}

// Close closes the database.
func (w *Writer) Close() error {
	return w.db.Close()
}
