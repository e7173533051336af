// Package spool implements the edge agent's durable FIFO queue: samples
// are enqueued as they are normalized and acknowledged only once the
// server has accepted them, so a crash or network outage never loses a
// reading and never uploads silently drops the FIFO order.
package spool

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	_ "modernc.org/sqlite"

	"invertertelemetry/internal/telemetry"
)

// Spool is a crash-safe, single-writer/single-reader FIFO of samples
// backed by a local WAL-mode sqlite file.
type Spool struct {
	db *sql.DB
}

// Open opens (creating if necessary) the spool database at path.
func Open(path string) (*Spool, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("spool: open %s: %w", path, err)
	}
	db.SetMaxOpenConns(1) // single writer/reader, avoid sqlite lock contention

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS spool_items (
			rowid       INTEGER PRIMARY KEY AUTOINCREMENT,
			payload     BLOB NOT NULL,
			enqueued_at INTEGER NOT NULL
		)`); err != nil {
		db.Close()
		return nil, fmt.Errorf("spool: create table: %w", err)
	}

	return &Spool{db: db}, nil
}

// Close closes the underlying database.
func (s *Spool) Close() error {
	return s.db.Close()
}

// Enqueue appends a sample to the tail of the queue.
func (s *Spool) Enqueue(ctx context.Context, sample telemetry.Sample) error {
	payload, err := json.Marshal(sample)
	if err != nil {
		return fmt.Errorf("spool: marshal sample: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO spool_items (payload, enqueued_at) VALUES (?, ?)`,
		payload, sample.Ts.Unix())
	if err != nil {
		return fmt.Errorf("spool: enqueue: %w", err)
	}
	return nil
}

// Item is one queued sample along with the rowid needed to Ack it.
type Item struct {
	RowID  int64
	Sample telemetry.Sample
}

// Peek returns up to n items from the head of the queue, in FIFO order,
// without removing them.
func (s *Spool) Peek(ctx context.Context, n int) ([]Item, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT rowid, payload FROM spool_items ORDER BY rowid ASC LIMIT ?`, n)
	if err != nil {
		return nil, fmt.Errorf("spool: peek: %w", err)
	}
	defer rows.Close()

	var items []Item
	for rows.Next() {
		var rowid int64
		var payload []byte
		if err := rows.Scan(&rowid, &payload); err != nil {
			return nil, fmt.Errorf("spool: scan: %w", err)
		}
		var sample telemetry.Sample
		if err := json.Unmarshal(payload, &sample); err != nil {
			return nil, fmt.Errorf("spool: unmarshal rowid %d: %w", rowid, err)
		}
		items = append(items, Item{RowID: rowid, Sample: sample})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("spool: peek rows: %w", err)
	}
	return items, nil
}

// Ack removes the given rowids from the queue in a single transaction.
func (s *Spool) Ack(ctx context.Context, rowids []int64) error {
	if len(rowids) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("spool: begin ack tx: %w", err)
	}
	defer tx.Rollback()

	placeholders := make([]string, len(rowids))
	args := make([]any, len(rowids))
	for i, id := range rowids {
		placeholders[i] = "?"
		args[i] = id
	}
	query := fmt.Sprintf(`DELETE FROM spool_items WHERE rowid IN (%s)`, strings.Join(placeholders, ","))
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("spool: ack delete: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("spool: ack commit: %w", err)
	}
	return nil
}

// Count reports how many items remain queued.
func (s *Spool) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM spool_items`).Scan(&n); err != nil {
		return 0, fmt.Errorf("spool: count: %w", err)
	}
	return n, nil
}
