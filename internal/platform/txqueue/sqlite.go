// Package txqueue implements the durable FIFO the dispatcher enqueues
// mutating requests onto and the state-machine executor drains. It is
// separate from the in-memory request queue (internal/dispatcher) and survives process restarts, per spec.md §4.3.
//
// The queue is a single-file SQLite database rather than the original
// implementation's JSON-file-backed persistqueue
// (_examples/original_source/buelon/helpers/persistqueue, referenced
// from worker.py), reimplemented with the pure-Go, cgo-free
// github.com/glebarez/go-sqlite driver so the hub binary stays a single
// static executable.
package txqueue

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/glebarez/go-sqlite"
)

// Item is one durable queue entry: a mutating method and the JSON
// encoding of the payload value passed to Enqueue.
type Item struct {
	Seq     int64
	Method  string
	Payload []byte
}

type Queue struct {
	db *sql.DB
}

// Open creates (if needed) dir and the queue database inside it.
func Open(dir string) (*Queue, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("txqueue: mkdir: %w", err)
	}
	path := filepath.Join(dir, "queue.db")
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("txqueue: open: %w", err)
	}
	db.SetMaxOpenConns(1) // single-writer FIFO; avoid SQLITE_BUSY under concurrent goroutines

	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS transactions (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		method TEXT NOT NULL,
		payload BLOB NOT NULL,
		enqueued_at INTEGER NOT NULL
	)`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("txqueue: migrate: %w", err)
	}
	return &Queue{db: db}, nil
}

func (q *Queue) Close() error {
	return q.db.Close()
}

// Enqueue durably appends method/payload, returning once committed.
func (q *Queue) Enqueue(ctx context.Context, method string, payload any, enqueuedAt int64) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("txqueue: encode: %w", err)
	}
	_, err = q.db.ExecContext(ctx, `INSERT INTO transactions (method, payload, enqueued_at) VALUES (?, ?, ?)`,
		method, raw, enqueuedAt)
	if err != nil {
		return fmt.Errorf("txqueue: enqueue: %w", err)
	}
	return nil
}

// Peek returns the oldest item without removing it, or (Item{}, false,
// nil) if empty. Callers must call Ack(item.Seq) only once the item has
// actually been applied: a crash between Peek and Ack just re-delivers
// the same row on the next Peek, matching the at-least-once contract
// spec.md §4.3 requires ("a crash between enqueue and apply MUST NOT
// lose the mutation") and which this system relies on by making every
// apply idempotent.
func (q *Queue) Peek(ctx context.Context) (Item, bool, error) {
	var item Item
	row := q.db.QueryRowContext(ctx, `SELECT seq, method, payload FROM transactions ORDER BY seq ASC LIMIT 1`)
	if err := row.Scan(&item.Seq, &item.Method, &item.Payload); err != nil {
		if err == sql.ErrNoRows {
			return Item{}, false, nil
		}
		return Item{}, false, fmt.Errorf("txqueue: peek: %w", err)
	}
	return item, true, nil
}

// Ack removes the item at seq, once its mutation has been durably
// applied. Acking a seq that no longer exists (e.g. double-ack after a
// crash-and-redeliver) is a no-op.
func (q *Queue) Ack(ctx context.Context, seq int64) error {
	if _, err := q.db.ExecContext(ctx, `DELETE FROM transactions WHERE seq = ?`, seq); err != nil {
		return fmt.Errorf("txqueue: ack: %w", err)
	}
	return nil
}

// Size reports the number of durable, unapplied items.
func (q *Queue) Size(ctx context.Context) (int, error) {
	var n int
	if err := q.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM transactions`).Scan(&n); err != nil {
		return 0, fmt.Errorf("txqueue: size: %w", err)
	}
	return n, nil
}
