// Package sqlite implements eventstore.Store against a logical schema of
// stream/seq/event rows via modernc.org/sqlite (a pure-Go driver, avoiding
// a cgo dependency). Grounded on runlog/inmem.Store for the per-stream
// sequencing contract, translated to SQL: a UNIQUE(stream_id, seq)
// constraint plus a single transaction per Append call gives the same
// per-stream serialization the in-memory backend gets from its mutex.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"sort"
	"time"

	_ "modernc.org/sqlite"

	"github.com/runledger/runledger/eventstore"
	"github.com/runledger/runledger/ledgermodel"
	"github.com/runledger/runledger/runledgererr"
)

const schema = `
CREATE TABLE IF NOT EXISTS events (
	stream_id TEXT NOT NULL,
	seq       INTEGER NOT NULL,
	timestamp TEXT NOT NULL,
	event     TEXT NOT NULL,
	PRIMARY KEY (stream_id, seq)
);
`

// Store implements eventstore.Store against a SQLite database opened via
// database/sql. The zero value is not usable; construct with Open.
type Store struct {
	db *sql.DB
}

// Open opens (creating if absent) a SQLite database at dsn and ensures the
// events table exists. Callers are responsible for closing the returned
// Store's underlying *sql.DB via Close.
func Open(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, runledgererr.New(runledgererr.StoreError, "eventstore/sqlite.Open", err)
	}
	db.SetMaxOpenConns(1) // SQLite writers must serialize; avoid pool contention on locks.
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, runledgererr.New(runledgererr.StoreError, "eventstore/sqlite.Open", err)
	}
	return &Store{db: db}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error { return s.db.Close() }

var _ eventstore.Store = (*Store)(nil)

func (s *Store) headLocked(ctx context.Context, tx *sql.Tx, streamID string) (uint64, error) {
	var head sql.NullInt64
	row := tx.QueryRowContext(ctx, `SELECT MAX(seq) FROM events WHERE stream_id = ?`, streamID)
	if err := row.Scan(&head); err != nil {
		return 0, err
	}
	if !head.Valid {
		return 0, nil
	}
	return uint64(head.Int64), nil
}

// Append implements eventstore.Store. Assigns contiguous seq numbers within
// a single transaction, so a partial failure leaves the stream unchanged.
func (s *Store) Append(ctx context.Context, streamID string, events []ledgermodel.Event) ([]ledgermodel.StoredEvent, error) {
	if len(events) == 0 {
		return nil, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, runledgererr.New(runledgererr.StoreError, "eventstore.Append", err)
	}
	defer tx.Rollback()

	head, err := s.headLocked(ctx, tx, streamID)
	if err != nil {
		return nil, runledgererr.New(runledgererr.StoreError, "eventstore.Append", err)
	}

	ts := time.Now()
	stmt, err := tx.PrepareContext(ctx, `INSERT INTO events (stream_id, seq, timestamp, event) VALUES (?, ?, ?, ?)`)
	if err != nil {
		return nil, runledgererr.New(runledgererr.StoreError, "eventstore.Append", err)
	}
	defer stmt.Close()

	out := make([]ledgermodel.StoredEvent, 0, len(events))
	for i, e := range events {
		raw, err := json.Marshal(e)
		if err != nil {
			return nil, runledgererr.New(runledgererr.StoreError, "eventstore.Append", err)
		}
		seq := head + uint64(i) + 1
		if _, err := stmt.ExecContext(ctx, streamID, seq, ts.Format(time.RFC3339Nano), string(raw)); err != nil {
			return nil, runledgererr.New(runledgererr.StoreError, "eventstore.Append", err)
		}
		out = append(out, ledgermodel.StoredEvent{Seq: seq, Timestamp: ts, StreamID: streamID, Event: raw})
	}
	if err := tx.Commit(); err != nil {
		return nil, runledgererr.New(runledgererr.StoreError, "eventstore.Append", err)
	}
	return out, nil
}

// Replay implements eventstore.Store.
func (s *Store) Replay(ctx context.Context, streamID string, opts eventstore.ReplayOptions) ([]ledgermodel.StoredEvent, error) {
	query := `SELECT seq, timestamp, event FROM events WHERE stream_id = ? AND seq > ?`
	args := []any{streamID, opts.AfterSeq}
	if opts.UpperBoundSeq > 0 {
		query += ` AND seq <= ?`
		args = append(args, opts.UpperBoundSeq)
	}
	query += ` ORDER BY seq ASC`
	if opts.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, opts.Limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, runledgererr.New(runledgererr.StoreError, "eventstore.Replay", err)
	}
	defer rows.Close()

	var out []ledgermodel.StoredEvent
	for rows.Next() {
		var seq uint64
		var ts, event string
		if err := rows.Scan(&seq, &ts, &event); err != nil {
			return nil, runledgererr.New(runledgererr.StoreError, "eventstore.Replay", err)
		}
		parsedTS, _ := time.Parse(time.RFC3339Nano, ts)
		out = append(out, ledgermodel.StoredEvent{Seq: seq, Timestamp: parsedTS, StreamID: streamID, Event: json.RawMessage(event)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out, rows.Err()
}

// Head implements eventstore.Store.
func (s *Store) Head(ctx context.Context, streamID string) (uint64, error) {
	var head sql.NullInt64
	row := s.db.QueryRowContext(ctx, `SELECT MAX(seq) FROM events WHERE stream_id = ?`, streamID)
	if err := row.Scan(&head); err != nil {
		return 0, runledgererr.New(runledgererr.StoreError, "eventstore.Head", err)
	}
	if !head.Valid {
		return 0, nil
	}
	return uint64(head.Int64), nil
}

// Delete implements eventstore.Store. Idempotent: deleting an unknown
// stream is a no-op success.
func (s *Store) Delete(ctx context.Context, streamID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM events WHERE stream_id = ?`, streamID); err != nil {
		return runledgererr.New(runledgererr.StoreError, "eventstore.Delete", err)
	}
	return nil
}
