package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/roach88/lockstep/internal/eventlog"
	"github.com/roach88/lockstep/internal/ir"
)

// AppendEntries durably writes one flush batch for a process.
//
// The batch is written in a single transaction. For every thread in the
// batch, its entries must continue the thread's durable sequence exactly:
// the first entry follows the highest stored seq (or starts the thread),
// and the rest follow without gaps. A violation rolls back the whole batch
// and returns a LogCorruption error.
func (s *Store) AppendEntries(ctx context.Context, process ir.ProcessID, entries []ir.LogEntry) error {
	if len(entries) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("append entries: begin: %w", err)
	}
	defer tx.Rollback()

	next := make(map[ir.ThreadID]int64)
	for _, e := range entries {
		want, ok := next[e.ThreadID]
		if !ok {
			var stored bool
			want, stored, err = nextSeq(ctx, tx, process, e.ThreadID)
			if err != nil {
				return fmt.Errorf("append entries: %w", err)
			}
			// A thread with no durable rows may start anywhere: it resumed
			// from a checkpoint position in a fresh database.
			if !stored {
				want = e.Seq
			}
		}
		if e.Seq != want {
			return eventlog.NewCorruptionError(e.ThreadID, e.Seq, "flush would leave a gap in the durable log", map[string]string{
				"expected": fmt.Sprintf("%d", want),
				"process":  string(process),
			})
		}
		next[e.ThreadID] = want + 1

		_, err := tx.ExecContext(ctx, `
			INSERT INTO log_entries (process_id, thread_id, seq, kind, payload, checksum)
			VALUES (?, ?, ?, ?, ?, ?)
		`,
			string(process),
			int64(e.ThreadID),
			e.Seq,
			int(e.Kind),
			nonNilPayload(e.Payload),
			int64(eventlog.Checksum(e)),
		)
		if err != nil {
			return fmt.Errorf("append entries: thread %d seq %d: %w", e.ThreadID, e.Seq, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("append entries: commit: %w", err)
	}
	return nil
}

func nonNilPayload(p []byte) []byte {
	if p == nil {
		return []byte{}
	}
	return p
}

// nextSeq returns one past the highest stored seq of a thread. The bool is
// false when the thread has no durable rows.
func nextSeq(ctx context.Context, tx *sql.Tx, process ir.ProcessID, thread ir.ThreadID) (int64, bool, error) {
	var max sql.NullInt64
	err := tx.QueryRowContext(ctx, `
		SELECT MAX(seq) FROM log_entries WHERE process_id = ? AND thread_id = ?
	`, string(process), int64(thread)).Scan(&max)
	if err != nil {
		return 0, false, fmt.Errorf("query max seq: %w", err)
	}
	if !max.Valid {
		return 0, false, nil
	}
	return max.Int64 + 1, true, nil
}

// ThreadIDs returns the threads with durable entries, ascending.
func (s *Store) ThreadIDs(ctx context.Context, process ir.ProcessID) ([]ir.ThreadID, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT thread_id FROM log_entries
		WHERE process_id = ?
		ORDER BY thread_id ASC
	`, string(process))
	if err != nil {
		return nil, fmt.Errorf("query threads: %w", err)
	}
	defer rows.Close()

	ids := []ir.ThreadID{}
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan thread: %w", err)
		}
		ids = append(ids, ir.ThreadID(id))
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate threads: %w", err)
	}
	return ids, nil
}

// ReadThread returns a thread's entries with seq >= from, in seq order.
// Rows whose checksum does not match are reported as LogCorruption.
func (s *Store) ReadThread(ctx context.Context, process ir.ProcessID, thread ir.ThreadID, from int64) ([]ir.LogEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT thread_id, seq, kind, payload, checksum
		FROM log_entries
		WHERE process_id = ? AND thread_id = ? AND seq >= ?
		ORDER BY seq ASC
	`, string(process), int64(thread), from)
	if err != nil {
		return nil, fmt.Errorf("query thread %d: %w", thread, err)
	}
	defer rows.Close()
	return scanEntries(rows)
}

// ReadAll returns every entry of a process ordered by thread, then seq.
func (s *Store) ReadAll(ctx context.Context, process ir.ProcessID) ([]ir.LogEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT thread_id, seq, kind, payload, checksum
		FROM log_entries
		WHERE process_id = ?
		ORDER BY thread_id ASC, seq ASC
	`, string(process))
	if err != nil {
		return nil, fmt.Errorf("query entries: %w", err)
	}
	defer rows.Close()
	return scanEntries(rows)
}

func scanEntries(rows *sql.Rows) ([]ir.LogEntry, error) {
	entries := []ir.LogEntry{}
	for rows.Next() {
		var (
			tid, seqNo, sum int64
			kind            int
			payload         []byte
		)
		if err := rows.Scan(&tid, &seqNo, &kind, &payload, &sum); err != nil {
			return nil, fmt.Errorf("scan entry: %w", err)
		}
		e := ir.LogEntry{
			ThreadID: ir.ThreadID(tid),
			Seq:      seqNo,
			Kind:     ir.EventKind(kind),
			Payload:  nonNilPayload(payload),
		}
		if uint64(sum) != eventlog.Checksum(e) {
			return nil, eventlog.NewCorruptionError(e.ThreadID, e.Seq, "stored checksum mismatch", nil)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate entries: %w", err)
	}
	return entries, nil
}

// Processes returns every process with durable entries, ascending.
func (s *Store) Processes(ctx context.Context) ([]ir.ProcessID, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT process_id FROM log_entries ORDER BY process_id COLLATE BINARY ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("query processes: %w", err)
	}
	defer rows.Close()

	out := []ir.ProcessID{}
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, fmt.Errorf("scan process: %w", err)
		}
		out = append(out, ir.ProcessID(p))
	}
	return out, rows.Err()
}

// TruncateTo discards every entry at or after the given positions.
// Threads absent from positions lose all entries: they did not exist at the
// checkpoint being restored.
func (s *Store) TruncateTo(ctx context.Context, process ir.ProcessID, positions []ir.ThreadPosition) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("truncate: begin: %w", err)
	}
	defer tx.Rollback()

	var removed int64
	known := make([]any, 0, len(positions)+1)
	known = append(known, string(process))
	for _, p := range positions {
		res, err := tx.ExecContext(ctx, `
			DELETE FROM log_entries WHERE process_id = ? AND thread_id = ? AND seq >= ?
		`, string(process), int64(p.ThreadID), p.Next)
		if err != nil {
			return 0, fmt.Errorf("truncate thread %d: %w", p.ThreadID, err)
		}
		n, _ := res.RowsAffected()
		removed += n
		known = append(known, int64(p.ThreadID))
	}

	query := `DELETE FROM log_entries WHERE process_id = ?`
	if len(positions) > 0 {
		query += ` AND thread_id NOT IN (` + strings.TrimSuffix(strings.Repeat("?,", len(positions)), ",") + `)`
	}
	res, err := tx.ExecContext(ctx, query, known...)
	if err != nil {
		return 0, fmt.Errorf("truncate unknown threads: %w", err)
	}
	n, _ := res.RowsAffected()
	removed += n

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("truncate: commit: %w", err)
	}
	return removed, nil
}

// ErrNotFound is returned when a requested catalog record does not exist.
var ErrNotFound = errors.New("not found")
