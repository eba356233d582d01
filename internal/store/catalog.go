package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/roach88/lockstep/internal/ir"
)

// RecordCheckpoint writes a checkpoint catalog entry.
// Uses ON CONFLICT(id) DO NOTHING for idempotency.
func (s *Store) RecordCheckpoint(ctx context.Context, session string, rec ir.CheckpointRecord) error {
	participants, err := json.Marshal(rec.Participants)
	if err != nil {
		return fmt.Errorf("record checkpoint: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO checkpoints (id, session, epoch, status, participants, reason)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`, rec.ID, session, rec.Epoch, string(rec.Status), string(participants), rec.Reason)
	if err != nil {
		return fmt.Errorf("record checkpoint: %w", err)
	}
	return nil
}

// GetCheckpoint returns a checkpoint by ID or ErrNotFound.
func (s *Store) GetCheckpoint(ctx context.Context, id string) (ir.CheckpointRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, epoch, status, participants, reason
		FROM checkpoints WHERE id = ?
	`, id)
	rec, err := scanCheckpoint(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ir.CheckpointRecord{}, fmt.Errorf("checkpoint %s: %w", ir.ShortID(id), ErrNotFound)
	}
	return rec, err
}

// LatestCommitted returns the most recent committed checkpoint or ErrNotFound.
func (s *Store) LatestCommitted(ctx context.Context) (ir.CheckpointRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, epoch, status, participants, reason
		FROM checkpoints WHERE status = 'committed'
		ORDER BY seq DESC LIMIT 1
	`)
	rec, err := scanCheckpoint(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ir.CheckpointRecord{}, fmt.Errorf("latest checkpoint: %w", ErrNotFound)
	}
	return rec, err
}

// ListCheckpoints returns up to limit catalog entries, oldest first. A
// negative limit returns them all.
func (s *Store) ListCheckpoints(ctx context.Context, limit int) ([]ir.CheckpointRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, epoch, status, participants, reason FROM (
			SELECT seq, id, epoch, status, participants, reason
			FROM checkpoints ORDER BY seq DESC LIMIT ?
		) ORDER BY seq ASC
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}
	defer rows.Close()

	out := []ir.CheckpointRecord{}
	for rows.Next() {
		rec, err := scanCheckpoint(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate checkpoints: %w", err)
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCheckpoint(row rowScanner) (ir.CheckpointRecord, error) {
	var (
		rec          ir.CheckpointRecord
		status       string
		participants string
	)
	if err := row.Scan(&rec.ID, &rec.Epoch, &status, &participants, &rec.Reason); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return rec, err
		}
		return rec, fmt.Errorf("scan checkpoint: %w", err)
	}
	rec.Status = ir.CheckpointStatus(status)
	if err := json.Unmarshal([]byte(participants), &rec.Participants); err != nil {
		return rec, fmt.Errorf("decode participants of %s: %w", ir.ShortID(rec.ID), err)
	}
	return rec, nil
}

// AppendBarrierEvent appends to the barrier history and returns its seq.
func (s *Store) AppendBarrierEvent(ctx context.Context, ev ir.BarrierEvent) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO barrier_events (epoch, from_phase, to_phase, process_id, detail)
		VALUES (?, ?, ?, ?, ?)
	`, ev.Epoch, ev.From.String(), ev.To.String(), string(ev.ProcessID), ev.Detail)
	if err != nil {
		return 0, fmt.Errorf("append barrier event: %w", err)
	}
	return res.LastInsertId()
}

// ListBarrierEvents returns the last limit barrier events, oldest first.
func (s *Store) ListBarrierEvents(ctx context.Context, limit int) ([]ir.BarrierEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, epoch, from_phase, to_phase, process_id, detail FROM (
			SELECT * FROM barrier_events ORDER BY seq DESC LIMIT ?
		) ORDER BY seq ASC
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list barrier events: %w", err)
	}
	defer rows.Close()

	out := []ir.BarrierEvent{}
	for rows.Next() {
		var (
			ev       ir.BarrierEvent
			from, to string
			pid      string
		)
		if err := rows.Scan(&ev.Seq, &ev.Epoch, &from, &to, &pid, &ev.Detail); err != nil {
			return nil, fmt.Errorf("scan barrier event: %w", err)
		}
		if ev.From, err = ir.ParsePhase(from); err != nil {
			return nil, fmt.Errorf("barrier event %d: %w", ev.Seq, err)
		}
		if ev.To, err = ir.ParsePhase(to); err != nil {
			return nil, fmt.Errorf("barrier event %d: %w", ev.Seq, err)
		}
		ev.ProcessID = ir.ProcessID(pid)
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate barrier events: %w", err)
	}
	return out, nil
}
