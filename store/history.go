package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/hazyhaar/capsolve/dbopen"
	"github.com/hazyhaar/capsolve/kit"
	"github.com/hazyhaar/capsolve/recognize"
)

// HistoryEntry is one recorded recognition attempt.
type HistoryEntry struct {
	ID        int64  `json:"id"`
	Hostname  string `json:"hostname,omitempty"`
	OK        bool   `json:"ok"`
	Text      string `json:"text,omitempty"`
	ErrKind   string `json:"error_kind,omitempty"`
	Message   string `json:"message,omitempty"`
	Provider  string `json:"provider,omitempty"`
	Model     string `json:"model,omitempty"`
	ElapsedMs int64  `json:"elapsed_ms"`
	Attempts  int    `json:"attempts"`
	CreatedAt int64  `json:"created_at"`
}

// Stats are the running totals since the last reset.
type Stats struct {
	Requests int64 `json:"requests"`
	Success  int64 `json:"success"`
	Fail     int64 `json:"fail"`
	TotalMs  int64 `json:"total_ms"`
}

// RecordOutcome appends one history row, bumps the counters, and prunes.
// This is the dispatcher's Recorder: it must never fail the dispatch path,
// so problems are logged and swallowed.
func (s *Store) RecordOutcome(ctx context.Context, o recognize.Outcome) {
	hostname := kit.GetHostname(ctx)
	if err := s.record(ctx, hostname, o); err != nil {
		s.log.Error("store: record outcome failed", "error", err)
	}
}

func (s *Store) record(ctx context.Context, hostname string, o recognize.Outcome) error {
	return dbopen.RunTx(ctx, s.db, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO history (hostname, ok, text, error_kind, message, provider, model, elapsed_ms, attempts)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			hostname, b2i(o.OK), o.Text, o.ErrKind, o.Message, o.Provider, o.Model,
			o.ElapsedMs, o.Attempts)
		if err != nil {
			return fmt.Errorf("store: insert history: %w", err)
		}
		_, err = tx.ExecContext(ctx,
			`UPDATE stats SET requests = requests + 1, success = success + ?,
			 fail = fail + ?, total_ms = total_ms + ? WHERE id = 1`,
			b2i(o.OK), b2i(!o.OK), o.ElapsedMs)
		if err != nil {
			return fmt.Errorf("store: bump stats: %w", err)
		}
		return pruneHistory(ctx, tx)
	})
}

// pruneHistory enforces the row cap and the retention window inside the
// recording transaction, so the table can never grow unbounded between
// explicit cleanups.
func pruneHistory(ctx context.Context, tx *sql.Tx) error {
	_, err := tx.ExecContext(ctx,
		`DELETE FROM history WHERE id NOT IN (
		     SELECT id FROM history ORDER BY id DESC LIMIT ?)`, maxHistoryRows)
	if err != nil {
		return fmt.Errorf("store: cap history: %w", err)
	}
	_, err = tx.ExecContext(ctx,
		`DELETE FROM history WHERE created_at < strftime('%s','now') -
		     (SELECT history_retention_days FROM settings WHERE id = 1) * 86400`)
	if err != nil {
		return fmt.Errorf("store: expire history: %w", err)
	}
	return nil
}

// History returns the most recent entries, newest first.
func (s *Store) History(ctx context.Context, limit int) ([]HistoryEntry, error) {
	if limit <= 0 || limit > maxHistoryRows {
		limit = maxHistoryRows
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, hostname, ok, text, error_kind, message, provider, model, elapsed_ms, attempts, created_at
		 FROM history ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("store: list history: %w", err)
	}
	defer rows.Close()

	var out []HistoryEntry
	for rows.Next() {
		var e HistoryEntry
		var ok int
		if err := rows.Scan(&e.ID, &e.Hostname, &ok, &e.Text, &e.ErrKind, &e.Message,
			&e.Provider, &e.Model, &e.ElapsedMs, &e.Attempts, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("store: scan history: %w", err)
		}
		e.OK = ok == 1
		out = append(out, e)
	}
	return out, rows.Err()
}

// ClearHistory deletes all history rows. Counters are untouched.
func (s *Store) ClearHistory(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM history`); err != nil {
		return fmt.Errorf("store: clear history: %w", err)
	}
	return nil
}

// LoadStats reads the counters row.
func (s *Store) LoadStats(ctx context.Context) (Stats, error) {
	var st Stats
	err := s.db.QueryRowContext(ctx,
		`SELECT requests, success, fail, total_ms FROM stats WHERE id = 1`).
		Scan(&st.Requests, &st.Success, &st.Fail, &st.TotalMs)
	if err != nil {
		return Stats{}, fmt.Errorf("store: load stats: %w", err)
	}
	return st, nil
}

// ResetStats zeroes the counters.
func (s *Store) ResetStats(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE stats SET requests = 0, success = 0, fail = 0, total_ms = 0 WHERE id = 1`)
	if err != nil {
		return fmt.Errorf("store: reset stats: %w", err)
	}
	return nil
}
