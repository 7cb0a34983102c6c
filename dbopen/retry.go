package dbopen

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// The daemon is the database's only process, but history recording and the
// HTTP handlers still write concurrently, so brief SQLITE_BUSY windows
// happen under WAL. All writes here are small single-statement
// transactions; a few short waits clears them.
const (
	busyAttempts = 5
	busyBaseWait = 50 * time.Millisecond
)

// IsBusy reports whether err is an SQLite BUSY/locked condition. The
// modernc driver surfaces these as message text, not typed errors.
func IsBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") ||
		strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked")
}

// RunTx runs fn inside a transaction, retrying the whole transaction on
// BUSY. fn must be safe to re-run from the top.
func RunTx(ctx context.Context, db *sql.DB, fn func(*sql.Tx) error) error {
	return withBusyRetry(ctx, func() error {
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("dbopen: begin tx: %w", err)
		}
		if err := fn(tx); err != nil {
			tx.Rollback()
			return err
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("dbopen: commit: %w", err)
		}
		return nil
	})
}

// Exec runs a single statement, retrying on BUSY.
func Exec(ctx context.Context, db *sql.DB, query string, args ...any) (sql.Result, error) {
	var res sql.Result
	err := withBusyRetry(ctx, func() error {
		var err error
		res, err = db.ExecContext(ctx, query, args...)
		return err
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// withBusyRetry runs op up to busyAttempts times, waiting 50/100/150...ms
// between BUSY failures. Any other error, and the final BUSY, come back
// as-is so callers see the real driver error.
func withBusyRetry(ctx context.Context, op func() error) error {
	var err error
	for i := range busyAttempts {
		if err = op(); err == nil || !IsBusy(err) {
			return err
		}
		if i == busyAttempts-1 {
			break
		}
		if werr := sleepCtx(ctx, time.Duration(i+1)*busyBaseWait); werr != nil {
			return fmt.Errorf("dbopen: wait for busy database: %w", werr)
		}
	}
	return err
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
