package progress

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/CZERTAINLY/Sweeper/internal/model"

	_ "modernc.org/sqlite"
)

// SQLiteStore keeps progress in a single sqlite database, every checkpoint is
// one transaction.
type SQLiteStore struct {
	db *sql.DB
}

func OpenSQLiteStore(ctx context.Context, path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)

	for _, stmt := range []string{
		`PRAGMA busy_timeout = 5000`,
		`CREATE TABLE IF NOT EXISTS progress (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			version INTEGER NOT NULL,
			run_id TEXT NOT NULL,
			cursor INTEGER NOT NULL,
			completed_count INTEGER NOT NULL,
			updated TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS completed (
			target TEXT PRIMARY KEY
		) WITHOUT ROWID`,
	} {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("initializing progress database: %w", err)
		}
	}
	return &SQLiteStore{db: db}, nil
}

// peekSQLite loads the last checkpoint from a read only connection. A
// missing database or schema means no checkpoint was saved.
func peekSQLite(ctx context.Context, path string) (State, bool, error) {
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		return State{}, false, nil
	}
	db, err := sql.Open("sqlite", "file:"+filepath.ToSlash(path)+"?mode=ro")
	if err != nil {
		return State{}, false, err
	}
	db.SetMaxOpenConns(1)
	defer func() {
		_ = db.Close()
	}()
	if _, err := db.ExecContext(ctx, `PRAGMA busy_timeout = 5000`); err != nil {
		return State{}, false, fmt.Errorf("opening progress database: %w", err)
	}

	var tables int
	err = db.QueryRowContext(ctx,
		`SELECT count(*) FROM sqlite_master WHERE type = 'table' AND name IN ('progress', 'completed')`,
	).Scan(&tables)
	if err != nil {
		return State{}, false, fmt.Errorf("executing sql query failed: %w", err)
	}
	if tables < 2 {
		return State{}, false, nil
	}
	return (&SQLiteStore{db: db}).Load(ctx)
}

func (s *SQLiteStore) Load(ctx context.Context) (State, bool, error) {
	if s.db == nil {
		return State{}, false, model.ErrStoreClosed
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return State{}, false, err
	}
	defer rollback(ctx, tx)

	var st State
	var cursor int64
	var updated string
	err = tx.QueryRowContext(ctx,
		`SELECT version, run_id, cursor, updated FROM progress WHERE id = 1`,
	).Scan(&st.Version, &st.RunID, &cursor, &updated)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return State{}, false, nil
	case err != nil:
		return State{}, false, fmt.Errorf("executing sql query failed: %w", err)
	}
	if st.Version != stateVersion {
		return State{}, false, fmt.Errorf("%w: unsupported version %d", model.ErrCorruptState, st.Version)
	}
	if cursor < 0 {
		return State{}, false, fmt.Errorf("%w: negative cursor %d", model.ErrCorruptState, cursor)
	}
	st.Cursor = uint64(cursor)
	st.Updated, err = time.Parse(time.RFC3339Nano, updated)
	if err != nil {
		return State{}, false, fmt.Errorf("%w: %w", model.ErrCorruptState, err)
	}

	rows, err := tx.QueryContext(ctx, `SELECT target FROM completed`)
	if err != nil {
		return State{}, false, fmt.Errorf("executing sql query failed: %w", err)
	}
	defer rows.Close()
	st.Completed = make(map[model.Target]struct{})
	for rows.Next() {
		var target string
		if err := rows.Scan(&target); err != nil {
			return State{}, false, err
		}
		st.Completed[target] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return State{}, false, err
	}
	return st, true, nil
}

func (s *SQLiteStore) Save(ctx context.Context, snap Snapshot) error {
	if s.db == nil {
		return model.ErrStoreClosed
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer rollback(ctx, tx)

	if len(snap.Added) > 0 {
		stmt, err := tx.PrepareContext(ctx, `INSERT OR IGNORE INTO completed (target) VALUES (?)`)
		if err != nil {
			return fmt.Errorf("preparing sql insert failed: %w", err)
		}
		defer stmt.Close()
		for _, target := range snap.Added {
			if _, err := stmt.ExecContext(ctx, target); err != nil {
				return fmt.Errorf("executing sql insert failed: %w", err)
			}
		}
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO progress (id, version, run_id, cursor, completed_count, updated)
		VALUES (1, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			version = excluded.version,
			run_id = excluded.run_id,
			cursor = excluded.cursor,
			completed_count = excluded.completed_count,
			updated = excluded.updated`,
		stateVersion, snap.RunID, int64(snap.Cursor), snap.Count, snap.Updated.Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("executing sql upsert failed: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction failed: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	if s.db == nil {
		return model.ErrStoreClosed
	}
	err := s.db.Close()
	s.db = nil
	return err
}

func rollback(ctx context.Context, tx *sql.Tx) {
	if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		slog.ErrorContext(ctx, "Calling `tx.Rollback()` failed.", "err", err)
	}
}
