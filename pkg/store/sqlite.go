package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS boards (
		id TEXT NOT NULL PRIMARY KEY,
		name TEXT NOT NULL,
		owner_id TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS boards_owner_idx ON boards (owner_id, updated_at)`,
	`CREATE TABLE IF NOT EXISTS board_snapshots (
		board_id TEXT NOT NULL PRIMARY KEY,
		data BLOB NOT NULL,
		updated_at TIMESTAMP NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS board_updates (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		board_id TEXT NOT NULL,
		data BLOB NOT NULL,
		created_at TIMESTAMP NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS board_updates_board_idx ON board_updates (board_id, id)`,
}

// SQLite stores boards in a single sqlite database file.
type SQLite struct {
	database *sql.DB
}

// OpenSQLite opens (creating if needed) the database at path and ensures the tables exist.
func OpenSQLite(ctx context.Context, path string) (*SQLite, error) {
	// immediate transactions take the write lock up front, so compaction reads and deletes the same log rows
	db, err := sql.Open("sqlite3", fmt.Sprintf("file:%s?_busy_timeout=5000&_journal_mode=WAL&_foreign_keys=on&_txlock=immediate", path))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// sqlite has a single writer; one connection also keeps :memory: databases shared.
	db.SetMaxOpenConns(1)
	s := &SQLite{database: db}
	if err := s.init(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLite) init(ctx context.Context) error {
	for _, stmt := range sqliteSchema {
		if _, err := s.database.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to migrate: %w", err)
		}
	}
	slog.Debug("Ensured sqlite tables exist")
	return nil
}

func (s *SQLite) Load(ctx context.Context, boardID string) (Record, error) {
	tx, err := s.database.BeginTx(ctx, &sql.TxOptions{})
	if err != nil {
		return Record{}, fmt.Errorf("failed to start tx: %w", err)
	}
	defer rollback(tx)
	return readSQLite(ctx, tx, boardID, math.MaxInt64)
}

func readSQLite(ctx context.Context, tx *sql.Tx, boardID string, upTo int64) (Record, error) {
	var rec Record
	if err := tx.QueryRowContext(ctx, `SELECT data FROM board_snapshots WHERE board_id = ?`, boardID).Scan(&rec.Snapshot); err != nil && !errors.Is(err, sql.ErrNoRows) {
		return rec, fmt.Errorf("failed to query snapshot: %w", err)
	}

	rows, err := tx.QueryContext(ctx, `SELECT id, data FROM board_updates WHERE board_id = ? AND id <= ? ORDER BY id`, boardID, upTo)
	if err != nil {
		return rec, fmt.Errorf("failed to query updates: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.Seq, &e.Data); err != nil {
			return rec, fmt.Errorf("failed to scan update: %w", err)
		}
		rec.Log = append(rec.Log, e)
	}
	if err := rows.Err(); err != nil {
		return rec, fmt.Errorf("failed to read updates: %w", err)
	}
	return rec, nil
}

func (s *SQLite) Append(ctx context.Context, boardID string, data []byte) (int64, error) {
	res, err := s.database.ExecContext(ctx,
		`INSERT INTO board_updates (board_id, data, created_at) VALUES (?, ?, ?)`,
		boardID, data, time.Now().UTC(),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to insert update: %w", err)
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to read update id: %w", err)
	}
	return seq, nil
}

func (s *SQLite) Compact(ctx context.Context, boardID string, snapshot []byte, upTo int64) error {
	tx, err := s.database.BeginTx(ctx, &sql.TxOptions{})
	if err != nil {
		return fmt.Errorf("failed to start tx: %w", err)
	}
	defer rollback(tx)

	prev, err := readSQLite(ctx, tx, boardID, upTo)
	if err != nil {
		return err
	}
	merged, err := fold(snapshot, prev)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO board_snapshots (board_id, data, updated_at) VALUES (?, ?, ?)
		ON CONFLICT (board_id) DO UPDATE SET data = excluded.data, updated_at = excluded.updated_at`,
		boardID, merged, time.Now().UTC(),
	); err != nil {
		return fmt.Errorf("failed to persist snapshot: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM board_updates WHERE board_id = ? AND id <= ?`, boardID, upTo); err != nil {
		return fmt.Errorf("failed to truncate updates: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}
	return nil
}

func (s *SQLite) Close() error {
	return s.database.Close()
}

func (s *SQLite) ListBoards(ctx context.Context, ownerID string) ([]BoardInfo, error) {
	rows, err := s.database.QueryContext(ctx,
		`SELECT id, name, owner_id, created_at, updated_at FROM boards WHERE owner_id = ? ORDER BY updated_at DESC, id`,
		ownerID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query boards: %w", err)
	}
	defer rows.Close()
	out := make([]BoardInfo, 0)
	for rows.Next() {
		var b BoardInfo
		if err := rows.Scan(&b.ID, &b.Name, &b.OwnerID, &b.CreatedAt, &b.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan board: %w", err)
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func (s *SQLite) CreateBoard(ctx context.Context, info BoardInfo) (BoardInfo, error) {
	now := time.Now().UTC()
	if _, err := s.database.ExecContext(ctx,
		`INSERT INTO boards (id, name, owner_id, created_at, updated_at) VALUES (?, ?, ?, ?, ?) ON CONFLICT (id) DO NOTHING`,
		info.ID, info.Name, info.OwnerID, now, now,
	); err != nil {
		return BoardInfo{}, fmt.Errorf("failed to insert board: %w", err)
	}
	var out BoardInfo
	if err := s.database.QueryRowContext(ctx,
		`SELECT id, name, owner_id, created_at, updated_at FROM boards WHERE id = ?`, info.ID,
	).Scan(&out.ID, &out.Name, &out.OwnerID, &out.CreatedAt, &out.UpdatedAt); err != nil {
		return BoardInfo{}, fmt.Errorf("failed to read board: %w", err)
	}
	return out, nil
}

func (s *SQLite) RenameBoard(ctx context.Context, id, name string) error {
	res, err := s.database.ExecContext(ctx, `UPDATE boards SET name = ?, updated_at = ? WHERE id = ?`, name, time.Now().UTC(), id)
	return affected(res, err)
}

func (s *SQLite) DeleteBoard(ctx context.Context, id string) error {
	res, err := s.database.ExecContext(ctx, `DELETE FROM boards WHERE id = ?`, id)
	return affected(res, err)
}

func affected(res sql.Result, err error) error {
	if err != nil {
		return fmt.Errorf("failed to update board: %w", err)
	}
	if r, err := res.RowsAffected(); err != nil {
		return fmt.Errorf("failed to count rows affected: %w", err)
	} else if r == 0 {
		return ErrNotFound
	}
	return nil
}

func rollback(tx *sql.Tx) {
	if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		slog.Error("failed to rollback", "err", err)
	}
}
