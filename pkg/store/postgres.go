package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

var postgresSchema = []string{
	`CREATE TABLE IF NOT EXISTS boards (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		owner_id TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS boards_owner_idx ON boards (owner_id, updated_at DESC)`,
	`CREATE TABLE IF NOT EXISTS board_snapshots (
		board_id TEXT PRIMARY KEY,
		data BYTEA NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE TABLE IF NOT EXISTS board_updates (
		id BIGSERIAL PRIMARY KEY,
		board_id TEXT NOT NULL,
		data BYTEA NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS board_updates_board_idx ON board_updates (board_id, id)`,
}

// Postgres stores boards in PostgreSQL through a pgx connection pool.
type Postgres struct {
	pool *pgxpool.Pool
}

func OpenPostgres(ctx context.Context, url string) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	p := &Postgres{pool: pool}
	for _, stmt := range postgresSchema {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			pool.Close()
			return nil, fmt.Errorf("failed to migrate: %w", err)
		}
	}
	slog.Debug("Ensured postgres tables exist")
	return p, nil
}

func (p *Postgres) Load(ctx context.Context, boardID string) (Record, error) {
	tx, err := p.pool.BeginTx(ctx, pgx.TxOptions{AccessMode: pgx.ReadOnly, IsoLevel: pgx.RepeatableRead})
	if err != nil {
		return Record{}, fmt.Errorf("failed to start tx: %w", err)
	}
	defer rollbackPg(ctx, tx)
	return readPostgres(ctx, tx, boardID, math.MaxInt64)
}

func readPostgres(ctx context.Context, tx pgx.Tx, boardID string, upTo int64) (Record, error) {
	var rec Record
	if err := tx.QueryRow(ctx, `SELECT data FROM board_snapshots WHERE board_id = $1`, boardID).Scan(&rec.Snapshot); err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return rec, fmt.Errorf("failed to query snapshot: %w", err)
	}
	rows, err := tx.Query(ctx, `SELECT id, data FROM board_updates WHERE board_id = $1 AND id <= $2 ORDER BY id`, boardID, upTo)
	if err != nil {
		return rec, fmt.Errorf("failed to query updates: %w", err)
	}
	rec.Log, err = pgx.CollectRows(rows, func(row pgx.CollectableRow) (Entry, error) {
		var e Entry
		err := row.Scan(&e.Seq, &e.Data)
		return e, err
	})
	if err != nil {
		return rec, fmt.Errorf("failed to read updates: %w", err)
	}
	return rec, nil
}

func (p *Postgres) Append(ctx context.Context, boardID string, data []byte) (int64, error) {
	var seq int64
	if err := p.pool.QueryRow(ctx,
		`INSERT INTO board_updates (board_id, data) VALUES ($1, $2) RETURNING id`, boardID, data,
	).Scan(&seq); err != nil {
		return 0, fmt.Errorf("failed to insert update: %w", err)
	}
	return seq, nil
}

func (p *Postgres) Compact(ctx context.Context, boardID string, snapshot []byte, upTo int64) error {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to start tx: %w", err)
	}
	defer rollbackPg(ctx, tx)

	// serializes compactions of one board across instances; appends are not blocked, which is why only the
	// rows read below are deleted rather than every id up to upTo
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, boardID); err != nil {
		return fmt.Errorf("failed to lock board: %w", err)
	}
	prev, err := readPostgres(ctx, tx, boardID, upTo)
	if err != nil {
		return err
	}
	merged, err := fold(snapshot, prev)
	if err != nil {
		return err
	}
	if _, err := tx.Exec(ctx,
		`INSERT INTO board_snapshots (board_id, data, updated_at) VALUES ($1, $2, NOW())
		ON CONFLICT (board_id) DO UPDATE SET data = $2, updated_at = NOW()`,
		boardID, merged,
	); err != nil {
		return fmt.Errorf("failed to persist snapshot: %w", err)
	}
	if _, err := tx.Exec(ctx, `DELETE FROM board_updates WHERE board_id = $1 AND id = ANY($2)`, boardID, seqs(prev.Log)); err != nil {
		return fmt.Errorf("failed to truncate updates: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}
	return nil
}

func (p *Postgres) Close() error {
	p.pool.Close()
	return nil
}

func (p *Postgres) ListBoards(ctx context.Context, ownerID string) ([]BoardInfo, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT id, name, owner_id, created_at, updated_at FROM boards WHERE owner_id = $1 ORDER BY updated_at DESC, id`,
		ownerID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query boards: %w", err)
	}
	out, err := pgx.CollectRows(rows, scanBoard)
	if err != nil {
		return nil, fmt.Errorf("failed to read boards: %w", err)
	}
	return out, nil
}

func scanBoard(row pgx.CollectableRow) (BoardInfo, error) {
	var b BoardInfo
	err := row.Scan(&b.ID, &b.Name, &b.OwnerID, &b.CreatedAt, &b.UpdatedAt)
	return b, err
}

func (p *Postgres) CreateBoard(ctx context.Context, info BoardInfo) (BoardInfo, error) {
	if _, err := p.pool.Exec(ctx,
		`INSERT INTO boards (id, name, owner_id) VALUES ($1, $2, $3) ON CONFLICT (id) DO NOTHING`,
		info.ID, info.Name, info.OwnerID,
	); err != nil {
		return BoardInfo{}, fmt.Errorf("failed to insert board: %w", err)
	}
	rows, err := p.pool.Query(ctx, `SELECT id, name, owner_id, created_at, updated_at FROM boards WHERE id = $1`, info.ID)
	if err != nil {
		return BoardInfo{}, fmt.Errorf("failed to read board: %w", err)
	}
	out, err := pgx.CollectExactlyOneRow(rows, scanBoard)
	if err != nil {
		return BoardInfo{}, fmt.Errorf("failed to read board: %w", err)
	}
	return out, nil
}

func (p *Postgres) RenameBoard(ctx context.Context, id, name string) error {
	tag, err := p.pool.Exec(ctx, `UPDATE boards SET name = $1, updated_at = NOW() WHERE id = $2`, name, id)
	return affectedPg(tag, err)
}

func (p *Postgres) DeleteBoard(ctx context.Context, id string) error {
	tag, err := p.pool.Exec(ctx, `DELETE FROM boards WHERE id = $1`, id)
	return affectedPg(tag, err)
}

func affectedPg(tag pgconn.CommandTag, err error) error {
	if err != nil {
		return fmt.Errorf("failed to update board: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func rollbackPg(ctx context.Context, tx pgx.Tx) {
	if err := tx.Rollback(ctx); err != nil && !errors.Is(err, pgx.ErrTxClosed) {
		slog.Error("failed to rollback", "err", err)
	}
}
