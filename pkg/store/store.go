// Package store keeps the durable copy of every board: a snapshot plus the update log appended since that
// snapshot, and the board metadata records served by the API.
//
// Replaying the snapshot and then the log in sequence order reconstructs the current document. Compaction
// merges a new snapshot with the stored one and with the log entries it removes, in a single transaction, so a
// reader never observes a snapshot that skipped log entries or a log that lost entries the snapshot lacks.
// Entries appended by another instance survive compaction even when the compacting room never saw them.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a board metadata record does not exist.
var ErrNotFound = errors.New("not found")

// Entry is one appended operation. Seq increases with every append.
type Entry struct {
	Seq  int64
	Data []byte
}

// Record is everything persisted for one board. Snapshot is nil when the board has never been compacted.
type Record struct {
	Snapshot []byte
	Log      []Entry
}

// LastSeq returns the sequence of the newest log entry, or 0.
func (r Record) LastSeq() int64 {
	if len(r.Log) == 0 {
		return 0
	}
	return r.Log[len(r.Log)-1].Seq
}

// Store persists board snapshots and update logs. Implementations are safe for concurrent use.
type Store interface {
	// Load returns the latest snapshot and every log entry appended after it, in append order.
	Load(ctx context.Context, boardID string) (Record, error)
	// Append durably adds one encoded operation to the board's log and returns its sequence.
	Append(ctx context.Context, boardID string, data []byte) (int64, error)
	// Compact atomically replaces the snapshot with the merge of snapshot, the stored snapshot and the log
	// entries with Seq <= upTo, then deletes exactly those entries.
	Compact(ctx context.Context, boardID string, snapshot []byte, upTo int64) error
	Close() error
}

// BoardInfo is the metadata row for a board.
type BoardInfo struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	OwnerID   string    `json:"owner_id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Boards is the board metadata repository. Board content syncs whether or not a row exists.
type Boards interface {
	// ListBoards returns the owner's boards, most recently updated first.
	ListBoards(ctx context.Context, ownerID string) ([]BoardInfo, error)
	// CreateBoard inserts the board unless the id is taken and returns the stored row.
	CreateBoard(ctx context.Context, info BoardInfo) (BoardInfo, error)
	RenameBoard(ctx context.Context, id, name string) error
	DeleteBoard(ctx context.Context, id string) error
}
