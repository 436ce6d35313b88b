package store

import (
	"fmt"
	"log/slog"

	"github.com/astromechza/boardsync/pkg/board"
	"github.com/astromechza/boardsync/pkg/codec"
)

// Replayed is a document rebuilt from a Record.
type Replayed struct {
	Doc     *board.Document
	LastSeq int64
	Applied int
	Skipped int
}

// Replay rebuilds the document held in rec. A snapshot that cannot be decoded is an error, because continuing
// would later overwrite it with a document that is missing its contents. Log entries that cannot be decoded are
// logged and skipped.
func Replay(rec Record, logger *slog.Logger) (Replayed, error) {
	if logger == nil {
		logger = slog.Default()
	}
	out := Replayed{Doc: board.NewDocument(), LastSeq: rec.LastSeq()}
	if len(rec.Snapshot) > 0 {
		s, err := codec.DecodeState(rec.Snapshot)
		if err != nil {
			return out, fmt.Errorf("failed to load snapshot: %w", err)
		}
		out.Doc = board.FromState(s)
	}
	for _, e := range rec.Log {
		op, err := codec.DecodeOp(e.Data)
		if err != nil {
			logger.Warn("skipping corrupt log entry", "seq", e.Seq, "err", err)
			out.Skipped++
			continue
		}
		if _, err := out.Doc.Apply(op); err != nil {
			logger.Warn("skipping invalid log entry", "seq", e.Seq, "err", err)
			out.Skipped++
			continue
		}
		out.Applied++
	}
	return out, nil
}
