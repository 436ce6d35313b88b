package store

import (
	"fmt"

	"github.com/astromechza/boardsync/pkg/codec"
)

// fold merges snapshot into what the store already holds for a board: the stored snapshot and the log entries
// compaction is about to delete. Several instances may append to one board's log and none of them has to have
// seen every row, so the new snapshot is joined with the old content instead of replacing it.
func fold(snapshot []byte, prev Record) ([]byte, error) {
	out, err := Replay(prev, nil)
	if err != nil {
		return nil, err
	}
	if len(snapshot) > 0 {
		s, err := codec.DecodeState(snapshot)
		if err != nil {
			return nil, fmt.Errorf("failed to decode snapshot: %w", err)
		}
		out.Doc.Merge(s)
	}
	return codec.EncodeState(out.Doc.State()), nil
}

func seqs(log []Entry) []int64 {
	out := make([]int64, 0, len(log))
	for _, e := range log {
		out = append(out, e.Seq)
	}
	return out
}
