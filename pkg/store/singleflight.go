package store

import (
	"context"

	"golang.org/x/sync/singleflight"
)

type singleFlight struct {
	Store
	group singleflight.Group
}

// SingleFlight wraps s so that at most one compaction per board runs at a time. A caller arriving while a
// compaction for the same board is in flight waits for it and shares its result; log entries newer than the
// in-flight compaction point are left in the log and picked up by the next cycle.
func SingleFlight(s Store) Store {
	return &singleFlight{Store: s}
}

func (s *singleFlight) Compact(ctx context.Context, boardID string, snapshot []byte, upTo int64) error {
	_, err, _ := s.group.Do(boardID, func() (interface{}, error) {
		return nil, s.Store.Compact(ctx, boardID, snapshot, upTo)
	})
	return err
}
