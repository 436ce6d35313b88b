package board

import (
	"fmt"
	"math"
)

// MaxCounter is reserved: no valid operation carries it, so the clock can never wrap.
const MaxCounter uint64 = math.MaxUint64

// Key is the causality token carried by every operation. Counter is a Lamport clock owned by the
// writing session, so keys from one session are strictly increasing and a write made after observing
// another write always carries a later key.
type Key struct {
	Counter uint64 `json:"c"`
	Session string `json:"s"`
}

// Less reports whether k is ordered before o. Counter decides, the session id breaks ties.
func (k Key) Less(o Key) bool {
	if k.Counter != o.Counter {
		return k.Counter < o.Counter
	}
	return k.Session < o.Session
}

func (k Key) IsZero() bool {
	return k.Counter == 0 && k.Session == ""
}

func (k Key) String() string {
	return fmt.Sprintf("%s@%d", k.Session, k.Counter)
}
