package presence

import (
	"sort"
	"sync"
	"time"
)

type rendered struct {
	entry   Entry
	current Cursor
	target  Cursor
}

// RenderedCursor is a peer cursor at its smoothed on-screen position.
type RenderedCursor struct {
	SessionID string
	UserName  string
	Color     string
	Cursor    Cursor
}

// Smoother interpolates remote cursors toward their latest reported positions so that jittery network
// delivery does not make them jump.
type Smoother struct {
	mu      sync.Mutex
	blend   float64
	ttl     time.Duration
	now     func() time.Time
	cursors map[string]*rendered
}

func NewSmoother(blend float64, ttl time.Duration) *Smoother {
	if blend <= 0 || blend > 1 {
		blend = DefaultBlend
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Smoother{blend: blend, ttl: ttl, now: time.Now, cursors: make(map[string]*rendered)}
}

func (s *Smoother) WithClock(now func() time.Time) *Smoother {
	s.now = now
	return s
}

// Observe records a new target for e.SessionID. A cursor seen for the first time starts at its target.
func (s *Smoother) Observe(e Entry) {
	if e.Cursor == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	e.LastSeen = s.now()
	r, ok := s.cursors[e.SessionID]
	if !ok {
		s.cursors[e.SessionID] = &rendered{entry: e, current: *e.Cursor, target: *e.Cursor}
		return
	}
	r.entry = e
	r.target = *e.Cursor
}

func (s *Smoother) Forget(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.cursors, sessionID)
}

// Tick advances every rendered cursor one step toward its target and returns the live cursors ordered by
// session id. Cursors without a refresh inside the liveness window are dropped.
func (s *Smoother) Tick() []RenderedCursor {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	out := make([]RenderedCursor, 0, len(s.cursors))
	for id, r := range s.cursors {
		if now.Sub(r.entry.LastSeen) > s.ttl {
			delete(s.cursors, id)
			continue
		}
		r.current.X += (r.target.X - r.current.X) * s.blend
		r.current.Y += (r.target.Y - r.current.Y) * s.blend
		out = append(out, RenderedCursor{
			SessionID: id,
			UserName:  r.entry.UserName,
			Color:     r.entry.Color,
			Cursor:    r.current,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].SessionID < out[j].SessionID
	})
	return out
}
