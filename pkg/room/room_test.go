package room

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/astromechza/boardsync/pkg/board"
	"github.com/astromechza/boardsync/pkg/codec"
	"github.com/astromechza/boardsync/pkg/presence"
	"github.com/astromechza/boardsync/pkg/protocol"
	"github.com/astromechza/boardsync/pkg/relay"
	"github.com/astromechza/boardsync/pkg/store"
)

type fakePeer struct {
	id       string
	capacity int

	mu     sync.Mutex
	msgs   []protocol.Message
	closed bool
}

func newPeer(id string) *fakePeer {
	return &fakePeer{id: id}
}

func (p *fakePeer) ID() string { return p.id }

func (p *fakePeer) Send(m protocol.Message) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed || (p.capacity > 0 && len(p.msgs) >= p.capacity) {
		return false
	}
	p.msgs = append(p.msgs, m)
	return true
}

func (p *fakePeer) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
}

func (p *fakePeer) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *fakePeer) received(t protocol.Type) []protocol.Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []protocol.Message
	for _, m := range p.msgs {
		if m.Type == t {
			out = append(out, m)
		}
	}
	return out
}

type flakyStore struct {
	store.Store
	loadErr    error
	appendErr  error
	compactErr error
	compacts   atomic.Int32
}

func (f *flakyStore) Load(ctx context.Context, boardID string) (store.Record, error) {
	if f.loadErr != nil {
		return store.Record{}, f.loadErr
	}
	return f.Store.Load(ctx, boardID)
}

func (f *flakyStore) Append(ctx context.Context, boardID string, data []byte) (int64, error) {
	if f.appendErr != nil {
		return 0, f.appendErr
	}
	return f.Store.Append(ctx, boardID, data)
}

func (f *flakyStore) Compact(ctx context.Context, boardID string, snapshot []byte, upTo int64) error {
	f.compacts.Add(1)
	if f.compactErr != nil {
		return f.compactErr
	}
	return f.Store.Compact(ctx, boardID, snapshot, upTo)
}

func create(c uint64, session, id string) board.Op {
	return board.Create(board.Key{Counter: c, Session: session}, board.NewObject(id, board.TypeSticky, 0, 0, 10, 10))
}

func replayed(t *testing.T, s store.Store, boardID string) (store.Record, *board.Document) {
	t.Helper()
	rec, err := s.Load(context.Background(), boardID)
	require.NoError(t, err)
	out, err := store.Replay(rec, nil)
	require.NoError(t, err)
	return rec, out.Doc
}

func TestJoinHydratesFromStore(t *testing.T) {
	mem := store.NewMemory()
	_, err := mem.Append(context.Background(), "b1", codec.EncodeOp(create(1, "old", "o1")))
	require.NoError(t, err)

	m := NewManager(mem, Options{})
	defer m.Close(context.Background())
	r, state, err := m.Join(context.Background(), "b1", newPeer("a"))
	require.NoError(t, err)
	require.Len(t, state.Objects, 1)
	assert.Equal(t, "o1", state.Objects[0].ID)
	assert.Equal(t, uint64(1), state.Clock)

	found, ok := m.Lookup("b1")
	require.True(t, ok)
	assert.Same(t, r, found)
	assert.Len(t, m.Rooms(), 1)
}

func TestSubmitRelaysToOtherSessionsInOrder(t *testing.T) {
	m := NewManager(store.NewMemory(), Options{})
	defer m.Close(context.Background())
	ctx := context.Background()
	a, b := newPeer("a"), newPeer("b")
	r, _, err := m.Join(ctx, "x", a)
	require.NoError(t, err)
	_, _, err = m.Join(ctx, "x", b)
	require.NoError(t, err)

	require.NoError(t, r.Submit("a", create(1, "a", "o1")))
	require.NoError(t, r.Submit("a", board.Set(board.Key{Counter: 2, Session: "a"}, "o1", board.Num(board.FieldX, 5))))

	ops := b.received(protocol.TypeOp)
	require.Len(t, ops, 2)
	assert.Equal(t, board.KindCreate, ops[0].Op.Kind)
	assert.Equal(t, board.KindSet, ops[1].Op.Kind)
	assert.Equal(t, "a", ops[0].Session)
	assert.Empty(t, a.received(protocol.TypeOp))
	acks := a.received(protocol.TypeAck)
	require.Len(t, acks, 2)
	assert.Equal(t, board.Key{Counter: 2, Session: "a"}, *acks[1].Key)
	assert.Empty(t, b.received(protocol.TypeAck))

	c := newPeer("c")
	_, state, err := m.Join(ctx, "x", c)
	require.NoError(t, err)
	require.Len(t, state.Objects, 1)
	assert.Equal(t, 5.0, state.Objects[0].X)
	full := c.received(protocol.TypeFullState)
	require.Len(t, full, 1)
	assert.Equal(t, state, *full[0].State)
	assert.Equal(t, "x", full[0].Board)

	require.NoError(t, r.Submit("b", board.Delete(board.Key{Counter: 3, Session: "b"}, "o1")))
	require.Len(t, c.received(protocol.TypeOp), 1)
	require.Len(t, a.received(protocol.TypeOp), 1)
}

func TestInvalidAndDuplicateOps(t *testing.T) {
	mem := store.NewMemory()
	m := NewManager(mem, Options{})
	defer m.Close(context.Background())
	ctx := context.Background()
	a, b := newPeer("a"), newPeer("b")
	r, _, err := m.Join(ctx, "x", a)
	require.NoError(t, err)
	_, _, err = m.Join(ctx, "x", b)
	require.NoError(t, err)

	err = r.Submit("a", board.Op{Kind: board.KindCreate, ID: "o1", Key: board.Key{Counter: 1, Session: "a"}})
	assert.ErrorIs(t, err, board.ErrInvalidOp)
	assert.ErrorIs(t, r.Submit("nobody", create(1, "a", "o1")), ErrUnknownSession)

	op := create(1, "a", "o1")
	require.NoError(t, r.Submit("a", op))
	require.NoError(t, r.Submit("a", op))
	// a write for an object this room has not seen created yet is held, relayed and stored
	require.NoError(t, r.Submit("a", board.Set(board.Key{Counter: 1, Session: "a"}, "missing", board.Str(board.FieldText, "x"))))
	assert.Len(t, b.received(protocol.TypeOp), 2)
	assert.Len(t, a.received(protocol.TypeAck), 3)

	require.NoError(t, r.Flush(ctx))
	rec, _ := replayed(t, mem, "x")
	assert.Len(t, rec.Log, 2)
}

func TestFarFutureCountersAreRejected(t *testing.T) {
	m := NewManager(store.NewMemory(), Options{MaxClockSkew: 100})
	defer m.Close(context.Background())
	ctx := context.Background()
	a, b := newPeer("a"), newPeer("b")
	r, _, err := m.Join(ctx, "x", a)
	require.NoError(t, err)
	_, _, err = m.Join(ctx, "x", b)
	require.NoError(t, err)

	require.NoError(t, r.Submit("a", create(1, "a", "o1")))
	for _, c := range []uint64{board.MaxCounter, board.MaxCounter - 1, 102} {
		err := r.Submit("a", board.Set(board.Key{Counter: c, Session: "a"}, "o1", board.Num(board.FieldX, 9)))
		assert.ErrorIs(t, err, board.ErrInvalidOp, c)
	}
	assert.Equal(t, uint64(1), r.Stats().Clock)

	require.NoError(t, r.Submit("a", create(101, "a", "o2")))
	require.NoError(t, r.Submit("b", create(102, "b", "o3")))
	assert.Equal(t, uint64(102), r.Stats().Clock)
	assert.Len(t, b.received(protocol.TypeOp), 2)
	assert.Len(t, a.received(protocol.TypeAck), 2)
}

func TestCompactsWhenLogPassesThreshold(t *testing.T) {
	mem := store.NewMemory()
	m := NewManager(mem, Options{})
	defer m.Close(context.Background())
	ctx := context.Background()
	r, _, err := m.Join(ctx, "y", newPeer("a"))
	require.NoError(t, err)

	for i := 1; i <= 101; i++ {
		require.NoError(t, r.Submit("a", create(uint64(i), "a", fmt.Sprintf("o%d", i))))
	}
	require.NoError(t, r.Flush(ctx))

	rec, doc := replayed(t, mem, "y")
	assert.Empty(t, rec.Log)
	assert.NotEmpty(t, rec.Snapshot)
	assert.Equal(t, 101, doc.Len())
	assert.Equal(t, 0, r.Stats().SinceCompact)
}

func TestStoreFailuresDoNotBreakLiveSync(t *testing.T) {
	flaky := &flakyStore{Store: store.NewMemory(), appendErr: errors.New("disk full"), compactErr: errors.New("disk full")}
	m := NewManager(flaky, Options{CompactThreshold: 2, RetryInterval: time.Millisecond, RetryAttempts: 2})
	defer m.Close(context.Background())
	ctx := context.Background()
	b := newPeer("b")
	r, _, err := m.Join(ctx, "x", newPeer("a"))
	require.NoError(t, err)
	_, _, err = m.Join(ctx, "x", b)
	require.NoError(t, err)

	for i := 1; i <= 3; i++ {
		require.NoError(t, r.Submit("a", create(uint64(i), "a", fmt.Sprintf("o%d", i))))
	}
	require.NoError(t, r.Flush(ctx))

	assert.Len(t, b.received(protocol.TypeOp), 3)
	stats := r.Stats()
	assert.Equal(t, int64(3), stats.FailedAppends)
	assert.Equal(t, 3, stats.Objects)
	assert.Equal(t, int32(3), flaky.compacts.Load())
}

func TestHydrationFailureRejectsJoin(t *testing.T) {
	flaky := &flakyStore{Store: store.NewMemory(), loadErr: errors.New("connection refused")}
	m := NewManager(flaky, Options{})
	defer m.Close(context.Background())

	_, _, err := m.Join(context.Background(), "x", newPeer("a"))
	require.Error(t, err)
	_, ok := m.Lookup("x")
	assert.False(t, ok)

	flaky.loadErr = nil
	_, _, err = m.Join(context.Background(), "x", newPeer("a"))
	require.NoError(t, err)
}

func TestIdleRoomIsFlushedAndEvicted(t *testing.T) {
	mem := store.NewMemory()
	m := NewManager(mem, Options{GracePeriod: 20 * time.Millisecond})
	defer m.Close(context.Background())
	ctx := context.Background()
	r, _, err := m.Join(ctx, "x", newPeer("a"))
	require.NoError(t, err)
	for i := 1; i <= 3; i++ {
		require.NoError(t, r.Submit("a", create(uint64(i), "a", fmt.Sprintf("o%d", i))))
	}
	r.Leave("a")

	require.Eventually(t, func() bool {
		_, ok := m.Lookup("x")
		return !ok
	}, 2*time.Second, 5*time.Millisecond)

	rec, doc := replayed(t, mem, "x")
	assert.Empty(t, rec.Log)
	assert.Equal(t, 3, doc.Len())
	assert.ErrorIs(t, r.Submit("a", create(9, "a", "o9")), ErrClosed)

	again, state, err := m.Join(ctx, "x", newPeer("b"))
	require.NoError(t, err)
	assert.NotSame(t, r, again)
	assert.Len(t, state.Objects, 3)
	assert.Equal(t, uint64(3), state.Clock)
}

func TestRejoinCancelsEviction(t *testing.T) {
	m := NewManager(store.NewMemory(), Options{GracePeriod: 30 * time.Millisecond})
	defer m.Close(context.Background())
	ctx := context.Background()
	r, _, err := m.Join(ctx, "x", newPeer("a"))
	require.NoError(t, err)
	require.NoError(t, r.Submit("a", create(1, "a", "o1")))
	r.Leave("a")

	again, state, err := m.Join(ctx, "x", newPeer("b"))
	require.NoError(t, err)
	assert.Same(t, r, again)
	assert.Len(t, state.Objects, 1)

	time.Sleep(100 * time.Millisecond)
	found, ok := m.Lookup("x")
	require.True(t, ok)
	assert.Same(t, r, found)
	assert.Equal(t, 1, r.Stats().Sessions)
}

func TestPresenceIsThrottledAndDroppedOnLeave(t *testing.T) {
	m := NewManager(store.NewMemory(), Options{})
	defer m.Close(context.Background())
	ctx := context.Background()
	a, b := newPeer("a"), newPeer("b")
	r, _, err := m.Join(ctx, "x", a)
	require.NoError(t, err)
	_, _, err = m.Join(ctx, "x", b)
	require.NoError(t, err)

	for i := 0; i < 20; i++ {
		require.NoError(t, r.UpdatePresence("a", presence.Entry{SessionID: "spoofed", UserName: "Ann", Cursor: &presence.Cursor{X: float64(i)}}))
	}
	got := b.received(protocol.TypePresence)
	require.NotEmpty(t, got)
	assert.Less(t, len(got), 5)
	assert.Equal(t, "a", got[0].Presence.SessionID)

	// the last update of the burst is sent once the rate allows
	require.Eventually(t, func() bool {
		got := b.received(protocol.TypePresence)
		return got[len(got)-1].Presence.Cursor.X == 19
	}, 2*time.Second, 5*time.Millisecond)
	assert.Less(t, len(b.received(protocol.TypePresence)), 5)
	assert.Empty(t, a.received(protocol.TypePresence))

	snap := r.PresenceSnapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, "Ann", snap[0].UserName)
	assert.Equal(t, 19.0, snap[0].Cursor.X)

	r.Leave("a")
	leaves := b.received(protocol.TypeLeave)
	require.Len(t, leaves, 1)
	assert.Equal(t, "a", leaves[0].Session)
	assert.Empty(t, r.PresenceSnapshot())
}

func TestSlowPeerIsDropped(t *testing.T) {
	m := NewManager(store.NewMemory(), Options{})
	defer m.Close(context.Background())
	ctx := context.Background()
	slow := &fakePeer{id: "slow", capacity: 2}
	r, _, err := m.Join(ctx, "x", newPeer("a"))
	require.NoError(t, err)
	_, _, err = m.Join(ctx, "x", slow)
	require.NoError(t, err)

	require.NoError(t, r.Submit("a", create(1, "a", "o1")))
	require.NoError(t, r.Submit("a", create(2, "a", "o2")))
	assert.True(t, slow.isClosed())
	assert.Equal(t, 1, r.Stats().Sessions)
}

func TestPresenceIsRelayedBetweenInstances(t *testing.T) {
	bus := relay.NewBus()
	one := NewManager(store.NewMemory(), Options{Relay: bus.Join("one")})
	defer one.Close(context.Background())
	two := NewManager(store.NewMemory(), Options{Relay: bus.Join("two")})
	defer two.Close(context.Background())
	ctx := context.Background()

	a, b := newPeer("a"), newPeer("b")
	ra, _, err := one.Join(ctx, "x", a)
	require.NoError(t, err)
	rb, _, err := two.Join(ctx, "x", b)
	require.NoError(t, err)

	require.NoError(t, ra.UpdatePresence("a", presence.Entry{UserName: "Ann", Cursor: &presence.Cursor{X: 1, Y: 2}}))
	got := b.received(protocol.TypePresence)
	require.Len(t, got, 1)
	assert.Equal(t, "a", got[0].Presence.SessionID)
	require.Len(t, rb.PresenceSnapshot(), 1)
	assert.Empty(t, a.received(protocol.TypePresence))

	ra.Leave("a")
	require.Len(t, b.received(protocol.TypeLeave), 1)
	assert.Empty(t, rb.PresenceSnapshot())
}

func TestHeldPresenceIsDiscardedOnLeave(t *testing.T) {
	m := NewManager(store.NewMemory(), Options{PresenceRate: 20})
	defer m.Close(context.Background())
	ctx := context.Background()
	a, b := newPeer("a"), newPeer("b")
	r, _, err := m.Join(ctx, "x", a)
	require.NoError(t, err)
	_, _, err = m.Join(ctx, "x", b)
	require.NoError(t, err)

	require.NoError(t, r.UpdatePresence("a", presence.Entry{Cursor: &presence.Cursor{X: 1}}))
	require.NoError(t, r.UpdatePresence("a", presence.Entry{Cursor: &presence.Cursor{X: 2}}))
	r.Leave("a")

	time.Sleep(150 * time.Millisecond)
	assert.Len(t, b.received(protocol.TypePresence), 1)
	assert.Empty(t, r.PresenceSnapshot())
}

func TestOpsAreRelayedBetweenInstances(t *testing.T) {
	bus := relay.NewBus()
	mem := store.NewMemory()
	one := NewManager(mem, Options{Relay: bus.Join("one")})
	two := NewManager(mem, Options{Relay: bus.Join("two")})
	ctx := context.Background()

	a, b := newPeer("a"), newPeer("b")
	ra, _, err := one.Join(ctx, "x", a)
	require.NoError(t, err)
	rb, _, err := two.Join(ctx, "x", b)
	require.NoError(t, err)

	require.NoError(t, ra.Submit("a", create(1, "a", "o1")))
	require.NoError(t, rb.Submit("b", board.Set(board.Key{Counter: 2, Session: "b"}, "o1", board.Str(board.FieldColor, "red"))))
	require.NoError(t, rb.Submit("b", create(3, "b", "o2")))

	require.Len(t, b.received(protocol.TypeOp), 1)
	require.Len(t, a.received(protocol.TypeOp), 2)
	assert.Equal(t, 2, ra.Stats().Objects)
	assert.Equal(t, 2, rb.Stats().Objects)
	assert.Equal(t, uint64(3), ra.Stats().Clock)

	require.NoError(t, two.Close(ctx))
	require.NoError(t, one.Close(ctx))
	rec, doc := replayed(t, mem, "x")
	assert.Empty(t, rec.Log)
	assert.Equal(t, []string{"o1", "o2"}, doc.ZOrder())
	o1, _ := doc.Object("o1")
	assert.Equal(t, "red", o1.Color)
}

func TestCompactionKeepsOpsFromOtherInstances(t *testing.T) {
	mem := store.NewMemory()
	// no relay: each instance only sees the other's ops through the store
	one := NewManager(mem, Options{})
	two := NewManager(mem, Options{})
	ctx := context.Background()
	ra, _, err := one.Join(ctx, "x", newPeer("a"))
	require.NoError(t, err)
	rb, _, err := two.Join(ctx, "x", newPeer("b"))
	require.NoError(t, err)

	require.NoError(t, ra.Submit("a", create(1, "a", "o1")))
	require.NoError(t, ra.Flush(ctx))
	require.NoError(t, rb.Submit("b", create(1, "b", "o2")))
	require.NoError(t, rb.Flush(ctx))
	require.NoError(t, ra.Submit("a", create(2, "a", "o3")))
	require.NoError(t, ra.Flush(ctx))

	require.NoError(t, one.Close(ctx))
	rec, doc := replayed(t, mem, "x")
	assert.Empty(t, rec.Log)
	assert.Equal(t, 3, doc.Len())

	require.NoError(t, two.Close(ctx))
	_, doc = replayed(t, mem, "x")
	assert.Equal(t, 3, doc.Len())
}

// gatedStore blocks the first compaction until release is closed.
type gatedStore struct {
	store.Store
	once    sync.Once
	entered chan struct{}
	release chan struct{}
}

func (g *gatedStore) Compact(ctx context.Context, boardID string, snapshot []byte, upTo int64) error {
	g.once.Do(func() {
		close(g.entered)
		<-g.release
	})
	return g.Store.Compact(ctx, boardID, snapshot, upTo)
}

func TestJoinDuringEvictionWaitsForTheFinalSnapshot(t *testing.T) {
	gated := &gatedStore{Store: store.NewMemory(), entered: make(chan struct{}), release: make(chan struct{})}
	m := NewManager(gated, Options{GracePeriod: 10 * time.Millisecond})
	defer m.Close(context.Background())
	ctx := context.Background()
	r, _, err := m.Join(ctx, "x", newPeer("a"))
	require.NoError(t, err)
	for i := 1; i <= 3; i++ {
		require.NoError(t, r.Submit("a", create(uint64(i), "a", fmt.Sprintf("o%d", i))))
	}
	r.Leave("a")

	select {
	case <-gated.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("room was not evicted")
	}

	type joined struct {
		room  *Room
		state board.State
		err   error
	}
	done := make(chan joined, 1)
	go func() {
		again, state, err := m.Join(ctx, "x", newPeer("b"))
		done <- joined{again, state, err}
	}()
	time.Sleep(20 * time.Millisecond)
	close(gated.release)

	var got joined
	select {
	case got = <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("join did not complete")
	}
	require.NoError(t, got.err)
	assert.NotSame(t, r, got.room)
	assert.Len(t, got.state.Objects, 3)
	assert.Equal(t, uint64(3), got.state.Clock)
	assert.Equal(t, 0, r.Stats().Sessions)
}

func TestManagerCloseFlushesRooms(t *testing.T) {
	mem := store.NewMemory()
	m := NewManager(mem, Options{})
	ctx := context.Background()
	a := newPeer("a")
	r, _, err := m.Join(ctx, "x", a)
	require.NoError(t, err)
	require.NoError(t, r.Submit("a", create(1, "a", "o1")))

	require.NoError(t, m.Close(ctx))
	assert.True(t, a.isClosed())
	assert.Empty(t, m.Rooms())

	rec, doc := replayed(t, mem, "x")
	assert.Empty(t, rec.Log)
	assert.Equal(t, 1, doc.Len())

	_, _, err = m.Join(ctx, "x", newPeer("b"))
	assert.ErrorIs(t, err, ErrClosed)
}
