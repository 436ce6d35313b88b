package client

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/astromechza/boardsync/pkg/board"
	"github.com/astromechza/boardsync/pkg/gateway"
	"github.com/astromechza/boardsync/pkg/room"
	"github.com/astromechza/boardsync/pkg/store"
)

func newServer(t *testing.T) *httptest.Server {
	mem := store.NewMemory()
	rooms := room.NewManager(mem, room.Options{})
	srv := httptest.NewServer(gateway.New(rooms, gateway.Options{Boards: mem}).Handler())
	t.Cleanup(func() {
		srv.Close()
		_ = rooms.Close(context.Background())
	})
	return srv
}

func start(t *testing.T, srv *httptest.Server, name string) *Client {
	t.Helper()
	c, err := New(Options{URL: srv.URL, Board: "b1", UserName: name, ReconnectMin: 10 * time.Millisecond})
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		assert.NoError(t, <-done)
	})
	return c
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	require.Eventually(t, cond, 5*time.Second, 5*time.Millisecond)
}

func TestClientsConverge(t *testing.T) {
	srv := newServer(t)
	a, b := start(t, srv, "Ann"), start(t, srv, "Bob")
	waitFor(t, a.Synced)
	waitFor(t, b.Synced)

	id, err := a.Create(board.TypeSticky, 0, 0, 10, 10)
	require.NoError(t, err)
	waitFor(t, func() bool {
		_, ok := b.Object(id)
		return ok
	})

	require.NoError(t, b.SetColor(id, "red"))
	require.NoError(t, a.Move(id, 5, 6))
	waitFor(t, func() bool {
		oa, _ := a.Object(id)
		ob, _ := b.Object(id)
		return oa == ob && oa.Color == "red" && oa.X == 5
	})

	other, err := b.Create(board.TypeRectangle, 1, 1, 2, 2)
	require.NoError(t, err)
	waitFor(t, func() bool {
		_, ok := a.Object(other)
		return ok
	})
	require.NoError(t, a.SendToBack(other))
	waitFor(t, func() bool {
		order := b.State().Objects
		return len(order) == 2 && order[0].ID == other
	})
	require.NoError(t, b.Delete(id))
	waitFor(t, func() bool {
		return len(a.Objects()) == 1
	})
	assert.Equal(t, a.State(), b.State())
}

func TestOfflineEditsAreSentOnConnect(t *testing.T) {
	srv := newServer(t)
	offline, err := New(Options{URL: srv.URL, Board: "b1", Actor: "offline"})
	require.NoError(t, err)
	id, err := offline.Create(board.TypeText, 0, 0, 1, 1)
	require.NoError(t, err)
	require.NoError(t, offline.SetText(id, "written offline"))
	assert.Equal(t, 2, offline.Pending())

	watcher := start(t, srv, "watcher")
	waitFor(t, watcher.Synced)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = offline.Run(ctx) }()

	waitFor(t, func() bool {
		o, ok := watcher.Object(id)
		return ok && o.Text == "written offline"
	})
	waitFor(t, func() bool {
		return offline.Pending() == 0
	})
}

func TestAcknowledgedEditsLeaveTheOutbox(t *testing.T) {
	srv := newServer(t)
	a := start(t, srv, "Ann")
	waitFor(t, a.Synced)

	id, err := a.Create(board.TypeSticky, 0, 0, 10, 10)
	require.NoError(t, err)
	for i := 0; i < 20; i++ {
		require.NoError(t, a.Move(id, float64(i), float64(i)))
	}
	waitFor(t, func() bool {
		return a.Pending() == 0
	})
	assert.True(t, a.Synced())
}

func TestReconnectResyncs(t *testing.T) {
	srv := newServer(t)
	a, b := start(t, srv, "Ann"), start(t, srv, "Bob")
	waitFor(t, a.Synced)
	waitFor(t, b.Synced)
	first := a.Session()

	a.Reconnect()
	id, err := a.Create(board.TypeEllipse, 3, 3, 4, 4)
	require.NoError(t, err)

	waitFor(t, func() bool {
		_, ok := b.Object(id)
		return ok
	})
	waitFor(t, func() bool {
		return a.Synced() && a.Session() != first
	})
	waitFor(t, func() bool {
		return assert.ObjectsAreEqual(a.State(), b.State())
	})
}

func TestCursorsAreThrottledAndSmoothed(t *testing.T) {
	srv := newServer(t)
	a, b := start(t, srv, "Ann"), start(t, srv, "Bob")
	waitFor(t, a.Synced)
	waitFor(t, b.Synced)

	require.True(t, a.SendCursor(100, 100))
	assert.False(t, a.SendCursor(200, 200))

	waitFor(t, func() bool {
		return len(b.Cursors()) == 1
	})
	cursor := b.Cursors()[0]
	assert.Equal(t, a.Session(), cursor.SessionID)
	assert.Equal(t, "Ann", cursor.UserName)
	assert.Equal(t, 100.0, cursor.Cursor.X)

	time.Sleep(100 * time.Millisecond)
	require.True(t, a.SendCursor(0, 0))
	waitFor(t, func() bool {
		c := b.Cursors()
		return len(c) == 1 && c[0].Cursor.X < 100
	})
	c := b.Cursors()[0]
	assert.Greater(t, c.Cursor.X, 0.0)
}

func TestNewValidatesOptions(t *testing.T) {
	_, err := New(Options{URL: "ftp://example.com", Board: "b1"})
	assert.Error(t, err)
	_, err = New(Options{URL: "http://example.com"})
	assert.Error(t, err)
	c, err := New(Options{URL: "https://example.com/base", Board: "b1", Token: "t"})
	require.NoError(t, err)
	assert.Equal(t, "wss://example.com/base/ws/b1?token=t", c.target.String())
}
