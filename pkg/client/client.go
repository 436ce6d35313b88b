// Package client is a Go client for a board room. It keeps a local replica of the board, stamps local edits
// with Lamport keys, reconnects with backoff, and smooths the cursors of other sessions.
package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/astromechza/boardsync/pkg/board"
	"github.com/astromechza/boardsync/pkg/presence"
	"github.com/astromechza/boardsync/pkg/protocol"
)

type Options struct {
	// URL is the server base url, for example http://localhost:8080.
	URL   string
	Board string
	Token string

	UserName string
	// Actor identifies this replica in op keys. It defaults to a random uuid and must stay unique per replica.
	Actor string

	ReconnectMin time.Duration
	ReconnectMax time.Duration
	SendQueue    int

	CursorRate  float64
	CursorBlend float64
	PresenceTTL time.Duration

	Logger *slog.Logger
}

func (o Options) withDefaults() Options {
	if o.Actor == "" {
		o.Actor = uuid.NewString()
	}
	if o.ReconnectMin <= 0 {
		o.ReconnectMin = 500 * time.Millisecond
	}
	if o.ReconnectMax <= 0 {
		o.ReconnectMax = 30 * time.Second
	}
	if o.SendQueue <= 0 {
		o.SendQueue = 1024
	}
	if o.CursorRate <= 0 {
		o.CursorRate = presence.DefaultRate
	}
	if o.CursorBlend <= 0 {
		o.CursorBlend = presence.DefaultBlend
	}
	if o.PresenceTTL <= 0 {
		o.PresenceTTL = presence.DefaultTTL
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

type Client struct {
	opts   Options
	logger *slog.Logger
	target *url.URL

	mu     sync.Mutex
	doc    *board.Document
	self   presence.Entry
	synced bool
	// outbox holds local ops the server has not acknowledged yet. It is rebased onto every full-state.
	outbox []board.Op
	out    chan protocol.Message
	conn   *websocket.Conn

	cursors  *presence.Smoother
	throttle *presence.Throttle
	changes  chan struct{}
}

func New(opts Options) (*Client, error) {
	opts = opts.withDefaults()
	u, err := url.Parse(opts.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse url: %w", err)
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return nil, fmt.Errorf("unsupported url scheme %q", u.Scheme)
	}
	if opts.Board == "" {
		return nil, fmt.Errorf("board is required")
	}
	u = u.JoinPath("ws", opts.Board)
	if opts.Token != "" {
		q := u.Query()
		q.Set("token", opts.Token)
		u.RawQuery = q.Encode()
	}
	return &Client{
		opts:     opts,
		logger:   opts.Logger.With("board", opts.Board, "actor", opts.Actor),
		target:   u,
		doc:      board.NewDocument(),
		self:     presence.Entry{UserName: opts.UserName},
		cursors:  presence.NewSmoother(opts.CursorBlend, opts.PresenceTTL),
		throttle: presence.NewThrottle(opts.CursorRate),
		changes:  make(chan struct{}, 1),
	}, nil
}

// Run keeps the client connected until ctx is cancelled.
func (c *Client) Run(ctx context.Context) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.opts.ReconnectMin
	b.MaxInterval = c.opts.ReconnectMax
	b.MaxElapsedTime = 0
	err := backoff.RetryNotify(func() error {
		connected, err := c.connectAndSync(ctx)
		if connected {
			b.Reset()
		}
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		if err == nil {
			err = errors.New("connection closed")
		}
		return err
	}, backoff.WithContext(b, ctx), func(err error, wait time.Duration) {
		c.logger.Warn("disconnected, retrying", "wait", wait, "err", err)
	})
	if ctx.Err() != nil {
		return nil
	}
	return err
}

func (c *Client) connectAndSync(ctx context.Context) (bool, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.target.String(), nil)
	if err != nil {
		return false, fmt.Errorf("failed to dial: %w", err)
	}
	defer conn.Close()
	c.logger.Info("connected")

	out := make(chan protocol.Message, c.opts.SendQueue)
	c.mu.Lock()
	c.out = out
	c.conn = conn
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.out = nil
		c.conn = nil
		c.synced = false
		c.mu.Unlock()
	}()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var readErr error
	wg := new(sync.WaitGroup)
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer cancel()
		for {
			_, raw, err := conn.ReadMessage()
			if err != nil {
				readErr = fmt.Errorf("failed to read message: %w", err)
				return
			}
			m, err := protocol.Decode(raw)
			if err != nil {
				c.logger.Debug("ignoring malformed message", "err", err)
				continue
			}
			c.receive(m)
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		defer conn.Close()
		for {
			select {
			case m := <-out:
				raw, err := protocol.Encode(m)
				if err != nil {
					c.logger.Error("failed to encode message", "err", err)
					continue
				}
				if err := conn.WriteMessage(websocket.TextMessage, raw); err != nil {
					c.logger.Warn("failed to write message", "err", err)
					return
				}
			case <-ctx.Done():
				_ = conn.WriteControl(
					websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
					time.Now().Add(time.Second),
				)
				return
			}
		}
	}()

	wg.Wait()
	return true, readErr
}

// Reconnect drops the current connection. Run dials again and the client resyncs from a fresh full-state.
func (c *Client) Reconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		_ = c.conn.Close()
	}
}

func (c *Client) receive(m protocol.Message) {
	switch m.Type {
	case protocol.TypeJoin:
		c.mu.Lock()
		c.self.SessionID = m.Presence.SessionID
		if c.self.UserName == "" {
			c.self.UserName = m.Presence.UserName
		}
		if c.self.Color == "" {
			c.self.Color = m.Presence.Color
		}
		c.mu.Unlock()
	case protocol.TypeFullState:
		c.mu.Lock()
		c.rebaseLocked(*m.State)
		c.mu.Unlock()
		for _, p := range m.Peers {
			c.cursors.Observe(p)
		}
		c.notify()
	case protocol.TypeOp:
		c.mu.Lock()
		changed, err := c.doc.Apply(*m.Op)
		c.mu.Unlock()
		if err != nil {
			c.logger.Debug("ignoring op", "err", err)
		} else if changed {
			c.notify()
		}
	case protocol.TypeAck:
		c.mu.Lock()
		c.ackLocked(*m.Key)
		c.mu.Unlock()
	case protocol.TypePresence:
		c.cursors.Observe(*m.Presence)
	case protocol.TypeLeave:
		c.cursors.Forget(m.Session)
	}
}

// rebaseLocked adopts the server's state and replays the outbox on top of it. Ops that no longer change anything
// have reached the server, or lost to a later write, and are dropped. The rest are sent again.
func (c *Client) rebaseLocked(s board.State) {
	doc := board.FromState(s)
	keep := c.outbox[:0]
	for _, op := range c.outbox {
		if changed, err := doc.Apply(op); err == nil && changed {
			keep = append(keep, op)
			c.sendLocked(protocol.Op(c.self.SessionID, op))
		}
	}
	if len(keep) > 0 {
		c.logger.Info("resending unacknowledged ops", "ops", len(keep))
	}
	c.outbox = keep
	c.doc = doc
	c.synced = true
}

func (c *Client) ackLocked(k board.Key) {
	for i, op := range c.outbox {
		if op.Key == k {
			c.outbox = append(c.outbox[:i], c.outbox[i+1:]...)
			return
		}
	}
}

func (c *Client) sendLocked(m protocol.Message) bool {
	if c.out == nil {
		return false
	}
	select {
	case c.out <- m:
		return true
	default:
		c.logger.Warn("send queue full, dropping message", "type", m.Type)
		return false
	}
}

func (c *Client) notify() {
	select {
	case c.changes <- struct{}{}:
	default:
	}
}

// Changes signals, coalesced, whenever the local replica changes because of a remote op or a resync.
func (c *Client) Changes() <-chan struct{} {
	return c.changes
}

// Synced reports whether the client is connected and has received the current board state.
func (c *Client) Synced() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.synced
}

// Session is the server assigned id of the current connection.
func (c *Client) Session() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.self.SessionID
}

func (c *Client) Objects() []board.Object {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.doc.Objects()
}

func (c *Client) Object(id string) (board.Object, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.doc.Object(id)
}

func (c *Client) State() board.State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.doc.State()
}

// Pending is the number of local ops the server has not acknowledged.
func (c *Client) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.outbox)
}
