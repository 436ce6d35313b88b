package client

import (
	"fmt"

	gonanoid "github.com/matoous/go-nanoid/v2"

	"github.com/astromechza/boardsync/pkg/board"
	"github.com/astromechza/boardsync/pkg/presence"
	"github.com/astromechza/boardsync/pkg/protocol"
)

// Submit applies op locally and sends it to the room. While disconnected the op waits in the outbox.
func (c *Client) Submit(op board.Op) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.submitLocked(op)
}

func (c *Client) submitLocked(op board.Op) error {
	changed, err := c.doc.Apply(op)
	if err != nil {
		return err
	}
	if !changed {
		return nil
	}
	c.outbox = append(c.outbox, op)
	c.sendLocked(protocol.Op(c.self.SessionID, op))
	return nil
}

// edit stamps a new op with the next Lamport key for this replica.
func (c *Client) edit(build func(board.Key) board.Op) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.submitLocked(build(c.doc.NextKey(c.opts.Actor)))
}

// Create adds an object of the given type and returns its id.
func (c *Client) Create(typ string, x, y, width, height float64) (string, error) {
	id, err := gonanoid.New()
	if err != nil {
		return "", fmt.Errorf("failed to generate object id: %w", err)
	}
	return id, c.edit(func(k board.Key) board.Op {
		return board.Create(k, board.NewObject(id, typ, x, y, width, height))
	})
}

// Move writes x and y together so that a concurrent move wins or loses as a whole.
func (c *Client) Move(id string, x, y float64) error {
	return c.edit(func(k board.Key) board.Op {
		return board.Set(k, id, board.Num(board.FieldX, x), board.Num(board.FieldY, y))
	})
}

func (c *Client) Resize(id string, width, height float64) error {
	return c.edit(func(k board.Key) board.Op {
		return board.Set(k, id, board.Num(board.FieldWidth, width), board.Num(board.FieldHeight, height))
	})
}

func (c *Client) SetText(id, text string) error {
	return c.edit(func(k board.Key) board.Op {
		return board.Set(k, id, board.Str(board.FieldText, text))
	})
}

func (c *Client) SetColor(id, color string) error {
	return c.edit(func(k board.Key) board.Op {
		return board.Set(k, id, board.Str(board.FieldColor, color))
	})
}

func (c *Client) Delete(id string) error {
	return c.edit(func(k board.Key) board.Op {
		return board.Delete(k, id)
	})
}

func (c *Client) BringToFront(id string) error {
	return c.edit(func(k board.Key) board.Op {
		return board.Move(k, id, board.TargetFront)
	})
}

func (c *Client) SendToBack(id string) error {
	return c.edit(func(k board.Key) board.Op {
		return board.Move(k, id, board.TargetBack)
	})
}

// SendCursor publishes the local cursor. It returns false when the update was throttled or there is no live
// session to send it on.
func (c *Client) SendCursor(x, y float64) bool {
	if !c.throttle.Allow() {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.out == nil {
		return false
	}
	e := c.self
	e.Cursor = &presence.Cursor{X: x, Y: y}
	return c.sendLocked(protocol.Presence(e))
}

// Cursors advances the smoothing of remote cursors by one render tick and returns them.
func (c *Client) Cursors() []presence.RenderedCursor {
	return c.cursors.Tick()
}
