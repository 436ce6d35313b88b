// Package relay carries room messages between server instances that host the same board. Ops and presence
// both travel over it. Delivery is best effort: a lost op still reaches the other instances through the shared
// store on their next load, because compaction merges rather than overwrites.
package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/astromechza/boardsync/pkg/protocol"
)

// Relay publishes room messages to, and receives them from, the other instances.
type Relay interface {
	Publish(ctx context.Context, boardID string, m protocol.Message) error
	// Subscribe calls deliver for every message another instance publishes for boardID until the returned
	// stop function is called.
	Subscribe(ctx context.Context, boardID string, deliver func(protocol.Message)) (stop func(), err error)
	Close() error
}

type envelope struct {
	Origin  string           `json:"origin"`
	Message protocol.Message `json:"message"`
}

func encodeEnvelope(origin string, m protocol.Message) ([]byte, error) {
	return json.Marshal(envelope{Origin: origin, Message: m})
}

func decodeEnvelope(raw []byte) (envelope, error) {
	var e envelope
	if err := json.Unmarshal(raw, &e); err != nil {
		return e, fmt.Errorf("failed to decode relay envelope: %w", err)
	}
	return e, nil
}

func channelName(boardID string) string {
	return "boardsync:room:" + boardID
}

// Nop is the relay used by a single instance deployment.
type Nop struct{}

func (Nop) Publish(context.Context, string, protocol.Message) error { return nil }

func (Nop) Subscribe(context.Context, string, func(protocol.Message)) (func(), error) {
	return func() {}, nil
}

func (Nop) Close() error { return nil }

// Bus is an in-process stand-in for a pub/sub server. Each Relay obtained from Join behaves like a separate
// instance.
type Bus struct {
	mu   sync.Mutex
	subs map[string]map[int]func([]byte)
	next int
}

func NewBus() *Bus {
	return &Bus{subs: make(map[string]map[int]func([]byte))}
}

func (b *Bus) Join(origin string) Relay {
	return &busRelay{bus: b, origin: origin}
}

func (b *Bus) publish(channel string, payload []byte) {
	b.mu.Lock()
	targets := make([]func([]byte), 0, len(b.subs[channel]))
	for _, fn := range b.subs[channel] {
		targets = append(targets, fn)
	}
	b.mu.Unlock()
	for _, fn := range targets {
		fn(payload)
	}
}

func (b *Bus) subscribe(channel string, fn func([]byte)) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.subs[channel] == nil {
		b.subs[channel] = make(map[int]func([]byte))
	}
	b.next++
	id := b.next
	b.subs[channel][id] = fn
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.subs[channel], id)
	}
}

type busRelay struct {
	bus    *Bus
	origin string
}

func (r *busRelay) Publish(_ context.Context, boardID string, m protocol.Message) error {
	raw, err := encodeEnvelope(r.origin, m)
	if err != nil {
		return err
	}
	r.bus.publish(channelName(boardID), raw)
	return nil
}

func (r *busRelay) Subscribe(_ context.Context, boardID string, deliver func(protocol.Message)) (func(), error) {
	return r.bus.subscribe(channelName(boardID), func(raw []byte) {
		e, err := decodeEnvelope(raw)
		if err != nil || e.Origin == r.origin {
			return
		}
		deliver(e.Message)
	}), nil
}

func (r *busRelay) Close() error { return nil }
