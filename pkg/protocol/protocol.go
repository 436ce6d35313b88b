// Package protocol defines the JSON messages exchanged over a room websocket.
//
// Clients send "op" and "presence". The server answers a new connection with one "full-state" and then relays
// "op", "presence", "join" and "leave" from the other sessions in the room. Every op the room accepts is
// answered with an "ack" carrying its key, after which the sender no longer needs to resend it.
package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/astromechza/boardsync/pkg/board"
	"github.com/astromechza/boardsync/pkg/presence"
)

type Type string

const (
	TypeJoin      Type = "join"
	TypeOp        Type = "op"
	TypePresence  Type = "presence"
	TypeFullState Type = "full-state"
	TypeLeave     Type = "leave"
	TypeAck       Type = "ack"
)

type Message struct {
	Type     Type             `json:"type"`
	Board    string           `json:"board,omitempty"`
	Session  string           `json:"session,omitempty"`
	Op       *board.Op        `json:"op,omitempty"`
	Presence *presence.Entry  `json:"presence,omitempty"`
	Peers    []presence.Entry `json:"peers,omitempty"`
	State    *board.State     `json:"state,omitempty"`
	Key      *board.Key       `json:"key,omitempty"`
}

func Op(session string, op board.Op) Message {
	return Message{Type: TypeOp, Session: session, Op: &op}
}

func Presence(e presence.Entry) Message {
	return Message{Type: TypePresence, Session: e.SessionID, Presence: &e}
}

func Join(e presence.Entry) Message {
	return Message{Type: TypeJoin, Session: e.SessionID, Presence: &e}
}

func Leave(session string) Message {
	return Message{Type: TypeLeave, Session: session}
}

func FullState(boardID, session string, s board.State, peers []presence.Entry) Message {
	return Message{Type: TypeFullState, Board: boardID, Session: session, State: &s, Peers: peers}
}

// Ack confirms that the room has applied, or already held, the op with key k.
func Ack(session string, k board.Key) Message {
	return Message{Type: TypeAck, Session: session, Key: &k}
}

func Encode(m Message) ([]byte, error) {
	return json.Marshal(m)
}

// Decode parses a message and checks that the payload its type requires is present.
func Decode(raw []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(raw, &m); err != nil {
		return m, fmt.Errorf("failed to decode message: %w", err)
	}
	switch m.Type {
	case TypeOp:
		if m.Op == nil {
			return m, fmt.Errorf("op message without op")
		}
	case TypePresence, TypeJoin:
		if m.Presence == nil {
			return m, fmt.Errorf("%s message without presence", m.Type)
		}
	case TypeFullState:
		if m.State == nil {
			return m, fmt.Errorf("full-state message without state")
		}
	case TypeAck:
		if m.Key == nil {
			return m, fmt.Errorf("ack message without key")
		}
	case TypeLeave:
	default:
		return m, fmt.Errorf("unknown message type %q", m.Type)
	}
	return m, nil
}
