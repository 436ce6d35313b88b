// Package codec turns board operations and snapshots into the opaque byte records kept in the update log.
//
// Every record is a single format byte followed by a JSON body. Decoding never panics; malformed input
// comes back as a *DecodeError so that readers of the log can skip the record and carry on.
package codec

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/astromechza/boardsync/pkg/board"
)

const (
	formatOp    byte = 0x01
	formatState byte = 0x02
)

// DecodeError reports a record that could not be decoded.
type DecodeError struct {
	Kind string
	Err  error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("failed to decode %s: %v", e.Kind, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// IsDecodeError reports whether err, or anything it wraps, is a *DecodeError.
func IsDecodeError(err error) bool {
	var de *DecodeError
	return errors.As(err, &de)
}

func encode(format byte, v interface{}) []byte {
	body, err := json.Marshal(v)
	if err != nil {
		// Validated operations carry only finite numbers and strings, which always marshal.
		panic(fmt.Sprintf("codec: marshal %T: %v", v, err))
	}
	return append([]byte{format}, body...)
}

func decode(kind string, format byte, raw []byte, v interface{}) error {
	if len(raw) == 0 {
		return &DecodeError{Kind: kind, Err: errors.New("empty record")}
	}
	if raw[0] != format {
		return &DecodeError{Kind: kind, Err: fmt.Errorf("unexpected format byte 0x%02x", raw[0])}
	}
	if err := json.Unmarshal(raw[1:], v); err != nil {
		return &DecodeError{Kind: kind, Err: err}
	}
	return nil
}

func EncodeOp(op board.Op) []byte {
	return encode(formatOp, op)
}

// DecodeOp decodes and validates an operation record.
func DecodeOp(raw []byte) (board.Op, error) {
	var op board.Op
	if err := decode("operation", formatOp, raw, &op); err != nil {
		return board.Op{}, err
	}
	if err := op.Validate(); err != nil {
		return board.Op{}, &DecodeError{Kind: "operation", Err: err}
	}
	return op, nil
}

func EncodeState(s board.State) []byte {
	return encode(formatState, s)
}

func DecodeState(raw []byte) (board.State, error) {
	var s board.State
	if err := decode("snapshot", formatState, raw, &s); err != nil {
		return board.State{}, err
	}
	if s.Objects == nil {
		s.Objects = []board.ObjectState{}
	}
	return s, nil
}
