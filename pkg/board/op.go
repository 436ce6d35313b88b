package board

import (
	"errors"
	"fmt"
	"math"
)

// ErrInvalidOp is returned for operations that are malformed and must be ignored.
var ErrInvalidOp = errors.New("invalid operation")

type Kind string

const (
	KindCreate Kind = "create"
	KindSet    Kind = "set"
	KindDelete Kind = "delete"
	KindMove   Kind = "move"
)

// Target is the end of the z-order a move operation relocates an object to.
type Target string

const (
	TargetFront Target = "front"
	TargetBack  Target = "back"
)

// Op is an atomic change to a Document.
type Op struct {
	Kind   Kind    `json:"kind"`
	ID     string  `json:"id"`
	Key    Key     `json:"key"`
	Object *Object `json:"object,omitempty"`
	Writes []Write `json:"writes,omitempty"`
	Target Target  `json:"target,omitempty"`
}

func Create(key Key, obj Object) Op {
	return Op{Kind: KindCreate, ID: obj.ID, Key: key, Object: &obj}
}

func Set(key Key, id string, writes ...Write) Op {
	return Op{Kind: KindSet, ID: id, Key: key, Writes: writes}
}

func Delete(key Key, id string) Op {
	return Op{Kind: KindDelete, ID: id, Key: key}
}

func Move(key Key, id string, target Target) Op {
	return Op{Kind: KindMove, ID: id, Key: key, Target: target}
}

// Validate checks the structural rules of an operation. It knows nothing about document state.
func (op Op) Validate() error {
	if op.ID == "" {
		return fmt.Errorf("%w: missing object id", ErrInvalidOp)
	}
	if op.Key.Counter == 0 || op.Key.Session == "" {
		return fmt.Errorf("%w: incomplete key %s", ErrInvalidOp, op.Key)
	}
	if op.Key.Counter == MaxCounter {
		return fmt.Errorf("%w: counter exhausted %s", ErrInvalidOp, op.Key)
	}
	switch op.Kind {
	case KindCreate:
		if op.Object == nil {
			return fmt.Errorf("%w: create without object", ErrInvalidOp)
		}
		if op.Object.ID != "" && op.Object.ID != op.ID {
			return fmt.Errorf("%w: create id mismatch %q != %q", ErrInvalidOp, op.Object.ID, op.ID)
		}
		for _, v := range []float64{op.Object.X, op.Object.Y, op.Object.Width, op.Object.Height} {
			if !finite(v) {
				return fmt.Errorf("%w: non-finite geometry", ErrInvalidOp)
			}
		}
	case KindSet:
		if len(op.Writes) == 0 {
			return fmt.Errorf("%w: set without writes", ErrInvalidOp)
		}
		for _, w := range op.Writes {
			if !w.Field.Valid() {
				return fmt.Errorf("%w: unknown field %q", ErrInvalidOp, w.Field)
			}
			if w.Field.numeric() && w.String != "" {
				return fmt.Errorf("%w: string value for numeric field %q", ErrInvalidOp, w.Field)
			}
			if !w.Field.numeric() && w.Number != 0 {
				return fmt.Errorf("%w: numeric value for field %q", ErrInvalidOp, w.Field)
			}
			if !finite(w.Number) {
				return fmt.Errorf("%w: non-finite value for field %q", ErrInvalidOp, w.Field)
			}
		}
	case KindDelete:
	case KindMove:
		if op.Target != TargetFront && op.Target != TargetBack {
			return fmt.Errorf("%w: unknown move target %q", ErrInvalidOp, op.Target)
		}
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidOp, op.Kind)
	}
	return nil
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
