package crdt

import (
	"encoding/json"
	"fmt"
)

type OpType int

const (
	OpInsert OpType = iota + 1
	OpDelete
)

func (t OpType) String() string {
	switch t {
	case OpInsert:
		return "insert"
	case OpDelete:
		return "delete"
	default:
		return fmt.Sprintf("optype(%d)", int(t))
	}
}

// Op is the unit of replication: a closed insert/delete variant tagged with
// the originating site. An Op is self-contained, applying it never requires
// consulting other network state.
type Op struct {
	Type   OpType
	Elem   Element  // inserts only
	Pos    Position // deletes only
	Origin string
}

func NewInsert(elem Element, origin string) Op {
	return Op{Type: OpInsert, Elem: elem, Origin: origin}
}

func NewDelete(pos Position, origin string) Op {
	return Op{Type: OpDelete, Pos: pos, Origin: origin}
}

// Position returns the op's subject position regardless of variant.
func (op Op) Position() Position {
	if op.Type == OpInsert {
		return op.Elem.Position
	}
	return op.Pos
}

func (op Op) String() string {
	switch op.Type {
	case OpInsert:
		return fmt.Sprintf("insert %q at %s", op.Elem.Value, op.Elem.Position)
	case OpDelete:
		return fmt.Sprintf("delete %s", op.Pos)
	default:
		return "malformed op"
	}
}

func validPosition(p Position) bool {
	return len(p.Identifiers) > 0 && p.Site != ""
}

// Validate rejects structurally broken ops. Semantic anomalies, like a
// delete for a position nobody has seen yet, are not Validate's business.
func (op Op) Validate() error {
	switch op.Type {
	case OpInsert:
		if !validPosition(op.Elem.Position) {
			return fmt.Errorf("%w: insert with empty position", ErrMalformedOp)
		}
		if op.Elem.Value == "" {
			return fmt.Errorf("%w: insert with empty value", ErrMalformedOp)
		}
	case OpDelete:
		if !validPosition(op.Pos) {
			return fmt.Errorf("%w: delete with empty position", ErrMalformedOp)
		}
	default:
		return fmt.Errorf("%w: unknown op type %d", ErrMalformedOp, int(op.Type))
	}
	return nil
}

type opJSON struct {
	Type    string    `json:"type"`
	Element *Element  `json:"element,omitempty"`
	Pos     *Position `json:"position,omitempty"`
	Origin  string    `json:"origin,omitempty"`
}

func (op Op) MarshalJSON() ([]byte, error) {
	raw := opJSON{Type: op.Type.String(), Origin: op.Origin}
	switch op.Type {
	case OpInsert:
		elem := op.Elem
		raw.Element = &elem
	case OpDelete:
		pos := op.Pos
		raw.Pos = &pos
	default:
		return nil, fmt.Errorf("%w: cannot encode op type %d", ErrMalformedOp, int(op.Type))
	}
	return json.Marshal(raw)
}

func (op *Op) UnmarshalJSON(data []byte) error {
	var raw opJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedOp, err)
	}
	switch raw.Type {
	case "insert":
		if raw.Element == nil {
			return fmt.Errorf("%w: insert without element", ErrMalformedOp)
		}
		*op = Op{Type: OpInsert, Elem: *raw.Element, Origin: raw.Origin}
	case "delete":
		if raw.Pos == nil {
			return fmt.Errorf("%w: delete without position", ErrMalformedOp)
		}
		*op = Op{Type: OpDelete, Pos: *raw.Pos, Origin: raw.Origin}
	default:
		return fmt.Errorf("%w: unknown op type %q", ErrMalformedOp, raw.Type)
	}
	return op.Validate()
}
