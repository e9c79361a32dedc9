// Package diff turns whole-buffer text snapshots into ordered edit scripts.
// It bridges an uncontrolled editing surface, which only reports "the text
// is now X", onto the operation-based sequence store.
package diff

import (
	"fmt"
	"slices"

	"github.com/stelioszach03/realtime-crdt-markdown-editor/crdt"
)

type EditKind int

const (
	EditInsert EditKind = iota + 1
	EditDelete
)

func (k EditKind) String() string {
	switch k {
	case EditInsert:
		return "insert"
	case EditDelete:
		return "delete"
	default:
		return fmt.Sprintf("editkind(%d)", int(k))
	}
}

// Edit is one character change at a visible index. Indices are relative to
// the document as it stands after all preceding edits in the script, so the
// script applies sequentially without any index fixups.
type Edit struct {
	Kind  EditKind
	Index int
	Value rune
}

func (e Edit) String() string {
	return fmt.Sprintf("%s %q at %d", e.Kind, e.Value, e.Index)
}

// Edits computes the script transforming old into new. Common prefix and
// suffix are trimmed first, which makes pure appends and truncations cheap.
// The differing middle is walked once; a mismatch is classified as a single
// deletion or insertion when the very next character lines up again, and as
// a delete-insert pair otherwise. Deletes are emitted before inserts at the
// same index so the document never passes through an invalid state. This is
// a linear heuristic, not a minimal edit distance.
func Edits(oldText, newText string) []Edit {
	if oldText == newText {
		return nil
	}
	o, n := []rune(oldText), []rune(newText)

	p := 0
	for p < len(o) && p < len(n) && o[p] == n[p] {
		p++
	}
	s := 0
	max := min(len(o), len(n)) - p
	for s < max && o[len(o)-1-s] == n[len(n)-1-s] {
		s++
	}
	mo, mn := o[p:len(o)-s], n[p:len(n)-s]

	var edits []Edit
	i, j := 0, 0
	for i < len(mo) && j < len(mn) {
		switch {
		case mo[i] == mn[j]:
			i++
			j++
		case i+1 < len(mo) && mo[i+1] == mn[j]:
			// One deleted character, the stream realigns right after it.
			edits = append(edits, Edit{Kind: EditDelete, Index: p + j, Value: mo[i]})
			i++
		case j+1 < len(mn) && mo[i] == mn[j+1]:
			// One inserted character.
			edits = append(edits, Edit{Kind: EditInsert, Index: p + j, Value: mn[j]})
			j++
		default:
			edits = append(edits,
				Edit{Kind: EditDelete, Index: p + j, Value: mo[i]},
				Edit{Kind: EditInsert, Index: p + j, Value: mn[j]})
			i++
			j++
		}
	}
	for ; i < len(mo); i++ {
		edits = append(edits, Edit{Kind: EditDelete, Index: p + j, Value: mo[i]})
	}
	for ; j < len(mn); j++ {
		edits = append(edits, Edit{Kind: EditInsert, Index: p + j, Value: mn[j]})
	}
	return edits
}

// Apply replays an edit script against a plain string, which is what the
// tests and the REPL use to sanity-check scripts.
func Apply(text string, edits []Edit) (string, error) {
	r := []rune(text)
	for _, e := range edits {
		switch e.Kind {
		case EditInsert:
			if e.Index < 0 || e.Index > len(r) {
				return "", fmt.Errorf("diff: insert index %d out of range (len %d)", e.Index, len(r))
			}
			r = slices.Insert(r, e.Index, e.Value)
		case EditDelete:
			if e.Index < 0 || e.Index >= len(r) {
				return "", fmt.Errorf("diff: delete index %d out of range (len %d)", e.Index, len(r))
			}
			r = slices.Delete(r, e.Index, e.Index+1)
		default:
			return "", fmt.Errorf("diff: unknown edit kind %d", int(e.Kind))
		}
	}
	return string(r), nil
}

// Translate diffs the sequence's current text against newText and applies
// the script as local mutations, returning the operations to broadcast.
func Translate(seq *crdt.Sequence, newText string) ([]crdt.Op, error) {
	edits := Edits(seq.Text(), newText)
	ops := make([]crdt.Op, 0, len(edits))
	for _, e := range edits {
		var (
			op  crdt.Op
			err error
		)
		switch e.Kind {
		case EditInsert:
			op, err = seq.LocalInsert(e.Index, e.Value)
		case EditDelete:
			op, err = seq.LocalDelete(e.Index)
		default:
			err = fmt.Errorf("diff: unknown edit kind %d", int(e.Kind))
		}
		if err != nil {
			return ops, err
		}
		ops = append(ops, op)
	}
	return ops, nil
}
