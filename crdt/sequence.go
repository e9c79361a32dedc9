package crdt

import (
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/cespare/xxhash/v2"
)

var (
	ErrIndexOutOfRange = errors.New("crdt: index out of range")
	ErrMalformedOp     = errors.New("crdt: malformed operation")
	ErrCorruptSnapshot = errors.New("crdt: corrupt snapshot")
)

// Sequence is the ordered element store of one replica. Elements stay sorted
// by Position between the BEGIN and END sentinels; deletion tombstones an
// element in place. A Sequence is owned by a single goroutine (the session
// actor on clients, the room actor on the server) and is not safe for
// concurrent use.
type Sequence struct {
	alloc *Allocator
	elems []Element

	// pending holds deletes that arrived before their insert, keyed by
	// position. Replayed the moment the matching insert shows up.
	pending map[string]struct{}
}

func NewSequence(site string) *Sequence {
	return newSequence(NewAllocator(site))
}

// NewSequenceSeeded fixes the allocator randomness for reproducible tests.
func NewSequenceSeeded(site string, seed uint64) *Sequence {
	return newSequence(NewAllocatorSeeded(site, seed))
}

func newSequence(al *Allocator) *Sequence {
	return &Sequence{
		alloc:   al,
		elems:   []Element{{Position: Begin}, {Position: End}},
		pending: make(map[string]struct{}),
	}
}

func (seq *Sequence) Site() string  { return seq.alloc.site }
func (seq *Sequence) Clock() uint64 { return seq.alloc.clock }

func (seq *Sequence) search(p Position) (int, bool) {
	return slices.BinarySearchFunc(seq.elems, p, func(e Element, q Position) int {
		return e.Position.Compare(q)
	})
}

// LocalInsert places value at the given visible index and returns the
// insert Op to broadcast. The new Position is allocated between the visible
// neighbors of the index, with sentinels standing in at the edges.
func (seq *Sequence) LocalInsert(index int, value rune) (Op, error) {
	n := seq.VisibleLength()
	if index < 0 || index > n {
		return Op{}, fmt.Errorf("%w: insert at %d, length %d", ErrIndexOutOfRange, index, n)
	}
	left, right := seq.bounds(index)
	elem := Element{
		Position: seq.alloc.Between(left, right),
		Value:    string(value),
		Visible:  true,
	}
	i, _ := seq.search(elem.Position)
	seq.elems = slices.Insert(seq.elems, i, elem)
	return NewInsert(elem.Clone(), seq.Site()), nil
}

// bounds resolves the Positions flanking a visible index: the (index-1)-th
// and index-th visible elements, falling back to the sentinels at the edges.
// Tombstones between the two bounds are skipped over, which is safe since
// order relative to an invisible element is unobservable.
func (seq *Sequence) bounds(index int) (left, right Position) {
	left = seq.elems[0].Position
	right = seq.elems[len(seq.elems)-1].Position
	seen := 0
	for _, el := range seq.elems {
		if !el.Visible {
			continue
		}
		if seen == index-1 {
			left = el.Position
		} else if seen == index {
			right = el.Position
			break
		}
		seen++
	}
	return left, right
}

// LocalDelete tombstones the element at the given visible index and returns
// the delete Op to broadcast.
func (seq *Sequence) LocalDelete(index int) (Op, error) {
	seen := 0
	for i := range seq.elems {
		el := &seq.elems[i]
		if !el.Visible {
			continue
		}
		if seen == index {
			el.Visible = false
			return NewDelete(el.Position.Clone(), seq.Site()), nil
		}
		seen++
	}
	return Op{}, fmt.Errorf("%w: delete at %d, length %d", ErrIndexOutOfRange, index, seen)
}

// Apply folds a remote operation into the store. Idempotent and commutative:
// a duplicate insert is a no-op (visibility is never copied, tombstones are
// permanent), a delete for an unseen position is buffered and replayed once
// the insert arrives. Only structurally malformed ops fail.
func (seq *Sequence) Apply(op Op) error {
	if err := op.Validate(); err != nil {
		return err
	}
	switch op.Type {
	case OpInsert:
		seq.applyInsert(op.Elem)
	case OpDelete:
		seq.applyDelete(op.Pos)
	default:
		return fmt.Errorf("%w: unknown op type %d", ErrMalformedOp, int(op.Type))
	}
	return nil
}

func (seq *Sequence) applyInsert(elem Element) {
	i, found := seq.search(elem.Position)
	if found {
		return
	}
	el := elem.Clone()
	key := el.Position.String()
	if _, ok := seq.pending[key]; ok {
		delete(seq.pending, key)
		el.Visible = false
	}
	seq.elems = slices.Insert(seq.elems, i, el)
}

func (seq *Sequence) applyDelete(pos Position) {
	i, found := seq.search(pos)
	if found {
		seq.elems[i].Visible = false
		return
	}
	seq.pending[pos.String()] = struct{}{}
}

// Text returns the visible document content in position order. O(n).
func (seq *Sequence) Text() string {
	var sb strings.Builder
	for _, el := range seq.elems {
		if el.Visible {
			sb.WriteString(el.Value)
		}
	}
	return sb.String()
}

func (seq *Sequence) VisibleLength() int {
	n := 0
	for _, el := range seq.elems {
		if el.Visible {
			n++
		}
	}
	return n
}

// TombstoneCount counts deleted elements, sentinels excluded.
func (seq *Sequence) TombstoneCount() int {
	n := 0
	for _, el := range seq.elems {
		if !el.Visible && !el.IsSentinel() {
			n++
		}
	}
	return n
}

// Len is the total element count, sentinels and tombstones included.
func (seq *Sequence) Len() int { return len(seq.elems) }

// PendingDeletes reports how many buffered deletes still await their insert.
func (seq *Sequence) PendingDeletes() int { return len(seq.pending) }

// Elements returns a copy of the store, sentinels included, for inspection.
func (seq *Sequence) Elements() []Element {
	out := make([]Element, len(seq.elems))
	for i, el := range seq.elems {
		out[i] = el.Clone()
	}
	return out
}

// Merge reconciles a full remote state into the local store, used for
// catch-up after (re)joining a session. Elements present only remotely are
// inserted; visibility conflicts resolve toward the tombstone, since a
// delete can never be undone. The returned ops are the synthesized changes,
// in remote state order, for the caller to rebroadcast.
func (seq *Sequence) Merge(other *Sequence) []Op {
	mineVis := make(map[string]bool, len(seq.elems))
	for _, el := range seq.elems {
		mineVis[el.Position.String()] = el.Visible
	}

	var ops []Op
	for _, oe := range other.elems {
		if oe.IsSentinel() {
			continue
		}
		vis, ok := mineVis[oe.Position.String()]
		switch {
		case !ok:
			op := NewInsert(oe.Clone(), other.Site())
			if err := seq.Apply(op); err == nil {
				ops = append(ops, op)
			}
		case vis == oe.Visible:
			// In agreement, nothing to do.
		case vis && !oe.Visible:
			op := NewDelete(oe.Position.Clone(), other.Site())
			if err := seq.Apply(op); err == nil {
				ops = append(ops, op)
			}
		default:
			// Locally tombstoned, remotely visible: the local delete wins
			// and goes back out so the remote side converges too.
			ops = append(ops, NewDelete(oe.Position.Clone(), seq.Site()))
		}
	}
	return ops
}

type snapshotJSON struct {
	Site     string    `json:"site_id"`
	Clock    uint64    `json:"clock"`
	Elements []Element `json:"elements"`
}

// Snapshot serializes the full replica state, sentinels included, for
// persistence and initial_state transfer.
func (seq *Sequence) Snapshot() ([]byte, error) {
	return json.Marshal(snapshotJSON{
		Site:     seq.Site(),
		Clock:    seq.Clock(),
		Elements: seq.elems,
	})
}

// LoadSnapshot rebuilds a Sequence from Snapshot output. The stored site and
// clock are restored so the replica keeps minting unique positions.
func LoadSnapshot(data []byte) (*Sequence, error) {
	var snap snapshotJSON
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptSnapshot, err)
	}
	if snap.Site == "" {
		return nil, fmt.Errorf("%w: missing site id", ErrCorruptSnapshot)
	}
	seq := NewSequence(snap.Site)
	seq.alloc.clock = snap.Clock
	if len(snap.Elements) == 0 {
		return seq, nil
	}
	if len(snap.Elements) < 2 ||
		!snap.Elements[0].Position.IsBegin() ||
		!snap.Elements[len(snap.Elements)-1].Position.IsEnd() {
		return nil, fmt.Errorf("%w: missing sentinels", ErrCorruptSnapshot)
	}
	for i := 1; i < len(snap.Elements); i++ {
		if snap.Elements[i-1].Position.Compare(snap.Elements[i].Position) >= 0 {
			return nil, fmt.Errorf("%w: elements out of order", ErrCorruptSnapshot)
		}
	}
	seq.elems = snap.Elements
	return seq, nil
}

// MergeSnapshot merges serialized remote state, see Merge.
func (seq *Sequence) MergeSnapshot(data []byte) ([]Op, error) {
	other, err := LoadSnapshot(data)
	if err != nil {
		return nil, err
	}
	return seq.Merge(other), nil
}

// Checksum digests the ordered element stream. Two replicas holding the
// same state produce the same value, which makes post-merge divergence cheap
// to spot in logs.
func (seq *Sequence) Checksum() uint64 {
	d := xxhash.New()
	for _, el := range seq.elems {
		_, _ = d.WriteString(el.Position.String())
		_, _ = d.WriteString("\x1f")
		_, _ = d.WriteString(el.Value)
		if el.Visible {
			_, _ = d.WriteString("\x1f1\x1e")
		} else {
			_, _ = d.WriteString("\x1f0\x1e")
		}
	}
	return d.Sum64()
}
