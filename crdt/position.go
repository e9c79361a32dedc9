// Package crdt implements the replicated sequence underneath a collaborative
// text document: a Logoot-style CRDT where every character owns a totally
// ordered Position and deletions leave tombstones. Replicas exchange
// self-contained operations and converge regardless of delivery order.
package crdt

import (
	"cmp"
	"fmt"
	rand "math/rand/v2"
	"strconv"
	"strings"
)

const (
	// MaxDigit bounds a single path entry; the END sentinel sits here.
	MaxDigit uint32 = 1<<31 - 1

	// newLevelMax caps the random entry appended when the allocator has to
	// open a fresh path level.
	newLevelMax uint32 = 1 << 16
)

// Position is the ordered key of one element: an integer path plus a site
// tie-break. Paths compare lexicographically, a strict prefix sorts before
// its extension, and the site string decides ties between identical paths.
type Position struct {
	Identifiers []uint32 `json:"identifiers"`
	Site        string   `json:"site_id"`
}

// Sentinel positions bounding every sequence. They are never visible,
// never removed, and never travel inside operations.
var (
	Begin = Position{Identifiers: []uint32{0}, Site: "BEGIN"}
	End   = Position{Identifiers: []uint32{MaxDigit}, Site: "END"}
)

func (p Position) Compare(q Position) int {
	a, b := p.Identifiers, q.Identifiers
	for i := 0; i < len(a) && i < len(b); i++ {
		if c := cmp.Compare(a[i], b[i]); c != 0 {
			return c
		}
	}
	if c := cmp.Compare(len(a), len(b)); c != 0 {
		return c
	}
	return strings.Compare(p.Site, q.Site)
}

func (p Position) Less(q Position) bool  { return p.Compare(q) < 0 }
func (p Position) Equal(q Position) bool { return p.Compare(q) == 0 }

func (p Position) IsBegin() bool { return p.Equal(Begin) }
func (p Position) IsEnd() bool   { return p.Equal(End) }

// String renders the canonical "digit.digit@site" form. It doubles as the
// map key for pending deletes and merge reconciliation.
func (p Position) String() string {
	var sb strings.Builder
	for i, id := range p.Identifiers {
		if i > 0 {
			sb.WriteByte('.')
		}
		sb.WriteString(strconv.FormatUint(uint64(id), 10))
	}
	sb.WriteByte('@')
	sb.WriteString(p.Site)
	return sb.String()
}

// Clone returns a Position with its own identifier storage, so callers can
// hold on to it without aliasing the store.
func (p Position) Clone() Position {
	ids := make([]uint32, len(p.Identifiers))
	copy(ids, p.Identifiers)
	return Position{Identifiers: ids, Site: p.Site}
}

// Allocator mints Positions strictly between existing ones. Each allocation
// bumps a per-site clock whose value is baked into the new Position's site
// suffix, so two sites picking identical digits concurrently still produce
// distinct Positions.
type Allocator struct {
	site  string
	clock uint64
	rng   *rand.Rand
}

func NewAllocator(site string) *Allocator {
	return NewAllocatorSeeded(site, rand.Uint64())
}

// NewAllocatorSeeded fixes the digit randomness, which keeps test sequences
// reproducible.
func NewAllocatorSeeded(site string, seed uint64) *Allocator {
	return &Allocator{
		site: site,
		rng:  rand.New(rand.NewPCG(seed, seed^0x2545f4914f6cdd1d)),
	}
}

func (al *Allocator) Site() string  { return al.site }
func (al *Allocator) Clock() uint64 { return al.clock }

// Between returns a fresh Position p with a < p under the total order, and
// p < b whenever the digit space between a and b is not already exhausted.
// Callers must pass a < b; anything else is a programming error.
func (al *Allocator) Between(a, b Position) Position {
	if !a.Less(b) {
		panic(fmt.Sprintf("crdt: Between(%s, %s) arguments out of order", a, b))
	}
	al.clock++

	depth := 0
	for depth < len(a.Identifiers) && depth < len(b.Identifiers) &&
		a.Identifiers[depth] == b.Identifiers[depth] {
		depth++
	}

	ids := make([]uint32, depth, depth+2)
	copy(ids, a.Identifiers[:depth])

	switch {
	case depth < len(a.Identifiers) && depth < len(b.Identifiers):
		left, right := a.Identifiers[depth], b.Identifiers[depth]
		if right-left > 1 {
			ids = append(ids, al.randBetween(left+1, right-1))
		} else {
			// Adjacent digits: descend along the left path and open a
			// new level under it.
			ids = append(ids, left)
			ids = append(ids, a.Identifiers[depth+1:]...)
			ids = append(ids, al.randLevel())
		}

	case depth < len(a.Identifiers):
		ids = append(ids, a.Identifiers[depth:]...)
		ids = append(ids, al.randLevel())

	case depth < len(b.Identifiers):
		right := b.Identifiers[depth]
		if right > 1 {
			ids = append(ids, al.randBetween(1, right-1))
		} else {
			ids = append(ids, 0, al.randLevel())
		}

	default:
		// Identical paths, distinct sites. The digit space between them is
		// empty, so extend the shared path.
		ids = append(ids, al.randLevel())
	}

	return Position{
		Identifiers: ids,
		Site:        fmt.Sprintf("%s_%d", al.site, al.clock),
	}
}

// randBetween picks uniformly from [lo, hi], bounds included.
func (al *Allocator) randBetween(lo, hi uint32) uint32 {
	return lo + al.rng.Uint32N(hi-lo+1)
}

func (al *Allocator) randLevel() uint32 {
	return 1 + al.rng.Uint32N(newLevelMax)
}
