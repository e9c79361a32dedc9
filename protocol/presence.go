package protocol

import (
	"sort"
	"sync"
)

// PresenceSet tracks the latest presence per site. Last write per site wins;
// entries vanish when the site leaves. None of this is CRDT state, a
// reconnect simply rebuilds it from the roster. Safe for concurrent use: on
// the server the stats handler reads it while the room actor updates it.
type PresenceSet struct {
	mu      sync.RWMutex
	entries map[string]Presence
}

func NewPresenceSet() *PresenceSet {
	return &PresenceSet{entries: make(map[string]Presence)}
}

func (s *PresenceSet) Update(p Presence) {
	if p.Site == "" {
		return
	}
	s.mu.Lock()
	s.entries[p.Site] = p
	s.mu.Unlock()
}

func (s *PresenceSet) Remove(site string) {
	s.mu.Lock()
	delete(s.entries, site)
	s.mu.Unlock()
}

// Reset replaces the whole set with an authoritative roster.
func (s *PresenceSet) Reset(roster []Presence) {
	s.mu.Lock()
	s.entries = make(map[string]Presence, len(roster))
	for _, p := range roster {
		if p.Site != "" {
			s.entries[p.Site] = p
		}
	}
	s.mu.Unlock()
}

func (s *PresenceSet) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// Snapshot lists the current participants sorted by site id, so renders
// and tests see a stable order.
func (s *PresenceSet) Snapshot() []Presence {
	s.mu.RLock()
	out := make([]Presence, 0, len(s.entries))
	for _, p := range s.entries {
		out = append(out, p)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Site < out[j].Site })
	return out
}
