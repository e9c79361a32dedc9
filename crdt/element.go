package crdt

// Element is one character slot in the sequence. The Position never changes
// once the Element exists; deletion only flips Visible off, leaving a
// tombstone that keeps concurrent references to this slot valid forever.
type Element struct {
	Position Position `json:"position"`
	Value    string   `json:"value"`
	Visible  bool     `json:"visible"`
}

// IsSentinel reports whether the element is one of the BEGIN/END bounds.
func (e Element) IsSentinel() bool {
	return e.Position.IsBegin() || e.Position.IsEnd()
}

func (e Element) Clone() Element {
	e.Position = e.Position.Clone()
	return e
}
