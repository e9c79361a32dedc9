// Package docstore persists document snapshots. The hub saves through it on
// the debounce timer and loads through it when a cold document is opened.
// Backends: pebble (default, embedded), postgres (shared), memory (tests and
// throwaway runs).
package docstore

import (
	"context"
	"errors"
	"time"
)

var ErrNotFound = errors.New("docstore: document not found")

// Meta is the bookkeeping row kept next to each snapshot.
type Meta struct {
	ID        string    `json:"id"`
	Title     string    `json:"title,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
	Size      int       `json:"size"`
	Checksum  uint64    `json:"checksum"`
}

type Store interface {
	// Load returns the stored snapshot and its meta, ErrNotFound if absent.
	Load(ctx context.Context, docID string) ([]byte, Meta, error)
	// Save upserts the snapshot. meta.ID, Size and UpdatedAt are filled in.
	Save(ctx context.Context, docID string, snapshot []byte, meta Meta) error
	// Delete removes the document, ErrNotFound if absent.
	Delete(ctx context.Context, docID string) error
	// List returns meta for every stored document.
	List(ctx context.Context) ([]Meta, error)
	Close() error
}

func stampMeta(docID string, snapshot []byte, meta Meta) Meta {
	meta.ID = docID
	meta.Size = len(snapshot)
	if meta.UpdatedAt.IsZero() {
		meta.UpdatedAt = time.Now().UTC()
	}
	return meta
}
