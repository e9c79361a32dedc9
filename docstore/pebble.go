package docstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"

	"github.com/cockroachdb/pebble"
)

// Key layout: 'D'+docID for the snapshot, 'M'+docID for the meta row, so a
// bounded iterator over the 'M' space lists documents without touching
// snapshot bytes.
const (
	snapPrefix = 'D'
	metaPrefix = 'M'
)

var writeOptions = pebble.WriteOptions{Sync: true}

func snapKey(docID string) []byte { return append([]byte{snapPrefix}, docID...) }
func metaKey(docID string) []byte { return append([]byte{metaPrefix}, docID...) }

// PebbleStore is the embedded backend, one LSM directory per server.
type PebbleStore struct {
	db *pebble.DB
}

func OpenPebble(dir string) (*PebbleStore, error) {
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("docstore: open %q: %w", dir, err)
	}
	return &PebbleStore{db: db}, nil
}

func (s *PebbleStore) Load(ctx context.Context, docID string) ([]byte, Meta, error) {
	val, closer, err := s.db.Get(snapKey(docID))
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, Meta{}, fmt.Errorf("%w: %s", ErrNotFound, docID)
	}
	if err != nil {
		return nil, Meta{}, fmt.Errorf("docstore: load %s: %w", docID, err)
	}
	snapshot := slices.Clone(val)
	_ = closer.Close()

	// A missing or stale meta row is not fatal as long as the snapshot reads.
	meta := Meta{ID: docID, Size: len(snapshot)}
	if mval, mcloser, merr := s.db.Get(metaKey(docID)); merr == nil {
		_ = json.Unmarshal(mval, &meta)
		_ = mcloser.Close()
		meta.ID = docID
	}
	return snapshot, meta, nil
}

func (s *PebbleStore) Save(ctx context.Context, docID string, snapshot []byte, meta Meta) error {
	meta = stampMeta(docID, snapshot, meta)
	mdata, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("docstore: encode meta %s: %w", docID, err)
	}
	b := s.db.NewBatch()
	defer b.Close()
	if err := b.Set(snapKey(docID), snapshot, nil); err != nil {
		return fmt.Errorf("docstore: save %s: %w", docID, err)
	}
	if err := b.Set(metaKey(docID), mdata, nil); err != nil {
		return fmt.Errorf("docstore: save %s: %w", docID, err)
	}
	if err := s.db.Apply(b, &writeOptions); err != nil {
		return fmt.Errorf("docstore: save %s: %w", docID, err)
	}
	return nil
}

func (s *PebbleStore) Delete(ctx context.Context, docID string) error {
	if _, closer, err := s.db.Get(snapKey(docID)); err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return fmt.Errorf("%w: %s", ErrNotFound, docID)
		}
		return fmt.Errorf("docstore: delete %s: %w", docID, err)
	} else {
		_ = closer.Close()
	}
	b := s.db.NewBatch()
	defer b.Close()
	_ = b.Delete(snapKey(docID), nil)
	_ = b.Delete(metaKey(docID), nil)
	if err := s.db.Apply(b, &writeOptions); err != nil {
		return fmt.Errorf("docstore: delete %s: %w", docID, err)
	}
	return nil
}

func (s *PebbleStore) List(ctx context.Context) ([]Meta, error) {
	it, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte{metaPrefix},
		UpperBound: []byte{metaPrefix + 1},
	})
	if err != nil {
		return nil, fmt.Errorf("docstore: list: %w", err)
	}
	defer it.Close()

	var out []Meta
	for it.First(); it.Valid(); it.Next() {
		var meta Meta
		if err := json.Unmarshal(it.Value(), &meta); err != nil {
			continue
		}
		meta.ID = string(it.Key()[1:])
		out = append(out, meta)
	}
	return out, nil
}

func (s *PebbleStore) Close() error { return s.db.Close() }
