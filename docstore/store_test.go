package docstore_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/stelioszach03/realtime-crdt-markdown-editor/crdt"
	"github.com/stelioszach03/realtime-crdt-markdown-editor/docstore"
)

func docSnapshot(t *testing.T, site, text string) ([]byte, uint64) {
	t.Helper()
	seq := crdt.NewSequence(site)
	for i, r := range []rune(text) {
		_, err := seq.LocalInsert(i, r)
		require.NoError(t, err)
	}
	snap, err := seq.Snapshot()
	require.NoError(t, err)
	return snap, seq.Checksum()
}

func runStoreBattery(t *testing.T, s docstore.Store) {
	ctx := context.Background()

	_, _, err := s.Load(ctx, "missing")
	require.ErrorIs(t, err, docstore.ErrNotFound)

	snap, sum := docSnapshot(t, "alice_11111111", "# Notes\nhello")
	require.NoError(t, s.Save(ctx, "doc-1", snap, docstore.Meta{Title: "Notes", Checksum: sum}))

	got, meta, err := s.Load(ctx, "doc-1")
	require.NoError(t, err)
	require.Equal(t, snap, got)
	require.Equal(t, "doc-1", meta.ID)
	require.Equal(t, "Notes", meta.Title)
	require.Equal(t, len(snap), meta.Size)
	require.Equal(t, sum, meta.Checksum)
	require.False(t, meta.UpdatedAt.IsZero())

	// The stored snapshot round-trips back into a working replica.
	seq, err := crdt.LoadSnapshot(got)
	require.NoError(t, err)
	require.Equal(t, "# Notes\nhello", seq.Text())

	snap2, sum2 := docSnapshot(t, "bob_22222222", "other")
	require.NoError(t, s.Save(ctx, "doc-1", snap2, docstore.Meta{Checksum: sum2}))
	got, meta, err = s.Load(ctx, "doc-1")
	require.NoError(t, err)
	require.Equal(t, snap2, got)
	require.Equal(t, sum2, meta.Checksum)

	require.NoError(t, s.Save(ctx, "doc-2", snap, docstore.Meta{Title: "Second", Checksum: sum}))
	metas, err := s.List(ctx)
	require.NoError(t, err)
	require.Len(t, metas, 2)
	ids := []string{metas[0].ID, metas[1].ID}
	require.Contains(t, ids, "doc-1")
	require.Contains(t, ids, "doc-2")

	require.NoError(t, s.Delete(ctx, "doc-1"))
	_, _, err = s.Load(ctx, "doc-1")
	require.ErrorIs(t, err, docstore.ErrNotFound)
	require.ErrorIs(t, s.Delete(ctx, "doc-1"), docstore.ErrNotFound)
}

func TestPebbleStore(t *testing.T) {
	s, err := docstore.OpenPebble(filepath.Join(t.TempDir(), "docs"))
	require.NoError(t, err)
	defer s.Close()
	runStoreBattery(t, s)
}

func TestMemoryStore(t *testing.T) {
	s := docstore.NewMemory()
	defer s.Close()
	runStoreBattery(t, s)
}

func TestPebbleStoreReopen(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "docs")
	ctx := context.Background()
	snap, sum := docSnapshot(t, "alice_11111111", "survives restarts")

	s, err := docstore.OpenPebble(dir)
	require.NoError(t, err)
	require.NoError(t, s.Save(ctx, "doc-9", snap, docstore.Meta{Checksum: sum}))
	require.NoError(t, s.Close())

	s, err = docstore.OpenPebble(dir)
	require.NoError(t, err)
	defer s.Close()
	got, meta, err := s.Load(ctx, "doc-9")
	require.NoError(t, err)
	require.Equal(t, snap, got)
	require.Equal(t, sum, meta.Checksum)
}
